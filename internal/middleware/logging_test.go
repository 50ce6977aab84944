package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func parseLogLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("ログ行のパースに失敗しました: %v: %s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/invites", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := parseLogLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("ログエントリ数 = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry["method"] != "POST" {
		t.Errorf("method = %v, want POST", entry["method"])
	}
	if entry["path"] != "/api/invites" {
		t.Errorf("path = %v, want /api/invites", entry["path"])
	}
	if entry["status"] != float64(201) {
		t.Errorf("status = %v, want 201", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms が記録されていない")
	}
}

func TestLoggingMiddleware_LogsAdapterID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	req = req.WithContext(ContextWithAdapterID(req.Context(), "telegram"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := parseLogLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("ログエントリ数 = %d, want 1", len(entries))
	}
	if entries[0]["adapter_id"] != "telegram" {
		t.Errorf("adapter_id = %v, want telegram", entries[0]["adapter_id"])
	}
}

func TestLoggingMiddleware_ErrorLevelOn500(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := parseLogLines(t, &buf)
	if entries[0]["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entries[0]["level"])
	}
}

func TestLoggingMiddleware_WarnLevelOn400(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := parseLogLines(t, &buf)
	if entries[0]["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entries[0]["level"])
	}
}

func TestLoggingMiddleware_DefaultStatus200(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	entries := parseLogLines(t, &buf)
	if entries[0]["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entries[0]["status"])
	}
}
