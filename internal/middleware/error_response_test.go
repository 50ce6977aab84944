package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/chotei/internal/model"
)

func TestWriteErrorResponse_Format(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorResponse(rec, http.StatusConflict, model.NewInviteAlreadyUsedError())

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗しました: %v", err)
	}
	if body.Code != model.ErrCodeInviteAlreadyUsed {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInviteAlreadyUsed)
	}
	if body.Category != "invite" {
		t.Errorf("category = %q, want invite", body.Category)
	}
	if body.Message == "" || body.Action == "" {
		t.Error("message と action は設定されるべき")
	}
}

func TestWriteInternalServerError_HidesDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternalServerError(rec)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗しました: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}

func TestRecoveryMiddleware_CatchesPanic(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRecoveryMiddleware_PassesThroughNormally(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}
