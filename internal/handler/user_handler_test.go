package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chotei/internal/model"
)

// --- モック定義 ---

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	registerFn func(ctx context.Context, externalID, handle, webhookURL string) (*model.User, error)
	getFn      func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockUserService) Register(ctx context.Context, externalID, handle, webhookURL string) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, externalID, handle, webhookURL)
	}
	return nil, nil
}

func (m *mockUserService) Get(ctx context.Context, userID string) (*model.User, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return nil, nil
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// jsonBody はテスト用にJSONリクエストボディを生成するヘルパー。
func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	return buf
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// --- POST /api/users テスト ---

func TestUserHandler_Register_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	svc := &mockUserService{
		registerFn: func(ctx context.Context, externalID, handle, webhookURL string) (*model.User, error) {
			if externalID != "tg-42" {
				t.Errorf("externalID = %q, want tg-42", externalID)
			}
			if webhookURL != "https://adapter.example.com/hook" {
				t.Errorf("webhookURL = %q", webhookURL)
			}
			return &model.User{
				ID:         "user-1",
				ExternalID: externalID,
				Handle:     handle,
				WebhookURL: webhookURL,
				CreatedAt:  now,
			}, nil
		},
	}
	h := NewUserHandler(svc)

	body := jsonBody(t, map[string]string{
		"external_id": "tg-42",
		"handle":      "alice",
		"webhook_url": "https://adapter.example.com/hook",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/users", body)
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["id"] != "user-1" {
		t.Errorf("id = %v, want user-1", result["id"])
	}
	if result["external_id"] != "tg-42" {
		t.Errorf("external_id = %v, want tg-42", result["external_id"])
	}
	if result["handle"] != "alice" {
		t.Errorf("handle = %v, want alice", result["handle"])
	}
}

func TestUserHandler_Register_MissingExternalID(t *testing.T) {
	h := NewUserHandler(&mockUserService{})

	body := jsonBody(t, map[string]string{"handle": "alice"})
	req := httptest.NewRequest(http.MethodPost, "/api/users", body)
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", result["code"])
	}
}

func TestUserHandler_Register_InvalidJSON(t *testing.T) {
	h := NewUserHandler(&mockUserService{})

	req := httptest.NewRequest(http.MethodPost, "/api/users", bytes.NewBufferString("{invalid"))
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUserHandler_Register_ServiceError(t *testing.T) {
	svc := &mockUserService{
		registerFn: func(ctx context.Context, externalID, handle, webhookURL string) (*model.User, error) {
			return nil, errors.New("db error")
		},
	}
	h := NewUserHandler(svc)

	body := jsonBody(t, map[string]string{"external_id": "tg-42"})
	req := httptest.NewRequest(http.MethodPost, "/api/users", body)
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", result["code"])
	}
}
