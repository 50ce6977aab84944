package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/chotei/internal/middleware"
	"github.com/hitoshi/chotei/internal/model"
)

const testAdapterToken = "test-adapter-token"

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	deps := &RouterDeps{
		AdapterToken: testAdapterToken,
		RateLimiter:  middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		UserService:  &mockUserService{},
		InviteService: &mockInviteService{
			issueFn: func(ctx context.Context, creatorUserID string) (*model.InviteLink, error) {
				return nil, model.NewUserNotFoundError()
			},
		},
		SessionService: &mockSessionService{
			activeForUserFn: func(ctx context.Context, userID string) (*model.Session, error) {
				return activeSession("session-1"), nil
			},
		},
		LedgerService: &mockLedgerService{},
		RelayService:  &mockRelayService{},
		OutboxService: &mockOutboxService{},
		DB:            &mockDBPinger{},
		Engine:        &mockEngineChecker{},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}
	return NewRouter(deps)
}

func authedGet(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+testAdapterToken)
	req.Header.Set("X-Adapter-ID", "telegram")
	return req
}

func TestRouter_Healthz_NoAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRouter_Metrics_NoAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRouter_APIRoute_RequiresToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active?user_id=user-1", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRouter_APIRoute_RejectsWrongToken(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active?user_id=user-1", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRouter_APIRoute_AcceptsValidToken(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedGet("/api/sessions/active?user_id=user-1"))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRouter_ServiceErrorMappedThroughRoute(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/invites", jsonBody(t, map[string]string{"user_id": "user-9"}))
	req.Header.Set("Authorization", "Bearer "+testAdapterToken)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != model.ErrCodeUserNotFound {
		t.Errorf("code = %q, want %s", result["code"], model.ErrCodeUserNotFound)
	}
}

func TestRouter_UnknownRouteReturns404(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedGet("/api/unknown"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
