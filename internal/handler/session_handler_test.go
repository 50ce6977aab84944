package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/chotei/internal/model"
)

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	getOrCreateFn   func(ctx context.Context, userID string) (*model.Session, error)
	activeForUserFn func(ctx context.Context, userID string) (*model.Session, error)
	closeFn         func(ctx context.Context, sessionID, userID, reason string) (*model.Session, error)
}

func (m *mockSessionService) GetOrCreate(ctx context.Context, userID string) (*model.Session, error) {
	if m.getOrCreateFn != nil {
		return m.getOrCreateFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockSessionService) ActiveForUser(ctx context.Context, userID string) (*model.Session, error) {
	if m.activeForUserFn != nil {
		return m.activeForUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockSessionService) Close(ctx context.Context, sessionID, userID, reason string) (*model.Session, error) {
	if m.closeFn != nil {
		return m.closeFn(ctx, sessionID, userID, reason)
	}
	return nil, nil
}

// mockLedgerService はLedgerServiceInterfaceのモック実装。
type mockLedgerService struct {
	historyFn func(ctx context.Context, sessionID string) ([]*model.Message, error)
}

func (m *mockLedgerService) History(ctx context.Context, sessionID string) ([]*model.Message, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, sessionID)
	}
	return nil, nil
}

func activeSession(id string) *model.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Session{
		ID:            id,
		PartnershipID: "p-1",
		InitiatorRole: model.RolePartyA,
		Status:        model.SessionStatusActive,
		Phase:         "opening",
		PendingTarget: model.TargetBoth,
		StateVersion:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(24 * time.Hour),
	}
}

// --- POST /api/sessions テスト ---

func TestSessionHandler_GetOrCreate_Success(t *testing.T) {
	svc := &mockSessionService{
		getOrCreateFn: func(ctx context.Context, userID string) (*model.Session, error) {
			if userID != "user-1" {
				t.Errorf("userID = %q, want user-1", userID)
			}
			return activeSession("session-1"), nil
		},
	}
	h := NewSessionHandler(svc, &mockLedgerService{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", jsonBody(t, map[string]string{"user_id": "user-1"}))
	w := httptest.NewRecorder()

	h.GetOrCreate(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["id"] != "session-1" {
		t.Errorf("id = %v, want session-1", result["id"])
	}
	if result["status"] != "active" {
		t.Errorf("status = %v, want active", result["status"])
	}
	if result["pending_target"] != "both" {
		t.Errorf("pending_target = %v, want both", result["pending_target"])
	}
}

func TestSessionHandler_GetOrCreate_MissingUserID(t *testing.T) {
	h := NewSessionHandler(&mockSessionService{}, &mockLedgerService{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", jsonBody(t, map[string]string{}))
	w := httptest.NewRecorder()

	h.GetOrCreate(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSessionHandler_GetOrCreate_NoPartnership(t *testing.T) {
	svc := &mockSessionService{
		getOrCreateFn: func(ctx context.Context, userID string) (*model.Session, error) {
			return nil, model.NewPartnershipNotFoundError()
		},
	}
	h := NewSessionHandler(svc, &mockLedgerService{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", jsonBody(t, map[string]string{"user_id": "user-9"}))
	w := httptest.NewRecorder()

	h.GetOrCreate(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSessionHandler_GetOrCreate_EngineUnavailable(t *testing.T) {
	svc := &mockSessionService{
		getOrCreateFn: func(ctx context.Context, userID string) (*model.Session, error) {
			return nil, model.NewEngineUnavailableError()
		},
	}
	h := NewSessionHandler(svc, &mockLedgerService{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", jsonBody(t, map[string]string{"user_id": "user-1"}))
	w := httptest.NewRecorder()

	h.GetOrCreate(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// --- GET /api/sessions/active テスト ---

func TestSessionHandler_Active_Found(t *testing.T) {
	svc := &mockSessionService{
		activeForUserFn: func(ctx context.Context, userID string) (*model.Session, error) {
			return activeSession("session-1"), nil
		},
	}
	h := NewSessionHandler(svc, &mockLedgerService{})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active?user_id=user-1", nil)
	w := httptest.NewRecorder()

	h.Active(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSessionHandler_Active_NotFound(t *testing.T) {
	svc := &mockSessionService{
		activeForUserFn: func(ctx context.Context, userID string) (*model.Session, error) {
			return nil, nil
		},
	}
	h := NewSessionHandler(svc, &mockLedgerService{})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active?user_id=user-1", nil)
	w := httptest.NewRecorder()

	h.Active(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != model.ErrCodeSessionNotFound {
		t.Errorf("code = %q, want %s", result["code"], model.ErrCodeSessionNotFound)
	}
}

func TestSessionHandler_Active_MissingUserID(t *testing.T) {
	h := NewSessionHandler(&mockSessionService{}, &mockLedgerService{})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/active", nil)
	w := httptest.NewRecorder()

	h.Active(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- POST /api/sessions/{id}/close テスト ---

func TestSessionHandler_Close_Success(t *testing.T) {
	svc := &mockSessionService{
		closeFn: func(ctx context.Context, sessionID, userID, reason string) (*model.Session, error) {
			if sessionID != "session-1" {
				t.Errorf("sessionID = %q, want session-1", sessionID)
			}
			if reason != "resolved" {
				t.Errorf("reason = %q, want resolved", reason)
			}
			s := activeSession(sessionID)
			s.Status = model.SessionStatusClosed
			s.CloseReason = reason
			return s, nil
		},
	}
	h := NewSessionHandler(svc, &mockLedgerService{})

	body := jsonBody(t, map[string]string{"user_id": "user-1", "reason": "resolved"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/close", body)
	req = withChiURLParam(req, "id", "session-1")
	w := httptest.NewRecorder()

	h.Close(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "closed" {
		t.Errorf("status = %v, want closed", result["status"])
	}
	if result["close_reason"] != "resolved" {
		t.Errorf("close_reason = %v, want resolved", result["close_reason"])
	}
}

func TestSessionHandler_Close_NotAParticipant(t *testing.T) {
	svc := &mockSessionService{
		closeFn: func(ctx context.Context, sessionID, userID, reason string) (*model.Session, error) {
			return nil, model.NewNotAParticipantError()
		},
	}
	h := NewSessionHandler(svc, &mockLedgerService{})

	body := jsonBody(t, map[string]string{"user_id": "user-9"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/close", body)
	req = withChiURLParam(req, "id", "session-1")
	w := httptest.NewRecorder()

	h.Close(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestSessionHandler_Close_AlreadyClosed(t *testing.T) {
	svc := &mockSessionService{
		closeFn: func(ctx context.Context, sessionID, userID, reason string) (*model.Session, error) {
			return nil, model.NewSessionClosedError(sessionID)
		},
	}
	h := NewSessionHandler(svc, &mockLedgerService{})

	body := jsonBody(t, map[string]string{"user_id": "user-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/session-1/close", body)
	req = withChiURLParam(req, "id", "session-1")
	w := httptest.NewRecorder()

	h.Close(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

// --- GET /api/sessions/{id}/messages テスト ---

func TestSessionHandler_Messages_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	ledger := &mockLedgerService{
		historyFn: func(ctx context.Context, sessionID string) ([]*model.Message, error) {
			if sessionID != "session-1" {
				t.Errorf("sessionID = %q, want session-1", sessionID)
			}
			return []*model.Message{
				{ID: "msg-1", SessionID: sessionID, SenderRole: model.RolePartyA, ExternalID: "ext-1", Content: "こんにちは", Seq: 1, Status: model.MessageStatusAccepted, Processed: true, CreatedAt: now},
				{ID: "msg-2", SessionID: sessionID, SenderRole: model.RolePartyB, ExternalID: "ext-2", Content: "はい", Seq: 2, Status: model.MessageStatusAccepted, Processed: true, CreatedAt: now},
			}, nil
		},
	}
	h := NewSessionHandler(&mockSessionService{}, ledger)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/session-1/messages", nil)
	req = withChiURLParam(req, "id", "session-1")
	w := httptest.NewRecorder()

	h.Messages(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var result []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("len(result) = %d, want 2", len(result))
	}
	if result[0]["id"] != "msg-1" || result[1]["id"] != "msg-2" {
		t.Errorf("unexpected order: %v, %v", result[0]["id"], result[1]["id"])
	}
	if result[0]["seq"] != float64(1) {
		t.Errorf("seq = %v, want 1", result[0]["seq"])
	}
}

func TestSessionHandler_Messages_Empty(t *testing.T) {
	h := NewSessionHandler(&mockSessionService{}, &mockLedgerService{
		historyFn: func(ctx context.Context, sessionID string) ([]*model.Message, error) {
			return []*model.Message{}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/session-1/messages", nil)
	req = withChiURLParam(req, "id", "session-1")
	w := httptest.NewRecorder()

	h.Messages(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var result []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("len(result) = %d, want 0", len(result))
	}
}
