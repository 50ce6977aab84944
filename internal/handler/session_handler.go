package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chotei/internal/model"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	// GetOrCreate はユーザーのアクティブセッションを取得または作成する。冪等。
	GetOrCreate(ctx context.Context, userID string) (*model.Session, error)
	// ActiveForUser はユーザーのアクティブセッションを返す。存在しない場合はnil。
	ActiveForUser(ctx context.Context, userID string) (*model.Session, error)
	// Close はセッションを理由付きで明示的に終了する。
	Close(ctx context.Context, sessionID, userID, reason string) (*model.Session, error)
}

// LedgerServiceInterface はメッセージ履歴の読み取りインターフェース。
type LedgerServiceInterface interface {
	// History はセッションの全メッセージをシーケンス番号昇順で返す。
	History(ctx context.Context, sessionID string) ([]*model.Message, error)
}

// SessionHandler はセッション管理のHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
	ledger  LedgerServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface, ledger LedgerServiceInterface) *SessionHandler {
	return &SessionHandler{
		service: service,
		ledger:  ledger,
	}
}

// sessionResponse はセッション情報のAPIレスポンス。
type sessionResponse struct {
	ID            string     `json:"id"`
	PartnershipID string     `json:"partnership_id"`
	InitiatorRole string     `json:"initiator_role"`
	Status        string     `json:"status"`
	Phase         string     `json:"phase"`
	PendingTarget string     `json:"pending_target"`
	StateVersion  int64      `json:"state_version"`
	CloseReason   string     `json:"close_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toSessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{
		ID:            s.ID,
		PartnershipID: s.PartnershipID,
		InitiatorRole: string(s.InitiatorRole),
		Status:        string(s.Status),
		Phase:         s.Phase,
		PendingTarget: string(s.PendingTarget),
		StateVersion:  s.StateVersion,
		CloseReason:   s.CloseReason,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		CompletedAt:   s.CompletedAt,
	}
}

// messageResponse はメッセージ履歴のAPIレスポンス。
type messageResponse struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	SenderRole string    `json:"sender_role"`
	ExternalID string    `json:"external_id"`
	Content    string    `json:"content"`
	Seq        int64     `json:"seq"`
	Status     string    `json:"status"`
	Processed  bool      `json:"processed"`
	CreatedAt  time.Time `json:"created_at"`
}

// createSessionRequest はセッション取得・作成リクエストのボディ。
type createSessionRequest struct {
	UserID string `json:"user_id"`
}

// closeSessionRequest はセッション終了リクエストのボディ。
type closeSessionRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// GetOrCreate はユーザーのアクティブセッションを取得または作成する。
// アクティブなセッションが既に存在する場合はそれを返す（冪等）。
// 新規作成時はエンジンのStartSessionで初期フェーズと挨拶が設定される。
// POST /api/sessions
func (h *SessionHandler) GetOrCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError())
		return
	}
	if req.UserID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("user_id"))
		return
	}

	session, err := h.service.GetOrCreate(r.Context(), req.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSessionResponse(session))
}

// Active はユーザーのアクティブセッションを返す。作成は行わない。
// GET /api/sessions/active?user_id=
func (h *SessionHandler) Active(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("user_id"))
		return
	}

	session, err := h.service.ActiveForUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if session == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewSessionNotFoundError("active"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSessionResponse(session))
}

// Close はセッションを理由付きで明示的に終了する。
// POST /api/sessions/{id}/close
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req closeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError())
		return
	}
	if req.UserID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("user_id"))
		return
	}

	session, err := h.service.Close(r.Context(), sessionID, req.UserID, req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toSessionResponse(session))
}

// Messages はセッションの全メッセージ履歴をシーケンス番号昇順で返す。
// GET /api/sessions/{id}/messages
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	messages, err := h.ledger.History(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, messageResponse{
			ID:         m.ID,
			SessionID:  m.SessionID,
			SenderRole: string(m.SenderRole),
			ExternalID: m.ExternalID,
			Content:    m.Content,
			Seq:        m.Seq,
			Status:     string(m.Status),
			Processed:  m.Processed,
			CreatedAt:  m.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
