package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chotei/internal/model"
)

// OutboxServiceInterface はアウトボックスハンドラーが必要とするサービスインターフェース。
type OutboxServiceInterface interface {
	// Pending はセッションの未配信項目を作成順で返す。
	Pending(ctx context.Context, sessionID string) ([]*model.OutboundMessage, error)
	// MarkDelivered は受信者の配信受領を記録する。全受領が揃ったかを返す。
	MarkDelivered(ctx context.Context, outboundID string, recipient model.Role, deliveryID string) (bool, error)
}

// OutboxHandler はアウトボックスのHTTPハンドラー。
// Webhookプッシュに依存しないアダプタはプル取得と受領報告でも配信を完了できる。
type OutboxHandler struct {
	service OutboxServiceInterface
}

// NewOutboxHandler はOutboxHandlerを生成する。
func NewOutboxHandler(service OutboxServiceInterface) *OutboxHandler {
	return &OutboxHandler{
		service: service,
	}
}

// outboundResponse は配信項目のAPIレスポンス。
type outboundResponse struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Target      string     `json:"target"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func toOutboundResponse(o *model.OutboundMessage) outboundResponse {
	return outboundResponse{
		ID:          o.ID,
		SessionID:   o.SessionID,
		Target:      string(o.Target),
		Content:     o.Content,
		CreatedAt:   o.CreatedAt,
		DeliveredAt: o.DeliveredAt,
	}
}

// deliveredRequest は配信受領報告リクエストのボディ。
type deliveredRequest struct {
	Recipient  string `json:"recipient"`
	DeliveryID string `json:"delivery_id"`
}

// deliveredResponse は配信受領報告のAPIレスポンス。
// completeは解決された全受信者の受領が揃ったかどうかを示す。
type deliveredResponse struct {
	Complete bool `json:"complete"`
}

// Pending はセッションの未配信項目を作成順で返す。
// GET /api/sessions/{id}/outbox
func (h *OutboxHandler) Pending(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	items, err := h.service.Pending(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]outboundResponse, 0, len(items))
	for _, o := range items {
		resp = append(resp, toOutboundResponse(o))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Delivered は受信者ごとの配信受領を報告する。
// 同一受信者からの重複報告は冪等に処理される。
// POST /api/outbox/{id}/delivered
func (h *OutboxHandler) Delivered(w http.ResponseWriter, r *http.Request) {
	outboundID := chi.URLParam(r, "id")

	var req deliveredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError())
		return
	}
	if req.Recipient == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("recipient"))
		return
	}

	complete, err := h.service.MarkDelivered(r.Context(), outboundID, model.Role(req.Recipient), req.DeliveryID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deliveredResponse{Complete: complete})
}
