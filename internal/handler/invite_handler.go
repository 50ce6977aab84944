package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/chotei/internal/model"
)

// InviteServiceInterface は招待ハンドラーが必要とするサービスインターフェース。
type InviteServiceInterface interface {
	// Issue はユーザーの招待コードを発行する。
	Issue(ctx context.Context, creatorUserID string) (*model.InviteLink, error)
	// Redeem は招待コードを消費してパートナーシップを作成する。
	Redeem(ctx context.Context, code, redeemerUserID string) (*model.Partnership, error)
}

// InviteHandler は招待ライフサイクルのHTTPハンドラー。
type InviteHandler struct {
	service InviteServiceInterface
}

// NewInviteHandler はInviteHandlerを生成する。
func NewInviteHandler(service InviteServiceInterface) *InviteHandler {
	return &InviteHandler{
		service: service,
	}
}

// issueInviteRequest は招待発行リクエストのボディ。
type issueInviteRequest struct {
	UserID string `json:"user_id"`
}

// inviteResponse は招待情報のAPIレスポンス。
type inviteResponse struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// redeemInviteRequest は招待消費リクエストのボディ。
type redeemInviteRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

// partnershipResponse はパートナーシップ情報のAPIレスポンス。
type partnershipResponse struct {
	ID        string    `json:"id"`
	UserAID   string    `json:"user_a_id"`
	UserBID   string    `json:"user_b_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue はユーザーの招待コードを発行する。
// POST /api/invites
func (h *InviteHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError())
		return
	}
	if req.UserID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("user_id"))
		return
	}

	invite, err := h.service.Issue(r.Context(), req.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(inviteResponse{
		Code:      invite.Code,
		CreatedAt: invite.CreatedAt,
		ExpiresAt: invite.ExpiresAt,
	})
}

// Redeem は招待コードを消費してパートナーシップを作成する。
// 同一コードへの並行消費はちょうど1つだけ成功する。
// POST /api/invites/redeem
func (h *InviteHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError())
		return
	}
	if req.Code == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("code"))
		return
	}
	if req.UserID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("user_id"))
		return
	}

	partnership, err := h.service.Redeem(r.Context(), req.Code, req.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(partnershipResponse{
		ID:        partnership.ID,
		UserAID:   partnership.UserAID,
		UserBID:   partnership.UserBID,
		Status:    string(partnership.Status),
		CreatedAt: partnership.CreatedAt,
	})
}
