// Package handler はアダプタ向けREST APIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/chotei/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Register は外部識別子でユーザーを登録する。既存の場合は冪等に返す。
	Register(ctx context.Context, externalID, handle, webhookURL string) (*model.User, error)
	// Get は指定IDのユーザーを取得する。
	Get(ctx context.Context, userID string) (*model.User, error)
}

// UserHandler はユーザー登録のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// registerUserRequest はユーザー登録リクエストのボディ。
type registerUserRequest struct {
	ExternalID string `json:"external_id"`
	Handle     string `json:"handle"`
	WebhookURL string `json:"webhook_url"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Handle     string    `json:"handle,omitempty"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:         u.ID,
		ExternalID: u.ExternalID,
		Handle:     u.Handle,
		WebhookURL: u.WebhookURL,
		CreatedAt:  u.CreatedAt,
	}
}

// Register はアダプタからの初回接触時にユーザーを登録する。
// 同一external_idへの再登録は冪等で、Webhook URLのみ更新される。
// POST /api/users
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError())
		return
	}
	if req.ExternalID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "external_id は必須です。",
			Category: "validation",
			Action:   "アダプタ側のユーザー識別子を指定してください。",
		})
		return
	}

	user, err := h.service.Register(r.Context(), req.ExternalID, req.Handle, req.WebhookURL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toUserResponse(user))
}
