package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/relay"
)

// RelayServiceInterface は中継ハンドラーが必要とするサービスインターフェース。
type RelayServiceInterface interface {
	// ProcessInbound は参加者からの受信メッセージを処理する。
	ProcessInbound(ctx context.Context, userID, externalID, content string) (*relay.Result, error)
}

// MessageHandler は受信メッセージ処理のHTTPハンドラー。中継の入口。
type MessageHandler struct {
	service RelayServiceInterface
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(service RelayServiceInterface) *MessageHandler {
	return &MessageHandler{
		service: service,
	}
}

// inboundMessageRequest は受信メッセージリクエストのボディ。
type inboundMessageRequest struct {
	UserID     string `json:"user_id"`
	ExternalID string `json:"external_id"`
	Content    string `json:"content"`
}

// relayResultResponse は受信メッセージ処理結果のAPIレスポンス。
// duplicateとout_of_turnはエラーではなく結果として報告される。
type relayResultResponse struct {
	Message   messageResponse    `json:"message"`
	Session   sessionResponse    `json:"session"`
	Duplicate bool               `json:"duplicate"`
	OutOfTurn bool               `json:"out_of_turn"`
	Completed bool               `json:"completed"`
	Enqueued  []outboundResponse `json:"enqueued"`
}

// Ingest はアダプタからの受信メッセージを取り込み、エンジン往復まで処理する。
// 同一external_idの再送は既存の処理結果を返す（冪等）。
// POST /api/messages
func (h *MessageHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req inboundMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, newInvalidRequestError())
		return
	}
	if req.UserID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("user_id"))
		return
	}
	if req.ExternalID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, newMissingFieldError("external_id"))
		return
	}

	result, err := h.service.ProcessInbound(r.Context(), req.UserID, req.ExternalID, req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	enqueued := make([]outboundResponse, 0, len(result.Enqueued))
	for _, o := range result.Enqueued {
		enqueued = append(enqueued, toOutboundResponse(o))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(relayResultResponse{
		Message: messageResponse{
			ID:         result.Message.ID,
			SessionID:  result.Message.SessionID,
			SenderRole: string(result.Message.SenderRole),
			ExternalID: result.Message.ExternalID,
			Content:    result.Message.Content,
			Seq:        result.Message.Seq,
			Status:     string(result.Message.Status),
			Processed:  result.Message.Processed,
			CreatedAt:  result.Message.CreatedAt,
		},
		Session:   toSessionResponse(result.Session),
		Duplicate: result.Duplicate,
		OutOfTurn: result.OutOfTurn,
		Completed: result.Completed,
		Enqueued:  enqueued,
	})
}

// apiErrorResponse はAPIエラーレスポンスの統一フォーマット。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// newInvalidRequestError はリクエストボディ解析失敗のエラーを生成する。
func newInvalidRequestError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// newMissingFieldError は必須フィールド欠落のエラーを生成する。
func newMissingFieldError(field string) *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  fmt.Sprintf("%s は必須です。", field),
		Category: "validation",
		Action:   fmt.Sprintf("%s を指定してください。", field),
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInviteNotFound, model.ErrCodeSessionNotFound,
		model.ErrCodeUserNotFound, model.ErrCodePartnershipNotFound,
		model.ErrCodeOutboundNotFound:
		return http.StatusNotFound
	case model.ErrCodeInviteExpired:
		return http.StatusGone
	case model.ErrCodeInviteAlreadyUsed, model.ErrCodeAlreadyPaired,
		model.ErrCodePendingInviteExists, model.ErrCodeSessionClosed,
		model.ErrCodeConcurrentModification:
		return http.StatusConflict
	case model.ErrCodeSelfJoin:
		return http.StatusUnprocessableEntity
	case model.ErrCodeNotAParticipant:
		return http.StatusForbidden
	case model.ErrCodeUnknownRecipient:
		return http.StatusBadRequest
	case model.ErrCodeEngineUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
