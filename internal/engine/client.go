package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/chotei/internal/model"
)

// HTTPClient は調停エンジンAPIのHTTPクライアント。
// ベースURL配下の /v1/sessions/* エンドポイントを呼び出す。
type HTTPClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	token      string
}

// NewHTTPClient はHTTPClient の新しいインスタンスを生成する。
// httpClient にはタイムアウト設定済みのクライアントを渡すこと。
func NewHTTPClient(httpClient *http.Client, logger *slog.Logger, baseURL, token string) *HTTPClient {
	return &HTTPClient{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		token:      token,
	}
}

type startRequest struct {
	SessionID      string   `json:"session_id"`
	ParticipantIDs []string `json:"participant_ids"`
}

type resumeRequest struct {
	SessionID    string     `json:"session_id"`
	SenderRole   model.Role `json:"sender_role"`
	Content      string     `json:"content"`
	CurrentPhase string     `json:"current_phase"`
}

// StartSession は新規セッションの初期フェーズと挨拶メッセージを取得する。
func (c *HTTPClient) StartSession(ctx context.Context, sessionID string, participantIDs []string) (*StartResult, error) {
	body, err := c.post(ctx, "/v1/sessions/start", startRequest{
		SessionID:      sessionID,
		ParticipantIDs: participantIDs,
	})
	if err != nil {
		return nil, err
	}

	var result StartResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("エンジンレスポンスのパースに失敗しました: %w", err)
	}
	return &result, nil
}

// ResumeSession は受信メッセージをエンジンに渡し、次の指示を取得する。
func (c *HTTPClient) ResumeSession(ctx context.Context, sessionID string, senderRole model.Role, content, currentPhase string) (*ResumeResult, error) {
	body, err := c.post(ctx, "/v1/sessions/resume", resumeRequest{
		SessionID:    sessionID,
		SenderRole:   senderRole,
		Content:      content,
		CurrentPhase: currentPhase,
	})
	if err != nil {
		return nil, err
	}

	var result ResumeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("エンジンレスポンスのパースに失敗しました: %w", err)
	}
	return &result, nil
}

// HealthCheck はエンジンの死活を確認する。
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("エンジンがステータス %d を返しました", resp.StatusCode)
	}
	return nil
}

// post はJSONボディをPOSTし、レスポンスボディを返す。
func (c *HTTPClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("エンジンAPIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("エンジンAPIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("エンジンがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return body, nil
}

// compile-time interface check
var _ Engine = (*HTTPClient)(nil)
