// Package ledger はメッセージ台帳のドメインロジックを提供する。
// 台帳は追記専用で、外部IDによるグローバルな重複排除を行う。
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/repository"
)

// Service はメッセージ台帳のサービス層。
type Service struct {
	messageRepo repository.MessageRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(messageRepo repository.MessageRepository) *Service {
	return &Service{messageRepo: messageRepo}
}

// Ingest はメッセージを台帳に記録する。
// 同一外部IDのメッセージが既に存在する場合は新規記録せず、
// 既存メッセージと重複フラグtrueを返す（冪等）。
// シーケンス番号は挿入時にストア層で単調増加に採番される。
func (s *Service) Ingest(ctx context.Context, sessionID string, senderRole model.Role, externalID, content string, status model.MessageStatus) (*model.Message, bool, error) {
	message := &model.Message{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		SenderRole: senderRole,
		ExternalID: externalID,
		Content:    content,
		Status:     status,
		CreatedAt:  time.Now(),
	}

	stored, duplicate, err := s.messageRepo.Insert(ctx, message)
	if err != nil {
		return nil, false, fmt.Errorf("台帳への記録に失敗しました: %w", err)
	}
	return stored, duplicate, nil
}

// History はセッションの全メッセージをシーケンス番号昇順で返す。
func (s *Service) History(ctx context.Context, sessionID string) ([]*model.Message, error) {
	messages, err := s.messageRepo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("履歴の取得に失敗しました: %w", err)
	}
	return messages, nil
}
