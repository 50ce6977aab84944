// Package outbox はエンジン生成メッセージの配信アウトボックス管理のドメインロジックを提供する。
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chotei/internal/engine"
	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/repository"
)

// Service は配信アウトボックスのサービス層。
// 未配信一覧の提供と受領の集約を行う。
// delivered_atは解決された全受信者の受領が揃ったときにのみ設定される。
type Service struct {
	outboundRepo repository.OutboundRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(outboundRepo repository.OutboundRepository) *Service {
	return &Service{outboundRepo: outboundRepo}
}

// BuildMessages はエンジンが生成した下書きを配信項目に変換する。
// 受信者を持たないターゲット（none）の下書きは除外する。
// 変換順がそのままセッション内の配信順（FIFO）になる。
// 登録はセッションの状態遷移と同一トランザクションで行われる。
func BuildMessages(sessionID string, drafts []engine.OutboundDraft) []*model.OutboundMessage {
	now := time.Now()
	var messages []*model.OutboundMessage
	for _, d := range drafts {
		if len(d.Target.Recipients()) == 0 {
			continue
		}
		messages = append(messages, &model.OutboundMessage{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Target:    d.Target,
			Content:   d.Content,
			CreatedAt: now,
		})
		// 同一トランザクション内でも作成順を保つ
		now = now.Add(time.Microsecond)
	}
	return messages
}

// Pending はセッションの未配信項目を作成順に返す。
func (s *Service) Pending(ctx context.Context, sessionID string) ([]*model.OutboundMessage, error) {
	messages, err := s.outboundRepo.ListPendingBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("未配信項目の取得に失敗しました: %w", err)
	}
	return messages, nil
}

// MarkDelivered は受信者からの配信受領を記録する。
// 同一(配信項目, 受信者)への重複受領は冪等に無視される。
// 全受信者の受領が揃った時点でdelivered_atを設定し、trueを返す。
func (s *Service) MarkDelivered(ctx context.Context, outboundID string, recipient model.Role, deliveryID string) (bool, error) {
	outbound, err := s.outboundRepo.FindByID(ctx, outboundID)
	if err != nil {
		return false, fmt.Errorf("配信項目の取得に失敗しました: %w", err)
	}
	if outbound == nil {
		return false, model.NewOutboundNotFoundError(outboundID)
	}

	recipients := outbound.Target.Recipients()
	if !containsRole(recipients, recipient) {
		return false, model.NewUnknownRecipientError(string(recipient))
	}

	if outbound.Delivered() {
		return true, nil
	}

	now := time.Now()
	if err := s.outboundRepo.AddReceipt(ctx, &model.DeliveryReceipt{
		OutboundID:  outboundID,
		Recipient:   recipient,
		DeliveryID:  deliveryID,
		DeliveredAt: now,
	}); err != nil {
		return false, fmt.Errorf("受領の記録に失敗しました: %w", err)
	}

	receipts, err := s.outboundRepo.ListReceipts(ctx, outboundID)
	if err != nil {
		return false, fmt.Errorf("受領一覧の取得に失敗しました: %w", err)
	}

	// 全受信者の受領が揃ったかを判定する
	for _, r := range recipients {
		found := false
		for _, rc := range receipts {
			if rc.Recipient == r {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if err := s.outboundRepo.MarkDelivered(ctx, outboundID, now); err != nil {
		return false, fmt.Errorf("配信完了の記録に失敗しました: %w", err)
	}
	return true, nil
}

func containsRole(roles []model.Role, role model.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
