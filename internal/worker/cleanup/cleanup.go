// Package cleanup は期限切れデータの自動整理ジョブを提供する。
// TTL超過セッションの失効、消費済み・失効済み招待の削除、
// 配信完了済みアウトボックス項目の削除を日次バッチで行う。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chotei/internal/repository"
)

// CleanupJob は期限切れデータの自動整理ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な処理を保証する。
// セッション失効は読み取りパスの遅延失効と同じ遷移を一括適用するもので、
// どちらが先に走っても結果は変わらない。
type CleanupJob struct {
	sessionRepo       repository.SessionRepository
	inviteRepo        repository.InviteRepository
	outboundRepo      repository.OutboundRepository
	logger            *slog.Logger
	InviteRetention   time.Duration // 消費・失効済み招待の保持期間（デフォルト: 30日）
	OutboundRetention time.Duration // 配信完了済み項目の保持期間（デフォルト: 14日）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持期間は招待30日、配信完了済み項目14日。
func NewCleanupJob(
	sessionRepo repository.SessionRepository,
	inviteRepo repository.InviteRepository,
	outboundRepo repository.OutboundRepository,
	logger *slog.Logger,
) *CleanupJob {
	return &CleanupJob{
		sessionRepo:       sessionRepo,
		inviteRepo:        inviteRepo,
		outboundRepo:      outboundRepo,
		logger:            logger,
		InviteRetention:   30 * 24 * time.Hour,
		OutboundRetention: 14 * 24 * time.Hour,
	}
}

// Run は期限切れデータの整理を1回実行する。
// TTL超過セッションをexpiredに遷移させ、保持期間を超過した
// 消費済み招待と配信完了済み項目を削除する。
// 冪等: 対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := time.Now()

	expiredCount, err := j.sessionRepo.ExpireOverdue(ctx, now)
	if err != nil {
		j.logger.Error("セッション失効処理の実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッション失効処理の実行に失敗: %w", err)
	}

	inviteCutoff := now.Add(-j.InviteRetention)
	inviteCount, err := j.inviteRepo.DeleteConsumedBefore(ctx, inviteCutoff)
	if err != nil {
		j.logger.Error("招待クリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.InviteRetention),
		)
		return fmt.Errorf("招待クリーンアップの実行に失敗: %w", err)
	}

	outboundCutoff := now.Add(-j.OutboundRetention)
	outboundCount, err := j.outboundRepo.DeleteDeliveredBefore(ctx, outboundCutoff)
	if err != nil {
		j.logger.Error("アウトボックスクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.OutboundRetention),
		)
		return fmt.Errorf("アウトボックスクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("expired_sessions", expiredCount),
		slog.Int64("deleted_invites", inviteCount),
		slog.Int64("deleted_outbound", outboundCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
