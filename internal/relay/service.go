// Package relay は受信メッセージの取り込みとエンジン往復のドメインロジックを提供する。
//
// 中継層はフェーズの意味を解釈しない。メッセージの受理判定は
// セッションのpending targetと送信者役割の照合のみで行い、
// 会話の進行は調停エンジンの指示に従う。
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/chotei/internal/engine"
	"github.com/hitoshi/chotei/internal/ledger"
	"github.com/hitoshi/chotei/internal/metrics"
	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/outbox"
	"github.com/hitoshi/chotei/internal/repository"
	"github.com/hitoshi/chotei/internal/security"
)

// Result は受信メッセージ1件の処理結果。
// DuplicateとOutOfTurnはエラーではなく通常の結果として報告される。
type Result struct {
	Message   *model.Message
	Session   *model.Session
	Duplicate bool
	OutOfTurn bool
	Completed bool
	Enqueued  []*model.OutboundMessage
}

// Service は受信メッセージ処理のサービス層。
type Service struct {
	sessionRepo     repository.SessionRepository
	partnershipRepo repository.PartnershipRepository
	ledgerSvc       *ledger.Service
	eng             engine.Engine
	sanitizer       security.ContentSanitizerService
	collector       metrics.MetricsCollector
	logger          *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	sessionRepo repository.SessionRepository,
	partnershipRepo repository.PartnershipRepository,
	ledgerSvc *ledger.Service,
	eng engine.Engine,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		sessionRepo:     sessionRepo,
		partnershipRepo: partnershipRepo,
		ledgerSvc:       ledgerSvc,
		eng:             eng,
		sanitizer:       sanitizer,
		collector:       collector,
		logger:          logger,
	}
}

// ProcessInbound は参加者からの受信メッセージを処理する。
//
// 処理順序:
//  1. 送信者のアクティブセッションを解決する（TTL超過は失効させて拒否）
//  2. 本文をサニタイズし、ターン判定の結果とともに台帳に記録する
//  3. 外部IDが既知なら既存メッセージを返して終了する（冪等）。
//     ただし受理済みでエンジン未反映のメッセージは転送からやり直す
//  4. ターン外のメッセージは保存のみで転送しない（エラーではない）
//  5. エンジンに転送し、返ってきた状態遷移・配信項目・処理済み記録を
//     CASで同一トランザクションに適用する
//
// エンジン呼び出しが失敗してもメッセージは台帳に残り、
// アダプタは同一外部IDで安全に再試行できる。
func (s *Service) ProcessInbound(ctx context.Context, userID, externalID, content string) (*Result, error) {
	partnership, err := s.partnershipRepo.FindActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("パートナーシップの取得に失敗しました: %w", err)
	}
	if partnership == nil {
		return nil, model.NewPartnershipNotFoundError()
	}

	session, err := s.sessionRepo.FindActiveByPartnershipID(ctx, partnership.ID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(partnership.ID)
	}

	now := time.Now()
	if session.Expired(now) {
		if err := s.sessionRepo.MarkExpired(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("セッションの失効処理に失敗しました: %w", err)
		}
		return nil, model.NewSessionClosedError(session.ID)
	}

	role, ok := partnership.RoleOf(userID)
	if !ok {
		return nil, model.NewNotAParticipantError()
	}

	sanitized := s.sanitizer.Sanitize(content)

	accepted := session.PendingTarget.Accepts(role)
	status := model.MessageStatusAccepted
	if !accepted {
		status = model.MessageStatusOutOfTurn
	}

	message, duplicate, err := s.ledgerSvc.Ingest(ctx, session.ID, role, externalID, sanitized, status)
	if err != nil {
		return nil, err
	}
	if duplicate {
		s.collector.RecordDuplicateIngest()
		if message.Processed || message.Status != model.MessageStatusAccepted || message.SessionID != session.ID {
			// 処理済み・ターン外・別セッションの再送。前回の記録を返し、追加の処理は行わない
			s.logger.Info("重複メッセージを検出しました",
				slog.String("session_id", session.ID),
				slog.String("external_id", externalID),
			)
			return &Result{Message: message, Session: session, Duplicate: true}, nil
		}
		// 受理されたがエンジンに反映される前に失敗したメッセージの再送。
		// 保存済みの本文でエンジン転送からやり直し、ターンを完結させる
		s.logger.Info("未処理の重複メッセージを再処理します",
			slog.String("session_id", session.ID),
			slog.String("external_id", externalID),
		)
		role = message.SenderRole
		sanitized = message.Content
	} else {
		s.collector.RecordIngest(string(status))

		if !accepted {
			s.collector.RecordTurnViolation()
			s.logger.Info("ターン外メッセージを保存しました",
				slog.String("session_id", session.ID),
				slog.String("sender_role", string(role)),
				slog.String("pending_target", string(session.PendingTarget)),
			)
			return &Result{Message: message, Session: session, OutOfTurn: true}, nil
		}
	}

	start := time.Now()
	resumed, err := s.eng.ResumeSession(ctx, session.ID, role, sanitized, session.Phase)
	s.collector.RecordEngineLatency(time.Since(start))
	if err != nil {
		s.collector.RecordEngineFailure()
		s.logger.Error("エンジンのセッション再開に失敗しました",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		// メッセージは台帳に記録済み。アダプタは同一外部IDで再試行できる
		return nil, model.NewEngineUnavailableError()
	}
	s.collector.RecordEngineSuccess()

	enqueued := outbox.BuildMessages(session.ID, resumed.Outbox)
	updated, err := s.applyTransition(ctx, session, resumed, enqueued, message.ID)
	if err != nil {
		return nil, err
	}
	s.collector.RecordOutboundEnqueued(len(enqueued))
	message.Processed = true

	s.logger.Info("メッセージを処理しました",
		slog.String("session_id", updated.ID),
		slog.String("sender_role", string(role)),
		slog.String("phase", updated.Phase),
		slog.Int("outbox_count", len(enqueued)),
		slog.Bool("terminal", resumed.Terminal),
	)

	return &Result{
		Message:   message,
		Session:   updated,
		Duplicate: duplicate,
		Completed: resumed.Terminal,
		Enqueued:  enqueued,
	}, nil
}

// applyTransition はエンジンの指示をセッション状態にCASで適用する。
// 配信項目の登録と処理済み記録は遷移と同一トランザクションで確定する。
// バージョン競合時は最新状態を読み直して1回だけ再試行し、
// それでも競合する場合は競合エラーを返す。
func (s *Service) applyTransition(ctx context.Context, session *model.Session, resumed *engine.ResumeResult, enqueued []*model.OutboundMessage, messageID string) (*model.Session, error) {
	status := model.SessionStatusActive
	var completedAt *time.Time
	if resumed.Terminal {
		status = model.SessionStatusCompleted
		now := time.Now()
		completedAt = &now
	}

	transition := &repository.StateTransition{
		SessionID:          session.ID,
		ExpectedVersion:    session.StateVersion,
		Phase:              resumed.Phase,
		PendingTarget:      resumed.PendingTarget,
		Status:             status,
		CompletedAt:        completedAt,
		Outbound:           enqueued,
		ProcessedMessageID: messageID,
	}

	ok, err := s.sessionRepo.ApplyTransition(ctx, transition)
	if err != nil {
		return nil, fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
	}
	if !ok {
		s.collector.RecordCASConflict()

		current, err := s.sessionRepo.FindByID(ctx, session.ID)
		if err != nil {
			return nil, fmt.Errorf("セッションの再取得に失敗しました: %w", err)
		}
		if current == nil {
			return nil, model.NewSessionNotFoundError(session.ID)
		}
		if current.Status.Terminal() {
			return nil, model.NewSessionClosedError(session.ID)
		}

		transition.ExpectedVersion = current.StateVersion
		ok, err = s.sessionRepo.ApplyTransition(ctx, transition)
		if err != nil {
			return nil, fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
		}
		if !ok {
			return nil, model.NewConcurrentModificationError(session.ID)
		}
		session = current
	}

	updated := *session
	updated.Phase = resumed.Phase
	updated.PendingTarget = resumed.PendingTarget
	updated.Status = status
	updated.CompletedAt = completedAt
	updated.StateVersion = session.StateVersion + 1
	return &updated, nil
}
