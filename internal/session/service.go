// Package session はパートナーシップと調停セッションの管理のドメインロジックを提供する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chotei/internal/engine"
	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/outbox"
	"github.com/hitoshi/chotei/internal/repository"
)

// Service はセッションライフサイクルのサービス層。
// 1パートナーシップにつき同時に1つのアクティブセッションのみを許す。
type Service struct {
	sessionRepo     repository.SessionRepository
	partnershipRepo repository.PartnershipRepository
	eng             engine.Engine
	logger          *slog.Logger
	ttl             time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	sessionRepo repository.SessionRepository,
	partnershipRepo repository.PartnershipRepository,
	eng engine.Engine,
	logger *slog.Logger,
	ttl time.Duration,
) *Service {
	return &Service{
		sessionRepo:     sessionRepo,
		partnershipRepo: partnershipRepo,
		eng:             eng,
		logger:          logger,
		ttl:             ttl,
	}
}

// GetOrCreate は指定ユーザーのアクティブセッションを返す。存在しない場合は
// 新規作成してエンジンのセッション開始を適用する（冪等）。
// どちらの参加者が呼んでも同一のセッションが返る。
// TTL超過のセッションは読み取り時に失効させ、新しいセッションを作成する。
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*model.Session, error) {
	partnership, err := s.partnershipRepo.FindActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("パートナーシップの取得に失敗しました: %w", err)
	}
	if partnership == nil {
		return nil, model.NewPartnershipNotFoundError()
	}

	now := time.Now()
	existing, err := s.sessionRepo.FindActiveByPartnershipID(ctx, partnership.ID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if existing != nil {
		if !existing.Expired(now) {
			return s.ensureBootstrapped(ctx, existing, partnership)
		}
		// 遅延失効: 期限切れセッションをexpiredにしてから新規作成に進む
		if err := s.sessionRepo.MarkExpired(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("セッションの失効処理に失敗しました: %w", err)
		}
		s.logger.Info("期限切れセッションを失効させました",
			slog.String("session_id", existing.ID),
		)
	}

	role, ok := partnership.RoleOf(userID)
	if !ok {
		return nil, model.NewNotAParticipantError()
	}

	session := &model.Session{
		ID:            uuid.New().String(),
		PartnershipID: partnership.ID,
		InitiatorRole: role,
		Status:        model.SessionStatusActive,
		PendingTarget: model.TargetNone,
		StateVersion:  1,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrActiveSessionExists) {
			// 並行したget-or-createに先を越された。相手が作成したセッションを返す
			winner, ferr := s.sessionRepo.FindActiveByPartnershipID(ctx, partnership.ID)
			if ferr != nil {
				return nil, fmt.Errorf("セッションの再取得に失敗しました: %w", ferr)
			}
			if winner == nil {
				return nil, model.NewSessionNotFoundError(partnership.ID)
			}
			return s.ensureBootstrapped(ctx, winner, partnership)
		}
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	if err := s.partnershipRepo.RecordSession(ctx, partnership.ID, now); err != nil {
		return nil, fmt.Errorf("セッション統計の更新に失敗しました: %w", err)
	}

	s.logger.Info("セッションを作成しました",
		slog.String("session_id", session.ID),
		slog.String("partnership_id", partnership.ID),
		slog.String("initiator_role", string(role)),
	)

	return s.ensureBootstrapped(ctx, session, partnership)
}

// ensureBootstrapped はエンジンのセッション開始が未適用なら適用する。
// 開始指示の状態遷移と挨拶メッセージの登録は同一トランザクションで確定する。
// エンジン呼び出しが失敗してもセッションは作成済みのまま残り、
// 次回のget-or-createで再試行される。
func (s *Service) ensureBootstrapped(ctx context.Context, session *model.Session, partnership *model.Partnership) (*model.Session, error) {
	if session.Phase != "" {
		return session, nil
	}

	result, err := s.eng.StartSession(ctx, session.ID, []string{partnership.UserAID, partnership.UserBID})
	if err != nil {
		s.logger.Error("エンジンのセッション開始に失敗しました",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewEngineUnavailableError()
	}

	target := result.PendingTarget
	if target == "" {
		// エンジンが最初の発言者を指定しない場合は開始した参加者から始める
		target = model.TargetFor(session.InitiatorRole)
	}

	ok, err := s.sessionRepo.ApplyTransition(ctx, &repository.StateTransition{
		SessionID:       session.ID,
		ExpectedVersion: session.StateVersion,
		Phase:           result.Phase,
		PendingTarget:   target,
		Status:          model.SessionStatusActive,
		Outbound:        outbox.BuildMessages(session.ID, result.Outbox),
	})
	if err != nil {
		return nil, fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
	}
	if !ok {
		// 並行呼び出しが先に開始を適用済み。最新状態を返す
		current, ferr := s.sessionRepo.FindByID(ctx, session.ID)
		if ferr != nil {
			return nil, fmt.Errorf("セッションの再取得に失敗しました: %w", ferr)
		}
		if current == nil {
			return nil, model.NewSessionNotFoundError(session.ID)
		}
		return current, nil
	}

	session.Phase = result.Phase
	session.PendingTarget = target
	session.StateVersion++
	return session, nil
}

// ActiveForUser は指定ユーザーのアクティブセッションを返す。
// TTL超過のセッションは読み取り時に失効させ、nilを返す。
// アクティブセッションが存在しない場合もnilを返す（エラーではない）。
func (s *Service) ActiveForUser(ctx context.Context, userID string) (*model.Session, error) {
	session, err := s.sessionRepo.FindActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	if session.Expired(time.Now()) {
		if err := s.sessionRepo.MarkExpired(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("セッションの失効処理に失敗しました: %w", err)
		}
		return nil, nil
	}
	return session, nil
}

// Get は指定IDのセッションを返す。参加者確認は行わない。
func (s *Service) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	return session, nil
}

// Close はセッションを参加者の操作により終了させる。
// 終了済みセッションへの操作はエラーになる。
func (s *Service) Close(ctx context.Context, sessionID, userID, reason string) (*model.Session, error) {
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}

	partnership, err := s.partnershipRepo.FindByID(ctx, session.PartnershipID)
	if err != nil {
		return nil, fmt.Errorf("パートナーシップの取得に失敗しました: %w", err)
	}
	if partnership == nil {
		return nil, model.NewPartnershipNotFoundError()
	}
	if _, ok := partnership.RoleOf(userID); !ok {
		return nil, model.NewNotAParticipantError()
	}

	if session.Status.Terminal() {
		return nil, model.NewSessionClosedError(sessionID)
	}

	closed, err := s.sessionRepo.Close(ctx, sessionID, reason)
	if err != nil {
		return nil, fmt.Errorf("セッションの終了に失敗しました: %w", err)
	}
	if !closed {
		// 並行した終了・失効に先を越された
		return nil, model.NewSessionClosedError(sessionID)
	}

	s.logger.Info("セッションを終了しました",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
	)

	session.Status = model.SessionStatusClosed
	session.CloseReason = reason
	return session, nil
}
