// Package invite は招待リンクのライフサイクル管理のドメインロジックを提供する。
package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/repository"
)

// codeBytes は招待コードの乱数長（バイト）。16進エンコードで24文字になる。
const codeBytes = 12

// Service は招待の発行と消費のサービス層。
// 発行者は常にparty_a、消費者は常にparty_bとしてパートナーシップに固定される。
type Service struct {
	inviteRepo      repository.InviteRepository
	partnershipRepo repository.PartnershipRepository
	userRepo        repository.UserRepository
	ttl             time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	inviteRepo repository.InviteRepository,
	partnershipRepo repository.PartnershipRepository,
	userRepo repository.UserRepository,
	ttl time.Duration,
) *Service {
	return &Service{
		inviteRepo:      inviteRepo,
		partnershipRepo: partnershipRepo,
		userRepo:        userRepo,
		ttl:             ttl,
	}
}

// Issue は指定ユーザーの新しい招待を発行する。
// 発行者がすでにアクティブなパートナーシップを持つ場合、または
// 未使用かつ未失効の招待を持つ場合は発行を拒否する。
func (s *Service) Issue(ctx context.Context, creatorUserID string) (*model.InviteLink, error) {
	user, err := s.userRepo.FindByID(ctx, creatorUserID)
	if err != nil {
		return nil, fmt.Errorf("発行者の取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	partnership, err := s.partnershipRepo.FindActiveByUserID(ctx, creatorUserID)
	if err != nil {
		return nil, fmt.Errorf("パートナーシップの確認に失敗しました: %w", err)
	}
	if partnership != nil {
		return nil, model.NewAlreadyPairedError()
	}

	now := time.Now()
	pending, err := s.inviteRepo.FindPendingByCreator(ctx, creatorUserID, now)
	if err != nil {
		return nil, fmt.Errorf("既存招待の確認に失敗しました: %w", err)
	}
	if pending != nil {
		return nil, model.NewPendingInviteExistsError()
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("招待コードの生成に失敗しました: %w", err)
	}

	link := &model.InviteLink{
		Code:          code,
		CreatorUserID: creatorUserID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.inviteRepo.Create(ctx, link); err != nil {
		return nil, fmt.Errorf("招待の作成に失敗しました: %w", err)
	}

	return link, nil
}

// Redeem は招待コードを消費してパートナーシップを作成する。
// 検証順序: 存在 → 使用済み → 期限切れ → 自己参加 → ペアリング済み。
// 同一コードへの並行消費はストア層の条件付き更新で排他され、
// ちょうど1人だけが成功する。敗者には使用済みエラーが返る。
func (s *Service) Redeem(ctx context.Context, code, redeemerUserID string) (*model.Partnership, error) {
	user, err := s.userRepo.FindByID(ctx, redeemerUserID)
	if err != nil {
		return nil, fmt.Errorf("参加者の取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	link, err := s.inviteRepo.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if link == nil {
		return nil, model.NewInviteNotFoundError(code)
	}
	if link.Used {
		return nil, model.NewInviteAlreadyUsedError()
	}

	now := time.Now()
	if link.ExpiredAt(now) {
		return nil, model.NewInviteExpiredError()
	}
	if link.CreatorUserID == redeemerUserID {
		return nil, model.NewSelfJoinError()
	}

	// 発行後に別経路でペアリングが成立している可能性があるため両者を確認する
	for _, userID := range []string{link.CreatorUserID, redeemerUserID} {
		existing, err := s.partnershipRepo.FindActiveByUserID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("パートナーシップの確認に失敗しました: %w", err)
		}
		if existing != nil {
			return nil, model.NewAlreadyPairedError()
		}
	}

	partnership := &model.Partnership{
		ID:        uuid.New().String(),
		UserAID:   link.CreatorUserID,
		UserBID:   redeemerUserID,
		Status:    model.PartnershipStatusActive,
		CreatedAt: now,
	}

	if err := s.inviteRepo.Redeem(ctx, code, redeemerUserID, now, partnership); err != nil {
		if errors.Is(err, repository.ErrInviteConsumed) {
			return nil, model.NewInviteAlreadyUsedError()
		}
		return nil, fmt.Errorf("招待の消費に失敗しました: %w", err)
	}

	return partnership, nil
}

// generateCode は暗号学的乱数による招待コードを生成する。
func generateCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
