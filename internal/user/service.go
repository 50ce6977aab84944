// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/repository"
	"github.com/hitoshi/chotei/internal/security"
)

// Service はユーザー登録のサービス層。
// アダプタ側識別子によるアップサートを提供する。
type Service struct {
	userRepo  repository.UserRepository
	ssrfGuard security.SSRFGuardService
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, ssrfGuard security.SSRFGuardService, logger *slog.Logger) *Service {
	return &Service{
		userRepo:  userRepo,
		ssrfGuard: ssrfGuard,
		logger:    logger,
	}
}

// Register はアダプタ側識別子でユーザーを登録または更新する。
// 既存ユーザーの場合はWebhook URLのみ更新して返す（冪等）。
// Webhook URLは配信時にHTTPプッシュの宛先になるため、登録時点で
// SSRF検証を行い、内部ネットワーク宛のURLを拒否する。
func (s *Service) Register(ctx context.Context, externalID, handle, webhookURL string) (*model.User, error) {
	if externalID == "" {
		return nil, fmt.Errorf("external_idは必須です")
	}
	if webhookURL != "" {
		if err := s.ssrfGuard.ValidateURL(webhookURL); err != nil {
			return nil, fmt.Errorf("webhook URLが不正です: %w", err)
		}
	}

	existing, err := s.userRepo.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if existing != nil {
		if webhookURL != "" && webhookURL != existing.WebhookURL {
			if err := s.userRepo.UpdateWebhookURL(ctx, existing.ID, webhookURL); err != nil {
				return nil, fmt.Errorf("webhook URLの更新に失敗しました: %w", err)
			}
			existing.WebhookURL = webhookURL
		}
		return existing, nil
	}

	newUser := &model.User{
		ID:         uuid.New().String(),
		ExternalID: externalID,
		Handle:     handle,
		WebhookURL: webhookURL,
		CreatedAt:  time.Now(),
	}
	if err := s.userRepo.Create(ctx, newUser); err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	s.logger.Info("ユーザーを登録しました",
		slog.String("user_id", newUser.ID),
		slog.String("external_id", externalID),
	)

	return newUser, nil
}

// Get は内部IDでユーザーを取得する。
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}
