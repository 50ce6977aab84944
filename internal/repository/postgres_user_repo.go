package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chotei/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, handle, webhook_url, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.ExternalID, &user.Handle, &user.WebhookURL, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	return user, nil
}

// FindByExternalID はアダプタ側識別子でユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, handle, webhook_url, created_at FROM users WHERE external_id = $1`,
		externalID,
	).Scan(&user.ID, &user.ExternalID, &user.Handle, &user.WebhookURL, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by external ID: %w", err)
	}

	return user, nil
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, external_id, handle, webhook_url, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.ExternalID, user.Handle, user.WebhookURL, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateWebhookURL はユーザーの配信先Webhook URLを更新する。
func (r *PostgresUserRepo) UpdateWebhookURL(ctx context.Context, id, webhookURL string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET webhook_url = $2 WHERE id = $1`,
		id, webhookURL,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook url: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
