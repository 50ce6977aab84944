package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chotei/internal/model"
)

// PostgresPartnershipRepo はPostgreSQLを使用したパートナーシップリポジトリ。
type PostgresPartnershipRepo struct {
	db *sql.DB
}

// NewPostgresPartnershipRepo はPostgresPartnershipRepoを生成する。
func NewPostgresPartnershipRepo(db *sql.DB) *PostgresPartnershipRepo {
	return &PostgresPartnershipRepo{db: db}
}

const partnershipColumns = `id, user_a_id, user_b_id, status, sessions_count, last_session_at, created_at`

func scanPartnership(row *sql.Row) (*model.Partnership, error) {
	p := &model.Partnership{}
	var lastSessionAt sql.NullTime
	err := row.Scan(&p.ID, &p.UserAID, &p.UserBID, &p.Status, &p.SessionsCount, &lastSessionAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastSessionAt.Valid {
		p.LastSessionAt = &lastSessionAt.Time
	}
	return p, nil
}

// FindByID は指定IDのパートナーシップを取得する。見つからない場合はnilを返す。
func (r *PostgresPartnershipRepo) FindByID(ctx context.Context, id string) (*model.Partnership, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+partnershipColumns+` FROM partnerships WHERE id = $1`,
		id,
	)
	p, err := scanPartnership(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find partnership: %w", err)
	}
	return p, nil
}

// FindActiveByUserID は指定ユーザーが属するアクティブなパートナーシップを返す。
// 見つからない場合はnilを返す。
func (r *PostgresPartnershipRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.Partnership, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+partnershipColumns+` FROM partnerships
		 WHERE status = 'active' AND (user_a_id = $1 OR user_b_id = $1)`,
		userID,
	)
	p, err := scanPartnership(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active partnership by user: %w", err)
	}
	return p, nil
}

// Close はパートナーシップをclosedに遷移させる。
func (r *PostgresPartnershipRepo) Close(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE partnerships SET status = 'closed' WHERE id = $1 AND status = 'active'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to close partnership: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("active partnership not found: %s", id)
	}
	return nil
}

// RecordSession はセッション作成時にsessions_countとlast_session_atを更新する。
func (r *PostgresPartnershipRepo) RecordSession(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE partnerships SET sessions_count = sessions_count + 1, last_session_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record session on partnership: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PartnershipRepository = (*PostgresPartnershipRepo)(nil)
