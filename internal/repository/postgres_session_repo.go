package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chotei/internal/model"
	"github.com/lib/pq"
)

// PostgresSessionRepo はPostgreSQLを使用した調停セッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `id, partnership_id, initiator_role, status, phase, pending_target,
	state_version, close_reason, created_at, updated_at, expires_at, completed_at`

func scanSession(row *sql.Row) (*model.Session, error) {
	s := &model.Session{}
	var completedAt sql.NullTime
	err := row.Scan(&s.ID, &s.PartnershipID, &s.InitiatorRole, &s.Status, &s.Phase,
		&s.PendingTarget, &s.StateVersion, &s.CloseReason,
		&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return s, nil
}

// Create はセッションを作成する。
// 部分一意インデックス違反はErrActiveSessionExistsに変換される。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, partnership_id, initiator_role, status, phase, pending_target,
		  state_version, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		session.ID, session.PartnershipID, session.InitiatorRole, session.Status,
		session.Phase, session.PendingTarget, session.StateVersion,
		session.CreatedAt, session.UpdatedAt, session.ExpiresAt,
	)
	if err != nil {
		// unique_violation
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`,
		id,
	)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// FindActiveByPartnershipID はパートナーシップのアクティブセッションを返す。
// 見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindActiveByPartnershipID(ctx context.Context, partnershipID string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE partnership_id = $1 AND status = 'active'`,
		partnershipID,
	)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session by partnership: %w", err)
	}
	return s, nil
}

// FindActiveByUserID は指定ユーザーのアクティブセッションを返す。
// アクティブなパートナーシップ経由で解決する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT s.id, s.partnership_id, s.initiator_role, s.status, s.phase, s.pending_target,
		        s.state_version, s.close_reason, s.created_at, s.updated_at, s.expires_at, s.completed_at
		 FROM sessions s
		 JOIN partnerships p ON p.id = s.partnership_id
		 WHERE s.status = 'active' AND p.status = 'active'
		   AND (p.user_a_id = $1 OR p.user_b_id = $1)`,
		userID,
	)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session by user: %w", err)
	}
	return s, nil
}

// ApplyTransition はstate_versionの一致を条件にセッション状態を更新し、
// 配信項目の登録とメッセージの処理済み記録を同一トランザクションで確定する。
// バージョン不一致（他の遷移が先行した場合）はfalseを返し、何も書き込まない。
func (r *PostgresSessionRepo) ApplyTransition(ctx context.Context, t *StateTransition) (bool, error) {
	var completed sql.NullTime
	if t.CompletedAt != nil {
		completed = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions
		 SET phase = $3, pending_target = $4, status = $5, completed_at = $6,
		     state_version = state_version + 1, updated_at = now()
		 WHERE id = $1 AND state_version = $2 AND status = 'active'`,
		t.SessionID, t.ExpectedVersion, t.Phase, t.PendingTarget, t.Status, completed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update session state: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	for _, o := range t.Outbound {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbound_messages (id, session_id, target, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			o.ID, o.SessionID, o.Target, o.Content, o.CreatedAt,
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert outbound message: %w", err)
		}
	}

	if t.ProcessedMessageID != "" {
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET processed = TRUE WHERE id = $1`,
			t.ProcessedMessageID,
		)
		if err != nil {
			return false, fmt.Errorf("failed to mark message processed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// MarkExpired はアクティブなセッションをexpiredに遷移させる。
func (r *PostgresSessionRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'expired', updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark session expired: %w", err)
	}
	return nil
}

// Close はアクティブなセッションを理由付きでclosedに遷移させる。
func (r *PostgresSessionRepo) Close(ctx context.Context, id, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'closed', close_reason = $2, updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		id, reason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// ExpireOverdue は期限切れのアクティブセッションを一括でexpiredに遷移させる。
func (r *PostgresSessionRepo) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'expired', updated_at = now()
		 WHERE status = 'active' AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue sessions: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
