package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chotei/internal/model"
)

// PostgresInviteRepo はPostgreSQLを使用した招待リポジトリ。
type PostgresInviteRepo struct {
	db *sql.DB
}

// NewPostgresInviteRepo はPostgresInviteRepoを生成する。
func NewPostgresInviteRepo(db *sql.DB) *PostgresInviteRepo {
	return &PostgresInviteRepo{db: db}
}

const inviteColumns = `code, creator_user_id, created_at, expires_at, used, redeemer_user_id, used_at`

func scanInvite(row *sql.Row) (*model.InviteLink, error) {
	invite := &model.InviteLink{}
	var redeemer sql.NullString
	var usedAt sql.NullTime
	err := row.Scan(&invite.Code, &invite.CreatorUserID, &invite.CreatedAt,
		&invite.ExpiresAt, &invite.Used, &redeemer, &usedAt)
	if err != nil {
		return nil, err
	}
	if redeemer.Valid {
		invite.RedeemerUserID = redeemer.String
	}
	if usedAt.Valid {
		invite.UsedAt = &usedAt.Time
	}
	return invite, nil
}

// Create は招待を作成する。
func (r *PostgresInviteRepo) Create(ctx context.Context, invite *model.InviteLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invites (code, creator_user_id, created_at, expires_at, used)
		 VALUES ($1, $2, $3, $4, FALSE)`,
		invite.Code, invite.CreatorUserID, invite.CreatedAt, invite.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert invite: %w", err)
	}
	return nil
}

// FindByCode は招待コードで招待を検索する。見つからない場合はnilを返す。
func (r *PostgresInviteRepo) FindByCode(ctx context.Context, code string) (*model.InviteLink, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE code = $1`,
		code,
	)
	invite, err := scanInvite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find invite: %w", err)
	}
	return invite, nil
}

// FindPendingByCreator は指定ユーザーの未使用かつ未失効の招待を返す。
// 見つからない場合はnilを返す。
func (r *PostgresInviteRepo) FindPendingByCreator(ctx context.Context, creatorUserID string, now time.Time) (*model.InviteLink, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invites
		 WHERE creator_user_id = $1 AND used = FALSE AND expires_at > $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		creatorUserID, now,
	)
	invite, err := scanInvite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending invite: %w", err)
	}
	return invite, nil
}

// Redeem は招待の消費とパートナーシップ作成を同一トランザクションで行う。
// used=FALSEの行に対する条件付きUPDATEにより、同一コードへの並行消費は
// ちょうど1つだけ成功する。敗者にはErrInviteConsumedを返す。
func (r *PostgresInviteRepo) Redeem(ctx context.Context, code, redeemerUserID string, usedAt time.Time, partnership *model.Partnership) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 招待を条件付きで消費する
	result, err := tx.ExecContext(ctx,
		`UPDATE invites SET used = TRUE, redeemer_user_id = $2, used_at = $3
		 WHERE code = $1 AND used = FALSE`,
		code, redeemerUserID, usedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to consume invite: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrInviteConsumed
	}

	// パートナーシップを作成する
	_, err = tx.ExecContext(ctx,
		`INSERT INTO partnerships (id, user_a_id, user_b_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		partnership.ID, partnership.UserAID, partnership.UserBID, partnership.Status, partnership.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert partnership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteConsumedBefore は指定時刻より前に消費または失効した招待を削除する。
func (r *PostgresInviteRepo) DeleteConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM invites
		 WHERE (used = TRUE AND used_at < $1) OR (used = FALSE AND expires_at < $1)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old invites: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ InviteRepository = (*PostgresInviteRepo)(nil)
