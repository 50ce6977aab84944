package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chotei/internal/model"
)

// PostgresOutboundRepo はPostgreSQLを使用した配信アウトボックスリポジトリ。
type PostgresOutboundRepo struct {
	db *sql.DB
}

// NewPostgresOutboundRepo はPostgresOutboundRepoを生成する。
func NewPostgresOutboundRepo(db *sql.DB) *PostgresOutboundRepo {
	return &PostgresOutboundRepo{db: db}
}

const outboundColumns = `id, session_id, target, content, attempts, next_attempt_at, last_error, created_at, delivered_at`

func scanOutboundRows(rows *sql.Rows) ([]*model.OutboundMessage, error) {
	var messages []*model.OutboundMessage
	for rows.Next() {
		o := &model.OutboundMessage{}
		var deliveredAt sql.NullTime
		if err := rows.Scan(&o.ID, &o.SessionID, &o.Target, &o.Content, &o.Attempts, &o.NextAttemptAt, &o.LastError, &o.CreatedAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbound message: %w", err)
		}
		if deliveredAt.Valid {
			o.DeliveredAt = &deliveredAt.Time
		}
		messages = append(messages, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbound messages: %w", err)
	}
	return messages, nil
}

// FindByID は指定IDの配信項目を取得する。見つからない場合はnilを返す。
func (r *PostgresOutboundRepo) FindByID(ctx context.Context, id string) (*model.OutboundMessage, error) {
	o := &model.OutboundMessage{}
	var deliveredAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT `+outboundColumns+` FROM outbound_messages WHERE id = $1`,
		id,
	).Scan(&o.ID, &o.SessionID, &o.Target, &o.Content, &o.Attempts, &o.NextAttemptAt, &o.LastError, &o.CreatedAt, &deliveredAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find outbound message: %w", err)
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	return o, nil
}

// ListPendingBySession はセッションの未配信項目を作成時刻昇順で返す。
func (r *PostgresOutboundRepo) ListPendingBySession(ctx context.Context, sessionID string) ([]*model.OutboundMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboundColumns+` FROM outbound_messages
		 WHERE session_id = $1 AND delivered_at IS NULL
		 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending outbound messages: %w", err)
	}
	defer rows.Close()

	return scanOutboundRows(rows)
}

// ListDueForDelivery は配信試行期限が到来した未配信項目を返す。
// バックオフ中の先行項目が残るセッションの後続項目は、追い越し配信を防ぐため
// 対象から外す。複数ワーカーが同一項目を取得し得るが、受領の
// (outbound, recipient)一意制約で配信完了の記録は冪等に収束する。
func (r *PostgresOutboundRepo) ListDueForDelivery(ctx context.Context, limit int) ([]*model.OutboundMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboundColumns+` FROM outbound_messages o
		 WHERE o.delivered_at IS NULL AND o.next_attempt_at <= now()
		   AND NOT EXISTS (
		     SELECT 1 FROM outbound_messages p
		     WHERE p.session_id = o.session_id
		       AND p.delivered_at IS NULL
		       AND p.next_attempt_at > now()
		       AND p.created_at < o.created_at
		   )
		 ORDER BY o.session_id, o.created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due outbound messages: %w", err)
	}
	defer rows.Close()

	return scanOutboundRows(rows)
}

// AddReceipt は受信者ごとの配信受領を記録する。重複受領は冪等に無視される。
func (r *PostgresOutboundRepo) AddReceipt(ctx context.Context, receipt *model.DeliveryReceipt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO outbound_receipts (outbound_id, recipient, delivery_id, delivered_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (outbound_id, recipient) DO NOTHING`,
		receipt.OutboundID, receipt.Recipient, receipt.DeliveryID, receipt.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery receipt: %w", err)
	}
	return nil
}

// ListReceipts は配信項目の受領一覧を返す。
func (r *PostgresOutboundRepo) ListReceipts(ctx context.Context, outboundID string) ([]model.DeliveryReceipt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outbound_id, recipient, delivery_id, delivered_at
		 FROM outbound_receipts WHERE outbound_id = $1`,
		outboundID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery receipts: %w", err)
	}
	defer rows.Close()

	var receipts []model.DeliveryReceipt
	for rows.Next() {
		var rc model.DeliveryReceipt
		if err := rows.Scan(&rc.OutboundID, &rc.Recipient, &rc.DeliveryID, &rc.DeliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery receipt: %w", err)
		}
		receipts = append(receipts, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery receipts: %w", err)
	}

	return receipts, nil
}

// MarkDelivered はdelivered_atを設定する。
func (r *PostgresOutboundRepo) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbound_messages SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbound delivered: %w", err)
	}
	return nil
}

// UpdateAttemptState は配信試行回数・次回試行時刻・直近エラーを更新する。
func (r *PostgresOutboundRepo) UpdateAttemptState(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbound_messages SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`,
		id, attempts, nextAttemptAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt state: %w", err)
	}
	return nil
}

// DeleteDeliveredBefore は指定時刻より前に配信完了した項目を削除する。
// 受領は外部キーのCASCADEで同時に削除される。
func (r *PostgresOutboundRepo) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM outbound_messages WHERE delivered_at IS NOT NULL AND delivered_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete delivered outbound messages: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ OutboundRepository = (*PostgresOutboundRepo)(nil)
