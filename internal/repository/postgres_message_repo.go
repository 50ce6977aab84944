package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chotei/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージ台帳リポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `id, session_id, sender_role, external_id, content, seq, status, processed, created_at`

func scanMessage(row *sql.Row) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(&m.ID, &m.SessionID, &m.SenderRole, &m.ExternalID, &m.Content,
		&m.Seq, &m.Status, &m.Processed, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Insert はメッセージを追加する。external_idの一意制約に対する
// ON CONFLICT DO NOTHINGにより、重複排除チェックと挿入が単一の原子操作になる。
// 既存の場合は既存行を返し、第2戻り値がtrueになる。
func (r *PostgresMessageRepo) Insert(ctx context.Context, message *model.Message) (*model.Message, bool, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, session_id, sender_role, external_id, content, status, processed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (external_id) DO NOTHING
		 RETURNING seq`,
		message.ID, message.SessionID, message.SenderRole, message.ExternalID,
		message.Content, message.Status, message.Processed, message.CreatedAt,
	).Scan(&message.Seq)

	if err == sql.ErrNoRows {
		// 既存のexternal_id: 保存済みの結果を返す
		existing, findErr := r.FindByExternalID(ctx, message.ExternalID)
		if findErr != nil {
			return nil, false, findErr
		}
		if existing == nil {
			// 同時削除でもない限り到達しない
			return nil, false, fmt.Errorf("message conflict but existing row not found: %s", message.ExternalID)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert message: %w", err)
	}

	return message, false, nil
}

// FindByExternalID は外部IDでメッセージを検索する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = $1`,
		externalID,
	)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message by external ID: %w", err)
	}
	return m, nil
}

// ListBySession はセッションの全メッセージをシーケンス番号昇順で返す。
func (r *PostgresMessageRepo) ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = $1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderRole, &m.ExternalID, &m.Content,
			&m.Seq, &m.Status, &m.Processed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
