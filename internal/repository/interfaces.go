// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/chotei/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByExternalID はアダプタ側識別子でユーザーを検索する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.User, error)

	// Create はユーザーを作成する。external_idが既存の場合は一意制約違反になる。
	Create(ctx context.Context, user *model.User) error

	// UpdateWebhookURL はユーザーの配信先Webhook URLを更新する。
	// アダプタによる再登録時に使用する。
	UpdateWebhookURL(ctx context.Context, id, webhookURL string) error
}

// PartnershipRepository はパートナーシップデータの永続化インターフェース。
type PartnershipRepository interface {
	// FindByID は指定IDのパートナーシップを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Partnership, error)

	// FindActiveByUserID は指定ユーザーが属するアクティブなパートナーシップを返す。
	// 見つからない場合はnilを返す。
	FindActiveByUserID(ctx context.Context, userID string) (*model.Partnership, error)

	// Close はパートナーシップをclosedに遷移させる。
	Close(ctx context.Context, id string) error

	// RecordSession はセッション作成時にsessions_countとlast_session_atを更新する。
	RecordSession(ctx context.Context, id string, at time.Time) error
}

// InviteRepository は招待データの永続化インターフェース。
type InviteRepository interface {
	// Create は招待を作成する。
	Create(ctx context.Context, invite *model.InviteLink) error

	// FindByCode は招待コードで招待を検索する。見つからない場合はnilを返す。
	FindByCode(ctx context.Context, code string) (*model.InviteLink, error)

	// FindPendingByCreator は指定ユーザーの未使用かつ未失効の招待を返す。
	// 見つからない場合はnilを返す。
	FindPendingByCreator(ctx context.Context, creatorUserID string, now time.Time) (*model.InviteLink, error)

	// Redeem は招待の消費とパートナーシップ作成を同一トランザクションで行う。
	// used=FALSEの行に対する条件付きUPDATEで排他するため、同一コードへの
	// 並行消費はちょうど1つだけ成功する。敗者にはErrInviteConsumedを返す。
	Redeem(ctx context.Context, code, redeemerUserID string, usedAt time.Time, partnership *model.Partnership) error

	// DeleteConsumedBefore は指定時刻より前に消費または失効した招待を削除する。
	// 削除件数を返す。
	DeleteConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionRepository は調停セッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。同一パートナーシップにアクティブな
	// セッションが既に存在する場合はErrActiveSessionExistsを返す。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// FindActiveByPartnershipID はパートナーシップのアクティブセッションを返す。
	// 見つからない場合はnilを返す。
	FindActiveByPartnershipID(ctx context.Context, partnershipID string) (*model.Session, error)

	// FindActiveByUserID は指定ユーザーのアクティブセッションを返す。
	// パートナーシップ経由で解決する。見つからない場合はnilを返す。
	FindActiveByUserID(ctx context.Context, userID string) (*model.Session, error)

	// ApplyTransition はstate_versionの一致を条件に、セッションの状態遷移と
	// 付随する配信項目の登録・メッセージの処理済み記録を同一トランザクションで
	// 適用する（compare-and-swap）。バージョン不一致の場合はfalseを返し、
	// 配信項目・処理済み記録を含め何も書き込まない。成功時はstate_versionが1増える。
	ApplyTransition(ctx context.Context, transition *StateTransition) (bool, error)

	// MarkExpired はアクティブなセッションをexpiredに遷移させる。
	// 遅延失効の読み取りパスから呼ばれる。
	MarkExpired(ctx context.Context, id string) error

	// Close はアクティブなセッションを理由付きでclosedに遷移させる。
	// 遷移が行われたかどうかを返す。
	Close(ctx context.Context, id, reason string) (bool, error)

	// ExpireOverdue は期限切れのアクティブセッションを一括でexpiredに遷移させる。
	// 遷移件数を返す。クリーンアップワーカーから呼ばれる。
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// MessageRepository はメッセージ台帳の永続化インターフェース。
type MessageRepository interface {
	// Insert はメッセージを追加する。external_idはグローバルに一意で、
	// 既存の場合は挿入せず既存行を返す（第2戻り値がtrue）。
	// 挿入時はシーケンス番号が単調増加で採番される。
	Insert(ctx context.Context, message *model.Message) (*model.Message, bool, error)

	// FindByExternalID は外部IDでメッセージを検索する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.Message, error)

	// ListBySession はセッションの全メッセージをシーケンス番号昇順で返す。
	// 処理済み記録はセッションの状態遷移と同一トランザクションで行われる。
	ListBySession(ctx context.Context, sessionID string) ([]*model.Message, error)
}

// StateTransition はエンジン指示のセッションへの適用内容。
// 状態遷移と同時に確定すべき配信項目・処理済み記録をまとめて持つ。
type StateTransition struct {
	SessionID       string
	ExpectedVersion int64
	Phase           string
	PendingTarget   model.Target
	Status          model.SessionStatus
	CompletedAt     *time.Time

	// Outbound は遷移と同時に登録する配信項目。
	Outbound []*model.OutboundMessage

	// ProcessedMessageID は遷移と同時に処理済みとして記録する
	// 受信メッセージのID。空の場合は記録しない。
	ProcessedMessageID string
}

// OutboundRepository は配信アウトボックスの永続化インターフェース。
type OutboundRepository interface {
	// FindByID は指定IDの配信項目を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.OutboundMessage, error)

	// ListPendingBySession はセッションの未配信項目を作成時刻昇順で返す。
	// delivered_atが設定済みの項目は含まれない。
	ListPendingBySession(ctx context.Context, sessionID string) ([]*model.OutboundMessage, error)

	// ListDueForDelivery は配信試行期限が到来した未配信項目を返す。
	// 同一セッションに期限未到来の先行項目が残る項目は追い越しを防ぐため含めない。
	// 複数ワーカーが同一項目を取得し得るが、受領の(outbound, recipient)一意制約により
	// 配信完了の記録は冪等に収束する。ワーカーから呼ばれる。
	ListDueForDelivery(ctx context.Context, limit int) ([]*model.OutboundMessage, error)

	// AddReceipt は受信者ごとの配信受領を記録する。
	// 同一(outbound, recipient)への重複受領は冪等に無視される。
	AddReceipt(ctx context.Context, receipt *model.DeliveryReceipt) error

	// ListReceipts は配信項目の受領一覧を返す。
	ListReceipts(ctx context.Context, outboundID string) ([]model.DeliveryReceipt, error)

	// MarkDelivered はdelivered_atを設定する。
	// 全受信者の受領が揃ったことの判定は呼び出し側（Outboxサービス）が行う。
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// UpdateAttemptState は配信試行回数・次回試行時刻・直近エラーを更新する。
	UpdateAttemptState(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error

	// DeleteDeliveredBefore は指定時刻より前に配信完了した項目を削除する。
	// 削除件数を返す。
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
