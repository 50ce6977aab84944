// Package model はドメインモデルを定義する。
package model

import "time"

// User は中継サービスの利用者を表す。
// 初回接触時にアダプタ経由で作成され、以降は不変として扱う。
type User struct {
	ID         string
	ExternalID string // アダプタ側のユーザー識別子（グローバル一意）
	Handle     string // 表示名。アダプタ側に存在しない場合は空
	WebhookURL string // 配信先Webhook URL。アダプタが登録する
	CreatedAt  time.Time
}
