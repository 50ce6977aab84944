package model

import "time"

// MessageStatus は受信メッセージの取り込み結果を表す。
type MessageStatus string

const (
	// MessageStatusAccepted はターン判定を通過しエンジンに転送されたメッセージ。
	MessageStatusAccepted MessageStatus = "accepted"
	// MessageStatusOutOfTurn はターン外のため台帳に保存のみされたメッセージ。
	MessageStatusOutOfTurn MessageStatus = "out_of_turn"
)

// Message はセッション内の1つの不変な発言を表す。
// 外部IDによるグローバルな重複排除の対象。processedフラグ以外は変更されない。
type Message struct {
	ID         string
	SessionID  string
	SenderRole Role
	ExternalID string // アダプタ側のメッセージ識別子（重複排除キー）
	Content    string
	Seq        int64 // 到着順を決める単調増加のシーケンス番号
	Status     MessageStatus
	Processed  bool // エンジン処理が完了したか
	CreatedAt  time.Time
}
