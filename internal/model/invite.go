package model

import "time"

// InviteLink は1回限りのペアリング招待コードを表す。
// 消費後も監査のために保持される。
type InviteLink struct {
	Code           string // 96bitのランダム値を16進エンコードしたもの
	CreatorUserID  string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Used           bool
	RedeemerUserID string
	UsedAt         *time.Time
}

// ExpiredAt は招待が指定時刻において期限切れかどうかを返す。
func (i *InviteLink) ExpiredAt(now time.Time) bool {
	return now.After(i.ExpiresAt)
}
