package model

import "time"

// OutboundMessage はエンジンが生成した配信待ちの中継項目を表す。
// delivered_atは解決された全受信者の受領が揃ったときにのみ設定される。
type OutboundMessage struct {
	ID            string
	SessionID     string
	Target        Target
	Content       string
	Attempts      int       // Webhookプッシュの試行回数
	NextAttemptAt time.Time // 次回のプッシュ試行時刻
	LastError     string    // 直近のプッシュ失敗理由
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

// Delivered は全受信者への配信が確定しているかを返す。
func (o *OutboundMessage) Delivered() bool {
	return o.DeliveredAt != nil
}

// DeliveryReceipt は受信者ごとの配信受領を表す。
// 同一の(outbound, recipient)組への受領は冪等で、2回目以降は無視される。
type DeliveryReceipt struct {
	OutboundID  string
	Recipient   Role
	DeliveryID  string // トランスポート側の配信識別子
	DeliveredAt time.Time
}
