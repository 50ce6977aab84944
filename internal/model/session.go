package model

import "time"

// SessionStatus は調停セッションの状態を表す。
type SessionStatus string

const (
	// SessionStatusActive は進行中のセッション。
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted はエンジンが終端フェーズに到達して完了したセッション。
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusExpired はTTL超過により失効したセッション。
	SessionStatusExpired SessionStatus = "expired"
	// SessionStatusClosed は明示的なクローズ操作で終了したセッション。
	SessionStatusClosed SessionStatus = "closed"
)

// Terminal はセッションがこれ以上の遷移を受け付けない状態かどうかを返す。
func (s SessionStatus) Terminal() bool {
	return s != SessionStatusActive
}

// Target は次の発言を期待する相手を表す。
type Target string

const (
	// TargetPartyA は第1参加者の発言を待つ状態。
	TargetPartyA Target = "party_a"
	// TargetPartyB は第2参加者の発言を待つ状態。
	TargetPartyB Target = "party_b"
	// TargetBoth はどちらの参加者の発言も受け付ける状態。
	TargetBoth Target = "both"
	// TargetNone はエンジン処理中で人間の入力を期待しない状態。
	TargetNone Target = "none"
)

// Accepts は指定役割からのメッセージをエンジンに転送してよいかを返す。
// 中継層はフェーズの意味を解釈しない。判定はターゲットと役割の照合のみで行う。
func (t Target) Accepts(r Role) bool {
	switch t {
	case TargetBoth:
		return r.IsParty()
	case TargetPartyA:
		return r == RolePartyA
	case TargetPartyB:
		return r == RolePartyB
	default:
		return false
	}
}

// Recipients はターゲットが解決される受信者役割の一覧を返す。
// 解決は配信時に行う前提のため、パートナーシップには依存しない。
func (t Target) Recipients() []Role {
	switch t {
	case TargetPartyA:
		return []Role{RolePartyA}
	case TargetPartyB:
		return []Role{RolePartyB}
	case TargetBoth:
		return []Role{RolePartyA, RolePartyB}
	default:
		return nil
	}
}

// TargetFor は役割に対応するターゲットを返す。
// セッション作成時に起点参加者をpending targetへ変換するのに使う。
func TargetFor(r Role) Target {
	switch r {
	case RolePartyA:
		return TargetPartyA
	case RolePartyB:
		return TargetPartyB
	default:
		return TargetNone
	}
}

// Session はパートナーシップ内の1回の調停実行を表す。
// フェーズはエンジンが定義する不透明なトークンで、中継層は保存と往復のみを行う。
type Session struct {
	ID            string
	PartnershipID string
	InitiatorRole Role // セッションを開始した参加者の役割
	Status        SessionStatus
	Phase         string // エンジン定義の現在フェーズ（不透明）
	PendingTarget Target
	StateVersion  int64 // 受理された遷移ごとに単調増加する
	CloseReason   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	CompletedAt   *time.Time
}

// Expired はセッションが指定時刻においてTTL超過しているかを返す。
func (s *Session) Expired(now time.Time) bool {
	return s.Status == SessionStatusActive && now.After(s.ExpiresAt)
}
