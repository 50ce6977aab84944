package model

import "time"

// Role は対話セッションにおける発言者の役割を表す。
type Role string

const (
	// RolePartyA はパートナーシップ作成時に固定される第1参加者。
	RolePartyA Role = "party_a"
	// RolePartyB はパートナーシップ作成時に固定される第2参加者。
	RolePartyB Role = "party_b"
	// RoleEngine は調停エンジンを表す。
	RoleEngine Role = "engine"
)

// IsParty は人間の参加者役割かどうかを返す。
func (r Role) IsParty() bool {
	return r == RolePartyA || r == RolePartyB
}

// PartnershipStatus はパートナーシップの状態を表す。
type PartnershipStatus string

const (
	// PartnershipStatusActive は有効なパートナーシップ。
	PartnershipStatusActive PartnershipStatus = "active"
	// PartnershipStatusClosed は明示的または運用ポリシーにより閉じられたパートナーシップ。
	PartnershipStatusClosed PartnershipStatus = "closed"
)

// Partnership は2ユーザーの永続的なペアリングを表す。
// 役割とユーザーの対応は作成時に固定され、以後変更されない。
type Partnership struct {
	ID            string
	UserAID       string // RolePartyA に対応するユーザー
	UserBID       string // RolePartyB に対応するユーザー
	Status        PartnershipStatus
	SessionsCount int
	LastSessionAt *time.Time
	CreatedAt     time.Time
}

// RoleOf は指定ユーザーのパートナーシップ内での役割を返す。
// 参加者でない場合は第2戻り値がfalseになる。
func (p *Partnership) RoleOf(userID string) (Role, bool) {
	switch userID {
	case p.UserAID:
		return RolePartyA, true
	case p.UserBID:
		return RolePartyB, true
	default:
		return "", false
	}
}

// UserIDFor は指定役割に対応するユーザーIDを返す。
// 人間の参加者役割以外の場合は空文字列を返す。
func (p *Partnership) UserIDFor(role Role) string {
	switch role {
	case RolePartyA:
		return p.UserAID
	case RolePartyB:
		return p.UserBID
	default:
		return ""
	}
}
