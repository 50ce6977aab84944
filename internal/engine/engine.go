// Package engine は調停エンジンとの連携機能を提供する。
// セッション開始・再開APIの呼び出しと、エンジンが返す指示の型を含む。
package engine

import (
	"context"

	"github.com/hitoshi/chotei/internal/model"
)

// OutboundDraft はエンジンが生成した送信メッセージの下書き。
// 宛先ロールは配信時点のパートナーシップ構成で解決される。
type OutboundDraft struct {
	Target  model.Target `json:"target"`
	Content string       `json:"content"`
}

// StartResult はセッション開始呼び出しの結果。
type StartResult struct {
	Outbox        []OutboundDraft `json:"outbox"`
	Phase         string          `json:"phase"`
	PendingTarget model.Target    `json:"pending_target"`
}

// ResumeResult はセッション再開呼び出しの結果。
// Terminal が true の場合、セッションは完了状態に遷移する。
type ResumeResult struct {
	Outbox        []OutboundDraft `json:"outbox"`
	Phase         string          `json:"phase"`
	PendingTarget model.Target    `json:"pending_target"`
	Terminal      bool            `json:"terminal"`
}

// Engine は調停エンジンのコントラクト。
// いずれの呼び出しも失敗しうる。失敗はリトライ可能として扱い、
// 呼び出し側で確定済みの状態（台帳への記録など）は巻き戻さない。
type Engine interface {
	// StartSession は新規セッションの初期フェーズと挨拶メッセージを取得する。
	StartSession(ctx context.Context, sessionID string, participantIDs []string) (*StartResult, error)

	// ResumeSession は受信メッセージをエンジンに渡し、次の指示を取得する。
	ResumeSession(ctx context.Context, sessionID string, senderRole model.Role, content, currentPhase string) (*ResumeResult, error)

	// HealthCheck はエンジンの死活を確認する。
	HealthCheck(ctx context.Context) error
}
