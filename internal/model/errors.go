// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// アダプタに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: invite, session, relay, validation, auth, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInviteNotFound         = "INVITE_NOT_FOUND"
	ErrCodeInviteExpired          = "INVITE_EXPIRED"
	ErrCodeInviteAlreadyUsed      = "INVITE_ALREADY_USED"
	ErrCodeSelfJoin               = "SELF_JOIN"
	ErrCodeAlreadyPaired          = "ALREADY_PAIRED"
	ErrCodePendingInviteExists    = "PENDING_INVITE_EXISTS"
	ErrCodePartnershipNotFound    = "PARTNERSHIP_NOT_FOUND"
	ErrCodeSessionNotFound        = "SESSION_NOT_FOUND"
	ErrCodeSessionClosed          = "SESSION_CLOSED"
	ErrCodeNotAParticipant        = "NOT_A_PARTICIPANT"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeEngineUnavailable      = "ENGINE_UNAVAILABLE"
	ErrCodeUserNotFound           = "USER_NOT_FOUND"
	ErrCodeOutboundNotFound       = "OUTBOUND_NOT_FOUND"
	ErrCodeUnknownRecipient       = "UNKNOWN_RECIPIENT"
)

// NewInviteNotFoundError は招待コード未検出エラーを生成する。
func NewInviteNotFoundError(code string) *APIError {
	return &APIError{
		Code:     ErrCodeInviteNotFound,
		Message:  fmt.Sprintf("指定された招待コードが見つかりません: %s", code),
		Category: "invite",
		Action:   "招待コードを確認するか、パートナーに新しい招待を発行してもらってください。",
	}
}

// NewInviteExpiredError は招待期限切れエラーを生成する。
func NewInviteExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeInviteExpired,
		Message:  "招待コードの有効期限が切れています。",
		Category: "invite",
		Action:   "パートナーに新しい招待を発行してもらってください。招待は発行から1時間有効です。",
	}
}

// NewInviteAlreadyUsedError は招待使用済みエラーを生成する。
func NewInviteAlreadyUsedError() *APIError {
	return &APIError{
		Code:     ErrCodeInviteAlreadyUsed,
		Message:  "この招待コードはすでに使用されています。",
		Category: "invite",
		Action:   "招待コードは1回しか使用できません。新しい招待を発行してもらってください。",
	}
}

// NewSelfJoinError は自己参加エラーを生成する。
func NewSelfJoinError() *APIError {
	return &APIError{
		Code:     ErrCodeSelfJoin,
		Message:  "自分が発行した招待には参加できません。",
		Category: "invite",
		Action:   "招待コードをパートナーに共有してください。",
	}
}

// NewAlreadyPairedError はペアリング済みエラーを生成する。
func NewAlreadyPairedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyPaired,
		Message:  "すでに有効なパートナーシップまたはセッションが存在します。",
		Category: "invite",
		Action:   "現在のセッションを終了してから、新しいペアリングを行ってください。",
	}
}

// NewPendingInviteExistsError は未使用招待重複エラーを生成する。
func NewPendingInviteExistsError() *APIError {
	return &APIError{
		Code:     ErrCodePendingInviteExists,
		Message:  "未使用の招待がすでに存在します。",
		Category: "invite",
		Action:   "既存の招待コードを使用するか、有効期限が切れるのを待ってください。",
	}
}

// NewPartnershipNotFoundError はパートナーシップ未検出エラーを生成する。
func NewPartnershipNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodePartnershipNotFound,
		Message:  "アクティブなパートナーシップがありません。",
		Category: "session",
		Action:   "招待を発行または消費してペアリングを完了してください。",
	}
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたセッションが見つかりません: %s", sessionID),
		Category: "session",
		Action:   "セッションIDを確認してください。",
	}
}

// NewSessionClosedError はセッション終了済みエラーを生成する。
func NewSessionClosedError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionClosed,
		Message:  fmt.Sprintf("セッションはすでに終了しています: %s", sessionID),
		Category: "session",
		Action:   "新しいセッションを開始してください。",
	}
}

// NewNotAParticipantError は非参加者エラーを生成する。
func NewNotAParticipantError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAParticipant,
		Message:  "このセッションの参加者ではありません。",
		Category: "session",
		Action:   "自分が参加しているセッションに対して操作してください。",
	}
}

// NewConcurrentModificationError は競合更新エラーを生成する。
// 1回の再試行後もバージョン不一致が続いた場合にのみ返される。
func NewConcurrentModificationError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeConcurrentModification,
		Message:  fmt.Sprintf("セッション状態が同時に更新されました: %s", sessionID),
		Category: "relay",
		Action:   "しばらく待ってから再度お試しください。メッセージは保存されています。",
	}
}

// NewEngineUnavailableError はエンジン呼び出し失敗エラーを生成する。
// メッセージは台帳に保存済みのため、同一ターンの再試行が可能。
func NewEngineUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeEngineUnavailable,
		Message:  "調停エンジンが応答しませんでした。",
		Category: "relay",
		Action:   "しばらく待ってから再度お試しください。メッセージは保存されています。",
	}
}

// NewUserNotFoundError はユーザー未検出エラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザー登録を行ってから操作してください。",
	}
}

// NewOutboundNotFoundError は配信項目未検出エラーを生成する。
func NewOutboundNotFoundError(outboundID string) *APIError {
	return &APIError{
		Code:     ErrCodeOutboundNotFound,
		Message:  fmt.Sprintf("指定された配信項目が見つかりません: %s", outboundID),
		Category: "validation",
		Action:   "配信項目IDを確認してください。",
	}
}

// NewUnknownRecipientError は受信者不一致エラーを生成する。
func NewUnknownRecipientError(recipient string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownRecipient,
		Message:  fmt.Sprintf("配信対象に含まれない受信者です: %s", recipient),
		Category: "validation",
		Action:   "配信項目のターゲットに対応する受信者を指定してください。",
	}
}
