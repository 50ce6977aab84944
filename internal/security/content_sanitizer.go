// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は参加者から受信したメッセージ本文をサニタイズし、
// マークアップがそのまま台帳およびエンジン・配信先に渡ることを防ぐ。
// bluemondayライブラリの厳格ポリシーで全てのHTMLタグを除去する。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxContentLength はサニタイズ後のメッセージ本文の最大バイト数。
// 超過分は切り捨てられる。
const maxContentLength = 4096

// ContentSanitizerService はメッセージ本文のサニタイズ機能のインターフェースを定義する。
// 台帳への記録前に使用される。
type ContentSanitizerService interface {
	// Sanitize はメッセージ本文をプレーンテキストに正規化して返す。
	// 全てのHTMLタグを除去し、前後の空白を取り除き、最大長に切り詰める。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// メッセージ本文は書式を持たないプレーンテキストとして扱うため、
// 許可タグを一切持たない厳格ポリシーを使用する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はメッセージ本文をプレーンテキストに正規化して返す。
func (s *contentSanitizer) Sanitize(raw string) string {
	cleaned := strings.TrimSpace(s.policy.Sanitize(raw))
	if len(cleaned) > maxContentLength {
		// マルチバイト文字の途中で切らないよう、ルーン境界まで戻って切り詰める
		cut := maxContentLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}
