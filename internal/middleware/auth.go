// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// adapterIDHeaderName はアダプタ識別子を受け取るヘッダー名。
const adapterIDHeaderName = "X-Adapter-ID"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// adapterIDContextKey はリクエストコンテキストにアダプタ識別子を格納するためのキー。
var adapterIDContextKey = contextKey("adapter_id")

// NewAdapterAuthMiddleware はアダプタからのリクエストをBearerトークンで認証する
// ミドルウェアを返す。APIはトランスポートアダプタ専用で、エンドユーザーが
// 直接呼び出すことはない。認証済みアダプタ識別子をリクエストコンテキストに注入する。
// トークン不一致のリクエストには401 Unauthorizedを返す。
func NewAdapterAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || presented == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			adapterID := r.Header.Get(adapterIDHeaderName)
			if adapterID == "" {
				adapterID = "default"
			}

			ctx := context.WithValue(r.Context(), adapterIDContextKey, adapterID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdapterIDFromContext はリクエストコンテキストからアダプタ識別子を取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func AdapterIDFromContext(ctx context.Context) (string, error) {
	adapterID, ok := ctx.Value(adapterIDContextKey).(string)
	if !ok || adapterID == "" {
		return "", fmt.Errorf("adapter ID not found in context")
	}
	return adapterID, nil
}

// ContextWithAdapterID はコンテキストにアダプタ識別子を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAdapterID(ctx context.Context, adapterID string) context.Context {
	return context.WithValue(ctx, adapterIDContextKey, adapterID)
}
