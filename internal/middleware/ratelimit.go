package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。240/60 = 4 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	IngestRate      rate.Limit    // メッセージ受信のレート（req/sec）。60/60
	IngestBurst     int           // メッセージ受信のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 240 req/min/アダプタ、メッセージ受信 60 req/min/アダプタ。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(240.0 / 60.0), // 4 req/sec
		GeneralBurst:    240,
		IngestRate:      rate.Limit(60.0 / 60.0), // 1 req/sec
		IngestBurst:     60,
		CleanupInterval: 5 * time.Minute,
	}
}

// adapterLimiter はアダプタごとのレートリミッターとアクセス時刻を保持する。
type adapterLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はアダプタごとのレート制限を管理する。
// API全般のレート制限とメッセージ受信のレート制限の2種類を提供する。
// メッセージ受信はエンジン呼び出しを伴うため、より厳しい制限を適用する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*adapterLimiter

	ingestMu       sync.RWMutex
	ingestLimiters map[string]*adapterLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*adapterLimiter),
		ingestLimiters:  make(map[string]*adapterLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストにアダプタ識別子が含まれている必要がある
// （AdapterAuthMiddlewareの後に配置）。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			adapterID, err := AdapterIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateGeneralLimiter(adapterID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("adapter_id", adapterID),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IngestMiddleware はメッセージ受信専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) IngestMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			adapterID, err := AdapterIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			limiter := rl.getOrCreateIngestLimiter(adapterID)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.IngestRate)
				slog.Warn("rate limit exceeded",
					slog.String("adapter_id", adapterID),
					slog.String("limit_type", "message_ingest"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// IngestLimiterCount は現在管理されているメッセージ受信リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) IngestLimiterCount() int {
	rl.ingestMu.RLock()
	defer rl.ingestMu.RUnlock()
	return len(rl.ingestLimiters)
}

// getOrCreateGeneralLimiter はアダプタのAPI全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(adapterID string) *rate.Limiter {
	rl.generalMu.RLock()
	al, exists := rl.generalLimiters[adapterID]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		al.lastAccess = time.Now()
		rl.generalMu.Unlock()
		return al.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if al, exists := rl.generalLimiters[adapterID]; exists {
		al.lastAccess = time.Now()
		return al.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[adapterID] = &adapterLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateIngestLimiter はアダプタのメッセージ受信リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateIngestLimiter(adapterID string) *rate.Limiter {
	rl.ingestMu.RLock()
	al, exists := rl.ingestLimiters[adapterID]
	rl.ingestMu.RUnlock()

	if exists {
		rl.ingestMu.Lock()
		al.lastAccess = time.Now()
		rl.ingestMu.Unlock()
		return al.limiter
	}

	rl.ingestMu.Lock()
	defer rl.ingestMu.Unlock()

	// ダブルチェック
	if al, exists := rl.ingestLimiters[adapterID]; exists {
		al.lastAccess = time.Now()
		return al.limiter
	}

	limiter := rate.NewLimiter(rl.config.IngestRate, rl.config.IngestBurst)
	rl.ingestLimiters[adapterID] = &adapterLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for adapterID, al := range rl.generalLimiters {
		if now.Sub(al.lastAccess) > ttl {
			delete(rl.generalLimiters, adapterID)
		}
	}
	rl.generalMu.Unlock()

	rl.ingestMu.Lock()
	for adapterID, al := range rl.ingestLimiters {
		if now.Sub(al.lastAccess) > ttl {
			delete(rl.ingestLimiters, adapterID)
		}
	}
	rl.ingestMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
