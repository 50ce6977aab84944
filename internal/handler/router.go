package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chotei/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	AdapterToken string
	RateLimiter  *middleware.RateLimiter
	Logger       *slog.Logger

	// サービス
	UserService    UserServiceInterface
	InviteService  InviteServiceInterface
	SessionService SessionServiceInterface
	LedgerService  LedgerServiceInterface
	RelayService   RelayServiceInterface
	OutboxService  OutboxServiceInterface

	// ヘルスチェック
	DB     DBPinger
	Engine EngineHealthChecker

	// /metrics エンドポイント
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → AdapterAuthMiddleware → RateLimitMiddleware
//
// ヘルスチェック（/healthz）とメトリクス（/metrics）は認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	userHandler := NewUserHandler(deps.UserService)
	inviteHandler := NewInviteHandler(deps.InviteService)
	sessionHandler := NewSessionHandler(deps.SessionService, deps.LedgerService)
	messageHandler := NewMessageHandler(deps.RelayService)
	outboxHandler := NewOutboxHandler(deps.OutboxService)
	healthHandler := NewHealthHandler(deps.DB, deps.Engine)

	// --- 認証不要のルート ---

	r.Get("/healthz", healthHandler.Healthz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- アダプタ認証が必要なルート ---
	// ミドルウェアスタック: AdapterAuth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAdapterAuthMiddleware(deps.AdapterToken))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ユーザー登録
		r.Post("/api/users", userHandler.Register)

		// 招待ライフサイクル
		r.Route("/api/invites", func(r chi.Router) {
			r.Post("/", inviteHandler.Issue)
			r.Post("/redeem", inviteHandler.Redeem)
		})

		// セッション管理
		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.GetOrCreate)
			r.Get("/active", sessionHandler.Active)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/close", sessionHandler.Close)
				r.Get("/messages", sessionHandler.Messages)
				r.Get("/outbox", outboxHandler.Pending)
			})
		})

		// 受信メッセージ（エンジン呼び出しを伴うため専用レート制限を追加）
		r.With(deps.RateLimiter.IngestMiddleware()).Post("/api/messages", messageHandler.Ingest)

		// 配信受領報告
		r.Post("/api/outbox/{id}/delivered", outboxHandler.Delivered)
	})

	return r
}
