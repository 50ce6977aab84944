package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chotei/internal/config"
	"github.com/hitoshi/chotei/internal/database"
	"github.com/hitoshi/chotei/internal/engine"
	"github.com/hitoshi/chotei/internal/handler"
	"github.com/hitoshi/chotei/internal/invite"
	"github.com/hitoshi/chotei/internal/ledger"
	"github.com/hitoshi/chotei/internal/logger"
	"github.com/hitoshi/chotei/internal/metrics"
	"github.com/hitoshi/chotei/internal/middleware"
	"github.com/hitoshi/chotei/internal/outbox"
	"github.com/hitoshi/chotei/internal/relay"
	"github.com/hitoshi/chotei/internal/repository"
	"github.com/hitoshi/chotei/internal/security"
	"github.com/hitoshi/chotei/internal/session"
	"github.com/hitoshi/chotei/internal/user"
	"github.com/hitoshi/chotei/internal/worker/cleanup"
	"github.com/hitoshi/chotei/internal/worker/deliver"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("engine_url", cfg.EngineURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe は中継APIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	inviteRepo := repository.NewPostgresInviteRepo(db)
	partnershipRepo := repository.NewPostgresPartnershipRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)
	outboundRepo := repository.NewPostgresOutboundRepo(db)

	// 3. セキュリティ・メトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. エンジンクライアントの初期化
	eng := engine.NewHTTPClient(
		&http.Client{Timeout: cfg.EngineTimeout},
		slog.Default(), cfg.EngineURL, cfg.EngineToken,
	)

	// 5. ドメインサービスの初期化
	ledgerSvc := ledger.NewService(messageRepo)
	outboxSvc := outbox.NewService(outboundRepo)
	userSvc := user.NewService(userRepo, ssrfGuard, slog.Default())
	inviteSvc := invite.NewService(inviteRepo, partnershipRepo, userRepo, cfg.InviteTTL)
	sessionSvc := session.NewService(
		sessionRepo, partnershipRepo, eng,
		slog.Default(), cfg.SessionTTL,
	)
	relaySvc := relay.NewService(
		sessionRepo, partnershipRepo, ledgerSvc,
		eng, sanitizer, collector, slog.Default(),
	)

	// 6. レート制限の構成（configはreq/min単位、limiterはreq/sec単位）
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rlCfg.GeneralBurst = cfg.RateLimitGeneral
	rlCfg.IngestRate = rate.Limit(float64(cfg.RateLimitMessage) / 60.0)
	rlCfg.IngestBurst = cfg.RateLimitMessage

	// 7. ルーターの構築
	deps := &handler.RouterDeps{
		AdapterToken: cfg.AdapterToken,
		RateLimiter:  middleware.NewRateLimiter(rlCfg),
		Logger:       slog.Default(),

		UserService:    userSvc,
		InviteService:  inviteSvc,
		SessionService: sessionSvc,
		LedgerService:  ledgerSvc,
		RelayService:   relaySvc,
		OutboxService:  outboxSvc,

		DB:     db,
		Engine: eng,

		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、Webhook配信スケジューラとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	inviteRepo := repository.NewPostgresInviteRepo(db)
	partnershipRepo := repository.NewPostgresPartnershipRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	outboundRepo := repository.NewPostgresOutboundRepo(db)

	// 3. セキュリティ・メトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 配信ワーカーの初期化
	outboxSvc := outbox.NewService(outboundRepo)
	deliverer := deliver.NewDeliverer(
		sessionRepo, partnershipRepo, userRepo, outboundRepo,
		outboxSvc, ssrfGuard, collector,
		slog.Default(), cfg.DeliverTimeout, cfg.DeliverMaxSize,
	)

	// 5. スケジューラの初期化
	scheduler := deliver.NewScheduler(
		outboundRepo, deliverer, slog.Default(), cfg.DeliverMaxConcurrent,
	)

	// 6. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(sessionRepo, inviteRepo, outboundRepo, slog.Default())
	cleanupJob.InviteRetention = cfg.InviteRetention
	cleanupJob.OutboundRetention = cfg.OutboundRetention

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("deliver_interval", cfg.DeliverInterval),
		slog.Int("max_concurrent", cfg.DeliverMaxConcurrent),
	)

	// クリーンアップジョブを毎時バックグラウンド実行
	// セッションTTLの失効反映が日次では遅すぎるため1時間周期にしている
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 配信スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.DeliverInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
