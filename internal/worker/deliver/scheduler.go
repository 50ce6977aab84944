package deliver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/repository"
)

// OutboundDeliveryService は配信実行のインターフェース。
type OutboundDeliveryService interface {
	// Deliver は配信項目を未受領の受信者へプッシュし、試行状態を更新する。
	// 項目が未配信のまま残る場合はErrDeliveryDeferredを返す。
	Deliver(ctx context.Context, o *model.OutboundMessage) error
}

// 1サイクルで取得する配信項目の上限。
const deliveryBatchLimit = 200

// Scheduler はWebhookプッシュ配信のスケジューリングと並列制御を行う。
// ティッカーで配信期限が到来した項目を取得し、セッション単位にグループ化して
// semaphoreパターンで最大並列数を制御しながら配信を実行する。
// 同一セッション内の項目は作成順に逐次処理し、配信順序を保つ。
type Scheduler struct {
	outboundRepo   repository.OutboundRepository
	deliverer      OutboundDeliveryService
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	outboundRepo repository.OutboundRepository,
	deliverer OutboundDeliveryService,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Scheduler{
		outboundRepo:   outboundRepo,
		deliverer:      deliverer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("配信サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は配信期限が到来した項目を1回取得し、セッション単位に並列配信する。
// semaphoreパターンで最大並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	items, err := s.outboundRepo.ListDueForDelivery(ctx, deliveryBatchLimit)
	if err != nil {
		return err
	}

	if len(items) == 0 {
		s.logger.Info("配信対象の項目はありません")
		return nil
	}

	// セッション単位にグループ化。取得順（created_at昇順）を保持する
	groups := make(map[string][]*model.OutboundMessage)
	var order []string
	for _, item := range items {
		if _, ok := groups[item.SessionID]; !ok {
			order = append(order, item.SessionID)
		}
		groups[item.SessionID] = append(groups[item.SessionID], item)
	}

	s.logger.Info("配信サイクルを開始します",
		slog.Int("item_count", len(items)),
		slog.Int("session_count", len(order)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, sessionID := range order {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(batch []*model.OutboundMessage) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			// セッション内は作成順に逐次配信。完了しなかった項目で打ち切り、
			// 後続は先行項目の配信後の次サイクル以降で配信する
			for _, item := range batch {
				err := s.deliverer.Deliver(ctx, item)
				if err == nil {
					continue
				}
				if !errors.Is(err, ErrDeliveryDeferred) {
					s.logger.Error("配信項目のプッシュに失敗しました",
						slog.String("outbound_id", item.ID),
						slog.String("session_id", item.SessionID),
						slog.String("error", err.Error()),
					)
				}
				break
			}
		}(groups[sessionID])
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("配信サイクルが完了しました",
		slog.Int("item_count", len(items)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
