// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 中継サービスと配信ワーカーから利用する。
type MetricsCollector interface {
	RecordIngest(status string)
	RecordDuplicateIngest()
	RecordTurnViolation()
	RecordEngineSuccess()
	RecordEngineFailure()
	RecordEngineLatency(duration time.Duration)
	RecordCASConflict()
	RecordOutboundEnqueued(count int)
	RecordDeliverySuccess()
	RecordDeliveryFailure(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ingested         *prometheus.CounterVec
	duplicateIngests prometheus.Counter
	turnViolations   prometheus.Counter
	engineSuccess    prometheus.Counter
	engineFail       prometheus.Counter
	engineLatency    prometheus.Histogram
	casConflicts     prometheus.Counter
	outboundEnqueued prometheus.Counter
	deliverySuccess  prometheus.Counter
	deliveryFail     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chotei_messages_ingested_total",
			Help: "台帳に記録されたメッセージの合計数（取り込み結果別）",
		}, []string{"status"}),
		duplicateIngests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chotei_duplicate_ingests_total",
			Help: "外部IDの重複により再利用された取り込みの合計数",
		}),
		turnViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chotei_turn_violations_total",
			Help: "ターン外のため転送されなかったメッセージの合計数",
		}),
		engineSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chotei_engine_calls_total",
			Help: "調停エンジン呼び出し成功の合計数",
		}),
		engineFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chotei_engine_failures_total",
			Help: "調停エンジン呼び出し失敗の合計数",
		}),
		engineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chotei_engine_latency_seconds",
			Help:    "調停エンジン呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chotei_cas_conflicts_total",
			Help: "セッション状態更新のバージョン競合の合計数",
		}),
		outboundEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chotei_outbound_enqueued_total",
			Help: "アウトボックスに登録された配信項目の合計数",
		}),
		deliverySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chotei_deliveries_total",
			Help: "Webhook配信成功の合計数",
		}),
		deliveryFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chotei_delivery_failures_total",
			Help: "Webhook配信失敗の合計数（HTTPステータス別）",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.ingested,
		c.duplicateIngests,
		c.turnViolations,
		c.engineSuccess,
		c.engineFail,
		c.engineLatency,
		c.casConflicts,
		c.outboundEnqueued,
		c.deliverySuccess,
		c.deliveryFail,
	)

	return c
}

// RecordIngest はメッセージ取り込みを結果別に記録する。
func (c *Collector) RecordIngest(status string) {
	c.ingested.WithLabelValues(status).Inc()
}

// RecordDuplicateIngest は重複取り込みを記録する。
func (c *Collector) RecordDuplicateIngest() {
	c.duplicateIngests.Inc()
}

// RecordTurnViolation はターン違反を記録する。
func (c *Collector) RecordTurnViolation() {
	c.turnViolations.Inc()
}

// RecordEngineSuccess はエンジン呼び出し成功を記録する。
func (c *Collector) RecordEngineSuccess() {
	c.engineSuccess.Inc()
}

// RecordEngineFailure はエンジン呼び出し失敗を記録する。
func (c *Collector) RecordEngineFailure() {
	c.engineFail.Inc()
}

// RecordEngineLatency はエンジン呼び出しのレイテンシを記録する。
func (c *Collector) RecordEngineLatency(duration time.Duration) {
	c.engineLatency.Observe(duration.Seconds())
}

// RecordCASConflict はバージョン競合を記録する。
func (c *Collector) RecordCASConflict() {
	c.casConflicts.Inc()
}

// RecordOutboundEnqueued はアウトボックス登録件数を記録する。
func (c *Collector) RecordOutboundEnqueued(count int) {
	c.outboundEnqueued.Add(float64(count))
}

// RecordDeliverySuccess はWebhook配信成功を記録する。
func (c *Collector) RecordDeliverySuccess() {
	c.deliverySuccess.Inc()
}

// RecordDeliveryFailure はWebhook配信失敗をHTTPステータス別に記録する。
// トランスポートエラーはステータス0として記録する。
func (c *Collector) RecordDeliveryFailure(statusCode int) {
	c.deliveryFail.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
