package handler

import (
	"context"
	"encoding/json"
	"net/http"
)

// DBPinger はデータベース疎通確認のインターフェース。
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// EngineHealthChecker はエンジン疎通確認のインターフェース。
type EngineHealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db     DBPinger
	engine EngineHealthChecker
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(db DBPinger, engine EngineHealthChecker) *HealthHandler {
	return &HealthHandler{
		db:     db,
		engine: engine,
	}
}

// healthResponse はヘルスチェックのAPIレスポンス。
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
	Engine string `json:"engine"`
}

// Healthz はデータベースとエンジンの疎通を確認する。
// いずれかが失敗した場合は503を返す。
// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", DB: "ok", Engine: "ok"}
	statusCode := http.StatusOK

	if err := h.db.PingContext(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.DB = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}

	if err := h.engine.HealthCheck(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Engine = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
