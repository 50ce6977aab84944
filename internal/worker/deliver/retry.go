package deliver

import "time"

// DeliveryResult はHTTPステータスコードに基づくプッシュ結果の分類。
type DeliveryResult int

const (
	// DeliveryResultOK はプッシュ成功（2xx）。
	DeliveryResultOK DeliveryResult = iota
	// DeliveryResultStop は再試行しても成功が見込めないステータス（404/410/401/403）。
	DeliveryResultStop
	// DeliveryResultBackoff はバックオフが必要なステータス（429/5xx）。
	DeliveryResultBackoff
	// DeliveryResultUnknown は未知のステータスコード。
	DeliveryResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 10 * time.Second
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = time.Hour
	// stopDelay は再試行を事実上打ち切る際の次回試行遅延。
	// 項目は未配信のまま残り、アダプタのプル取得では引き続き参照できる。
	stopDelay = 30 * 24 * time.Hour
)

// ClassifyHTTPStatus はHTTPステータスコードをプッシュ結果に分類する。
func ClassifyHTTPStatus(statusCode int) DeliveryResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return DeliveryResultOK
	case statusCode == 404 || statusCode == 410:
		return DeliveryResultStop
	case statusCode == 401 || statusCode == 403:
		return DeliveryResultStop
	case statusCode == 429:
		return DeliveryResultBackoff
	case statusCode >= 500:
		return DeliveryResultBackoff
	default:
		return DeliveryResultUnknown
	}
}

// CalculateBackoff は試行回数に基づいて指数バックオフ遅延を計算する。
// 初回10秒、2倍ずつ増加、最大1時間。
func CalculateBackoff(attempts int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
