// Package deliver はアウトボックスのバックグラウンドWebhookプッシュ処理を提供する。
// スケジューラ、デリバラー、リトライ/バックオフ戦略を含む。
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chotei/internal/metrics"
	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/outbox"
	"github.com/hitoshi/chotei/internal/repository"
)

// ErrDeliveryDeferred は配信が完了せず、再試行が後続サイクルに
// 予約されたことを示す。スケジューラは配信順序を保つため、
// 同一セッションの後続項目をこのサイクルでは配信しない。
var ErrDeliveryDeferred = errors.New("配信を後続サイクルに繰り延べました")

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// webhookPayload は受信者のWebhookにPOSTされるボディ。
type webhookPayload struct {
	OutboundID string       `json:"outbound_id"`
	SessionID  string       `json:"session_id"`
	Recipient  model.Role   `json:"recipient"`
	Target     model.Target `json:"target"`
	Content    string       `json:"content"`
	CreatedAt  time.Time    `json:"created_at"`
}

// webhookResponse は受信者のWebhookが返すボディ。
// delivery_idはトランスポート側の配信識別子で、受領に記録される。
type webhookResponse struct {
	DeliveryID string `json:"delivery_id"`
}

// Deliverer は個別の配信項目を受信者のWebhookへプッシュする。
// 宛先ロールは配信時点のパートナーシップ構成で解決し、
// 受領済みの受信者はスキップする。
type Deliverer struct {
	sessionRepo     repository.SessionRepository
	partnershipRepo repository.PartnershipRepository
	userRepo        repository.UserRepository
	outboundRepo    repository.OutboundRepository
	outboxSvc       *outbox.Service
	ssrfGuard       SSRFValidator
	collector       metrics.MetricsCollector
	logger          *slog.Logger
	timeout         time.Duration
	maxBodySize     int64
}

// NewDeliverer はDelivererの新しいインスタンスを生成する。
func NewDeliverer(
	sessionRepo repository.SessionRepository,
	partnershipRepo repository.PartnershipRepository,
	userRepo repository.UserRepository,
	outboundRepo repository.OutboundRepository,
	outboxSvc *outbox.Service,
	ssrfGuard SSRFValidator,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Deliverer {
	return &Deliverer{
		sessionRepo:     sessionRepo,
		partnershipRepo: partnershipRepo,
		userRepo:        userRepo,
		outboundRepo:    outboundRepo,
		outboxSvc:       outboxSvc,
		ssrfGuard:       ssrfGuard,
		collector:       collector,
		logger:          logger,
		timeout:         timeout,
		maxBodySize:     maxBodySize,
	}
}

// Deliver は配信項目を未受領の全受信者へプッシュする。
// 一部の受信者が失敗した場合は試行状態をバックオフ付きで更新し、
// 成功した受信者の受領はそのまま残す（次回は残りのみ再試行）。
// 項目が未配信のまま残る場合はErrDeliveryDeferredを返す。
func (d *Deliverer) Deliver(ctx context.Context, o *model.OutboundMessage) error {
	session, err := d.sessionRepo.FindByID(ctx, o.SessionID)
	if err != nil {
		return fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return fmt.Errorf("配信項目のセッションが存在しません: %s", o.SessionID)
	}

	partnership, err := d.partnershipRepo.FindByID(ctx, session.PartnershipID)
	if err != nil {
		return fmt.Errorf("パートナーシップの取得に失敗しました: %w", err)
	}
	if partnership == nil {
		return fmt.Errorf("セッションのパートナーシップが存在しません: %s", session.PartnershipID)
	}

	receipts, err := d.outboundRepo.ListReceipts(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("受領一覧の取得に失敗しました: %w", err)
	}
	receipted := make(map[model.Role]bool, len(receipts))
	for _, r := range receipts {
		receipted[r.Recipient] = true
	}

	var lastErr string
	for _, role := range o.Target.Recipients() {
		if receipted[role] {
			continue
		}

		recipient, err := d.userRepo.FindByID(ctx, partnership.UserIDFor(role))
		if err != nil {
			return fmt.Errorf("受信者の取得に失敗しました: %w", err)
		}
		if recipient == nil || recipient.WebhookURL == "" {
			// プッシュ先未登録。アダプタのプル取得と受領報告に委ねる
			continue
		}

		deliveryID, result, err := d.push(ctx, o, role, recipient.WebhookURL)
		if err != nil {
			d.collector.RecordDeliveryFailure(0)
			lastErr = err.Error()
			continue
		}

		switch result {
		case DeliveryResultOK:
			if _, err := d.outboxSvc.MarkDelivered(ctx, o.ID, role, deliveryID); err != nil {
				return err
			}
			d.collector.RecordDeliverySuccess()
		case DeliveryResultStop:
			// 再試行しても成功が見込めない。打ち切り遅延を設定して残す
			lastErr = fmt.Sprintf("webhook恒久エラー: recipient=%s", role)
			if err := d.outboundRepo.UpdateAttemptState(ctx, o.ID, o.Attempts+1, time.Now().Add(stopDelay), lastErr); err != nil {
				return fmt.Errorf("試行状態の更新に失敗しました: %w", err)
			}
			d.logger.Error("Webhookプッシュを打ち切ります",
				slog.String("outbound_id", o.ID),
				slog.String("recipient", string(role)),
			)
			return ErrDeliveryDeferred
		default:
			lastErr = fmt.Sprintf("webhook一時エラー: recipient=%s", role)
		}
	}

	if lastErr != "" {
		delay := CalculateBackoff(o.Attempts)
		if err := d.outboundRepo.UpdateAttemptState(ctx, o.ID, o.Attempts+1, time.Now().Add(delay), lastErr); err != nil {
			return fmt.Errorf("試行状態の更新に失敗しました: %w", err)
		}
		d.logger.Warn("Webhookプッシュを再試行します",
			slog.String("outbound_id", o.ID),
			slog.Int("attempts", o.Attempts+1),
			slog.Duration("delay", delay),
			slog.String("last_error", lastErr),
		)
		return ErrDeliveryDeferred
	}

	return nil
}

// push は1受信者へのWebhookプッシュを実行し、配信識別子と結果分類を返す。
func (d *Deliverer) push(ctx context.Context, o *model.OutboundMessage, role model.Role, webhookURL string) (string, DeliveryResult, error) {
	payload, err := json.Marshal(webhookPayload{
		OutboundID: o.ID,
		SessionID:  o.SessionID,
		Recipient:  role,
		Target:     o.Target,
		Content:    o.Content,
		CreatedAt:  o.CreatedAt,
	})
	if err != nil {
		return "", DeliveryResultUnknown, fmt.Errorf("ペイロードのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return "", DeliveryResultUnknown, fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Chotei/1.0 Relay")

	client := d.ssrfGuard.NewSafeClient(d.timeout, d.maxBodySize)
	resp, err := client.Do(req)
	if err != nil {
		d.logger.Error("Webhookプッシュに失敗しました",
			slog.String("outbound_id", o.ID),
			slog.String("recipient", string(role)),
			slog.String("error", err.Error()),
		)
		return "", DeliveryResultUnknown, err
	}
	defer resp.Body.Close()

	result := ClassifyHTTPStatus(resp.StatusCode)
	if result != DeliveryResultOK {
		d.collector.RecordDeliveryFailure(resp.StatusCode)
		return "", result, nil
	}

	// 配信識別子はレスポンスに含まれない場合もある
	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBodySize))
	if err != nil {
		return "", DeliveryResultOK, nil
	}
	var wr webhookResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return "", DeliveryResultOK, nil
	}
	return wr.DeliveryID, DeliveryResultOK, nil
}
