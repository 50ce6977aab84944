package deliver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chotei/internal/model"
)

type mockDeliverer struct {
	mu          sync.Mutex
	delivered   []string
	deliverFunc func(ctx context.Context, o *model.OutboundMessage) error
}

func (m *mockDeliverer) Deliver(ctx context.Context, o *model.OutboundMessage) error {
	m.mu.Lock()
	m.delivered = append(m.delivered, o.ID)
	m.mu.Unlock()
	if m.deliverFunc != nil {
		return m.deliverFunc(ctx, o)
	}
	return nil
}

func dueOutbound(id, sessionID string) *model.OutboundMessage {
	return &model.OutboundMessage{
		ID:        id,
		SessionID: sessionID,
		Target:    model.TargetPartyA,
		Content:   "content",
		CreatedAt: time.Now(),
	}
}

func TestRunOnce_NoItems(t *testing.T) {
	outboundRepo := &mockOutboundRepo{}
	deliverer := &mockDeliverer{}
	scheduler := NewScheduler(outboundRepo, deliverer, testLogger(), 5)

	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(deliverer.delivered) != 0 {
		t.Errorf("配信対象なしでDeliverが呼ばれた: %v", deliverer.delivered)
	}
}

func TestRunOnce_DeliversAllItems(t *testing.T) {
	outboundRepo := &mockOutboundRepo{
		listDueFunc: func(ctx context.Context, limit int) ([]*model.OutboundMessage, error) {
			return []*model.OutboundMessage{
				dueOutbound("out-1", "session-1"),
				dueOutbound("out-2", "session-2"),
				dueOutbound("out-3", "session-3"),
			}, nil
		},
	}
	deliverer := &mockDeliverer{}
	scheduler := NewScheduler(outboundRepo, deliverer, testLogger(), 5)

	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(deliverer.delivered) != 3 {
		t.Errorf("配信数 = %d, want 3", len(deliverer.delivered))
	}
}

func TestRunOnce_SessionItemsDeliveredInOrder(t *testing.T) {
	// 同一セッションの項目は作成順に逐次配信される
	outboundRepo := &mockOutboundRepo{
		listDueFunc: func(ctx context.Context, limit int) ([]*model.OutboundMessage, error) {
			return []*model.OutboundMessage{
				dueOutbound("out-1", "session-1"),
				dueOutbound("out-2", "session-1"),
				dueOutbound("out-3", "session-1"),
			}, nil
		},
	}
	deliverer := &mockDeliverer{}
	scheduler := NewScheduler(outboundRepo, deliverer, testLogger(), 5)

	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	want := []string{"out-1", "out-2", "out-3"}
	if len(deliverer.delivered) != len(want) {
		t.Fatalf("配信数 = %d, want %d", len(deliverer.delivered), len(want))
	}
	for i, id := range want {
		if deliverer.delivered[i] != id {
			t.Errorf("配信順[%d] = %q, want %q", i, deliverer.delivered[i], id)
		}
	}
}

func TestRunOnce_FailureStopsSessionBatch(t *testing.T) {
	// 配信に失敗したセッションの後続項目は次サイクルへ持ち越す
	outboundRepo := &mockOutboundRepo{
		listDueFunc: func(ctx context.Context, limit int) ([]*model.OutboundMessage, error) {
			return []*model.OutboundMessage{
				dueOutbound("out-1", "session-1"),
				dueOutbound("out-2", "session-1"),
				dueOutbound("out-3", "session-2"),
			}, nil
		},
	}
	deliverer := &mockDeliverer{
		deliverFunc: func(ctx context.Context, o *model.OutboundMessage) error {
			if o.ID == "out-1" {
				return errors.New("push failed")
			}
			return nil
		},
	}
	scheduler := NewScheduler(outboundRepo, deliverer, testLogger(), 5)

	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	attempted := make(map[string]bool)
	for _, id := range deliverer.delivered {
		attempted[id] = true
	}
	if attempted["out-2"] {
		t.Error("失敗したセッションの後続項目 out-2 は試行されないべき")
	}
	if !attempted["out-3"] {
		t.Error("別セッションの項目 out-3 は試行されるべき")
	}
}

func TestRunOnce_DeferredStopsSessionBatch(t *testing.T) {
	// バックオフで繰り延べられた項目の後続を同一サイクルで配信すると
	// セッション内の順序が崩れるため、持ち越しでもセッションを打ち切る
	outboundRepo := &mockOutboundRepo{
		listDueFunc: func(ctx context.Context, limit int) ([]*model.OutboundMessage, error) {
			return []*model.OutboundMessage{
				dueOutbound("out-1", "session-1"),
				dueOutbound("out-2", "session-1"),
				dueOutbound("out-3", "session-2"),
			}, nil
		},
	}
	deliverer := &mockDeliverer{
		deliverFunc: func(ctx context.Context, o *model.OutboundMessage) error {
			if o.ID == "out-1" {
				return ErrDeliveryDeferred
			}
			return nil
		},
	}
	scheduler := NewScheduler(outboundRepo, deliverer, testLogger(), 5)

	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	attempted := make(map[string]bool)
	for _, id := range deliverer.delivered {
		attempted[id] = true
	}
	if attempted["out-2"] {
		t.Error("繰り延べたセッションの後続項目 out-2 は試行されないべき")
	}
	if !attempted["out-3"] {
		t.Error("別セッションの項目 out-3 は試行されるべき")
	}
}

func TestRunOnce_ListErrorPropagates(t *testing.T) {
	outboundRepo := &mockOutboundRepo{
		listDueFunc: func(ctx context.Context, limit int) ([]*model.OutboundMessage, error) {
			return nil, errors.New("db error")
		},
	}
	scheduler := NewScheduler(outboundRepo, &mockDeliverer{}, testLogger(), 5)

	if err := scheduler.RunOnce(context.Background()); err == nil {
		t.Fatal("リポジトリエラーは伝播されるべき")
	}
}

func TestNewScheduler_DefaultConcurrency(t *testing.T) {
	scheduler := NewScheduler(&mockOutboundRepo{}, &mockDeliverer{}, testLogger(), 0)
	if scheduler.maxConcurrency != 10 {
		t.Errorf("maxConcurrency = %d, want 10", scheduler.maxConcurrency)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	outboundRepo := &mockOutboundRepo{}
	scheduler := NewScheduler(outboundRepo, &mockDeliverer{}, testLogger(), 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("コンテキストキャンセル後にスケジューラが停止しない")
	}
}
