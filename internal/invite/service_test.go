package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/chotei/internal/model"
	"github.com/hitoshi/chotei/internal/repository"
)

// --- モック ---

type mockInviteRepo struct {
	createFn             func(ctx context.Context, invite *model.InviteLink) error
	findByCodeFn         func(ctx context.Context, code string) (*model.InviteLink, error)
	findPendingByCreator func(ctx context.Context, creatorUserID string, now time.Time) (*model.InviteLink, error)
	redeemFn             func(ctx context.Context, code, redeemerUserID string, usedAt time.Time, partnership *model.Partnership) error
	deleteConsumedBefore func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *mockInviteRepo) Create(ctx context.Context, invite *model.InviteLink) error {
	if m.createFn != nil {
		return m.createFn(ctx, invite)
	}
	return nil
}
func (m *mockInviteRepo) FindByCode(ctx context.Context, code string) (*model.InviteLink, error) {
	return m.findByCodeFn(ctx, code)
}
func (m *mockInviteRepo) FindPendingByCreator(ctx context.Context, creatorUserID string, now time.Time) (*model.InviteLink, error) {
	if m.findPendingByCreator != nil {
		return m.findPendingByCreator(ctx, creatorUserID, now)
	}
	return nil, nil
}
func (m *mockInviteRepo) Redeem(ctx context.Context, code, redeemerUserID string, usedAt time.Time, partnership *model.Partnership) error {
	if m.redeemFn != nil {
		return m.redeemFn(ctx, code, redeemerUserID, usedAt, partnership)
	}
	return nil
}
func (m *mockInviteRepo) DeleteConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.deleteConsumedBefore != nil {
		return m.deleteConsumedBefore(ctx, cutoff)
	}
	return 0, nil
}

type mockPartnershipRepo struct {
	findActiveByUserIDFn func(ctx context.Context, userID string) (*model.Partnership, error)
}

func (m *mockPartnershipRepo) FindByID(ctx context.Context, id string) (*model.Partnership, error) {
	return nil, nil
}
func (m *mockPartnershipRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.Partnership, error) {
	if m.findActiveByUserIDFn != nil {
		return m.findActiveByUserIDFn(ctx, userID)
	}
	return nil, nil
}
func (m *mockPartnershipRepo) Close(ctx context.Context, id string) error {
	return nil
}
func (m *mockPartnershipRepo) RecordSession(ctx context.Context, id string, at time.Time) error {
	return nil
}

type mockUserRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return &model.User{ID: id}, nil
}
func (m *mockUserRepo) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	return nil, nil
}
func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	return nil
}
func (m *mockUserRepo) UpdateWebhookURL(ctx context.Context, id, webhookURL string) error {
	return nil
}

func newService(inviteRepo *mockInviteRepo, partnershipRepo *mockPartnershipRepo, userRepo *mockUserRepo) *Service {
	return NewService(inviteRepo, partnershipRepo, userRepo, time.Hour)
}

func wantAPIError(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIError が返されるべき: %v", err)
	}
	if apiErr.Code != code {
		t.Errorf("エラーコード = %s, want %s", apiErr.Code, code)
	}
}

// --- Issue ---

// TestIssue_GeneratesHexCode は招待コードが24文字の16進数で生成されることを検証する。
func TestIssue_GeneratesHexCode(t *testing.T) {
	var created *model.InviteLink
	inviteRepo := &mockInviteRepo{
		createFn: func(ctx context.Context, invite *model.InviteLink) error {
			created = invite
			return nil
		},
	}
	svc := newService(inviteRepo, &mockPartnershipRepo{}, &mockUserRepo{})

	link, err := svc.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue がエラーを返した: %v", err)
	}

	if len(link.Code) != codeBytes*2 {
		t.Errorf("コード長 = %d, want %d", len(link.Code), codeBytes*2)
	}
	for _, c := range link.Code {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("コードに16進数以外の文字が含まれる: %q", link.Code)
			break
		}
	}
	if created == nil {
		t.Fatal("招待がストアに作成されていない")
	}
	if got := link.ExpiresAt.Sub(link.CreatedAt); got != time.Hour {
		t.Errorf("有効期限 = %v, want %v", got, time.Hour)
	}
}

// TestIssue_CodesAreUnique は連続発行でコードが重複しないことを検証する。
func TestIssue_CodesAreUnique(t *testing.T) {
	svc := newService(&mockInviteRepo{}, &mockPartnershipRepo{}, &mockUserRepo{})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		link, err := svc.Issue(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("Issue がエラーを返した: %v", err)
		}
		if seen[link.Code] {
			t.Fatalf("コードが重複した: %s", link.Code)
		}
		seen[link.Code] = true
	}
}

// TestIssue_RejectsWhenAlreadyPaired はペアリング済みユーザーの発行が拒否されることを検証する。
func TestIssue_RejectsWhenAlreadyPaired(t *testing.T) {
	partnershipRepo := &mockPartnershipRepo{
		findActiveByUserIDFn: func(ctx context.Context, userID string) (*model.Partnership, error) {
			return &model.Partnership{ID: "p-1", UserAID: userID, UserBID: "other"}, nil
		},
	}
	svc := newService(&mockInviteRepo{}, partnershipRepo, &mockUserRepo{})

	_, err := svc.Issue(context.Background(), "user-1")
	wantAPIError(t, err, model.ErrCodeAlreadyPaired)
}

// TestIssue_RejectsWhenPendingInviteExists は未使用招待が残っている間の再発行が拒否されることを検証する。
func TestIssue_RejectsWhenPendingInviteExists(t *testing.T) {
	inviteRepo := &mockInviteRepo{
		findPendingByCreator: func(ctx context.Context, creatorUserID string, now time.Time) (*model.InviteLink, error) {
			return &model.InviteLink{Code: "abc", CreatorUserID: creatorUserID}, nil
		},
	}
	svc := newService(inviteRepo, &mockPartnershipRepo{}, &mockUserRepo{})

	_, err := svc.Issue(context.Background(), "user-1")
	wantAPIError(t, err, model.ErrCodePendingInviteExists)
}

// TestIssue_RejectsUnknownUser は未登録ユーザーの発行が拒否されることを検証する。
func TestIssue_RejectsUnknownUser(t *testing.T) {
	userRepo := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return nil, nil
		},
	}
	svc := newService(&mockInviteRepo{}, &mockPartnershipRepo{}, userRepo)

	_, err := svc.Issue(context.Background(), "nobody")
	wantAPIError(t, err, model.ErrCodeUserNotFound)
}

// --- Redeem ---

func validInvite(creator string) *model.InviteLink {
	now := time.Now()
	return &model.InviteLink{
		Code:          "a1b2c3d4e5f6a1b2c3d4e5f6",
		CreatorUserID: creator,
		CreatedAt:     now.Add(-time.Minute),
		ExpiresAt:     now.Add(time.Hour),
	}
}

// TestRedeem_CreatesPartnership は正常な消費でパートナーシップが作成されることを検証する。
// 発行者がparty_a、消費者がparty_bに固定される。
func TestRedeem_CreatesPartnership(t *testing.T) {
	link := validInvite("creator-1")
	var redeemed *model.Partnership
	inviteRepo := &mockInviteRepo{
		findByCodeFn: func(ctx context.Context, code string) (*model.InviteLink, error) {
			return link, nil
		},
		redeemFn: func(ctx context.Context, code, redeemerUserID string, usedAt time.Time, partnership *model.Partnership) error {
			redeemed = partnership
			return nil
		},
	}
	svc := newService(inviteRepo, &mockPartnershipRepo{}, &mockUserRepo{})

	p, err := svc.Redeem(context.Background(), link.Code, "joiner-1")
	if err != nil {
		t.Fatalf("Redeem がエラーを返した: %v", err)
	}

	if p.UserAID != "creator-1" {
		t.Errorf("UserAID = %s, want creator-1", p.UserAID)
	}
	if p.UserBID != "joiner-1" {
		t.Errorf("UserBID = %s, want joiner-1", p.UserBID)
	}
	if p.Status != model.PartnershipStatusActive {
		t.Errorf("Status = %s, want %s", p.Status, model.PartnershipStatusActive)
	}
	if redeemed == nil {
		t.Fatal("ストア層のRedeemが呼ばれていない")
	}
}

// TestRedeem_NotFound は存在しないコードの消費が拒否されることを検証する。
func TestRedeem_NotFound(t *testing.T) {
	inviteRepo := &mockInviteRepo{
		findByCodeFn: func(ctx context.Context, code string) (*model.InviteLink, error) {
			return nil, nil
		},
	}
	svc := newService(inviteRepo, &mockPartnershipRepo{}, &mockUserRepo{})

	_, err := svc.Redeem(context.Background(), "missing", "joiner-1")
	wantAPIError(t, err, model.ErrCodeInviteNotFound)
}

// TestRedeem_AlreadyUsed は使用済みコードの消費が拒否されることを検証する。
func TestRedeem_AlreadyUsed(t *testing.T) {
	link := validInvite("creator-1")
	link.Used = true
	inviteRepo := &mockInviteRepo{
		findByCodeFn: func(ctx context.Context, code string) (*model.InviteLink, error) {
			return link, nil
		},
	}
	svc := newService(inviteRepo, &mockPartnershipRepo{}, &mockUserRepo{})

	_, err := svc.Redeem(context.Background(), link.Code, "joiner-1")
	wantAPIError(t, err, model.ErrCodeInviteAlreadyUsed)
}

// TestRedeem_Expired は期限切れコードの消費が拒否されることを検証する。
func TestRedeem_Expired(t *testing.T) {
	link := validInvite("creator-1")
	link.ExpiresAt = time.Now().Add(-time.Minute)
	inviteRepo := &mockInviteRepo{
		findByCodeFn: func(ctx context.Context, code string) (*model.InviteLink, error) {
			return link, nil
		},
	}
	svc := newService(inviteRepo, &mockPartnershipRepo{}, &mockUserRepo{})

	_, err := svc.Redeem(context.Background(), link.Code, "joiner-1")
	wantAPIError(t, err, model.ErrCodeInviteExpired)
}

// TestRedeem_SelfJoin は発行者自身の消費が拒否されることを検証する。
func TestRedeem_SelfJoin(t *testing.T) {
	link := validInvite("creator-1")
	inviteRepo := &mockInviteRepo{
		findByCodeFn: func(ctx context.Context, code string) (*model.InviteLink, error) {
			return link, nil
		},
	}
	svc := newService(inviteRepo, &mockPartnershipRepo{}, &mockUserRepo{})

	_, err := svc.Redeem(context.Background(), link.Code, "creator-1")
	wantAPIError(t, err, model.ErrCodeSelfJoin)
}

// TestRedeem_AlreadyPaired は発行後にペアリングが成立していた場合の消費が拒否されることを検証する。
func TestRedeem_AlreadyPaired(t *testing.T) {
	link := validInvite("creator-1")
	inviteRepo := &mockInviteRepo{
		findByCodeFn: func(ctx context.Context, code string) (*model.InviteLink, error) {
			return link, nil
		},
	}
	partnershipRepo := &mockPartnershipRepo{
		findActiveByUserIDFn: func(ctx context.Context, userID string) (*model.Partnership, error) {
			if userID == "creator-1" {
				return &model.Partnership{ID: "p-1", UserAID: "creator-1", UserBID: "someone-else"}, nil
			}
			return nil, nil
		},
	}
	svc := newService(inviteRepo, partnershipRepo, &mockUserRepo{})

	_, err := svc.Redeem(context.Background(), link.Code, "joiner-1")
	wantAPIError(t, err, model.ErrCodeAlreadyPaired)
}

// TestRedeem_ConcurrentLoserGetsAlreadyUsed は並行消費の敗者に使用済みエラーが返ることを検証する。
func TestRedeem_ConcurrentLoserGetsAlreadyUsed(t *testing.T) {
	link := validInvite("creator-1")
	inviteRepo := &mockInviteRepo{
		findByCodeFn: func(ctx context.Context, code string) (*model.InviteLink, error) {
			return link, nil
		},
		redeemFn: func(ctx context.Context, code, redeemerUserID string, usedAt time.Time, partnership *model.Partnership) error {
			return repository.ErrInviteConsumed
		},
	}
	svc := newService(inviteRepo, &mockPartnershipRepo{}, &mockUserRepo{})

	_, err := svc.Redeem(context.Background(), link.Code, "joiner-1")
	wantAPIError(t, err, model.ErrCodeInviteAlreadyUsed)
}
