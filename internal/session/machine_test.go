package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/session-billing/internal/escrow"
	"github.com/crosslogic/session-billing/internal/liveness"
	"github.com/crosslogic/session-billing/pkg/apperr"
	"github.com/crosslogic/session-billing/pkg/clock"
	"github.com/crosslogic/session-billing/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	student  = "student-1"
	tutor    = "tutor-1"
	platform = "platform"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	m      *Machine
	ledger *escrow.Ledger
	repo   *MemoryRepository
	clk    *clock.Fake
	pub    *recordingPublisher
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PlatformFeeBps = 2_000
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), clk, zap.NewNop(), platform)
	repo := NewMemoryRepository()
	pub := &recordingPublisher{}
	return &harness{
		m:      NewMachine(cfg, repo, ledger, NewKeyedMutex(), pub, clk, zap.NewNop()),
		ledger: ledger,
		repo:   repo,
		clk:    clk,
		pub:    pub,
	}
}

func (h *harness) fund(t *testing.T, account string, amount int64) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), account, amount, "seed:"+account)
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

// beatUntil sends a heartbeat every interval until the clock reaches t0+until.
func (h *harness) beatUntil(t *testing.T, usageID string, interval, until time.Duration) {
	t.Helper()
	for h.clk.Now().Before(t0.Add(until)) {
		h.clk.Advance(interval)
		_, err := h.m.Heartbeat(context.Background(), usageID, liveness.HeartbeatActive)
		require.NoError(t, err)
	}
}

func (h *harness) start(t *testing.T) *Usage {
	t.Helper()
	u, replayed, err := h.m.Start(context.Background(), StartRequest{
		ResourceID:    "meeting-1",
		PayerID:       student,
		PayeeID:       tutor,
		RatePerMinute: 100,
		MaxMinutes:    60,
	})
	require.NoError(t, err)
	require.False(t, replayed)
	return u
}

func intPtr(v int) *int { return &v }

func TestStart_LocksEscrow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)

	u := h.start(t)
	assert.Equal(t, StatusActive, u.Status)
	assert.Equal(t, int64(6_000), u.EscrowAmount)
	assert.Equal(t, t0, u.JoinTime)
	assert.Equal(t, t0, u.LastHeartbeat)
	require.Len(t, u.Heartbeats, 1)
	assert.Equal(t, liveness.HeartbeatActive, u.Heartbeats[0].Status)
	assert.Equal(t, int64(4_000), h.balance(t, student))

	hold, err := h.ledger.Hold(context.Background(), u.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, escrow.HoldLocked, hold.Status)

	assert.Equal(t, []events.EventType{events.EventEscrowLocked, events.EventSessionStarted}, h.pub.types())
}

func TestStart_ReturnsOpenSessionForSameResource(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 20_000)
	first := h.start(t)

	again, replayed, err := h.m.Start(context.Background(), StartRequest{
		ResourceID: "meeting-1", PayerID: student, PayeeID: tutor,
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(14_000), h.balance(t, student))

	_, _, err = h.m.Start(context.Background(), StartRequest{
		ResourceID: "meeting-1", PayerID: "intruder", PayeeID: tutor,
	})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, testConfig())
	tests := []struct {
		name string
		req  StartRequest
	}{
		{name: "missing resource", req: StartRequest{PayerID: student, PayeeID: tutor}},
		{name: "same participant", req: StartRequest{ResourceID: "r", PayerID: student, PayeeID: student}},
		{name: "negative rate", req: StartRequest{ResourceID: "r", PayerID: student, PayeeID: tutor, RatePerMinute: -1}},
		{name: "negative max minutes", req: StartRequest{ResourceID: "r", PayerID: student, PayeeID: tutor, MaxMinutes: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.m.Start(context.Background(), tt.req)
			assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))
		})
	}
}

func TestStart_InsufficientFunds(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 3_000)

	_, _, err := h.m.Start(context.Background(), StartRequest{
		ResourceID: "meeting-1", PayerID: student, PayeeID: tutor, RatePerMinute: 100, MaxMinutes: 60,
	})
	require.Error(t, err)
	appErr := apperr.As(err)
	assert.Equal(t, apperr.CodeInsufficientFunds, appErr.Code)
	assert.Equal(t, int64(6_000), appErr.Details["required"])
	assert.Equal(t, int64(3_000), appErr.Details["available"])

	open, err := h.repo.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, int64(3_000), h.balance(t, student))
}

func TestStart_IdempotencyKeyReusesHold(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)

	req := StartRequest{ResourceID: "meeting-1", PayerID: student, PayeeID: tutor, IdempotencyKey: "abc"}
	u, _, err := h.m.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "start:"+student+":abc", u.ExternalRef)

	_, _, err = h.m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)

	// The key now points at a settled hold and cannot open a new session.
	_, _, err = h.m.Start(context.Background(), req)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
}

func TestStart_IdempotencyKeyBoundToOneResource(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	ctx := context.Background()

	first, _, err := h.m.Start(ctx, StartRequest{ResourceID: "meeting-A", PayerID: student, PayeeID: tutor, IdempotencyKey: "k"})
	require.NoError(t, err)

	_, _, err = h.m.Start(ctx, StartRequest{ResourceID: "meeting-B", PayerID: student, PayeeID: "tutor-2", IdempotencyKey: "k"})
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeInvalidState, appErr.Code)
	assert.Equal(t, first.ID, appErr.Details["usage_id"])
	assert.Equal(t, "meeting-A", appErr.Details["resource_id"])

	open, err := h.m.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, first.ID, open[0].ID)
	assert.Equal(t, int64(4_000), h.balance(t, student))

	// Same resource with the same key is still a replay.
	again, replayed, err := h.m.Start(ctx, StartRequest{ResourceID: "meeting-A", PayerID: student, PayeeID: tutor, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)
}

func TestStart_OrphanedHoldIsAdoptedOnlyWithSameTerms(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	ctx := context.Background()

	// A hold locked by a start that never created its usage.
	_, err := h.ledger.Lock(ctx, student, 6_000, "start:"+student+":k")
	require.NoError(t, err)

	_, _, err = h.m.Start(ctx, StartRequest{ResourceID: "meeting-1", PayerID: student, PayeeID: tutor, RatePerMinute: 200, IdempotencyKey: "k"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))

	u, replayed, err := h.m.Start(ctx, StartRequest{ResourceID: "meeting-1", PayerID: student, PayeeID: tutor, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(6_000), u.EscrowAmount)
	assert.Equal(t, int64(4_000), h.balance(t, student))
}

func TestStart_RejectsUnchargeableWindow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)

	for _, req := range []StartRequest{
		{RatePerMinute: 1<<62 + 1, MaxMinutes: 4},
		{RatePerMinute: 100, MaxMinutes: 1 << 60},
	} {
		req.ResourceID, req.PayerID, req.PayeeID = "meeting-1", student, tutor
		_, _, err := h.m.Start(context.Background(), req)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidInput), "rate=%d max=%d", req.RatePerMinute, req.MaxMinutes)
	}

	assert.Equal(t, int64(10_000), h.balance(t, student))
	open, err := h.m.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

type failingCreateRepo struct {
	*MemoryRepository
}

func (failingCreateRepo) Create(context.Context, *Usage) error {
	return errors.New("disk full")
}

func TestStart_RepositoryFailureReleasesEscrow(t *testing.T) {
	clk := clock.NewFake(t0)
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), clk, zap.NewNop(), platform)
	m := NewMachine(testConfig(), failingCreateRepo{NewMemoryRepository()}, ledger, nil, nil, clk, zap.NewNop())
	_, err := ledger.Credit(context.Background(), student, 10_000, "seed")
	require.NoError(t, err)

	_, _, err = m.Start(context.Background(), StartRequest{ResourceID: "meeting-1", PayerID: student, PayeeID: tutor})
	assert.True(t, apperr.Is(err, apperr.CodeInternal))

	balance, err := ledger.Balance(context.Background(), student)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), balance)
}

func TestStart_ConcurrentSameResource(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 100_000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = make(map[string]struct{})
		replayed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, r, err := h.m.Start(context.Background(), StartRequest{
				ResourceID: "meeting-1", PayerID: student, PayeeID: tutor,
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[u.ID] = struct{}{}
			if r {
				replayed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 9, replayed)
	assert.Equal(t, int64(94_000), h.balance(t, student))
}

func TestEnd_TwelveMinutesExcellentRating(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)

	h.beatUntil(t, u.ID, 30*time.Second, 12*time.Minute)

	bill, replayed, err := h.m.End(context.Background(), u.ID, intPtr(5))
	require.NoError(t, err)
	assert.False(t, replayed)

	assert.Equal(t, int64(720), bill.Timing.BillableSeconds)
	assert.Equal(t, int64(12), bill.Timing.BillableMinutes)
	require.Len(t, bill.Billing.Tiers, 2)
	assert.Equal(t, int64(800), bill.Billing.Tiers[0].Amount)
	assert.Equal(t, int64(200), bill.Billing.Tiers[1].Amount)
	assert.Equal(t, int64(1_000), bill.Billing.Subtotal)
	assert.Equal(t, int64(50), bill.Billing.QualityAdjustment)
	assert.Equal(t, int64(1_050), bill.Billing.FinalCharge)
	assert.Equal(t, int64(210), bill.Billing.PlatformFee)
	assert.Equal(t, int64(840), bill.Billing.PayeeEarning)
	assert.Equal(t, int64(4_950), bill.Billing.PayerRefund)

	assert.Equal(t, int64(8_950), h.balance(t, student))
	assert.Equal(t, int64(840), h.balance(t, tutor))
	assert.Equal(t, int64(210), h.balance(t, platform))

	stored, err := h.m.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.LeaveTime)
	assert.Equal(t, t0.Add(12*time.Minute), *stored.LeaveTime)
	require.NotNil(t, stored.QualityRating)
	assert.Equal(t, 5, *stored.QualityRating)

	hold, err := h.ledger.Hold(context.Background(), u.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, escrow.HoldSettled, hold.Status)
}

func TestEnd_DisconnectionBeyondGraceIsNotBilled(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)

	h.beatUntil(t, u.ID, 30*time.Second, 20*time.Minute+30*time.Second)
	h.clk.Set(t0.Add(22 * time.Minute))
	_, err := h.m.Heartbeat(context.Background(), u.ID, liveness.HeartbeatActive)
	require.NoError(t, err)
	h.beatUntil(t, u.ID, 30*time.Second, 45*time.Minute)

	bill, _, err := h.m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2_700), bill.Timing.WallClockSeconds)
	assert.Equal(t, int64(60), bill.Timing.DisconnectSeconds)
	assert.Equal(t, 1, bill.Timing.Disconnections)
	assert.Equal(t, int64(2_640), bill.Timing.BillableSeconds)
	assert.Equal(t, int64(44), bill.Timing.BillableMinutes)
	assert.Equal(t, int64(4_060), bill.Billing.Subtotal)
	assert.Equal(t, int64(0), bill.Billing.QualityAdjustment)
	assert.Equal(t, int64(4_060), bill.Billing.FinalCharge)
	assert.Equal(t, bill.Billing.FinalCharge, bill.Billing.PlatformFee+bill.Billing.PayeeEarning)
	assert.Equal(t, int64(1_940), bill.Billing.PayerRefund)
}

func TestEnd_ChargeCappedAtEscrow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 1_000)

	u, _, err := h.m.Start(context.Background(), StartRequest{
		ResourceID: "meeting-1", PayerID: student, PayeeID: tutor, RatePerMinute: 100, MaxMinutes: 10,
	})
	require.NoError(t, err)
	h.beatUntil(t, u.ID, 30*time.Second, 30*time.Minute)

	status, err := h.m.Status(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_800), status.Billing.FinalAmount)
	assert.Equal(t, int64(1_000), status.Escrow.Used)
	assert.Equal(t, int64(0), status.Escrow.Remaining)

	bill, _, err := h.m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2_800), bill.Billing.Subtotal)
	assert.Equal(t, int64(1_000), bill.Billing.FinalCharge)
	assert.Equal(t, int64(0), bill.Billing.PayerRefund)
	assert.Equal(t, int64(200), bill.Billing.PlatformFee)
	assert.Equal(t, int64(800), bill.Billing.PayeeEarning)
	assert.Equal(t, int64(0), h.balance(t, student))
}

func TestEnd_TwiceReturnsSameBill(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)
	h.beatUntil(t, u.ID, 30*time.Second, 12*time.Minute)

	first, _, err := h.m.End(context.Background(), u.ID, intPtr(5))
	require.NoError(t, err)

	h.clk.Advance(10 * time.Minute)
	second, replayed, err := h.m.End(context.Background(), u.ID, intPtr(1))
	require.NoError(t, err)
	assert.True(t, replayed)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))

	assert.Equal(t, int64(8_950), h.balance(t, student))
	assert.Equal(t, int64(840), h.balance(t, tutor))
	assert.Equal(t, int64(210), h.balance(t, platform))
}

func TestEnd_RejectsBadRatingWithoutSideEffects(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)

	_, _, err := h.m.End(context.Background(), u.ID, intPtr(9))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))

	stored, err := h.m.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
}

type flakyLedger struct {
	Ledger
	settleFailures int
}

func (f *flakyLedger) Settle(ctx context.Context, req escrow.SettleRequest) (*escrow.SettlementResult, error) {
	if f.settleFailures > 0 {
		f.settleFailures--
		return nil, apperr.LedgerUnavailable("settle", errors.New("connection refused"))
	}
	return f.Ledger.Settle(ctx, req)
}

func TestEnd_LedgerFailureLeavesSessionOpen(t *testing.T) {
	clk := clock.NewFake(t0)
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), clk, zap.NewNop(), platform)
	flaky := &flakyLedger{Ledger: ledger, settleFailures: 1}
	m := NewMachine(testConfig(), NewMemoryRepository(), flaky, nil, nil, clk, zap.NewNop())
	_, err := ledger.Credit(context.Background(), student, 10_000, "seed")
	require.NoError(t, err)

	u, _, err := m.Start(context.Background(), StartRequest{ResourceID: "meeting-1", PayerID: student, PayeeID: tutor})
	require.NoError(t, err)
	clk.Advance(30 * time.Second)

	_, _, err = m.End(context.Background(), u.ID, nil)
	require.Error(t, err)
	assert.True(t, apperr.As(err).Retryable())

	stored, err := m.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Nil(t, stored.LeaveTime)
	assert.Nil(t, stored.Bill)

	bill, replayed, err := m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(80), bill.Billing.FinalCharge)
}

type failingUpdateRepo struct {
	*MemoryRepository
	failures int
}

func (r *failingUpdateRepo) Update(ctx context.Context, u *Usage) error {
	if u.Status == StatusCompleted && r.failures > 0 {
		r.failures--
		return errors.New("connection reset")
	}
	return r.MemoryRepository.Update(ctx, u)
}

func TestEnd_RecoversBillFromLedgerReceipt(t *testing.T) {
	clk := clock.NewFake(t0)
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), clk, zap.NewNop(), platform)
	repo := &failingUpdateRepo{MemoryRepository: NewMemoryRepository(), failures: 1}
	m := NewMachine(testConfig(), repo, ledger, nil, nil, clk, zap.NewNop())
	_, err := ledger.Credit(context.Background(), student, 10_000, "seed")
	require.NoError(t, err)

	u, _, err := m.Start(context.Background(), StartRequest{ResourceID: "meeting-1", PayerID: student, PayeeID: tutor})
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)

	_, _, err = m.End(context.Background(), u.ID, intPtr(4))
	require.Error(t, err)
	settledBalance, err := ledger.Balance(context.Background(), student)
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	bill, replayed, err := m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, int64(300), bill.Timing.BillableSeconds)
	require.NotNil(t, bill.Rating)
	assert.Equal(t, 4, *bill.Rating)

	balance, err := ledger.Balance(context.Background(), student)
	require.NoError(t, err)
	assert.Equal(t, settledBalance, balance)

	stored, err := m.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, t0.Add(5*time.Minute), *stored.LeaveTime)
	assert.Equal(t, bill.InvoiceID, stored.Bill.InvoiceID)
}

func TestHeartbeat_AfterEndIsInvalidState(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)
	h.clk.Advance(time.Minute)
	_, _, err := h.m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)

	h.clk.Advance(30 * time.Second)
	_, err = h.m.Heartbeat(context.Background(), u.ID, liveness.HeartbeatActive)
	require.Error(t, err)
	appErr := apperr.As(err)
	assert.Equal(t, apperr.CodeInvalidState, appErr.Code)
	assert.Equal(t, string(StatusCompleted), appErr.Details["status"])
}

func TestHeartbeat_StaleDoesNotChangeDisconnects(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)

	h.clk.Set(t0.Add(3 * time.Minute))
	_, err := h.m.Heartbeat(context.Background(), u.ID, liveness.HeartbeatActive)
	require.NoError(t, err)
	before, err := h.m.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), before.TotalDisconnectSeconds)

	h.clk.Set(t0.Add(time.Minute))
	res, err := h.m.Heartbeat(context.Background(), u.ID, liveness.HeartbeatActive)
	require.NoError(t, err)
	assert.True(t, res.Stale)

	after, err := h.m.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, before.TotalDisconnectSeconds, after.TotalDisconnectSeconds)
	assert.Equal(t, before.Disconnections, after.Disconnections)
	assert.Equal(t, before.Version, after.Version)
}

func TestHeartbeat_ReportsLiveCost(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)

	h.beatUntil(t, u.ID, 30*time.Second, 11*time.Minute+30*time.Second)
	h.clk.Advance(30 * time.Second)
	res, err := h.m.Heartbeat(context.Background(), u.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.BillableMinutes)
	assert.Equal(t, int64(1_000), res.CurrentCost)
	assert.Equal(t, int64(6_000), res.MaxCost)
	assert.Equal(t, StatusActive, res.Status)

	_, err = h.m.Heartbeat(context.Background(), u.ID, "AWAY")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)

	h.clk.Advance(30 * time.Second)
	paused, err := h.m.Pause(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	_, err = h.m.Heartbeat(context.Background(), u.ID, liveness.HeartbeatActive)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
	_, err = h.m.Pause(context.Background(), u.ID)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	h.clk.Advance(5 * time.Minute)
	resumed, err := h.m.Resume(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.Empty(t, resumed.Disconnections)

	h.clk.Advance(20 * time.Second)
	_, err = h.m.Heartbeat(context.Background(), u.ID, liveness.HeartbeatActive)
	require.NoError(t, err)

	stored, err := h.m.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Disconnections)
	assert.Equal(t, int64(0), stored.TotalDisconnectSeconds)

	_, err = h.m.Resume(context.Background(), u.ID)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
}

func TestCancel(t *testing.T) {
	t.Run("within grace refunds in full", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.fund(t, student, 10_000)
		u := h.start(t)
		h.clk.Advance(45 * time.Second)

		cancelled, err := h.m.Cancel(context.Background(), u.ID, false)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.LeaveTime)
		assert.Equal(t, int64(10_000), h.balance(t, student))

		again, err := h.m.Cancel(context.Background(), u.ID, false)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, again.Status)
		assert.Equal(t, int64(10_000), h.balance(t, student))

		_, _, err = h.m.End(context.Background(), u.ID, nil)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

		status, err := h.m.Status(context.Background(), u.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, status.Status)
		assert.Equal(t, int64(0), status.Escrow.Used)
	})

	t.Run("after grace needs override", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.fund(t, student, 10_000)
		u := h.start(t)
		h.beatUntil(t, u.ID, 30*time.Second, 5*time.Minute)

		_, err := h.m.Cancel(context.Background(), u.ID, false)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
		assert.Equal(t, int64(4_000), h.balance(t, student))

		_, err = h.m.Cancel(context.Background(), u.ID, true)
		require.NoError(t, err)
		assert.Equal(t, int64(10_000), h.balance(t, student))
	})

	t.Run("completed cannot be cancelled", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.fund(t, student, 10_000)
		u := h.start(t)
		h.clk.Advance(time.Minute)
		_, _, err := h.m.End(context.Background(), u.ID, nil)
		require.NoError(t, err)

		_, err = h.m.Cancel(context.Background(), u.ID, true)
		assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	})
}

func TestDispute(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)

	_, err := h.m.Dispute(context.Background(), u.ID)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))

	h.clk.Advance(2 * time.Minute)
	bill, _, err := h.m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)

	disputed, err := h.m.Dispute(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)

	replayedBill, replayed, err := h.m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, bill.InvoiceID, replayedBill.InvoiceID)
}

func TestStatus_Live(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)
	h.beatUntil(t, u.ID, 30*time.Second, 12*time.Minute)

	view, err := h.m.Status(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Status)
	assert.Equal(t, int64(12), view.BillableMinutes)
	assert.Equal(t, int64(1_000), view.Escrow.Used)
	assert.Equal(t, int64(5_000), view.Escrow.Remaining)
	assert.Equal(t, int64(6_000), view.Escrow.Locked)

	_, err = h.m.Status(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestEnd_ConcurrentHeartbeatSeesCompleted(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fund(t, student, 10_000)
	u := h.start(t)
	h.clk.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.Heartbeat(context.Background(), u.ID, liveness.HeartbeatActive)
			errs <- err
		}()
	}
	_, _, err := h.m.End(context.Background(), u.ID, nil)
	require.NoError(t, err)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.True(t, apperr.Is(err, apperr.CodeInvalidState))
		}
	}

	stored, err := h.m.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, stored.Bill.Billing.FinalCharge+stored.Bill.Billing.PayerRefund, stored.EscrowAmount)
}
