package ledgersim

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"

	"github.com/tledger/tpay-go/internal/metrics"
	"github.com/tledger/tpay-go/internal/pagination"
)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.ChallengeTTL == 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	if opts.DefaultDailyLimit == "" {
		opts.DefaultDailyLimit = "1000"
	}
	return NewService(NewMemoryStore(), nil, slog.New(slog.DiscardHandler), opts)
}

func createReq(amount string) CreatePaymentRequest {
	return CreatePaymentRequest{
		RequestID:        "req-1",
		SendingAgentID:   "agt_sender",
		ReceivingAgentID: "agt_receiver",
		Amount:           amount,
		Currency:         "USDT",
	}
}

func TestCreatePayment_Defaults(t *testing.T) {
	svc := newTestService(t, Options{ConfirmAfterPolls: 2})
	ctx := context.Background()

	p, created, err := svc.CreatePayment(ctx, createReq("10.50"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "solana", p.SettlementNetwork)
	assert.Equal(t, "req-1", p.RequestID)
	assert.NotEmpty(t, p.ID)
}

func TestCreatePayment_ReplaysOnSameRequestID(t *testing.T) {
	svc := newTestService(t, Options{ConfirmAfterPolls: 2})
	ctx := context.Background()

	first, created, err := svc.CreatePayment(ctx, createReq("10"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.CreatePayment(ctx, createReq("10"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreatePayment_ConcurrentSameRequestIDYieldsOneRecord(t *testing.T) {
	svc := newTestService(t, Options{ConfirmAfterPolls: 2})
	ctx := context.Background()

	const writers = 16
	type result struct {
		id      string
		created bool
		err     error
	}
	results := make(chan result, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, created, err := svc.CreatePayment(ctx, createReq("10"))
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{id: p.ID, created: created}
		}()
	}
	wg.Wait()
	close(results)

	first := ""
	wins := 0
	for r := range results {
		require.NoError(t, r.err)
		if first == "" {
			first = r.id
		}
		assert.Equal(t, first, r.id, "every submission must resolve to the same record")
		if r.created {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one submission creates the record")
}

func TestMemoryStore_CreatePaymentRejectsDuplicateRequestID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := &Payment{ID: "pay_1", RequestID: "req-dup", Status: StatusPending}
	require.NoError(t, store.CreatePayment(ctx, p))

	clash := &Payment{ID: "pay_2", RequestID: "req-dup", Status: StatusPending}
	err := store.CreatePayment(ctx, clash)
	require.ErrorIs(t, err, ErrDuplicateRequestID)

	// The original record is untouched.
	got, err := store.GetPaymentByRequestID(ctx, "req-dup")
	require.NoError(t, err)
	assert.Equal(t, "pay_1", got.ID)
}

func TestCreatePayment_RejectsBadAmount(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	for _, amount := range []string{"", "0", "-5", "abc", "1,000"} {
		_, _, err := svc.CreatePayment(ctx, createReq(amount))
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %q", amount)
	}
}

func TestCreatePayment_ChallengesAboveDailyLimit(t *testing.T) {
	svc := newTestService(t, Options{DefaultDailyLimit: "100"})
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, createReq("250"))
	require.NoError(t, err)
	assert.Equal(t, StatusChallenged, p.Status)
	require.NotNil(t, p.Challenge)
	assert.Equal(t, []string{"justification"}, p.Challenge.RequiredFields)
	assert.True(t, p.Challenge.ExpiresAt.After(time.Now()))
}

func TestCreatePayment_UsesAgentDailyLimit(t *testing.T) {
	svc := newTestService(t, Options{DefaultDailyLimit: "10"})
	ctx := context.Background()

	agent, err := svc.CreateAgent(ctx, CreateAgentRequest{Name: "big spender", DailyLimit: "5000"})
	require.NoError(t, err)

	req := createReq("250")
	req.SendingAgentID = agent.ID
	p, _, err := svc.CreatePayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status, "agent limit should override the default")
}

func TestGetPayment_ConfirmsAfterPolls(t *testing.T) {
	svc := newTestService(t, Options{ConfirmAfterPolls: 3})
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, createReq("10"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := svc.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	}
	got, err := svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestGetPayment_ConfirmMovesBalance(t *testing.T) {
	svc := newTestService(t, Options{ConfirmAfterPolls: 1, DefaultDailyLimit: "1000"})
	ctx := context.Background()

	sender, err := svc.CreateAgent(ctx, CreateAgentRequest{Name: "sender"})
	require.NoError(t, err)
	receiver, err := svc.CreateAgent(ctx, CreateAgentRequest{Name: "receiver"})
	require.NoError(t, err)

	req := createReq("25.5")
	req.SendingAgentID = sender.ID
	req.ReceivingAgentID = receiver.ID
	p, _, err := svc.CreatePayment(ctx, req)
	require.NoError(t, err)

	got, err := svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, got.Status)

	recv, err := svc.GetBalance(ctx, receiver.ID, "solana", "USDT")
	require.NoError(t, err)
	assert.Equal(t, "25.500000", recv.Amount)

	sent, err := svc.GetBalance(ctx, sender.ID, "solana", "USDT")
	require.NoError(t, err)
	assert.Equal(t, "-25.500000", sent.Amount)
}

func TestGetPayment_NotFound(t *testing.T) {
	svc := newTestService(t, Options{})
	_, err := svc.GetPayment(context.Background(), "pay_nope")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestResolveChallenge_HappyPath(t *testing.T) {
	svc := newTestService(t, Options{ConfirmAfterPolls: 1, DefaultDailyLimit: "100"})
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, createReq("500"))
	require.NoError(t, err)
	require.Equal(t, StatusChallenged, p.Status)

	resolved, err := svc.ResolveChallenge(ctx, p.ID, ResolutionRequest{
		RequestID:      "req-1",
		AdditionalData: map[string]any{"justification": "quarterly invoice"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resolved.Status)
	assert.Nil(t, resolved.Challenge)
	assert.Equal(t, "quarterly invoice", resolved.TraceContext["justification"])

	got, err := svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
}

func TestResolveChallenge_RequestIDMismatch(t *testing.T) {
	svc := newTestService(t, Options{DefaultDailyLimit: "100"})
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, createReq("500"))
	require.NoError(t, err)

	_, err = svc.ResolveChallenge(ctx, p.ID, ResolutionRequest{
		RequestID:      "some-other-intent",
		AdditionalData: map[string]any{"justification": "x"},
	})
	assert.ErrorIs(t, err, ErrRequestIDMismatch)
}

func TestResolveChallenge_MissingFields(t *testing.T) {
	svc := newTestService(t, Options{DefaultDailyLimit: "100"})
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, createReq("500"))
	require.NoError(t, err)

	_, err = svc.ResolveChallenge(ctx, p.ID, ResolutionRequest{RequestID: "req-1"})
	var missing *MissingFieldsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"justification"}, missing.Missing)
	assert.NotNil(t, missing.Challenge)

	// Payment is still challenged and resolvable.
	got, err := svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusChallenged, got.Status)
}

func TestResolveChallenge_NotChallenged(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, createReq("10"))
	require.NoError(t, err)

	_, err = svc.ResolveChallenge(ctx, p.ID, ResolutionRequest{RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrNotChallenged)
}

func TestResolveChallenge_Expired(t *testing.T) {
	svc := newTestService(t, Options{DefaultDailyLimit: "100", ChallengeTTL: time.Minute})
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, createReq("500"))
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = svc.ResolveChallenge(ctx, p.ID, ResolutionRequest{
		RequestID:      "req-1",
		AdditionalData: map[string]any{"justification": "too late"},
	})
	assert.ErrorIs(t, err, ErrChallengeExpired)

	got, err := svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestExpireChallenges_SweepsOverdue(t *testing.T) {
	svc := newTestService(t, Options{DefaultDailyLimit: "100", ChallengeTTL: time.Minute})
	ctx := context.Background()

	req := createReq("500")
	p1, _, err := svc.CreatePayment(ctx, req)
	require.NoError(t, err)
	req.RequestID = "req-2"
	p2, _, err := svc.CreatePayment(ctx, req)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	n, err := svc.ExpireChallenges(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{p1.ID, p2.ID} {
		got, err := svc.GetPayment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
	}

	// Second sweep finds nothing.
	n, err = svc.ExpireChallenges(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListPayments_FiltersAndPages(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return ts }
		req := createReq("10")
		req.RequestID = "req-" + string(rune('a'+i))
		_, _, err := svc.CreatePayment(ctx, req)
		require.NoError(t, err)
	}

	page, next, hasMore, err := svc.ListPayments(ctx, ListFilter{AgentID: "agt_sender", Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, hasMore)
	require.NotEmpty(t, next)
	// Newest first.
	assert.True(t, page[0].CreatedAt.After(page[2].CreatedAt))

	cur, err := pagination.Decode(next)
	require.NoError(t, err)
	rest, _, hasMore, err := svc.ListPayments(ctx, ListFilter{AgentID: "agt_sender", Limit: 3, Cursor: cur})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.False(t, hasMore)

	none, _, _, err := svc.ListPayments(ctx, ListFilter{AgentID: "agt_nobody", Limit: 3})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateAgent_SeedsDefaultBalance(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	a, err := svc.CreateAgent(ctx, CreateAgentRequest{Name: "worker", ProjectID: "proj_1"})
	require.NoError(t, err)
	assert.Equal(t, "proj_1", a.ProjectID)
	assert.Equal(t, "autonomous_agent", a.AgentType)
	assert.Equal(t, "1000", a.DailyLimit)

	bal, err := svc.GetBalance(ctx, a.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "0", bal.Amount)
}

func TestGetBalance_UnknownAgent(t *testing.T) {
	svc := newTestService(t, Options{})
	_, err := svc.GetBalance(context.Background(), "agt_ghost", "solana", "USDT")
	assert.ErrorIs(t, err, ErrBalanceNotFound)
}

func TestTraces_RoundTrip(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := context.Background()

	require.NoError(t, svc.IngestTrace(ctx, map[string]any{"operation": "create_payment", "outcome": "success"}))
	require.NoError(t, svc.IngestTrace(ctx, map[string]any{"operation": "get_payment", "outcome": "error"}))

	recs, err := svc.ListTraces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestChallengeMetrics_CountIssuedAndResolved(t *testing.T) {
	metrics.ChallengesTotal.Reset()
	svc := newTestService(t, Options{DefaultDailyLimit: "100"})
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, createReq("500"))
	require.NoError(t, err)
	_, err = svc.ResolveChallenge(ctx, p.ID, ResolutionRequest{
		RequestID:      "req-1",
		AdditionalData: map[string]any{"justification": "ok"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, "issued"))
	assert.Equal(t, 1.0, counterValue(t, "resolved"))
}

func counterValue(t *testing.T, result string) float64 {
	t.Helper()
	c, err := metrics.ChallengesTotal.GetMetricWithLabelValues(result)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}
