// Package ledgersim is an in-process stand-in for the TLedger payment
// service. Integration tests, examples, and the MCP server run against it
// during development instead of a real ledger.
//
// Behaviour knobs mirror the real service's observable semantics:
//   - payment creation is idempotent on request_id (replays return the
//     original record)
//   - a pending payment confirms after a configurable number of status
//     reads, simulating eventual settlement
//   - an amount above the sending agent's daily limit is challenged and
//     must be resolved with the required fields before it can settle
//   - an unresolved challenge expires after a TTL and fails the payment
package ledgersim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/tledger/tpay-go/internal/idgen"
	"github.com/tledger/tpay-go/internal/metrics"
	"github.com/tledger/tpay-go/internal/pagination"
)

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrBalanceNotFound   = errors.New("balance not found")
	ErrNotChallenged     = errors.New("payment is not challenged")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrRequestIDMismatch = errors.New("request_id does not match the original payment intent")
	// ErrDuplicateRequestID is a store-level insert conflict; the service
	// turns it into an idempotent replay.
	ErrDuplicateRequestID = errors.New("request_id already recorded")
	ErrInvalidAmount     = errors.New("payment_amount must be a positive decimal")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Status is a payment lifecycle state. Confirmed, rejected, and failed are
// terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusRejected   Status = "rejected"
	StatusChallenged Status = "challenged"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if no further transition can occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Challenge asks the sender for more data before settlement.
type Challenge struct {
	Reason         string    `json:"reason"`
	RequiredFields []string  `json:"required_fields"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Payment is the ledger's record of one payment intent.
type Payment struct {
	ID                string         `json:"id"`
	RequestID         string         `json:"request_id"`
	SendingAgentID    string         `json:"sending_agent_id"`
	ReceivingAgentID  string         `json:"receiving_agent_id"`
	Amount            string         `json:"payment_amount"`
	Currency          string         `json:"currency"`
	SettlementNetwork string         `json:"settlement_network"`
	Status            Status         `json:"status"`
	Challenge         *Challenge     `json:"challenge,omitempty"`
	TraceContext      map[string]any `json:"trace_context,omitempty"`
	PollCount         int            `json:"-"` // reads since last pending transition
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Agent is a registered spending profile.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ProjectID   string    `json:"project_id"`
	DailyLimit  string    `json:"agent_daily_limit"`
	AgentType   string    `json:"agent_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Balance is one agent's holding on one network/asset pair.
type Balance struct {
	AgentID   string    `json:"agent_id"`
	Network   string    `json:"network"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	AmountUSD string    `json:"amount_usd"`
	AsOf      time.Time `json:"as_of"`
}

// CreatePaymentRequest is the wire input to POST /payments.
type CreatePaymentRequest struct {
	RequestID         string         `json:"request_id"`
	SendingAgentID    string         `json:"sending_agent_id" binding:"required"`
	ReceivingAgentID  string         `json:"receiving_agent_id" binding:"required"`
	Amount            string         `json:"payment_amount" binding:"required"`
	Currency          string         `json:"currency" binding:"required"`
	SettlementNetwork string         `json:"settlement_network"`
	TraceContext      map[string]any `json:"trace_context"`
}

// ResolutionRequest is the wire input to POST /payments/:id/resolution.
type ResolutionRequest struct {
	RequestID      string         `json:"request_id" binding:"required"`
	AdditionalData map[string]any `json:"additional_data"`
}

// CreateAgentRequest is the wire input to POST /agent_profiles.
type CreateAgentRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	ProjectID   string `json:"project_id"`
	DailyLimit  string `json:"agent_daily_limit"`
	AgentType   string `json:"agent_type"`
}

// ListFilter narrows and pages a payment listing.
type ListFilter struct {
	AgentID string
	Status  Status
	Limit   int // store fetches Limit+1 to compute has_more
	Cursor  *pagination.Cursor
}

// MissingFieldsError re-challenges a resolution that lacks required data.
type MissingFieldsError struct {
	Challenge *Challenge
	Missing   []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("resolution is missing required fields: %v", e.Missing)
}

// Options tunes Service behaviour.
type Options struct {
	// ConfirmAfterPolls is how many reads of a pending payment happen
	// before it flips to confirmed. Zero confirms on the first read.
	ConfirmAfterPolls int

	// ChallengeTTL is the resolution window for issued challenges.
	ChallengeTTL time.Duration

	// DefaultDailyLimit applies to senders without an agent profile.
	DefaultDailyLimit string
}

// Service implements the simulated ledger's business rules over a Store.
type Service struct {
	store  Store
	feed   *Feed // nil when the event feed is disabled
	logger *slog.Logger
	opts   Options

	locks sync.Map // per-payment ID locks for read-modify-write cycles

	// now is replaceable in tests.
	now func() time.Time
}

// NewService creates a simulator service.
func NewService(store Store, feed *Feed, logger *slog.Logger, opts Options) *Service {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	if opts.DefaultDailyLimit == "" {
		opts.DefaultDailyLimit = "1000"
	}
	return &Service{
		store:  store,
		feed:   feed,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

func (s *Service) lock(paymentID string) func() {
	mu, _ := s.locks.LoadOrStore(paymentID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// CreatePayment records a new payment intent, or replays the existing
// record when the request_id was seen before. The returned bool is false
// on replay.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, bool, error) {
	if req.SendingAgentID == "" || req.ReceivingAgentID == "" || req.Currency == "" {
		return nil, false, fmt.Errorf("%w: sender, receiver, and currency are required", ErrInvalidRequest)
	}
	amount, ok := parseAmount(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if req.SettlementNetwork == "" {
		req.SettlementNetwork = "solana"
	}
	if req.RequestID == "" {
		req.RequestID = idgen.WithPrefix("req_")
	}

	// Serialize creates on the request_id so concurrent submissions of the
	// same intent cannot both pass the replay check.
	unlock := s.lock("req:" + req.RequestID)
	defer unlock()

	// Idempotent replay: the same logical intent maps to the same record
	// no matter how many times the client re-submits it.
	if existing, err := s.store.GetPaymentByRequestID(ctx, req.RequestID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, false, err
	}

	now := s.now().UTC()
	p := &Payment{
		ID:                idgen.WithPrefix("pay_"),
		RequestID:         req.RequestID,
		SendingAgentID:    req.SendingAgentID,
		ReceivingAgentID:  req.ReceivingAgentID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		SettlementNetwork: req.SettlementNetwork,
		Status:            StatusPending,
		TraceContext:      req.TraceContext,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	limit := s.dailyLimit(ctx, req.SendingAgentID)
	if limitRat, ok := parseAmount(limit); ok && amount.Cmp(limitRat) > 0 {
		p.Status = StatusChallenged
		p.Challenge = &Challenge{
			Reason:         fmt.Sprintf("amount %s exceeds the sender's daily limit of %s", req.Amount, limit),
			RequiredFields: []string{"justification"},
			ExpiresAt:      now.Add(s.opts.ChallengeTTL),
		}
		metrics.ChallengesTotal.WithLabelValues("issued").Inc()
	}

	if err := s.store.CreatePayment(ctx, p); err != nil {
		// Another writer (a second simulator instance on the same database)
		// recorded this request_id first; replay its record.
		if errors.Is(err, ErrDuplicateRequestID) {
			existing, getErr := s.store.GetPaymentByRequestID(ctx, req.RequestID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(p.Status)).Inc()
	s.broadcast(p.ID, "", p.Status)
	return p, true, nil
}

// GetPayment returns the payment's current state. Reading a pending
// payment counts towards settlement: after ConfirmAfterPolls reads it
// confirms and the transfer is applied. Reading an expired challenge
// fails the payment.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	unlock := s.lock(id)
	defer unlock()

	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusPending:
		p.PollCount++
		if p.PollCount >= s.opts.ConfirmAfterPolls {
			return p, s.confirm(ctx, p)
		}
		p.UpdatedAt = s.now().UTC()
		return p, s.store.UpdatePayment(ctx, p)

	case StatusChallenged:
		if p.Challenge != nil && s.now().After(p.Challenge.ExpiresAt) {
			return p, s.failExpired(ctx, p)
		}
	}
	return p, nil
}

// ResolveChallenge accepts enriched data for a challenged payment and, if
// the required fields are present, moves it back to pending under the
// original request_id.
func (s *Service) ResolveChallenge(ctx context.Context, id string, req ResolutionRequest) (*Payment, error) {
	unlock := s.lock(id)
	defer unlock()

	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusChallenged || p.Challenge == nil {
		return nil, ErrNotChallenged
	}
	if s.now().After(p.Challenge.ExpiresAt) {
		if err := s.failExpired(ctx, p); err != nil {
			return nil, err
		}
		return nil, ErrChallengeExpired
	}
	if req.RequestID != p.RequestID {
		return nil, ErrRequestIDMismatch
	}

	var missing []string
	for _, field := range p.Challenge.RequiredFields {
		if v, ok := req.AdditionalData[field]; !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingFieldsError{Challenge: p.Challenge, Missing: missing}
	}

	if p.TraceContext == nil {
		p.TraceContext = make(map[string]any)
	}
	for k, v := range req.AdditionalData {
		p.TraceContext[k] = v
	}

	from := p.Status
	p.Status = StatusPending
	p.Challenge = nil
	p.PollCount = 0
	p.UpdatedAt = s.now().UTC()
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	metrics.ChallengesTotal.WithLabelValues("resolved").Inc()
	metrics.PaymentsTotal.WithLabelValues(string(p.Status)).Inc()
	s.broadcast(p.ID, from, p.Status)
	return p, nil
}

// ListPayments returns one page of payments, newest first.
func (s *Service) ListPayments(ctx context.Context, filter ListFilter) ([]*Payment, string, bool, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	items, err := s.store.ListPayments(ctx, filter)
	if err != nil {
		return nil, "", false, err
	}
	page, next, hasMore := pagination.ComputePage(items, filter.Limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return page, next, hasMore, nil
}

// CreateAgent registers a spending profile and opens an empty default
// holding so balance queries for the agent resolve.
func (s *Service) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if req.DailyLimit == "" {
		req.DailyLimit = s.opts.DefaultDailyLimit
	} else if amt, ok := parseAmount(req.DailyLimit); !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: agent_daily_limit must be a positive decimal", ErrInvalidRequest)
	}
	if req.AgentType == "" {
		req.AgentType = "autonomous_agent"
	}

	now := s.now().UTC()
	a := &Agent{
		ID:          idgen.WithPrefix("agt_"),
		Name:        req.Name,
		Description: req.Description,
		ProjectID:   req.ProjectID,
		DailyLimit:  req.DailyLimit,
		AgentType:   req.AgentType,
		CreatedAt:   now,
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	seed := &Balance{AgentID: a.ID, Network: "solana", Asset: "USDT", Amount: "0", AmountUSD: "0", AsOf: now}
	if err := s.store.UpsertBalance(ctx, seed); err != nil {
		return nil, err
	}
	return a, nil
}

// GetBalance returns a fresh snapshot of one holding, or the agent's
// default holding when network and asset are empty.
func (s *Service) GetBalance(ctx context.Context, agentID, network, asset string) (*Balance, error) {
	if network == "" {
		return s.store.AnyBalance(ctx, agentID)
	}
	return s.store.GetBalance(ctx, agentID, network, asset)
}

// IngestTrace appends one audit trace record. Records are opaque to the
// simulator; it stores whatever the SDK sent.
func (s *Service) IngestTrace(ctx context.Context, rec map[string]any) error {
	return s.store.AppendTrace(ctx, rec)
}

// ListTraces returns the most recent trace records, for inspection.
func (s *Service) ListTraces(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListTraces(ctx, limit)
}

// ExpireChallenges fails every challenged payment whose window closed
// before now. Returns how many payments were failed.
func (s *Service) ExpireChallenges(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.ListExpiredChallenges(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range expired {
		unlock := s.lock(p.ID)
		cur, err := s.store.GetPayment(ctx, p.ID)
		if err == nil && cur.Status == StatusChallenged {
			if err := s.failExpired(ctx, cur); err == nil {
				n++
			}
		}
		unlock()
	}
	return n, nil
}

// confirm settles a pending payment: transfer applied, status terminal.
func (s *Service) confirm(ctx context.Context, p *Payment) error {
	if err := s.applyTransfer(ctx, p); err != nil {
		return err
	}
	from := p.Status
	p.Status = StatusConfirmed
	p.UpdatedAt = s.now().UTC()
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return err
	}
	metrics.PaymentsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	s.broadcast(p.ID, from, p.Status)
	s.logger.Debug("payment confirmed", "payment_id", p.ID, "amount", p.Amount, "currency", p.Currency)
	return nil
}

func (s *Service) failExpired(ctx context.Context, p *Payment) error {
	from := p.Status
	p.Status = StatusFailed
	p.UpdatedAt = s.now().UTC()
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		return err
	}
	metrics.ChallengesTotal.WithLabelValues("expired").Inc()
	metrics.PaymentsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.broadcast(p.ID, from, p.Status)
	s.logger.Info("challenge expired, payment failed", "payment_id", p.ID)
	return nil
}

// applyTransfer moves the amount between the two agents' holdings. The
// simulator allows the sender to go negative; it models settlement flow,
// not solvency.
func (s *Service) applyTransfer(ctx context.Context, p *Payment) error {
	now := s.now().UTC()
	if err := s.adjustBalance(ctx, p.SendingAgentID, p.SettlementNetwork, p.Currency, "-"+p.Amount, now); err != nil {
		return err
	}
	return s.adjustBalance(ctx, p.ReceivingAgentID, p.SettlementNetwork, p.Currency, p.Amount, now)
}

func (s *Service) adjustBalance(ctx context.Context, agentID, network, asset, delta string, now time.Time) error {
	current := "0"
	if b, err := s.store.GetBalance(ctx, agentID, network, asset); err == nil {
		current = b.Amount
	} else if !errors.Is(err, ErrBalanceNotFound) {
		return err
	}
	total, err := addAmounts(current, delta)
	if err != nil {
		return err
	}
	// Flat 1:1 USD valuation; the simulator does no currency conversion.
	return s.store.UpsertBalance(ctx, &Balance{
		AgentID:   agentID,
		Network:   network,
		Asset:     asset,
		Amount:    total,
		AmountUSD: total,
		AsOf:      now,
	})
}

func (s *Service) dailyLimit(ctx context.Context, agentID string) string {
	if a, err := s.store.GetAgent(ctx, agentID); err == nil && a.DailyLimit != "" {
		return a.DailyLimit
	}
	return s.opts.DefaultDailyLimit
}

func (s *Service) broadcast(paymentID string, from, to Status) {
	if s.feed == nil {
		return
	}
	s.feed.Broadcast(Event{PaymentID: paymentID, From: from, To: to, At: s.now().UTC()})
}

func parseAmount(s string) (*big.Rat, bool) {
	if s == "" {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(s)
	return r, ok
}

// addAmounts sums two decimal strings with six fractional digits, matching
// the NUMERIC(20,6) columns of the postgres store.
func addAmounts(a, b string) (string, error) {
	ra, ok := parseAmount(a)
	if !ok {
		return "", fmt.Errorf("bad decimal %q", a)
	}
	rb, ok := parseAmount(b)
	if !ok {
		return "", fmt.Errorf("bad decimal %q", b)
	}
	return new(big.Rat).Add(ra, rb).FloatString(6), nil
}
