// Package tpay is a Go SDK for the TLedger payment service. It submits
// payment requests with idempotent retries, tracks them to a terminal
// status, resolves settlement challenges, and captures an audit trace of
// every tracked call. Every operation has a blocking form on Client and a
// non-blocking form on AsyncClient with identical semantics.
package tpay

import (
	"math/big"
	"time"
)

// Status is a payment lifecycle state as reported by the ledger.
type Status string

const (
	StatusCreated    Status = "created"
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusRejected   Status = "rejected"
	StatusChallenged Status = "challenged"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// rank orders statuses so a stale read can be recognized. Terminal states
// share the top rank; challenged sits above pending because a challenge is
// issued after settlement was attempted.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusPending:
		return 1
	case StatusChallenged:
		return 2
	case StatusConfirmed, StatusRejected, StatusFailed:
		return 3
	}
	return -1
}

// Payment is the ledger's record of one payment intent.
type Payment struct {
	ID                string         `json:"id"`
	RequestID         string         `json:"request_id,omitempty"`
	SendingAgentID    string         `json:"sending_agent_id"`
	ReceivingAgentID  string         `json:"receiving_agent_id"`
	Amount            string         `json:"payment_amount"`
	Currency          string         `json:"currency"`
	SettlementNetwork string         `json:"settlement_network"`
	Status            Status         `json:"status"`
	Challenge         *Challenge     `json:"challenge,omitempty"`
	TraceContext      map[string]any `json:"trace_context,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Challenge is the ledger's request for more data before it will settle a
// payment. It is consumed by ResolveChallenge and discarded afterwards.
type Challenge struct {
	Reason         string    `json:"reason"`
	RequiredFields []string  `json:"required_fields"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the resolution window has closed.
func (c *Challenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Balance is a point-in-time snapshot of an agent's holdings. Snapshots are
// always fetched fresh; the SDK never caches them.
type Balance struct {
	AgentID   string    `json:"agent_id"`
	Network   string    `json:"network"`
	Asset     string    `json:"asset"`
	Amount    string    `json:"amount"`
	AmountUSD string    `json:"amount_usd"`
	AsOf      time.Time `json:"as_of"`
}

// Agent is a spending profile registered with the ledger.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ProjectID   string    `json:"project_id"`
	DailyLimit  string    `json:"agent_daily_limit"`
	AgentType   string    `json:"agent_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// PaymentRequest is the caller's input to CreatePayment.
type PaymentRequest struct {
	// RequestID is the idempotency key for this payment intent. Generated
	// when empty; reused verbatim on every retry and on challenge
	// resolution, so one intent yields at most one ledger record.
	RequestID string

	SendingAgentID    string
	ReceivingAgentID  string
	Amount            string // positive decimal, e.g. "10" or "0.25"
	Currency          string // e.g. "USDT", "XRP"
	SettlementNetwork string // defaults to "solana"

	// TraceContext is opaque caller state attached to the payment record.
	// The ledger stores it; it is also the payload enriched during
	// challenge resolution.
	TraceContext map[string]any
}

// AgentRequest is the caller's input to CreateAgent.
type AgentRequest struct {
	Name        string
	Description string
	DailyLimit  string // positive decimal; ledger default applies when empty
	AgentType   string // defaults to "autonomous_agent"
}

// PaymentPage is one page of a payment listing.
type PaymentPage struct {
	Payments   []Payment `json:"payments"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// TraceRecord describes one tracked SDK invocation. Records are built after
// the wrapped call completes and never mutated afterwards.
type TraceRecord struct {
	Operation     string         `json:"operation_name"`
	Arguments     map[string]any `json:"arguments"`
	CorrelationID string         `json:"correlation_id"`
	StartedAt     time.Time      `json:"started_at"`
	DurationMS    int64          `json:"duration_ms"`
	Outcome       string         `json:"outcome"` // "success" or "failure"
	Error         string         `json:"error,omitempty"`
}

// DefaultSettlementNetwork is applied when a PaymentRequest leaves the
// network empty.
const DefaultSettlementNetwork = "solana"

// validateAmount checks that s parses as a decimal strictly greater than zero.
func validateAmount(s string) error {
	if s == "" {
		return newError(KindValidation, "amount is required")
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return newError(KindValidation, "amount %q is not a decimal", s)
	}
	if r.Sign() <= 0 {
		return newError(KindValidation, "amount must be positive, got %q", s)
	}
	return nil
}
