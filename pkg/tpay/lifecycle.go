package tpay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tledger/tpay-go/internal/metrics"
	"github.com/tledger/tpay-go/internal/traces"
)

// The lifecycle controller: drives a payment from creation through polling
// to a terminal status, escalating challenges to the caller. These are the
// unexported workhorses; the exported Client methods wrap them with audit
// capture, and AsyncClient schedules those same wrappers on goroutines, so
// both execution models emit byte-identical request sequences.

// PollOptions tunes PollUntilTerminal. Zero values take the client defaults
// (2s interval, 60s max wait).
type PollOptions struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// BalanceOptions narrows GetBalance to one network/asset pair. Both fields
// must be set together; leaving both empty returns the agent's default
// holding.
type BalanceOptions struct {
	Network string
	Asset   string
}

// ListOptions filters and pages ListPayments.
type ListOptions struct {
	AgentID string // either side of the payment
	Status  Status
	Limit   int // server default when <= 0
	Cursor  string
}

func (c *Client) createPayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	if req.SendingAgentID == "" || req.ReceivingAgentID == "" {
		return nil, newError(KindValidation, "sending and receiving agent IDs are required")
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		return nil, newError(KindValidation, "currency is required")
	}
	network := req.SettlementNetwork
	if network == "" {
		network = DefaultSettlementNetwork
	}

	rid := req.RequestID
	if rid == "" {
		rid = uuid.NewString()
	}

	body := map[string]any{
		"request_id":         rid,
		"sending_agent_id":   req.SendingAgentID,
		"receiving_agent_id": req.ReceivingAgentID,
		"payment_amount":     req.Amount,
		"currency":           req.Currency,
		"settlement_network": network,
	}
	if req.TraceContext != nil {
		body["trace_context"] = req.TraceContext
	}

	var p Payment
	err := c.engine.executeInto(ctx, call{
		op:     "create_payment",
		method: http.MethodPost,
		path:   "/payments",
		body:   body,
		key:    rid,
	}, &p)
	if err != nil {
		return nil, err
	}
	if p.RequestID == "" {
		p.RequestID = rid
	}
	c.view.observe(&p)
	return &p, nil
}

func (c *Client) getPayment(ctx context.Context, id string) (*Payment, error) {
	if id == "" {
		return nil, newError(KindValidation, "payment ID is required")
	}
	var p Payment
	err := c.engine.executeInto(ctx, call{
		op:     "get_payment",
		method: http.MethodGet,
		path:   "/payments/" + url.PathEscape(id),
	}, &p)
	if err != nil {
		return nil, err
	}
	if c.view.observe(&p) {
		c.logger.Debug("stale payment status ignored", "payment_id", p.ID)
	}
	return &p, nil
}

// pollUntilTerminal queries the payment on every tick until its status is
// terminal. Each tick is a fresh engine-wrapped read. A challenged status
// stops the poll early: waiting out a challenge can only end in expiry, so
// the caller gets the challenge to act on instead. On maxWait elapsing the
// error is KindPollTimeout and the same payment ID can be polled again.
func (c *Client) pollUntilTerminal(ctx context.Context, id string, opts PollOptions) (*Payment, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = c.cfg.PollMaxWait
	}

	start := time.Now()
	deadline := start.Add(maxWait)

	for {
		p, err := c.getPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status.Terminal() {
			metrics.PollDuration.Observe(time.Since(start).Seconds())
			trace.SpanFromContext(ctx).SetAttributes(traces.Status(string(p.Status)))
			return p, nil
		}
		if p.Status == StatusChallenged {
			return p, &Error{
				Kind:      KindChallenged,
				Message:   fmt.Sprintf("payment %s challenged: settlement needs more data", id),
				Challenge: p.Challenge,
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return p, &Error{
				Kind:    KindPollTimeout,
				Message: fmt.Sprintf("payment %s not terminal after %s; poll again to resume", id, maxWait),
			}
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// resolveChallenge re-submits a challenged payment with enriched data under
// the original idempotency key: a challenge resolution is not a new intent.
// An expired challenge fails the payment instead; no automated resolution
// is attempted past the window.
func (c *Client) resolveChallenge(ctx context.Context, paymentID string, ch *Challenge, enriched map[string]any) (*Payment, error) {
	if paymentID == "" {
		return nil, newError(KindValidation, "payment ID is required")
	}
	if ch == nil {
		return nil, newError(KindValidation, "challenge is required")
	}
	if ch.Expired(time.Now()) {
		c.view.markFailed(paymentID)
		metrics.ChallengesTotal.WithLabelValues("expired").Inc()
		return nil, &Error{
			Kind:    KindChallengeExpired,
			Message: fmt.Sprintf("challenge for payment %s expired at %s", paymentID, ch.ExpiresAt.Format(time.RFC3339)),
		}
	}

	rid := c.view.requestID(paymentID)
	if rid == "" {
		// Payment created elsewhere; recover its key from the ledger.
		p, err := c.getPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		rid = p.RequestID
		if rid == "" {
			return nil, newError(KindAPI, "ledger record for %s carries no request ID; cannot resolve", paymentID)
		}
	}

	var p Payment
	err := c.engine.executeInto(ctx, call{
		op:     "resolve_challenge",
		method: http.MethodPost,
		path:   "/payments/" + url.PathEscape(paymentID) + "/resolution",
		body: map[string]any{
			"request_id":      rid,
			"additional_data": enriched,
		},
		key: rid,
	}, &p)
	if err != nil {
		return nil, err
	}
	metrics.ChallengesTotal.WithLabelValues("resolved").Inc()
	c.view.resolved(paymentID)
	if p.RequestID == "" {
		p.RequestID = rid
	}
	c.view.observe(&p)
	return &p, nil
}

func (c *Client) getBalance(ctx context.Context, agentID string, opts BalanceOptions) (*Balance, error) {
	if agentID == "" {
		return nil, newError(KindValidation, "agent ID is required")
	}
	if (opts.Network == "") != (opts.Asset == "") {
		return nil, newError(KindValidation, "network and asset must be given together")
	}

	path := "/balances/agent/" + url.PathEscape(agentID)
	if opts.Network != "" {
		path += "/" + url.PathEscape(opts.Network) + "/" + url.PathEscape(opts.Asset)
	}

	var b Balance
	err := c.engine.executeInto(ctx, call{
		op:     "get_balance",
		method: http.MethodGet,
		path:   path,
	}, &b)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) createAgent(ctx context.Context, req AgentRequest) (*Agent, error) {
	if req.Name == "" {
		return nil, newError(KindValidation, "agent name is required")
	}
	if req.DailyLimit != "" {
		if err := validateAmount(req.DailyLimit); err != nil {
			return nil, err
		}
	}
	agentType := req.AgentType
	if agentType == "" {
		agentType = "autonomous_agent"
	}

	var a Agent
	err := c.engine.executeInto(ctx, call{
		op:     "create_agent",
		method: http.MethodPost,
		path:   "/agent_profiles",
		body: map[string]any{
			"name":              req.Name,
			"description":       req.Description,
			"project_id":        c.cfg.ProjectID,
			"agent_daily_limit": req.DailyLimit,
			"agent_type":        agentType,
		},
	}, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) listPayments(ctx context.Context, opts ListOptions) (*PaymentPage, error) {
	q := url.Values{}
	if opts.AgentID != "" {
		q.Set("agent_id", opts.AgentID)
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}

	var page PaymentPage
	err := c.engine.executeInto(ctx, call{
		op:     "list_payments",
		method: http.MethodGet,
		path:   "/payments",
		query:  q,
	}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}
