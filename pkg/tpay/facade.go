package tpay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tledger/tpay-go/internal/idgen"
	"github.com/tledger/tpay-go/internal/traces"
)

// The exported Client methods are the tracked operations: each one wraps
// its lifecycle counterpart with audit capture. The wrapper opens a fresh
// correlation ID, invokes the operation, and hands exactly one TraceRecord
// to the emitter regardless of outcome. Emission is fire-and-forget and
// never alters the wrapped call's result, error, or latency beyond the
// record's construction.

// CreatePayment submits a new payment intent and returns the ledger's
// record, normally in status created or pending. The idempotency key in
// req.RequestID (generated when empty) is reused on every transient-failure
// retry, so repeated submission yields a single ledger record.
func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	return traced(c, ctx, "create_payment", map[string]any{
		"sending_agent_id":   req.SendingAgentID,
		"receiving_agent_id": req.ReceivingAgentID,
		"payment_amount":     req.Amount,
		"currency":           req.Currency,
		"settlement_network": req.SettlementNetwork,
	}, []attribute.KeyValue{
		traces.AgentID(req.SendingAgentID),
		traces.Amount(req.Amount),
		traces.Network(req.SettlementNetwork),
	}, func(ctx context.Context) (*Payment, error) {
		return c.createPayment(ctx, req)
	})
}

// GetPayment fetches the current state of a payment. Reads are wrapped by
// the retry engine for transient failures but are never retried on a
// challenge; a stale read never regresses the status this client has
// already observed.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return traced(c, ctx, "get_payment", map[string]any{
		"payment_id": id,
	}, []attribute.KeyValue{
		traces.PaymentID(id),
	}, func(ctx context.Context) (*Payment, error) {
		return c.getPayment(ctx, id)
	})
}

// PollUntilTerminal waits for the payment to reach a terminal status,
// querying at opts.Interval for at most opts.MaxWait. It returns the
// payment alongside a KindChallenged error when the ledger asks for more
// data, and a KindPollTimeout error when the wait elapses; in the latter
// case the payment is untouched and polling may resume later.
func (c *Client) PollUntilTerminal(ctx context.Context, id string, opts PollOptions) (*Payment, error) {
	return traced(c, ctx, "poll_until_terminal", map[string]any{
		"payment_id": id,
	}, []attribute.KeyValue{
		traces.PaymentID(id),
	}, func(ctx context.Context) (*Payment, error) {
		return c.pollUntilTerminal(ctx, id, opts)
	})
}

// ResolveChallenge answers a settlement challenge with enriched data. The
// resolution is submitted under the payment's original idempotency key and
// moves the payment back to pending. An expired challenge fails with
// KindChallengeExpired and the payment is treated as failed.
func (c *Client) ResolveChallenge(ctx context.Context, paymentID string, ch *Challenge, enriched map[string]any) (*Payment, error) {
	return traced(c, ctx, "resolve_challenge", map[string]any{
		"payment_id": paymentID,
	}, []attribute.KeyValue{
		traces.PaymentID(paymentID),
	}, func(ctx context.Context) (*Payment, error) {
		return c.resolveChallenge(ctx, paymentID, ch, enriched)
	})
}

// GetBalance fetches a fresh snapshot of an agent's holdings. Balances are
// never cached; a missing agent or asset record fails with KindNotFound.
func (c *Client) GetBalance(ctx context.Context, agentID string, opts BalanceOptions) (*Balance, error) {
	return traced(c, ctx, "get_balance", map[string]any{
		"agent_id": agentID,
		"network":  opts.Network,
		"asset":    opts.Asset,
	}, []attribute.KeyValue{
		traces.AgentID(agentID),
		traces.Network(opts.Network),
		traces.Asset(opts.Asset),
	}, func(ctx context.Context) (*Balance, error) {
		return c.getBalance(ctx, agentID, opts)
	})
}

// CreateAgent registers a spending profile with the ledger.
func (c *Client) CreateAgent(ctx context.Context, req AgentRequest) (*Agent, error) {
	return traced(c, ctx, "create_agent", map[string]any{
		"name":              req.Name,
		"agent_daily_limit": req.DailyLimit,
		"agent_type":        req.AgentType,
	}, nil, func(ctx context.Context) (*Agent, error) {
		return c.createAgent(ctx, req)
	})
}

// ListPayments returns one page of payments matching opts. Pass the
// returned NextCursor back in to fetch the following page.
func (c *Client) ListPayments(ctx context.Context, opts ListOptions) (*PaymentPage, error) {
	return traced(c, ctx, "list_payments", map[string]any{
		"agent_id": opts.AgentID,
		"status":   string(opts.Status),
	}, []attribute.KeyValue{
		traces.AgentID(opts.AgentID),
	}, func(ctx context.Context) (*PaymentPage, error) {
		return c.listPayments(ctx, opts)
	})
}

// traced runs fn under audit capture and an OTel span carrying attrs.
// Exactly one TraceRecord is emitted per invocation, panics included; the
// record is complete before emission and never mutated afterwards.
func traced[T any](c *Client, ctx context.Context, op string, args map[string]any, attrs []attribute.KeyValue, fn func(context.Context) (T, error)) (T, error) {
	corr := idgen.WithPrefix("trc_")
	start := time.Now()
	rec := &TraceRecord{
		Operation:     op,
		Arguments:     redactArgs(args),
		CorrelationID: corr,
		StartedAt:     start.UTC(),
	}

	ctx, span := traces.StartSpan(ctx, "tpay."+op, append(attrs, traces.RequestID(corr))...)
	defer span.End()

	emitted := false
	emit := func(outcome, errMsg string) {
		if emitted {
			return
		}
		emitted = true
		rec.DurationMS = time.Since(start).Milliseconds()
		rec.Outcome = outcome
		rec.Error = errMsg
		c.audit.Emit(rec)
	}
	defer func() {
		if p := recover(); p != nil {
			emit("failure", fmt.Sprintf("panic: %v", p))
			panic(p)
		}
	}()

	out, err := fn(ctx)
	if err != nil {
		var te *Error
		if errors.As(err, &te) && te.CorrelationID == "" {
			te.CorrelationID = corr
		}
		emit("failure", err.Error())
		return out, err
	}
	emit("success", "")
	return out, nil
}

// redactArgs copies args with secret-bearing values masked and empty
// values dropped. The copy keeps the TraceRecord immutable even if the
// caller reuses the argument map.
func redactArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if secretArg(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func secretArg(key string) bool {
	k := strings.ToLower(key)
	switch k {
	case "api_key", "api_secret", "authorization", "token":
		return true
	}
	return strings.Contains(k, "secret")
}
