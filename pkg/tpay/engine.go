package tpay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tledger/tpay-go/internal/metrics"
	"github.com/tledger/tpay-go/internal/retry"
	"github.com/tledger/tpay-go/internal/syncutil"
	"github.com/tledger/tpay-go/internal/traces"
	"github.com/tledger/tpay-go/internal/transport"
)

// doer is the slice of transport.Client the engine uses.
type doer interface {
	Do(ctx context.Context, method, path string, query url.Values, body any) (*transport.Response, error)
}

// call describes one ledger request the engine may repeat.
type call struct {
	op     string // metric label and error context, e.g. "create_payment"
	method string
	path   string
	query  url.Values
	body   any

	// key is the idempotency key of the logical intent. Retries of the same
	// key never run concurrently; an empty key skips the gate (reads).
	key string
}

// engine executes ledger calls with bounded retries for transient failures.
// The classification contract: 5xx and connection-level failures are
// retryable, a 409 carrying a challenge is surfaced as KindChallenged,
// every other 4xx is fatal. Challenged and fatal outcomes are never retried
// here; escalation belongs to the caller.
type engine struct {
	tr          doer
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
	inflight    *syncutil.ContextShardedMutex
}

func newEngine(tr doer, maxAttempts int, backoffBase time.Duration, logger *slog.Logger) *engine {
	return &engine{
		tr:          tr,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      logger,
		inflight:    syncutil.NewContextShardedMutex(),
	}
}

// apiEnvelope is how the ledger reports a failure.
type apiEnvelope struct {
	Error     string     `json:"error"`
	Message   string     `json:"message"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

// execute runs one logical call to completion: success body, a classified
// *Error, or ctx's error if cancelled while waiting. The same request is
// re-sent verbatim on every attempt so the server can de-duplicate by key.
func (e *engine) execute(ctx context.Context, c call) (json.RawMessage, error) {
	if c.key != "" {
		unlock, err := e.inflight.LockContext(ctx, c.key)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	var out json.RawMessage
	err := retry.Do(ctx, e.maxAttempts, e.backoffBase, func(attempt int) error {
		if attempt > 1 {
			trace.SpanFromContext(ctx).SetAttributes(traces.Attempt(attempt))
		}
		resp, err := e.tr.Do(ctx, c.method, c.path, c.query, c.body)
		if err != nil {
			kind := KindNetwork
			var terr *transport.Error
			if errors.As(err, &terr) && terr.Timeout {
				kind = KindTimeout
			}
			metrics.DispatchAttemptsTotal.WithLabelValues(c.op, "retryable").Inc()
			e.logger.Debug("attempt failed", "op", c.op, "attempt", attempt, "error", err)
			return wrapError(kind, err, "%s failed", c.op)
		}

		if resp.StatusCode < 300 {
			out = resp.Body
			metrics.DispatchAttemptsTotal.WithLabelValues(c.op, "success").Inc()
			return nil
		}

		apiErr := classifyResponse(c.op, resp)
		if resp.StatusCode >= 500 {
			metrics.DispatchAttemptsTotal.WithLabelValues(c.op, "retryable").Inc()
			e.logger.Debug("attempt failed", "op", c.op, "attempt", attempt, "status", resp.StatusCode)
			return apiErr
		}
		if apiErr.Kind == KindChallenged {
			metrics.DispatchAttemptsTotal.WithLabelValues(c.op, "challenged").Inc()
		} else {
			metrics.DispatchAttemptsTotal.WithLabelValues(c.op, "fatal").Inc()
		}
		return retry.Permanent(apiErr)
	})
	if err == nil {
		return out, nil
	}

	// A retryable error surviving retry.Do means the budget ran out.
	var te *Error
	if errors.As(err, &te) && retryableKind(te) {
		metrics.RetriesExhaustedTotal.Inc()
		return nil, &Error{
			Kind:    KindRetriesExhausted,
			Message: te.Message,
			Status:  te.Status,
			Err:     te,
		}
	}
	return nil, err
}

// executeInto is execute plus decoding the success body into out.
func (e *engine) executeInto(ctx context.Context, c call, out any) error {
	raw, err := e.execute(ctx, c)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return wrapError(KindAPI, err, "%s: malformed response body", c.op)
	}
	return nil
}

// classifyResponse maps a non-2xx ledger response to an *Error.
func classifyResponse(op string, resp *transport.Response) *Error {
	var env apiEnvelope
	_ = json.Unmarshal(resp.Body, &env)
	msg := env.Message
	if msg == "" {
		msg = env.Error
	}
	if msg == "" {
		msg = op + " failed"
	}

	var kind Kind
	switch {
	case resp.StatusCode >= 500:
		kind = KindAPI
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		kind = KindAuth
	case resp.StatusCode == 404:
		kind = KindNotFound
	case resp.StatusCode == 409 && env.Challenge != nil:
		kind = KindChallenged
	default:
		kind = KindAPI
	}

	err := &Error{Kind: kind, Message: msg, Status: resp.StatusCode}
	if kind == KindChallenged {
		err.Challenge = env.Challenge
	}
	return err
}

// retryableKind reports whether te represents a transient failure: a
// connection-level error or a server-side 5xx.
func retryableKind(te *Error) bool {
	switch te.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindAPI:
		return te.Status >= 500
	}
	return false
}
