package tpay

import (
	"context"
	"errors"
)

// ErrNotReady is returned by Future.Result before the future resolves.
var ErrNotReady = errors.New("tpay: future not resolved yet")

// Future is the pending result of a non-blocking operation.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed when the result is available, so futures compose with
// select alongside other channels.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx is done. Abandoning the
// wait does not cancel the operation; cancel the submission context for
// that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the resolved value, or ErrNotReady if Done has not closed.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		var zero T
		return zero, ErrNotReady
	}
}

// schedule runs fn on its own goroutine and resolves the returned future.
func schedule[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// AsyncClient is the non-blocking face of a Client. Every method schedules
// the corresponding blocking operation on its own goroutine and returns a
// Future, so many payments and balance queries can be in flight at once:
// one operation's backoff sleep never delays another's progress. Both faces
// run the identical controller code against the shared transport pool, so
// request sequences and state transitions match the blocking form exactly.
//
// The ctx given at submission governs the whole operation; cancelling it
// between retry attempts or mid-backoff abandons the pending attempt.
type AsyncClient struct {
	c *Client
}

// CreatePayment is the non-blocking form of Client.CreatePayment.
func (a *AsyncClient) CreatePayment(ctx context.Context, req PaymentRequest) *Future[*Payment] {
	return schedule(func() (*Payment, error) { return a.c.CreatePayment(ctx, req) })
}

// GetPayment is the non-blocking form of Client.GetPayment.
func (a *AsyncClient) GetPayment(ctx context.Context, id string) *Future[*Payment] {
	return schedule(func() (*Payment, error) { return a.c.GetPayment(ctx, id) })
}

// PollUntilTerminal is the non-blocking form of Client.PollUntilTerminal.
func (a *AsyncClient) PollUntilTerminal(ctx context.Context, id string, opts PollOptions) *Future[*Payment] {
	return schedule(func() (*Payment, error) { return a.c.PollUntilTerminal(ctx, id, opts) })
}

// ResolveChallenge is the non-blocking form of Client.ResolveChallenge.
func (a *AsyncClient) ResolveChallenge(ctx context.Context, paymentID string, ch *Challenge, enriched map[string]any) *Future[*Payment] {
	return schedule(func() (*Payment, error) { return a.c.ResolveChallenge(ctx, paymentID, ch, enriched) })
}

// GetBalance is the non-blocking form of Client.GetBalance.
func (a *AsyncClient) GetBalance(ctx context.Context, agentID string, opts BalanceOptions) *Future[*Balance] {
	return schedule(func() (*Balance, error) { return a.c.GetBalance(ctx, agentID, opts) })
}

// CreateAgent is the non-blocking form of Client.CreateAgent.
func (a *AsyncClient) CreateAgent(ctx context.Context, req AgentRequest) *Future[*Agent] {
	return schedule(func() (*Agent, error) { return a.c.CreateAgent(ctx, req) })
}

// ListPayments is the non-blocking form of Client.ListPayments.
func (a *AsyncClient) ListPayments(ctx context.Context, opts ListOptions) *Future[*PaymentPage] {
	return schedule(func() (*PaymentPage, error) { return a.c.ListPayments(ctx, opts) })
}
