package ledgersim

import (
	"context"
	"time"
)

// Store persists simulator state. Implementations: MemoryStore (default)
// and PostgresStore (DATABASE_URL).
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByRequestID(ctx context.Context, requestID string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error

	// ListPayments returns up to Limit+1 matching payments, newest first,
	// starting after the cursor when one is set.
	ListPayments(ctx context.Context, filter ListFilter) ([]*Payment, error)

	// ListExpiredChallenges returns challenged payments whose window
	// closed before the given instant.
	ListExpiredChallenges(ctx context.Context, before time.Time, limit int) ([]*Payment, error)

	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)

	GetBalance(ctx context.Context, agentID, network, asset string) (*Balance, error)
	// AnyBalance returns the agent's default holding: the first one the
	// agent acquired, by network/asset order.
	AnyBalance(ctx context.Context, agentID string) (*Balance, error)
	UpsertBalance(ctx context.Context, b *Balance) error

	AppendTrace(ctx context.Context, rec map[string]any) error
	ListTraces(ctx context.Context, limit int) ([]map[string]any, error)
}
