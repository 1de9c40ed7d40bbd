package ledgersim

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory store used when no DATABASE_URL is set.
type MemoryStore struct {
	mu          sync.RWMutex
	payments    map[string]*Payment
	byRequestID map[string]string // request_id -> payment id
	agents      map[string]*Agent
	balances    map[string]*Balance // agent|network|asset
	traces      []map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:    make(map[string]*Payment),
		byRequestID: make(map[string]string),
		agents:      make(map[string]*Agent),
		balances:    make(map[string]*Balance),
	}
}

func balanceKey(agentID, network, asset string) string {
	return agentID + "|" + network + "|" + asset
}

func copyPayment(p *Payment) *Payment {
	cp := *p
	if p.Challenge != nil {
		ch := *p.Challenge
		cp.Challenge = &ch
		cp.Challenge.RequiredFields = append([]string(nil), p.Challenge.RequiredFields...)
	}
	if p.TraceContext != nil {
		cp.TraceContext = make(map[string]any, len(p.TraceContext))
		for k, v := range p.TraceContext {
			cp.TraceContext[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRequestID[p.RequestID]; ok {
		return ErrDuplicateRequestID
	}
	m.payments[p.ID] = copyPayment(p)
	m.byRequestID[p.RequestID] = p.ID
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) GetPaymentByRequestID(ctx context.Context, requestID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRequestID[requestID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(m.payments[id]), nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, filter ListFilter) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Payment
	for _, p := range m.payments {
		if filter.AgentID != "" && p.SendingAgentID != filter.AgentID && p.ReceivingAgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		all = append(all, p)
	}
	// Newest first, ID as tiebreaker so pagination is stable.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var out []*Payment
	for _, p := range all {
		if filter.Cursor != nil {
			if p.CreatedAt.After(filter.Cursor.CreatedAt) {
				continue
			}
			if p.CreatedAt.Equal(filter.Cursor.CreatedAt) && p.ID >= filter.Cursor.ID {
				continue
			}
		}
		out = append(out, copyPayment(p))
		if len(out) > filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredChallenges(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.Status == StatusChallenged && p.Challenge != nil && p.Challenge.ExpiresAt.Before(before) {
			out = append(out, copyPayment(p))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, agentID, network, asset string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[balanceKey(agentID, network, asset)]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) AnyBalance(ctx context.Context, agentID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, b := range m.balances {
		if b.AgentID == agentID {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, ErrBalanceNotFound
	}
	sort.Strings(keys)
	cp := *m.balances[keys[0]]
	return &cp, nil
}

func (m *MemoryStore) UpsertBalance(ctx context.Context, b *Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.balances[balanceKey(b.AgentID, b.Network, b.Asset)] = &cp
	return nil
}

func (m *MemoryStore) AppendTrace(ctx context.Context, rec map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces = append(m.traces, rec)
	return nil
}

func (m *MemoryStore) ListTraces(ctx context.Context, limit int) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.traces)
	if n > limit {
		n = limit
	}
	// Newest first, matching the Postgres store.
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = m.traces[len(m.traces)-1-i]
	}
	return out, nil
}
