package ledgersim

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists simulator state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store. The schema comes
// from the migrations/ directory (cmd/migrate).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, request_id, sending_agent_id, receiving_agent_id,
	       payment_amount, currency, settlement_network, status,
	       challenge, trace_context, poll_count, created_at, updated_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	challengeJSON, traceJSON, err := marshalPaymentJSON(pay)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sim_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11, $12, $13)`,
		pay.ID, pay.RequestID, pay.SendingAgentID, pay.ReceivingAgentID,
		pay.Amount, pay.Currency, pay.SettlementNetwork, string(pay.Status),
		challengeJSON, traceJSON, pay.PollCount, pay.CreatedAt, pay.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrDuplicateRequestID
	}
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM sim_payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) GetPaymentByRequestID(ctx context.Context, requestID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM sim_payments WHERE request_id = $1`, requestID)
	return scanPayment(row)
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment) error {
	challengeJSON, traceJSON, err := marshalPaymentJSON(pay)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE sim_payments SET
			status = $1, challenge = $2, trace_context = $3,
			poll_count = $4, updated_at = $5
		WHERE id = $6`,
		string(pay.Status), challengeJSON, traceJSON, pay.PollCount, pay.UpdatedAt, pay.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, filter ListFilter) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM sim_payments WHERE 1=1`
	args := []any{}
	idx := 1

	if filter.AgentID != "" {
		query += ` AND (sending_agent_id = $1 OR receiving_agent_id = $1)`
		args = append(args, filter.AgentID)
		idx++
	}
	if filter.Status != "" {
		query += ` AND status = $` + strconv.Itoa(idx)
		args = append(args, string(filter.Status))
		idx++
	}
	if filter.Cursor != nil {
		query += ` AND (created_at, id) < ($` + strconv.Itoa(idx) + `, $` + strconv.Itoa(idx+1) + `)`
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		idx += 2
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(idx)
	args = append(args, filter.Limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListExpiredChallenges(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM sim_payments
		WHERE status = $1 AND (challenge->>'expires_at')::timestamptz < $2
		LIMIT $3`,
		string(StatusChallenged), before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sim_agents (id, name, description, project_id, agent_daily_limit, agent_type, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7)`,
		a.ID, a.Name, a.Description, a.ProjectID, a.DailyLimit, a.AgentType, a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, description, project_id, agent_daily_limit::TEXT, agent_type, created_at
		FROM sim_agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Description, &a.ProjectID, &a.DailyLimit, &a.AgentType, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, agentID, network, asset string) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT agent_id, network, asset, amount::TEXT, amount_usd::TEXT, as_of
		FROM sim_balances WHERE agent_id = $1 AND network = $2 AND asset = $3`,
		agentID, network, asset,
	)
	return scanBalance(row)
}

func (p *PostgresStore) AnyBalance(ctx context.Context, agentID string) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT agent_id, network, asset, amount::TEXT, amount_usd::TEXT, as_of
		FROM sim_balances WHERE agent_id = $1
		ORDER BY network, asset LIMIT 1`,
		agentID,
	)
	return scanBalance(row)
}

func (p *PostgresStore) UpsertBalance(ctx context.Context, b *Balance) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sim_balances (agent_id, network, asset, amount, amount_usd, as_of)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6)
		ON CONFLICT (agent_id, network, asset)
		DO UPDATE SET amount = EXCLUDED.amount, amount_usd = EXCLUDED.amount_usd, as_of = EXCLUDED.as_of`,
		b.AgentID, b.Network, b.Asset, b.Amount, b.AmountUSD, b.AsOf,
	)
	return err
}

func (p *PostgresStore) AppendTrace(ctx context.Context, rec map[string]any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO sim_traces (record, received_at) VALUES ($1, $2)`,
		data, time.Now().UTC())
	return err
}

func (p *PostgresStore) ListTraces(ctx context.Context, limit int) ([]map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT record FROM sim_traces ORDER BY received_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []map[string]any
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var pay Payment
	var status string
	var challengeJSON, traceJSON []byte
	err := row.Scan(
		&pay.ID, &pay.RequestID, &pay.SendingAgentID, &pay.ReceivingAgentID,
		&pay.Amount, &pay.Currency, &pay.SettlementNetwork, &status,
		&challengeJSON, &traceJSON, &pay.PollCount, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	if len(challengeJSON) > 0 {
		var ch Challenge
		if err := json.Unmarshal(challengeJSON, &ch); err != nil {
			return nil, err
		}
		pay.Challenge = &ch
	}
	if len(traceJSON) > 0 {
		if err := json.Unmarshal(traceJSON, &pay.TraceContext); err != nil {
			return nil, err
		}
	}
	return &pay, nil
}

func scanBalance(row rowScanner) (*Balance, error) {
	var b Balance
	err := row.Scan(&b.AgentID, &b.Network, &b.Asset, &b.Amount, &b.AmountUSD, &b.AsOf)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func marshalPaymentJSON(pay *Payment) (challenge, trace any, err error) {
	challenge = nil
	if pay.Challenge != nil {
		data, err := json.Marshal(pay.Challenge)
		if err != nil {
			return nil, nil, err
		}
		challenge = data
	}
	trace = nil
	if pay.TraceContext != nil {
		data, err := json.Marshal(pay.TraceContext)
		if err != nil {
			return nil, nil, err
		}
		trace = data
	}
	return challenge, trace, nil
}

