package mcpserver

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tledger/tpay-go/internal/ledgersim"
	"github.com/tledger/tpay-go/pkg/tpay"
)

// --- Test helpers ---

// newTestHandlers backs the tools with an SDK client pointed at an
// in-process ledger simulator.
func newTestHandlers(t *testing.T, opts ledgersim.Options) *Handlers {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.ChallengeTTL == 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	if opts.DefaultDailyLimit == "" {
		opts.DefaultDailyLimit = "1000"
	}
	logger := slog.New(slog.DiscardHandler)
	svc := ledgersim.NewService(ledgersim.NewMemoryStore(), nil, logger, opts)

	r := gin.New()
	api := r.Group("/api/v1")
	ledgersim.NewHandler(svc, nil, logger).RegisterRoutes(api)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	client, err := tpay.New(tpay.Config{
		APIKey:       "test-key",
		APISecret:    "test-secret",
		ProjectID:    "proj_mcp",
		BaseURL:      ts.URL + "/api/v1",
		BackoffBase:  time.Millisecond,
		PollInterval: time.Millisecond,
		PollMaxWait:  5 * time.Second,
		Logger:       logger,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return NewHandlers(client)
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// fieldFromText pulls a "<label>: <value>" line out of a tool result.
func fieldFromText(t *testing.T, text, label string) string {
	t.Helper()
	for _, line := range strings.Split(text, "\n") {
		if v, ok := strings.CutPrefix(line, label+": "); ok {
			return v
		}
	}
	t.Fatalf("no %q line in result:\n%s", label, text)
	return ""
}

func createTestPayment(t *testing.T, h *Handlers, amount string) string {
	t.Helper()
	result, err := h.HandleCreatePayment(context.Background(), makeRequest(map[string]any{
		"sending_agent_id":   "agt_a",
		"receiving_agent_id": "agt_b",
		"amount":             amount,
		"currency":           "USDT",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	return fieldFromText(t, resultText(t, result), "Payment ID")
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleCreatePayment(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{ConfirmAfterPolls: 1})

	result, err := h.HandleCreatePayment(context.Background(), makeRequest(map[string]any{
		"sending_agent_id":   "agt_a",
		"receiving_agent_id": "agt_b",
		"amount":             "4.20",
		"currency":           "USDT",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Status: pending")
	assert.Contains(t, text, "4.20 USDT via solana")
	assert.Contains(t, text, "wait_for_payment")
}

func TestHandleCreatePayment_InvalidAmount(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{})

	result, err := h.HandleCreatePayment(context.Background(), makeRequest(map[string]any{
		"sending_agent_id":   "agt_a",
		"receiving_agent_id": "agt_b",
		"amount":             "-5",
		"currency":           "USDT",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Payment failed")
}

func TestHandleCreatePayment_SurfacesChallenge(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{DefaultDailyLimit: "100"})

	result, err := h.HandleCreatePayment(context.Background(), makeRequest(map[string]any{
		"sending_agent_id":   "agt_a",
		"receiving_agent_id": "agt_b",
		"amount":             "500",
		"currency":           "USDT",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Status: challenged")
	assert.Contains(t, text, "Required fields: justification")
	assert.Contains(t, text, "resolve_challenge")
}

func TestHandleGetPayment(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{ConfirmAfterPolls: 5})
	id := createTestPayment(t, h, "2")

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{
		"payment_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Status: pending")
}

func TestHandleGetPayment_NotFound(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{})

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{
		"payment_id": "pay_missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetPayment_MissingArg(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{})

	result, err := h.HandleGetPayment(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "payment_id is required")
}

func TestHandleWaitForPayment_Confirms(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{ConfirmAfterPolls: 2})
	id := createTestPayment(t, h, "2")

	result, err := h.HandleWaitForPayment(context.Background(), makeRequest(map[string]any{
		"payment_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Status: confirmed")
}

func TestHandleResolveChallenge_FullFlow(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{ConfirmAfterPolls: 1, DefaultDailyLimit: "100"})
	id := createTestPayment(t, h, "500")

	result, err := h.HandleResolveChallenge(context.Background(), makeRequest(map[string]any{
		"payment_id":      id,
		"additional_data": map[string]any{"justification": "supplier invoice"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Challenge resolved")

	result, err = h.HandleWaitForPayment(context.Background(), makeRequest(map[string]any{
		"payment_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Status: confirmed")
}

func TestHandleResolveChallenge_NotChallenged(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{ConfirmAfterPolls: 5})
	id := createTestPayment(t, h, "2")

	result, err := h.HandleResolveChallenge(context.Background(), makeRequest(map[string]any{
		"payment_id":      id,
		"additional_data": map[string]any{"justification": "x"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not challenged")
}

func TestHandleResolveChallenge_IncompleteDataReChallenges(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{DefaultDailyLimit: "100"})
	id := createTestPayment(t, h, "500")

	result, err := h.HandleResolveChallenge(context.Background(), makeRequest(map[string]any{
		"payment_id":      id,
		"additional_data": map[string]any{"memo": "not what was asked"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "needs more data")
	assert.Contains(t, text, "justification")
}

func TestHandleCreateAgentAndGetBalance(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{})

	result, err := h.HandleCreateAgent(context.Background(), makeRequest(map[string]any{
		"name":        "mcp worker",
		"daily_limit": "250",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Daily limit: 250")
	agentID := fieldFromText(t, text, "Agent ID")

	result, err = h.HandleGetBalance(context.Background(), makeRequest(map[string]any{
		"agent_id": agentID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "0 USDT on solana")
}

func TestHandleGetBalance_UnknownAgent(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{})

	result, err := h.HandleGetBalance(context.Background(), makeRequest(map[string]any{
		"agent_id": "agt_ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListPayments(t *testing.T) {
	h := newTestHandlers(t, ledgersim.Options{ConfirmAfterPolls: 5})
	createTestPayment(t, h, "1")
	createTestPayment(t, h, "2")

	result, err := h.HandleListPayments(context.Background(), makeRequest(map[string]any{
		"agent_id": "agt_a",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Found 2 payment(s)")

	result, err = h.HandleListPayments(context.Background(), makeRequest(map[string]any{
		"agent_id": "agt_nobody",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No payments found.")
}
