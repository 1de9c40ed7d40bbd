package tpay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// traceSink collects TraceRecords posted to the radar ingest path.
type traceSink struct {
	mu   sync.Mutex
	recs []TraceRecord
}

func (s *traceSink) handler(w http.ResponseWriter, r *http.Request) {
	var rec TraceRecord
	_ = json.NewDecoder(r.Body).Decode(&rec)
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (s *traceSink) records() []TraceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TraceRecord(nil), s.recs...)
}

func newTracedClient(t *testing.T, handler http.Handler) (*Client, *traceSink) {
	t.Helper()
	sink := &traceSink{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /radar/traces", sink.handler)
	if handler != nil {
		mux.Handle("/", handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		APIKey:      "key-1",
		APISecret:   "secret-1",
		ProjectID:   "proj-1",
		BaseURL:     srv.URL,
		BackoffBase: time.Millisecond,
		Logger:      slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return c, sink
}

func TestTraced_SuccessEmitsOneRecord(t *testing.T) {
	c, sink := newTracedClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Balance{AgentID: "agt_a", Amount: "7"})
	}))

	_, err := c.GetBalance(t.Context(), "agt_a", BalanceOptions{})
	require.NoError(t, err)
	c.Close() // flush the audit queue

	recs := sink.records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "get_balance", rec.Operation)
	assert.Equal(t, "success", rec.Outcome)
	assert.Empty(t, rec.Error)
	assert.True(t, strings.HasPrefix(rec.CorrelationID, "trc_"), "correlation id %q", rec.CorrelationID)
	assert.Equal(t, "agt_a", rec.Arguments["agent_id"])
}

func TestTraced_FailureEmitsOneRecordAndLeavesErrorUntouched(t *testing.T) {
	// A validation failure never reaches the transport but is still traced.
	c, sink := newTracedClient(t, nil)

	_, err := c.CreatePayment(t.Context(), PaymentRequest{
		SendingAgentID:   "agt_a",
		ReceivingAgentID: "agt_b",
		Amount:           "-1",
		Currency:         "XRP",
	})
	require.Equal(t, KindValidation, KindOf(err))
	wantMsg := err.Error()
	c.Close()

	recs := sink.records()
	require.Len(t, recs, 1, "exactly one record per invocation")
	rec := recs[0]
	assert.Equal(t, "create_payment", rec.Operation)
	assert.Equal(t, "failure", rec.Outcome)
	assert.Equal(t, wantMsg, rec.Error, "the record describes the error without altering it")
}

func TestTraced_FailureCarriesCorrelationID(t *testing.T) {
	c, _ := newTracedClient(t, nil)
	defer c.Close()

	_, err := c.GetPayment(t.Context(), "")
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.True(t, strings.HasPrefix(te.CorrelationID, "trc_"),
		"failures inside a traced call carry its correlation id, got %q", te.CorrelationID)
}

func TestTraced_EmissionFailureNeverPropagates(t *testing.T) {
	// No ingest endpoint at all: every emission fails, the operation doesn't.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/radar/traces" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, Balance{AgentID: "agt_a", Amount: "1"})
	}))
	defer srv.Close()

	c, err := New(Config{
		APIKey:    "k",
		APISecret: "s",
		ProjectID: "p",
		BaseURL:   srv.URL,
		Logger:    slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	defer c.Close()

	b, err := c.GetBalance(t.Context(), "agt_a", BalanceOptions{})
	require.NoError(t, err, "audit backend failure must not fail the business call")
	assert.Equal(t, "1", b.Amount)
}

// recordSpans installs an in-memory span recorder for the duration of a test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func spanByName(t *testing.T, recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no span named %q recorded", name)
	return nil
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestSpans_CarryPaymentAttributes(t *testing.T) {
	recorder := recordSpans(t)
	c, _ := newTracedClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusCreated, Payment{ID: "pay_1", Status: StatusPending, Amount: "5"})
			return
		}
		writeJSON(w, http.StatusOK, Payment{ID: "pay_1", Status: StatusConfirmed, Amount: "5"})
	}))
	defer c.Close()

	_, err := c.CreatePayment(t.Context(), PaymentRequest{
		SendingAgentID:   "agt_a",
		ReceivingAgentID: "agt_b",
		Amount:           "5",
		Currency:         "USDT",
	})
	require.NoError(t, err)
	_, err = c.PollUntilTerminal(t.Context(), "pay_1", PollOptions{Interval: time.Millisecond, MaxWait: time.Second})
	require.NoError(t, err)

	created := attrMap(spanByName(t, recorder, "tpay.create_payment").Attributes())
	assert.Equal(t, "agt_a", created["agent.id"])
	assert.Equal(t, "5", created["amount"])
	assert.True(t, strings.HasPrefix(created["request.id"], "trc_"), "request id %q", created["request.id"])

	polled := attrMap(spanByName(t, recorder, "tpay.poll_until_terminal").Attributes())
	assert.Equal(t, "pay_1", polled["payment.id"])
	assert.Equal(t, "confirmed", polled["payment.status"])
}

func TestSpans_RecordRetryAttempt(t *testing.T) {
	recorder := recordSpans(t)
	var calls atomic.Int32
	c, _ := newTracedClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, Payment{ID: "pay_1", Status: StatusPending})
	}))
	defer c.Close()

	_, err := c.GetPayment(t.Context(), "pay_1")
	require.NoError(t, err)

	got := attrMap(spanByName(t, recorder, "tpay.get_payment").Attributes())
	assert.Equal(t, "2", got["attempt"], "span records the attempt that succeeded")
}

func TestRedactArgs(t *testing.T) {
	got := redactArgs(map[string]any{
		"agent_id":   "agt_a",
		"api_secret": "s3cret",
		"api_key":    "k",
		"empty":      "",
		"amount":     "10",
	})
	assert.Equal(t, "agt_a", got["agent_id"])
	assert.Equal(t, "[redacted]", got["api_secret"])
	assert.Equal(t, "[redacted]", got["api_key"])
	assert.Equal(t, "10", got["amount"])
	assert.NotContains(t, got, "empty")
}
