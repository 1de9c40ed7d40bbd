package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_InvalidScheme(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://ledger.example.com"})
	if err == nil {
		t.Fatal("expected error for non-http scheme")
	}
}

func TestNew_DefaultBaseURL(t *testing.T) {
	c, err := New(Options{APIKey: "k", APISecret: "s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.BaseURL() != DefaultBaseURL {
		t.Fatalf("expected default base URL, got %q", c.BaseURL())
	}
}

func TestDo_SendsAuthHeaders(t *testing.T) {
	var gotKey, gotSecret, gotProject, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotSecret = r.Header.Get("X-API-Secret")
		gotProject = r.Header.Get("X-Project-ID")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, APIKey: "key-1", APISecret: "secret-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/payment/pay_1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if gotKey != "key-1" || gotSecret != "secret-1" {
		t.Fatalf("auth headers not sent: key=%q secret=%q", gotKey, gotSecret)
	}
	if gotProject != "proj-1" {
		t.Fatalf("expected project header proj-1, got %q", gotProject)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected application/json content type, got %q", gotContentType)
	}
}

func TestDo_MarshalsBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"pay_1"}`))
	}))
	defer srv.Close()

	c, _ := New(Options{BaseURL: srv.URL})
	resp, err := c.Do(context.Background(), http.MethodPost, "/payment", nil, map[string]any{
		"payment_amount": "10",
		"currency":       "XRP",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if got["currency"] != "XRP" {
		t.Fatalf("body not delivered, got %v", got)
	}
}

func TestDo_Non2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"unavailable"}`))
	}))
	defer srv.Close()

	c, _ := New(Options{BaseURL: srv.URL})
	resp, err := c.Do(context.Background(), http.MethodGet, "/payment/pay_1", nil, nil)
	if err != nil {
		t.Fatalf("5xx must not be a transport error, got %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		t.Fatal("expected error body to be passed through")
	}
}

func TestDo_ConnectionRefused(t *testing.T) {
	// Grab a URL that refuses connections by closing the server first.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := New(Options{BaseURL: url})
	_, err := c.Do(context.Background(), http.MethodGet, "/payment/pay_1", nil, nil)
	if err == nil {
		t.Fatal("expected a transport error")
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *transport.Error, got %T", err)
	}
	if te.Timeout {
		t.Fatal("connection refused should not be flagged as timeout")
	}
}

func TestDo_TimeoutFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := New(Options{BaseURL: srv.URL, HTTPClient: &http.Client{Timeout: 30 * time.Millisecond}})
	_, err := c.Do(context.Background(), http.MethodGet, "/payment/pay_1", nil, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *transport.Error, got %T", err)
	}
	if !te.Timeout {
		t.Fatalf("expected Timeout flag, got %v", te)
	}
}

func TestDo_QueryEncoding(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := New(Options{BaseURL: srv.URL})
	q := map[string][]string{"limit": {"5"}, "cursor": {"abc"}}
	if _, err := c.Do(context.Background(), http.MethodGet, "/payments", q, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotQuery != "cursor=abc&limit=5" {
		t.Fatalf("unexpected query: %q", gotQuery)
	}
}
