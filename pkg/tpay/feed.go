package tpay

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// FeedEvent is one payment status transition broadcast over the ledger's
// websocket feed. The feed is advisory; polling remains the canonical way
// to track a payment.
type FeedEvent struct {
	PaymentID string    `json:"payment_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	At        time.Time `json:"at"`
}

// FeedSubscription is an open feed connection. Drain Events until it
// closes, or call Close to disconnect.
type FeedSubscription struct {
	conn   *websocket.Conn
	events chan FeedEvent
}

// SubscribeFeed connects to the ledger's payment transition feed using the
// client's credentials. The returned subscription's Events channel closes
// when the connection drops; reconnecting is the caller's decision.
func (c *Client) SubscribeFeed(ctx context.Context) (*FeedSubscription, error) {
	wsURL := strings.Replace(c.resolved, "http", "ws", 1) + "/payments/feed"

	header := http.Header{}
	header.Set("X-API-Key", c.cfg.APIKey)
	header.Set("X-API-Secret", c.cfg.APISecret)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, wrapError(KindNetwork, err, "feed dial failed (status %d)", resp.StatusCode)
		}
		return nil, wrapError(KindNetwork, err, "feed dial failed")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &FeedSubscription{
		conn:   conn,
		events: make(chan FeedEvent, 16),
	}
	go s.readLoop(c)
	return s, nil
}

// Events delivers transitions in arrival order. Closed on disconnect.
func (s *FeedSubscription) Events() <-chan FeedEvent { return s.events }

// Close disconnects the feed. The Events channel closes shortly after.
func (s *FeedSubscription) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *FeedSubscription) readLoop(c *Client) {
	defer close(s.events)
	for {
		var ev FeedEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("feed read ended", "error", fmt.Sprint(err))
			}
			return
		}
		s.events <- ev
	}
}
