package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"trigger-core/internal/events"
)

// Tick is one streamed market update.
type Tick struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Qty        float64 `json:"qty"`
	Bid        float64 `json:"bid,omitempty"`
	Ask        float64 `json:"ask,omitempty"`
	Oracle     float64 `json:"oracle,omitempty"`
}

// StreamClient consumes a websocket tick stream and keeps a CachedFeed
// current. It reconnects with capped backoff until the context ends.
type StreamClient struct {
	URL    string
	dialer *websocket.Dialer

	feed *CachedFeed
	bus  *events.Bus
}

// NewStreamClient builds a stream client writing into feed.
func NewStreamClient(url string, feed *CachedFeed, bus *events.Bus) *StreamClient {
	return &StreamClient{
		URL:    url,
		dialer: websocket.DefaultDialer,
		feed:   feed,
		bus:    bus,
	}
}

// Run dials, reads ticks and reconnects until ctx is done.
func (c *StreamClient) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.readLoop(ctx); err != nil {
			log.Printf("market stream: %v (reconnecting in %v)", err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *StreamClient) readLoop(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial market ws: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			// If connection already closed by caller/context, exit quietly.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("read market ws: %w", err)
		}

		var tick Tick
		if err := json.Unmarshal(msg, &tick); err != nil {
			log.Printf("market stream: parse error: %v", err)
			continue
		}
		if tick.Instrument == "" {
			continue
		}

		c.feed.ApplyTick(tick.Instrument, tick.Price, tick.Qty)
		if tick.Bid > 0 && tick.Ask > 0 {
			c.feed.ApplyQuote(tick.Instrument, tick.Bid, tick.Ask)
		}
		if tick.Oracle > 0 {
			c.feed.ApplyOracle(tick.Instrument, tick.Oracle)
		}
		if c.bus != nil {
			c.bus.Publish(events.EventPriceTick, tick)
		}
	}
}
