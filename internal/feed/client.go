// Package feed implements the reconnecting Binance combined-stream price
// client (4.D): connection state machine, token-bucket rate limiting,
// heartbeat, and tick validation, feeding canonical price events to the
// market registry.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/updown15m/engine/internal/config"
	"github.com/updown15m/engine/internal/domain"
	"github.com/updown15m/engine/internal/events"
)

const streamBaseURL = "wss://stream.binance.com:9443/stream"
const maxStreamURLBytes = 2048

var symbolPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// EventKind names the events the client emits (4.D/4.I).
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventPrice             EventKind = "price"
	EventError             EventKind = "error"
	EventRateLimitExceeded EventKind = "rateLimitExceeded"
)

// Event is the payload carried by every client event.
type Event struct {
	Kind      EventKind
	Symbol    string
	Price     float64
	Timestamp int64
	Err       error
}

// Client is a reconnecting combined-stream websocket client for a fixed set
// of lowercase symbols, constructed once and reused across reconnects.
type Client struct {
	cfg       config.FeedConfig
	symbolMap map[string]domain.Asset
	streamURL string
	limiter   *rate.Limiter
	emitter   *events.Emitter[Event]

	mu       sync.Mutex
	conn     *websocket.Conn
	state    domain.ConnectionState
	attempts int
	lastPong time.Time
}

// New validates cfg and constructs a Client. Each symbol is lowercased and
// must then match [a-z0-9]+; the combined stream URL must not exceed 2048 bytes.
// An empty symbol list is valid but makes Run a no-op.
func New(cfg config.FeedConfig) (*Client, error) {
	symbolMap := make(map[string]domain.Asset, len(cfg.Symbols))
	topics := make([]string, 0, len(cfg.Symbols))
	for _, raw := range cfg.Symbols {
		sym := strings.ToLower(strings.TrimSpace(raw))
		if !symbolPattern.MatchString(sym) {
			return nil, fmt.Errorf("feed: invalid symbol %q", raw)
		}
		asset, ok := domain.AssetFromExchangeSymbol(sym)
		if !ok {
			return nil, fmt.Errorf("feed: unrecognized exchange symbol %q", sym)
		}
		symbolMap[sym] = asset
		topics = append(topics, sym+"@aggTrade")
	}

	var streamURL string
	if len(topics) > 0 {
		u := url.URL{}
		if parsed, err := url.Parse(streamBaseURL); err == nil {
			u = *parsed
		}
		u.RawQuery = "streams=" + strings.Join(topics, "/")
		streamURL = u.String()
		if len(streamURL) > maxStreamURLBytes {
			return nil, fmt.Errorf("feed: stream URL exceeds %d bytes", maxStreamURLBytes)
		}
	}

	var limiter *rate.Limiter
	if cfg.MaxMessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), cfg.MaxBurstMessages)
	}

	return &Client{
		cfg:       cfg,
		symbolMap: symbolMap,
		streamURL: streamURL,
		limiter:   limiter,
		emitter:   events.New[Event](16),
		state:     domain.StateDisconnected,
	}, nil
}

// On registers a handler for kind, invoked in registration order.
func (c *Client) On(kind EventKind, handler func(Event)) {
	c.emitter.On(string(kind), handler)
}

// Errors returns the channel handler panics are reported on.
func (c *Client) Errors() <-chan error {
	return c.emitter.Errors()
}

// State reports the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s domain.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) emit(e Event) {
	c.emitter.Emit(string(e.Kind), e)
}

// Run connects and serves until ctx is cancelled, reconnecting on failure
// per the configured policy. An empty symbol set makes Run a no-op that
// returns nil immediately.
func (c *Client) Run(ctx context.Context) error {
	if len(c.symbolMap) == 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.setState(domain.StateConnecting)
		err := c.connectAndServe(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		c.emit(Event{Kind: EventError, Err: err})

		if !c.cfg.AutoReconnect {
			return err
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			terminal := fmt.Errorf("feed: max reconnect attempts (%d) exceeded: %w", c.cfg.MaxReconnectAttempts, err)
			c.emit(Event{Kind: EventError, Err: terminal})
			return terminal
		}

		c.setState(domain.StateReconnecting)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.streamURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = domain.StateConnected
	c.attempts = 0
	c.lastPong = time.Now()
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	c.emit(Event{Kind: EventConnected})
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.state = domain.StateDisconnected
		c.mu.Unlock()
		c.emit(Event{Kind: EventDisconnected})
	}()

	msgCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
			select {
			case msgCh <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingInterval := c.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case data := <-msgCh:
			c.handleMessage(data)
		case <-ticker.C:
			c.mu.Lock()
			lastPong := c.lastPong
			c.mu.Unlock()
			if time.Since(lastPong) > 2*pingInterval {
				return fmt.Errorf("feed: no pong observed within %s", 2*pingInterval)
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return err
			}
		}
	}
}

type wireEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wireTrade struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// handleMessage implements the 4.D message path: rate limit, parse,
// validate, and emit a canonical price event.
func (c *Client) handleMessage(raw []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.emit(Event{Kind: EventRateLimitExceeded})
		return
	}

	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Stream == "" || len(env.Data) == 0 {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("feed: malformed envelope")})
		return
	}

	var trade wireTrade
	if err := json.Unmarshal(env.Data, &trade); err != nil {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("feed: malformed trade payload: %w", err)})
		return
	}
	if trade.Event != "aggTrade" || trade.Symbol == "" || trade.Price == "" || trade.TradeTime == 0 {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("feed: invalid aggTrade fields")})
		return
	}

	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("feed: invalid price %q: %w", trade.Price, err)})
		return
	}
	priceF, _ := price.Float64()
	if priceF <= 0 {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("feed: non-positive price %q", trade.Price)})
		return
	}

	now := time.Now().UnixMilli()
	if abs(now-trade.TradeTime) > 60_000 {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("feed: tick timestamp %d outside clock-skew tolerance of now=%d", trade.TradeTime, now)})
		return
	}

	canonical := strings.ToLower(trade.Symbol)
	if _, ok := c.symbolMap[canonical]; !ok {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("feed: unrecognized symbol %q", trade.Symbol)})
		return
	}

	c.emit(Event{Kind: EventPrice, Symbol: canonical, Price: priceF, Timestamp: trade.TradeTime})
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
