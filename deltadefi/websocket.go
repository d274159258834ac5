package deltadefi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Stream channel kinds. Each subscription is identified by kind plus,
// for market channels, a trading symbol.
const (
	ChannelAccount = "account"
	ChannelTrade   = "trade"
	ChannelDepth   = "depth"
	ChannelPrice   = "price"
)

// WSConfig tunes the stream connection. Zero values fall back to
// DefaultWSConfig.
type WSConfig struct {
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	ReconnectEnabled     bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	MessageBufferSize    int
	ErrorBufferSize      int
}

// DefaultWSConfig returns the settings used by the trading bot.
func DefaultWSConfig() *WSConfig {
	return &WSConfig{
		HandshakeTimeout:     10 * time.Second,
		PingInterval:         15 * time.Second,
		ReconnectEnabled:     true,
		ReconnectDelay:       time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 20,
		MessageBufferSize:    256,
		ErrorBufferSize:      16,
	}
}

// WSMessage is a raw payload from one stream channel.
type WSMessage struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// AccountStreamData carries order and fill updates for the authenticated
// account.
type AccountStreamData struct {
	Type    string         `json:"type"`
	Order   *OrderRecord   `json:"order,omitempty"`
	Fill    *AccountFill   `json:"fill,omitempty"`
	Balance []AssetBalance `json:"balance,omitempty"`
}

// AccountFill is one execution reported on the account stream.
type AccountFill struct {
	FillID          string  `json:"fill_id"`
	TradeID         string  `json:"trade_id"`
	OrderID         string  `json:"order_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Price           float64 `json:"price"`
	Quantity        float64 `json:"quantity"`
	Commission      float64 `json:"commission"`
	CommissionAsset string  `json:"commission_asset"`
	IsMaker         bool    `json:"is_maker"`
	ExecutedAt      int64   `json:"executed_at"`
}

// TradeStreamData is a single public trade print.
type TradeStreamData struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Timestamp int64   `json:"timestamp"`
}

// DepthStreamData is an order book snapshot for one symbol.
type DepthStreamData struct {
	Symbol    string       `json:"symbol"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// PriceStreamData is a mid price update for one symbol.
type PriceStreamData struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Handler receives raw messages for a subscribed channel. Handlers run on
// the read loop goroutine and must not block.
type Handler func(msg WSMessage)

// WebSocketClient maintains one authenticated stream connection and fans
// incoming messages out to per-channel handlers. Subscriptions survive
// reconnects.
type WebSocketClient struct {
	url    string
	apiKey string
	config *WSConfig
	log    *logrus.Entry

	conn   *websocket.Conn
	connMu sync.Mutex

	running   bool
	runningMu sync.RWMutex

	// subscription key -> registered handler (may be nil)
	subs  map[string]Handler
	subMu sync.RWMutex

	msgChan chan WSMessage
	errChan chan error

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectAttempts int
	reconnectMu       sync.Mutex
}

// NewWebSocketClient creates a stream client with default settings. Most
// callers obtain one from Client.NewWebSocketClient instead.
func NewWebSocketClient(streamURL, apiKey string) *WebSocketClient {
	return NewWebSocketClientWithConfig(streamURL, apiKey, nil)
}

// NewWebSocketClientWithConfig creates a stream client with custom settings.
func NewWebSocketClientWithConfig(streamURL, apiKey string, config *WSConfig) *WebSocketClient {
	if config == nil {
		config = DefaultWSConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketClient{
		url:     streamURL,
		apiKey:  apiKey,
		config:  config,
		log:     logrus.WithField("component", "ws"),
		subs:    make(map[string]Handler),
		msgChan: make(chan WSMessage, config.MessageBufferSize),
		errChan: make(chan error, config.ErrorBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start connects the stream and launches the read and ping loops.
func (c *WebSocketClient) Start(ctx context.Context) error {
	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return fmt.Errorf("websocket client already running")
	}
	c.running = true
	c.runningMu.Unlock()

	if ctx != nil {
		c.ctx = ctx
	}

	if err := c.connect(); err != nil {
		c.runningMu.Lock()
		c.running = false
		c.runningMu.Unlock()
		return fmt.Errorf("initial connect: %w", err)
	}

	go c.readLoop()
	go c.pingLoop()

	c.log.Infof("connected to %s", c.url)
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (c *WebSocketClient) Stop() {
	c.runningMu.Lock()
	if !c.running {
		c.runningMu.Unlock()
		return
	}
	c.running = false
	c.runningMu.Unlock()

	c.cancel()
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.log.Warn("shutdown timed out")
	}
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (c *WebSocketClient) IsRunning() bool {
	c.runningMu.RLock()
	defer c.runningMu.RUnlock()
	return c.running
}

// Messages returns the fan-in channel of all subscribed messages. Messages
// are dropped when the channel is full; an error is reported instead.
func (c *WebSocketClient) Messages() <-chan WSMessage {
	return c.msgChan
}

// Errors returns the asynchronous error channel.
func (c *WebSocketClient) Errors() <-chan error {
	return c.errChan
}

// SubscribeAccount subscribes to order and balance updates for the
// authenticated account.
func (c *WebSocketClient) SubscribeAccount(handler Handler) error {
	return c.subscribe(subKey(ChannelAccount, ""), handler)
}

// SubscribeTrade subscribes to public trade prints for a symbol.
func (c *WebSocketClient) SubscribeTrade(symbol string, handler Handler) error {
	return c.subscribe(subKey(ChannelTrade, symbol), handler)
}

// SubscribeDepth subscribes to order book snapshots for a symbol.
func (c *WebSocketClient) SubscribeDepth(symbol string, handler Handler) error {
	return c.subscribe(subKey(ChannelDepth, symbol), handler)
}

// SubscribePrice subscribes to mid price updates for a symbol.
func (c *WebSocketClient) SubscribePrice(symbol string, handler Handler) error {
	return c.subscribe(subKey(ChannelPrice, symbol), handler)
}

// Unsubscribe removes a subscription. For market channels symbol selects
// the stream; for the account channel it is ignored.
func (c *WebSocketClient) Unsubscribe(channel, symbol string) error {
	key := subKey(channel, symbol)

	c.subMu.Lock()
	if _, ok := c.subs[key]; !ok {
		c.subMu.Unlock()
		return nil
	}
	delete(c.subs, key)
	c.subMu.Unlock()

	return c.send(map[string]interface{}{
		"method": "unsubscribe",
		"params": []string{key},
	})
}

// SubscriptionCount returns the number of active subscriptions.
func (c *WebSocketClient) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subs)
}

func subKey(channel, symbol string) string {
	if symbol == "" {
		return channel
	}
	return channel + ":" + symbol
}

func (c *WebSocketClient) subscribe(key string, handler Handler) error {
	c.subMu.Lock()
	_, exists := c.subs[key]
	c.subs[key] = handler
	c.subMu.Unlock()

	if exists {
		return nil
	}
	return c.send(map[string]interface{}{
		"method": "subscribe",
		"params": []string{key},
	})
}

func (c *WebSocketClient) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	headers := make(http.Header)
	headers.Set("X-API-KEY", c.apiKey)

	conn, _, err := dialer.Dial(c.url, headers)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()
	return nil
}

func (c *WebSocketClient) send(msg interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(msg)
}

// resubscribe replays all subscriptions after a reconnect.
func (c *WebSocketClient) resubscribe() error {
	c.subMu.RLock()
	keys := make([]string, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	c.subMu.RUnlock()

	if len(keys) == 0 {
		return nil
	}
	return c.send(map[string]interface{}{
		"method": "subscribe",
		"params": keys,
	})
}

func (c *WebSocketClient) readLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.runningMu.RLock()
		running := c.running
		c.runningMu.RUnlock()
		if !running {
			return
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if c.config.ReconnectEnabled {
				c.reconnect()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.runningMu.RLock()
			running = c.running
			c.runningMu.RUnlock()
			if !running {
				return
			}
			c.log.Warnf("read error: %v, reconnecting", err)
			if c.config.ReconnectEnabled {
				c.reconnect()
			} else {
				time.Sleep(time.Second)
			}
			continue
		}

		c.handleMessage(message)
	}
}

func (c *WebSocketClient) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.runningMu.RLock()
				running := c.running
				c.runningMu.RUnlock()
				if !running {
					return
				}
				c.log.Warnf("ping failed: %v", err)
				if c.config.ReconnectEnabled {
					c.reconnect()
				}
			}
		}
	}
}

// reconnect retries the connection with linear backoff capped at
// MaxReconnectDelay, then replays subscriptions.
func (c *WebSocketClient) reconnect() {
	c.reconnectMu.Lock()
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	c.reconnectMu.Unlock()

	if attempts > c.config.MaxReconnectAttempts {
		select {
		case c.errChan <- fmt.Errorf("reached max reconnect attempts (%d)", c.config.MaxReconnectAttempts):
		default:
		}
		return
	}

	delay := c.config.ReconnectDelay * time.Duration(attempts)
	if delay > c.config.MaxReconnectDelay {
		delay = c.config.MaxReconnectDelay
	}
	c.log.Infof("reconnecting in %v (attempt %d/%d)", delay, attempts, c.config.MaxReconnectAttempts)

	select {
	case <-c.ctx.Done():
		return
	case <-c.stopCh:
		return
	case <-time.After(delay):
	}

	if err := c.connect(); err != nil {
		c.log.Warnf("reconnect failed: %v", err)
		return
	}
	if err := c.resubscribe(); err != nil {
		c.log.Warnf("resubscribe failed: %v", err)
	}
}

func (c *WebSocketClient) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}
	// The server answers client text pings with a bare "pong".
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return
	}

	var msg WSMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		select {
		case c.errChan <- fmt.Errorf("decode stream message: %w", err):
		default:
		}
		return
	}
	if msg.Channel == "" {
		// Subscription acks and heartbeats have no channel.
		return
	}

	select {
	case c.msgChan <- msg:
	default:
		select {
		case c.errChan <- fmt.Errorf("message channel full, dropped %s message", msg.Channel):
		default:
		}
	}

	c.subMu.RLock()
	handler := c.subs[subKey(msg.Channel, msg.Symbol)]
	if handler == nil && msg.Symbol != "" {
		handler = c.subs[msg.Channel]
	}
	c.subMu.RUnlock()

	if handler != nil {
		handler(msg)
	}
}
