// Package feed streams reference market data from Binance. The bot quotes
// on DeltaDeFi around the Binance top of book for the source symbol.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const binanceStreamBase = "wss://stream.binance.com:9443/ws"

// BookTicker is the best bid/ask of the reference symbol. Timestamp is the
// local receive time; Binance does not send one on this stream.
type BookTicker struct {
	Symbol    string
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
	Timestamp time.Time
}

// Mid returns the midpoint of the best bid and ask.
func (b BookTicker) Mid() float64 {
	return (b.BidPrice + b.AskPrice) / 2
}

// SpreadBps returns the top-of-book spread in basis points.
func (b BookTicker) SpreadBps() float64 {
	mid := b.Mid()
	if mid == 0 {
		return 0
	}
	return (b.AskPrice - b.BidPrice) / mid * 10000
}

// Age returns how long ago the ticker was received.
func (b BookTicker) Age() time.Duration {
	return time.Since(b.Timestamp)
}

// Handler consumes book ticker updates. It runs on the feed goroutine and
// must not block.
type Handler func(BookTicker)

// Options tunes the feed connection.
type Options struct {
	// BaseURL overrides the Binance stream endpoint, used by tests.
	BaseURL              string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
}

// BinanceFeed maintains one bookTicker stream subscription for a symbol
// and fans updates out to a handler.
type BinanceFeed struct {
	symbol  string
	url     string
	opts    Options
	handler Handler
	log     *logrus.Entry

	conn   *websocket.Conn
	connMu sync.Mutex

	running   bool
	runningMu sync.RWMutex

	lastTick   BookTicker
	lastTickMu sync.RWMutex
	updates    uint64

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewBinanceFeed creates a feed for symbol (e.g. "ADAUSDT").
func NewBinanceFeed(symbol string, handler Handler, opts Options) *BinanceFeed {
	if opts.BaseURL == "" {
		opts.BaseURL = binanceStreamBase
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	stream := strings.ToLower(symbol) + "@bookTicker"
	return &BinanceFeed{
		symbol:  strings.ToUpper(symbol),
		url:     opts.BaseURL + "/" + stream,
		opts:    opts,
		handler: handler,
		log:     logrus.WithField("component", "feed"),
		doneCh:  make(chan struct{}),
	}
}

// Start connects and launches the read loop.
func (f *BinanceFeed) Start(ctx context.Context) error {
	f.runningMu.Lock()
	if f.running {
		f.runningMu.Unlock()
		return fmt.Errorf("feed already running")
	}
	f.running = true
	f.runningMu.Unlock()

	ctx, f.cancel = context.WithCancel(ctx)

	if err := f.connect(); err != nil {
		f.runningMu.Lock()
		f.running = false
		f.runningMu.Unlock()
		return fmt.Errorf("connect binance feed: %w", err)
	}
	f.log.Infof("connected to %s", f.url)

	go f.readLoop(ctx)
	return nil
}

// Stop closes the connection and waits for the read loop.
func (f *BinanceFeed) Stop() {
	f.runningMu.Lock()
	if !f.running {
		f.runningMu.Unlock()
		return
	}
	f.running = false
	f.runningMu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()

	select {
	case <-f.doneCh:
	case <-time.After(3 * time.Second):
		f.log.Warn("feed shutdown timed out")
	}
}

// IsRunning reports whether the feed is started and not stopped.
func (f *BinanceFeed) IsRunning() bool {
	f.runningMu.RLock()
	defer f.runningMu.RUnlock()
	return f.running
}

// LastTicker returns the most recent update, if any.
func (f *BinanceFeed) LastTicker() (BookTicker, bool) {
	f.lastTickMu.RLock()
	defer f.lastTickMu.RUnlock()
	return f.lastTick, !f.lastTick.Timestamp.IsZero()
}

// UpdateCount returns the number of ticker updates received.
func (f *BinanceFeed) UpdateCount() uint64 {
	f.lastTickMu.RLock()
	defer f.lastTickMu.RUnlock()
	return f.updates
}

func (f *BinanceFeed) connect() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	if f.conn != nil {
		f.conn.Close()
	}
	dialer := websocket.Dialer{HandshakeTimeout: f.opts.HandshakeTimeout}
	conn, _, err := dialer.Dial(f.url, nil)
	if err != nil {
		return err
	}
	// Binance pings the client; answering keeps the stream alive.
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	f.conn = conn
	return nil
}

func (f *BinanceFeed) readLoop(ctx context.Context) {
	defer close(f.doneCh)
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		if conn == nil {
			if !f.reconnect(ctx, &attempts) {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			f.connMu.Lock()
			if f.conn != nil {
				f.conn.Close()
				f.conn = nil
			}
			f.connMu.Unlock()

			f.runningMu.RLock()
			running := f.running
			f.runningMu.RUnlock()
			if !running {
				return
			}
			f.log.Warnf("read error: %v", err)
			if !f.reconnect(ctx, &attempts) {
				return
			}
			continue
		}
		attempts = 0
		f.handleMessage(message)
	}
}

// reconnect returns false when the attempt budget is exhausted or the
// context is cancelled.
func (f *BinanceFeed) reconnect(ctx context.Context, attempts *int) bool {
	*attempts++
	if *attempts > f.opts.MaxReconnectAttempts {
		f.log.Errorf("giving up after %d reconnect attempts", f.opts.MaxReconnectAttempts)
		return false
	}
	f.log.Infof("reconnecting in %v (attempt %d/%d)", f.opts.ReconnectDelay, *attempts, f.opts.MaxReconnectAttempts)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(f.opts.ReconnectDelay):
	}
	if err := f.connect(); err != nil {
		f.log.Warnf("reconnect failed: %v", err)
	}
	return true
}

// binanceBookTicker is the raw stream payload. Prices and quantities come
// as strings.
type binanceBookTicker struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

func (f *BinanceFeed) handleMessage(data []byte) {
	var raw binanceBookTicker
	if err := json.Unmarshal(data, &raw); err != nil {
		f.log.Debugf("skipping unparseable message: %v", err)
		return
	}
	if raw.Symbol == "" || raw.BidPrice == "" || raw.AskPrice == "" {
		// Subscription acks and unrelated events.
		return
	}

	tick, err := parseBookTicker(raw)
	if err != nil {
		f.log.Warnf("bad book ticker: %v", err)
		return
	}

	f.lastTickMu.Lock()
	f.lastTick = tick
	f.updates++
	f.lastTickMu.Unlock()

	if f.handler != nil {
		f.handler(tick)
	}
}

func parseBookTicker(raw binanceBookTicker) (BookTicker, error) {
	bid, err := strconv.ParseFloat(raw.BidPrice, 64)
	if err != nil {
		return BookTicker{}, fmt.Errorf("bid price %q: %w", raw.BidPrice, err)
	}
	bidQty, err := strconv.ParseFloat(raw.BidQty, 64)
	if err != nil {
		return BookTicker{}, fmt.Errorf("bid qty %q: %w", raw.BidQty, err)
	}
	ask, err := strconv.ParseFloat(raw.AskPrice, 64)
	if err != nil {
		return BookTicker{}, fmt.Errorf("ask price %q: %w", raw.AskPrice, err)
	}
	askQty, err := strconv.ParseFloat(raw.AskQty, 64)
	if err != nil {
		return BookTicker{}, fmt.Errorf("ask qty %q: %w", raw.AskQty, err)
	}
	if bid <= 0 || ask <= 0 || ask < bid {
		return BookTicker{}, fmt.Errorf("implausible book: bid=%v ask=%v", bid, ask)
	}
	return BookTicker{
		Symbol:    strings.ToUpper(raw.Symbol),
		BidPrice:  bid,
		BidQty:    bidQty,
		AskPrice:  ask,
		AskQty:    askQty,
		Timestamp: time.Now(),
	}, nil
}
