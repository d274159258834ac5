package deltadefi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewWebSocketClient(t *testing.T) {
	c := NewWebSocketClient("wss://example.invalid/ws", "key")
	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.config == nil {
		t.Error("config should be initialized")
	}
	if c.subs == nil {
		t.Error("subscription map should be initialized")
	}
	if c.msgChan == nil || c.errChan == nil {
		t.Error("channels should be initialized")
	}
	if c.IsRunning() {
		t.Error("client should not be running before Start")
	}
}

func TestWebSocketClientWithConfig(t *testing.T) {
	cfg := DefaultWSConfig()
	cfg.MessageBufferSize = 512
	cfg.ReconnectDelay = 5 * time.Second

	c := NewWebSocketClientWithConfig("wss://example.invalid/ws", "key", cfg)
	if c.config.MessageBufferSize != 512 {
		t.Errorf("message buffer size: got %d, want 512", c.config.MessageBufferSize)
	}
	if c.config.ReconnectDelay != 5*time.Second {
		t.Errorf("reconnect delay: got %v, want 5s", c.config.ReconnectDelay)
	}
}

func TestSubscribeBeforeConnect(t *testing.T) {
	c := NewWebSocketClient("wss://example.invalid/ws", "key")

	// The send fails without a connection, but the subscription is
	// recorded so a later connect replays it.
	if err := c.SubscribeTrade("ADAUSDM", nil); err == nil {
		t.Error("expected send error while disconnected")
	}
	c.SubscribeDepth("ADAUSDM", nil)
	c.SubscribeAccount(nil)

	if got := c.SubscriptionCount(); got != 3 {
		t.Errorf("subscription count: got %d, want 3", got)
	}

	// Duplicate subscriptions are not counted twice.
	c.SubscribeTrade("ADAUSDM", nil)
	if got := c.SubscriptionCount(); got != 3 {
		t.Errorf("subscription count after duplicate: got %d, want 3", got)
	}

	c.Unsubscribe(ChannelTrade, "ADAUSDM")
	if got := c.SubscriptionCount(); got != 2 {
		t.Errorf("subscription count after unsubscribe: got %d, want 2", got)
	}
}

func TestSubKey(t *testing.T) {
	if got := subKey(ChannelAccount, ""); got != "account" {
		t.Errorf("account key: got %q", got)
	}
	if got := subKey(ChannelDepth, "ADAUSDM"); got != "depth:ADAUSDM" {
		t.Errorf("depth key: got %q", got)
	}
}

func TestHandleMessageDispatch(t *testing.T) {
	c := NewWebSocketClient("wss://example.invalid/ws", "key")

	var got WSMessage
	c.subs[subKey(ChannelPrice, "ADAUSDM")] = func(msg WSMessage) { got = msg }

	c.handleMessage([]byte(`{"channel":"price","symbol":"ADAUSDM","data":{"price":0.51}}`))

	if got.Channel != ChannelPrice || got.Symbol != "ADAUSDM" {
		t.Fatalf("handler not invoked correctly: %+v", got)
	}

	var data PriceStreamData
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatalf("decode price data: %v", err)
	}
	if data.Price != 0.51 {
		t.Errorf("price: got %v", data.Price)
	}

	select {
	case msg := <-c.Messages():
		if msg.Channel != ChannelPrice {
			t.Errorf("fan-in channel: got %+v", msg)
		}
	default:
		t.Error("message should be on the fan-in channel")
	}
}

func TestHandleMessageIgnoresNoise(t *testing.T) {
	c := NewWebSocketClient("wss://example.invalid/ws", "key")

	// Text pongs, empty frames and channel-less acks are all dropped.
	c.handleMessage([]byte("pong"))
	c.handleMessage([]byte("  "))
	c.handleMessage([]byte(`{"result":"subscribed"}`))

	select {
	case msg := <-c.Messages():
		t.Errorf("unexpected message: %+v", msg)
	default:
	}

	c.handleMessage([]byte(`{"channel": broken json`))
	select {
	case <-c.Errors():
	default:
		t.Error("malformed JSON should surface on the error channel")
	}
}

func TestWebSocketClientEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("X-API-KEY header: got %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Wait for the subscribe frame, then push one trade.
		var sub map[string]interface{}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub["method"] != "subscribe" {
			t.Errorf("expected subscribe frame, got %+v", sub)
		}
		conn.WriteJSON(WSMessage{
			Channel: ChannelTrade,
			Symbol:  "ADAUSDM",
			Data:    json.RawMessage(`{"symbol":"ADAUSDM","side":"buy","price":0.5,"quantity":10}`),
		})
		// Keep the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewWebSocketClient(wsURL, "test-key")

	received := make(chan TradeStreamData, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !c.IsRunning() {
		t.Fatal("client should be running after Start")
	}

	err := c.SubscribeTrade("ADAUSDM", func(msg WSMessage) {
		var trade TradeStreamData
		if err := json.Unmarshal(msg.Data, &trade); err != nil {
			t.Errorf("decode trade: %v", err)
			return
		}
		select {
		case received <- trade:
		default:
		}
	})
	if err != nil {
		t.Fatalf("SubscribeTrade: %v", err)
	}

	select {
	case trade := <-received:
		if trade.Price != 0.5 || trade.Quantity != 10 {
			t.Errorf("unexpected trade: %+v", trade)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for trade message")
	}
}
