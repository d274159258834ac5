// Package deltadefi is a typed client for the DeltaDeFi trading venue:
// account queries, market data, order transactions (build, sign, submit)
// and the account/market WebSocket streams.
package deltadefi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deltabot/godelta/pkg/cache"
)

const (
	stagingAPIURL    = "https://api-staging.deltadefi.io"
	stagingStreamURL = "wss://stream-staging.deltadefi.io"
	mainnetAPIURL    = "https://api.deltadefi.io"
	mainnetStreamURL = "wss://stream.deltadefi.io"

	marketPriceCacheTTL = 500 * time.Millisecond
)

// ApiConfig configures a Client.
type ApiConfig struct {
	Network           string // "staging" or "mainnet"
	ApiKey            string
	OperationPasscode string

	// Overrides, used by tests and self-hosted gateways.
	BaseURL   string
	StreamURL string
}

// Client is the top-level DeltaDeFi client. Accounts, Market and Order are
// the per-area sub-clients; composite operations that need the operation
// key (PostOrder, CancelOrder) live on Client itself.
type Client struct {
	Accounts *AccountsClient
	Market   *MarketClient
	Order    *OrderClient

	cfg        ApiConfig
	http       *httpClient
	streamURL  string
	opKey      *OperationKey
	priceCache *cache.InMemoryCache[string, GetMarketPriceResponse]
}

// NewClient builds a client for the configured network.
func NewClient(cfg ApiConfig) *Client {
	baseURL, streamURL := resolveNetwork(cfg)

	h := newHTTPClient(baseURL, cfg.ApiKey)
	c := &Client{
		cfg:        cfg,
		http:       h,
		streamURL:  streamURL,
		priceCache: cache.NewInMemoryCache[string, GetMarketPriceResponse](marketPriceCacheTTL),
	}
	c.Accounts = &AccountsClient{http: h}
	c.Market = &MarketClient{http: h, prices: c.priceCache}
	c.Order = &OrderClient{http: h}
	return c
}

func resolveNetwork(cfg ApiConfig) (string, string) {
	baseURL := cfg.BaseURL
	streamURL := cfg.StreamURL
	if baseURL == "" {
		switch strings.ToLower(cfg.Network) {
		case "mainnet":
			baseURL = mainnetAPIURL
		default:
			baseURL = stagingAPIURL
		}
	}
	if streamURL == "" {
		switch strings.ToLower(cfg.Network) {
		case "mainnet":
			streamURL = mainnetStreamURL
		default:
			streamURL = stagingStreamURL
		}
	}
	return baseURL, streamURL
}

// LoadOperationKey fetches the encrypted operation key from the venue and
// decrypts it with the passcode. Must be called before PostOrder or
// CancelOrder.
func (c *Client) LoadOperationKey(ctx context.Context, passcode string) error {
	if passcode == "" {
		return fmt.Errorf("deltadefi: operation passcode is empty")
	}
	res, err := c.Accounts.GetOperationKey(ctx)
	if err != nil {
		return fmt.Errorf("fetch operation key: %w", err)
	}
	return c.LoadOperationKeyFromBlob(res.EncryptedOperationKey, passcode)
}

// LoadOperationKeyFromBlob decrypts an already-fetched encrypted key blob,
// e.g. one cached in a local secret store.
func (c *Client) LoadOperationKeyFromBlob(encrypted, passcode string) error {
	key, err := DecryptOperationKey(encrypted, passcode)
	if err != nil {
		return fmt.Errorf("decrypt operation key: %w", err)
	}
	c.opKey = key
	return nil
}

// HasOperationKey reports whether the signing key is loaded.
func (c *Client) HasOperationKey() bool { return c.opKey != nil }

// PostOrder builds, signs and submits a place-order transaction.
func (c *Client) PostOrder(ctx context.Context, req *BuildPlaceOrderTransactionRequest) (*PostOrderResponse, error) {
	if c.opKey == nil {
		return nil, ErrOperationKeyNotLoaded
	}
	built, err := c.Order.BuildPlaceOrderTransaction(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("build place order tx: %w", err)
	}
	signed, err := c.opKey.SignTx(built.TxHex)
	if err != nil {
		return nil, fmt.Errorf("sign place order tx: %w", err)
	}
	res, err := c.Order.SubmitPlaceOrderTransaction(ctx, &SubmitPlaceOrderTransactionRequest{
		OrderID:  built.OrderID,
		SignedTx: signed,
	})
	if err != nil {
		return nil, fmt.Errorf("submit place order tx: %w", err)
	}
	return res, nil
}

// CancelOrder builds, signs and submits a cancel transaction for orderID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*SubmitCancelOrderTransactionResponse, error) {
	if c.opKey == nil {
		return nil, ErrOperationKeyNotLoaded
	}
	built, err := c.Order.BuildCancelOrderTransaction(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("build cancel order tx: %w", err)
	}
	signed, err := c.opKey.SignTx(built.TxHex)
	if err != nil {
		return nil, fmt.Errorf("sign cancel order tx: %w", err)
	}
	res, err := c.Order.SubmitCancelOrderTransaction(ctx, &SubmitCancelOrderTransactionRequest{SignedTx: signed})
	if err != nil {
		return nil, fmt.Errorf("submit cancel order tx: %w", err)
	}
	return res, nil
}

// CancelAllOrders cancels every open order, optionally filtered by symbol
// (empty symbol means all). Returns the number of orders cancelled.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	if c.opKey == nil {
		return 0, ErrOperationKeyNotLoaded
	}
	orders, err := c.Accounts.GetAllOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, o := range orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if _, err := c.CancelOrder(ctx, o.OrderID); err != nil {
			return cancelled, fmt.Errorf("cancel order %s: %w", o.OrderID, err)
		}
		cancelled++
	}
	return cancelled, nil
}

// GetAllOpenOrders forwards to the accounts sub-client so callers that
// both list and cancel can work against the one client value.
func (c *Client) GetAllOpenOrders(ctx context.Context) ([]OrderRecord, error) {
	return c.Accounts.GetAllOpenOrders(ctx)
}

// NewWebSocketClient creates a stream client bound to this client's
// network and credentials.
func (c *Client) NewWebSocketClient() *WebSocketClient {
	return NewWebSocketClient(c.streamURL, c.cfg.ApiKey)
}
