package deltadefi

import (
	"context"
	"fmt"
	"strconv"

	"github.com/deltabot/godelta/pkg/cache"
)

// MarketClient queries public market data.
type MarketClient struct {
	http   *httpClient
	prices *cache.InMemoryCache[string, GetMarketPriceResponse]
}

// GetDepth returns the current order book for symbol.
func (m *MarketClient) GetDepth(ctx context.Context, symbol string) (*GetDepthResponse, error) {
	if symbol == "" {
		return nil, fmt.Errorf("deltadefi: symbol is empty")
	}
	var res GetDepthResponse
	if err := m.http.get(ctx, "/market/depth", map[string]string{"symbol": symbol}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetMarketPrice returns the last traded price for symbol. Responses are
// cached briefly so tight polling loops don't hammer the venue.
func (m *MarketClient) GetMarketPrice(ctx context.Context, symbol string) (*GetMarketPriceResponse, error) {
	if symbol == "" {
		return nil, fmt.Errorf("deltadefi: symbol is empty")
	}
	if cached, ok := m.prices.Get(symbol); ok {
		return &cached, nil
	}
	var res GetMarketPriceResponse
	if err := m.http.get(ctx, "/market/market-price", map[string]string{"symbol": symbol}, &res); err != nil {
		return nil, err
	}
	m.prices.Set(symbol, res, 0)
	return &res, nil
}

// GetAggregatedPrice returns candles for the requested range.
func (m *MarketClient) GetAggregatedPrice(ctx context.Context, req *GetAggregatedPriceRequest) (*GetAggregatedPriceResponse, error) {
	if req == nil || req.Symbol == "" {
		return nil, fmt.Errorf("deltadefi: aggregated price request needs a symbol")
	}
	if req.End > 0 && req.Start > req.End {
		return nil, fmt.Errorf("deltadefi: aggregated price start %d after end %d", req.Start, req.End)
	}
	interval := req.Interval
	if interval == "" {
		interval = Interval15m
	}
	params := map[string]string{
		"symbol":   req.Symbol,
		"interval": string(interval),
	}
	if req.Start > 0 {
		params["start"] = strconv.FormatInt(req.Start, 10)
	}
	if req.End > 0 {
		params["end"] = strconv.FormatInt(req.End, 10)
	}
	var res GetAggregatedPriceResponse
	if err := m.http.get(ctx, "/market/aggregated-price", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
