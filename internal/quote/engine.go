// Package quote generates multi-layer quotes for the destination venue
// from reference book ticker data.
package quote

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/internal/account"
	"github.com/deltabot/godelta/internal/feed"
	"github.com/deltabot/godelta/pkg/config"
)

const pricePrecision = 6

// Layer is one price level of a quote side.
type Layer struct {
	Layer     int
	Price     float64
	Quantity  float64
	SpreadBps float64
}

// Quote is a generated multi-layer two-sided quote. A side is nil when
// disabled in config.
type Quote struct {
	ID        string
	Symbol    string
	BidLayers []Layer
	AskLayers []Layer
	Timestamp time.Time
	Source    feed.BookTicker
}

// BestBid returns the tightest bid layer price, 0 when bids are disabled.
func (q *Quote) BestBid() float64 {
	if len(q.BidLayers) == 0 {
		return 0
	}
	return q.BidLayers[0].Price
}

// BestAsk returns the tightest ask layer price, 0 when asks are disabled.
func (q *Quote) BestAsk() float64 {
	if len(q.AskLayers) == 0 {
		return 0
	}
	return q.AskLayers[0].Price
}

// SpreadBps is the first-layer spread in basis points, 0 when one-sided.
func (q *Quote) SpreadBps() float64 {
	bid, ask := q.BestBid(), q.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 10000
}

// Engine turns reference tickers into quotes, suppressing requotes that
// are too soon or too small and rejecting stale reference data.
type Engine struct {
	cfg   *config.Config
	ratio *account.RatioManager
	log   *logrus.Entry

	mu            sync.Mutex
	lastQuoteTime time.Time
	lastSource    *feed.BookTicker
	generated     uint64
	suppressed    uint64
}

// NewEngine creates a quote engine. ratio may be nil, which disables
// imbalance adjustments.
func NewEngine(cfg *config.Config, ratio *account.RatioManager) *Engine {
	return &Engine{
		cfg:   cfg,
		ratio: ratio,
		log:   logrus.WithField("component", "quote"),
	}
}

// Generate produces a quote from tick, or nil when generation is
// suppressed (requote threshold, price-move threshold, stale data).
func (e *Engine) Generate(tick feed.BookTicker) *Quote {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.shouldSkipRequote(tick, now) {
		e.suppressed++
		return nil
	}
	if age := now.Sub(tick.Timestamp); age > time.Duration(e.cfg.Trading.StaleMs)*time.Millisecond {
		e.log.Warnf("reference data is stale (%v), skipping quote", age)
		e.suppressed++
		return nil
	}

	adj := e.adjustment()
	bidAlloc, askAlloc := e.allocation()

	q := &Quote{
		Symbol:    e.cfg.Trading.SymbolDst,
		BidLayers: e.buildLayers(tick.BidPrice, true, adj, bidAlloc),
		AskLayers: e.buildLayers(tick.AskPrice, false, adj, askAlloc),
		Timestamp: now,
		Source:    tick,
	}

	e.lastQuoteTime = now
	e.lastSource = &tick
	e.generated++

	e.log.WithFields(logrus.Fields{
		"symbol":     q.Symbol,
		"bid_layers": len(q.BidLayers),
		"ask_layers": len(q.AskLayers),
		"spread_bps": q.SpreadBps(),
	}).Debug("quote generated")
	return q
}

// buildLayers computes one side. Layer i spread = base + (i-1)*tick bps,
// scaled by the side's ratio multiplier; size grows per layer by the
// liquidity multiplier and never drops below the minimum quote size.
func (e *Engine) buildLayers(refPrice float64, isBid bool, adj account.RatioAdjustment, alloc float64) []Layer {
	t := e.cfg.Trading
	side := "ask"
	spreadMult, liqMult := adj.AskSpreadMultiplier, adj.AskLiquidityMultiplier
	if isBid {
		side = "bid"
		spreadMult, liqMult = adj.BidSpreadMultiplier, adj.BidLiquidityMultiplier
	}
	if !e.cfg.IsSideEnabled(side) || refPrice <= 0 {
		return nil
	}

	baseNotional := t.TotalLiquidity * alloc / float64(t.NumLayers)
	layers := make([]Layer, 0, t.NumLayers)
	for i := 1; i <= t.NumLayers; i++ {
		spreadBps := (float64(t.BaseSpreadBps) + float64(i-1)*float64(t.TickSpreadBps)) * spreadMult
		price := refPrice * (1 - spreadBps/10000)
		if !isBid {
			price = refPrice * (1 + spreadBps/10000)
		}
		price = roundTo(price, pricePrecision)

		growth := 1 + float64(i-1)*t.LayerLiquidityMultiplier
		qty := baseNotional * growth / price * liqMult
		if qty < t.MinQuoteSize {
			qty = t.MinQuoteSize
		}
		qty = roundTo(qty, 2)

		layers = append(layers, Layer{
			Layer:     i,
			Price:     price,
			Quantity:  qty,
			SpreadBps: spreadBps,
		})
	}
	return layers
}

// shouldSkipRequote assumes e.mu is held.
func (e *Engine) shouldSkipRequote(tick feed.BookTicker, now time.Time) bool {
	if sinceLast := now.Sub(e.lastQuoteTime); !e.lastQuoteTime.IsZero() &&
		sinceLast < time.Duration(e.cfg.Trading.MinRequoteMs)*time.Millisecond {
		return true
	}

	if e.lastSource != nil {
		bidMove := math.Abs(tick.BidPrice - e.lastSource.BidPrice)
		askMove := math.Abs(tick.AskPrice - e.lastSource.AskPrice)
		// Requote only when the reference moved at least half a tick
		// spread.
		threshold := float64(e.cfg.Trading.TickSpreadBps) / 2 / 10000
		if math.Max(bidMove, askMove) < threshold {
			return true
		}
	}
	return false
}

func (e *Engine) adjustment() account.RatioAdjustment {
	if e.ratio == nil {
		return account.RatioAdjustment{
			BidSpreadMultiplier:    1,
			AskSpreadMultiplier:    1,
			BidLiquidityMultiplier: 1,
			AskLiquidityMultiplier: 1,
			ImbalanceRatio:         1,
		}
	}
	return e.ratio.Adjustment()
}

func (e *Engine) allocation() (float64, float64) {
	if e.ratio == nil {
		return 0.5, 0.5
	}
	return e.ratio.CapitalAllocation()
}

// Stats reports generation counters for the status endpoint.
type Stats struct {
	Generated     uint64    `json:"generated"`
	Suppressed    uint64    `json:"suppressed"`
	LastQuoteTime time.Time `json:"last_quote_time"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Generated:     e.generated,
		Suppressed:    e.suppressed,
		LastQuoteTime: e.lastQuoteTime,
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
