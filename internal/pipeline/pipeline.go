// Package pipeline turns generated quotes into venue orders: persist,
// create in the OMS, rate-limited submit, and replacement of the
// previous quote's orders.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/deltadefi"
	"github.com/deltabot/godelta/internal/oms"
	"github.com/deltabot/godelta/internal/quote"
	"github.com/deltabot/godelta/internal/store"
	"github.com/deltabot/godelta/pkg/config"
	"github.com/deltabot/godelta/pkg/ratelimit"
)

// Venue is the slice of the exchange client the pipeline needs.
// *deltadefi.Client satisfies it.
type Venue interface {
	PostOrder(ctx context.Context, req *deltadefi.BuildPlaceOrderTransactionRequest) (*deltadefi.PostOrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*deltadefi.SubmitCancelOrderTransactionResponse, error)
}

// activeQuote tracks the orders created for the quote currently on the
// book for one symbol.
type activeQuote struct {
	quoteID  string
	symbol   string
	orderIDs []string
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	QuotesProcessed int64
	QuotesExpired   int64
	OrdersSubmitted int64
	OrdersFailed    int64
}

// Pipeline replaces the working orders of a symbol with the orders of
// each new quote. One quote is active per symbol at a time.
type Pipeline struct {
	cfg     *config.Config
	oms     *oms.OMS
	venue   Venue
	store   *store.Store
	limiter ratelimit.Limiter
	log     *logrus.Entry

	mu      sync.Mutex
	active  map[string]*activeQuote // by symbol
	running bool
	stop    chan struct{}
	done    chan struct{}

	stats Stats
}

// New creates a pipeline. limiter may be nil, in which case a token
// bucket sized from system.max_orders_per_second is used.
func New(cfg *config.Config, o *oms.OMS, venue Venue, st *store.Store, limiter ratelimit.Limiter) *Pipeline {
	if limiter == nil {
		rate := cfg.System.MaxOrdersPerSecond
		limiter = ratelimit.NewTokenBucket(int(math.Ceil(rate)), rate)
	}
	return &Pipeline{
		cfg:     cfg,
		oms:     o,
		venue:   venue,
		store:   st,
		limiter: limiter,
		log:     logrus.WithField("component", "pipeline"),
		active:  make(map[string]*activeQuote),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start marks the pipeline running and launches the expiry sweeper.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.sweepLoop(ctx)
	p.log.Info("pipeline started")
}

// Stop cancels the active quotes and halts the sweeper.
func (p *Pipeline) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	symbols := make([]string, 0, len(p.active))
	for sym := range p.active {
		symbols = append(symbols, sym)
	}
	p.mu.Unlock()

	close(p.stop)
	<-p.done

	for _, sym := range symbols {
		if n := p.CancelActiveQuote(ctx, sym); n > 0 {
			p.log.Infof("cancelled %d orders for %s on shutdown", n, sym)
		}
	}
	p.log.Info("pipeline stopped")
}

// ProcessQuote runs one quote through the pipeline: replace the previous
// quote's orders, persist, create OMS orders per layer, and submit them.
func (p *Pipeline) ProcessQuote(ctx context.Context, q *quote.Quote) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline is not running")
	}
	p.mu.Unlock()

	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	// Order replacement: the previous quote's orders come off the book
	// before the new ones go on.
	if cancelled := p.CancelActiveQuote(ctx, q.Symbol); cancelled > 0 {
		p.log.WithFields(logrus.Fields{
			"symbol":    q.Symbol,
			"cancelled": cancelled,
			"quote_id":  q.ID,
		}).Info("replaced previous quote")
	}

	if err := p.persistQuote(ctx, q); err != nil {
		return err
	}

	orders := p.createOrders(ctx, q)
	if len(orders) == 0 {
		p.log.WithField("quote_id", q.ID).Warn("no orders created from quote")
		return nil
	}
	if err := p.store.Quotes.UpdateStatus(ctx, q.ID, store.QuoteStatusOrdersCreated); err != nil {
		p.log.WithError(err).Warn("failed to update quote status")
	}

	submitted := p.submitOrders(ctx, q, orders)
	if submitted > 0 {
		if err := p.store.Quotes.UpdateStatus(ctx, q.ID, store.QuoteStatusOrdersSubmitted); err != nil {
			p.log.WithError(err).Warn("failed to update quote status")
		}
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.OrderID
	}
	p.mu.Lock()
	p.active[q.Symbol] = &activeQuote{quoteID: q.ID, symbol: q.Symbol, orderIDs: ids}
	p.stats.QuotesProcessed++
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"quote_id":  q.ID,
		"symbol":    q.Symbol,
		"orders":    len(orders),
		"submitted": submitted,
	}).Info("quote processed")
	return nil
}

func (p *Pipeline) persistQuote(ctx context.Context, q *quote.Quote) error {
	rec := &store.QuoteRecord{
		QuoteID:        q.ID,
		SymbolSrc:      p.cfg.Trading.SymbolSrc,
		SymbolDst:      q.Symbol,
		SourceBidPrice: q.Source.BidPrice,
		SourceBidQty:   q.Source.BidQty,
		SourceAskPrice: q.Source.AskPrice,
		SourceAskQty:   q.Source.AskQty,
		BidPrice:       q.BestBid(),
		AskPrice:       q.BestAsk(),
		SpreadBps:      q.SpreadBps(),
		BidLayers:      toStoreLayers(q.BidLayers),
		AskLayers:      toStoreLayers(q.AskLayers),
		CreatedAt:      q.Timestamp,
		ExpiresAt:      q.Timestamp.Add(time.Duration(p.cfg.Trading.QuoteTTLMs) * time.Millisecond),
	}
	if len(q.BidLayers) > 0 {
		rec.BidQty = q.BidLayers[0].Quantity
	}
	if len(q.AskLayers) > 0 {
		rec.AskQty = q.AskLayers[0].Quantity
	}
	if err := p.store.Quotes.Insert(ctx, rec); err != nil {
		return fmt.Errorf("persist quote %s: %w", q.ID, err)
	}
	return nil
}

// createOrders registers OMS orders for every layer of both sides.
// Layers rejected by risk checks are skipped.
func (p *Pipeline) createOrders(ctx context.Context, q *quote.Quote) []*oms.Order {
	var orders []*oms.Order
	add := func(side deltadefi.OrderSide, layers []quote.Layer) {
		for _, l := range layers {
			qty := decimal.NewFromFloat(l.Quantity)
			price := decimal.NewFromFloat(l.Price)
			order, err := p.oms.SubmitOrder(q.Symbol, side, deltadefi.OrderTypeLimit, qty, price)
			if err != nil {
				p.log.WithFields(logrus.Fields{
					"quote_id": q.ID,
					"side":     side,
					"layer":    l.Layer,
				}).Warnf("order rejected: %v", err)
				continue
			}
			rec := &store.OrderRecord{
				OrderID:   order.OrderID,
				QuoteID:   q.ID,
				Symbol:    q.Symbol,
				Side:      string(side),
				OrderType: string(deltadefi.OrderTypeLimit),
				Price:     l.Price,
				Quantity:  l.Quantity,
			}
			if err := p.store.Orders.Insert(ctx, rec); err != nil {
				p.log.WithError(err).WithField("order_id", order.OrderID).Warn("failed to persist order")
			}
			orders = append(orders, order)
		}
	}
	add(deltadefi.OrderSideBuy, q.BidLayers)
	add(deltadefi.OrderSideSell, q.AskLayers)
	return orders
}

// submitOrders sends the created orders to the venue under the rate
// limit. Each failure moves its order to failed without aborting the
// rest.
func (p *Pipeline) submitOrders(ctx context.Context, q *quote.Quote, orders []*oms.Order) int {
	submitted := 0
	for _, order := range orders {
		if err := p.limiter.Wait(ctx); err != nil {
			p.failOrder(ctx, order, fmt.Errorf("rate limit wait: %w", err))
			continue
		}

		price, _ := order.Price.Float64()
		qty, _ := order.Quantity.Float64()
		res, err := p.venue.PostOrder(ctx, &deltadefi.BuildPlaceOrderTransactionRequest{
			Symbol:   order.Symbol,
			Side:     order.Side,
			Type:     deltadefi.OrderTypeLimit,
			Quantity: math.Round(qty),
			Price:    deltadefi.FloatPtr(price),
		})
		if err != nil {
			p.failOrder(ctx, order, err)
			continue
		}

		if err := p.oms.UpdateOrderState(order.OrderID, oms.StateWorking, res.Order.OrderID, ""); err != nil {
			p.log.WithError(err).WithField("order_id", order.OrderID).Warn("failed to mark order working")
		}
		if err := p.store.Orders.UpdateStatus(ctx, order.OrderID, "submitted", store.OrderStatusUpdate{
			ExternalOrderID: res.Order.OrderID,
			TxHash:          res.TxHash,
		}); err != nil {
			p.log.WithError(err).WithField("order_id", order.OrderID).Warn("failed to persist order status")
		}
		submitted++
		p.mu.Lock()
		p.stats.OrdersSubmitted++
		p.mu.Unlock()
	}
	return submitted
}

func (p *Pipeline) failOrder(ctx context.Context, order *oms.Order, cause error) {
	p.mu.Lock()
	p.stats.OrdersFailed++
	p.mu.Unlock()

	if err := p.oms.UpdateOrderState(order.OrderID, oms.StateFailed, "", cause.Error()); err != nil {
		p.log.WithError(err).WithField("order_id", order.OrderID).Warn("failed to mark order failed")
	}
	if err := p.store.Orders.UpdateStatus(ctx, order.OrderID, "failed", store.OrderStatusUpdate{
		ErrorMessage: cause.Error(),
	}); err != nil {
		p.log.WithError(err).WithField("order_id", order.OrderID).Warn("failed to persist order status")
	}
	p.log.WithField("order_id", order.OrderID).Errorf("order submission failed: %v", cause)
}

// CancelActiveQuote cancels the working orders of the symbol's active
// quote, venue first, then OMS. Returns how many orders were cancelled.
func (p *Pipeline) CancelActiveQuote(ctx context.Context, symbol string) int {
	p.mu.Lock()
	aq := p.active[symbol]
	delete(p.active, symbol)
	p.mu.Unlock()

	if aq == nil {
		return 0
	}

	cancelled := 0
	for _, orderID := range aq.orderIDs {
		order := p.oms.GetOrder(orderID)
		if order == nil || order.State.IsTerminal() {
			continue
		}
		if order.ExternalOrderID != "" {
			if _, err := p.venue.CancelOrder(ctx, order.ExternalOrderID); err != nil {
				// The order may have filled or expired venue-side; the
				// cleanup service reconciles stragglers.
				p.log.WithFields(logrus.Fields{
					"order_id":    orderID,
					"external_id": order.ExternalOrderID,
				}).Warnf("venue cancel failed: %v", err)
			}
		}
		if err := p.oms.CancelOrder(orderID, "quote replaced"); err != nil {
			p.log.WithError(err).WithField("order_id", orderID).Warn("oms cancel failed")
			continue
		}
		if err := p.store.Orders.UpdateStatus(ctx, orderID, "cancelled", store.OrderStatusUpdate{}); err != nil {
			p.log.WithError(err).WithField("order_id", orderID).Warn("failed to persist cancellation")
		}
		cancelled++
	}
	return cancelled
}

// ActiveQuoteID returns the active quote's ID for symbol, "" when none.
func (p *Pipeline) ActiveQuoteID(symbol string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if aq := p.active[symbol]; aq != nil {
		return aq.quoteID
	}
	return ""
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// sweepLoop periodically expires stale quote rows.
func (p *Pipeline) sweepLoop(ctx context.Context) {
	defer close(p.done)

	interval := time.Duration(p.cfg.Trading.QuoteTTLMs) * time.Millisecond
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.Quotes.ExpireOlderThan(ctx, time.Now())
			if err != nil {
				p.log.WithError(err).Warn("quote expiry sweep failed")
				continue
			}
			if n > 0 {
				p.mu.Lock()
				p.stats.QuotesExpired += n
				p.mu.Unlock()
				p.log.Debugf("expired %d stale quotes", n)
			}
		}
	}
}

func toStoreLayers(layers []quote.Layer) []store.QuoteLayer {
	out := make([]store.QuoteLayer, len(layers))
	for i, l := range layers {
		out[i] = store.QuoteLayer{
			Layer:     l.Layer,
			Price:     l.Price,
			Quantity:  l.Quantity,
			SpreadBps: l.SpreadBps,
		}
	}
	return out
}
