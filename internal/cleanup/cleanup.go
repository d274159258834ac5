// Package cleanup cancels venue orders the OMS does not know about.
// Such orders appear after crashes or restarts and would tie up balance
// indefinitely.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/deltadefi"
	"github.com/deltabot/godelta/internal/oms"
	"github.com/deltabot/godelta/pkg/config"
	"github.com/deltabot/godelta/pkg/ratelimit"
)

// Exchange is the slice of the venue client the service needs.
// *deltadefi.Client satisfies it.
type Exchange interface {
	GetAllOpenOrders(ctx context.Context) ([]deltadefi.OrderRecord, error)
	CancelOrder(ctx context.Context, orderID string) (*deltadefi.SubmitCancelOrderTransactionResponse, error)
}

// registrationGrace protects orders submitted moments ago that the OMS
// may not have registered yet.
const registrationGrace = 10 * time.Second

// Stats is a snapshot of the service counters.
type Stats struct {
	Runs            int64
	OrdersFound     int64
	OrdersCancelled int64
	Errors          int64
	LastRun         time.Time
}

// Service periodically compares venue open orders against the OMS's
// tracked external IDs and cancels the strays.
type Service struct {
	cfg      *config.Config
	exchange Exchange
	oms      *oms.OMS
	limiter  ratelimit.Limiter
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	stats   Stats
}

// New creates the cleanup service. limiter may be nil.
func New(cfg *config.Config, exchange Exchange, o *oms.OMS, limiter ratelimit.Limiter) *Service {
	if limiter == nil {
		rate := cfg.System.MaxOrdersPerSecond
		limiter = ratelimit.NewTokenBucket(1, rate)
	}
	return &Service{
		cfg:      cfg,
		exchange: exchange,
		oms:      o,
		limiter:  limiter,
		log:      logrus.WithField("component", "cleanup"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs an initial sweep and launches the periodic loop. Disabled
// by config it is a no-op.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.System.CleanupUnregisteredOrders {
		s.log.Info("unregistered order cleanup disabled")
		close(s.done)
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if n, err := s.RunOnce(ctx); err != nil {
		s.log.WithError(err).Warn("initial cleanup sweep failed")
	} else if n > 0 {
		s.log.Infof("initial cleanup cancelled %d stray orders", n)
	}

	go s.loop(ctx)
	s.log.Info("cleanup service started")
}

// Stop halts the loop.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	s.log.Info("cleanup service stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	interval := time.Duration(s.cfg.System.CleanupCheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.mu.Lock()
				s.stats.Errors++
				s.mu.Unlock()
				s.log.WithError(err).Warn("cleanup sweep failed")
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many orders it
// cancelled.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	orders, err := s.exchange.GetAllOpenOrders(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRun = time.Now()
	s.stats.OrdersFound += int64(len(orders))
	s.mu.Unlock()

	if len(orders) == 0 {
		return 0, nil
	}

	tracked := s.oms.TrackedExternalIDs()
	symbol := s.cfg.Trading.SymbolDst

	cancelled := 0
	for _, o := range orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if tracked[o.OrderID] {
			continue
		}
		if o.CreatedAt > 0 {
			age := time.Since(time.Unix(o.CreatedAt, 0))
			if age < registrationGrace {
				s.log.WithField("order_id", o.OrderID).Debug("skipping order still registering")
				continue
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return cancelled, err
		}
		if _, err := s.exchange.CancelOrder(ctx, o.OrderID); err != nil {
			s.log.WithFields(logrus.Fields{
				"order_id": o.OrderID,
				"symbol":   o.Symbol,
			}).Warnf("failed to cancel unregistered order: %v", err)
			continue
		}
		cancelled++
		s.log.WithFields(logrus.Fields{
			"order_id": o.OrderID,
			"symbol":   o.Symbol,
			"side":     o.Side,
			"price":    o.Price,
		}).Info("cancelled unregistered order")
	}

	s.mu.Lock()
	s.stats.OrdersCancelled += int64(cancelled)
	s.mu.Unlock()
	return cancelled, nil
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
