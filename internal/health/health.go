// Package health exposes liveness and status endpoints for the bot.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/internal/oms"
	"github.com/deltabot/godelta/internal/quote"
)

// Probes wires the components the status endpoint reports on. Any field
// may be nil; its section is then omitted.
type Probes struct {
	FeedConnected   func() bool
	StreamConnected func() bool
	QuoteStats      func() quote.Stats
	Portfolio       func() oms.Summary
	PipelineStats   func() map[string]int64
	CleanupStats    func() map[string]int64
	OutboxStats     func() map[string]int64
}

// Server serves /healthz and /status.
type Server struct {
	addr   string
	probes Probes
	log    *logrus.Entry

	started time.Time
	mu      sync.Mutex
	srv     *http.Server
}

// NewServer creates a health server bound to addr.
func NewServer(addr string, probes Probes) *Server {
	return &Server{
		addr:    addr,
		probes:  probes,
		log:     logrus.WithField("component", "health"),
		started: time.Now(),
	}
}

// Router builds the HTTP handler, exposed separately for tests.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/status", s.handleStatus)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	body := gin.H{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().Unix(),
	}

	healthy := true
	if s.probes.FeedConnected != nil {
		ok := s.probes.FeedConnected()
		body["feed_connected"] = ok
		healthy = healthy && ok
	}
	if s.probes.StreamConnected != nil {
		ok := s.probes.StreamConnected()
		body["stream_connected"] = ok
		healthy = healthy && ok
	}
	if s.probes.QuoteStats != nil {
		st := s.probes.QuoteStats()
		body["quotes"] = gin.H{
			"generated":  st.Generated,
			"suppressed": st.Suppressed,
			"last_quote": st.LastQuoteTime.Unix(),
		}
	}
	if s.probes.Portfolio != nil {
		p := s.probes.Portfolio()
		body["portfolio"] = gin.H{
			"positions":      p.TotalPositions,
			"open_orders":    p.OpenOrders,
			"total_notional": p.TotalNotional,
			"realized_pnl":   p.TotalRealizedPnL,
			"daily_pnl":      p.DailyPnL,
		}
	}
	if s.probes.PipelineStats != nil {
		body["pipeline"] = s.probes.PipelineStats()
	}
	if s.probes.CleanupStats != nil {
		body["cleanup"] = s.probes.CleanupStats()
	}
	if s.probes.OutboxStats != nil {
		body["outbox"] = s.probes.OutboxStats()
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	body["status"] = status
	c.JSON(code, body)
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.mu.Lock()
	s.srv = &http.Server{Addr: s.addr, Handler: s.Router()}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		s.log.Infof("health server listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("health server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
