// Command bot runs the DeltaDeFi market-making bot: it mirrors a Binance
// reference book into layered quotes on a DeltaDeFi symbol, tracks orders
// and fills through the OMS, and persists everything to a local store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/deltadefi"
	"github.com/deltabot/godelta/internal/account"
	"github.com/deltabot/godelta/internal/cleanup"
	"github.com/deltabot/godelta/internal/feed"
	"github.com/deltabot/godelta/internal/health"
	"github.com/deltabot/godelta/internal/oms"
	"github.com/deltabot/godelta/internal/pipeline"
	"github.com/deltabot/godelta/internal/quote"
	"github.com/deltabot/godelta/internal/store"
	"github.com/deltabot/godelta/pkg/config"
	"github.com/deltabot/godelta/pkg/logger"
	"github.com/deltabot/godelta/pkg/secretstore"
	"github.com/deltabot/godelta/pkg/shutdown"
)

const operationKeyCacheKey = "operation_key_blob"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.System.LogLevel,
		OutputFile: cfg.System.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Errorf("bot exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.WithField("component", "main")
	log.Infof("starting bot: %s -> %s, mode=%s, network=%s",
		cfg.Trading.SymbolSrc, cfg.Trading.SymbolDst, cfg.System.Mode, cfg.Exchange.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.System.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sessionID, err := st.Sessions.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create trading session: %w", err)
	}
	log.Infof("trading session %s", sessionID)

	var runErr error
	defer func() {
		msg := ""
		if runErr != nil {
			msg = runErr.Error()
		}
		if err := st.Sessions.End(context.Background(), sessionID, msg); err != nil {
			log.WithError(err).Warn("failed to close trading session")
		}
	}()

	client := deltadefi.NewClient(deltadefi.ApiConfig{
		Network:           cfg.Exchange.Network,
		ApiKey:            cfg.Exchange.APIKey,
		OperationPasscode: cfg.Exchange.EncryptionPasscode,
	})

	paper := cfg.System.Mode == "paper"
	if !paper {
		if err := loadOperationKey(ctx, client, cfg); err != nil {
			runErr = fmt.Errorf("load operation key: %w", err)
			return runErr
		}
		log.Info("operation key loaded")
	} else {
		log.Info("paper mode: orders are simulated, nothing reaches the venue")
	}

	riskMgr := oms.NewRiskManager(cfg.Risk, cfg.Trading)
	orderMgr := oms.New(riskMgr)

	base, quoteAsset := account.SplitSymbol(cfg.Trading.SymbolDst)
	ratio := account.NewRatioManager(account.RatioManagerConfig{
		QuoteAsset:      quoteAsset,
		BaseAsset:       base,
		TargetRatio:     cfg.Trading.TargetAssetRatio,
		Tolerance:       cfg.Trading.RatioTolerance,
		SpreadFactor:    cfg.Trading.SpreadAdjustmentFactor,
		LiquidityFactor: cfg.Trading.LiquidityAdjustmentFactor,
	})

	sd := shutdown.NewManager()

	var stream *deltadefi.WebSocketClient
	if !paper {
		stream = client.NewWebSocketClient()
		if err := stream.Start(ctx); err != nil {
			// The account manager re-reconciles from persisted state and
			// REST, so a dead stream at startup is not fatal.
			log.WithError(err).Warn("account stream unavailable at startup")
		} else {
			sd.OnShutdown(func(context.Context) { stream.Stop() })
		}
	}

	var acct *account.Manager
	if !paper {
		acct = account.NewManager(client.Accounts, stream, orderMgr, st, ratio)
		if err := acct.Start(ctx); err != nil {
			log.WithError(err).Warn("account manager started degraded")
		}
	}

	var venue pipeline.Venue = client
	if paper {
		venue = &paperVenue{}
	}

	pipe := pipeline.New(cfg, orderMgr, venue, st, nil)
	pipe.Start(ctx)
	sd.OnShutdown(func(ctx context.Context) { pipe.Stop(ctx) })

	worker := store.NewOutboxWorker(st, store.DefaultOutboxWorkerConfig())
	registerOutboxHandlers(worker)
	worker.Start(ctx)
	sd.OnShutdown(func(context.Context) { worker.Stop() })

	if !paper {
		sweeper := cleanup.New(cfg, client, orderMgr, nil)
		sweeper.Start(ctx)
		sd.OnShutdown(func(context.Context) { sweeper.Stop() })
	}

	engine := quote.NewEngine(cfg, ratio)

	// Quotes flow from the feed goroutine through a latest-wins buffer so
	// slow order submission never backs up ticker handling.
	quoteCh := make(chan *quote.Quote, 1)
	refFeed := feed.NewBinanceFeed(cfg.Trading.SymbolSrc, func(tick feed.BookTicker) {
		q := engine.Generate(tick)
		if q == nil {
			return
		}
		for {
			select {
			case quoteCh <- q:
				return
			default:
				select {
				case <-quoteCh:
				default:
				}
			}
		}
	}, feed.Options{
		ReconnectDelay:       time.Duration(cfg.System.ReconnectDelaySec * float64(time.Second)),
		MaxReconnectAttempts: cfg.System.MaxReconnectAttempts,
	})
	if err := refFeed.Start(ctx); err != nil {
		runErr = fmt.Errorf("start reference feed: %w", err)
		return runErr
	}
	sd.OnShutdown(func(context.Context) { refFeed.Stop() })

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case q := <-quoteCh:
				if err := pipe.ProcessQuote(ctx, q); err != nil {
					log.WithError(err).Warn("quote processing failed")
				}
			}
		}
	}()

	healthSrv := health.NewServer(cfg.System.HealthAddr, health.Probes{
		FeedConnected: refFeed.IsRunning,
		StreamConnected: func() bool {
			if stream == nil {
				return paper
			}
			return stream.IsRunning()
		},
		QuoteStats: engine.Stats,
		Portfolio:  orderMgr.PortfolioSummary,
		PipelineStats: func() map[string]int64 {
			s := pipe.Stats()
			return map[string]int64{
				"quotes_processed": s.QuotesProcessed,
				"quotes_expired":   s.QuotesExpired,
				"orders_submitted": s.OrdersSubmitted,
				"orders_failed":    s.OrdersFailed,
			}
		},
		OutboxStats: func() map[string]int64 {
			out := map[string]int64{}
			counts, err := st.Outbox.StatusCounts(context.Background())
			if err == nil {
				for status, n := range counts {
					out[status] = int64(n)
				}
			}
			ws := worker.Stats()
			out["worker_processed"] = ws.Processed
			out["worker_failed"] = ws.Failed
			return out
		},
	})
	healthSrv.Start()
	sd.OnShutdown(func(ctx context.Context) {
		if err := healthSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("health server shutdown failed")
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	sd.Shutdown(stopCtx)

	log.Info("bot stopped")
	return nil
}

// loadOperationKey decrypts the venue operation key, going through the
// local secret store when possible so restarts do not depend on the
// operation-key endpoint being reachable.
func loadOperationKey(ctx context.Context, client *deltadefi.Client, cfg *config.Config) error {
	secrets, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.System.SecretStorePath})
	if err != nil {
		logrus.WithError(err).Warn("secret store unavailable, fetching operation key directly")
		return client.LoadOperationKey(ctx, cfg.Exchange.EncryptionPasscode)
	}
	defer secrets.Close()

	if blob, ok, err := secrets.GetString(operationKeyCacheKey); err == nil && ok {
		if err := client.LoadOperationKeyFromBlob(blob, cfg.Exchange.EncryptionPasscode); err == nil {
			return nil
		}
		// A stale blob (passcode rotated on the venue) falls through to a
		// fresh fetch.
		logrus.Warn("cached operation key blob is stale, refetching")
	}

	res, err := client.Accounts.GetOperationKey(ctx)
	if err != nil {
		return err
	}
	if err := client.LoadOperationKeyFromBlob(res.EncryptedOperationKey, cfg.Exchange.EncryptionPasscode); err != nil {
		return err
	}
	if err := secrets.SetString(operationKeyCacheKey, res.EncryptedOperationKey); err != nil {
		logrus.WithError(err).Warn("failed to cache operation key blob")
	}
	return nil
}

// registerOutboxHandlers attaches the audit consumers. Every persisted
// order and fill event ends up in the structured log exactly once, with
// retry and dead-lettering handled by the worker.
func registerOutboxHandlers(w *store.OutboxWorker) {
	audit := logger.WithField("component", "audit")
	w.Handle("order_", func(ctx context.Context, ev store.OutboxEvent) error {
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.EventType, err)
		}
		audit.WithFields(logrus.Fields{
			"event":    ev.EventType,
			"order_id": ev.AggregateID,
			"payload":  payload,
		}).Info("order event")
		return nil
	})
	w.Handle("fill_", func(ctx context.Context, ev store.OutboxEvent) error {
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.EventType, err)
		}
		audit.WithFields(logrus.Fields{
			"event":   ev.EventType,
			"fill_id": ev.AggregateID,
			"payload": payload,
		}).Info("fill event")
		return nil
	})
}

// paperVenue accepts every order locally. Used in paper mode so the
// whole pipeline runs without venue credentials.
type paperVenue struct {
	seq atomic.Int64
}

func (v *paperVenue) PostOrder(ctx context.Context, req *deltadefi.BuildPlaceOrderTransactionRequest) (*deltadefi.PostOrderResponse, error) {
	n := v.seq.Add(1)
	price := 0.0
	if req.Price != nil {
		price = *req.Price
	}
	now := time.Now().Unix()
	return &deltadefi.PostOrderResponse{
		Order: deltadefi.OrderRecord{
			OrderID:   fmt.Sprintf("paper-%d", n),
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Status:    deltadefi.OrderStatusOpen,
			Price:     price,
			Quantity:  req.Quantity,
			CreatedAt: now,
			UpdatedAt: now,
		},
		TxHash: fmt.Sprintf("paper-tx-%d", n),
	}, nil
}

func (v *paperVenue) CancelOrder(ctx context.Context, orderID string) (*deltadefi.SubmitCancelOrderTransactionResponse, error) {
	return &deltadefi.SubmitCancelOrderTransactionResponse{TxHash: "paper-cancel"}, nil
}
