package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/pkg/sigchan"
)

// Outbox event statuses.
const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
	EventStatusDeadLetter = "dead_letter"
)

// OutboxEvent is one row of the transactional outbox.
type OutboxEvent struct {
	EventID     string
	EventType   string
	AggregateID string
	Payload     json.RawMessage
	Status      string
	RetryCount  int
	MaxRetries  int
	ErrorMsg    string
	CreatedAt   time.Time
	NextRetryAt time.Time
	ProcessedAt time.Time
}

// OutboxRepo manages outbox event rows.
type OutboxRepo struct {
	db   *sql.DB
	wake *sigchan.Chan
}

// wakeC is the channel the worker selects on to pick up freshly
// published events without waiting out the poll interval.
func (r *OutboxRepo) wakeC() <-chan struct{} {
	if r.wake == nil {
		return nil
	}
	return r.wake.C()
}

// Add enqueues a new event.
func (r *OutboxRepo) Add(ctx context.Context, eventType, aggregateID string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx, `
INSERT INTO outbox (event_id, event_type, aggregate_id, payload, status, retry_count, max_retries, created_at)
VALUES (?,?,?,?,'pending',0,5,?)
`, id, eventType, aggregateID, string(body), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("enqueue %s event: %w", eventType, err)
	}
	if r.wake != nil {
		r.wake.Emit()
	}
	return id, nil
}

// Pending returns events ready for processing: pending events plus
// failed events whose retry time has passed.
func (r *OutboxRepo) Pending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT event_id, event_type, aggregate_id, payload, status, retry_count,
  max_retries, error_message, created_at, next_retry_at, processed_at
FROM outbox
WHERE status='pending' OR (status='failed' AND next_retry_at <= ?)
ORDER BY created_at
LIMIT ?
`, time.Now().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload string
		var errMsg sql.NullString
		var createdAt int64
		var nextRetry, processedAt sql.NullInt64
		if err := rows.Scan(&e.EventID, &e.EventType, &e.AggregateID, &payload,
			&e.Status, &e.RetryCount, &e.MaxRetries, &errMsg,
			&createdAt, &nextRetry, &processedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.ErrorMsg = errMsg.String
		e.CreatedAt = time.Unix(createdAt, 0)
		if nextRetry.Valid {
			e.NextRetryAt = time.Unix(nextRetry.Int64, 0)
		}
		if processedAt.Valid {
			e.ProcessedAt = time.Unix(processedAt.Int64, 0)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkProcessing claims an event for processing.
func (r *OutboxRepo) MarkProcessing(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status='processing' WHERE event_id=?`, eventID)
	return err
}

// MarkCompleted records a successfully processed event.
func (r *OutboxRepo) MarkCompleted(ctx context.Context, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status='completed', processed_at=? WHERE event_id=?`,
		time.Now().Unix(), eventID)
	return err
}

// MarkFailed records a failure. The event moves to dead_letter once its
// retry budget is spent, otherwise it is scheduled for the next retry.
func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID, errMsg string, retryDelay time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE outbox SET
  retry_count = retry_count + 1,
  error_message = ?,
  next_retry_at = ?,
  status = CASE WHEN retry_count + 1 >= max_retries THEN 'dead_letter' ELSE 'failed' END
WHERE event_id=?
`, errMsg, time.Now().Add(retryDelay).Unix(), eventID)
	return err
}

// Requeue resets a dead-lettered event to pending for reprocessing.
func (r *OutboxRepo) Requeue(ctx context.Context, eventID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE outbox SET status='pending', retry_count=0, error_message=NULL, next_retry_at=NULL
WHERE event_id=? AND status='dead_letter'
`, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s is not dead-lettered", eventID)
	}
	return nil
}

// PurgeCompleted deletes completed events processed before the cutoff and
// returns the number removed.
func (r *OutboxRepo) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status='completed' AND processed_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StatusCounts returns the number of events in each status.
func (r *OutboxRepo) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// EventHandler processes one outbox event.
type EventHandler func(ctx context.Context, event OutboxEvent) error

// OutboxWorkerConfig tunes the polling worker.
type OutboxWorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// DefaultOutboxWorkerConfig returns conservative defaults.
func DefaultOutboxWorkerConfig() OutboxWorkerConfig {
	return OutboxWorkerConfig{
		BatchSize:    10,
		PollInterval: time.Second,
		BaseDelay:    5 * time.Second,
		MaxDelay:     time.Hour,
	}
}

// OutboxWorker drains the outbox table, dispatching events to handlers
// registered by event type prefix. Failed events are retried with
// exponential backoff and dead-lettered when the retry budget is spent.
type OutboxWorker struct {
	repo *OutboxRepo
	cfg  OutboxWorkerConfig
	log  *logrus.Entry

	mu       sync.Mutex
	handlers map[string]EventHandler
	running  bool
	stop     chan struct{}
	done     chan struct{}

	processed  int64
	failed     int64
	deadletter int64
}

// NewOutboxWorker creates a worker over the store's outbox.
func NewOutboxWorker(s *Store, cfg OutboxWorkerConfig) *OutboxWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Hour
	}
	return &OutboxWorker{
		repo:     s.Outbox,
		cfg:      cfg,
		log:      logrus.WithField("component", "outbox"),
		handlers: make(map[string]EventHandler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Handle registers a handler for all event types sharing the prefix,
// e.g. "order_" covers order_created and order_status_updated.
func (w *OutboxWorker) Handle(prefix string, h EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[prefix] = h
}

// Start begins the poll loop.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{
		"batch_size":    w.cfg.BatchSize,
		"poll_interval": w.cfg.PollInterval,
	}).Info("Outbox worker started")

	go w.loop(ctx)
}

// Stop halts the poll loop and waits for it to finish.
func (w *OutboxWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stop)
	<-w.done
	w.log.Info("Outbox worker stopped")
}

func (w *OutboxWorker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.repo.wakeC():
			w.drain(ctx)
		}
	}
}

// drain processes one batch of ready events.
func (w *OutboxWorker) drain(ctx context.Context) {
	events, err := w.repo.Pending(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.WithError(err).Error("Failed to fetch pending events")
		return
	}
	for _, ev := range events {
		w.process(ctx, ev)
	}
}

func (w *OutboxWorker) process(ctx context.Context, ev OutboxEvent) {
	if err := w.repo.MarkProcessing(ctx, ev.EventID); err != nil {
		w.log.WithError(err).WithField("event_id", ev.EventID).Error("Failed to claim event")
		return
	}

	handler := w.handlerFor(ev.EventType)
	var err error
	if handler == nil {
		err = fmt.Errorf("no handler for event type %s", ev.EventType)
	} else {
		err = handler(ctx, ev)
	}

	if err == nil {
		if markErr := w.repo.MarkCompleted(ctx, ev.EventID); markErr != nil {
			w.log.WithError(markErr).WithField("event_id", ev.EventID).Error("Failed to mark event completed")
			return
		}
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.failed++
	w.mu.Unlock()

	delay := w.retryDelay(ev.RetryCount)
	if markErr := w.repo.MarkFailed(ctx, ev.EventID, err.Error(), delay); markErr != nil {
		w.log.WithError(markErr).WithField("event_id", ev.EventID).Error("Failed to mark event failed")
		return
	}
	if ev.RetryCount+1 >= ev.MaxRetries {
		w.mu.Lock()
		w.deadletter++
		w.mu.Unlock()
		w.log.WithFields(logrus.Fields{
			"event_id":   ev.EventID,
			"event_type": ev.EventType,
			"error":      err.Error(),
		}).Error("Event dead-lettered after max retries")
	} else {
		w.log.WithFields(logrus.Fields{
			"event_id":    ev.EventID,
			"event_type":  ev.EventType,
			"retry_count": ev.RetryCount + 1,
			"retry_in":    delay,
			"error":       err.Error(),
		}).Warn("Event processing failed, will retry")
	}
}

func (w *OutboxWorker) handlerFor(eventType string) EventHandler {
	w.mu.Lock()
	defer w.mu.Unlock()
	for prefix, h := range w.handlers {
		if strings.HasPrefix(eventType, prefix) {
			return h
		}
	}
	return nil
}

// retryDelay grows exponentially with the retry count, jittered by 20%
// to avoid retry storms.
func (w *OutboxWorker) retryDelay(retryCount int) time.Duration {
	delay := float64(w.cfg.BaseDelay) * math.Pow(2, float64(retryCount))
	if delay > float64(w.cfg.MaxDelay) {
		delay = float64(w.cfg.MaxDelay)
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(delay * jitter)
}

// WorkerStats is a snapshot of worker counters.
type WorkerStats struct {
	Processed  int64
	Failed     int64
	DeadLetter int64
}

// Stats returns the current counters.
func (w *OutboxWorker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{Processed: w.processed, Failed: w.failed, DeadLetter: w.deadletter}
}
