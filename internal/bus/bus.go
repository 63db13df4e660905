// Package bus implements the Dispatch Bus contract: a durable, topic-routed
// message broker abstraction. The core never speaks a wire broker protocol
// directly; it speaks this contract, backed here by a durable SQLite queue
// table using the same claim/lease/backoff mechanism the state store uses
// for execution records.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/meridian/internal/sqlutil"
)

// Outcome is the result a subscribe handler reports for one event.
type Outcome int

const (
	// Ack acknowledges the message; it is removed from the queue.
	Ack Outcome = iota
	// Retry negative-acknowledges with requeue and exponential backoff.
	Retry
	// Fatal acknowledges the message but publishes a synthetic `*.failed`
	// event carrying the original trace_id and error.
	Fatal
)

// Result is returned by a Handler.
type Result struct {
	Outcome Outcome
	Err     error
}

func OK() Result                { return Result{Outcome: Ack} }
func Retryable(err error) Result { return Result{Outcome: Retry, Err: err} }
func FatalErr(err error) Result  { return Result{Outcome: Fatal, Err: err} }

// Handler processes one event delivered to a subscription.
type Handler func(ctx context.Context, ev Event) Result

// SubscribeOptions configures a subscription's durability and concurrency.
type SubscribeOptions struct {
	Prefetch   int           // concurrent in-flight messages; default 1
	EnableDLQ  bool          // default true
	MaxRetries int           // default DefaultMaxRetries
	MessageTTL time.Duration // optional; 0 = no expiry
	PollEvery  time.Duration // poll interval; default 100ms
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.PollEvery <= 0 {
		o.PollEvery = 100 * time.Millisecond
	}
	return o
}

type binding struct {
	queueName string
	patterns  []string
}

// Bus is the durable topic-routed dispatch bus.
type Bus struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.RWMutex
	bindings []binding

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Open creates a Bus backed by a SQLite file at path.
func Open(path string, logger *slog.Logger) (*Bus, error) {
	db, err := sqlutil.Open(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{db: db, logger: logger}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) migrate() error {
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS bus_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_name TEXT NOT NULL,
	topic TEXT NOT NULL,
	event_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	status TEXT NOT NULL DEFAULT 'ready',
	priority INTEGER NOT NULL DEFAULT 0,
	visible_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	leased_until DATETIME,
	dlq_reason TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_bus_messages_claim ON bus_messages(queue_name, status, visible_at);
`)
	return err
}

// Close stops all subscriptions and closes the database.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return b.db.Close()
}

// Publish serializes ev as JSON and routes it to every durable queue whose
// bound patterns match topic. It returns only after the write is durably
// committed (publisher-confirm semantics), matching the at-least-once
// delivery requirement. If persistent is false, the event is still routed
// but only held in the queue table for the duration of process lifetime
// semantics are identical here since there is no separate transient path;
// the flag is accepted for interface compatibility with the contract.
func (b *Bus) Publish(ctx context.Context, topic string, ev Event, persistent bool) error {
	if ev.EventID == "" {
		return fmt.Errorf("bus: publish requires event_id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}

	b.mu.RLock()
	var matches []string
	for _, bd := range b.bindings {
		for _, p := range bd.patterns {
			if MatchTopic(p, topic) {
				matches = append(matches, bd.queueName)
				break
			}
		}
	}
	b.mu.RUnlock()

	if len(matches) == 0 {
		b.logger.Debug("bus: no subscriber for topic", "topic", topic)
		return nil
	}

	maxRetries := ev.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return sqlutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, q := range matches {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO bus_messages (queue_name, topic, event_id, payload, retry_count, max_retries, status, priority, visible_at)
VALUES (?, ?, ?, ?, 0, ?, 'ready', ?, CURRENT_TIMESTAMP)`,
				q, topic, ev.EventID, payload, maxRetries, ev.Priority); err != nil {
				return fmt.Errorf("bus: enqueue to %s: %w", q, err)
			}
		}
		return tx.Commit()
	})
}

// Subscription is a live consumer bound to a durable queue.
type Subscription struct {
	QueueName string
	bus       *Bus
	cancel    context.CancelFunc
}

// Stop cancels the subscription's consumer goroutines.
func (s *Subscription) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe declares a durable queue bound to patterns, with a sibling DLQ
// named dlq.<queueName> unless opts.EnableDLQ is false, and starts
// opts.Prefetch concurrent consumer goroutines invoking handler.
func (b *Bus) Subscribe(ctx context.Context, queueName string, patterns []string, handler Handler, opts SubscribeOptions) (*Subscription, error) {
	opts = opts.withDefaults()
	if len(patterns) == 0 {
		return nil, fmt.Errorf("bus: subscribe %s requires at least one pattern", queueName)
	}

	b.mu.Lock()
	b.bindings = append(b.bindings, binding{queueName: queueName, patterns: patterns})
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{QueueName: queueName, bus: b, cancel: cancel}

	for i := 0; i < opts.Prefetch; i++ {
		b.wg.Add(1)
		go b.consume(subCtx, queueName, handler, opts)
	}
	return sub, nil
}

func (b *Bus) consume(ctx context.Context, queueName string, handler Handler, opts SubscribeOptions) {
	defer b.wg.Done()
	ticker := time.NewTicker(opts.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.claimAndHandle(ctx, queueName, handler, opts)
		}
	}
}

type claimedMessage struct {
	id         int64
	topic      string
	eventID    string
	payload    []byte
	retryCount int
	maxRetries int
}

func (b *Bus) claimAndHandle(ctx context.Context, queueName string, handler Handler, opts SubscribeOptions) {
	msg, ok, err := b.claimOne(ctx, queueName)
	if err != nil {
		b.logger.Error("bus: claim failed", "queue", queueName, "error", err)
		return
	}
	if !ok {
		return
	}

	var ev Event
	if err := json.Unmarshal(msg.payload, &ev); err != nil {
		b.logger.Error("bus: undecodable message moved to dlq", "queue", queueName, "error", err)
		b.moveToDLQ(ctx, msg, queueName, "undecodable payload: "+err.Error())
		return
	}
	ev.RetryCount = msg.retryCount
	ev.MaxRetries = msg.maxRetries

	result := handler(ctx, ev)
	switch result.Outcome {
	case Ack:
		b.ack(ctx, msg.id)
	case Retry:
		b.retry(ctx, msg, queueName, ev, result.Err)
	case Fatal:
		b.ack(ctx, msg.id)
		b.publishFailed(ctx, msg.topic, ev, result.Err)
	}
}

func (b *Bus) claimOne(ctx context.Context, queueName string) (claimedMessage, bool, error) {
	var msg claimedMessage
	found := false
	err := sqlutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
SELECT id, topic, event_id, payload, retry_count, max_retries
FROM bus_messages
WHERE queue_name = ? AND status = 'ready' AND visible_at <= CURRENT_TIMESTAMP
ORDER BY priority DESC, id ASC
LIMIT 1`, queueName)
		if err := row.Scan(&msg.id, &msg.topic, &msg.eventID, &msg.payload, &msg.retryCount, &msg.maxRetries); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bus_messages SET status='leased', leased_until=datetime('now','+5 minutes') WHERE id = ?`, msg.id); err != nil {
			return err
		}
		found = true
		return tx.Commit()
	})
	return msg, found, err
}

func (b *Bus) ack(ctx context.Context, id int64) {
	_ = sqlutil.RetryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `DELETE FROM bus_messages WHERE id = ?`, id)
		return err
	})
}

func (b *Bus) retry(ctx context.Context, msg claimedMessage, queueName string, ev Event, cause error) {
	if msg.retryCount >= msg.maxRetries {
		b.moveToDLQ(ctx, msg, queueName, fmt.Sprintf("max_retries exceeded: %v", cause))
		return
	}
	delay := RetryDelay(msg.retryCount)
	next := msg.retryCount + 1
	_ = sqlutil.RetryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, `
UPDATE bus_messages SET status='ready', retry_count=?, visible_at=datetime('now', ?) WHERE id = ?`,
			next, fmt.Sprintf("+%d seconds", int(delay.Seconds())), msg.id)
		return err
	})
	b.logger.Warn("bus: message retryable, requeued with backoff",
		"queue", queueName, "event_id", ev.EventID, "retry_count", next, "delay", delay, "cause", cause)
}

func (b *Bus) moveToDLQ(ctx context.Context, msg claimedMessage, queueName, reason string) {
	dlq := "dlq." + queueName
	_ = sqlutil.RetryOnBusy(ctx, 5, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `
UPDATE bus_messages SET queue_name=?, status='ready', retry_count=?, dlq_reason=?, visible_at=CURRENT_TIMESTAMP WHERE id=?`,
			dlq, msg.maxRetries, reason, msg.id); err != nil {
			return err
		}
		return tx.Commit()
	})
	b.logger.Error("bus: message dead-lettered", "queue", queueName, "dlq", dlq, "event_id", msg.eventID, "reason", reason)
}

func (b *Bus) publishFailed(ctx context.Context, originalTopic string, ev Event, cause error) {
	failedEv := ev
	failedEv.EventID = ev.EventID + ".failed"
	failedEv.EventType = "failed"
	failedEv.RetryCount = 0
	errMsg := "fatal error"
	if cause != nil {
		errMsg = cause.Error()
	}
	payload, _ := json.Marshal(map[string]string{"error": errMsg, "original_event_id": ev.EventID})
	failedEv.Payload = payload

	topic := failedTopic(originalTopic)
	if err := b.Publish(ctx, topic, failedEv, true); err != nil {
		b.logger.Error("bus: failed to publish synthetic failed event", "error", err)
	}
}

// QueueDepth reports the number of ready+leased messages for a queue, used
// for backpressure and operator visibility.
func (b *Bus) QueueDepth(ctx context.Context, queueName string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bus_messages WHERE queue_name = ? AND status IN ('ready','leased')`, queueName).Scan(&n)
	return n, err
}

// DLQDepth reports the number of messages in a queue's dead-letter sibling.
func (b *Bus) DLQDepth(ctx context.Context, queueName string) (int, error) {
	return b.QueueDepth(ctx, "dlq."+queueName)
}
