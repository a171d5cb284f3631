// Package consumer drains the purchase-intent queue into the allocator.
//
// Each message is handled in isolation: malformed payloads are dropped,
// handler errors and panics are logged, and the message is acked once the
// handler returns. A message whose handling was interrupted by shutdown is
// left pending and picked up again by Reclaim.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/kirinyoku/tix-rush/internal/metrics"
	"github.com/kirinyoku/tix-rush/internal/repository"
	redisrepo "github.com/kirinyoku/tix-rush/internal/repository/redis"
	"golang.org/x/sync/errgroup"
)

// Outcome labels beyond the MessageStatus values.
const (
	outcomeMalformed = "MALFORMED"
	outcomeSkipped   = "SKIPPED"
	outcomePanic     = "PANIC"
)

type Queue interface {
	Receive(ctx context.Context, consumer string, count int64, block time.Duration) ([]redisrepo.Message, error)
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]redisrepo.Message, error)
	Ack(ctx context.Context, ids ...string) error
}

type Allocator interface {
	Allocate(ctx context.Context, intent domain.PurchaseIntent) (*domain.Order, error)
}

type StatusStore interface {
	Transition(ctx context.Context, intent domain.PurchaseIntent, status domain.MessageStatus, reason string) error
}

type Audit interface {
	RecordSubmitted(ctx context.Context, requestID string, submittedAtMillis int64) error
}

type SoldOutNotifier interface {
	PublishSoldOut(ctx context.Context, date string) error
}

type Config struct {
	Consumer        string
	Workers         int
	Batch           int64
	Block           time.Duration
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	ReclaimIdle     time.Duration
	// SettleTimeout bounds the writes made after an allocation decided,
	// which run even when shutdown has cancelled the worker.
	SettleTimeout time.Duration
}

type Consumer struct {
	queue    Queue
	alloc    Allocator
	status   StatusStore
	audit    Audit
	notifier SoldOutNotifier
	log      *slog.Logger
	cfg      Config
}

func New(
	queue Queue,
	alloc Allocator,
	status StatusStore,
	audit Audit,
	notifier SoldOutNotifier,
	log *slog.Logger,
	cfg Config,
) *Consumer {
	if cfg.Consumer == "" {
		cfg.Consumer = "allocator"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = time.Minute
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	return &Consumer{
		queue:    queue,
		alloc:    alloc,
		status:   status,
		audit:    audit,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
	}
}

// Run consumes until ctx is cancelled. It only returns an error if a worker
// fails in a way the loop cannot recover from.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < c.cfg.Workers; i++ {
		name := fmt.Sprintf("%s-%d", c.cfg.Consumer, i)
		g.Go(func() error {
			return c.work(ctx, name)
		})
	}

	if c.cfg.ReclaimInterval > 0 {
		g.Go(func() error {
			return c.reclaim(ctx, c.cfg.Consumer+"-reclaim")
		})
	}

	c.log.Info("consumer started", "consumer", c.cfg.Consumer, "workers", c.cfg.Workers)

	err := g.Wait()

	c.log.Info("consumer stopped", "consumer", c.cfg.Consumer)

	return err
}

func (c *Consumer) work(ctx context.Context, name string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := c.queue.Receive(ctx, name, c.cfg.Batch, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("queue receive failed", "consumer", name, "err", err)
			if !wait(ctx, c.cfg.PollInterval) {
				return nil
			}
			continue
		}

		if len(msgs) == 0 {
			if c.cfg.Block <= 0 && !wait(ctx, c.cfg.PollInterval) {
				return nil
			}
			continue
		}

		for _, m := range msgs {
			c.Process(ctx, m)
		}
	}
}

func (c *Consumer) reclaim(ctx context.Context, name string) error {
	t := time.NewTicker(c.cfg.ReclaimInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		msgs, err := c.queue.Reclaim(ctx, name, c.cfg.ReclaimIdle, c.cfg.Batch)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("queue reclaim failed", "consumer", name, "err", err)
			}
			continue
		}

		if len(msgs) > 0 {
			c.log.Info("reclaimed pending messages", "count", len(msgs))
		}

		for _, m := range msgs {
			c.Process(ctx, m)
		}
	}
}

// Process handles one message and acks it unless handling was cut short by
// ctx.
func (c *Consumer) Process(ctx context.Context, m redisrepo.Message) {
	if !c.handleSafely(ctx, m) {
		return
	}

	ctx, cancel := c.settle(ctx)
	defer cancel()

	if err := c.queue.Ack(ctx, m.ID); err != nil {
		c.log.Error("queue ack failed", "message_id", m.ID, "err", err)
	}
}

func (c *Consumer) handleSafely(ctx context.Context, m redisrepo.Message) (ack bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", "message_id", m.ID, "panic", r)
			metrics.ConsumerMessage(outcomePanic)
			ack = true
		}
	}()

	return c.handle(ctx, m)
}

func (c *Consumer) handle(ctx context.Context, m redisrepo.Message) bool {
	intent, err := parse(m.Payload)
	if err != nil {
		c.log.Warn("dropping malformed message", "message_id", m.ID, "err", err)
		metrics.ConsumerMessage(outcomeMalformed)
		return true
	}

	log := c.log.With("request_id", intent.RequestID, "user_id", intent.UserID, "date", intent.Date)

	if err := c.status.Transition(ctx, intent, domain.StatusProcessing, ""); err != nil {
		if errors.Is(err, repository.ErrTerminalStatus) {
			log.Info("intent already processed")
			metrics.ConsumerMessage(outcomeSkipped)
			return true
		}
		if errors.Is(err, repository.ErrRequestMismatch) {
			log.Warn("request id recorded for another user, dropping intent")
			metrics.ConsumerMessage(outcomeSkipped)
			return true
		}
		log.Error("mark processing failed", "err", err)
	}

	if err := c.audit.RecordSubmitted(ctx, intent.RequestID, intent.SubmittedAtMillis); err != nil {
		log.Warn("record submission time failed", "err", err)
	}

	order, err := c.alloc.Allocate(ctx, intent)
	if err != nil && ctx.Err() != nil {
		return false
	}

	status, reason := Outcome(err)

	// the outcome is final from here on, record it even during shutdown
	ctx, cancel := c.settle(ctx)
	defer cancel()

	if errors.Is(err, domain.ErrSoldOut) && c.notifier != nil {
		if perr := c.notifier.PublishSoldOut(ctx, intent.Date); perr != nil {
			log.Warn("publish sold out failed", "err", perr)
		}
	}

	if err := c.status.Transition(ctx, intent, status, reason); err != nil {
		log.Error("record status failed", "status", status, "err", err)
	}

	metrics.ConsumerMessage(string(status))

	if order != nil {
		log.Info("purchase allocated", "ticket_code", order.TicketCode)
	} else {
		log.Info("purchase rejected", "status", status, "reason", reason)
	}

	return true
}

func (c *Consumer) settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SettleTimeout)
}

// Outcome maps an allocation result to the status recorded for the intent.
func Outcome(err error) (domain.MessageStatus, string) {
	switch {
	case err == nil:
		return domain.StatusSuccess, ""
	case errors.Is(err, domain.ErrDuplicate):
		return domain.StatusDuplicate, string(domain.CodeDuplicate)
	default:
		return domain.StatusFailed, string(domain.CodeOf(err))
	}
}

func parse(payload string) (domain.PurchaseIntent, error) {
	var in domain.PurchaseIntent
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return in, err
	}

	switch {
	case in.RequestID == "":
		return in, errors.New("missing request_id")
	case in.UserID <= 0:
		return in, errors.New("missing user_id")
	case in.Date == "":
		return in, errors.New("missing date")
	}

	return in, nil
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
