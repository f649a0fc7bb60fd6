// Package jobs provides the distributed at-least-once job queue used for call
// dispatch, artifact uploads, and webhook delivery.
//
// Jobs are named functions. Producers enqueue a job name plus an opaque
// payload; any process that registered a handler for that name may pick it up.
// The queue rides a pulse stream (a Redis consumer group underneath), so each
// job is delivered to exactly one worker per sink and redelivered if the
// worker dies before acking.
//
// Delayed execution (retry backoff, scheduled batches) goes through a sorted
// set keyed by ready-time; a mover goroutine drains due entries into the
// stream. At-least-once delivery is preserved because the member is only
// removed from the set after the stream add succeeds.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
	"golang.org/x/sync/errgroup"

	"github.com/voicelane/voicelane/internal/bus"
)

// Handler processes a single job. Returning an error triggers a delayed
// retry until the attempt budget is exhausted.
type Handler func(ctx context.Context, payload []byte) error

// Config holds queue tuning knobs. Zero values select defaults.
type Config struct {
	// StreamName is the pulse stream carrying ready jobs.
	StreamName string `yaml:"stream_name"`

	// SinkName is the consumer-group name. All workers sharing a sink split
	// the work; distinct sinks each see every job.
	SinkName string `yaml:"sink_name"`

	// MaxStreamLen bounds the underlying Redis stream.
	MaxStreamLen int `yaml:"max_stream_len"`

	// MoverInterval is how often the delayed set is polled for due jobs.
	MoverInterval time.Duration `yaml:"mover_interval"`

	// RetryDelay is the pause before a failed job runs again.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// MaxAttempts caps executions per job, first run included.
	MaxAttempts int `yaml:"max_attempts"`
}

func (c *Config) applyDefaults() {
	if c.StreamName == "" {
		c.StreamName = "jobs"
	}
	if c.SinkName == "" {
		c.SinkName = "workers"
	}
	if c.MaxStreamLen == 0 {
		c.MaxStreamLen = 100_000
	}
	if c.MoverInterval == 0 {
		c.MoverInterval = time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
}

// envelope is the wire form of a job, both in the stream payload and in the
// delayed sorted set. Nonce keeps otherwise identical delayed jobs distinct
// set members.
type envelope struct {
	Job     string `json:"job"`
	Attempt int    `json:"attempt"`
	Data    []byte `json:"data,omitempty"`
	Nonce   string `json:"nonce"`
}

// Queue is the job queue. Create one per process with New, register handlers,
// then call Run.
type Queue struct {
	cfg        Config
	bus        *bus.Bus
	stream     *streaming.Stream
	logger     *slog.Logger
	delayedKey string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a queue on top of the shared bus connection.
func New(b *bus.Bus, logger *slog.Logger, cfg Config) (*Queue, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	stream, err := streaming.NewStream(cfg.StreamName, b.Client(),
		streamopts.WithStreamMaxLen(cfg.MaxStreamLen))
	if err != nil {
		return nil, fmt.Errorf("jobs: create stream %q: %w", cfg.StreamName, err)
	}
	return &Queue{
		cfg:        cfg,
		bus:        b,
		stream:     stream,
		logger:     logger.With("component", "jobs"),
		delayedKey: cfg.StreamName + ":delayed",
		handlers:   map[string]Handler{},
	}, nil
}

// Register binds a handler to a job name. Registering the same name twice is
// a programming error.
func (q *Queue) Register(job string, h Handler) error {
	if job == "" {
		return errors.New("jobs: job name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("jobs: nil handler for %q", job)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.handlers[job]; dup {
		return fmt.Errorf("jobs: handler for %q already registered", job)
	}
	q.handlers[job] = h
	return nil
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOpts)

type enqueueOpts struct {
	delay time.Duration
}

// WithDelay schedules the job to become ready after d instead of immediately.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOpts) {
		o.delay = d
	}
}

// Enqueue submits a job for execution.
func (q *Queue) Enqueue(ctx context.Context, job string, payload []byte, opts ...EnqueueOption) error {
	var o enqueueOpts
	for _, opt := range opts {
		opt(&o)
	}
	env := envelope{
		Job:     job,
		Attempt: 1,
		Data:    payload,
		Nonce:   uuid.NewString(),
	}
	if o.delay > 0 {
		return q.enqueueDelayed(ctx, env, time.Now().Add(o.delay))
	}
	return q.addToStream(ctx, env)
}

func (q *Queue) addToStream(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("jobs: marshal %q: %w", env.Job, err)
	}
	if _, err := q.stream.Add(ctx, env.Job, raw); err != nil {
		return fmt.Errorf("jobs: enqueue %q: %w", env.Job, err)
	}
	return nil
}

func (q *Queue) enqueueDelayed(ctx context.Context, env envelope, readyAt time.Time) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("jobs: marshal %q: %w", env.Job, err)
	}
	err = q.bus.ZAdd(ctx, q.delayedKey, bus.ZMember{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(raw),
	})
	if err != nil {
		return fmt.Errorf("jobs: delay %q: %w", env.Job, err)
	}
	return nil
}

// Run consumes jobs until ctx is cancelled. It blocks; call it from its own
// goroutine or errgroup.
func (q *Queue) Run(ctx context.Context) error {
	sink, err := q.stream.NewSink(ctx, q.cfg.SinkName)
	if err != nil {
		return fmt.Errorf("jobs: create sink %q: %w", q.cfg.SinkName, err)
	}
	defer sink.Close(context.Background())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.consume(ctx, sink)
	})
	g.Go(func() error {
		return q.moveDelayed(ctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// consume processes stream deliveries one at a time. Per-job concurrency comes
// from running multiple queue processes (or multiple Run calls on distinct
// sinks), not from fanning out inside a single consumer.
func (q *Queue) consume(ctx context.Context, sink *streaming.Sink) error {
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			q.handleEvent(ctx, evt)
			if err := sink.Ack(ctx, evt); err != nil {
				q.logger.Warn("ack failed", "event", evt.ID, "error", err)
			}
		}
	}
}

func (q *Queue) handleEvent(ctx context.Context, evt *streaming.Event) {
	var env envelope
	if err := json.Unmarshal(evt.Payload, &env); err != nil {
		q.logger.Error("malformed job payload", "event", evt.ID, "error", err)
		return
	}

	q.mu.RLock()
	h, ok := q.handlers[env.Job]
	q.mu.RUnlock()
	if !ok {
		q.logger.Warn("no handler for job", "job", env.Job)
		return
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("jobs: handler panic: %v", r)
			}
		}()
		return h(ctx, env.Data)
	}()
	if err == nil {
		q.logger.Debug("job done", "job", env.Job, "attempt", env.Attempt,
			"duration", time.Since(start))
		return
	}

	if env.Attempt >= q.cfg.MaxAttempts {
		q.logger.Error("job dropped after max attempts",
			"job", env.Job, "attempt", env.Attempt, "error", err)
		return
	}
	q.logger.Warn("job failed, scheduling retry",
		"job", env.Job, "attempt", env.Attempt, "error", err)
	retry := env
	retry.Attempt++
	retry.Nonce = uuid.NewString()
	if rerr := q.enqueueDelayed(ctx, retry, time.Now().Add(q.cfg.RetryDelay)); rerr != nil {
		q.logger.Error("retry enqueue failed", "job", env.Job, "error", rerr)
	}
}

// moveDelayed periodically promotes due entries from the delayed set into the
// stream. A member is removed only after the stream add succeeds, so a crash
// between the two at worst re-delivers.
func (q *Queue) moveDelayed(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.MoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.drainDue(ctx)
		}
	}
}

func (q *Queue) drainDue(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	members, err := q.bus.ZRangeByScore(ctx, q.delayedKey, 0, now)
	if err != nil {
		q.logger.Warn("delayed scan failed", "error", err)
		return
	}
	for _, m := range members {
		var env envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			q.logger.Error("malformed delayed job, removing", "error", err)
			_ = q.bus.ZRem(ctx, q.delayedKey, m)
			continue
		}
		if err := q.addToStream(ctx, env); err != nil {
			q.logger.Warn("delayed promote failed", "job", env.Job, "error", err)
			continue
		}
		if err := q.bus.ZRem(ctx, q.delayedKey, m); err != nil {
			q.logger.Warn("delayed remove failed", "job", env.Job, "error", err)
		}
	}
}
