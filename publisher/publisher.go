// Package publisher implements the outbound publisher loop (spec
// §4.5): a single worker that drains the spool while online, bounded
// by a maximum number of concurrently in-flight publishes, throttled
// per-connection, and retried up to a configurable bound before a
// message is dropped.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/studiolambda/greenspool/connection"
	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/pool"
)

const (
	initialReconnectBackoff = 250 * time.Millisecond
	maxReconnectBackoff     = 30 * time.Second
)

// Loop is the publisher loop. It is idempotent: Kick starts the worker
// only if it is not already running, matching the "single worker,
// restarted on every online transition or successful enqueue"
// contract of spec §4.5.
type Loop struct {
	pool   *pool.Pool
	spool  contract.Spool
	online func() bool
	logger *slog.Logger

	maxInFlight int
	maxRetry    int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Options configures a Loop. Zero values fall back to package
// defaults.
type Options struct {
	MaxInFlightPublishes int
	MaxPublishRetryCount int
	Logger               *slog.Logger
}

// New creates a Loop. online is polled at the top of every iteration
// to decide whether the worker should keep draining the spool.
func New(p *pool.Pool, s contract.Spool, online func() bool, opts Options) *Loop {
	maxInFlight := opts.MaxInFlightPublishes
	if maxInFlight <= 0 {
		maxInFlight = contract.DefaultMaxInFlightPublishes
	}
	if maxInFlight > contract.IoTMaxLimitInFlightQoS1 {
		maxInFlight = contract.IoTMaxLimitInFlightQoS1
	}

	maxRetry := opts.MaxPublishRetryCount
	if maxRetry == 0 {
		maxRetry = contract.DefaultMaxPublishRetryCount
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Loop{
		pool:        p,
		spool:       s,
		online:      online,
		logger:      logger,
		maxInFlight: maxInFlight,
		maxRetry:    maxRetry,
	}
}

// Kick starts the worker if it is not already running.
func (l *Loop) Kick() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.running = true
	l.cancel = cancel
	l.mu.Unlock()

	go l.run(ctx)
}

// Close cancels the worker's context, if it is running, and returns
// without waiting for the worker or its in-flight publishes to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (l *Loop) setRunning(running bool) {
	l.mu.Lock()
	l.running = running
	l.mu.Unlock()
}

func (l *Loop) run(ctx context.Context) {
	defer l.setRunning(false)

	if err := l.ensureConnected(ctx); err != nil {
		return
	}

	sem := make(chan struct{}, l.maxInFlight)

	var wg sync.WaitGroup
	defer wg.Wait()

	for l.online() {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}

		conn, err := l.pool.LeastThrottled(ctx)
		if err != nil {
			<-sem

			if ctx.Err() != nil {
				return
			}

			l.logger.Warn("publisher: acquiring least-throttled connection failed", "error", err)

			continue
		}

		if !l.sleep(ctx, time.Duration(conn.ThrottlingWaitMicros())*time.Microsecond) {
			<-sem

			return
		}

		conn.AcquireThrottle()

		id, err := l.spool.PopID(ctx)
		if err != nil {
			<-sem

			return
		}

		msg, err := l.spool.GetMessageByID(id)
		if err != nil {
			l.logger.Warn("publisher: popped id missing from spool", "id", id, "error", err)
			<-sem

			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			l.publishOne(ctx, conn, id, msg)
		}()
	}
}

// publishOne publishes one spooled message and applies the retry /
// drop policy (spec §4.5). A publish that fails because ctx was
// cancelled for shutdown falls into the same retry branch, which is
// exactly how a popped-but-unpublished id is preserved via addId on
// interruption.
func (l *Loop) publishOne(ctx context.Context, conn *connection.Connection, id uint64, msg contract.SpoolMessage) {
	err := conn.Publish(ctx, msg.Request)
	if err == nil {
		l.spool.RemoveMessageByID(id)
		return
	}

	if l.maxRetry == contract.UnlimitedPublishRetry || msg.Retried < uint32(l.maxRetry) {
		l.spool.AddID(id)
		return
	}

	l.logger.Error("publisher: retry bound exceeded, dropping message", "id", id, "topic", msg.Request.Topic, "retried", msg.Retried)
}

// ensureConnected blocks, retrying with exponential backoff, until the
// pool's primary publish connection is up or ctx is cancelled.
func (l *Loop) ensureConnected(ctx context.Context) error {
	backoff := initialReconnectBackoff

	for {
		conn, err := l.pool.AcquireForPublish(ctx)
		if err == nil {
			err = conn.Connect(ctx)
		}
		if err == nil {
			return nil
		}

		l.logger.Warn("publisher: primary connection not ready, retrying", "error", err)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !l.sleep(ctx, backoff) {
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
