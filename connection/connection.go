// Package connection wraps a single broker connection: connect,
// reconnect, close, subscribe/unsubscribe/publish with a per-operation
// timeout, subscription-count capacity tracking, and a token-bucket
// publish throttle (spec §4.2). It owns no pool-level policy — that is
// pool.Pool's job — and nothing in this package knows about topic
// filter consolidation, which lives in registry.Registry.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/throttle"
)

// DefaultThrottleRatePerSecond and DefaultThrottleBurst model IoT
// Core's default publish rate limit for a single connection.
const (
	DefaultThrottleRatePerSecond = 100.0
	DefaultThrottleBurst         = 100
)

// Connection is one pooled broker connection.
type Connection struct {
	clientID string
	factory  contract.ConnFactory
	timeout  time.Duration
	events   contract.ConnectionEvents

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	conn  contract.Conn

	subscriptionCount atomic.Int32
	pendingSubscribes *cache.Cache // filter -> bool (true once permanent, i.e. SUBACK seen)
	pendingCount      atomic.Int32

	maxInFlightPublishes int
	inFlight             atomic.Int32

	bucket *throttle.Bucket
}

// Options configures a new Connection. Zero values fall back to the
// package defaults.
type Options struct {
	Timeout              time.Duration
	MaxInFlightPublishes int
	ThrottleRatePerSec   float64
	ThrottleBurst        int
}

// New creates a Connection in the Disconnected state. It does not
// connect; call Connect (or let the pool/publisher loop do so).
func New(clientID string, factory contract.ConnFactory, events contract.ConnectionEvents, opts Options) *Connection {
	if opts.Timeout <= 0 {
		opts.Timeout = contract.DefaultOperationTimeoutMs * time.Millisecond
	}

	maxInFlight := opts.MaxInFlightPublishes
	if maxInFlight <= 0 {
		maxInFlight = contract.DefaultMaxInFlightPublishes
	}
	if maxInFlight > contract.IoTMaxLimitInFlightQoS1 {
		maxInFlight = contract.IoTMaxLimitInFlightQoS1
	}

	rate := opts.ThrottleRatePerSec
	if rate <= 0 {
		rate = DefaultThrottleRatePerSecond
	}

	burst := opts.ThrottleBurst
	if burst <= 0 {
		burst = DefaultThrottleBurst
	}

	c := &Connection{
		clientID:             clientID,
		factory:              factory,
		timeout:              opts.Timeout,
		events:               events,
		pendingSubscribes:    cache.New(cache.NoExpiration, cache.NoExpiration),
		maxInFlightPublishes: maxInFlight,
		bucket:               throttle.New(rate, burst),
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// ClientID returns the MQTT client identifier this connection connects
// with.
func (c *Connection) ClientID() string { return c.clientID }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.cond.Broadcast()
	c.mu.Unlock()
}

// awaitConnected blocks until the connection reaches Connected or ctx
// expires, returning contract.ErrTransientTransport on timeout/closed.
func (c *Connection) awaitConnected(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.state != Connected && c.state != Closed && c.state != Closing {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for connected: %w", contract.ErrTransientTransport, ctx.Err())
	}

	c.mu.Lock()
	s := c.state
	c.mu.Unlock()

	if s != Connected {
		return fmt.Errorf("%w: connection is %s", contract.ErrTransientTransport, s)
	}

	return nil
}

// Connect dials the broker, blocking until CONNECT completes or ctx
// expires.
func (c *Connection) Connect(ctx context.Context) error {
	return c.connect(ctx, false)
}

// connect implements Connect. reconnecting is set by Reconnect, which
// has already moved the state to Connecting itself and must dial
// rather than wait on that state.
func (c *Connection) connect(ctx context.Context, reconnecting bool) error {
	c.mu.Lock()
	if c.state == Connected || (c.state == Connecting && !reconnecting) {
		c.mu.Unlock()
		return c.awaitConnected(ctx)
	}
	if c.state == Closed || c.state == Closing {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection is %s", contract.ErrTransientTransport, c.state)
	}
	c.state = Connecting
	c.cond.Broadcast()
	c.mu.Unlock()

	conn, err := c.factory.NewConn(c.clientID, c.timeout, c.events)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("%w: %w", contract.ErrTransientTransport, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := conn.Connect(connectCtx); err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("%w: %w", contract.ErrTransientTransport, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.cond.Broadcast()
	c.mu.Unlock()

	return nil
}

// Reconnect is an idempotent teardown + reconnect: Connected ->
// Connecting -> Connected.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	existing := c.conn
	c.state = Connecting
	c.conn = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	if existing != nil {
		disconnectCtx, cancel := context.WithTimeout(ctx, c.timeout)
		_ = existing.Disconnect(disconnectCtx)
		cancel()
	}

	return c.connect(ctx, true)
}

// Close gracefully disconnects and transitions to Closed.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closing
	conn := c.conn
	c.cond.Broadcast()
	c.mu.Unlock()

	var err error
	if conn != nil {
		disconnectCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = conn.Disconnect(disconnectCtx)
		cancel()
	}

	c.setState(Closed)

	return err
}

// CloseOnShutdown is Close with a best-effort background context,
// used when the caller is already tearing the facade down and cannot
// wait indefinitely.
func (c *Connection) CloseOnShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	return c.Close(ctx)
}

// CanAcceptSubscription reports whether this connection may take on
// one more local->broker subscription right now (spec §3).
func (c *Connection) CanAcceptSubscription() bool {
	if c.State() != Connected {
		return false
	}

	if int(c.subscriptionCount.Load()) >= contract.MaxSubscriptionsPerConnection {
		return false
	}

	return c.pendingCount.Load() == 0
}

// IsClosable reports whether this connection carries no active or
// pending subscriptions and is therefore a reclamation candidate.
func (c *Connection) IsClosable() bool {
	return c.subscriptionCount.Load() == 0 && c.pendingCount.Load() == 0
}

// SubscriptionCount returns the number of broker-side filters this
// connection currently owns.
func (c *Connection) SubscriptionCount() int {
	return int(c.subscriptionCount.Load())
}

// Subscribe issues a broker SUBSCRIBE, returning when SUBACK arrives
// or the operation timeout elapses. On timeout the pending flag for
// filter is left set so a duplicate attempt does not re-issue the
// SUBSCRIBE. A SUBACK that arrives after the timeout is not observed:
// the slot stays pending, so from then on this connection reports
// false from both CanAcceptSubscription and IsClosable.
func (c *Connection) Subscribe(ctx context.Context, filter string, qos byte) error {
	existing, found := c.pendingSubscribes.Get(filter)
	switch {
	case !found:
		c.pendingSubscribes.Set(filter, false, cache.NoExpiration)
		c.pendingCount.Add(1)
	case existing == true:
		return nil // already subscribed, broker-side
	default:
		// A SUBSCRIBE for this filter is already outstanding or
		// previously timed out waiting for SUBACK; do not issue a
		// second one.
		return fmt.Errorf("%w: subscribe %q already pending", contract.ErrTransientTransport, filter)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: connection is %s", contract.ErrTransientTransport, c.State())
	}

	subCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := conn.Subscribe(subCtx, filter, qos)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			// A definitive NACK, not a timeout: no SUBACK will ever
			// arrive for this attempt, so clear the slot to allow a
			// future retry.
			c.pendingSubscribes.Delete(filter)
			c.pendingCount.Add(-1)
		}

		return fmt.Errorf("%w: subscribe %q: %w", contract.ErrTransientTransport, filter, err)
	}

	c.pendingSubscribes.Set(filter, true, cache.NoExpiration)
	c.pendingCount.Add(-1)
	c.subscriptionCount.Add(1)

	return nil
}

// Unsubscribe issues a broker UNSUBSCRIBE for filter.
func (c *Connection) Unsubscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: connection is %s", contract.ErrTransientTransport, c.State())
	}

	unsubCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := conn.Unsubscribe(unsubCtx, filter); err != nil {
		return fmt.Errorf("%w: unsubscribe %q: %w", contract.ErrTransientTransport, filter, err)
	}

	if _, ok := c.pendingSubscribes.Get(filter); ok {
		c.pendingSubscribes.Delete(filter)
		c.subscriptionCount.Add(-1)
	}

	return nil
}

// Publish issues a broker PUBLISH. Callers are responsible for having
// already waited out ThrottlingWaitMicros; Publish itself does not
// sleep, it only tracks the in-flight count.
func (c *Connection) Publish(ctx context.Context, req contract.PublishRequest) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: connection is %s", contract.ErrTransientTransport, c.State())
	}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	pubCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := conn.Publish(pubCtx, req); err != nil {
		return fmt.Errorf("%w: publish %q: %w", contract.ErrTransientTransport, req.Topic, err)
	}

	return nil
}

// InFlightPublishes returns the number of publishes this connection
// currently has outstanding.
func (c *Connection) InFlightPublishes() int {
	return int(c.inFlight.Load())
}

// MaxInFlightPublishes returns the configured in-flight cap.
func (c *Connection) MaxInFlightPublishes() int {
	return c.maxInFlightPublishes
}

// ThrottlingWaitMicros returns the token-bucket wait (microseconds)
// that would make a publish acquire non-blocking right now, without
// consuming a token.
func (c *Connection) ThrottlingWaitMicros() int64 {
	return c.bucket.WaitMicros()
}

// AcquireThrottle consumes one publish token, returning how long the
// caller must sleep before the publish it is about to send is
// on-schedule.
func (c *Connection) AcquireThrottle() time.Duration {
	return c.bucket.Acquire()
}
