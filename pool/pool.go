// Package pool manages an ordered set of connection.Connection
// wrappers: lazy growth when no existing connection can accept a new
// subscription, opportunistic reclamation of idle connections after a
// subscribe completes, and connection selection for publish (spec
// §4.3).
//
// The pool keeps its own reader-writer mutex for structural safety.
// registry.Registry additionally holds its own lock for writing around
// the pool calls a subscribe/unsubscribe decision makes; the publisher
// loop's pool calls take only the pool's own lock.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/studiolambda/greenspool/connection"
	"github.com/studiolambda/greenspool/contract"
)

// Sink receives connection-level events, tagged with the connection
// they arrived on, so registry.Registry can implement the
// owning-connection fan-out rule (spec §4.4 step 1).
type Sink interface {
	OnInterrupted(conn *connection.Connection, err error)
	OnResumed(conn *connection.Connection, sessionPresent bool)
	OnMessage(conn *connection.Connection, msg contract.Message)
}

// Pool is an ordered set of broker connections.
type Pool struct {
	mu    sync.RWMutex
	conns []*connection.Connection

	factory        contract.ConnFactory
	sink           Sink
	clientIDPrefix string
	connOpts       connection.Options

	nextSuffix atomic.Uint64
	roundRobin atomic.Uint64
}

// New creates an empty pool. Connections are created lazily as
// AcquireForSubscribe / AcquireForPublish demand them.
func New(factory contract.ConnFactory, sink Sink, clientIDPrefix string, connOpts connection.Options) *Pool {
	return &Pool{
		factory:        factory,
		sink:           sink,
		clientIDPrefix: clientIDPrefix,
		connOpts:       connOpts,
	}
}

type connAdapter struct {
	sink Sink
	conn *connection.Connection
}

func (a *connAdapter) OnInterrupted(err error)          { a.sink.OnInterrupted(a.conn, err) }
func (a *connAdapter) OnResumed(sessionPresent bool)     { a.sink.OnResumed(a.conn, sessionPresent) }
func (a *connAdapter) OnMessage(msg contract.Message)    { a.sink.OnMessage(a.conn, msg) }

// newConnLocked creates and connects a new connection, appending it to
// the pool. Caller must hold mu for writing.
func (p *Pool) newConnLocked(ctx context.Context) (*connection.Connection, error) {
	suffix := p.nextSuffix.Add(1)
	clientID := fmt.Sprintf("%s-%d", p.clientIDPrefix, suffix)

	adapter := &connAdapter{sink: p.sink}
	conn := connection.New(clientID, p.factory, adapter, p.connOpts)
	adapter.conn = conn

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	p.conns = append(p.conns, conn)

	return conn, nil
}

// AcquireForSubscribe returns a connection that can accept a new
// subscription, growing the pool if none can, then reclaiming idle
// duplicates (spec §4.3).
func (p *Pool) AcquireForSubscribe(ctx context.Context) (*connection.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		if c.CanAcceptSubscription() {
			p.reclaimLocked()
			return c, nil
		}
	}

	conn, err := p.newConnLocked(ctx)
	if err != nil {
		return nil, err
	}

	p.reclaimLocked()

	return conn, nil
}

// reclaimLocked closes and removes every isClosable connection except
// one, but only when more than one connection in the pool can accept
// a subscription (spec §4.3, §8 invariant: "at most one idle-closable
// connection remains"). Caller must hold mu for writing.
func (p *Pool) reclaimLocked() {
	acceptable := 0
	for _, c := range p.conns {
		if c.CanAcceptSubscription() {
			acceptable++
		}
	}
	if acceptable <= 1 {
		return
	}

	keptOneClosable := false
	remaining := make([]*connection.Connection, 0, len(p.conns))

	for _, c := range p.conns {
		if !c.IsClosable() {
			remaining = append(remaining, c)
			continue
		}

		if !keptOneClosable {
			keptOneClosable = true
			remaining = append(remaining, c)
			continue
		}

		_ = c.CloseOnShutdown()
	}

	p.conns = remaining
}

// AcquireForPublish returns the next connection in round-robin order,
// growing the pool from empty if needed.
func (p *Pool) AcquireForPublish(ctx context.Context) (*connection.Connection, error) {
	p.mu.RLock()
	n := len(p.conns)
	if n > 0 {
		idx := int(p.roundRobin.Add(1)-1) % n
		conn := p.conns[idx]
		p.mu.RUnlock()
		return conn, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) > 0 {
		idx := int(p.roundRobin.Add(1)-1) % len(p.conns)
		return p.conns[idx], nil
	}

	return p.newConnLocked(ctx)
}

// LeastThrottled scans every connection in the pool and returns the
// one with the smallest ThrottlingWaitMicros, growing the pool from
// empty if needed. Used by the publisher loop (spec §4.5).
func (p *Pool) LeastThrottled(ctx context.Context) (*connection.Connection, error) {
	p.mu.RLock()
	if len(p.conns) == 0 {
		p.mu.RUnlock()

		p.mu.Lock()
		defer p.mu.Unlock()

		if len(p.conns) == 0 {
			return p.newConnLocked(ctx)
		}

		return p.pickLeastThrottledLocked(), nil
	}
	defer p.mu.RUnlock()

	return p.pickLeastThrottledLocked(), nil
}

func (p *Pool) pickLeastThrottledLocked() *connection.Connection {
	best := p.conns[0]
	bestWait := best.ThrottlingWaitMicros()

	for _, c := range p.conns[1:] {
		if w := c.ThrottlingWaitMicros(); w < bestWait {
			best, bestWait = c, w
		}
	}

	return best
}

// Snapshot returns a stable copy of the current connection list, for
// callers (reconfig.Controller) that need to range over it without
// holding the pool's lock.
func (p *Pool) Snapshot() []*connection.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*connection.Connection, len(p.conns))
	copy(out, p.conns)

	return out
}

// Len reports how many connections are currently pooled.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.conns)
}

// Close calls CloseOnShutdown on every connection and drops the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, c := range p.conns {
		if err := c.CloseOnShutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.conns = nil

	return firstErr
}

// Connected reports whether any pooled connection is currently
// Connected (spec §4.8 facade.connected()).
func (p *Pool) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.conns {
		if c.State() == connection.Connected {
			return true
		}
	}

	return false
}
