// Package registry implements the subscription consolidation engine
// (spec §4.4): it binds local subscribers to the minimal set of broker
// subscriptions that covers them, and fans broker-delivered messages
// back out to every matching local subscriber.
//
// Registry keeps two maps, guarded by the registry's own reader-writer
// lock, which subscribe/unsubscribe hold for writing across the whole
// decision (including the pool calls it makes) and fan-out holds for
// reading:
//
//   - l: LocalSubscription -> the *connection.Connection it is bound to
//   - b: broker-side filter string -> the *connection.Connection that
//     owns the broker SUBSCRIBE for it
//
// Per the module's ownership design, connections themselves are owned
// exclusively by pool.Pool; the registry only holds references to
// connections handed back by the pool's acquire calls.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/studiolambda/greenspool/connection"
	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/pool"
	"github.com/studiolambda/greenspool/topic"
)

// LocalSubscription identifies one local subscriber. Identity is the
// triple (topic filter, qos, callback id): two subscribers on the same
// filter with different callback ids are distinct entries.
type LocalSubscription struct {
	TopicFilter string
	QoS         byte
	CallbackID  string
}

// Callback delivers one broker message to a local subscriber.
type Callback func(contract.Message)

// Registry is the subscription consolidation engine.
type Registry struct {
	mu     sync.RWMutex
	pool   *pool.Pool
	logger *slog.Logger

	l         map[LocalSubscription]*connection.Connection
	callbacks map[LocalSubscription]Callback
	b         map[string]*connection.Connection
}

// New creates an empty Registry bound to pool. A nil logger is
// replaced with a discarding one.
func New(p *pool.Pool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		pool:      p,
		logger:    logger,
		l:         make(map[LocalSubscription]*connection.Connection),
		callbacks: make(map[LocalSubscription]Callback),
		b:         make(map[string]*connection.Connection),
	}
}

// Subscribe binds sub to an existing broker subscription whose filter
// is a superset of sub's, or acquires a connection from the pool and
// issues a new broker SUBSCRIBE (spec §4.4 subscribe).
//
// When deviceConfiguredForCloud is false, subscribe is a silent no-op
// success once the topic validates: it logs, registers nothing and
// issues no broker traffic. This differs from publish, which fails in
// the same situation.
func (r *Registry) Subscribe(ctx context.Context, sub LocalSubscription, cb Callback, deviceConfiguredForCloud bool) error {
	if err := topic.ValidateSubscribeTopic(sub.TopicFilter); err != nil {
		return err
	}

	if !deviceConfiguredForCloud {
		r.logger.Warn("device not configured for cloud, subscribe is a no-op", "filter", sub.TopicFilter)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	filter := topic.New(sub.TopicFilter)

	if conn, _, ok := r.findSupersetLocked(filter); ok {
		r.l[sub] = conn
		r.callbacks[sub] = cb

		return nil
	}

	conn, err := r.pool.AcquireForSubscribe(ctx)
	if err != nil {
		return err
	}

	if err := conn.Subscribe(ctx, sub.TopicFilter, sub.QoS); err != nil {
		return err
	}

	r.b[sub.TopicFilter] = conn
	r.l[sub] = conn
	r.callbacks[sub] = cb

	return nil
}

// findSupersetLocked scans b for a filter that is a superset of
// filter. Caller must hold mu.
func (r *Registry) findSupersetLocked(filter topic.Filter) (*connection.Connection, string, bool) {
	for raw, conn := range r.b {
		if topic.New(raw).IsSupersetOf(filter) {
			return conn, raw, true
		}
	}

	return nil, "", false
}

// Unsubscribe removes every local subscription matching (topicFilter,
// callbackID), then issues a broker UNSUBSCRIBE for any broker filter
// no longer covering a surviving local subscription (spec §4.4
// unsubscribe).
func (r *Registry) Unsubscribe(ctx context.Context, topicFilter string, callbackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.l {
		if k.TopicFilter == topicFilter && k.CallbackID == callbackID {
			delete(r.l, k)
			delete(r.callbacks, k)
		}
	}

	for raw, conn := range r.b {
		brokerFilter := topic.New(raw)

		if r.isCoveredLocked(brokerFilter) {
			continue
		}

		if err := conn.Unsubscribe(ctx, raw); err != nil {
			r.logger.Warn("broker unsubscribe failed, retaining filter", "filter", raw, "error", err)
			continue
		}

		delete(r.b, raw)
		r.rebindOverlapLocked(brokerFilter, conn)
	}

	return nil
}

// isCoveredLocked reports whether any surviving local subscription is
// still a subset of brokerFilter. Caller must hold mu.
func (r *Registry) isCoveredLocked(brokerFilter topic.Filter) bool {
	for k := range r.l {
		if brokerFilter.IsSupersetOf(topic.New(k.TopicFilter)) {
			return true
		}
	}

	return false
}

// rebindOverlapLocked handles the rare overlap reshuffle described in
// spec §4.4 step 3: a local subscription bound to the connection whose
// broker filter just got removed, but whose own filter is still
// covered by some other remaining broker filter, must be rebound
// rather than left pointing at a stale broker subscription. Caller
// must hold mu.
func (r *Registry) rebindOverlapLocked(removedFilter topic.Filter, removedConn *connection.Connection) {
	for k, conn := range r.l {
		if conn != removedConn {
			continue
		}

		kFilter := topic.New(k.TopicFilter)
		if !removedFilter.IsSupersetOf(kFilter) {
			continue
		}

		if newConn, _, ok := r.findSupersetLocked(kFilter); ok {
			r.l[k] = newConn
		}
	}
}

// delivery pairs a matching local subscription with its callback, so
// Fanout can resolve the owning-connection candidate set once and
// reuse it for the fallback set.
type delivery struct {
	sub LocalSubscription
	cb  Callback
}

// Fanout delivers msg, which arrived on arrivingConn, to every local
// subscription whose filter matches it (spec §4.4 fanout). It prefers
// subscriptions bound to arrivingConn; if none match there, it falls
// back to every matching subscription regardless of connection, since
// the broker sometimes routes a response back on the connection that
// requested it rather than the one that subscribed to it. A panic from
// one callback is recovered and logged so it cannot block delivery to
// the others.
func (r *Registry) Fanout(msg contract.Message, arrivingConn *connection.Connection) {
	r.mu.RLock()

	var onConn, anyMatch []delivery

	for k, conn := range r.l {
		if !topic.New(k.TopicFilter).Matches(msg.Topic) {
			continue
		}

		d := delivery{sub: k, cb: r.callbacks[k]}
		anyMatch = append(anyMatch, d)

		if conn == arrivingConn {
			onConn = append(onConn, d)
		}
	}

	r.mu.RUnlock()

	candidates := onConn
	if len(candidates) == 0 {
		if len(anyMatch) == 0 {
			r.logger.Warn("no local subscriber matched delivered message", "topic", msg.Topic)
			return
		}

		r.logger.Warn("message arrived on a non-owning connection, falling back to all matching subscribers", "topic", msg.Topic)
		candidates = anyMatch
	}

	for _, d := range candidates {
		r.deliverSafely(d.cb, msg)
	}
}

func (r *Registry) deliverSafely(cb Callback, msg contract.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("local subscriber callback panicked", "recover", rec)
		}
	}()

	if cb != nil {
		cb(msg)
	}
}

// Len returns the number of local subscriptions currently bound. Used
// by bridge.Bridge.Stats.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.l)
}

// BrokerFilterCount returns the number of distinct broker-side filters
// currently active. Used by bridge.Bridge.Stats.
func (r *Registry) BrokerFilterCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.b)
}
