// Package bridge wires the connection pool, subscription registry,
// outbound spool, publisher loop, connection-event handler, and
// reconfiguration controller behind the single public facade a caller
// talks to (spec §4.8). It is the one package that imports every other
// core package and the only one callers outside this module should
// ever need to import directly.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/studiolambda/greenspool/connection"
	"github.com/studiolambda/greenspool/connevents"
	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/pool"
	"github.com/studiolambda/greenspool/publisher"
	"github.com/studiolambda/greenspool/reconfig"
	"github.com/studiolambda/greenspool/registry"
	"github.com/studiolambda/greenspool/topic"
)

// Stats is a point-in-time snapshot of bridge internals, useful for
// diagnostics and health checks.
type Stats struct {
	Connections        int
	Connected          bool
	LocalSubscriptions int
	BrokerFilters      int
	SpoolDepth         int
}

// Bridge is the public facade over the MQTT client manager.
type Bridge struct {
	opts Options

	pool       *pool.Pool
	registry   *registry.Registry
	spool      contract.Spool
	publisher  *publisher.Loop
	connEvents *connevents.Handler
	reconfig   *reconfig.Controller

	deviceConfig contract.DeviceConfig

	subMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
}

// bridgeSink adapts pool.Sink to the Bridge's collaborators: inbound
// messages fan out through the registry, connection state transitions
// drive the connection-event handler (spec §4.4 step 1, §4.6).
type bridgeSink struct {
	b *Bridge
}

func (s bridgeSink) OnInterrupted(_ *connection.Connection, err error) {
	s.b.connEvents.OnInterrupted(err)
}

func (s bridgeSink) OnResumed(_ *connection.Connection, sessionPresent bool) {
	s.b.connEvents.OnResumed(sessionPresent)
}

func (s bridgeSink) OnMessage(conn *connection.Connection, msg contract.Message) {
	s.b.registry.Fanout(msg, conn)
}

// New creates a Bridge. factory and spoolStore are required;
// deviceConfig and certs may be nil, in which case the reconfiguration
// controller is not started and the device is treated as always
// configured to talk to the cloud.
func New(factory contract.ConnFactory, spoolStore contract.Spool, deviceConfig contract.DeviceConfig, certs contract.CertificateProvider, opts Options) *Bridge {
	opts.Validate()

	b := &Bridge{
		opts:         opts,
		spool:        spoolStore,
		deviceConfig: deviceConfig,
	}

	connOpts := connection.Options{
		Timeout: opts.OperationTimeout,
	}

	b.pool = pool.New(factory, bridgeSink{b}, opts.ClientIDPrefix, connOpts)
	b.registry = registry.New(b.pool, opts.Logger)

	// publisher.Loop needs an online predicate at construction time,
	// but that predicate is connEvents.Online, and connEvents needs a
	// Kicker that is the loop itself. The closure below breaks the
	// cycle: by the time Kick/online are actually invoked (only after
	// New returns), connEvents is always assigned.
	var connEvents *connevents.Handler

	online := func() bool {
		if connEvents == nil {
			return false
		}

		return connEvents.Online()
	}

	b.publisher = publisher.New(b.pool, spoolStore, online, publisher.Options{
		MaxInFlightPublishes: opts.MaxInFlightPublishes,
		MaxPublishRetryCount: opts.MaxPublishRetryCount,
		Logger:               opts.Logger,
	})

	connEvents = connevents.New(spoolStore, b.publisher, opts.Logger)
	b.connEvents = connEvents

	if deviceConfig != nil && certs != nil {
		b.reconfig = reconfig.New(b.pool, deviceConfig, certs, b.revalidate, opts.Logger)
		b.reconfig.Start()
	}

	return b
}

// revalidate re-clamps the bounded options fields with the exact same
// logic used at construction time, called by the reconfiguration
// controller on every debounce firing (spec §4.7 step 1).
func (b *Bridge) revalidate() {
	b.opts.Validate()
}

// configuredForCloud reports whether publish/subscribe should proceed,
// defaulting to true when no DeviceConfig collaborator was supplied.
func (b *Bridge) configuredForCloud() bool {
	if b.deviceConfig == nil {
		return true
	}

	return b.deviceConfig.IsDeviceConfiguredToTalkToCloud()
}

// Publish validates and enqueues req. A rejection (closed, not
// configured for cloud, invalid request, offline QoS-0 drop, spool
// failure) is returned as the error with a nil Token; on acceptance the
// returned Token is already complete with a nil error.
func (b *Bridge) Publish(ctx context.Context, req contract.PublishRequest) (Token, error) {
	if b.closed.Load() {
		return nil, contract.ErrClosed
	}

	if !b.configuredForCloud() {
		return nil, contract.ErrNotConfiguredForCloud
	}

	if err := topic.ValidatePublishTopic(req.Topic); err != nil {
		return nil, err
	}

	if err := topic.ValidatePublishPayload(req.Payload, b.opts.MaxMessageSizeInBytes); err != nil {
		return nil, err
	}

	cfg := b.spool.GetSpoolConfig()

	if req.QoS == 0 && !b.connEvents.Online() && !cfg.KeepQos0WhenOffline {
		return nil, contract.ErrOfflineDrop
	}

	if _, err := b.spool.AddMessage(ctx, req); err != nil {
		return nil, err
	}

	b.publisher.Kick()

	return completedToken(nil), nil
}

// Subscribe registers cb for every broker message matching filter,
// consolidating broker-side subscriptions per spec §4.4. callbackID
// distinguishes multiple local subscribers on the same filter; pass
// "" to have one generated.
func (b *Bridge) Subscribe(ctx context.Context, filter string, qos byte, callbackID string, cb func(contract.Message)) (string, error) {
	if b.closed.Load() {
		return "", contract.ErrClosed
	}

	if callbackID == "" {
		callbackID = uuid.NewString()
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	sub := registry.LocalSubscription{TopicFilter: filter, QoS: qos, CallbackID: callbackID}

	if err := b.registry.Subscribe(ctx, sub, registry.Callback(cb), b.configuredForCloud()); err != nil {
		return "", err
	}

	return callbackID, nil
}

// Unsubscribe removes the local subscriber identified by (filter,
// callbackID), tearing down any broker subscription no longer needed
// to cover the remaining ones.
func (b *Bridge) Unsubscribe(ctx context.Context, filter string, callbackID string) error {
	if b.closed.Load() {
		return contract.ErrClosed
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	return b.registry.Unsubscribe(ctx, filter, callbackID)
}

// Connected reports whether any pooled connection is currently up
// (spec §4.8 facade.connected()).
func (b *Bridge) Connected() bool {
	return b.pool.Connected()
}

// Stats returns a point-in-time snapshot of bridge internals.
func (b *Bridge) Stats() Stats {
	depth := -1

	if lc, ok := b.spool.(interface{ Len() int }); ok {
		depth = lc.Len()
	}

	return Stats{
		Connections:        b.pool.Len(),
		Connected:          b.pool.Connected(),
		LocalSubscriptions: b.registry.Len(),
		BrokerFilters:      b.registry.BrokerFilterCount(),
		SpoolDepth:         depth,
	}
}

// Close shuts the bridge down: stops the reconfiguration controller,
// stops the publisher loop, closes every pooled connection, and
// closes the spool. Safe to call more than once.
func (b *Bridge) Close() error {
	var err error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.reconfig != nil {
			b.reconfig.Stop()
		}

		b.publisher.Close()

		if closeErr := b.pool.Close(); closeErr != nil {
			err = fmt.Errorf("bridge: closing pool: %w", closeErr)
		}

		if spoolErr := b.spool.Close(); spoolErr != nil && err == nil {
			err = fmt.Errorf("bridge: closing spool: %w", spoolErr)
		}
	})

	return err
}
