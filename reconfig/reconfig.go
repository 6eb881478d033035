// Package reconfig implements the reconfiguration controller (spec
// §4.7): it watches the device configuration change stream, decides
// which changes mandate a reconnect, coalesces matching changes behind
// a 1-second debounce, and then drives every pooled connection back to
// Connected, rebuilding the TLS context first if the root CA path was
// among the changes.
package reconfig

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/pool"
)

const (
	debounceWindow          = time.Second
	initialReconnectBackoff = 250 * time.Millisecond
	maxReconnectBackoff     = 30 * time.Second

	nodeMQTTPrefix       = "mqtt."
	nodeThingName        = "thingName"
	nodeIoTDataEndpoint  = "iotDataEndpoint"
	nodePrivateKeyPath   = "privateKeyPath"
	nodeCertificatePath  = "certificatePath"
	nodeRootCAPath       = "rootCaPath"
	nodeRegion           = "region"
)

// Controller is the reconfiguration controller.
type Controller struct {
	pool         *pool.Pool
	deviceConfig contract.DeviceConfig
	certs        contract.CertificateProvider
	revalidate   func()
	logger       *slog.Logger

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc

	debounceMu           sync.Mutex
	timer                *time.Timer
	pendingRootCAChanged bool

	tlsMu     sync.Mutex
	tlsConfig contract.ClientTLSConfig
	tlsLoaded bool
}

// New creates a Controller. revalidate is called on every debounce
// firing before reconnecting, so the caller (bridge.Bridge) can
// re-clamp maxInFlightPublishes / maxMessageSizeInBytes with the exact
// same logic used at construction time (spec §4.7 step 1). A nil
// logger is replaced with a discarding one.
func New(p *pool.Pool, deviceConfig contract.DeviceConfig, certs contract.CertificateProvider, revalidate func(), logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Controller{
		pool:         p,
		deviceConfig: deviceConfig,
		certs:        certs,
		revalidate:   revalidate,
		logger:       logger,
	}
}

// Start subscribes to the device configuration change stream.
func (c *Controller) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.unsubscribe = c.deviceConfig.Subscribe(c.onChange)
}

// Stop unsubscribes from the change stream, cancels any in-flight
// reconnect wave, and stops a pending debounce timer.
func (c *Controller) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.debounceMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.debounceMu.Unlock()
}

// TLSConfig returns the most recently rebuilt TLS material, if a root
// CA path change has ever fired, guarded by a dedicated lock so a
// connect attempt can read it while a debounce firing rebuilds it.
func (c *Controller) TLSConfig() (contract.ClientTLSConfig, bool) {
	c.tlsMu.Lock()
	defer c.tlsMu.Unlock()

	return c.tlsConfig, c.tlsLoaded
}

// onChange filters out irrelevant changes (spec §4.7) and, for a
// matching one, (re)schedules the debounced reconnect wave.
func (c *Controller) onChange(ev contract.ChangeEvent) {
	if ev.Node == "" {
		return
	}

	switch ev.Kind {
	case contract.ChangeKindTimestampUpdated, contract.ChangeKindInteriorAdded:
		return
	}

	if !c.relevant(ev.Node) {
		return
	}

	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()

	if ev.Node == nodeRootCAPath {
		c.pendingRootCAChanged = true
	}

	if c.timer != nil {
		c.timer.Stop()
	}

	c.timer = time.AfterFunc(debounceWindow, c.fire)
}

// relevant reports whether node is a descendant of the mqtt namespace,
// the connection identity fields, or (when a proxy is configured) the
// AWS region (spec §4.7).
func (c *Controller) relevant(node string) bool {
	if strings.HasPrefix(node, nodeMQTTPrefix) {
		return true
	}

	switch node {
	case nodeThingName, nodeIoTDataEndpoint, nodePrivateKeyPath, nodeCertificatePath, nodeRootCAPath:
		return true
	case nodeRegion:
		return c.deviceConfig.ProxyConfigured()
	default:
		return false
	}
}

// fire runs the debounced reconfiguration work: re-validate, rebuild
// TLS if the root CA changed, then reconnect every pooled connection
// until all succeed (spec §4.7 steps 1-3).
func (c *Controller) fire() {
	c.debounceMu.Lock()
	rootCAChanged := c.pendingRootCAChanged
	c.pendingRootCAChanged = false
	c.debounceMu.Unlock()

	if c.revalidate != nil {
		c.revalidate()
	}

	if rootCAChanged {
		c.rebuildTLS()
	}

	c.reconnectAll()
}

func (c *Controller) rebuildTLS() {
	cfg, err := c.certs.TLSConfig()
	if err != nil {
		c.logger.Error("reconfig: rebuilding TLS context failed", "error", err)
		return
	}

	c.tlsMu.Lock()
	c.tlsConfig = cfg
	c.tlsLoaded = true
	c.tlsMu.Unlock()
}

// reconnectAll takes a snapshot of every pooled connection and
// reconnects each one independently, retrying with backoff until it
// succeeds or the controller is stopped.
func (c *Controller) reconnectAll() {
	snapshot := c.pool.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	var g errgroup.Group

	for _, conn := range snapshot {
		conn := conn

		g.Go(func() error {
			c.reconnectUntilSuccess(conn)
			return nil
		})
	}

	_ = g.Wait()
}

type reconnectable interface {
	Reconnect(ctx context.Context) error
}

func (c *Controller) reconnectUntilSuccess(conn reconnectable) {
	backoff := initialReconnectBackoff

	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := conn.Reconnect(c.ctx); err != nil {
			c.logger.Warn("reconfig: reconnect failed, retrying", "error", err)
		} else {
			return
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}
