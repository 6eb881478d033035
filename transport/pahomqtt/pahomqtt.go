// Package pahomqtt is the reference contract.ConnFactory /
// contract.Conn implementation: it speaks MQTT v5 over TLS to the
// broker using the Eclipse Paho Go client's autopaho connection
// manager. Every CONNECT/SUBSCRIBE/PUBLISH wire detail, TLS setup, and
// reconnection plumbing the spec scopes out of the core lives here.
package pahomqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/studiolambda/greenspool/contract"
)

// DefaultKeepAlive is the keep-alive interval, in seconds, used when a
// Factory isn't given one explicitly.
const DefaultKeepAlive = 30

// Factory builds one autopaho.ConnectionManager per pooled connection
// against a fixed set of broker URLs, always with a clean session
// (spec scopes persistent broker sessions out).
type Factory struct {
	urls      []*url.URL
	tlsConfig *tls.Config
	keepAlive uint16
}

// NewFactory parses rawURLs ("mqtts://host:port", one per failover
// endpoint) and pins tlsConfig (built from contract.ClientTLSConfig by
// the caller) for every connection the factory creates.
func NewFactory(rawURLs []string, tlsConfig *tls.Config) (*Factory, error) {
	if len(rawURLs) == 0 {
		return nil, fmt.Errorf("pahomqtt: at least one broker url is required")
	}

	urls := make([]*url.URL, len(rawURLs))

	for i, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("pahomqtt: invalid broker url %q: %w", raw, err)
		}

		urls[i] = u
	}

	return &Factory{urls: urls, tlsConfig: tlsConfig, keepAlive: DefaultKeepAlive}, nil
}

// NewConn satisfies contract.ConnFactory. The returned Conn is not yet
// connected; the caller (pool.Pool) calls Connect.
func (f *Factory) NewConn(clientID string, timeout time.Duration, events contract.ConnectionEvents) (contract.Conn, error) {
	conn := &Conn{timeout: timeout, events: events}

	conn.cfg = autopaho.ClientConfig{
		ServerUrls:                    f.urls,
		TlsCfg:                        f.tlsConfig,
		KeepAlive:                     f.keepAlive,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         0,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, ack *paho.Connack) {
			events.OnResumed(ack.SessionPresent)
		},
		OnConnectError: func(err error) {
			events.OnInterrupted(err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					events.OnMessage(contract.Message{
						Topic:   pr.Packet.Topic,
						Payload: pr.Packet.Payload,
						QoS:     pr.Packet.QoS,
						Retain:  pr.Packet.Retain,
					})

					return true, nil
				},
			},
			OnClientError: func(err error) {
				events.OnInterrupted(err)
			},
		},
	}

	return conn, nil
}

// Conn is one paho.golang-backed broker connection.
type Conn struct {
	timeout time.Duration
	events  contract.ConnectionEvents
	cfg     autopaho.ClientConfig
	cm      *autopaho.ConnectionManager
}

// Connect dials the broker, blocking until CONNACK or ctx/timeout
// expires.
func (c *Conn) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// The manager runs until its own context is cancelled, so it gets
	// one that outlives this call; Disconnect is what shuts it down.
	cm, err := autopaho.NewConnection(context.Background(), c.cfg)
	if err != nil {
		return fmt.Errorf("%w: connect: %w", contract.ErrTransientTransport, err)
	}

	if err := cm.AwaitConnection(connectCtx); err != nil {
		_ = cm.Disconnect(context.Background())
		return fmt.Errorf("%w: connect: %w", contract.ErrTransientTransport, err)
	}

	c.cm = cm

	return nil
}

// Disconnect tears the connection down gracefully.
func (c *Conn) Disconnect(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}

	return c.cm.Disconnect(ctx)
}

// Subscribe issues a broker SUBSCRIBE for filter at qos.
func (c *Conn) Subscribe(ctx context.Context, filter string, qos byte) error {
	subCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.cm.Subscribe(subCtx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", contract.ErrTransientTransport, filter, err)
	}

	return nil
}

// Unsubscribe issues a broker UNSUBSCRIBE for filter.
func (c *Conn) Unsubscribe(ctx context.Context, filter string) error {
	unsubCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.cm.Unsubscribe(unsubCtx, &paho.Unsubscribe{Topics: []string{filter}})
	if err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", contract.ErrTransientTransport, filter, err)
	}

	return nil
}

// Publish issues a broker PUBLISH, encoding req exactly as spooled —
// this package never touches the payload.
func (c *Conn) Publish(ctx context.Context, req contract.PublishRequest) error {
	pubCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.cm.Publish(pubCtx, &paho.Publish{
		Topic:   req.Topic,
		QoS:     req.QoS,
		Retain:  req.Retain,
		Payload: req.Payload,
	})
	if err != nil {
		return fmt.Errorf("%w: publish %s: %w", contract.ErrTransientTransport, req.Topic, err)
	}

	return nil
}
