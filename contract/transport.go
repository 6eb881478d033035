package contract

import (
	"context"
	"time"
)

// Message is an inbound broker-delivered publish, handed from a Conn to
// whatever owns fan-out (registry.Registry in this module).
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ConnectionEvents is the event sink a Conn drives. OnInterrupted fires
// when the broker link drops; OnResumed fires when it (re)establishes,
// carrying whether the broker reports a still-present session.
type ConnectionEvents interface {
	OnInterrupted(err error)
	OnResumed(sessionPresent bool)
	OnMessage(msg Message)
}

// Conn is a single broker connection: the transport collaborator the
// spec scopes out of the core (CONNECT/SUBSCRIBE/PUBLISH wire protocol,
// TLS, proxy setup all live on the implementation's side of this
// interface).
type Conn interface {
	// Connect establishes the connection, blocking until CONNACK or
	// ctx expires.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down gracefully.
	Disconnect(ctx context.Context) error

	// Subscribe issues a broker SUBSCRIBE, blocking until SUBACK or
	// ctx expires.
	Subscribe(ctx context.Context, filter string, qos byte) error

	// Unsubscribe issues a broker UNSUBSCRIBE, blocking until UNSUBACK
	// or ctx expires.
	Unsubscribe(ctx context.Context, filter string) error

	// Publish issues a broker PUBLISH, blocking until the transport
	// considers it delivered (PUBACK for QoS 1, immediately for QoS 0)
	// or ctx expires.
	Publish(ctx context.Context, req PublishRequest) error
}

// ConnFactory creates transport connections on demand, the way the
// pool grows lazily (spec §4.3). timeout bounds every blocking
// operation issued on the returned Conn.
type ConnFactory interface {
	NewConn(clientID string, timeout time.Duration, events ConnectionEvents) (Conn, error)
}
