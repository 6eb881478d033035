// Package contract defines the external collaborators and shared wire
// types the core MQTT client manager is built against: the persistent
// outbound spool, the device configuration store, the MQTT transport,
// and the certificate provider. None of these are implemented here —
// this package only pins down the shapes the rest of the module
// depends on, so collaborators can be swapped (a fake in tests, a real
// broker connection in production) without touching the core.
package contract

import "errors"

// Error kinds surfaced to facade callers, per the error handling design:
// validation failures are never retried or spooled, offline/spool-full
// drops are returned as the publish error (with no token) without
// touching the transport, and transient transport errors drive the publisher
// retry/drop policy.
var (
	// ErrInvalidRequest marks a validation failure: a wildcard in a
	// publish topic, an oversize payload, an oversize topic, or too
	// many forward slashes. Never retried, never spooled.
	ErrInvalidRequest = errors.New("mqttbridge: invalid request")

	// ErrOfflineDrop marks a QoS-0 publish rejected while offline with
	// keepQos0WhenOffline disabled. The spool is never touched.
	ErrOfflineDrop = errors.New("mqttbridge: offline, qos-0 message dropped")

	// ErrSpoolFull marks a publish rejected because the spool reached
	// its configured size cap.
	ErrSpoolFull = errors.New("mqttbridge: spool is full")

	// ErrSpoolInterrupted marks a spool operation that was cancelled
	// before it could complete.
	ErrSpoolInterrupted = errors.New("mqttbridge: spool operation interrupted")

	// ErrTransientTransport marks a broker publish/subscribe failure,
	// timeout, or connection drop. Subscribes re-raise this to the
	// caller; publishes are retried up to the configured bound.
	ErrTransientTransport = errors.New("mqttbridge: transient transport error")

	// ErrNotConfiguredForCloud marks a publish attempted while the
	// device is not configured to talk to the cloud at all.
	ErrNotConfiguredForCloud = errors.New("mqttbridge: device not configured to talk to cloud")

	// ErrMessageNotFound marks a spool lookup for an id that is no
	// longer (or never was) present.
	ErrMessageNotFound = errors.New("mqttbridge: spool message not found")

	// ErrClosed marks an operation attempted after Close.
	ErrClosed = errors.New("mqttbridge: bridge is closed")
)
