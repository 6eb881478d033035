package bridge

import (
	"log/slog"
	"time"

	"github.com/studiolambda/greenspool/contract"
)

// Options configures a Bridge. Construct from DefaultOptions and
// override only what differs.
type Options struct {
	// ClientIDPrefix is the stem every pooled connection's client id is
	// derived from (spec §4.3 "<prefix>-<n>").
	ClientIDPrefix string

	OperationTimeout time.Duration

	// MaxInFlightPublishes is clamped to at most
	// contract.IoTMaxLimitInFlightQoS1 by Validate; a value <= 0 is
	// replaced with contract.DefaultMaxInFlightPublishes.
	MaxInFlightPublishes int

	// MaxPublishRetryCount bounds how many times the publisher loop
	// retries a failed publish before dropping it.
	// contract.UnlimitedPublishRetry disables the bound.
	MaxPublishRetryCount int

	// MaxMessageSizeInBytes is clamped to at most
	// contract.MQTTMaxLimitMessageSizeBytes by Validate; a value <= 0 is
	// replaced with contract.DefaultMaxMessageSizeBytes.
	MaxMessageSizeInBytes int64

	Logger *slog.Logger
}

// DefaultOptions mirrors the protocol defaults pinned down in spec §6.
var DefaultOptions = Options{
	ClientIDPrefix:        "device",
	OperationTimeout:      contract.DefaultOperationTimeoutMs * time.Millisecond,
	MaxInFlightPublishes:  contract.DefaultMaxInFlightPublishes,
	MaxPublishRetryCount:  contract.DefaultMaxPublishRetryCount,
	MaxMessageSizeInBytes: contract.DefaultMaxMessageSizeBytes,
	Logger:                slog.New(slog.DiscardHandler),
}

// Validate clamps every bounded field in place (spec §4.7 step 1,
// §6.2), applying the same defaults/clamps at construction time and on
// every reconfiguration revalidate pass.
func (o *Options) Validate() {
	if o.ClientIDPrefix == "" {
		o.ClientIDPrefix = DefaultOptions.ClientIDPrefix
	}

	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOptions.OperationTimeout
	}

	if o.MaxInFlightPublishes <= 0 {
		o.MaxInFlightPublishes = contract.DefaultMaxInFlightPublishes
	}
	if o.MaxInFlightPublishes > contract.IoTMaxLimitInFlightQoS1 {
		o.MaxInFlightPublishes = contract.IoTMaxLimitInFlightQoS1
	}

	if o.MaxMessageSizeInBytes <= 0 {
		o.MaxMessageSizeInBytes = contract.DefaultMaxMessageSizeBytes
	}
	if o.MaxMessageSizeInBytes > contract.MQTTMaxLimitMessageSizeBytes {
		o.MaxMessageSizeInBytes = contract.MQTTMaxLimitMessageSizeBytes
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

