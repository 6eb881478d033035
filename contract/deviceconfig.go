package contract

// Default option values, clamps, and protocol constants the core is
// built against (spec §6 "Constants (must match)").
const (
	DefaultOperationTimeoutMs = 30_000
	DefaultKeepAliveTimeoutMs = 60_000
	DefaultPingTimeoutMs      = 30_000
	DefaultSocketTimeoutMs    = 3_000
	DefaultPort               = 8883
	DefaultThreadPoolSize     = 1
	DefaultMaxInFlightPublishes = 5
	DefaultMaxPublishRetryCount = 100

	MaxSubscriptionsPerConnection = 50
	IoTMaxLimitInFlightQoS1       = 100
	MQTTMaxLimitMessageSizeBytes  = 268_435_456
	DefaultMaxMessageSizeBytes    = 131_072
	MaxForwardSlashes             = 7
	MaxTopicLength                 = 256

	// UnlimitedPublishRetry disables the retry bound entirely.
	UnlimitedPublishRetry = -1
)

// MQTTOptions is the typed view of the recognized mqtt.* configuration
// keys (spec §6). DeviceConfig implementations translate whatever
// untyped key/value store they sit on top of into this shape.
type MQTTOptions struct {
	OperationTimeoutMs  int
	KeepAliveTimeoutMs  int
	PingTimeoutMs       int
	SocketTimeoutMs     int
	Port                int
	ThreadPoolSize      int
	MaxInFlightPublishes int
	MaxMessageSizeInBytes int64
	MaxPublishRetry     int
}

// ChangeKind classifies a device configuration change-stream event. The
// reconfiguration controller filters out TimestampUpdated,
// InteriorAdded, and nil-node events (spec §4.7).
type ChangeKind int

const (
	ChangeKindValueChanged ChangeKind = iota
	ChangeKindNodeRemoved
	ChangeKindTimestampUpdated
	ChangeKindInteriorAdded
)

// ChangeEvent is a single device configuration change notification.
type ChangeEvent struct {
	Kind ChangeKind
	Node string // dotted config path, e.g. "mqtt.thingName"
}

// DeviceConfig is the device configuration store collaborator: typed
// lookups for the recognized mqtt.* options plus the identity/endpoint
// fields the reconfiguration controller watches, and a change stream.
type DeviceConfig interface {
	MQTTOptions() MQTTOptions
	ThingName() string
	IoTDataEndpoint() string
	Region() string
	PrivateKeyPath() string
	CertificatePath() string
	RootCAPath() string
	ProxyConfigured() bool
	IsDeviceConfiguredToTalkToCloud() bool

	// Subscribe registers a listener for configuration changes.
	// Returns an unsubscribe function.
	Subscribe(func(ChangeEvent)) (unsubscribe func())
}

// CertificateProvider is the security-service collaborator that
// supplies the TLS material used to connect to the broker. The
// reconfiguration controller calls it again whenever the root CA path
// changes (spec §4.7 step 2).
type CertificateProvider interface {
	TLSConfig() (ClientTLSConfig, error)
}

// ClientTLSConfig is a transport-agnostic bundle of TLS material; the
// transport collaborator turns it into a *tls.Config.
type ClientTLSConfig struct {
	CertificatePEM []byte
	PrivateKeyPEM  []byte
	RootCAPEM      []byte
	ServerName     string
}
