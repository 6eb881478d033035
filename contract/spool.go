package contract

import "context"

// StorageType identifies the backing medium of a Spool implementation.
type StorageType int

const (
	// StorageMemory keeps spooled messages only in process memory;
	// they do not survive a restart.
	StorageMemory StorageType = iota

	// StorageDisk persists spooled messages so they survive a restart.
	StorageDisk

	// StorageRedis persists spooled messages in a shared Redis
	// instance, so they survive a restart and can be inspected or
	// drained by something outside this process.
	StorageRedis
)

func (s StorageType) String() string {
	switch s {
	case StorageMemory:
		return "memory"
	case StorageDisk:
		return "disk"
	case StorageRedis:
		return "redis"
	default:
		return "unknown"
	}
}

// PublishRequest is a validated, wildcard-free outbound publish.
type PublishRequest struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// SpoolMessage is a publish request as it sits in the spool, carrying
// the bookkeeping the publisher loop needs to enforce the retry bound.
type SpoolMessage struct {
	ID      uint64
	Request PublishRequest
	Retried uint32
}

// SpoolConfig mirrors the spool's own configuration; the core reads it
// to decide the offline QoS-0 drop policy but never writes it.
type SpoolConfig struct {
	KeepQos0WhenOffline bool
	SpoolSizeInBytes    int64
	StorageType         StorageType
}

// Spool is the external persistent FIFO of outbound publish requests.
// Implementations must preserve insertion order across popId/addId
// modulo re-enqueues, and must treat popId as interruptible via ctx so
// a blocked publisher loop can be cancelled on shutdown without losing
// the id it was about to hand back (see publisher.Loop).
type Spool interface {
	// AddMessage enqueues a new publish request, returning the
	// assigned SpoolMessage, or ErrSpoolFull if the size cap is
	// reached.
	AddMessage(ctx context.Context, req PublishRequest) (SpoolMessage, error)

	// PopID blocks until an id is available, the spool is closed, or
	// ctx is cancelled (ErrSpoolInterrupted).
	PopID(ctx context.Context) (uint64, error)

	// AddID re-enqueues an id at the head of the queue, used both for
	// retries and to return an id popped-but-not-yet-published when
	// the publisher loop is interrupted.
	AddID(id uint64)

	// GetMessageByID looks up a message without removing it.
	GetMessageByID(id uint64) (SpoolMessage, error)

	// RemoveMessageByID permanently removes a message, called after a
	// successful publish. The publisher loop does not call it for a
	// message it drops after retry exhaustion.
	RemoveMessageByID(id uint64)

	// PopAllQos0 drains and discards every currently spooled QoS-0
	// message, called when the connection goes offline and
	// keepQos0WhenOffline is false.
	PopAllQos0()

	// GetSpoolConfig returns the spool's static configuration.
	GetSpoolConfig() SpoolConfig

	// Close releases any resources held by the spool and unblocks any
	// pending PopID call with ErrSpoolInterrupted.
	Close() error
}
