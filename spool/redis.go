package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studiolambda/greenspool/contract"
)

// redisEntry is the JSON-encoded shape a message takes inside the
// messages hash, mirroring the teacher's cache/redis.Client convention
// of marshaling the stored value as JSON rather than a driver-specific
// encoding.
type redisEntry struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
	Retried uint32 `json:"retried"`
}

// Redis is a durable FIFO spool backed by github.com/redis/go-redis/v9,
// addressed purely through an already-configured *redis.Client so this
// package never decides connection pooling, TLS, or auth — the same
// division of responsibility Disk draws around database/sql. Grounded
// on the teacher's framework/cache/redis.Client (type Options
// redis.Options, JSON-encoded values, redis.Nil mapped to a sentinel
// error), reshaped from a keyed cache into an ordered queue the same
// way Memory reshapes framework/cache.Memory: a sorted set orders ids
// by seq so BZPOPMIN gives a natively blocking, ctx-cancellable PopID
// without a polling loop, and a hash holds each message's body.
type Redis struct {
	client *redis.Client
	prefix string
	config contract.SpoolConfig

	mu        sync.Mutex
	closed    bool
	closeCh   chan struct{}
	nextID    uint64
	tailSeq   int64
	headSeq   int64
	usedBytes int64
}

func (r *Redis) orderKey() string    { return r.prefix + ":order" }
func (r *Redis) messagesKey() string { return r.prefix + ":messages" }

// NewRedis opens a spool keyed under prefix on client, restoring its
// in-memory counters from whatever order/messages keys already exist
// so a restart resumes the FIFO where it left off.
func NewRedis(ctx context.Context, client *redis.Client, prefix string, config contract.SpoolConfig) (*Redis, error) {
	r := &Redis{
		client:  client,
		prefix:  prefix,
		config:  config,
		closeCh: make(chan struct{}),
	}

	if err := r.restore(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Redis) restore(ctx context.Context) error {
	members, err := r.client.ZRangeWithScores(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("spool: restore: %w", err)
	}

	for _, m := range members {
		member := fmt.Sprint(m.Member)

		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			continue
		}
		if id > r.nextID {
			r.nextID = id
		}

		seq := int64(m.Score)
		if seq > r.tailSeq {
			r.tailSeq = seq
		}
		if seq < r.headSeq {
			r.headSeq = seq
		}

		raw, err := r.client.HGet(ctx, r.messagesKey(), member).Result()
		if err != nil {
			continue
		}

		var e redisEntry
		if json.Unmarshal([]byte(raw), &e) == nil {
			r.usedBytes += int64(len(e.Payload))
		}
	}

	return nil
}

// AddMessage enqueues req at the tail, failing with ErrSpoolFull if
// doing so would exceed SpoolSizeInBytes.
func (r *Redis) AddMessage(ctx context.Context, req contract.PublishRequest) (contract.SpoolMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return contract.SpoolMessage{}, contract.ErrClosed
	}

	size := int64(len(req.Payload))
	if r.config.SpoolSizeInBytes > 0 && r.usedBytes+size > r.config.SpoolSizeInBytes {
		return contract.SpoolMessage{}, fmt.Errorf("%w: %d bytes would exceed cap of %d", contract.ErrSpoolFull, r.usedBytes+size, r.config.SpoolSizeInBytes)
	}

	entry := redisEntry{Topic: req.Topic, Payload: req.Payload, QoS: req.QoS, Retain: req.Retain}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return contract.SpoolMessage{}, fmt.Errorf("spool: encode: %w", err)
	}

	id := r.nextID + 1
	seq := r.tailSeq + 1
	member := strconv.FormatUint(id, 10)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.messagesKey(), member, encoded)
	pipe.ZAdd(ctx, r.orderKey(), redis.Z{Score: float64(seq), Member: member})

	if _, err := pipe.Exec(ctx); err != nil {
		return contract.SpoolMessage{}, fmt.Errorf("spool: insert: %w", err)
	}

	r.nextID = id
	r.tailSeq = seq
	r.usedBytes += size

	return contract.SpoolMessage{ID: id, Request: req}, nil
}

// PopID blocks until an id is available, ctx is cancelled, or the
// spool is closed. BZPOPMIN blocks natively on the order set, so no
// sync.Cond is needed here; a short poll interval just re-checks the
// closed flag between blocking calls.
func (r *Redis) PopID(ctx context.Context) (uint64, error) {
	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopWatch := make(chan struct{})
	defer close(stopWatch)

	go func() {
		select {
		case <-r.closeCh:
			cancel()
		case <-stopWatch:
		}
	}()

	for {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()

		if closed {
			return 0, fmt.Errorf("%w: spool closed", contract.ErrSpoolInterrupted)
		}

		res, err := r.client.BZPopMin(popCtx, time.Second, r.orderKey()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if popCtx.Err() != nil {
				return 0, fmt.Errorf("%w: %w", contract.ErrSpoolInterrupted, ctx.Err())
			}

			return 0, fmt.Errorf("spool: pop: %w", err)
		}

		id, err := strconv.ParseUint(fmt.Sprint(res.Member), 10, 64)
		if err != nil {
			continue
		}

		return id, nil
	}
}

// AddID re-enqueues id at the head of the queue and bumps its retried
// counter, the same retry/shutdown-return contract as Memory.AddID.
func (r *Redis) AddID(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	ctx := context.Background()
	member := strconv.FormatUint(id, 10)

	raw, err := r.client.HGet(ctx, r.messagesKey(), member).Result()
	if err != nil {
		return
	}

	var e redisEntry
	if json.Unmarshal([]byte(raw), &e) != nil {
		return
	}

	e.Retried++

	encoded, err := json.Marshal(e)
	if err != nil {
		return
	}

	seq := r.headSeq - 1

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.messagesKey(), member, encoded)
	pipe.ZAdd(ctx, r.orderKey(), redis.Z{Score: float64(seq), Member: member})

	if _, err := pipe.Exec(ctx); err == nil {
		r.headSeq = seq
	}
}

// GetMessageByID looks up a message without removing it.
func (r *Redis) GetMessageByID(id uint64) (contract.SpoolMessage, error) {
	ctx := context.Background()
	member := strconv.FormatUint(id, 10)

	raw, err := r.client.HGet(ctx, r.messagesKey(), member).Result()
	if err == redis.Nil {
		return contract.SpoolMessage{}, fmt.Errorf("%w: id %d", contract.ErrMessageNotFound, id)
	}
	if err != nil {
		return contract.SpoolMessage{}, fmt.Errorf("spool: get: %w", err)
	}

	var e redisEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return contract.SpoolMessage{}, fmt.Errorf("spool: decode: %w", err)
	}

	return contract.SpoolMessage{
		ID: id,
		Request: contract.PublishRequest{
			Topic:   e.Topic,
			Payload: e.Payload,
			QoS:     e.QoS,
			Retain:  e.Retain,
		},
		Retried: e.Retried,
	}, nil
}

// RemoveMessageByID permanently removes a message and its accounted
// bytes.
func (r *Redis) RemoveMessageByID(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()
	member := strconv.FormatUint(id, 10)

	size := r.entrySize(ctx, member)

	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.messagesKey(), member)
	pipe.ZRem(ctx, r.orderKey(), member)

	if _, err := pipe.Exec(ctx); err == nil {
		r.usedBytes -= size
	}
}

// PopAllQos0 discards every currently spooled QoS-0 message.
func (r *Redis) PopAllQos0() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()

	members, err := r.client.ZRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return
	}

	for _, member := range members {
		raw, err := r.client.HGet(ctx, r.messagesKey(), member).Result()
		if err != nil {
			continue
		}

		var e redisEntry
		if json.Unmarshal([]byte(raw), &e) != nil || e.QoS != 0 {
			continue
		}

		pipe := r.client.TxPipeline()
		pipe.HDel(ctx, r.messagesKey(), member)
		pipe.ZRem(ctx, r.orderKey(), member)

		if _, err := pipe.Exec(ctx); err == nil {
			r.usedBytes -= int64(len(e.Payload))
		}
	}
}

func (r *Redis) entrySize(ctx context.Context, member string) int64 {
	raw, err := r.client.HGet(ctx, r.messagesKey(), member).Result()
	if err != nil {
		return 0
	}

	var e redisEntry
	if json.Unmarshal([]byte(raw), &e) != nil {
		return 0
	}

	return int64(len(e.Payload))
}

// GetSpoolConfig returns the spool's static configuration.
func (r *Redis) GetSpoolConfig() contract.SpoolConfig {
	return r.config
}

// Len reports how many messages are currently spooled. Not part of
// contract.Spool; used by bridge.Bridge.Stats when it is available.
func (r *Redis) Len() int {
	n, err := r.client.ZCard(context.Background(), r.orderKey()).Result()
	if err != nil {
		return 0
	}

	return int(n)
}

// Close marks the spool closed, unblocking any pending PopID with
// ErrSpoolInterrupted. It does not close the underlying *redis.Client,
// which the caller owns and may share with other components.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.closeCh)

	return nil
}
