// Package spool ships three contract.Spool implementations so the
// publisher loop has something concrete to run against: Memory, an
// in-process FIFO; Disk, a durable one backed by any database/sql
// driver through sqlx; and Redis, a durable one backed by a shared
// Redis instance through go-redis.
//
// All three honor SpoolConfig.SpoolSizeInBytes as a cap on the sum of
// unacknowledged payload sizes, and leave KeepQos0WhenOffline purely
// as a read-only signal the core consults before enqueueing (spec
// §4.8 step 3) — the spool itself does not special-case QoS when
// accepting a message, only when PopAllQos0 is called.
package spool

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/studiolambda/greenspool/contract"
)

// Memory is an in-process FIFO spool. Messages do not survive a
// restart. Grounded on the teacher's framework/cache.Memory: same
// mutex-guarded receiver shape and sentinel-wrapping error pattern,
// reshaped from a keyed cache into an ordered queue because popId
// needs FIFO order, which a key-value cache cannot give.
type Memory struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool

	nextID  uint64
	order   *list.List
	entries map[uint64]contract.SpoolMessage

	usedBytes int64
	config    contract.SpoolConfig
}

// NewMemory creates an empty Memory spool with the given config.
func NewMemory(config contract.SpoolConfig) *Memory {
	m := &Memory{
		order:   list.New(),
		entries: make(map[uint64]contract.SpoolMessage),
		config:  config,
	}
	m.cond = sync.NewCond(&m.mu)

	return m
}

// AddMessage enqueues req at the tail, failing with ErrSpoolFull if
// doing so would exceed SpoolSizeInBytes (a cap of 0 means unbounded).
func (m *Memory) AddMessage(_ context.Context, req contract.PublishRequest) (contract.SpoolMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return contract.SpoolMessage{}, contract.ErrClosed
	}

	size := int64(len(req.Payload))
	if m.config.SpoolSizeInBytes > 0 && m.usedBytes+size > m.config.SpoolSizeInBytes {
		return contract.SpoolMessage{}, fmt.Errorf("%w: %d bytes would exceed cap of %d", contract.ErrSpoolFull, m.usedBytes+size, m.config.SpoolSizeInBytes)
	}

	m.nextID++
	msg := contract.SpoolMessage{ID: m.nextID, Request: req}
	m.entries[msg.ID] = msg
	m.order.PushBack(msg.ID)
	m.usedBytes += size
	m.cond.Signal()

	return msg, nil
}

// PopID blocks until an id is available, ctx is cancelled, or the
// spool is closed. A background goroutine watches ctx.Done() and wakes
// the waiter, since sync.Cond has no native ctx support.
func (m *Memory) PopID(ctx context.Context) (uint64, error) {
	stopWatch := make(chan struct{})
	defer close(stopWatch)

	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-stopWatch:
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.order.Len() == 0 && !m.closed && ctx.Err() == nil {
		m.cond.Wait()
	}

	if m.order.Len() == 0 {
		if m.closed {
			return 0, fmt.Errorf("%w: spool closed", contract.ErrSpoolInterrupted)
		}

		return 0, fmt.Errorf("%w: %w", contract.ErrSpoolInterrupted, ctx.Err())
	}

	front := m.order.Front()
	m.order.Remove(front)

	return front.Value.(uint64), nil
}

// AddID re-enqueues id at the head of the queue, for both a publish
// retry and returning an id popped-but-unpublished on shutdown. A
// retry's retried counter is bumped here since this is the one place
// every re-enqueue funnels through.
func (m *Memory) AddID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if msg, ok := m.entries[id]; ok {
		msg.Retried++
		m.entries[id] = msg
	}

	m.order.PushFront(id)
	m.cond.Signal()
}

// GetMessageByID looks up a message without removing it.
func (m *Memory) GetMessageByID(id uint64) (contract.SpoolMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.entries[id]
	if !ok {
		return contract.SpoolMessage{}, fmt.Errorf("%w: id %d", contract.ErrMessageNotFound, id)
	}

	return msg, nil
}

// RemoveMessageByID permanently removes a message and its accounted
// bytes.
func (m *Memory) RemoveMessageByID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.entries[id]
	if !ok {
		return
	}

	delete(m.entries, id)
	m.usedBytes -= int64(len(msg.Request.Payload))

	for e := m.order.Front(); e != nil; e = e.Next() {
		if e.Value.(uint64) == id {
			m.order.Remove(e)
			break
		}
	}
}

// PopAllQos0 discards every currently spooled QoS-0 message.
func (m *Memory) PopAllQos0() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *list.Element
	for e := m.order.Front(); e != nil; e = next {
		next = e.Next()
		id := e.Value.(uint64)

		msg, ok := m.entries[id]
		if !ok || msg.Request.QoS != 0 {
			continue
		}

		delete(m.entries, id)
		m.usedBytes -= int64(len(msg.Request.Payload))
		m.order.Remove(e)
	}
}

// GetSpoolConfig returns the spool's static configuration.
func (m *Memory) GetSpoolConfig() contract.SpoolConfig {
	return m.config
}

// Len reports how many messages are currently spooled. Not part of
// contract.Spool; used by bridge.Bridge.Stats when it is available.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.order.Len()
}

// Close marks the spool closed, unblocking any pending PopID with
// ErrSpoolInterrupted.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.cond.Broadcast()

	return nil
}
