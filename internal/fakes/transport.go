// Package fakes provides deterministic, in-memory collaborators
// (contract.Conn, contract.ConnFactory, contract.ConnectionEvents,
// contract.DeviceConfig, contract.CertificateProvider) shared across
// this module's package tests, so no test needs a real broker or
// config store. Tests that need a spool use spool.Memory.
package fakes

import (
	"context"
	"sync"
	"time"

	"github.com/studiolambda/greenspool/contract"
)

// Conn is a scriptable fake contract.Conn.
type Conn struct {
	mu sync.Mutex

	// Events is the contract.ConnectionEvents this Conn was created
	// with, kept so a test can simulate the broker calling back
	// OnInterrupted/OnResumed independently of Connect/Reconnect, the
	// way a real transport's connection manager does.
	Events contract.ConnectionEvents

	ConnectErr     error
	DisconnectErr  error
	SubscribeErr   error
	UnsubscribeErr error
	PublishErr     error

	ConnectCalls     int
	DisconnectCalls  int
	SubscribeCalls   []string
	UnsubscribeCalls []string
	PublishCalls     []contract.PublishRequest
}

func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls++

	return c.ConnectErr
}

func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DisconnectCalls++

	return c.DisconnectErr
}

func (c *Conn) Subscribe(ctx context.Context, filter string, qos byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubscribeCalls = append(c.SubscribeCalls, filter)

	return c.SubscribeErr
}

func (c *Conn) Unsubscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UnsubscribeCalls = append(c.UnsubscribeCalls, filter)

	return c.UnsubscribeErr
}

func (c *Conn) Publish(ctx context.Context, req contract.PublishRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PublishCalls = append(c.PublishCalls, req)

	return c.PublishErr
}

func (c *Conn) SubscribeCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.SubscribeCalls)
}

func (c *Conn) UnsubscribeCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.UnsubscribeCalls)
}

func (c *Conn) PublishCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.PublishCalls)
}

// ConnFactory hands out fake Conns, recording every one it creates so
// a test can script or inspect them individually.
type ConnFactory struct {
	mu    sync.Mutex
	Conns []*Conn

	// NewConnErr, if set, is returned instead of creating a Conn.
	NewConnErr error

	// Configure, if set, is called on each new Conn before it's
	// returned, to script per-connection behavior.
	Configure func(*Conn)
}

func (f *ConnFactory) NewConn(clientID string, timeout time.Duration, events contract.ConnectionEvents) (contract.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.NewConnErr != nil {
		return nil, f.NewConnErr
	}

	c := &Conn{Events: events}
	if f.Configure != nil {
		f.Configure(c)
	}

	f.Conns = append(f.Conns, c)

	return c, nil
}

// Created returns how many Conns this factory has produced so far.
func (f *ConnFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.Conns)
}

// At returns the i-th Conn created by this factory.
func (f *ConnFactory) At(i int) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.Conns[i]
}
