package publisher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolambda/greenspool/connection"
	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/internal/fakes"
	"github.com/studiolambda/greenspool/pool"
	"github.com/studiolambda/greenspool/publisher"
	"github.com/studiolambda/greenspool/spool"
)

type noopSink struct{}

func (noopSink) OnInterrupted(*connection.Connection, error)        {}
func (noopSink) OnResumed(*connection.Connection, bool)             {}
func (noopSink) OnMessage(*connection.Connection, contract.Message) {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition never became true")
}

func TestLoop_DrainsSpoolAndRemovesOnSuccess(t *testing.T) {
	factory := &fakes.ConnFactory{}
	p := pool.New(factory, noopSink{}, "device", connection.Options{})
	s := spool.NewMemory(contract.SpoolConfig{})

	online := true
	loop := publisher.New(p, s, func() bool { return online }, publisher.Options{})

	msg, err := s.AddMessage(context.Background(), contract.PublishRequest{Topic: "a", QoS: 1})
	require.NoError(t, err)

	loop.Kick()
	defer loop.Close()

	waitFor(t, func() bool {
		_, err := s.GetMessageByID(msg.ID)
		return err != nil
	})

	require.Equal(t, 1, factory.Created())
	assert.Equal(t, 1, factory.At(0).PublishCallCount())
}

func TestLoop_RetriesOnFailureUpToBound(t *testing.T) {
	factory := &fakes.ConnFactory{}
	factory.Configure = func(c *fakes.Conn) { c.PublishErr = assertErr }

	p := pool.New(factory, noopSink{}, "device", connection.Options{})
	s := spool.NewMemory(contract.SpoolConfig{})

	online := true
	loop := publisher.New(p, s, func() bool { return online }, publisher.Options{MaxPublishRetryCount: 2})

	msg, err := s.AddMessage(context.Background(), contract.PublishRequest{Topic: "a", QoS: 1})
	require.NoError(t, err)

	loop.Kick()
	defer loop.Close()

	// Two retries are allowed (retried 0 and 1 both < 2), the third
	// attempt (retried == 2) must be dropped without removeMessageById
	// or addId ever firing again for it.
	waitFor(t, func() bool {
		got, err := s.GetMessageByID(msg.ID)
		return err == nil && got.Retried == 2
	})

	time.Sleep(50 * time.Millisecond)

	got, err := s.GetMessageByID(msg.ID)
	require.NoError(t, err, "a dropped message is never removed from the spool's entry map")
	assert.Equal(t, uint32(2), got.Retried)
}

func TestLoop_KickIsIdempotentWhileRunning(t *testing.T) {
	factory := &fakes.ConnFactory{}
	p := pool.New(factory, noopSink{}, "device", connection.Options{})
	s := spool.NewMemory(contract.SpoolConfig{})

	loop := publisher.New(p, s, func() bool { return true }, publisher.Options{})

	loop.Kick()
	loop.Kick()
	defer loop.Close()

	waitFor(t, func() bool { return factory.Created() >= 1 })
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, factory.Created(), "a second Kick while running must not spin up a second primary connection")
}

type sentinel struct{ msg string }

func (s *sentinel) Error() string { return s.msg }

var assertErr = &sentinel{"boom"}
