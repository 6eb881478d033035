package pool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolambda/greenspool/connection"
	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/internal/fakes"
	"github.com/studiolambda/greenspool/pool"
)

type noopSink struct{}

func (noopSink) OnInterrupted(*connection.Connection, error)         {}
func (noopSink) OnResumed(*connection.Connection, bool)              {}
func (noopSink) OnMessage(*connection.Connection, contract.Message)  {}

func newPool() (*pool.Pool, *fakes.ConnFactory) {
	factory := &fakes.ConnFactory{}
	p := pool.New(factory, noopSink{}, "device", connection.Options{})

	return p, factory
}

func TestAcquireForSubscribe_GrowsFromEmpty(t *testing.T) {
	p, factory := newPool()

	conn, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, factory.Created())
}

func TestAcquireForSubscribe_ReusesAcceptingConnection(t *testing.T) {
	p, factory := newPool()

	first, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Subscribe(context.Background(), "A/B", 1))

	second, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, factory.Created())
}

func TestAcquireForSubscribe_GrowsWhenFirstConnectionFull(t *testing.T) {
	p, factory := newPool()

	first, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)

	for i := 0; i < contract.MaxSubscriptionsPerConnection; i++ {
		require.NoError(t, first.Subscribe(context.Background(), filterFor(i), 1))
	}
	require.False(t, first.CanAcceptSubscription())

	second, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, factory.Created())
	assert.Equal(t, 2, p.Len())
}

func TestReclaim_KeepsAtMostOneIdleClosable(t *testing.T) {
	p, factory := newPool()

	a, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)
	for i := 0; i < contract.MaxSubscriptionsPerConnection; i++ {
		require.NoError(t, a.Subscribe(context.Background(), filterFor(i), 1))
	}

	// a is now full: acquiring again must grow a second, initially
	// idle connection.
	b, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)
	require.NotSame(t, a, b)

	// Draining a makes it idle+acceptable again, so both a and b can
	// now accept a subscription: the next acquire must reclaim down
	// to at most one idle-closable connection.
	for i := 0; i < contract.MaxSubscriptionsPerConnection; i++ {
		require.NoError(t, a.Unsubscribe(context.Background(), filterFor(i)))
	}

	_, err = p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)

	closable := 0
	for _, c := range p.Snapshot() {
		if c.IsClosable() {
			closable++
		}
	}
	assert.LessOrEqual(t, closable, 1)
	assert.Equal(t, 2, factory.Created())
}

func TestAcquireForPublish_RoundRobins(t *testing.T) {
	p, _ := newPool()

	a, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)
	for i := 0; i < contract.MaxSubscriptionsPerConnection; i++ {
		require.NoError(t, a.Subscribe(context.Background(), filterFor(i), 1))
	}
	b, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)

	first, err := p.AcquireForPublish(context.Background())
	require.NoError(t, err)
	second, err := p.AcquireForPublish(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Contains(t, []*connection.Connection{a, b}, first)
	assert.Contains(t, []*connection.Connection{a, b}, second)
}

func TestClose_ClosesAllConnections(t *testing.T) {
	p, factory := newPool()

	_, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)
	_, err = p.AcquireForPublish(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 1, factory.At(0).DisconnectCalls)
}

func TestConnected_TrueWhenAnyConnectionIsUp(t *testing.T) {
	p, _ := newPool()
	assert.False(t, p.Connected())

	_, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Connected())
}

func filterFor(i int) string {
	return "topic/" + string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
}
