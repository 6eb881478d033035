package connection_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolambda/greenspool/connection"
	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/internal/fakes"
)

func newConn(t *testing.T) (*connection.Connection, *fakes.ConnFactory) {
	t.Helper()
	factory := &fakes.ConnFactory{}
	c := connection.New("client-1", factory, &fakes.Events{}, connection.Options{
		Timeout: time.Second,
	})

	return c, factory
}

func TestConnect_TransitionsToConnected(t *testing.T) {
	c, _ := newConn(t)
	require.Equal(t, connection.Disconnected, c.State())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, connection.Connected, c.State())
}

func TestCanAcceptSubscription_RequiresConnected(t *testing.T) {
	c, _ := newConn(t)
	assert.False(t, c.CanAcceptSubscription())
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.CanAcceptSubscription())
}

func TestSubscribe_IncrementsCountAndClearsPending(t *testing.T) {
	c, _ := newConn(t)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Subscribe(context.Background(), "A/B/+", 1))
	assert.Equal(t, 1, c.SubscriptionCount())
	assert.True(t, c.CanAcceptSubscription())
}

func TestSubscribe_DuplicateWhilePermanentIsNoop(t *testing.T) {
	c, factory := newConn(t)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), "A/B/+", 1))
	require.NoError(t, c.Subscribe(context.Background(), "A/B/+", 1))

	assert.Equal(t, 1, factory.At(0).SubscribeCallCount())
	assert.Equal(t, 1, c.SubscriptionCount())
}

func TestSubscribe_FailureClearsPendingSlot(t *testing.T) {
	c, factory := newConn(t)
	require.NoError(t, c.Connect(context.Background()))
	factory.At(0).SubscribeErr = assertErr

	err := c.Subscribe(context.Background(), "A/B", 1)
	require.ErrorIs(t, err, contract.ErrTransientTransport)
	assert.Equal(t, 0, c.SubscriptionCount())
	assert.True(t, c.CanAcceptSubscription())

	factory.At(0).SubscribeErr = nil
	require.NoError(t, c.Subscribe(context.Background(), "A/B", 1))
	assert.Equal(t, 1, c.SubscriptionCount())
}

func TestMaxSubscriptionsIsRespectedByCaller(t *testing.T) {
	c, _ := newConn(t)
	require.NoError(t, c.Connect(context.Background()))

	for i := 0; i < contract.MaxSubscriptionsPerConnection; i++ {
		require.True(t, c.CanAcceptSubscription())
		require.NoError(t, c.Subscribe(context.Background(), filterFor(i), 1))
	}

	assert.False(t, c.CanAcceptSubscription())
	assert.Equal(t, contract.MaxSubscriptionsPerConnection, c.SubscriptionCount())
}

func TestUnsubscribe_DecrementsCountAndReopensCapacity(t *testing.T) {
	c, _ := newConn(t)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), "A/B", 1))
	require.NoError(t, c.Unsubscribe(context.Background(), "A/B"))

	assert.Equal(t, 0, c.SubscriptionCount())
	assert.True(t, c.IsClosable())
}

func TestIsClosable(t *testing.T) {
	c, _ := newConn(t)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsClosable())

	require.NoError(t, c.Subscribe(context.Background(), "A/B", 1))
	assert.False(t, c.IsClosable())
}

func TestReconnect_ReturnsToConnected(t *testing.T) {
	c, factory := newConn(t)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Reconnect(context.Background()))

	assert.Equal(t, connection.Connected, c.State())
	assert.Equal(t, 1, factory.At(0).DisconnectCalls)
	assert.Equal(t, 2, factory.Created())
}

func TestClose_IsIdempotent(t *testing.T) {
	c, _ := newConn(t)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, connection.Closed, c.State())
}

func filterFor(i int) string {
	return "topic/" + strconv.Itoa(i)
}

var assertErr = &sentinel{"boom"}

type sentinel struct{ msg string }

func (s *sentinel) Error() string { return s.msg }
