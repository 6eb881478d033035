package bridge_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolambda/greenspool/bridge"
	"github.com/studiolambda/greenspool/contract"
	"github.com/studiolambda/greenspool/internal/fakes"
	"github.com/studiolambda/greenspool/spool"
)

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

func newBridge(t *testing.T) (*bridge.Bridge, *fakes.ConnFactory) {
	t.Helper()

	factory := &fakes.ConnFactory{}
	s := spool.NewMemory(contract.SpoolConfig{})
	b := bridge.New(factory, s, nil, nil, bridge.DefaultOptions)

	t.Cleanup(func() { _ = b.Close() })

	return b, factory
}

// Scenario 1 from spec §8: subscribing A/B/C after A/B/+ is already
// bound must not issue a second broker SUBSCRIBE.
func TestSubscribe_ConsolidatesOverlappingFilters(t *testing.T) {
	b, factory := newBridge(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "A/B/+", 1, "wide", func(contract.Message) {})
	require.NoError(t, err)

	_, err = b.Subscribe(ctx, "A/B/C", 1, "narrow", func(contract.Message) {})
	require.NoError(t, err)

	require.Equal(t, 1, factory.Created())
	assert.Equal(t, []string{"A/B/+"}, factory.At(0).SubscribeCalls)
}

// Scenario 2 from spec §8: subscribing past MaxSubscriptionsPerConnection
// distinct, non-overlapping filters grows the pool.
func TestSubscribe_GrowsPoolPastConnectionCapacity(t *testing.T) {
	b, factory := newBridge(t)
	ctx := context.Background()

	for i := 0; i < contract.MaxSubscriptionsPerConnection+1; i++ {
		filter := fmt.Sprintf("device/topic/%d", i)
		_, err := b.Subscribe(ctx, filter, 1, fmt.Sprintf("cb-%d", i), func(contract.Message) {})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, factory.Created())
	assert.Equal(t, 2, b.Stats().Connections)
}

// Scenario 3 from spec §8: a QoS-0 publish attempted while nothing is
// connected and keepQos0WhenOffline is false is dropped without
// touching the spool.
func TestPublish_DropsQos0WhenOfflineAndNotKept(t *testing.T) {
	b, _ := newBridge(t)

	tok, err := b.Publish(context.Background(), contract.PublishRequest{Topic: "a/b", Payload: []byte("x"), QoS: 0})
	require.ErrorIs(t, err, contract.ErrOfflineDrop)
	assert.Nil(t, tok)
	assert.Equal(t, 0, b.Stats().SpoolDepth)
}

// A QoS-1 publish is spooled, the returned token is already complete
// once AddMessage succeeds, and the publisher loop, which drains only
// while the connection-event handler reports online, then publishes it.
func TestPublish_Qos1AlwaysSpooledAndTokenCompletesImmediately(t *testing.T) {
	b, factory := newBridge(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "a/b", 1, "cb", func(contract.Message) {})
	require.NoError(t, err)
	require.Equal(t, 1, factory.Created())
	factory.At(0).Events.OnResumed(false)

	tok, err := b.Publish(ctx, contract.PublishRequest{Topic: "a/b", Payload: []byte("x"), QoS: 1})
	require.NoError(t, err)
	require.NotNil(t, tok)

	select {
	case <-tok.Done():
	default:
		t.Fatal("token should already be complete")
	}
	assert.NoError(t, tok.Error())

	waitFor(t, func() bool { return b.Stats().SpoolDepth == 0 })
	assert.Equal(t, 1, factory.Created())
	assert.Equal(t, 1, factory.At(0).PublishCallCount())
}

// A connection's wrapper state (pool.Connected()) only changes on
// Connect/Reconnect/Close; the broker can interrupt a connection
// independently of those, which is exactly what connevents.Handler's
// online flag tracks. Publish's offline-drop check must follow that
// flag, not the pool's notion of "connected".
func TestPublish_DropsQos0AfterInterruptionEvenThoughPoolStaysConnected(t *testing.T) {
	b, factory := newBridge(t)
	ctx := context.Background()

	// Force a connection into existence and let connevents observe it
	// coming up, the same way a real broker resume would.
	_, err := b.Subscribe(ctx, "a/b", 1, "cb", func(contract.Message) {})
	require.NoError(t, err)
	require.Equal(t, 1, factory.Created())

	factory.At(0).Events.OnResumed(false)
	require.True(t, b.Connected(), "pool reports connected once the wrapped connection has connected")

	factory.At(0).Events.OnInterrupted(assertErr)
	require.True(t, b.Connected(), "pool.Connected() stays true: nothing re-ran Connect/Reconnect")

	tok, err := b.Publish(ctx, contract.PublishRequest{Topic: "a/b", Payload: []byte("x"), QoS: 0})
	require.ErrorIs(t, err, contract.ErrOfflineDrop)
	assert.Nil(t, tok)
	assert.Equal(t, 0, b.Stats().SpoolDepth)
}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

var assertErr = &sentinelErr{"broker link dropped"}

func TestPublish_RejectsInvalidTopic(t *testing.T) {
	b, _ := newBridge(t)

	_, err := b.Publish(context.Background(), contract.PublishRequest{Topic: "a/+/b", QoS: 1})
	require.ErrorIs(t, err, contract.ErrInvalidRequest)
}

func TestPublish_FailsWhenNotConfiguredForCloud(t *testing.T) {
	factory := &fakes.ConnFactory{}
	s := spool.NewMemory(contract.SpoolConfig{})
	dc := &fakes.DeviceConfig{ConfiguredCloud: false}
	certs := &fakes.CertificateProvider{}

	b := bridge.New(factory, s, dc, certs, bridge.DefaultOptions)
	defer b.Close()

	_, err := b.Publish(context.Background(), contract.PublishRequest{Topic: "a/b", QoS: 1})
	require.ErrorIs(t, err, contract.ErrNotConfiguredForCloud)
}

func TestSubscribe_NoOpWhenNotConfiguredForCloud(t *testing.T) {
	factory := &fakes.ConnFactory{}
	s := spool.NewMemory(contract.SpoolConfig{})
	dc := &fakes.DeviceConfig{ConfiguredCloud: false}
	certs := &fakes.CertificateProvider{}

	b := bridge.New(factory, s, dc, certs, bridge.DefaultOptions)
	defer b.Close()

	_, err := b.Subscribe(context.Background(), "a/b", 1, "", func(contract.Message) {})
	require.NoError(t, err)
	assert.Equal(t, 0, factory.Created())
}

// Scenario 6 from spec §8: rapid configuration changes coalesce into a
// single reconnect wave.
func TestReconfigure_DebouncesIntoOneReconnectWave(t *testing.T) {
	factory := &fakes.ConnFactory{}
	s := spool.NewMemory(contract.SpoolConfig{})
	dc := &fakes.DeviceConfig{ConfiguredCloud: true}
	certs := &fakes.CertificateProvider{}

	b := bridge.New(factory, s, dc, certs, bridge.DefaultOptions)
	defer b.Close()

	_, err := b.Subscribe(context.Background(), "a/b", 1, "", func(contract.Message) {})
	require.NoError(t, err)
	require.Equal(t, 1, factory.Created())

	for i := 0; i < 3; i++ {
		dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindValueChanged, Node: "mqtt.keepAliveTimeoutMs"})
		time.Sleep(100 * time.Millisecond)
	}

	time.Sleep(1200 * time.Millisecond)

	assert.Equal(t, 1, factory.At(0).DisconnectCalls)
}

func TestUnsubscribe_TearsDownBrokerFilterWhenNothingElseCoversIt(t *testing.T) {
	b, factory := newBridge(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "a/b", 1, "cb", func(contract.Message) {})
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(ctx, "a/b", "cb"))

	assert.Equal(t, 1, factory.At(0).UnsubscribeCallCount())
	assert.Equal(t, 0, b.Stats().LocalSubscriptions)
	assert.Equal(t, 0, b.Stats().BrokerFilters)
}

func TestClose_IsIdempotentAndRejectsFurtherOperations(t *testing.T) {
	b, _ := newBridge(t)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Publish(context.Background(), contract.PublishRequest{Topic: "a/b", QoS: 1})
	require.ErrorIs(t, err, contract.ErrClosed)
}
