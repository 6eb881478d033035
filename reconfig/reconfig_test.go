package reconfig_test

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
	"github.com/studiolambda/greenspool/pool"
	"github.com/studiolambda/greenspool/reconfig"
)

type noopSink struct{}

func (noopSink) OnInterrupted(*connection.Connection, error)        {}
func (noopSink) OnResumed(*connection.Connection, bool)             {}
func (noopSink) OnMessage(*connection.Connection, contract.Message) {}

func newController(t *testing.T) (*reconfig.Controller, *pool.Pool, *fakes.ConnFactory, *fakes.DeviceConfig, *fakes.CertificateProvider, *int) {
	t.Helper()

	factory := &fakes.ConnFactory{}
	p := pool.New(factory, noopSink{}, "device", connection.Options{})

	a, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)

	// Fill a to capacity so the next acquire grows a second connection,
	// giving reconnectAll two distinct targets.
	for i := 0; i < contract.MaxSubscriptionsPerConnection; i++ {
		require.NoError(t, a.Subscribe(context.Background(), "filler/"+strconv.Itoa(i), 1))
	}

	b, err := p.AcquireForSubscribe(context.Background())
	require.NoError(t, err)
	require.NotSame(t, a, b)
	require.Equal(t, 2, p.Len())

	dc := &fakes.DeviceConfig{}
	certs := &fakes.CertificateProvider{}

	revalidateCalls := 0
	c := reconfig.New(p, dc, certs, func() { revalidateCalls++ }, nil)

	return c, p, factory, dc, certs, &revalidateCalls
}

func TestController_DebouncesRapidChangesIntoOneReconnectWave(t *testing.T) {
	c, _, factory, dc, _, revalidateCalls := newController(t)
	c.Start()
	defer c.Stop()

	for i := 0; i < 4; i++ {
		dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindValueChanged, Node: "mqtt.keepAliveTimeoutMs"})
		time.Sleep(100 * time.Millisecond)
	}

	time.Sleep(1200 * time.Millisecond)

	assert.Equal(t, 1, *revalidateCalls)
	assert.Equal(t, 1, factory.At(0).DisconnectCalls, "reconnect tears down the old transport exactly once")
	assert.Equal(t, 1, factory.At(1).DisconnectCalls)
}

func TestController_IgnoresNonMatchingAndFilteredChanges(t *testing.T) {
	c, _, _, dc, _, revalidateCalls := newController(t)
	c.Start()
	defer c.Stop()

	dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindValueChanged, Node: "unrelated.setting"})
	dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindTimestampUpdated, Node: "mqtt.operationTimeoutMs"})
	dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindInteriorAdded, Node: "mqtt.operationTimeoutMs"})
	dc.Fire(contract.ChangeEvent{})

	time.Sleep(1200 * time.Millisecond)

	assert.Equal(t, 0, *revalidateCalls)
}

func TestController_RegionOnlyMattersWhenProxyConfigured(t *testing.T) {
	c, _, _, dc, _, revalidateCalls := newController(t)
	c.Start()
	defer c.Stop()

	dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindValueChanged, Node: "region"})
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 0, *revalidateCalls)

	dc.Proxy = true
	dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindValueChanged, Node: "region"})
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 1, *revalidateCalls)
}

func TestController_RootCAChangeRebuildsTLSContext(t *testing.T) {
	c, _, _, dc, certs, _ := newController(t)
	certs.Result = contract.ClientTLSConfig{ServerName: "device.iot.example"}
	c.Start()
	defer c.Stop()

	_, loaded := c.TLSConfig()
	require.False(t, loaded)

	dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindValueChanged, Node: "rootCaPath"})
	time.Sleep(1200 * time.Millisecond)

	cfg, loaded := c.TLSConfig()
	require.True(t, loaded)
	assert.Equal(t, "device.iot.example", cfg.ServerName)
	assert.Equal(t, 1, certs.Calls)
}

func TestController_NonRootCAChangeDoesNotRebuildTLS(t *testing.T) {
	c, _, _, dc, certs, _ := newController(t)
	c.Start()
	defer c.Stop()

	dc.Fire(contract.ChangeEvent{Kind: contract.ChangeKindValueChanged, Node: "thingName"})
	time.Sleep(1200 * time.Millisecond)

	_, loaded := c.TLSConfig()
	assert.False(t, loaded)
	assert.Equal(t, 0, certs.Calls)
}
