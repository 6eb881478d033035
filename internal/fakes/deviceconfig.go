package fakes

import (
	"sync"

	"github.com/studiolambda/greenspool/contract"
)

// DeviceConfig is a scriptable fake contract.DeviceConfig.
type DeviceConfig struct {
	mu sync.Mutex

	Opts            contract.MQTTOptions
	Thing           string
	Endpoint        string
	RegionValue     string
	PrivateKey      string
	Certificate     string
	RootCA          string
	Proxy           bool
	ConfiguredCloud bool

	listeners []func(contract.ChangeEvent)
}

func (d *DeviceConfig) MQTTOptions() contract.MQTTOptions            { return d.Opts }
func (d *DeviceConfig) ThingName() string                            { return d.Thing }
func (d *DeviceConfig) IoTDataEndpoint() string                      { return d.Endpoint }
func (d *DeviceConfig) Region() string                               { return d.RegionValue }
func (d *DeviceConfig) PrivateKeyPath() string                       { return d.PrivateKey }
func (d *DeviceConfig) CertificatePath() string                      { return d.Certificate }
func (d *DeviceConfig) RootCAPath() string                           { return d.RootCA }
func (d *DeviceConfig) ProxyConfigured() bool                        { return d.Proxy }
func (d *DeviceConfig) IsDeviceConfiguredToTalkToCloud() bool        { return d.ConfiguredCloud }

func (d *DeviceConfig) Subscribe(fn func(contract.ChangeEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners = append(d.listeners, fn)
	idx := len(d.listeners) - 1

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.listeners[idx] = nil
	}
}

// Fire delivers ev to every currently subscribed listener, as the real
// change stream would.
func (d *DeviceConfig) Fire(ev contract.ChangeEvent) {
	d.mu.Lock()
	listeners := make([]func(contract.ChangeEvent), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	for _, fn := range listeners {
		if fn != nil {
			fn(ev)
		}
	}
}

// CertificateProvider is a scriptable fake contract.CertificateProvider.
type CertificateProvider struct {
	mu     sync.Mutex
	Calls  int
	Result contract.ClientTLSConfig
	Err    error
}

func (c *CertificateProvider) TLSConfig() (contract.ClientTLSConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Calls++

	return c.Result, c.Err
}
