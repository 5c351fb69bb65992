// Package sim is an in-memory Bluetooth stack. It implements the transport capability
// interfaces on top of a scripted radio environment and lets tests (and the CLI demo
// mode) inject failures: adapters that vanish, refuse power, devices that drop links,
// one-shot call failures.
//
// Every lookup hands out a fresh native handle. Once the simulated object disappears or
// the handle is disposed, calls on it fail with an interaction error, the same way a
// stale D-Bus object path behaves.
package sim

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/groutine"
	"github.com/srg/blegov/internal/transport"
)

// DefaultProtocol is the protocol name of a simulated transport.
const DefaultProtocol = "sim"

// Transport is the simulated stack. Safe for concurrent use.
type Transport struct {
	protocol string
	logger   *logrus.Entry

	mu       sync.Mutex
	adapters map[string]*AdapterNode
	order    []string
}

var _ transport.Transport = (*Transport)(nil)

// New creates an empty simulated transport.
func New(protocol string, logger *logrus.Logger) *Transport {
	if protocol == "" {
		protocol = DefaultProtocol
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		protocol: protocol,
		logger:   logger.WithField("transport", protocol),
		adapters: make(map[string]*AdapterNode),
	}
}

// NewFromProfile creates a transport populated from cfg.
func NewFromProfile(protocol string, cfg ProfileConfig, logger *logrus.Logger) *Transport {
	t := New(protocol, logger)
	t.Load(cfg)
	return t
}

// Load adds every adapter, device and characteristic of cfg.
func (t *Transport) Load(cfg ProfileConfig) {
	for _, ac := range cfg.Adapters {
		a := t.AddAdapter(ac.Address, ac.Name)
		if ac.Powered {
			a.SetPowered(true)
		}
		for _, dc := range ac.Devices {
			d := a.AddDevice(dc.Address, dc.Name)
			d.SetRSSI(dc.RSSI)
			d.SetTxPower(dc.TxPower)
			d.SetBluetoothClass(dc.BluetoothClass)
			for _, sc := range dc.Services {
				for _, cc := range sc.Characteristics {
					d.AddCharacteristic(sc.UUID, cc.UUID, cc.Properties, cc.Value)
				}
			}
		}
	}
}

func (t *Transport) Protocol() string {
	return t.protocol
}

// AddAdapter plugs in a new adapter, unpowered. Adding an existing address returns it.
func (t *Transport) AddAdapter(addr, name string) *AdapterNode {
	u := address.URL{Protocol: t.protocol}.WithAdapter(addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.adapters[u.Adapter]; ok {
		return a
	}
	a := &AdapterNode{
		node:    newNode(t, u),
		name:    name,
		alias:   name,
		devices: make(map[string]*DeviceNode),
	}
	t.adapters[u.Adapter] = a
	t.order = append(t.order, u.Adapter)
	t.logger.WithField("adapter", u.Adapter).Debug("Simulated adapter added")
	return a
}

// GetAdapter returns the control node of an adapter.
func (t *Transport) GetAdapter(addr string) (*AdapterNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.adapters[address.URL{}.WithAdapter(addr).Adapter]
	return a, ok
}

func (t *Transport) Adapter(url address.URL) (transport.Adapter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.lookupAdapter(url)
	if !ok {
		return nil, false
	}
	return &adapterHandle{handle: a.attach(adapterKinds), a: a}, true
}

func (t *Transport) Device(url address.URL) (transport.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.lookupDevice(url)
	if !ok {
		return nil, false
	}
	return &deviceHandle{handle: d.attach(deviceKinds), d: d}, true
}

func (t *Transport) Characteristic(url address.URL) (transport.Characteristic, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.lookupDevice(url)
	if !ok || !d.connected || !d.servicesResolved {
		return nil, false
	}
	c, ok := d.chars[url.ServiceURL().Service+"/"+url.Characteristic]
	if !ok || !c.present {
		return nil, false
	}
	return &characteristicHandle{handle: c.attach(characteristicKinds), c: c}, true
}

// DiscoveredAdapters lists the adapters currently plugged in.
func (t *Transport) DiscoveredAdapters() []transport.DiscoveredAdapter {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []transport.DiscoveredAdapter
	for _, key := range t.order {
		a := t.adapters[key]
		if !a.present {
			continue
		}
		out = append(out, transport.DiscoveredAdapter{URL: a.url, Name: a.name, Alias: a.alias})
	}
	return out
}

// DiscoveredDevices lists devices visible to a powered adapter: in range and either
// being scanned for or connected.
func (t *Transport) DiscoveredDevices() []transport.DiscoveredDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []transport.DiscoveredDevice
	for _, key := range t.order {
		a := t.adapters[key]
		if !a.present || !a.powered {
			continue
		}
		for _, dkey := range a.order {
			d := a.devices[dkey]
			if !d.present || !(a.discovering || d.connected) {
				continue
			}
			out = append(out, transport.DiscoveredDevice{
				URL:            d.url,
				Name:           d.name,
				Alias:          d.alias,
				RSSI:           d.rssi,
				TxPower:        d.txPower,
				BluetoothClass: d.class,
				BLEEnabled:     d.ble,
			})
		}
	}
	return out
}

// Dispose detaches every live handle.
func (t *Transport) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.adapters {
		a.detachAll()
		for _, d := range a.devices {
			d.detachAll()
			for _, c := range d.chars {
				c.detachAll()
			}
		}
	}
}

// Animate perturbs the RSSI of every present device at each interval until ctx ends.
func (t *Transport) Animate(ctx context.Context, interval time.Duration, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	groutine.Every(ctx, "sim-animate", interval, func(context.Context) {
		t.mu.Lock()
		var devices []*DeviceNode
		for _, a := range t.adapters {
			for _, d := range a.devices {
				if d.present && d.rssi != 0 {
					devices = append(devices, d)
				}
			}
		}
		t.mu.Unlock()

		sort.Slice(devices, func(i, j int) bool { return address.Compare(devices[i].url, devices[j].url) < 0 })
		for _, d := range devices {
			d.SetRSSI(d.RSSIValue() + int16(rng.Intn(7)-3))
		}
	})
}

func (t *Transport) lookupAdapter(url address.URL) (*AdapterNode, bool) {
	if url.Protocol != "" && url.Protocol != t.protocol {
		return nil, false
	}
	a, ok := t.adapters[url.Adapter]
	if !ok || !a.present {
		return nil, false
	}
	return a, true
}

func (t *Transport) lookupDevice(url address.URL) (*DeviceNode, bool) {
	a, ok := t.lookupAdapter(url)
	if !ok {
		return nil, false
	}
	d, ok := a.devices[url.Device]
	if !ok || !d.present {
		return nil, false
	}
	return d, true
}

// fire runs collected notification deliveries outside the transport lock.
func fire(calls []func()) {
	for _, c := range calls {
		c()
	}
}
