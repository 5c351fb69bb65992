package combined

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/transport"
	"github.com/srg/blegov/internal/transport/sim"
)

// testRegistry is a minimal Registry over simulated transports, creating physical and
// combined governors on demand.
type testRegistry struct {
	transports map[string]*sim.Transport
	logger     *logrus.Logger
	defaults   governor.Defaults

	mu   sync.Mutex
	govs map[address.URL]governor.Governor

	adapterListeners governor.Listeners[governor.AdapterDiscoveryListener]
	deviceListeners  governor.Listeners[governor.DeviceDiscoveryListener]
}

func newTestRegistry(logger *logrus.Logger, transports ...*sim.Transport) *testRegistry {
	defaults := governor.StandardDefaults()
	defaults.RSSIReportingRate = 0
	defaults.RSSIFiltering = false
	r := &testRegistry{
		transports: map[string]*sim.Transport{},
		logger:     logger,
		defaults:   defaults,
		govs:       map[address.URL]governor.Governor{},
	}
	for _, t := range transports {
		r.transports[t.Protocol()] = t
	}
	return r
}

func (r *testRegistry) NativeAdapter(url address.URL) (transport.Adapter, bool) {
	if t, ok := r.transports[url.Protocol]; ok {
		return t.Adapter(url)
	}
	return nil, false
}

func (r *testRegistry) NativeDevice(url address.URL) (transport.Device, bool) {
	if t, ok := r.transports[url.Protocol]; ok {
		return t.Device(url)
	}
	return nil, false
}

func (r *testRegistry) NativeCharacteristic(url address.URL) (transport.Characteristic, bool) {
	if t, ok := r.transports[url.Protocol]; ok {
		return t.Characteristic(url)
	}
	return nil, false
}

// governor creates outside the lock: combined governors look up their delegates while
// being built.
func (r *testRegistry) governor(url address.URL, create func() governor.Governor) governor.Governor {
	r.mu.Lock()
	g, ok := r.govs[url]
	r.mu.Unlock()
	if ok {
		return g
	}
	g = create()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.govs[url]; ok {
		g.Dispose()
		return existing
	}
	r.govs[url] = g
	return g
}

func (r *testRegistry) AdapterGovernor(url address.URL) governor.AdapterGovernor {
	return r.governor(url, func() governor.Governor {
		if url.IsCombined() {
			return NewAdapter(url, r, r.defaults, r.logger)
		}
		return governor.NewAdapter(url, r, r.defaults, r.logger)
	}).(governor.AdapterGovernor)
}

func (r *testRegistry) DeviceGovernor(url address.URL) governor.DeviceGovernor {
	return r.governor(url, func() governor.Governor {
		if url.IsCombined() {
			return NewDevice(url, r, r.defaults, r.logger)
		}
		return governor.NewDevice(url, r, r.defaults, r.logger)
	}).(governor.DeviceGovernor)
}

func (r *testRegistry) CharacteristicGovernor(url address.URL) governor.CharacteristicGovernor {
	return r.governor(url, func() governor.Governor {
		if url.IsCombined() {
			return NewCharacteristic(url, r, r.logger)
		}
		return governor.NewCharacteristic(url, r, r.logger)
	}).(governor.CharacteristicGovernor)
}

func (r *testRegistry) snapshot(match func(address.URL) bool) []governor.Governor {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []governor.Governor
	for u, g := range r.govs {
		if match(u) {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b governor.Governor) int { return address.Compare(a.URL(), b.URL()) })
	return out
}

func (r *testRegistry) ResetDescendants(url address.URL) {
	for _, g := range r.snapshot(func(u address.URL) bool { return u.IsDescendant(url) }) {
		g.Reset()
	}
}

func (r *testRegistry) UpdateDescendants(url address.URL) {
	for _, g := range r.snapshot(func(u address.URL) bool { return u.IsDescendant(url) }) {
		g.Update()
	}
}

// updatePhysical updates every physical governor, parents first.
func (r *testRegistry) updatePhysical() {
	for _, g := range r.snapshot(func(u address.URL) bool { return !u.IsCombined() }) {
		g.Update()
	}
}

func (r *testRegistry) DiscoveredAdapters() []transport.DiscoveredAdapter {
	var out []transport.DiscoveredAdapter
	for _, t := range r.transports {
		out = append(out, t.DiscoveredAdapters()...)
	}
	return out
}

func (r *testRegistry) DiscoveredDevices() []transport.DiscoveredDevice {
	var out []transport.DiscoveredDevice
	for _, t := range r.transports {
		out = append(out, t.DiscoveredDevices()...)
	}
	return out
}

// discover publishes the current snapshots to discovery listeners.
func (r *testRegistry) discover() {
	for _, a := range r.DiscoveredAdapters() {
		r.adapterListeners.Each(r.logger.WithField("test", "discovery"), "adapter", func(l governor.AdapterDiscoveryListener) { l.AdapterDiscovered(a) })
	}
	for _, d := range r.DiscoveredDevices() {
		r.deviceListeners.Each(r.logger.WithField("test", "discovery"), "device", func(l governor.DeviceDiscoveryListener) { l.DeviceDiscovered(d) })
	}
}

func (r *testRegistry) AddAdapterDiscoveryListener(l governor.AdapterDiscoveryListener) {
	r.adapterListeners.Add(l)
}

func (r *testRegistry) RemoveAdapterDiscoveryListener(l governor.AdapterDiscoveryListener) {
	r.adapterListeners.Remove(l)
}

func (r *testRegistry) AddDeviceDiscoveryListener(l governor.DeviceDiscoveryListener) {
	r.deviceListeners.Add(l)
}

func (r *testRegistry) RemoveDeviceDiscoveryListener(l governor.DeviceDiscoveryListener) {
	r.deviceListeners.Remove(l)
}

// recorder records listener callbacks as short event strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	values [][]byte
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) Values() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.values...)
}

func (r *recorder) Ready(ready bool) { r.add("ready:%v", ready) }
func (r *recorder) LastUpdatedChanged(time.Time) {}
func (r *recorder) Powered(powered bool) { r.add("powered:%v", powered) }
func (r *recorder) Discovering(discovering bool) { r.add("discovering:%v", discovering) }
func (r *recorder) Online() { r.add("online") }
func (r *recorder) Offline() { r.add("offline") }
func (r *recorder) Blocked(blocked bool) { r.add("blocked:%v", blocked) }
func (r *recorder) RSSIChanged(rssi int16) { r.add("rssi:%d", rssi) }
func (r *recorder) Connected() { r.add("connected") }
func (r *recorder) Disconnected() { r.add("disconnected") }
func (r *recorder) ServicesResolved([]transport.Service) { r.add("services-resolved") }
func (r *recorder) ServicesUnresolved() { r.add("services-unresolved") }
func (r *recorder) ServiceDataChanged(map[string][]byte) { r.add("service-data") }
func (r *recorder) ManufacturerDataChanged(map[uint16][]byte) {
	r.add("manufacturer-data")
}

func (r *recorder) Changed(value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, append([]byte(nil), value...))
}
