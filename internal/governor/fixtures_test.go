package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/transport"
	"github.com/srg/blegov/internal/transport/sim"
)

// testRegistry is a minimal Registry over a single simulated transport.
type testRegistry struct {
	tr       *sim.Transport
	logger   *logrus.Logger
	defaults Defaults

	mu   sync.Mutex
	govs map[address.URL]Governor
}

func newTestRegistry(tr *sim.Transport, logger *logrus.Logger) *testRegistry {
	defaults := StandardDefaults()
	defaults.RSSIReportingRate = 0
	return &testRegistry{tr: tr, logger: logger, defaults: defaults, govs: map[address.URL]Governor{}}
}

func (r *testRegistry) NativeAdapter(url address.URL) (transport.Adapter, bool) {
	return r.tr.Adapter(url)
}

func (r *testRegistry) NativeDevice(url address.URL) (transport.Device, bool) {
	return r.tr.Device(url)
}

func (r *testRegistry) NativeCharacteristic(url address.URL) (transport.Characteristic, bool) {
	return r.tr.Characteristic(url)
}

func (r *testRegistry) governor(url address.URL, create func() Governor) Governor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.govs[url]; ok {
		return g
	}
	g := create()
	r.govs[url] = g
	return g
}

func (r *testRegistry) AdapterGovernor(url address.URL) AdapterGovernor {
	return r.governor(url, func() Governor { return NewAdapter(url, r, r.defaults, r.logger) }).(AdapterGovernor)
}

func (r *testRegistry) DeviceGovernor(url address.URL) DeviceGovernor {
	return r.governor(url, func() Governor { return NewDevice(url, r, r.defaults, r.logger) }).(DeviceGovernor)
}

func (r *testRegistry) CharacteristicGovernor(url address.URL) CharacteristicGovernor {
	return r.governor(url, func() Governor { return NewCharacteristic(url, r, r.logger) }).(CharacteristicGovernor)
}

func (r *testRegistry) descendants(url address.URL) []Governor {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Governor
	for u, g := range r.govs {
		if u.IsDescendant(url) {
			out = append(out, g)
		}
	}
	return out
}

func (r *testRegistry) ResetDescendants(url address.URL) {
	for _, g := range r.descendants(url) {
		g.Reset()
	}
}

func (r *testRegistry) UpdateDescendants(url address.URL) {
	for _, g := range r.descendants(url) {
		g.Update()
	}
}

// recorder records every listener callback as a short event string.
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

func (r *recorder) Has(event string) bool {
	for _, e := range r.Events() {
		if e == event {
			return true
		}
	}
	return false
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

// panicker fails every callback.
type panicker struct{ NopGovernorListener }

func (panicker) Ready(bool) { panic("listener bug") }
