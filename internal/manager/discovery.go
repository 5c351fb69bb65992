package manager

import (
	"context"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/groutine"
	"github.com/srg/blegov/internal/transport"
)

// EventType is a discovery event topic.
type EventType string

const (
	AdapterDiscovered EventType = "adapter-discovered"
	AdapterLost       EventType = "adapter-lost"
	DeviceDiscovered  EventType = "device-discovered"
	DeviceLost        EventType = "device-lost"
)

// AllEvents lists every discovery topic.
var AllEvents = []EventType{AdapterDiscovered, AdapterLost, DeviceDiscovered, DeviceLost}

// Event is published on the discovery bus. Adapter is set for adapter events,
// Device for device events.
type Event struct {
	Type    EventType
	Adapter transport.DiscoveredAdapter
	Device  transport.DiscoveredDevice
}

// URL returns the URL of the object the event is about.
func (e Event) URL() address.URL {
	if e.Type == AdapterDiscovered || e.Type == AdapterLost {
		return e.Adapter.URL
	}
	return e.Device.URL
}

func (m *Manager) startDiscovery(ctx context.Context) <-chan struct{} {
	return groutine.Every(ctx, "discovery", m.opts.DiscoveryInterval, func(context.Context) {
		m.Discover()
	})
}

// Discover takes one discovery snapshot of every transport: it records protocol hints,
// publishes appearing and vanishing objects, and feeds advertisements to the device
// governors that exist.
func (m *Manager) Discover() {
	var adapters []transport.DiscoveredAdapter
	var devices []transport.DiscoveredDevice
	for _, p := range m.Transports() {
		t, ok := m.transports.Load(p)
		if !ok {
			continue
		}
		adapters = append(adapters, t.DiscoveredAdapters()...)
		devices = append(devices, t.DiscoveredDevices()...)
	}

	seen := map[address.URL]bool{}
	for _, a := range adapters {
		seen[a.URL] = true
		m.hints.Store(address.URL{Adapter: a.URL.Adapter}, a.URL.Protocol)
		if _, known := m.adapters.LoadAndStore(a.URL, a); !known {
			m.publishAdapter(AdapterDiscovered, a)
		}
	}
	m.adapters.Range(func(u address.URL, a transport.DiscoveredAdapter) bool {
		if !seen[u] {
			m.adapters.Delete(u)
			m.publishAdapter(AdapterLost, a)
		}
		return true
	})

	clear(seen)
	for _, d := range devices {
		seen[d.URL] = true
		m.hints.Store(address.URL{Adapter: d.URL.Adapter, Device: d.URL.Device}, d.URL.Protocol)
		_, known := m.devices.LoadAndStore(d.URL, d)
		if g, ok := m.governors.Load(d.URL); ok {
			if sink, ok := g.(governor.AdvertisementSink); ok {
				sink.Advertised(d)
			}
		}
		if !known {
			m.publishDevice(DeviceDiscovered, d)
		}
	}
	m.devices.Range(func(u address.URL, d transport.DiscoveredDevice) bool {
		if !seen[u] {
			m.devices.Delete(u)
			m.publishDevice(DeviceLost, d)
		}
		return true
	})

	m.log.WithFields(logrus.Fields{"adapters": len(adapters), "devices": len(devices)}).Debug("Discovery pass done")
}

func (m *Manager) publishAdapter(t EventType, a transport.DiscoveredAdapter) {
	m.log.WithFields(logrus.Fields{"event": t, "url": a.URL.String()}).Debug("Adapter discovery event")
	if t == AdapterDiscovered {
		m.adapterListeners.Each(m.log, string(t), func(l governor.AdapterDiscoveryListener) { l.AdapterDiscovered(a) })
	} else {
		m.adapterListeners.Each(m.log, string(t), func(l governor.AdapterDiscoveryListener) { l.AdapterLost(a) })
	}
	m.events.TryPub(Event{Type: t, Adapter: a}, t)
}

func (m *Manager) publishDevice(t EventType, d transport.DiscoveredDevice) {
	m.log.WithFields(logrus.Fields{"event": t, "url": d.URL.String(), "rssi": d.RSSI}).Debug("Device discovery event")
	if t == DeviceDiscovered {
		m.deviceListeners.Each(m.log, string(t), func(l governor.DeviceDiscoveryListener) { l.DeviceDiscovered(d) })
	} else {
		m.deviceListeners.Each(m.log, string(t), func(l governor.DeviceDiscoveryListener) { l.DeviceLost(d) })
	}
	m.events.TryPub(Event{Type: t, Device: d}, t)
}

// DiscoveredAdapters returns the adapters of the last discovery pass.
func (m *Manager) DiscoveredAdapters() []transport.DiscoveredAdapter {
	var out []transport.DiscoveredAdapter
	m.adapters.Range(func(_ address.URL, a transport.DiscoveredAdapter) bool {
		out = append(out, a)
		return true
	})
	slices.SortFunc(out, func(a, b transport.DiscoveredAdapter) int { return address.Compare(a.URL, b.URL) })
	return out
}

// DiscoveredDevices returns the devices of the last discovery pass.
func (m *Manager) DiscoveredDevices() []transport.DiscoveredDevice {
	var out []transport.DiscoveredDevice
	m.devices.Range(func(_ address.URL, d transport.DiscoveredDevice) bool {
		out = append(out, d)
		return true
	})
	slices.SortFunc(out, func(a, b transport.DiscoveredDevice) int { return address.Compare(a.URL, b.URL) })
	return out
}

// SubscribeDiscovery returns a channel of discovery events of the given types (all
// when none) and a function that ends the subscription. Slow subscribers miss events.
func (m *Manager) SubscribeDiscovery(types ...EventType) (<-chan Event, func()) {
	if len(types) == 0 {
		types = AllEvents
	}
	ch := m.events.Sub(types...)
	return ch, func() {
		// Unsub blocks until the bus drains the subscription; never from a callback
		go m.events.Unsub(ch, types...)
	}
}
