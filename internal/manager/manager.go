// Package manager owns every governor of a process. It is the registry governors use
// to resolve native handles and each other, drives their periodic updates on a small
// worker pool and runs the discovery job that feeds combined governors.
package manager

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/combined"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/transport"
)

// Options configures a Manager.
type Options struct {
	// Defaults is the desired state new governors start with.
	Defaults governor.Defaults
	// UpdateInterval is the period of each governor's update schedule.
	UpdateInterval time.Duration
	// DiscoveryInterval is the period of the discovery job.
	DiscoveryInterval time.Duration
	// Workers is the size of the update worker pool.
	Workers int
	// GovernAdapters creates the combined adapter on Start, which governs every
	// discovered adapter with the default powered and discovering control.
	GovernAdapters bool

	ConnectionStrategy combined.ConnectionStrategy
	// PreferredAdapter is used by the PreferredAdapter strategy; zero means none.
	PreferredAdapter address.URL
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Defaults:           governor.StandardDefaults(),
		UpdateInterval:     5 * time.Second,
		DiscoveryInterval:  10 * time.Second,
		Workers:            5,
		GovernAdapters:     true,
		ConnectionStrategy: combined.NearestAdapter,
	}
}

// Manager is the governor registry.
type Manager struct {
	opts   Options
	logger *logrus.Logger
	log    *logrus.Entry

	transports *xsync.MapOf[string, transport.Transport]
	governors  *xsync.MapOf[address.URL, governor.Governor]
	// hints maps protocol-less adapter and device URLs to the protocol they were
	// discovered on.
	hints    *xsync.MapOf[address.URL, string]
	adapters *xsync.MapOf[address.URL, transport.DiscoveredAdapter]
	devices  *xsync.MapOf[address.URL, transport.DiscoveredDevice]

	adapterListeners governor.Listeners[governor.AdapterDiscoveryListener]
	deviceListeners  governor.Listeners[governor.DeviceDiscoveryListener]
	events           *pubsub.PubSub[EventType, Event]

	sched *scheduler

	// mu guards the background loops.
	mu     sync.Mutex
	cancel context.CancelFunc
	loops  []<-chan struct{}
}

var _ combined.Registry = (*Manager)(nil)

// New creates a manager. Zero option fields fall back to DefaultOptions.
func New(opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = def.UpdateInterval
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = def.DiscoveryInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.ConnectionStrategy == "" {
		opts.ConnectionStrategy = def.ConnectionStrategy
	}
	if opts.Defaults == (governor.Defaults{}) {
		opts.Defaults = def.Defaults
	}

	m := &Manager{
		opts:       opts,
		logger:     logger,
		log:        logger.WithField("component", "manager"),
		transports: xsync.NewMapOf[string, transport.Transport](),
		governors:  xsync.NewMapOf[address.URL, governor.Governor](),
		hints:      xsync.NewMapOf[address.URL, string](),
		adapters:   xsync.NewMapOf[address.URL, transport.DiscoveredAdapter](),
		devices:    xsync.NewMapOf[address.URL, transport.DiscoveredDevice](),
		events:     pubsub.New[EventType, Event](16),
	}
	m.sched = newScheduler(m, opts.UpdateInterval, opts.Workers)
	return m
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// RegisterTransport adds a native stack binding, keyed by its protocol.
func (m *Manager) RegisterTransport(t transport.Transport) error {
	if _, loaded := m.transports.LoadOrStore(t.Protocol(), t); loaded {
		return fmt.Errorf("transport %q is already registered", t.Protocol())
	}
	m.log.WithField("protocol", t.Protocol()).Info("Transport registered")
	return nil
}

// Transports returns the registered protocols, sorted.
func (m *Manager) Transports() []string {
	var out []string
	m.transports.Range(func(p string, _ transport.Transport) bool {
		out = append(out, p)
		return true
	})
	slices.Sort(out)
	return out
}

// ---- Lifecycle ----

// Start runs the discovery job and the update scheduler until Stop or ctx is done.
// A first discovery pass runs synchronously.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("manager already started")
	}
	if len(m.Transports()) == 0 {
		return fmt.Errorf("no transport registered")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.Discover()
	if m.opts.GovernAdapters {
		m.AdapterGovernor(address.URL{}.Combined())
	}

	m.loops = append(m.loops, m.sched.start(ctx)...)
	m.loops = append(m.loops, m.startDiscovery(ctx))

	m.log.WithFields(logrus.Fields{
		"transports":         m.Transports(),
		"workers":            m.opts.Workers,
		"update_interval":    m.opts.UpdateInterval,
		"discovery_interval": m.opts.DiscoveryInterval,
	}).Info("Manager started")
	return nil
}

// Stop ends the background loops and waits for runs in progress. Governors are kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	for _, done := range m.loops {
		<-done
	}
	m.cancel, m.loops = nil, nil
	m.sched.drain()
	m.log.Info("Manager stopped")
}

// Close stops the manager, disposes every governor (children first) and every
// transport, and closes discovery subscriptions.
func (m *Manager) Close() {
	m.Stop()
	all := m.snapshot(func(address.URL) bool { return true })
	for i := len(all) - 1; i >= 0; i-- {
		m.DisposeGovernor(all[i].URL())
	}
	m.transports.Range(func(p string, t transport.Transport) bool {
		t.Dispose()
		m.transports.Delete(p)
		return true
	})
	m.events.Shutdown()
}

// ---- Registry: native lookups ----

// candidates returns the transports that may know url: its own protocol, else the
// protocol discovery saw it on, else all of them.
func (m *Manager) candidates(url address.URL) []transport.Transport {
	if url.Protocol != "" {
		if t, ok := m.transports.Load(url.Protocol); ok {
			return []transport.Transport{t}
		}
		return nil
	}
	if p, ok := m.hint(url); ok {
		if t, ok := m.transports.Load(p); ok {
			return []transport.Transport{t}
		}
	}
	var out []transport.Transport
	for _, p := range m.Transports() {
		if t, ok := m.transports.Load(p); ok {
			out = append(out, t)
		}
	}
	return out
}

func lookup[H any](m *Manager, url address.URL, fn func(t transport.Transport, u address.URL) (H, bool)) (H, bool) {
	var zero H
	if url.IsCombined() {
		return zero, false
	}
	for _, t := range m.candidates(url) {
		if h, ok := fn(t, url.WithProtocol(t.Protocol())); ok {
			return h, true
		}
	}
	return zero, false
}

func (m *Manager) NativeAdapter(url address.URL) (transport.Adapter, bool) {
	return lookup(m, url, func(t transport.Transport, u address.URL) (transport.Adapter, bool) { return t.Adapter(u) })
}

func (m *Manager) NativeDevice(url address.URL) (transport.Device, bool) {
	return lookup(m, url, func(t transport.Transport, u address.URL) (transport.Device, bool) { return t.Device(u) })
}

func (m *Manager) NativeCharacteristic(url address.URL) (transport.Characteristic, bool) {
	return lookup(m, url, func(t transport.Transport, u address.URL) (transport.Characteristic, bool) {
		return t.Characteristic(u)
	})
}

// hint returns the protocol url (adapter or below) was discovered on.
func (m *Manager) hint(url address.URL) (string, bool) {
	if url.Device != "" {
		if p, ok := m.hints.Load(address.URL{Adapter: url.Adapter, Device: url.Device}); ok {
			return p, true
		}
	}
	return m.hints.Load(address.URL{Adapter: url.Adapter})
}

// qualify fills in the protocol of a physical URL given without one, when discovery
// or a single registered transport tells which it is.
func (m *Manager) qualify(url address.URL) address.URL {
	if url.Protocol != "" || url.IsCombined() {
		return url
	}
	if p, ok := m.hint(url); ok {
		return url.WithProtocol(p)
	}
	if ps := m.Transports(); len(ps) == 1 {
		return url.WithProtocol(ps[0])
	}
	return url
}

// ---- Registry: governors ----

// governor returns the governor registered at url, creating it with create when absent.
// create runs outside of any map lock because combined governors look up their
// delegates while being built; a governor that loses the insert race is disposed.
func (m *Manager) governor(url address.URL, create func() governor.Governor) governor.Governor {
	if g, ok := m.governors.Load(url); ok {
		return g
	}
	g := create()
	actual, loaded := m.governors.LoadOrStore(url, g)
	if loaded {
		g.Dispose()
		return actual
	}
	m.sched.add(url)
	m.log.WithFields(logrus.Fields{"url": url.String(), "kind": g.Kind()}).Debug("Governor registered")
	return g
}

// AdapterGovernor returns the governor of the adapter url points into. The combined
// address yields the combined adapter.
func (m *Manager) AdapterGovernor(url address.URL) governor.AdapterGovernor {
	url = m.qualify(url.AdapterURL())
	if url.IsCombined() {
		url = url.Combined()
	}
	return m.governor(url, func() governor.Governor {
		if url.IsCombined() {
			return combined.NewAdapter(url, m, m.opts.Defaults, m.logger)
		}
		return governor.NewAdapter(url, m, m.opts.Defaults, m.logger)
	}).(governor.AdapterGovernor)
}

// DeviceGovernor returns the governor of the device url points into.
func (m *Manager) DeviceGovernor(url address.URL) governor.DeviceGovernor {
	url = m.qualify(url.DeviceURL())
	if url.IsCombined() {
		url = url.Combined()
	}
	return m.governor(url, func() governor.Governor {
		if url.IsCombined() {
			d := combined.NewDevice(url, m, m.opts.Defaults, m.logger)
			d.SetConnectionStrategy(m.opts.ConnectionStrategy)
			if !m.opts.PreferredAdapter.IsZero() {
				d.SetPreferredAdapter(m.opts.PreferredAdapter)
			}
			return d
		}
		return governor.NewDevice(url, m, m.opts.Defaults, m.logger)
	}).(governor.DeviceGovernor)
}

// CharacteristicGovernor returns the governor of the characteristic at url.
func (m *Manager) CharacteristicGovernor(url address.URL) governor.CharacteristicGovernor {
	url = m.qualify(url)
	if url.IsCombined() {
		url = url.Combined()
	}
	return m.governor(url, func() governor.Governor {
		if url.IsCombined() {
			return combined.NewCharacteristic(url, m, m.logger)
		}
		return governor.NewCharacteristic(url, m, m.logger)
	}).(governor.CharacteristicGovernor)
}

// Governor returns the governor of any adapter, device or characteristic URL.
func (m *Manager) Governor(url address.URL) (governor.Governor, error) {
	switch {
	case url.IsCharacteristic():
		return m.CharacteristicGovernor(url), nil
	case url.IsDevice():
		return m.DeviceGovernor(url), nil
	case url.IsAdapter():
		return m.AdapterGovernor(url), nil
	default:
		return nil, transport.Unsupported(url, "no governor for %s: not an adapter, device or characteristic", url)
	}
}

// Lookup returns the governor registered at url without creating one.
func (m *Manager) Lookup(url address.URL) (governor.Governor, bool) {
	return m.governors.Load(m.key(url))
}

// Governors returns every registered governor, parents before children.
func (m *Manager) Governors() []governor.Governor {
	return m.snapshot(func(address.URL) bool { return true })
}

// key normalizes url the way the governor accessors do.
func (m *Manager) key(url address.URL) address.URL {
	switch {
	case url.IsCharacteristic():
	case url.IsDevice():
		url = url.DeviceURL()
	case url.IsAdapter():
		url = url.AdapterURL()
	}
	url = m.qualify(url)
	if url.IsCombined() {
		url = url.Combined()
	}
	return url
}

func (m *Manager) snapshot(match func(address.URL) bool) []governor.Governor {
	var out []governor.Governor
	m.governors.Range(func(u address.URL, g governor.Governor) bool {
		if match(u) {
			out = append(out, g)
		}
		return true
	})
	slices.SortFunc(out, func(a, b governor.Governor) int { return address.Compare(a.URL(), b.URL()) })
	return out
}

// ResetDescendants resets every governor strictly below url.
func (m *Manager) ResetDescendants(url address.URL) {
	for _, g := range m.snapshot(func(u address.URL) bool { return u.IsDescendant(url) }) {
		g.Reset()
	}
}

// UpdateDescendants updates every governor strictly below url, parents first.
func (m *Manager) UpdateDescendants(url address.URL) {
	for _, g := range m.snapshot(func(u address.URL) bool { return u.IsDescendant(url) }) {
		g.Update()
	}
}

// UpdateAll runs one update pass over every governor, parents first, on the caller's
// goroutine.
func (m *Manager) UpdateAll() {
	for _, g := range m.Governors() {
		g.Update()
	}
}

// ---- Disposal ----

// DisposeGovernor removes the governor at url from the registry and disposes it,
// cancelling its deferred completions. Governors below url are disposed first.
// Physical governors are detached from their combined counterparts. Reports false
// when nothing was registered at url.
func (m *Manager) DisposeGovernor(url address.URL) bool {
	url = m.key(url)
	g, ok := m.governors.LoadAndDelete(url)
	if !ok {
		return false
	}
	m.sched.remove(url)
	m.DisposeDescendants(url)
	if !url.IsCombined() {
		m.detachCombined(url)
	}
	g.Dispose()
	m.log.WithField("url", url.String()).Info("Governor disposed")
	return true
}

// DisposeDescendants disposes every governor strictly below url, children first.
func (m *Manager) DisposeDescendants(url address.URL) int {
	below := m.snapshot(func(u address.URL) bool { return u.IsDescendant(url) })
	n := 0
	for i := len(below) - 1; i >= 0; i-- {
		if m.DisposeGovernor(below[i].URL()) {
			n++
		}
	}
	return n
}

type delegateRemover interface {
	RemoveDelegate(url address.URL) bool
}

func (m *Manager) detachCombined(url address.URL) {
	c, ok := m.governors.Load(url.Combined())
	if !ok {
		return
	}
	if r, ok := c.(delegateRemover); ok {
		r.RemoveDelegate(url)
		return
	}
	// a combined characteristic follows a physical one; make it bind again
	c.Reset()
}

// ---- Discovery listeners ----

func (m *Manager) AddAdapterDiscoveryListener(l governor.AdapterDiscoveryListener) {
	m.adapterListeners.Add(l)
}

func (m *Manager) RemoveAdapterDiscoveryListener(l governor.AdapterDiscoveryListener) {
	m.adapterListeners.Remove(l)
}

func (m *Manager) AddDeviceDiscoveryListener(l governor.DeviceDiscoveryListener) {
	m.deviceListeners.Add(l)
}

func (m *Manager) RemoveDeviceDiscoveryListener(l governor.DeviceDiscoveryListener) {
	m.deviceListeners.Remove(l)
}
