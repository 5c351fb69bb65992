package combined

import (
	"context"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/bitmap"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/groutine"
	"github.com/srg/blegov/internal/rssi"
	"github.com/srg/blegov/internal/transport"
)

// deviceMember wraps one physical device governor and listens to it.
type deviceMember struct {
	index    int
	parent   *Device
	gov      governor.DeviceGovernor
	distance atomic.Uint64
	detached atomic.Bool
}

func (m *deviceMember) slot() int { return m.index }

func (m *deviceMember) Distance() float64 {
	return math.Float64frombits(m.distance.Load())
}

func (m *deviceMember) Ready(ready bool) {
	if m.detached.Load() {
		return
	}
	d := m.parent
	d.ready.Cumulative(m.index, ready, d.readyChanged, nil)
	if ready {
		d.initUnsafe(m)
		d.maybeRetarget()
		return
	}
	d.blocked.Cumulative(m.index, false, d.blockedChanged, nil)
	d.connected.Exclusive(m.index, false, d.connectedChanged, nil)
	d.servicesResolved.Exclusive(m.index, false, d.servicesChanged(m, nil), nil)
}

func (m *deviceMember) LastUpdatedChanged(t time.Time) {
	m.parent.touch(t)
}

func (m *deviceMember) Online() {
	if m.detached.Load() {
		return
	}
	m.parent.online.Cumulative(m.index, true, m.parent.onlineChanged, nil)
}

func (m *deviceMember) Offline() {
	if m.detached.Load() {
		return
	}
	m.parent.online.Cumulative(m.index, false, m.parent.onlineChanged, nil)
}

func (m *deviceMember) Blocked(blocked bool) {
	if m.detached.Load() {
		return
	}
	m.parent.blocked.Cumulative(m.index, blocked, m.parent.blockedChanged, nil)
}

// RSSIChanged re-ranks the delegate and republishes the reading only when it comes
// from the nearest delegate.
func (m *deviceMember) RSSIChanged(value int16) {
	if m.detached.Load() {
		return
	}
	d := m.parent
	distance := m.gov.EstimatedDistance()
	m.distance.Store(math.Float64bits(distance))

	prev, next, ok := d.ranking.put(m, distance)
	if !ok {
		d.logger.WithField("delegate", m.gov.URL().String()).Debug("Nearest set busy, RSSI sample dropped")
		return
	}
	if prev != next {
		d.nearestChanged(next)
	}
	if next == nil || next == m {
		d.rssi.Store(int32(value))
		d.generic.Each(d.logger, "rssi", func(l governor.GenericDeviceListener) { l.RSSIChanged(value) })
	}
}

func (m *deviceMember) Connected() {
	if m.detached.Load() {
		return
	}
	m.parent.connected.Exclusive(m.index, true, m.parent.connectedChanged, nil)
}

func (m *deviceMember) Disconnected() {
	if m.detached.Load() {
		return
	}
	m.parent.connected.Exclusive(m.index, false, m.parent.connectedChanged, nil)
}

func (m *deviceMember) ServicesResolved(services []transport.Service) {
	if m.detached.Load() {
		return
	}
	m.parent.servicesResolved.Exclusive(m.index, true, m.parent.servicesChanged(m, services), nil)
}

func (m *deviceMember) ServicesUnresolved() {
	if m.detached.Load() {
		return
	}
	m.parent.servicesResolved.Exclusive(m.index, false, m.parent.servicesChanged(m, nil), nil)
}

func (m *deviceMember) ServiceDataChanged(data map[string][]byte) {
	d := m.parent
	if d.authoritative() == m {
		d.smart.Each(d.logger, "service-data", func(l governor.SmartDeviceListener) { l.ServiceDataChanged(data) })
	}
}

func (m *deviceMember) ManufacturerDataChanged(data map[uint16][]byte) {
	d := m.parent
	if d.authoritative() == m {
		d.smart.Each(d.logger, "manufacturer-data", func(l governor.SmartDeviceListener) { l.ManufacturerDataChanged(data) })
	}
}

// Device is the combined device: one logical device seen through any number of
// adapters and transports.
type Device struct {
	url      address.URL
	registry Registry
	logger   *logrus.Entry

	members *delegates[deviceMember, *deviceMember]
	ranking *nearestSet

	ready            bitmap.ConcurrentBitMap
	online           bitmap.ConcurrentBitMap
	blocked          bitmap.ConcurrentBitMap
	connected        bitmap.ConcurrentBitMap
	servicesResolved bitmap.ConcurrentBitMap

	// connMu guards target changes together with the "already connected" check.
	connMu    sync.Mutex
	target    atomic.Pointer[deviceMember]
	strategy  atomic.Pointer[ConnectionStrategy]
	preferred atomic.Pointer[address.URL]

	connectionControl atomic.Bool
	blockedControl    atomic.Bool
	desiredAlias      atomic.Pointer[string]
	onlineTimeout     atomic.Int64
	reportingRate     atomic.Int64
	measuredTxPower   atomic.Int32
	filtering         atomic.Bool
	filterConfig      atomic.Pointer[rssi.KalmanConfig]

	rssi         atomic.Int32
	name         atomic.Pointer[string]
	alias        atomic.Pointer[string]
	class        atomic.Pointer[uint32]
	ble          atomic.Pointer[bool]
	lastActivity activity
	disposed     atomic.Bool

	completions       *completion.Service[governor.DeviceGovernor]
	governorListeners governor.Listeners[governor.GovernorListener]
	generic           governor.Listeners[governor.GenericDeviceListener]
	smart             governor.Listeners[governor.SmartDeviceListener]
}

var (
	_ governor.DeviceGovernor          = (*Device)(nil)
	_ governor.DeviceDiscoveryListener = (*Device)(nil)
)

// NewDevice creates the combined governor of the device at url (only the device
// address is significant) and registers every matching device discovered so far.
func NewDevice(url address.URL, registry Registry, defaults governor.Defaults, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}
	url = url.DeviceURL().Combined()
	d := &Device{
		url:         url,
		registry:    registry,
		logger:      logger.WithFields(logrus.Fields{"url": url.String(), "kind": "combined-device"}),
		members:     newDelegates[deviceMember](),
		ranking:     newNearestSet(),
		completions: completion.NewService[governor.DeviceGovernor](logger, url.String()),
	}
	strategy := NearestAdapter
	d.strategy.Store(&strategy)
	d.onlineTimeout.Store(int64(defaults.OnlineTimeout))
	d.reportingRate.Store(int64(defaults.RSSIReportingRate))
	d.filtering.Store(defaults.RSSIFiltering)
	cfg := defaults.RSSIFilter
	d.filterConfig.Store(&cfg)

	registry.AddDeviceDiscoveryListener(d)
	d.sync()
	return d
}

func (d *Device) Completions() *completion.Service[governor.DeviceGovernor] {
	return d.completions
}

// ---- Delegates ----

func (d *Device) DeviceDiscovered(dd transport.DiscoveredDevice) {
	if dd.URL.IsCombined() || dd.URL.Device != d.url.Device || d.disposed.Load() {
		return
	}
	if _, err := d.register(dd.URL); err != nil {
		d.logger.WithError(err).Error("Failed to register device delegate")
	}
}

// DeviceLost keeps the delegate; it goes offline on its own timeout.
func (d *Device) DeviceLost(transport.DiscoveredDevice) {}

func (d *Device) sync() {
	for _, dd := range d.registry.DiscoveredDevices() {
		d.DeviceDiscovered(dd)
	}
}

// register makes the physical device at url a delegate. Desired state is forwarded
// unconditionally; status is read only when the delegate is ready and is otherwise
// picked up on its next ready notification.
func (d *Device) register(url address.URL) (governor.DeviceGovernor, error) {
	url = url.DeviceURL()
	m, created, err := d.members.register(url, func(index int) *deviceMember {
		return &deviceMember{index: index, parent: d, gov: d.registry.DeviceGovernor(url)}
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return m.gov, nil
	}
	d.logger.WithFields(logrus.Fields{"delegate": url.String(), "index": m.index}).Info("Device delegate registered")

	g := m.gov
	g.SetBlockedControl(d.BlockedControl())
	g.SetOnlineTimeout(d.OnlineTimeout())
	g.SetRSSIReportingRate(d.RSSIReportingRate())
	g.SetRSSIFilterConfig(d.RSSIFilterConfig())
	g.SetRSSIFilteringEnabled(d.IsRSSIFilteringEnabled())
	if tx := d.MeasuredTxPower(); tx != 0 {
		g.SetMeasuredTxPower(tx)
	}
	if alias := d.desiredAlias.Load(); alias != nil {
		g.SetAlias(*alias)
	}
	d.touch(g.LastActivity())
	d.online.Cumulative(m.index, g.IsOnline(), d.onlineChanged, nil)

	g.AddGovernorListener(m)
	g.AddGenericDeviceListener(m)
	g.AddSmartDeviceListener(m)

	if g.IsReady() {
		m.Ready(true)
	} else {
		d.maybeRetarget()
	}
	return g, nil
}

func (d *Device) initUnsafe(m *deviceMember) {
	g := m.gov
	if name, err := g.Name(); err == nil {
		d.name.Store(&name)
	} else {
		d.logger.WithError(err).Debug("Delegate name not available yet")
	}
	if alias, err := g.Alias(); err == nil {
		d.alias.Store(&alias)
	}
	if class, err := g.BluetoothClass(); err == nil {
		d.class.Store(&class)
	}
	if ble, err := g.IsBLEEnabled(); err == nil {
		d.ble.Store(&ble)
	}
	d.blocked.Cumulative(m.index, g.IsBlocked(), d.blockedChanged, nil)
	if g.IsConnected() {
		d.connected.Exclusive(m.index, true, d.connectedChanged, nil)
	}
	if g.IsServicesResolved() {
		if services, err := g.ResolvedServices(); err == nil {
			d.servicesResolved.Exclusive(m.index, true, d.servicesChanged(m, services), nil)
		}
	}
}

// RemoveDelegate detaches the physical device at url, e.g. when its governor is disposed.
func (d *Device) RemoveDelegate(url address.URL) bool {
	m, ok := d.members.remove(url.DeviceURL())
	if !ok {
		return false
	}
	d.detach(m)
	d.members.release(m.index)
	d.logger.WithField("delegate", url.String()).Info("Device delegate removed")
	d.maybeRetarget()
	return true
}

func (d *Device) detach(m *deviceMember) {
	m.detached.Store(true)
	m.gov.RemoveGovernorListener(m)
	m.gov.RemoveGenericDeviceListener(m)
	m.gov.RemoveSmartDeviceListener(m)

	d.connMu.Lock()
	if d.target.CompareAndSwap(m, nil) {
		m.gov.SetConnectionControl(false)
	}
	d.connMu.Unlock()

	if prev, next := d.ranking.remove(m); prev != next {
		d.nearestChanged(next)
	}
	d.connected.Exclusive(m.index, false, d.connectedChanged, nil)
	d.servicesResolved.Exclusive(m.index, false, d.servicesChanged(m, nil), nil)
	d.blocked.Cumulative(m.index, false, d.blockedChanged, nil)
	d.online.Cumulative(m.index, false, d.onlineChanged, nil)
	d.ready.Cumulative(m.index, false, d.readyChanged, nil)
}

// Delegates returns the URLs of the registered physical devices.
func (d *Device) Delegates() []address.URL {
	var out []address.URL
	d.members.each(func(m *deviceMember) { out = append(out, m.gov.URL()) })
	return out
}

// Nearest returns the physical device seen by the nearest adapter.
func (d *Device) Nearest() (address.URL, bool) {
	if m := d.ranking.nearest(); m != nil {
		return m.gov.URL(), true
	}
	return address.URL{}, false
}

// ServicesOwner returns the physical device whose services are authoritative.
func (d *Device) ServicesOwner() (address.URL, bool) {
	if m := d.members.at(d.servicesResolved.UniqueIndex()); m != nil {
		return m.gov.URL(), true
	}
	return address.URL{}, false
}

// authoritative picks the delegate to read scalar state from: the connected one,
// then the nearest, then the first ready.
func (d *Device) authoritative() *deviceMember {
	if m := d.members.at(d.connected.UniqueIndex()); m != nil {
		return m
	}
	if m := d.ranking.nearest(); m != nil {
		return m
	}
	var first *deviceMember
	d.members.each(func(m *deviceMember) {
		if first == nil && m.gov.IsReady() {
			first = m
		}
	})
	return first
}

// ---- Connection routing ----

func (d *Device) chooseTarget() *deviceMember {
	if *d.strategy.Load() == PreferredAdapter {
		p := d.preferred.Load()
		if p == nil {
			return nil
		}
		var found *deviceMember
		d.members.each(func(m *deviceMember) {
			u := m.gov.URL()
			if found == nil && u.Adapter == p.Adapter && (p.Protocol == "" || p.Protocol == u.Protocol) {
				found = m
			}
		})
		return found
	}

	if m := d.ranking.nearest(); m != nil {
		return m
	}
	// nothing ranked yet (no signal or tx power); any ready delegate will do
	var first *deviceMember
	d.members.each(func(m *deviceMember) {
		if first == nil && m.gov.IsReady() {
			first = m
		}
	})
	return first
}

// maybeRetarget routes the connection control unless the device is already connected.
func (d *Device) maybeRetarget() {
	d.retarget(false)
}

// retarget moves the connection control to the chosen delegate. The previous target is
// released before the new one is enabled. Without force a connected device keeps
// its current link.
func (d *Device) retarget(force bool) {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	var next *deviceMember
	if d.connectionControl.Load() {
		if !force && d.connected.Get() {
			return
		}
		next = d.chooseTarget()
	}
	prev := d.target.Load()
	if prev == next {
		return
	}
	if prev != nil {
		prev.gov.SetConnectionControl(false)
	}
	d.target.Store(next)
	if next != nil {
		next.gov.SetConnectionControl(true)
		d.logger.WithField("target", next.gov.URL().String()).Info("Connection target changed")
	} else {
		d.logger.Debug("Connection target cleared")
	}
}

// Target returns the physical device currently driven to connect.
func (d *Device) Target() (address.URL, bool) {
	if m := d.target.Load(); m != nil {
		return m.gov.URL(), true
	}
	return address.URL{}, false
}

func (d *Device) ConnectionStrategy() ConnectionStrategy {
	return *d.strategy.Load()
}

func (d *Device) SetConnectionStrategy(strategy ConnectionStrategy) {
	d.strategy.Store(&strategy)
	d.retarget(true)
}

// PreferredAdapter returns the pinned adapter URL, zero if none.
func (d *Device) PreferredAdapter() address.URL {
	if p := d.preferred.Load(); p != nil {
		return *p
	}
	return address.URL{}
}

// SetPreferredAdapter pins the adapter used by the PreferredAdapter strategy. A URL
// without protocol matches the adapter address on any transport.
func (d *Device) SetPreferredAdapter(adapter address.URL) {
	adapter = adapter.AdapterURL()
	d.preferred.Store(&adapter)
	d.retarget(true)
}

// ---- Aggregates ----

func (d *Device) readyChanged(ready bool) {
	d.logger.WithField("ready", ready).Info("Combined device readiness changed")
	d.governorListeners.Each(d.logger, "ready", func(l governor.GovernorListener) { l.Ready(ready) })
	d.completions.CompleteSilently(d)
}

func (d *Device) onlineChanged(online bool) {
	if online {
		d.generic.Each(d.logger, "online", func(l governor.GenericDeviceListener) { l.Online() })
	} else {
		d.generic.Each(d.logger, "offline", func(l governor.GenericDeviceListener) { l.Offline() })
	}
	d.completions.CompleteSilently(d)
}

func (d *Device) blockedChanged(blocked bool) {
	d.generic.Each(d.logger, "blocked", func(l governor.GenericDeviceListener) { l.Blocked(blocked) })
	d.completions.CompleteSilently(d)
}

func (d *Device) connectedChanged(connected bool) {
	d.logger.WithField("connected", connected).Info("Combined device connection state changed")
	if connected {
		d.smart.Each(d.logger, "connected", func(l governor.SmartDeviceListener) { l.Connected() })
	} else {
		d.smart.Each(d.logger, "disconnected", func(l governor.SmartDeviceListener) { l.Disconnected() })
		d.maybeRetarget()
	}
	d.completions.CompleteSilently(d)
}

// servicesChanged returns the transition callback for a services-resolved update of m.
func (d *Device) servicesChanged(m *deviceMember, services []transport.Service) func(bool) {
	return func(resolved bool) {
		if !resolved {
			d.smart.Each(d.logger, "services-unresolved", func(l governor.SmartDeviceListener) { l.ServicesUnresolved() })
			d.registry.ResetDescendants(d.url)
			d.completions.CompleteSilently(d)
			return
		}
		combinedServices := combineServices(services)
		d.logger.WithFields(logrus.Fields{
			"owner":    m.gov.URL().String(),
			"services": len(combinedServices),
		}).Info("Combined device services resolved")
		d.smart.Each(d.logger, "services-resolved", func(l governor.SmartDeviceListener) { l.ServicesResolved(combinedServices) })
		registry, url := d.registry, d.url
		groutine.Go(context.Background(), "combined-update-descendants", func(context.Context) {
			registry.UpdateDescendants(url)
		})
		d.completions.CompleteSilently(d)
	}
}

func (d *Device) nearestChanged(next *deviceMember) {
	entry := d.logger
	if next != nil {
		entry = entry.WithFields(logrus.Fields{"nearest": next.gov.URL().String(), "distance": next.Distance()})
	}
	entry.Debug("Nearest adapter changed")
	if d.ConnectionStrategy() == NearestAdapter {
		d.maybeRetarget()
	}
}

func (d *Device) touch(t time.Time) {
	if d.lastActivity.advance(t) {
		d.governorListeners.Each(d.logger, "last-updated", func(l governor.GovernorListener) { l.LastUpdatedChanged(t) })
	}
}

// combineServices maps physical service and characteristic URLs into the combined space.
func combineServices(services []transport.Service) []transport.Service {
	out := make([]transport.Service, 0, len(services))
	for _, s := range services {
		cs := transport.Service{URL: s.URL.Combined()}
		for _, c := range s.Characteristics {
			c.URL = c.URL.Combined()
			cs.Characteristics = append(cs.Characteristics, c)
		}
		out = append(out, cs)
	}
	return out
}

// ---- Governor ----

func (d *Device) URL() address.URL {
	return d.url
}

func (d *Device) Kind() governor.Kind {
	return governor.KindDevice
}

func (d *Device) State() governor.State {
	return state(&d.disposed, &d.ready)
}

func (d *Device) IsReady() bool {
	return d.ready.Get()
}

// LastError returns the error of the first delegate that has one.
func (d *Device) LastError() error {
	for _, m := range d.members.list() {
		if err := m.gov.LastError(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) LastActivity() time.Time {
	return d.lastActivity.get()
}

// Update registers newly discovered delegates and re-evaluates the connection target.
// The delegates themselves are updated by their own schedules.
func (d *Device) Update() {
	if d.disposed.Load() {
		return
	}
	d.sync()
	d.maybeRetarget()
	d.completions.CompleteSilently(d)
}

// Reset resets every delegate.
func (d *Device) Reset() {
	d.members.each(func(m *deviceMember) { m.gov.Reset() })
}

// Dispose releases the connection control, detaches from discovery and every delegate.
// Delegates stay alive in the registry.
func (d *Device) Dispose() {
	if !d.disposed.CompareAndSwap(false, true) {
		return
	}
	d.registry.RemoveDeviceDiscoveryListener(d)
	d.connectionControl.Store(false)
	d.members.each(d.detach)
	d.completions.Clear()
	d.governorListeners.Clear()
	d.generic.Clear()
	d.smart.Clear()
	d.logger.Debug("Governor disposed")
}

func (d *Device) AddGovernorListener(l governor.GovernorListener) {
	d.governorListeners.Add(l)
}

func (d *Device) RemoveGovernorListener(l governor.GovernorListener) {
	d.governorListeners.Remove(l)
}

// ---- DeviceGovernor ----

func (d *Device) Name() (string, error) {
	if name := d.name.Load(); name != nil {
		return *name, nil
	}
	if m := d.authoritative(); m != nil {
		return m.gov.Name()
	}
	return "", notReady(d.url, "name")
}

func (d *Device) Alias() (string, error) {
	if alias := d.alias.Load(); alias != nil {
		return *alias, nil
	}
	if m := d.authoritative(); m != nil {
		return m.gov.Alias()
	}
	return "", notReady(d.url, "alias")
}

func (d *Device) SetAlias(alias string) {
	d.desiredAlias.Store(&alias)
	d.alias.Store(&alias)
	d.members.each(func(m *deviceMember) { m.gov.SetAlias(alias) })
}

func (d *Device) DisplayName() string {
	for _, p := range []*string{d.desiredAlias.Load(), d.alias.Load(), d.name.Load()} {
		if p != nil && *p != "" {
			return *p
		}
	}
	return d.url.Device
}

func (d *Device) BluetoothClass() (uint32, error) {
	if class := d.class.Load(); class != nil {
		return *class, nil
	}
	if m := d.authoritative(); m != nil {
		return m.gov.BluetoothClass()
	}
	return 0, notReady(d.url, "bluetooth-class")
}

func (d *Device) IsBLEEnabled() (bool, error) {
	if ble := d.ble.Load(); ble != nil {
		return *ble, nil
	}
	if m := d.authoritative(); m != nil {
		return m.gov.IsBLEEnabled()
	}
	return false, notReady(d.url, "ble-enabled")
}

func (d *Device) ConnectionControl() bool {
	return d.connectionControl.Load()
}

// SetConnectionControl routes the connection control to one delegate, chosen by the
// connection strategy.
func (d *Device) SetConnectionControl(connected bool) {
	d.connectionControl.Store(connected)
	d.retarget(!connected)
}

func (d *Device) IsConnected() bool {
	return d.connected.Get()
}

func (d *Device) BlockedControl() bool {
	return d.blockedControl.Load()
}

func (d *Device) SetBlockedControl(blocked bool) {
	d.blockedControl.Store(blocked)
	d.members.each(func(m *deviceMember) { m.gov.SetBlockedControl(blocked) })
}

func (d *Device) IsBlocked() bool {
	return d.blocked.Get()
}

func (d *Device) IsOnline() bool {
	return d.online.Get()
}

func (d *Device) OnlineTimeout() time.Duration {
	return time.Duration(d.onlineTimeout.Load())
}

func (d *Device) SetOnlineTimeout(timeout time.Duration) {
	d.onlineTimeout.Store(int64(timeout))
	d.members.each(func(m *deviceMember) { m.gov.SetOnlineTimeout(timeout) })
}

// RSSI returns the last reading of the nearest delegate.
func (d *Device) RSSI() int16 {
	return int16(d.rssi.Load())
}

func (d *Device) TxPower() int16 {
	if m := d.authoritative(); m != nil {
		return m.gov.TxPower()
	}
	return 0
}

func (d *Device) MeasuredTxPower() int16 {
	return int16(d.measuredTxPower.Load())
}

func (d *Device) SetMeasuredTxPower(txPower int16) {
	d.measuredTxPower.Store(int32(txPower))
	d.members.each(func(m *deviceMember) { m.gov.SetMeasuredTxPower(txPower) })
}

func (d *Device) RSSIFilterConfig() rssi.KalmanConfig {
	return *d.filterConfig.Load()
}

// SetRSSIFilterConfig retunes the live filter of every delegate.
func (d *Device) SetRSSIFilterConfig(cfg rssi.KalmanConfig) {
	d.filterConfig.Store(&cfg)
	d.members.each(func(m *deviceMember) { m.gov.SetRSSIFilterConfig(cfg) })
}

func (d *Device) IsRSSIFilteringEnabled() bool {
	return d.filtering.Load()
}

func (d *Device) SetRSSIFilteringEnabled(enabled bool) {
	d.filtering.Store(enabled)
	d.members.each(func(m *deviceMember) { m.gov.SetRSSIFilteringEnabled(enabled) })
}

func (d *Device) RSSIReportingRate() time.Duration {
	return time.Duration(d.reportingRate.Load())
}

func (d *Device) SetRSSIReportingRate(rate time.Duration) {
	d.reportingRate.Store(int64(rate))
	d.members.each(func(m *deviceMember) { m.gov.SetRSSIReportingRate(rate) })
}

// EstimatedDistance returns the distance to the nearest adapter, 0 when unknown.
func (d *Device) EstimatedDistance() float64 {
	if m := d.ranking.nearest(); m != nil {
		return m.Distance()
	}
	return 0
}

func (d *Device) LastAdvertised() time.Time {
	var latest time.Time
	d.members.each(func(m *deviceMember) {
		if t := m.gov.LastAdvertised(); t.After(latest) {
			latest = t
		}
	})
	return latest
}

func (d *Device) IsServicesResolved() bool {
	return d.servicesResolved.Get()
}

func (d *Device) ResolvedServices() ([]transport.Service, error) {
	m := d.members.at(d.servicesResolved.UniqueIndex())
	if m == nil {
		return nil, transport.NotReady(d.url, "services are not resolved")
	}
	services, err := m.gov.ResolvedServices()
	if err != nil {
		return nil, err
	}
	return combineServices(services), nil
}

func (d *Device) ServiceData() (map[string][]byte, error) {
	m := d.authoritative()
	if m == nil {
		return nil, notReady(d.url, "service-data")
	}
	data, err := m.gov.ServiceData()
	return maps.Clone(data), err
}

func (d *Device) ManufacturerData() (map[uint16][]byte, error) {
	m := d.authoritative()
	if m == nil {
		return nil, notReady(d.url, "manufacturer-data")
	}
	data, err := m.gov.ManufacturerData()
	return maps.Clone(data), err
}

func (d *Device) AddGenericDeviceListener(l governor.GenericDeviceListener) {
	d.generic.Add(l)
}

func (d *Device) RemoveGenericDeviceListener(l governor.GenericDeviceListener) {
	d.generic.Remove(l)
}

func (d *Device) AddSmartDeviceListener(l governor.SmartDeviceListener) {
	d.smart.Add(l)
}

func (d *Device) RemoveSmartDeviceListener(l governor.SmartDeviceListener) {
	d.smart.Remove(l)
}
