// Package goble binds the transport capability interfaces to github.com/go-ble/ble.
//
// go-ble drives a single host controller, so the binding exposes exactly one adapter.
// Powering the adapter opens the controller, discovery runs a scan in the background
// and every connected peripheral keeps its GATT profile until the link drops.
package goble

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/groutine"
	"github.com/srg/blegov/internal/transport"
)

// DefaultProtocol is the protocol name of the go-ble transport.
const DefaultProtocol = "goble"

// DeviceFactory opens the host controller. Replaced in tests.
var DeviceFactory = newDevice

// Options configures the transport. Zero fields take their default.
type Options struct {
	Protocol       string        `default:"goble"`
	// AdapterAddress identifies the controller in URLs; go-ble does not report it.
	AdapterAddress string        `default:"00:00:00:00:00:00"`
	AdapterName    string        `default:"default"`
	ConnectTimeout time.Duration `default:"30s"`
	// SeenTimeout drops peripherals that stopped advertising from discovery.
	SeenTimeout    time.Duration `default:"30s"`
}

// sighting is the latest advertisement of a peripheral.
type sighting struct {
	name             string
	rssi             int16
	txPower          int16
	serviceData      map[string][]byte
	manufacturerData map[uint16][]byte
	at               time.Time
}

// link is a live connection with its discovered profile.
type link struct {
	client  ble.Client
	profile *ble.Profile
}

// Transport is the go-ble binding. Safe for concurrent use.
type Transport struct {
	opts   Options
	url    address.URL
	logger *logrus.Entry

	seen *xsync.MapOf[string, sighting]

	mu         sync.Mutex
	dev        ble.Device
	alias      string
	scanCancel context.CancelFunc
	links      map[string]*link
	handles    map[*handle]struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New creates the transport. The controller is opened when the adapter is powered.
func New(opts Options, logger *logrus.Logger) *Transport {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	url := address.URL{Protocol: opts.Protocol}.WithAdapter(opts.AdapterAddress)
	return &Transport{
		opts:    opts,
		url:     url,
		logger:  logger.WithFields(logrus.Fields{"transport": url.Protocol, "adapter": url.Adapter}),
		seen:    xsync.NewMapOf[string, sighting](),
		links:   make(map[string]*link),
		handles: make(map[*handle]struct{}),
	}
}

func (t *Transport) Protocol() string {
	return t.opts.Protocol
}

func (t *Transport) owns(url address.URL) bool {
	return (url.Protocol == "" || url.Protocol == t.url.Protocol) && url.Adapter == t.url.Adapter
}

func (t *Transport) Adapter(url address.URL) (transport.Adapter, bool) {
	if !t.owns(url) {
		return nil, false
	}
	return &adapterHandle{handle: t.attach(t.url)}, true
}

func (t *Transport) Device(url address.URL) (transport.Device, bool) {
	if !t.owns(url) || url.Device == "" {
		return nil, false
	}
	u := url.DeviceURL().WithProtocol(t.url.Protocol)
	t.mu.Lock()
	_, connected := t.links[u.Device]
	t.mu.Unlock()
	if _, ok := t.fresh(u.Device); !ok && !connected {
		return nil, false
	}
	return &deviceHandle{handle: t.attach(u)}, true
}

func (t *Transport) Characteristic(url address.URL) (transport.Characteristic, bool) {
	if !t.owns(url) || !url.IsCharacteristic() {
		return nil, false
	}
	u := url.WithProtocol(t.url.Protocol)
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[u.Device]
	if !ok {
		return nil, false
	}
	c := findCharacteristic(l.profile, u)
	if c == nil {
		return nil, false
	}
	h := t.attachUnsafe(u)
	return &characteristicHandle{handle: h, client: l.client, char: c}, true
}

func (t *Transport) DiscoveredAdapters() []transport.DiscoveredAdapter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return []transport.DiscoveredAdapter{{URL: t.url, Name: t.opts.AdapterName, Alias: t.aliasUnsafe()}}
}

// DiscoveredDevices lists peripherals advertised within SeenTimeout plus connected ones,
// while the controller is open.
func (t *Transport) DiscoveredDevices() []transport.DiscoveredDevice {
	t.mu.Lock()
	if t.dev == nil {
		t.mu.Unlock()
		return nil
	}
	connected := make(map[string]bool, len(t.links))
	for addr := range t.links {
		connected[addr] = true
	}
	t.mu.Unlock()

	var out []transport.DiscoveredDevice
	t.seen.Range(func(addr string, s sighting) bool {
		if time.Since(s.at) <= t.opts.SeenTimeout || connected[addr] {
			out = append(out, transport.DiscoveredDevice{
				URL:        t.url.WithDevice(addr),
				Name:       s.name,
				RSSI:       s.rssi,
				TxPower:    s.txPower,
				BLEEnabled: true,
			})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return address.Compare(out[i].URL, out[j].URL) < 0 })
	return out
}

// Dispose stops scanning, drops every link, closes the controller and detaches every handle.
func (t *Transport) Dispose() {
	t.mu.Lock()
	calls := t.powerOffUnsafe()
	for h := range t.handles {
		h.disposed = true
		delete(t.handles, h)
	}
	t.mu.Unlock()
	fire(calls)
}

// ---- Discovery ----

func (t *Transport) fresh(addr string) (sighting, bool) {
	s, ok := t.seen.Load(addr)
	if !ok || time.Since(s.at) > t.opts.SeenTimeout {
		return s, false
	}
	return s, true
}

func (t *Transport) handleAdvertisement(adv ble.Advertisement) {
	t.observe(adv.Addr().String(), fromAdvertisement(adv))
}

// observe records an advertisement and pushes the changes to subscribed device handles.
func (t *Transport) observe(addr string, s sighting) {
	u := t.url.WithDevice(addr)
	prev, known := t.seen.Load(u.Device)
	if s.name == "" && known {
		s.name = prev.name
	}
	t.seen.Store(u.Device, s)

	notes := []transport.Notification{{Kind: transport.NotifyRSSI, RSSI: s.rssi}}
	if len(s.serviceData) > 0 {
		notes = append(notes, transport.Notification{Kind: transport.NotifyServiceData, ServiceData: s.serviceData})
	}
	if len(s.manufacturerData) > 0 {
		notes = append(notes, transport.Notification{Kind: transport.NotifyManufacturerData, ManufacturerData: s.manufacturerData})
	}
	t.notify(u, notes...)
}

func fromAdvertisement(adv ble.Advertisement) sighting {
	s := sighting{
		name:    adv.LocalName(),
		rssi:    int16(adv.RSSI()),
		txPower: int16(adv.TxPowerLevel()),
		at:      time.Now(),
	}
	// go-ble reports 127 when the advertisement carries no tx power
	if s.txPower == 127 {
		s.txPower = 0
	}
	if sd := adv.ServiceData(); len(sd) > 0 {
		s.serviceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			s.serviceData[address.URL{}.WithService(d.UUID.String()).Service] = d.Data
		}
	}
	if md := adv.ManufacturerData(); len(md) >= 2 {
		id := uint16(md[0]) | uint16(md[1])<<8
		s.manufacturerData = map[uint16][]byte{id: md[2:]}
	}
	return s
}

// ---- Handles and notifications ----

type handle struct {
	t        *Transport
	url      address.URL
	disposed bool // guarded by t.mu
	subs     map[transport.NotificationKind]func(transport.Notification)
}

func (t *Transport) attach(u address.URL) *handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attachUnsafe(u)
}

func (t *Transport) attachUnsafe(u address.URL) *handle {
	h := &handle{t: t, url: u, subs: make(map[transport.NotificationKind]func(transport.Notification))}
	t.handles[h] = struct{}{}
	return h
}

func (h *handle) URL() address.URL {
	return h.url
}

func (h *handle) Dispose() {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.disposed = true
	delete(h.t.handles, h)
}

func (h *handle) check(op string) error {
	if h.disposed {
		return transport.Interaction(h.url, nil, "%s on disposed handle", op)
	}
	return nil
}

func (h *handle) subscribe(kinds []transport.NotificationKind, kind transport.NotificationKind, fn func(transport.Notification)) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.check("Subscribe"); err != nil {
		return err
	}
	for _, k := range kinds {
		if k == kind {
			h.subs[kind] = fn
			return nil
		}
	}
	return transport.Unsupported(h.url, "%s notifications are not supported", kind)
}

func (h *handle) Unsubscribe(kind transport.NotificationKind) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	delete(h.subs, kind)
	return nil
}

// notify delivers notes to every live handle of u, outside the transport lock.
func (t *Transport) notify(u address.URL, notes ...transport.Notification) {
	t.mu.Lock()
	calls := t.collectUnsafe(u, notes...)
	t.mu.Unlock()
	fire(calls)
}

func (t *Transport) collectUnsafe(u address.URL, notes ...transport.Notification) []func() {
	var calls []func()
	for h := range t.handles {
		if h.url != u || h.disposed {
			continue
		}
		for _, n := range notes {
			if fn, ok := h.subs[n.Kind]; ok {
				calls = append(calls, func() { fn(n) })
			}
		}
	}
	return calls
}

func fire(calls []func()) {
	for _, c := range calls {
		c()
	}
}

// ---- Adapter ----

type adapterHandle struct {
	*handle
}

var _ transport.Adapter = (*adapterHandle)(nil)

var adapterNotifications = []transport.NotificationKind{transport.NotifyPowered, transport.NotifyDiscovering}

func (h *adapterHandle) Subscribe(kind transport.NotificationKind, fn func(transport.Notification)) error {
	return h.subscribe(adapterNotifications, kind, fn)
}

func (h *adapterHandle) Name() (string, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.check("Name"); err != nil {
		return "", err
	}
	return h.t.opts.AdapterName, nil
}

func (h *adapterHandle) Alias() (string, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.check("Alias"); err != nil {
		return "", err
	}
	return h.t.aliasUnsafe(), nil
}

// SetAlias is kept by the binding; go-ble cannot rename the controller.
func (h *adapterHandle) SetAlias(alias string) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.check("SetAlias"); err != nil {
		return err
	}
	h.t.alias = alias
	return nil
}

func (t *Transport) aliasUnsafe() string {
	if t.alias != "" {
		return t.alias
	}
	return t.opts.AdapterName
}

func (h *adapterHandle) IsPowered() (bool, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.check("IsPowered"); err != nil {
		return false, err
	}
	return h.t.dev != nil, nil
}

// SetPowered opens or closes the host controller.
func (h *adapterHandle) SetPowered(powered bool) error {
	t := h.t
	t.mu.Lock()
	if err := h.check("SetPowered"); err != nil {
		t.mu.Unlock()
		return err
	}
	if (t.dev != nil) == powered {
		t.mu.Unlock()
		return nil
	}
	if !powered {
		calls := t.powerOffUnsafe()
		t.mu.Unlock()
		fire(calls)
		return nil
	}
	t.mu.Unlock()

	dev, err := DeviceFactory()
	if err != nil {
		return fail(h.url, err, "failed to open the controller")
	}
	t.mu.Lock()
	if t.dev != nil {
		t.mu.Unlock()
		_ = dev.Stop()
		return nil
	}
	t.dev = dev
	calls := t.collectUnsafe(t.url, transport.Notification{Kind: transport.NotifyPowered, Bool: true})
	t.mu.Unlock()
	t.logger.Info("Controller opened")
	fire(calls)
	return nil
}

// powerOffUnsafe stops scanning, drops every link and closes the controller. It returns
// the notifications to fire once the lock is released.
func (t *Transport) powerOffUnsafe() []func() {
	if t.dev == nil {
		return nil
	}
	calls := t.stopScanUnsafe()
	for addr, l := range t.links {
		_ = l.client.CancelConnection()
		delete(t.links, addr)
		calls = append(calls, t.collectUnsafe(t.url.WithDevice(addr),
			transport.Notification{Kind: transport.NotifyServicesResolved},
			transport.Notification{Kind: transport.NotifyConnected})...)
	}
	if err := t.dev.Stop(); err != nil {
		t.logger.WithError(NormalizeError(err)).Warn("Failed to stop the controller")
	}
	t.dev = nil
	t.logger.Info("Controller closed")
	return append(calls, t.collectUnsafe(t.url, transport.Notification{Kind: transport.NotifyPowered})...)
}

func (h *adapterHandle) IsDiscovering() (bool, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.check("IsDiscovering"); err != nil {
		return false, err
	}
	return h.t.scanCancel != nil, nil
}

// StartDiscovery runs a duplicate-reporting scan until StopDiscovery or power off.
func (h *adapterHandle) StartDiscovery() error {
	t := h.t
	t.mu.Lock()
	if err := h.check("StartDiscovery"); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.dev == nil {
		t.mu.Unlock()
		return transport.NotReady(h.url, "adapter is not powered")
	}
	if t.scanCancel != nil {
		t.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.scanCancel = cancel
	dev := t.dev
	calls := t.collectUnsafe(t.url, transport.Notification{Kind: transport.NotifyDiscovering, Bool: true})
	t.mu.Unlock()

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, true, t.handleAdvertisement)
		if err != nil && ctx.Err() == nil {
			t.logger.WithError(NormalizeError(err)).Warn("Scan ended")
		}
		t.mu.Lock()
		var calls []func()
		if ctx.Err() == nil {
			// ended on its own; the scan state must follow
			calls = t.stopScanUnsafe()
		}
		t.mu.Unlock()
		fire(calls)
	})
	fire(calls)
	return nil
}

func (h *adapterHandle) StopDiscovery() error {
	h.t.mu.Lock()
	if err := h.check("StopDiscovery"); err != nil {
		h.t.mu.Unlock()
		return err
	}
	calls := h.t.stopScanUnsafe()
	h.t.mu.Unlock()
	fire(calls)
	return nil
}

func (t *Transport) stopScanUnsafe() []func() {
	if t.scanCancel == nil {
		return nil
	}
	t.scanCancel()
	t.scanCancel = nil
	return t.collectUnsafe(t.url, transport.Notification{Kind: transport.NotifyDiscovering})
}

func (h *adapterHandle) Devices() ([]address.URL, error) {
	h.t.mu.Lock()
	err := h.check("Devices")
	h.t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []address.URL
	for _, d := range h.t.DiscoveredDevices() {
		out = append(out, d.URL)
	}
	return out, nil
}
