package sim

import (
	"maps"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/transport"
)

var (
	adapterKinds = []transport.NotificationKind{transport.NotifyPowered, transport.NotifyDiscovering}
	deviceKinds  = []transport.NotificationKind{
		transport.NotifyConnected, transport.NotifyBlocked, transport.NotifyRSSI,
		transport.NotifyServicesResolved, transport.NotifyServiceData, transport.NotifyManufacturerData,
	}
	characteristicKinds = []transport.NotificationKind{transport.NotifyValue}
)

// handle is the common part of every native handle. Guarded by the transport mutex.
type handle struct {
	n         *node
	supported map[transport.NotificationKind]bool
	disposed  bool
	subs      map[transport.NotificationKind]func(transport.Notification)
}

func (h *handle) URL() address.URL {
	return h.n.url
}

func (h *handle) Dispose() {
	h.n.t.mu.Lock()
	defer h.n.t.mu.Unlock()
	h.dispose()
}

func (h *handle) dispose() {
	if h.disposed {
		return
	}
	h.disposed = true
	h.subs = nil
	delete(h.n.handles, h)
}

func (h *handle) Subscribe(kind transport.NotificationKind, fn func(transport.Notification)) error {
	h.n.t.mu.Lock()
	defer h.n.t.mu.Unlock()
	return h.subscribe(kind, fn)
}

func (h *handle) subscribe(kind transport.NotificationKind, fn func(transport.Notification)) error {
	if err := h.check("Subscribe"); err != nil {
		return err
	}
	if !h.supported[kind] {
		return transport.Unsupported(h.n.url, "%s notifications", kind)
	}
	h.subs[kind] = fn
	return nil
}

func (h *handle) Unsubscribe(kind transport.NotificationKind) error {
	h.n.t.mu.Lock()
	defer h.n.t.mu.Unlock()
	return h.unsubscribe(kind)
}

func (h *handle) unsubscribe(kind transport.NotificationKind) error {
	if err := h.check("Unsubscribe"); err != nil {
		return err
	}
	delete(h.subs, kind)
	return nil
}

// check must be called with the transport mutex held.
func (h *handle) check(op string) error {
	if h.disposed {
		return transport.Interaction(h.n.url, nil, "%s on disposed handle", op)
	}
	if !h.n.reachable() {
		return transport.Interaction(h.n.url, nil, "%s: object is gone", op)
	}
	return h.n.takeFailure(op)
}

// ---- Adapter ----

type adapterHandle struct {
	*handle
	a *AdapterNode
}

var _ transport.Adapter = (*adapterHandle)(nil)

func (h *adapterHandle) Name() (string, error) {
	h.a.t.mu.Lock()
	defer h.a.t.mu.Unlock()
	if err := h.check("Name"); err != nil {
		return "", err
	}
	return h.a.name, nil
}

func (h *adapterHandle) Alias() (string, error) {
	h.a.t.mu.Lock()
	defer h.a.t.mu.Unlock()
	if err := h.check("Alias"); err != nil {
		return "", err
	}
	return h.a.alias, nil
}

func (h *adapterHandle) SetAlias(alias string) error {
	h.a.t.mu.Lock()
	defer h.a.t.mu.Unlock()
	if err := h.check("SetAlias"); err != nil {
		return err
	}
	if alias == "" {
		alias = h.a.name
	}
	h.a.alias = alias
	return nil
}

func (h *adapterHandle) IsPowered() (bool, error) {
	h.a.t.mu.Lock()
	defer h.a.t.mu.Unlock()
	if err := h.check("IsPowered"); err != nil {
		return false, err
	}
	return h.a.powered, nil
}

func (h *adapterHandle) SetPowered(powered bool) error {
	h.a.t.mu.Lock()
	if err := h.check("SetPowered"); err != nil {
		h.a.t.mu.Unlock()
		return err
	}
	var calls []func()
	if !(powered && h.a.refusePower) {
		calls = h.a.setPowered(powered)
	}
	h.a.t.mu.Unlock()
	fire(calls)
	return nil
}

func (h *adapterHandle) IsDiscovering() (bool, error) {
	h.a.t.mu.Lock()
	defer h.a.t.mu.Unlock()
	if err := h.check("IsDiscovering"); err != nil {
		return false, err
	}
	return h.a.discovering, nil
}

func (h *adapterHandle) StartDiscovery() error {
	return h.discovery("StartDiscovery", true)
}

func (h *adapterHandle) StopDiscovery() error {
	return h.discovery("StopDiscovery", false)
}

func (h *adapterHandle) discovery(op string, on bool) error {
	h.a.t.mu.Lock()
	if err := h.check(op); err != nil {
		h.a.t.mu.Unlock()
		return err
	}
	if on && !h.a.powered {
		h.a.t.mu.Unlock()
		return transport.NotReady(h.a.url, "adapter is not powered")
	}
	calls := h.a.setDiscovering(on)
	h.a.t.mu.Unlock()
	fire(calls)
	return nil
}

func (h *adapterHandle) Devices() ([]address.URL, error) {
	h.a.t.mu.Lock()
	defer h.a.t.mu.Unlock()
	if err := h.check("Devices"); err != nil {
		return nil, err
	}
	var out []address.URL
	for _, key := range h.a.order {
		if d := h.a.devices[key]; d.present {
			out = append(out, d.url)
		}
	}
	return out, nil
}

// ---- Device ----

type deviceHandle struct {
	*handle
	d *DeviceNode
}

var _ transport.Device = (*deviceHandle)(nil)

func (h *deviceHandle) Name() (string, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("Name"); err != nil {
		return "", err
	}
	return h.d.name, nil
}

func (h *deviceHandle) Alias() (string, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("Alias"); err != nil {
		return "", err
	}
	return h.d.alias, nil
}

func (h *deviceHandle) SetAlias(alias string) error {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("SetAlias"); err != nil {
		return err
	}
	if alias == "" {
		alias = h.d.name
	}
	h.d.alias = alias
	return nil
}

func (h *deviceHandle) BluetoothClass() (uint32, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("BluetoothClass"); err != nil {
		return 0, err
	}
	return h.d.class, nil
}

func (h *deviceHandle) IsBLEEnabled() (bool, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("IsBLEEnabled"); err != nil {
		return false, err
	}
	return h.d.ble, nil
}

func (h *deviceHandle) Connect() error {
	h.d.t.mu.Lock()
	if err := h.check("Connect"); err != nil {
		h.d.t.mu.Unlock()
		return err
	}
	var err error
	switch {
	case !h.d.a.powered:
		err = transport.Interaction(h.d.url, nil, "adapter is not powered")
	case h.d.blocked:
		err = transport.Interaction(h.d.url, nil, "device is blocked")
	case h.d.refuseConnect:
		err = transport.Interaction(h.d.url, nil, "connection refused")
	}
	if err != nil {
		h.d.t.mu.Unlock()
		return err
	}
	calls := h.d.setConnected(true)
	h.d.t.mu.Unlock()
	fire(calls)
	return nil
}

func (h *deviceHandle) Disconnect() error {
	h.d.t.mu.Lock()
	if err := h.check("Disconnect"); err != nil {
		h.d.t.mu.Unlock()
		return err
	}
	calls := h.d.setConnected(false)
	h.d.t.mu.Unlock()
	fire(calls)
	return nil
}

func (h *deviceHandle) IsConnected() (bool, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("IsConnected"); err != nil {
		return false, err
	}
	return h.d.connected, nil
}

func (h *deviceHandle) IsBlocked() (bool, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("IsBlocked"); err != nil {
		return false, err
	}
	return h.d.blocked, nil
}

func (h *deviceHandle) SetBlocked(blocked bool) error {
	h.d.t.mu.Lock()
	if err := h.check("SetBlocked"); err != nil {
		h.d.t.mu.Unlock()
		return err
	}
	var calls []func()
	if h.d.blocked != blocked {
		h.d.blocked = blocked
		calls = h.d.collect(transport.Notification{Kind: transport.NotifyBlocked, Bool: blocked})
		if blocked {
			calls = append(calls, h.d.setConnected(false)...)
		}
	}
	h.d.t.mu.Unlock()
	fire(calls)
	return nil
}

func (h *deviceHandle) RSSI() (int16, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("RSSI"); err != nil {
		return 0, err
	}
	return h.d.rssi, nil
}

func (h *deviceHandle) TxPower() (int16, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("TxPower"); err != nil {
		return 0, err
	}
	return h.d.txPower, nil
}

func (h *deviceHandle) IsServicesResolved() (bool, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("IsServicesResolved"); err != nil {
		return false, err
	}
	return h.d.servicesResolved, nil
}

func (h *deviceHandle) Services() ([]transport.Service, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("Services"); err != nil {
		return nil, err
	}
	if !h.d.servicesResolved {
		return nil, transport.NotReady(h.d.url, "services are not resolved")
	}
	return h.d.services(), nil
}

func (h *deviceHandle) ServiceData() (map[string][]byte, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("ServiceData"); err != nil {
		return nil, err
	}
	return maps.Clone(h.d.serviceData), nil
}

func (h *deviceHandle) ManufacturerData() (map[uint16][]byte, error) {
	h.d.t.mu.Lock()
	defer h.d.t.mu.Unlock()
	if err := h.check("ManufacturerData"); err != nil {
		return nil, err
	}
	return maps.Clone(h.d.manufacturerData), nil
}

// ---- Characteristic ----

type characteristicHandle struct {
	*handle
	c *CharacteristicNode
}

var _ transport.Characteristic = (*characteristicHandle)(nil)

func (h *characteristicHandle) Flags() ([]transport.Flag, error) {
	h.c.t.mu.Lock()
	defer h.c.t.mu.Unlock()
	if err := h.check("Flags"); err != nil {
		return nil, err
	}
	return append([]transport.Flag(nil), h.c.flags...), nil
}

func (h *characteristicHandle) Read() ([]byte, error) {
	h.c.t.mu.Lock()
	defer h.c.t.mu.Unlock()
	if err := h.check("Read"); err != nil {
		return nil, err
	}
	if !transport.IsReadable(h.c.flags) {
		return nil, transport.Unsupported(h.c.url, "characteristic is not readable")
	}
	return append([]byte(nil), h.c.value...), nil
}

func (h *characteristicHandle) Write(data []byte) error {
	h.c.t.mu.Lock()
	defer h.c.t.mu.Unlock()
	if err := h.check("Write"); err != nil {
		return err
	}
	if !transport.IsWritable(h.c.flags) {
		return transport.Unsupported(h.c.url, "characteristic is not writable")
	}
	h.c.value = append([]byte(nil), data...)
	return nil
}

func (h *characteristicHandle) IsNotifying() (bool, error) {
	h.c.t.mu.Lock()
	defer h.c.t.mu.Unlock()
	if err := h.check("IsNotifying"); err != nil {
		return false, err
	}
	return h.c.notifying, nil
}

func (h *characteristicHandle) Subscribe(kind transport.NotificationKind, fn func(transport.Notification)) error {
	h.c.t.mu.Lock()
	defer h.c.t.mu.Unlock()
	if kind == transport.NotifyValue && !transport.IsNotifiable(h.c.flags) {
		return transport.Unsupported(h.c.url, "characteristic is not notifiable")
	}
	if err := h.subscribe(kind, fn); err != nil {
		return err
	}
	h.c.notifying = h.c.subscribed(transport.NotifyValue)
	return nil
}

func (h *characteristicHandle) Unsubscribe(kind transport.NotificationKind) error {
	h.c.t.mu.Lock()
	defer h.c.t.mu.Unlock()
	if err := h.unsubscribe(kind); err != nil {
		return err
	}
	h.c.notifying = h.c.subscribed(transport.NotifyValue)
	return nil
}

func (h *characteristicHandle) Dispose() {
	h.c.t.mu.Lock()
	defer h.c.t.mu.Unlock()
	h.dispose()
	h.c.notifying = h.c.subscribed(transport.NotifyValue)
}
