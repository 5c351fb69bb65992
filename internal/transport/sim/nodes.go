package sim

import (
	"maps"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/transport"
)

// node is the state shared by every simulated object. All fields are guarded by the
// owning transport's mutex.
type node struct {
	t        *Transport
	url      address.URL
	present  bool
	alive    func() bool
	failures map[string][]error
	handles  map[*handle]struct{}
}

func newNode(t *Transport, u address.URL) node {
	return node{
		t:        t,
		url:      u,
		present:  true,
		failures: make(map[string][]error),
		handles:  make(map[*handle]struct{}),
	}
}

func (n *node) URL() address.URL {
	return n.url
}

// SetPresent makes the object appear or vanish. Handles of a vanished object fail
// every call; a reappearing object needs a fresh lookup.
func (n *node) SetPresent(present bool) {
	n.t.mu.Lock()
	defer n.t.mu.Unlock()
	n.present = present
}

// FailNext makes the next call of op (e.g. "Connect", "Read") on any handle of this
// object return err. Calls queue up.
func (n *node) FailNext(op string, err error) {
	n.t.mu.Lock()
	defer n.t.mu.Unlock()
	n.failures[op] = append(n.failures[op], err)
}

// Handles returns the number of live (undisposed) handles.
func (n *node) Handles() int {
	n.t.mu.Lock()
	defer n.t.mu.Unlock()
	return len(n.handles)
}

func (n *node) attach(kinds []transport.NotificationKind) *handle {
	h := &handle{n: n, supported: make(map[transport.NotificationKind]bool, len(kinds)),
		subs: make(map[transport.NotificationKind]func(transport.Notification))}
	for _, k := range kinds {
		h.supported[k] = true
	}
	n.handles[h] = struct{}{}
	return h
}

func (n *node) detachAll() {
	for h := range n.handles {
		h.disposed = true
		h.subs = nil
	}
	clear(n.handles)
}

func (n *node) reachable() bool {
	return n.present && (n.alive == nil || n.alive())
}

func (n *node) takeFailure(op string) error {
	q := n.failures[op]
	if len(q) == 0 {
		return nil
	}
	n.failures[op] = q[1:]
	return q[0]
}

// collect returns the deliveries of note to every subscribed handle.
func (n *node) collect(note transport.Notification) []func() {
	var calls []func()
	for h := range n.handles {
		if fn := h.subs[note.Kind]; fn != nil {
			calls = append(calls, func() { fn(note) })
		}
	}
	return calls
}

func (n *node) subscribed(kind transport.NotificationKind) bool {
	for h := range n.handles {
		if h.subs[kind] != nil {
			return true
		}
	}
	return false
}

// ---- Adapter ----

// AdapterNode controls a simulated adapter.
type AdapterNode struct {
	node
	name        string
	alias       string
	powered     bool
	discovering bool
	refusePower bool
	devices     map[string]*DeviceNode
	order       []string
}

// SetPowered flips the power state as if done outside the governed process.
func (a *AdapterNode) SetPowered(powered bool) {
	a.t.mu.Lock()
	calls := a.setPowered(powered)
	a.t.mu.Unlock()
	fire(calls)
}

// RefusePower makes power-on requests silently ineffective, like a hardware rfkill switch.
func (a *AdapterNode) RefusePower(refuse bool) {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	a.refusePower = refuse
}

func (a *AdapterNode) IsPowered() bool {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	return a.powered
}

func (a *AdapterNode) IsDiscovering() bool {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	return a.discovering
}

func (a *AdapterNode) Alias() string {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	return a.alias
}

// AddDevice brings a peripheral into range. Adding an existing address returns it.
func (a *AdapterNode) AddDevice(addr, name string) *DeviceNode {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	u := a.url.WithDevice(addr)
	if d, ok := a.devices[u.Device]; ok {
		return d
	}
	d := &DeviceNode{
		node:  newNode(a.t, u),
		a:     a,
		name:  name,
		alias: name,
		ble:   true,
		chars: make(map[string]*CharacteristicNode),
	}
	d.alive = func() bool { return a.present }
	a.devices[u.Device] = d
	a.order = append(a.order, u.Device)
	return d
}

func (a *AdapterNode) GetDevice(addr string) (*DeviceNode, bool) {
	a.t.mu.Lock()
	defer a.t.mu.Unlock()
	d, ok := a.devices[address.URL{}.WithDevice(addr).Device]
	return d, ok
}

func (a *AdapterNode) setPowered(powered bool) []func() {
	if a.powered == powered {
		return nil
	}
	a.powered = powered
	calls := a.collect(transport.Notification{Kind: transport.NotifyPowered, Bool: powered})
	if !powered {
		calls = append(calls, a.setDiscovering(false)...)
		for _, d := range a.devices {
			calls = append(calls, d.setConnected(false)...)
		}
	}
	return calls
}

func (a *AdapterNode) setDiscovering(discovering bool) []func() {
	if a.discovering == discovering {
		return nil
	}
	a.discovering = discovering
	return a.collect(transport.Notification{Kind: transport.NotifyDiscovering, Bool: discovering})
}

// ---- Device ----

// DeviceNode controls a simulated peripheral.
type DeviceNode struct {
	node
	a                *AdapterNode
	name             string
	alias            string
	class            uint32
	ble              bool
	connected        bool
	blocked          bool
	refuseConnect    bool
	servicesResolved bool
	rssi             int16
	txPower          int16
	serviceData      map[string][]byte
	manufacturerData map[uint16][]byte
	chars            map[string]*CharacteristicNode
	charOrder        []string
}

// SetRSSI records a new signal reading and pushes it to subscribers.
func (d *DeviceNode) SetRSSI(rssi int16) {
	d.t.mu.Lock()
	d.rssi = rssi
	calls := d.collect(transport.Notification{Kind: transport.NotifyRSSI, RSSI: rssi})
	d.t.mu.Unlock()
	fire(calls)
}

func (d *DeviceNode) RSSIValue() int16 {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	return d.rssi
}

func (d *DeviceNode) SetTxPower(txPower int16) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	d.txPower = txPower
}

func (d *DeviceNode) SetBluetoothClass(class uint32) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	d.class = class
}

func (d *DeviceNode) SetBLEEnabled(ble bool) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	d.ble = ble
}

func (d *DeviceNode) SetName(name string) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	d.name = name
}

func (d *DeviceNode) Alias() string {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	return d.alias
}

// SetConnected changes the link state as if the peer connected or dropped on its own.
func (d *DeviceNode) SetConnected(connected bool) {
	d.t.mu.Lock()
	calls := d.setConnected(connected)
	d.t.mu.Unlock()
	fire(calls)
}

// RefuseConnect makes connection attempts fail with an interaction error.
func (d *DeviceNode) RefuseConnect(refuse bool) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	d.refuseConnect = refuse
}

func (d *DeviceNode) IsConnected() bool {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	return d.connected
}

func (d *DeviceNode) IsBlocked() bool {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	return d.blocked
}

func (d *DeviceNode) SetServiceData(data map[string][]byte) {
	d.t.mu.Lock()
	d.serviceData = maps.Clone(data)
	calls := d.collect(transport.Notification{Kind: transport.NotifyServiceData, ServiceData: maps.Clone(data)})
	d.t.mu.Unlock()
	fire(calls)
}

func (d *DeviceNode) SetManufacturerData(data map[uint16][]byte) {
	d.t.mu.Lock()
	d.manufacturerData = maps.Clone(data)
	calls := d.collect(transport.Notification{Kind: transport.NotifyManufacturerData, ManufacturerData: maps.Clone(data)})
	d.t.mu.Unlock()
	fire(calls)
}

// AddCharacteristic adds a GATT characteristic; properties is a flag list such as
// "read,notify". Adding an existing characteristic returns it.
func (d *DeviceNode) AddCharacteristic(serviceID, charID, properties string, value []byte) *CharacteristicNode {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	u := d.url.WithService(serviceID).WithCharacteristic(charID)
	key := u.Service + "/" + u.Characteristic
	if c, ok := d.chars[key]; ok {
		return c
	}
	if properties == "" {
		properties = "read,write,notify"
	}
	c := &CharacteristicNode{
		node:  newNode(d.t, u),
		d:     d,
		flags: transport.ParseFlags(properties),
		value: append([]byte(nil), value...),
	}
	c.alive = func() bool { return d.present && d.a.present && d.connected }
	d.chars[key] = c
	d.charOrder = append(d.charOrder, key)
	return c
}

func (d *DeviceNode) GetCharacteristic(serviceID, charID string) (*CharacteristicNode, bool) {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	u := d.url.WithService(serviceID).WithCharacteristic(charID)
	c, ok := d.chars[u.Service+"/"+u.Characteristic]
	return c, ok
}

func (d *DeviceNode) setConnected(connected bool) []func() {
	if d.connected == connected {
		return nil
	}
	d.connected = connected
	calls := d.collect(transport.Notification{Kind: transport.NotifyConnected, Bool: connected})
	if connected {
		calls = append(calls, d.setServicesResolved(true)...)
	} else {
		calls = append(calls, d.setServicesResolved(false)...)
		for _, c := range d.chars {
			c.notifying = false
		}
	}
	return calls
}

func (d *DeviceNode) setServicesResolved(resolved bool) []func() {
	if d.servicesResolved == resolved {
		return nil
	}
	d.servicesResolved = resolved
	return d.collect(transport.Notification{Kind: transport.NotifyServicesResolved, Bool: resolved})
}

func (d *DeviceNode) services() []transport.Service {
	var out []transport.Service
	index := map[string]int{}
	for _, key := range d.charOrder {
		c := d.chars[key]
		if !c.present {
			continue
		}
		svc := c.url.ServiceURL()
		i, ok := index[svc.Service]
		if !ok {
			i = len(out)
			index[svc.Service] = i
			out = append(out, transport.Service{URL: svc})
		}
		out[i].Characteristics = append(out[i].Characteristics, transport.CharacteristicInfo{
			URL:   c.url,
			Flags: append([]transport.Flag(nil), c.flags...),
		})
	}
	return out
}

// ---- Characteristic ----

// CharacteristicNode controls a simulated GATT characteristic.
type CharacteristicNode struct {
	node
	d         *DeviceNode
	flags     []transport.Flag
	value     []byte
	notifying bool
}

// SetValue changes the value as the peripheral would and notifies subscribers.
func (c *CharacteristicNode) SetValue(value []byte) {
	c.t.mu.Lock()
	c.value = append([]byte(nil), value...)
	var calls []func()
	if c.notifying {
		calls = c.collect(transport.Notification{Kind: transport.NotifyValue, Value: append([]byte(nil), value...)})
	}
	c.t.mu.Unlock()
	fire(calls)
}

func (c *CharacteristicNode) Value() []byte {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return append([]byte(nil), c.value...)
}

func (c *CharacteristicNode) IsNotifying() bool {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.notifying
}
