package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/groutine"
	"github.com/srg/blegov/internal/transport"
)

type deviceHandle struct {
	*handle
}

var _ transport.Device = (*deviceHandle)(nil)

var deviceNotifications = []transport.NotificationKind{
	transport.NotifyConnected,
	transport.NotifyRSSI,
	transport.NotifyServicesResolved,
	transport.NotifyServiceData,
	transport.NotifyManufacturerData,
}

func (h *deviceHandle) Subscribe(kind transport.NotificationKind, fn func(transport.Notification)) error {
	return h.subscribe(deviceNotifications, kind, fn)
}

func (h *deviceHandle) guard(op string) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.check(op)
}

func (h *deviceHandle) Name() (string, error) {
	if err := h.guard("Name"); err != nil {
		return "", err
	}
	s, _ := h.t.seen.Load(h.url.Device)
	return s.name, nil
}

// Alias is the advertised name; go-ble keeps no per-device alias.
func (h *deviceHandle) Alias() (string, error) {
	return h.Name()
}

func (h *deviceHandle) SetAlias(string) error {
	return transport.Unsupported(h.url, "device alias is not supported")
}

func (h *deviceHandle) BluetoothClass() (uint32, error) {
	return 0, h.guard("BluetoothClass")
}

func (h *deviceHandle) IsBLEEnabled() (bool, error) {
	return true, h.guard("IsBLEEnabled")
}

// Connect dials the peripheral and discovers its profile.
func (h *deviceHandle) Connect() error {
	t := h.t
	t.mu.Lock()
	if err := h.check("Connect"); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.dev == nil {
		t.mu.Unlock()
		return transport.NotReady(h.url, "adapter is not powered")
	}
	if _, ok := t.links[h.url.Device]; ok {
		t.mu.Unlock()
		return nil
	}
	dev := t.dev
	t.mu.Unlock()

	log := t.logger.WithField("device", h.url.Device)
	log.Info("Connecting to BLE device...")

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ConnectTimeout)
	defer cancel()
	client, err := dev.Dial(ctx, ble.NewAddr(h.url.Device))
	if err != nil {
		return fail(h.url, err, "failed to connect")
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fail(h.url, err, "failed to discover profile")
	}
	log.WithField("services", len(profile.Services)).Info("Connected, profile discovered")

	l := &link{client: client, profile: profile}
	t.mu.Lock()
	t.links[h.url.Device] = l
	calls := t.collectUnsafe(h.url,
		transport.Notification{Kind: transport.NotifyConnected, Bool: true},
		transport.Notification{Kind: transport.NotifyServicesResolved, Bool: true})
	t.mu.Unlock()

	groutine.Go(context.Background(), "goble-link-"+h.url.Device, func(context.Context) {
		<-client.Disconnected()
		t.dropLink(h.url, l)
	})
	fire(calls)
	return nil
}

// dropLink forgets l if it is still the link of u and tells subscribers.
func (t *Transport) dropLink(u address.URL, l *link) {
	t.mu.Lock()
	if t.links[u.Device] != l {
		t.mu.Unlock()
		return
	}
	delete(t.links, u.Device)
	calls := t.collectUnsafe(u,
		transport.Notification{Kind: transport.NotifyServicesResolved},
		transport.Notification{Kind: transport.NotifyConnected})
	t.mu.Unlock()
	t.logger.WithField("device", u.Device).Info("Link dropped")
	fire(calls)
}

func (h *deviceHandle) Disconnect() error {
	h.t.mu.Lock()
	if err := h.check("Disconnect"); err != nil {
		h.t.mu.Unlock()
		return err
	}
	l, ok := h.t.links[h.url.Device]
	h.t.mu.Unlock()
	if !ok {
		return nil
	}
	err := l.client.CancelConnection()
	h.t.dropLink(h.url, l)
	if err != nil {
		return fail(h.url, err, "failed to disconnect")
	}
	return nil
}

func (h *deviceHandle) link(op string) (*link, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.check(op); err != nil {
		return nil, err
	}
	return h.t.links[h.url.Device], nil
}

func (h *deviceHandle) IsConnected() (bool, error) {
	l, err := h.link("IsConnected")
	return l != nil, err
}

func (h *deviceHandle) IsBlocked() (bool, error) {
	return false, h.guard("IsBlocked")
}

func (h *deviceHandle) SetBlocked(blocked bool) error {
	if !blocked {
		return h.guard("SetBlocked")
	}
	return transport.Unsupported(h.url, "blocking is not supported")
}

// RSSI reads the link RSSI when connected, the last advertised one otherwise.
func (h *deviceHandle) RSSI() (int16, error) {
	l, err := h.link("RSSI")
	if err != nil {
		return 0, err
	}
	if l != nil {
		return int16(l.client.ReadRSSI()), nil
	}
	s, _ := h.t.seen.Load(h.url.Device)
	return s.rssi, nil
}

func (h *deviceHandle) TxPower() (int16, error) {
	if err := h.guard("TxPower"); err != nil {
		return 0, err
	}
	s, _ := h.t.seen.Load(h.url.Device)
	return s.txPower, nil
}

func (h *deviceHandle) IsServicesResolved() (bool, error) {
	l, err := h.link("IsServicesResolved")
	return l != nil && l.profile != nil, err
}

func (h *deviceHandle) Services() ([]transport.Service, error) {
	l, err := h.link("Services")
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, transport.NotReady(h.url, "device is not connected")
	}
	return services(h.url, l.profile), nil
}

func (h *deviceHandle) ServiceData() (map[string][]byte, error) {
	if err := h.guard("ServiceData"); err != nil {
		return nil, err
	}
	s, _ := h.t.seen.Load(h.url.Device)
	return s.serviceData, nil
}

func (h *deviceHandle) ManufacturerData() (map[uint16][]byte, error) {
	if err := h.guard("ManufacturerData"); err != nil {
		return nil, err
	}
	s, _ := h.t.seen.Load(h.url.Device)
	return s.manufacturerData, nil
}

// ---- Characteristic ----

type characteristicHandle struct {
	*handle
	client ble.Client
	char   *ble.Characteristic
}

var _ transport.Characteristic = (*characteristicHandle)(nil)

func (h *characteristicHandle) guard(op string) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.check(op)
}

func (h *characteristicHandle) Flags() ([]transport.Flag, error) {
	return flags(h.char.Property), h.guard("Flags")
}

func (h *characteristicHandle) Read() ([]byte, error) {
	if err := h.guard("Read"); err != nil {
		return nil, err
	}
	if h.char.Property&ble.CharRead == 0 {
		return nil, transport.Unsupported(h.url, "characteristic is not readable")
	}
	data, err := h.client.ReadCharacteristic(h.char)
	if err != nil {
		return nil, fail(h.url, err, "read failed")
	}
	return data, nil
}

func (h *characteristicHandle) Write(data []byte) error {
	if err := h.guard("Write"); err != nil {
		return err
	}
	p := h.char.Property
	if p&(ble.CharWrite|ble.CharWriteNR) == 0 {
		return transport.Unsupported(h.url, "characteristic is not writable")
	}
	if err := h.client.WriteCharacteristic(h.char, data, p&ble.CharWrite == 0); err != nil {
		return fail(h.url, err, "write failed")
	}
	return nil
}

func (h *characteristicHandle) IsNotifying() (bool, error) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if err := h.check("IsNotifying"); err != nil {
		return false, err
	}
	_, ok := h.subs[transport.NotifyValue]
	return ok, nil
}

// indicate reports whether values arrive as indications rather than notifications.
func (h *characteristicHandle) indicate() bool {
	return h.char.Property&ble.CharNotify == 0
}

func (h *characteristicHandle) Subscribe(kind transport.NotificationKind, fn func(transport.Notification)) error {
	if kind != transport.NotifyValue {
		return transport.Unsupported(h.url, "%s notifications are not supported", kind)
	}
	if h.char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return transport.Unsupported(h.url, "characteristic is not notifiable")
	}
	if err := h.subscribe([]transport.NotificationKind{transport.NotifyValue}, kind, fn); err != nil {
		return err
	}
	err := h.client.Subscribe(h.char, h.indicate(), func(data []byte) {
		h.t.mu.Lock()
		cb, ok := h.subs[transport.NotifyValue]
		live := !h.disposed
		h.t.mu.Unlock()
		if ok && live {
			cb(transport.Notification{Kind: transport.NotifyValue, Value: append([]byte(nil), data...)})
		}
	})
	if err != nil {
		_ = h.handle.Unsubscribe(kind)
		return fail(h.url, err, "subscribe failed")
	}
	return nil
}

func (h *characteristicHandle) Unsubscribe(kind transport.NotificationKind) error {
	if err := h.handle.Unsubscribe(kind); err != nil || kind != transport.NotifyValue {
		return err
	}
	if err := h.client.Unsubscribe(h.char, h.indicate()); err != nil {
		return fail(h.url, err, "unsubscribe failed")
	}
	return nil
}

// Dispose also stops the value stream of the handle.
func (h *characteristicHandle) Dispose() {
	h.t.mu.Lock()
	_, notifying := h.subs[transport.NotifyValue]
	h.t.mu.Unlock()
	if notifying {
		if err := h.client.Unsubscribe(h.char, h.indicate()); err != nil {
			h.t.logger.WithFields(logrus.Fields{"url": h.url.String(), "error": err}).Debug("Failed to unsubscribe on dispose")
		}
	}
	h.handle.Dispose()
}

// ---- Profile mapping ----

func idOf(u ble.UUID) string {
	if id, err := address.NormalizeID(u.String()); err == nil {
		return id
	}
	return u.String()
}

func findCharacteristic(p *ble.Profile, u address.URL) *ble.Characteristic {
	if p == nil {
		return nil
	}
	for _, s := range p.Services {
		if idOf(s.UUID) != u.Service {
			continue
		}
		for _, c := range s.Characteristics {
			if idOf(c.UUID) == u.Characteristic {
				return c
			}
		}
	}
	return nil
}

func services(device address.URL, p *ble.Profile) []transport.Service {
	if p == nil {
		return nil
	}
	out := make([]transport.Service, 0, len(p.Services))
	for _, s := range p.Services {
		su := device.WithService(idOf(s.UUID))
		svc := transport.Service{URL: su}
		for _, c := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, transport.CharacteristicInfo{
				URL:   su.WithCharacteristic(idOf(c.UUID)),
				Flags: flags(c.Property),
			})
		}
		out = append(out, svc)
	}
	return out
}

var propertyFlags = []struct {
	p ble.Property
	f transport.Flag
}{
	{ble.CharBroadcast, transport.FlagBroadcast},
	{ble.CharRead, transport.FlagRead},
	{ble.CharWriteNR, transport.FlagWriteWithoutResponse},
	{ble.CharWrite, transport.FlagWrite},
	{ble.CharNotify, transport.FlagNotify},
	{ble.CharIndicate, transport.FlagIndicate},
	{ble.CharSignedWrite, transport.FlagAuthenticatedSignedWrites},
}

func flags(p ble.Property) []transport.Flag {
	var out []transport.Flag
	for _, pf := range propertyFlags {
		if p&pf.p != 0 {
			out = append(out, pf.f)
		}
	}
	return out
}
