package governor

import (
	"context"
	"maps"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/groutine"
	"github.com/srg/blegov/internal/rssi"
	"github.com/srg/blegov/internal/transport"
)

var deviceNotifications = []transport.NotificationKind{
	transport.NotifyConnected,
	transport.NotifyBlocked,
	transport.NotifyRSSI,
	transport.NotifyServicesResolved,
	transport.NotifyServiceData,
	transport.NotifyManufacturerData,
}

// Device governs a physical device.
//
// A device is online while it is connected or was seen (advertisement, RSSI reading,
// any push notification) within the online timeout. Online state is evaluated on every
// update pass, even while the native object is absent.
type Device struct {
	*Machine[transport.Device]

	registry    Registry
	completions *completion.Service[DeviceGovernor]
	generic     Listeners[GenericDeviceListener]
	smart       Listeners[SmartDeviceListener]

	connectionControl atomic.Bool
	blockedControl    atomic.Bool
	blockedAbsent     atomic.Bool
	desiredAlias      atomic.Pointer[string]
	aliasAbsent       atomic.Bool
	onlineTimeout     atomic.Int64
	measuredTxPower   atomic.Int32

	connected        atomic.Bool
	blocked          atomic.Bool
	servicesResolved atomic.Bool
	online           atomic.Bool
	rssi             atomic.Int32
	txPower          atomic.Int32
	lastSeen         atomic.Int64
	lastAdvertised   atomic.Int64
	services         atomic.Pointer[[]transport.Service]
	serviceData      atomic.Pointer[map[string][]byte]
	manufacturerData atomic.Pointer[map[uint16][]byte]
	name             atomic.Pointer[string]
	alias            atomic.Pointer[string]

	filtering atomic.Bool
	filter    *rssi.KalmanFilter
	throttle  *rssi.Throttle
}

var (
	_ DeviceGovernor    = (*Device)(nil)
	_ AdvertisementSink = (*Device)(nil)
)

// NewDevice creates the governor of a physical device.
func NewDevice(url address.URL, registry Registry, defaults Defaults, logger *logrus.Logger) *Device {
	d := &Device{
		registry:    registry,
		completions: completion.NewService[DeviceGovernor](logger, url.String()),
		filter:      rssi.NewKalmanFilter(defaults.RSSIFilter),
		throttle:    rssi.NewThrottle(defaults.RSSIReportingRate),
	}
	d.onlineTimeout.Store(int64(defaults.OnlineTimeout))
	d.filtering.Store(defaults.RSSIFiltering)

	d.Machine = NewMachine(url, KindDevice, registry, logger, Strategy[transport.Device]{
		Acquire: func() (transport.Device, bool) {
			return registry.NativeDevice(url)
		},
		Init:         d.init,
		Reconcile:    d.reconcile,
		Reset:        d.reset,
		Housekeeping: d.checkOnline,
		Signal: func() {
			d.completions.CompleteSilently(d)
		},
		Disposed: func() {
			d.completions.Clear()
			d.generic.Clear()
			d.smart.Clear()
		},
	})
	return d
}

func (d *Device) Completions() *completion.Service[DeviceGovernor] {
	return d.completions
}

// ---- Strategy ----

func (d *Device) init(h transport.Device) error {
	handlers := map[transport.NotificationKind]func(transport.Notification){
		transport.NotifyConnected: func(n transport.Notification) {
			d.activity()
			d.updateConnected(n.Bool)
		},
		transport.NotifyBlocked: func(n transport.Notification) {
			d.activity()
			d.updateBlocked(n.Bool)
		},
		transport.NotifyRSSI: func(n transport.Notification) {
			d.updateRSSI(n.RSSI)
		},
		transport.NotifyServicesResolved: func(n transport.Notification) {
			d.activity()
			d.updateServicesResolved(h, n.Bool)
		},
		transport.NotifyServiceData: func(n transport.Notification) {
			d.activity()
			d.updateServiceData(n.ServiceData)
		},
		transport.NotifyManufacturerData: func(n transport.Notification) {
			d.activity()
			d.updateManufacturerData(n.ManufacturerData)
		},
	}
	for _, kind := range deviceNotifications {
		if err := subscribe(h, kind, handlers[kind]); err != nil {
			return err
		}
	}

	name, err := h.Name()
	if err != nil {
		return err
	}
	d.name.Store(&name)
	alias, err := h.Alias()
	if err != nil {
		return err
	}
	d.alias.Store(&alias)
	if tx, err := h.TxPower(); err == nil && tx != 0 {
		d.txPower.Store(int32(tx))
	}

	blocked, err := h.IsBlocked()
	if err != nil {
		return err
	}
	d.updateBlocked(blocked)
	connected, err := h.IsConnected()
	if err != nil {
		return err
	}
	d.updateConnected(connected)
	resolved, err := h.IsServicesResolved()
	if err != nil {
		return err
	}
	d.updateServicesResolved(h, resolved)

	if raw, err := h.RSSI(); err == nil && raw != 0 {
		d.updateRSSI(raw)
	}
	return nil
}

func (d *Device) reconcile(h transport.Device) error {
	blocked, err := h.IsBlocked()
	if err != nil {
		return err
	}
	if control := d.blockedControl.Load(); blocked != control && !d.blockedAbsent.Load() {
		d.Logger().WithField("blocked", control).Info("Changing device blocked state")
		if err := h.SetBlocked(control); err != nil {
			if !unsupported(d.Logger(), &d.blockedAbsent, "blocked", err) {
				return err
			}
		} else if blocked, err = h.IsBlocked(); err != nil {
			return err
		}
	}
	d.updateBlocked(blocked)

	if !blocked {
		connected, err := h.IsConnected()
		if err != nil {
			return err
		}
		if control := d.connectionControl.Load(); connected != control {
			if control {
				d.Logger().Info("Connecting")
				err = h.Connect()
			} else {
				d.Logger().Info("Disconnecting")
				err = h.Disconnect()
			}
			if err != nil {
				return err
			}
			if connected, err = h.IsConnected(); err != nil {
				return err
			}
		}
		d.updateConnected(connected)

		resolved, err := h.IsServicesResolved()
		if err != nil {
			return err
		}
		d.updateServicesResolved(h, resolved)
	}

	return d.reconcileAlias(h)
}

func (d *Device) reconcileAlias(h transport.Device) error {
	desired := d.desiredAlias.Load()
	if desired == nil || d.aliasAbsent.Load() {
		return nil
	}
	current, err := h.Alias()
	if err != nil {
		return err
	}
	if current != *desired {
		if err := h.SetAlias(*desired); err != nil {
			if unsupported(d.Logger(), &d.aliasAbsent, "alias", err) {
				return nil
			}
			return err
		}
		if current, err = h.Alias(); err != nil {
			return err
		}
	}
	d.alias.Store(&current)
	return nil
}

func (d *Device) reset(h transport.Device) {
	unsubscribe(d.Logger(), h, deviceNotifications...)
	if d.connected.Swap(false) {
		d.smart.Each(d.Logger(), "disconnected", func(l SmartDeviceListener) { l.Disconnected() })
	}
	if d.servicesResolved.Swap(false) {
		d.services.Store(nil)
		d.smart.Each(d.Logger(), "services-unresolved", func(l SmartDeviceListener) { l.ServicesUnresolved() })
	}
	d.blocked.Store(false)
}

// checkOnline fires Online/Offline on transitions.
func (d *Device) checkOnline() {
	online := d.connected.Load()
	if !online {
		if seen := d.lastSeen.Load(); seen != 0 {
			online = time.Since(time.Unix(0, seen)) <= d.OnlineTimeout()
		}
	}
	if d.online.Swap(online) == online {
		return
	}
	d.Logger().WithField("online", online).Info("Device online state changed")
	if online {
		d.generic.Each(d.Logger(), "online", func(l GenericDeviceListener) { l.Online() })
	} else {
		d.generic.Each(d.Logger(), "offline", func(l GenericDeviceListener) { l.Offline() })
	}
	d.completions.CompleteSilently(d)
}

// ---- Notifications ----

func (d *Device) activity() {
	d.lastSeen.Store(time.Now().UnixNano())
	d.Touch()
}

func (d *Device) updateConnected(connected bool) {
	if d.connected.Swap(connected) == connected {
		return
	}
	d.Logger().WithField("connected", connected).Info("Device connection state changed")
	if connected {
		d.lastSeen.Store(time.Now().UnixNano())
		d.smart.Each(d.Logger(), "connected", func(l SmartDeviceListener) { l.Connected() })
	} else {
		d.smart.Each(d.Logger(), "disconnected", func(l SmartDeviceListener) { l.Disconnected() })
	}
	d.checkOnline()
	d.signalIfReady()
}

func (d *Device) updateBlocked(blocked bool) {
	if d.blocked.Swap(blocked) == blocked {
		return
	}
	d.Logger().WithField("blocked", blocked).Info("Device blocked state changed")
	d.generic.Each(d.Logger(), "blocked", func(l GenericDeviceListener) { l.Blocked(blocked) })
	d.signalIfReady()
}

func (d *Device) updateServicesResolved(h transport.Device, resolved bool) {
	if !resolved {
		if !d.servicesResolved.Swap(false) {
			return
		}
		d.services.Store(nil)
		d.Logger().Debug("Services unresolved")
		d.smart.Each(d.Logger(), "services-unresolved", func(l SmartDeviceListener) { l.ServicesUnresolved() })
		if d.registry != nil {
			d.registry.ResetDescendants(d.URL())
		}
		d.signalIfReady()
		return
	}

	if d.servicesResolved.Load() {
		return
	}
	services, err := h.Services()
	if err != nil {
		d.Logger().WithError(err).Warn("Failed to enumerate resolved services")
		return
	}
	if d.servicesResolved.Swap(true) {
		return
	}
	d.services.Store(&services)
	d.Logger().WithField("services", len(services)).Info("Services resolved")
	d.smart.Each(d.Logger(), "services-resolved", func(l SmartDeviceListener) { l.ServicesResolved(services) })
	if d.registry != nil {
		registry, url := d.registry, d.URL()
		groutine.Go(context.Background(), "update-descendants", func(context.Context) {
			registry.UpdateDescendants(url)
		})
	}
	d.signalIfReady()
}

func (d *Device) updateRSSI(raw int16) {
	if raw == 0 {
		return
	}
	d.activity()
	now := time.Now()
	value := raw
	if d.filtering.Load() {
		value = int16(math.Round(d.filter.Next(float64(raw))))
	}
	d.rssi.Store(int32(value))
	d.checkOnline()
	if !d.throttle.Allow(now) {
		return
	}
	d.generic.Each(d.Logger(), "rssi", func(l GenericDeviceListener) { l.RSSIChanged(value) })
}

func (d *Device) updateServiceData(data map[string][]byte) {
	data = maps.Clone(data)
	d.serviceData.Store(&data)
	d.smart.Each(d.Logger(), "service-data", func(l SmartDeviceListener) { l.ServiceDataChanged(data) })
}

func (d *Device) updateManufacturerData(data map[uint16][]byte) {
	data = maps.Clone(data)
	d.manufacturerData.Store(&data)
	d.smart.Each(d.Logger(), "manufacturer-data", func(l SmartDeviceListener) { l.ManufacturerDataChanged(data) })
}

func (d *Device) signalIfReady() {
	if d.IsReady() {
		d.completions.CompleteSilently(d)
	}
}

// Advertised feeds a discovery snapshot entry; it counts as activity.
func (d *Device) Advertised(device transport.DiscoveredDevice) {
	d.lastAdvertised.Store(time.Now().UnixNano())
	if device.TxPower != 0 {
		d.txPower.Store(int32(device.TxPower))
	}
	if device.Name != "" && d.name.Load() == nil {
		name := device.Name
		d.name.Store(&name)
	}
	if device.RSSI != 0 {
		d.updateRSSI(device.RSSI)
		return
	}
	d.activity()
	d.checkOnline()
}

// ---- Accessors ----

func (d *Device) Name() (string, error) {
	name, err := Interact(d.Machine, "name", func(h transport.Device) (string, error) {
		return h.Name()
	})
	if err == nil {
		d.name.Store(&name)
	}
	return name, err
}

func (d *Device) Alias() (string, error) {
	alias, err := Interact(d.Machine, "alias", func(h transport.Device) (string, error) {
		return h.Alias()
	})
	if err == nil {
		d.alias.Store(&alias)
	}
	return alias, err
}

func (d *Device) SetAlias(alias string) {
	d.desiredAlias.Store(&alias)
	d.aliasAbsent.Store(false)
}

func (d *Device) DisplayName() string {
	return displayName(d.alias.Load(), d.name.Load(), d.URL().Device)
}

func (d *Device) BluetoothClass() (uint32, error) {
	return Interact(d.Machine, "bluetooth-class", func(h transport.Device) (uint32, error) {
		return h.BluetoothClass()
	})
}

func (d *Device) IsBLEEnabled() (bool, error) {
	return Interact(d.Machine, "ble-enabled", func(h transport.Device) (bool, error) {
		return h.IsBLEEnabled()
	})
}

func (d *Device) ConnectionControl() bool {
	return d.connectionControl.Load()
}

func (d *Device) SetConnectionControl(connected bool) {
	d.connectionControl.Store(connected)
}

func (d *Device) IsConnected() bool {
	return d.IsReady() && d.connected.Load()
}

func (d *Device) BlockedControl() bool {
	return d.blockedControl.Load()
}

func (d *Device) SetBlockedControl(blocked bool) {
	d.blockedControl.Store(blocked)
	d.blockedAbsent.Store(false)
}

func (d *Device) IsBlocked() bool {
	return d.IsReady() && d.blocked.Load()
}

func (d *Device) IsOnline() bool {
	return d.online.Load()
}

func (d *Device) OnlineTimeout() time.Duration {
	return time.Duration(d.onlineTimeout.Load())
}

func (d *Device) SetOnlineTimeout(timeout time.Duration) {
	d.onlineTimeout.Store(int64(timeout))
}

// RSSI returns the last (filtered, when enabled) signal reading, 0 if unknown.
func (d *Device) RSSI() int16 {
	return int16(d.rssi.Load())
}

// TxPower returns the advertised transmit power, 0 if unknown.
func (d *Device) TxPower() int16 {
	return int16(d.txPower.Load())
}

// MeasuredTxPower returns the user-calibrated RSSI at one meter, 0 if not calibrated.
func (d *Device) MeasuredTxPower() int16 {
	return int16(d.measuredTxPower.Load())
}

func (d *Device) SetMeasuredTxPower(txPower int16) {
	d.measuredTxPower.Store(int32(txPower))
}

func (d *Device) RSSIFilterConfig() rssi.KalmanConfig {
	return d.filter.Config()
}

func (d *Device) SetRSSIFilterConfig(cfg rssi.KalmanConfig) {
	d.filter.SetConfig(cfg)
}

func (d *Device) IsRSSIFilteringEnabled() bool {
	return d.filtering.Load()
}

func (d *Device) SetRSSIFilteringEnabled(enabled bool) {
	if d.filtering.Swap(enabled) != enabled && enabled {
		d.filter.Reset()
	}
}

func (d *Device) RSSIReportingRate() time.Duration {
	return d.throttle.Interval()
}

func (d *Device) SetRSSIReportingRate(rate time.Duration) {
	d.throttle.SetInterval(rate)
}

// EstimatedDistance estimates the distance in meters from the adapter, 0 when unknown.
// The calibrated measured TX power is preferred over the advertised one.
func (d *Device) EstimatedDistance() float64 {
	tx := d.MeasuredTxPower()
	if tx == 0 {
		tx = d.TxPower()
	}
	current := d.RSSI()
	if tx == 0 || current == 0 {
		return 0
	}
	n := rssi.DefaultPropagationExponent
	if d.registry != nil {
		if a := d.registry.AdapterGovernor(d.URL().AdapterURL()); a != nil {
			n = a.SignalPropagationExponent()
		}
	}
	return rssi.EstimateDistance(float64(tx), float64(current), n)
}

func (d *Device) LastAdvertised() time.Time {
	if ns := d.lastAdvertised.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (d *Device) IsServicesResolved() bool {
	return d.IsReady() && d.servicesResolved.Load()
}

func (d *Device) ResolvedServices() ([]transport.Service, error) {
	if !d.IsServicesResolved() {
		return nil, transport.NotReady(d.URL(), "services are not resolved")
	}
	if p := d.services.Load(); p != nil {
		return *p, nil
	}
	return Interact(d.Machine, "services", func(h transport.Device) ([]transport.Service, error) {
		return h.Services()
	})
}

func (d *Device) ServiceData() (map[string][]byte, error) {
	return Interact(d.Machine, "service-data", func(h transport.Device) (map[string][]byte, error) {
		return h.ServiceData()
	})
}

func (d *Device) ManufacturerData() (map[uint16][]byte, error) {
	return Interact(d.Machine, "manufacturer-data", func(h transport.Device) (map[uint16][]byte, error) {
		return h.ManufacturerData()
	})
}

func (d *Device) AddGenericDeviceListener(l GenericDeviceListener) {
	d.generic.Add(l)
}

func (d *Device) RemoveGenericDeviceListener(l GenericDeviceListener) {
	d.generic.Remove(l)
}

func (d *Device) AddSmartDeviceListener(l SmartDeviceListener) {
	d.smart.Add(l)
}

func (d *Device) RemoveSmartDeviceListener(l SmartDeviceListener) {
	d.smart.Remove(l)
}
