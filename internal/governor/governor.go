// Package governor keeps Bluetooth objects (adapters, devices, GATT characteristics) in
// their desired state.
//
// A governor owns one URL. It acquires a native handle from the registry, initializes
// it, and on every Update reconciles the desired state (powered, connected, blocked,
// ...) against the actual one. Any native failure disposes the handle and the governor
// becomes not ready; the next Update acquires a fresh handle and re-applies the desired
// state, which is never lost.
//
// Listeners are compared by identity; register pointers. Every Add*Listener method
// panics on a listener whose dynamic type is not comparable.
package governor

import (
	"time"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/rssi"
	"github.com/srg/blegov/internal/transport"
)

// Kind identifies the governed object type.
type Kind string

const (
	KindAdapter        Kind = "adapter"
	KindDevice         Kind = "device"
	KindCharacteristic Kind = "characteristic"
)

// State is the lifecycle state of a governor.
type State int32

const (
	StateUnacquired State = iota
	StateAcquiring
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnacquired:
		return "unacquired"
	case StateAcquiring:
		return "acquiring"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Governor is the part common to every governor kind.
type Governor interface {
	URL() address.URL
	Kind() Kind
	State() State
	IsReady() bool
	// LastError is the failure that caused the most recent reset, nil after a successful acquisition.
	LastError() error
	LastActivity() time.Time

	// Update acquires the native object if needed and reconciles its state. Failures
	// never escape; they reset the governor.
	Update()
	Reset()
	Dispose()

	AddGovernorListener(l GovernorListener)
	RemoveGovernorListener(l GovernorListener)
}

// AdapterGovernor governs a Bluetooth adapter.
type AdapterGovernor interface {
	Governor
	Completions() *completion.Service[AdapterGovernor]

	Name() (string, error)
	Alias() (string, error)
	// SetAlias sets the desired alias; empty restores the adapter name.
	SetAlias(alias string)
	DisplayName() string

	PoweredControl() bool
	SetPoweredControl(powered bool)
	IsPowered() bool

	DiscoveringControl() bool
	SetDiscoveringControl(discovering bool)
	IsDiscovering() bool

	SignalPropagationExponent() float64
	SetSignalPropagationExponent(n float64)

	Devices() ([]address.URL, error)

	AddAdapterListener(l AdapterListener)
	RemoveAdapterListener(l AdapterListener)
}

// DeviceGovernor governs a Bluetooth device.
type DeviceGovernor interface {
	Governor
	Completions() *completion.Service[DeviceGovernor]

	Name() (string, error)
	Alias() (string, error)
	SetAlias(alias string)
	DisplayName() string
	BluetoothClass() (uint32, error)
	IsBLEEnabled() (bool, error)

	ConnectionControl() bool
	SetConnectionControl(connected bool)
	IsConnected() bool

	BlockedControl() bool
	SetBlockedControl(blocked bool)
	IsBlocked() bool

	IsOnline() bool
	OnlineTimeout() time.Duration
	SetOnlineTimeout(timeout time.Duration)

	RSSI() int16
	TxPower() int16
	MeasuredTxPower() int16
	SetMeasuredTxPower(txPower int16)
	RSSIFilterConfig() rssi.KalmanConfig
	SetRSSIFilterConfig(cfg rssi.KalmanConfig)
	IsRSSIFilteringEnabled() bool
	SetRSSIFilteringEnabled(enabled bool)
	RSSIReportingRate() time.Duration
	SetRSSIReportingRate(rate time.Duration)
	EstimatedDistance() float64
	LastAdvertised() time.Time

	IsServicesResolved() bool
	ResolvedServices() ([]transport.Service, error)
	ServiceData() (map[string][]byte, error)
	ManufacturerData() (map[uint16][]byte, error)

	AddGenericDeviceListener(l GenericDeviceListener)
	RemoveGenericDeviceListener(l GenericDeviceListener)
	AddSmartDeviceListener(l SmartDeviceListener)
	RemoveSmartDeviceListener(l SmartDeviceListener)
}

// CharacteristicGovernor governs a GATT characteristic.
type CharacteristicGovernor interface {
	Governor
	Completions() *completion.Service[CharacteristicGovernor]

	Flags() ([]transport.Flag, error)
	IsReadable() bool
	IsWritable() bool
	IsNotifiable() bool
	IsNotifying() bool

	Read() ([]byte, error)
	Write(data []byte) error

	AddValueListener(l ValueListener)
	RemoveValueListener(l ValueListener)
}

// AdvertisementSink receives discovery snapshots for a device.
type AdvertisementSink interface {
	Advertised(device transport.DiscoveredDevice)
}

// ---- Listeners ----

type GovernorListener interface {
	Ready(isReady bool)
	LastUpdatedChanged(lastActivity time.Time)
}

type AdapterListener interface {
	Powered(powered bool)
	Discovering(discovering bool)
}

type GenericDeviceListener interface {
	Online()
	Offline()
	Blocked(blocked bool)
	RSSIChanged(rssi int16)
}

type SmartDeviceListener interface {
	Connected()
	Disconnected()
	ServicesResolved(services []transport.Service)
	ServicesUnresolved()
	ServiceDataChanged(data map[string][]byte)
	ManufacturerDataChanged(data map[uint16][]byte)
}

type ValueListener interface {
	Changed(value []byte)
}

// AdapterDiscoveryListener observes adapters appearing in and vanishing from discovery.
type AdapterDiscoveryListener interface {
	AdapterDiscovered(adapter transport.DiscoveredAdapter)
	AdapterLost(adapter transport.DiscoveredAdapter)
}

// DeviceDiscoveryListener observes devices appearing in and vanishing from discovery.
type DeviceDiscoveryListener interface {
	DeviceDiscovered(device transport.DiscoveredDevice)
	DeviceLost(device transport.DiscoveredDevice)
}

// Nop implementations, for embedding.

type NopGovernorListener struct{}

func (NopGovernorListener) Ready(bool) {}
func (NopGovernorListener) LastUpdatedChanged(time.Time) {}

type NopAdapterListener struct{}

func (NopAdapterListener) Powered(bool) {}
func (NopAdapterListener) Discovering(bool) {}

type NopGenericDeviceListener struct{}

func (NopGenericDeviceListener) Online() {}
func (NopGenericDeviceListener) Offline() {}
func (NopGenericDeviceListener) Blocked(bool) {}
func (NopGenericDeviceListener) RSSIChanged(int16) {}

type NopSmartDeviceListener struct{}

func (NopSmartDeviceListener) Connected() {}
func (NopSmartDeviceListener) Disconnected() {}
func (NopSmartDeviceListener) ServicesResolved([]transport.Service) {}
func (NopSmartDeviceListener) ServicesUnresolved() {}
func (NopSmartDeviceListener) ServiceDataChanged(map[string][]byte) {}
func (NopSmartDeviceListener) ManufacturerDataChanged(map[uint16][]byte) {}

// ---- Registry ----

// Registry resolves native handles and sibling governors by URL.
type Registry interface {
	NativeAdapter(url address.URL) (transport.Adapter, bool)
	NativeDevice(url address.URL) (transport.Device, bool)
	NativeCharacteristic(url address.URL) (transport.Characteristic, bool)

	AdapterGovernor(url address.URL) AdapterGovernor
	DeviceGovernor(url address.URL) DeviceGovernor
	CharacteristicGovernor(url address.URL) CharacteristicGovernor

	// ResetDescendants resets every existing governor strictly below url.
	ResetDescendants(url address.URL)
	// UpdateDescendants updates every existing governor strictly below url.
	UpdateDescendants(url address.URL)
}

// Defaults holds the desired state new governors start with.
type Defaults struct {
	PoweredControl            bool
	DiscoveringControl        bool
	SignalPropagationExponent float64

	OnlineTimeout     time.Duration
	RSSIReportingRate time.Duration
	RSSIFiltering     bool
	RSSIFilter        rssi.KalmanConfig
}

// StandardDefaults returns the out-of-the-box desired state.
func StandardDefaults() Defaults {
	return Defaults{
		PoweredControl:            true,
		DiscoveringControl:        true,
		SignalPropagationExponent: rssi.DefaultPropagationExponent,
		OnlineTimeout:             20 * time.Second,
		RSSIReportingRate:         time.Second,
		RSSIFiltering:             true,
		RSSIFilter:                rssi.DefaultKalmanConfig(),
	}
}
