// Package transport defines the capability interfaces a native Bluetooth stack binding
// exposes to governors, and the error taxonomy shared by bindings and governors.
//
// A binding hands out short-lived native handles. A handle may become unusable at any
// time (adapter unplugged, link dropped); governors treat any failing call as a reason
// to dispose the handle and acquire a fresh one later.
package transport

import (
	"strings"

	"github.com/srg/blegov/internal/address"
)

// NotificationKind selects a push notification stream of a native object.
type NotificationKind int

const (
	NotifyPowered NotificationKind = iota
	NotifyDiscovering
	NotifyConnected
	NotifyBlocked
	NotifyRSSI
	NotifyServicesResolved
	NotifyServiceData
	NotifyManufacturerData
	NotifyValue
)

var notificationNames = map[NotificationKind]string{
	NotifyPowered:          "powered",
	NotifyDiscovering:      "discovering",
	NotifyConnected:        "connected",
	NotifyBlocked:          "blocked",
	NotifyRSSI:             "rssi",
	NotifyServicesResolved: "services-resolved",
	NotifyServiceData:      "service-data",
	NotifyManufacturerData: "manufacturer-data",
	NotifyValue:            "value",
}

func (k NotificationKind) String() string {
	if s, ok := notificationNames[k]; ok {
		return s
	}
	return "unknown"
}

// Notification is a single push update. Only the field matching Kind is meaningful.
type Notification struct {
	Kind             NotificationKind
	Bool             bool
	RSSI             int16
	Value            []byte
	ServiceData      map[string][]byte
	ManufacturerData map[uint16][]byte
}

// Notifier enables and disables notification streams. Subscribing twice to the same
// kind replaces the previous handler. Unsupported kinds return ErrUnsupported.
type Notifier interface {
	Subscribe(kind NotificationKind, handler func(Notification)) error
	Unsubscribe(kind NotificationKind) error
}

// Object is any native handle.
type Object interface {
	URL() address.URL
	// Dispose releases the handle. It is called once, after which the handle is never used again.
	Dispose()
}

// Adapter is the native adapter capability surface.
type Adapter interface {
	Object
	Notifier

	Name() (string, error)
	Alias() (string, error)
	SetAlias(alias string) error
	IsPowered() (bool, error)
	SetPowered(powered bool) error
	IsDiscovering() (bool, error)
	StartDiscovery() error
	StopDiscovery() error
	Devices() ([]address.URL, error)
}

// Device is the native device capability surface.
type Device interface {
	Object
	Notifier

	Name() (string, error)
	Alias() (string, error)
	SetAlias(alias string) error
	BluetoothClass() (uint32, error)
	IsBLEEnabled() (bool, error)
	Connect() error
	Disconnect() error
	IsConnected() (bool, error)
	IsBlocked() (bool, error)
	SetBlocked(blocked bool) error
	RSSI() (int16, error)
	TxPower() (int16, error)
	IsServicesResolved() (bool, error)
	Services() ([]Service, error)
	ServiceData() (map[string][]byte, error)
	ManufacturerData() (map[uint16][]byte, error)
}

// Characteristic is the native GATT characteristic capability surface.
type Characteristic interface {
	Object
	Notifier

	Flags() ([]Flag, error)
	Read() ([]byte, error)
	Write(data []byte) error
	IsNotifying() (bool, error)
}

// Transport is a native stack binding. Lookups return false when the object is not
// currently visible to the stack.
type Transport interface {
	Protocol() string
	Adapter(url address.URL) (Adapter, bool)
	Device(url address.URL) (Device, bool)
	Characteristic(url address.URL) (Characteristic, bool)
	DiscoveredAdapters() []DiscoveredAdapter
	DiscoveredDevices() []DiscoveredDevice
	Dispose()
}

// DiscoveredAdapter is a discovery snapshot entry.
type DiscoveredAdapter struct {
	URL   address.URL
	Name  string
	Alias string
}

// DiscoveredDevice is a discovery snapshot entry.
type DiscoveredDevice struct {
	URL            address.URL
	Name           string
	Alias          string
	RSSI           int16
	TxPower        int16
	BluetoothClass uint32
	BLEEnabled     bool
}

// DisplayName prefers alias over name, falling back to the device address.
func (d DiscoveredDevice) DisplayName() string {
	if d.Alias != "" {
		return d.Alias
	}
	if d.Name != "" {
		return d.Name
	}
	return d.URL.Device
}

// Service is a resolved GATT service with its characteristics.
type Service struct {
	URL             address.URL
	Characteristics []CharacteristicInfo
}

// CharacteristicInfo describes a characteristic of a resolved service.
type CharacteristicInfo struct {
	URL   address.URL
	Flags []Flag
}

// ----------------------------
// Access flags
// ----------------------------

// Flag is a GATT characteristic access flag.
type Flag string

const (
	FlagBroadcast                 Flag = "broadcast"
	FlagRead                      Flag = "read"
	FlagWriteWithoutResponse      Flag = "write-without-response"
	FlagWrite                     Flag = "write"
	FlagNotify                    Flag = "notify"
	FlagIndicate                  Flag = "indicate"
	FlagAuthenticatedSignedWrites Flag = "authenticated-signed-writes"
	FlagReliableWrite             Flag = "reliable-write"
	FlagWritableAuxiliaries       Flag = "writable-auxiliaries"
	FlagEncryptRead               Flag = "encrypt-read"
	FlagEncryptWrite              Flag = "encrypt-write"
	FlagEncryptAuthenticatedRead  Flag = "encrypt-authenticated-read"
	FlagEncryptAuthenticatedWrite Flag = "encrypt-authenticated-write"
)

// ParseFlags parses a comma separated flag list, e.g. "read,notify".
func ParseFlags(s string) []Flag {
	var flags []Flag
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(strings.ToLower(f)); f != "" {
			flags = append(flags, Flag(f))
		}
	}
	return flags
}

func HasFlag(flags []Flag, want ...Flag) bool {
	for _, f := range flags {
		for _, w := range want {
			if f == w {
				return true
			}
		}
	}
	return false
}

func IsReadable(flags []Flag) bool {
	return HasFlag(flags, FlagRead, FlagEncryptRead, FlagEncryptAuthenticatedRead)
}

func IsWritable(flags []Flag) bool {
	return HasFlag(flags, FlagWrite, FlagWriteWithoutResponse, FlagAuthenticatedSignedWrites,
		FlagReliableWrite, FlagEncryptWrite, FlagEncryptAuthenticatedWrite)
}

func IsNotifiable(flags []Flag) bool {
	return HasFlag(flags, FlagNotify, FlagIndicate)
}
