// Package address implements the hierarchical Bluetooth object URL used as the key
// for every governor:
//
//	protocol:/adapterAddress/deviceAddress/serviceID/characteristicID
//
// Every segment is optional from the leaf upward. An adapter address equal to
// CombinedAddress denotes a logical object spanning all transports and adapters.
package address

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CombinedAddress is the sentinel adapter address of combined (shared) governors.
const CombinedAddress = "XX:XX:XX:XX:XX:XX"

// bluetoothBaseUUID expands 16/32-bit SIG assigned numbers to 128-bit UUIDs.
const bluetoothBaseUUID = "-0000-1000-8000-00805f9b34fb"

// URL identifies a transport, adapter, device, service or characteristic.
// URL is a comparable value type; equality and ordering are structural.
type URL struct {
	Protocol       string
	Adapter        string
	Device         string
	Service        string
	Characteristic string
}

// Parse parses a URL string. Addresses are upper-cased, protocols lower-cased and
// GATT ids normalized to the canonical 128-bit UUID form.
func Parse(s string) (URL, error) {
	var u URL
	rest := strings.TrimSpace(s)
	if rest == "" {
		return u, fmt.Errorf("empty url")
	}

	if i := strings.Index(rest, ":/"); i >= 0 && !strings.Contains(rest[:i], "/") {
		u.Protocol = strings.ToLower(rest[:i])
		rest = rest[i+2:]
	} else if strings.HasPrefix(rest, "/") {
		rest = rest[1:]
	} else {
		return u, fmt.Errorf("invalid url %q: missing protocol separator", s)
	}

	rest = strings.TrimSuffix(rest, "/")
	var parts []string
	if rest != "" {
		parts = strings.Split(rest, "/")
	}
	if len(parts) > 4 {
		return u, fmt.Errorf("invalid url %q: too many segments", s)
	}
	for i, p := range parts {
		if p == "" {
			return u, fmt.Errorf("invalid url %q: empty segment %d", s, i+1)
		}
	}

	if len(parts) > 0 {
		u.Adapter = strings.ToUpper(parts[0])
	}
	if len(parts) > 1 {
		u.Device = strings.ToUpper(parts[1])
	}
	if len(parts) > 2 {
		id, err := NormalizeID(parts[2])
		if err != nil {
			return URL{}, fmt.Errorf("invalid url %q: service: %w", s, err)
		}
		u.Service = id
	}
	if len(parts) > 3 {
		id, err := NormalizeID(parts[3])
		if err != nil {
			return URL{}, fmt.Errorf("invalid url %q: characteristic: %w", s, err)
		}
		u.Characteristic = id
	}
	return u, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) URL {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// NormalizeID converts a GATT service/characteristic id to its canonical form.
// Short SIG ids ("180f", "2A19", "0000180f") are expanded with the Bluetooth base UUID.
func NormalizeID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	switch len(id) {
	case 4:
		id = "0000" + id + bluetoothBaseUUID
	case 8:
		id += bluetoothBaseUUID
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}

// String renders the URL; the protocol prefix is omitted when empty.
func (u URL) String() string {
	var b strings.Builder
	b.WriteString(u.Protocol)
	b.WriteString(":")
	for _, seg := range []string{u.Adapter, u.Device, u.Service, u.Characteristic} {
		if seg == "" {
			break
		}
		b.WriteString("/")
		b.WriteString(seg)
	}
	if u.Adapter == "" {
		b.WriteString("/")
	}
	return strings.TrimPrefix(b.String(), ":")
}

func (u URL) IsZero() bool { return u == URL{} }

func (u URL) IsProtocol() bool { return u.Protocol != "" && u.Adapter == "" }

func (u URL) IsAdapter() bool { return u.Adapter != "" && u.Device == "" }

func (u URL) IsDevice() bool { return u.Device != "" && u.Service == "" }

func (u URL) IsService() bool { return u.Service != "" && u.Characteristic == "" }

func (u URL) IsCharacteristic() bool { return u.Characteristic != "" }

// IsCombined reports whether the URL refers to a combined (shared) object.
func (u URL) IsCombined() bool { return u.Adapter == CombinedAddress }

// AdapterURL truncates the URL to its adapter level.
func (u URL) AdapterURL() URL { return URL{Protocol: u.Protocol, Adapter: u.Adapter} }

// DeviceURL truncates the URL to its device level.
func (u URL) DeviceURL() URL {
	return URL{Protocol: u.Protocol, Adapter: u.Adapter, Device: u.Device}
}

// ServiceURL truncates the URL to its service level.
func (u URL) ServiceURL() URL {
	return URL{Protocol: u.Protocol, Adapter: u.Adapter, Device: u.Device, Service: u.Service}
}

// Parent returns the URL one level up; the parent of an adapter is its protocol.
func (u URL) Parent() URL {
	switch {
	case u.Characteristic != "":
		return u.ServiceURL()
	case u.Service != "":
		return u.DeviceURL()
	case u.Device != "":
		return u.AdapterURL()
	case u.Adapter != "":
		return URL{Protocol: u.Protocol}
	default:
		return URL{}
	}
}

func (u URL) WithProtocol(protocol string) URL {
	u.Protocol = strings.ToLower(protocol)
	return u
}

func (u URL) WithAdapter(adapter string) URL {
	u.Adapter = strings.ToUpper(adapter)
	return u
}

func (u URL) WithDevice(device string) URL {
	u.Device = strings.ToUpper(device)
	return u
}

// WithService sets the service id; an invalid id is kept verbatim.
func (u URL) WithService(service string) URL {
	if id, err := NormalizeID(service); err == nil {
		service = id
	}
	u.Service = service
	return u
}

// WithCharacteristic sets the characteristic id; an invalid id is kept verbatim.
func (u URL) WithCharacteristic(characteristic string) URL {
	if id, err := NormalizeID(characteristic); err == nil {
		characteristic = id
	}
	u.Characteristic = characteristic
	return u
}

// Combined maps the URL onto the combined address space (no protocol, sentinel adapter).
func (u URL) Combined() URL {
	u.Protocol = ""
	u.Adapter = CombinedAddress
	return u
}

// IsDescendant reports whether u lies strictly below ancestor. An ancestor without
// protocol matches descendants of any protocol.
func (u URL) IsDescendant(ancestor URL) bool {
	if u == ancestor {
		return false
	}
	if ancestor.Protocol != "" && ancestor.Protocol != u.Protocol {
		return false
	}
	pairs := [][2]string{
		{ancestor.Adapter, u.Adapter},
		{ancestor.Device, u.Device},
		{ancestor.Service, u.Service},
		{ancestor.Characteristic, u.Characteristic},
	}
	for _, p := range pairs {
		if p[0] == "" {
			return p[1] != "" || ancestor.Protocol != ""
		}
		if p[0] != p[1] {
			return false
		}
	}
	return false
}

// Compare orders URLs segment by segment.
func Compare(a, b URL) int {
	as := []string{a.Protocol, a.Adapter, a.Device, a.Service, a.Characteristic}
	bs := []string{b.Protocol, b.Adapter, b.Device, b.Service, b.Characteristic}
	for i := range as {
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return 0
}
