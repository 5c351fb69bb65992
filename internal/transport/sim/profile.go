package sim

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CharacteristicConfig describes a simulated GATT characteristic.
type CharacteristicConfig struct {
	UUID       string `json:"uuid" yaml:"uuid"`
	Properties string `json:"properties,omitempty" yaml:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []byte `json:"value,omitempty" yaml:"value,omitempty"`
}

// ServiceConfig describes a simulated GATT service.
type ServiceConfig struct {
	UUID            string                 `json:"uuid" yaml:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty" yaml:"characteristics,omitempty"`
}

// DeviceConfig describes a simulated peripheral.
type DeviceConfig struct {
	Address        string          `json:"address" yaml:"address"`
	Name           string          `json:"name,omitempty" yaml:"name,omitempty"`
	RSSI           int16           `json:"rssi,omitempty" yaml:"rssi,omitempty"`
	TxPower        int16           `json:"tx_power,omitempty" yaml:"tx_power,omitempty"`
	BluetoothClass uint32          `json:"class,omitempty" yaml:"class,omitempty"`
	Services       []ServiceConfig `json:"services,omitempty" yaml:"services,omitempty"`
}

// AdapterConfig describes a simulated adapter and the peripherals in its range.
type AdapterConfig struct {
	Address string         `json:"address" yaml:"address"`
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	Powered bool           `json:"powered,omitempty" yaml:"powered,omitempty"`
	Devices []DeviceConfig `json:"devices,omitempty" yaml:"devices,omitempty"`
}

// ProfileConfig is the complete simulated radio environment.
type ProfileConfig struct {
	Adapters []AdapterConfig `json:"adapters" yaml:"adapters"`
}

// FromJSON builds a profile from a JSON document; the format string is expanded first.
func FromJSON(jsonStrFmt string, args ...interface{}) (ProfileConfig, error) {
	var cfg ProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse simulation profile: %w", err)
	}
	return cfg, nil
}

// LoadProfile reads a YAML (or JSON) simulation profile from disk.
func LoadProfile(path string) (ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read simulation profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse simulation profile %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultProfile is a small environment used when no profile is given: one adapter
// with a battery-service peripheral and a heart-rate peripheral.
func DefaultProfile() ProfileConfig {
	return ProfileConfig{Adapters: []AdapterConfig{{
		Address: "00:1A:7D:DA:71:13",
		Name:    "sim0",
		Devices: []DeviceConfig{
			{
				Address: "F4:12:FA:00:00:01", Name: "Battery Sensor", RSSI: -62, TxPower: -59,
				Services: []ServiceConfig{{UUID: "180f", Characteristics: []CharacteristicConfig{
					{UUID: "2a19", Properties: "read,notify", Value: []byte{87}},
				}}},
			},
			{
				Address: "F4:12:FA:00:00:02", Name: "Heart Rate", RSSI: -75,
				Services: []ServiceConfig{{UUID: "180d", Characteristics: []CharacteristicConfig{
					{UUID: "2a37", Properties: "notify", Value: []byte{0, 72}},
					{UUID: "2a39", Properties: "write", Value: []byte{0}},
				}}},
			},
		},
	}}}
}
