package sim

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/transport"
)

type SimTestSuite struct {
	suite.Suite
	tr  *Transport
	a   *AdapterNode
	d   *DeviceNode
	c   *CharacteristicNode
	aU  address.URL
	dU  address.URL
	cU  address.URL
}

func (s *SimTestSuite) SetupTest() {
	s.tr = New("", nil)
	s.a = s.tr.AddAdapter("00:11:22:33:44:55", "hci0")
	s.d = s.a.AddDevice("aa:bb:cc:dd:ee:ff", "Sensor")
	s.c = s.d.AddCharacteristic("180f", "2a19", "read,notify", []byte{50})
	s.aU = address.MustParse("sim:/00:11:22:33:44:55")
	s.dU = s.aU.WithDevice("AA:BB:CC:DD:EE:FF")
	s.cU = s.dU.WithService("180f").WithCharacteristic("2a19")
}

func (s *SimTestSuite) TestLookupRespectsProtocol() {
	_, ok := s.tr.Adapter(s.aU)
	s.True(ok)

	_, ok = s.tr.Adapter(s.aU.WithProtocol("other"))
	s.False(ok, "lookup MUST NOT match a foreign protocol")

	_, ok = s.tr.Adapter(s.aU.WithProtocol(""))
	s.True(ok, "lookup without protocol MUST match")
}

func (s *SimTestSuite) TestPowerAndDiscoveryNotifications() {
	h, ok := s.tr.Adapter(s.aU)
	s.Require().True(ok)

	var mu sync.Mutex
	var powered []bool
	s.Require().NoError(h.Subscribe(transport.NotifyPowered, func(n transport.Notification) {
		mu.Lock()
		defer mu.Unlock()
		powered = append(powered, n.Bool)
	}))

	s.ErrorIs(h.StartDiscovery(), transport.ErrNotReady, "discovery MUST require power")

	s.NoError(h.SetPowered(true))
	s.NoError(h.StartDiscovery())
	s.True(s.a.IsDiscovering())

	s.a.SetPowered(false)
	s.False(s.a.IsDiscovering(), "power loss MUST stop discovery")
	s.Equal([]bool{true, false}, powered)
}

func (s *SimTestSuite) TestRefusePower() {
	h, _ := s.tr.Adapter(s.aU)
	s.a.RefusePower(true)

	s.NoError(h.SetPowered(true), "refused power-on is silent")
	p, err := h.IsPowered()
	s.NoError(err)
	s.False(p)
}

func (s *SimTestSuite) TestStaleHandles() {
	h, _ := s.tr.Adapter(s.aU)
	s.Equal(1, s.a.Handles())

	s.a.SetPresent(false)
	_, err := h.Name()
	s.ErrorIs(err, transport.ErrInteraction, "vanished adapter MUST fail calls")

	_, ok := s.tr.Adapter(s.aU)
	s.False(ok)

	s.a.SetPresent(true)
	h.Dispose()
	_, err = h.Name()
	s.ErrorIs(err, transport.ErrInteraction, "disposed handle MUST fail calls")
	s.Equal(0, s.a.Handles())
}

func (s *SimTestSuite) TestFailNext() {
	h, _ := s.tr.Adapter(s.aU)
	boom := errors.New("boom")
	s.a.FailNext("Name", boom)

	_, err := h.Name()
	s.ErrorIs(err, boom)
	name, err := h.Name()
	s.NoError(err, "failure MUST be one-shot")
	s.Equal("hci0", name)
}

func (s *SimTestSuite) TestConnectResolvesServices() {
	s.a.SetPowered(true)
	dh, ok := s.tr.Device(s.dU)
	s.Require().True(ok)

	_, ok = s.tr.Characteristic(s.cU)
	s.False(ok, "characteristic MUST NOT be reachable while disconnected")

	s.NoError(dh.Connect())
	resolved, err := dh.IsServicesResolved()
	s.NoError(err)
	s.True(resolved)

	services, err := dh.Services()
	s.NoError(err)
	s.Require().Len(services, 1)
	s.Equal(s.cU.ServiceURL(), services[0].URL)
	s.Require().Len(services[0].Characteristics, 1)
	s.Equal(s.cU, services[0].Characteristics[0].URL)

	ch, ok := s.tr.Characteristic(s.cU)
	s.Require().True(ok)
	v, err := ch.Read()
	s.NoError(err)
	s.Equal([]byte{50}, v)

	s.d.SetConnected(false)
	_, err = ch.Read()
	s.ErrorIs(err, transport.ErrInteraction, "characteristic handle MUST go stale on disconnect")
}

func (s *SimTestSuite) TestConnectRequiresPower() {
	dh, _ := s.tr.Device(s.dU)
	s.ErrorIs(dh.Connect(), transport.ErrInteraction)
}

func (s *SimTestSuite) TestValueNotifications() {
	s.a.SetPowered(true)
	dh, _ := s.tr.Device(s.dU)
	s.Require().NoError(dh.Connect())
	ch, _ := s.tr.Characteristic(s.cU)

	got := make(chan []byte, 1)
	s.Require().NoError(ch.Subscribe(transport.NotifyValue, func(n transport.Notification) { got <- n.Value }))
	s.True(s.c.IsNotifying())

	s.c.SetValue([]byte{42})
	s.Equal([]byte{42}, <-got)

	ch.Dispose()
	s.False(s.c.IsNotifying(), "disposing the only subscriber MUST stop notifications")
}

func (s *SimTestSuite) TestDiscoverySnapshots() {
	s.Len(s.tr.DiscoveredAdapters(), 1)
	s.Empty(s.tr.DiscoveredDevices(), "unpowered adapter MUST NOT see devices")

	h, _ := s.tr.Adapter(s.aU)
	s.Require().NoError(h.SetPowered(true))
	s.Require().NoError(h.StartDiscovery())

	s.d.SetRSSI(-70)
	devices := s.tr.DiscoveredDevices()
	s.Require().Len(devices, 1)
	s.Equal(s.dU, devices[0].URL)
	s.Equal(int16(-70), devices[0].RSSI)
	s.Equal("Sensor", devices[0].DisplayName())
}

func (s *SimTestSuite) TestProfile() {
	cfg, err := FromJSON(`{"adapters":[{"address":"%s","powered":true,"devices":[
		{"address":"01:02:03:04:05:06","rssi":-40,"services":[{"uuid":"180d","characteristics":[{"uuid":"2a37","properties":"notify"}]}]}
	]}]}`, "AA:AA:AA:AA:AA:AA")
	s.Require().NoError(err)

	tr := NewFromProfile("sim", cfg, nil)
	a, ok := tr.GetAdapter("aa:aa:aa:aa:aa:aa")
	s.Require().True(ok)
	s.True(a.IsPowered())

	d, ok := a.GetDevice("01:02:03:04:05:06")
	s.Require().True(ok)
	s.Equal(int16(-40), d.RSSIValue())
	_, ok = d.GetCharacteristic("180d", "2a37")
	s.True(ok)
}

func TestSimTestSuite(t *testing.T) {
	suite.Run(t, new(SimTestSuite))
}
