package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/combined"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/testutils"
	"github.com/srg/blegov/internal/transport"
	"github.com/srg/blegov/internal/transport/sim"
)

// Addresses of sim.DefaultProfile.
const (
	simAdapter = "00:1A:7D:DA:71:13"
	battery    = "F4:12:FA:00:00:01"
	heartRate  = "F4:12:FA:00:00:02"
)

var (
	adapterURL = address.MustParse("sim:/" + simAdapter)
	batteryURL = adapterURL.WithDevice(battery)
	levelURL   = batteryURL.WithService("180f").WithCharacteristic("2a19")
)

type ManagerTestSuite struct {
	testutils.SimSuite
	m *Manager
}

func (s *ManagerTestSuite) SetupTest() {
	s.SimSuite.SetupTest()
	s.m = New(Options{
		UpdateInterval:    20 * time.Millisecond,
		DiscoveryInterval: 20 * time.Millisecond,
		Workers:           2,
		GovernAdapters:    true,
	}, s.Logger)
	s.Require().NoError(s.m.RegisterTransport(s.Transport))
}

func (s *ManagerTestSuite) TearDownTest() {
	s.m.Close()
	s.SimSuite.TearDownTest()
}

// scanning powers the adapter up and starts discovery through its governor.
func (s *ManagerTestSuite) scanning() governor.AdapterGovernor {
	ag := s.m.AdapterGovernor(adapterURL)
	ag.Update()
	s.Require().True(ag.IsPowered(), "adapter MUST be powered by its governor")
	s.Require().True(ag.IsDiscovering(), "adapter MUST be discovering")
	return ag
}

func (s *ManagerTestSuite) TestRegisterTransportRejectsDuplicate() {
	err := s.m.RegisterTransport(sim.New(sim.DefaultProtocol, s.Logger))
	s.Error(err, "a protocol MUST be registered once")
	s.Equal([]string{sim.DefaultProtocol}, s.m.Transports())
}

func (s *ManagerTestSuite) TestStartRequiresTransport() {
	m := New(Options{}, s.Logger)
	defer m.Close()
	s.Error(m.Start(context.Background()))
	s.Equal(DefaultOptions().Workers, m.Options().Workers, "zero options MUST fall back to defaults")
}

func (s *ManagerTestSuite) TestGovernorsAreIdempotent() {
	// GOAL: one governor per object, whatever form of the URL is used to ask for it
	//
	// TEST SCENARIO: full URL, protocol-less lower-case URL, device URL → same adapter governor

	a1 := s.m.AdapterGovernor(adapterURL)
	a2 := s.m.AdapterGovernor(address.MustParse("/00:1a:7d:da:71:13"))
	a3 := s.m.AdapterGovernor(batteryURL)

	s.Same(a1, a2, "protocol-less URL MUST resolve to the only transport")
	s.Same(a1, a3, "device URL MUST yield its adapter governor")
	s.Equal(adapterURL, a1.URL())
	s.Len(s.m.Governors(), 1)

	g, ok := s.m.Lookup(address.MustParse("/" + simAdapter))
	s.True(ok)
	s.Same(a1, g)
}

func (s *ManagerTestSuite) TestGovernorByURLLevel() {
	g, err := s.m.Governor(levelURL)
	s.Require().NoError(err)
	s.Equal(governor.KindCharacteristic, g.Kind())

	g, err = s.m.Governor(batteryURL)
	s.Require().NoError(err)
	s.Equal(governor.KindDevice, g.Kind())

	_, err = s.m.Governor(levelURL.ServiceURL())
	s.Require().Error(err, "service URLs have no governor")
	s.Equal(transport.KindUnsupported, transport.KindOf(err))

	_, err = s.m.Read(context.Background(), batteryURL)
	s.Equal(transport.KindUnsupported, transport.KindOf(err), "Read MUST reject non-characteristic URLs")
}

func (s *ManagerTestSuite) TestLookupDoesNotCreate() {
	_, ok := s.m.Lookup(batteryURL)
	s.False(ok)
	s.Empty(s.m.Governors())
}

func (s *ManagerTestSuite) TestGovernorsOrderedParentsFirst() {
	s.m.CharacteristicGovernor(levelURL)
	s.m.DeviceGovernor(batteryURL)
	s.m.AdapterGovernor(adapterURL)

	var urls []address.URL
	for _, g := range s.m.Governors() {
		urls = append(urls, g.URL())
	}
	s.Equal([]address.URL{adapterURL, batteryURL, levelURL}, urls)
}

func (s *ManagerTestSuite) TestProtocolHintSelectsTransport() {
	// GOAL: a protocol-less URL resolves to the transport discovery saw the object on
	//
	// TEST SCENARIO: second transport "usb" with its own adapter → discover → protocol-less
	//                lookups land on usb

	usb := sim.New("usb", s.Logger)
	usb.AddAdapter("00:1A:7D:DA:71:20", "dongle")
	s.Require().NoError(s.m.RegisterTransport(usb))
	s.Equal([]string{"sim", "usb"}, s.m.Transports())

	s.m.Discover()

	ag := s.m.AdapterGovernor(address.MustParse("/00:1A:7D:DA:71:20"))
	s.Equal("usb", ag.URL().Protocol)
	ag.Update()
	s.True(ag.IsReady(), "governor MUST acquire the native adapter of the hinted transport")

	_, ok := s.m.NativeAdapter(address.MustParse("/" + simAdapter))
	s.True(ok, "hints MUST keep other transports reachable")
	_, ok = s.m.NativeAdapter(address.MustParse("usb:/" + simAdapter))
	s.False(ok, "explicit protocol MUST only ask its transport")
}

func (s *ManagerTestSuite) TestDiscoveryEvents() {
	// GOAL: discovery publishes appearing and vanishing objects on the bus and to listeners
	//
	// TEST SCENARIO: adapter plugged → discovered; scanning → both devices discovered;
	//                battery leaves range → lost

	events, unsub := s.m.SubscribeDiscovery()
	defer unsub()
	rec := &discoveryRecorder{}
	s.m.AddDeviceDiscoveryListener(rec)
	s.m.AddAdapterDiscoveryListener(rec)
	defer s.m.RemoveDeviceDiscoveryListener(rec)

	s.m.Discover()
	s.Equal(AdapterDiscovered, s.next(events).Type)
	s.Empty(s.m.DiscoveredDevices(), "unpowered adapter MUST NOT see devices")

	s.scanning()
	s.m.Discover()
	first, second := s.next(events), s.next(events)
	s.Equal(DeviceDiscovered, first.Type)
	s.Equal(DeviceDiscovered, second.Type)
	s.ElementsMatch([]address.URL{batteryURL, adapterURL.WithDevice(heartRate)}, []address.URL{first.URL(), second.URL()})
	s.Len(s.m.DiscoveredDevices(), 2)

	s.m.Discover()
	s.Len(rec.Events(), 3, "known objects MUST NOT be published again")

	s.Device(simAdapter, battery).SetPresent(false)
	s.m.Discover()
	lost := s.next(events)
	s.Equal(DeviceLost, lost.Type)
	s.Equal(batteryURL, lost.URL())
	s.Equal([]string{
		"adapter-discovered:" + adapterURL.String(),
		"device-discovered:" + batteryURL.String(),
		"device-discovered:" + adapterURL.WithDevice(heartRate).String(),
		"device-lost:" + batteryURL.String(),
	}, rec.Events())
}

func (s *ManagerTestSuite) TestSubscribeDiscoveryFiltersTypes() {
	events, unsub := s.m.SubscribeDiscovery(DeviceLost)
	defer unsub()

	s.scanning()
	s.m.Discover()
	s.Device(simAdapter, heartRate).SetPresent(false)
	s.m.Discover()

	e := s.next(events)
	s.Equal(DeviceLost, e.Type, "only subscribed topics MUST be delivered")
	s.Equal(heartRate, e.Device.URL.Device)
}

func (s *ManagerTestSuite) TestDiscoverFeedsAdvertisements() {
	dg := s.m.DeviceGovernor(batteryURL)
	s.True(dg.LastAdvertised().IsZero())

	s.scanning()
	s.Device(simAdapter, battery).SetRSSI(-50)
	s.m.Discover()

	s.False(dg.LastAdvertised().IsZero(), "discovered devices MUST be fed to their governors")
	s.Equal(int16(-59), dg.TxPower())
}

func (s *ManagerTestSuite) TestDisposeCancelsCompletions() {
	// GOAL: disposing a governor removes it and cancels what waits on it
	//
	// TEST SCENARIO: pending "connected" completion → dispose → future cancelled;
	//                second dispose reports false; next access builds a new governor

	dg := s.m.DeviceGovernor(batteryURL)
	f := completion.Submit(dg.Completions(), dg, governor.DeviceConnected,
		func(d governor.DeviceGovernor) (bool, error) { return true, nil })
	s.False(f.IsDone())

	s.True(s.m.DisposeGovernor(batteryURL))
	s.True(f.IsCancelled(), "pending completions MUST be cancelled")
	s.Equal(governor.StateDisposed, dg.State())
	s.False(s.m.DisposeGovernor(batteryURL), "second dispose MUST report nothing registered")

	_, ok := s.m.Lookup(batteryURL)
	s.False(ok)
	s.NotSame(dg, s.m.DeviceGovernor(batteryURL))
}

func (s *ManagerTestSuite) TestDisposeDetachesFromCombined() {
	s.scanning()
	s.m.Discover()

	cd := s.m.DeviceGovernor(batteryURL.Combined()).(*combined.Device)
	s.Equal([]address.URL{batteryURL}, cd.Delegates())

	s.True(s.m.DisposeGovernor(batteryURL))
	s.Empty(cd.Delegates(), "disposed physical governor MUST leave its combined device")
	s.True(s.m.DisposeGovernor(batteryURL.Combined()))
}

func (s *ManagerTestSuite) TestDisposeDescendants() {
	s.m.AdapterGovernor(adapterURL)
	s.m.DeviceGovernor(batteryURL)
	s.m.CharacteristicGovernor(levelURL)
	s.m.DeviceGovernor(adapterURL.WithDevice(heartRate))

	s.Equal(3, s.m.DisposeDescendants(adapterURL))
	s.Len(s.m.Governors(), 1, "the ancestor itself MUST be kept")
	_, ok := s.m.Lookup(adapterURL)
	s.True(ok)
}

func (s *ManagerTestSuite) TestDisposeCascadesToChildren() {
	// GOAL: disposing a device disposes the characteristics below it
	//
	// TEST SCENARIO: device + characteristic with a value listener and a pending
	//                "ready" completion → dispose device → characteristic unregistered,
	//                disposed and its completion cancelled

	s.scanning()
	s.m.DeviceGovernor(batteryURL)
	cg := s.m.CharacteristicGovernor(levelURL)
	cg.AddValueListener(&valueSink{})
	f := completion.Submit(cg.Completions(), cg, governor.Ready[governor.CharacteristicGovernor],
		func(governor.CharacteristicGovernor) (bool, error) { return true, nil })
	s.Require().False(f.IsDone())

	s.True(s.m.DisposeGovernor(batteryURL))

	_, ok := s.m.Lookup(levelURL)
	s.False(ok, "child characteristic MUST be removed from the registry")
	s.Equal(governor.StateDisposed, cg.State(), "child characteristic MUST be disposed")
	s.True(f.IsCancelled(), "child completions MUST be cancelled")
	s.False(s.m.DisposeGovernor(levelURL), "child MUST NOT be registered any more")
}

type valueSink struct {
	mu     sync.Mutex
	values [][]byte
}

func (v *valueSink) Changed(value []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values = append(v.values, value)
}

func (s *ManagerTestSuite) TestResetAndUpdateDescendants() {
	s.scanning()
	dg := s.m.DeviceGovernor(batteryURL)
	dg.Update()
	s.Require().True(dg.IsReady())

	s.m.ResetDescendants(adapterURL)
	s.False(dg.IsReady())
	s.True(s.m.AdapterGovernor(adapterURL).IsReady(), "the ancestor MUST NOT be reset")

	s.m.UpdateDescendants(adapterURL)
	s.True(dg.IsReady())
}

func (s *ManagerTestSuite) TestStartDrivesGovernors() {
	// GOAL: a started manager governs adapters and feeds the combined adapter on its own
	//
	// TEST SCENARIO: start → combined adapter created → physical adapter powered and
	//                discovering → devices discovered → stop is idempotent and restartable

	s.Require().NoError(s.m.Start(context.Background()))
	s.Error(s.m.Start(context.Background()), "second start MUST fail")

	g, ok := s.m.Lookup(address.URL{}.Combined())
	s.Require().True(ok, "combined adapter MUST be created on start")
	ca := g.(governor.AdapterGovernor)

	s.Eventually(func() bool {
		return s.Adapter(simAdapter).IsPowered() && s.Adapter(simAdapter).IsDiscovering()
	}, 2*time.Second, 10*time.Millisecond, "adapter MUST be powered and discovering")
	s.Eventually(ca.IsPowered, 2*time.Second, 10*time.Millisecond)
	s.Eventually(func() bool { return len(s.m.DiscoveredDevices()) == 2 }, 2*time.Second, 10*time.Millisecond)
	s.Eventually(func() bool { return s.m.Runs() > 0 }, time.Second, 10*time.Millisecond)

	s.m.Stop()
	s.m.Stop()
	runs := s.m.Runs()
	time.Sleep(100 * time.Millisecond)
	s.Equal(runs, s.m.Runs(), "stopped manager MUST NOT update governors")

	s.Require().NoError(s.m.Start(context.Background()), "stopped manager MUST restart")
}

func (s *ManagerTestSuite) TestConnectAndReadThroughCombined() {
	// GOAL: the facade reads a characteristic by its logical URL once the device connects
	//
	// TEST SCENARIO: start → connect combined battery → read combined level

	s.Require().NoError(s.m.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dg, err := s.m.Connect(ctx, batteryURL.Combined())
	s.Require().NoError(err)
	s.True(dg.IsConnected())
	s.True(s.Device(simAdapter, battery).IsConnected())

	value, err := s.m.Read(ctx, levelURL.Combined())
	s.Require().NoError(err)
	s.Equal([]byte{87}, value)

	err = s.m.Write(ctx, levelURL.Combined(), []byte{42})
	s.Equal(transport.KindUnsupported, transport.KindOf(err), "read-only characteristic MUST reject writes")
}

func (s *ManagerTestSuite) TestConnectAndWritePhysical() {
	s.Require().NoError(s.m.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hr := adapterURL.WithDevice(heartRate)
	_, err := s.m.Connect(ctx, hr.WithService("180d"))
	s.Require().NoError(err, "Connect MUST accept any URL below the device")
	s.True(s.Device(simAdapter, heartRate).IsConnected())

	s.Require().NoError(s.m.Write(ctx, hr.WithService("180d").WithCharacteristic("2a39"), []byte{1}))
	s.Equal([]byte{1}, s.Characteristic(simAdapter, heartRate, "180d", "2a39").Value())
}

func (s *ManagerTestSuite) TestReadGivesUpWithContext() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.m.Read(ctx, levelURL)
	s.Require().Error(err, "unconnected characteristic MUST NOT be read")
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *ManagerTestSuite) next(events <-chan Event) Event {
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		s.FailNow("no discovery event received")
		return Event{}
	}
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

// discoveryRecorder records discovery callbacks as "event:url".
type discoveryRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *discoveryRecorder) add(t EventType, u address.URL) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(t)+":"+u.String())
}

func (r *discoveryRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *discoveryRecorder) AdapterDiscovered(a transport.DiscoveredAdapter) {
	r.add(AdapterDiscovered, a.URL)
}
func (r *discoveryRecorder) AdapterLost(a transport.DiscoveredAdapter) { r.add(AdapterLost, a.URL) }
func (r *discoveryRecorder) DeviceDiscovered(d transport.DiscoveredDevice) {
	r.add(DeviceDiscovered, d.URL)
}
func (r *discoveryRecorder) DeviceLost(d transport.DiscoveredDevice) { r.add(DeviceLost, d.URL) }
