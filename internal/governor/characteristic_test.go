package governor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/transport"
	"github.com/srg/blegov/internal/transport/sim"
)

type CharacteristicGovernorTestSuite struct {
	suite.Suite
	tr       *sim.Transport
	device   *sim.DeviceNode
	level    *sim.CharacteristicNode
	control  *sim.CharacteristicNode
	registry *testRegistry
	dev      *Device
	levelURL address.URL
	ctrlURL  address.URL
}

func (s *CharacteristicGovernorTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.tr = sim.New("sim", logger)
	adapter := s.tr.AddAdapter("00:1A:7D:DA:71:13", "hci0")
	adapter.SetPowered(true)
	s.device = adapter.AddDevice("F4:12:FA:00:00:02", "Heart Rate")
	s.level = s.device.AddCharacteristic("180d", "2a37", "read,notify", []byte{72})
	s.control = s.device.AddCharacteristic("180d", "2a39", "write", nil)

	s.registry = newTestRegistry(s.tr, logger)
	deviceURL := address.MustParse("sim:/00:1A:7D:DA:71:13/F4:12:FA:00:00:02")
	s.levelURL = deviceURL.WithService("180d").WithCharacteristic("2a37")
	s.ctrlURL = deviceURL.WithService("180d").WithCharacteristic("2a39")

	s.dev = s.registry.DeviceGovernor(deviceURL).(*Device)
	s.dev.SetConnectionControl(true)
	s.dev.Update()
	s.Require().True(s.dev.IsServicesResolved())
}

func (s *CharacteristicGovernorTestSuite) characteristic(url address.URL) *Characteristic {
	return s.registry.CharacteristicGovernor(url).(*Characteristic)
}

func (s *CharacteristicGovernorTestSuite) TestReadWrite() {
	level := s.characteristic(s.levelURL)
	value, err := level.Read()
	s.NoError(err)
	s.Equal([]byte{72}, value)
	s.True(level.IsReadable())
	s.False(level.IsWritable())

	ctrl := s.characteristic(s.ctrlURL)
	s.NoError(ctrl.Write([]byte{1}))
	s.Equal([]byte{1}, s.control.Value())
}

func (s *CharacteristicGovernorTestSuite) TestFlags() {
	flags, err := s.characteristic(s.levelURL).Flags()
	s.NoError(err)
	s.ElementsMatch([]transport.Flag{transport.FlagRead, transport.FlagNotify}, flags)
}

func (s *CharacteristicGovernorTestSuite) TestValueListenerTogglesNotifications() {
	// GOAL: notifications are enabled only while somebody listens
	//
	// TEST SCENARIO: ready characteristic → add listener → peripheral pushes value →
	//                listener receives it; remove listener → notifications disabled

	level := s.characteristic(s.levelURL)
	level.Update()
	s.Require().True(level.IsReady())
	s.False(s.level.IsNotifying(), "no listener, no subscription")

	values := &recorder{}
	level.AddValueListener(values)
	s.Eventually(s.level.IsNotifying, time.Second, 5*time.Millisecond)
	s.True(level.IsNotifying())

	s.level.SetValue([]byte{80})
	s.Equal([][]byte{{80}}, values.Values())

	level.RemoveValueListener(values)
	s.Eventually(func() bool { return !s.level.IsNotifying() }, time.Second, 5*time.Millisecond)
}

func (s *CharacteristicGovernorTestSuite) TestListenerOnNonNotifiable() {
	ctrl := s.characteristic(s.ctrlURL)
	ctrl.AddValueListener(&recorder{})
	ctrl.Update()

	s.True(ctrl.IsReady(), "listener on a non-notifiable characteristic MUST NOT fail it")
	s.False(ctrl.IsNotifying())
}

func (s *CharacteristicGovernorTestSuite) TestDisconnectResetsCharacteristic() {
	level := s.characteristic(s.levelURL)
	level.Update()
	s.Require().True(level.IsReady())

	s.device.SetConnected(false)
	s.False(level.IsReady(), "losing services MUST reset descendants")

	_, err := level.Read()
	s.ErrorIs(err, transport.ErrNotReady)
}

func (s *CharacteristicGovernorTestSuite) TestFatalErrorResetsDevice() {
	// GOAL: a fatal native error escalates to the owning device
	//
	// TEST SCENARIO: Read fails with a fatal error → characteristic and device both reset

	level := s.characteristic(s.levelURL)
	level.Update()
	s.level.FailNext("Read", transport.Fatal(s.levelURL, nil, "stack corrupted"))

	_, err := level.Read()
	s.Require().Error(err)
	s.True(transport.IsFatal(err))
	s.False(level.IsReady())
	s.False(s.dev.IsReady(), "fatal characteristic error MUST reset the device")

	s.dev.Update()
	s.True(s.dev.IsConnected(), "device MUST recover on next update")
}

func TestCharacteristicGovernorTestSuite(t *testing.T) {
	suite.Run(t, new(CharacteristicGovernorTestSuite))
}
