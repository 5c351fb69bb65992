package combined

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/transport"
	"github.com/srg/blegov/internal/transport/sim"
)

type CombinedCharacteristicTestSuite struct {
	suite.Suite
	tr       *sim.Transport
	adapters []*sim.AdapterNode
	chars    []*sim.CharacteristicNode
	registry *testRegistry
	device   *Device
	gov      *Characteristic
}

func (s *CombinedCharacteristicTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.tr = sim.New("sim", logger)
	s.registry = newTestRegistry(logger, s.tr)
	s.adapters, s.chars = nil, nil
	for i, addr := range adapterAddresses[:2] {
		a := s.tr.AddAdapter(addr, "hci")
		d := a.AddDevice(deviceAddress, "Heart Rate")
		s.chars = append(s.chars, d.AddCharacteristic("180d", "2a37", "read,notify", []byte{byte(60 + i)}))
		s.adapters = append(s.adapters, a)
		s.registry.AdapterGovernor(a.URL()).Update()
	}

	deviceURL := address.URL{}.WithDevice(deviceAddress).Combined()
	s.device = s.registry.DeviceGovernor(deviceURL).(*Device)
	s.registry.updatePhysical()
	s.gov = s.registry.CharacteristicGovernor(deviceURL.WithService("180d").WithCharacteristic("2a37")).(*Characteristic)
}

func (s *CombinedCharacteristicTestSuite) connect() {
	s.device.SetConnectionControl(true)
	s.registry.updatePhysical()
	s.Require().True(s.device.IsServicesResolved())
}

func (s *CombinedCharacteristicTestSuite) boundTo(c *sim.CharacteristicNode) func() bool {
	return func() bool {
		s.gov.Update()
		u, ok := s.gov.Bound()
		return ok && u == c.URL()
	}
}

func (s *CombinedCharacteristicTestSuite) TestUnboundUntilServicesResolved() {
	_, err := s.gov.Read()
	s.Require().Error(err)
	s.ErrorIs(err, transport.ErrNotReady)
	s.False(s.gov.IsReady())
	_, ok := s.gov.Bound()
	s.False(ok)
}

func (s *CombinedCharacteristicTestSuite) TestBindsToServicesOwner() {
	s.connect()
	s.Eventually(s.boundTo(s.chars[0]), time.Second, 5*time.Millisecond)

	s.True(s.gov.IsReady())
	s.True(s.gov.IsReadable())
	s.True(s.gov.IsNotifiable())
	s.False(s.gov.IsWritable())

	value, err := s.gov.Read()
	s.Require().NoError(err)
	s.Equal([]byte{60}, value)

	flags, err := s.gov.Flags()
	s.Require().NoError(err)
	s.ElementsMatch([]transport.Flag{transport.FlagRead, transport.FlagNotify}, flags)
}

func (s *CombinedCharacteristicTestSuite) TestFollowsOwnerChange() {
	// GOAL: a combined characteristic keeps its listeners when the link moves to another adapter
	//
	// TEST SCENARIO: connected via hci0 with a value listener → pin hci1 → binding and
	//                notifications move to hci1

	s.connect()
	values := &recorder{}
	s.gov.AddValueListener(values)
	s.Eventually(s.boundTo(s.chars[0]), time.Second, 5*time.Millisecond)
	s.Eventually(s.chars[0].IsNotifying, time.Second, 5*time.Millisecond)
	s.chars[0].SetValue([]byte{70})

	s.device.SetConnectionStrategy(PreferredAdapter)
	s.device.SetPreferredAdapter(s.adapters[1].URL())
	s.registry.updatePhysical()

	s.Eventually(s.boundTo(s.chars[1]), time.Second, 5*time.Millisecond)
	s.Eventually(s.chars[1].IsNotifying, time.Second, 5*time.Millisecond)
	s.chars[1].SetValue([]byte{71})

	value, err := s.gov.Read()
	s.Require().NoError(err)
	s.Equal([]byte{71}, value, "reads MUST go to the new owner")
	s.Equal([][]byte{{70}, {71}}, values.Values())

	s.gov.RemoveValueListener(values)
	s.Eventually(func() bool { return !s.chars[1].IsNotifying() }, time.Second, 5*time.Millisecond)
}

func (s *CombinedCharacteristicTestSuite) TestResetUnbindsUntilUpdate() {
	s.connect()
	s.Eventually(s.boundTo(s.chars[0]), time.Second, 5*time.Millisecond)
	events := &recorder{}
	s.gov.AddGovernorListener(events)

	s.gov.Reset()
	s.Contains(events.Events(), "ready:false", "reset MUST drop readiness")

	s.Eventually(s.boundTo(s.chars[0]), time.Second, 5*time.Millisecond)
	s.True(s.gov.IsReady())
}

func (s *CombinedCharacteristicTestSuite) TestDispose() {
	s.connect()
	s.Eventually(s.boundTo(s.chars[0]), time.Second, 5*time.Millisecond)

	s.gov.Dispose()
	s.Equal(governor.StateDisposed, s.gov.State())
	s.gov.Update()
	_, ok := s.gov.Bound()
	s.False(ok, "disposed governor MUST NOT bind again")
}

func TestCombinedCharacteristicTestSuite(t *testing.T) {
	suite.Run(t, new(CombinedCharacteristicTestSuite))
}
