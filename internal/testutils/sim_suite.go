package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blegov/internal/transport/sim"
)

// SimSuite is a reusable suite around a simulated transport.
//
// The transport is built in SetupTest from the configured profile, the default
// profile when none is set. Configure the profile first, then call the parent:
//
//	type ManagerSuite struct {
//	    testutils.SimSuite
//	}
//
//	func (s *ManagerSuite) SetupTest() {
//	    s.WithProfileJSON(`{"adapters": [{"address": "00:1A:7D:DA:71:13", "name": "hci0"}]}`)
//	    s.SimSuite.SetupTest()
//	}
type SimSuite struct {
	suite.Suite

	Logger    *logrus.Logger
	Transport *sim.Transport
	Protocol  string

	profile *sim.ProfileConfig
}

// WithProfile sets the profile of the next SetupTest.
func (s *SimSuite) WithProfile(cfg sim.ProfileConfig) *SimSuite {
	s.profile = &cfg
	return s
}

// WithProfileJSON parses a JSON profile; the format string is expanded first.
func (s *SimSuite) WithProfileJSON(jsonStrFmt string, args ...interface{}) *SimSuite {
	cfg, err := sim.FromJSON(jsonStrFmt, args...)
	s.Require().NoError(err, "simulation profile MUST parse")
	return s.WithProfile(cfg)
}

// WithProfileFile loads a YAML profile given relative to the project root.
func (s *SimSuite) WithProfileFile(relPath string) *SimSuite {
	path, err := FixturePath(relPath)
	s.Require().NoError(err)
	cfg, err := sim.LoadProfile(path)
	s.Require().NoError(err, "simulation profile MUST load")
	return s.WithProfile(cfg)
}

func (s *SimSuite) SetupTest() {
	s.Logger = NewTestHelper(s.T()).Logger
	if s.Protocol == "" {
		s.Protocol = sim.DefaultProtocol
	}
	cfg := sim.DefaultProfile()
	if s.profile != nil {
		cfg = *s.profile
	}
	s.Transport = sim.NewFromProfile(s.Protocol, cfg, s.Logger)
}

func (s *SimSuite) TearDownTest() {
	if s.Transport != nil {
		s.Transport.Dispose()
	}
	s.profile = nil
}

// Adapter returns the control node of a simulated adapter.
func (s *SimSuite) Adapter(addr string) *sim.AdapterNode {
	a, ok := s.Transport.GetAdapter(addr)
	s.Require().True(ok, "adapter %s MUST exist in the profile", addr)
	return a
}

// Device returns the control node of a simulated peripheral.
func (s *SimSuite) Device(adapter, addr string) *sim.DeviceNode {
	d, ok := s.Adapter(adapter).GetDevice(addr)
	s.Require().True(ok, "device %s MUST exist under %s", addr, adapter)
	return d
}

// Characteristic returns the control node of a simulated characteristic.
func (s *SimSuite) Characteristic(adapter, device, service, char string) *sim.CharacteristicNode {
	c, ok := s.Device(adapter, device).GetCharacteristic(service, char)
	s.Require().True(ok, "characteristic %s/%s MUST exist", service, char)
	return c
}
