package governor

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/transport"
	"github.com/srg/blegov/internal/transport/sim"
)

type AdapterGovernorTestSuite struct {
	suite.Suite
	tr       *sim.Transport
	node     *sim.AdapterNode
	registry *testRegistry
	url      address.URL
	gov      *Adapter
	events   *recorder
}

func (s *AdapterGovernorTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.tr = sim.New("sim", logger)
	s.node = s.tr.AddAdapter("00:1A:7D:DA:71:13", "hci0")
	s.registry = newTestRegistry(s.tr, logger)
	s.url = address.MustParse("sim:/00:1A:7D:DA:71:13")
	s.gov = s.registry.AdapterGovernor(s.url).(*Adapter)
	s.events = &recorder{}
	s.gov.AddGovernorListener(s.events)
	s.gov.AddAdapterListener(s.events)
}

func (s *AdapterGovernorTestSuite) TestAcquireDrivesDesiredState() {
	// GOAL: first update acquires, initializes and reconciles the adapter in one pass
	//
	// TEST SCENARIO: unpowered adapter, default controls (powered + discovering) → Update →
	//                ready(true) emitted before powered/discovering converge

	s.Equal(StateUnacquired, s.gov.State())

	s.gov.Update()

	s.True(s.gov.IsReady())
	s.True(s.node.IsPowered(), "adapter MUST be powered by reconciliation")
	s.True(s.node.IsDiscovering(), "adapter MUST be discovering by reconciliation")
	s.True(s.gov.IsPowered())
	s.True(s.gov.IsDiscovering())
	s.Equal([]string{"ready:true", "powered:true", "discovering:true"}, s.events.Events())
	s.False(s.gov.LastActivity().IsZero())
	s.Equal("hci0", s.gov.DisplayName())
}

func (s *AdapterGovernorTestSuite) TestAbsentAdapterStaysUnacquired() {
	s.node.SetPresent(false)
	s.gov.Update()

	s.False(s.gov.IsReady())
	s.Equal(StateUnacquired, s.gov.State())
	s.Empty(s.events.Events(), "absent object MUST NOT produce transitions")
}

func (s *AdapterGovernorTestSuite) TestPowerRefusedRaisesNotReady() {
	// GOAL: a powered-control that cannot be honoured surfaces as a not-ready failure
	//
	// TEST SCENARIO: rfkill'd adapter → SetPoweredControl(true) → Update → governor reset,
	//                LastError is not-ready; lift rfkill → Update → powered and ready

	s.node.RefusePower(true)
	s.gov.SetPoweredControl(true)
	s.gov.Update()

	s.False(s.gov.IsReady(), "unpowered adapter MUST NOT stay ready")
	s.ErrorIs(s.gov.LastError(), transport.ErrNotReady)
	s.Equal([]string{"ready:true", "ready:false"}, s.events.Events())
	s.Equal(0, s.node.Handles(), "native handle MUST be disposed on reset")

	s.node.RefusePower(false)
	s.gov.Update()
	s.True(s.gov.IsReady())
	s.True(s.gov.IsPowered())
	s.NoError(s.gov.LastError())
}

func (s *AdapterGovernorTestSuite) TestPoweredControlOff() {
	s.node.SetPowered(true)
	s.gov.SetPoweredControl(false)
	s.gov.Update()

	s.True(s.gov.IsReady())
	s.False(s.node.IsPowered())
	s.False(s.node.IsDiscovering(), "discovery needs power")
}

func (s *AdapterGovernorTestSuite) TestIntermittentAvailability() {
	// GOAL: readiness always reflects the outcome of the latest acquisition attempt
	//
	// TEST SCENARIO: random plug/unplug sequence, Update after every step

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		present := rng.Intn(3) != 0
		s.node.SetPresent(present)
		s.gov.Update()
		s.Require().Equal(present, s.gov.IsReady(), "step %d: ready MUST follow presence", i)
	}
	s.LessOrEqual(s.node.Handles(), 1, "stale handles MUST be disposed")
}

func (s *AdapterGovernorTestSuite) TestInteractWhenNotReady() {
	s.node.SetPresent(false)

	_, err := s.gov.Name()
	s.Require().Error(err)
	s.ErrorIs(err, transport.ErrNotReady)
}

func (s *AdapterGovernorTestSuite) TestInteractAcquiresOnDemand() {
	name, err := s.gov.Name()
	s.NoError(err)
	s.Equal("hci0", name)
	s.True(s.gov.IsReady(), "interaction MUST trigger a synchronous update")
}

func (s *AdapterGovernorTestSuite) TestInteractFailureResets() {
	s.gov.Update()
	boom := transport.Interaction(s.url, errors.New("dbus timeout"), "devices")
	s.node.FailNext("Devices", boom)

	_, err := s.gov.Devices()
	s.Require().Error(err)
	s.ErrorIs(err, transport.ErrInteraction, "native error MUST be returned to the caller")
	s.Equal(ftag.Kind(transport.KindInteraction), ftag.Get(err), "failure MUST be tagged with its kind")
	s.False(s.gov.IsReady(), "failed interaction MUST reset the governor")
	s.Contains(err.Error(), "devices")

	s.gov.Update()
	s.True(s.gov.IsReady(), "governor MUST recover on next update")
}

func (s *AdapterGovernorTestSuite) TestExternalPowerChangeNotifies() {
	s.gov.Update()
	s.node.SetPowered(false)

	s.False(s.gov.IsPowered())
	s.True(s.events.Has("powered:false"))

	s.gov.Update()
	s.True(s.node.IsPowered(), "desired state MUST be re-applied")
}

func (s *AdapterGovernorTestSuite) TestAliasControl() {
	s.gov.SetAlias("kitchen")
	s.gov.Update()
	s.Equal("kitchen", s.node.Alias())
	s.Equal("kitchen", s.gov.DisplayName())

	s.node.SetPresent(false)
	s.gov.Update()
	s.node.SetPresent(true)
	s.gov.Update()
	s.Equal("kitchen", s.node.Alias(), "alias MUST survive re-acquisition")
}

func (s *AdapterGovernorTestSuite) TestWhenPowered() {
	// GOAL: callers can await the powered state without polling
	//
	// TEST SCENARIO: submit on unacquired governor → Update → future completes

	f := completion.Submit(s.gov.Completions(), AdapterGovernor(s.gov), AdapterPowered,
		func(g AdapterGovernor) (string, error) { return g.DisplayName(), nil })
	s.False(f.IsDone())

	s.gov.Update()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	name, err := f.Wait(ctx)
	s.NoError(err)
	s.Equal("hci0", name)
}

func (s *AdapterGovernorTestSuite) TestDisposeIsTerminal() {
	s.gov.Update()
	f := completion.Submit(s.gov.Completions(), AdapterGovernor(s.gov), func(AdapterGovernor) bool { return false },
		func(AdapterGovernor) (int, error) { return 1, nil })

	s.gov.Dispose()
	s.Equal(StateDisposed, s.gov.State())
	s.True(f.IsCancelled(), "dispose MUST cancel pending completions")
	s.Equal(0, s.node.Handles())
	s.Equal([]string{"ready:true", "powered:true", "discovering:true", "ready:false"}, s.events.Events())

	s.gov.Dispose()
	s.gov.Update()
	s.Equal(StateDisposed, s.gov.State(), "disposed governor MUST NOT re-acquire")
	s.Len(s.events.Events(), 4, "listeners MUST be cleared by dispose")
}

func (s *AdapterGovernorTestSuite) TestListenerPanicIsContained() {
	s.gov.RemoveGovernorListener(s.events)
	s.gov.AddGovernorListener(panicker{})
	s.gov.AddGovernorListener(s.events)

	s.NotPanics(func() { s.gov.Update() })
	s.True(s.gov.IsReady())
	s.True(s.events.Has("ready:true"), "listeners after a failing one MUST still be notified")
}

func (s *AdapterGovernorTestSuite) TestSignalPropagationExponent() {
	s.Equal(4.0, s.gov.SignalPropagationExponent())
	s.gov.SetSignalPropagationExponent(2.5)
	s.Equal(2.5, s.gov.SignalPropagationExponent())
}

func TestAdapterGovernorTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterGovernorTestSuite))
}
