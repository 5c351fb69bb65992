package combined

import (
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/bitmap"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/transport"
)

// adapterMember wraps one physical adapter governor and listens to it.
type adapterMember struct {
	index    int
	parent   *Adapter
	gov      governor.AdapterGovernor
	detached atomic.Bool
}

func (m *adapterMember) slot() int { return m.index }

func (m *adapterMember) Ready(ready bool) {
	if m.detached.Load() {
		return
	}
	m.parent.ready.Cumulative(m.index, ready, m.parent.readyChanged, nil)
	if ready {
		m.parent.initUnsafe(m)
	} else {
		m.parent.powered.Cumulative(m.index, false, m.parent.poweredChanged, nil)
		m.parent.discovering.Cumulative(m.index, false, m.parent.discoveringChanged, nil)
	}
}

func (m *adapterMember) LastUpdatedChanged(t time.Time) {
	m.parent.touch(t)
}

func (m *adapterMember) Powered(powered bool) {
	if m.detached.Load() {
		return
	}
	m.parent.powered.Cumulative(m.index, powered, m.parent.poweredChanged, nil)
}

func (m *adapterMember) Discovering(discovering bool) {
	if m.detached.Load() {
		return
	}
	m.parent.discovering.Cumulative(m.index, discovering, m.parent.discoveringChanged, nil)
}

// Adapter is the combined adapter: one logical adapter backed by every physical one.
type Adapter struct {
	url      address.URL
	registry Registry
	logger   *logrus.Entry

	members *delegates[adapterMember, *adapterMember]

	ready       bitmap.ConcurrentBitMap
	powered     bitmap.ConcurrentBitMap
	discovering bitmap.ConcurrentBitMap

	poweredControl     atomic.Bool
	discoveringControl atomic.Bool
	exponent           atomic.Uint64
	desiredAlias       atomic.Pointer[string]
	lastActivity       activity
	disposed           atomic.Bool

	completions       *completion.Service[governor.AdapterGovernor]
	governorListeners governor.Listeners[governor.GovernorListener]
	adapterListeners  governor.Listeners[governor.AdapterListener]
}

var (
	_ governor.AdapterGovernor          = (*Adapter)(nil)
	_ governor.AdapterDiscoveryListener = (*Adapter)(nil)
)

// NewAdapter creates the combined adapter governor (only the combined address space is
// significant in url) and registers every adapter discovered so far.
func NewAdapter(url address.URL, registry Registry, defaults governor.Defaults, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	url = url.AdapterURL().Combined()
	a := &Adapter{
		url:         url,
		registry:    registry,
		logger:      logger.WithFields(logrus.Fields{"url": url.String(), "kind": "combined-adapter"}),
		members:     newDelegates[adapterMember](),
		completions: completion.NewService[governor.AdapterGovernor](logger, url.String()),
	}
	a.poweredControl.Store(defaults.PoweredControl)
	a.discoveringControl.Store(defaults.DiscoveringControl)
	a.exponent.Store(math.Float64bits(defaults.SignalPropagationExponent))

	registry.AddAdapterDiscoveryListener(a)
	for _, d := range registry.DiscoveredAdapters() {
		a.AdapterDiscovered(d)
	}
	return a
}

func (a *Adapter) Completions() *completion.Service[governor.AdapterGovernor] {
	return a.completions
}

// ---- Delegates ----

func (a *Adapter) AdapterDiscovered(d transport.DiscoveredAdapter) {
	if d.URL.IsCombined() || a.disposed.Load() {
		return
	}
	if _, err := a.register(d.URL); err != nil {
		a.logger.WithError(err).Error("Failed to register adapter delegate")
	}
}

// AdapterLost keeps the delegate: its governor outlives discovery gaps.
func (a *Adapter) AdapterLost(transport.DiscoveredAdapter) {}

func (a *Adapter) register(url address.URL) (governor.AdapterGovernor, error) {
	m, created, err := a.members.register(url.AdapterURL(), func(index int) *adapterMember {
		return &adapterMember{index: index, parent: a, gov: a.registry.AdapterGovernor(url.AdapterURL())}
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return m.gov, nil
	}
	a.logger.WithFields(logrus.Fields{"delegate": url.String(), "index": m.index}).Info("Adapter delegate registered")

	// safe: desired state and known status
	m.gov.SetPoweredControl(a.PoweredControl())
	m.gov.SetDiscoveringControl(a.DiscoveringControl())
	m.gov.SetSignalPropagationExponent(a.SignalPropagationExponent())
	if alias := a.desiredAlias.Load(); alias != nil {
		m.gov.SetAlias(*alias)
	}
	a.touch(m.gov.LastActivity())
	m.gov.AddGovernorListener(m)
	m.gov.AddAdapterListener(m)

	if m.gov.IsReady() {
		m.Ready(true)
	}
	return m.gov, nil
}

// initUnsafe reads the state of a delegate that just became ready. A delegate that
// drops out meanwhile is picked up again on its next ready notification.
func (a *Adapter) initUnsafe(m *adapterMember) {
	a.powered.Cumulative(m.index, m.gov.IsPowered(), a.poweredChanged, nil)
	a.discovering.Cumulative(m.index, m.gov.IsDiscovering(), a.discoveringChanged, nil)
}

// RemoveDelegate detaches the physical adapter at url, e.g. when its governor is disposed.
func (a *Adapter) RemoveDelegate(url address.URL) bool {
	m, ok := a.members.remove(url.AdapterURL())
	if !ok {
		return false
	}
	a.detach(m)
	a.members.release(m.index)
	a.logger.WithField("delegate", url.String()).Info("Adapter delegate removed")
	return true
}

func (a *Adapter) detach(m *adapterMember) {
	m.detached.Store(true)
	m.gov.RemoveGovernorListener(m)
	m.gov.RemoveAdapterListener(m)
	a.powered.Cumulative(m.index, false, a.poweredChanged, nil)
	a.discovering.Cumulative(m.index, false, a.discoveringChanged, nil)
	a.ready.Cumulative(m.index, false, a.readyChanged, nil)
}

// Delegates returns the URLs of the registered physical adapters.
func (a *Adapter) Delegates() []address.URL {
	var out []address.URL
	a.members.each(func(m *adapterMember) { out = append(out, m.gov.URL()) })
	return out
}

// ---- Aggregates ----

func (a *Adapter) readyChanged(ready bool) {
	a.logger.WithField("ready", ready).Info("Combined adapter readiness changed")
	a.governorListeners.Each(a.logger, "ready", func(l governor.GovernorListener) { l.Ready(ready) })
	a.completions.CompleteSilently(a)
}

func (a *Adapter) poweredChanged(powered bool) {
	a.logger.WithField("powered", powered).Debug("Combined adapter power state changed")
	a.adapterListeners.Each(a.logger, "powered", func(l governor.AdapterListener) { l.Powered(powered) })
	a.completions.CompleteSilently(a)
}

func (a *Adapter) discoveringChanged(discovering bool) {
	a.adapterListeners.Each(a.logger, "discovering", func(l governor.AdapterListener) { l.Discovering(discovering) })
	a.completions.CompleteSilently(a)
}

func (a *Adapter) touch(t time.Time) {
	if a.lastActivity.advance(t) {
		a.governorListeners.Each(a.logger, "last-updated", func(l governor.GovernorListener) { l.LastUpdatedChanged(t) })
	}
}

// ---- Governor ----

func (a *Adapter) URL() address.URL {
	return a.url
}

func (a *Adapter) Kind() governor.Kind {
	return governor.KindAdapter
}

func (a *Adapter) State() governor.State {
	return state(&a.disposed, &a.ready)
}

func (a *Adapter) IsReady() bool {
	return a.ready.Get()
}

// LastError returns the error of the first delegate that is not ready.
func (a *Adapter) LastError() error {
	for _, m := range a.members.list() {
		if err := m.gov.LastError(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) LastActivity() time.Time {
	return a.lastActivity.get()
}

// Update registers adapters that discovery reported but that are not delegates yet.
// The delegates themselves are updated by their own schedules.
func (a *Adapter) Update() {
	if a.disposed.Load() {
		return
	}
	for _, d := range a.registry.DiscoveredAdapters() {
		a.AdapterDiscovered(d)
	}
	a.completions.CompleteSilently(a)
}

// Reset resets every delegate.
func (a *Adapter) Reset() {
	a.members.each(func(m *adapterMember) { m.gov.Reset() })
}

// Dispose detaches from discovery and every delegate. Delegates stay alive in the registry.
func (a *Adapter) Dispose() {
	if !a.disposed.CompareAndSwap(false, true) {
		return
	}
	a.registry.RemoveAdapterDiscoveryListener(a)
	a.members.each(a.detach)
	a.completions.Clear()
	a.governorListeners.Clear()
	a.adapterListeners.Clear()
	a.logger.Debug("Governor disposed")
}

func (a *Adapter) AddGovernorListener(l governor.GovernorListener) {
	a.governorListeners.Add(l)
}

func (a *Adapter) RemoveGovernorListener(l governor.GovernorListener) {
	a.governorListeners.Remove(l)
}

// ---- AdapterGovernor ----

func (a *Adapter) firstReady() (governor.AdapterGovernor, bool) {
	for _, m := range a.members.list() {
		if m.gov.IsReady() {
			return m.gov, true
		}
	}
	return nil, false
}

// Name returns the name of the first ready delegate.
func (a *Adapter) Name() (string, error) {
	if g, ok := a.firstReady(); ok {
		return g.Name()
	}
	return "", notReady(a.url, "name")
}

func (a *Adapter) Alias() (string, error) {
	if alias := a.desiredAlias.Load(); alias != nil {
		return *alias, nil
	}
	if g, ok := a.firstReady(); ok {
		return g.Alias()
	}
	return "", notReady(a.url, "alias")
}

func (a *Adapter) SetAlias(alias string) {
	a.desiredAlias.Store(&alias)
	a.members.each(func(m *adapterMember) { m.gov.SetAlias(alias) })
}

func (a *Adapter) DisplayName() string {
	if alias := a.desiredAlias.Load(); alias != nil && *alias != "" {
		return *alias
	}
	return "Combined adapter"
}

func (a *Adapter) PoweredControl() bool {
	return a.poweredControl.Load()
}

func (a *Adapter) SetPoweredControl(powered bool) {
	a.poweredControl.Store(powered)
	a.members.each(func(m *adapterMember) { m.gov.SetPoweredControl(powered) })
}

func (a *Adapter) IsPowered() bool {
	return a.powered.Get()
}

func (a *Adapter) DiscoveringControl() bool {
	return a.discoveringControl.Load()
}

func (a *Adapter) SetDiscoveringControl(discovering bool) {
	a.discoveringControl.Store(discovering)
	a.members.each(func(m *adapterMember) { m.gov.SetDiscoveringControl(discovering) })
}

func (a *Adapter) IsDiscovering() bool {
	return a.discovering.Get()
}

func (a *Adapter) SignalPropagationExponent() float64 {
	return math.Float64frombits(a.exponent.Load())
}

func (a *Adapter) SetSignalPropagationExponent(n float64) {
	a.exponent.Store(math.Float64bits(n))
	a.members.each(func(m *adapterMember) { m.gov.SetSignalPropagationExponent(n) })
}

// Devices returns the combined URLs of the devices known to any ready delegate.
func (a *Adapter) Devices() ([]address.URL, error) {
	seen := map[address.URL]bool{}
	var out []address.URL
	var lastErr error
	for _, m := range a.members.list() {
		if !m.gov.IsReady() {
			continue
		}
		urls, err := m.gov.Devices()
		if err != nil {
			lastErr = err
			continue
		}
		for _, u := range urls {
			c := u.Combined()
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	if out == nil && lastErr != nil {
		return nil, lastErr
	}
	slices.SortFunc(out, address.Compare)
	return out, nil
}

func (a *Adapter) AddAdapterListener(l governor.AdapterListener) {
	a.adapterListeners.Add(l)
}

func (a *Adapter) RemoveAdapterListener(l governor.AdapterListener) {
	a.adapterListeners.Remove(l)
}
