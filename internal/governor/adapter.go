package governor

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/transport"
)

// Adapter governs a physical adapter.
type Adapter struct {
	*Machine[transport.Adapter]

	completions *completion.Service[AdapterGovernor]
	listeners   Listeners[AdapterListener]

	poweredControl     atomic.Bool
	discoveringControl atomic.Bool
	desiredAlias       atomic.Pointer[string]
	aliasAbsent        atomic.Bool
	exponent           atomic.Uint64

	powered     atomic.Bool
	discovering atomic.Bool
	name        atomic.Pointer[string]
	alias       atomic.Pointer[string]
}

var _ AdapterGovernor = (*Adapter)(nil)

// NewAdapter creates the governor of a physical adapter.
func NewAdapter(url address.URL, registry Registry, defaults Defaults, logger *logrus.Logger) *Adapter {
	a := &Adapter{
		completions: completion.NewService[AdapterGovernor](logger, url.String()),
	}
	a.poweredControl.Store(defaults.PoweredControl)
	a.discoveringControl.Store(defaults.DiscoveringControl)
	a.exponent.Store(math.Float64bits(defaults.SignalPropagationExponent))

	a.Machine = NewMachine(url, KindAdapter, registry, logger, Strategy[transport.Adapter]{
		Acquire: func() (transport.Adapter, bool) {
			return registry.NativeAdapter(url)
		},
		Init:      a.init,
		Reconcile: a.reconcile,
		Reset:     a.reset,
		Signal: func() {
			a.completions.CompleteSilently(a)
		},
		Disposed: func() {
			a.completions.Clear()
			a.listeners.Clear()
		},
	})
	return a
}

func (a *Adapter) Completions() *completion.Service[AdapterGovernor] {
	return a.completions
}

// ---- Strategy ----

func (a *Adapter) init(h transport.Adapter) error {
	if err := subscribe(h, transport.NotifyPowered, func(n transport.Notification) {
		a.Touch()
		a.updatePowered(n.Bool)
	}); err != nil {
		return err
	}
	if err := subscribe(h, transport.NotifyDiscovering, func(n transport.Notification) {
		a.Touch()
		a.updateDiscovering(n.Bool)
	}); err != nil {
		return err
	}

	name, err := h.Name()
	if err != nil {
		return err
	}
	a.name.Store(&name)
	alias, err := h.Alias()
	if err != nil {
		return err
	}
	a.alias.Store(&alias)

	powered, err := h.IsPowered()
	if err != nil {
		return err
	}
	a.updatePowered(powered)
	discovering, err := h.IsDiscovering()
	if err != nil {
		return err
	}
	a.updateDiscovering(discovering)
	return nil
}

func (a *Adapter) reconcile(h transport.Adapter) error {
	powered, err := h.IsPowered()
	if err != nil {
		return err
	}
	control := a.poweredControl.Load()
	if powered != control {
		a.Logger().WithField("powered", control).Info("Changing adapter power state")
		if err := h.SetPowered(control); err != nil {
			return err
		}
		if powered, err = h.IsPowered(); err != nil {
			return err
		}
	}
	a.updatePowered(powered)
	if control && !powered {
		return transport.NotReady(a.URL(), "adapter is not powered")
	}
	if !powered {
		return nil
	}

	discovering, err := h.IsDiscovering()
	if err != nil {
		return err
	}
	if dc := a.discoveringControl.Load(); discovering != dc {
		if dc {
			err = h.StartDiscovery()
		} else {
			err = h.StopDiscovery()
		}
		if err != nil {
			return err
		}
		if discovering, err = h.IsDiscovering(); err != nil {
			return err
		}
	}
	a.updateDiscovering(discovering)

	return a.reconcileAlias(h)
}

func (a *Adapter) reconcileAlias(h transport.Adapter) error {
	desired := a.desiredAlias.Load()
	if desired == nil || a.aliasAbsent.Load() {
		return nil
	}
	current, err := h.Alias()
	if err != nil {
		return err
	}
	if current != *desired {
		if err := h.SetAlias(*desired); err != nil {
			if unsupported(a.Logger(), &a.aliasAbsent, "alias", err) {
				return nil
			}
			return err
		}
		if current, err = h.Alias(); err != nil {
			return err
		}
	}
	a.alias.Store(&current)
	return nil
}

func (a *Adapter) reset(h transport.Adapter) {
	unsubscribe(a.Logger(), h, transport.NotifyPowered, transport.NotifyDiscovering)
	a.powered.Store(false)
	a.discovering.Store(false)
}

// ---- State ----

func (a *Adapter) updatePowered(powered bool) {
	if a.powered.Swap(powered) == powered {
		return
	}
	a.Logger().WithField("powered", powered).Info("Adapter power state changed")
	a.listeners.Each(a.Logger(), "powered", func(l AdapterListener) { l.Powered(powered) })
	a.signalIfReady()
}

func (a *Adapter) updateDiscovering(discovering bool) {
	if a.discovering.Swap(discovering) == discovering {
		return
	}
	a.Logger().WithField("discovering", discovering).Debug("Adapter discovery state changed")
	a.listeners.Each(a.Logger(), "discovering", func(l AdapterListener) { l.Discovering(discovering) })
	a.signalIfReady()
}

func (a *Adapter) signalIfReady() {
	if a.IsReady() {
		a.completions.CompleteSilently(a)
	}
}

func (a *Adapter) Name() (string, error) {
	name, err := Interact(a.Machine, "name", func(h transport.Adapter) (string, error) {
		return h.Name()
	})
	if err == nil {
		a.name.Store(&name)
	}
	return name, err
}

func (a *Adapter) Alias() (string, error) {
	alias, err := Interact(a.Machine, "alias", func(h transport.Adapter) (string, error) {
		return h.Alias()
	})
	if err == nil {
		a.alias.Store(&alias)
	}
	return alias, err
}

func (a *Adapter) SetAlias(alias string) {
	a.desiredAlias.Store(&alias)
	a.aliasAbsent.Store(false)
}

// DisplayName prefers the alias, then the name, then the adapter address.
func (a *Adapter) DisplayName() string {
	return displayName(a.alias.Load(), a.name.Load(), a.URL().Adapter)
}

func (a *Adapter) PoweredControl() bool {
	return a.poweredControl.Load()
}

func (a *Adapter) SetPoweredControl(powered bool) {
	a.poweredControl.Store(powered)
}

func (a *Adapter) IsPowered() bool {
	return a.IsReady() && a.powered.Load()
}

func (a *Adapter) DiscoveringControl() bool {
	return a.discoveringControl.Load()
}

func (a *Adapter) SetDiscoveringControl(discovering bool) {
	a.discoveringControl.Store(discovering)
}

func (a *Adapter) IsDiscovering() bool {
	return a.IsReady() && a.discovering.Load()
}

func (a *Adapter) SignalPropagationExponent() float64 {
	return math.Float64frombits(a.exponent.Load())
}

func (a *Adapter) SetSignalPropagationExponent(n float64) {
	a.exponent.Store(math.Float64bits(n))
}

func (a *Adapter) Devices() ([]address.URL, error) {
	return Interact(a.Machine, "devices", func(h transport.Adapter) ([]address.URL, error) {
		return h.Devices()
	})
}

func (a *Adapter) AddAdapterListener(l AdapterListener) {
	a.listeners.Add(l)
}

func (a *Adapter) RemoveAdapterListener(l AdapterListener) {
	a.listeners.Remove(l)
}

// ---- helpers shared by the governor kinds ----

// subscribe enables a notification stream; streams the binding does not support are skipped.
func subscribe(n transport.Notifier, kind transport.NotificationKind, fn func(transport.Notification)) error {
	err := n.Subscribe(kind, fn)
	if errors.Is(err, transport.ErrUnsupported) {
		return nil
	}
	return err
}

// unsupported reports whether err says the binding lacks a control. The control is
// marked absent and the first such error is logged.
func unsupported(logger *logrus.Entry, absent *atomic.Bool, control string, err error) bool {
	if !errors.Is(err, transport.ErrUnsupported) {
		return false
	}
	if !absent.Swap(true) {
		logger.WithError(err).WithField("control", control).Warn("Control is not supported by the binding, leaving it as is")
	}
	return true
}

// unsubscribe disables notification streams, logging failures.
func unsubscribe(logger *logrus.Entry, n transport.Notifier, kinds ...transport.NotificationKind) {
	for _, k := range kinds {
		if err := n.Unsubscribe(k); err != nil && !errors.Is(err, transport.ErrUnsupported) {
			logger.WithError(err).WithField("notification", k.String()).Debug("Failed to unsubscribe")
		}
	}
}

func displayName(alias, name *string, fallback string) string {
	if alias != nil && *alias != "" {
		return *alias
	}
	if name != nil && *name != "" {
		return *name
	}
	return fallback
}
