package governor

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/groutine"
	"github.com/srg/blegov/internal/transport"
)

// Characteristic governs a GATT characteristic. Value notifications are enabled only
// while value listeners are registered and the characteristic supports them.
type Characteristic struct {
	*Machine[transport.Characteristic]

	completions *completion.Service[CharacteristicGovernor]
	values      Listeners[ValueListener]

	flags      atomic.Pointer[[]transport.Flag]
	subscribed atomic.Bool
	notifying  atomic.Bool
}

var _ CharacteristicGovernor = (*Characteristic)(nil)

// NewCharacteristic creates the governor of a physical characteristic.
func NewCharacteristic(url address.URL, registry Registry, logger *logrus.Logger) *Characteristic {
	c := &Characteristic{
		completions: completion.NewService[CharacteristicGovernor](logger, url.String()),
	}
	c.Machine = NewMachine(url, KindCharacteristic, registry, logger, Strategy[transport.Characteristic]{
		Acquire: func() (transport.Characteristic, bool) {
			return registry.NativeCharacteristic(url)
		},
		Init:      c.init,
		Reconcile: c.reconcile,
		Reset:     c.reset,
		Signal: func() {
			c.completions.CompleteSilently(c)
		},
		Disposed: func() {
			c.completions.Clear()
			c.values.Clear()
		},
	})
	return c
}

func (c *Characteristic) Completions() *completion.Service[CharacteristicGovernor] {
	return c.completions
}

// ---- Strategy ----

func (c *Characteristic) init(h transport.Characteristic) error {
	flags, err := h.Flags()
	if err != nil {
		return err
	}
	c.flags.Store(&flags)
	return c.reconcileNotifications(h)
}

func (c *Characteristic) reconcile(h transport.Characteristic) error {
	return c.reconcileNotifications(h)
}

func (c *Characteristic) reconcileNotifications(h transport.Characteristic) error {
	want := c.values.Len() > 0 && c.IsNotifiable()
	if want != c.subscribed.Load() {
		if want {
			if err := h.Subscribe(transport.NotifyValue, c.onValue); err != nil {
				return err
			}
			c.Logger().Debug("Value notifications enabled")
		} else {
			if err := h.Unsubscribe(transport.NotifyValue); err != nil {
				return err
			}
			c.Logger().Debug("Value notifications disabled")
		}
		c.subscribed.Store(want)
	}

	notifying, err := h.IsNotifying()
	if err != nil {
		return err
	}
	c.notifying.Store(notifying)
	return nil
}

func (c *Characteristic) reset(h transport.Characteristic) {
	if c.subscribed.Swap(false) {
		unsubscribe(c.Logger(), h, transport.NotifyValue)
	}
	c.notifying.Store(false)
}

func (c *Characteristic) onValue(n transport.Notification) {
	c.Touch()
	value := slices.Clone(n.Value)
	c.values.Each(c.Logger(), "value", func(l ValueListener) { l.Changed(value) })
}

// ---- Accessors ----

func (c *Characteristic) Flags() ([]transport.Flag, error) {
	if p := c.flags.Load(); p != nil {
		return slices.Clone(*p), nil
	}
	return Interact(c.Machine, "flags", func(h transport.Characteristic) ([]transport.Flag, error) {
		flags, err := h.Flags()
		if err == nil {
			c.flags.Store(&flags)
		}
		return flags, err
	})
}

func (c *Characteristic) cachedFlags() []transport.Flag {
	if p := c.flags.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Characteristic) IsReadable() bool {
	return transport.IsReadable(c.cachedFlags())
}

func (c *Characteristic) IsWritable() bool {
	return transport.IsWritable(c.cachedFlags())
}

func (c *Characteristic) IsNotifiable() bool {
	return transport.IsNotifiable(c.cachedFlags())
}

func (c *Characteristic) IsNotifying() bool {
	return c.IsReady() && c.notifying.Load()
}

func (c *Characteristic) Read() ([]byte, error) {
	return Interact(c.Machine, "read", func(h transport.Characteristic) ([]byte, error) {
		v, err := h.Read()
		if err == nil {
			c.Touch()
		}
		return v, err
	})
}

func (c *Characteristic) Write(data []byte) error {
	return Run(c.Machine, "write", func(h transport.Characteristic) error {
		if err := h.Write(data); err != nil {
			return err
		}
		c.Touch()
		return nil
	})
}

// AddValueListener registers l; the first listener enables notifications.
func (c *Characteristic) AddValueListener(l ValueListener) {
	if c.values.Add(l) && c.values.Len() == 1 {
		c.refresh()
	}
}

// RemoveValueListener unregisters l; removing the last listener disables notifications.
func (c *Characteristic) RemoveValueListener(l ValueListener) {
	if c.values.Remove(l) && c.values.Len() == 0 {
		c.refresh()
	}
}

// refresh applies a listener change without blocking the caller on the update lock.
func (c *Characteristic) refresh() {
	if !c.IsReady() {
		return
	}
	groutine.Go(context.Background(), "characteristic-refresh", func(context.Context) {
		c.Update()
	})
}
