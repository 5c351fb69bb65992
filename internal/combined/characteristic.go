package combined

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/completion"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/transport"
)

// servicesOwner is implemented by combined devices.
type servicesOwner interface {
	ServicesOwner() (address.URL, bool)
}

// binding is the physical characteristic a combined characteristic currently follows.
type binding struct {
	url address.URL
	gov governor.CharacteristicGovernor
}

// bindingListener forwards the events of the bound characteristic.
type bindingListener struct {
	c *Characteristic
}

func (l *bindingListener) Ready(bool) {
	l.c.refreshReady()
}

func (l *bindingListener) LastUpdatedChanged(t time.Time) {
	if l.c.lastActivity.advance(t) {
		l.c.governorListeners.Each(l.c.logger, "last-updated", func(g governor.GovernorListener) { g.LastUpdatedChanged(t) })
	}
}

func (l *bindingListener) Changed(value []byte) {
	l.c.values.Each(l.c.logger, "value", func(v governor.ValueListener) { v.Changed(value) })
}

// Characteristic is the combined characteristic. It binds to the characteristic of
// whichever physical device currently owns the combined device's resolved services, and
// moves its value listeners along when the owner changes.
type Characteristic struct {
	url      address.URL
	registry Registry
	logger   *logrus.Entry
	proxy    *bindingListener

	mu    sync.Mutex
	bound atomic.Pointer[binding]

	ready        atomic.Bool
	lastActivity activity
	disposed     atomic.Bool

	completions       *completion.Service[governor.CharacteristicGovernor]
	governorListeners governor.Listeners[governor.GovernorListener]
	values            governor.Listeners[governor.ValueListener]
}

var _ governor.CharacteristicGovernor = (*Characteristic)(nil)

// NewCharacteristic creates the combined characteristic governor at url.
func NewCharacteristic(url address.URL, registry Registry, logger *logrus.Logger) *Characteristic {
	if logger == nil {
		logger = logrus.New()
	}
	url = url.Combined()
	c := &Characteristic{
		url:         url,
		registry:    registry,
		logger:      logger.WithFields(logrus.Fields{"url": url.String(), "kind": "combined-characteristic"}),
		completions: completion.NewService[governor.CharacteristicGovernor](logger, url.String()),
	}
	c.proxy = &bindingListener{c: c}
	return c
}

func (c *Characteristic) Completions() *completion.Service[governor.CharacteristicGovernor] {
	return c.completions
}

// Bound returns the physical characteristic currently followed.
func (c *Characteristic) Bound() (address.URL, bool) {
	if b := c.bound.Load(); b != nil {
		return b.url, true
	}
	return address.URL{}, false
}

// rebind follows the current services owner of the combined device.
func (c *Characteristic) rebind() *binding {
	var target address.URL
	if owner, ok := c.registry.DeviceGovernor(c.url.DeviceURL()).(servicesOwner); ok {
		if dev, ok := owner.ServicesOwner(); ok {
			target = dev.WithService(c.url.Service).WithCharacteristic(c.url.Characteristic)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.bound.Load()
	if cur != nil && cur.url == target {
		return cur
	}
	if cur != nil {
		c.unbind(cur)
	}
	if target.IsZero() {
		return nil
	}

	next := &binding{url: target, gov: c.registry.CharacteristicGovernor(target)}
	c.bound.Store(next)
	next.gov.AddGovernorListener(c.proxy)
	if c.values.Len() > 0 {
		next.gov.AddValueListener(c.proxy)
	}
	c.logger.WithField("bound", target.String()).Info("Combined characteristic bound")
	return next
}

func (c *Characteristic) unbind(b *binding) {
	b.gov.RemoveGovernorListener(c.proxy)
	b.gov.RemoveValueListener(c.proxy)
	c.bound.CompareAndSwap(b, nil)
	c.logger.WithField("bound", b.url.String()).Debug("Combined characteristic unbound")
}

func (c *Characteristic) refreshReady() {
	ready := false
	if b := c.bound.Load(); b != nil {
		ready = b.gov.IsReady()
	}
	if c.ready.Swap(ready) == ready {
		return
	}
	c.governorListeners.Each(c.logger, "ready", func(l governor.GovernorListener) { l.Ready(ready) })
	c.completions.CompleteSilently(c)
}

// ---- Governor ----

func (c *Characteristic) URL() address.URL {
	return c.url
}

func (c *Characteristic) Kind() governor.Kind {
	return governor.KindCharacteristic
}

func (c *Characteristic) State() governor.State {
	switch {
	case c.disposed.Load():
		return governor.StateDisposed
	case c.IsReady():
		return governor.StateReady
	default:
		return governor.StateUnacquired
	}
}

func (c *Characteristic) IsReady() bool {
	b := c.bound.Load()
	return b != nil && b.gov.IsReady()
}

func (c *Characteristic) LastError() error {
	if b := c.bound.Load(); b != nil {
		return b.gov.LastError()
	}
	return nil
}

func (c *Characteristic) LastActivity() time.Time {
	return c.lastActivity.get()
}

// Update rebinds to the current services owner and updates the bound characteristic.
func (c *Characteristic) Update() {
	if c.disposed.Load() {
		return
	}
	if b := c.rebind(); b != nil {
		b.gov.Update()
	}
	c.refreshReady()
}

// Reset drops the binding; the next Update binds again.
func (c *Characteristic) Reset() {
	c.mu.Lock()
	if b := c.bound.Load(); b != nil {
		c.unbind(b)
	}
	c.mu.Unlock()
	c.refreshReady()
}

func (c *Characteristic) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	c.Reset()
	c.completions.Clear()
	c.governorListeners.Clear()
	c.values.Clear()
	c.logger.Debug("Governor disposed")
}

func (c *Characteristic) AddGovernorListener(l governor.GovernorListener) {
	c.governorListeners.Add(l)
}

func (c *Characteristic) RemoveGovernorListener(l governor.GovernorListener) {
	c.governorListeners.Remove(l)
}

// ---- CharacteristicGovernor ----

// current returns the bound characteristic, trying one Update when there is none.
func (c *Characteristic) current(op string) (governor.CharacteristicGovernor, error) {
	b := c.bound.Load()
	if b == nil {
		c.Update()
		if b = c.bound.Load(); b == nil {
			return nil, transport.NotReady(c.url, "%s: services of the combined device are not resolved", op)
		}
	}
	return b.gov, nil
}

func (c *Characteristic) Flags() ([]transport.Flag, error) {
	g, err := c.current("flags")
	if err != nil {
		return nil, err
	}
	return g.Flags()
}

func (c *Characteristic) IsReadable() bool {
	b := c.bound.Load()
	return b != nil && b.gov.IsReadable()
}

func (c *Characteristic) IsWritable() bool {
	b := c.bound.Load()
	return b != nil && b.gov.IsWritable()
}

func (c *Characteristic) IsNotifiable() bool {
	b := c.bound.Load()
	return b != nil && b.gov.IsNotifiable()
}

func (c *Characteristic) IsNotifying() bool {
	b := c.bound.Load()
	return b != nil && b.gov.IsNotifying()
}

func (c *Characteristic) Read() ([]byte, error) {
	g, err := c.current("read")
	if err != nil {
		return nil, err
	}
	return g.Read()
}

func (c *Characteristic) Write(data []byte) error {
	g, err := c.current("write")
	if err != nil {
		return err
	}
	return g.Write(data)
}

// AddValueListener registers l; values of whichever physical characteristic is bound
// are forwarded to it.
func (c *Characteristic) AddValueListener(l governor.ValueListener) {
	if c.values.Add(l) && c.values.Len() == 1 {
		c.mu.Lock()
		if b := c.bound.Load(); b != nil {
			b.gov.AddValueListener(c.proxy)
		}
		c.mu.Unlock()
	}
}

func (c *Characteristic) RemoveValueListener(l governor.ValueListener) {
	if c.values.Remove(l) && c.values.Len() == 0 {
		c.mu.Lock()
		if b := c.bound.Load(); b != nil {
			b.gov.RemoveValueListener(c.proxy)
		}
		c.mu.Unlock()
	}
}
