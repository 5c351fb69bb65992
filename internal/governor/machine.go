package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/transport"
)

// Strategy supplies the kind-specific behaviour of a Machine.
type Strategy[H transport.Object] struct {
	// Acquire looks up a native handle; false when the object is not visible.
	Acquire func() (H, bool)
	// Init prepares a freshly acquired handle (subscriptions, initial state). It runs
	// before the governor reports ready.
	Init func(h H) error
	// Reconcile drives the actual state toward the desired state.
	Reconcile func(h H) error
	// Reset undoes Init on a handle about to be disposed. Best effort.
	Reset func(h H)

	// Housekeeping runs after every update pass, with or without a handle.
	Housekeeping func()
	// Signal is called after every observable transition.
	Signal func()
	// Disposed runs once, after the final reset.
	Disposed func()
}

// Machine is the lifecycle state machine shared by every governor kind:
//
//	unacquired -> acquiring -> ready -> (failure/reset) -> unacquired
//	any -> disposed
//
// Update calls are serialized per machine. Reset never takes the update lock, so a
// child escalating a fatal error to its parent cannot deadlock against the parent's
// own update.
type Machine[H transport.Object] struct {
	url      address.URL
	kind     Kind
	registry Registry
	strategy Strategy[H]
	logger   *logrus.Entry

	updateMu sync.Mutex
	resetMu  sync.Mutex

	handleMu  sync.RWMutex
	handle    H
	hasHandle bool
	lastErr   error

	state        atomic.Int32
	lastActivity atomic.Int64
	disposed     atomic.Bool

	governorListeners Listeners[GovernorListener]
}

// NewMachine creates a machine in the unacquired state.
func NewMachine[H transport.Object](url address.URL, kind Kind, registry Registry, logger *logrus.Logger, strategy Strategy[H]) *Machine[H] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine[H]{
		url:      url,
		kind:     kind,
		registry: registry,
		strategy: strategy,
		logger: logger.WithFields(logrus.Fields{
			"url":  url.String(),
			"kind": string(kind),
		}),
	}
}

func (m *Machine[H]) URL() address.URL {
	return m.url
}

func (m *Machine[H]) Kind() Kind {
	return m.kind
}

func (m *Machine[H]) State() State {
	return State(m.state.Load())
}

func (m *Machine[H]) IsReady() bool {
	return m.State() == StateReady
}

func (m *Machine[H]) LastError() error {
	m.handleMu.RLock()
	defer m.handleMu.RUnlock()
	return m.lastErr
}

func (m *Machine[H]) LastActivity() time.Time {
	if ns := m.lastActivity.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (m *Machine[H]) Logger() *logrus.Entry {
	return m.logger
}

// Handle returns the native handle while the machine is ready.
func (m *Machine[H]) Handle() (H, bool) {
	m.handleMu.RLock()
	defer m.handleMu.RUnlock()
	if !m.hasHandle || m.State() != StateReady {
		var zero H
		return zero, false
	}
	return m.handle, true
}

func (m *Machine[H]) AddGovernorListener(l GovernorListener) {
	m.governorListeners.Add(l)
}

func (m *Machine[H]) RemoveGovernorListener(l GovernorListener) {
	m.governorListeners.Remove(l)
}

// ---- Lifecycle ----

// Update acquires the native handle if needed, then reconciles it. A concurrent caller
// waits for the running pass instead of starting its own.
func (m *Machine[H]) Update() {
	if m.disposed.Load() {
		return
	}
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.update()
	if m.strategy.Housekeeping != nil {
		m.strategy.Housekeeping()
	}
}

func (m *Machine[H]) update() {
	h, ok := m.Handle()
	if !ok {
		if h, ok = m.acquire(); !ok {
			return
		}
	}

	if err := m.strategy.Reconcile(h); err != nil {
		m.fail("update", err)
		return
	}
	m.Touch()
}

func (m *Machine[H]) acquire() (H, bool) {
	var zero H
	if !m.state.CompareAndSwap(int32(StateUnacquired), int32(StateAcquiring)) {
		return zero, false
	}

	h, ok := m.strategy.Acquire()
	if !ok {
		m.state.CompareAndSwap(int32(StateAcquiring), int32(StateUnacquired))
		return zero, false
	}

	if err := m.strategy.Init(h); err != nil {
		m.logger.WithError(err).Warn("Failed to initialize native object, discarding it")
		m.release(h)
		m.handleMu.Lock()
		m.lastErr = err
		m.handleMu.Unlock()
		m.state.CompareAndSwap(int32(StateAcquiring), int32(StateUnacquired))
		m.escalate(err)
		return zero, false
	}

	m.handleMu.Lock()
	if m.disposed.Load() {
		m.handleMu.Unlock()
		m.release(h)
		return zero, false
	}
	m.handle = h
	m.hasHandle = true
	m.lastErr = nil
	m.state.Store(int32(StateReady))
	m.handleMu.Unlock()

	m.logger.Info("Native object acquired")
	m.governorListeners.Each(m.logger, "ready", func(l GovernorListener) { l.Ready(true) })
	m.signal()
	return h, true
}

// Reset disposes the native handle. Idempotent; desired state is kept.
func (m *Machine[H]) Reset() {
	m.resetMu.Lock()
	defer m.resetMu.Unlock()

	m.handleMu.Lock()
	h, had := m.handle, m.hasHandle
	if had {
		m.state.CompareAndSwap(int32(StateReady), int32(StateUnacquired))
	}
	m.handleMu.Unlock()
	if !had {
		return
	}

	m.release(h)
	m.logger.Info("Native object released")
	m.governorListeners.Each(m.logger, "ready", func(l GovernorListener) { l.Ready(false) })

	m.handleMu.Lock()
	var zero H
	m.handle = zero
	m.hasHandle = false
	m.handleMu.Unlock()

	if m.registry != nil {
		m.registry.ResetDescendants(m.url)
	}
	m.signal()
}

// Dispose resets the machine for good and drops every listener. Idempotent.
func (m *Machine[H]) Dispose() {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	m.Reset()
	m.state.Store(int32(StateDisposed))
	m.governorListeners.Clear()
	if m.strategy.Disposed != nil {
		m.strategy.Disposed()
	}
	m.logger.Debug("Governor disposed")
}

// Touch records activity now and notifies listeners.
func (m *Machine[H]) Touch() {
	now := time.Now()
	if m.lastActivity.Swap(now.UnixNano()) == now.UnixNano() {
		return
	}
	m.governorListeners.Each(m.logger, "last-updated", func(l GovernorListener) { l.LastUpdatedChanged(now) })
}

// Fail runs the reset path for err raised by a native call made outside Update,
// e.g. from a notification handler.
func (m *Machine[H]) Fail(op string, err error) {
	m.fail(op, err)
}

func (m *Machine[H]) fail(op string, err error) {
	m.handleMu.Lock()
	m.lastErr = err
	m.handleMu.Unlock()

	entry := m.logger.WithError(err).WithField("op", op)
	if transport.IsFatal(err) {
		entry.Error("Fatal native failure, resetting parent")
	} else {
		entry.Warn("Native interaction failed, resetting")
	}
	m.Reset()
	m.escalate(err)
}

// escalate resets the parent governor on fatal errors.
func (m *Machine[H]) escalate(err error) {
	if !transport.IsFatal(err) || m.registry == nil {
		return
	}
	switch m.kind {
	case KindCharacteristic:
		m.registry.DeviceGovernor(m.url.DeviceURL()).Reset()
	case KindDevice:
		m.registry.AdapterGovernor(m.url.AdapterURL()).Reset()
	}
}

func (m *Machine[H]) release(h H) {
	if m.strategy.Reset != nil {
		m.guard("reset", func() { m.strategy.Reset(h) })
	}
	m.guard("dispose", h.Dispose)
}

// guard runs a best-effort cleanup step; panics are logged.
func (m *Machine[H]) guard(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{"step": step, "panic": r}).Warn("Cleanup step failed")
		}
	}()
	fn()
}

func (m *Machine[H]) signal() {
	if m.strategy.Signal != nil {
		m.strategy.Signal()
	}
}

// Interact runs fn against the native handle. When not ready it makes one synchronous
// Update attempt first and fails with a not-ready error if that does not help. A failing
// fn resets the machine and its error is returned.
func Interact[H transport.Object, R any](m *Machine[H], name string, fn func(h H) (R, error)) (R, error) {
	var zero R
	h, ok := m.Handle()
	if !ok {
		m.Update()
		if h, ok = m.Handle(); !ok {
			return zero, &transport.Error{
				Kind: transport.KindNotReady,
				URL:  m.url.String(),
				Msg:  name + ": " + string(m.kind) + " is not ready",
				Err:  m.LastError(),
			}
		}
	}

	r, err := fn(h)
	if err != nil {
		m.fail(name, err)
		return zero, fault.Wrap(err,
			fctx.With(context.Background(), "url", m.url.String(), "op", name),
			ftag.With(ftag.Kind(transport.KindOf(err))),
			fmsg.With(name+" failed"),
		)
	}
	return r, nil
}

// Run is Interact for calls without a result.
func Run[H transport.Object](m *Machine[H], name string, fn func(h H) error) error {
	_, err := Interact(m, name, func(h H) (struct{}, error) {
		return struct{}{}, fn(h)
	})
	return err
}
