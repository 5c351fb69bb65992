// Package combined implements governors for logical Bluetooth objects that span every
// transport and adapter.
//
// A combined governor lives under the sentinel adapter address (see
// address.CombinedAddress). It registers the physical governors of the same object as
// delegates when discovery reports them, forwards its desired state to every delegate
// and folds their events back into one logical state:
//
//   - ready, online, powered, discovering and blocked are "any delegate" aggregates;
//   - connected and services-resolved have a single authoritative delegate at a time.
//
// A combined device additionally tracks which physical adapter is nearest to the device
// and routes the connection control to it (or to a pinned adapter).
package combined

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/srg/blegov/internal/address"
	"github.com/srg/blegov/internal/bitmap"
	"github.com/srg/blegov/internal/governor"
	"github.com/srg/blegov/internal/transport"
)

// Capacity is the maximum number of delegates a combined governor holds at once.
// The slot of a removed delegate is reused only after its state bits are cleared.
const Capacity = bitmap.Capacity

// ErrTooManyDelegates is returned when a combined governor runs out of delegate slots.
var ErrTooManyDelegates = errors.New("combined: delegate capacity exhausted")

// Registry is what combined governors need from their owner: the physical governors
// and the discovery feed.
type Registry interface {
	governor.Registry

	DiscoveredAdapters() []transport.DiscoveredAdapter
	DiscoveredDevices() []transport.DiscoveredDevice

	AddAdapterDiscoveryListener(l governor.AdapterDiscoveryListener)
	RemoveAdapterDiscoveryListener(l governor.AdapterDiscoveryListener)
	AddDeviceDiscoveryListener(l governor.DeviceDiscoveryListener)
	RemoveDeviceDiscoveryListener(l governor.DeviceDiscoveryListener)
}

// ConnectionStrategy selects the physical delegate a combined device connects through.
type ConnectionStrategy string

const (
	// NearestAdapter connects through the adapter with the smallest estimated distance.
	NearestAdapter ConnectionStrategy = "nearest"
	// PreferredAdapter connects through a user-pinned adapter only.
	PreferredAdapter ConnectionStrategy = "preferred"
)

// ParseConnectionStrategy parses "nearest" or "preferred".
func ParseConnectionStrategy(s string) (ConnectionStrategy, error) {
	switch ConnectionStrategy(s) {
	case NearestAdapter, PreferredAdapter:
		return ConnectionStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown connection strategy %q (want %q or %q)", s, NearestAdapter, PreferredAdapter)
	}
}

// ---- Delegates ----

// delegates maps delegate URLs to members with a stable slot index.
// Registration is insert-if-absent on a concurrent map. A slot returns to the free list
// through release, never through remove alone.
type delegates[T any, M interface {
	*T
	slot() int
}] struct {
	byURL *hashmap.Map[string, *T]
	slots [Capacity]atomic.Pointer[T]
	next  atomic.Int32

	mu   sync.Mutex
	free []int
}

func newDelegates[T any, M interface {
	*T
	slot() int
}]() *delegates[T, M] {
	return &delegates[T, M]{byURL: hashmap.New[string, *T]()}
}

// register returns the member of url, building it with a fresh slot when absent.
// created reports whether this call inserted it.
func (d *delegates[T, M]) register(url address.URL, build func(index int) *T) (member *T, created bool, err error) {
	key := url.String()
	if m, ok := d.byURL.Get(key); ok {
		return m, false, nil
	}
	index, ok := d.take()
	if !ok {
		return nil, false, fmt.Errorf("%w: cannot register %s", ErrTooManyDelegates, key)
	}
	m := build(index)
	if actual, loaded := d.byURL.GetOrInsert(key, m); loaded {
		d.release(index)
		return actual, false, nil
	}
	d.slots[index].Store(m)
	return m, true, nil
}

// take hands out a released slot, else the next unused one.
func (d *delegates[T, M]) take() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.free); n > 0 {
		index := d.free[n-1]
		d.free = d.free[:n-1]
		return index, true
	}
	if int(d.next.Load()) >= Capacity {
		return 0, false
	}
	return int(d.next.Add(1)) - 1, true
}

// release makes index available to later registrations. The caller must have
// removed the member of index and cleared every bit it held.
func (d *delegates[T, M]) release(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free = append(d.free, index)
}

func (d *delegates[T, M]) get(url address.URL) (*T, bool) {
	return d.byURL.Get(url.String())
}

// at returns the member holding slot index, nil if none.
func (d *delegates[T, M]) at(index int) *T {
	if index < 0 || index >= Capacity {
		return nil
	}
	return d.slots[index].Load()
}

// remove drops url from the map and empties its slot, which stays reserved until release.
func (d *delegates[T, M]) remove(url address.URL) (*T, bool) {
	key := url.String()
	m, ok := d.byURL.Get(key)
	if !ok || !d.byURL.Del(key) {
		return nil, false
	}
	d.slots[M(m).slot()].CompareAndSwap(m, nil)
	return m, true
}

// each visits members in slot order.
func (d *delegates[T, M]) each(fn func(m *T)) {
	n := min(int(d.next.Load()), Capacity)
	for i := 0; i < n; i++ {
		if m := d.slots[i].Load(); m != nil {
			fn(m)
		}
	}
}

func (d *delegates[T, M]) list() []*T {
	var out []*T
	d.each(func(m *T) { out = append(out, m) })
	return out
}

func (d *delegates[T, M]) len() int {
	return d.byURL.Len()
}

// ---- helpers ----

// activity keeps the most recent of the reported timestamps.
type activity struct {
	ns atomic.Int64
}

// advance stores t when it is newer and reports whether it did.
func (a *activity) advance(t time.Time) bool {
	ns := t.UnixNano()
	for {
		cur := a.ns.Load()
		if ns <= cur {
			return false
		}
		if a.ns.CompareAndSwap(cur, ns) {
			return true
		}
	}
}

func (a *activity) get() time.Time {
	if ns := a.ns.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func state(disposed *atomic.Bool, ready *bitmap.ConcurrentBitMap) governor.State {
	switch {
	case disposed.Load():
		return governor.StateDisposed
	case ready.Get():
		return governor.StateReady
	default:
		return governor.StateUnacquired
	}
}

func notReady(url address.URL, what string) error {
	return transport.NotReady(url, "%s: no ready delegate", what)
}
