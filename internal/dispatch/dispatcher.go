package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/driftvm/drift/internal/hv"
)

// Dispatcher wraps an IoManager behind an atomically swapped snapshot.
// Dispatch from vCPU threads loads the current snapshot without locking, so
// concurrent lookups never block each other and never observe a partially
// mutated table. Mutators clone the snapshot, edit the clone, and publish
// it in one store.
type Dispatcher struct {
	mu  sync.Mutex // serializes mutators and open transactions
	cur atomic.Pointer[IoManager]
}

// NewDispatcher returns a dispatcher with empty range tables.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.cur.Store(NewIoManager())
	return d
}

// Register atomically publishes the given device's ranges. The entire call
// is all-or-nothing: on overlap the published tables are unchanged.
func (d *Dispatcher) Register(dev Device, resources []hv.Resource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.cur.Load().clone()
	if err := next.Register(dev, resources); err != nil {
		return err
	}
	d.cur.Store(next)
	return nil
}

// Unregister atomically removes the given ranges. Missing entries are
// silently ignored.
func (d *Dispatcher) Unregister(resources []hv.Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.cur.Load().clone()
	next.Unregister(resources)
	d.cur.Store(next)
}

// Tx is a staged set of table edits. Edits against a Tx are invisible to
// dispatch until Commit publishes them; Cancel discards them. At most one
// transaction is open at a time; Begin blocks until the previous one
// resolves.
type Tx struct {
	d   *Dispatcher
	mgr *IoManager
}

// Begin opens a transaction over a private clone of the current tables.
// Every Begin must be paired with exactly one Commit or Cancel.
func (d *Dispatcher) Begin() *Tx {
	d.mu.Lock()
	return &Tx{d: d, mgr: d.cur.Load().clone()}
}

// Register stages device range insertions. All-or-nothing per call, same as
// Dispatcher.Register.
func (t *Tx) Register(dev Device, resources []hv.Resource) error {
	return t.mgr.Register(dev, resources)
}

// Unregister stages range removals.
func (t *Tx) Unregister(resources []hv.Resource) {
	t.mgr.Unregister(resources)
}

// Commit publishes every staged edit in a single atomic store. Commit and
// Cancel are no-ops on a transaction that already resolved.
func (t *Tx) Commit() {
	if t.mgr == nil {
		return
	}
	t.d.cur.Store(t.mgr)
	t.mgr = nil
	t.d.mu.Unlock()
}

// Cancel discards every staged edit.
func (t *Tx) Cancel() {
	if t.mgr == nil {
		return
	}
	t.mgr = nil
	t.d.mu.Unlock()
}

// MmioRead dispatches a trapped memory-mapped read.
func (d *Dispatcher) MmioRead(addr uint64, data []byte) error {
	return d.cur.Load().MmioRead(addr, data)
}

// MmioWrite dispatches a trapped memory-mapped write.
func (d *Dispatcher) MmioWrite(addr uint64, data []byte) error {
	return d.cur.Load().MmioWrite(addr, data)
}

// PioRead dispatches a trapped port read.
func (d *Dispatcher) PioRead(port uint16, data []byte) error {
	return d.cur.Load().PioRead(port, data)
}

// PioWrite dispatches a trapped port write.
func (d *Dispatcher) PioWrite(port uint16, data []byte) error {
	return d.cur.Load().PioWrite(port, data)
}

// MmioRangeCount reports the number of published memory-mapped ranges.
func (d *Dispatcher) MmioRangeCount() int { return d.cur.Load().MmioRangeCount() }

// PioRangeCount reports the number of published port ranges.
func (d *Dispatcher) PioRangeCount() int { return d.cur.Load().PioRangeCount() }
