// Package locktable is a strict two-phase lock table: row-level
// exclusive locks, re-entrant per owning transaction, released
// all-at-once at end of transaction. There is no deadlock detection;
// callers touching multiple rows in one transaction must acquire in
// ascending row-id order, and a mandatory per-call timeout bounds any
// wait that violates it.
package locktable

import (
	"container/list"
	"sync"
	"time"

	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/model"
)

type waiter struct {
	txID    model.TxID
	ch      chan struct{}
	granted bool
}

// Table is the row-level exclusive lock table.
type Table struct {
	mu      sync.Mutex
	owners  map[model.RowID]model.TxID
	waiters map[model.RowID]*list.List // FIFO queue of *waiter
	heldBy  map[model.TxID]map[model.RowID]struct{}
}

// New returns an empty lock table.
func New() *Table {
	return &Table{
		owners:  make(map[model.RowID]model.TxID),
		waiters: make(map[model.RowID]*list.List),
		heldBy:  make(map[model.TxID]map[model.RowID]struct{}),
	}
}

// Acquire blocks until txID holds the exclusive lock on rowID, or until
// timeout elapses, in which case it returns enginerr.ErrLockTimeout.
// Re-entrant: if txID already holds the lock, it is a no-op.
func (t *Table) Acquire(txID model.TxID, rowID model.RowID, timeout time.Duration) error {
	t.mu.Lock()

	if owner, ok := t.owners[rowID]; ok {
		if owner == txID {
			t.mu.Unlock()
			return nil
		}

		w := &waiter{txID: txID, ch: make(chan struct{}, 1)}
		q, ok := t.waiters[rowID]
		if !ok {
			q = list.New()
			t.waiters[rowID] = q
		}
		elem := q.PushBack(w)
		t.mu.Unlock()

		select {
		case <-w.ch:
			return nil
		case <-time.After(timeout):
			t.mu.Lock()
			defer t.mu.Unlock()
			if w.granted {
				// Lost the race with a concurrent release; honor the grant
				// rather than dropping a lock we now hold.
				return nil
			}
			if q := t.waiters[rowID]; q != nil {
				q.Remove(elem)
				if q.Len() == 0 {
					delete(t.waiters, rowID)
				}
			}
			return enginerr.ErrLockTimeout
		}
	}

	t.grantLocked(txID, rowID)
	t.mu.Unlock()
	return nil
}

// grantLocked records txID as rowID's owner. Caller holds t.mu.
func (t *Table) grantLocked(txID model.TxID, rowID model.RowID) {
	t.owners[rowID] = txID
	rows, ok := t.heldBy[txID]
	if !ok {
		rows = make(map[model.RowID]struct{})
		t.heldBy[txID] = rows
	}
	rows[rowID] = struct{}{}
}

// ReleaseAll releases every lock held by txID atomically, handing each
// row to the next FIFO waiter if one exists.
func (t *Table) ReleaseAll(txID model.TxID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := t.heldBy[txID]
	delete(t.heldBy, txID)

	for rowID := range rows {
		if t.owners[rowID] == txID {
			delete(t.owners, rowID)
		}

		q := t.waiters[rowID]
		if q == nil || q.Len() == 0 {
			continue
		}
		front := q.Front()
		q.Remove(front)
		if q.Len() == 0 {
			delete(t.waiters, rowID)
		}

		w := front.Value.(*waiter)
		w.granted = true
		t.grantLocked(w.txID, rowID)
		w.ch <- struct{}{}
	}
}

// HeldCount reports how many locks txID currently holds, for tests and
// diagnostics.
func (t *Table) HeldCount(txID model.TxID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heldBy[txID])
}
