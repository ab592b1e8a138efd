// Package undolog is the per-transaction undo log: records are
// appended in operation order (FIFO) as a transaction mutates rows,
// and consumed in reverse (LIFO) to roll a transaction back.
package undolog

import (
	"sync"

	"github.com/go-innodb/enginecore/internal/model"
)

// Log holds every transaction's undo records in memory. Undo records
// are never written to durable storage: they only need to survive for
// the lifetime of an in-flight transaction, and a crash aborts every
// uncommitted transaction implicitly (redo replay is gated on the
// COMMIT record, so nothing an undo log would replay ever gets
// applied).
type Log struct {
	mu      sync.Mutex
	records map[model.TxID][]model.UndoRecord
}

// New returns an empty undo log.
func New() *Log {
	return &Log{records: make(map[model.TxID][]model.UndoRecord)}
}

// Append records, in FIFO order, the before-image needed to reverse one
// row mutation made by txID.
func (l *Log) Append(txID model.TxID, rec model.UndoRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[txID] = append(l.records[txID], rec)
}

// PeekLast returns the most recently appended undo record still pending
// for txID — the next one rollback must apply — without removing it.
// The second return is false once nothing remains.
func (l *Log) PeekLast(txID model.TxID) (model.UndoRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.records[txID]
	if len(recs) == 0 {
		return model.UndoRecord{}, false
	}
	return recs[len(recs)-1], true
}

// PopLast removes the most recently appended undo record for txID. Used
// by rollback only after that record's inverse has actually been
// applied, so a failure partway through rollback leaves every
// not-yet-applied record still in the log for a retry to pick up.
func (l *Log) PopLast(txID model.TxID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.records[txID]
	if len(recs) == 0 {
		return
	}
	recs = recs[:len(recs)-1]
	if len(recs) == 0 {
		delete(l.records, txID)
		return
	}
	l.records[txID] = recs
}

// Discard drops txID's undo records without returning them, used on
// commit once the transaction no longer needs to be reversible.
func (l *Log) Discard(txID model.TxID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, txID)
}

// Len reports how many undo records txID currently has buffered, for
// tests and diagnostics.
func (l *Log) Len(txID model.TxID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records[txID])
}
