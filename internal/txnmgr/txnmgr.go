// Package txnmgr orchestrates begin, insert, read, update, delete,
// commit, and rollback over the buffer pool, lock table, redo log,
// undo log, and B+Tree index. A transaction's redo records need not be
// durable before its in-memory page mutations become visible; they
// must be durable before commit reports success.
package txnmgr

import (
	"sync"
	"time"

	"github.com/go-innodb/enginecore/internal/bptree"
	"github.com/go-innodb/enginecore/internal/bufferpool"
	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/locktable"
	"github.com/go-innodb/enginecore/internal/logging"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/go-innodb/enginecore/internal/redolog"
	"github.com/go-innodb/enginecore/internal/undolog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// State is a transaction's lifecycle stage. Committed and Aborted are
// terminal.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is a single unit of work's bookkeeping record.
type Transaction struct {
	ID        model.TxID
	State     State
	LastLSN   model.LSN
	StartedAt time.Time
	TouchedAt time.Time
}

// Manager owns every in-flight transaction and sequences its operations
// across the engine's subsystems.
type Manager struct {
	mu sync.Mutex

	pool  *bufferpool.Pool
	locks *locktable.Table
	redo  *redolog.Log
	undo  *undolog.Log
	index *bptree.Tree

	pageCapacity int
	lockTimeout  time.Duration

	nextTxID  atomic.Uint64
	nextRowID atomic.Uint64

	txs map[model.TxID]*Transaction

	placeMu    sync.Mutex
	activePage model.PageID // hint: last page allocate/insert touched
}

// NextRowID mints a fresh, never-before-issued row id. Insert takes a
// caller-supplied row id; this is a convenience for callers with no
// natural key of their own, not something Insert relies on internally.
func (m *Manager) NextRowID() model.RowID {
	return model.RowID(m.nextRowID.Inc())
}

// New constructs a transaction manager over already-opened subsystems.
func New(pool *bufferpool.Pool, locks *locktable.Table, redo *redolog.Log, undo *undolog.Log, index *bptree.Tree, pageCapacity int, lockTimeout time.Duration) *Manager {
	m := &Manager{
		pool:         pool,
		locks:        locks,
		redo:         redo,
		undo:         undo,
		index:        index,
		pageCapacity: pageCapacity,
		lockTimeout:  lockTimeout,
		txs:          make(map[model.TxID]*Transaction),
		activePage:   model.InvalidPageID,
	}
	m.nextTxID.Store(1)
	m.nextRowID.Store(1)
	if max, ok := index.MaxRowID(); ok {
		m.nextRowID.Store(uint64(max) + 1)
	}
	return m
}

// Begin starts a new transaction in the Active state.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	tx := &Transaction{
		ID:        model.TxID(m.nextTxID.Inc()),
		State:     Active,
		StartedAt: now,
		TouchedAt: now,
	}
	m.txs[tx.ID] = tx
	return tx
}

func (m *Manager) lookup(txID model.TxID) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return nil, errors.Errorf("txnmgr: unknown transaction %d", txID)
	}
	if tx.State != Active {
		return nil, errors.Wrapf(enginerr.ErrInvalidTxState, "transaction %d is %s, not active", txID, tx.State)
	}
	tx.TouchedAt = time.Now()
	return tx, nil
}

// Insert places the caller-supplied rowID into a page with room,
// allocating a new page if none has space, and logs undo/redo records
// for it. Returns enginerr.ErrDuplicateRowID if the id is already
// indexed.
func (m *Manager) Insert(txID model.TxID, rowID model.RowID, values []interface{}) error {
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}

	if err := m.locks.Acquire(txID, rowID, m.lockTimeout); err != nil {
		return err
	}

	if _, ok := m.index.Get(rowID); ok {
		return errors.Wrapf(enginerr.ErrDuplicateRowID, "row %d", rowID)
	}

	row := model.Row{ID: rowID, Values: values}
	frame, err := m.placeRow(row)
	if err != nil {
		return err
	}
	pageID := frame.Page.ID

	m.undo.Append(txID, model.UndoRecord{TxID: txID, Op: model.UndoInsert, RowID: rowID})
	lsn := m.redo.Append(model.RedoRecord{TxID: txID, PageID: pageID, Kind: model.RedoInsert, RowID: rowID, AfterImage: row.Clone()})
	frame.Page.LSN = lsn
	if err := m.pool.Unpin(pageID, true); err != nil {
		return err
	}
	m.noteLSN(tx, lsn)

	return nil
}

// placeRow inserts row into the hinted active page if it has room, or
// allocates a fresh page otherwise, updating the index either way.
// Returns the frame still pinned — the caller sets Page.LSN to the
// redo record's LSN (for recovery idempotency) before unpinning.
//
// placeMu serializes the whole read-decide-mutate-index sequence:
// Insert and applyUndo's UndoDelete case both call placeRow from
// different transactions' goroutines, and without a lock two callers
// could both read activePage, both find frame.Page not Full, and both
// call frame.Page.Insert on the same underlying slice.
func (m *Manager) placeRow(row model.Row) (*bufferpool.Frame, error) {
	m.placeMu.Lock()
	defer m.placeMu.Unlock()

	if m.activePage != model.InvalidPageID {
		frame, err := m.pool.Fetch(m.activePage)
		if err == nil {
			if !frame.Page.Full() {
				frame.Page.Insert(row)
				m.index.Put(row.ID, m.activePage)
				return frame, nil
			}
			if uerr := m.pool.Unpin(m.activePage, false); uerr != nil {
				return nil, uerr
			}
		} else if !enginerr.Is(err, enginerr.ErrMissing) {
			return nil, err
		}
	}

	frame, err := m.pool.Allocate(m.pageCapacity)
	if err != nil {
		return nil, err
	}
	frame.Page.Insert(row)
	m.activePage = frame.Page.ID
	m.index.Put(row.ID, frame.Page.ID)
	return frame, nil
}

// Read returns a clone of rowID's current value, acquiring the same
// exclusive row lock as a write — this engine does not implement a
// separate shared read-lock mode.
func (m *Manager) Read(txID model.TxID, rowID model.RowID) (model.Row, error) {
	if _, err := m.lookup(txID); err != nil {
		return model.Row{}, err
	}
	if err := m.locks.Acquire(txID, rowID, m.lockTimeout); err != nil {
		return model.Row{}, err
	}

	pageID, ok := m.index.Get(rowID)
	if !ok {
		return model.Row{}, errors.Wrapf(enginerr.ErrMissing, "row %d", rowID)
	}
	frame, err := m.pool.Fetch(pageID)
	if err != nil {
		return model.Row{}, err
	}
	defer m.pool.Unpin(pageID, false)

	i := frame.Page.Find(rowID)
	if i < 0 {
		return model.Row{}, errors.Wrapf(enginerr.ErrMissing, "row %d", rowID)
	}
	return frame.Page.Rows[i].Clone(), nil
}

// Update replaces rowID's values, recording its prior value for undo.
func (m *Manager) Update(txID model.TxID, rowID model.RowID, values []interface{}) error {
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}
	if err := m.locks.Acquire(txID, rowID, m.lockTimeout); err != nil {
		return err
	}

	pageID, ok := m.index.Get(rowID)
	if !ok {
		return errors.Wrapf(enginerr.ErrMissing, "row %d", rowID)
	}
	frame, err := m.pool.Fetch(pageID)
	if err != nil {
		return err
	}

	i := frame.Page.Find(rowID)
	if i < 0 {
		m.pool.Unpin(pageID, false)
		return errors.Wrapf(enginerr.ErrMissing, "row %d", rowID)
	}
	before := frame.Page.Rows[i].Clone()
	after := model.Row{ID: rowID, Values: values}
	frame.Page.Update(after)

	m.undo.Append(txID, model.UndoRecord{TxID: txID, Op: model.UndoUpdate, RowID: rowID, BeforeImage: before})
	lsn := m.redo.Append(model.RedoRecord{TxID: txID, PageID: pageID, Kind: model.RedoUpdate, RowID: rowID, AfterImage: after.Clone()})
	frame.Page.LSN = lsn
	if err := m.pool.Unpin(pageID, true); err != nil {
		return err
	}
	m.noteLSN(tx, lsn)
	return nil
}

// Delete removes rowID, recording its prior value for undo.
func (m *Manager) Delete(txID model.TxID, rowID model.RowID) error {
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}
	if err := m.locks.Acquire(txID, rowID, m.lockTimeout); err != nil {
		return err
	}

	pageID, ok := m.index.Get(rowID)
	if !ok {
		return errors.Wrapf(enginerr.ErrMissing, "row %d", rowID)
	}
	frame, err := m.pool.Fetch(pageID)
	if err != nil {
		return err
	}

	i := frame.Page.Find(rowID)
	if i < 0 {
		m.pool.Unpin(pageID, false)
		return errors.Wrapf(enginerr.ErrMissing, "row %d", rowID)
	}
	before := frame.Page.Rows[i].Clone()
	frame.Page.Delete(rowID)
	m.index.Delete(rowID)

	m.undo.Append(txID, model.UndoRecord{TxID: txID, Op: model.UndoDelete, RowID: rowID, BeforeImage: before})
	lsn := m.redo.Append(model.RedoRecord{TxID: txID, PageID: pageID, Kind: model.RedoDelete, RowID: rowID})
	frame.Page.LSN = lsn
	if err := m.pool.Unpin(pageID, true); err != nil {
		return err
	}
	m.noteLSN(tx, lsn)
	return nil
}

// Commit makes the transaction's effects durable: append a COMMIT redo
// record, flush the log through it, mark the transaction committed,
// release its locks, and discard its now-unneeded undo records. This
// order is load-bearing — recovery's redo phase treats the presence of
// a COMMIT record as the sole signal that a transaction's other redo
// records should be replayed.
func (m *Manager) Commit(txID model.TxID) error {
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}

	lsn := m.redo.Append(model.RedoRecord{TxID: txID, Kind: model.RedoCommit})
	if err := m.redo.FlushThrough(lsn); err != nil {
		// An IO_ERROR here leaves the transaction in an
		// indeterminate state — the COMMIT record may or may not have
		// reached disk — so it must not be left Active, where a caller
		// could retry Commit or Rollback against it. Mark it Aborted and
		// release its locks; its undo records stay in place even though
		// they will never be applied, which is harmless since lookup()
		// rejects any further Commit/Rollback on a non-Active tx.
		m.mu.Lock()
		tx.State = Aborted
		tx.LastLSN = lsn
		m.mu.Unlock()
		m.locks.ReleaseAll(txID)
		return errors.Wrap(err, "txnmgr: flush commit record")
	}

	m.mu.Lock()
	tx.State = Committed
	tx.LastLSN = lsn
	m.mu.Unlock()

	m.locks.ReleaseAll(txID)
	m.undo.Discard(txID)

	logging.L().WithFields(map[string]interface{}{"txid": txID, "lsn": lsn}).Info("transaction committed")
	return nil
}

// Rollback reverses every effect the transaction made, in LIFO order,
// emitting a compensation redo record for each reversal so recovery can
// redo the rollback itself rather than needing a separate undo pass.
func (m *Manager) Rollback(txID model.TxID) error {
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}

	// Pop one record at a time, only after its inverse has been applied.
	// Draining the whole log up front would lose the not-yet-applied
	// remainder if applyUndo fails partway through (e.g. ErrIOError or
	// ErrBufferExhausted), leaving the transaction stuck Active and only
	// partially rolled back with no way to finish. Left in place on
	// error, the remainder is exactly what a retried Rollback replays.
	var lastLSN model.LSN
	for {
		rec, ok := m.undo.PeekLast(txID)
		if !ok {
			break
		}
		lsn, err := m.applyUndo(txID, rec)
		if err != nil {
			return errors.Wrapf(err, "txnmgr: rollback row %d", rec.RowID)
		}
		m.undo.PopLast(txID)
		lastLSN = lsn
	}
	if lastLSN != model.InvalidLSN {
		if err := m.redo.FlushThrough(lastLSN); err != nil {
			return errors.Wrap(err, "txnmgr: flush rollback compensations")
		}
	}

	m.mu.Lock()
	tx.State = Aborted
	tx.LastLSN = lastLSN
	m.mu.Unlock()

	m.locks.ReleaseAll(txID)

	logging.L().WithFields(map[string]interface{}{"txid": txID}).Info("transaction rolled back")
	return nil
}

// applyUndo reverses a single undo record and logs the matching
// compensation redo record.
func (m *Manager) applyUndo(txID model.TxID, rec model.UndoRecord) (model.LSN, error) {
	switch rec.Op {
	case model.UndoInsert:
		pageID, ok := m.index.Get(rec.RowID)
		if !ok {
			return 0, errors.Wrapf(enginerr.ErrMissing, "row %d", rec.RowID)
		}
		frame, err := m.pool.Fetch(pageID)
		if err != nil {
			return 0, err
		}
		frame.Page.Delete(rec.RowID)
		m.index.Delete(rec.RowID)
		// AfterImage is left with nil Values as a tombstone marker:
		// recovery distinguishes "undo this insert" (delete) from
		// "undo this update/delete" (upsert) by Values == nil.
		lsn := m.redo.Append(model.RedoRecord{TxID: txID, PageID: pageID, Kind: model.RedoCompensation, RowID: rec.RowID, AfterImage: model.Row{ID: rec.RowID}})
		frame.Page.LSN = lsn
		if err := m.pool.Unpin(pageID, true); err != nil {
			return 0, err
		}
		return lsn, nil

	case model.UndoUpdate:
		pageID, ok := m.index.Get(rec.RowID)
		if !ok {
			return 0, errors.Wrapf(enginerr.ErrMissing, "row %d", rec.RowID)
		}
		frame, err := m.pool.Fetch(pageID)
		if err != nil {
			return 0, err
		}
		frame.Page.Update(rec.BeforeImage)
		lsn := m.redo.Append(model.RedoRecord{TxID: txID, PageID: pageID, Kind: model.RedoCompensation, RowID: rec.RowID, AfterImage: rec.BeforeImage.Clone()})
		frame.Page.LSN = lsn
		if err := m.pool.Unpin(pageID, true); err != nil {
			return 0, err
		}
		return lsn, nil

	case model.UndoDelete:
		frame, err := m.placeRow(rec.BeforeImage)
		if err != nil {
			return 0, err
		}
		pageID := frame.Page.ID
		lsn := m.redo.Append(model.RedoRecord{TxID: txID, PageID: pageID, Kind: model.RedoCompensation, RowID: rec.RowID, AfterImage: rec.BeforeImage.Clone()})
		frame.Page.LSN = lsn
		if err := m.pool.Unpin(pageID, true); err != nil {
			return 0, err
		}
		return lsn, nil

	default:
		return 0, errors.Errorf("txnmgr: unknown undo op %v", rec.Op)
	}
}

func (m *Manager) noteLSN(tx *Transaction, lsn model.LSN) {
	m.mu.Lock()
	tx.LastLSN = lsn
	m.mu.Unlock()
}

// SweepExpired rolls back every Active transaction idle for longer than
// idle, bounding how long an abandoned transaction can hold its locks.
func (m *Manager) SweepExpired(idle time.Duration) {
	cutoff := time.Now().Add(-idle)

	m.mu.Lock()
	var expired []model.TxID
	for id, tx := range m.txs {
		if tx.State == Active && tx.TouchedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		logging.L().WithFields(map[string]interface{}{"txid": id}).Warn("rolling back idle-expired transaction")
		if err := m.Rollback(id); err != nil {
			logging.L().WithFields(map[string]interface{}{"txid": id}).Errorf("idle sweep rollback failed: %v", err)
		}
	}
}

// Get returns a snapshot of a transaction's bookkeeping record, for
// tests and diagnostics.
func (m *Manager) Get(txID model.TxID) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// MinActiveLSN returns the lowest LastLSN among still-Active
// transactions, or flushedCeiling if none are active — the bound
// checkpoint uses so redo log truncation never discards a record an
// in-flight transaction might still need to be replayed.
func (m *Manager) MinActiveLSN(flushedCeiling model.LSN) model.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()

	min := flushedCeiling
	found := false
	for _, tx := range m.txs {
		if tx.State != Active {
			continue
		}
		if !found || tx.LastLSN < min {
			min = tx.LastLSN
			found = true
		}
	}
	return min
}
