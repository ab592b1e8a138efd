// Package engine is the composition root: it owns the disk store,
// buffer pool, double-write buffer, lock table, redo log, undo log,
// B+Tree index, and transaction manager, and exposes
// begin/insert/read/update/delete/commit/rollback, checkpoint, and
// crash recovery as the engine's public surface.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-innodb/enginecore/internal/bptree"
	"github.com/go-innodb/enginecore/internal/bufferpool"
	"github.com/go-innodb/enginecore/internal/config"
	"github.com/go-innodb/enginecore/internal/diskstore"
	"github.com/go-innodb/enginecore/internal/dwb"
	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/locktable"
	"github.com/go-innodb/enginecore/internal/logging"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/go-innodb/enginecore/internal/pagecodec"
	"github.com/go-innodb/enginecore/internal/redolog"
	"github.com/go-innodb/enginecore/internal/txnmgr"
	"github.com/go-innodb/enginecore/internal/undolog"
	"github.com/k0kubun/pp"
	"github.com/pkg/errors"
)

// Engine is a single open instance of the storage engine, rooted at one
// data directory.
type Engine struct {
	cfg   *config.Config
	disk  *diskstore.Store
	pool  *bufferpool.Pool
	dwb   *dwb.DWB
	locks *locktable.Table
	redo  *redolog.Log
	undo  *undolog.Log
	index *bptree.Tree
	txns  *txnmgr.Manager
}

// Open wires every subsystem over cfg.DataDir, runs crash recovery, and
// returns a ready-to-use engine. This is the only constructor; there is
// no separate "recover if needed" step for callers to remember.
func Open(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	disk, err := diskstore.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	d := dwb.New(disk)
	if err := d.Recover(); err != nil {
		return nil, errors.Wrap(err, "engine: dwb recovery")
	}

	redo, err := redolog.Open(disk)
	if err != nil {
		return nil, errors.Wrap(err, "engine: open redo log")
	}

	index, err := bptree.Open(disk, int(cfg.BPlusTreeT))
	if err != nil {
		return nil, errors.Wrap(err, "engine: open index")
	}

	// Redo recovery must run, and its writes land directly on disk,
	// before the buffer pool is constructed: the pool seeds its next
	// allocatable page id by enumerating pages already on disk, and a
	// committed-but-never-checkpointed insert may have allocated a page
	// that only this replay brings into existence.
	replayed, pagesTouched, err := replayRedo(disk, redo, index, int(cfg.PageCapacity))
	if err != nil {
		return nil, errors.Wrap(err, "engine: redo recovery")
	}
	if pagesTouched > 0 {
		logging.L().WithFields(map[string]interface{}{"records_replayed": replayed, "pages_touched": pagesTouched}).
			Info("redo recovery complete")
	}

	pool, err := bufferpool.New(int(cfg.BufferPoolSize), disk)
	if err != nil {
		return nil, err
	}
	// Write-ahead rule: a page image may reach its in-place blob only
	// once the redo log is durable through that image's LSN. Eviction of
	// a dirty victim is the one flush path outside Checkpoint, so the
	// same barrier is applied here.
	pool.SetFlushFunc(func(page *model.Page) error {
		if err := redo.FlushThrough(page.LSN); err != nil {
			return err
		}
		return d.FlushOne(page)
	})

	undo := undolog.New()
	locks := locktable.New()

	e := &Engine{
		cfg:   cfg,
		disk:  disk,
		pool:  pool,
		dwb:   d,
		locks: locks,
		redo:  redo,
		undo:  undo,
		index: index,
	}

	e.txns = txnmgr.New(pool, locks, redo, undo, index,
		int(cfg.PageCapacity), time.Duration(cfg.LockTimeoutMs)*time.Millisecond)

	logging.L().WithFields(map[string]interface{}{"data_dir": cfg.DataDir}).Info("engine opened")
	return e, nil
}

// Begin starts a new transaction.
func (e *Engine) Begin() *txnmgr.Transaction { return e.txns.Begin() }

// Insert places values under rowID. Returns enginerr.ErrDuplicateRowID
// if rowID is already present.
func (e *Engine) Insert(txID model.TxID, rowID model.RowID, values []interface{}) error {
	return e.txns.Insert(txID, rowID, values)
}

// NextRowID mints a fresh, never-before-issued row id for callers with
// no natural key of their own.
func (e *Engine) NextRowID() model.RowID { return e.txns.NextRowID() }

// Read returns a clone of rowID's current value.
func (e *Engine) Read(txID model.TxID, rowID model.RowID) (model.Row, error) {
	return e.txns.Read(txID, rowID)
}

// Update replaces rowID's values.
func (e *Engine) Update(txID model.TxID, rowID model.RowID, values []interface{}) error {
	return e.txns.Update(txID, rowID, values)
}

// Delete removes rowID.
func (e *Engine) Delete(txID model.TxID, rowID model.RowID) error {
	return e.txns.Delete(txID, rowID)
}

// Commit finalizes a transaction's effects.
func (e *Engine) Commit(txID model.TxID) error { return e.txns.Commit(txID) }

// Rollback reverses every effect of a transaction.
func (e *Engine) Rollback(txID model.TxID) error { return e.txns.Rollback(txID) }

// Checkpoint pins the dirty set for the duration, flushes the redo log
// through the newest dirty image, durably applies the batch through the
// double-write buffer, persists the index, clears dirty flags, unpins,
// and truncates the redo log to the point no active transaction still
// needs.
func (e *Engine) Checkpoint() error {
	candidates := e.pool.IterDirty()
	if len(candidates) == 0 {
		return e.redo.Truncate(e.minTruncationLSN())
	}

	// IterDirty itself pins nothing, so re-Fetch each candidate by id to
	// obtain an authoritative, pinned frame — pinned, a frame can never
	// be chosen as an eviction victim (bufferpool.evictLocked skips
	// PinCount>0), so it cannot be concurrently re-flushed by an
	// unrelated Fetch/Allocate's eviction path while this batch is
	// encoding/writing it.
	frames := make([]*bufferpool.Frame, 0, len(candidates))
	unpinAll := func() {
		for _, f := range frames {
			if err := e.pool.Unpin(f.Page.ID, false); err != nil {
				logging.L().Warnf("checkpoint: unpin page %d: %v", f.Page.ID, err)
			}
		}
	}
	for _, c := range candidates {
		f, err := e.pool.Fetch(c.Page.ID)
		if err != nil {
			unpinAll()
			return errors.Wrapf(err, "engine: checkpoint pin page %d", c.Page.ID)
		}
		frames = append(frames, f)
	}
	defer unpinAll()

	pages := make([]*model.Page, len(frames))
	var maxLSN model.LSN
	for i, f := range frames {
		pages[i] = f.Page
		if f.Page.LSN > maxLSN {
			maxLSN = f.Page.LSN
		}
	}

	// Write-ahead rule: the redo log must be durable through the newest
	// LSN in the batch before any page image reaches its in-place blob.
	if err := e.redo.FlushThrough(maxLSN); err != nil {
		return errors.Wrap(err, "engine: checkpoint flush redo log")
	}

	if err := e.dwb.ApplyBatch(pages); err != nil {
		return errors.Wrap(err, "engine: checkpoint apply batch")
	}
	if err := e.index.Save(e.disk); err != nil {
		return errors.Wrap(err, "engine: checkpoint save index")
	}
	for _, f := range frames {
		if err := e.pool.ClearDirty(f.Page.ID); err != nil {
			return err
		}
	}

	if err := e.redo.Truncate(e.minTruncationLSN()); err != nil {
		return errors.Wrap(err, "engine: checkpoint truncate redo log")
	}

	logging.L().WithFields(map[string]interface{}{"pages": len(pages)}).Info("checkpoint complete")
	return nil
}

// minTruncationLSN is the lowest LSN checkpoint must keep: the oldest
// still-needed record among active transactions, or — if none are
// active — one past the last flushed record, since every flushed
// record's page effects have just been made durable by this same
// checkpoint and the record itself is redundant from here on.
func (e *Engine) minTruncationLSN() model.LSN {
	return e.txns.MinActiveLSN(e.redo.FlushedLSN() + 1)
}

// replayRedo is the redo phase of crash recovery: replay every redo
// record belonging to a transaction whose COMMIT record is present,
// plus every compensation record unconditionally, whether or not the
// rollback that wrote it went on to complete (any FlushThrough persists
// every buffered record, so a rollback's compensations can reach disk
// before its own final flush). Runs once, at Open, after the DWB
// repair phase has made every on-disk page image untorn and before the
// buffer pool is constructed, writing directly through disk and index
// since neither has callers yet.
func replayRedo(disk *diskstore.Store, redo *redolog.Log, index *bptree.Tree, pageCapacity int) (recordsReplayed, pagesTouched int, err error) {
	records := redo.Replay(model.InvalidLSN)
	if len(records) == 0 {
		return 0, 0, nil
	}

	committed := make(map[model.TxID]bool)
	for _, r := range records {
		if r.Kind == model.RedoCommit {
			committed[r.TxID] = true
		}
	}

	pages := make(map[model.PageID]*model.Page)
	getPage := func(id model.PageID) (*model.Page, error) {
		if p, ok := pages[id]; ok {
			return p, nil
		}
		data, err := disk.ReadPage(id)
		if err != nil {
			if enginerr.Is(err, enginerr.ErrMissing) {
				p := model.NewPage(id, pageCapacity)
				pages[id] = p
				return p, nil
			}
			return nil, err
		}
		p, err := pagecodec.DecodePage(data)
		if err != nil {
			return nil, err
		}
		pages[id] = p
		return p, nil
	}

	for _, r := range records {
		if r.Kind == model.RedoCommit {
			continue
		}
		if r.Kind != model.RedoCompensation && !committed[r.TxID] {
			continue
		}

		page, err := getPage(r.PageID)
		if err != nil {
			return 0, 0, err
		}
		// Page content and the index are separate durable artifacts that
		// can legitimately be out of sync: a page reaches disk through the
		// eviction flush path or a DWB repair without any checkpoint
		// having persisted the index. The LSN guard therefore gates only
		// the page-content mutation — reapplying a record already
		// reflected in the on-disk image would duplicate it — while the
		// row->page mapping is reconstructed unconditionally.
		applyContent := r.LSN > page.LSN
		switch r.Kind {
		case model.RedoInsert:
			if applyContent {
				page.Insert(r.AfterImage)
			}
			index.Put(r.RowID, r.PageID)
		case model.RedoUpdate:
			if applyContent {
				page.Update(r.AfterImage)
			}
		case model.RedoDelete:
			if applyContent {
				page.Delete(r.RowID)
			}
			index.Delete(r.RowID)
		case model.RedoCompensation:
			if r.AfterImage.Values == nil {
				if applyContent {
					page.Delete(r.RowID)
				}
				index.Delete(r.RowID)
			} else {
				if applyContent {
					if i := page.Find(r.RowID); i < 0 {
						page.Insert(r.AfterImage)
					} else {
						page.Update(r.AfterImage)
					}
				}
				index.Put(r.RowID, r.PageID)
			}
		}
		if applyContent {
			page.LSN = r.LSN
			recordsReplayed++
		}
	}

	for id, page := range pages {
		data, err := pagecodec.EncodePage(page)
		if err != nil {
			return 0, 0, err
		}
		if err := disk.WritePage(id, data); err != nil {
			return 0, 0, err
		}
	}
	if len(pages) > 0 {
		if err := disk.Flush(); err != nil {
			return 0, 0, err
		}
		if err := index.Save(disk); err != nil {
			return 0, 0, err
		}
	}

	return recordsReplayed, len(pages), nil
}

// Close checkpoints and tears the engine down. After Close returns no
// further operations may be issued; transactions still active are left
// to recovery (no COMMIT record, so their effects never replay).
func (e *Engine) Close() error {
	if err := e.Checkpoint(); err != nil {
		return errors.Wrap(err, "engine: checkpoint on close")
	}
	if err := e.disk.Flush(); err != nil {
		return errors.Wrap(err, "engine: flush on close")
	}
	logging.L().WithFields(map[string]interface{}{"data_dir": e.cfg.DataDir}).Info("engine closed")
	return nil
}

// RunCheckpointLoop periodically checkpoints until ctx is done.
// Checkpoint itself remains caller-triggerable at any time independent
// of this loop.
func (e *Engine) RunCheckpointLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Checkpoint(); err != nil {
				logging.L().Warnf("background checkpoint failed: %v", err)
			}
		}
	}
}

// RunIdleSweepLoop periodically rolls back transactions that have sat
// idle longer than idle, bounding how long an abandoned transaction can
// hold its locks.
func (e *Engine) RunIdleSweepLoop(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.txns.SweepExpired(idle)
		}
	}
}

// Stats exposes buffer pool counters and the derived hit, dirty-page,
// and read/write ratios.
func (e *Engine) Stats() bufferpool.Stats { return e.pool.Stats() }

// DebugDump renders buffer pool state for test failure messages and
// manual inspection.
func (e *Engine) DebugDump() string {
	return fmt.Sprintf("engine{data_dir=%s}\n%s\nindex_len=%s", e.cfg.DataDir, e.pool.DebugDump(), pp.Sprint(e.index.Len()))
}
