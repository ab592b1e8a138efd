// Package redolog is the process-wide write-ahead redo log: Append
// assigns a strictly increasing LSN, FlushThrough is the durability
// barrier, Replay drives recovery. The log persists as a single
// whole-blob artifact rather than a raw append-only file, since every
// durable artifact here is an opaque blob through internal/diskstore.
package redolog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-innodb/enginecore/internal/diskstore"
	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/logging"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/go-innodb/enginecore/internal/pagecodec"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Log is the redo log. nextLSN is an atomic counter since append's LSN
// allocation must be monotone even though the in-memory record buffer
// itself is protected by mu.
type Log struct {
	mu         sync.Mutex
	disk       *diskstore.Store
	records    []model.RedoRecord
	flushedLSN model.LSN
	nextLSN    atomic.Uint64
}

// Open loads any existing redo log blob and resumes LSN allocation from
// its tail.
func Open(disk *diskstore.Store) (*Log, error) {
	l := &Log{disk: disk}
	l.nextLSN.Store(1)

	data, err := disk.ReadArtifact(diskstore.ArtifactRedoLog)
	if err != nil && !enginerr.Is(err, enginerr.ErrMissing) {
		return nil, errors.Wrap(err, "redolog: read existing log")
	}
	blob, err := pagecodec.DecodeRedoLog(data)
	if err != nil {
		return nil, err
	}
	l.records = blob.Records
	for _, r := range l.records {
		if uint64(r.LSN) >= l.nextLSN.Load() {
			l.nextLSN.Store(uint64(r.LSN) + 1)
		}
		if r.LSN > l.flushedLSN {
			l.flushedLSN = r.LSN
		}
	}
	return l, nil
}

// Append assigns the next LSN to record and buffers it in memory. It is
// not durable until FlushThrough(lsn) returns nil.
func (l *Log) Append(record model.RedoRecord) model.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := model.LSN(l.nextLSN.Inc())
	record.LSN = lsn
	l.records = append(l.records, record)
	return lsn
}

// FlushThrough makes every record with LSN <= lsn durable. Since the
// redo log is a single whole-blob artifact, this rewrites the entire
// in-memory record set; truncation (Truncate) is what actually bounds
// the blob's size over time.
func (l *Log) FlushThrough(lsn model.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lsn <= l.flushedLSN {
		return nil
	}
	if err := l.persistLocked(); err != nil {
		return err
	}
	if lsn > l.flushedLSN {
		l.flushedLSN = l.highestLSNLocked()
	}
	return nil
}

func (l *Log) highestLSNLocked() model.LSN {
	var max model.LSN
	for _, r := range l.records {
		if r.LSN > max {
			max = r.LSN
		}
	}
	return max
}

func (l *Log) persistLocked() error {
	blob, err := pagecodec.EncodeRedoLog(pagecodec.RedoLogBlob{Records: l.records})
	if err != nil {
		return errors.Wrap(err, "redolog: encode")
	}
	if err := l.disk.WriteArtifact(diskstore.ArtifactRedoLog, blob); err != nil {
		return errors.Wrap(err, "redolog: write")
	}
	return l.disk.Flush()
}

// Replay returns every record with LSN > fromLSN, in LSN order, for
// recovery's redo phase.
func (l *Log) Replay(fromLSN model.LSN) []model.RedoRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.RedoRecord, 0, len(l.records))
	for _, r := range l.records {
		if r.LSN > fromLSN {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LSN < out[j].LSN })
	return out
}

// Truncate drops every record with LSN < keepFromLSN and rewrites the
// blob. It never discards a record still needed: callers compute
// keepFromLSN as the minimum last LSN among still-active transactions,
// or one past the highest flushed LSN if none are active.
func (l *Log) Truncate(keepFromLSN model.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0:0]
	for _, r := range l.records {
		if r.LSN >= keepFromLSN {
			kept = append(kept, r)
		}
	}
	l.records = kept
	if err := l.persistLocked(); err != nil {
		return err
	}
	logging.L().WithFields(map[string]interface{}{"keep_from_lsn": keepFromLSN, "records": len(kept)}).
		Debug("redolog: truncated")
	return nil
}

// Size returns the number of records currently buffered (and, after a
// flush, persisted).
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// FlushedLSN returns the highest LSN known to be durable, the ceiling
// checkpoint falls back to when no transaction is active.
func (l *Log) FlushedLSN() model.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushedLSN
}

// RunBackgroundFlush periodically flushes the log through its current
// tail until ctx is done. Purely additive: the mandatory flush points
// (commit, checkpoint, dirty eviction) do not depend on this loop ever
// running.
func (l *Log) RunBackgroundFlush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			tail := l.highestLSNLocked()
			l.mu.Unlock()
			if err := l.FlushThrough(tail); err != nil {
				logging.L().Warnf("redolog: background flush failed: %v", err)
			}
		}
	}
}
