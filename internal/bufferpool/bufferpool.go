// Package bufferpool is the bounded in-memory page cache: pin counts,
// dirty flags, and LRU eviction over a fixed number of frames. A page
// is resident in at most one frame at a time.
package bufferpool

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/go-innodb/enginecore/internal/diskstore"
	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/logging"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/go-innodb/enginecore/internal/pagecodec"
	"github.com/k0kubun/pp"
	"github.com/pkg/errors"
)

// Frame wraps a resident page with its pin/dirty/LRU state.
type Frame struct {
	Page     *model.Page
	PinCount int
	Dirty    bool
}

// FlushFunc persists a single dirty page through the checkpoint-safe
// path. The engine wires this to a redo-log flush followed by the
// double-write buffer once all subsystems are constructed, keeping this
// package decoupled from internal/dwb.
type FlushFunc func(page *model.Page) error

// Pool is the bounded buffer pool.
type Pool struct {
	mu sync.Mutex

	capacity int
	disk     *diskstore.Store
	flushOne FlushFunc

	frames map[model.PageID]*Frame
	lru    *list.List // front = MRU, back = LRU (eviction scans from back)
	elems  map[model.PageID]*list.Element

	nextPageID uint32

	stats Stats
}

// Stats is a point-in-time snapshot of pool traffic and occupancy,
// useful for diagnosing eviction pressure.
type Stats struct {
	Hits, Misses   uint64
	Reads, Writes  uint64
	EvictionsDirty uint64
	DirtyPages     int
	ResidentPages  int
	Capacity       int
}

// HitRatio returns the fraction of fetches served from a resident frame.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// DirtyPageRatio returns the fraction of the pool's frames holding a
// dirty page.
func (s Stats) DirtyPageRatio() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.DirtyPages) / float64(s.Capacity)
}

// ReadWriteRatio returns disk page reads per page write.
func (s Stats) ReadWriteRatio() float64 {
	if s.Writes == 0 {
		return 0
	}
	return float64(s.Reads) / float64(s.Writes)
}

// New constructs a pool with room for capacity frames, seeding the next
// allocatable page id from whatever pages already exist on disk.
func New(capacity int, disk *diskstore.Store) (*Pool, error) {
	if capacity <= 0 {
		return nil, errors.New("bufferpool: capacity must be > 0")
	}
	p := &Pool{
		capacity: capacity,
		disk:     disk,
		frames:   make(map[model.PageID]*Frame, capacity),
		lru:      list.New(),
		elems:    make(map[model.PageID]*list.Element, capacity),
		// Page id 0 is model.InvalidPageID and is never allocated.
		nextPageID: uint32(model.InvalidPageID) + 1,
	}

	ids, err := disk.Enumerate()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if uint32(id) >= p.nextPageID {
			p.nextPageID = uint32(id) + 1
		}
	}
	return p, nil
}

// SetFlushFunc wires the checkpoint-safe single-page flush path used
// when evicting a dirty victim. Must be called before Fetch/Allocate are
// used with a pool that might ever go dirty.
func (p *Pool) SetFlushFunc(f FlushFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushOne = f
}

// Fetch returns the frame for pageID, pinning it. Residents are moved to
// MRU; misses load from disk, evicting an LRU victim if the pool is
// full. Returns enginerr.ErrBufferExhausted if every frame is pinned.
func (p *Pool) Fetch(pageID model.PageID) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.frames[pageID]; ok {
		f.PinCount++
		p.touch(pageID)
		p.stats.Hits++
		return f, nil
	}
	p.stats.Misses++

	data, err := p.disk.ReadPage(pageID)
	if err != nil {
		return nil, errors.Wrapf(err, "bufferpool: fetch page %d", pageID)
	}
	page, err := pagecodec.DecodePage(data)
	if err != nil {
		return nil, err
	}
	p.stats.Reads++

	frame, err := p.admit(pageID, page)
	if err != nil {
		return nil, err
	}
	frame.PinCount++
	return frame, nil
}

// Allocate chooses a fresh page id (monotonically increasing from the
// highest known), installs an empty page in a pinned, dirty frame, and
// returns it. Used by insert when no existing page has capacity.
func (p *Pool) Allocate(capacity int) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := model.PageID(p.nextPageID)
	p.nextPageID++

	page := model.NewPage(id, capacity)
	frame, err := p.admit(id, page)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", enginerr.ErrPageAllocFailed, err)
	}
	frame.PinCount++
	frame.Dirty = true
	return frame, nil
}

// admit inserts a freshly loaded/created page into the pool, evicting an
// LRU victim first if at capacity. Caller holds p.mu.
func (p *Pool) admit(id model.PageID, page *model.Page) (*Frame, error) {
	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}

	frame := &Frame{Page: page}
	p.frames[id] = frame
	p.elems[id] = p.lru.PushFront(id)
	return frame, nil
}

// evictLocked selects the LRU-most unpinned frame, flushing it first if
// dirty, and removes it from the pool. Caller holds p.mu.
func (p *Pool) evictLocked() error {
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		id := e.Value.(model.PageID)
		f := p.frames[id]
		if f.PinCount > 0 {
			continue
		}
		if f.Dirty {
			if p.flushOne == nil {
				return errors.New("bufferpool: dirty victim but no flush path wired")
			}
			if err := p.flushOne(f.Page); err != nil {
				logging.L().WithFields(map[string]interface{}{"page_id": id}).
					Warnf("failed to flush dirty victim on eviction: %v", err)
				return errors.Wrapf(err, "bufferpool: flush victim page %d", id)
			}
			p.stats.EvictionsDirty++
			p.stats.Writes++
		}
		p.lru.Remove(e)
		delete(p.elems, id)
		delete(p.frames, id)
		return nil
	}
	return errors.Wrap(enginerr.ErrBufferExhausted, "bufferpool: all frames pinned")
}

// touch moves pageID's LRU entry to the MRU end. Caller holds p.mu.
func (p *Pool) touch(id model.PageID) {
	if e, ok := p.elems[id]; ok {
		p.lru.MoveToFront(e)
	}
}

// Unpin decrements a frame's pin count and ORs in the dirty flag. It is
// an error to unpin a frame already at zero pins.
func (p *Pool) Unpin(pageID model.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[pageID]
	if !ok {
		return errors.Errorf("bufferpool: unpin unknown page %d", pageID)
	}
	if f.PinCount == 0 {
		return errors.Errorf("bufferpool: unpin page %d with zero pin count", pageID)
	}
	f.PinCount--
	if dirty {
		f.Dirty = true
	}
	return nil
}

// ClearDirty resets a frame's dirty flag without touching its pin
// count, used by checkpoint once a page's image is durably in place.
func (p *Pool) ClearDirty(pageID model.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.frames[pageID]
	if !ok {
		return errors.Errorf("bufferpool: clear dirty on unknown page %d", pageID)
	}
	if f.Dirty {
		f.Dirty = false
		p.stats.Writes++
	}
	return nil
}

// IterDirty returns every currently dirty frame, ascending by page id,
// pinning none of them — callers that need to hold them across I/O must
// pin explicitly via Fetch.
func (p *Pool) IterDirty() []*Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Frame
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		id := e.Value.(model.PageID)
		if f := p.frames[id]; f.Dirty {
			out = append(out, f)
		}
	}
	sortFramesByPageID(out)
	return out
}

func sortFramesByPageID(fs []*Frame) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && fs[j-1].Page.ID > fs[j].Page.ID; j-- {
			fs[j-1], fs[j] = fs[j], fs[j-1]
		}
	}
}

// Stats returns a snapshot of the pool's counters and occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Capacity = p.capacity
	s.ResidentPages = len(p.frames)
	for _, f := range p.frames {
		if f.Dirty {
			s.DirtyPages++
		}
	}
	return s
}

// DebugDump renders frame state for test failure messages and manual
// inspection.
func (p *Pool) DebugDump() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	type row struct {
		PageID   model.PageID
		PinCount int
		Dirty    bool
		Rows     int
	}
	var rows []row
	for id, f := range p.frames {
		rows = append(rows, row{id, f.PinCount, f.Dirty, len(f.Page.Rows)})
	}
	return fmt.Sprintf("bufferpool(cap=%d, resident=%d) %s", p.capacity, len(p.frames), pp.Sprint(rows))
}
