// Package bptree is the row_id -> page_id index: a B+Tree with minimum
// degree fixed at construction, supporting point lookup, insert,
// delete, and ordered range walks, kept entirely in memory and
// persisted as a flattened sorted mapping at checkpoint.
package bptree

import (
	"sort"
	"sync"

	"github.com/go-innodb/enginecore/internal/diskstore"
	"github.com/go-innodb/enginecore/internal/enginerr"
	"github.com/go-innodb/enginecore/internal/model"
	"github.com/go-innodb/enginecore/internal/pagecodec"
	"github.com/pkg/errors"
)

// node is one B+Tree node. Leaves carry keys/values 1:1 and are chained
// via next for ordered range walks; internal nodes carry one more child
// than key, same as the classic B+Tree layout.
type node struct {
	leaf     bool
	keys     []model.RowID
	values   []model.PageID // leaf only, parallel to keys
	children []*node        // internal only, len(children) == len(keys)+1
	next     *node          // leaf only, in-order successor leaf
}

// Tree is a B+Tree keyed by row id. t is the minimum degree: Put keeps
// every node other than the root between t-1 and 2t-1 keys; Delete does
// not rebalance, so a leaf may fall below t-1 keys.
type Tree struct {
	mu   sync.RWMutex
	t    int
	root *node
}

// New returns an empty tree with the given minimum degree. t must be >= 2.
func New(t int) (*Tree, error) {
	if t < 2 {
		return nil, errors.New("bptree: t must be >= 2")
	}
	return &Tree{t: t, root: &node{leaf: true}}, nil
}

// Open loads a tree from its persisted flattened mapping, rebuilding
// node structure by repeated insertion in ascending key order — sorted
// input into an empty tree is deterministic, matching what Save wrote.
func Open(disk *diskstore.Store, t int) (*Tree, error) {
	tree, err := New(t)
	if err != nil {
		return nil, err
	}

	data, err := disk.ReadArtifact(diskstore.ArtifactIndex)
	if err != nil && !enginerr.Is(err, enginerr.ErrMissing) {
		return nil, errors.Wrap(err, "bptree: read index artifact")
	}
	blob, err := pagecodec.DecodeIndex(data)
	if err != nil {
		return nil, err
	}
	for _, e := range blob.Entries {
		tree.Put(e.RowID, e.PageID)
	}
	return tree, nil
}

// Save flattens the tree into ascending (row_id, page_id) pairs and
// persists it as the single index artifact.
func (t *Tree) Save(disk *diskstore.Store) error {
	t.mu.RLock()
	entries := t.flattenLocked()
	t.mu.RUnlock()

	blob, err := pagecodec.EncodeIndex(pagecodec.IndexBlob{Entries: entries})
	if err != nil {
		return err
	}
	if err := disk.WriteArtifact(diskstore.ArtifactIndex, blob); err != nil {
		return errors.Wrap(err, "bptree: write index artifact")
	}
	return disk.Flush()
}

func (t *Tree) flattenLocked() []pagecodec.IndexEntry {
	leaf := t.leftmostLeaf(t.root)
	var out []pagecodec.IndexEntry
	for leaf != nil {
		for i, k := range leaf.keys {
			out = append(out, pagecodec.IndexEntry{RowID: k, PageID: leaf.values[i]})
		}
		leaf = leaf.next
	}
	return out
}

func (t *Tree) leftmostLeaf(n *node) *node {
	for !n.leaf {
		n = n.children[0]
	}
	return n
}

// Get returns the page id mapped to rowID, or false if absent.
func (t *Tree) Get(rowID model.RowID) (model.PageID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	for !n.leaf {
		i := sort.Search(len(n.keys), func(i int) bool { return rowID < n.keys[i] })
		n = n.children[i]
	}
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= rowID })
	if i < len(n.keys) && n.keys[i] == rowID {
		return n.values[i], true
	}
	return model.InvalidPageID, false
}

// Put inserts or overwrites rowID's mapping to pageID.
func (t *Tree) Put(rowID model.RowID, pageID model.PageID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.root.keys) == 2*t.t-1 {
		oldRoot := t.root
		newRoot := &node{children: []*node{oldRoot}}
		t.splitChild(newRoot, 0)
		t.root = newRoot
	}
	t.insertNonFull(t.root, rowID, pageID)
}

func (t *Tree) insertNonFull(n *node, rowID model.RowID, pageID model.PageID) {
	if n.leaf {
		i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= rowID })
		if i < len(n.keys) && n.keys[i] == rowID {
			n.values[i] = pageID
			return
		}
		n.keys = append(n.keys, 0)
		copy(n.keys[i+1:], n.keys[i:])
		n.keys[i] = rowID
		n.values = append(n.values, 0)
		copy(n.values[i+1:], n.values[i:])
		n.values[i] = pageID
		return
	}

	i := sort.Search(len(n.keys), func(i int) bool { return rowID < n.keys[i] })
	if len(n.children[i].keys) == 2*t.t-1 {
		t.splitChild(n, i)
		if rowID >= n.keys[i] {
			i++
		}
	}
	t.insertNonFull(n.children[i], rowID, pageID)
}

// splitChild splits the full child at index i of internal node n. For a
// leaf child the median key is copied up (and stays in the right leaf,
// standard B+Tree); for an internal child the median key moves up and is
// removed from both halves.
func (t *Tree) splitChild(n *node, i int) {
	child := n.children[i]
	mid := t.t - 1

	if child.leaf {
		right := &node{leaf: true, next: child.next}
		right.keys = append(right.keys, child.keys[mid:]...)
		right.values = append(right.values, child.values[mid:]...)
		child.keys = child.keys[:mid]
		child.values = child.values[:mid]
		child.next = right

		n.children = append(n.children, nil)
		copy(n.children[i+2:], n.children[i+1:])
		n.children[i+1] = right

		n.keys = append(n.keys, 0)
		copy(n.keys[i+1:], n.keys[i:])
		n.keys[i] = right.keys[0]
		return
	}

	upKey := child.keys[mid]
	right := &node{}
	right.keys = append(right.keys, child.keys[mid+1:]...)
	right.children = append(right.children, child.children[mid+1:]...)
	child.keys = child.keys[:mid]
	child.children = child.children[:mid+1]

	n.children = append(n.children, nil)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = right

	n.keys = append(n.keys, 0)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = upKey
}

// Delete removes rowID's mapping, if present. Deletion is simplified
// relative to a textbook B+Tree: leaves remove the key directly and
// internal nodes are left with a (now-stale but harmless) separator key
// pointing into a leaf that may underflow below t-1 entries. This keeps
// point lookups and range walks correct — a lookup only ever needs the
// separator to choose a branch, not to be a key still present in a
// leaf — at the cost of not reclaiming sparse nodes.
func (t *Tree) Delete(rowID model.RowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for !n.leaf {
		i := sort.Search(len(n.keys), func(i int) bool { return rowID < n.keys[i] })
		n = n.children[i]
	}
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] >= rowID })
	if i >= len(n.keys) || n.keys[i] != rowID {
		return false
	}
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.values = append(n.values[:i], n.values[i+1:]...)
	return true
}

// Range returns a lazy ascending cursor over every (row_id, page_id)
// pair with lo <= row_id <= hi. Each call to the returned function
// yields the next entry and true, or a zero value and false once
// exhausted — the leaf-chain linking makes this a plain forward walk
// with no intermediate slice materialized.
func (t *Tree) Range(lo, hi model.RowID) func() (pagecodec.IndexEntry, bool) {
	t.mu.RLock()
	leaf := t.root
	for !leaf.leaf {
		i := sort.Search(len(leaf.keys), func(i int) bool { return lo < leaf.keys[i] })
		leaf = leaf.children[i]
	}
	idx := sort.Search(len(leaf.keys), func(i int) bool { return leaf.keys[i] >= lo })
	t.mu.RUnlock()

	return func() (pagecodec.IndexEntry, bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()

		for leaf != nil {
			if idx >= len(leaf.keys) {
				leaf = leaf.next
				idx = 0
				continue
			}
			if leaf.keys[idx] > hi {
				return pagecodec.IndexEntry{}, false
			}
			entry := pagecodec.IndexEntry{RowID: leaf.keys[idx], PageID: leaf.values[idx]}
			idx++
			return entry, true
		}
		return pagecodec.IndexEntry{}, false
	}
}

// Len returns the total number of entries, for tests.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	leaf := t.leftmostLeaf(t.root)
	for leaf != nil {
		count += len(leaf.keys)
		leaf = leaf.next
	}
	return count
}

// MaxRowID returns the highest row id currently in the tree, or false if
// it is empty. Used to seed a fresh-row-id generator after reopening an
// existing data directory so newly minted ids never collide with ones
// already indexed.
func (t *Tree) MaxRowID() (model.RowID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf := t.leftmostLeaf(t.root)
	var max model.RowID
	found := false
	for leaf != nil {
		if len(leaf.keys) > 0 {
			found = true
			if k := leaf.keys[len(leaf.keys)-1]; k > max {
				max = k
			}
		}
		leaf = leaf.next
	}
	return max, found
}
