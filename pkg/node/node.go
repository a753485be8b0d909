// Package node defines the two node variants shared by every layer of the
// forest: leaf nodes (key to value) and index nodes (key to child id), plus
// the Frozen/Mutable flag that enforces the copy-on-write discipline.
//
// A node with refcount 1 may be unfrozen and edited in place; any other
// node must be cloned before it can change. Nothing in this package talks
// to a backend or a refcount store - it only models the node shape and the
// clone/size-cache bookkeeping that the tree layer relies on.
package node

import "bytes"

// State is the Frozen/Mutable flag carried by every in-memory node.
type State int

const (
	// Mutable nodes may be edited in place. Only a node whose refcount is
	// exactly 1 may be in this state.
	Mutable State = iota
	// Frozen nodes must not be mutated; Clone must be used instead.
	// A node becomes Frozen on Put to the backend and on Get from it.
	Frozen
)

// Leaf is a leaf node: parallel slices of keys and values, strictly
// ascending by key. Size caches the node's exact encoded size so the tree
// does not need to re-encode the node merely to decide whether an edit
// would overflow a block.
type Leaf struct {
	ID     uint64
	Keys   [][]byte
	Values [][]byte
	State  State
	Size   int // cached encoded size, valid only while non-negative
}

// Index is an index node: parallel slices of keys and child ids.
// len(Keys) == len(ChildIDs) >= 1 for any non-empty index. ChildIDs[i] is
// the root of the subtree covering [Keys[i], Keys[i+1]) (or [Keys[i], +inf)
// for the last entry).
type Index struct {
	ID       uint64
	Keys     [][]byte
	ChildIDs []uint64
	State    State
}

// NewLeaf returns a new, empty, mutable leaf with the given id.
func NewLeaf(id uint64) *Leaf {
	return &Leaf{ID: id, State: Mutable, Size: -1}
}

// NewIndex returns a new, empty, mutable index node with the given id.
func NewIndex(id uint64) *Index {
	return &Index{ID: id, State: Mutable}
}

// Clone returns a deep, mutable copy of l with a new id. The cached size is
// preserved since the contents are unchanged.
func (l *Leaf) Clone(newID uint64) *Leaf {
	c := &Leaf{
		ID:     newID,
		Keys:   make([][]byte, len(l.Keys)),
		Values: make([][]byte, len(l.Values)),
		State:  Mutable,
		Size:   l.Size,
	}
	for i := range l.Keys {
		c.Keys[i] = cloneBytes(l.Keys[i])
		c.Values[i] = cloneBytes(l.Values[i])
	}
	return c
}

// Clone returns a deep, mutable copy of x with a new id.
func (x *Index) Clone(newID uint64) *Index {
	c := &Index{
		ID:       newID,
		Keys:     make([][]byte, len(x.Keys)),
		ChildIDs: make([]uint64, len(x.ChildIDs)),
		State:    Mutable,
	}
	for i := range x.Keys {
		c.Keys[i] = cloneBytes(x.Keys[i])
	}
	copy(c.ChildIDs, x.ChildIDs)
	return c
}

// Freeze transitions the node to Frozen. Called by a backend on Put/Get.
func (l *Leaf) Freeze() {
	l.State = Frozen
}

func (x *Index) Freeze() {
	x.State = Frozen
}

// Unfreeze transitions the node to Mutable. Callers must only do this when
// the node's refcount is 1.
func (l *Leaf) Unfreeze() {
	l.State = Mutable
}

func (x *Index) Unfreeze() {
	x.State = Mutable
}

// find returns the index of the first key >= k (lower bound).
func find(keys [][]byte, k []byte) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(keys[mid], k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Find returns the position where k is (or should be inserted to stay
// sorted) among l's keys, and whether k is present at that position.
func (l *Leaf) Find(k []byte) (pos int, found bool) {
	pos = find(l.Keys, k)
	found = pos < len(l.Keys) && bytes.Equal(l.Keys[pos], k)
	return pos, found
}

// ChildFor returns the index of the child subtree that would hold key k:
// the last position i such that Keys[i] <= k, or 0 if k is below every key.
func (x *Index) ChildFor(k []byte) int {
	pos := find(x.Keys, k)
	if pos < len(x.Keys) && bytes.Equal(x.Keys[pos], k) {
		return pos
	}
	if pos == 0 {
		return 0
	}
	return pos - 1
}

// InsertPair inserts or replaces (k, v) in the leaf, which must already be
// Mutable. Returns true if this replaced an existing key.
func (l *Leaf) InsertPair(k, v []byte) (replaced bool) {
	pos, found := l.Find(k)
	if found {
		l.Values[pos] = cloneBytes(v)
		return true
	}
	l.Keys = insertAt(l.Keys, pos, cloneBytes(k))
	l.Values = insertAt(l.Values, pos, cloneBytes(v))
	return false
}

// RemovePair removes k from the leaf, which must already be Mutable.
// Returns false if k was not present.
func (l *Leaf) RemovePair(k []byte) bool {
	pos, found := l.Find(k)
	if !found {
		return false
	}
	l.Keys = deleteAt(l.Keys, pos)
	l.Values = deleteAt(l.Values, pos)
	return true
}

// InsertChild inserts a (key, childID) edge at position pos, shifting
// later edges right. The index must already be Mutable.
func (x *Index) InsertChild(pos int, key []byte, childID uint64) {
	x.Keys = insertAt(x.Keys, pos, cloneBytes(key))
	x.ChildIDs = insertAt(x.ChildIDs, pos, childID)
}

// RemoveChild removes the edge at position pos.
func (x *Index) RemoveChild(pos int) {
	x.Keys = deleteAt(x.Keys, pos)
	x.ChildIDs = deleteAt(x.ChildIDs, pos)
}

// AddChild inserts or, if key is already present, replaces the edge for
// key, keeping Keys sorted. The index must already be Mutable.
func (x *Index) AddChild(key []byte, childID uint64) {
	pos := find(x.Keys, key)
	if pos < len(x.Keys) && bytes.Equal(x.Keys[pos], key) {
		x.ChildIDs[pos] = childID
		return
	}
	x.Keys = insertAt(x.Keys, pos, cloneBytes(key))
	x.ChildIDs = insertAt(x.ChildIDs, pos, childID)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func insertAt[T any](s []T, pos int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func deleteAt[T any](s []T, pos int) []T {
	copy(s[pos:], s[pos+1:])
	return s[:len(s)-1]
}
