// Package cowbtree implements the copy-on-write B-tree that backs each
// tree in a forest. Every node is immutable once its refcount rises above
// one; an edit always starts by deciding whether the node touched can be
// changed in place (shadow) or must be cloned under a fresh id, and the
// cost of that decision is paid once per node on the path from the root
// down to the edit, not once per key.
//
// The root is always an index node, even for a tree holding a single
// pair: lookups, inserts and removes all start by descending through
// index nodes and only touch a leaf at the very bottom.
package cowbtree

import (
	"bytes"
	"errors"
	"fmt"

	"cowforest/pkg/backend"
	"cowforest/pkg/codec"
	"cowforest/pkg/node"
)

// ErrKeyNotFound is returned by Lookup and Remove when the key is absent.
var ErrKeyNotFound = errors.New("cowbtree: key not found")

// ErrKeySize is returned when a caller passes a key of the wrong length.
var ErrKeySize = errors.New("cowbtree: wrong key size")

// ErrValueTooLarge is returned when a value exceeds the codec's max value
// size.
var ErrValueTooLarge = errors.New("cowbtree: value too large")

// IDAllocator hands out node ids. A forest supplies one shared across all
// its trees so ids never collide between them.
type IDAllocator interface {
	NewID() uint64
}

// KV is a single key/value pair returned by a range lookup.
type KV struct {
	Key   []byte
	Value []byte
}

// Tree is one copy-on-write B-tree within a forest.
type Tree struct {
	backend     backend.Backend
	codec       *codec.Codec
	ids         IDAllocator
	root        *node.Index
	maxIndexLen int
}

// New opens a tree rooted at rootID, or an empty tree if hasRoot is false.
// rootID must name an index node.
func New(b backend.Backend, c *codec.Codec, ids IDAllocator, rootID uint64, hasRoot bool) (*Tree, error) {
	t := &Tree{
		backend:     b,
		codec:       c,
		ids:         ids,
		maxIndexLen: c.MaxIndexPairs(),
	}
	if hasRoot {
		_, idx, err := b.GetNode(rootID)
		if err != nil {
			return nil, err
		}
		if idx == nil {
			return nil, fmt.Errorf("cowbtree: root %d is not an index node", rootID)
		}
		t.root = idx
	}
	return t, nil
}

// RootID reports the tree's current root id, or ok=false for a tree that
// has never held a root node.
func (t *Tree) RootID() (id uint64, ok bool) {
	if t.root == nil {
		return 0, false
	}
	return t.root.ID, true
}

// SetNewRoot installs a fresh index node over the given children as this
// tree's root, incrementing each child's refcount. Used by a forest to
// seed a brand new tree (nil keys/childIDs) or a clone of another tree's
// root (the template's keys/childIDs).
func (t *Tree) SetNewRoot(keys [][]byte, childIDs []uint64) error {
	idx, err := t.newIndex(keys, childIDs)
	if err != nil {
		return err
	}
	return t.setRoot(idx)
}

// Decrement exposes the tree's lazy refcount decrement to a forest, which
// needs it to drop a removed tree's root reference.
func (t *Tree) Decrement(id uint64) error {
	return t.decrement(id)
}

func (t *Tree) checkKeySize(key []byte) error {
	if len(key) != t.codec.KeySize {
		return fmt.Errorf("%w: key is %d bytes, want %d", ErrKeySize, len(key), t.codec.KeySize)
	}
	return nil
}

func (t *Tree) checkValueSize(value []byte) error {
	if max := t.codec.MaxValueSize(); len(value) > max {
		return fmt.Errorf("%w: value is %d bytes, max %d", ErrValueTooLarge, len(value), max)
	}
	return nil
}

// Lookup returns the value stored for key, or ErrKeyNotFound.
func (t *Tree) Lookup(key []byte) ([]byte, error) {
	if err := t.checkKeySize(key); err != nil {
		return nil, err
	}
	if t.root == nil || len(t.root.Keys) == 0 {
		return nil, ErrKeyNotFound
	}
	idx := t.root
	for {
		pos := idx.ChildFor(key)
		childID := idx.ChildIDs[pos]
		leaf, childIdx, err := t.backend.GetNode(childID)
		if err != nil {
			return nil, err
		}
		if childIdx != nil {
			idx = childIdx
			continue
		}
		p, found := leaf.Find(key)
		if !found {
			return nil, ErrKeyNotFound
		}
		return leaf.Values[p], nil
	}
}

// childRange returns the inclusive [start, end] range of child positions
// in idx whose subtrees can hold a key in [minkey, maxkey].
func childRange(idx *node.Index, minkey, maxkey []byte) (start, end int) {
	return idx.ChildFor(minkey), idx.ChildFor(maxkey)
}

// collectLeafRange calls yield for every (key, value) pair in l with a key
// in [minkey, maxkey], stopping early if yield returns false.
func collectLeafRange(l *node.Leaf, minkey, maxkey []byte, yield func(k, v []byte) bool) bool {
	pos, _ := l.Find(minkey)
	for i := pos; i < len(l.Keys); i++ {
		if bytes.Compare(l.Keys[i], maxkey) > 0 {
			break
		}
		if !yield(l.Keys[i], l.Values[i]) {
			return false
		}
	}
	return true
}

// walkRange reports false once yield has asked to stop, so no further
// children are visited.
func (t *Tree) walkRange(nodeID uint64, minkey, maxkey []byte, yield func(k, v []byte) bool) (bool, error) {
	leaf, idx, err := t.backend.GetNode(nodeID)
	if err != nil {
		return false, err
	}
	if leaf != nil {
		return collectLeafRange(leaf, minkey, maxkey, yield), nil
	}
	if len(idx.Keys) == 0 {
		return true, nil
	}
	start, end := childRange(idx, minkey, maxkey)
	for i := start; i <= end; i++ {
		more, err := t.walkRange(idx.ChildIDs[i], minkey, maxkey, yield)
		if err != nil || !more {
			return more, err
		}
	}
	return true, nil
}

// LookupRange returns every (key, value) pair with a key in the inclusive
// range [minkey, maxkey].
func (t *Tree) LookupRange(minkey, maxkey []byte) ([]KV, error) {
	if err := t.checkKeySize(minkey); err != nil {
		return nil, err
	}
	if err := t.checkKeySize(maxkey); err != nil {
		return nil, err
	}
	if t.root == nil || len(t.root.Keys) == 0 {
		return nil, nil
	}
	var result []KV
	_, err := t.walkRange(t.root.ID, minkey, maxkey, func(k, v []byte) bool {
		result = append(result, KV{Key: k, Value: v})
		return true
	})
	return result, err
}

// CountRange returns the number of keys in the inclusive range
// [minkey, maxkey], without materializing the pairs.
func (t *Tree) CountRange(minkey, maxkey []byte) (int, error) {
	if err := t.checkKeySize(minkey); err != nil {
		return 0, err
	}
	if err := t.checkKeySize(maxkey); err != nil {
		return 0, err
	}
	if t.root == nil || len(t.root.Keys) == 0 {
		return 0, nil
	}
	count := 0
	_, err := t.walkRange(t.root.ID, minkey, maxkey, func(k, v []byte) bool {
		count++
		return true
	})
	return count, err
}

// RangeIsEmpty reports whether no key falls in [minkey, maxkey]. It drives
// the range walk directly rather than calling CountRange so it can stop at
// the first match instead of visiting the whole range.
func (t *Tree) RangeIsEmpty(minkey, maxkey []byte) (bool, error) {
	if err := t.checkKeySize(minkey); err != nil {
		return false, err
	}
	if err := t.checkKeySize(maxkey); err != nil {
		return false, err
	}
	if t.root == nil || len(t.root.Keys) == 0 {
		return true, nil
	}
	empty := true
	_, err := t.walkRange(t.root.ID, minkey, maxkey, func(k, v []byte) bool {
		empty = false
		return false
	})
	return empty, err
}

func (t *Tree) newID() uint64 {
	return t.ids.NewID()
}

func (t *Tree) newLeaf(keys, values [][]byte) *node.Leaf {
	return &node.Leaf{ID: t.newID(), Keys: keys, Values: values, State: node.Mutable, Size: -1}
}

// newIndex builds a fresh index node over existing children, incrementing
// each child's refcount since the new node is another reference to them.
func (t *Tree) newIndex(keys [][]byte, childIDs []uint64) (*node.Index, error) {
	idx := &node.Index{ID: t.newID(), Keys: keys, ChildIDs: childIDs, State: node.Mutable}
	for _, id := range childIDs {
		if err := t.increment(id); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (t *Tree) leafSize(l *node.Leaf) int {
	if l.Size < 0 {
		l.Size = t.codec.LeafSize(l.Keys, l.Values)
	}
	return l.Size
}

// shadowIndex returns a version of x that is safe to modify in place:
// x itself if its refcount is 1, otherwise a fresh clone under a new id
// (which bumps every child's refcount, since it is now referenced twice).
func (t *Tree) shadowIndex(x *node.Index) (*node.Index, error) {
	ok, err := t.backend.CanBeModified(x.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		x.Unfreeze()
		return x, nil
	}
	nx := &node.Index{
		ID:       t.newID(),
		Keys:     cloneKeySlice(x.Keys),
		ChildIDs: append([]uint64(nil), x.ChildIDs...),
		State:    node.Mutable,
	}
	for _, id := range nx.ChildIDs {
		if err := t.increment(id); err != nil {
			return nil, err
		}
	}
	return nx, nil
}

// shadowLeaf is shadowIndex's leaf counterpart. Cloning a leaf has no
// children to re-reference.
func (t *Tree) shadowLeaf(l *node.Leaf) (*node.Leaf, error) {
	ok, err := t.backend.CanBeModified(l.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		l.Unfreeze()
		return l, nil
	}
	nl := l.Clone(t.newID())
	nl.Size = l.Size
	return nl, nil
}

func cloneKeySlice(keys [][]byte) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = append([]byte(nil), k...)
	}
	return out
}

// setRoot installs newRoot as the tree's root, decrementing the previous
// root (if any and if different) and pinning the new one at refcount 1:
// a root is never shared between trees.
func (t *Tree) setRoot(newRoot *node.Index) error {
	if t.root != nil && t.root.ID != newRoot.ID {
		if err := t.decrement(t.root.ID); err != nil {
			return err
		}
	}
	if err := t.backend.PutIndex(newRoot); err != nil {
		return err
	}
	t.root = newRoot
	t.backend.SetRefcount(newRoot.ID, 1)
	return nil
}

// Insert stores value under key, silently replacing any existing value.
func (t *Tree) Insert(key, value []byte) error {
	if err := t.checkKeySize(key); err != nil {
		return err
	}
	if err := t.checkValueSize(value); err != nil {
		return err
	}

	var newRoot *node.Index
	if t.root == nil || len(t.root.Keys) == 0 {
		leaf := t.newLeaf([][]byte{append([]byte(nil), key...)}, [][]byte{append([]byte(nil), value...)})
		if err := t.backend.PutLeaf(leaf); err != nil {
			return err
		}
		if t.root == nil {
			idx, err := t.newIndex([][]byte{append([]byte(nil), key...)}, []uint64{leaf.ID})
			if err != nil {
				return err
			}
			newRoot = idx
		} else {
			shadowed, err := t.shadowIndex(t.root)
			if err != nil {
				return err
			}
			shadowed.AddChild(key, leaf.ID)
			if err := t.increment(leaf.ID); err != nil {
				return err
			}
			newRoot = shadowed
		}
	} else {
		kids, err := t.insertIntoIndex(t.root, key, value)
		if err != nil {
			return err
		}
		if len(kids) == 1 {
			_, idx, err := t.backend.GetNode(kids[0].id)
			if err != nil {
				return err
			}
			newRoot = idx
		} else {
			keys := make([][]byte, len(kids))
			childIDs := make([]uint64, len(kids))
			for i, k := range kids {
				keys[i] = k.firstKey
				childIDs[i] = k.id
			}
			idx, err := t.newIndex(keys, childIDs)
			if err != nil {
				return err
			}
			newRoot = idx
		}
	}
	return t.setRoot(newRoot)
}

// kidEdge names a replacement child produced by a split: its id and the
// first key of its range, enough to link it into a parent index.
type kidEdge struct {
	id       uint64
	firstKey []byte
}

// insertIntoIndex inserts key/value below oldIndex, returning one kidEdge
// if no split was needed or two if oldIndex had to split. Never changes
// the tree's height; the caller decides what to do with two results.
func (t *Tree) insertIntoIndex(oldIndex *node.Index, key, value []byte) ([]kidEdge, error) {
	newIndex, err := t.shadowIndex(oldIndex)
	if err != nil {
		return nil, err
	}

	pos := newIndex.ChildFor(key)
	childID := newIndex.ChildIDs[pos]

	childLeaf, childIdx, err := t.backend.GetNode(childID)
	if err != nil {
		return nil, err
	}

	var newKids []kidEdge
	if childIdx != nil {
		newKids, err = t.insertIntoIndex(childIdx, key, value)
	} else {
		newKids, err = t.insertIntoLeaf(childLeaf, key, value)
	}
	if err != nil {
		return nil, err
	}

	newIndex.RemoveChild(pos)
	doDec := true
	for _, kid := range newKids {
		newIndex.AddChild(kid.firstKey, kid.id)
		if kid.id != childID {
			if err := t.increment(kid.id); err != nil {
				return nil, err
			}
		} else {
			doDec = false
		}
	}
	if doDec {
		if err := t.decrement(childID); err != nil {
			return nil, err
		}
	}

	if len(newIndex.Keys) > t.maxIndexLen {
		n := len(newIndex.Keys) / 2
		split := &node.Index{
			ID:       t.newID(),
			Keys:     append([][]byte(nil), newIndex.Keys[n:]...),
			ChildIDs: append([]uint64(nil), newIndex.ChildIDs[n:]...),
			State:    node.Mutable,
		}
		newIndex.Keys = newIndex.Keys[:n]
		newIndex.ChildIDs = newIndex.ChildIDs[:n]
		if err := t.backend.PutIndex(newIndex); err != nil {
			return nil, err
		}
		if err := t.backend.PutIndex(split); err != nil {
			return nil, err
		}
		return []kidEdge{
			{id: newIndex.ID, firstKey: newIndex.Keys[0]},
			{id: split.ID, firstKey: split.Keys[0]},
		}, nil
	}

	if err := t.backend.PutIndex(newIndex); err != nil {
		return nil, err
	}
	return []kidEdge{{id: newIndex.ID, firstKey: newIndex.Keys[0]}}, nil
}

// insertIntoLeaf is insertIntoIndex's base case.
func (t *Tree) insertIntoLeaf(leaf *node.Leaf, key, value []byte) ([]kidEdge, error) {
	newLeaf, err := t.shadowLeaf(leaf)
	if err != nil {
		return nil, err
	}

	oldSize := t.leafSize(newLeaf)
	pos, found := newLeaf.Find(key)
	var oldValue []byte
	if found {
		oldValue = newLeaf.Values[pos]
	}
	newLeaf.InsertPair(key, value)
	if found {
		newLeaf.Size = t.codec.LeafSizeDeltaReplace(oldSize, oldValue, value)
	} else {
		newLeaf.Size = t.codec.LeafSizeDeltaAdd(oldSize, value)
	}

	maxSize := t.codec.BlockSize
	if t.leafSize(newLeaf) <= maxSize {
		if err := t.backend.PutLeaf(newLeaf); err != nil {
			return nil, err
		}
		return []kidEdge{{id: newLeaf.ID, firstKey: newLeaf.Keys[0]}}, nil
	}

	n := len(newLeaf.Keys) / 2
	second := t.newLeaf(append([][]byte(nil), newLeaf.Keys[n:]...), append([][]byte(nil), newLeaf.Values[n:]...))
	newLeaf.Keys = newLeaf.Keys[:n]
	newLeaf.Values = newLeaf.Values[:n]
	newLeaf.Size = -1

	if t.leafSize(second) > maxSize {
		for t.leafSize(second) > maxSize {
			newLeaf.Keys = append(newLeaf.Keys, second.Keys[0])
			newLeaf.Values = append(newLeaf.Values, second.Values[0])
			second.Keys = second.Keys[1:]
			second.Values = second.Values[1:]
			second.Size = -1
			newLeaf.Size = -1
		}
	} else if t.leafSize(newLeaf) > maxSize {
		for t.leafSize(newLeaf) > maxSize {
			last := len(newLeaf.Keys) - 1
			second.Keys = append([][]byte{newLeaf.Keys[last]}, second.Keys...)
			second.Values = append([][]byte{newLeaf.Values[last]}, second.Values...)
			newLeaf.Keys = newLeaf.Keys[:last]
			newLeaf.Values = newLeaf.Values[:last]
			second.Size = -1
			newLeaf.Size = -1
		}
	}

	if err := t.backend.PutLeaf(newLeaf); err != nil {
		return nil, err
	}
	if err := t.backend.PutLeaf(second); err != nil {
		return nil, err
	}
	return []kidEdge{
		{id: newLeaf.ID, firstKey: newLeaf.Keys[0]},
		{id: second.ID, firstKey: second.Keys[0]},
	}, nil
}

// Remove deletes key and its value, returning ErrKeyNotFound if absent.
func (t *Tree) Remove(key []byte) error {
	if err := t.checkKeySize(key); err != nil {
		return err
	}
	if t.root == nil || len(t.root.Keys) == 0 {
		return ErrKeyNotFound
	}
	newRoot, err := t.removeFromIndex(t.root, key)
	if err != nil {
		return err
	}
	if err := t.setRoot(newRoot); err != nil {
		return err
	}
	return t.reduceHeight()
}

func (t *Tree) removeFromIndex(oldIndex *node.Index, key []byte) (*node.Index, error) {
	pos := oldIndex.ChildFor(key)
	childID := oldIndex.ChildIDs[pos]

	newIndex, err := t.shadowIndex(oldIndex)
	if err != nil {
		return nil, err
	}

	childLeaf, childIdx, err := t.backend.GetNode(childID)
	if err != nil {
		return nil, err
	}

	if childIdx != nil {
		if len(childIdx.Keys) == 0 {
			return nil, ErrKeyNotFound
		}
		newKid, err := t.removeFromIndex(childIdx, key)
		if err != nil {
			return nil, err
		}
		newIndex.RemoveChild(pos)
		if len(newKid.Keys) > 0 {
			if err := t.addOrMergeIndex(newIndex, newKid); err != nil {
				return nil, err
			}
		} else if newKid.ID != childID {
			if err := t.decrement(newKid.ID); err != nil {
				return nil, err
			}
		}
		if err := t.decrement(childID); err != nil {
			return nil, err
		}
	} else {
		newLeaf, err := t.shadowLeaf(childLeaf)
		if err != nil {
			return nil, err
		}
		if !newLeaf.RemovePair(key) {
			return nil, ErrKeyNotFound
		}
		newLeaf.Size = -1
		if err := t.backend.PutLeaf(newLeaf); err != nil {
			return nil, err
		}
		newIndex.RemoveChild(pos)
		if len(newLeaf.Keys) > 0 {
			if err := t.addOrMergeLeaf(newIndex, newLeaf); err != nil {
				return nil, err
			}
		} else if newLeaf.ID != childID {
			if err := t.decrement(newLeaf.ID); err != nil {
				return nil, err
			}
		}
		if err := t.decrement(childID); err != nil {
			return nil, err
		}
	}

	if err := t.backend.PutIndex(newIndex); err != nil {
		return nil, err
	}
	return newIndex, nil
}

// lowerBound returns the first position in keys whose entry is >= k.
func lowerBound(keys [][]byte, k []byte) int {
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

// addOrMergeIndex links idx into parent, first trying to fold it into
// whichever neighboring sibling (by key order) it fits against, falling
// back to adding it as its own edge.
func (t *Tree) addOrMergeIndex(parent *node.Index, idx *node.Index) error {
	pos := lowerBound(parent.Keys, idx.Keys[0])

	var merged *node.Index
	var err error
	if pos > 0 {
		merged, err = t.tryMergeIndex(parent, idx, pos-1)
		if err != nil {
			return err
		}
	}
	if merged == nil && pos < len(parent.Keys) {
		merged, err = t.tryMergeIndex(parent, idx, pos)
		if err != nil {
			return err
		}
	}
	if merged == nil {
		merged = idx
	}

	if err := t.backend.PutIndex(merged); err != nil {
		return err
	}
	parent.AddChild(merged.Keys[0], merged.ID)
	if err := t.increment(merged.ID); err != nil {
		return err
	}
	if merged.ID != idx.ID {
		if err := t.decrement(idx.ID); err != nil {
			return err
		}
	}
	return nil
}

// tryMergeIndex merges idx into the sibling at parent's child position
// siblingPos, returning nil if the combined node would overflow.
func (t *Tree) tryMergeIndex(parent *node.Index, idx *node.Index, siblingPos int) (*node.Index, error) {
	siblingID := parent.ChildIDs[siblingPos]
	_, sibling, err := t.backend.GetNode(siblingID)
	if err != nil {
		return nil, err
	}
	if sibling == nil {
		return nil, fmt.Errorf("cowbtree: sibling %d of index %d is not an index node", siblingID, parent.ID)
	}
	if len(idx.Keys)+len(sibling.Keys) > t.maxIndexLen {
		return nil, nil
	}

	merged, err := t.shadowIndex(idx)
	if err != nil {
		return nil, err
	}
	for i, k := range sibling.Keys {
		merged.AddChild(k, sibling.ChildIDs[i])
		if err := t.increment(sibling.ChildIDs[i]); err != nil {
			return nil, err
		}
	}
	if err := t.backend.PutIndex(merged); err != nil {
		return nil, err
	}
	parent.RemoveChild(siblingPos)
	if err := t.decrement(siblingID); err != nil {
		return nil, err
	}
	return merged, nil
}

// addOrMergeLeaf is addOrMergeIndex's leaf counterpart.
func (t *Tree) addOrMergeLeaf(parent *node.Index, l *node.Leaf) error {
	pos := lowerBound(parent.Keys, l.Keys[0])

	var merged *node.Leaf
	var err error
	if pos > 0 {
		merged, err = t.tryMergeLeaf(parent, l, pos-1)
		if err != nil {
			return err
		}
	}
	if merged == nil && pos < len(parent.Keys) {
		merged, err = t.tryMergeLeaf(parent, l, pos)
		if err != nil {
			return err
		}
	}
	if merged == nil {
		merged = l
	}

	if err := t.backend.PutLeaf(merged); err != nil {
		return err
	}
	parent.AddChild(merged.Keys[0], merged.ID)
	if err := t.increment(merged.ID); err != nil {
		return err
	}
	if merged.ID != l.ID {
		if err := t.decrement(l.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) tryMergeLeaf(parent *node.Index, l *node.Leaf, siblingPos int) (*node.Leaf, error) {
	siblingID := parent.ChildIDs[siblingPos]
	sibling, _, err := t.backend.GetNode(siblingID)
	if err != nil {
		return nil, err
	}
	if sibling == nil {
		return nil, fmt.Errorf("cowbtree: sibling %d of index %d is not a leaf node", siblingID, parent.ID)
	}
	if t.leafSize(l)+t.leafSize(sibling) > t.codec.BlockSize {
		return nil, nil
	}

	merged, err := t.shadowLeaf(l)
	if err != nil {
		return nil, err
	}
	for i, k := range sibling.Keys {
		merged.InsertPair(k, sibling.Values[i])
	}
	merged.Size = -1
	if err := t.backend.PutLeaf(merged); err != nil {
		return nil, err
	}
	parent.RemoveChild(siblingPos)
	if err := t.decrement(siblingID); err != nil {
		return nil, err
	}
	return merged, nil
}

// RemoveRange deletes every key in the inclusive range [minkey, maxkey].
func (t *Tree) RemoveRange(minkey, maxkey []byte) error {
	if err := t.checkKeySize(minkey); err != nil {
		return err
	}
	if err := t.checkKeySize(maxkey); err != nil {
		return err
	}
	pairs, err := t.LookupRange(minkey, maxkey)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := t.Remove(p.Key); err != nil {
			return err
		}
	}
	return nil
}

// reduceHeight collapses runs of single-child index nodes left behind by
// deletions: if the root has exactly one child, that child is an index
// node, and nothing else shares it, the child can simply become the new
// root.
func (t *Tree) reduceHeight() error {
	for t.root != nil && len(t.root.Keys) == 1 {
		childID := t.root.ChildIDs[0]
		rc, err := t.backend.GetRefcount(childID)
		if err != nil {
			return err
		}
		if rc != 1 {
			break
		}
		childLeaf, childIdx, err := t.backend.GetNode(childID)
		if err != nil {
			return err
		}
		if childLeaf != nil {
			break
		}
		// Prevent the child from being removed when the old root's
		// refcount drops to zero; setRoot will pin it back to 1.
		t.backend.SetRefcount(childIdx.ID, 2)
		if err := t.setRoot(childIdx); err != nil {
			return err
		}
	}
	return nil
}

// increment bumps id's refcount by one. Never recurses: the node's
// children were already accounted for when it was first created or
// cloned.
func (t *Tree) increment(id uint64) error {
	n, err := t.backend.GetRefcount(id)
	if err != nil {
		return err
	}
	t.backend.SetRefcount(id, n+1)
	return nil
}

// decrement drops id's refcount by one, and if that reaches zero, removes
// the node and lazily decrements its children too - the only place a
// delete cascades. Driven by an explicit stack rather than recursion so a
// long chain of zero-refcount nodes can't exhaust the call stack.
func (t *Tree) decrement(id uint64) error {
	stack := []uint64{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, err := t.backend.GetRefcount(cur)
		if err != nil {
			return err
		}
		if n > 1 {
			t.backend.SetRefcount(cur, n-1)
			continue
		}

		_, idx, err := t.backend.GetNode(cur)
		if err != nil {
			return err
		}
		if idx != nil {
			stack = append(stack, idx.ChildIDs...)
		}
		if err := t.backend.RemoveNode(cur); err != nil {
			return err
		}
		t.backend.SetRefcount(cur, 0)
	}
	return nil
}
