package cowbtree

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"cowforest/pkg/backend/membackend"
	"cowforest/pkg/codec"
)

// idAllocator is a trivial IDAllocator for tests.
type idAllocator struct{ next uint64 }

func (a *idAllocator) NewID() uint64 {
	a.next++
	return a.next
}

func newTestTree(t *testing.T, blockSize, keySize int) (*Tree, *membackend.Backend, *idAllocator) {
	t.Helper()
	b := membackend.New(keySize, blockSize)
	c := codec.New(keySize, blockSize)
	ids := &idAllocator{}
	tr, err := New(b, c, ids, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, b, ids
}

func key(n int) []byte {
	return []byte(fmt.Sprintf("%03d", n))
}

func TestInsertLookupSinglePair(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	if err := tr.Insert([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, err := tr.Lookup([]byte("foo"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if string(v) != "bar" {
		t.Fatalf("Lookup = %q, want bar", v)
	}
	if _, ok := tr.RootID(); !ok {
		t.Fatalf("expected a root id after first insert")
	}
}

func TestLookupEmptyTreeFails(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	if _, err := tr.Lookup([]byte("foo")); err != ErrKeyNotFound {
		t.Fatalf("Lookup on empty tree = %v, want ErrKeyNotFound", err)
	}
}

func TestInsertReplaceKeepsSize(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	must(t, tr.Insert(key(1), []byte("a")))
	must(t, tr.Insert(key(1), []byte("bb")))
	v, err := tr.Lookup(key(1))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if string(v) != "bb" {
		t.Fatalf("Lookup = %q, want bb", v)
	}
	n, err := tr.CountRange(key(0), key(999))
	if err != nil {
		t.Fatalf("CountRange: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountRange = %d, want 1", n)
	}
}

// checkInvariants walks the tree and verifies: every leaf is at the same
// depth, every node's keys are sorted and unique, and every non-root
// index holds at least one key.
func checkInvariants(t *testing.T, tr *Tree) {
	t.Helper()
	rootID, ok := tr.RootID()
	if !ok {
		return
	}
	leafDepth := -1
	var walk func(id uint64, depth int)
	walk = func(id uint64, depth int) {
		leaf, idx, err := tr.backend.GetNode(id)
		if err != nil {
			t.Fatalf("GetNode(%d): %v", id, err)
		}
		if leaf != nil {
			if leafDepth == -1 {
				leafDepth = depth
			} else if leafDepth != depth {
				t.Fatalf("leaf %d at depth %d, want %d", id, depth, leafDepth)
			}
			checkSorted(t, id, leaf.Keys)
			return
		}
		checkSorted(t, id, idx.Keys)
		if id != rootID && (len(idx.Keys) == 0) {
			t.Fatalf("non-root index %d has no keys", id)
		}
		for _, childID := range idx.ChildIDs {
			walk(childID, depth+1)
		}
	}
	walk(rootID, 0)
}

func checkSorted(t *testing.T, id uint64, keys [][]byte) {
	t.Helper()
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("node %d keys not strictly ascending: %q then %q", id, keys[i-1], keys[i])
		}
	}
}

func TestInsertRandomPermutationMaintainsInvariants(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	perm := rand.New(rand.NewSource(1)).Perm(100)
	for _, n := range perm {
		if err := tr.Insert(key(n), key(n)); err != nil {
			t.Fatalf("Insert(%d): %v", n, err)
		}
		checkInvariants(t, tr)
	}
	for n := 0; n < 100; n++ {
		v, err := tr.Lookup(key(n))
		if err != nil {
			t.Fatalf("Lookup(%d): %v", n, err)
		}
		if !bytes.Equal(v, key(n)) {
			t.Fatalf("Lookup(%d) = %q, want %q", n, v, key(n))
		}
	}
}

func TestRemoveRandomPermutationMaintainsInvariants(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	for n := 0; n < 100; n++ {
		must(t, tr.Insert(key(n), key(n)))
	}
	perm := rand.New(rand.NewSource(2)).Perm(100)
	for _, n := range perm {
		if err := tr.Remove(key(n)); err != nil {
			t.Fatalf("Remove(%d): %v", n, err)
		}
		checkInvariants(t, tr)
		if _, err := tr.Lookup(key(n)); err != ErrKeyNotFound {
			t.Fatalf("Lookup(%d) after remove = %v, want ErrKeyNotFound", n, err)
		}
	}
	rootID, ok := tr.RootID()
	if !ok {
		t.Fatalf("expected root to still exist after removing every key")
	}
	_, idx, err := tr.backend.GetNode(rootID)
	if err != nil {
		t.Fatalf("GetNode(root): %v", err)
	}
	if idx == nil {
		t.Fatalf("root is not an index node")
	}
	if len(idx.Keys) != 0 {
		t.Fatalf("root has %d keys after removing everything, want 0", len(idx.Keys))
	}
}

func TestRangeQueries(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	for _, n := range []int{2, 4, 6, 8} {
		must(t, tr.Insert(key(n), key(n)))
	}

	empty, err := tr.RangeIsEmpty(key(0), key(1))
	if err != nil {
		t.Fatalf("RangeIsEmpty: %v", err)
	}
	if !empty {
		t.Fatalf("RangeIsEmpty(000,001) = false, want true")
	}

	empty, err = tr.RangeIsEmpty(key(0), key(2))
	if err != nil {
		t.Fatalf("RangeIsEmpty: %v", err)
	}
	if empty {
		t.Fatalf("RangeIsEmpty(000,002) = true, want false")
	}

	pairs, err := tr.LookupRange(key(1), key(3))
	if err != nil {
		t.Fatalf("LookupRange: %v", err)
	}
	if len(pairs) != 1 || !bytes.Equal(pairs[0].Key, key(2)) {
		t.Fatalf("LookupRange(001,003) = %v, want [002]", pairs)
	}

	pairs, err = tr.LookupRange(key(0), key(999))
	if err != nil {
		t.Fatalf("LookupRange: %v", err)
	}
	if len(pairs) != 4 {
		t.Fatalf("LookupRange(000,999) returned %d pairs, want 4", len(pairs))
	}
	for i, n := range []int{2, 4, 6, 8} {
		if !bytes.Equal(pairs[i].Key, key(n)) {
			t.Fatalf("LookupRange order[%d] = %q, want %q", i, pairs[i].Key, key(n))
		}
	}
}

func TestRemoveOnlyKeyLeavesRootEmpty(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	must(t, tr.Insert(key(1), key(1)))
	must(t, tr.Remove(key(1)))
	if _, err := tr.Lookup(key(1)); err != ErrKeyNotFound {
		t.Fatalf("Lookup after removing only key = %v, want ErrKeyNotFound", err)
	}
	rootID, ok := tr.RootID()
	if !ok {
		t.Fatalf("root should still exist")
	}
	_, idx, err := tr.backend.GetNode(rootID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if idx == nil || len(idx.Keys) != 0 {
		t.Fatalf("root should be an empty index node")
	}
}

func TestKeySizeMismatch(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	if err := tr.Insert([]byte("ab"), []byte("x")); err == nil {
		t.Fatalf("Insert with short key should fail")
	}
}

func TestRemoveRange(t *testing.T) {
	tr, _, _ := newTestTree(t, 64, 3)
	for n := 0; n < 20; n++ {
		must(t, tr.Insert(key(n), key(n)))
	}
	must(t, tr.RemoveRange(key(5), key(14)))
	for n := 0; n < 20; n++ {
		_, err := tr.Lookup(key(n))
		inRange := n >= 5 && n <= 14
		if inRange && err != ErrKeyNotFound {
			t.Fatalf("Lookup(%d) after RemoveRange = %v, want ErrKeyNotFound", n, err)
		}
		if !inRange && err != nil {
			t.Fatalf("Lookup(%d) after RemoveRange = %v, want nil", n, err)
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
