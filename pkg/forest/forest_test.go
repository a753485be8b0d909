package forest

import (
	"errors"
	"testing"

	"cowforest/pkg/backend/diskbackend"
	"cowforest/pkg/cowbtree"
)

func openDisk(t *testing.T, dir string, opts Options) *Forest {
	t.Helper()
	b, err := diskbackend.Open(dir, diskbackend.DefaultOptions())
	if err != nil {
		t.Fatalf("diskbackend.Open: %v", err)
	}
	f, err := Open(b, opts)
	if err != nil {
		t.Fatalf("forest.Open: %v", err)
	}
	return f
}

// TestCommitReopenSinglePair is scenario 1: insert, lookup, commit,
// reopen, lookup again.
func TestCommitReopenSinglePair(t *testing.T) {
	dir := t.TempDir()

	f := openDisk(t, dir, Options{KeySize: 3, BlockSize: 64})
	tr, err := f.NewTree(nil)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if err := tr.Insert([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, err := tr.Lookup([]byte("foo"))
	if err != nil || string(v) != "bar" {
		t.Fatalf("Lookup = %q, %v, want bar, nil", v, err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2 := openDisk(t, dir, Options{KeySize: 3})
	defer f2.Close()
	if len(f2.Trees()) != 1 {
		t.Fatalf("reopened forest has %d trees, want 1", len(f2.Trees()))
	}
	v2, err := f2.Trees()[0].Lookup([]byte("foo"))
	if err != nil || string(v2) != "bar" {
		t.Fatalf("Lookup after reopen = %q, %v, want bar, nil", v2, err)
	}
}

// TestCloneIsolation is scenario 5: clone, diverge, commit, reopen, and
// check both trees kept their own contents.
func TestCloneIsolation(t *testing.T) {
	dir := t.TempDir()

	f := openDisk(t, dir, Options{KeySize: 3, BlockSize: 64})
	t1, err := f.NewTree(nil)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	must(t, t1.Insert([]byte("000"), []byte("foo")))
	must(t, t1.Insert([]byte("001"), []byte("bar")))

	t2, err := f.NewTree(t1)
	if err != nil {
		t.Fatalf("NewTree(template): %v", err)
	}
	must(t, t2.Insert([]byte("002"), []byte("foobar")))
	must(t, t2.Remove([]byte("000")))

	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2 := openDisk(t, dir, Options{KeySize: 3})
	defer f2.Close()
	trees := f2.Trees()
	if len(trees) != 2 {
		t.Fatalf("reopened forest has %d trees, want 2", len(trees))
	}
	r1, r2 := trees[0], trees[1]

	v, err := r1.Lookup([]byte("000"))
	if err != nil || string(v) != "foo" {
		t.Fatalf("t1.Lookup(000) = %q, %v, want foo, nil", v, err)
	}
	v, err = r1.Lookup([]byte("001"))
	if err != nil || string(v) != "bar" {
		t.Fatalf("t1.Lookup(001) = %q, %v, want bar, nil", v, err)
	}

	if _, err := r2.Lookup([]byte("000")); !errors.Is(err, cowbtree.ErrKeyNotFound) {
		t.Fatalf("t2.Lookup(000) = %v, want ErrKeyNotFound", err)
	}
	v, err = r2.Lookup([]byte("001"))
	if err != nil || string(v) != "bar" {
		t.Fatalf("t2.Lookup(001) = %q, %v, want bar, nil", v, err)
	}
	v, err = r2.Lookup([]byte("002"))
	if err != nil || string(v) != "foobar" {
		t.Fatalf("t2.Lookup(002) = %q, %v, want foobar, nil", v, err)
	}
}

// TestRemoveOnlyKeyOnFreshDiskForest is scenario 2 against a disk-backed
// forest with no intervening Commit: removing the only key shadows the
// root's only leaf (refcount 1) in place under its own id, so the node that decrement
// removes is the very one PutLeaf queued moments earlier and the backend
// may not yet have flushed past the upload queue.
func TestRemoveOnlyKeyOnFreshDiskForest(t *testing.T) {
	dir := t.TempDir()
	f := openDisk(t, dir, Options{KeySize: 3, BlockSize: 64})
	defer f.Close()

	tr, err := f.NewTree(nil)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	must(t, tr.Insert([]byte("foo"), []byte("bar")))
	must(t, tr.Remove([]byte("foo")))

	if _, err := tr.Lookup([]byte("foo")); !errors.Is(err, cowbtree.ErrKeyNotFound) {
		t.Fatalf("Lookup(foo) after Remove = %v, want ErrKeyNotFound", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestOpenRejectsKeySizeMismatch checks that a stored key_size must match
// exactly on reopen.
func TestOpenRejectsKeySizeMismatch(t *testing.T) {
	dir := t.TempDir()
	f := openDisk(t, dir, Options{KeySize: 3, BlockSize: 64})
	if _, err := f.NewTree(nil); err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := diskbackend.Open(dir, diskbackend.DefaultOptions())
	if err != nil {
		t.Fatalf("diskbackend.Open: %v", err)
	}
	if _, err := Open(b, Options{KeySize: 4, BlockSize: 64}); !errors.Is(err, ErrBadKeySize) {
		t.Fatalf("Open with mismatched key size = %v, want ErrBadKeySize", err)
	}
}

// TestOpenToleratesBlockSizeMismatch checks that a stored block_size wins
// over a caller's differing request, per the forest's documented open
// semantics.
func TestOpenToleratesBlockSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	f := openDisk(t, dir, Options{KeySize: 3, BlockSize: 64})
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2 := openDisk(t, dir, Options{KeySize: 3, BlockSize: 999})
	defer f2.Close()
	if f2.Codec().BlockSize != 64 {
		t.Fatalf("reopened forest block size = %d, want 64 (stored value should win)", f2.Codec().BlockSize)
	}
}

// TestOpenRequiresSizesForNewForest checks that a never-before-seen
// backend requires both sizes.
func TestOpenRequiresSizesForNewForest(t *testing.T) {
	dir := t.TempDir()
	b, err := diskbackend.Open(dir, diskbackend.DefaultOptions())
	if err != nil {
		t.Fatalf("diskbackend.Open: %v", err)
	}
	if _, err := Open(b, Options{}); !errors.Is(err, ErrMetadataMissingKey) {
		t.Fatalf("Open with no sizes and no metadata = %v, want ErrMetadataMissingKey", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
