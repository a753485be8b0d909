package diskbackend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cowforest/pkg/backend"
	"cowforest/pkg/node"
)

func open(t *testing.T, dir string) *Backend {
	t.Helper()
	b, err := Open(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b.Configure(3, 64)
	return b
}

func TestPutGetCommitReopen(t *testing.T) {
	dir := t.TempDir()
	b := open(t, dir)

	l := node.NewLeaf(1)
	l.InsertPair([]byte("abc"), []byte("v"))
	if err := b.PutLeaf(l); err != nil {
		t.Fatalf("PutLeaf: %v", err)
	}
	b.SetMetadata("key_size", "3")
	if err := b.SaveMetadata(); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2 := open(t, dir)
	defer b2.Close()
	got, _, err := b2.GetNode(1)
	if err != nil {
		t.Fatalf("GetNode after reopen: %v", err)
	}
	if string(got.Values[0]) != "v" {
		t.Fatalf("Values[0] = %q, want v", got.Values[0])
	}
	v, err := b2.GetMetadata("key_size")
	if err != nil || v != "3" {
		t.Fatalf("GetMetadata(key_size) = %q, %v, want 3, nil", v, err)
	}
}

func TestUncommittedWritesDoNotSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	b := open(t, dir)

	l := node.NewLeaf(1)
	if err := b.PutLeaf(l); err != nil {
		t.Fatalf("PutLeaf: %v", err)
	}
	// Flush to the journal's staging area, but never call Commit: the
	// write should not be visible after a fresh Open.
	if err := b.uploadQ.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2 := open(t, dir)
	defer b2.Close()
	if _, _, err := b2.GetNode(1); !errors.Is(err, backend.ErrNodeMissing) {
		t.Fatalf("GetNode after reopen without commit = %v, want ErrNodeMissing", err)
	}
}

func TestRecoverReplaysInterruptedCommit(t *testing.T) {
	dir := t.TempDir()
	b := open(t, dir)
	l := node.NewLeaf(1)
	if err := b.PutLeaf(l); err != nil {
		t.Fatalf("PutLeaf: %v", err)
	}
	if err := b.uploadQ.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// Stage metadata directly, simulating the state right before the
	// commit-point rename, then stop without calling Commit.
	if err := b.journal.stageWrite(metadataPath, encodeMetadata(map[string]string{"key_size": "3"})); err != nil {
		t.Fatalf("stageWrite: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "new", metadataPath)); err != nil {
		t.Fatalf("expected staged metadata to still be present: %v", err)
	}

	b2 := open(t, dir)
	defer b2.Close()
	// Open's recovery pass sees staged metadata and replays the commit.
	if _, _, err := b2.GetNode(1); err != nil {
		t.Fatalf("GetNode after recovery replay: %v", err)
	}
	v, err := b2.GetMetadata("key_size")
	if err != nil || v != "3" {
		t.Fatalf("GetMetadata(key_size) after recovery = %q, %v, want 3, nil", v, err)
	}
}

func TestRemoveMissingNodeFails(t *testing.T) {
	dir := t.TempDir()
	b := open(t, dir)
	defer b.Close()
	if err := b.RemoveNode(42); !errors.Is(err, backend.ErrNodeMissing) {
		t.Fatalf("RemoveNode(42) = %v, want ErrNodeMissing", err)
	}
}

func TestRemovePendingUnflushedWriteSucceeds(t *testing.T) {
	dir := t.TempDir()
	b := open(t, dir)
	defer b.Close()

	l := node.NewLeaf(1)
	l.InsertPair([]byte("abc"), []byte("v"))
	if err := b.PutLeaf(l); err != nil {
		t.Fatalf("PutLeaf: %v", err)
	}
	// The write above is still sitting in the upload queue, well under
	// DefaultOptions' batch size, so nothing has reached the journal yet.
	if err := b.RemoveNode(1); err != nil {
		t.Fatalf("RemoveNode on a pending, unflushed write: %v", err)
	}
	if _, _, err := b.GetNode(1); !errors.Is(err, backend.ErrNodeMissing) {
		t.Fatalf("GetNode(1) after RemoveNode = %v, want ErrNodeMissing", err)
	}
}

func TestListNodes(t *testing.T) {
	dir := t.TempDir()
	b := open(t, dir)
	defer b.Close()

	for _, id := range []uint64{1, 2, 3} {
		l := node.NewLeaf(id)
		if err := b.PutLeaf(l); err != nil {
			t.Fatalf("PutLeaf(%d): %v", id, err)
		}
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	seen := make(map[uint64]bool)
	for id := range b.ListNodes() {
		seen[id] = true
	}
	for _, id := range []uint64{1, 2, 3} {
		if !seen[id] {
			t.Fatalf("ListNodes did not include id %d", id)
		}
	}
}

func TestSecondOpenIsLocked(t *testing.T) {
	dir := t.TempDir()
	b := open(t, dir)
	defer b.Close()

	if _, err := Open(dir, DefaultOptions()); err == nil {
		t.Fatalf("second Open of a locked directory should fail")
	}
}
