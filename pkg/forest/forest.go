// Package forest ties a Backend, a set of live copy-on-write B-trees, and
// the forest-wide id counter together, and owns the small textual
// metadata that makes a forest reopenable: the format tag, key and block
// sizes, the id counter, and the root id of every live tree. Uses the
// two-phase backend.Open-then-Configure split a disk-backed store needs
// to read its own stored sizes before its codec can be built.
package forest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cowforest/pkg/backend"
	"cowforest/pkg/codec"
	"cowforest/pkg/cowbtree"
)

// FormatTag is written to and checked against the backend's "format"
// metadata key. It never changes across block or key sizes; only a wire
// format change would bump it.
const FormatTag = "1/1"

// ErrBadKeySize is returned by Open when the caller's key size does not
// match a forest that already has data.
var ErrBadKeySize = errors.New("forest: stored key_size does not match requested key_size")

// ErrMetadataMissingKey is returned by Open when key_size/block_size are
// required (no forest exists yet) but were not given.
var ErrMetadataMissingKey = errors.New("forest: key_size and block_size are required to create a new forest")

// ErrFormatProblem is returned by Open when the backend's stored format
// tag does not match FormatTag.
var ErrFormatProblem = errors.New("forest: on-disk format mismatch")

// configurable is implemented by backends (diskbackend.Backend) whose
// codec cannot be built until Open has resolved the final key and block
// sizes. membackend.Backend does not implement it: it already knows its
// sizes at construction.
type configurable interface {
	Configure(keySize, blockSize int)
}

// Options configures Open. KeySize and BlockSize are required only when
// opening a backend with no forest metadata yet.
type Options struct {
	KeySize   int
	BlockSize int
}

// Forest is a set of B-trees that share one backend and may share
// subtrees. Not safe for concurrent use; the caller serializes writers.
type Forest struct {
	backend backend.Backend
	codec   *codec.Codec
	trees   []*cowbtree.Tree
	lastID  uint64
}

// Open opens or creates a forest on b. If b has no stored metadata yet,
// opts.KeySize and opts.BlockSize must be given. Otherwise the stored key
// size must match opts.KeySize exactly (ErrBadKeySize); a mismatched
// block size is tolerated and the stored value wins, since changing the
// block size of an existing forest is not supported.
func Open(b backend.Backend, opts Options) (*Forest, error) {
	storedKeySize, haveKeySize, err := getIntMetadata(b, "key_size")
	if err != nil {
		return nil, err
	}
	storedBlockSize, haveBlockSize, err := getIntMetadata(b, "node_size")
	if err != nil {
		return nil, err
	}

	var keySize, blockSize int
	switch {
	case haveKeySize && haveBlockSize:
		if opts.KeySize != 0 && opts.KeySize != storedKeySize {
			return nil, fmt.Errorf("%w: store has %d, wanted %d", ErrBadKeySize, storedKeySize, opts.KeySize)
		}
		keySize = storedKeySize
		blockSize = storedBlockSize
	case !haveKeySize && !haveBlockSize:
		if opts.KeySize <= 0 || opts.BlockSize <= 0 {
			return nil, ErrMetadataMissingKey
		}
		keySize = opts.KeySize
		blockSize = opts.BlockSize
	default:
		return nil, fmt.Errorf("%w: forest metadata has one of key_size/node_size but not both", ErrMetadataMissingKey)
	}

	if c, ok := b.(configurable); ok {
		c.Configure(keySize, blockSize)
	}

	if err := checkFormat(b); err != nil {
		return nil, err
	}

	f := &Forest{
		backend: b,
		codec:   codec.New(keySize, blockSize),
	}

	if lastID, ok, err := getUintMetadata(b, "last_id"); err != nil {
		return nil, err
	} else if ok {
		f.lastID = lastID
	}

	rootIDsStr, err := b.GetMetadata("root_ids")
	if err != nil && !errors.Is(err, backend.ErrMetadataMissing) {
		return nil, err
	}
	if err == nil && strings.TrimSpace(rootIDsStr) != "" {
		for _, s := range strings.Split(rootIDsStr, ",") {
			id, perr := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
			if perr != nil {
				return nil, fmt.Errorf("forest: corrupt root_ids metadata: %w", perr)
			}
			t, terr := cowbtree.New(b, f.codec, f, id, true)
			if terr != nil {
				return nil, terr
			}
			f.trees = append(f.trees, t)
		}
	}

	return f, nil
}

func checkFormat(b backend.Backend) error {
	stored, err := b.GetMetadata("format")
	if err != nil {
		if !errors.Is(err, backend.ErrMetadataMissing) {
			return err
		}
		b.SetMetadata("format", FormatTag)
		return nil
	}
	if stored != FormatTag {
		return fmt.Errorf("%w: on-disk format %q, want %q", ErrFormatProblem, stored, FormatTag)
	}
	return nil
}

func getIntMetadata(b backend.Backend, key string) (value int, ok bool, err error) {
	s, err := b.GetMetadata(key)
	if err != nil {
		if errors.Is(err, backend.ErrMetadataMissing) {
			return 0, false, nil
		}
		return 0, false, err
	}
	n, perr := strconv.Atoi(s)
	if perr != nil {
		return 0, false, fmt.Errorf("forest: corrupt %s metadata: %w", key, perr)
	}
	return n, true, nil
}

func getUintMetadata(b backend.Backend, key string) (value uint64, ok bool, err error) {
	s, err := b.GetMetadata(key)
	if err != nil {
		if errors.Is(err, backend.ErrMetadataMissing) {
			return 0, false, nil
		}
		return 0, false, err
	}
	n, perr := strconv.ParseUint(s, 10, 64)
	if perr != nil {
		return 0, false, fmt.Errorf("forest: corrupt %s metadata: %w", key, perr)
	}
	return n, true, nil
}

// NewID hands out the next node id, implementing cowbtree.IDAllocator.
func (f *Forest) NewID() uint64 {
	f.lastID++
	return f.lastID
}

// Trees returns the forest's live trees, in creation order.
func (f *Forest) Trees() []*cowbtree.Tree {
	return f.trees
}

// RootIDs returns the root id of every live tree that has one, for
// handing to pkg/integrity.
func (f *Forest) RootIDs() []uint64 {
	ids := make([]uint64, 0, len(f.trees))
	for _, t := range f.trees {
		if id, ok := t.RootID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Codec returns the forest's node codec, for handing to pkg/integrity.
func (f *Forest) Codec() *codec.Codec {
	return f.codec
}

// Backend returns the forest's underlying backend, for handing to
// pkg/integrity.
func (f *Forest) Backend() backend.Backend {
	return f.backend
}

// NewTree creates a new tree in the forest. If template is nil the tree
// starts empty; otherwise it starts as a clone of template's current root
// (sharing every child subtree, each of whose refcounts is bumped once),
// so the two trees can evolve independently from that point on.
func (f *Forest) NewTree(template *cowbtree.Tree) (*cowbtree.Tree, error) {
	var keys [][]byte
	var childIDs []uint64
	if template != nil {
		if rootID, ok := template.RootID(); ok {
			_, idx, err := f.backend.GetNode(rootID)
			if err != nil {
				return nil, err
			}
			keys = make([][]byte, len(idx.Keys))
			for i, k := range idx.Keys {
				keys[i] = append([]byte(nil), k...)
			}
			childIDs = append([]uint64(nil), idx.ChildIDs...)
		}
	}

	t, err := cowbtree.New(f.backend, f.codec, f, 0, false)
	if err != nil {
		return nil, err
	}
	if err := t.SetNewRoot(keys, childIDs); err != nil {
		return nil, err
	}
	f.trees = append(f.trees, t)
	return t, nil
}

// RemoveTree drops t's root reference (cascading any resulting deletes)
// and removes it from the forest's live list.
func (f *Forest) RemoveTree(t *cowbtree.Tree) error {
	if rootID, ok := t.RootID(); ok {
		if err := t.Decrement(rootID); err != nil {
			return err
		}
	}
	for i, tr := range f.trees {
		if tr == t {
			f.trees = append(f.trees[:i], f.trees[i+1:]...)
			break
		}
	}
	return nil
}

// Commit writes the forest's bookkeeping metadata (id counter, live root
// ids, key and block sizes), saves refcounts, and asks the backend to
// commit atomically.
func (f *Forest) Commit() error {
	f.backend.SetMetadata("last_id", strconv.FormatUint(f.lastID, 10))

	ids := make([]string, 0, len(f.trees))
	for _, t := range f.trees {
		if id, ok := t.RootID(); ok {
			ids = append(ids, strconv.FormatUint(id, 10))
		}
	}
	f.backend.SetMetadata("root_ids", strings.Join(ids, ","))
	f.backend.SetMetadata("key_size", strconv.Itoa(f.codec.KeySize))
	f.backend.SetMetadata("node_size", strconv.Itoa(f.codec.BlockSize))

	if err := f.backend.SaveMetadata(); err != nil {
		return err
	}
	if err := f.backend.SaveRefcounts(); err != nil {
		return err
	}
	return f.backend.Commit()
}

// Close releases the backend's resources.
func (f *Forest) Close() error {
	return f.backend.Close()
}
