// Package membackend is a volatile, in-memory Backend implementation:
// keep the in-memory variant trivial, push the complexity into the disk
// variant. Used for tests and for embedders that don't need durability.
package membackend

import (
	"fmt"
	"iter"
	"maps"

	"cowforest/pkg/backend"
	"cowforest/pkg/codec"
	"cowforest/pkg/node"
	"cowforest/pkg/refcount"
)

// Backend is an in-memory Backend. All state lives in plain maps; Commit
// is a no-op, since nothing here is ever written to durable storage.
type Backend struct {
	codec *codec.Codec

	blocks map[uint64][]byte

	refcounts *refcount.Store
	groups    map[uint64][]byte

	metadata map[string]string
}

// New returns an empty in-memory Backend with the given key and block
// sizes.
func New(keySize, blockSize int) *Backend {
	b := &Backend{
		codec:    codec.New(keySize, blockSize),
		blocks:   make(map[uint64][]byte),
		groups:   make(map[uint64][]byte),
		metadata: make(map[string]string),
	}
	b.refcounts = refcount.New(b)
	return b
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) BlockSize() int    { return b.codec.BlockSize }
func (b *Backend) MaxValueSize() int { return b.codec.MaxValueSize() }

func (b *Backend) GetNode(id uint64) (*node.Leaf, *node.Index, error) {
	block, ok := b.blocks[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: id %d", backend.ErrNodeMissing, id)
	}
	l, x, _, err := b.codec.Decode(block)
	if err != nil {
		return nil, nil, err
	}
	return l, x, nil
}

func (b *Backend) PutLeaf(l *node.Leaf) error {
	block, err := b.codec.EncodeLeaf(l)
	if err != nil {
		return err
	}
	b.blocks[l.ID] = block
	l.Freeze()
	return nil
}

func (b *Backend) PutIndex(x *node.Index) error {
	block, err := b.codec.EncodeIndex(x)
	if err != nil {
		return err
	}
	b.blocks[x.ID] = block
	x.Freeze()
	return nil
}

func (b *Backend) RemoveNode(id uint64) error {
	if _, ok := b.blocks[id]; !ok {
		return fmt.Errorf("%w: id %d", backend.ErrNodeMissing, id)
	}
	delete(b.blocks, id)
	return nil
}

func (b *Backend) ListNodes() iter.Seq[uint64] {
	return maps.Keys(b.blocks)
}

func (b *Backend) CanBeModified(id uint64) (bool, error) {
	n, err := b.GetRefcount(id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *Backend) GetRefcount(id uint64) (uint16, error) {
	return b.refcounts.Get(id)
}

func (b *Backend) SetRefcount(id uint64, n uint16) {
	b.refcounts.Set(id, n)
}

func (b *Backend) SaveRefcounts() error {
	return b.refcounts.Save()
}

// LoadGroup and SaveGroup implement refcount.GroupStore directly against
// the in-memory group map.
func (b *Backend) LoadGroup(startID uint64) ([]byte, bool, error) {
	data, ok := b.groups[startID]
	return data, ok, nil
}

func (b *Backend) SaveGroup(startID uint64, data []byte) error {
	b.groups[startID] = append([]byte(nil), data...)
	return nil
}

func (b *Backend) GetMetadata(key string) (string, error) {
	v, ok := b.metadata[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", backend.ErrMetadataMissing, key)
	}
	return v, nil
}

func (b *Backend) SetMetadata(key, value string) {
	b.metadata[key] = value
}

func (b *Backend) RemoveMetadata(key string) {
	delete(b.metadata, key)
}

func (b *Backend) ListMetadata() iter.Seq[string] {
	return maps.Keys(b.metadata)
}

func (b *Backend) SaveMetadata() error {
	return nil
}

// Commit is a no-op: everything in this backend is already "durable" in
// the sense that it survives until the process exits.
func (b *Backend) Commit() error {
	return nil
}

func (b *Backend) Close() error {
	return nil
}

// Snapshot is a frozen, read-only view of the backend's node blocks as of
// the moment it was taken, letting concurrent readers proceed against a
// stable state while the live Backend keeps mutating - the in-memory
// analogue of "readers sharing a committed backend state."
type Snapshot struct {
	codec  *codec.Codec
	blocks map[uint64][]byte
}

// Snapshot captures the current set of node blocks. The returned Snapshot
// is unaffected by later writes to b.
func (b *Backend) Snapshot() *Snapshot {
	return &Snapshot{
		codec:  b.codec,
		blocks: maps.Clone(b.blocks),
	}
}

func (s *Snapshot) GetNode(id uint64) (*node.Leaf, *node.Index, error) {
	block, ok := s.blocks[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: id %d", backend.ErrNodeMissing, id)
	}
	l, x, _, err := s.codec.Decode(block)
	if err != nil {
		return nil, nil, err
	}
	return l, x, nil
}
