// Package backend declares the storage contract the B-tree relies on: get
// and put encoded node blocks and forest metadata by id, track refcounts,
// and commit durably. Two implementations exist: membackend (volatile, for
// tests and embedding) and diskbackend (journaled, crash-atomic).
//
// Mirrors the split the forest draws between its interface-first contract
// package and its concrete implementations: Backend names the shape, the
// subpackages provide it.
package backend

import (
	"errors"
	"iter"

	"cowforest/pkg/node"
)

// ErrNodeMissing is returned by GetNode/RemoveNode when the requested id
// has no block.
var ErrNodeMissing = errors.New("backend: node missing")

// ErrMetadataMissing is returned by GetMetadata for an unset key.
var ErrMetadataMissing = errors.New("backend: metadata key missing")

// Backend is the storage contract consumed by pkg/cowbtree and
// pkg/forest. All methods are synchronous; there is no internal
// concurrency.
type Backend interface {
	// BlockSize is the fixed block size nodes must encode within.
	BlockSize() int
	// MaxValueSize is the largest value a leaf pair may hold.
	MaxValueSize() int

	// GetNode fetches and decodes a node by id, freezing it, and reports
	// which variant it is: exactly one of leaf/index is non-nil. Fails
	// with ErrNodeMissing if id has no stored block, or a codec error if
	// the block is corrupt.
	GetNode(id uint64) (leaf *node.Leaf, index *node.Index, err error)

	// PutLeaf and PutIndex encode and persist a node, freezing it.
	// Replacing an existing id is allowed.
	PutLeaf(l *node.Leaf) error
	PutIndex(x *node.Index) error

	// RemoveNode deletes the block for id. Fails with ErrNodeMissing if
	// absent.
	RemoveNode(id uint64) error

	// ListNodes iterates every node id currently present.
	ListNodes() iter.Seq[uint64]

	// CanBeModified reports whether id's refcount is exactly 1.
	CanBeModified(id uint64) (bool, error)

	// GetRefcount and SetRefcount read and write the refcount table.
	// SaveRefcounts flushes dirty entries to durable storage (but does
	// not itself commit - see Commit).
	GetRefcount(id uint64) (uint16, error)
	SetRefcount(id uint64, n uint16)
	SaveRefcounts() error

	// Metadata is a small string-keyed store for forest bookkeeping
	// (format tag, key size, block size, last id, root ids).
	GetMetadata(key string) (string, error)
	SetMetadata(key, value string)
	RemoveMetadata(key string)
	ListMetadata() iter.Seq[string]
	SaveMetadata() error

	// Commit makes every change since the last Commit durable, atomically.
	Commit() error

	// Close releases any resources (file handles, locks) held by the
	// backend.
	Close() error
}
