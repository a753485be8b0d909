// Package diskbackend is the durable Backend implementation of forest
// storage: one file per node block under a balanced hashed directory
// tree, a grouped refcount table, and a staged new/delete journal whose
// single new/metadata -> metadata rename is the commit point: durability
// hinges on that one well-placed write, generalized from a single mmap'd
// file to a directory of per-node files since the forest's node identity
// model - one immutable block per id - doesn't fit a page-addressed file.
package diskbackend

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"cowforest/internal/flock"
	"cowforest/pkg/backend"
	"cowforest/pkg/cache"
	"cowforest/pkg/codec"
	"cowforest/pkg/node"
	"cowforest/pkg/refcount"
)

// Options configures a disk-backed forest as a plain, documented-defaults
// struct.
type Options struct {
	// CacheSize is the number of encoded node blocks kept in the LRU
	// cache. Zero disables caching.
	CacheSize int
	// UploadBatchSize is how many queued node writes accumulate before
	// an automatic flush to the journal. Must be at least 1.
	UploadBatchSize int
	// ReadOnly opens the backend without acquiring the single-writer
	// lock. Mutating calls are not rejected.
	ReadOnly bool
}

// DefaultOptions returns sensible defaults: a 1024-block cache and a
// 64-write upload batch.
func DefaultOptions() Options {
	return Options{CacheSize: 1024, UploadBatchSize: 64}
}

// Backend is the durable forest storage implementation.
type Backend struct {
	dir     string
	opts    Options
	journal *journal
	codec   *codec.Codec // nil until Configure is called

	refcounts *refcount.Store
	nodeCache *cache.LRUNodeCache
	uploadQ   *cache.UploadQueue

	metadata map[string]string
	lockFile *os.File
}

var _ backend.Backend = (*Backend)(nil)

// Open opens (creating if necessary) the forest directory at dir,
// recovering from any interrupted commit, acquiring the single-writer
// advisory lock unless opts.ReadOnly, and loading whatever metadata is
// already stored. The returned Backend's codec is not yet usable; callers
// (ordinarily pkg/forest) must call Configure once the final key and
// block sizes are resolved against stored metadata.
func Open(dir string, opts Options) (*Backend, error) {
	if opts.UploadBatchSize <= 0 {
		opts.UploadBatchSize = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	j := &journal{root: dir}
	if err := j.recover(); err != nil {
		return nil, fmt.Errorf("diskbackend: recovering journal: %w", err)
	}

	b := &Backend{
		dir:      dir,
		opts:     opts,
		journal:  j,
		metadata: make(map[string]string),
	}

	if !opts.ReadOnly {
		lf, err := os.OpenFile(filepath.Join(dir, "lock"), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		if err := flock.Lock(lf); err != nil {
			lf.Close()
			return nil, fmt.Errorf("diskbackend: %w", err)
		}
		b.lockFile = lf
	}

	data, ok, err := j.read(metadataPath)
	if err != nil {
		return nil, err
	}
	if ok {
		b.metadata = decodeMetadata(data)
	}

	b.nodeCache = cache.NewLRUNodeCache(opts.CacheSize)
	b.uploadQ = cache.NewUploadQueue(opts.UploadBatchSize, b.writeBackBlock)
	b.refcounts = refcount.New(b)

	return b, nil
}

// Configure finalizes the wire codec. Must be called exactly once, before
// any Get/Put, with the key and block sizes the caller has resolved
// (stored metadata wins on block size per forest open semantics).
func (b *Backend) Configure(keySize, blockSize int) {
	b.codec = codec.New(keySize, blockSize)
}

func (b *Backend) BlockSize() int {
	return b.codec.BlockSize
}

func (b *Backend) MaxValueSize() int {
	return b.codec.MaxValueSize()
}

func (b *Backend) writeBackBlock(id uint64, block []byte) error {
	return b.journal.stageWrite(nodePath(id), block)
}

func (b *Backend) readBlock(id uint64) ([]byte, bool, error) {
	if block, ok := b.uploadQ.Peek(id); ok {
		return block, true, nil
	}
	if block, ok := b.nodeCache.Get(id); ok {
		return block, true, nil
	}
	block, ok, err := b.journal.read(nodePath(id))
	if err != nil {
		return nil, false, err
	}
	if ok {
		b.nodeCache.Put(id, block)
	}
	return block, ok, nil
}

func (b *Backend) GetNode(id uint64) (*node.Leaf, *node.Index, error) {
	block, ok, err := b.readBlock(id)
	if err != nil {
		return nil, nil, err
	}
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
	l.Freeze()
	b.nodeCache.Put(l.ID, block)
	return b.uploadQ.Push(l.ID, block)
}

func (b *Backend) PutIndex(x *node.Index) error {
	block, err := b.codec.EncodeIndex(x)
	if err != nil {
		return err
	}
	x.Freeze()
	b.nodeCache.Put(x.ID, block)
	return b.uploadQ.Push(x.ID, block)
}

func (b *Backend) RemoveNode(id uint64) error {
	b.nodeCache.Remove(id)
	hadPending := b.uploadQ.Remove(id)
	ok, err := b.journal.stageRemove(nodePath(id))
	if err != nil {
		return err
	}
	if !ok && !hadPending {
		return fmt.Errorf("%w: id %d", backend.ErrNodeMissing, id)
	}
	return nil
}

func (b *Backend) ListNodes() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		if err := b.uploadQ.Flush(); err != nil {
			return
		}
		seen := make(map[uint64]bool)
		stopped := false
		for _, root := range []string{filepath.Join(b.dir, nodesDir), b.journal.newPath(nodesDir)} {
			_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil || d == nil || d.IsDir() {
					return nil
				}
				var id uint64
				if _, err := fmt.Sscanf(filepath.Base(path), "%016x", &id); err != nil {
					return nil
				}
				if seen[id] {
					return nil
				}
				seen[id] = true
				if !yield(id) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			})
			if stopped {
				return
			}
		}
	}
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

func (b *Backend) LoadGroup(startID uint64) ([]byte, bool, error) {
	return b.journal.read(refcountGroupPath(startID))
}

func (b *Backend) SaveGroup(startID uint64, data []byte) error {
	return b.journal.stageWrite(refcountGroupPath(startID), data)
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
	return func(yield func(string) bool) {
		for k := range b.metadata {
			if !yield(k) {
				return
			}
		}
	}
}

func (b *Backend) SaveMetadata() error {
	return b.journal.stageWrite(metadataPath, encodeMetadata(b.metadata))
}

// Commit flushes the upload queue, then asks the journal to promote every
// staged write (metadata last) and drop every staged delete. This is the
// durability pivot: once the new/metadata -> metadata rename lands, the
// commit has happened regardless of what fails afterward.
func (b *Backend) Commit() error {
	if err := b.uploadQ.Flush(); err != nil {
		return err
	}
	return b.journal.commit()
}

func (b *Backend) Close() error {
	if b.lockFile == nil {
		return nil
	}
	if err := flock.Unlock(b.lockFile); err != nil {
		b.lockFile.Close()
		return err
	}
	return b.lockFile.Close()
}
