// Package codec encodes and decodes forest nodes to and from fixed-size
// blocks. Two block variants exist, each starting with a 4-byte magic
// cookie:
//
//	leaf block:  cookie "ORBL" | id uint64 | pair count uint32 |
//	             keys (pairCount * key_size) |
//	             value lengths (pairCount * uint32) |
//	             value bytes (concatenated)
//
//	index block: cookie "ORBI" | id uint64 | pair count uint32 |
//	             keys (pairCount * key_size) |
//	             child ids (pairCount * uint64)
//
// All multi-byte integers are big-endian, matching the header layout the
// forest's on-disk format has always used.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"cowforest/pkg/node"
)

// ErrCodec is returned by Decode when a block has an unrecognised magic
// cookie or is too short to contain a valid header.
var ErrCodec = errors.New("codec: corrupt block")

// ErrNodeTooBig is returned by EncodeLeaf and EncodeIndex when the caller
// asks to persist a block larger than blockSize.
var ErrNodeTooBig = errors.New("codec: encoded node exceeds block size")

const (
	leafCookie  = "ORBL"
	indexCookie = "ORBI"

	// cookie(4) + id(8) + count(4)
	headerSize = 4 + 8 + 4
)

// Codec holds the forest-wide sizing parameters that the wire format
// depends on: fixed key size and the block size every encoded node must
// fit within.
type Codec struct {
	KeySize   int
	BlockSize int
}

// New returns a Codec for the given key and block sizes.
func New(keySize, blockSize int) *Codec {
	return &Codec{KeySize: keySize, BlockSize: blockSize}
}

// MaxValueSize is the largest value a leaf pair may hold: half a block minus
// the one-pair leaf overhead, so a one-pair leaf always fits in a block.
func (c *Codec) MaxValueSize() int {
	return c.BlockSize/2 - c.leafHeaderOverhead()
}

// leafHeaderOverhead is the fixed per-pair + header cost of a one-pair leaf:
// header + one key + one 4-byte length prefix.
func (c *Codec) leafHeaderOverhead() int {
	return headerSize + c.KeySize + 4
}

// MaxIndexPairs is the branching factor: the most (key, child id) pairs an
// index block can hold.
func (c *Codec) MaxIndexPairs() int {
	return (c.BlockSize - headerSize) / (c.KeySize + 8)
}

// LeafSize returns the exact encoded size of a leaf with the given keys
// and values, without allocating the encoding itself.
func (c *Codec) LeafSize(keys, values [][]byte) int {
	size := headerSize + len(keys)*c.KeySize + len(keys)*4
	for _, v := range values {
		size += len(v)
	}
	return size
}

// LeafSizeDeltaAdd predicts the new encoded size after adding a pair whose
// key is not currently present, given the old exact size and the new
// value.
func (c *Codec) LeafSizeDeltaAdd(oldSize int, newValue []byte) int {
	return oldSize + c.KeySize + 4 + len(newValue)
}

// LeafSizeDeltaReplace predicts the new encoded size after replacing the
// value for an existing key, given the old exact size, the old value, and
// the new value.
func (c *Codec) LeafSizeDeltaReplace(oldSize int, oldValue, newValue []byte) int {
	return oldSize - len(oldValue) + len(newValue)
}

// EncodeLeaf encodes l as a leaf block. Fails with ErrNodeTooBig if the
// result would exceed BlockSize.
func (c *Codec) EncodeLeaf(l *node.Leaf) ([]byte, error) {
	size := c.LeafSize(l.Keys, l.Values)
	if size > c.BlockSize {
		return nil, fmt.Errorf("%w: node %d encodes to %d bytes, block size is %d", ErrNodeTooBig, l.ID, size, c.BlockSize)
	}
	buf := make([]byte, size)
	off := c.writeHeader(buf, leafCookie, l.ID, len(l.Keys))

	for _, k := range l.Keys {
		off += copy(buf[off:], k)
	}
	for _, v := range l.Values {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(v)))
		off += 4
	}
	for _, v := range l.Values {
		off += copy(buf[off:], v)
	}
	return buf, nil
}

// EncodeIndex encodes x as an index block. Fails with ErrNodeTooBig if the
// result would exceed BlockSize.
func (c *Codec) EncodeIndex(x *node.Index) ([]byte, error) {
	size := headerSize + len(x.Keys)*c.KeySize + len(x.ChildIDs)*8
	if size > c.BlockSize {
		return nil, fmt.Errorf("%w: node %d encodes to %d bytes, block size is %d", ErrNodeTooBig, x.ID, size, c.BlockSize)
	}
	buf := make([]byte, size)
	off := c.writeHeader(buf, indexCookie, x.ID, len(x.Keys))

	for _, k := range x.Keys {
		off += copy(buf[off:], k)
	}
	for _, id := range x.ChildIDs {
		binary.BigEndian.PutUint64(buf[off:], id)
		off += 8
	}
	return buf, nil
}

func (c *Codec) writeHeader(buf []byte, cookie string, id uint64, count int) int {
	copy(buf[0:4], cookie)
	binary.BigEndian.PutUint64(buf[4:12], id)
	binary.BigEndian.PutUint32(buf[12:16], uint32(count))
	return headerSize
}

// Decode decodes a block into either a *node.Leaf or a *node.Index,
// identified by the returned bool (true for leaf). Fails with ErrCodec on
// an unrecognised cookie or a block too short to hold a valid header.
func (c *Codec) Decode(block []byte) (leaf *node.Leaf, index *node.Index, isLeaf bool, err error) {
	if len(block) < headerSize {
		return nil, nil, false, fmt.Errorf("%w: block of %d bytes shorter than header", ErrCodec, len(block))
	}
	cookie := string(block[0:4])
	id := binary.BigEndian.Uint64(block[4:12])
	count := int(binary.BigEndian.Uint32(block[12:16]))

	switch cookie {
	case leafCookie:
		l, err := c.decodeLeaf(block, id, count)
		return l, nil, true, err
	case indexCookie:
		x, err := c.decodeIndex(block, id, count)
		return nil, x, false, err
	default:
		return nil, nil, false, fmt.Errorf("%w: unrecognised cookie %q", ErrCodec, cookie)
	}
}

func (c *Codec) decodeLeaf(block []byte, id uint64, count int) (*node.Leaf, error) {
	off := headerSize
	keysEnd := off + count*c.KeySize
	if keysEnd > len(block) {
		return nil, fmt.Errorf("%w: leaf %d truncated in keys", ErrCodec, id)
	}
	keys := make([][]byte, count)
	for i := 0; i < count; i++ {
		keys[i] = append([]byte(nil), block[off:off+c.KeySize]...)
		off += c.KeySize
	}

	lengths := make([]int, count)
	for i := 0; i < count; i++ {
		if off+4 > len(block) {
			return nil, fmt.Errorf("%w: leaf %d truncated in value lengths", ErrCodec, id)
		}
		lengths[i] = int(binary.BigEndian.Uint32(block[off : off+4]))
		off += 4
	}

	values := make([][]byte, count)
	for i := 0; i < count; i++ {
		if off+lengths[i] > len(block) {
			return nil, fmt.Errorf("%w: leaf %d truncated in value bytes", ErrCodec, id)
		}
		values[i] = append([]byte(nil), block[off:off+lengths[i]]...)
		off += lengths[i]
	}

	return &node.Leaf{
		ID:     id,
		Keys:   keys,
		Values: values,
		State:  node.Frozen,
		Size:   len(block),
	}, nil
}

func (c *Codec) decodeIndex(block []byte, id uint64, count int) (*node.Index, error) {
	off := headerSize
	keysEnd := off + count*c.KeySize
	if keysEnd > len(block) {
		return nil, fmt.Errorf("%w: index %d truncated in keys", ErrCodec, id)
	}
	keys := make([][]byte, count)
	for i := 0; i < count; i++ {
		keys[i] = append([]byte(nil), block[off:off+c.KeySize]...)
		off += c.KeySize
	}

	childIDsEnd := off + count*8
	if childIDsEnd > len(block) {
		return nil, fmt.Errorf("%w: index %d truncated in child ids", ErrCodec, id)
	}
	childIDs := make([]uint64, count)
	for i := 0; i < count; i++ {
		childIDs[i] = binary.BigEndian.Uint64(block[off : off+8])
		off += 8
	}

	return &node.Index{
		ID:       id,
		Keys:     keys,
		ChildIDs: childIDs,
		State:    node.Frozen,
	}, nil
}
