// Package integrity implements an offline consistency checker (fsck) for
// a forest: it walks every tree from its root, verifying node shape,
// key-window nesting, and encoded size, then cross-checks every node's
// stored refcount against one recomputed from the edges actually found
// during the walk, and flags any stored node that no tree reaches.
//
// The structural check and the root check are folded into a single
// traversal; the orphan check and the refcount comparison run in a second
// pass over every stored node. Refcount recomputation and fix mode go
// further than a purely read-only report.
package integrity

import (
	"bytes"
	"errors"
	"fmt"

	"cowforest/pkg/backend"
	"cowforest/pkg/codec"
	"cowforest/pkg/node"
)

// Problem is one consistency violation found by Check.
type Problem struct {
	Node    uint64
	Message string
}

func (p Problem) String() string {
	return fmt.Sprintf("node %d: %s", p.Node, p.Message)
}

// Checker walks a fixed set of tree roots against a backend.
type Checker struct {
	backend backend.Backend
	codec   *codec.Codec
	roots   []uint64
}

// New returns a Checker that will walk the given root ids.
func New(b backend.Backend, c *codec.Codec, roots []uint64) *Checker {
	return &Checker{backend: b, codec: c, roots: roots}
}

// frame is one pending node in the walk, with the half-open [minkey,
// maxkey) window its keys must fall within. A nil maxkey means no upper
// bound: the rightmost spine of a tree has no finite key that could
// serve as a sentinel, since any byte string is a legal key.
type frame struct {
	id             uint64
	minkey, maxkey []byte
	isRoot         bool
}

// Check walks every root, reporting every problem found. If fix is true,
// dangling edges (edges to a missing node) are dropped from their parent,
// stored nodes that no tree reaches are removed, and every node's refcount
// is rewritten to match what the (now repaired) structure actually implies.
func (c *Checker) Check(fix bool) ([]Problem, error) {
	var problems []Problem
	visited := make(map[uint64]bool)
	computed := make(map[uint64]int)

	keySize := c.codec.KeySize
	lo := bytes.Repeat([]byte{0x00}, keySize)

	stack := make([]frame, 0, len(c.roots))
	for _, root := range c.roots {
		computed[root]++
		stack = append(stack, frame{id: root, minkey: lo, maxkey: nil, isRoot: true})
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[top.id] {
			continue
		}

		leaf, idx, err := c.backend.GetNode(top.id)
		if err != nil {
			if errors.Is(err, backend.ErrNodeMissing) {
				msg := "node is missing"
				if top.isRoot {
					msg = "root node is missing"
				}
				problems = append(problems, Problem{top.id, msg})
				continue
			}
			return nil, err
		}
		visited[top.id] = true

		if top.isRoot && leaf != nil {
			problems = append(problems, Problem{top.id, "root must be an index node"})
		}

		var keys [][]byte
		if leaf != nil {
			keys = leaf.Keys
		} else {
			keys = idx.Keys
		}
		problems = append(problems, c.checkNode(top.id, leaf, idx, keys, top.minkey, top.maxkey)...)

		if idx == nil {
			continue
		}
		if len(keys) == 0 {
			continue
		}

		goodKeys := make([][]byte, 0, len(idx.Keys))
		goodChildIDs := make([]uint64, 0, len(idx.ChildIDs))
		for i, childID := range idx.ChildIDs {
			if _, _, err := c.backend.GetNode(childID); err != nil {
				if errors.Is(err, backend.ErrNodeMissing) {
					problems = append(problems, Problem{childID, "node is missing"})
					continue
				}
				return nil, err
			}
			goodKeys = append(goodKeys, idx.Keys[i])
			goodChildIDs = append(goodChildIDs, childID)
		}

		if fix && len(goodChildIDs) != len(idx.ChildIDs) {
			idx.Keys = goodKeys
			idx.ChildIDs = goodChildIDs
			if err := c.backend.PutIndex(idx); err != nil {
				return nil, err
			}
		}

		for i, childID := range goodChildIDs {
			computed[childID]++
			childMin := goodKeys[i]
			childMax := top.maxkey
			if i+1 < len(goodKeys) {
				childMax = goodKeys[i+1]
			}
			stack = append(stack, frame{id: childID, minkey: childMin, maxkey: childMax})
		}
	}

	for id := range c.backend.ListNodes() {
		if !visited[id] {
			problems = append(problems, Problem{id, "not reachable from any tree (orphan)"})
			if fix {
				if err := c.backend.RemoveNode(id); err != nil {
					return nil, err
				}
			}
		}
		stored, err := c.backend.GetRefcount(id)
		if err != nil {
			return nil, err
		}
		want := uint16(computed[id])
		if stored != want {
			problems = append(problems, Problem{id, fmt.Sprintf("refcount is %d, should be %d", stored, want)})
			if fix {
				c.backend.SetRefcount(id, want)
			}
		}
	}

	if fix {
		if err := c.backend.SaveRefcounts(); err != nil {
			return nil, err
		}
	}

	return problems, nil
}

// checkNode checks the key ordering, the half-open [minkey, maxkey) window,
// and the encoded size of one node, leaf or index.
func (c *Checker) checkNode(id uint64, leaf *node.Leaf, idx *node.Index, keys [][]byte, minkey, maxkey []byte) []Problem {
	var problems []Problem

	for i, k := range keys {
		if len(k) == 0 {
			problems = append(problems, Problem{id, "empty key"})
		}
		if i > 0 && bytes.Compare(keys[i-1], k) >= 0 {
			problems = append(problems, Problem{id, "keys are not strictly ascending"})
		}
		if bytes.Compare(k, minkey) < 0 || (maxkey != nil && bytes.Compare(k, maxkey) >= 0) {
			problems = append(problems, Problem{id, fmt.Sprintf("key %x falls outside parent window", k)})
		}
	}

	var size int
	var err error
	switch {
	case leaf != nil:
		size = c.codec.LeafSize(leaf.Keys, leaf.Values)
	case idx != nil:
		var block []byte
		block, err = c.codec.EncodeIndex(idx)
		if err == nil {
			size = len(block)
		}
	}
	if err != nil {
		problems = append(problems, Problem{id, fmt.Sprintf("failed to encode: %v", err)})
	} else if size > c.codec.BlockSize {
		problems = append(problems, Problem{id, fmt.Sprintf("encoded size %d exceeds block size %d", size, c.codec.BlockSize)})
	}

	return problems
}
