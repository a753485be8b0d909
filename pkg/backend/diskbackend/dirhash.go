package diskbackend

import (
	"fmt"
	"path/filepath"
)

// nodesDir is the top-level directory under which every node block lives,
// addressed by a balanced three-level directory hierarchy: 12 bits per
// level, with the low 13 bits of the id skipped (folded into the leaf
// file name instead of another directory level) so that no directory
// holds an unbounded number of entries as a forest grows.
const nodesDir = "nodes"

const (
	dirBits  = 12
	dirSkip  = 13
	dirDepth = 3
)

// nodePath returns the path, relative to the backend root, of the block
// file for id.
func nodePath(id uint64) string {
	shifted := id >> dirSkip
	parts := make([]string, 0, dirDepth+2)
	parts = append(parts, nodesDir)
	for level := dirDepth - 1; level >= 0; level-- {
		bits := (shifted >> (uint(level) * dirBits)) & (1<<dirBits - 1)
		parts = append(parts, fmt.Sprintf("%03x", bits))
	}
	parts = append(parts, fmt.Sprintf("%016x", id))
	return filepath.Join(parts...)
}

func refcountGroupPath(startID uint64) string {
	return filepath.Join("refcounts", fmt.Sprintf("refcounts-%d", startID))
}

const metadataPath = "metadata"
