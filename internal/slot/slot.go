// ============================================================================
// Beaver-Sched Slot Partitioner
// ============================================================================
//
// Package: internal/slot
// File: slot.go
// Function: Coordinator-free ownership of plans across the alive broker set
//
// Every entity is mapped to one of SlotSize slots when it is created:
//
//	slot = xxhash64(decimal(id)) mod SlotSize
//
// A broker of rank r in the (host, port) sorted alive list of N nodes owns
// slots {r, r+N, r+2N, ...}. Nothing is persisted and nothing is negotiated,
// so every node recomputes its share on each call. When N changes, every
// node's share changes with it.
//
// ============================================================================

package slot

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// SlotSize is the fixed number of partitions.
const SlotSize = 64

// Of returns the slot of an entity id.
func Of(id int64) int {
	return int(xxhash.Sum64String(strconv.FormatInt(id, 10)) % SlotSize)
}

// Owned returns the slots owned by self given the alive broker list.
// A node missing from alive owns nothing.
func Owned(alive []types.Node, self types.Node) []int {
	nodes := Sorted(alive)
	rank := -1
	for i, n := range nodes {
		if n == self {
			rank = i
			break
		}
	}
	if rank < 0 {
		return nil
	}

	owned := make([]int, 0, SlotSize/len(nodes)+1)
	for s := rank; s < SlotSize; s += len(nodes) {
		owned = append(owned, s)
	}
	return owned
}

// Sorted returns a deduplicated copy of nodes ordered by (host, port).
func Sorted(nodes []types.Node) []types.Node {
	seen := make(map[types.Node]struct{}, len(nodes))
	out := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Owns reports whether slot s is in owned.
func Owns(owned []int, s int) bool {
	for _, o := range owned {
		if o == s {
			return true
		}
	}
	return false
}
