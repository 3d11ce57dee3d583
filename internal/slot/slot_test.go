package slot

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

func TestOfIsStableAndInRange(t *testing.T) {
	for id := int64(1); id < 500; id++ {
		s := Of(id)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, SlotSize)
		assert.Equal(t, s, Of(id))
	}
}

func TestOwnedSingleNodeOwnsEverything(t *testing.T) {
	self := types.Node{Host: "10.0.0.1", Port: 7001}
	owned := Owned([]types.Node{self}, self)
	assert.Len(t, owned, SlotSize)
	assert.Equal(t, 0, owned[0])
	assert.Equal(t, SlotSize-1, owned[SlotSize-1])
}

func TestOwnedUsesRankInSortedList(t *testing.T) {
	a := types.Node{Host: "10.0.0.1", Port: 7001}
	b := types.Node{Host: "10.0.0.1", Port: 7002}
	c := types.Node{Host: "10.0.0.2", Port: 7000}
	alive := []types.Node{c, a, b}

	owned := Owned(alive, b)
	require.NotEmpty(t, owned)
	assert.Equal(t, []int{1, 4, 7}, owned[:3])
	for _, s := range owned {
		assert.Equal(t, 1, s%3)
	}
}

func TestOwnedMissingSelfOwnsNothing(t *testing.T) {
	alive := []types.Node{{Host: "a", Port: 1}, {Host: "b", Port: 1}}
	assert.Empty(t, Owned(alive, types.Node{Host: "c", Port: 1}))
	assert.Empty(t, Owned(nil, types.Node{Host: "c", Port: 1}))
}

// Union of every node's slots must cover 0..63 exactly once, whatever the
// order the membership source hands the nodes back in.
func TestOwnedPartitionCoverage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 80).Draw(t, "nodes")
		alive := make([]types.Node, n)
		for i := range alive {
			alive[i] = types.Node{Host: fmt.Sprintf("10.0.%d.%d", i/7, i%7), Port: 7000 + i%3}
		}
		rot := rapid.IntRange(0, n-1).Draw(t, "rotation")
		rotated := append(append([]types.Node{}, alive[rot:]...), alive[:rot]...)

		counts := make([]int, SlotSize)
		for _, self := range alive {
			for _, s := range Owned(rotated, self) {
				counts[s]++
			}
		}
		for s, c := range counts {
			if c != 1 {
				t.Fatalf("slot %d owned %d times with %d nodes", s, c, n)
			}
		}
	})
}

func TestOwns(t *testing.T) {
	assert.True(t, Owns([]int{1, 5, 9}, 5))
	assert.False(t, Owns([]int{1, 5, 9}, 4))
}
