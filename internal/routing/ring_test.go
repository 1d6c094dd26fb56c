package routing

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestRing(nodes ...string) *Ring {
	r := NewRing(DefaultVirtualNodes)
	for _, n := range nodes {
		r.AddNode(n)
	}
	return r
}

func TestRing_EmptyRing(t *testing.T) {
	t.Parallel()

	r := NewRing(DefaultVirtualNodes)
	_, err := r.Route("any-key")
	assert.ErrorIs(t, err, ErrNoNodesAvailable)
}

func TestRing_RouteIsDeterministic(t *testing.T) {
	t.Parallel()

	r := newTestRing("node-a", "node-b", "node-c")

	for i := 0; i < 100; i++ {
		key := uuid.New().String()
		first, err := r.Route(key)
		require.NoError(t, err)

		for j := 0; j < 10; j++ {
			got, err := r.Route(key)
			require.NoError(t, err)
			assert.Equal(t, first, got)
		}
	}
}

func TestRing_SameMembersSameRouting(t *testing.T) {
	t.Parallel()

	// Two rings built independently from the same member set must agree,
	// whatever order the members joined in.
	r1 := newTestRing("node-a", "node-b", "node-c")
	r2 := newTestRing("node-c", "node-a", "node-b")

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("task-%d", i)
		got1, err := r1.Route(key)
		require.NoError(t, err)
		got2, err := r2.Route(key)
		require.NoError(t, err)
		assert.Equal(t, got1, got2)
	}
}

func TestRing_RemoveNodeRemapsOnlyItsKeys(t *testing.T) {
	t.Parallel()

	nodes := []string{"node-0", "node-1", "node-2", "node-3", "node-4"}
	r := newTestRing(nodes...)

	const keyCount = 10000
	before := make(map[string]string, keyCount)
	for i := 0; i < keyCount; i++ {
		key := fmt.Sprintf("task-%d", i)
		owner, err := r.Route(key)
		require.NoError(t, err)
		before[key] = owner
	}

	const removed = "node-2"
	r.RemoveNode(removed)

	moved := 0
	for key, prev := range before {
		owner, err := r.Route(key)
		require.NoError(t, err)
		if owner != prev {
			moved++
			// Only keys that the removed node owned may move.
			assert.Equal(t, removed, prev, "key %s moved without losing its owner", key)
		}
	}

	// Roughly 1/5 of keys lived on the removed node; allow slack for hash
	// distribution variance.
	assert.Greater(t, moved, keyCount/10)
	assert.Less(t, moved, keyCount/3)
}

func TestRing_DistributionIsRoughlyBalanced(t *testing.T) {
	t.Parallel()

	r := newTestRing("node-a", "node-b", "node-c", "node-d")

	const keyCount = 20000
	counts := make(map[string]int)
	for i := 0; i < keyCount; i++ {
		owner, err := r.Route(fmt.Sprintf("task-%d", i))
		require.NoError(t, err)
		counts[owner]++
	}

	expected := keyCount / 4
	for node, count := range counts {
		assert.InDelta(t, expected, count, float64(expected)/2,
			"node %s owns a disproportionate share", node)
	}
}

func TestRing_AddRemoveIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRing("node-a")
	r.AddNode("node-a")
	assert.Equal(t, []string{"node-a"}, r.Nodes())

	r.RemoveNode("node-b")
	assert.Equal(t, []string{"node-a"}, r.Nodes())
	assert.True(t, r.Contains("node-a"))
	assert.False(t, r.Contains("node-b"))
}

func TestRing_MembershipChangesBoundRemapping(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		nodeCount := rapid.IntRange(2, 8).Draw(rt, "nodes")
		nodes := make([]string, nodeCount)
		for i := range nodes {
			nodes[i] = fmt.Sprintf("node-%d", i)
		}
		r := newTestRing(nodes...)

		keys := make([]string, 500)
		before := make(map[string]string, len(keys))
		for i := range keys {
			keys[i] = fmt.Sprintf("task-%d", i)
			owner, err := r.Route(keys[i])
			if err != nil {
				rt.Fatal(err)
			}
			before[keys[i]] = owner
		}

		if rapid.Bool().Draw(rt, "add") {
			// Adding a node may only pull keys onto the new node.
			added := fmt.Sprintf("node-%d", nodeCount)
			r.AddNode(added)
			for _, key := range keys {
				owner, err := r.Route(key)
				if err != nil {
					rt.Fatal(err)
				}
				if owner != before[key] && owner != added {
					rt.Fatalf("key %s moved from %s to %s, not to the added node", key, before[key], owner)
				}
			}
		} else {
			// Removing a node may only move keys that node owned.
			removed := nodes[rapid.IntRange(0, nodeCount-1).Draw(rt, "victim")]
			r.RemoveNode(removed)
			for _, key := range keys {
				owner, err := r.Route(key)
				if err != nil {
					rt.Fatal(err)
				}
				if owner != before[key] && before[key] != removed {
					rt.Fatalf("key %s moved from %s to %s though its owner stayed", key, before[key], owner)
				}
			}
		}
	})
}
