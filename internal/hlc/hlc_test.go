package hlc

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareOrdering(t *testing.T) {
	a := Timestamp{Physical: 1000, Logical: 0, NodeID: "node-1"}
	b := Timestamp{Physical: 1000, Logical: 1, NodeID: "node-1"}
	c := Timestamp{Physical: 1001, Logical: 0, NodeID: "node-1"}

	require.True(t, After(b, a))
	require.True(t, After(c, b))
	require.True(t, After(c, a))
}

func TestStringKeyRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 100000; i++ {
		ts := Timestamp{
			Physical: uint64(r.Int63()),
			Logical:  uint32(r.Int31()),
			NodeID:   "node-abc",
		}
		key := ts.StringKey()
		parsed, ok := ParseStringKey(key)
		require.True(t, ok)
		require.Equal(t, ts, parsed)
	}
}

func TestGeneratorMonotonic(t *testing.T) {
	c := NewClock("test-node")
	last := c.Now()
	for i := 0; i < 1000; i++ {
		cur := c.Now()
		require.True(t, After(cur, last))
		last = cur
	}
}

func TestReceiveAdvancesPastRemote(t *testing.T) {
	c := NewClock("node-a")
	remote := Timestamp{Physical: c.Now().Physical + 10_000, Logical: 5, NodeID: "node-b"}
	got := c.Receive(remote)
	require.True(t, After(got, remote))
}

func TestGeneratorNeverMintsDuplicatesUnderConcurrency(t *testing.T) {
	const goroutines, perGoroutine = 8, 2000
	c := NewClock("test-node")

	results := make([][]Timestamp, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]Timestamp, perGoroutine)
			for i := range out {
				out[i] = c.Now()
			}
			results[g] = out
		}(g)
	}
	wg.Wait()

	seen := make(map[Timestamp]bool, goroutines*perGoroutine)
	for _, batch := range results {
		last := Timestamp{}
		for _, ts := range batch {
			require.False(t, seen[ts], "duplicate timestamp %v", ts)
			seen[ts] = true
			require.True(t, After(ts, last))
			last = ts
		}
	}
}
