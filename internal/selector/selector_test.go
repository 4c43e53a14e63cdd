package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinFairness(t *testing.T) {
	values := []string{"k1", "k2", "k3"}
	s := New(RoundRobin, values)

	n := 4
	counts := map[string]int{}
	for i := 0; i < n*len(values); i++ {
		counts[s.Next()]++
	}
	for _, v := range values {
		assert.Equal(t, n, counts[v], "value %s", v)
	}
}

func TestUnknownStrategyFallsBackToRoundRobin(t *testing.T) {
	s := New(Strategy("nonsense"), []string{"a", "b"})
	assert.Equal(t, "a", s.Next())
	assert.Equal(t, "b", s.Next())
	assert.Equal(t, "a", s.Next())
}

func TestEmptyValuesNormalizedToSingleBlank(t *testing.T) {
	s := New(RoundRobin, nil)
	assert.Equal(t, "", s.Next())
}

func TestLeastRequestsPicksMinimum(t *testing.T) {
	s := New(LeastRequests, []string{"a", "b"})
	s.RecordStarted("a")
	s.RecordStarted("a")
	s.RecordStarted("b")

	assert.Equal(t, "b", s.Next())
	s.RecordCompleted("a")
	s.RecordCompleted("a")
	assert.Equal(t, "a", s.Next())
}

func TestFastestResponseBootstrapPreference(t *testing.T) {
	s := New(FastestResponse, []string{"a", "b"})
	s.RecordResponseTime("a", 10*time.Millisecond)

	// b has no samples yet, so it must win regardless of a's fast mean.
	assert.Equal(t, "b", s.Next())
}

func TestFastestResponsePrefersLowerMean(t *testing.T) {
	s := New(FastestResponse, []string{"a", "b"})
	s.RecordResponseTime("a", 100*time.Millisecond)
	s.RecordResponseTime("b", 10*time.Millisecond)

	assert.Equal(t, "b", s.Next())
}

func TestWeightedAllZeroFallsBackToRandom(t *testing.T) {
	s := New(Weighted, []string{"a", "b"})
	require.True(t, s.SetWeights([]float64{0, 0}))

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[s.Next()] = true
	}
	assert.True(t, seen["a"] || seen["b"])
}

func TestWeightedRespectsWeightVector(t *testing.T) {
	s := New(Weighted, []string{"a", "b"})
	require.True(t, s.SetWeights([]float64{1, 0}))

	for i := 0; i < 20; i++ {
		assert.Equal(t, "a", s.Next())
	}
}

func TestSetWeightsLengthMismatchRejected(t *testing.T) {
	s := New(Weighted, []string{"a", "b"})
	assert.False(t, s.SetWeights([]float64{1, 2, 3}))
}

func TestSnapshotReportsUsage(t *testing.T) {
	s := New(LeastRequests, []string{"a", "b"})
	s.RecordStarted("a")
	stats := s.Snapshot()
	require.Len(t, stats, 2)
	for _, st := range stats {
		if st.Value == "a" {
			assert.Equal(t, 1, st.ActiveRequests)
		}
	}
}
