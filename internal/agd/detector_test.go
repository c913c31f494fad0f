package agd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// referenceSum recomputes the aggregated derivative sum from scratch for the
// full history of readings, without the detector's incremental ring-buffer
// update: it derives every step, keeps only the derivatives after the last
// negative one, and sums the last capacity of those.
func referenceSum(readings []float64, capacity int) float64 {
	var window []float64
	for i := 1; i < len(readings); i++ {
		d := readings[i] - readings[i-1]
		if d < 0 {
			window = window[:0]
			continue
		}
		window = append(window, d)
	}
	if len(window) > capacity {
		window = window[len(window)-capacity:]
	}

	sum := 0.0
	for _, d := range window {
		sum += d
	}
	return sum
}

func TestObserveMatchesReferenceForEveryPrefix(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	readings := make([]float64, 200)
	v := 50.0
	for i := range readings {
		v += rng.Float64()*6 - 2.5
		readings[i] = v
	}

	d := New(10, []float64{5, 15, 30}, "test", nil)
	for i, r := range readings {
		d.Observe(r)
		want := referenceSum(readings[:i+1], 10)
		assert.InDelta(t, want, d.Sum(), 1e-9, "prefix length %d", i+1)
	}
}

func TestNegativeDerivativeResetsSum(t *testing.T) {
	d := New(5, []float64{10}, "test", nil)
	d.Observe(10)
	d.Observe(15) // derivative +5
	require.Equal(t, 5.0, d.Sum())

	d.Observe(12) // derivative -3, resets
	require.Equal(t, 0.0, d.Sum())
}

func TestRingBufferEvictsOldestDerivative(t *testing.T) {
	d := New(2, []float64{1000}, "test", nil)
	d.Observe(0)
	d.Observe(10) // +10, buffer=[10]
	d.Observe(25) // +15, buffer=[10,15]
	require.Equal(t, 25.0, d.Sum())

	d.Observe(35) // +10, buffer full, evict 10: sum = 25+10-10=25
	require.Equal(t, 25.0, d.Sum())
}

func TestLevelForSumUsesHighestSatisfiedThreshold(t *testing.T) {
	d := New(10, []float64{5, 15, 30}, "test", nil)
	d.Observe(0)
	d.Observe(20) // sum=20, >=5 and >=15 but <30 -> level 2

	require.Equal(t, 2, d.Level())
}

func TestOnOutputFiresOnEveryObserve(t *testing.T) {
	d := New(5, []float64{100}, "test", nil)
	calls := 0
	d.OnOutput(func(raw float64, agd float64) { calls++ })

	d.Observe(1)
	d.Observe(2)
	d.Observe(3)

	require.Equal(t, 3, calls)
}

func TestOnOutputCarriesAggregatedSumNotDiscreteLevel(t *testing.T) {
	d := New(5, []float64{10, 20}, "test", nil)
	var sums []float64
	d.OnOutput(func(raw float64, agd float64) { sums = append(sums, agd) })

	d.Observe(0)
	d.Observe(15) // derivative=15, sum=15 (level 1, but OnOutput must report 15, not 1)

	require.Equal(t, []float64{0, 15}, sums)
}

func TestOnLevelChangeFiresOnlyOnTransition(t *testing.T) {
	d := New(5, []float64{10}, "sensor", nil)
	var levels []int
	d.OnLevelChange(func(level int, source string) { levels = append(levels, level) })

	d.Observe(0)
	d.Observe(5)  // sum=5, still below 10
	d.Observe(16) // sum=16, crosses threshold -> level 1
	d.Observe(20) // sum=20, still level 1, no callback

	require.Equal(t, []int{1}, levels)
}

func TestSetThresholdOutOfRangeIsIgnored(t *testing.T) {
	d := New(5, []float64{10, 20}, "test", nil)
	fired := false
	d.OnThresholdSet(func(index int, value float64) { fired = true })

	d.SetThreshold(5, 99)

	require.False(t, fired)
	require.Equal(t, []float64{10, 20}, d.Thresholds())
}

func TestNotifyInitialThresholdsFiresOncePerLadderEntry(t *testing.T) {
	d := New(5, []float64{10, 20, 30}, "test", nil)
	type pair struct {
		index int
		value float64
	}
	var got []pair
	d.OnThresholdSet(func(index int, value float64) { got = append(got, pair{index, value}) })

	d.NotifyInitialThresholds()

	require.Equal(t, []pair{{1, 10}, {2, 20}, {3, 30}}, got)
}

func TestNotifyInitialThresholdsWithoutCallbackIsNoop(t *testing.T) {
	d := New(5, []float64{10}, "test", nil)
	require.NotPanics(t, func() { d.NotifyInitialThresholds() })
}

func TestSetThresholdUpdatesLadder(t *testing.T) {
	d := New(5, []float64{10, 20}, "test", nil)
	var gotIndex int
	var gotValue float64
	d.OnThresholdSet(func(index int, value float64) {
		gotIndex, gotValue = index, value
	})

	d.SetThreshold(2, 50)

	require.Equal(t, 2, gotIndex)
	require.Equal(t, 50.0, gotValue)
	require.Equal(t, []float64{10, 50}, d.Thresholds())
}
