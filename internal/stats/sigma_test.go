package stats

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigmaBucket_Defaults(t *testing.T) {
	// mean 10.2, population std ~6.794 -> z ~ [-1.35, -0.77, -0.03, 0.71, 1.33]
	got, err := SigmaBucket([]float64{1, 5, 10, 15, 20}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Below Average", "Below Average", "Average", "Above Average", "Above Average"}, got)
}

func TestSigmaBucket_Extremes(t *testing.T) {
	values := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 100}
	got, err := SigmaBucket(values, Options{})
	require.NoError(t, err)
	// mean 10, std 30: the outlier sits at z=3, the rest at z=-1/3.
	assert.Equal(t, "High", got[9])
	assert.Equal(t, "Average", got[0])

	got, err = SigmaBucket([]float64{-100, 0, 0, 0, 0, 0, 0, 0, 0, 0}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Low", got[0])
}

func TestSigmaBucket_TooFewValues(t *testing.T) {
	for _, in := range [][]float64{nil, {}, {5}} {
		_, err := SigmaBucket(in, Options{})
		require.ErrorIs(t, err, ErrInsufficientValues)
		assert.EqualError(t, err, "need at least two values")

		_, err = SigmaBucketWithScores(in, Options{})
		require.ErrorIs(t, err, ErrInsufficientValues)
	}
}

func TestSigmaBucket_LabelMismatch(t *testing.T) {
	_, err := SigmaBucket([]float64{1, 2, 3}, Options{Thresholds: []float64{0}, Labels: []string{"a", "b", "c"}})
	require.ErrorIs(t, err, ErrLabelMismatch)

	_, err = SigmaBucket([]float64{1, 2, 3}, Options{Labels: []string{"only"}})
	require.ErrorIs(t, err, ErrLabelMismatch)
}

func TestSigmaBucket_UnsortedThresholds(t *testing.T) {
	_, err := SigmaBucket([]float64{1, 2}, Options{Thresholds: []float64{1, 0}, Labels: []string{"a", "b", "c"}})
	require.ErrorIs(t, err, ErrUnsortedThresholds)
}

func TestSigmaBucket_CustomThresholds(t *testing.T) {
	got, err := SigmaBucket([]float64{1, 2, 3}, Options{Thresholds: []float64{0}, Labels: []string{"below", "above"}})
	require.NoError(t, err)
	// z = 0 sits on the threshold and belongs to the upper interval.
	assert.Equal(t, []string{"below", "above", "above"}, got)
}

func TestSigmaBucketWithScores_Constant(t *testing.T) {
	got, err := SigmaBucketWithScores([]float64{7, 7, 7, 7}, Options{})
	require.NoError(t, err)
	for _, b := range got {
		assert.Equal(t, 0.0, b.ZScore)
		assert.Equal(t, 50.0, b.Percentile)
		assert.Equal(t, "Average", b.Bucket)
		assert.Equal(t, 7.0, b.Value)
	}
}

func TestSigmaBucketWithScores_HugeFiniteValues(t *testing.T) {
	got, err := SigmaBucketWithScores([]float64{1e308, 1e308, -1e308}, Options{})
	require.NoError(t, err)

	for _, b := range got {
		assert.False(t, math.IsNaN(b.ZScore) || math.IsInf(b.ZScore, 0), "z=%v", b.ZScore)
	}
	assert.InDelta(t, 0.7071, got[0].ZScore, 1e-4)
	assert.InDelta(t, -1.4142, got[2].ZScore, 1e-4)
	assert.Equal(t, []string{"Above Average", "Above Average", "Below Average"},
		[]string{got[0].Bucket, got[1].Bucket, got[2].Bucket})
}

func TestSigmaBucketWithScores_Percentiles(t *testing.T) {
	got, err := SigmaBucketWithScores([]float64{30, 10, 20, 20}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 100.0, got[0].Percentile)
	assert.Equal(t, 0.0, got[1].Percentile)
	assert.InDelta(t, 50.0, got[2].Percentile, 1e-9)
	assert.Equal(t, got[2].Percentile, got[3].Percentile)
}

func TestSigmaBucket_AgreesWithScores(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(40)
		values := make([]float64, n)
		for i := range values {
			values[i] = rng.NormFloat64() * 1000
			if rng.Intn(5) == 0 && i > 0 {
				values[i] = values[i-1]
			}
		}

		labels, err := SigmaBucket(values, Options{})
		require.NoError(t, err)
		scored, err := SigmaBucketWithScores(values, Options{})
		require.NoError(t, err)
		require.Len(t, scored, n)

		for i := range values {
			assert.Equal(t, labels[i], scored[i].Bucket)
			assert.GreaterOrEqual(t, scored[i].Percentile, 0.0)
			assert.LessOrEqual(t, scored[i].Percentile, 100.0)
		}
	}
}
