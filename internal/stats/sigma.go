// Package stats classifies numeric series by their distance from the series mean.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInsufficientValues is returned for series shorter than two values.
	ErrInsufficientValues = errors.New("need at least two values")
	// ErrLabelMismatch is returned when len(labels) != len(thresholds)+1.
	ErrLabelMismatch = errors.New("labels must have exactly one more entry than thresholds")
	// ErrUnsortedThresholds is returned when thresholds are not ascending.
	ErrUnsortedThresholds = errors.New("thresholds must be sorted ascending")
)

// DefaultThresholds are the z-score cut points used when none are given.
var DefaultThresholds = []float64{-1.5, -0.5, 0.5, 1.5}

// DefaultLabels name the intervals delimited by DefaultThresholds.
var DefaultLabels = []string{"Low", "Below Average", "Average", "Above Average", "High"}

// BucketedValue is one classified input value.
type BucketedValue struct {
	Value      float64 `json:"value"`
	ZScore     float64 `json:"zScore"`
	Bucket     string  `json:"bucket"`
	Percentile float64 `json:"percentile"`
}

// Options overrides the default thresholds and labels. Nil fields use defaults.
type Options struct {
	Thresholds []float64
	Labels     []string
}

func (o Options) resolve() ([]float64, []string, error) {
	thresholds, labels := o.Thresholds, o.Labels
	if thresholds == nil {
		thresholds = DefaultThresholds
	}
	if labels == nil {
		labels = DefaultLabels
	}
	if len(labels) != len(thresholds)+1 {
		return nil, nil, fmt.Errorf("%w: got %d labels for %d thresholds", ErrLabelMismatch, len(labels), len(thresholds))
	}
	if !sort.Float64sAreSorted(thresholds) {
		return nil, nil, ErrUnsortedThresholds
	}
	return thresholds, labels, nil
}

// SigmaBucket returns the bucket label of every value, in input order.
func SigmaBucket(values []float64, opts Options) ([]string, error) {
	scored, err := SigmaBucketWithScores(values, opts)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.Bucket
	}
	return out, nil
}

// SigmaBucketWithScores classifies every value by its population z-score and
// reports its percentile rank within the series.
func SigmaBucketWithScores(values []float64, opts Options) ([]BucketedValue, error) {
	if len(values) < 2 {
		return nil, ErrInsufficientValues
	}
	thresholds, labels, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value %v", v)
		}
	}

	zs := zScores(values)
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	out := make([]BucketedValue, len(values))
	for i, v := range values {
		z := zs[i]
		out[i] = BucketedValue{
			Value:      v,
			ZScore:     z,
			Bucket:     labels[bucketIndex(z, thresholds)],
			Percentile: percentile(sorted, v),
		}
	}
	return out, nil
}

// zScores returns the population z-score of every value. The series is
// divided by its largest magnitude first so sums of finite values near
// math.MaxFloat64 cannot overflow; z-scores are scale invariant.
func zScores(values []float64) []float64 {
	out := make([]float64, len(values))
	var scale float64
	for _, v := range values {
		scale = math.Max(scale, math.Abs(v))
	}
	if scale == 0 {
		return out
	}

	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v / scale
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v/scale - mean
		sq += d * d
	}
	std := math.Sqrt(sq / n)
	if std == 0 {
		return out
	}
	for i, v := range values {
		out[i] = (v/scale - mean) / std
	}
	return out
}

// bucketIndex counts the thresholds at or below z. Values below the first
// threshold land in bucket 0; values at or above the last in the final bucket.
func bucketIndex(z float64, thresholds []float64) int {
	idx := 0
	for _, t := range thresholds {
		if z >= t {
			idx++
		}
	}
	return idx
}

// percentile is the mid-rank of v in sorted, scaled to [0,100]. Ties share
// the average of their ranks, so a constant series maps to 50 everywhere.
func percentile(sorted []float64, v float64) float64 {
	n := len(sorted)
	below := sort.SearchFloat64s(sorted, v)
	upTo := sort.Search(n, func(i int) bool { return sorted[i] > v })
	equal := upTo - below

	p := (float64(below) + 0.5*float64(equal-1)) / float64(n-1) * 100
	return math.Max(0, math.Min(100, p))
}
