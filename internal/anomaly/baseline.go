package anomaly

import (
	"math"
	"slices"
)

// BaselineStats holds summary statistics for one feature column.
type BaselineStats struct {
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	MAD     float64 `json:"mad"`
	MeanAD  float64 `json:"mean_ad"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// ComputeBaseline summarizes values. The input is not modified.
func ComputeBaseline(values []float64) BaselineStats {
	if len(values) == 0 {
		return BaselineStats{}
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	stats := BaselineStats{
		P50:     percentile(sorted, 0.50),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Samples: len(sorted),
	}

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	stats.Mean = sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := v - stats.Mean
		variance += diff * diff
	}
	stats.StdDev = math.Sqrt(variance / float64(len(sorted)))

	// Deviations from the median feed the robust spread estimates.
	deviations := make([]float64, len(sorted))
	var devSum float64
	for i, v := range sorted {
		deviations[i] = math.Abs(v - stats.P50)
		devSum += deviations[i]
	}
	slices.Sort(deviations)
	stats.MAD = percentile(deviations, 0.50)
	stats.MeanAD = devSum / float64(len(sorted))

	return stats
}

// percentile interpolates linearly between the two closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
