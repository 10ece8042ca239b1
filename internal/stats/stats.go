// Package stats provides the pure statistical functions behind feature
// analysis, drift detection and experiment evaluation. All functions are
// deterministic and side-effect free; insufficient input degrades to a
// neutral result instead of an error.
package stats

import (
	"math"
	"sort"
)

// Minimum sample requirements. Below these the functions return zero rather
// than a misleading estimate.
const (
	MinGiniSamples   = 10
	MinSamplesPerBin = 5
	DefaultIVBins    = 10
)

// PearsonCorrelation computes the Pearson correlation coefficient between x
// and y. Returns 0 when fewer than two pairs are given, when the lengths
// differ, or when either series has zero variance.
func PearsonCorrelation(x, y []float64) float64 {
	n := len(x)
	if n < 2 || n != len(y) {
		return 0
	}

	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}

	fn := float64(n)
	num := fn*sumXY - sumX*sumY
	den := math.Sqrt(fn*sumX2-sumX*sumX) * math.Sqrt(fn*sumY2-sumY*sumY)
	if den == 0 {
		return 0
	}
	return num / den
}

// Gini computes the accuracy-ratio style Gini coefficient of predictions
// against binary actuals (1 = default). Predictions are ranked descending and
// the statistic accumulates how early the positives appear. Requires at least
// MinGiniSamples samples and one of each class, else returns 0. Negative
// discriminative power is clamped to 0.
func Gini(predictions, actuals []float64) float64 {
	n := len(predictions)
	if n < MinGiniSamples || n != len(actuals) {
		return 0
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return predictions[idx[a]] > predictions[idx[b]]
	})

	var totalPos float64
	for _, a := range actuals {
		if a > 0 {
			totalPos++
		}
	}
	totalNeg := float64(n) - totalPos
	if totalPos == 0 || totalNeg == 0 {
		return 0
	}

	// Lorenz accumulation: walking down the ranking, positives seen before
	// negatives raise the area over the diagonal.
	var cumPos, area float64
	for _, i := range idx {
		if actuals[i] > 0 {
			cumPos++
		} else {
			area += cumPos
		}
	}

	auc := area / (totalPos * totalNeg)
	gini := 2*auc - 1
	if gini < 0 {
		return 0
	}
	return gini
}

// InformationValue computes the IV of a feature against binary outcomes using
// equal-size quantile bins. Requires at least bins*MinSamplesPerBin samples,
// else returns 0. Bin counts are smoothed by 0.5 to keep the weight of
// evidence finite.
func InformationValue(featureValues, outcomes []float64, bins int) float64 {
	if bins <= 0 {
		bins = DefaultIVBins
	}
	n := len(featureValues)
	if n < bins*MinSamplesPerBin || n != len(outcomes) {
		return 0
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return featureValues[idx[a]] < featureValues[idx[b]]
	})

	var totalGood, totalBad float64
	for _, o := range outcomes {
		if o > 0 {
			totalBad++
		} else {
			totalGood++
		}
	}
	if totalGood == 0 || totalBad == 0 {
		return 0
	}

	binSize := n / bins
	var iv float64
	for b := 0; b < bins; b++ {
		lo := b * binSize
		hi := lo + binSize
		if b == bins-1 {
			hi = n // last bin absorbs the remainder
		}

		good, bad := 0.5, 0.5
		for _, i := range idx[lo:hi] {
			if outcomes[i] > 0 {
				bad++
			} else {
				good++
			}
		}

		goodShare := good / (totalGood + 0.5)
		badShare := bad / (totalBad + 0.5)
		woe := math.Log(goodShare / badShare)
		iv += math.Abs(goodShare-badShare) * math.Abs(woe)
	}

	return iv
}

// DriftResult is the outcome of a population drift check.
type DriftResult struct {
	Score    float64
	Severity Severity
}

// Severity mirrors domain drift severity without importing it; the analyzer
// maps between them.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Drift severity thresholds on the drift score.
const (
	driftMinor    = 0.1
	driftModerate = 0.25
	driftMajor    = 0.5
	driftCritical = 1.0
)

// PopulationDrift computes a simplified PSI-like drift score between a
// feature's baseline and current distribution:
//
//	|Δmean|/baselineStddev + |Δstddev|/baselineStddev
//
// A constant baseline (stddev 0) cannot be assessed and reports no drift.
func PopulationDrift(baselineMean, baselineStddev, currentMean, currentStddev float64) DriftResult {
	if baselineStddev == 0 {
		return DriftResult{Score: 0, Severity: SeverityNone}
	}

	score := math.Abs(currentMean-baselineMean)/baselineStddev +
		math.Abs(currentStddev-baselineStddev)/baselineStddev

	return DriftResult{Score: score, Severity: severityFor(score)}
}

func severityFor(score float64) Severity {
	switch {
	case score >= driftCritical:
		return SeverityCritical
	case score >= driftMajor:
		return SeverityMajor
	case score >= driftModerate:
		return SeverityModerate
	case score >= driftMinor:
		return SeverityMinor
	default:
		return SeverityNone
	}
}

// ZTestResult holds a two-proportion z-test outcome.
type ZTestResult struct {
	ZScore         float64
	PValue         float64
	EffectSize     float64 // absolute rate difference, treatment - control
	ConfidenceLow  float64
	ConfidenceHigh float64
}

// TwoProportionZTest compares success rates between a control and a treatment
// arm. Returns the two-sided p-value, the rate difference and its 95%
// confidence interval. Degenerate inputs (empty arms, zero pooled variance)
// return PValue 1 so callers classify them as inconclusive.
func TwoProportionZTest(controlSuccesses, controlN, treatmentSuccesses, treatmentN int64) ZTestResult {
	if controlN <= 0 || treatmentN <= 0 {
		return ZTestResult{PValue: 1}
	}

	p1 := float64(controlSuccesses) / float64(controlN)
	p2 := float64(treatmentSuccesses) / float64(treatmentN)
	diff := p2 - p1

	// Pooled proportion at the mean arm size.
	pooled := float64(controlSuccesses+treatmentSuccesses) / float64(controlN+treatmentN)
	meanN := float64(controlN+treatmentN) / 2
	se := math.Sqrt(pooled * (1 - pooled) / meanN)
	if se == 0 {
		return ZTestResult{EffectSize: math.Abs(diff), PValue: 1}
	}

	z := diff / se
	p := 2 * (1 - normalCDF(math.Abs(z)))

	// Unpooled standard error for the confidence interval.
	seCI := math.Sqrt(p1*(1-p1)/float64(controlN) + p2*(1-p2)/float64(treatmentN))
	const z95 = 1.959963984540054

	return ZTestResult{
		ZScore:         z,
		PValue:         p,
		EffectSize:     math.Abs(diff),
		ConfidenceLow:  diff - z95*seCI,
		ConfidenceHigh: diff + z95*seCI,
	}
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// Mean returns the arithmetic mean, 0 for empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Stddev returns the population standard deviation, 0 for fewer than two
// values.
func Stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}
