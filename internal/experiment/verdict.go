package experiment

import (
	"fmt"

	"github.com/opensource-credit/kestrel/internal/domain"
	"github.com/opensource-credit/kestrel/internal/stats"
)

// buildResults evaluates the experiment's counters with a two-proportion
// z-test on default rates. The verdict only names a winner when both arms
// reached the minimum sample size and the difference is significant;
// everything else is inconclusive.
func buildResults(exp *domain.ABExperiment, significanceLevel float64) *domain.ExperimentResults {
	if significanceLevel <= 0 {
		significanceLevel = 0.05
	}

	control := armStats(domain.VariantControl, exp.ControlRequests, exp.ControlOutcomes, exp.ControlDefaults)
	treatment := armStats(domain.VariantTreatment, exp.TreatmentRequests, exp.TreatmentOutcomes, exp.TreatmentDefaults)

	z := stats.TwoProportionZTest(exp.ControlDefaults, exp.ControlOutcomes, exp.TreatmentDefaults, exp.TreatmentOutcomes)

	minSample := int64(exp.MinSampleSize)
	sufficient := exp.ControlOutcomes >= minSample && exp.TreatmentOutcomes >= minSample
	significant := sufficient && z.PValue < significanceLevel

	results := &domain.ExperimentResults{
		ExperimentID:   exp.ID,
		Control:        control,
		Treatment:      treatment,
		PValue:         z.PValue,
		EffectSize:     z.EffectSize,
		ConfidenceLow:  z.ConfidenceLow,
		ConfidenceHigh: z.ConfidenceHigh,
		Significant:    significant,
		SufficientData: sufficient,
		Winner:         domain.WinnerInconclusive,
	}

	switch {
	case !sufficient:
		results.Recommendation = fmt.Sprintf("keep collecting: need %d outcomes per arm, have %d control / %d treatment",
			exp.MinSampleSize, exp.ControlOutcomes, exp.TreatmentOutcomes)
	case !significant:
		results.Recommendation = fmt.Sprintf("no significant difference (p = %.3f), keep the control version", z.PValue)
	case treatment.DefaultRate < control.DefaultRate:
		results.Winner = string(domain.VariantTreatment)
		results.Recommendation = fmt.Sprintf("promote the treatment version: default rate %.2f%% vs %.2f%% (p = %.3f)",
			treatment.DefaultRate*100, control.DefaultRate*100, z.PValue)
	default:
		results.Winner = string(domain.VariantControl)
		results.Recommendation = fmt.Sprintf("keep the control version: default rate %.2f%% vs %.2f%% (p = %.3f)",
			control.DefaultRate*100, treatment.DefaultRate*100, z.PValue)
	}

	return results
}

// ShouldPromote reports whether the verdict supports rolling out the
// treatment version.
func ShouldPromote(r *domain.ExperimentResults) bool {
	return r.Significant && r.Winner == string(domain.VariantTreatment)
}

func armStats(variant domain.Variant, requests, outcomes, defaults int64) domain.ArmStats {
	s := domain.ArmStats{
		Variant:  variant,
		Requests: requests,
		Outcomes: outcomes,
		Defaults: defaults,
	}
	if outcomes > 0 {
		s.DefaultRate = float64(defaults) / float64(outcomes)
	}
	return s
}
