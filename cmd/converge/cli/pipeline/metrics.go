package pipeline

import "math"

// severityWeights maps a skeptic concern's severity to its weight in the
// normalized severity score.
var severityWeights = map[string]float64{
	"low":    0.25,
	"medium": 0.5,
	"high":   1.0,
}

// confidenceOrdinals orders confidence levels for the delta metric.
var confidenceOrdinals = map[string]int{
	"low":    0,
	"medium": 1,
	"high":   2,
}

// ComputeDebateMetrics derives the quantitative debate metrics from the
// final structured debate artefact. preConfidence comes from the
// root-cause artefact when available; callers pass "medium" otherwise.
// Metrics with no signal (no challenges, no concerns, no findings) are
// null rather than zero.
func ComputeDebateMetrics(debate map[string]any, preConfidence string) map[string]any {
	metrics := map[string]any{}

	// Challenge survival.
	challenges, _ := debate["challenges"].([]any)
	survived := 0
	for _, raw := range challenges {
		if c, ok := raw.(map[string]any); ok {
			if s, _ := c["survived"].(bool); s {
				survived++
			}
		}
	}
	metrics["challenge_count"] = len(challenges)
	metrics["challenges_survived"] = survived
	if len(challenges) > 0 {
		metrics["challenge_survival_rate"] = round3(float64(survived) / float64(len(challenges)))
	} else {
		metrics["challenge_survival_rate"] = nil
	}

	// Skeptic severity.
	concerns, _ := debate["concerns"].([]any)
	var weightSum float64
	for _, raw := range concerns {
		if c, ok := raw.(map[string]any); ok {
			severity, _ := c["severity"].(string)
			weightSum += severityWeights[severity]
		}
	}
	metrics["skeptic_concern_count"] = len(concerns)
	if len(concerns) > 0 {
		metrics["skeptic_severity_score"] = round3(weightSum / float64(len(concerns)))
	} else {
		metrics["skeptic_severity_score"] = nil
	}

	// Confidence delta.
	if _, ok := confidenceOrdinals[preConfidence]; !ok {
		preConfidence = "medium"
	}
	postConfidence, _ := debate["confidence_after_debate"].(string)
	if _, ok := confidenceOrdinals[postConfidence]; !ok {
		postConfidence = "medium"
	}
	metrics["confidence_before"] = preConfidence
	metrics["confidence_after"] = postConfidence
	metrics["confidence_delta"] = confidenceOrdinals[postConfidence] - confidenceOrdinals[preConfidence]

	// Chance-corrected agreement over finding categories.
	agreements, _ := debate["agreements"].([]any)
	contradictions, _ := debate["contradictions"].([]any)
	gaps, _ := debate["gaps"].([]any)
	a := float64(len(agreements))
	total := a + float64(len(contradictions)) + float64(len(gaps))
	if total > 0 {
		expected := total / 3
		kappa := (a - expected) / (total - expected)
		metrics["agreement_kappa"] = round3(math.Max(-1, math.Min(1, kappa)))
	} else {
		metrics["agreement_kappa"] = nil
	}

	metrics["finding_counts"] = map[string]int{
		"agreements":     len(agreements),
		"contradictions": len(contradictions),
		"gaps":           len(gaps),
	}
	if notes, ok := debate["dissent_notes"].(string); ok {
		metrics["dissent_notes"] = notes
	}

	return metrics
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
