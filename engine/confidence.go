package engine

// Confidence heuristics. The score is advisory: it estimates how well
// retrieval worked, not whether the answer is correct, and it never gates
// whether a result is returned.
const (
	// ConfidenceFloor is returned exactly when no evidence was found:
	// the answer is a guess.
	ConfidenceFloor = 0.3
	// ConfidenceCeiling keeps the engine from ever claiming certainty.
	ConfidenceCeiling = 0.95

	// graphBonus rewards the presence of structured relationships, which
	// are a stronger signal than free-text similarity.
	graphBonus = 0.15
	// pathWeightFactor scales the strongest traversal weight into the score.
	pathWeightFactor = 0.15
	// scarcityPenalty is applied proportionally when fewer evidence items
	// were found than requested.
	scarcityPenalty = 0.1
)

// scoreConfidence combines average vector similarity, graph-evidence
// presence, and evidence scarcity into a clamped scalar.
func scoreConfidence(graphEvidence, vectorEvidence []Evidence, topK int) float64 {
	total := len(graphEvidence) + len(vectorEvidence)
	if total == 0 {
		return ConfidenceFloor
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	var c float64
	if len(vectorEvidence) > 0 {
		var sum float64
		for _, ev := range vectorEvidence {
			sum += ev.Score
		}
		c = sum / float64(len(vectorEvidence))
	}

	if len(graphEvidence) > 0 {
		best := 0.0
		for _, ev := range graphEvidence {
			if ev.Score > best {
				best = ev.Score
			}
		}
		c += graphBonus + pathWeightFactor*best
	}

	if total < topK {
		c -= scarcityPenalty * float64(topK-total) / float64(topK)
	}

	if c < ConfidenceFloor {
		return ConfidenceFloor
	}
	if c > ConfidenceCeiling {
		return ConfidenceCeiling
	}
	return c
}
