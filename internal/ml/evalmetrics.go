package ml

import (
	"errors"
	"math"
	"sort"
)

// errAUCUndefined signals that AUC cannot be computed because the fold holds
// a single class. Callers treat it as a diagnostic, not a failure.
var errAUCUndefined = errors.New("ml: auc undefined for single-class labels")

// rocAUC computes the area under the ROC curve by rank statistics, with ties
// in the scores handled by midranks.
func rocAUC(labels, scores []float64) (float64, error) {
	n := len(labels)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		mid := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = mid
		}
		i = j
	}

	var pos, rankSum float64
	for i, y := range labels {
		if y >= 0.5 {
			pos++
			rankSum += ranks[i]
		}
	}
	neg := float64(n) - pos
	if pos == 0 || neg == 0 {
		return 0, errAUCUndefined
	}
	return (rankSum - pos*(pos+1)/2) / (pos * neg), nil
}

// accuracy scores probability predictions at the 0.5 threshold.
func accuracy(labels, probs []float64) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for i, y := range labels {
		pred := 0.0
		if probs[i] >= 0.5 {
			pred = 1
		}
		if pred == y {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// logLoss is the mean negative log-likelihood with probabilities clamped away
// from 0 and 1.
func logLoss(labels, probs []float64) float64 {
	if len(labels) == 0 {
		return 0
	}
	const eps = 1e-15
	sum := 0.0
	for i, y := range labels {
		p := math.Min(math.Max(probs[i], eps), 1-eps)
		if y >= 0.5 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(labels))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
