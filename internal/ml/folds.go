package ml

import (
	"fmt"
	"math/rand"
)

// foldSplit is one cross-validation fold: the row indices to train on and the
// held-out rows whose out-of-fold predictions it produces.
type foldSplit struct {
	train []int
	val   []int
}

// stratifiedKFold partitions row indices into k folds preserving the label
// ratio. The split is fully determined by the seed: shuffling happens within
// each class before round-robin assignment.
func stratifiedKFold(labels []float64, k int, seed int64) ([]foldSplit, error) {
	n := len(labels)
	if k < 2 {
		return nil, fmt.Errorf("ml: need at least 2 folds, got %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("ml: %d rows cannot be split into %d folds", n, k)
	}

	var pos, neg []int
	for i, y := range labels {
		if y >= 0.5 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(neg), func(i, j int) { neg[i], neg[j] = neg[j], neg[i] })
	rng.Shuffle(len(pos), func(i, j int) { pos[i], pos[j] = pos[j], pos[i] })

	val := make([][]int, k)
	for i, idx := range neg {
		val[i%k] = append(val[i%k], idx)
	}
	for i, idx := range pos {
		val[i%k] = append(val[i%k], idx)
	}

	folds := make([]foldSplit, k)
	for f := 0; f < k; f++ {
		inVal := make(map[int]bool, len(val[f]))
		for _, idx := range val[f] {
			inVal[idx] = true
		}
		train := make([]int, 0, n-len(val[f]))
		for i := 0; i < n; i++ {
			if !inVal[i] {
				train = append(train, i)
			}
		}
		folds[f] = foldSplit{train: train, val: val[f]}
	}
	return folds, nil
}
