package ml

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
)

// treeNode is one node of a regression tree in flat slice form. Left and
// Right index into the owning tree's node slice; leaves carry -1. Internal
// nodes also store the value their subtree would emit as a leaf, which is
// what path attribution walks over.
type treeNode struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Value     float64
}

// regTree is a second-order regression tree fit on gradient and hessian
// vectors. Both boosting rounds and forest members reduce to it, the forest
// with unit hessians so leaf values degenerate to label means.
type regTree struct {
	Nodes []treeNode
}

type treeParams struct {
	maxDepth       int
	minSamplesLeaf int
	lambda         float64
}

// splitResult is the best split found for one feature.
type splitResult struct {
	feature   int
	threshold float64
	gain      float64
	ok        bool
}

// growTree fits a tree on the given rows. features restricts the columns the
// split search may use; grad and hess are indexed by absolute row position.
func growTree(rows [][]float64, grad, hess []float64, indices, features []int, p treeParams) *regTree {
	t := &regTree{}
	t.build(rows, grad, hess, indices, features, p, 0)
	return t
}

func (t *regTree) build(rows [][]float64, grad, hess []float64, indices, features []int, p treeParams, depth int) int {
	var gSum, hSum float64
	for _, i := range indices {
		gSum += grad[i]
		hSum += hess[i]
	}
	value := -gSum / (hSum + p.lambda)

	node := treeNode{Feature: -1, Left: -1, Right: -1, Value: value}
	self := len(t.Nodes)
	t.Nodes = append(t.Nodes, node)

	if depth >= p.maxDepth || len(indices) < 2*p.minSamplesLeaf {
		return self
	}

	best := bestSplit(rows, grad, hess, indices, features, p, gSum, hSum)
	if !best.ok {
		return self
	}

	var left, right []int
	for _, i := range indices {
		if rows[i][best.feature] <= best.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < p.minSamplesLeaf || len(right) < p.minSamplesLeaf {
		return self
	}

	t.Nodes[self].Feature = best.feature
	t.Nodes[self].Threshold = best.threshold
	l := t.build(rows, grad, hess, left, features, p, depth+1)
	r := t.build(rows, grad, hess, right, features, p, depth+1)
	t.Nodes[self].Left = l
	t.Nodes[self].Right = r
	return self
}

// bestSplit searches every candidate feature concurrently and reduces to the
// highest gain, breaking ties on the lowest feature index so the result does
// not depend on goroutine scheduling.
func bestSplit(rows [][]float64, grad, hess []float64, indices, features []int, p treeParams, gSum, hSum float64) splitResult {
	results := make([]splitResult, len(features))
	var wg sync.WaitGroup
	for fi, feature := range features {
		wg.Add(1)
		go func(fi, feature int) {
			defer wg.Done()
			results[fi] = bestSplitForFeature(rows, grad, hess, indices, feature, p, gSum, hSum)
		}(fi, feature)
	}
	wg.Wait()

	best := splitResult{feature: -1}
	for _, r := range results {
		if !r.ok {
			continue
		}
		if !best.ok || r.gain > best.gain || (r.gain == best.gain && r.feature < best.feature) {
			best = r
		}
	}
	return best
}

func bestSplitForFeature(rows [][]float64, grad, hess []float64, indices []int, feature int, p treeParams, gSum, hSum float64) splitResult {
	sorted := make([]int, len(indices))
	copy(sorted, indices)
	sort.Slice(sorted, func(a, b int) bool { return rows[sorted[a]][feature] < rows[sorted[b]][feature] })

	parent := gSum * gSum / (hSum + p.lambda)
	best := splitResult{feature: feature}

	var gL, hL float64
	for i := 0; i < len(sorted)-1; i++ {
		idx := sorted[i]
		gL += grad[idx]
		hL += hess[idx]

		cur, next := rows[idx][feature], rows[sorted[i+1]][feature]
		if cur == next {
			continue
		}
		if i+1 < p.minSamplesLeaf || len(sorted)-i-1 < p.minSamplesLeaf {
			continue
		}

		gR, hR := gSum-gL, hSum-hL
		gain := 0.5 * (gL*gL/(hL+p.lambda) + gR*gR/(hR+p.lambda) - parent)
		if gain > 0 && (!best.ok || gain > best.gain) {
			best.gain = gain
			best.threshold = (cur + next) / 2
			best.ok = true
		}
	}
	return best
}

// predict walks a single row to its leaf value.
func (t *regTree) predict(row []float64) float64 {
	i := 0
	for t.Nodes[i].Feature >= 0 {
		if row[t.Nodes[i].Feature] <= t.Nodes[i].Threshold {
			i = t.Nodes[i].Left
		} else {
			i = t.Nodes[i].Right
		}
	}
	return t.Nodes[i].Value
}

// pathAttribute walks the decision path and credits each encountered split
// feature with the change in subtree value the step caused. The credited
// deltas plus the root value reconstruct the leaf output exactly.
func (t *regTree) pathAttribute(row []float64, contrib []float64) float64 {
	i := 0
	for t.Nodes[i].Feature >= 0 {
		next := t.Nodes[i].Right
		if row[t.Nodes[i].Feature] <= t.Nodes[i].Threshold {
			next = t.Nodes[i].Left
		}
		contrib[t.Nodes[i].Feature] += t.Nodes[next].Value - t.Nodes[i].Value
		i = next
	}
	return t.Nodes[0].Value
}

func (t *regTree) encode(enc *gob.Encoder) error { return enc.Encode(t.Nodes) }

func decodeTree(dec *gob.Decoder) (*regTree, error) {
	var nodes []treeNode
	if err := dec.Decode(&nodes); err != nil {
		return nil, err
	}
	return &regTree{Nodes: nodes}, nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
