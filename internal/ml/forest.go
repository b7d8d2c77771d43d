package ml

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
)

// ForestParams configures the bootstrap-forest base learner.
type ForestParams struct {
	Trees           int     `json:"trees" yaml:"trees"`
	MaxDepth        int     `json:"max_depth" yaml:"max_depth"`
	MinSamplesLeaf  int     `json:"min_samples_leaf" yaml:"min_samples_leaf"`
	FeatureFraction float64 `json:"feature_fraction" yaml:"feature_fraction"`
	EarlyStopping   int     `json:"early_stopping" yaml:"early_stopping"`
}

// DefaultForestParams mirrors the hyperparameters the service trains with
// when a request does not override them.
func DefaultForestParams() ForestParams {
	return ForestParams{
		Trees:           100,
		MaxDepth:        8,
		MinSamplesLeaf:  5,
		FeatureFraction: 0.8,
		EarlyStopping:   20,
	}
}

// forestModel averages leaf label means over bootstrap trees. Each tree is
// the same regression tree the boosting chain uses, grown with unit hessians
// and negated labels as gradients so leaves hold the mean label.
type forestModel struct {
	Trees []*regTree
}

// fitForest grows bootstrap trees sequentially, scoring the running average
// on the validation rows and truncating to the best ensemble size when log
// loss has not improved for EarlyStopping trees.
func fitForest(p ForestParams, rows [][]float64, labels []float64, train, val []int, seed int64) (*forestModel, error) {
	rng := rand.New(rand.NewSource(seed))

	nFeatures := len(rows[0])
	subset := int(math.Ceil(p.FeatureFraction * float64(nFeatures)))
	if subset < 1 {
		subset = 1
	}
	if subset > nFeatures {
		subset = nFeatures
	}

	grad := make([]float64, len(rows))
	hess := make([]float64, len(rows))
	for _, i := range train {
		hess[i] = 1
	}
	tp := treeParams{maxDepth: p.MaxDepth, minSamplesLeaf: p.MinSamplesLeaf, lambda: 0}

	valLabels := make([]float64, len(val))
	for j, i := range val {
		valLabels[j] = labels[i]
	}
	valSums := make([]float64, len(val))
	valProbs := make([]float64, len(val))

	m := &forestModel{}
	bestLoss := math.Inf(1)
	bestSize := 0
	sinceBest := 0

	for len(m.Trees) < p.Trees {
		sample := make([]int, len(train))
		for j := range sample {
			sample[j] = train[rng.Intn(len(train))]
		}
		features := rng.Perm(nFeatures)[:subset]

		// Bootstrap duplicates matter for the leaf means, so gradients are
		// accumulated per draw rather than per distinct row.
		for i := range grad {
			grad[i] = 0
			hess[i] = 0
		}
		seen := make(map[int]bool, len(sample))
		var distinct []int
		for _, i := range sample {
			grad[i] -= labels[i]
			hess[i]++
			if !seen[i] {
				seen[i] = true
				distinct = append(distinct, i)
			}
		}

		tree := growTree(rows, grad, hess, distinct, features, tp)
		m.Trees = append(m.Trees, tree)

		for j, i := range val {
			valSums[j] += tree.predict(rows[i])
			valProbs[j] = clampProb(valSums[j] / float64(len(m.Trees)))
		}

		loss := logLoss(valLabels, valProbs)
		if loss < bestLoss {
			bestLoss = loss
			bestSize = len(m.Trees)
			sinceBest = 0
		} else {
			sinceBest++
			if p.EarlyStopping > 0 && sinceBest >= p.EarlyStopping {
				break
			}
		}
	}

	m.Trees = m.Trees[:bestSize]
	return m, nil
}

func (m *forestModel) predictRow(row []float64) float64 {
	sum := 0.0
	for _, t := range m.Trees {
		sum += t.predict(row)
	}
	return clampProb(sum / float64(len(m.Trees)))
}

func (m *forestModel) attribute(row []float64, contrib []float64) float64 {
	scaled := make([]float64, len(contrib))
	base := 0.0
	inv := 1 / float64(len(m.Trees))
	for _, t := range m.Trees {
		for i := range scaled {
			scaled[i] = 0
		}
		root := t.pathAttribute(row, scaled)
		base += inv * root
		for i, c := range scaled {
			contrib[i] += inv * c
		}
	}
	return base
}

func (m *forestModel) serialize() ([]byte, error) {
	env := make([][]treeNode, len(m.Trees))
	for i, t := range m.Trees {
		env[i] = t.Nodes
	}
	return gobEncode(env)
}

func decodeForest(blob []byte) (*forestModel, error) {
	var env [][]treeNode
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&env); err != nil {
		return nil, &ArtifactError{Reason: "decode forest model", Err: err}
	}
	m := &forestModel{}
	for _, nodes := range env {
		m.Trees = append(m.Trees, &regTree{Nodes: nodes})
	}
	return m, nil
}

func clampProb(p float64) float64 {
	return math.Min(math.Max(p, 0), 1)
}
