package ml

import (
	"bytes"
	"encoding/gob"
	"math"
)

// GBDTParams configures the boosted-tree base learner.
type GBDTParams struct {
	Rounds         int     `json:"rounds" yaml:"rounds"`
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate"`
	MaxDepth       int     `json:"max_depth" yaml:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf" yaml:"min_samples_leaf"`
	Lambda         float64 `json:"lambda" yaml:"lambda"`
	EarlyStopping  int     `json:"early_stopping" yaml:"early_stopping"`
}

// DefaultGBDTParams mirrors the hyperparameters the service trains with when
// a request does not override them.
func DefaultGBDTParams() GBDTParams {
	return GBDTParams{
		Rounds:         200,
		LearningRate:   0.1,
		MaxDepth:       4,
		MinSamplesLeaf: 5,
		Lambda:         1.0,
		EarlyStopping:  20,
	}
}

// gbdtModel is a fitted boosting chain. Prediction sums scaled tree outputs
// onto the base margin and squashes through the sigmoid.
type gbdtModel struct {
	Trees        []*regTree
	LearningRate float64
	BaseMargin   float64
}

// fitGBDT runs second-order boosting on the training rows, scoring the
// validation rows by log loss each round and truncating the chain to the best
// round when no improvement is seen for EarlyStopping rounds.
func fitGBDT(p GBDTParams, rows [][]float64, labels []float64, train, val []int) (*gbdtModel, error) {
	var posRate float64
	for _, i := range train {
		posRate += labels[i]
	}
	posRate /= float64(len(train))
	posRate = math.Min(math.Max(posRate, 1e-6), 1-1e-6)
	base := math.Log(posRate / (1 - posRate))

	m := &gbdtModel{LearningRate: p.LearningRate, BaseMargin: base}

	features := make([]int, len(rows[0]))
	for i := range features {
		features[i] = i
	}
	tp := treeParams{maxDepth: p.MaxDepth, minSamplesLeaf: p.MinSamplesLeaf, lambda: p.Lambda}

	margins := make([]float64, len(rows))
	for i := range margins {
		margins[i] = base
	}
	grad := make([]float64, len(rows))
	hess := make([]float64, len(rows))

	valLabels := make([]float64, len(val))
	valProbs := make([]float64, len(val))
	for j, i := range val {
		valLabels[j] = labels[i]
	}

	bestLoss := math.Inf(1)
	bestRound := 0
	sinceBest := 0

	for round := 0; round < p.Rounds; round++ {
		for _, i := range train {
			pr := sigmoid(margins[i])
			grad[i] = pr - labels[i]
			hess[i] = pr * (1 - pr)
		}

		tree := growTree(rows, grad, hess, train, features, tp)
		m.Trees = append(m.Trees, tree)

		for _, i := range train {
			margins[i] += p.LearningRate * tree.predict(rows[i])
		}
		for j, i := range val {
			margins[i] += p.LearningRate * tree.predict(rows[i])
			valProbs[j] = sigmoid(margins[i])
		}

		loss := logLoss(valLabels, valProbs)
		if loss < bestLoss {
			bestLoss = loss
			bestRound = round + 1
			sinceBest = 0
		} else {
			sinceBest++
			if p.EarlyStopping > 0 && sinceBest >= p.EarlyStopping {
				break
			}
		}
	}

	m.Trees = m.Trees[:bestRound]
	return m, nil
}

// margin returns the raw log-odds score for a row.
func (m *gbdtModel) margin(row []float64) float64 {
	s := m.BaseMargin
	for _, t := range m.Trees {
		s += m.LearningRate * t.predict(row)
	}
	return s
}

func (m *gbdtModel) predictRow(row []float64) float64 {
	return sigmoid(m.margin(row))
}

func (m *gbdtModel) attribute(row []float64, contrib []float64) float64 {
	scaled := make([]float64, len(contrib))
	base := m.BaseMargin
	for _, t := range m.Trees {
		for i := range scaled {
			scaled[i] = 0
		}
		root := t.pathAttribute(row, scaled)
		base += m.LearningRate * root
		for i, c := range scaled {
			contrib[i] += m.LearningRate * c
		}
	}
	return base
}

// gbdtEnvelope is the gob wire form of a fitted chain.
type gbdtEnvelope struct {
	Trees        [][]treeNode
	LearningRate float64
	BaseMargin   float64
}

func (m *gbdtModel) serialize() ([]byte, error) {
	env := gbdtEnvelope{LearningRate: m.LearningRate, BaseMargin: m.BaseMargin}
	for _, t := range m.Trees {
		env.Trees = append(env.Trees, t.Nodes)
	}
	return gobEncode(env)
}

func decodeGBDT(blob []byte) (*gbdtModel, error) {
	var env gbdtEnvelope
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&env); err != nil {
		return nil, &ArtifactError{Reason: "decode gbdt model", Err: err}
	}
	m := &gbdtModel{LearningRate: env.LearningRate, BaseMargin: env.BaseMargin}
	for _, nodes := range env.Trees {
		m.Trees = append(m.Trees, &regTree{Nodes: nodes})
	}
	return m, nil
}
