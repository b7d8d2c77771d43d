package ml

import (
	"bytes"
	"encoding/gob"

	"gonum.org/v1/gonum/mat"
)

// MetaParams configures the logistic blending stage.
type MetaParams struct {
	C            float64 `json:"c" yaml:"c"`
	Epochs       int     `json:"epochs" yaml:"epochs"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
}

// DefaultMetaParams mirrors the blend stage the service trains with when a
// request does not override it.
func DefaultMetaParams() MetaParams {
	return MetaParams{C: 1.0, Epochs: 500, LearningRate: 0.5}
}

// metaModel is the logistic regression that blends out-of-fold base
// predictions into the final probability. One weight per learner kind plus a
// bias.
type metaModel struct {
	Weights []float64
	Bias    float64
}

// fitMeta runs full-batch gradient descent with L2 regularization. The
// optimization is deterministic: zero init, fixed epoch count, fixed rate.
func fitMeta(p MetaParams, oof *mat.Dense, labels []float64) *metaModel {
	n, d := oof.Dims()
	w := mat.NewVecDense(d, nil)
	bias := 0.0
	l2 := 0.0
	if p.C > 0 {
		l2 = 1 / p.C
	}

	probs := mat.NewVecDense(n, nil)
	resid := mat.NewVecDense(n, nil)
	gradW := mat.NewVecDense(d, nil)

	for epoch := 0; epoch < p.Epochs; epoch++ {
		probs.MulVec(oof, w)
		for i := 0; i < n; i++ {
			resid.SetVec(i, sigmoid(probs.AtVec(i)+bias)-labels[i])
		}

		gradW.MulVec(oof.T(), resid)
		gradW.AddScaledVec(gradW, l2, w)
		gradW.ScaleVec(1/float64(n), gradW)
		w.AddScaledVec(w, -p.LearningRate, gradW)

		gradB := mat.Sum(resid) / float64(n)
		bias -= p.LearningRate * gradB
	}

	weights := make([]float64, d)
	for i := 0; i < d; i++ {
		weights[i] = w.AtVec(i)
	}
	return &metaModel{Weights: weights, Bias: bias}
}

// predictRow blends one vector of base probabilities.
func (m *metaModel) predictRow(features []float64) float64 {
	s := m.Bias
	for i, w := range m.Weights {
		s += w * features[i]
	}
	return sigmoid(s)
}

func (m *metaModel) serialize() ([]byte, error) {
	return gobEncode(*m)
}

func decodeMeta(blob []byte) (*metaModel, error) {
	var m metaModel
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&m); err != nil {
		return nil, &ArtifactError{Reason: "decode meta model", Err: err}
	}
	return &m, nil
}
