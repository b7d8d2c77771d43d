package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// globalImportanceSample caps the number of rows global importance averages
// over.
const globalImportanceSample = 1000

// ImportancePair is one feature's global importance score. It marshals as a
// two-element ["name", score] tuple to keep the ranking order explicit in
// JSON output.
type ImportancePair struct {
	Feature string
	Score   float64
}

func (p ImportancePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Feature, p.Score})
}

func (p *ImportancePair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.Feature); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Score)
}

// RowExplanation attributes one prediction to its input features in margin
// space. BaseValue plus the sum of Attributions reconstructs the
// representative model's raw margin for the row.
type RowExplanation struct {
	Features     []string  `json:"features"`
	Attributions []float64 `json:"attributions"`
	BaseValue    float64   `json:"base_value"`
}

// explainer wraps the representative model used for attribution. It is the
// first boosted fold model: attribution walks tree paths, so it needs a
// single concrete tree ensemble rather than the blended stack.
type explainer struct {
	model    *gbdtModel
	features []string
}

func newExplainer(model *gbdtModel, features []string) *explainer {
	return &explainer{model: model, features: features}
}

// explainRow produces the per-feature path attribution for one row.
func (e *explainer) explainRow(row []float64) (*RowExplanation, error) {
	if len(row) != len(e.features) {
		return nil, fmt.Errorf("ml: explain row has %d values, model expects %d", len(row), len(e.features))
	}
	contrib := make([]float64, len(e.features))
	base := e.model.attribute(row, contrib)
	return &RowExplanation{
		Features:     append([]string(nil), e.features...),
		Attributions: contrib,
		BaseValue:    base,
	}, nil
}

// globalImportance averages absolute attributions over a seeded sample of the
// training rows and ranks features by the mean, descending. Ties keep the
// feature order stable by name.
func (e *explainer) globalImportance(rows [][]float64, seed int64) ([]ImportancePair, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("ml: no rows to compute importance over")
	}

	sample := rows
	if len(rows) > globalImportanceSample {
		rng := rand.New(rand.NewSource(seed))
		perm := rng.Perm(len(rows))[:globalImportanceSample]
		sort.Ints(perm)
		sample = make([][]float64, len(perm))
		for i, idx := range perm {
			sample[i] = rows[idx]
		}
	}

	sums := make([]float64, len(e.features))
	contrib := make([]float64, len(e.features))
	for _, row := range sample {
		for i := range contrib {
			contrib[i] = 0
		}
		e.model.attribute(row, contrib)
		for i, c := range contrib {
			sums[i] += math.Abs(c)
		}
	}

	pairs := make([]ImportancePair, len(e.features))
	for i, name := range e.features {
		pairs[i] = ImportancePair{Feature: name, Score: sums[i] / float64(len(sample))}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		if pairs[a].Score != pairs[b].Score {
			return pairs[a].Score > pairs[b].Score
		}
		return pairs[a].Feature < pairs[b].Feature
	})
	return pairs, nil
}
