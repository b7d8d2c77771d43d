package ml

import "fmt"

// LearnerKind identifies a base learner family in the ensemble.
type LearnerKind string

const (
	// KindGBDT is the gradient-boosted decision tree learner.
	KindGBDT LearnerKind = "gbdt"
	// KindForest is the bootstrap-aggregated random forest learner.
	KindForest LearnerKind = "forest"
)

// learnerKinds is the fixed training order of the base stage. The order is
// part of the meta feature layout, so it never changes after fitting.
var learnerKinds = []LearnerKind{KindGBDT, KindForest}

// baseModel is one fitted fold model of a base learner. Probabilities feed
// the meta learner; attribution walks the model's trees in margin space.
type baseModel interface {
	// predictRow returns the default probability for a single feature row.
	predictRow(row []float64) float64
	// attribute adds per-feature margin contributions for the row into
	// contrib and returns the model's base value.
	attribute(row []float64, contrib []float64) float64
	// serialize encodes the fitted model for artifact storage.
	serialize() ([]byte, error)
}

// trainBase fits one fold model of the given kind, with early stopping
// against the held-out rows.
func trainBase(kind LearnerKind, cfg Config, rows [][]float64, labels []float64, train, val []int, seed int64) (baseModel, error) {
	switch kind {
	case KindGBDT:
		return fitGBDT(cfg.GBDT, rows, labels, train, val)
	case KindForest:
		return fitForest(cfg.Forest, rows, labels, train, val, seed)
	default:
		return nil, fmt.Errorf("ml: unknown learner kind %q", kind)
	}
}

// deserializeBase restores a fold model from its artifact bytes.
func deserializeBase(kind LearnerKind, blob []byte) (baseModel, error) {
	switch kind {
	case KindGBDT:
		return decodeGBDT(blob)
	case KindForest:
		return decodeForest(blob)
	default:
		return nil, &ArtifactError{Reason: fmt.Sprintf("unknown learner kind %q", kind)}
	}
}
