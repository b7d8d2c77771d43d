package ml

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"loanrisk/internal/dataset"
)

// State tracks the ensemble lifecycle.
type State int

const (
	// StateUnfitted is the initial state; only Fit is allowed.
	StateUnfitted State = iota
	// StateFitting is held for the duration of a Fit call.
	StateFitting
	// StateFitted allows prediction but not explanation.
	StateFitted
	// StateFittedExplained allows prediction and explanation.
	StateFittedExplained
)

func (s State) String() string {
	switch s {
	case StateUnfitted:
		return "unfitted"
	case StateFitting:
		return "fitting"
	case StateFitted:
		return "fitted"
	case StateFittedExplained:
		return "fitted_explained"
	default:
		return "unknown"
	}
}

// Config holds the full hyperparameter set of a stacking run.
type Config struct {
	Folds  int          `json:"folds" yaml:"folds"`
	Seed   int64        `json:"seed" yaml:"seed"`
	GBDT   GBDTParams   `json:"gbdt" yaml:"gbdt"`
	Forest ForestParams `json:"forest" yaml:"forest"`
	Meta   MetaParams   `json:"meta" yaml:"meta"`
}

// DefaultConfig returns the service's standard training configuration.
func DefaultConfig() Config {
	return Config{
		Folds:  5,
		Seed:   42,
		GBDT:   DefaultGBDTParams(),
		Forest: DefaultForestParams(),
		Meta:   DefaultMetaParams(),
	}
}

func (c Config) validate() error {
	if c.Folds < 2 {
		return fmt.Errorf("ml: folds must be at least 2, got %d", c.Folds)
	}
	if c.GBDT.Rounds < 1 || c.Forest.Trees < 1 {
		return fmt.Errorf("ml: base learners need at least one round/tree")
	}
	if c.GBDT.LearningRate <= 0 {
		return fmt.Errorf("ml: gbdt learning rate must be positive")
	}
	if c.Forest.FeatureFraction <= 0 || c.Forest.FeatureFraction > 1 {
		return fmt.Errorf("ml: forest feature fraction must be in (0, 1]")
	}
	if c.Meta.Epochs < 1 || c.Meta.LearningRate <= 0 {
		return fmt.Errorf("ml: meta stage needs positive epochs and learning rate")
	}
	return nil
}

// CVScores summarizes cross-validation quality of a fitted ensemble.
type CVScores struct {
	MeanAUC       float64 `json:"mean_auc"`
	MeanAccuracy  float64 `json:"mean_accuracy"`
	CVFolds       int     `json:"cv_folds"`
	TotalSamples  int     `json:"total_samples"`
	FeaturesCount int     `json:"features_count"`
}

// FoldDiagnostics records per-fold validation metrics. AUC entries are
// omitted for folds where the held-out labels collapse to a single class.
type FoldDiagnostics struct {
	Fold       int                     `json:"fold"`
	AUC        map[LearnerKind]float64 `json:"auc,omitempty"`
	BlendAUC   *float64                `json:"blend_auc,omitempty"`
	Accuracy   float64                 `json:"accuracy"`
	Degenerate bool                    `json:"degenerate,omitempty"`
	Warning    string                  `json:"warning,omitempty"`
}

// ProgressFunc reports fold completion during Fit.
type ProgressFunc func(fold, total int)

// Ensemble is a two-stage stacking classifier: per-fold base learners whose
// out-of-fold predictions train a logistic blend. Inference averages all fold
// models of each kind before blending, while the blend itself was trained on
// held-out predictions only.
type Ensemble struct {
	mu sync.RWMutex

	state  State
	cfg    Config
	schema dataset.Schema

	baseModels map[LearnerKind][]baseModel
	meta       *metaModel

	scores CVScores
	diags  []FoldDiagnostics

	expl      *explainer
	globalImp []ImportancePair
}

// NewEnsemble builds an unfitted ensemble.
func NewEnsemble(cfg Config) *Ensemble {
	return &Ensemble{cfg: cfg, state: StateUnfitted}
}

// State returns the current lifecycle state.
func (e *Ensemble) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Config returns the configuration the ensemble was built with.
func (e *Ensemble) Config() Config { return e.cfg }

// Schema returns the feature schema captured at fit time.
func (e *Ensemble) Schema() dataset.Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schema
}

// Fit trains the full stack on X and binary labels y. Folds run
// sequentially; cancellation is honored between folds, and any fold error
// aborts the whole fit and leaves the ensemble in its prior state.
// An explanation-stage failure does not abort: the model lands in
// StateFitted with explanation unavailable.
func (e *Ensemble) Fit(ctx context.Context, X *dataset.Matrix, y []float64, progress ProgressFunc) error {
	if err := e.cfg.validate(); err != nil {
		return err
	}
	if X.NumRows() != len(y) {
		return fmt.Errorf("ml: %d rows but %d labels", X.NumRows(), len(y))
	}
	if X.NumRows() == 0 {
		return fmt.Errorf("ml: cannot fit on empty matrix")
	}

	e.mu.Lock()
	if e.state == StateFitting {
		e.mu.Unlock()
		return fmt.Errorf("ml: fit already in progress")
	}
	prev := e.state
	e.state = StateFitting
	e.mu.Unlock()

	fitted, err := e.runFit(ctx, X, y, progress)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = prev
		return err
	}

	e.schema = X.Schema()
	e.baseModels = fitted.baseModels
	e.meta = fitted.meta
	e.scores = fitted.scores
	e.diags = fitted.diags
	e.expl = fitted.expl
	e.globalImp = fitted.globalImp
	if e.expl != nil {
		e.state = StateFittedExplained
	} else {
		e.state = StateFitted
	}
	return nil
}

// fitResult carries everything a successful training run produces, so Fit
// can swap it in atomically.
type fitResult struct {
	baseModels map[LearnerKind][]baseModel
	meta       *metaModel
	scores     CVScores
	diags      []FoldDiagnostics
	expl       *explainer
	globalImp  []ImportancePair
}

func (e *Ensemble) runFit(ctx context.Context, X *dataset.Matrix, y []float64, progress ProgressFunc) (*fitResult, error) {
	cfg := e.cfg
	folds, err := stratifiedKFold(y, cfg.Folds, cfg.Seed)
	if err != nil {
		return nil, err
	}

	rows := X.Rows
	oof := make(map[LearnerKind][]float64, len(learnerKinds))
	for _, kind := range learnerKinds {
		oof[kind] = make([]float64, len(rows))
	}

	res := &fitResult{baseModels: make(map[LearnerKind][]baseModel, len(learnerKinds))}

	for f, fold := range folds {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("ml: fit cancelled before fold %d: %w", f, err)
		}

		diag := FoldDiagnostics{Fold: f}
		valLabels := make([]float64, len(fold.val))
		for j, i := range fold.val {
			valLabels[j] = y[i]
		}

		blend := make([]float64, len(fold.val))
		for _, kind := range learnerKinds {
			model, err := trainBase(kind, cfg, rows, y, fold.train, fold.val, cfg.Seed+int64(f))
			if err != nil {
				return nil, fmt.Errorf("ml: fold %d %s: %w", f, kind, err)
			}
			res.baseModels[kind] = append(res.baseModels[kind], model)

			preds := make([]float64, len(fold.val))
			for j, i := range fold.val {
				p := model.predictRow(rows[i])
				preds[j] = p
				oof[kind][i] = p
				blend[j] += p / float64(len(learnerKinds))
			}

			auc, aucErr := rocAUC(valLabels, preds)
			if aucErr == nil {
				if diag.AUC == nil {
					diag.AUC = make(map[LearnerKind]float64, len(learnerKinds))
				}
				diag.AUC[kind] = auc
			}
		}

		blendAUC, aucErr := rocAUC(valLabels, blend)
		if aucErr != nil {
			diag.Degenerate = true
			diag.Warning = "validation labels are single-class, fold AUC undefined"
			log.Warn().Int("fold", f).Msg("degenerate validation fold, AUC undefined")
		} else {
			diag.BlendAUC = &blendAUC
		}
		diag.Accuracy = accuracy(valLabels, blend)
		res.diags = append(res.diags, diag)

		log.Info().
			Int("fold", f+1).
			Int("folds", cfg.Folds).
			Float64("accuracy", diag.Accuracy).
			Msg("fold trained")
		if progress != nil {
			progress(f+1, cfg.Folds)
		}
	}

	oofDense := mat.NewDense(len(rows), len(learnerKinds), nil)
	for i := range rows {
		for k, kind := range learnerKinds {
			oofDense.Set(i, k, oof[kind][i])
		}
	}
	res.meta = fitMeta(cfg.Meta, oofDense, y)

	res.scores = e.summarize(res.diags, len(rows), X.NumCols())

	// Attribution is best-effort: a failure here degrades explanation
	// availability but never the fitted model.
	rep, ok := res.baseModels[KindGBDT][0].(*gbdtModel)
	if !ok {
		log.Warn().Msg("representative model unavailable, skipping explainer")
		return res, nil
	}
	expl := newExplainer(rep, X.Columns)
	imp, err := expl.globalImportance(rows, cfg.Seed)
	if err != nil {
		log.Warn().Err(err).Msg("global importance failed, explanation disabled")
		return res, nil
	}
	res.expl = expl
	res.globalImp = imp
	return res, nil
}

func (e *Ensemble) summarize(diags []FoldDiagnostics, samples, features int) CVScores {
	var aucSum, accSum float64
	aucFolds := 0
	for _, d := range diags {
		if d.BlendAUC != nil {
			aucSum += *d.BlendAUC
			aucFolds++
		}
		accSum += d.Accuracy
	}
	scores := CVScores{
		MeanAccuracy:  accSum / float64(len(diags)),
		CVFolds:       len(diags),
		TotalSamples:  samples,
		FeaturesCount: features,
	}
	if aucFolds > 0 {
		scores.MeanAUC = aucSum / float64(aucFolds)
	}
	return scores
}

// basePredictions averages every fold model of each kind over the rows.
func (e *Ensemble) basePredictions(rows [][]float64) map[LearnerKind][]float64 {
	out := make(map[LearnerKind][]float64, len(learnerKinds))
	for _, kind := range learnerKinds {
		models := e.baseModels[kind]
		preds := make([]float64, len(rows))
		for i, row := range rows {
			sum := 0.0
			for _, m := range models {
				sum += m.predictRow(row)
			}
			preds[i] = sum / float64(len(models))
		}
		out[kind] = preds
	}
	return out
}

// PredictProba returns default probabilities for every row of X.
func (e *Ensemble) PredictProba(X *dataset.Matrix) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateFitted && e.state != StateFittedExplained {
		return nil, ErrNotFitted
	}
	if err := e.schema.Check(X.Schema()); err != nil {
		return nil, err
	}

	base := e.basePredictions(X.Rows)
	probs := make([]float64, X.NumRows())
	features := make([]float64, len(learnerKinds))
	for i := range probs {
		for k, kind := range learnerKinds {
			features[k] = base[kind][i]
		}
		probs[i] = e.meta.predictRow(features)
	}
	return probs, nil
}

// DefaultThreshold is the decision boundary used when a caller does not
// choose one.
const DefaultThreshold = 0.5

// Predict returns 0/1 labels at the given probability threshold.
func (e *Ensemble) Predict(X *dataset.Matrix, threshold float64) ([]int, error) {
	probs, err := e.PredictProba(X)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(probs))
	for i, p := range probs {
		if p >= threshold {
			labels[i] = 1
		}
	}
	return labels, nil
}

// Label thresholds a probability at the default boundary.
func Label(p float64) int {
	if p >= DefaultThreshold {
		return 1
	}
	return 0
}

// Confidence is the probability of the predicted label.
func Confidence(p float64) float64 {
	if p >= 0.5 {
		return p
	}
	return 1 - p
}

// ExplainRow attributes the prediction for one row of X to its features.
func (e *Ensemble) ExplainRow(X *dataset.Matrix, row int) (*RowExplanation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch e.state {
	case StateFittedExplained:
	case StateFitted:
		return nil, ErrExplainerUnavailable
	default:
		return nil, ErrNotFitted
	}
	if err := e.schema.Check(X.Schema()); err != nil {
		return nil, err
	}
	if row < 0 || row >= X.NumRows() {
		return nil, fmt.Errorf("ml: row %d out of range [0, %d)", row, X.NumRows())
	}
	return e.expl.explainRow(X.Rows[row])
}

// GlobalImportance returns the ranked feature importance computed at fit
// time. A fitted model without explanation support returns an empty list
// rather than an error.
func (e *Ensemble) GlobalImportance() ([]ImportancePair, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch e.state {
	case StateFittedExplained:
		return append([]ImportancePair(nil), e.globalImp...), nil
	case StateFitted:
		return []ImportancePair{}, nil
	default:
		return nil, ErrNotFitted
	}
}

// CVScores returns the cross-validation summary of the last fit.
func (e *Ensemble) CVScores() (CVScores, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateFitted && e.state != StateFittedExplained {
		return CVScores{}, ErrNotFitted
	}
	return e.scores, nil
}

// Diagnostics returns the per-fold metrics of the last fit.
func (e *Ensemble) Diagnostics() ([]FoldDiagnostics, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateFitted && e.state != StateFittedExplained {
		return nil, ErrNotFitted
	}
	return append([]FoldDiagnostics(nil), e.diags...), nil
}
