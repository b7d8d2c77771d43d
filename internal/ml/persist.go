package ml

import (
	"encoding/json"
	"fmt"

	"loanrisk/internal/dataset"
)

// SchemaVersion is the artifact format version. Loaders reject anything
// else.
const SchemaVersion = 1

// artifact is the JSON envelope a fitted ensemble serializes to. Fold models
// are gob blobs, base64-encoded by the JSON layer.
type artifact struct {
	SchemaVersion    int                      `json:"schema_version"`
	Config           Config                   `json:"config"`
	Features         []string                 `json:"features"`
	BaseModels       map[LearnerKind][][]byte `json:"base_models"`
	MetaModel        []byte                   `json:"meta_model"`
	CVScores         CVScores                 `json:"cv_scores"`
	FoldDiagnostics  []FoldDiagnostics        `json:"fold_diagnostics"`
	GlobalImportance []ImportancePair         `json:"global_importance,omitempty"`
}

// MarshalEnsemble serializes a fitted ensemble into its artifact form.
func MarshalEnsemble(e *Ensemble) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateFitted && e.state != StateFittedExplained {
		return nil, ErrNotFitted
	}

	art := artifact{
		SchemaVersion:   SchemaVersion,
		Config:          e.cfg,
		Features:        e.schema.Columns,
		BaseModels:      make(map[LearnerKind][][]byte, len(learnerKinds)),
		CVScores:        e.scores,
		FoldDiagnostics: e.diags,
	}
	for _, kind := range learnerKinds {
		for _, m := range e.baseModels[kind] {
			blob, err := m.serialize()
			if err != nil {
				return nil, fmt.Errorf("ml: serialize %s fold model: %w", kind, err)
			}
			art.BaseModels[kind] = append(art.BaseModels[kind], blob)
		}
	}
	metaBlob, err := e.meta.serialize()
	if err != nil {
		return nil, fmt.Errorf("ml: serialize meta model: %w", err)
	}
	art.MetaModel = metaBlob
	if e.state == StateFittedExplained {
		art.GlobalImportance = e.globalImp
	}
	return json.Marshal(art)
}

// UnmarshalEnsemble restores a fitted ensemble from artifact bytes. The
// result lands directly in StateFitted, or StateFittedExplained when the
// artifact carries importance scores and the representative model can be
// rebuilt.
func UnmarshalEnsemble(blob []byte) (*Ensemble, error) {
	var art artifact
	if err := json.Unmarshal(blob, &art); err != nil {
		return nil, &ArtifactError{Reason: "decode artifact envelope", Err: err}
	}
	if art.SchemaVersion != SchemaVersion {
		return nil, &ArtifactError{Reason: fmt.Sprintf("unsupported schema version %d", art.SchemaVersion)}
	}
	if len(art.Features) == 0 {
		return nil, &ArtifactError{Reason: "artifact has no feature schema"}
	}
	if len(art.MetaModel) == 0 {
		return nil, &ArtifactError{Reason: "artifact has no meta model"}
	}
	if err := art.Config.validate(); err != nil {
		return nil, &ArtifactError{Reason: "invalid config", Err: err}
	}

	e := NewEnsemble(art.Config)
	e.schema = dataset.Schema{Columns: art.Features}
	e.baseModels = make(map[LearnerKind][]baseModel, len(learnerKinds))
	for _, kind := range learnerKinds {
		blobs := art.BaseModels[kind]
		if len(blobs) != art.Config.Folds {
			return nil, &ArtifactError{Reason: fmt.Sprintf("%s has %d fold models, config says %d folds", kind, len(blobs), art.Config.Folds)}
		}
		for _, b := range blobs {
			m, err := deserializeBase(kind, b)
			if err != nil {
				return nil, err
			}
			e.baseModels[kind] = append(e.baseModels[kind], m)
		}
	}

	meta, err := decodeMeta(art.MetaModel)
	if err != nil {
		return nil, err
	}
	if len(meta.Weights) != len(learnerKinds) {
		return nil, &ArtifactError{Reason: fmt.Sprintf("meta model has %d weights, want %d", len(meta.Weights), len(learnerKinds))}
	}
	e.meta = meta
	e.scores = art.CVScores
	e.diags = art.FoldDiagnostics
	e.state = StateFitted

	if len(art.GlobalImportance) > 0 {
		rep, ok := e.baseModels[KindGBDT][0].(*gbdtModel)
		if ok {
			e.expl = newExplainer(rep, art.Features)
			e.globalImp = art.GlobalImportance
			e.state = StateFittedExplained
		}
	}
	return e, nil
}
