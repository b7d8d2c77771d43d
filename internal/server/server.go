// Package server exposes the loan risk service over HTTP: training job
// submission and polling, single and batch prediction, feature attribution,
// and model management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"loanrisk/internal/dataset"
	"loanrisk/internal/jobs"
	"loanrisk/internal/metrics"
	"loanrisk/internal/ml"
	"loanrisk/internal/storage"
)

// Server provides the HTTP API over the job manager and model store.
type Server struct {
	store   *storage.Store
	manager *jobs.Manager
	metrics *metrics.Metrics
	server  *http.Server

	maxUploadBytes     int64
	defaultConfig      ml.Config
	defaultEngineering dataset.FeatureEngineering

	mu     sync.RWMutex
	loaded map[string]*loadedModel
}

// loadedModel is a deserialized artifact kept in memory between requests.
type loadedModel struct {
	ensemble *ml.Ensemble
	pre      *dataset.Preprocessor
}

// Options configures a Server.
type Options struct {
	Addr               string
	MaxUploadBytes     int64
	DefaultConfig      ml.Config
	DefaultEngineering dataset.FeatureEngineering
}

// New creates the API server.
func New(store *storage.Store, manager *jobs.Manager, m *metrics.Metrics, opts Options) *Server {
	s := &Server{
		store:              store,
		manager:            manager,
		metrics:            m,
		maxUploadBytes:     opts.MaxUploadBytes,
		defaultConfig:      opts.DefaultConfig,
		defaultEngineering: opts.DefaultEngineering,
		loaded:             make(map[string]*loadedModel),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/train/start", s.handleTrainStart)
	mux.HandleFunc("/v1/train/status/", s.handleTrainStatus)
	mux.HandleFunc("/v1/train/cancel/", s.handleTrainCancel)
	mux.HandleFunc("/v1/predict", s.handlePredict)
	mux.HandleFunc("/v1/predict/batch", s.handlePredictBatch)
	mux.HandleFunc("/v1/explain/global", s.handleExplainGlobal)
	mux.HandleFunc("/v1/explain/local", s.handleExplainLocal)
	mux.HandleFunc("/v1/explain/batch", s.handleExplainBatch)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/models/", s.handleModelByID)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting api server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// trainConfig is the optional hyperparameter override attached to a training
// upload.
type trainConfig struct {
	Folds              int                        `json:"folds,omitempty"`
	Seed               *int64                     `json:"seed,omitempty"`
	FeatureEngineering dataset.FeatureEngineering `json:"feature_engineering,omitempty"`
	GBDT               *ml.GBDTParams             `json:"gbdt,omitempty"`
	Forest             *ml.ForestParams           `json:"forest,omitempty"`
	Meta               *ml.MetaParams             `json:"meta,omitempty"`
}

func (s *Server) handleTrainStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid upload: %w", err))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing training file: %w", err))
		return
	}
	defer file.Close()

	raw, err := dataset.ReadCSV(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid csv: %w", err))
		return
	}
	if err := dataset.ValidateColumns(raw, true); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg := s.defaultConfig
	engineering := s.defaultEngineering
	if override := r.FormValue("config"); override != "" {
		var tc trainConfig
		if err := json.Unmarshal([]byte(override), &tc); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid config: %w", err))
			return
		}
		if tc.Folds != 0 {
			cfg.Folds = tc.Folds
		}
		if tc.Seed != nil {
			cfg.Seed = *tc.Seed
		}
		if tc.FeatureEngineering != "" {
			engineering = tc.FeatureEngineering
		}
		if tc.GBDT != nil {
			cfg.GBDT = *tc.GBDT
		}
		if tc.Forest != nil {
			cfg.Forest = *tc.Forest
		}
		if tc.Meta != nil {
			cfg.Meta = *tc.Meta
		}
	}

	jobID, err := s.manager.Submit(jobs.TrainRequest{Data: raw, Config: cfg, Engineering: engineering})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleTrainStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/train/status/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing job id"))
		return
	}
	rec, err := s.manager.Status(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTrainCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/train/cancel/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing job id"))
		return
	}
	if err := s.manager.Cancel(id); err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

// predictRequest is a single application plus an optional model selector.
type predictRequest struct {
	ModelID string                     `json:"model_id,omitempty"`
	Record  map[string]json.RawMessage `json:"record"`
}

// predictResponse mirrors one scored application.
type predictResponse struct {
	ID          string  `json:"id,omitempty"`
	ModelID     string  `json:"model_id"`
	Probability float64 `json:"probability"`
	Label       int     `json:"label"`
	Confidence  float64 `json:"confidence"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if len(req.Record) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("record cannot be empty"))
		return
	}

	raw, err := recordsToRaw([]map[string]json.RawMessage{req.Record})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	modelID, lm, err := s.resolveModel(req.ModelID)
	if err != nil {
		s.modelError(w, err)
		return
	}

	probs, ids, err := s.score(lm, raw)
	if err != nil {
		s.predictionError(w, err)
		return
	}

	p := probs[0]
	s.metrics.Predictions.Inc()
	s.metrics.PredictionScores.Observe(p)
	s.metrics.PredictLatency.Observe(time.Since(start).Seconds())

	s.writeJSON(w, http.StatusOK, predictResponse{
		ID:          ids[0],
		ModelID:     modelID,
		Probability: p,
		Label:       ml.Label(p),
		Confidence:  ml.Confidence(p),
	})
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	var req struct {
		ModelID string                       `json:"model_id,omitempty"`
		Records []map[string]json.RawMessage `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if len(req.Records) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("records cannot be empty"))
		return
	}

	raw, err := recordsToRaw(req.Records)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	modelID, lm, err := s.resolveModel(req.ModelID)
	if err != nil {
		s.modelError(w, err)
		return
	}

	probs, ids, err := s.score(lm, raw)
	if err != nil {
		s.predictionError(w, err)
		return
	}

	out := make([]predictResponse, len(probs))
	for i, p := range probs {
		out[i] = predictResponse{
			ID:          ids[i],
			ModelID:     modelID,
			Probability: p,
			Label:       ml.Label(p),
			Confidence:  ml.Confidence(p),
		}
		s.metrics.PredictionScores.Observe(p)
	}
	s.metrics.Predictions.Add(float64(len(probs)))
	s.metrics.BatchSizes.Observe(float64(len(probs)))
	s.metrics.PredictLatency.Observe(time.Since(start).Seconds())

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id":    modelID,
		"predictions": out,
	})
}

func (s *Server) handleExplainGlobal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modelID, lm, err := s.resolveModel(r.URL.Query().Get("model_id"))
	if err != nil {
		s.modelError(w, err)
		return
	}

	importance, err := lm.ensemble.GlobalImportance()
	if err != nil {
		s.predictionError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id":   modelID,
		"importance": importance,
	})
}

func (s *Server) handleExplainLocal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if len(req.Record) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("record cannot be empty"))
		return
	}

	raw, err := recordsToRaw([]map[string]json.RawMessage{req.Record})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	modelID, lm, err := s.resolveModel(req.ModelID)
	if err != nil {
		s.modelError(w, err)
		return
	}

	X, err := lm.pre.Transform(raw)
	if err != nil {
		s.predictionError(w, err)
		return
	}
	explanation, err := lm.ensemble.ExplainRow(X, 0)
	if err != nil {
		s.predictionError(w, err)
		return
	}
	s.metrics.Explanations.Inc()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id":    modelID,
		"explanation": explanation,
	})
}

func (s *Server) handleExplainBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ModelID string                       `json:"model_id,omitempty"`
		Records []map[string]json.RawMessage `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if len(req.Records) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("records cannot be empty"))
		return
	}

	raw, err := recordsToRaw(req.Records)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	modelID, lm, err := s.resolveModel(req.ModelID)
	if err != nil {
		s.modelError(w, err)
		return
	}

	X, err := lm.pre.Transform(raw)
	if err != nil {
		s.predictionError(w, err)
		return
	}
	out := make([]*ml.RowExplanation, X.NumRows())
	for i := range out {
		explanation, err := lm.ensemble.ExplainRow(X, i)
		if err != nil {
			s.predictionError(w, err)
			return
		}
		out[i] = explanation
	}
	s.metrics.Explanations.Add(float64(len(out)))

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id":     modelID,
		"explanations": out,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	infos, err := s.store.ListModels()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"models": infos})
}

func (s *Server) handleModelByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing model id"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		modelID, lm, err := s.resolveModel(id)
		if err != nil {
			s.modelError(w, err)
			return
		}
		scores, err := lm.ensemble.CVScores()
		if err != nil {
			s.predictionError(w, err)
			return
		}
		diags, _ := lm.ensemble.Diagnostics()
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"model_id":         modelID,
			"state":            lm.ensemble.State().String(),
			"features":         lm.pre.FeatureNames(),
			"cv_scores":        scores,
			"fold_diagnostics": diags,
		})
	case http.MethodDelete:
		if err := s.store.DeleteModel(id); err != nil {
			s.modelError(w, err)
			return
		}
		s.mu.Lock()
		delete(s.loaded, id)
		s.mu.Unlock()
		s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListModels()
	status := "ok"
	code := http.StatusOK
	if err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status": status,
		"models": len(infos),
		"time":   time.Now().UTC(),
	})
}

// resolveModel loads the requested model, or the newest one when id is
// empty. Loaded models are cached until deleted.
func (s *Server) resolveModel(id string) (string, *loadedModel, error) {
	if id == "" {
		infos, err := s.store.ListModels()
		if err != nil {
			return "", nil, err
		}
		if len(infos) == 0 {
			return "", nil, fmt.Errorf("no trained model available: %w", storage.ErrNotFound)
		}
		id = infos[0].ID
	}

	s.mu.RLock()
	lm, ok := s.loaded[id]
	s.mu.RUnlock()
	if ok {
		return id, lm, nil
	}

	saved, err := s.store.LoadModel(id)
	if err != nil {
		return "", nil, err
	}
	ensemble, err := ml.UnmarshalEnsemble(saved.Engine)
	if err != nil {
		return "", nil, err
	}
	pre, err := dataset.LoadPreprocessor(saved.Preprocessor)
	if err != nil {
		return "", nil, err
	}
	s.metrics.ModelLoads.Inc()

	lm = &loadedModel{ensemble: ensemble, pre: pre}
	s.mu.Lock()
	s.loaded[id] = lm
	s.mu.Unlock()
	return id, lm, nil
}

// score runs the preprocessing and prediction pipeline over raw records and
// extracts their id column when present.
func (s *Server) score(lm *loadedModel, raw *dataset.Raw) ([]float64, []string, error) {
	X, err := lm.pre.Transform(raw)
	if err != nil {
		return nil, nil, err
	}
	probs, err := lm.ensemble.PredictProba(X)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, raw.NumRows())
	if raw.HasColumn(dataset.IDColumn) {
		cells, err := raw.StringColumn(dataset.IDColumn)
		if err == nil {
			copy(ids, cells)
		}
	}
	return probs, ids, nil
}

func (s *Server) modelError(w http.ResponseWriter, err error) {
	var artifactErr *ml.ArtifactError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.As(err, &artifactErr):
		s.metrics.ErrorsTotal.Inc()
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.metrics.ErrorsTotal.Inc()
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) predictionError(w http.ResponseWriter, err error) {
	var mismatch *dataset.SchemaMismatchError
	switch {
	case errors.As(err, &mismatch):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ml.ErrExplainerUnavailable):
		s.metrics.ExplainUnavailable.Inc()
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, ml.ErrNotFitted):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.metrics.ErrorsTotal.Inc()
		s.writeError(w, http.StatusBadRequest, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
