// Package jobs runs background training jobs and exposes their lifecycle for
// polling. Each job record has exactly one writer, its runner goroutine, and
// every update replaces the whole record so readers never observe a half
// written state.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"loanrisk/internal/dataset"
	"loanrisk/internal/metrics"
	"loanrisk/internal/ml"
	"loanrisk/internal/storage"
)

// State is the lifecycle state of a training job.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// terminal reports whether the state can never change again.
func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ErrJobNotFound is returned when a job id is unknown or already evicted.
var ErrJobNotFound = errors.New("jobs: job not found")

// TrainResult is the payload of a succeeded job.
type TrainResult struct {
	ModelID     string               `json:"model_id"`
	CVScores    ml.CVScores          `json:"cv_scores"`
	Diagnostics []ml.FoldDiagnostics `json:"fold_diagnostics"`
}

// Record is the poll view of one job. It is always handled by value so a
// returned record is a stable snapshot.
type Record struct {
	ID        string       `json:"id"`
	State     State        `json:"state"`
	Progress  float64      `json:"progress"`
	Message   string       `json:"message"`
	Result    *TrainResult `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TrainRequest describes one training run.
type TrainRequest struct {
	Data        *dataset.Raw
	Config      ml.Config
	Engineering dataset.FeatureEngineering
}

// Manager owns the job table and the runner goroutines. Finished records are
// also persisted so a succeeded job survives a restart until its TTL, and
// evicted from both places by the janitor.
type Manager struct {
	mu      sync.RWMutex
	records map[string]Record
	cancels map[string]context.CancelFunc

	store   *storage.Store
	metrics *metrics.Metrics
	ttl     time.Duration
	sweep   time.Duration

	wg sync.WaitGroup
}

// NewManager builds a job manager backed by the given store.
func NewManager(store *storage.Store, m *metrics.Metrics, ttl, sweep time.Duration) *Manager {
	return &Manager{
		records: make(map[string]Record),
		cancels: make(map[string]context.CancelFunc),
		store:   store,
		metrics: m,
		ttl:     ttl,
		sweep:   sweep,
	}
}

// Start runs the TTL janitor until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictExpired()
			}
		}
	}()
}

// Wait blocks until the janitor and all runners have finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Submit creates a job record and starts its runner. The record is visible
// to Status before Submit returns.
func (m *Manager) Submit(req TrainRequest) (string, error) {
	if req.Data == nil || req.Data.NumRows() == 0 {
		return "", fmt.Errorf("jobs: training data is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	rec := Record{
		ID:        id,
		State:     StatePending,
		Message:   "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.records[id] = rec
	m.cancels[id] = cancel
	m.mu.Unlock()

	m.metrics.TrainingsStarted.Inc()
	m.metrics.ActiveJobs.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.metrics.ActiveJobs.Dec()
		m.run(runCtx, id, req)
	}()

	log.Info().Str("job_id", id).Int("rows", req.Data.NumRows()).Msg("training job submitted")
	return id, nil
}

// Status returns a snapshot of a job record, falling back to persisted
// terminal records after a restart.
func (m *Manager) Status(id string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if ok {
		return rec, nil
	}

	blob, err := m.store.GetJob(id)
	if err != nil {
		return Record{}, ErrJobNotFound
	}
	if err := json.Unmarshal(blob, &rec); err != nil {
		return Record{}, fmt.Errorf("jobs: decode persisted job %s: %w", id, err)
	}
	return rec, nil
}

// Cancel requests cancellation of a running job. Terminal jobs are left
// untouched.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	rec, ok := m.records[id]
	cancel := m.cancels[id]
	m.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	if rec.State.terminal() {
		return fmt.Errorf("jobs: job %s already %s", id, rec.State)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// update replaces the whole record. Only the runner goroutine calls it.
func (m *Manager) update(id string, mutate func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	mutate(&rec)
	rec.UpdatedAt = time.Now().UTC()
	m.records[id] = rec
}

// finish moves the record to a terminal state and persists it.
func (m *Manager) finish(id string, mutate func(*Record)) {
	m.update(id, mutate)

	m.mu.Lock()
	rec := m.records[id]
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()

	blob, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("failed to encode terminal job record")
		return
	}
	if err := m.store.PutJob(id, blob); err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("failed to persist terminal job record")
	}
}

// run executes the full training pipeline for one job.
func (m *Manager) run(ctx context.Context, id string, req TrainRequest) {
	start := time.Now()
	m.update(id, func(r *Record) {
		r.State = StateRunning
		r.Message = "preprocessing"
	})

	pre, err := dataset.NewPreprocessor(req.Engineering)
	if err != nil {
		m.fail(id, err)
		return
	}
	X, y, err := pre.FitTransformTarget(req.Data)
	if err != nil {
		m.fail(id, err)
		return
	}

	ensemble := ml.NewEnsemble(req.Config)
	progress := func(fold, total int) {
		m.metrics.FoldsTrained.Inc()
		m.update(id, func(r *Record) {
			r.Progress = 90 * float64(fold) / float64(total)
			r.Message = fmt.Sprintf("trained fold %d/%d", fold, total)
		})
	}

	if err := ensemble.Fit(ctx, X, y, progress); err != nil {
		if ctx.Err() != nil {
			m.finish(id, func(r *Record) {
				r.State = StateCancelled
				r.Message = "cancelled"
				r.Error = ctx.Err().Error()
			})
			log.Info().Str("job_id", id).Msg("training job cancelled")
			return
		}
		m.fail(id, err)
		return
	}

	m.update(id, func(r *Record) {
		r.Progress = 95
		r.Message = "saving model"
	})

	engineBlob, err := ml.MarshalEnsemble(ensemble)
	if err != nil {
		m.fail(id, err)
		return
	}
	preBlob, err := json.Marshal(pre)
	if err != nil {
		m.fail(id, err)
		return
	}

	modelID := uuid.NewString()
	saved := storage.SavedModel{
		ID:           modelID,
		CreatedAt:    time.Now().UTC(),
		Engine:       engineBlob,
		Preprocessor: preBlob,
	}
	if err := m.store.SaveModel(saved); err != nil {
		m.fail(id, err)
		return
	}
	m.metrics.ModelsSaved.Inc()

	scores, _ := ensemble.CVScores()
	diags, _ := ensemble.Diagnostics()
	m.metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	m.metrics.ModelAUC.Observe(scores.MeanAUC)

	m.finish(id, func(r *Record) {
		r.State = StateSucceeded
		r.Progress = 100
		r.Message = "completed"
		r.Result = &TrainResult{ModelID: modelID, CVScores: scores, Diagnostics: diags}
	})

	log.Info().
		Str("job_id", id).
		Str("model_id", modelID).
		Float64("mean_auc", scores.MeanAUC).
		Dur("elapsed", time.Since(start)).
		Msg("training job completed")
}

func (m *Manager) fail(id string, err error) {
	m.metrics.TrainingsFailed.Inc()
	m.metrics.ErrorsTotal.Inc()
	m.finish(id, func(r *Record) {
		r.State = StateFailed
		r.Message = "failed"
		r.Error = err.Error()
	})
	log.Error().Err(err).Str("job_id", id).Msg("training job failed")
}

// evictExpired drops terminal records older than the TTL from memory and
// from the persisted job bucket.
func (m *Manager) evictExpired() {
	cutoff := time.Now().UTC().Add(-m.ttl)

	m.mu.Lock()
	var expired []string
	for id, rec := range m.records {
		if rec.State.terminal() && rec.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(m.records, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.store.DeleteJob(id); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("failed to evict persisted job record")
		}
	}
	if len(expired) > 0 {
		log.Debug().Int("count", len(expired)).Msg("evicted expired job records")
	}
}
