package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanrisk/internal/dataset"
	"loanrisk/internal/metrics"
	"loanrisk/internal/ml"
	"loanrisk/internal/storage"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	return NewManager(store, m, time.Hour, time.Minute)
}

// genTrainingData builds a small synthetic loan table with both classes.
func genTrainingData(t *testing.T, n int) *dataset.Raw {
	t.Helper()
	rng := rand.New(rand.NewSource(1))

	columns := append(dataset.RequiredColumns(), dataset.TargetColumn)
	homes := []string{"MORTGAGE", "OTHER", "OWN", "RENT"}
	intents := []string{"DEBTCONSOLIDATION", "EDUCATION", "HOMEIMPROVEMENT", "MEDICAL", "PERSONAL", "VENTURE"}
	grades := []string{"A", "B", "C", "D", "E", "F", "G"}

	records := make([][]string, n)
	for i := range records {
		rate := 6 + rng.Float64()*14
		status := 0
		if rate > 13 && rng.Float64() < 0.8 {
			status = 1
		}
		row := map[string]string{
			"person_age":                 fmt.Sprintf("%.0f", 22+rng.Float64()*40),
			"person_income":              fmt.Sprintf("%.0f", 25000+rng.Float64()*80000),
			"person_emp_length":          fmt.Sprintf("%.1f", rng.Float64()*15),
			"loan_amnt":                  fmt.Sprintf("%.0f", 2000+rng.Float64()*30000),
			"loan_int_rate":              fmt.Sprintf("%.2f", rate),
			"loan_percent_income":        fmt.Sprintf("%.3f", 0.05+rng.Float64()*0.4),
			"cb_person_cred_hist_length": fmt.Sprintf("%.0f", 2+rng.Float64()*20),
			"person_home_ownership":      homes[rng.Intn(len(homes))],
			"loan_intent":                intents[rng.Intn(len(intents))],
			"loan_grade":                 grades[rng.Intn(len(grades))],
			"cb_person_default_on_file":  []string{"N", "Y"}[rng.Intn(2)],
			dataset.TargetColumn:         strconv.Itoa(status),
		}
		rec := make([]string, len(columns))
		for j, c := range columns {
			rec[j] = row[c]
		}
		records[i] = rec
	}
	return &dataset.Raw{Columns: columns, Records: records}
}

func fastConfig() ml.Config {
	cfg := ml.DefaultConfig()
	cfg.Folds = 2
	cfg.GBDT = ml.GBDTParams{Rounds: 5, LearningRate: 0.3, MaxDepth: 3, MinSamplesLeaf: 2, Lambda: 1, EarlyStopping: 0}
	cfg.Forest = ml.ForestParams{Trees: 5, MaxDepth: 3, MinSamplesLeaf: 2, FeatureFraction: 0.8, EarlyStopping: 0}
	cfg.Meta = ml.MetaParams{C: 1, Epochs: 100, LearningRate: 0.5}
	return cfg
}

func waitForTerminal(t *testing.T, mgr *Manager, id string) Record {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := mgr.Status(id)
		require.NoError(t, err)
		switch rec.State {
		case StateSucceeded, StateFailed, StateCancelled:
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return Record{}
}

func TestSubmitAndSucceed(t *testing.T) {
	mgr := testManager(t)

	id, err := mgr.Submit(TrainRequest{
		Data:        genTrainingData(t, 60),
		Config:      fastConfig(),
		Engineering: dataset.EngineeringInteractions,
	})
	require.NoError(t, err)

	// Create-on-submit: the record is visible immediately.
	rec, err := mgr.Status(id)
	require.NoError(t, err)
	assert.Contains(t, []State{StatePending, StateRunning, StateSucceeded}, rec.State)

	final := waitForTerminal(t, mgr, id)
	require.Equal(t, StateSucceeded, final.State, "job failed: %s", final.Error)
	assert.Equal(t, 100.0, final.Progress)
	require.NotNil(t, final.Result)
	assert.NotEmpty(t, final.Result.ModelID)
	assert.Equal(t, 2, final.Result.CVScores.CVFolds)
	assert.Equal(t, 60, final.Result.CVScores.TotalSamples)

	// The trained model landed in the store.
	saved, err := mgr.store.LoadModel(final.Result.ModelID)
	require.NoError(t, err)
	ensemble, err := ml.UnmarshalEnsemble(saved.Engine)
	require.NoError(t, err)
	assert.NotEqual(t, ml.StateUnfitted, ensemble.State())

	// The terminal record was persisted for restart survival.
	blob, err := mgr.store.GetJob(id)
	require.NoError(t, err)
	assert.Contains(t, string(blob), string(StateSucceeded))
}

func TestSubmitEmptyData(t *testing.T) {
	mgr := testManager(t)

	_, err := mgr.Submit(TrainRequest{Data: &dataset.Raw{}, Config: fastConfig()})
	assert.Error(t, err)
	_, err = mgr.Submit(TrainRequest{Config: fastConfig()})
	assert.Error(t, err)
}

func TestFailedJobRecordsError(t *testing.T) {
	mgr := testManager(t)

	// Missing target column fails in preprocessing.
	data := genTrainingData(t, 30)
	data.Columns = data.Columns[:len(data.Columns)-1]
	for i := range data.Records {
		data.Records[i] = data.Records[i][:len(data.Records[i])-1]
	}

	id, err := mgr.Submit(TrainRequest{Data: data, Config: fastConfig(), Engineering: dataset.EngineeringNone})
	require.NoError(t, err)

	final := waitForTerminal(t, mgr, id)
	assert.Equal(t, StateFailed, final.State)
	assert.NotEmpty(t, final.Error)
	assert.Nil(t, final.Result)
}

func TestCancelRunningJob(t *testing.T) {
	mgr := testManager(t)

	cfg := fastConfig()
	cfg.Folds = 5
	cfg.GBDT.Rounds = 400
	cfg.Forest.Trees = 400

	id, err := mgr.Submit(TrainRequest{
		Data:        genTrainingData(t, 400),
		Config:      cfg,
		Engineering: dataset.EngineeringInteractions,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(id))

	final := waitForTerminal(t, mgr, id)
	assert.Equal(t, StateCancelled, final.State)
}

func TestCancelUnknownJob(t *testing.T) {
	mgr := testManager(t)
	assert.ErrorIs(t, mgr.Cancel("nope"), ErrJobNotFound)
}

func TestStatusUnknownJob(t *testing.T) {
	mgr := testManager(t)
	_, err := mgr.Status("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStatusReturnsSnapshot(t *testing.T) {
	mgr := testManager(t)

	id, err := mgr.Submit(TrainRequest{
		Data:        genTrainingData(t, 60),
		Config:      fastConfig(),
		Engineering: dataset.EngineeringNone,
	})
	require.NoError(t, err)

	rec, err := mgr.Status(id)
	require.NoError(t, err)
	rec.State = "TAMPERED"
	rec.Message = "tampered"

	again, err := mgr.Status(id)
	require.NoError(t, err)
	assert.NotEqual(t, State("TAMPERED"), again.State)

	waitForTerminal(t, mgr, id)
}

func TestEvictExpired(t *testing.T) {
	mgr := testManager(t)
	mgr.ttl = time.Millisecond

	id, err := mgr.Submit(TrainRequest{
		Data:        genTrainingData(t, 60),
		Config:      fastConfig(),
		Engineering: dataset.EngineeringNone,
	})
	require.NoError(t, err)
	waitForTerminal(t, mgr, id)

	time.Sleep(5 * time.Millisecond)
	mgr.evictExpired()

	_, err = mgr.Status(id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJanitorStops(t *testing.T) {
	mgr := testManager(t)
	mgr.sweep = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
