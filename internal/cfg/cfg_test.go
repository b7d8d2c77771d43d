package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loanrisk/internal/dataset"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", s.ListenAddr)
	assert.Equal(t, 9090, s.MetricsPort)
	assert.Equal(t, "data", s.DataPath)
	assert.Equal(t, time.Hour, s.JobTTL)
	assert.Equal(t, dataset.EngineeringInteractions, s.FeatureEngineering)
	assert.Equal(t, 5, s.Training.Folds)
	assert.Equal(t, int64(42), s.Training.Seed)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("CV_FOLDS", "3")
	t.Setenv("RANDOM_SEED", "7")
	t.Setenv("FEATURE_ENGINEERING", "none")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", s.ListenAddr)
	assert.Equal(t, 3, s.Training.Folds)
	assert.Equal(t, int64(7), s.Training.Seed)
	assert.Equal(t, dataset.EngineeringNone, s.FeatureEngineering)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  listenAddr: ":8100"
  metricsPort: 9191
  shutdownTimeout: 20s
training:
  folds: 4
  seed: 99
  featureEngineering: none
  gbdt:
    rounds: 50
    learning_rate: 0.05
  forest:
    trees: 30
system:
  dataPath: /tmp/loanrisk-test
  jobTTL: 2h
  jobSweepInterval: 30s
`)
	t.Setenv("CONFIG_FILE", path)

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8100", s.ListenAddr)
	assert.Equal(t, 9191, s.MetricsPort)
	assert.Equal(t, 20*time.Second, s.ShutdownTimeout)
	assert.Equal(t, "/tmp/loanrisk-test", s.DataPath)
	assert.Equal(t, 2*time.Hour, s.JobTTL)
	assert.Equal(t, 30*time.Second, s.JobSweepInterval)
	assert.Equal(t, dataset.EngineeringNone, s.FeatureEngineering)
	assert.Equal(t, 4, s.Training.Folds)
	assert.Equal(t, int64(99), s.Training.Seed)
	assert.Equal(t, 50, s.Training.GBDT.Rounds)
	assert.Equal(t, 0.05, s.Training.GBDT.LearningRate)
	assert.Equal(t, 30, s.Training.Forest.Trees)
	// Unset file fields keep the defaults.
	assert.Equal(t, 4, s.Training.GBDT.MaxDepth)
	assert.Equal(t, 0.8, s.Training.Forest.FeatureFraction)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  listenAddr: ":8100"
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LISTEN_ADDR", ":8222")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8222", s.ListenAddr)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad folds", "training:\n  folds: 1\n"},
		{"bad metrics port", "server:\n  metricsPort: 80\n"},
		{"bad engineering", "training:\n  featureEngineering: cubic\n"},
		{"bad learning rate", "training:\n  gbdt:\n    learning_rate: 2.5\n"},
		{"bad feature fraction", "training:\n  forest:\n    feature_fraction: 1.5\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", writeConfig(t, tc.yaml))
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
