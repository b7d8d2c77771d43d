package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"loanrisk/internal/dataset"
	"loanrisk/internal/ml"
)

type Settings struct {
	ListenAddr         string
	MetricsPort        int
	DataPath           string
	ShutdownTimeout    time.Duration
	JobTTL             time.Duration
	JobSweepInterval   time.Duration
	MaxUploadBytes     int64
	FeatureEngineering dataset.FeatureEngineering
	Training           ml.Config
}

type ConfigFile struct {
	Server struct {
		ListenAddr      string `yaml:"listenAddr"`
		MetricsPort     int    `yaml:"metricsPort"`
		ShutdownTimeout string `yaml:"shutdownTimeout"`
		MaxUploadBytes  int64  `yaml:"maxUploadBytes"`
	} `yaml:"server"`

	Training struct {
		Folds              int             `yaml:"folds"`
		Seed               int64           `yaml:"seed"`
		FeatureEngineering string          `yaml:"featureEngineering"`
		GBDT               ml.GBDTParams   `yaml:"gbdt"`
		Forest             ml.ForestParams `yaml:"forest"`
		Meta               ml.MetaParams   `yaml:"meta"`
	} `yaml:"training"`

	System struct {
		DataPath         string `yaml:"dataPath"`
		JobTTL           string `yaml:"jobTTL"`
		JobSweepInterval string `yaml:"jobSweepInterval"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	shutdownTimeout, err := time.ParseDuration(config.Server.ShutdownTimeout)
	if err != nil {
		shutdownTimeout = 10 * time.Second
	}

	jobTTL, err := time.ParseDuration(config.System.JobTTL)
	if err != nil {
		jobTTL = time.Hour
	}

	jobSweep, err := time.ParseDuration(config.System.JobSweepInterval)
	if err != nil {
		jobSweep = time.Minute
	}

	training := ml.DefaultConfig()
	if config.Training.Folds != 0 {
		training.Folds = config.Training.Folds
	}
	if config.Training.Seed != 0 {
		training.Seed = config.Training.Seed
	}
	mergeGBDT(&training.GBDT, config.Training.GBDT)
	mergeForest(&training.Forest, config.Training.Forest)
	mergeMeta(&training.Meta, config.Training.Meta)

	settings := Settings{
		ListenAddr:         getEnvOrDefault("LISTEN_ADDR", defaultString(config.Server.ListenAddr, ":8000")),
		MetricsPort:        getIntFromEnvOrConfig("METRICS_PORT", config.Server.MetricsPort, 9090),
		DataPath:           getEnvOrDefault("DATA_PATH", defaultString(config.System.DataPath, "data")),
		ShutdownTimeout:    shutdownTimeout,
		JobTTL:             jobTTL,
		JobSweepInterval:   jobSweep,
		MaxUploadBytes:     getInt64FromEnvOrConfig("MAX_UPLOAD_BYTES", config.Server.MaxUploadBytes, 64<<20),
		FeatureEngineering: engineeringFromEnvOrConfig(config.Training.FeatureEngineering),
		Training:           training,
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ListenAddr:         getEnvOrDefault("LISTEN_ADDR", ":8000"),
		MetricsPort:        getIntOrDefault("METRICS_PORT", 9090),
		DataPath:           getEnvOrDefault("DATA_PATH", "data"),
		ShutdownTimeout:    getDurationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second),
		JobTTL:             getDurationOrDefault("JOB_TTL", time.Hour),
		JobSweepInterval:   getDurationOrDefault("JOB_SWEEP_INTERVAL", time.Minute),
		MaxUploadBytes:     getInt64OrDefault("MAX_UPLOAD_BYTES", 64<<20),
		FeatureEngineering: engineeringFromEnvOrConfig(""),
		Training:           ml.DefaultConfig(),
	}

	if v := os.Getenv("CV_FOLDS"); v != "" {
		if folds, err := strconv.Atoi(v); err == nil {
			settings.Training.Folds = folds
		}
	}
	if v := os.Getenv("RANDOM_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.Training.Seed = seed
		}
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// mergeGBDT overlays non-zero file values onto the defaults.
func mergeGBDT(dst *ml.GBDTParams, src ml.GBDTParams) {
	if src.Rounds != 0 {
		dst.Rounds = src.Rounds
	}
	if src.LearningRate != 0 {
		dst.LearningRate = src.LearningRate
	}
	if src.MaxDepth != 0 {
		dst.MaxDepth = src.MaxDepth
	}
	if src.MinSamplesLeaf != 0 {
		dst.MinSamplesLeaf = src.MinSamplesLeaf
	}
	if src.Lambda != 0 {
		dst.Lambda = src.Lambda
	}
	if src.EarlyStopping != 0 {
		dst.EarlyStopping = src.EarlyStopping
	}
}

func mergeForest(dst *ml.ForestParams, src ml.ForestParams) {
	if src.Trees != 0 {
		dst.Trees = src.Trees
	}
	if src.MaxDepth != 0 {
		dst.MaxDepth = src.MaxDepth
	}
	if src.MinSamplesLeaf != 0 {
		dst.MinSamplesLeaf = src.MinSamplesLeaf
	}
	if src.FeatureFraction != 0 {
		dst.FeatureFraction = src.FeatureFraction
	}
	if src.EarlyStopping != 0 {
		dst.EarlyStopping = src.EarlyStopping
	}
}

func mergeMeta(dst *ml.MetaParams, src ml.MetaParams) {
	if src.C != 0 {
		dst.C = src.C
	}
	if src.Epochs != 0 {
		dst.Epochs = src.Epochs
	}
	if src.LearningRate != 0 {
		dst.LearningRate = src.LearningRate
	}
}

func engineeringFromEnvOrConfig(configValue string) dataset.FeatureEngineering {
	v := getEnvOrDefault("FEATURE_ENGINEERING", configValue)
	if v == "" {
		return dataset.EngineeringInteractions
	}
	return dataset.FeatureEngineering(v)
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getInt64FromEnvOrConfig(key string, configValue, defaultValue int64) int64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseInt(env, 10, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}
	if settings.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}

	// Validate time durations
	if settings.ShutdownTimeout < time.Second || settings.ShutdownTimeout > 5*time.Minute {
		return fmt.Errorf("shutdown timeout must be between 1s and 5m, got %v", settings.ShutdownTimeout)
	}
	if settings.JobTTL < time.Minute || settings.JobTTL > 7*24*time.Hour {
		return fmt.Errorf("job TTL must be between 1m and 168h, got %v", settings.JobTTL)
	}
	if settings.JobSweepInterval < time.Second || settings.JobSweepInterval > time.Hour {
		return fmt.Errorf("job sweep interval must be between 1s and 1h, got %v", settings.JobSweepInterval)
	}

	if settings.MaxUploadBytes < 1<<10 {
		return fmt.Errorf("max upload size must be at least 1KiB, got %d", settings.MaxUploadBytes)
	}

	switch settings.FeatureEngineering {
	case dataset.EngineeringNone, dataset.EngineeringInteractions:
	default:
		return fmt.Errorf("unknown feature engineering strategy %q", settings.FeatureEngineering)
	}

	// Validate training hyperparameters
	t := settings.Training
	if t.Folds < 2 || t.Folds > 20 {
		return fmt.Errorf("cv folds must be between 2 and 20, got %d", t.Folds)
	}
	if t.GBDT.Rounds <= 0 || t.GBDT.Rounds > 10000 {
		return fmt.Errorf("gbdt rounds must be between 1 and 10000, got %d", t.GBDT.Rounds)
	}
	if t.GBDT.LearningRate <= 0 || t.GBDT.LearningRate > 1 {
		return fmt.Errorf("gbdt learning rate must be between 0 and 1, got %f", t.GBDT.LearningRate)
	}
	if t.GBDT.MaxDepth <= 0 || t.GBDT.MaxDepth > 32 {
		return fmt.Errorf("gbdt max depth must be between 1 and 32, got %d", t.GBDT.MaxDepth)
	}
	if t.Forest.Trees <= 0 || t.Forest.Trees > 10000 {
		return fmt.Errorf("forest trees must be between 1 and 10000, got %d", t.Forest.Trees)
	}
	if t.Forest.FeatureFraction <= 0 || t.Forest.FeatureFraction > 1 {
		return fmt.Errorf("forest feature fraction must be between 0 and 1, got %f", t.Forest.FeatureFraction)
	}
	if t.Meta.C <= 0 || t.Meta.C > 1000 {
		return fmt.Errorf("meta regularization C must be between 0 and 1000, got %f", t.Meta.C)
	}
	if t.Meta.Epochs <= 0 || t.Meta.Epochs > 100000 {
		return fmt.Errorf("meta epochs must be between 1 and 100000, got %d", t.Meta.Epochs)
	}

	return nil
}
