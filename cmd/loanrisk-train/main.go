package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"loanrisk/internal/dataset"
	"loanrisk/internal/ml"
	"loanrisk/internal/storage"
)

func main() {
	var (
		dataFile    = flag.String("data", "", "Training CSV file (required)")
		dataPath    = flag.String("data-path", "data", "Local model store directory")
		folds       = flag.Int("folds", 5, "Number of cross-validation folds")
		seed        = flag.Int64("seed", 42, "Random seed")
		engineering = flag.String("engineering", "interactions", "Feature engineering strategy (none|interactions)")
		serverURL   = flag.String("server", "", "Train remotely against a running service instead of locally")
		timeout     = flag.Duration("timeout", 30*time.Minute, "Overall training timeout")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	_ = godotenv.Load()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *dataFile == "" {
		flag.Usage()
		log.Fatal().Msg("-data is required")
	}

	cfg := ml.DefaultConfig()
	cfg.Folds = *folds
	cfg.Seed = *seed

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *serverURL != "" {
		if err := trainRemote(ctx, *serverURL, *dataFile, cfg, *engineering); err != nil {
			log.Fatal().Err(err).Msg("remote training failed")
		}
		return
	}

	if err := trainLocal(ctx, *dataFile, *dataPath, cfg, *engineering); err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}
}

func trainLocal(ctx context.Context, dataFile, dataPath string, cfg ml.Config, engineering string) error {
	f, err := os.Open(dataFile)
	if err != nil {
		return fmt.Errorf("open training file: %w", err)
	}
	defer f.Close()

	raw, err := dataset.ReadCSV(f)
	if err != nil {
		return fmt.Errorf("read training file: %w", err)
	}
	log.Info().Int("rows", raw.NumRows()).Str("file", dataFile).Msg("loaded training data")

	pre, err := dataset.NewPreprocessor(dataset.FeatureEngineering(engineering))
	if err != nil {
		return err
	}
	X, y, err := pre.FitTransformTarget(raw)
	if err != nil {
		return err
	}
	log.Info().Int("features", X.NumCols()).Msg("preprocessing complete")

	ensemble := ml.NewEnsemble(cfg)
	start := time.Now()
	err = ensemble.Fit(ctx, X, y, func(fold, total int) {
		log.Info().Int("fold", fold).Int("total", total).Msg("fold complete")
	})
	if err != nil {
		return err
	}

	scores, err := ensemble.CVScores()
	if err != nil {
		return err
	}
	log.Info().
		Float64("mean_auc", scores.MeanAUC).
		Float64("mean_accuracy", scores.MeanAccuracy).
		Dur("elapsed", time.Since(start)).
		Msg("training complete")

	if err := os.MkdirAll(dataPath, 0o750); err != nil {
		return fmt.Errorf("data path unavailable: %w", err)
	}
	store, err := storage.New(dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	engineBlob, err := ml.MarshalEnsemble(ensemble)
	if err != nil {
		return err
	}
	preBlob, err := json.Marshal(pre)
	if err != nil {
		return err
	}

	modelID := uuid.NewString()
	saved := storage.SavedModel{
		ID:           modelID,
		CreatedAt:    time.Now().UTC(),
		Engine:       engineBlob,
		Preprocessor: preBlob,
	}
	if err := store.SaveModel(saved); err != nil {
		return err
	}

	log.Info().Str("model_id", modelID).Str("data_path", dataPath).Msg("model saved")
	return nil
}

// trainRemote uploads the CSV to a running service and polls the job until
// it reaches a terminal state.
func trainRemote(ctx context.Context, serverURL, dataFile string, cfg ml.Config, engineering string) error {
	client := resty.New().
		SetBaseURL(serverURL).
		SetTimeout(60 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second)

	override, err := json.Marshal(map[string]interface{}{
		"folds":               cfg.Folds,
		"seed":                cfg.Seed,
		"feature_engineering": engineering,
	})
	if err != nil {
		return err
	}

	var submit struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
	}
	resp, err := client.R().
		SetContext(ctx).
		SetFile("file", dataFile).
		SetFormData(map[string]string{"config": string(override)}).
		SetResult(&submit).
		SetError(&submit).
		Post("/v1/train/start")
	if err != nil {
		return fmt.Errorf("submit training job: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("submit training job: %s: %s", resp.Status(), submit.Error)
	}
	log.Info().Str("job_id", submit.JobID).Msg("training job submitted")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var status struct {
			State    string  `json:"state"`
			Progress float64 `json:"progress"`
			Message  string  `json:"message"`
			Error    string  `json:"error"`
			Result   *struct {
				ModelID  string      `json:"model_id"`
				CVScores ml.CVScores `json:"cv_scores"`
			} `json:"result"`
		}
		resp, err := client.R().
			SetContext(ctx).
			SetResult(&status).
			Get("/v1/train/status/" + submit.JobID)
		if err != nil {
			return fmt.Errorf("poll job status: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("poll job status: %s", resp.Status())
		}

		log.Info().
			Str("state", status.State).
			Float64("progress", status.Progress).
			Str("message", status.Message).
			Msg("job status")

		switch status.State {
		case "SUCCEEDED":
			if status.Result != nil {
				log.Info().
					Str("model_id", status.Result.ModelID).
					Float64("mean_auc", status.Result.CVScores.MeanAUC).
					Msg("training complete")
			}
			return nil
		case "FAILED":
			return fmt.Errorf("training failed: %s", status.Error)
		case "CANCELLED":
			return fmt.Errorf("training cancelled")
		}
	}
}
