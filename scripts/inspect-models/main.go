package main

import (
	"flag"
	"fmt"
	"log"

	"loanrisk/internal/dataset"
	"loanrisk/internal/ml"
	"loanrisk/internal/storage"
)

func main() {
	var (
		dataPath = flag.String("data", "./data", "Data directory path")
		modelID  = flag.String("model", "", "Model id to inspect in detail")
	)
	flag.Parse()

	fmt.Printf("Inspecting models in: %s\n", *dataPath)

	store, err := storage.New(*dataPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	infos, err := store.ListModels()
	if err != nil {
		log.Fatalf("Failed to list models: %v", err)
	}

	fmt.Printf("\n%d stored model(s):\n", len(infos))
	for _, info := range infos {
		fmt.Printf("  %s  created=%s  size=%dB\n", info.ID, info.CreatedAt.Format("2006-01-02 15:04:05"), info.SizeBytes)
	}

	if *modelID == "" {
		return
	}

	saved, err := store.LoadModel(*modelID)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	ensemble, err := ml.UnmarshalEnsemble(saved.Engine)
	if err != nil {
		log.Fatalf("Failed to decode model: %v", err)
	}
	pre, err := dataset.LoadPreprocessor(saved.Preprocessor)
	if err != nil {
		log.Fatalf("Failed to decode preprocessor: %v", err)
	}

	scores, err := ensemble.CVScores()
	if err != nil {
		log.Fatalf("Failed to read cv scores: %v", err)
	}

	fmt.Printf("\nModel %s:\n", *modelID)
	fmt.Printf("  State:         %s\n", ensemble.State())
	fmt.Printf("  Engineering:   %s\n", pre.Engineering())
	fmt.Printf("  Features:      %d\n", scores.FeaturesCount)
	fmt.Printf("  Samples:       %d\n", scores.TotalSamples)
	fmt.Printf("  Folds:         %d\n", scores.CVFolds)
	fmt.Printf("  Mean AUC:      %.4f\n", scores.MeanAUC)
	fmt.Printf("  Mean accuracy: %.4f\n", scores.MeanAccuracy)

	if importance, err := ensemble.GlobalImportance(); err == nil && len(importance) > 0 {
		fmt.Println("\nTop features:")
		for i, pair := range importance {
			if i >= 10 {
				break
			}
			fmt.Printf("  %-30s %.5f\n", pair.Feature, pair.Score)
		}
	}
}
