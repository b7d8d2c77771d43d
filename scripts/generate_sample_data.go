package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"

	"loanrisk/internal/dataset"
)

func main() {
	var (
		outFile     = flag.String("out", "loans.csv", "Output CSV path")
		rows        = flag.Int("rows", 5000, "Number of applications to generate")
		seed        = flag.Int64("seed", 42, "Random seed")
		defaultRate = flag.Float64("default-rate", 0.2, "Approximate share of defaulted loans")
	)
	flag.Parse()

	fmt.Printf("Generating sample loan applications...\n")
	fmt.Printf("  Rows: %d\n", *rows)
	fmt.Printf("  Seed: %d\n", *seed)
	fmt.Printf("  Output: %s\n", *outFile)

	raw, defaults := generateApplications(*rows, *seed, *defaultRate)

	f, err := os.Create(*outFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	if err := dataset.WriteCSV(f, raw.Columns, raw.Records); err != nil {
		log.Fatalf("Failed to write CSV: %v", err)
	}

	fmt.Printf("✓ Generated %d applications, %d defaults (%.1f%%)\n",
		*rows, defaults, 100*float64(defaults)/float64(*rows))
}

var homeOwnership = []string{"MORTGAGE", "OTHER", "OWN", "RENT"}
var loanIntents = []string{"DEBTCONSOLIDATION", "EDUCATION", "HOMEIMPROVEMENT", "MEDICAL", "PERSONAL", "VENTURE"}
var loanGrades = []string{"A", "B", "C", "D", "E", "F", "G"}

func generateApplications(n int, seed int64, targetRate float64) (*dataset.Raw, int) {
	rng := rand.New(rand.NewSource(seed))

	columns := []string{
		"id",
		"person_age", "person_income", "person_emp_length",
		"person_home_ownership", "loan_intent", "loan_grade",
		"loan_amnt", "loan_int_rate", "loan_percent_income",
		"cb_person_default_on_file", "cb_person_cred_hist_length",
		"loan_status",
	}

	records := make([][]string, n)
	defaults := 0

	for i := 0; i < n; i++ {
		age := 21 + rng.ExpFloat64()*12
		if age > 80 {
			age = 80
		}
		income := 20000 + rng.ExpFloat64()*45000
		empLength := math.Min(rng.ExpFloat64()*5, age-18)
		credHist := math.Min(2+rng.ExpFloat64()*6, age-16)

		gradeIdx := rng.Intn(len(loanGrades))
		rate := 5.5 + float64(gradeIdx)*2.5 + rng.Float64()*2
		amount := 1000 + rng.Float64()*34000
		pctIncome := amount / income
		priorDefault := rng.Float64() < 0.18

		// Risk increases with the rate, the income share of the loan, and a
		// prior default; it decreases with tenure and credit history.
		z := -1.8 +
			0.18*(rate-10) +
			2.5*(pctIncome-0.15) +
			0.9*boolToFloat(priorDefault) -
			0.06*empLength -
			0.03*credHist +
			rng.NormFloat64()*0.6
		// Shift toward the requested base rate.
		z += math.Log(targetRate/(1-targetRate)) + 1.8
		status := 0
		if 1/(1+math.Exp(-z)) > rng.Float64() {
			status = 1
			defaults++
		}

		priorFlag := "N"
		if priorDefault {
			priorFlag = "Y"
		}

		records[i] = []string{
			strconv.Itoa(i + 1),
			fmt.Sprintf("%.0f", age),
			fmt.Sprintf("%.0f", income),
			fmt.Sprintf("%.1f", empLength),
			homeOwnership[rng.Intn(len(homeOwnership))],
			loanIntents[rng.Intn(len(loanIntents))],
			loanGrades[gradeIdx],
			fmt.Sprintf("%.0f", amount),
			fmt.Sprintf("%.2f", rate),
			fmt.Sprintf("%.3f", pctIncome),
			priorFlag,
			fmt.Sprintf("%.0f", credHist),
			strconv.Itoa(status),
		}
	}

	return &dataset.Raw{Columns: columns, Records: records}, defaults
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
