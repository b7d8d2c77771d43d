package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"
)

var nan = math.NaN()

// FeatureEngineering selects the preprocessing variant. It is a tagged
// strategy chosen at construction time, not a type hierarchy, so the engine's
// input-schema contract stays independent of which variant produced it.
type FeatureEngineering string

const (
	// EngineeringNone keeps the base loan-application columns.
	EngineeringNone FeatureEngineering = "none"
	// EngineeringInteractions additionally derives ratio features from the
	// base numeric columns.
	EngineeringInteractions FeatureEngineering = "interactions"
)

// TargetColumn is the binary label column in training uploads.
const TargetColumn = "loan_status"

// IDColumn is carried through predictions for mapping but never used as a
// feature.
const IDColumn = "id"

var baseNumeric = []string{
	"person_age",
	"person_income",
	"person_emp_length",
	"loan_amnt",
	"loan_int_rate",
	"loan_percent_income",
	"cb_person_cred_hist_length",
}

var categoricalColumns = []string{
	"person_home_ownership",
	"loan_intent",
	"loan_grade",
	"cb_person_default_on_file",
}

// Fixed category sets; the first entry of each set is dropped during one-hot
// encoding to avoid collinearity, and doubles as the imputation value.
var categoricalValues = map[string][]string{
	"person_home_ownership":     {"MORTGAGE", "OTHER", "OWN", "RENT"},
	"loan_intent":               {"DEBTCONSOLIDATION", "EDUCATION", "HOMEIMPROVEMENT", "MEDICAL", "PERSONAL", "VENTURE"},
	"loan_grade":                {"A", "B", "C", "D", "E", "F", "G"},
	"cb_person_default_on_file": {"N", "Y"},
}

// derivedSpec computes one interaction feature from two base numerics.
type derivedSpec struct {
	name string
	a, b string
	fn   func(a, b float64) float64
}

var derivedSpecs = []derivedSpec{
	{"income_to_loan_ratio", "person_income", "loan_amnt", func(a, b float64) float64 { return a / (b + 1) }},
	{"income_per_age", "person_income", "person_age", func(a, b float64) float64 { return a / (b + 1) }},
	{"age_emp_ratio", "person_age", "person_emp_length", func(a, b float64) float64 { return a / (b + 1) }},
	{"loan_cost", "loan_amnt", "loan_int_rate", func(a, b float64) float64 { return a * b / 100 }},
	{"credit_history_ratio", "cb_person_cred_hist_length", "person_age", func(a, b float64) float64 { return a / (b + 1) }},
	{"risk_score", "loan_percent_income", "loan_int_rate", func(a, b float64) float64 { return a * b }},
}

// columnStats holds the fit-time statistics used to impute and standardize
// one numeric column.
type columnStats struct {
	Median float64 `json:"median"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
}

// Preprocessor turns raw loan-application tables into the fixed-width numeric
// matrix the engine trains and predicts on. Numeric columns are median-imputed
// and standardized with fit-time statistics; categoricals are one-hot encoded
// drop-first against fixed category sets.
type Preprocessor struct {
	engineering FeatureEngineering
	numeric     []string // base plus derived, in feature order
	stats       map[string]columnStats
	features    []string // full output column order
	fitted      bool
}

// NewPreprocessor builds an unfitted preprocessor for the given strategy.
func NewPreprocessor(engineering FeatureEngineering) (*Preprocessor, error) {
	switch engineering {
	case EngineeringNone, EngineeringInteractions:
	default:
		return nil, fmt.Errorf("dataset: unknown feature engineering strategy %q", engineering)
	}

	numeric := append([]string(nil), baseNumeric...)
	if engineering == EngineeringInteractions {
		for _, d := range derivedSpecs {
			numeric = append(numeric, d.name)
		}
	}

	features := append([]string(nil), numeric...)
	for _, col := range categoricalColumns {
		for _, cat := range categoricalValues[col][1:] {
			features = append(features, col+"_"+cat)
		}
	}

	return &Preprocessor{
		engineering: engineering,
		numeric:     numeric,
		stats:       make(map[string]columnStats),
		features:    features,
	}, nil
}

// Engineering returns the strategy the preprocessor was built with.
func (p *Preprocessor) Engineering() FeatureEngineering { return p.engineering }

// FeatureNames returns the output column order.
func (p *Preprocessor) FeatureNames() []string { return append([]string(nil), p.features...) }

// RequiredColumns lists the raw input columns a table must carry.
func RequiredColumns() []string {
	cols := append([]string(nil), baseNumeric...)
	return append(cols, categoricalColumns...)
}

// ValidateColumns checks that raw carries every required input column.
func ValidateColumns(raw *Raw, requireTarget bool) error {
	var missing []string
	for _, col := range RequiredColumns() {
		if !raw.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if requireTarget && !raw.HasColumn(TargetColumn) {
		missing = append(missing, TargetColumn)
	}
	if len(missing) > 0 {
		return fmt.Errorf("dataset: missing required columns: %v", missing)
	}
	return nil
}

// Fit learns imputation and scaling statistics from a raw table. The target
// column, if present, is ignored.
func (p *Preprocessor) Fit(raw *Raw) error {
	if err := ValidateColumns(raw, false); err != nil {
		return err
	}
	if raw.NumRows() == 0 {
		return fmt.Errorf("dataset: cannot fit preprocessor on empty table")
	}

	numeric, err := p.numericColumns(raw, nil)
	if err != nil {
		return err
	}

	for _, name := range p.numeric {
		values := numeric[name]
		med := median(values)
		for i, v := range values {
			if math.IsNaN(v) {
				values[i] = med
			}
		}
		mean, std := meanStd(values)
		if std < 1e-12 {
			std = 1
		}
		p.stats[name] = columnStats{Median: med, Mean: mean, Std: std}
	}

	p.fitted = true
	log.Debug().
		Str("engineering", string(p.engineering)).
		Int("features", len(p.features)).
		Int("rows", raw.NumRows()).
		Msg("preprocessor fitted")
	return nil
}

// Transform encodes a raw table into the fitted feature space.
func (p *Preprocessor) Transform(raw *Raw) (*Matrix, error) {
	if !p.fitted {
		return nil, fmt.Errorf("dataset: preprocessor not fitted")
	}
	if err := ValidateColumns(raw, false); err != nil {
		return nil, err
	}

	numeric, err := p.numericColumns(raw, p.stats)
	if err != nil {
		return nil, err
	}

	n := raw.NumRows()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, 0, len(p.features))
	}

	for _, name := range p.numeric {
		st := p.stats[name]
		for i, v := range numeric[name] {
			rows[i] = append(rows[i], (v-st.Mean)/st.Std)
		}
	}

	for _, col := range categoricalColumns {
		cells, err := raw.StringColumn(col)
		if err != nil {
			return nil, err
		}
		cats := categoricalValues[col]
		for i, cell := range cells {
			if cell == "" {
				cell = cats[0]
			}
			for _, cat := range cats[1:] {
				if cell == cat {
					rows[i] = append(rows[i], 1)
				} else {
					rows[i] = append(rows[i], 0)
				}
			}
		}
	}

	return NewMatrix(p.features, rows)
}

// FitTransform fits the preprocessor and encodes the same table.
func (p *Preprocessor) FitTransform(raw *Raw) (*Matrix, error) {
	if err := p.Fit(raw); err != nil {
		return nil, err
	}
	return p.Transform(raw)
}

// FitTransformTarget fits, encodes, and splits off the binary target column.
func (p *Preprocessor) FitTransformTarget(raw *Raw) (*Matrix, []float64, error) {
	if err := ValidateColumns(raw, true); err != nil {
		return nil, nil, err
	}
	labels, err := Labels(raw)
	if err != nil {
		return nil, nil, err
	}
	X, err := p.FitTransform(raw)
	if err != nil {
		return nil, nil, err
	}
	return X, labels, nil
}

// Labels extracts the binary target column as 0/1 floats.
func Labels(raw *Raw) ([]float64, error) {
	values, err := raw.FloatColumn(TargetColumn)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("dataset: %s row %d: label must be 0 or 1, got %v", TargetColumn, i, v)
		}
	}
	return values, nil
}

// numericColumns parses base columns, imputes them with column medians
// (stored ones when stats are supplied, freshly computed during fit), and
// computes derived columns on the imputed values. Deriving after imputation
// keeps fit and transform standardization in agreement for rows with missing
// numerics.
func (p *Preprocessor) numericColumns(raw *Raw, stats map[string]columnStats) (map[string][]float64, error) {
	out := make(map[string][]float64, len(p.numeric))
	for _, name := range baseNumeric {
		values, err := raw.FloatColumn(name)
		if err != nil {
			return nil, err
		}
		med := median(values)
		if stats != nil {
			med = stats[name].Median
		}
		for i, v := range values {
			if math.IsNaN(v) {
				values[i] = med
			}
		}
		out[name] = values
	}

	if p.engineering == EngineeringInteractions {
		n := raw.NumRows()
		for _, d := range derivedSpecs {
			a, b := out[d.a], out[d.b]
			values := make([]float64, n)
			for i := 0; i < n; i++ {
				values[i] = d.fn(a[i], b[i])
			}
			out[d.name] = values
		}
	}
	return out, nil
}

// preprocessorState is the serialized form embedded in model artifacts.
type preprocessorState struct {
	Engineering FeatureEngineering     `json:"engineering"`
	Stats       map[string]columnStats `json:"stats"`
}

// MarshalJSON serializes the fitted state.
func (p *Preprocessor) MarshalJSON() ([]byte, error) {
	if !p.fitted {
		return nil, fmt.Errorf("dataset: cannot serialize unfitted preprocessor")
	}
	return json.Marshal(preprocessorState{Engineering: p.engineering, Stats: p.stats})
}

// LoadPreprocessor restores a fitted preprocessor from its serialized state.
func LoadPreprocessor(blob []byte) (*Preprocessor, error) {
	var state preprocessorState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("dataset: decode preprocessor state: %w", err)
	}
	p, err := NewPreprocessor(state.Engineering)
	if err != nil {
		return nil, err
	}
	for _, name := range p.numeric {
		if _, ok := state.Stats[name]; !ok {
			return nil, fmt.Errorf("dataset: preprocessor state missing stats for %q", name)
		}
	}
	p.stats = state.Stats
	p.fitted = true
	return p, nil
}

func median(values []float64) float64 {
	var clean []float64
	for _, v := range values {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return 0
	}
	sort.Float64s(clean)
	mid := len(clean) / 2
	if len(clean)%2 == 1 {
		return clean[mid]
	}
	return (clean[mid-1] + clean[mid]) / 2
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}
