package dataset

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `person_age,person_income,person_emp_length,loan_amnt,loan_int_rate,loan_percent_income,cb_person_cred_hist_length,person_home_ownership,loan_intent,loan_grade,cb_person_default_on_file,loan_status
25,45000,3,10000,11.5,0.22,4,RENT,EDUCATION,B,N,0
32,62000,8,15000,8.2,0.24,9,MORTGAGE,PERSONAL,A,N,0
41,38000,,5000,15.9,0.13,12,OWN,MEDICAL,D,Y,1
28,51000,2,20000,13.1,0.39,5,RENT,VENTURE,C,N,1
55,90000,20,8000,7.1,0.09,25,MORTGAGE,HOMEIMPROVEMENT,A,N,0
23,29000,1,12000,17.4,0.41,2,RENT,DEBTCONSOLIDATION,E,Y,1
`

func loadSample(t *testing.T) *Raw {
	t.Helper()
	raw, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	return raw
}

func TestFeatureNamesNone(t *testing.T) {
	p, err := NewPreprocessor(EngineeringNone)
	require.NoError(t, err)

	names := p.FeatureNames()
	// 7 numerics plus drop-first one-hots: 3 + 5 + 6 + 1.
	assert.Len(t, names, 22)
	assert.Equal(t, "person_age", names[0])
	assert.Contains(t, names, "person_home_ownership_RENT")
	assert.Contains(t, names, "loan_grade_G")
	assert.Contains(t, names, "cb_person_default_on_file_Y")
	assert.NotContains(t, names, "person_home_ownership_MORTGAGE")
	assert.NotContains(t, names, "loan_grade_A")
}

func TestFeatureNamesInteractions(t *testing.T) {
	p, err := NewPreprocessor(EngineeringInteractions)
	require.NoError(t, err)

	names := p.FeatureNames()
	assert.Len(t, names, 28)
	assert.Contains(t, names, "income_to_loan_ratio")
	assert.Contains(t, names, "risk_score")
}

func TestNewPreprocessorUnknownStrategy(t *testing.T) {
	_, err := NewPreprocessor(FeatureEngineering("polynomial"))
	assert.Error(t, err)
}

func TestFitTransformStandardizes(t *testing.T) {
	raw := loadSample(t)
	p, err := NewPreprocessor(EngineeringNone)
	require.NoError(t, err)

	X, err := p.FitTransform(raw)
	require.NoError(t, err)
	require.Equal(t, raw.NumRows(), X.NumRows())

	// Standardized training columns have zero mean and unit variance.
	for j := 0; j < 7; j++ {
		var sum, sumSq float64
		for _, row := range X.Rows {
			sum += row[j]
			sumSq += row[j] * row[j]
		}
		n := float64(X.NumRows())
		mean := sum / n
		std := math.Sqrt(sumSq/n - mean*mean)
		assert.InDelta(t, 0, mean, 1e-9, "column %s mean", X.Columns[j])
		assert.InDelta(t, 1, std, 1e-9, "column %s std", X.Columns[j])
	}
}

func TestTransformImputesMissingNumeric(t *testing.T) {
	raw := loadSample(t)
	p, err := NewPreprocessor(EngineeringNone)
	require.NoError(t, err)

	X, err := p.FitTransform(raw)
	require.NoError(t, err)

	// Row 2 has an empty person_emp_length; after median imputation and
	// standardization nothing may be NaN.
	for i, row := range X.Rows {
		for j, v := range row {
			if math.IsNaN(v) {
				t.Fatalf("row %d column %s is NaN", i, X.Columns[j])
			}
		}
	}
}

func TestTransformOneHot(t *testing.T) {
	raw := loadSample(t)
	p, err := NewPreprocessor(EngineeringNone)
	require.NoError(t, err)

	X, err := p.FitTransform(raw)
	require.NoError(t, err)

	col := func(name string) int {
		for j, c := range X.Columns {
			if c == name {
				return j
			}
		}
		t.Fatalf("column %s not found", name)
		return -1
	}

	// Row 0 rents; row 1 has a mortgage, the dropped first category.
	rent := col("person_home_ownership_RENT")
	own := col("person_home_ownership_OWN")
	assert.Equal(t, 1.0, X.Rows[0][rent])
	assert.Equal(t, 0.0, X.Rows[0][own])
	assert.Equal(t, 0.0, X.Rows[1][rent])
	assert.Equal(t, 0.0, X.Rows[1][own])

	grade := col("loan_grade_D")
	assert.Equal(t, 1.0, X.Rows[2][grade])
}

func TestInteractionValues(t *testing.T) {
	raw := loadSample(t)
	p, err := NewPreprocessor(EngineeringInteractions)
	require.NoError(t, err)
	require.NoError(t, p.Fit(raw))

	// Derived columns are built before standardization; check the fit-time
	// mean of income_to_loan_ratio against a hand computation on row 0.
	st := p.stats["income_to_loan_ratio"]
	assert.Greater(t, st.Std, 0.0)

	// 45000 / (10000 + 1)
	want := 45000.0 / 10001.0
	X, err := p.Transform(raw)
	require.NoError(t, err)
	j := -1
	for idx, c := range X.Columns {
		if c == "income_to_loan_ratio" {
			j = idx
		}
	}
	require.GreaterOrEqual(t, j, 0)
	assert.InDelta(t, (want-st.Mean)/st.Std, X.Rows[0][j], 1e-9)
}

func TestDerivedStatsAgreeWithTransformOnMissing(t *testing.T) {
	// Row 2 has an empty person_emp_length, which feeds age_emp_ratio. The
	// fit-time statistics must describe the same derived values Transform
	// produces, so the standardized training column still centers on zero.
	raw := loadSample(t)
	p, err := NewPreprocessor(EngineeringInteractions)
	require.NoError(t, err)

	X, err := p.FitTransform(raw)
	require.NoError(t, err)

	j := -1
	for idx, c := range X.Columns {
		if c == "age_emp_ratio" {
			j = idx
		}
	}
	require.GreaterOrEqual(t, j, 0)

	var sum float64
	for _, row := range X.Rows {
		sum += row[j]
	}
	assert.InDelta(t, 0, sum/float64(X.NumRows()), 1e-9)

	// The missing cell imputes to the base median before deriving.
	st := p.stats["age_emp_ratio"]
	med := p.stats["person_emp_length"].Median
	want := 41.0 / (med + 1)
	assert.InDelta(t, (want-st.Mean)/st.Std, X.Rows[2][j], 1e-9)
}

func TestFitTransformTarget(t *testing.T) {
	raw := loadSample(t)
	p, err := NewPreprocessor(EngineeringNone)
	require.NoError(t, err)

	X, y, err := p.FitTransformTarget(raw)
	require.NoError(t, err)
	assert.Equal(t, X.NumRows(), len(y))
	assert.Equal(t, []float64{0, 0, 1, 1, 0, 1}, y)
}

func TestLabelsRejectNonBinary(t *testing.T) {
	raw := loadSample(t)
	idx := raw.ColumnIndex(TargetColumn)
	raw.Records[1][idx] = "2"

	_, err := Labels(raw)
	assert.Error(t, err)
}

func TestValidateColumnsMissing(t *testing.T) {
	raw := &Raw{Columns: []string{"person_age"}, Records: [][]string{{"30"}}}
	err := ValidateColumns(raw, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loan_amnt")
}

func TestPreprocessorStateRoundTrip(t *testing.T) {
	raw := loadSample(t)
	p, err := NewPreprocessor(EngineeringInteractions)
	require.NoError(t, err)

	want, err := p.FitTransform(raw)
	require.NoError(t, err)

	blob, err := json.Marshal(p)
	require.NoError(t, err)

	restored, err := LoadPreprocessor(blob)
	require.NoError(t, err)
	assert.Equal(t, p.Engineering(), restored.Engineering())

	got, err := restored.Transform(raw)
	require.NoError(t, err)
	require.Equal(t, want.Columns, got.Columns)
	for i := range want.Rows {
		for j := range want.Rows[i] {
			assert.Equal(t, want.Rows[i][j], got.Rows[i][j])
		}
	}
}

func TestLoadPreprocessorRejectsIncompleteState(t *testing.T) {
	_, err := LoadPreprocessor([]byte(`{"engineering":"none","stats":{}}`))
	assert.Error(t, err)
	_, err = LoadPreprocessor([]byte(`not json`))
	assert.Error(t, err)
}

func TestUnfittedTransformFails(t *testing.T) {
	raw := loadSample(t)
	p, err := NewPreprocessor(EngineeringNone)
	require.NoError(t, err)

	_, err = p.Transform(raw)
	assert.Error(t, err)
}
