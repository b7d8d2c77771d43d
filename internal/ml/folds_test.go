package ml

import (
	"testing"
)

func makeLabels(n, positives int) []float64 {
	labels := make([]float64, n)
	for i := 0; i < positives; i++ {
		labels[i] = 1
	}
	return labels
}

func TestStratifiedKFoldCoversEveryRowOnce(t *testing.T) {
	labels := makeLabels(100, 30)
	folds, err := stratifiedKFold(labels, 5, 42)
	if err != nil {
		t.Fatalf("stratifiedKFold: %v", err)
	}
	if len(folds) != 5 {
		t.Fatalf("expected 5 folds, got %d", len(folds))
	}

	seen := make(map[int]int)
	for _, fold := range folds {
		for _, idx := range fold.val {
			seen[idx]++
		}
	}
	if len(seen) != 100 {
		t.Fatalf("validation sets cover %d rows, want 100", len(seen))
	}
	for idx, count := range seen {
		if count != 1 {
			t.Fatalf("row %d appears in %d validation sets", idx, count)
		}
	}
}

func TestStratifiedKFoldPreservesClassRatio(t *testing.T) {
	labels := makeLabels(100, 30)
	folds, err := stratifiedKFold(labels, 5, 42)
	if err != nil {
		t.Fatalf("stratifiedKFold: %v", err)
	}

	for f, fold := range folds {
		pos := 0
		for _, idx := range fold.val {
			if labels[idx] == 1 {
				pos++
			}
		}
		// 30 positives over 5 folds is exactly 6 each.
		if pos != 6 {
			t.Errorf("fold %d has %d positives, want 6", f, pos)
		}
	}
}

func TestStratifiedKFoldTrainValDisjoint(t *testing.T) {
	labels := makeLabels(50, 20)
	folds, err := stratifiedKFold(labels, 4, 7)
	if err != nil {
		t.Fatalf("stratifiedKFold: %v", err)
	}

	for f, fold := range folds {
		inVal := make(map[int]bool)
		for _, idx := range fold.val {
			inVal[idx] = true
		}
		for _, idx := range fold.train {
			if inVal[idx] {
				t.Fatalf("fold %d: row %d in both train and validation", f, idx)
			}
		}
		if len(fold.train)+len(fold.val) != 50 {
			t.Fatalf("fold %d: train+val = %d, want 50", f, len(fold.train)+len(fold.val))
		}
	}
}

func TestStratifiedKFoldDeterministic(t *testing.T) {
	labels := makeLabels(80, 25)
	a, err := stratifiedKFold(labels, 5, 42)
	if err != nil {
		t.Fatalf("stratifiedKFold: %v", err)
	}
	b, err := stratifiedKFold(labels, 5, 42)
	if err != nil {
		t.Fatalf("stratifiedKFold: %v", err)
	}

	for f := range a {
		if len(a[f].val) != len(b[f].val) {
			t.Fatalf("fold %d sizes differ", f)
		}
		for i := range a[f].val {
			if a[f].val[i] != b[f].val[i] {
				t.Fatalf("fold %d differs at position %d", f, i)
			}
		}
	}
}

func TestStratifiedKFoldErrors(t *testing.T) {
	if _, err := stratifiedKFold(makeLabels(10, 5), 1, 42); err == nil {
		t.Error("expected error for k=1")
	}
	if _, err := stratifiedKFold(makeLabels(3, 1), 5, 42); err == nil {
		t.Error("expected error for n < k")
	}
}
