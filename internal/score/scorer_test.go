package score

import (
	"testing"

	"github.com/goonerstrike/belief-engine/internal/model"
)

func TestScorer_Calculate_Clean(t *testing.T) {
	scorer := NewScorer(model.DefaultConfig().Quality)

	report := scorer.Calculate("run-1", Counts{})

	if report.Score != 100 {
		t.Errorf("Expected score 100, got %v", report.Score)
	}
	if report.Grade != "A" {
		t.Errorf("Expected grade A, got %s", report.Grade)
	}
	if report.RunID != "run-1" {
		t.Errorf("Expected run id to be carried, got %s", report.RunID)
	}
}

func TestScorer_Calculate_Penalties(t *testing.T) {
	scorer := NewScorer(model.DefaultConfig().Quality)

	// 3 errors (6) + 4 retries (2) + 2 malformed (2) + 2 mismatches (1) = 11
	report := scorer.Calculate("run-1", Counts{Errors: 3, Retries: 4, Malformed: 2, Mismatches: 2})

	if report.Score != 89 {
		t.Errorf("Expected score 89, got %v", report.Score)
	}
	if report.Grade != "B" {
		t.Errorf("Expected grade B, got %s", report.Grade)
	}
	if report.Penalties[KindError] != 6 || report.Penalties[KindMismatch] != 1 {
		t.Errorf("Unexpected penalties: %v", report.Penalties)
	}
	if report.Counts[KindRetry] != 4 {
		t.Errorf("Unexpected counts: %v", report.Counts)
	}
}

func TestScorer_Calculate_FloorsAtZero(t *testing.T) {
	scorer := NewScorer(model.DefaultConfig().Quality)

	report := scorer.Calculate("run-1", Counts{Errors: 500})

	if report.Score != 0 {
		t.Errorf("Expected score 0, got %v", report.Score)
	}
	if report.Grade != "F" {
		t.Errorf("Expected grade F, got %s", report.Grade)
	}
}

func TestScorer_Grade(t *testing.T) {
	scorer := NewScorer(model.DefaultConfig().Quality)

	tests := []struct {
		score float64
		grade string
	}{
		{100, "A"}, {90, "A"}, {89.5, "B"}, {80, "B"}, {75, "C"}, {60, "D"}, {59.9, "F"}, {0, "F"},
	}
	for _, tt := range tests {
		if got := scorer.Grade(tt.score); got != tt.grade {
			t.Errorf("Grade(%v) = %s, want %s", tt.score, got, tt.grade)
		}
	}
}

func TestCounts_Add(t *testing.T) {
	sum := Counts{Errors: 1, Retries: 2}.Add(Counts{Errors: 2, Malformed: 1, Mismatches: 4})
	want := Counts{Errors: 3, Retries: 2, Malformed: 1, Mismatches: 4}
	if sum != want {
		t.Errorf("Expected %+v, got %+v", want, sum)
	}
}
