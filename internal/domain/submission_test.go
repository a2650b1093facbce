package domain

import (
	"testing"
	"time"
)

func TestSubmissionDescriptor_HasStudent(t *testing.T) {
	tests := []struct {
		student string
		want    bool
	}{
		{"s-1", true},
		{"", false},
		{"  ", false},
		{UnknownStudent, false},
	}
	for _, tt := range tests {
		d := SubmissionDescriptor{StudentID: tt.student}
		if got := d.HasStudent(); got != tt.want {
			t.Errorf("HasStudent(%q) = %v; want %v", tt.student, got, tt.want)
		}
	}
}

func TestVersionHint_Less(t *testing.T) {
	early := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	tests := []struct {
		name string
		a, b VersionHint
		want bool
	}{
		{"suffix wins over time", VersionHint{Suffix: 1, ModifiedAt: late}, VersionHint{Suffix: 2, ModifiedAt: early}, true},
		{"missing suffix falls back to time", VersionHint{Suffix: -1, ModifiedAt: early}, VersionHint{Suffix: 2, ModifiedAt: late}, true},
		{"time", VersionHint{Suffix: -1, ModifiedAt: late}, VersionHint{Suffix: -1, ModifiedAt: early}, false},
		{"discovery", VersionHint{Suffix: -1, Discovery: 0}, VersionHint{Suffix: -1, Discovery: 1}, true},
		{"equal suffix uses discovery", VersionHint{Suffix: 3, Discovery: 5}, VersionHint{Suffix: 3, Discovery: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.want {
				t.Errorf("Less() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestScoreRecord_Clone(t *testing.T) {
	r := ScoreRecord{
		Score:     80,
		Breakdown: map[string]SubScore{"thesis": {Value: 8, Max: 10}},
		Notes:     []string{"a"},
	}
	c := r.Clone()
	c.Breakdown["thesis"] = SubScore{Value: 1, Max: 10}
	c.Notes[0] = "b"

	if r.Breakdown["thesis"].Value != 8 {
		t.Errorf("original breakdown mutated: %v", r.Breakdown["thesis"])
	}
	if r.Notes[0] != "a" {
		t.Errorf("original notes mutated: %v", r.Notes)
	}
}

func TestLetterFor(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{95, "A"}, {90, "A"}, {85, "B"}, {72, "C"}, {60, "D"}, {12, "F"},
	}
	for _, tt := range tests {
		if got := LetterFor(tt.score); got != tt.want {
			t.Errorf("LetterFor(%v) = %q; want %q", tt.score, got, tt.want)
		}
	}
}
