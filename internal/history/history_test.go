package history

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

func entry(assignment string, score float64, breakdown map[string]domain.SubScore) Entry {
	return Entry{
		AssignmentID: assignment,
		SubmissionID: "sub-" + assignment,
		Record:       domain.ScoreRecord{Score: score, Breakdown: breakdown},
		RecordedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func historyWith(scores ...float64) *StudentHistory {
	h := New("s1")
	for i, s := range scores {
		h.Insert(entry(fmt.Sprintf("a%d", i), s, nil), DefaultParams())
	}
	return h
}

func TestInsert_Eviction(t *testing.T) {
	h := New("s1")
	p := DefaultParams()
	for i := 0; i < 21; i++ {
		h.Insert(entry(fmt.Sprintf("a%02d", i), float64(50+i), nil), p)
	}

	if len(h.Entries) != 20 {
		t.Fatalf("len(Entries) = %d; want 20", len(h.Entries))
	}
	if h.Entries[0].AssignmentID != "a01" {
		t.Errorf("oldest = %q; want a01 (a00 evicted)", h.Entries[0].AssignmentID)
	}
	if h.Entries[19].AssignmentID != "a20" {
		t.Errorf("newest = %q; want a20", h.Entries[19].AssignmentID)
	}
	if err := h.Validate(p); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestInsert_RegradeMovesToTail(t *testing.T) {
	h := historyWith(60, 70, 80)
	h.Insert(entry("a1", 90, nil), DefaultParams())

	if len(h.Entries) != 3 {
		t.Fatalf("len(Entries) = %d; want 3", len(h.Entries))
	}
	var order []string
	for _, e := range h.Entries {
		order = append(order, e.AssignmentID)
	}
	if strings.Join(order, ",") != "a0,a2,a1" {
		t.Errorf("order = %v; want [a0 a2 a1]", order)
	}
	if last := h.Entries[2]; last.Record.Score != 90 {
		t.Errorf("newest Score = %v; want 90", last.Record.Score)
	}
}

func TestInsert_RegradeImprovementTrend(t *testing.T) {
	p := DefaultParams()
	h := New("s1")
	h.Insert(entry("a", 60, nil), p)
	h.Insert(entry("b", 65, nil), p)
	h.Insert(entry("c", 70, nil), p)
	h.Insert(entry("a", 95, nil), p)

	if h.Trend != TrendImproving {
		t.Errorf("Trend = %q; want %q", h.Trend, TrendImproving)
	}
	if got := h.Entries[len(h.Entries)-1]; got.AssignmentID != "a" || got.Record.Score != 95 {
		t.Errorf("tail = %s/%v; want a/95", got.AssignmentID, got.Record.Score)
	}
}

func TestInsert_RegradedEntryNotNextEvicted(t *testing.T) {
	p := DefaultParams()
	p.Capacity = 3
	h := New("s1")
	for _, id := range []string{"a", "b", "c"} {
		h.Insert(entry(id, 70, nil), p)
	}
	h.Insert(entry("a", 80, nil), p)
	h.Insert(entry("d", 75, nil), p)

	var order []string
	for _, e := range h.Entries {
		order = append(order, e.AssignmentID)
	}
	if strings.Join(order, ",") != "c,a,d" {
		t.Errorf("order = %v; want [c a d]", order)
	}
}

func TestTrendOf(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   Trend
	}{
		{"too short", []float64{50, 90}, TrendUndefined},
		{"improving", []float64{60, 62, 70, 75}, TrendImproving},
		{"declining", []float64{90, 88, 70, 72}, TrendDeclining},
		{"stable", []float64{80, 82, 81, 79}, TrendStable},
		{"exactly delta is stable", []float64{70, 75, 75}, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := historyWith(tt.scores...)
			if h.Trend != tt.want {
				t.Errorf("Trend = %q; want %q", h.Trend, tt.want)
			}
		})
	}
}

func TestRollingAverages_UsesWindow(t *testing.T) {
	h := New("s1")
	p := DefaultParams()
	for i := 0; i < 7; i++ {
		h.Insert(entry(fmt.Sprintf("a%d", i), 70, map[string]domain.SubScore{
			"grammar": {Value: float64(i), Max: 10},
		}), p)
	}
	// window holds values 2..6
	if got := h.SkillAverages["grammar"]; got != 4 {
		t.Errorf("SkillAverages[grammar] = %v; want 4", got)
	}
}

func TestDetectStreaks(t *testing.T) {
	sub := func(v float64) map[string]domain.SubScore {
		return map[string]domain.SubScore{"thesis": {Value: v, Max: 10}}
	}

	t.Run("improving and grade improving", func(t *testing.T) {
		h := New("s1")
		h.Insert(entry("a", 70, sub(5)), DefaultParams())
		h.Insert(entry("b", 75, sub(5)), DefaultParams())
		h.Insert(entry("c", 80, sub(7)), DefaultParams())

		if !hasStreak(h.Streaks, StreakImproving, "thesis") {
			t.Errorf("Streaks = %v; want improving thesis", h.Streaks)
		}
		if !hasStreak(h.Streaks, StreakGradeImproving, "") {
			t.Errorf("Streaks = %v; want grade-improving", h.Streaks)
		}
	})

	t.Run("flat is not a streak", func(t *testing.T) {
		h := New("s1")
		for _, id := range []string{"a", "b", "c"} {
			h.Insert(entry(id, 70, sub(5)), DefaultParams())
		}
		if len(h.Streaks) != 0 {
			t.Errorf("Streaks = %v; want none", h.Streaks)
		}
	})

	t.Run("declining and excellence", func(t *testing.T) {
		h := New("s1")
		h.Insert(entry("a", 95, sub(9)), DefaultParams())
		h.Insert(entry("b", 92, sub(8)), DefaultParams())
		h.Insert(entry("c", 90, sub(8)), DefaultParams())

		if !hasStreak(h.Streaks, StreakDeclining, "thesis") {
			t.Errorf("Streaks = %v; want declining thesis", h.Streaks)
		}
		if !hasStreak(h.Streaks, StreakExcellence, "") {
			t.Errorf("Streaks = %v; want excellence", h.Streaks)
		}
	})

	t.Run("needs three entries", func(t *testing.T) {
		h := historyWith(91, 95)
		if len(h.Streaks) != 0 {
			t.Errorf("Streaks = %v; want none", h.Streaks)
		}
	})
}

func TestDetectPatterns(t *testing.T) {
	h := New("s1")
	p := DefaultParams()
	h.Insert(entry("a", 80, map[string]domain.SubScore{
		"evidence": {Value: 9, Max: 10},
		"grammar":  {Value: 5, Max: 10},
		"style":    {Value: 10, Max: 10},
	}), p)
	h.Insert(entry("b", 82, map[string]domain.SubScore{
		"evidence": {Value: 17, Max: 20},
		"grammar":  {Value: 6, Max: 10},
	}), p)

	if !hasPattern(h.Patterns, PatternStrength, "evidence") {
		t.Errorf("Patterns = %v; want strength evidence", h.Patterns)
	}
	if !hasPattern(h.Patterns, PatternWeakness, "grammar") {
		t.Errorf("Patterns = %v; want weakness grammar", h.Patterns)
	}
	// a single sample is not a pattern
	if hasPattern(h.Patterns, PatternStrength, "style") {
		t.Errorf("Patterns = %v; style has one sample", h.Patterns)
	}
	if !h.HasStrength("evidence") {
		t.Error("HasStrength(evidence) = false; want true")
	}
}

func TestWithout(t *testing.T) {
	h := historyWith(60, 70, 80)
	w := h.Without("a2", DefaultParams())

	if len(w.Entries) != 2 {
		t.Fatalf("len(Entries) = %d; want 2", len(w.Entries))
	}
	if len(h.Entries) != 3 {
		t.Errorf("original mutated: len = %d", len(h.Entries))
	}
}

func TestCategoryMax(t *testing.T) {
	h := New("s1")
	h.Insert(entry("a", 70, map[string]domain.SubScore{"x": {Value: 7, Max: 10}}), DefaultParams())
	h.Insert(entry("b", 70, map[string]domain.SubScore{"x": {Value: 16, Max: 20}}), DefaultParams())

	got, ok := h.CategoryMax("x")
	if !ok || got.Value != 16 {
		t.Errorf("CategoryMax(x) = %v, %v; want 16/20", got, ok)
	}
	if _, ok := h.CategoryMax("y"); ok {
		t.Error("CategoryMax(y) ok = true; want false")
	}
}

func TestStdDev(t *testing.T) {
	values := []float64{68, 78, 68, 78, 73}
	if m := Mean(values); m != 73 {
		t.Errorf("Mean() = %v; want 73", m)
	}
	if sd := StdDev(values); math.Abs(sd-5) > 1e-9 {
		t.Errorf("StdDev() = %v; want 5", sd)
	}
	if sd := StdDev([]float64{42}); sd != 0 {
		t.Errorf("StdDev(single) = %v; want 0", sd)
	}
}

func hasStreak(streaks []Streak, kind StreakKind, category string) bool {
	for _, s := range streaks {
		if s.Kind == kind && s.Category == category {
			return true
		}
	}
	return false
}

func hasPattern(patterns []Pattern, kind PatternKind, category string) bool {
	for _, p := range patterns {
		if p.Kind == kind && p.Category == category {
			return true
		}
	}
	return false
}
