// Package history keeps a bounded rolling performance record per student and
// derives averages, trends, streaks and qualitative patterns from it.
package history

import (
	"fmt"
	"sort"
	"time"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// Trend labels
type Trend string

const (
	TrendUndefined Trend = ""
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// StreakKind labels
type StreakKind string

const (
	StreakImproving      StreakKind = "improving"
	StreakDeclining      StreakKind = "declining"
	StreakExcellence     StreakKind = "excellence"
	StreakGradeImproving StreakKind = "grade-improving"
)

// Streak is a run detected over the most recent entries. Category is empty
// for streaks over the overall score.
type Streak struct {
	Kind     StreakKind `json:"kind"`
	Category string     `json:"category,omitempty"`
	Length   int        `json:"length"`
}

// PatternKind labels
type PatternKind string

const (
	PatternStrength PatternKind = "strength"
	PatternWeakness PatternKind = "weakness"
)

// Pattern is a qualitative signal for one sub-score category over the window.
type Pattern struct {
	Kind     PatternKind `json:"kind"`
	Category string      `json:"category"`
	// Ratio is the average of value/max across Entries samples.
	Ratio   float64 `json:"ratio"`
	Entries int     `json:"entries"`
}

// Entry is one authoritative result in a student's history.
type Entry struct {
	AssignmentID string             `json:"assignment_id"`
	SubmissionID string             `json:"submission_id"`
	Record       domain.ScoreRecord `json:"record"`
	Deviation    domain.Deviation   `json:"deviation,omitempty"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// StudentHistory is the rolling record of one student. Entries are ordered
// oldest first.
type StudentHistory struct {
	StudentID     string             `json:"student_id"`
	Entries       []Entry            `json:"entries"`
	SkillAverages map[string]float64 `json:"skill_averages,omitempty"`
	Trend         Trend              `json:"trend,omitempty"`
	Streaks       []Streak           `json:"streaks,omitempty"`
	Patterns      []Pattern          `json:"patterns,omitempty"`
	// Strengths lists every category that was ever a consistent strength.
	Strengths []string  `json:"strengths,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty history for a student
func New(studentID string) *StudentHistory {
	return &StudentHistory{StudentID: studentID}
}

// Validate checks structural invariants.
func (h *StudentHistory) Validate(p Params) error {
	p = p.normalized()
	if h.StudentID == "" {
		return fmt.Errorf("%w: missing student key", ErrCorrupt)
	}
	if len(h.Entries) > p.Capacity {
		return fmt.Errorf("%w: %d entries exceeds capacity %d", ErrCorrupt, len(h.Entries), p.Capacity)
	}
	return nil
}

// Insert appends an authoritative entry and recomputes every derivation. An
// earlier entry for the same assignment is dropped first, so the newest
// result always sits at the tail. The oldest entry is evicted once capacity
// is exceeded.
func (h *StudentHistory) Insert(e Entry, p Params) {
	p = p.normalized()

	if e.AssignmentID != "" {
		kept := make([]Entry, 0, len(h.Entries)+1)
		for _, old := range h.Entries {
			if old.AssignmentID != e.AssignmentID {
				kept = append(kept, old)
			}
		}
		h.Entries = kept
	}
	h.Entries = append(h.Entries, e)
	if over := len(h.Entries) - p.Capacity; over > 0 {
		h.Entries = append([]Entry(nil), h.Entries[over:]...)
	}

	h.Recompute(p)
	h.UpdatedAt = e.RecordedAt
}

// Recompute refreshes the derived fields from Entries.
func (h *StudentHistory) Recompute(p Params) {
	p = p.normalized()
	window := Window(h.Entries, p.Window)

	h.SkillAverages = RollingAverages(window)
	h.Trend = TrendOf(h.Entries, p)
	h.Streaks = DetectStreaks(window, p)
	h.Patterns = DetectPatterns(window, p)

	seen := make(map[string]bool, len(h.Strengths))
	for _, s := range h.Strengths {
		seen[s] = true
	}
	for _, pat := range h.Patterns {
		if pat.Kind == PatternStrength && !seen[pat.Category] {
			seen[pat.Category] = true
			h.Strengths = append(h.Strengths, pat.Category)
		}
	}
	sort.Strings(h.Strengths)
}

// Without returns a copy of the history minus any entry for assignmentID,
// derivations recomputed.
func (h *StudentHistory) Without(assignmentID string, p Params) *StudentHistory {
	out := h.Clone()
	if assignmentID == "" {
		return out
	}
	kept := out.Entries[:0]
	for _, e := range out.Entries {
		if e.AssignmentID != assignmentID {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(h.Entries) {
		out.Entries = kept
		out.Recompute(p)
	}
	return out
}

// Clone returns a deep copy.
func (h *StudentHistory) Clone() *StudentHistory {
	out := *h
	out.Entries = make([]Entry, len(h.Entries))
	for i, e := range h.Entries {
		e.Record = e.Record.Clone()
		out.Entries[i] = e
	}
	if h.SkillAverages != nil {
		out.SkillAverages = make(map[string]float64, len(h.SkillAverages))
		for k, v := range h.SkillAverages {
			out.SkillAverages[k] = v
		}
	}
	out.Streaks = append([]Streak(nil), h.Streaks...)
	out.Patterns = append([]Pattern(nil), h.Patterns...)
	out.Strengths = append([]string(nil), h.Strengths...)
	return &out
}

// HasStrength reports whether category was ever a consistent strength.
func (h *StudentHistory) HasStrength(category string) bool {
	for _, s := range h.Strengths {
		if s == category {
			return true
		}
	}
	return false
}

// CategoryMax returns the highest value recorded for a sub-score category
// across the whole history.
func (h *StudentHistory) CategoryMax(category string) (domain.SubScore, bool) {
	var best domain.SubScore
	found := false
	for _, e := range h.Entries {
		s, ok := e.Record.Breakdown[category]
		if !ok {
			continue
		}
		if !found || exceeds(s, best) {
			best, found = s, true
		}
	}
	return best, found
}

// Exceeds reports whether s is higher than max. Sub-scores with known maxima
// are compared as ratios so a rescaled rubric does not look like a jump.
func Exceeds(s, max domain.SubScore) bool {
	return exceeds(s, max)
}

func exceeds(s, max domain.SubScore) bool {
	if s.Max > 0 && max.Max > 0 {
		return s.Ratio() > max.Ratio()
	}
	return s.Value > max.Value
}

// Window returns the most recent n entries (or fewer).
func Window(entries []Entry, n int) []Entry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// Scores returns the overall scores of entries in order.
func Scores(entries []Entry) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.Record.Score
	}
	return out
}

// RollingAverages averages each sub-score category over the entries in which
// it is present.
func RollingAverages(entries []Entry) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, e := range entries {
		for name, s := range e.Record.Breakdown {
			sums[name] += s.Value
			counts[name]++
		}
	}
	if len(sums) == 0 {
		return nil
	}
	out := make(map[string]float64, len(sums))
	for name, sum := range sums {
		out[name] = sum / float64(counts[name])
	}
	return out
}

// TrendOf compares the mean of the first half of the history with the mean
// of the second half.
func TrendOf(entries []Entry, p Params) Trend {
	p = p.normalized()
	if len(entries) < p.TrendMinEntries {
		return TrendUndefined
	}
	half := len(entries) / 2
	first := Mean(Scores(entries[:half]))
	second := Mean(Scores(entries[half:]))

	switch {
	case second-first > p.TrendDelta:
		return TrendImproving
	case first-second > p.TrendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// DetectStreaks looks at the last StreakLength entries of the window.
func DetectStreaks(window []Entry, p Params) []Streak {
	p = p.normalized()
	if len(window) < p.StreakLength {
		return nil
	}
	run := window[len(window)-p.StreakLength:]
	var out []Streak

	for _, name := range categories(run) {
		values, ok := categoryRun(run, name)
		if !ok {
			continue
		}
		switch {
		case monotone(values, func(a, b float64) bool { return b >= a }) && values[len(values)-1] > values[0]:
			out = append(out, Streak{Kind: StreakImproving, Category: name, Length: len(values)})
		case monotone(values, func(a, b float64) bool { return b <= a }) && values[len(values)-1] < values[0]:
			out = append(out, Streak{Kind: StreakDeclining, Category: name, Length: len(values)})
		}
	}

	scores := Scores(run)
	excellent := true
	for _, s := range scores {
		if s < p.ExcellenceScore {
			excellent = false
			break
		}
	}
	if excellent {
		out = append(out, Streak{Kind: StreakExcellence, Length: len(scores)})
	}
	if monotone(scores, func(a, b float64) bool { return b > a }) {
		out = append(out, Streak{Kind: StreakGradeImproving, Length: len(scores)})
	}
	return out
}

// DetectPatterns classifies each sub-score category of the window as a
// consistent strength or persistent weakness.
func DetectPatterns(window []Entry, p Params) []Pattern {
	p = p.normalized()
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, e := range window {
		for name, s := range e.Record.Breakdown {
			if s.Max <= 0 {
				continue
			}
			sums[name] += s.Ratio()
			counts[name]++
		}
	}

	var out []Pattern
	for _, name := range sortedKeys(counts) {
		n := counts[name]
		if n < p.PatternMinEntries {
			continue
		}
		ratio := sums[name] / float64(n)
		switch {
		case ratio >= p.StrengthRatio:
			out = append(out, Pattern{Kind: PatternStrength, Category: name, Ratio: ratio, Entries: n})
		case ratio <= p.WeaknessRatio:
			out = append(out, Pattern{Kind: PatternWeakness, Category: name, Ratio: ratio, Entries: n})
		}
	}
	return out
}

// categories lists every sub-score name present in entries, sorted.
func categories(entries []Entry) []string {
	set := make(map[string]int)
	for _, e := range entries {
		for name := range e.Record.Breakdown {
			set[name]++
		}
	}
	return sortedKeys(set)
}

// categoryRun returns the values of one category, failing when any entry
// lacks it.
func categoryRun(entries []Entry, name string) ([]float64, bool) {
	out := make([]float64, 0, len(entries))
	for _, e := range entries {
		s, ok := e.Record.Breakdown[name]
		if !ok {
			return nil, false
		}
		out = append(out, s.Value)
	}
	return out, true
}

func monotone(values []float64, ok func(a, b float64) bool) bool {
	for i := 1; i < len(values); i++ {
		if !ok(values[i-1], values[i]) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
