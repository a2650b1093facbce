package domain

import "maps"

// SubScore is one named component of a score breakdown.
type SubScore struct {
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

// Ratio returns Value as a fraction of Max, or 0 when Max is unknown.
func (s SubScore) Ratio() float64 {
	if s.Max <= 0 {
		return 0
	}
	return s.Value / s.Max
}

// Detection is the authenticity signal produced by the scoring call.
// The engine never interprets it.
type Detection struct {
	Label      string         `json:"label,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// ScoreRecord is the output of a successful grading task
type ScoreRecord struct {
	Score       float64             `json:"score"`
	LetterGrade string              `json:"letter_grade"`
	Breakdown   map[string]SubScore `json:"breakdown,omitempty"`
	Feedback    string              `json:"feedback"`
	Detection   Detection           `json:"detection"`
	Notes       []string            `json:"notes,omitempty"`
}

// Clone returns a deep copy so callers can annotate without sharing maps.
func (r ScoreRecord) Clone() ScoreRecord {
	out := r
	if r.Breakdown != nil {
		out.Breakdown = maps.Clone(r.Breakdown)
	}
	if r.Detection.Raw != nil {
		out.Detection.Raw = maps.Clone(r.Detection.Raw)
	}
	if r.Notes != nil {
		out.Notes = append([]string(nil), r.Notes...)
	}
	return out
}

// LetterFor maps a 0-100 score onto the conventional letter scale.
func LetterFor(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
