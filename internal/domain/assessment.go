package domain

// Deviation is the integrity label assigned to a new authoritative score
// relative to the student's baseline.
type Deviation string

const (
	// DeviationNone means the score was not assessed (unknown student or a
	// history that could not be updated).
	DeviationNone        Deviation = ""
	DeviationNormal      Deviation = "normal"
	DeviationReview      Deviation = "review"
	DeviationSignificant Deviation = "significant"
)

// Rank orders deviations so the strongest signal wins when combining.
func (d Deviation) Rank() int {
	switch d {
	case DeviationSignificant:
		return 3
	case DeviationReview:
		return 2
	case DeviationNormal:
		return 1
	default:
		return 0
	}
}

// Flagged reports whether the label needs human attention
func (d Deviation) Flagged() bool {
	return d == DeviationReview || d == DeviationSignificant
}

// Assessment explains a deviation label.
type Assessment struct {
	Deviation Deviation `json:"deviation"`
	Reasons   []string  `json:"reasons,omitempty"`
	Mean      float64   `json:"mean,omitempty"`
	StdDev    float64   `json:"std_dev,omitempty"`
	Samples   int       `json:"samples"`
}

// Escalate raises the label to d when d is stronger and records why.
func (a *Assessment) Escalate(d Deviation, reason string) {
	if d.Rank() > a.Deviation.Rank() {
		a.Deviation = d
	}
	if reason != "" {
		a.Reasons = append(a.Reasons, reason)
	}
}
