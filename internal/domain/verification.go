package domain

import "strings"

// Verification says whether grading ran with structured guidance.
type Verification string

const (
	Verified   Verification = "verified"
	Unverified Verification = "unverified"
)

// ClassifyVerification stamps a task from its dispatch-time instructions.
// It never looks at grading output.
func ClassifyVerification(ins Instructions) Verification {
	switch {
	case ins.AssignmentConfigID != "":
		return Verified
	case hasAny(ins.Markers):
		return Verified
	case strings.TrimSpace(ins.GradingNotes) != "":
		return Verified
	case hasAny(ins.Sections):
		return Verified
	default:
		return Unverified
	}
}

func hasAny(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}
