package domain

import (
	"strings"
	"time"
)

// UnknownStudent is the student identity used when a submission could not be
// attributed to anyone.
const UnknownStudent = "unknown"

// SubmissionDescriptor is the immutable input describing one submitted file.
// The content itself stays with the caller; Handle is only a reference to it.
type SubmissionDescriptor struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	Handle       string    `json:"handle"`
	StudentID    string    `json:"student_id"`
	AssignmentID string    `json:"assignment_id"`
	ModifiedAt   time.Time `json:"modified_at"`
	Discovery    int       `json:"discovery"`
}

// HasStudent reports whether the descriptor was attributed to a real student.
func (d SubmissionDescriptor) HasStudent() bool {
	s := strings.TrimSpace(d.StudentID)
	return s != "" && s != UnknownStudent
}

// VersionHint orders attempts within a resubmission chain.
// Suffix is the numeric suffix parsed from the filename, or -1 when absent.
type VersionHint struct {
	Suffix     int       `json:"suffix"`
	ModifiedAt time.Time `json:"modified_at"`
	Discovery  int       `json:"discovery"`
}

// Less orders by numeric suffix when both hints carry one, then by
// modification time when both carry one, then by discovery order.
func (v VersionHint) Less(o VersionHint) bool {
	if v.Suffix >= 0 && o.Suffix >= 0 && v.Suffix != o.Suffix {
		return v.Suffix < o.Suffix
	}
	if !v.ModifiedAt.IsZero() && !o.ModifiedAt.IsZero() && !v.ModifiedAt.Equal(o.ModifiedAt) {
		return v.ModifiedAt.Before(o.ModifiedAt)
	}
	return v.Discovery < o.Discovery
}
