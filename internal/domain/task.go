package domain

import (
	"github.com/google/uuid"
)

// TaskState represents where a grading task is in its lifecycle
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Instructions is what gets sent to the external grading call alongside the
// submission content.
type Instructions struct {
	// AssignmentConfigID is set when an assignment configuration matched the
	// submission by filename or content.
	AssignmentConfigID string   `json:"assignment_config_id,omitempty"`
	Markers            []string `json:"markers,omitempty"`
	GradingNotes       string   `json:"grading_notes,omitempty"`
	Sections           []string `json:"sections,omitempty"`
	Prompt             string   `json:"prompt,omitempty"`
}

// GradingTask is one unit of dispatch.
type GradingTask struct {
	ID           string               `json:"id"`
	Submission   SubmissionDescriptor `json:"submission"`
	Instructions Instructions         `json:"instructions"`
}

// NewGradingTask wraps a descriptor into a task with a fresh ID
func NewGradingTask(sub SubmissionDescriptor, ins Instructions) GradingTask {
	return GradingTask{
		ID:           uuid.New().String(),
		Submission:   sub,
		Instructions: ins,
	}
}
