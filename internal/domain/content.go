package domain

import "strings"

// Content is the normalized payload of a submission: either text or an
// image the grader can look at.
type Content struct {
	Text     string `json:"text,omitempty"`
	Image    []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// IsImage reports whether the content is an image payload
func (c Content) IsImage() bool {
	return len(c.Image) > 0
}

// Empty reports whether there is nothing to grade.
func (c Content) Empty() bool {
	return !c.IsImage() && strings.TrimSpace(c.Text) == ""
}
