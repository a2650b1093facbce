// Package extract turns submission handles into gradeable content.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// DefaultMaxBytes caps how much of a submission is read.
const DefaultMaxBytes = 20 << 20

// Extractor resolves one handle.
type Extractor interface {
	Extract(ctx context.Context, handle string) (domain.Content, error)
}

// FileExtractor reads submissions from the local filesystem.
type FileExtractor struct {
	MaxBytes int64
}

// NewFileExtractor creates a file extractor with the default size cap.
func NewFileExtractor() *FileExtractor {
	return &FileExtractor{MaxBytes: DefaultMaxBytes}
}

// Extract reads the file at path and sniffs its type.
func (f *FileExtractor) Extract(ctx context.Context, path string) (domain.Content, error) {
	if err := ctx.Err(); err != nil {
		return domain.Content{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return domain.Content{}, domain.ContentError("extract", fmt.Errorf("%w: %v", domain.ErrUnreadableContent, err))
	}
	defer file.Close()

	data, err := readLimited(file, f.maxBytes())
	if err != nil {
		return domain.Content{}, domain.ContentError("extract", fmt.Errorf("%w: %s: %v", domain.ErrUnreadableContent, path, err))
	}
	return Classify(data)
}

func (f *FileExtractor) maxBytes() int64 {
	if f.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return f.MaxBytes
}

// Classify turns raw bytes into a text or image payload. Anything else is
// a content error.
func Classify(data []byte) (domain.Content, error) {
	mime := mimetype.Detect(data)

	if strings.HasPrefix(mime.String(), "image/") {
		return domain.Content{Image: data, MIMEType: mime.String()}, nil
	}
	for m := mime; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			if !utf8.Valid(data) {
				return domain.Content{}, domain.ContentError("extract", fmt.Errorf("%w: text is not valid UTF-8", domain.ErrUnreadableContent))
			}
			return domain.Content{Text: string(data), MIMEType: mime.String()}, nil
		}
	}
	return domain.Content{}, domain.ContentError("extract", fmt.Errorf("%w: %s", domain.ErrUnsupportedContent, mime.String()))
}

var errTooLarge = errors.New("submission exceeds size limit")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w of %d bytes", errTooLarge, max)
	}
	return data, nil
}

// Router picks an extractor by handle scheme ("s3://..."). Handles without a
// registered scheme go to the fallback.
type Router struct {
	schemes  map[string]Extractor
	fallback Extractor
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback Extractor) *Router {
	return &Router{schemes: make(map[string]Extractor), fallback: fallback}
}

// Handle registers an extractor for a scheme.
func (r *Router) Handle(scheme string, e Extractor) {
	r.schemes[strings.ToLower(scheme)] = e
}

// Extract routes the handle.
func (r *Router) Extract(ctx context.Context, handle string) (domain.Content, error) {
	if scheme, _, ok := strings.Cut(handle, "://"); ok {
		if e, found := r.schemes[strings.ToLower(scheme)]; found {
			return e.Extract(ctx, handle)
		}
		if r.fallback == nil {
			return domain.Content{}, domain.ContentError("extract", fmt.Errorf("%w: no extractor for scheme %q", domain.ErrUnsupportedContent, scheme))
		}
	}
	if r.fallback == nil {
		return domain.Content{}, domain.ContentError("extract", fmt.Errorf("%w: no extractor for %q", domain.ErrUnsupportedContent, handle))
	}
	return r.fallback.Extract(ctx, handle)
}
