// Package intake turns a folder of student files into submission
// descriptors.
package intake

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// DefaultExtensions are the file types the extractors can read
var DefaultExtensions = []string{
	".txt",
	".md",
	".markdown",
	".text",
	".png",
	".jpg",
	".jpeg",
	".gif",
	".webp",
}

// Discoverer finds submission files under a folder. Files inside a
// subfolder belong to the student the subfolder is named after.
type Discoverer struct {
	basePath   string
	extensions []string
}

// NewDiscoverer creates a new submission discoverer
func NewDiscoverer(basePath string) *Discoverer {
	return &Discoverer{
		basePath:   basePath,
		extensions: DefaultExtensions,
	}
}

// WithExtensions sets the file extensions to pick up. An empty list accepts
// every file.
func (d *Discoverer) WithExtensions(exts []string) *Discoverer {
	d.extensions = exts
	return d
}

// Options configures discovery
type Options struct {
	MaxDepth int // Maximum directory depth below the student folder (0 = unlimited)
	// PrefixStudents attributes top-level files named "<student>_<rest>" to
	// <student>. Otherwise top-level files have no student.
	PrefixStudents bool
	// AssignmentID is set on every descriptor when non-empty.
	AssignmentID string
}

// Discover walks the folder and returns one descriptor per file, ordered by
// path. Discovery indexes follow that order.
func (d *Discoverer) Discover(opts Options) ([]domain.SubmissionDescriptor, error) {
	info, err := os.Stat(d.basePath)
	if err != nil {
		return nil, fmt.Errorf("stat submissions folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", domain.ErrInvalidInput, d.basePath)
	}

	var out []domain.SubmissionDescriptor
	err = filepath.WalkDir(d.basePath, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(d.basePath, path)
		if entry.IsDir() {
			if path == d.basePath {
				return nil
			}
			if isIgnored(entry.Name()) || (opts.MaxDepth > 0 && depth(rel) > opts.MaxDepth) {
				return filepath.SkipDir
			}
			return nil
		}
		if isIgnored(entry.Name()) || !d.accepts(path) {
			return nil
		}

		fi, err := entry.Info()
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		out = append(out, domain.SubmissionDescriptor{
			ID:           filepath.ToSlash(rel),
			Filename:     entry.Name(),
			Handle:       abs,
			StudentID:    studentFor(rel, opts.PrefixStudents),
			AssignmentID: opts.AssignmentID,
			ModifiedAt:   fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk submissions folder: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for i := range out {
		out[i].Discovery = i
	}
	return out, nil
}

func (d *Discoverer) accepts(path string) bool {
	if len(d.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range d.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// studentFor names the student owning rel: its top folder, or the filename
// prefix for top-level files when enabled.
func studentFor(rel string, prefix bool) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) > 1 {
		return parts[0]
	}
	if prefix {
		if i := strings.IndexByte(parts[0], '_'); i > 0 {
			return parts[0][:i]
		}
	}
	return domain.UnknownStudent
}

// depth counts folders below the student folder.
func depth(rel string) int {
	return strings.Count(filepath.ToSlash(rel), "/")
}

// isIgnored skips hidden entries and tool folders
func isIgnored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch strings.ToLower(name) {
	case "__macosx", "node_modules":
		return true
	}
	return false
}
