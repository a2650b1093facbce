package assignment

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/grouping"
)

// headingRunes bounds how much of a document is searched for a title.
const headingRunes = 400

// Catalog provides access to assignment configurations
type Catalog struct {
	path string

	mu      sync.RWMutex
	configs map[string]Config
	index   *grouping.Index
}

// NewCatalog builds a catalog over configs.
func NewCatalog(configs []Config) (*Catalog, error) {
	c := &Catalog{}
	if err := c.set(configs); err != nil {
		return nil, err
	}
	return c, nil
}

// Open loads a catalog from path; Reload reads it again.
func Open(path string) (*Catalog, error) {
	configs, err := Load(path)
	if err != nil {
		return nil, err
	}
	c, err := NewCatalog(configs)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// Reload reloads the catalog from disk.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	configs, err := Load(c.path)
	if err != nil {
		return err
	}
	return c.set(configs)
}

func (c *Catalog) set(configs []Config) error {
	byID := make(map[string]Config, len(configs))
	titles := make([]grouping.Title, 0, len(configs))
	for _, cfg := range configs {
		if _, dup := byID[cfg.ID]; dup {
			return fmt.Errorf("%w: duplicate assignment id %q", domain.ErrInvalidInput, cfg.ID)
		}
		byID[cfg.ID] = cfg
		titles = append(titles, grouping.Title{ID: cfg.ID, Name: cfg.Name, Aliases: cfg.Aliases})
	}

	c.mu.Lock()
	c.configs = byID
	c.index = grouping.NewIndex(titles)
	c.mu.Unlock()
	return nil
}

// Get returns an assignment by ID
func (c *Catalog) Get(id string) (Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[id]
	return cfg, ok
}

// Len returns the number of assignments.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.configs)
}

// Index returns the title index the grouper uses to fold renamed
// assignments into one chain.
func (c *Catalog) Index() *grouping.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// Match returns at most one configuration for a submission: by filename
// first, then by the opening of its text. The longest name or alias wins.
func (c *Catalog) Match(filename, text string) (domain.Instructions, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.index.Match(filename)
	if !ok && text != "" {
		t, ok = c.index.MatchText(heading(text))
	}
	if !ok {
		return domain.Instructions{}, false
	}
	return c.configs[t.ID].Instructions(), true
}

// Instructions converts the configuration into grading instructions.
func (cfg Config) Instructions() domain.Instructions {
	return domain.Instructions{
		AssignmentConfigID: cfg.ID,
		Markers:            append([]string(nil), cfg.Markers...),
		GradingNotes:       cfg.GradingNotes,
		Sections:           append([]string(nil), cfg.Sections...),
		Prompt:             cfg.Prompt,
	}
}

func heading(text string) string {
	if utf8.RuneCountInString(text) <= headingRunes {
		return text
	}
	n := 0
	for i := range text {
		if n == headingRunes {
			return text[:i]
		}
		n++
	}
	return text
}
