// Package assignment loads assignment configurations and matches submissions
// against them.
package assignment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is one assignment configuration.
type Config struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	// Markers are elements the grader should look for.
	Markers      []string `yaml:"markers,omitempty" json:"markers,omitempty"`
	GradingNotes string   `yaml:"grading_notes,omitempty" json:"grading_notes,omitempty"`
	// Sections name the breakdown categories of the score.
	Sections []string `yaml:"sections,omitempty" json:"sections,omitempty"`
	Prompt   string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
}

// CatalogFile represents the YAML structure for a catalog in a single file
type CatalogFile struct {
	Assignments []Config `yaml:"assignments"`
}

// Load reads a catalog from path. A file holds an assignments list; a
// directory holds one assignment per .yaml/.yml file.
func Load(path string) ([]Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}
	if !info.IsDir() {
		return loadFile(path)
	}
	return loadDir(path)
}

func loadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	for i := range file.Assignments {
		if err := validate(&file.Assignments[i]); err != nil {
			return nil, fmt.Errorf("%s: assignment %d: %w", path, i, err)
		}
	}
	return file.Assignments, nil
}

func loadDir(dir string) ([]Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog directory: %w", err)
	}

	var configs []Config
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read assignment file: %w", err)
		}

		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse assignment file %s: %w", entry.Name(), err)
		}
		if cfg.ID == "" {
			cfg.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if err := validate(&cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs, nil
}

func validate(c *Config) error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return fmt.Errorf("assignment id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.ID
	}
	return nil
}
