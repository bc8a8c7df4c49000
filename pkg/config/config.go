// Package config holds the analysis thresholds. Every value has a default;
// a YAML file can override any subset of them.
//
// The file is looked up in this order:
//  1. the path passed on the command line
//  2. $ANALYSIS_CONFIG
//  3. ./corvid.yaml
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OFFIS-RIT/corvid/backend/internal/util"
	"github.com/OFFIS-RIT/corvid/backend/pkg/analytics"
	"github.com/OFFIS-RIT/corvid/backend/pkg/content"
	"github.com/OFFIS-RIT/corvid/backend/pkg/dedupe"
	"github.com/OFFIS-RIT/corvid/backend/pkg/linkgraph"
	"github.com/OFFIS-RIT/corvid/backend/pkg/rules"
	"github.com/OFFIS-RIT/corvid/backend/pkg/temporal"
)

const DefaultFileName = "corvid.yaml"

// Pipeline controls batch execution.
type Pipeline struct {
	// Parallelism bounds the number of concurrent analysis units.
	Parallelism int `yaml:"parallelism"`
	// Window is the length of the analysis window ending at the run time.
	Window time.Duration `yaml:"window"`
	// Seeds are extra high-risk source ids on top of those flagged in the store.
	Seeds []string `yaml:"seeds,omitempty"`
	// Deduplicate runs the deduplicator before correlation.
	Deduplicate bool `yaml:"deduplicate"`
	// Annotate writes rule table annotations back to messages.
	Annotate bool `yaml:"annotate"`
}

// Analysis is the complete analysis configuration.
type Analysis struct {
	Pipeline  Pipeline         `yaml:"pipeline"`
	Temporal  temporal.Params  `yaml:"temporal"`
	Content   content.Params   `yaml:"content"`
	Dedupe    dedupe.Params    `yaml:"dedupe"`
	Graph     linkgraph.Params `yaml:"graph"`
	Analytics analytics.Params `yaml:"analytics"`
	// Rules replaces the built-in rule table when set.
	Rules []rules.Rule `yaml:"rules,omitempty"`
	// RulesFile points to a separate rule table file, relative to the config
	// file. Ignored when Rules is set.
	RulesFile string `yaml:"rules_file,omitempty"`

	dir string
}

// Default returns the built-in configuration.
func Default() *Analysis {
	return &Analysis{
		Pipeline: Pipeline{
			Parallelism: 8,
			Window:      7 * 24 * time.Hour,
			Deduplicate: true,
			Annotate:    true,
		},
		Temporal:  temporal.DefaultParams(),
		Content:   content.DefaultParams(),
		Dedupe:    dedupe.DefaultParams(),
		Graph:     linkgraph.DefaultParams(),
		Analytics: analytics.DefaultParams(),
	}
}

func (a *Analysis) applyDefaults() {
	if a.Pipeline.Parallelism <= 0 {
		a.Pipeline.Parallelism = 1
	}
	if a.Pipeline.Window <= 0 {
		a.Pipeline.Window = Default().Pipeline.Window
	}
}

// Load resolves the config path and loads it. Without any file the defaults
// are returned together with an empty path.
func Load(path string) (*Analysis, string, error) {
	if path == "" {
		path = util.GetEnv("ANALYSIS_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(DefaultFileName); err == nil {
			path = DefaultFileName
		}
	}
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := LoadFromPath(path)
	return cfg, path, err
}

// LoadFromPath reads a YAML file over the defaults.
func LoadFromPath(path string) (*Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse decodes YAML over the defaults. Keys that are absent keep their
// default value.
func Parse(r io.Reader) (*Analysis, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Table builds the rule table: inline rules first, then the rules file, then
// the built-in table.
func (a *Analysis) Table() (*rules.Table, error) {
	if len(a.Rules) > 0 {
		return rules.NewTable(a.Rules)
	}
	if a.RulesFile == "" {
		return rules.Default, nil
	}
	path := a.RulesFile
	if !filepath.IsAbs(path) && a.dir != "" {
		path = filepath.Join(a.dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	defer f.Close()
	return rules.LoadTable(f)
}

// Encode writes the effective configuration as YAML.
func (a *Analysis) Encode(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()
	if err := encoder.Encode(a); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return nil
}
