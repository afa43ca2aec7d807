// Copyright The OPAL Project Developers. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides the yaml-backed configuration and the leveled
// logging used by the property computation engines and the tools built on
// them.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/roterEmil/opal-sub001/internal/funcutil"
)

// EngineSequential and EngineParallel name the two store implementations; a
// tool may also accept EngineBoth to run them side by side and compare.
const (
	EngineSequential = "sequential"
	EngineParallel   = "parallel"
	EngineBoth       = "both"
)

// Config holds the options of an analysis run.
// If some field is not defined in the config file, it will be empty/zero in
// the struct and replaced by its default during validation.
type Config struct {
	sourceFile string

	// Engine selects the store implementation: "sequential", "parallel" or
	// "both".
	Engine string `yaml:"engine"`

	// NumWorkers is the size of the parallel store's worker pool. Zero means
	// one worker per available CPU.
	NumWorkers int `yaml:"num-workers"`

	// LogLevel controls logging verbosity (see LogLevel constants).
	LogLevel int `yaml:"log-level"`

	// DotOutput is a file name for the dependency-graph DOT dump; empty
	// disables the dump.
	DotOutput string `yaml:"dot-output"`
}

// NewDefault returns a config with default values.
func NewDefault() *Config {
	return &Config{
		Engine:     EngineSequential,
		NumWorkers: runtime.NumCPU(),
		LogLevel:   int(InfoLevel),
	}
}

// Load reads a config from a yaml file and validates it.
func Load(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", filename, err)
	}
	cfg := NewDefault()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", filename, err)
	}
	cfg.sourceFile = filename
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}
	return cfg, nil
}

// Validate checks the config for inconsistent settings and fills defaults
// for zero-valued fields.
func (c *Config) Validate() error {
	if c.Engine == "" {
		c.Engine = EngineSequential
	}
	if !funcutil.Contains([]string{EngineSequential, EngineParallel, EngineBoth}, c.Engine) {
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num-workers must be non-negative, got %d", c.NumWorkers)
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = runtime.NumCPU()
	}
	if c.LogLevel == 0 {
		c.LogLevel = int(InfoLevel)
	}
	if c.LogLevel < int(ErrLevel) || c.LogLevel > int(TraceLevel) {
		return fmt.Errorf("log-level must be between %d and %d, got %d",
			ErrLevel, TraceLevel, c.LogLevel)
	}
	return nil
}

// SourceFile returns the file the config was loaded from, if any.
func (c *Config) SourceFile() string { return c.sourceFile }
