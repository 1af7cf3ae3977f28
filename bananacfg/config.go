// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package bananacfg loads the typed configuration a Banana
// connection needs (SPEC_FULL.md §8): the prefix limit, which
// initial vocabulary table to start from, the maximum nesting
// depth a decoder will accept, and whether unsafe (instance) mode
// is enabled. It follows the struct-with-yaml-tags,
// fill-in-defaults-after-unmarshal pattern distribution-distribution
// uses for its own registry configuration, built on
// sigs.k8s.io/yaml. That library converts YAML to JSON and decodes
// it with encoding/json, so the `yaml` struct tags are not read:
// keys are matched to field names case-insensitively.
package bananacfg

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config is a connection's static configuration.
type Config struct {
	// PrefixLimit bounds the number of header bytes preceding any
	// token's type byte (banana.DefaultPrefixLimit if zero).
	PrefixLimit int `yaml:"prefixLimit,omitempty"`

	// MaxDepth bounds how many OPEN frames may be nested without a
	// matching CLOSE before the connection is dropped as a
	// BananaError, guarding against unbounded stack growth from a
	// malicious or buggy peer (0 means unlimited).
	MaxDepth int `yaml:"maxDepth,omitempty"`

	// InitialVocabTable selects one of banana.InitialVocabTables to
	// start both directions from, instead of the empty table.
	// -1 (the default) means start empty.
	InitialVocabTable int `yaml:"initialVocabTable"`

	// UnsafeMode enables unsafe-mode instance frames
	// (banana.DefaultOpenRegistry instead of NewSafeOpenRegistry).
	UnsafeMode bool `yaml:"unsafeMode,omitempty"`

	// VocabSuggestThreshold enables Driver.EnableVocabSuggestions
	// with this threshold when non-zero.
	VocabSuggestThreshold int `yaml:"vocabSuggestThreshold,omitempty"`

	// Log holds the ambient logging configuration shared with the
	// rest of the connection's structured logging.
	Log Log `yaml:"log,omitempty"`
}

// Log configures the logrus-based structured logging Driver uses.
type Log struct {
	// Level is a logrus level name: "debug", "info", "warn",
	// "error", ... Empty means "info".
	Level string `yaml:"level,omitempty"`

	// Formatter selects "text" or "json" output. Empty means
	// "text", matching logrus's own default.
	Formatter string `yaml:"formatter,omitempty"`
}

// defaultConfig seeds every field Parse/Load unmarshal onto, so a
// value left unset by the input YAML keeps its default rather than
// silently becoming Go's zero value. This is the same "start from
// known defaults, then unmarshal on top" idiom
// distribution-distribution's configuration package uses.
var defaultConfig = Config{
	InitialVocabTable: -1,
}

// Parse decodes in as YAML (or JSON, since sigs.k8s.io/yaml maps
// YAML onto JSON before decoding) into a copy of defaultConfig.
func Parse(in []byte) (*Config, error) {
	cfg := defaultConfig
	if err := yaml.Unmarshal(in, &cfg); err != nil {
		return nil, fmt.Errorf("bananacfg: %w", err)
	}
	if cfg.PrefixLimit < 0 {
		return nil, fmt.Errorf("bananacfg: prefixLimit must not be negative")
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("bananacfg: maxDepth must not be negative")
	}
	return &cfg, nil
}

// Load reads path and parses it as a Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bananacfg: %w", err)
	}
	return Parse(data)
}
