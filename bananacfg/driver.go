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

package bananacfg

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/foolscap-go/banana/banana"
)

// NewDriver builds a banana.Driver wired according to c: the
// initial vocabulary table (if any), the safe/unsafe open registry
// choice, the prefix limit and max nesting depth, and optional
// vocab-suggestion promotion.
func (c *Config) NewDriver(transport banana.Transport, onReceive func(any)) (*banana.Driver, error) {
	outgoing := banana.NewVocab()
	incoming := banana.NewVocab()
	if c.InitialVocabTable >= 0 {
		table, ok := banana.InitialVocabTables[c.InitialVocabTable]
		if !ok {
			return nil, fmt.Errorf("bananacfg: no initial vocab table with index %d", c.InitialVocabTable)
		}
		outgoing.Set(table)
		incoming.Set(table)
	}

	openers := banana.NewSafeOpenRegistry()
	if c.UnsafeMode {
		openers = banana.DefaultOpenRegistry()
	}

	d := banana.NewDriver(transport, outgoing, incoming, openers, onReceive)
	if c.PrefixLimit > 0 {
		d.Encoder().PrefixLimit = c.PrefixLimit
		d.Decoder().PrefixLimit = c.PrefixLimit
	}
	d.Decoder().MaxDepth = c.MaxDepth
	if c.VocabSuggestThreshold > 0 {
		d.EnableVocabSuggestions(c.VocabSuggestThreshold)
	}
	return d, nil
}

// ConfigureLogging applies l to the standard logrus logger, so
// every banana.Driver created afterward (which logs through
// logrus's package-level logger by default) picks up the level and
// formatter the configuration requested.
func ConfigureLogging(l Log) error {
	level := logrus.InfoLevel
	if l.Level != "" {
		parsed, err := logrus.ParseLevel(l.Level)
		if err != nil {
			return fmt.Errorf("bananacfg: %w", err)
		}
		level = parsed
	}
	logrus.SetLevel(level)

	switch l.Formatter {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("bananacfg: unknown log formatter %q", l.Formatter)
	}
	return nil
}
