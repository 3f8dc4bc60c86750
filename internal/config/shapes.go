package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/agentworkforce/replica/internal/features"
	"github.com/agentworkforce/replica/internal/shapesync"
	"gopkg.in/yaml.v3"
)

// ShapesFile is the YAML document listing replicated shapes:
//
//	shapes:
//	  - table: documents
//	    where: search_space_id = {{search_space_id}}
//	    columns:
//	      - {name: id, type: integer}
//	      - {name: title, type: text, nullable: true}
//	    primary_key: [id]
//
// Where clauses may use the {{search_space_id}} and {{user_id}}
// placeholders, bound when a user's replica is opened.
type ShapesFile struct {
	Shapes []shapesync.ShapeDefinition `yaml:"shapes"`
}

// ParseShapes parses and validates a shapes document.
func ParseShapes(b []byte) ([]shapesync.ShapeDefinition, error) {
	var dec = yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var doc ShapesFile
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding shapes: %w", err)
	}
	if len(doc.Shapes) == 0 {
		return nil, fmt.Errorf("no shapes defined")
	}
	var seen = make(map[string]bool, len(doc.Shapes))
	for i, def := range doc.Shapes {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("shape %d (%s): %w", i, def.Table, err)
		}
		if seen[def.Key()] {
			return nil, fmt.Errorf("shape %d (%s) is defined twice", i, def.Table)
		}
		seen[def.Key()] = true
	}
	return doc.Shapes, nil
}

// LoadShapes reads the shapes file at path, or returns the built-in feature
// shapes if path is empty.
func LoadShapes(path string) ([]shapesync.ShapeDefinition, error) {
	if path == "" {
		return features.BuiltinShapes(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := ParseShapes(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// UserShapes returns a func binding the configured shapes to each user and
// the configured search space.
func (c *Config) UserShapes() (func(userID string) []shapesync.ShapeDefinition, error) {
	defs, err := LoadShapes(c.ShapesFile)
	if err != nil {
		return nil, err
	}
	var searchSpace = c.SearchSpaceID
	return func(userID string) []shapesync.ShapeDefinition {
		return features.Bind(defs, userID, searchSpace)
	}, nil
}
