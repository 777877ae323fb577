// Package record validates flat string-valued records against named schemas.
//
// A schema declares required keys and optional keys, and may extend a parent
// schema. Keys accumulate from the root of the chain down, so a derived schema
// always reports its parent's keys first.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// OptionalKey describes a key that may be omitted from a record.
type OptionalKey struct {
	Name        string
	Description string
}

type Schema struct {
	name     string
	parent   *Schema
	required []string
	optional []OptionalKey
}

// NewSchema builds a schema extending parent (which may be nil). It panics
// when a key is declared twice anywhere in the chain; schemas are meant to be
// package-level values.
func NewSchema(name string, parent *Schema, required []string, optional ...OptionalKey) *Schema {
	s := &Schema{
		name:     name,
		parent:   parent,
		required: append([]string(nil), required...),
		optional: append([]OptionalKey(nil), optional...),
	}

	seen := map[string]struct{}{}
	for _, key := range s.RequiredKeys() {
		if _, dup := seen[key]; dup {
			panic(fmt.Sprintf("record: schema %s declares %q more than once", name, key))
		}
		seen[key] = struct{}{}
	}
	for _, key := range s.OptionalKeys() {
		if _, dup := seen[key.Name]; dup {
			panic(fmt.Sprintf("record: schema %s declares %q more than once", name, key.Name))
		}
		seen[key.Name] = struct{}{}
	}

	return s
}

func (s *Schema) Name() string {
	return s.name
}

func (s *Schema) Parent() *Schema {
	return s.parent
}

// RequiredKeys returns every required key of the chain, root first.
func (s *Schema) RequiredKeys() []string {
	if s == nil {
		return nil
	}
	keys := s.parent.RequiredKeys()
	return append(keys, s.required...)
}

// OptionalKeys returns every optional key of the chain, root first.
func (s *Schema) OptionalKeys() []OptionalKey {
	if s == nil {
		return nil
	}
	keys := s.parent.OptionalKeys()
	return append(keys, s.optional...)
}

func (s *Schema) OptionalKeyNames() []string {
	optional := s.OptionalKeys()
	names := make([]string, 0, len(optional))
	for _, key := range optional {
		names = append(names, key.Name)
	}
	return names
}

// Is reports whether s is other or extends it.
func (s *Schema) Is(other *Schema) bool {
	for current := s; current != nil; current = current.parent {
		if current == other {
			return true
		}
	}
	return false
}

func (s *Schema) allows(key string) bool {
	for _, name := range s.RequiredKeys() {
		if name == key {
			return true
		}
	}
	for _, opt := range s.OptionalKeys() {
		if opt.Name == key {
			return true
		}
	}
	return false
}

// New validates fields and returns an immutable record. Unexpected keys are
// checked before missing ones, and all violations are reported together.
func (s *Schema) New(fields map[string]string) (Record, error) {
	var violations []Violation

	for _, key := range sortedKeys(fields) {
		if !s.allows(key) {
			violations = append(violations, Violation{Key: key, Reason: ReasonUnexpected})
		}
	}
	for _, key := range s.RequiredKeys() {
		if _, ok := fields[key]; !ok {
			violations = append(violations, Violation{Key: key, Reason: ReasonMissing})
		}
	}

	if len(violations) > 0 {
		return Record{}, &ViolationError{Schema: s.name, Violations: violations}
	}

	copied := make(map[string]string, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return Record{schema: s, fields: copied}, nil
}

// Decode builds a record from a JSON object. Non-string scalars are
// stringified, null values are left unset, and nested objects and arrays
// are rejected.
func (s *Schema) Decode(data []byte) (Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", s.name, err)
	}
	if raw == nil {
		return Record{}, fmt.Errorf("decode %s: expected a JSON object", s.name)
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		text, err := scalarString(value)
		if err != nil {
			return Record{}, fmt.Errorf("decode %s: key %q: %w", s.name, key, err)
		}
		fields[key] = text
	}

	return s.New(fields)
}

func scalarString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", value)
	}
}
