package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

var ErrSchemaViolation = errors.New("schema violation")

const (
	ReasonUnexpected = "unexpected"
	ReasonMissing    = "missing"
)

type Violation struct {
	Key    string
	Reason string
}

// ViolationError lists every key that made a record invalid.
type ViolationError struct {
	Schema     string
	Violations []Violation
}

func (e *ViolationError) Error() string {
	var unexpected, missing []string
	for _, v := range e.Violations {
		switch v.Reason {
		case ReasonUnexpected:
			unexpected = append(unexpected, v.Key)
		case ReasonMissing:
			missing = append(missing, v.Key)
		}
	}

	parts := make([]string, 0, 2)
	if len(unexpected) > 0 {
		parts = append(parts, "unexpected keys: "+strings.Join(unexpected, ", "))
	}
	if len(missing) > 0 {
		parts = append(parts, "missing keys: "+strings.Join(missing, ", "))
	}
	return fmt.Sprintf("invalid %s: %s", e.Schema, strings.Join(parts, "; "))
}

func (e *ViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Keys returns the offending keys with the given reason.
func (e *ViolationError) Keys(reason string) []string {
	var keys []string
	for _, v := range e.Violations {
		if v.Reason == reason {
			keys = append(keys, v.Key)
		}
	}
	return keys
}

// Record is an immutable set of fields validated against a Schema.
type Record struct {
	schema *Schema
	fields map[string]string
}

func (r Record) Schema() *Schema {
	return r.schema
}

// Get returns the value of key and whether it was set.
func (r Record) Get(key string) (string, bool) {
	value, ok := r.fields[key]
	return value, ok
}

// Value returns the value of key, or "" when unset.
func (r Record) Value(key string) string {
	return r.fields[key]
}

func (r Record) Fields() map[string]string {
	return maps.Clone(r.fields)
}

func (r Record) IsZero() bool {
	return r.schema == nil
}

func (r Record) Equal(other Record) bool {
	return r.schema == other.schema && maps.Equal(r.fields, other.fields)
}

// Encode serializes the record as a JSON object with sorted keys.
func (r Record) Encode() ([]byte, error) {
	if r.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.fields)
}

func sortedKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
