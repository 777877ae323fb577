package record

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	baseSchema  = NewSchema("base", nil, []string{"type", "name"})
	childSchema = NewSchema("child", baseSchema, []string{"url"}, OptionalKey{Name: "token", Description: "API token"})
	leafSchema  = NewSchema("leaf", childSchema, []string{"db"}, OptionalKey{Name: "timeout"})
)

func TestSchemaKeysAccumulateRootFirst(t *testing.T) {
	t.Parallel()

	if diff := cmp.Diff([]string{"type", "name", "url", "db"}, leafSchema.RequiredKeys()); diff != "" {
		t.Fatalf("RequiredKeys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"token", "timeout"}, leafSchema.OptionalKeyNames()); diff != "" {
		t.Fatalf("OptionalKeyNames mismatch (-want +got):\n%s", diff)
	}
	if got := leafSchema.OptionalKeys()[0].Description; got != "API token" {
		t.Fatalf("description = %q, want %q", got, "API token")
	}
}

func TestNewSchemaPanicsOnOverlap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		required []string
		optional []OptionalKey
	}{
		{name: "required in parent", required: []string{"name"}},
		{name: "optional shadows required", optional: []OptionalKey{{Name: "url"}}},
		{name: "optional shadows optional", optional: []OptionalKey{{Name: "token"}}},
		{name: "duplicate within schema", required: []string{"x", "x"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			NewSchema("bad", childSchema, tt.required, tt.optional...)
		})
	}
}

func TestSchemaIs(t *testing.T) {
	t.Parallel()

	if !leafSchema.Is(baseSchema) {
		t.Fatalf("leaf should extend base")
	}
	if baseSchema.Is(leafSchema) {
		t.Fatalf("base should not extend leaf")
	}
}

func TestNewValidRecord(t *testing.T) {
	t.Parallel()

	rec, err := childSchema.New(map[string]string{"type": "graphite", "name": "g", "url": "http://x"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v, ok := rec.Get("url"); !ok || v != "http://x" {
		t.Fatalf("url = %q,%v, want http://x,true", v, ok)
	}
	if _, ok := rec.Get("token"); ok {
		t.Fatalf("token should be unset")
	}
	if rec.Value("token") != "" {
		t.Fatalf("Value(token) = %q, want empty", rec.Value("token"))
	}
}

func TestNewReportsViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		fields     map[string]string
		unexpected []string
		missing    []string
	}{
		{
			name:    "missing required",
			fields:  map[string]string{"type": "graphite", "name": "g"},
			missing: []string{"url"},
		},
		{
			name:       "unexpected key",
			fields:     map[string]string{"type": "graphite", "name": "g", "url": "u", "bogus": "1"},
			unexpected: []string{"bogus"},
		},
		{
			name:       "both",
			fields:     map[string]string{"zeta": "1", "alpha": "2"},
			unexpected: []string{"alpha", "zeta"},
			missing:    []string{"type", "name", "url"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := childSchema.New(tt.fields)
			if !errors.Is(err, ErrSchemaViolation) {
				t.Fatalf("err = %v, want ErrSchemaViolation", err)
			}
			var verr *ViolationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ViolationError, got %T", err)
			}
			if diff := cmp.Diff(tt.unexpected, verr.Keys(ReasonUnexpected)); diff != "" {
				t.Fatalf("unexpected keys mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.missing, verr.Keys(ReasonMissing)); diff != "" {
				t.Fatalf("missing keys mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecordIsImmutable(t *testing.T) {
	t.Parallel()

	fields := map[string]string{"type": "graphite", "name": "g", "url": "u"}
	rec, err := childSchema.New(fields)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fields["url"] = "changed"
	rec.Fields()["url"] = "changed"

	if rec.Value("url") != "u" {
		t.Fatalf("url = %q, want u", rec.Value("url"))
	}
}

func TestRecordEqual(t *testing.T) {
	t.Parallel()

	a, _ := baseSchema.New(map[string]string{"type": "cw", "name": "a"})
	b, _ := baseSchema.New(map[string]string{"type": "cw", "name": "a"})
	c, _ := baseSchema.New(map[string]string{"type": "cw", "name": "c"})
	other := NewSchema("other", nil, []string{"type", "name"})
	d, _ := other.New(map[string]string{"type": "cw", "name": "a"})

	if !a.Equal(b) {
		t.Fatalf("a should equal b")
	}
	if a.Equal(c) {
		t.Fatalf("a should not equal c")
	}
	if a.Equal(d) {
		t.Fatalf("records of different schemas should not be equal")
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	rec, err := leafSchema.New(map[string]string{"type": "trifle", "name": "t", "url": "u", "db": "stats.db", "timeout": "5s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := leafSchema.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.Equal(rec) {
		t.Fatalf("decoded = %v, want %v", decoded.Fields(), rec.Fields())
	}
}

func TestDecodeStringifiesScalars(t *testing.T) {
	t.Parallel()

	rec, err := leafSchema.Decode([]byte(`{"type":"t","name":"n","url":"u","db":7,"timeout":true}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.Value("db") != "7" || rec.Value("timeout") != "true" {
		t.Fatalf("fields = %v", rec.Fields())
	}

	rec, err = leafSchema.Decode([]byte(`{"type":"t","name":"n","url":"u","db":"d","timeout":null}`))
	if err != nil {
		t.Fatalf("Decode with null: %v", err)
	}
	if _, ok := rec.Get("timeout"); ok {
		t.Fatalf("null value read as set: %v", rec.Fields())
	}

	if _, err := leafSchema.Decode([]byte(`{"type":"t","name":"n","url":"u","db":null}`)); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("null required key err = %v, want ErrSchemaViolation", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "not json", input: `type=x`},
		{name: "array", input: `["type"]`},
		{name: "null", input: `null`},
		{name: "nested", input: `{"type":"t","name":"n","url":{"a":1}}`},
		{name: "missing", input: `{"type":"t"}`, want: ErrSchemaViolation},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := childSchema.Decode([]byte(tt.input))
			if err == nil {
				t.Fatalf("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
