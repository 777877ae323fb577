package datasource

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/trifle-io/gramola/internal/record"
)

// Opener builds a datasource from a validated config record.
type Opener func(config record.Record, logger *slog.Logger) (Datasource, error)

// Variant describes one backend type: its tag, schemas and constructor.
type Variant struct {
	Type         string
	Description  string
	ConfigSchema *record.Schema
	QuerySchema  *record.Schema
	Open         Opener
}

// NewConfig validates fields as a config of this variant. The type key is
// filled in when absent.
func (v Variant) NewConfig(fields map[string]string) (record.Record, error) {
	copied := make(map[string]string, len(fields)+1)
	for key, value := range fields {
		copied[key] = value
	}
	if typ, ok := copied["type"]; !ok {
		copied["type"] = v.Type
	} else if !strings.EqualFold(typ, v.Type) {
		return record.Record{}, InvalidConfigf("type %q does not match %q", typ, v.Type)
	}

	rec, err := v.ConfigSchema.New(copied)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return rec, nil
}

// DecodeConfig reads a serialized config of this variant.
func (v Variant) DecodeConfig(data []byte) (record.Record, error) {
	rec, err := v.ConfigSchema.Decode(data)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !strings.EqualFold(rec.Value("type"), v.Type) {
		return record.Record{}, InvalidConfigf("type %q does not match %q", rec.Value("type"), v.Type)
	}
	return rec, nil
}

func (v Variant) NewQuery(fields map[string]string) (record.Record, error) {
	rec, err := v.QuerySchema.New(fields)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return rec, nil
}

// FromConfig opens a datasource after checking config belongs to v.
func (v Variant) FromConfig(config record.Record, logger *slog.Logger) (Datasource, error) {
	if config.IsZero() || !config.Schema().Is(v.ConfigSchema) {
		return nil, InvalidConfigf("config is not a %s config", v.Type)
	}
	if !strings.EqualFold(config.Value("type"), v.Type) {
		return nil, InvalidConfigf("type %q does not match %q", config.Value("type"), v.Type)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return v.Open(config, logger.With("datasource", config.Value("name"), "type", v.Type))
}

// Registry holds the known variants. Tags are case-insensitive.
type Registry struct {
	mu       sync.RWMutex
	variants map[string]Variant
	order    []string
}

func NewRegistry(variants ...Variant) (*Registry, error) {
	r := &Registry{variants: make(map[string]Variant)}
	for _, v := range variants {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(v Variant) error {
	if strings.TrimSpace(v.Type) == "" {
		return fmt.Errorf("registry: variant type required")
	}
	if v.ConfigSchema == nil || v.QuerySchema == nil || v.Open == nil {
		return fmt.Errorf("registry: variant %s is incomplete", v.Type)
	}
	if !v.ConfigSchema.Is(ConfigSchema) {
		return fmt.Errorf("registry: variant %s config schema must extend %s", v.Type, ConfigSchema.Name())
	}
	if !v.QuerySchema.Is(QuerySchema) {
		return fmt.Errorf("registry: variant %s query schema must extend %s", v.Type, QuerySchema.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalize(v.Type)
	if _, exists := r.variants[key]; exists {
		return fmt.Errorf("registry: variant %s already registered", v.Type)
	}
	r.variants[key] = v
	r.order = append(r.order, key)
	return nil
}

func (r *Registry) Find(tag string) (Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.variants[normalize(tag)]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %s", ErrUnknownVariant, tag)
	}
	return v, nil
}

// All returns the variants in registration order.
func (r *Registry) All() []Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Variant, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.variants[key])
	}
	return out
}

// ConfigSchema returns the config schema registered for tag.
func (r *Registry) ConfigSchema(tag string) (*record.Schema, error) {
	v, err := r.Find(tag)
	if err != nil {
		return nil, err
	}
	return v.ConfigSchema, nil
}

// Open finds the variant named by config's type and opens it.
func (r *Registry) Open(config record.Record, logger *slog.Logger) (Datasource, error) {
	v, err := r.Find(config.Value("type"))
	if err != nil {
		return nil, err
	}
	return v.FromConfig(config, logger)
}

func normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
