// Package store persists datasource configs as a YAML file mapping each
// datasource name to its fields.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trifle-io/gramola/internal/record"
)

const (
	DefaultDir = "~/.gramola"
	FileName   = "datasources.yaml"
)

var (
	ErrDuplicate = errors.New("datasource already exists")
	ErrNotFound  = errors.New("datasource not found")
)

// Decoder rebuilds a config record from its stored fields, name and type
// included.
type Decoder func(fields map[string]string) (record.Record, error)

type Store struct {
	path   string
	decode Decoder
}

// Open returns the store kept in dir. An empty dir means DefaultDir, which is
// created when missing; any other dir must already exist.
func Open(dir string, decode Decoder) (*Store, error) {
	if decode == nil {
		return nil, errors.New("store: nil decoder")
	}

	if strings.TrimSpace(dir) == "" {
		path, err := expandHome(DefaultDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create store %s: %w", path, err)
		}
		return &Store{path: filepath.Join(path, FileName), decode: decode}, nil
	}

	path, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store %s: not a directory", path)
	}
	return &Store{path: filepath.Join(filepath.Clean(path), FileName), decode: decode}, nil
}

func (s *Store) Path() string { return s.path }

// Datasources lists stored configs sorted by name. Empty filters match
// everything.
func (s *Store) Datasources(name, typ string) ([]record.Record, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for n, fields := range entries {
		if name != "" && n != name {
			continue
		}
		if typ != "" && fields["type"] != typ {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]record.Record, 0, len(names))
	for _, n := range names {
		fields := make(map[string]string, len(entries[n])+1)
		for k, v := range entries[n] {
			fields[k] = v
		}
		fields["name"] = n
		r, err := s.decode(fields)
		if err != nil {
			return nil, fmt.Errorf("datasource %q in %s: %w", n, s.path, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) Datasource(name string) (record.Record, error) {
	found, err := s.Datasources(name, "")
	if err != nil {
		return record.Record{}, err
	}
	if len(found) == 0 {
		return record.Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return found[0], nil
}

func (s *Store) Add(config record.Record) error {
	name := strings.TrimSpace(config.Value("name"))
	if name == "" {
		return errors.New("datasource name is required")
	}

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, exists := entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	fields := config.Fields()
	delete(fields, "name")
	entries[name] = fields
	return s.save(entries)
}

func (s *Store) Remove(name string) error {
	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, exists := entries[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(entries, name)
	return s.save(entries)
}

func (s *Store) load() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("read store %s: %w", s.path, err)
	}

	entries := map[string]map[string]string{}
	if strings.TrimSpace(string(data)) == "" {
		return entries, nil
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse store %s: %w", s.path, err)
	}
	for name, fields := range entries {
		if fields == nil {
			entries[name] = map[string]string{}
		}
	}
	return entries, nil
}

// save replaces the store file through a temp file in the same directory.
func (s *Store) save(entries map[string]map[string]string) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	f, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("write store %s: %w", s.path, err)
	}
	tmp := f.Name()

	success := false
	defer func() {
		if !success {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write store %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write store %s: %w", s.path, err)
	}

	success = true
	return nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
	}
	return path, nil
}
