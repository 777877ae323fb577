package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/datasource/graphite"
	"github.com/trifle-io/gramola/internal/store"
)

type testEnv struct {
	t        *testing.T
	storeDir string
	config   string
}

// newTestEnv isolates the commands from the caller's environment. It uses
// t.Setenv, so callers cannot run in parallel.
func newTestEnv(t *testing.T, config string) *testEnv {
	t.Helper()
	for _, key := range []string{"GRAMOLA_CONFIG", "GRAMOLA_STORE", "GRAMOLA_ROWS", "COLUMNS"} {
		t.Setenv(key, "")
	}
	return &testEnv{t: t, storeDir: t.TempDir(), config: writeConfigFile(t, config)}
}

func (e *testEnv) run(stdin string, args ...string) (string, error) {
	e.t.Helper()
	registry, err := newRegistry()
	if err != nil {
		e.t.Fatalf("newRegistry: %v", err)
	}

	root := newRootCommand(registry)
	var out, stderr bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", e.config, "--store", e.storeDir}, args...))
	err = root.Execute()
	return out.String(), err
}

func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run("", args...)
	if err != nil {
		e.t.Fatalf("gramola %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func newGraphiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics/find":
			_, _ = w.Write([]byte(`[{"text":"cpu","id":"servers.cpu"},{"text":"mem","id":"servers.mem"}]`))
		case "/render":
			if got := r.URL.Query().Get("target"); got != "servers.cpu" {
				t.Errorf("target = %q, want servers.cpu", got)
			}
			_, _ = w.Write([]byte(`[{"target":"servers.cpu","datapoints":[[10,1451646000],[20,1451646060],[null,1451646120]]}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTypesCommand(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun("types")
	for _, typ := range []string{graphite.Type, "cw", "prometheus", "trifle"} {
		if !strings.Contains(out, typ) {
			t.Fatalf("types output missing %s:\n%s", typ, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	env := newTestEnv(t, "")

	if out := env.mustRun("version"); strings.TrimSpace(out) != resolveVersion() {
		t.Fatalf("version = %q, want %q", out, resolveVersion())
	}
}

func TestDatasourceEcho(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun("datasource-echo-graphite", "http://graphite:8080", "--token", "abc")
	config, err := graphite.Variant().DecodeConfig([]byte(out))
	if err != nil {
		t.Fatalf("echo output does not decode: %v\n%s", err, out)
	}
	want := map[string]string{"type": "graphite", "name": "stdout", "url": "http://graphite:8080", "token": "abc"}
	if diff := cmp.Diff(want, config.Fields()); diff != "" {
		t.Fatalf("echo config mismatch (-want +got):\n%s", diff)
	}
}

func TestDatasourceLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	server := newGraphiteServer(t)

	if out := env.mustRun("datasource-add-graphite", "web", server.URL, "--token", "secret"); !strings.Contains(out, "datasource web saved") {
		t.Fatalf("add output = %q", out)
	}
	if _, err := env.run("", "datasource-add-graphite", "web", server.URL); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate add err = %v, want ErrDuplicate", err)
	}

	out := env.mustRun("datasource-list", "--format", "csv")
	want := "name,type,settings\nweb,graphite,token=*** url=" + server.URL + "\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}

	if out := env.mustRun("datasource", "web"); !strings.Contains(out, `"token": "secret"`) {
		t.Fatalf("datasource output = %q", out)
	}
	if out := env.mustRun("datasource-test", "web"); out != "datasource web: ok\n" {
		t.Fatalf("test output = %q", out)
	}

	env.mustRun("datasource-rm", "web")
	if _, err := env.run("", "datasource-rm", "web"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second rm err = %v, want ErrNotFound", err)
	}
	if _, err := env.run("", "datasource", "web"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("datasource after rm err = %v, want ErrNotFound", err)
	}
}

func TestDatasourceAddTestsFirst(t *testing.T) {
	env := newTestEnv(t, "")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := env.run("", "datasource-add-graphite", "web", server.URL)
	if !errors.Is(err, errTestFailed) {
		t.Fatalf("add err = %v, want errTestFailed", err)
	}
	if out := env.mustRun("datasource-list", "--format", "json"); strings.TrimSpace(out) != "[]" {
		t.Fatalf("failed add saved a datasource: %s", out)
	}

	env.mustRun("datasource-add-graphite", "web", server.URL, "--no-test")
	if _, err := env.run("", "datasource-test", "web"); !errors.Is(err, errTestFailed) {
		t.Fatalf("datasource-test err = %v, want errTestFailed", err)
	}
}

func TestDatasourceAddDryRun(t *testing.T) {
	env := newTestEnv(t, "")

	out := env.mustRun("datasource-add-cw", "aws", "--region", "eu-west-1", "--dry-run")
	if !strings.Contains(out, `"region":"eu-west-1"`) {
		t.Fatalf("dry run output = %q", out)
	}
	if out := env.mustRun("datasource-list"); strings.Contains(out, "aws") {
		t.Fatalf("dry run saved the datasource:\n%s", out)
	}
}

func TestDatasourceListFilters(t *testing.T) {
	env := newTestEnv(t, "")

	env.mustRun("datasource-add-cw", "aws", "--region", "eu-west-1", "--no-test")
	env.mustRun("datasource-add-graphite", "web", "http://graphite:8080", "--no-test")

	out := env.mustRun("datasource-list", "--type", "CW", "--format", "csv")
	if out != "name,type,settings\naws,cw,region=eu-west-1\n" {
		t.Fatalf("filtered list = %q", out)
	}
	if _, err := env.run("", "datasource-list", "--type", "influx"); !errors.Is(err, datasource.ErrUnknownVariant) {
		t.Fatalf("unknown type err = %v, want ErrUnknownVariant", err)
	}
	if _, err := env.run("", "datasource-list", "--format", "yaml"); err == nil {
		t.Fatalf("unknown format succeeded")
	}
}

func TestQueryPlotsSavedDatasource(t *testing.T) {
	env := newTestEnv(t, "rows: 2\ncolumns: 20\n")
	server := newGraphiteServer(t)
	env.mustRun("datasource-add-graphite", "web", server.URL)

	out := env.mustRun("query-graphite", "web", "servers.cpu", "--since", "-1h")
	want := " *\n**\n" + strings.Repeat("-", 20) + "\nmin=10, max=20, last=20\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("plot mismatch (-want +got):\n%s", diff)
	}

	out = env.mustRun("query-graphite", "web", "servers.cpu", "--rows", "4", "--max-value", "40", "--zero-floor")
	if !strings.HasSuffix(out, "min=0, max=20, last=20\n") || strings.Count(out, "\n") != 6 {
		t.Fatalf("plot with options = %q", out)
	}
}

func TestQueryFromStdin(t *testing.T) {
	env := newTestEnv(t, "")
	server := newGraphiteServer(t)

	config := env.mustRun("datasource-echo-graphite", server.URL)
	out, err := env.run(config, "query-graphite", "-", "servers.cpu", "--format", "csv")
	if err != nil {
		t.Fatalf("query from stdin: %v", err)
	}
	want := "at,value\n2016-01-01T11:00:00Z,10\n2016-01-01T11:01:00Z,20\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("csv mismatch (-want +got):\n%s", diff)
	}

	if _, err := env.run(`{"type":"graphite"}`, "query-graphite", "-", "servers.cpu"); !errors.Is(err, datasource.ErrInvalidConfig) {
		t.Fatalf("incomplete stdin config err = %v, want ErrInvalidConfig", err)
	}
}

func TestQueryErrors(t *testing.T) {
	env := newTestEnv(t, "")
	env.mustRun("datasource-add-cw", "aws", "--region", "eu-west-1", "--no-test")

	if _, err := env.run("", "query-graphite", "ghost", "servers.cpu"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown datasource err = %v, want ErrNotFound", err)
	}
	if _, err := env.run("", "query-graphite", "aws", "servers.cpu"); !errors.Is(err, datasource.ErrInvalidConfig) {
		t.Fatalf("type mismatch err = %v, want ErrInvalidConfig", err)
	}
	if _, err := env.run("", "query-cw", "aws", "CPUUtilization", "AWS/EC2", "InstanceId", "i-1", "--statistics", "Median"); !errors.Is(err, datasource.ErrInvalidQuery) {
		t.Fatalf("bad statistic err = %v, want ErrInvalidQuery", err)
	}
	if _, err := env.run("", "query-graphite", "aws", "servers.cpu", "--format", "svg"); err == nil {
		t.Fatalf("unknown format succeeded")
	}
}

func TestSuggestCommand(t *testing.T) {
	env := newTestEnv(t, "")
	server := newGraphiteServer(t)
	env.mustRun("datasource-add-graphite", "web", server.URL, "--no-test")

	if out := env.mustRun("suggest", "web", "metric", "servers."); out != "cpu\nmem\n" {
		t.Fatalf("suggest output = %q", out)
	}
	if out := env.mustRun("suggest", "web", "since"); out != "" {
		t.Fatalf("suggest for unsupported field = %q", out)
	}
}

func TestDatasourceSetup(t *testing.T) {
	env := newTestEnv(t, "")
	db := filepath.Join(t.TempDir(), "stats.db")

	env.mustRun("datasource-add-trifle", "stats", "sqlite", "--db", db, "--no-test")
	if out := env.mustRun("datasource-setup", "stats"); out != "datasource stats set up\n" {
		t.Fatalf("setup output = %q", out)
	}
	if out := env.mustRun("datasource-test", "stats"); out != "datasource stats: ok\n" {
		t.Fatalf("test output = %q", out)
	}

	env.mustRun("datasource-add-graphite", "web", "http://graphite:8080", "--no-test")
	if _, err := env.run("", "datasource-setup", "web"); err == nil || !strings.Contains(err.Error(), "needs no setup") {
		t.Fatalf("setup on graphite err = %v", err)
	}
}
