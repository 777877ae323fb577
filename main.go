package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/datasource/cloudwatch"
	"github.com/trifle-io/gramola/internal/datasource/graphite"
	"github.com/trifle-io/gramola/internal/datasource/prometheus"
	"github.com/trifle-io/gramola/internal/datasource/trifle"
	"github.com/trifle-io/gramola/internal/plot"
	"github.com/trifle-io/gramola/internal/record"
	"github.com/trifle-io/gramola/internal/store"
)

var version = "0.1.0-dev"

func resolveVersion() string {
	if version != "0.1.0-dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
		return info.Main.Version
	}
	return version
}

func main() {
	registry, err := newRegistry()
	if err != nil {
		exitError(err)
	}

	cmd, err := newRootCommand(registry).ExecuteC()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.Name(), err)
		os.Exit(1)
	}
}

func newRegistry() (*datasource.Registry, error) {
	return datasource.NewRegistry(
		graphite.Variant(),
		cloudwatch.Variant(),
		prometheus.Variant(),
		trifle.Variant(),
	)
}

type globalOptions struct {
	configPath string
	storeDir   string
	quiet      bool
	verbose    bool
}

// app is the state shared by every command once flags and config are
// resolved.
type app struct {
	registry *datasource.Registry
	opts     globalOptions
	cfg      *appConfig
	logger   *slog.Logger
}

func newRootCommand(registry *datasource.Registry) *cobra.Command {
	a := &app{registry: registry}

	root := &cobra.Command{
		Use:   "gramola",
		Short: "Plot metrics from Graphite, CloudWatch, Prometheus and Trifle in the terminal",
		Long: `gramola queries a metric backend and renders the series as an ASCII bar
chart. Datasources are saved once with datasource-add-<type> and queried by
name with query-<type>.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.opts.configPath, "config", "", "Config file path (YAML, or GRAMOLA_CONFIG)")
	root.PersistentFlags().StringVarP(&a.opts.storeDir, "store", "s", "", "Datasource store directory (or GRAMOLA_STORE / config, default "+store.DefaultDir+")")
	root.PersistentFlags().BoolVarP(&a.opts.quiet, "quiet", "q", false, "Only log errors")
	root.PersistentFlags().BoolVarP(&a.opts.verbose, "verbose", "v", false, "Log debug output")

	root.AddCommand(newVersionCommand())
	root.AddCommand(newTypesCommand(a))
	root.AddCommand(newDatasourceCommand(a))
	root.AddCommand(newDatasourceListCommand(a))
	root.AddCommand(newDatasourceTestCommand(a))
	root.AddCommand(newDatasourceRemoveCommand(a))
	root.AddCommand(newDatasourceSetupCommand(a))
	root.AddCommand(newSuggestCommand(a))
	for _, v := range registry.All() {
		root.AddCommand(newDatasourceAddCommand(a, v))
		root.AddCommand(newDatasourceEchoCommand(v))
		root.AddCommand(newQueryCommand(a, v))
	}
	return root
}

func (a *app) setup(stderr io.Writer) error {
	cfg, _, err := resolveConfig(a.opts.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	switch {
	case a.opts.verbose:
		level = slog.LevelDebug
	case a.opts.quiet:
		level = slog.LevelError
	}
	a.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

func (a *app) openStore() (*store.Store, error) {
	dir := a.opts.storeDir
	if strings.TrimSpace(dir) == "" {
		dir = pickString(os.Getenv("GRAMOLA_STORE"), a.cfg.Store, "")
	}
	return store.Open(dir, a.decodeConfig)
}

// decodeConfig rebuilds a stored config through its variant's schema.
func (a *app) decodeConfig(fields map[string]string) (record.Record, error) {
	v, err := a.registry.Find(fields["type"])
	if err != nil {
		return record.Record{}, err
	}
	return v.NewConfig(fields)
}

func (a *app) rows() (int, error) {
	return pickInt("GRAMOLA_ROWS", os.Getenv("GRAMOLA_ROWS"), a.cfg.Rows, plot.DefaultRows)
}

// plotWidth is COLUMNS, then the config file, then the size of the terminal
// behind out, then plot.DefaultWidth.
func (a *app) plotWidth(out io.Writer) (int, error) {
	detected := plot.DefaultWidth
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			detected = width
		}
	}
	return pickInt("COLUMNS", os.Getenv("COLUMNS"), a.cfg.Columns, detected)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gramola version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveVersion())
		},
	}
}

func exitError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
