package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/output"
	"github.com/trifle-io/gramola/internal/record"
)

// echoName is the datasource name given to configs printed by
// datasource-echo-<type>.
const echoName = "stdout"

var secretKeys = []string{"password", "token"}

// fieldFlags binds one string flag per optional key. Keys use snake_case,
// flags use kebab-case.
type fieldFlags map[string]*string

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func addFieldFlags(cmd *cobra.Command, keys []record.OptionalKey) fieldFlags {
	flags := fieldFlags{}
	for _, key := range keys {
		flags[key.Name] = cmd.Flags().String(flagName(key.Name), "", key.Description)
	}
	return flags
}

// collect copies the flags the user actually set into fields.
func (f fieldFlags) collect(cmd *cobra.Command, fields map[string]string) {
	for key, value := range f {
		if cmd.Flags().Changed(flagName(key)) {
			fields[key] = *value
		}
	}
}

// configArgs lists the required config keys taken as positional arguments.
func configArgs(v datasource.Variant) []string {
	var keys []string
	for _, key := range v.ConfigSchema.RequiredKeys() {
		if key == "type" || key == "name" {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func argsUsage(keys []string) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = strings.ToUpper(key)
	}
	return strings.Join(parts, " ")
}

func (a *app) openDatasource(name string) (datasource.Datasource, record.Record, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, record.Record{}, err
	}
	config, err := s.Datasource(name)
	if err != nil {
		return nil, record.Record{}, err
	}
	v, err := a.registry.Find(config.Value("type"))
	if err != nil {
		return nil, record.Record{}, err
	}
	ds, err := v.FromConfig(config, a.logger)
	if err != nil {
		return nil, record.Record{}, err
	}
	return ds, config, nil
}

func closeDatasource(ds datasource.Datasource) {
	if closer, ok := ds.(io.Closer); ok {
		_ = closer.Close()
	}
}

func writeConfig(w io.Writer, config record.Record) error {
	encoded, err := config.Encode()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", encoded)
	return err
}

func newTypesCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List the datasource types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := output.ValidateFormat(format, output.FormatTable, output.FormatJSON, output.FormatCSV); err != nil {
				return err
			}

			table := output.Table{Columns: []string{"type", "description", "config", "query"}}
			payload := make([]map[string]any, 0)
			for _, v := range a.registry.All() {
				table.Rows = append(table.Rows, []string{
					v.Type,
					v.Description,
					strings.Join(configArgs(v), " "),
					strings.Join(v.QuerySchema.RequiredKeys(), " "),
				})
				payload = append(payload, map[string]any{
					"type":            v.Type,
					"description":     v.Description,
					"config_required": configArgs(v),
					"config_optional": v.ConfigSchema.OptionalKeyNames(),
					"query_required":  v.QuerySchema.RequiredKeys(),
					"query_optional":  v.QuerySchema.OptionalKeyNames(),
				})
			}
			return output.Print(cmd.OutOrStdout(), format, table, payload)
		},
	}
	cmd.Flags().StringVar(&format, "format", output.FormatTable, "Output format: table|json|csv")
	return cmd
}

func newDatasourceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "datasource NAME",
		Short: "Print a saved datasource config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			config, err := s.Datasource(args[0])
			if err != nil {
				return err
			}
			return output.PrintJSON(cmd.OutOrStdout(), config.Fields())
		},
	}
}

func newDatasourceListCommand(a *app) *cobra.Command {
	var typ, format string
	cmd := &cobra.Command{
		Use:   "datasource-list",
		Short: "List saved datasources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := output.ValidateFormat(format, output.FormatTable, output.FormatJSON, output.FormatCSV); err != nil {
				return err
			}
			if typ != "" {
				v, err := a.registry.Find(typ)
				if err != nil {
					return err
				}
				typ = v.Type
			}

			s, err := a.openStore()
			if err != nil {
				return err
			}
			configs, err := s.Datasources("", typ)
			if err != nil {
				return err
			}

			table := output.Table{Columns: []string{"name", "type", "settings"}}
			payload := make([]map[string]string, 0, len(configs))
			for _, config := range configs {
				fields := maskSecrets(config.Fields())
				table.Rows = append(table.Rows, []string{fields["name"], fields["type"], settingsSummary(fields)})
				payload = append(payload, fields)
			}
			return output.Print(cmd.OutOrStdout(), format, table, payload)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Only list datasources of this type")
	cmd.Flags().StringVar(&format, "format", output.FormatTable, "Output format: table|json|csv")
	return cmd
}

func maskSecrets(fields map[string]string) map[string]string {
	for key, value := range fields {
		if value != "" && slices.Contains(secretKeys, key) {
			fields[key] = "***"
		}
	}
	return fields
}

func settingsSummary(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if key == "name" || key == "type" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+fields[key])
	}
	return strings.Join(parts, " ")
}

func newDatasourceTestCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "datasource-test NAME",
		Short: "Check connectivity of a saved datasource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, _, err := a.openDatasource(args[0])
			if err != nil {
				return err
			}
			defer closeDatasource(ds)

			if err := testDatasource(cmd.Context(), ds, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "datasource %s: ok\n", args[0])
			return nil
		},
	}
}

var errTestFailed = errors.New("connectivity test failed")

func testDatasource(ctx context.Context, ds datasource.Datasource, name string) error {
	ok, err := ds.Test(ctx)
	if err != nil {
		return fmt.Errorf("datasource %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("datasource %s: %w", name, errTestFailed)
	}
	return nil
}

func newDatasourceRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "datasource-rm NAME",
		Short: "Remove a saved datasource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			if err := s.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "datasource %s removed\n", args[0])
			return nil
		},
	}
}

type setupper interface {
	Setup(ctx context.Context) error
}

func newDatasourceSetupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "datasource-setup NAME",
		Short: "Create the tables or indexes a saved trifle datasource reads from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, config, err := a.openDatasource(args[0])
			if err != nil {
				return err
			}
			defer closeDatasource(ds)

			s, ok := ds.(setupper)
			if !ok {
				return fmt.Errorf("datasource %s: type %s needs no setup", args[0], config.Value("type"))
			}
			if err := s.Setup(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "datasource %s set up\n", args[0])
			return nil
		},
	}
}

func newDatasourceAddCommand(a *app, v datasource.Variant) *cobra.Command {
	positional := configArgs(v)
	var dryRun, noTest bool
	var fields fieldFlags

	cmd := &cobra.Command{
		Use:   strings.TrimSpace("datasource-add-" + v.Type + " NAME " + argsUsage(positional)),
		Short: "Save a " + v.Description + " datasource",
		Args:  cobra.ExactArgs(1 + len(positional)),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]string{"name": args[0]}
			for i, key := range positional {
				values[key] = args[i+1]
			}
			fields.collect(cmd, values)

			config, err := v.NewConfig(values)
			if err != nil {
				return err
			}
			if dryRun {
				return writeConfig(cmd.OutOrStdout(), config)
			}

			s, err := a.openStore()
			if err != nil {
				return err
			}
			if !noTest {
				ds, err := v.FromConfig(config, a.logger)
				if err != nil {
					return err
				}
				err = testDatasource(cmd.Context(), ds, args[0])
				closeDatasource(ds)
				if err != nil {
					return fmt.Errorf("%w (use --no-test to save it anyway)", err)
				}
			}
			if err := s.Add(config); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "datasource %s saved\n", args[0])
			return nil
		},
	}
	fields = addFieldFlags(cmd, v.ConfigSchema.OptionalKeys())
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the config instead of saving it")
	cmd.Flags().BoolVar(&noTest, "no-test", false, "Save without testing connectivity")
	return cmd
}

func newDatasourceEchoCommand(v datasource.Variant) *cobra.Command {
	positional := configArgs(v)
	var fields fieldFlags

	cmd := &cobra.Command{
		Use:   strings.TrimSpace("datasource-echo-" + v.Type + " " + argsUsage(positional)),
		Short: "Print a " + v.Description + " config, for use with query-" + v.Type + " -",
		Args:  cobra.ExactArgs(len(positional)),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]string{"name": echoName}
			for i, key := range positional {
				values[key] = args[i]
			}
			fields.collect(cmd, values)

			config, err := v.NewConfig(values)
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), config)
		},
	}
	fields = addFieldFlags(cmd, v.ConfigSchema.OptionalKeys())
	return cmd
}
