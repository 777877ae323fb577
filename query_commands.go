package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/output"
	"github.com/trifle-io/gramola/internal/plot"
	"github.com/trifle-io/gramola/internal/record"
)

const (
	formatPlot = "plot"

	// stdinDatasource reads a serialized config instead of a saved name.
	stdinDatasource = "-"
)

type queryOptions struct {
	rows      int
	maxValue  float64
	maxPoints int
	zeroFloor bool
	format    string
}

func newQueryCommand(a *app, v datasource.Variant) *cobra.Command {
	positional := v.QuerySchema.RequiredKeys()
	var opts queryOptions
	var fields fieldFlags

	cmd := &cobra.Command{
		Use:   strings.TrimSpace("query-" + v.Type + " DATASOURCE|- " + argsUsage(positional)),
		Short: "Query a " + v.Description + " datasource and plot the result",
		Long: `Query a datasource and plot the result. Use - as the datasource to read a
config printed by datasource-echo-` + v.Type + ` from standard input.`,
		Args: cobra.ExactArgs(1 + len(positional)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := output.ValidateFormat(opts.format, formatPlot, output.FormatJSON, output.FormatTable, output.FormatCSV); err != nil {
				return err
			}

			config, err := a.queryConfig(cmd.InOrStdin(), v, args[0])
			if err != nil {
				return err
			}

			values := map[string]string{}
			for i, key := range positional {
				values[key] = args[i+1]
			}
			fields.collect(cmd, values)
			query, err := v.NewQuery(values)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var p *plot.Plot
			maxPoints := opts.maxPoints
			if opts.format == formatPlot {
				p, err = a.newPlot(cmd, out, opts)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("max-points") {
					maxPoints = p.Width()
				}
			}

			ds, err := v.FromConfig(config, a.logger)
			if err != nil {
				return err
			}
			defer closeDatasource(ds)

			a.logger.Debug("fetching", "datasource", config.Value("name"), "metric", query.Value("metric"), "max_points", maxPoints)
			points, err := ds.Fetch(cmd.Context(), query, datasource.FetchOptions{MaxPoints: maxPoints})
			if err != nil {
				return err
			}

			if p == nil {
				return output.Print(out, opts.format, output.PointsTable(points), output.PointsJSON(points))
			}
			if err := p.Draw(points); err != nil {
				return err
			}
			_, err = fmt.Fprintln(out)
			return err
		},
	}
	fields = addFieldFlags(cmd, v.QuerySchema.OptionalKeys())
	cmd.Flags().IntVar(&opts.rows, "rows", plot.DefaultRows, "Plot height (or GRAMOLA_ROWS / config)")
	cmd.Flags().Float64Var(&opts.maxValue, "max-value", 0, "Scale against this value instead of the largest point")
	cmd.Flags().IntVar(&opts.maxPoints, "max-points", 0, "Cap on returned points (default: plot width)")
	cmd.Flags().BoolVar(&opts.zeroFloor, "zero-floor", false, "Report min as at most 0 in the summary")
	cmd.Flags().StringVar(&opts.format, "format", formatPlot, "Output format: plot|json|table|csv")
	return cmd
}

// queryConfig loads the saved datasource name, or decodes a config from in
// when name is "-". The config must be of variant v.
func (a *app) queryConfig(in io.Reader, v datasource.Variant, name string) (record.Record, error) {
	if name == stdinDatasource {
		data, err := io.ReadAll(in)
		if err != nil {
			return record.Record{}, fmt.Errorf("read config from stdin: %w", err)
		}
		return v.DecodeConfig(data)
	}

	s, err := a.openStore()
	if err != nil {
		return record.Record{}, err
	}
	config, err := s.Datasource(name)
	if err != nil {
		return record.Record{}, err
	}
	if !strings.EqualFold(config.Value("type"), v.Type) {
		return record.Record{}, datasource.InvalidConfigf("datasource %s is of type %s, use query-%s", name, config.Value("type"), config.Value("type"))
	}
	return config, nil
}

func (a *app) newPlot(cmd *cobra.Command, out io.Writer, opts queryOptions) (*plot.Plot, error) {
	rows := opts.rows
	if !cmd.Flags().Changed("rows") {
		var err error
		if rows, err = a.rows(); err != nil {
			return nil, err
		}
	}
	if rows <= 0 {
		return nil, fmt.Errorf("--rows must be positive, got %d", rows)
	}
	width, err := a.plotWidth(out)
	if err != nil {
		return nil, err
	}

	plotOpts := []plot.Option{plot.WithRows(rows), plot.WithWidth(width)}
	if cmd.Flags().Changed("max-value") {
		plotOpts = append(plotOpts, plot.WithMaxValue(opts.maxValue))
	}
	if opts.zeroFloor {
		plotOpts = append(plotOpts, plot.WithZeroFloor())
	}
	return plot.New(out, plotOpts...), nil
}

func newSuggestCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest DATASOURCE FIELD [PREFIX]",
		Short: "Complete a query field, e.g. metric names, from a saved datasource",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, _, err := a.openDatasource(args[0])
			if err != nil {
				return err
			}
			defer closeDatasource(ds)

			var prefix string
			if len(args) == 3 {
				prefix = args[2]
			}
			for _, suggestion := range ds.Suggest(cmd.Context(), prefix, args[1]) {
				fmt.Fprintln(cmd.OutOrStdout(), suggestion)
			}
			return nil
		},
	}
}
