// Package graphite queries a Graphite-compatible HTTP render API.
package graphite

import (
	"context"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/trifle-io/gramola/internal/api"
	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/record"
)

const Type = "graphite"

var (
	ConfigSchema = record.NewSchema("graphite config", datasource.ConfigSchema, []string{"url"},
		record.OptionalKey{Name: "token", Description: "Bearer token sent with every request"},
		record.OptionalKey{Name: "timeout", Description: "HTTP timeout, e.g. 10s (default 30s)"},
	)
	QuerySchema = record.NewSchema("graphite query", datasource.RangeQuerySchema, nil)
)

// Variant registers the graphite backend.
func Variant() datasource.Variant {
	return datasource.Variant{
		Type:         Type,
		Description:  "Graphite render API",
		ConfigSchema: ConfigSchema,
		QuerySchema:  QuerySchema,
		Open: func(config record.Record, logger *slog.Logger) (datasource.Datasource, error) {
			return New(config, logger)
		},
	}
}

type Datasource struct {
	client *api.Client
	logger *slog.Logger
	now    func() time.Time
}

func New(config record.Record, logger *slog.Logger) (*Datasource, error) {
	var timeout time.Duration
	if raw, ok := config.Get("timeout"); ok && raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, datasource.InvalidConfigf("invalid timeout %q: %v", raw, err)
		}
		timeout = parsed
	}

	client, err := api.New(config.Value("url"), config.Value("token"), timeout)
	if err != nil {
		return nil, datasource.InvalidConfigf("%v", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Datasource{client: client, logger: logger, now: time.Now}, nil
}

type renderSeries struct {
	Target     string       `json:"target"`
	Datapoints [][]*float64 `json:"datapoints"`
}

type findNode struct {
	Text string `json:"text"`
	ID   string `json:"id"`
}

// Fetch renders query's metric. Transport failures and error statuses are
// logged and produce an empty series.
func (d *Datasource) Fetch(ctx context.Context, query record.Record, opts datasource.FetchOptions) ([]datasource.Point, error) {
	since, until, err := datasource.ResolveRange(query, d.now())
	if err != nil {
		return nil, err
	}

	metric := query.Value("metric")
	params := url.Values{}
	params.Set("target", metric)
	params.Set("from", strconv.FormatInt(since.Unix(), 10))
	params.Set("until", strconv.FormatInt(until.Unix(), 10))
	params.Set("format", "json")
	if opts.MaxPoints > 0 {
		params.Set("maxDataPoints", strconv.Itoa(opts.MaxPoints))
	}

	var series []renderSeries
	if err := d.client.Get(ctx, "/render", params, &series); err != nil {
		d.logger.Warn("render request failed", "metric", metric, "error", err)
		return []datasource.Point{}, nil
	}

	if len(series) == 0 {
		d.logger.Warn("metric not found", "metric", metric)
		return []datasource.Point{}, nil
	}
	if len(series) > 1 {
		d.logger.Warn("metric matched several series, using the first", "metric", metric, "series", len(series), "target", series[0].Target)
	}

	return convertDatapoints(series[0].Datapoints), nil
}

// convertDatapoints drops the trailing run of nulls, which stand for buckets
// graphite has not settled yet, and reads every other null as 0.
func convertDatapoints(raw [][]*float64) []datasource.Point {
	end := len(raw)
	for end > 0 && (len(raw[end-1]) == 0 || raw[end-1][0] == nil) {
		end--
	}

	points := make([]datasource.Point, 0, end)
	for _, pair := range raw[:end] {
		if len(pair) < 2 || pair[1] == nil {
			continue
		}
		ts := unixFloat(*pair[1])
		if pair[0] == nil {
			points = append(points, datasource.NewPoint(ts, 0))
			continue
		}
		points = append(points, datasource.NewPoint(ts, *pair[0]))
	}
	return points
}

func unixFloat(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*1e9))
}

// Test probes the metrics index.
func (d *Datasource) Test(ctx context.Context) (bool, error) {
	params := url.Values{}
	params.Set("query", "*")
	if err := d.client.Get(ctx, "/metrics/find", params, nil); err != nil {
		d.logger.Debug("connectivity test failed", "url", d.client.BaseURL(), "error", err)
		return false, nil
	}
	return true, nil
}

// Suggest lists metric path components under prefix.
func (d *Datasource) Suggest(ctx context.Context, prefix, field string) []string {
	if field != "metric" {
		return nil
	}

	params := url.Values{}
	params.Set("query", prefix+"*")

	var nodes []findNode
	if err := d.client.Get(ctx, "/metrics/find", params, &nodes); err != nil {
		d.logger.Warn("find request failed", "prefix", prefix, "error", err)
		return nil
	}

	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node.Text)
	}
	return out
}
