// Package prometheus runs range queries against the Prometheus HTTP API.
package prometheus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/record"
)

const (
	Type = "prometheus"

	defaultStep = time.Minute
)

var (
	ConfigSchema = record.NewSchema("prometheus config", datasource.ConfigSchema, []string{"url"})
	QuerySchema  = record.NewSchema("prometheus query", datasource.RangeQuerySchema, nil,
		record.OptionalKey{Name: "step", Description: "Resolution step, e.g. 30s or 60 (default derived from the point cap)"},
	)
)

func Variant() datasource.Variant {
	return datasource.Variant{
		Type:         Type,
		Description:  "Prometheus range queries (PromQL)",
		ConfigSchema: ConfigSchema,
		QuerySchema:  QuerySchema,
		Open: func(config record.Record, logger *slog.Logger) (datasource.Datasource, error) {
			return New(config, logger)
		},
	}
}

type Datasource struct {
	api    promv1.API
	url    string
	logger *slog.Logger
	now    func() time.Time
}

func New(config record.Record, logger *slog.Logger) (*Datasource, error) {
	address := strings.TrimSpace(config.Value("url"))
	client, err := promapi.NewClient(promapi.Config{Address: address})
	if err != nil {
		return nil, datasource.InvalidConfigf("create prometheus client: %v", err)
	}
	return newWithAPI(promv1.NewAPI(client), address, logger), nil
}

func newWithAPI(api promv1.API, address string, logger *slog.Logger) *Datasource {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Datasource{api: api, url: address, logger: logger, now: time.Now}
}

func (d *Datasource) Fetch(ctx context.Context, query record.Record, opts datasource.FetchOptions) ([]datasource.Point, error) {
	since, until, err := datasource.ResolveRange(query, d.now())
	if err != nil {
		return nil, err
	}
	step, err := resolveStep(query, until.Sub(since), opts.MaxPoints)
	if err != nil {
		return nil, err
	}

	expr := query.Value("metric")
	value, warnings, err := d.api.QueryRange(ctx, expr, promv1.Range{Start: since, End: until, Step: step})
	if err != nil {
		return nil, datasource.NewBackendClientError(Type, "query range", err)
	}
	for _, w := range warnings {
		d.logger.Warn("prometheus warning", "query", expr, "warning", w)
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, datasource.NewBackendClientError(Type, "query range", fmt.Errorf("unexpected result type %T", value))
	}
	if len(matrix) == 0 {
		d.logger.Warn("query returned no series", "query", expr)
		return []datasource.Point{}, nil
	}
	if len(matrix) > 1 {
		d.logger.Warn("query returned several series, using the first", "query", expr, "series", len(matrix), "labels", matrix[0].Metric.String())
	}

	points := make([]datasource.Point, 0, len(matrix[0].Values))
	for _, sample := range matrix[0].Values {
		v := float64(sample.Value)
		if math.IsNaN(v) {
			points = append(points, datasource.NullPoint(sample.Timestamp.Time()))
			continue
		}
		points = append(points, datasource.NewPoint(sample.Timestamp.Time(), v))
	}
	return points, nil
}

// resolveStep honours an explicit step as long as its sample count fits
// maxPoints; otherwise it picks the smallest whole-second step that does.
func resolveStep(query record.Record, span time.Duration, maxPoints int) (time.Duration, error) {
	if raw, ok := query.Get("step"); ok && raw != "" {
		step, err := parseStep(raw)
		if err != nil {
			return 0, err
		}
		if samples := int64(span/step) + 1; maxPoints > 0 && samples > int64(maxPoints) {
			return 0, datasource.InvalidQueryf("step %s yields %d samples over %s, more than the %d allowed", step, samples, span, maxPoints)
		}
		return step, nil
	}
	return Step(span, maxPoints), nil
}

// Step returns the resolution for span such that floor(span/step)+1 samples
// fit in maxPoints. Without a cap it is one minute.
func Step(span time.Duration, maxPoints int) time.Duration {
	if maxPoints <= 0 {
		return defaultStep
	}
	seconds := int64(span / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds/int64(maxPoints)+1) * time.Second
}

func parseStep(raw string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, datasource.InvalidQueryf("step %q must be positive", raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	step, err := time.ParseDuration(raw)
	if err != nil || step <= 0 {
		return 0, datasource.InvalidQueryf("invalid step %q", raw)
	}
	return step, nil
}

func (d *Datasource) Test(ctx context.Context) (bool, error) {
	if _, err := d.api.Buildinfo(ctx); err != nil {
		d.logger.Debug("connectivity test failed", "url", d.url, "error", err)
		return false, nil
	}
	return true, nil
}

// Suggest completes metric names from the __name__ label.
func (d *Datasource) Suggest(ctx context.Context, prefix, field string) []string {
	if field != "metric" {
		return nil
	}
	now := d.now()
	values, _, err := d.api.LabelValues(ctx, string(model.MetricNameLabel), nil, now.Add(-time.Hour), now)
	if err != nil {
		d.logger.Warn("label values failed", "error", err)
		return nil
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.HasPrefix(string(v), prefix) {
			out = append(out, string(v))
		}
	}
	return out
}
