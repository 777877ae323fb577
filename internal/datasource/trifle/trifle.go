// Package trifle reads series from a Trifle Stats store (SQLite, Postgres,
// MySQL, Redis or MongoDB) through trifle_stats_go.
package trifle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	triflestats "github.com/trifle-io/trifle_stats_go"

	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/record"
)

const Type = "trifle"

var granularityPattern = regexp.MustCompile(`^(\d+)(s|m|h|d|w|mo|q|y)$`)

var (
	ConfigSchema = record.NewSchema("trifle config", datasource.ConfigSchema, []string{"driver"},
		record.OptionalKey{Name: "db", Description: "SQLite DB path (sqlite) or database name fallback"},
		record.OptionalKey{Name: "dsn", Description: "Driver DSN/URI (postgres/mysql/redis/mongo)"},
		record.OptionalKey{Name: "host", Description: "Driver host"},
		record.OptionalKey{Name: "port", Description: "Driver port"},
		record.OptionalKey{Name: "user", Description: "Driver user"},
		record.OptionalKey{Name: "password", Description: "Driver password"},
		record.OptionalKey{Name: "database", Description: "Database name (postgres/mysql/mongo) or DB index (redis)"},
		record.OptionalKey{Name: "table", Description: "Table name (default trifle_stats)"},
		record.OptionalKey{Name: "collection", Description: "Collection name (mongo)"},
		record.OptionalKey{Name: "prefix", Description: "Key prefix (redis)"},
		record.OptionalKey{Name: "joined", Description: "Identifier mode: full|partial|separated"},
		record.OptionalKey{Name: "separator", Description: "Key separator (default ::)"},
		record.OptionalKey{Name: "timezone", Description: "Time zone (default GMT)"},
		record.OptionalKey{Name: "week_start", Description: "Week start: monday..sunday"},
		record.OptionalKey{Name: "granularities", Description: "Comma-separated granularities tracked by the store"},
	)
	QuerySchema = record.NewSchema("trifle query", datasource.RangeQuerySchema, []string{"value_path"},
		record.OptionalKey{Name: "granularity", Description: "Bucket size, e.g. 1m, 1h, 1d (default picked from the point cap)"},
	)
)

func Variant() datasource.Variant {
	return datasource.Variant{
		Type:         Type,
		Description:  "Trifle Stats store (sqlite, postgres, mysql, redis, mongo)",
		ConfigSchema: ConfigSchema,
		QuerySchema:  QuerySchema,
		Open: func(config record.Record, logger *slog.Logger) (datasource.Datasource, error) {
			return New(config, logger)
		},
	}
}

type Datasource struct {
	config record.Record
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	rt *runtime
}

func New(config record.Record, logger *slog.Logger) (*Datasource, error) {
	if !isSupportedDriver(config.Value("driver")) {
		return nil, datasource.InvalidConfigf("unsupported driver %q, want sqlite, postgres, mysql, redis or mongo", config.Value("driver"))
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Datasource{config: config, logger: logger, now: time.Now}, nil
}

func (d *Datasource) runtime(ctx context.Context) (*runtime, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rt != nil {
		return d.rt, nil
	}
	rt, err := openRuntime(ctx, d.config)
	if err != nil {
		return nil, err
	}
	d.rt = rt
	return rt, nil
}

// Close releases the store connection, if one was opened.
func (d *Datasource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rt == nil {
		return nil
	}
	err := d.rt.Close()
	d.rt = nil
	return err
}

func (d *Datasource) Fetch(ctx context.Context, query record.Record, opts datasource.FetchOptions) ([]datasource.Point, error) {
	since, until, err := datasource.ResolveRange(query, d.now())
	if err != nil {
		return nil, err
	}

	rt, err := d.runtime(ctx)
	if err != nil {
		return nil, datasource.NewBackendClientError(Type, "open", err)
	}

	granularity, err := resolveGranularity(query.Value("granularity"), rt.Config.EffectiveGranularities(), since, until, opts.MaxPoints)
	if err != nil {
		return nil, err
	}

	key := query.Value("metric")
	d.logger.Debug("reading values", "key", key, "granularity", granularity, "driver", rt.DriverName)

	result, err := triflestats.Values(rt.Config, key, since, until, granularity, false)
	if err != nil {
		return nil, datasource.NewBackendClientError(Type, "values", maybeSuggestSetup(err, rt.DriverName, d.config.Value("name")))
	}

	points := seriesPoints(triflestats.SeriesFromResult(result), query.Value("value_path"))
	if opts.MaxPoints > 0 && len(points) > opts.MaxPoints {
		d.logger.Warn("granularity returned more buckets than requested, keeping the latest", "granularity", granularity, "points", len(points), "max_points", opts.MaxPoints)
		points = points[len(points)-opts.MaxPoints:]
	}
	return points, nil
}

// seriesPoints extracts path from every bucket; buckets without a value read
// as 0.
func seriesPoints(series triflestats.Series, path string) []datasource.Point {
	points := make([]datasource.Point, 0, len(series.At))
	for i, at := range series.At {
		var values map[string]any
		if i < len(series.Values) {
			values = series.Values[i]
		}
		var value float64
		if values != nil {
			value = toFloat(triflestats.NormalizeNumeric(triflestats.FetchPath(values, path)))
		}
		points = append(points, datasource.NewPoint(at, value))
	}
	datasource.SortPoints(points)
	return points
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// resolveGranularity validates an explicit granularity, or picks the finest
// available one whose bucket count between since and until fits maxPoints.
func resolveGranularity(explicit string, available []string, since, until time.Time, maxPoints int) (string, error) {
	if explicit = strings.ToLower(strings.TrimSpace(explicit)); explicit != "" {
		if _, ok := granularityDuration(explicit); !ok {
			return "", datasource.InvalidQueryf("granularity %q must be <number><unit> using s, m, h, d, w, mo, q, y", explicit)
		}
		return explicit, nil
	}

	if maxPoints > 0 {
		type candidate struct {
			name string
			size time.Duration
		}
		candidates := make([]candidate, 0, len(available))
		for _, name := range available {
			if size, ok := granularityDuration(name); ok {
				candidates = append(candidates, candidate{name: name, size: size})
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].size < candidates[j].size })
		for _, c := range candidates {
			if buckets(since, until, c.size) <= int64(maxPoints) {
				return c.name, nil
			}
		}
		if len(candidates) > 0 {
			return candidates[len(candidates)-1].name, nil
		}
	}

	for _, preferred := range []string{"1h", "1d"} {
		for _, value := range available {
			if value == preferred {
				return preferred, nil
			}
		}
	}
	if len(available) > 0 {
		return available[0], nil
	}
	return "1h", nil
}

// buckets counts the bucket starts trifle returns for the range: both the
// bucket holding since and the one holding until are included.
func buckets(since, until time.Time, size time.Duration) int64 {
	if until.Before(since) {
		return 0
	}
	step := int64(size / time.Second)
	if step <= 0 {
		step = 1
	}
	return floorDiv(until.Unix(), step) - floorDiv(since.Unix(), step) + 1
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// granularityDuration approximates calendar units: a month is 30 days, a
// quarter 90 and a year 365.
func granularityDuration(value string) (time.Duration, bool) {
	match := granularityPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	day := 24 * time.Hour
	unit := map[string]time.Duration{
		"s":  time.Second,
		"m":  time.Minute,
		"h":  time.Hour,
		"d":  day,
		"w":  7 * day,
		"mo": 30 * day,
		"q":  90 * day,
		"y":  365 * day,
	}[match[2]]
	return time.Duration(n) * unit, true
}

func maybeSuggestSetup(err error, driverName, name string) error {
	message := strings.ToLower(err.Error())
	if !strings.Contains(message, "no such table") &&
		!strings.Contains(message, "doesn't exist") &&
		!strings.Contains(message, "relation") {
		return err
	}
	return fmt.Errorf("%w (hint: the %s store is not set up, run: gramola datasource-setup %s)", err, driverName, name)
}

// Setup creates the tables or indexes the driver reads from. Redis needs
// none.
func (d *Datasource) Setup(ctx context.Context) error {
	rt, err := d.runtime(ctx)
	if err != nil {
		return datasource.NewBackendClientError(Type, "open", err)
	}
	if err := rt.Setup(); err != nil {
		return datasource.NewBackendClientError(Type, "setup", err)
	}
	return nil
}

// Test opens the store and pings it.
func (d *Datasource) Test(ctx context.Context) (bool, error) {
	rt, err := d.runtime(ctx)
	if err != nil {
		d.logger.Debug("connectivity test failed", "error", err)
		return false, nil
	}
	if err := rt.Ping(ctx); err != nil {
		d.logger.Debug("connectivity test failed", "driver", rt.DriverName, "error", err)
		return false, nil
	}
	return true, nil
}

// Suggest completes granularities tracked by the store.
func (d *Datasource) Suggest(ctx context.Context, prefix, field string) []string {
	if field != "granularity" {
		return nil
	}
	rt, err := d.runtime(ctx)
	if err != nil {
		d.logger.Warn("suggest failed", "error", err)
		return nil
	}

	var out []string
	for _, value := range rt.Config.EffectiveGranularities() {
		if strings.HasPrefix(value, prefix) {
			out = append(out, value)
		}
	}
	return out
}
