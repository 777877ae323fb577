// Package datasource defines the contract shared by every metric backend:
// the shared config and query schemas, the point type, a variant registry and
// the error taxonomy backends report through.
package datasource

import (
	"context"
	"sort"
	"time"

	"github.com/trifle-io/gramola/internal/dateparse"
	"github.com/trifle-io/gramola/internal/record"
)

const (
	DefaultSince = "-1h"
	DefaultUntil = "now"
)

var (
	// ConfigSchema is the root of every datasource config.
	ConfigSchema = record.NewSchema("datasource config", nil, []string{"type", "name"})

	// QuerySchema is the root of every metric query.
	QuerySchema = record.NewSchema("metric query", nil, []string{"metric"})

	// RangeQuerySchema adds a time window to QuerySchema.
	RangeQuerySchema = record.NewSchema("range query", QuerySchema, nil,
		record.OptionalKey{Name: "since", Description: "Start of the window, e.g. -1h or 2016-01-01T00:00:00 (default -1h)"},
		record.OptionalKey{Name: "until", Description: "End of the window, e.g. now or -10min (default now)"},
	)
)

type FetchOptions struct {
	// MaxPoints caps how many points the backend returns. Zero means no cap.
	MaxPoints int
}

type Datasource interface {
	Fetch(ctx context.Context, query record.Record, opts FetchOptions) ([]Point, error)
	Test(ctx context.Context) (bool, error)
	Suggest(ctx context.Context, prefix, field string) []string
}

// Point is one sample; Valid is false when the backend reported no value.
type Point struct {
	Timestamp time.Time
	Value     float64
	Valid     bool
}

func NewPoint(ts time.Time, value float64) Point {
	return Point{Timestamp: ts, Value: value, Valid: true}
}

func NullPoint(ts time.Time) Point {
	return Point{Timestamp: ts}
}

func SortPoints(points []Point) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
}

// ResolveRange reads since and until from query, applying the defaults, and
// resolves both against now.
func ResolveRange(query record.Record, now time.Time) (time.Time, time.Time, error) {
	sinceExpr, ok := query.Get("since")
	if !ok || sinceExpr == "" {
		sinceExpr = DefaultSince
	}
	untilExpr, ok := query.Get("until")
	if !ok || untilExpr == "" {
		untilExpr = DefaultUntil
	}

	since, err := dateparse.Parse(sinceExpr, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	until, err := dateparse.Parse(untilExpr, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if since.After(until) {
		return time.Time{}, time.Time{}, InvalidQueryf("since %s is after until %s", since.Format(time.RFC3339), until.Format(time.RFC3339))
	}
	return since, until, nil
}
