package prometheus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/record"
)

var testNow = time.Date(2016, 1, 1, 12, 0, 0, 0, time.UTC)

// mockAPI implements promv1.API; only the methods set below are usable.
type mockAPI struct {
	promv1.API
	queryRangeFn  func(query string, r promv1.Range) (model.Value, promv1.Warnings, error)
	buildinfoErr  error
	labelValues   model.LabelValues
	labelValueErr error
}

func (m *mockAPI) QueryRange(_ context.Context, query string, r promv1.Range, _ ...promv1.Option) (model.Value, promv1.Warnings, error) {
	if m.queryRangeFn != nil {
		return m.queryRangeFn(query, r)
	}
	return nil, nil, fmt.Errorf("query range not configured")
}

func (m *mockAPI) Buildinfo(context.Context) (promv1.BuildinfoResult, error) {
	return promv1.BuildinfoResult{Version: "2.45.0"}, m.buildinfoErr
}

func (m *mockAPI) LabelValues(_ context.Context, label string, _ []string, _, _ time.Time, _ ...promv1.Option) (model.LabelValues, promv1.Warnings, error) {
	if label != "__name__" {
		return nil, nil, fmt.Errorf("unexpected label %s", label)
	}
	return m.labelValues, nil, m.labelValueErr
}

func newTestDatasource(api promv1.API) *Datasource {
	ds := newWithAPI(api, "http://test-prometheus:9090", nil)
	ds.now = func() time.Time { return testNow }
	return ds
}

func mustQuery(t *testing.T, fields map[string]string) record.Record {
	t.Helper()
	query, err := Variant().NewQuery(fields)
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	return query
}

func TestStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		span      time.Duration
		maxPoints int
		want      time.Duration
	}{
		{span: time.Hour, maxPoints: 0, want: time.Minute},
		{span: time.Hour, maxPoints: 60, want: 61 * time.Second},
		{span: time.Hour, maxPoints: 61, want: 60 * time.Second},
		{span: time.Hour, maxPoints: 1, want: time.Hour + time.Second},
		{span: 10 * time.Second, maxPoints: 80, want: time.Second},
	}

	for _, tt := range tests {
		got := Step(tt.span, tt.maxPoints)
		if got != tt.want {
			t.Fatalf("Step(%v, %d) = %v, want %v", tt.span, tt.maxPoints, got, tt.want)
		}
		if tt.maxPoints > 0 {
			samples := int(tt.span/got) + 1
			if samples > tt.maxPoints {
				t.Fatalf("Step(%v, %d) = %v yields %d samples", tt.span, tt.maxPoints, got, samples)
			}
		}
	}
}

func TestFetch(t *testing.T) {
	t.Parallel()

	var gotRange promv1.Range
	var gotQuery string
	api := &mockAPI{queryRangeFn: func(query string, r promv1.Range) (model.Value, promv1.Warnings, error) {
		gotQuery, gotRange = query, r
		return model.Matrix{
			{
				Metric: model.Metric{"__name__": "up"},
				Values: []model.SamplePair{
					{Timestamp: model.TimeFromUnix(1451646000), Value: 1},
					{Timestamp: model.TimeFromUnix(1451646060), Value: model.SampleValue(math.NaN())},
					{Timestamp: model.TimeFromUnix(1451646120), Value: 0.5},
				},
			},
		}, nil, nil
	}}
	ds := newTestDatasource(api)

	points, err := ds.Fetch(context.Background(), mustQuery(t, map[string]string{"metric": "up"}), datasource.FetchOptions{MaxPoints: 61})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotQuery != "up" {
		t.Fatalf("query = %q, want up", gotQuery)
	}
	if !gotRange.Start.Equal(testNow.Add(-time.Hour)) || !gotRange.End.Equal(testNow) || gotRange.Step != time.Minute {
		t.Fatalf("range = %+v", gotRange)
	}

	want := []datasource.Point{
		datasource.NewPoint(time.Unix(1451646000, 0), 1),
		datasource.NullPoint(time.Unix(1451646060, 0)),
		datasource.NewPoint(time.Unix(1451646120, 0), 0.5),
	}
	if diff := cmp.Diff(want, points); diff != "" {
		t.Fatalf("points mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchExplicitStep(t *testing.T) {
	t.Parallel()

	var step time.Duration
	api := &mockAPI{queryRangeFn: func(_ string, r promv1.Range) (model.Value, promv1.Warnings, error) {
		step = r.Step
		return model.Matrix{}, nil, nil
	}}
	ds := newTestDatasource(api)

	for input, want := range map[string]time.Duration{"30s": 30 * time.Second, "120": 2 * time.Minute} {
		points, err := ds.Fetch(context.Background(), mustQuery(t, map[string]string{"metric": "up", "step": input}), datasource.FetchOptions{})
		if err != nil {
			t.Fatalf("Fetch(step=%s): %v", input, err)
		}
		if step != want {
			t.Fatalf("step = %v, want %v", step, want)
		}
		if len(points) != 0 {
			t.Fatalf("points = %v, want empty", points)
		}
	}

	if _, err := ds.Fetch(context.Background(), mustQuery(t, map[string]string{"metric": "up", "step": "600"}), datasource.FetchOptions{MaxPoints: 10}); err != nil {
		t.Fatalf("Fetch(step=600, MaxPoints=10): %v", err)
	}
	if step != 10*time.Minute {
		t.Fatalf("step = %v, want 10m", step)
	}

	step = 0
	_, err := ds.Fetch(context.Background(), mustQuery(t, map[string]string{"metric": "up", "step": "30s"}), datasource.FetchOptions{MaxPoints: 10})
	if !errors.Is(err, datasource.ErrInvalidQuery) {
		t.Fatalf("step beyond the point cap: err = %v, want ErrInvalidQuery", err)
	}
	if step != 0 {
		t.Fatalf("query was sent with step %v despite exceeding the cap", step)
	}

	for _, input := range []string{"0", "-5s", "fast"} {
		_, err := ds.Fetch(context.Background(), mustQuery(t, map[string]string{"metric": "up", "step": input}), datasource.FetchOptions{})
		if !errors.Is(err, datasource.ErrInvalidQuery) {
			t.Fatalf("step=%s: err = %v, want ErrInvalidQuery", input, err)
		}
	}
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	failing := newTestDatasource(&mockAPI{queryRangeFn: func(string, promv1.Range) (model.Value, promv1.Warnings, error) {
		return nil, nil, errors.New("connection refused")
	}})
	_, err := failing.Fetch(context.Background(), mustQuery(t, map[string]string{"metric": "up"}), datasource.FetchOptions{})
	if !errors.Is(err, datasource.ErrBackendClient) {
		t.Fatalf("err = %v, want ErrBackendClient", err)
	}

	vector := newTestDatasource(&mockAPI{queryRangeFn: func(string, promv1.Range) (model.Value, promv1.Warnings, error) {
		return model.Vector{}, nil, nil
	}})
	_, err = vector.Fetch(context.Background(), mustQuery(t, map[string]string{"metric": "up"}), datasource.FetchOptions{})
	if !errors.Is(err, datasource.ErrBackendClient) {
		t.Fatalf("err = %v, want ErrBackendClient", err)
	}
}

func TestTest(t *testing.T) {
	t.Parallel()

	if ok, err := newTestDatasource(&mockAPI{}).Test(context.Background()); !ok || err != nil {
		t.Fatalf("Test = %v, %v; want true, nil", ok, err)
	}
	if ok, err := newTestDatasource(&mockAPI{buildinfoErr: errors.New("down")}).Test(context.Background()); ok || err != nil {
		t.Fatalf("Test = %v, %v; want false, nil", ok, err)
	}
}

func TestSuggest(t *testing.T) {
	t.Parallel()

	ds := newTestDatasource(&mockAPI{labelValues: model.LabelValues{"http_requests_total", "node_cpu_seconds_total", "node_load1"}})
	if diff := cmp.Diff([]string{"node_cpu_seconds_total", "node_load1"}, ds.Suggest(context.Background(), "node_", "metric")); diff != "" {
		t.Fatalf("Suggest mismatch (-want +got):\n%s", diff)
	}
	if got := ds.Suggest(context.Background(), "", "step"); got != nil {
		t.Fatalf("Suggest(step) = %v, want nil", got)
	}
}

func TestFetchOverHTTP(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query_range" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.Form.Get("query"); got != "rate(http_requests_total[5m])" {
			t.Errorf("query = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"matrix","result":[{"metric":{"job":"api"},"values":[[1451646000,"2"],[1451646060,"4"]]}]}}`))
	}))
	defer server.Close()

	config, err := Variant().NewConfig(map[string]string{"name": "prom", "url": server.URL})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	ds, err := New(config, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ds.now = func() time.Time { return testNow }

	points, err := ds.Fetch(context.Background(), mustQuery(t, map[string]string{"metric": "rate(http_requests_total[5m])"}), datasource.FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(points) != 2 || points[0].Value != 2 || points[1].Value != 4 {
		t.Fatalf("points = %v", points)
	}
}
