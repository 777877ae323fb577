// Package cloudwatch reads metric statistics from AWS CloudWatch.
package cloudwatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"

	"github.com/trifle-io/gramola/internal/datasource"
	"github.com/trifle-io/gramola/internal/record"
)

const (
	Type = "cw"

	defaultStatistic = cloudwatch.StatisticAverage
	minPeriod        = 60
)

var (
	ConfigSchema = record.NewSchema("cloudwatch config", datasource.ConfigSchema, nil,
		record.OptionalKey{Name: "region", Description: "AWS region, overrides the profile default"},
		record.OptionalKey{Name: "profile", Description: "Shared config profile"},
	)
	QuerySchema = record.NewSchema("cloudwatch query", datasource.RangeQuerySchema,
		[]string{"namespace", "dimension_name", "dimension_value"},
		record.OptionalKey{Name: "region", Description: "AWS region for this query"},
		record.OptionalKey{Name: "statistics", Description: "Average, Sum, SampleCount, Maximum or Minimum (default Average)"},
	)
)

var statistics = []string{
	cloudwatch.StatisticAverage,
	cloudwatch.StatisticSum,
	cloudwatch.StatisticSampleCount,
	cloudwatch.StatisticMaximum,
	cloudwatch.StatisticMinimum,
}

// ClientFactory builds a CloudWatch client for region and profile. Either
// may be empty.
type ClientFactory func(region, profile string) (cloudwatchiface.CloudWatchAPI, error)

func Variant() datasource.Variant {
	return VariantWithFactory(NewSessionClient)
}

// VariantWithFactory registers the backend with a custom client factory.
func VariantWithFactory(factory ClientFactory) datasource.Variant {
	return datasource.Variant{
		Type:         Type,
		Description:  "AWS CloudWatch metric statistics",
		ConfigSchema: ConfigSchema,
		QuerySchema:  QuerySchema,
		Open: func(config record.Record, logger *slog.Logger) (datasource.Datasource, error) {
			return New(config, factory, logger), nil
		},
	}
}

// NewSessionClient resolves credentials and region through the shared AWS
// config chain.
func NewSessionClient(region, profile string) (cloudwatchiface.CloudWatchAPI, error) {
	opts := session.Options{
		Profile:           profile,
		SharedConfigState: session.SharedConfigEnable,
	}
	if region != "" {
		opts.Config.Region = aws.String(region)
	}

	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, err
	}
	if aws.StringValue(sess.Config.Region) == "" {
		return nil, aws.ErrMissingRegion
	}
	return cloudwatch.New(sess), nil
}

type Datasource struct {
	region  string
	profile string
	factory ClientFactory
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]cloudwatchiface.CloudWatchAPI
}

func New(config record.Record, factory ClientFactory, logger *slog.Logger) *Datasource {
	if factory == nil {
		factory = NewSessionClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Datasource{
		region:  config.Value("region"),
		profile: config.Value("profile"),
		factory: factory,
		logger:  logger,
		now:     time.Now,
		clients: map[string]cloudwatchiface.CloudWatchAPI{},
	}
}

func (d *Datasource) client(region string) (cloudwatchiface.CloudWatchAPI, error) {
	if region == "" {
		region = d.region
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[region]; ok {
		return c, nil
	}
	c, err := d.factory(region, d.profile)
	if err != nil {
		return nil, err
	}
	d.clients[region] = c
	return c, nil
}

func (d *Datasource) Fetch(ctx context.Context, query record.Record, opts datasource.FetchOptions) ([]datasource.Point, error) {
	statistic, err := resolveStatistic(query)
	if err != nil {
		return nil, err
	}
	since, until, err := datasource.ResolveRange(query, d.now())
	if err != nil {
		return nil, err
	}

	c, err := d.client(query.Value("region"))
	if err != nil {
		return nil, normalizeError("connect", err)
	}

	input := &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(query.Value("namespace")),
		MetricName: aws.String(query.Value("metric")),
		StartTime:  aws.Time(since),
		EndTime:    aws.Time(until),
		Period:     aws.Int64(Period(until.Sub(since), opts.MaxPoints)),
		Dimensions: []*cloudwatch.Dimension{{
			Name:  aws.String(query.Value("dimension_name")),
			Value: aws.String(query.Value("dimension_value")),
		}},
		Statistics: []*string{aws.String(statistic)},
	}

	d.logger.Debug("get metric statistics", "namespace", query.Value("namespace"), "metric", query.Value("metric"),
		"period", aws.Int64Value(input.Period), "statistic", statistic)

	out, err := c.GetMetricStatisticsWithContext(ctx, input)
	if err != nil {
		return nil, normalizeError("get metric statistics", err)
	}

	points := make([]datasource.Point, 0, len(out.Datapoints))
	for _, dp := range out.Datapoints {
		if dp == nil || dp.Timestamp == nil {
			continue
		}
		value := statisticValue(dp, statistic)
		if value == nil {
			points = append(points, datasource.NullPoint(*dp.Timestamp))
			continue
		}
		points = append(points, datasource.NewPoint(*dp.Timestamp, *value))
	}
	datasource.SortPoints(points)
	return points, nil
}

func resolveStatistic(query record.Record) (string, error) {
	value, ok := query.Get("statistics")
	if !ok || value == "" {
		return defaultStatistic, nil
	}
	for _, s := range statistics {
		if s == value {
			return s, nil
		}
	}
	return "", datasource.InvalidQueryf("statistics %q must be one of %s", value, strings.Join(statistics, ", "))
}

func statisticValue(dp *cloudwatch.Datapoint, statistic string) *float64 {
	switch statistic {
	case cloudwatch.StatisticSum:
		return dp.Sum
	case cloudwatch.StatisticSampleCount:
		return dp.SampleCount
	case cloudwatch.StatisticMaximum:
		return dp.Maximum
	case cloudwatch.StatisticMinimum:
		return dp.Minimum
	default:
		return dp.Average
	}
}

// Period returns the bucket width in seconds: the smallest multiple of 60
// whose bucket count over span stays within maxPoints. Without a cap the
// period is 60.
func Period(span time.Duration, maxPoints int) int64 {
	if maxPoints <= 0 {
		return minPeriod
	}
	if span < 0 {
		span = 0
	}
	limit := int64(maxPoints)

	period := int64(span/time.Second) / (minPeriod * limit) * minPeriod
	if period < minPeriod {
		period = minPeriod
	}
	for span > time.Duration(period*limit)*time.Second {
		period += minPeriod
	}
	return period
}

// Test lists metrics once; any failure reads as unreachable.
func (d *Datasource) Test(ctx context.Context) (bool, error) {
	c, err := d.client("")
	if err != nil {
		d.logger.Debug("connectivity test failed", "error", normalizeError("connect", err))
		return false, nil
	}
	if _, err := c.ListMetricsWithContext(ctx, &cloudwatch.ListMetricsInput{}); err != nil {
		d.logger.Debug("connectivity test failed", "error", normalizeError("list metrics", err))
		return false, nil
	}
	return true, nil
}

// Suggest completes metric or namespace names.
func (d *Datasource) Suggest(ctx context.Context, prefix, field string) []string {
	if field != "metric" && field != "namespace" {
		return nil
	}
	c, err := d.client("")
	if err != nil {
		d.logger.Warn("suggest failed", "error", normalizeError("connect", err))
		return nil
	}

	seen := map[string]struct{}{}
	err = c.ListMetricsPagesWithContext(ctx, &cloudwatch.ListMetricsInput{}, func(page *cloudwatch.ListMetricsOutput, _ bool) bool {
		for _, m := range page.Metrics {
			var name string
			if field == "metric" {
				name = aws.StringValue(m.MetricName)
			} else {
				name = aws.StringValue(m.Namespace)
			}
			if name != "" && strings.HasPrefix(name, prefix) {
				seen[name] = struct{}{}
			}
		}
		return true
	})
	if err != nil {
		d.logger.Warn("suggest failed", "error", normalizeError("list metrics", err))
		return nil
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeError(op string, err error) error {
	var existing *datasource.BackendClientError
	if errors.As(err, &existing) {
		return err
	}

	msg := err.Error()
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "MissingRegion":
			msg = "no default region, give one using the --region option"
		case "NoCredentialProviders":
			msg = "no credentials found, configure a profile or the AWS environment variables"
		case "SharedConfigProfileNotExistsError", "SharedConfigLoadError":
			msg = "shared config: " + aerr.Message()
		case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation":
			msg = "permission denied: " + aerr.Message()
		default:
			msg = aerr.Code() + ": " + aerr.Message()
		}
	}
	return &datasource.BackendClientError{Backend: Type, Op: op, Message: msg, Err: err}
}
