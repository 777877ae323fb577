package trifle

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	triflestats "github.com/trifle-io/trifle_stats_go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/trifle-io/gramola/internal/record"
)

// runtime is an opened trifle store: the stats config plus the hooks needed
// to probe and release the underlying connection.
type runtime struct {
	Config     *triflestats.Config
	DriverName string
	TableName  string

	setupFn func() error
	pingFn  func(context.Context) error
	closeFn func() error
}

func (r *runtime) Setup() error {
	if r == nil || r.setupFn == nil {
		return nil
	}
	return r.setupFn()
}

func (r *runtime) Ping(ctx context.Context) error {
	if r == nil || r.pingFn == nil {
		return nil
	}
	return r.pingFn(ctx)
}

func (r *runtime) Close() error {
	if r == nil || r.closeFn == nil {
		return nil
	}
	return r.closeFn()
}

func isSupportedDriver(name string) bool {
	switch normalizeDriverName(name) {
	case "sqlite", "postgres", "mysql", "redis", "mongo":
		return true
	default:
		return false
	}
}

func normalizeDriverName(name string) string {
	value := strings.ToLower(strings.TrimSpace(name))
	if value == "mongodb" {
		return "mongo"
	}
	return value
}

// openRuntime builds the stats config for a datasource config record. Reads
// never go through the write buffer, so buffering stays off.
func openRuntime(ctx context.Context, config record.Record) (*runtime, error) {
	driverName := normalizeDriverName(config.Value("driver"))
	if !isSupportedDriver(driverName) {
		return nil, fmt.Errorf("unsupported driver: %s", config.Value("driver"))
	}

	joined, err := parseJoinedIdentifier(config.Value("joined"))
	if err != nil {
		return nil, err
	}
	weekStart, err := parseWeekday(firstNonEmpty(config.Value("week_start"), "monday"))
	if err != nil {
		return nil, err
	}

	table := firstNonEmpty(config.Value("table"), "trifle_stats")
	separator := firstNonEmpty(config.Value("separator"), "::")

	cfg := triflestats.DefaultConfig()
	cfg.TimeZone = firstNonEmpty(config.Value("timezone"), "GMT")
	cfg.Separator = separator
	cfg.JoinedIdentifier = joined
	cfg.BeginningOfWeek = weekStart
	cfg.Granularities = parseGranularities(config.Value("granularities"))
	cfg.BufferEnabled = false

	rt := &runtime{
		Config:     cfg,
		DriverName: driverName,
		TableName:  table,
	}

	switch driverName {
	case "sqlite":
		path := strings.TrimSpace(config.Value("db"))
		if path == "" {
			return nil, fmt.Errorf("db is required for sqlite driver")
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewSQLiteDriver(db, table, joined)
		driver.Separator = separator
		cfg.Driver = driver
		rt.setupFn = driver.Setup
		rt.TableName = driver.TableName
		rt.pingFn = db.PingContext
		rt.closeFn = db.Close
		return rt, nil

	case "postgres":
		db, err := sql.Open("pgx", buildPostgresDSN(config))
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewPostgresDriver(db, table, joined)
		driver.Separator = separator
		cfg.Driver = driver
		rt.setupFn = driver.Setup
		rt.TableName = driver.TableName
		rt.pingFn = db.PingContext
		rt.closeFn = db.Close
		return rt, nil

	case "mysql":
		db, err := sql.Open("mysql", buildMySQLDSN(config))
		if err != nil {
			return nil, err
		}
		driver := triflestats.NewMySQLDriver(db, table, joined)
		driver.Separator = separator
		cfg.Driver = driver
		rt.setupFn = driver.Setup
		rt.TableName = driver.TableName
		rt.pingFn = db.PingContext
		rt.closeFn = db.Close
		return rt, nil

	case "redis":
		client, err := buildRedisClient(config)
		if err != nil {
			return nil, err
		}
		prefix := strings.TrimSpace(config.Value("prefix"))
		driver := triflestats.NewRedisDriver(client, prefix)
		driver.Separator = separator
		cfg.Driver = driver
		rt.TableName = prefix
		rt.pingFn = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		rt.closeFn = client.Close
		return rt, nil

	case "mongo":
		client, databaseName, collectionName, err := buildMongoCollection(ctx, config)
		if err != nil {
			return nil, err
		}
		collection := client.Database(databaseName).Collection(collectionName)
		driver := triflestats.NewMongoDriver(collection, joined)
		driver.Separator = separator
		cfg.Driver = driver
		rt.setupFn = func() error {
			return driver.Setup(context.Background())
		}
		rt.TableName = collectionName
		rt.pingFn = func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		}
		rt.closeFn = func() error {
			return client.Disconnect(context.Background())
		}
		return rt, nil

	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

func buildPostgresDSN(config record.Record) string {
	if dsn := strings.TrimSpace(config.Value("dsn")); dsn != "" {
		return dsn
	}

	host := firstNonEmpty(config.Value("host"), "127.0.0.1")
	port := firstNonEmpty(config.Value("port"), "5432")
	user := firstNonEmpty(config.Value("user"), "postgres")
	password := firstNonEmpty(config.Value("password"), "password")
	database := resolveDatabaseName(config, "trifle_stats")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		url.QueryEscape(user),
		url.QueryEscape(password),
		host,
		port,
		url.PathEscape(database),
	)
}

func buildMySQLDSN(config record.Record) string {
	if dsn := strings.TrimSpace(config.Value("dsn")); dsn != "" {
		return dsn
	}

	host := firstNonEmpty(config.Value("host"), "127.0.0.1")
	port := firstNonEmpty(config.Value("port"), "3306")
	user := firstNonEmpty(config.Value("user"), "root")
	password := firstNonEmpty(config.Value("password"), "password")
	database := resolveDatabaseName(config, "trifle_stats")

	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		user,
		password,
		host,
		port,
		database,
	)
}

func buildRedisClient(config record.Record) (*redis.Client, error) {
	dsn := strings.TrimSpace(config.Value("dsn"))
	if dsn != "" {
		if strings.Contains(dsn, "://") {
			parsed, err := redis.ParseURL(dsn)
			if err != nil {
				return nil, err
			}
			return redis.NewClient(parsed), nil
		}
		return redis.NewClient(&redis.Options{Addr: dsn}), nil
	}

	addr := net.JoinHostPort(firstNonEmpty(config.Value("host"), "127.0.0.1"), firstNonEmpty(config.Value("port"), "6379"))
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(config.Value("user")),
		Password: strings.TrimSpace(config.Value("password")),
		DB:       parseIntOrDefault(config.Value("database"), 0),
	}), nil
}

func buildMongoCollection(ctx context.Context, config record.Record) (*mongo.Client, string, string, error) {
	uri := strings.TrimSpace(config.Value("dsn"))
	if uri == "" {
		uri = firstNonEmpty(config.Value("host"), "mongodb://127.0.0.1:27017")
		if !strings.Contains(uri, "://") {
			uri = "mongodb://" + uri
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, "", "", err
	}

	databaseName := resolveDatabaseName(config, "trifle_stats")
	collectionName := firstNonEmpty(config.Value("collection"), config.Value("table"), "trifle_stats")
	return client, databaseName, collectionName, nil
}

func resolveDatabaseName(config record.Record, fallback string) string {
	if database := strings.TrimSpace(config.Value("database")); database != "" {
		return database
	}
	if db := strings.TrimSpace(config.Value("db")); db != "" && normalizeDriverName(config.Value("driver")) != "sqlite" {
		return db
	}
	return fallback
}

func parseGranularities(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseWeekday(input string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "monday", "mon":
		return time.Monday, nil
	case "tuesday", "tue":
		return time.Tuesday, nil
	case "wednesday", "wed":
		return time.Wednesday, nil
	case "thursday", "thu":
		return time.Thursday, nil
	case "friday", "fri":
		return time.Friday, nil
	case "saturday", "sat":
		return time.Saturday, nil
	case "sunday", "sun":
		return time.Sunday, nil
	default:
		return time.Monday, fmt.Errorf("invalid week_start: %s", input)
	}
}

func parseJoinedIdentifier(input string) (triflestats.JoinedIdentifier, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "full", "":
		return triflestats.JoinedFull, nil
	case "partial":
		return triflestats.JoinedPartial, nil
	case "separated", "none", "null":
		return triflestats.JoinedSeparated, nil
	default:
		return triflestats.JoinedFull, fmt.Errorf("invalid joined mode: %s", input)
	}
}

func parseIntOrDefault(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
