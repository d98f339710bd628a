// Package app wires the engine components together for the binaries
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/anomalies/anomaly"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/config"
	"github.com/liamcoop/anomalies/internal/logger"
	"github.com/liamcoop/anomalies/rules"
	"github.com/liamcoop/anomalies/ruleset"
	"github.com/liamcoop/anomalies/scan"
	"github.com/liamcoop/anomalies/schedule"
)

// App holds one instance of every component
type App struct {
	DB        *sql.DB // nil for in-memory apps
	Redis     *redis.Client
	Repo      attendance.Repository
	Resolver  *schedule.Resolver
	Engine    *rules.Engine
	Rulesets  *ruleset.Manager
	Anomalies anomaly.Store
	Emitter   *anomaly.Emitter
	Scanner   *scan.Orchestrator
	Location  *time.Location
}

// Stores are the persistence ports an App is built on
type Stores struct {
	Repo      attendance.Repository
	Rulesets  rules.RulesetStore
	Anomalies anomaly.Store
}

// Open connects to PostgreSQL (and Redis when configured) and builds the app
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	stores := Stores{
		Repo:      attendance.NewPostgresRepository(db),
		Rulesets:  rules.NewPostgresRulesetStore(db),
		Anomalies: anomaly.NewPostgresStore(db),
	}

	var rdb *redis.Client
	var locker scan.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Batch scans still run, just without the cross-instance guard
			logger.Warn("redis unavailable, batch lock disabled", "error", err)
			rdb.Close()
			rdb = nil
		} else {
			locker = scan.NewRedisLocker(rdb)
		}
	}

	a, err := Build(ctx, cfg, stores, locker)
	if err != nil {
		db.Close()
		if rdb != nil {
			rdb.Close()
		}
		return nil, err
	}
	a.DB = db
	a.Redis = rdb
	return a, nil
}

// Build assembles the components over the given stores and loads the
// current ruleset. locker may be nil.
func Build(ctx context.Context, cfg config.Config, stores Stores, locker scan.Locker) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	registry, err := rules.NewRegistry()
	if err != nil {
		return nil, err
	}
	engine := rules.NewEngine(registry)

	cacheCfg := schedule.DefaultCacheConfig()
	if cfg.ScheduleCacheTTL > 0 {
		cacheCfg.TTL = cfg.ScheduleCacheTTL
	}
	resolver := schedule.NewResolver(stores.Repo, schedule.NewInMemoryCache(cacheCfg))

	manager := ruleset.NewManager(stores.Rulesets, registry)
	if err := manager.Load(ctx); err != nil {
		return nil, err
	}

	emitter := anomaly.NewEmitter(stores.Anomalies)
	scanner, err := scan.New(stores.Repo, resolver, engine, manager, emitter, scan.Options{
		Workers:   cfg.ScanWorkers,
		RateLimit: cfg.ScanRateLimit,
		Location:  loc,
		Locker:    locker,
		LockTTL:   cfg.BatchLockTTL,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Repo:      stores.Repo,
		Resolver:  resolver,
		Engine:    engine,
		Rulesets:  manager,
		Anomalies: stores.Anomalies,
		Emitter:   emitter,
		Scanner:   scanner,
		Location:  loc,
	}, nil
}

// Close releases the connections opened by Open
func (a *App) Close() error {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
