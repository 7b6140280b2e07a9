package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/stevebraown/StateRail/internal/engine"
	"github.com/stevebraown/StateRail/internal/persistence"
	"github.com/stevebraown/StateRail/internal/taskqueue"
	"github.com/stevebraown/StateRail/pkg/api"
)

// Open connects to the configured backend and returns an engine over it,
// plus a function that releases the connection. The engine is not started.
func (c *Config) Open(ctx context.Context, logger *slog.Logger, observer api.Observer) (api.Engine, func() error, error) {
	ec := c.EngineConfig()
	ec.Logger = logger
	ec.Observer = observer
	noop := func() error { return nil }

	switch c.Storage.Backend {
	case BackendMemory:
		ec.Persistence = persistence.NewInMemoryPersistence()
		return engine.NewEngineWithConfig(ec), noop, nil

	case BackendSQLite:
		db, err := sql.Open("sqlite", c.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", c.Storage.DSN, err)
		}
		// modernc sqlite serializes writers; one connection avoids
		// SQLITE_BUSY between the store and the queue.
		db.SetMaxOpenConns(1)
		if err := c.openSQL(db, &ec, persistence.NewSQLitePersistence, func(db *sql.DB) (taskqueue.Queue, error) {
			return taskqueue.NewSQLiteQueue(db)
		}); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return engine.NewEngineWithConfig(ec), db.Close, nil

	case BackendPostgres:
		db, err := sql.Open("pgx", c.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := c.openSQL(db, &ec, persistence.NewPostgresPersistence, func(db *sql.DB) (taskqueue.Queue, error) {
			return taskqueue.NewPostgresQueue(db)
		}); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return engine.NewEngineWithConfig(ec), db.Close, nil

	case BackendRedis:
		opts, err := redisOptions(c.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		ec.Persistence = persistence.NewRedisPersistence(client, c.Storage.Prefix)
		ec.Queue = taskqueue.NewRedisQueue(client, c.Storage.Prefix)
		return engine.NewEngineWithConfig(ec), client.Close, nil

	case BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.Storage.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		ec.Persistence = persistence.NewMongoPersistence(client, c.Storage.Database)
		ec.Queue = taskqueue.NewMongoQueue(client, c.Storage.Database, "")
		closeFn := func() error { return client.Disconnect(context.Background()) }
		return engine.NewEngineWithConfig(ec), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
}

func (c *Config) openSQL(
	db *sql.DB,
	ec *engine.Config,
	stores func(*sql.DB) (persistence.Persistence, error),
	queue func(*sql.DB) (taskqueue.Queue, error),
) error {
	p, err := stores(db)
	if err != nil {
		return fmt.Errorf("init %s store: %w", c.Storage.Backend, err)
	}
	q, err := queue(db)
	if err != nil {
		return fmt.Errorf("init %s queue: %w", c.Storage.Backend, err)
	}
	ec.Persistence = p
	ec.Queue = q
	return nil
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(dsn string) (*redis.Options, error) {
	if strings.Contains(dsn, "://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	if dsn == "" {
		return nil, errors.New("redis address is required")
	}
	return &redis.Options{Addr: dsn}, nil
}
