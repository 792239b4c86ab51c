package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agora/cmd/internal/conversation"
	"agora/cmd/internal/events"
	"agora/cmd/internal/listing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 2 * time.Second
)

// readinessCheck is one dependency probed by /readyz.
type readinessCheck struct {
	name string
	ping func(ctx context.Context) error
}

// backends owns every external resource the server talks to. close releases
// them in reverse order of acquisition.
type backends struct {
	store     conversation.Store
	publisher events.Publisher
	catalog   listing.Catalog
	checks    []readinessCheck
	closers   []func(ctx context.Context) error
}

func (b *backends) onClose(fn func(ctx context.Context) error) {
	b.closers = append(b.closers, fn)
}

func (b *backends) close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg Config, log Logger) (_ *backends, err error) {
	b := &backends{
		publisher: events.NopPublisher{},
		catalog:   listing.NopCatalog{},
	}
	defer func() {
		if err != nil {
			_ = b.close(context.Background())
		}
	}()

	if err := b.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := b.openCatalog(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := b.openPublisher(cfg, log); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *backends) openStore(ctx context.Context, cfg Config, log Logger) error {
	switch cfg.Store {
	case StorePostgres:
		pool, err := newDBPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		b.onClose(func(context.Context) error { pool.Close(); return nil })

		st, err := conversation.NewPostgresStore(pool, conversation.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		b.store = st
		b.checks = append(b.checks, readinessCheck{name: "postgres", ping: func(ctx context.Context) error {
			return pingDB(ctx, pool, pingTimeout)
		}})
		log.Info("store.open", "backend", StorePostgres, "schema", st.Schema())

	case StoreMongo:
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		b.onClose(client.Disconnect)
		if err := client.Ping(cctx, readpref.Primary()); err != nil {
			return fmt.Errorf("mongo ping: %w", err)
		}

		st, err := conversation.NewMongoStore(client.Database(cfg.MongoDatabase))
		if err != nil {
			return err
		}
		if err := st.EnsureIndexes(cctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		b.store = st
		b.checks = append(b.checks, readinessCheck{name: "mongo", ping: func(ctx context.Context) error {
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			return client.Ping(pctx, readpref.Primary())
		}})
		log.Info("store.open", "backend", StoreMongo, "database", cfg.MongoDatabase)

	default:
		b.store = conversation.NewMemoryStore()
		log.Info("store.open", "backend", StoreMemory)
	}

	st := b.store
	b.onClose(func(context.Context) error { return st.Close() })
	return nil
}

// openCatalog builds the listing lookup chain: HTTP client behind a circuit
// breaker, fronted by Redis when AGORA_REDIS_ADDR is set.
func (b *backends) openCatalog(ctx context.Context, cfg Config, log Logger) error {
	if cfg.ListingURL == "" {
		log.Info("listing.disabled")
		return nil
	}

	httpCatalog, err := listing.NewHTTPCatalog(listing.HTTPConfig{
		BaseURL: cfg.ListingURL,
		Timeout: cfg.ListingTimeout,
		Log:     log,
	})
	if err != nil {
		return err
	}
	b.catalog = httpCatalog

	if cfg.RedisAddr == "" {
		log.Info("listing.enabled", "url", cfg.ListingURL, "cache", false)
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	b.onClose(func(context.Context) error { return rdb.Close() })

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	b.catalog = listing.NewCachedCatalog(httpCatalog, rdb, cfg.ListingCacheTTL, log)
	b.checks = append(b.checks, readinessCheck{name: "redis", ping: func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return rdb.Ping(pctx).Err()
	}})
	log.Info("listing.enabled", "url", cfg.ListingURL, "cache", true, "ttl", cfg.ListingCacheTTL)
	return nil
}

func (b *backends) openPublisher(cfg Config, log Logger) error {
	if len(cfg.KafkaBrokers) == 0 {
		log.Info("events.disabled")
		return nil
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		return err
	}
	b.publisher = p
	b.onClose(func(context.Context) error { return p.Close() })
	log.Info("events.enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	return nil
}

// newDBPool builds a pgxpool from cfg and checks connectivity.
func newDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// pingDB checks that a connection can be acquired within timeout.
func pingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
