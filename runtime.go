package evalflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/evalflow/internal/config"
	"github.com/petrijr/evalflow/internal/metrics"
	"github.com/petrijr/evalflow/internal/orchestrator"
	"github.com/petrijr/evalflow/internal/persistence"
	"github.com/petrijr/evalflow/internal/sqldb"
	"github.com/petrijr/evalflow/internal/taskqueue"
	"github.com/petrijr/evalflow/pkg/api"
	"github.com/petrijr/evalflow/pkg/worker"
)

// Backends are the stores an evalflow process runs on. Store and Queue
// share one connection pool when they point at the same SQL database.
type Backends struct {
	Store  persistence.StateStore
	Queue  taskqueue.Queue
	Locker persistence.Locker

	dbs     map[string]*sql.DB
	closers []func() error
}

// OpenBackends opens the store, queue and locker selected by cfg, creating
// schemas and indexes as needed.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{dbs: map[string]*sql.DB{}}
	if err := b.open(ctx, cfg, logger); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	logger.Info("backends_opened",
		slog.String("store", cfg.Store.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("locks", cfg.Locks.Driver),
		slog.Bool("shared_database", cfg.SharedDatabase()),
	)
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var err error
	switch cfg.Store.Driver {
	case "memory":
		b.Store = persistence.NewInMemoryStore()
	case "sqlite", "postgres":
		db, derr := b.sqlDB(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if derr != nil {
			return derr
		}
		if cfg.Store.Driver == "sqlite" {
			b.Store, err = persistence.NewSQLiteStateStore(db)
		} else {
			b.Store, err = persistence.NewPostgresStateStore(db)
		}
		if err != nil {
			return fmt.Errorf("evalflow: init %s store: %w", cfg.Store.Driver, err)
		}
	default:
		return fmt.Errorf("%w: store driver %q", api.ErrInvalidArgument, cfg.Store.Driver)
	}

	qopts := []taskqueue.Option{
		taskqueue.WithRetryPolicy(retryPolicy(cfg)),
		taskqueue.WithDefaultMaxRetries(cfg.Queue.DefaultMaxRetries),
	}
	switch cfg.Queue.Driver {
	case "memory":
		b.Queue = taskqueue.NewInMemoryQueue(qopts...)
	case "sqlite", "postgres":
		db, derr := b.sqlDB(ctx, cfg.Queue.Driver, cfg.Queue.DSN)
		if derr != nil {
			return derr
		}
		if cfg.Queue.Driver == "sqlite" {
			b.Queue, err = taskqueue.NewSQLiteQueue(db, qopts...)
		} else {
			b.Queue, err = taskqueue.NewPostgresQueue(db, qopts...)
		}
		if err != nil {
			return fmt.Errorf("evalflow: init %s queue: %w", cfg.Queue.Driver, err)
		}
	case "mongo":
		client, cerr := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Queue.DSN))
		if cerr != nil {
			return fmt.Errorf("evalflow: connect mongo: %w", cerr)
		}
		b.closers = append(b.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		b.Queue, err = taskqueue.NewMongoQueue(ctx, client, cfg.Queue.MongoDatabase, cfg.Queue.MongoCollection, qopts...)
		if err != nil {
			return fmt.Errorf("evalflow: init mongo queue: %w", err)
		}
	default:
		return fmt.Errorf("%w: queue driver %q", api.ErrInvalidArgument, cfg.Queue.Driver)
	}

	switch cfg.Locks.Driver {
	case "local":
		b.Locker = persistence.NewKeyedMutex()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Locks.RedisAddr})
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("evalflow: ping redis %s: %w", cfg.Locks.RedisAddr, err)
		}
		b.Locker = persistence.NewRedisLocker(client,
			persistence.WithLockTTL(cfg.Locks.TTL),
			persistence.WithLockPrefix(cfg.Locks.Prefix),
			persistence.WithLockLogger(logger),
		)
	default:
		return fmt.Errorf("%w: lock driver %q", api.ErrInvalidArgument, cfg.Locks.Driver)
	}
	return nil
}

// sqlDB opens driver/dsn once per Backends.
func (b *Backends) sqlDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	key := driver + "|" + dsn
	if db, ok := b.dbs[key]; ok {
		return db, nil
	}

	var db *sql.DB
	var err error
	if driver == "sqlite" {
		db, err = sqldb.OpenSQLite(dsn)
	} else {
		db, err = sqldb.OpenPostgres(dsn)
	}
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("evalflow: ping %s: %w", driver, err), db.Close())
	}
	b.dbs[key] = db
	b.closers = append(b.closers, db.Close)
	return db, nil
}

// Close releases every connection in reverse opening order.
func (b *Backends) Close() error {
	var errs []error
	for _, c := range slices.Backward(b.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func retryPolicy(cfg *config.Config) RetryPolicy {
	r := cfg.Queue.Retry
	switch {
	case r.InitialBackoff <= 0:
		return Retry().Immediate().Policy()
	case r.Strategy == string(taskqueue.BackoffLinear):
		return Retry().WithLinearBackoff(r.InitialBackoff, r.MaxBackoff).Policy()
	default:
		return Retry().WithExponentialBackoff(r.InitialBackoff, r.Multiplier, r.MaxBackoff).Policy()
	}
}

// Services are the external collaborators the orchestrator calls.
// QualityCheck and Evaluation are required.
type Services struct {
	QualityCheck    api.QualityCheckService
	Evaluation      api.EvaluationService
	ConfigValidator api.ConfigValidator
	Notifier        api.NotificationService
}

// Option customizes a Runtime.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger     *slog.Logger
	observer   api.Observer
	registerer prometheus.Registerer
	owner      string
}

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *runtimeOptions) { o.logger = logger }
}

// WithObserver sets the observer notified of transitions and task runs.
func WithObserver(obs api.Observer) Option {
	return func(o *runtimeOptions) { o.observer = obs }
}

// WithMetrics also records transitions and task runs as Prometheus metrics
// registered on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *runtimeOptions) { o.registerer = reg }
}

// WithOwner sets the worker identity recorded in task leases.
func WithOwner(owner string) Option {
	return func(o *runtimeOptions) { o.owner = owner }
}

// Runtime wires an Orchestrator and a worker Pool over a set of Backends.
type Runtime struct {
	Orchestrator *Orchestrator
	Pool         *worker.Pool

	backends    *Backends
	concurrency int
	logger      *slog.Logger
}

// NewRuntime builds a Runtime on already opened backends. Closing the
// Runtime closes b.
func NewRuntime(b *Backends, cfg *config.Config, svc Services, opts ...Option) (*Runtime, error) {
	o := runtimeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = api.NoopObserver{}
	}
	if o.registerer != nil {
		o.observer = api.NewCompositeObserver(o.observer, metrics.NewObserver(o.registerer))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:           b.Store,
		Queue:           b.Queue,
		Locker:          b.Locker,
		QualityCheck:    svc.QualityCheck,
		Evaluation:      svc.Evaluation,
		ConfigValidator: svc.ConfigValidator,
		Notifier:        svc.Notifier,
		Observer:        o.observer,
		Logger:          o.logger,
		Priorities: &orchestrator.Priorities{
			ConfigValidation: cfg.Priorities.ConfigValidation,
			QualityCheck:     cfg.Priorities.QualityCheck,
			Evaluation:       cfg.Priorities.Evaluation,
		},
	})
	if err != nil {
		return nil, err
	}

	pool := worker.New(b.Queue, orch.Registry(), worker.Config{
		Owner:             o.owner,
		PollInterval:      cfg.Worker.PollInterval,
		MaxPollInterval:   cfg.Worker.MaxPollInterval,
		LeaseTTL:          cfg.Worker.LeaseTTL,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
		ReapInterval:      cfg.Worker.ReapInterval,
		Logger:            o.logger,
		Observer:          o.observer,
		Sink:              orch,
	})

	return &Runtime{
		Orchestrator: orch,
		Pool:         pool,
		backends:     b,
		concurrency:  cfg.Worker.Concurrency,
		logger:       o.logger,
	}, nil
}

// Open opens the configured backends and builds a Runtime on them.
func Open(ctx context.Context, cfg *config.Config, svc Services, opts ...Option) (*Runtime, error) {
	o := runtimeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	b, err := OpenBackends(ctx, cfg, o.logger)
	if err != nil {
		return nil, err
	}
	rt, err := NewRuntime(b, cfg, svc, opts...)
	if err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return rt, nil
}

// NewLocalRuntime builds a non-durable Runtime on in-memory backends, for
// development and tests.
func NewLocalRuntime(svc Services, opts ...Option) (*Runtime, error) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Queue.Driver = "memory"
	cfg.Locks.Driver = "local"
	cfg.Worker.PollInterval = 10 * time.Millisecond
	cfg.Worker.MaxPollInterval = 200 * time.Millisecond
	return Open(context.Background(), cfg, svc, opts...)
}

// Backends returns the stores the runtime runs on.
func (r *Runtime) Backends() *Backends { return r.backends }

// Start launches the configured number of workers.
func (r *Runtime) Start(ctx context.Context) error {
	return r.Pool.Start(ctx, r.concurrency)
}

// Stop stops the workers, waiting for in-flight tasks.
func (r *Runtime) Stop() error {
	return r.Pool.Stop()
}

// Reap requeues tasks whose lease expired and returns how many it found.
func (r *Runtime) Reap(ctx context.Context) (int, error) {
	return r.Pool.Reap(ctx)
}

// Purge deletes finished tasks older than age.
func (r *Runtime) Purge(ctx context.Context, age time.Duration) (int, error) {
	return r.backends.Queue.Purge(ctx, time.Now().Add(-age))
}

// Close stops the workers and closes the backends.
func (r *Runtime) Close() error {
	return errors.Join(r.Stop(), r.backends.Close())
}
