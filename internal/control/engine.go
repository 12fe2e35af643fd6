// Package control wires the sync engine together and manages its lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/docsyncd/docsyncd/internal/core/config"
	"github.com/docsyncd/docsyncd/internal/core/worker"
	"github.com/docsyncd/docsyncd/internal/health"
	"github.com/docsyncd/docsyncd/internal/infra/embed"
	redisclient "github.com/docsyncd/docsyncd/internal/infra/redis"
	"github.com/docsyncd/docsyncd/internal/infra/storage"
	"github.com/docsyncd/docsyncd/internal/infra/storage/memory"
	"github.com/docsyncd/docsyncd/internal/infra/storage/postgres"
	"github.com/docsyncd/docsyncd/internal/infra/vector"
	"github.com/docsyncd/docsyncd/internal/pipeline"
	"github.com/docsyncd/docsyncd/internal/sync/resilience"
	"github.com/docsyncd/docsyncd/internal/sync/retry"
	"github.com/docsyncd/docsyncd/internal/sync/statemachine"
	"github.com/docsyncd/docsyncd/internal/sync/txn"
)

// Engine is the main application struct that owns every component of the
// sync pipeline.
type Engine struct {
	cfg *config.AppConfig

	db          *postgres.DB
	redisClient *redisclient.Client
	jobs        storage.SyncJobRepository
	txns        *txn.Manager
	sched       *retry.Scheduler
	rates       *resilience.ErrorRateAggregator
	machine     *statemachine.Machine
	pipeline    *pipeline.Pipeline

	healthMon    *health.Monitor
	healthServer *health.Server
	pruner       *worker.Pruner

	log *slog.Logger
}

// NewEngine creates an Engine with all dependencies initialized. With no
// database URL configured the relational side runs in memory, which is meant
// for local development only.
func NewEngine(cfg *config.AppConfig, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. Relational storage
	var (
		db   *postgres.DB
		jobs storage.SyncJobRepository
		rows txn.RowStore
	)
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			return nil, err
		}
		jobs = postgres.NewJobRepo(db)
		rows = postgres.NewRowStore(db)
		log.Info("using PostgreSQL storage")
	} else {
		jobs = memory.NewJobRepo()
		rows = memory.NewRowStore()
		log.Info("using in-memory storage")
	}

	// 2. Vector store and embedding provider
	vectors := vector.NewClient(cfg.Vector)
	embedder := embed.NewClient(cfg.Embedding)

	// 3. Redis (document locks + dead-letter index), optional
	var (
		redisClient *redisclient.Client
		locker      pipeline.Locker
	)
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("failed to connect to redis, document locking disabled", "error", err)
		} else {
			locker = redisClient
		}
	}

	// 4. Sync core
	txns := txn.NewManager(rows, vectors, log, txn.WithRetention(cfg.Sync.TxnRetention))
	sched := retry.NewScheduler(log)
	rates := resilience.NewErrorRateAggregator(time.Hour)
	machine := statemachine.New(jobs, txns, sched, rates, log)

	pipe, err := pipeline.New(cfg.Pipeline, machine, txns, jobs, sched, vectors, embedder, locker, log)
	if err != nil {
		return nil, err
	}

	// 5. Health monitoring
	breakers := make([]health.Breaker, 0, 2)
	for _, b := range pipe.Breakers() {
		breakers = append(breakers, b)
	}
	healthMon := health.NewMonitor(jobs, rates, sched, breakers...)
	if db != nil {
		healthMon.Register("database", db, true)
	}
	if redisClient != nil {
		healthMon.Register("redis", redisClient, false)
	}
	healthMon.Register("vector", vectors, false)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	// 6. Retention housekeeping
	pruner := worker.NewPruner(cfg.Sync.JobRetention, cfg.Sync.SweepInterval, jobs, sched, log)

	return &Engine{
		cfg:          cfg,
		db:           db,
		redisClient:  redisClient,
		jobs:         jobs,
		txns:         txns,
		sched:        sched,
		rates:        rates,
		machine:      machine,
		pipeline:     pipe,
		healthMon:    healthMon,
		healthServer: healthServer,
		pruner:       pruner,
		log:          log.With("component", "engine"),
	}, nil
}

// Start starts the engine's background loops and the health server.
func (e *Engine) Start(ctx context.Context) error {
	go func() {
		if err := e.healthServer.Start(); err != nil && err != http.ErrServerClosed {
			e.log.Error("health server failed", "error", err)
		}
	}()

	go e.txns.Run(ctx)
	go e.pruner.Start(ctx)

	e.log.Info("sync engine started", "port", e.cfg.Server.Port)
	return nil
}

// Stop shuts the engine down. Pending retry timers are cancelled; in-flight
// stage transactions finish or are swept as abandoned on next start.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("stopping sync engine")

	if n := e.sched.Shutdown(); n > 0 {
		e.log.Info("cancelled pending retries", "count", n)
	}
	e.pipeline.Close()

	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("failed to close redis", "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Warn("failed to close database", "error", err)
		}
	}

	return e.healthServer.Stop(ctx)
}

// Pipeline exposes the document pipeline for callers driving ingestion.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }

// Machine exposes the job state machine for manual recovery operations.
func (e *Engine) Machine() *statemachine.Machine { return e.machine }

// Jobs exposes the sync job repository for status queries.
func (e *Engine) Jobs() storage.SyncJobRepository { return e.jobs }

// Redis exposes the redis client; nil when not configured.
func (e *Engine) Redis() *redisclient.Client { return e.redisClient }
