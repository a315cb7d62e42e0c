package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/backend/file"
	"github.com/mohammed-shakir/geofilter/internal/backend/memory"
	"github.com/mohammed-shakir/geofilter/internal/backend/postgis"
	"github.com/mohammed-shakir/geofilter/internal/backend/sqlite"
	"github.com/mohammed-shakir/geofilter/internal/cache"
	"github.com/mohammed-shakir/geofilter/internal/cache/redisstore"
	"github.com/mohammed-shakir/geofilter/internal/cache/structindex"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/config"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
	"github.com/mohammed-shakir/geofilter/internal/filterevents"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
	"github.com/mohammed-shakir/geofilter/internal/history"
	"github.com/mohammed-shakir/geofilter/internal/hotness/expdecay"
	"github.com/mohammed-shakir/geofilter/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/internal/metrics"
	"github.com/mohammed-shakir/geofilter/internal/orchestrator"
	"github.com/mohammed-shakir/geofilter/internal/resilience"
	"github.com/mohammed-shakir/geofilter/internal/structures"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive/simple"
)

// engine is every long lived component of one process.
type engine struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Provider

	catalog    *catalog.Catalog
	backends   *backend.Registry
	caches     *cache.Set
	structures *structures.Manager
	orch       *orchestrator.Orchestrator
	events     filterevents.Publisher

	closers []func() error
}

func newLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	return logger.Build(logger.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		SampleN: cfg.Log.SampleN,
	}, out)
}

func buildEngine(ctx context.Context, cfg config.Config, log zerolog.Logger) (*engine, error) {
	e := &engine{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	e.metrics = metrics.Init(metrics.Config{Build: metrics.BuildInfo{Version: Version}})
	if err := observability.Register(e.metrics.Registerer()); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	eval, err := memory.NewEvaluator(cfg.Index.H3Resolution)
	if err != nil {
		return nil, fmt.Errorf("cel evaluator: %w", err)
	}
	mem := memory.New(eval, cfg.Index.H3Resolution)
	files := file.New(eval, cfg.Index.H3Resolution)
	e.backends = backend.NewRegistry(mem, files)

	if needsSQLite(cfg) {
		lite, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, lite.Close)
		e.backends.Register(lite)
	}
	if cfg.Postgres.DSN != "" {
		pool, err := resilience.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		guard := resilience.NewGuard(
			resilience.NewBreaker(string(model.BackendPostgres), cfg.Breaker.Failures, cfg.Breaker.Cooldown),
			resilience.RetryPolicy{Attempts: cfg.Retry.Attempts, Backoff: cfg.Retry.Backoff},
		)
		acq := resilience.NewPoolAcquirer(pool, guard)
		e.closers = append(e.closers, func() error { acq.Close(); return nil })
		e.backends.Register(postgis.New(postgis.FromPool(acq), cfg.Structures.Schema))
	}

	e.caches, err = cache.NewSet(cache.Config{
		Geometry:   limits(cfg.Cache.Geometry),
		Expression: limits(cfg.Cache.Expression),
		Structure:  limits(cfg.Cache.Structure),
	})
	if err != nil {
		return nil, fmt.Errorf("caches: %w", err)
	}

	var shared structindex.Index
	if cfg.Cache.Redis.Addr != "" {
		cli, err := redisstore.New(ctx, cfg.Cache.Redis.Addr, redisstore.WithReadTimeout(cfg.Cache.Redis.OpTimeout))
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		e.closers = append(e.closers, cli.Close)
		shared = structindex.NewRedisIndex(cli)
	}

	hot := metricswrap.New(expdecay.New(cfg.Structures.HotHalfLife), cfg.Structures.HotThreshold, log)
	e.structures, err = structures.New(structures.Config{
		Prefix:         cfg.Structures.Prefix,
		NonDurable:     cfg.Structures.NonDurable,
		ClusterMaxRows: cfg.Structures.ClusterMaxRows,
		Policy: structures.Policy{
			MinRows:      cfg.Structures.MinRows,
			HotThreshold: cfg.Structures.HotThreshold,
			Hot:          hot,
		},
		CacheTTL: cfg.Cache.Structure.TTL,
	}, structures.Options{
		Session:  uuid.NewString(),
		Backends: e.backends,
		Cache:    e.caches.Structure,
		Shared:   shared,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return e.structures.Close(ctx)
	})

	e.catalog = catalog.New()
	if err := seedCatalog(ctx, e.catalog, cfg.Collections, mem, files); err != nil {
		return nil, err
	}

	e.events = filterevents.Noop{}
	if cfg.Kafka.Events.Enabled {
		k, err := filterevents.NewKafka(cfg.Kafka.BrokerList(), cfg.Kafka.Events.Topic, 0, log)
		if err != nil {
			return nil, err
		}
		e.events = k
		e.closers = append(e.closers, k.Close)
	}

	e.orch, err = orchestrator.New(orchestrator.Config{
		Workers:      cfg.Orchestrator.Workers,
		JobRetention: cfg.Orchestrator.JobRetention,
		MaxPrecision: cfg.Geometry.MaxPrecision,
	}, orchestrator.Deps{
		Catalog:    e.catalog,
		Backends:   e.backends,
		Selector:   simple.New(simple.Config{RelationalMemoryMax: cfg.Selector.RelationalMemoryMax, EmbeddedStructureMin: cfg.Selector.EmbeddedStructureMin}),
		Structures: e.structures,
		Caches:     e.caches,
		Preparer: geometry.NewPreparer(geometry.Config{
			SizeThreshold:          cfg.Geometry.SizeThreshold,
			MaxPrecision:           cfg.Geometry.MaxPrecision,
			MinPrecision:           cfg.Geometry.MinPrecision,
			MinPrecisionGeographic: cfg.Geometry.MinPrecisionGeographic,
			SimplifySteps:          cfg.Geometry.SimplifySteps,
			QuadSegments:           cfg.Geometry.QuadSegments,
		}),
		History: history.New(cfg.History.MaxDepth, nil),
		Events:  e.events,
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	// jobs are cancelled before the structures they hold are dropped
	e.closers = append(e.closers, func() error { e.orch.Close(); return nil })

	ok = true
	return e, nil
}

// Close releases components in reverse order of construction.
func (e *engine) Close() {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	if err := errors.Join(errs...); err != nil {
		e.log.Warn().Err(err).Msg("shutdown")
	}
}

func limits(l config.CacheLimits) cache.Limits {
	return cache.Limits{Entries: l.Entries, Bytes: l.Bytes, TTL: l.TTL}
}

func needsSQLite(cfg config.Config) bool {
	if cfg.SQLite.Path != "" {
		return true
	}
	for _, c := range cfg.Collections {
		if k, err := model.ParseBackendKind(c.Backend); err == nil && k == model.BackendSpatialite {
			return true
		}
	}
	return false
}

// seedCatalog registers the configured collections. Memory collections are
// loaded once from their GeoJSON path.
func seedCatalog(ctx context.Context, cat *catalog.Catalog, cols []config.CollectionCfg, mem *memory.Backend, files *file.Backend) error {
	for _, cc := range cols {
		kind, err := model.ParseBackendKind(cc.Backend)
		if err != nil {
			return fmt.Errorf("collection %s: %w", cc.ID, err)
		}
		col := catalog.Collection{
			ID:         cc.ID,
			Kind:       kind,
			Schema:     cc.Schema,
			Table:      cc.Table,
			GeomColumn: cc.GeomColumn,
			PKColumn:   cc.PKColumn,
			SRID:       cc.SRID,
			Path:       cc.Path,
			Fallback:   cc.Fallback,
		}
		if cc.Override != "" {
			if col.Override, err = model.ParseBackendKind(cc.Override); err != nil {
				return fmt.Errorf("collection %s override: %w", cc.ID, err)
			}
		}
		if kind == model.BackendMemory {
			if cc.Path == "" {
				return fmt.Errorf("%w: memory collection %s needs a path to load from", model.ErrInput, cc.ID)
			}
			src := col
			src.Kind = model.BackendOGR
			if src.PKColumn == "" {
				src.PKColumn = "fid"
			}
			fs, err := files.Features(ctx, src, backend.Query{})
			if err != nil {
				return fmt.Errorf("load %s: %w", cc.ID, err)
			}
			srid := col.SRID
			if srid <= 0 {
				srid = 4326
			}
			mem.Put(col.ID, srid, fs)
		}
		if err := cat.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// commandTimeout bounds the one-shot commands.
const commandTimeout = 5 * time.Minute
