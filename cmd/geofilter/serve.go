package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/core/config"
	"github.com/mohammed-shakir/geofilter/internal/core/health"
	"github.com/mohammed-shakir/geofilter/internal/core/router"
	"github.com/mohammed-shakir/geofilter/internal/core/server"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/pkg/invalidation/kafka"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface, the invalidation consumer and periodic reclaim",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg, os.Stdout)
	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("version", Version).
		Int("collections", len(cfg.Collections)).
		Msg("starting geofilter")

	e, err := buildEngine(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer e.Close()

	ready := backendChecks(e.backends)

	inv := kafka.New(kafka.InvalidationConfig{
		Enabled: cfg.Kafka.Invalidation.Enabled,
		Brokers: cfg.Kafka.BrokerList(),
		Topic:   cfg.Kafka.Invalidation.Topic,
		GroupID: cfg.Kafka.Invalidation.GroupID,
	}, e.catalog, kafka.Options{
		Logger:   logger.NewSlog(&log),
		Register: e.metrics.Registerer(),
	})
	if err := inv.Start(ctx); err != nil {
		return fmt.Errorf("invalidation runner: %w", err)
	}
	defer inv.Stop()
	if cfg.Kafka.Invalidation.Enabled {
		ready = append(ready, health.Consumer("kafka_invalidation", inv))
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.structures.Run(runCtx, cfg.Structures.ReclaimInterval, cfg.Structures.ReclaimAge)
	}()

	api := router.New(router.Config{ReclaimAge: cfg.Structures.ReclaimAge}, log, e.orch, e.catalog, e.structures)
	h := server.Handler(log, api, server.Options{Metrics: e.metrics.Handler(), Ready: ready})
	return server.Run(ctx, cfg.Server, log, h)
}

func backendChecks(reg *backend.Registry) []health.Check {
	var out []health.Check
	for _, k := range reg.Kinds() {
		b, err := reg.Get(k)
		if err != nil {
			continue
		}
		out = append(out, health.Check{Name: string(k), Fn: b.Ping})
	}
	return out
}
