// Package kafka follows a topic of collection change events and marks the
// named collections edited, so caches and structures built on their data
// are dropped.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/geofilter/internal/invalidation"
)

// Runner applies change events from one consumer group to a Target.
type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	target   invalidation.Target
	ms       *metricSet
	ver      *versionDedupe
	now      func() time.Time
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	Now      func() time.Time
}

func New(cfg InvalidationConfig, t invalidation.Target, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg = cfg.withDefaults()
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		target: t,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(cfg.DedupeSize),
		now:    opts.Now,
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled")
		return nil
	}
	if r.target == nil {
		return errors.New("change consumer: target is required")
	}
	if len(r.cfg.Brokers) == 0 {
		return errors.New("change consumer: no brokers configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("change consumer close failed", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("change consumer session ended", "topic", r.cfg.Topic, "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Warn("change consumer group error", "err", err)
		}
	}()

	r.log.Info("change consumer started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.log.Info("change consumer stopped", "topic", r.cfg.Topic)
}

// Readiness reports whether the group holds partitions of the change
// topic, and which.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage applies one event. Malformed bodies are counted and skipped
// so a poison message does not stall the partition; only a failure applying
// a valid event is returned.
func (r *Runner) handleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	start := r.now()
	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(start.Sub(msg.Timestamp).Seconds())
	}

	ev, err := invalidation.Decode(msg.Value)
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		r.log.Warn("invalidation event rejected",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	defer func() {
		r.ms.proc.WithLabelValues(string(ev.Op)).Observe(r.now().Sub(start).Seconds())
	}()

	if !r.ver.firstSeen(ev.Collection, ev.Version) {
		r.ms.msgs.WithLabelValues("duplicate").Inc()
		return nil
	}
	applied, err := invalidation.Apply(r.target, ev)
	switch {
	case err != nil:
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("apply %s %s: %w", ev.Op, ev.Collection, err)
	case !applied:
		r.ms.msgs.WithLabelValues("unknown").Inc()
		r.log.Debug("invalidation for unknown collection", "collection", ev.Collection)
	default:
		r.ms.msgs.WithLabelValues("applied").Inc()
		r.log.Info("collection invalidated",
			"collection", ev.Collection, "op", ev.Op, "version", ev.Version)
	}
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
