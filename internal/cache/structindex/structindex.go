// Package structindex shares structure-existence entries between engine
// processes through Redis, behind the in-process structure cache.
package structindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/cache/keys"
	"github.com/mohammed-shakir/geofilter/internal/cache/redisstore"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type Index interface {
	Lookup(ctx context.Context, collection string, exprHash uint64) (model.IntermediateStructure, bool, error)
	Publish(ctx context.Context, s model.IntermediateStructure, exprHash uint64, ttl time.Duration) error
	Forget(ctx context.Context, collection string, exprHash uint64) error
	ForgetCollection(ctx context.Context, collection string) (int, error)
}

type wireEntry struct {
	Name          string    `json:"name"`
	Collection    string    `json:"collection"`
	Backend       string    `json:"backend"`
	Session       string    `json:"session"`
	CreatedAt     time.Time `json:"created_at"`
	EstimatedRows int64     `json:"estimated_rows"`
	Durable       bool      `json:"durable"`
	Indexed       bool      `json:"indexed"`
	Clustered     bool      `json:"clustered"`
}

type redisIndex struct {
	cli *redisstore.Client
}

func NewRedisIndex(cli *redisstore.Client) Index {
	return &redisIndex{cli: cli}
}

func (ri *redisIndex) Lookup(ctx context.Context, collection string, exprHash uint64) (model.IntermediateStructure, bool, error) {
	key := keys.Structure(collection, exprHash)
	raw, ok, err := ri.cli.Get(ctx, key)
	if err != nil {
		return model.IntermediateStructure{}, false, fmt.Errorf("structindex lookup: %w", err)
	}
	if !ok || len(raw) == 0 {
		return model.IntermediateStructure{}, false, nil
	}
	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.IntermediateStructure{}, false, fmt.Errorf("structindex decode %q: %w", key, err)
	}
	return model.IntermediateStructure{
		Name:          w.Name,
		Collection:    w.Collection,
		Backend:       model.BackendKind(w.Backend),
		Session:       w.Session,
		CreatedAt:     w.CreatedAt,
		EstimatedRows: w.EstimatedRows,
		Durable:       w.Durable,
		Indexed:       w.Indexed,
		Clustered:     w.Clustered,
		State:         model.StructReady,
		KeyHash:       exprHash,
	}, true, nil
}

func (ri *redisIndex) Publish(ctx context.Context, s model.IntermediateStructure, exprHash uint64, ttl time.Duration) error {
	payload, err := json.Marshal(wireEntry{
		Name:          s.Name,
		Collection:    s.Collection,
		Backend:       string(s.Backend),
		Session:       s.Session,
		CreatedAt:     s.CreatedAt,
		EstimatedRows: s.EstimatedRows,
		Durable:       s.Durable,
		Indexed:       s.Indexed,
		Clustered:     s.Clustered,
	})
	if err != nil {
		return fmt.Errorf("structindex encode: %w", err)
	}
	key := keys.Structure(s.Collection, exprHash)
	if err := ri.cli.Set(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("structindex publish %q: %w", key, err)
	}
	return nil
}

func (ri *redisIndex) Forget(ctx context.Context, collection string, exprHash uint64) error {
	key := keys.Structure(collection, exprHash)
	if err := ri.cli.Del(ctx, key); err != nil {
		return fmt.Errorf("structindex forget %q: %w", key, err)
	}
	return nil
}

func (ri *redisIndex) ForgetCollection(ctx context.Context, collection string) (int, error) {
	ks, err := ri.cli.Keys(ctx, keys.StructurePrefix(collection))
	if err != nil {
		return 0, fmt.Errorf("structindex scan: %w", err)
	}
	if err := ri.cli.Del(ctx, ks...); err != nil {
		return 0, fmt.Errorf("structindex forget collection %q: %w", collection, err)
	}
	return len(ks), nil
}

// Noop is used when no shared index is configured.
type Noop struct{}

func (Noop) Lookup(context.Context, string, uint64) (model.IntermediateStructure, bool, error) {
	return model.IntermediateStructure{}, false, nil
}

func (Noop) Publish(context.Context, model.IntermediateStructure, uint64, time.Duration) error {
	return nil
}

func (Noop) Forget(context.Context, string, uint64) error { return nil }

func (Noop) ForgetCollection(context.Context, string) (int, error) { return 0, nil }
