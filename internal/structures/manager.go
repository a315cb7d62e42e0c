// Package structures owns the intermediate structures the engine creates
// on relational and embedded backends: naming, the worth-it decision,
// per-task cleanup scopes, age based reclaim and the existence caches.
package structures

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/cache"
	"github.com/mohammed-shakir/geofilter/internal/cache/keys"
	"github.com/mohammed-shakir/geofilter/internal/cache/structindex"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
)

type Config struct {
	Prefix         string
	NonDurable     bool
	ClusterMaxRows int64
	Policy         Policy
	CacheTTL       time.Duration // structure-existence entries, local and shared
}

type Options struct {
	Session  string
	Backends *backend.Registry
	Cache    *cache.Cache[model.IntermediateStructure]
	Shared   structindex.Index
	Log      zerolog.Logger
	Now      func() time.Time
}

type record struct {
	s   model.IntermediateStructure
	key string
}

// Manager tracks the structures of one engine session. DDL against the
// same backend is serialized; different backends proceed in parallel.
type Manager struct {
	cfg      Config
	session  string
	backends *backend.Registry
	cache    *cache.Cache[model.IntermediateStructure]
	shared   structindex.Index
	log      zerolog.Logger
	now      func() time.Time
	seq      atomic.Uint64

	ddlMu sync.Mutex
	ddl   map[model.BackendKind]*sync.Mutex

	mu      sync.Mutex
	owned   map[string]record
	retired map[string]record            // stale but still referenced; dropped once unpinned
	pending map[string]model.BackendKind // drops that failed and wait for reclaim
	foreign map[string]struct{}          // other sessions' structures seen through the shared index
	pinned  func(name string) bool
}

func New(cfg Config, o Options) (*Manager, error) {
	if cfg.Prefix == "" {
		return nil, errors.New("structures: prefix is required")
	}
	if o.Session == "" || o.Backends == nil || o.Cache == nil {
		return nil, errors.New("structures: session, backends and cache are required")
	}
	if o.Shared == nil {
		o.Shared = structindex.Noop{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		session:  o.Session,
		backends: o.Backends,
		cache:    o.Cache,
		shared:   o.Shared,
		log:      o.Log.With().Str("component", "structures").Logger(),
		now:      o.Now,
		ddl:      map[model.BackendKind]*sync.Mutex{},
		owned:    map[string]record{},
		retired:  map[string]record{},
		pending:  map[string]model.BackendKind{},
		foreign:  map[string]struct{}{},
	}, nil
}

func (m *Manager) Session() string { return m.session }

func (m *Manager) Prefix() string { return m.cfg.Prefix }

// Worth applies the configured policy.
func (m *Manager) Worth(collection string, estimate int64) (bool, Reason) {
	return m.cfg.Policy.Worth(collection, estimate)
}

// Touch records a filter against collection for the hotness policy.
func (m *Manager) Touch(collection string) {
	if m.cfg.Policy.Hot != nil {
		m.cfg.Policy.Hot.Inc(collection)
	}
}

// PinWith installs the check that tells whether an applied or remembered
// filter still references a structure. Pinned structures survive reclaim
// and data changes.
func (m *Manager) PinWith(fn func(name string) bool) {
	m.mu.Lock()
	m.pinned = fn
	m.mu.Unlock()
}

func (m *Manager) isPinned(name string) bool {
	m.mu.Lock()
	fn := m.pinned
	m.mu.Unlock()
	return fn != nil && fn(name)
}

func (m *Manager) lock(k model.BackendKind) func() {
	m.ddlMu.Lock()
	mu, ok := m.ddl[k]
	if !ok {
		mu = &sync.Mutex{}
		m.ddl[k] = mu
	}
	m.ddlMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) structurer(k model.BackendKind) (backend.Structurer, error) {
	b, err := m.backends.Get(k)
	if err != nil {
		return nil, err
	}
	st, ok := b.(backend.Structurer)
	if !ok {
		return nil, fmt.Errorf("%w: %s backend holds no structures", model.ErrInput, k)
	}
	return st, nil
}

func (m *Manager) nextName() string {
	return formatName(m.cfg.Prefix, m.session, m.now(), m.seq.Add(1))
}

// Acquire returns a ready structure holding the keys of col that match
// where, reusing one from the local or shared cache when it still exists.
// New structures belong to sc until sc is closed.
func (m *Manager) Acquire(ctx context.Context, sc *Scope, kind model.BackendKind, col catalog.Collection, where string) (model.IntermediateStructure, bool, error) {
	st, err := m.structurer(kind)
	if err != nil {
		return model.IntermediateStructure{}, false, err
	}
	hash := keys.ExpressionHash(where)
	key := keys.Structure(col.ID, hash)
	log := m.log.With().Str("collection", col.ID).Str("backend", string(kind)).Logger()

	if s, ok := m.cached(key, kind); ok {
		log.Debug().Str("structure", s.Name).Msg("cache_lookup")
		sc.use(s)
		return s, true, nil
	}

	if s, ok := m.lookupShared(ctx, st, kind, col.ID, hash); ok {
		m.cache.Set(key, s, m.cfg.CacheTTL, cache.CollectionTag(col.ID))
		m.mu.Lock()
		m.foreign[s.Name] = struct{}{}
		m.mu.Unlock()
		log.Debug().Str("structure", s.Name).Str("owner", s.Session).Msg("cache_lookup")
		sc.use(s)
		return s, true, nil
	}

	if err := ctx.Err(); err != nil {
		return model.IntermediateStructure{}, false, err
	}

	unlock := m.lock(kind)
	defer unlock()

	// a run holding the lock may have committed the same structure
	if s, ok := m.cached(key, kind); ok {
		log.Debug().Str("structure", s.Name).Msg("cache_lookup")
		sc.use(s)
		return s, true, nil
	}

	name := m.nextName()
	s := model.IntermediateStructure{
		Name:       name,
		Collection: col.ID,
		Backend:    kind,
		Session:    m.session,
		CreatedAt:  m.now(),
		State:      model.StructCreating,
		KeyHash:    hash,
	}
	sc.track(s, key)
	observability.AddStructures(string(model.StructCreating), 1)

	info, err := st.CreateStructure(ctx, backend.StructureSpec{
		Name:           name,
		Target:         backend.TargetOf(col),
		Where:          where,
		NonDurable:     m.cfg.NonDurable,
		ClusterMaxRows: m.cfg.ClusterMaxRows,
	})
	observability.AddStructures(string(model.StructCreating), -1)
	if err != nil {
		observability.AddStructures(string(model.StructFailed), 1)
		sc.fail(name)
		log.Warn().Err(err).Str("structure", name).Msg("structure_create_failed")
		return model.IntermediateStructure{}, false, err
	}

	s.EstimatedRows = info.Rows
	s.Durable = info.Durable
	s.Indexed = info.Indexed
	s.Clustered = info.Clustered
	s.State = model.StructReady
	sc.ready(s)
	log.Info().
		Str("structure", name).
		Int64("rows", info.Rows).
		Bool("durable", info.Durable).
		Bool("clustered", info.Clustered).
		Msg("structure_created")
	s.State = model.StructInUse
	sc.ready(s)
	observability.AddStructures(string(model.StructInUse), 1)
	return s, false, nil
}

func (m *Manager) cached(key string, kind model.BackendKind) (model.IntermediateStructure, bool) {
	s, ok := m.cache.Get(key)
	if !ok || s.Backend != kind {
		return model.IntermediateStructure{}, false
	}
	s.State = model.StructInUse
	return s, true
}

func (m *Manager) lookupShared(ctx context.Context, st backend.Structurer, kind model.BackendKind, collection string, hash uint64) (model.IntermediateStructure, bool) {
	s, ok, err := m.shared.Lookup(ctx, collection, hash)
	if err != nil {
		m.log.Debug().Err(err).Msg("shared structure index unavailable")
		return model.IntermediateStructure{}, false
	}
	if !ok || s.Backend != kind {
		return model.IntermediateStructure{}, false
	}
	// temp structures of another session are invisible here
	names, err := st.ListStructures(ctx, s.Name)
	if err != nil || !contains(names, s.Name) {
		_ = m.shared.Forget(ctx, collection, hash)
		return model.IntermediateStructure{}, false
	}
	return s, true
}

func contains(ss []string, s string) bool {
	i := sort.SearchStrings(ss, s)
	return i < len(ss) && ss[i] == s
}

// promote hands a committed structure over to the session.
func (m *Manager) promote(ctx context.Context, rec record) {
	rec.s.State = model.StructReady
	m.mu.Lock()
	m.owned[rec.s.Name] = rec
	m.mu.Unlock()
	observability.AddStructures(string(model.StructReady), 1)

	m.cache.Set(rec.key, rec.s, m.cfg.CacheTTL, cache.CollectionTag(rec.s.Collection))
	if err := m.shared.Publish(ctx, rec.s, rec.s.KeyHash, m.cfg.CacheTTL); err != nil {
		m.log.Debug().Err(err).Str("structure", rec.s.Name).Msg("shared structure publish failed")
	}
}

// drop removes a structure from its backend and from every cache. A
// failed drop is logged at low severity and queued for reclaim.
func (m *Manager) drop(ctx context.Context, kind model.BackendKind, collection, name string, hash uint64) error {
	st, err := m.structurer(kind)
	if err == nil {
		unlock := m.lock(kind)
		err = st.DropStructure(ctx, name)
		unlock()
	}
	if collection != "" {
		m.cache.Invalidate(keys.Structure(collection, hash))
		_ = m.shared.Forget(ctx, collection, hash)
	}

	m.mu.Lock()
	_, wasOwned := m.owned[name]
	if _, ok := m.retired[name]; ok {
		wasOwned = true
	}
	delete(m.owned, name)
	delete(m.retired, name)
	delete(m.foreign, name)
	if err != nil {
		m.pending[name] = kind
	} else {
		delete(m.pending, name)
	}
	m.mu.Unlock()
	if wasOwned {
		observability.AddStructures(string(model.StructReady), -1)
	}

	if err != nil {
		m.log.Info().Err(err).Str("structure", name).Str("backend", string(kind)).Msg("structure_drop_failed")
		return fmt.Errorf("%w: %s: %v", model.ErrCleanup, name, err)
	}
	observability.AddStructures(string(model.StructDropped), 1)
	return nil
}

// Alive reports whether the session still holds the named structure.
func (m *Manager) Alive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owned[name]; ok {
		return true
	}
	_, ok := m.foreign[name]
	return ok
}

// Owned lists the structures the session currently keeps.
func (m *Manager) Owned() []model.IntermediateStructure {
	m.mu.Lock()
	out := make([]model.IntermediateStructure, 0, len(m.owned))
	for _, r := range m.owned {
		out = append(out, r.s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForgetCollection drops the session's structures built from collection
// and clears its shared existence entries. Called when the collection's
// data changes. Structures still pinned by a filter are retired instead:
// they are never reused and go once nothing references them.
func (m *Manager) ForgetCollection(ctx context.Context, collection string) int {
	m.mu.Lock()
	var victims []record
	for _, r := range m.owned {
		if r.s.Collection == collection {
			victims = append(victims, r)
		}
	}
	m.mu.Unlock()
	n := 0
	for _, r := range victims {
		if m.isPinned(r.s.Name) {
			m.retire(ctx, r)
			continue
		}
		if m.drop(ctx, r.s.Backend, r.s.Collection, r.s.Name, r.s.KeyHash) == nil {
			n++
		}
	}
	if _, err := m.shared.ForgetCollection(ctx, collection); err != nil {
		m.log.Debug().Err(err).Str("collection", collection).Msg("shared structure index unavailable")
	}
	return n
}

func (m *Manager) retire(ctx context.Context, r record) {
	m.cache.Invalidate(r.key)
	_ = m.shared.Forget(ctx, r.s.Collection, r.s.KeyHash)
	m.mu.Lock()
	delete(m.owned, r.s.Name)
	m.retired[r.s.Name] = r
	m.mu.Unlock()
	m.log.Debug().Str("structure", r.s.Name).Msg("structure_retired")
}

// Retired lists stale structures kept alive by a referencing filter.
func (m *Manager) Retired() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.retired))
	for n := range m.retired {
		out = append(out, n)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Sweep drops retired structures that no filter references any more.
func (m *Manager) Sweep(ctx context.Context) []string {
	m.mu.Lock()
	rs := make([]record, 0, len(m.retired))
	for _, r := range m.retired {
		rs = append(rs, r)
	}
	m.mu.Unlock()
	var dropped []string
	for _, r := range rs {
		if m.isPinned(r.s.Name) {
			continue
		}
		if m.drop(ctx, r.s.Backend, "", r.s.Name, 0) == nil {
			dropped = append(dropped, r.s.Name)
		}
	}
	sort.Strings(dropped)
	return dropped
}

type ReclaimReport struct {
	Dropped []string
	Failed  []string
	Pinned  []string
	Retried int
}

// Reclaim drops structures older than age regardless of the owning
// session, after retrying drops that failed earlier and sweeping retired
// ones. Structures a filter still references are kept.
func (m *Manager) Reclaim(ctx context.Context, age time.Duration) (ReclaimReport, error) {
	var rep ReclaimReport
	rep.Dropped = append(rep.Dropped, m.Sweep(ctx)...)

	m.mu.Lock()
	retry := make(map[string]model.BackendKind, len(m.pending))
	for n, k := range m.pending {
		retry[n] = k
	}
	m.mu.Unlock()
	for _, name := range sortedKeys(retry) {
		rep.Retried++
		if err := m.drop(ctx, retry[name], "", name, 0); err != nil {
			rep.Failed = append(rep.Failed, name)
			continue
		}
		rep.Dropped = append(rep.Dropped, name)
	}

	cutoff := m.now().Add(-age)
	err := m.eachStructure(ctx, func(kind model.BackendKind, name string) {
		if _, created, ok := parseName(m.cfg.Prefix, name); !ok || created.After(cutoff) {
			return
		}
		if _, done := retry[name]; done {
			return
		}
		if m.isPinned(name) {
			rep.Pinned = append(rep.Pinned, name)
			return
		}
		col, hash := m.ownedKey(name)
		if err := m.drop(ctx, kind, col, name, hash); err != nil {
			rep.Failed = append(rep.Failed, name)
			return
		}
		rep.Dropped = append(rep.Dropped, name)
	})
	if len(rep.Dropped) > 0 || len(rep.Failed) > 0 {
		m.log.Info().Int("dropped", len(rep.Dropped)).Int("failed", len(rep.Failed)).Dur("older_than", age).Msg("structures_reclaimed")
	}
	return rep, err
}

// DropAll removes every structure carrying the prefix, including those
// owned by other sessions that may still be using them.
func (m *Manager) DropAll(ctx context.Context) (ReclaimReport, error) {
	m.log.Warn().Str("prefix", m.cfg.Prefix).Msg("dropping all structures; other concurrent sessions lose theirs too")
	var rep ReclaimReport
	err := m.eachStructure(ctx, func(kind model.BackendKind, name string) {
		col, hash := m.ownedKey(name)
		if err := m.drop(ctx, kind, col, name, hash); err != nil {
			rep.Failed = append(rep.Failed, name)
			return
		}
		rep.Dropped = append(rep.Dropped, name)
	})
	m.cache.Purge()
	return rep, err
}

// Close drops the session's own structures, retired ones included.
func (m *Manager) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, s := range m.Owned() {
		if err := m.drop(ctx, s.Backend, s.Collection, s.Name, s.KeyHash); err != nil {
			errs = append(errs, err)
		}
	}
	m.mu.Lock()
	rs := make([]record, 0, len(m.retired))
	for _, r := range m.retired {
		rs = append(rs, r)
	}
	m.mu.Unlock()
	for _, r := range rs {
		if err := m.drop(ctx, r.s.Backend, "", r.s.Name, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ownedKey(name string) (string, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.owned[name]
	if !ok {
		return "", 0
	}
	return r.s.Collection, r.s.KeyHash
}

func (m *Manager) eachStructure(ctx context.Context, fn func(kind model.BackendKind, name string)) error {
	var errs []error
	for _, k := range m.backends.Kinds() {
		st, err := m.structurer(k)
		if err != nil {
			continue
		}
		names, err := st.ListStructures(ctx, m.cfg.Prefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s structures: %w", k, err))
			continue
		}
		for _, n := range names {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn(k, n)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]model.BackendKind) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run reclaims on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, every, age time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Reclaim(ctx, age); err != nil && ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("periodic reclaim")
			}
		}
	}
}
