// Package graph is the sync engine's state manager. It owns canonical
// per-entity state, the per-client shadows recording what each client
// already holds, the subscriber index, version accounting, and the
// operation log hookup. Every emit funnels through here; the manager
// computes the minimal per-client diffs and hands ordered payloads to the
// transport send path.
package graph

import (
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/lenshq/lens/internal/monitoring"
	"github.com/lenshq/lens/internal/oplog"
	"github.com/lenshq/lens/internal/value"
)

// RetentionPolicy decides what happens to canonical state when the last
// subscriber leaves an entity.
type RetentionPolicy string

const (
	// RetentionEvict drops state and patch history immediately.
	RetentionEvict RetentionPolicy = "evict"
	// RetentionRetain keeps everything for the process lifetime.
	RetentionRetain RetentionPolicy = "retain"
	// RetentionCache parks the entity in a bounded warm cache; history is
	// dropped only when the cache itself evicts the key. Default.
	RetentionCache RetentionPolicy = "cache"
)

// Config tunes the manager. Zero values get defaults from New.
type Config struct {
	Retention     RetentionPolicy
	CacheCapacity int
	CacheTTL      time.Duration

	// ClientQueueSize bounds each client's ordered outbound queue.
	ClientQueueSize int

	// CompressionThreshold is the serialized size above which reconnect
	// snapshots are compressed. Nonpositive disables compression.
	CompressionThreshold int

	// OnEntityUnsubscribed fires after the last subscriber leaves an
	// entity, once the retention policy has been applied.
	OnEntityUnsubscribed func(entity, id string)
}

// cachedEntity is the warm-cache snapshot of an unsubscribed entity.
type cachedEntity struct {
	entity      string
	id          string
	state       map[string]any
	version     int64
	isArray     bool
	fieldHashes map[string]value.Hash
}

// Manager is safe for concurrent use. Different entities and different
// clients proceed in parallel; one entity's mutations serialize on its own
// lock.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	log    *oplog.Log

	entities *xsync.Map[string, *entityState]
	clients  *xsync.Map[string, *client]
	cache    otter.Cache[string, cachedEntity]
}

func New(cfg Config, log *oplog.Log, logger zerolog.Logger) *Manager {
	if cfg.Retention == "" {
		cfg.Retention = RetentionCache
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 10_000
	}
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = 256
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.With().Str("component", "graph").Logger(),
		log:      log,
		entities: xsync.NewMap[string, *entityState](),
		clients:  xsync.NewMap[string, *client](),
	}

	if cfg.Retention == RetentionCache {
		builder := otter.MustBuilder[string, cachedEntity](cfg.CacheCapacity).
			Cost(func(_ string, _ cachedEntity) uint32 { return 1 }).
			DeletionListener(func(key string, _ cachedEntity, cause otter.DeletionCause) {
				// Explicit deletions are promotions back to the live table;
				// their history must survive. Capacity and TTL evictions are
				// final, so stale patches go with them.
				if cause == otter.Size || cause == otter.Expired {
					m.log.DropEntity(key)
				}
			})
		var (
			cache otter.Cache[string, cachedEntity]
			err   error
		)
		if cfg.CacheTTL > 0 {
			cache, err = builder.WithTTL(cfg.CacheTTL).Build()
		} else {
			cache, err = builder.Build()
		}
		if err != nil {
			panic("graph: failed to build retention cache: " + err.Error())
		}
		m.cache = cache
	}

	return m
}

// AddClient registers a client with its transport send function. A known
// id is a well-defined replace: the old record is evicted first.
func (m *Manager) AddClient(id string, send SendFunc) {
	if old, ok := m.clients.Load(id); ok {
		m.removeClientRecord(id, old)
	}
	c := newClient(id, send, m.cfg.ClientQueueSize)
	m.clients.Store(id, c)
	go c.drain(m)

	m.logger.Debug().Str("client_id", id).Msg("Client registered")
}

// RemoveClient evicts a client: its drain loop stops, every subscription
// drops, and no later payload targets the id. Unknown ids are no-ops.
func (m *Manager) RemoveClient(id string) {
	c, ok := m.clients.LoadAndDelete(id)
	if !ok {
		return
	}
	m.removeClientRecord(id, c)
}

func (m *Manager) removeClientRecord(id string, c *client) {
	c.stop()
	for _, key := range c.takeEntities() {
		e, ok := m.entities.Load(key)
		if !ok {
			continue
		}
		e.mu.Lock()
		delete(e.subscribers, id)
		last := len(e.subscribers) == 0
		e.mu.Unlock()
		if last {
			m.entityReleased(e)
		}
	}
	m.logger.Debug().Str("client_id", id).Msg("Client removed")
}

// Subscribe registers clientID on (entity, id) with the given field
// filter. If the entity already has state, a hydrate update carrying every
// subscribed field goes out immediately and the shadow is seeded; an
// entity that does not exist yet hydrates naturally on its first emit.
func (m *Manager) Subscribe(clientID, entity, id string, fields []string) {
	c, ok := m.clients.Load(clientID)
	if !ok {
		m.logger.Warn().Str("client_id", clientID).Msg("Subscribe from unknown client ignored")
		return
	}
	m.subscribe(c, entity, id, fields, -1)
}

// Resubscribe is Subscribe for the reconnect path. version is the head the
// client reached through reconnect resolution; while canonical still sits
// at that version the shadow seeds silently. An emit that landed between
// resolution and re-registration moves the version, and the registration
// then hydrates like a fresh subscribe so the window's changes are not
// lost.
func (m *Manager) Resubscribe(clientID, entity, id string, fields []string, version int64) {
	c, ok := m.clients.Load(clientID)
	if !ok {
		return
	}
	m.subscribe(c, entity, id, fields, version)
}

func (m *Manager) subscribe(c *client, entity, id string, fields []string, haveVersion int64) {
	e := m.entityFor(entity, id, true)
	if !c.trackEntity(e.key) {
		return
	}

	e.mu.Lock()
	sub := &subscription{
		fields: NewFieldSet(fields),
		shadow: make(map[string]any),
	}
	e.subscribers[c.id] = sub

	if e.version == 0 {
		e.mu.Unlock()
		return
	}

	seedShadow := func() {
		for _, f := range sub.fields.Select(e.state) {
			if v, present := e.state[f]; present {
				sub.shadow[f] = value.Clone(v)
			}
		}
	}

	if haveVersion == e.version {
		seedShadow()
		e.mu.Unlock()
		return
	}

	updates := m.subscriberDiff(e, c.id, sub)
	if len(updates) == 0 {
		e.mu.Unlock()
		return
	}
	seedShadow()
	msg := wireUpdate(e, updates)
	e.dispatch(m, []outbound{{c, msg}})
}

// Unsubscribe drops clientID's registration on (entity, id). Unknown
// pairs are no-ops. On last subscriber the retention policy applies and
// OnEntityUnsubscribed fires.
func (m *Manager) Unsubscribe(clientID, entity, id string) {
	e, ok := m.entities.Load(Key(entity, id))
	if !ok {
		return
	}
	e.mu.Lock()
	if _, subscribed := e.subscribers[clientID]; !subscribed {
		e.mu.Unlock()
		return
	}
	delete(e.subscribers, clientID)
	last := len(e.subscribers) == 0
	e.mu.Unlock()

	if c, ok := m.clients.Load(clientID); ok {
		c.untrackEntity(e.key)
	}
	if last {
		m.entityReleased(e)
	}
}

// UpdateSubscription replaces the field filter. No catch-up is sent; the
// next emit honors the new set (newly added fields have no shadow entry,
// so they diff as fresh values).
func (m *Manager) UpdateSubscription(clientID, entity, id string, fields []string) {
	e, ok := m.entities.Load(Key(entity, id))
	if !ok {
		return
	}
	e.mu.Lock()
	if sub, subscribed := e.subscribers[clientID]; subscribed {
		sub.fields = NewFieldSet(fields)
	}
	e.mu.Unlock()
}

// entityReleased applies the retention policy after the last subscriber
// left. A subscriber arriving concurrently wins: the entity stays live.
func (m *Manager) entityReleased(e *entityState) {
	e.mu.Lock()
	if len(e.subscribers) > 0 {
		e.mu.Unlock()
		return
	}

	switch m.cfg.Retention {
	case RetentionRetain:
		e.mu.Unlock()

	case RetentionCache:
		snap := cachedEntity{
			entity:      e.entity,
			id:          e.id,
			state:       e.state,
			version:     e.version,
			isArray:     e.isArray,
			fieldHashes: e.fieldHashes,
		}
		e.mu.Unlock()
		m.entities.Delete(e.key)
		if e.version > 0 {
			m.cache.Set(e.key, snap)
		}

	default: // RetentionEvict
		e.mu.Unlock()
		m.entities.Delete(e.key)
		m.log.DropEntity(e.key)
	}

	if m.cfg.OnEntityUnsubscribed != nil {
		m.cfg.OnEntityUnsubscribed(e.entity, e.id)
	}
}

// entityFor returns the live record for (entity, id), promoting a warm
// cache entry back into the live table when one exists. With create false
// it returns nil for unknown entities.
func (m *Manager) entityFor(entity, id string, create bool) *entityState {
	key := Key(entity, id)
	if e, ok := m.entities.Load(key); ok {
		return e
	}

	if m.cfg.Retention == RetentionCache {
		if snap, ok := m.cache.Get(key); ok {
			e := newEntityState(entity, id)
			e.state = snap.state
			e.version = snap.version
			e.isArray = snap.isArray
			e.fieldHashes = snap.fieldHashes
			e, _ = m.entities.LoadOrStore(key, e)
			m.cache.Delete(key)
			return e
		}
	}

	if !create {
		return nil
	}
	e, _ := m.entities.LoadOrStore(key, newEntityState(entity, id))
	return e
}

// lookupState reads (state, version, isArray) for a key from the live
// table or the warm cache, without promoting. Used by the reconnect path.
func (m *Manager) lookupState(entity, id string) (map[string]any, int64, bool) {
	key := Key(entity, id)
	if e, ok := m.entities.Load(key); ok {
		e.mu.Lock()
		state := value.CloneMap(e.state)
		version := e.version
		e.mu.Unlock()
		return state, version, true
	}
	if m.cfg.Retention == RetentionCache {
		if snap, ok := m.cache.Get(key); ok {
			return value.CloneMap(snap.state), snap.version, true
		}
	}
	return nil, 0, false
}

// Version returns the current version for (entity, id), 0 when the entity
// was never emitted.
func (m *Manager) Version(entity, id string) int64 {
	_, version, _ := m.lookupState(entity, id)
	return version
}

// CanonicalState returns a deep copy of the canonical state.
func (m *Manager) CanonicalState(entity, id string) (map[string]any, bool) {
	state, version, ok := m.lookupState(entity, id)
	if !ok || version == 0 {
		return nil, false
	}
	return state, true
}

// Stats is a point-in-time report over the manager's tables.
type Stats struct {
	Entities      int         `json:"entities"`
	CachedEntities int        `json:"cached_entities"`
	Clients       int         `json:"clients"`
	Subscriptions int         `json:"subscriptions"`
	Oplog         oplog.Stats `json:"oplog"`
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Entities: m.entities.Size(),
		Clients:  m.clients.Size(),
		Oplog:    m.log.Stats(),
	}
	if m.cfg.Retention == RetentionCache {
		st.CachedEntities = m.cache.Size()
	}
	m.entities.Range(func(_ string, e *entityState) bool {
		e.mu.Lock()
		st.Subscriptions += len(e.subscribers)
		e.mu.Unlock()
		return true
	})
	monitoring.RecordOplogStats(st.Oplog.Entries, st.Oplog.Bytes)
	return st
}
