package graph

import (
	"sync"

	"github.com/lenshq/lens/internal/codec"
	"github.com/lenshq/lens/internal/value"
	"github.com/lenshq/lens/internal/wire"
)

// ArrayField is the synthetic field under which array-shaped entities keep
// their elements. Array emits and object emits share every other code path
// through this representation.
const ArrayField = "_items"

// Key builds the canonical entity key. Produced once, never parsed.
func Key(entity, id string) string {
	return entity + ":" + id
}

// subscription is one client's registration on an entity: its field filter
// and the shadow of what that client currently holds. Both are guarded by
// the owning entityState's mutex.
type subscription struct {
	fields FieldSet
	shadow map[string]any
}

// entityState is the canonical record for one entity key. mu serializes
// all state mutation, so versions are monotonic and patches contiguous.
// dispatchMu takes over from mu before payloads are enqueued (lock
// handoff): same-entity updates enqueue in version order while mu is never
// held longer than the in-memory work requires.
type entityState struct {
	entity string
	id     string
	key    string

	mu         sync.Mutex
	dispatchMu sync.Mutex

	state       map[string]any
	version     int64
	isArray     bool
	fieldHashes map[string]value.Hash
	subscribers map[string]*subscription
}

func newEntityState(entity, id string) *entityState {
	return &entityState{
		entity:      entity,
		id:          id,
		key:         Key(entity, id),
		fieldHashes: make(map[string]value.Hash),
		subscribers: make(map[string]*subscription),
	}
}

// rehashLocked refreshes the per-field content hash cache from canonical.
func (e *entityState) rehashLocked() {
	hashes := make(map[string]value.Hash, len(e.state))
	for f, v := range e.state {
		hashes[f] = value.HashOf(v)
	}
	e.fieldHashes = hashes
}

// outbound pairs a resolved payload with its target client.
type outbound struct {
	c   *client
	msg any
}

// dispatch releases the state lock and delivers batch through the dispatch
// lock, then returns with both locks released. Must be called with e.mu
// held. Enqueueing is non-blocking, so the dispatch lock is only ever held
// for in-memory work.
func (e *entityState) dispatch(m *Manager, batch []outbound) {
	e.dispatchMu.Lock()
	e.mu.Unlock()
	for _, o := range batch {
		o.c.enqueue(m, o.msg)
	}
	e.dispatchMu.Unlock()
}

// fanOutLocked computes one update message per subscriber whose view
// drifted from canonical, absorbing the sent fields into each shadow.
// Must be called with e.mu held. A panic while diffing one subscriber
// skips only that subscriber.
func (e *entityState) fanOutLocked(m *Manager) []outbound {
	var batch []outbound
	for cid, sub := range e.subscribers {
		c, ok := m.clients.Load(cid)
		if !ok {
			// Tombstoned client; index cleanup is lazy.
			continue
		}
		updates := m.subscriberDiff(e, cid, sub)
		if len(updates) == 0 {
			continue
		}
		for f := range updates {
			if v, present := e.state[f]; present {
				sub.shadow[f] = value.Clone(v)
			} else {
				delete(sub.shadow, f)
			}
		}
		batch = append(batch, outbound{c, wire.NewUpdate(e.entity, e.id, e.version, updates)})
	}
	return batch
}

// subscriberDiff diffs one subscriber's shadow against canonical,
// restricted to its field set. Fields the shadow already matches are
// omitted; a removed field ships as a nil value update.
func (m *Manager) subscriberDiff(e *entityState, clientID string, sub *subscription) (updates map[string]codec.Update) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("entity_key", e.key).
				Str("client_id", clientID).
				Interface("panic_value", r).
				Msg("Diff computation panicked, skipping subscriber for this emit")
			updates = nil
		}
	}()

	for _, f := range sub.fields.Select(e.state) {
		newV, inState := e.state[f]
		oldV, inShadow := sub.shadow[f]

		var u codec.Update
		switch {
		case !inState && !inShadow:
			continue
		case !inState:
			u = codec.ValueUpdate(nil)
		case inShadow && value.Equal(oldV, newV):
			continue
		default:
			u = codec.Create(oldV, newV)
		}
		if updates == nil {
			updates = make(map[string]codec.Update)
		}
		updates[f] = u
	}
	return updates
}
