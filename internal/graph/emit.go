package graph

import (
	"fmt"
	"strings"

	"github.com/lenshq/lens/internal/codec"
	"github.com/lenshq/lens/internal/emit"
	"github.com/lenshq/lens/internal/monitoring"
	"github.com/lenshq/lens/internal/value"
	"github.com/lenshq/lens/internal/wire"
)

func wireUpdate(e *entityState, updates map[string]codec.Update) wire.Update {
	return wire.NewUpdate(e.entity, e.id, e.version, updates)
}

// commit installs next as canonical, bumps the version, logs the patch,
// and fans out. Must be called with e.mu held; returns with it released.
// Callers have already established that next differs from the old state.
func (m *Manager) commit(e *entityState, next map[string]any) {
	patch := codec.DiffObjects(e.state, next)
	e.state = next
	e.version++
	e.rehashLocked()
	m.log.Append(e.key, e.version, patch)

	batch := e.fanOutLocked(m)
	monitoring.RecordEmit("changed")
	e.dispatch(m, batch)
}

// Emit merges (or replaces) data into canonical state. Data structurally
// equal to canonical is a no-op: no version bump, no log entry, no sends.
func (m *Manager) Emit(entity, id string, data map[string]any, replace bool) {
	e := m.entityFor(entity, id, true)

	e.mu.Lock()
	var next map[string]any
	if replace || e.state == nil {
		next = value.CloneMap(data)
	} else {
		next = value.CloneMap(e.state)
		for k, v := range data {
			next[k] = value.Clone(v)
		}
	}
	if e.version > 0 && value.Equal(e.state, next) {
		e.mu.Unlock()
		monitoring.RecordEmit("unchanged")
		return
	}
	m.commit(e, next)
}

// EmitField applies one strategy-encoded update to a single field (dotted
// paths allowed). The field-hash cache short-circuits updates that do not
// actually change the field. A nonexistent entity is created with just
// that field.
func (m *Manager) EmitField(entity, id, field string, u codec.Update) error {
	if field == "" {
		return fmt.Errorf("graph: emit field with empty path")
	}
	e := m.entityFor(entity, id, true)

	e.mu.Lock()
	next, changed, err := m.applyFieldLocked(e, value.CloneMap(e.state), field, u)
	if err != nil {
		e.mu.Unlock()
		monitoring.RecordEmit("error")
		return err
	}
	if e.version > 0 && !changed {
		e.mu.Unlock()
		monitoring.RecordEmit("unchanged")
		return nil
	}
	m.commit(e, next)
	return nil
}

// EmitBatch applies several field updates atomically: one version bump,
// one log entry, at most one send per affected client. Unchanged fields
// are dropped first; an all-unchanged batch is a no-op.
func (m *Manager) EmitBatch(entity, id string, updates []emit.FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	e := m.entityFor(entity, id, true)

	e.mu.Lock()
	next := value.CloneMap(e.state)
	anyChanged := false
	for _, fu := range updates {
		var changed bool
		var err error
		next, changed, err = m.applyFieldLocked(e, next, fu.Field, fu.Update)
		if err != nil {
			e.mu.Unlock()
			monitoring.RecordEmit("error")
			return fmt.Errorf("graph: batch field %q: %w", fu.Field, err)
		}
		anyChanged = anyChanged || changed
	}
	if e.version > 0 && !anyChanged {
		e.mu.Unlock()
		monitoring.RecordEmit("unchanged")
		return nil
	}
	m.commit(e, next)
	return nil
}

// applyFieldLocked folds one field update into next and reports whether
// the field's top-level hash moved. Must be called with e.mu held.
func (m *Manager) applyFieldLocked(e *entityState, next map[string]any, field string, u codec.Update) (map[string]any, bool, error) {
	if field == "" {
		return nil, false, fmt.Errorf("graph: field update with empty path")
	}
	old, _ := value.Get(next, field)
	applied, err := codec.Apply(old, u)
	if err != nil {
		return nil, false, err
	}
	value.Set(next, field, applied)

	top := field
	if i := strings.IndexByte(field, '.'); i >= 0 {
		top = field[:i]
	}
	changed := value.HashOf(next[top]) != e.fieldHashes[top]
	return next, changed, nil
}

// EmitArray replaces the elements of an array-shaped entity. Subscribers
// receive indexed ops when the diff is small, a whole replace otherwise.
func (m *Manager) EmitArray(entity, id string, items []any) {
	e := m.entityFor(entity, id, true)

	e.mu.Lock()
	e.isArray = true
	next := value.CloneMap(e.state)
	next[ArrayField] = value.CloneSlice(items)
	if e.version > 0 && value.Equal(e.state, next) {
		e.mu.Unlock()
		monitoring.RecordEmit("unchanged")
		return
	}
	m.commit(e, next)
}

// EmitArrayOp applies one indexed operation to an array-shaped entity.
func (m *Manager) EmitArrayOp(entity, id string, op codec.ArrayOp) error {
	e := m.entityFor(entity, id, true)

	e.mu.Lock()
	e.isArray = true
	current, _ := e.state[ArrayField].([]any)
	applied, err := codec.ApplyArrayOp(current, op)
	if err != nil {
		e.mu.Unlock()
		monitoring.RecordEmit("error")
		return fmt.Errorf("graph: array op on %s: %w", Key(entity, id), err)
	}
	next := value.CloneMap(e.state)
	next[ArrayField] = applied
	if e.version > 0 && value.Equal(e.state, next) {
		e.mu.Unlock()
		monitoring.RecordEmit("unchanged")
		return nil
	}
	m.commit(e, next)
	return nil
}

// ProcessCommand dispatches an EmitCommand to the matching emit operation.
// This is the single entry point for resolver emits and the ingest bridge.
func (m *Manager) ProcessCommand(entity, id string, cmd emit.Command) error {
	switch cmd.Type {
	case emit.CommandFull:
		switch data := cmd.Data.(type) {
		case map[string]any:
			m.Emit(entity, id, data, cmd.Replace)
		case []any:
			m.EmitArray(entity, id, data)
		default:
			return fmt.Errorf("graph: full command with %T data", cmd.Data)
		}
		return nil

	case emit.CommandField:
		if cmd.Update == nil {
			return fmt.Errorf("graph: field command without update")
		}
		return m.EmitField(entity, id, cmd.Field, *cmd.Update)

	case emit.CommandBatch:
		return m.EmitBatch(entity, id, cmd.Updates)

	case emit.CommandArray:
		if cmd.Op == nil {
			return fmt.Errorf("graph: array command without op")
		}
		if cmd.Field == "" {
			return m.EmitArrayOp(entity, id, *cmd.Op)
		}
		return m.EmitField(entity, id, cmd.Field, codec.Update{
			Strategy: codec.StrategyArray,
			Data:     []codec.ArrayOp{*cmd.Op},
		})

	default:
		return fmt.Errorf("graph: unknown command type %q", cmd.Type)
	}
}
