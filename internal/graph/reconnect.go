package graph

import (
	"fmt"
	"time"

	"github.com/lenshq/lens/internal/codec"
	"github.com/lenshq/lens/internal/monitoring"
	"github.com/lenshq/lens/internal/value"
	"github.com/lenshq/lens/internal/wire"
)

// ResolveReconnect classifies every claimed subscription from a
// reconnecting client and assembles the batch ack. Resolution only
// reconciles history: it neither subscribes nor unsubscribes anyone.
// A failure on one subscription surfaces as its own error status and
// leaves the rest of the batch intact.
func (m *Manager) ResolveReconnect(reconnectID string, subs []wire.ReconnectSubscription) wire.ReconnectAck {
	start := time.Now()

	results := make([]wire.ReconnectResult, len(subs))
	for i, sub := range subs {
		results[i] = m.resolveSubscription(sub)
		monitoring.RecordReconnectResult(string(results[i].Status))
	}

	return wire.ReconnectAck{
		Type:           wire.TypeReconnectAck,
		ReconnectID:    reconnectID,
		Results:        results,
		ServerTime:     time.Now().UnixMilli(),
		ProcessingTime: time.Since(start).Milliseconds(),
	}
}

func (m *Manager) resolveSubscription(sub wire.ReconnectSubscription) (res wire.ReconnectResult) {
	res = wire.ReconnectResult{
		ID:       sub.ID,
		Entity:   sub.Entity,
		EntityID: sub.EntityID,
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("entity", sub.Entity).
				Str("entity_id", sub.EntityID).
				Interface("panic_value", r).
				Msg("Reconnect resolution panicked")
			res.Status = wire.StatusError
			res.Error = fmt.Sprintf("internal error: %v", r)
			res.Patches = nil
			res.Data = nil
		}
	}()

	state, version, ok := m.lookupState(sub.Entity, sub.EntityID)
	if !ok || version == 0 {
		res.Status = wire.StatusDeleted
		res.Version = 0
		return res
	}
	res.Version = version

	if sub.Version >= version {
		if sub.DataHash == "" || sub.DataHash == value.HashOf(state).Hex() {
			res.Status = wire.StatusCurrent
			return res
		}
		// The client claims the head version but holds different bytes;
		// only a snapshot can reconcile that.
		return m.snapshotResult(res, state)
	}

	if entries := m.log.GetSince(Key(sub.Entity, sub.EntityID), sub.Version); entries != nil {
		patches := make([][]codec.PatchOp, len(entries))
		for i, entry := range entries {
			patches[i] = entry.Patch
		}
		res.Status = wire.StatusPatched
		res.Patches = patches
		return res
	}

	// History was evicted out from under this client; downgrade to a full
	// snapshot rather than an error.
	return m.snapshotResult(res, state)
}

func (m *Manager) snapshotResult(res wire.ReconnectResult, state map[string]any) wire.ReconnectResult {
	data, err := wire.MaybeCompress(state, m.cfg.CompressionThreshold)
	if err != nil {
		res.Status = wire.StatusError
		res.Error = err.Error()
		return res
	}
	res.Status = wire.StatusSnapshot
	res.Data = data
	return res
}
