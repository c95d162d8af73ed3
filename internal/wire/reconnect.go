package wire

import "github.com/lenshq/lens/internal/codec"

// ReconnectStatus classifies one subscription's recovery outcome.
type ReconnectStatus string

const (
	StatusCurrent  ReconnectStatus = "current"
	StatusPatched  ReconnectStatus = "patched"
	StatusSnapshot ReconnectStatus = "snapshot"
	StatusDeleted  ReconnectStatus = "deleted"
	StatusError    ReconnectStatus = "error"
)

// ReconnectSubscription is the client's description of one locally-held
// view: the entity, the fields it watches, and the version it last applied.
// DataHash optionally carries the hex content hash of its local state so
// the server can confirm the views really match.
type ReconnectSubscription struct {
	ID       string   `json:"id"`
	Entity   string   `json:"entity"`
	EntityID string   `json:"entityId"`
	Fields   []string `json:"fields"`
	Version  int64    `json:"version"`
	DataHash string   `json:"dataHash,omitempty"`
}

// ReconnectResult resolves one subscription. Patches is set for status
// patched (per-version patch groups, oldest first); Data for snapshot,
// possibly as a CompressedPayload.
type ReconnectResult struct {
	ID       string            `json:"id"`
	Entity   string            `json:"entity"`
	EntityID string            `json:"entityId"`
	Status   ReconnectStatus   `json:"status"`
	Version  int64             `json:"version"`
	Patches  [][]codec.PatchOp `json:"patches,omitempty"`
	Data     any               `json:"data,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ReconnectAck is the batch reply to a reconnect message.
type ReconnectAck struct {
	Type           string            `json:"type"`
	ReconnectID    string            `json:"reconnectId"`
	Results        []ReconnectResult `json:"results"`
	ServerTime     int64             `json:"serverTime"`
	ProcessingTime int64             `json:"processingTime"`
}
