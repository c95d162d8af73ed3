// Package wire defines the JSON message shapes exchanged with clients.
// Transports frame and move bytes; everything inside the frame is one of
// these tagged envelopes.
package wire

import (
	"encoding/json"

	"github.com/lenshq/lens/internal/codec"
	"github.com/lenshq/lens/internal/emit"
)

// Message type tags, client to server.
const (
	TypeHandshake   = "handshake"
	TypeOperation   = "operation"
	TypeSubscribe   = "subscription"
	TypeUnsubscribe = "unsubscribe"
	TypeReconnect   = "reconnect"
	TypeHeartbeat   = "heartbeat"
)

// Message type tags, server to client.
const (
	TypeResponse     = "response"
	TypeUpdate       = "update"
	TypeReconnectAck = "reconnect_ack"
	TypeError        = "error"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeComplete     = "complete"
)

// ProtocolVersion is the wire protocol revision announced in handshakes
// and expected in reconnect messages.
const ProtocolVersion = 1

// Inbound is the decoded superset of every client message. Type selects
// which fields are meaningful; the rest stay zero.
type Inbound struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Path   string          `json:"path,omitempty"`
	OpType string          `json:"opType,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`

	ProtocolVersion int                     `json:"protocolVersion,omitempty"`
	ReconnectID     string                  `json:"reconnectId,omitempty"`
	Subscriptions   []ReconnectSubscription `json:"subscriptions,omitempty"`
	ClientTime      int64                   `json:"clientTime,omitempty"`
}

// ErrorBody is the error payload carried by response, subscription, and
// error envelopes.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Response answers one operation message.
type Response struct {
	Type  string     `json:"type"`
	ID    string     `json:"id"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// Subscription is one streamed result on an operation stream: either an
// initial snapshot (Data) or an incremental EmitCommand (Update).
type Subscription struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	Data    any           `json:"data,omitempty"`
	Update  *emit.Command `json:"update,omitempty"`
	Version int64         `json:"version,omitempty"`
	Error   *ErrorBody    `json:"error,omitempty"`
}

// Update is the state fan-out envelope: a version-tagged set of per-field
// updates for one entity. Hydration uses the same shape with every field
// carrying the value strategy.
type Update struct {
	Type    string                  `json:"type"`
	Entity  string                  `json:"entity"`
	ID      string                  `json:"id"`
	Version int64                   `json:"version"`
	Updates map[string]codec.Update `json:"updates"`
}

// Error is a top-level failure notice, optionally tied to a request id.
type Error struct {
	Type  string    `json:"type"`
	ID    string    `json:"id,omitempty"`
	Error ErrorBody `json:"error"`
}

// Handshake announces the server's capabilities.
type Handshake struct {
	Type string        `json:"type"`
	Data HandshakeData `json:"data"`
}

type HandshakeData struct {
	Version    int      `json:"version"`
	Operations []string `json:"operations"`
	Entities   []string `json:"entities"`
}

// HeartbeatAck answers an application-level heartbeat.
type HeartbeatAck struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
}

// Complete marks the end of a streamed operation.
type Complete struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func NewResponse(id string, data any) Response {
	return Response{Type: TypeResponse, ID: id, Data: data}
}

func NewResponseError(id string, body ErrorBody) Response {
	return Response{Type: TypeResponse, ID: id, Error: &body}
}

func NewError(id string, body ErrorBody) Error {
	return Error{Type: TypeError, ID: id, Error: body}
}

func NewUpdate(entity, id string, version int64, updates map[string]codec.Update) Update {
	return Update{Type: TypeUpdate, Entity: entity, ID: id, Version: version, Updates: updates}
}
