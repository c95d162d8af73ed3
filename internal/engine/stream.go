package engine

import (
	"sync"

	"github.com/lenshq/lens/internal/emit"
	"github.com/lenshq/lens/internal/wire"
)

// MessageKind tags one stream message.
type MessageKind string

const (
	// MessageSnapshot carries a full result value.
	MessageSnapshot MessageKind = "snapshot"
	// MessageOps carries an incremental EmitCommand.
	MessageOps MessageKind = "ops"
	// MessageError carries a terminal error; MessageComplete follows.
	MessageError MessageKind = "error"
	// MessageComplete is always the final message of a stream.
	MessageComplete MessageKind = "complete"
)

// Message is one item on an operation stream.
type Message struct {
	Kind    MessageKind
	Data    any
	Version int64
	Command *emit.Command
	Err     *wire.ErrorBody
}

// Stream is the lazy result of Execute. Consume Messages until
// MessageComplete; Cancel at any time to stop emission, run cleanup
// hooks, and drop subscriptions the operation created. Cancellation is
// idempotent.
type Stream struct {
	msgs     chan Message
	done     chan struct{}
	finished chan struct{}

	cancelOnce sync.Once
	opCtx      *opContext
}

func newStream(opCtx *opContext) *Stream {
	return &Stream{
		msgs:     make(chan Message, 64),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		opCtx:    opCtx,
	}
}

// Messages returns the stream's channel. The channel is never closed;
// MessageComplete marks the end.
func (s *Stream) Messages() <-chan Message { return s.msgs }

// Cancel stops the stream. Safe to call repeatedly and from any
// goroutine; the executing goroutine observes the cancellation, runs
// cleanup, and pushes the final MessageComplete.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() { close(s.done) })
}

// Done is closed once the stream is cancelled.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Finished is closed once the executing goroutine has pushed its last
// message. Consumers select on it alongside Messages: a full buffer at
// completion time can swallow the MessageComplete marker, and this signal
// covers that case.
func (s *Stream) Finished() <-chan struct{} { return s.finished }

// push delivers a message unless the stream was cancelled. Publishers
// emitting after cancellation fall out on the done branch.
func (s *Stream) push(msg Message) {
	select {
	case <-s.done:
	case s.msgs <- msg:
	}
}

func (s *Stream) pushSnapshot(data any) {
	s.push(Message{Kind: MessageSnapshot, Data: data})
}

func (s *Stream) pushOps(cmd emit.Command) {
	s.push(Message{Kind: MessageOps, Command: &cmd})
}

func (s *Stream) pushError(err error) {
	s.push(Message{
		Kind: MessageError,
		Err:  &wire.ErrorBody{Message: err.Error(), Code: errorCode(err)},
	})
}

// pushComplete bypasses the done guard: the terminal message must land
// even on a cancelled stream, and only the executing goroutine sends it.
// Finished closes regardless, so a consumer that misses the buffered
// marker still observes termination.
func (s *Stream) pushComplete() {
	select {
	case s.msgs <- Message{Kind: MessageComplete}:
	default:
		// Buffer full; Finished carries the signal instead.
	}
	close(s.finished)
}
