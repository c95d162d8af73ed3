package graph

import (
	"sync"

	"github.com/lenshq/lens/internal/monitoring"
)

// SendFunc hands one outbound message to the transport. It may block on
// I/O; the manager only ever calls it from the client's drain goroutine,
// never under a state lock. A non-nil error evicts the client.
type SendFunc func(message any) error

// client is one connected client's record: its ordered outbound queue, the
// drain goroutine feeding the transport, and the set of entity keys it
// subscribes to (for cleanup on removal).
type client struct {
	id   string
	send SendFunc

	queue     chan any
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	entities map[string]struct{}
	gone     bool
}

func newClient(id string, send SendFunc, queueSize int) *client {
	return &client{
		id:       id,
		send:     send,
		queue:    make(chan any, queueSize),
		done:     make(chan struct{}),
		entities: make(map[string]struct{}),
	}
}

// drain is the client's single writer loop: it preserves enqueue order and
// keeps transport I/O off the manager's critical sections. A send failure
// evicts the client.
func (c *client) drain(m *Manager) {
	defer monitoring.RecoverPanic(m.logger, "client drain", map[string]any{"client_id": c.id})

	for {
		select {
		case msg := <-c.queue:
			if err := c.send(msg); err != nil {
				m.logger.Warn().
					Str("client_id", c.id).
					Err(err).
					Msg("Transport send failed, evicting client")
				go m.RemoveClient(c.id)
				return
			}
			monitoring.RecordUpdateSent()
		case <-c.done:
			return
		}
	}
}

// enqueue hands a message to the queue without blocking. A full queue
// evicts the client immediately: the shadow already records this payload
// as delivered, so skipping it would leave every later diff computed
// against state the client never received.
func (c *client) enqueue(m *Manager, msg any) {
	select {
	case c.queue <- msg:
	default:
		m.logger.Warn().
			Str("client_id", c.id).
			Msg("Client queue full, evicting slow client")
		monitoring.IncrementSlowClientEviction()
		go m.RemoveClient(c.id)
	}
}

func (c *client) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// trackEntity records that the client subscribes to key. Returns false when
// the client has already been removed.
func (c *client) trackEntity(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return false
	}
	c.entities[key] = struct{}{}
	return true
}

func (c *client) untrackEntity(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities, key)
}

// takeEntities tombstones the client and returns the keys it referenced.
func (c *client) takeEntities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone = true
	keys := make([]string, 0, len(c.entities))
	for k := range c.entities {
		keys = append(keys, k)
	}
	c.entities = make(map[string]struct{})
	return keys
}
