// Package events implements the small pub/sub the core uses to expose
// {peer-state-changed, session-state-changed, error-notice} to any
// number of frontends (§7, SPEC_FULL.md §12). It generalizes the
// teacher's "closed chan struct{} + Wait()" broadcast-by-close pattern
// (device.Wait) to a repeated, multi-shot, multi-subscriber stream.
package events

import "sync"

// Kind names the three event categories from spec §7.
type Kind string

const (
	KindPeerStateChanged    Kind = "peer-state-changed"
	KindSessionStateChanged Kind = "session-state-changed"
	KindErrorNotice         Kind = "error-notice"
)

// Event is one notification handed to subscribers.
type Event struct {
	Kind    Kind   `json:"kind"`
	Peer    int    `json:"peer"` // peer handle for peer/session state events (0 when the session goes idle), -1 for error notices
	Message string `json:"message"`
}

// Bus fans a single producer stream out to many subscribers. Publish
// never blocks the producer: when a subscriber's buffer is full, the
// newly published event is dropped for that subscriber rather than
// stalling session-task; events already buffered are kept.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new receiver with a bounded buffer and returns
// it along with a handle for Unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	id := b.next
	b.next++
	b.subs[id] = ch
	return ch, id
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish fans e out to every current subscriber, dropping it for any
// subscriber whose buffer is full instead of blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
