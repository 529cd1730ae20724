package capture

import "sync"

// Loopback is an in-process capture backend used by tests and by the
// dummy-backend fallback: events are injected with Inject and delivered
// on the channel Open returns. It tracks its own pressed-keys, exactly
// as §4.5 requires of a real backend, so Terminate can synthesize the
// matching key-ups.
type Loopback struct {
	mu      sync.Mutex
	ch      chan Event
	pressed map[uint32]struct{}
	closed  bool
}

// NewLoopback constructs an unopened Loopback backend.
func NewLoopback() *Loopback {
	return &Loopback{pressed: make(map[uint32]struct{})}
}

// Factory returns a capture.Factory for this Loopback, named "dummy"
// to match the last entry in §4.5's selection order.
func (l *Loopback) Factory() Factory {
	return func() (Backend, error) {
		return Backend{
			Open:      l.open,
			Release:   func() {},
			Terminate: l.terminate,
			Name:      "dummy",
		}, nil
	}
}

func (l *Loopback) open() (<-chan Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ch = make(chan Event, 1024)
	l.closed = false
	return l.ch, nil
}

// Inject delivers an event as though the backend had captured it,
// tracking key state so Terminate can release cleanly.
func (l *Loopback) Inject(e Event) {
	l.mu.Lock()
	if l.closed || l.ch == nil {
		l.mu.Unlock()
		return
	}
	if e.Kind == KindKey {
		if e.Pressed {
			l.pressed[e.Code] = struct{}{}
		} else {
			delete(l.pressed, e.Code)
		}
	}
	ch := l.ch
	l.mu.Unlock()

	select {
	case ch <- e:
	default:
		// bounded queue overflow: drop the oldest semantics are the
		// transport's job (§5); here we just never block the injector.
	}
}

func (l *Loopback) terminate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.ch == nil {
		return
	}
	for code := range l.pressed {
		select {
		case l.ch <- Event{Kind: KindKey, Code: code, Pressed: false}:
		default:
		}
	}
	l.pressed = make(map[uint32]struct{})
	l.closed = true
	close(l.ch)
}
