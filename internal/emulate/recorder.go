package emulate

import (
	"sync"

	"github.com/feschber/lan-mouse/internal/proto"
)

// Recorder is an in-process emulation backend for tests: it records
// every event it is asked to Consume and tracks pressed keys per
// handle so the P1/P2 properties can be asserted against its history.
type Recorder struct {
	mu      sync.Mutex
	events  []recorded
	pressed map[int]map[uint32]struct{}
}

type recorded struct {
	Handle int
	Event  proto.Event
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{pressed: make(map[int]map[uint32]struct{})}
}

// Factory returns an emulate.Factory for this Recorder.
func (r *Recorder) Factory() Factory {
	return func() (Backend, error) {
		return Backend{
			Create:    r.create,
			Consume:   r.consume,
			Destroy:   r.destroy,
			Terminate: r.terminateAll,
			Name:      "recorder",
		}, nil
	}
}

func (r *Recorder) create(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pressed[handle] == nil {
		r.pressed[handle] = make(map[uint32]struct{})
	}
}

func (r *Recorder) consume(handle int, e proto.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{Handle: handle, Event: e})
	if e.Tag == proto.TagKey {
		if r.pressed[handle] == nil {
			r.pressed[handle] = make(map[uint32]struct{})
		}
		if e.Pressed {
			r.pressed[handle][e.Code] = struct{}{}
		} else {
			delete(r.pressed[handle], e.Code)
		}
	}
}

func (r *Recorder) destroy(handle int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(handle)
}

func (r *Recorder) terminateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h := range r.pressed {
		r.releaseLocked(h)
	}
}

func (r *Recorder) releaseLocked(handle int) {
	for code := range r.pressed[handle] {
		r.events = append(r.events, recorded{Handle: handle, Event: proto.Event{Tag: proto.TagKey, Code: code, Pressed: false}})
	}
	delete(r.pressed, handle)
}

// Events returns a copy of every event consumed so far.
func (r *Recorder) Events() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recorded, len(r.events))
	copy(out, r.events)
	return out
}

// PressedFor returns the set of keys still considered pressed for a
// handle.
func (r *Recorder) PressedFor(handle int) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.pressed[handle]))
	for code := range r.pressed[handle] {
		out = append(out, code)
	}
	return out
}
