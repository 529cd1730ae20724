// Package registry implements the client registry (C2) and position map
// (C3) from spec §4.2-4.3. Mutation happens only on the owning
// session-task goroutine; other goroutines interact through Snapshot,
// which copies out immutable values so readers never race with the
// mutator (§5 "per-peer pressed-keys... other readers take a snapshot
// at message boundaries").
package registry

import (
	"errors"
	"fmt"
	"net/netip"
)

// Edge mirrors proto.Edge without importing proto, so registry has no
// dependency on the wire format.
type Edge byte

const (
	EdgeLeft Edge = iota
	EdgeRight
	EdgeTop
	EdgeBottom
)

func (e Edge) String() string {
	switch e {
	case EdgeRight:
		return "right"
	case EdgeTop:
		return "top"
	case EdgeBottom:
		return "bottom"
	default:
		return "left"
	}
}

// ParseEdge maps the four position names used in config.toml and the
// IPC wire protocol to an Edge.
func ParseEdge(s string) (Edge, error) {
	switch s {
	case "left":
		return EdgeLeft, nil
	case "right":
		return EdgeRight, nil
	case "top":
		return EdgeTop, nil
	case "bottom":
		return EdgeBottom, nil
	default:
		return 0, fmt.Errorf("registry: unknown edge %q", s)
	}
}

// Handle is a stable small-integer peer identifier. Handles are never
// reused within a process lifetime (§3).
type Handle int

// Spec describes a peer as configured (hostname/candidate IPs/position).
type Spec struct {
	Hostname          string
	Candidates        []netip.Addr
	Port              uint16
	Position          Edge
	ActivateOnStartup bool
}

// Peer is the mutable runtime state of one configured client (§3).
type Peer struct {
	Handle   Handle
	Hostname string
	Port     uint16
	Position Edge

	candidates []netip.Addr
	current    int // index into candidates of the cached working address, -1 if none

	Active              bool
	Alive               bool
	LastPongUnixNano    int64
	RTTEWMANanos        int64
	PressedKeys         map[uint32]struct{}
	KeymapKnown         bool
	KeymapRequestInFlight bool
}

// Snapshot is an immutable copy of a Peer's state, safe to read from
// any goroutine without holding the registry lock.
type Snapshot struct {
	Handle       Handle
	Hostname     string
	Port         uint16
	Position     Edge
	Address      netip.Addr // zero Addr if none resolved yet
	Active       bool
	Alive        bool
	RTTEWMANanos int64
	KeymapKnown  bool
	PressedCount int
}

var (
	// ErrNotFound is returned when a handle does not name a configured peer.
	ErrNotFound = errors.New("registry: peer not found")
	// ErrDuplicate is returned by Add when the same hostname is added twice.
	ErrDuplicate = errors.New("registry: peer already exists")
)

// Registry owns the full set of configured peers. It is not safe for
// concurrent use from multiple goroutines mutating at once -- by design
// (§5), only session-task calls the mutating methods.
type Registry struct {
	peers   map[Handle]*Peer
	byEdge  map[Edge][]Handle // insertion order, per edge
	nextID  Handle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		peers:  make(map[Handle]*Peer),
		byEdge: make(map[Edge][]Handle),
	}
}

// Add registers a new peer and returns its handle.
func (r *Registry) Add(spec Spec) (Handle, error) {
	for _, p := range r.peers {
		if p.Hostname != "" && p.Hostname == spec.Hostname {
			return 0, ErrDuplicate
		}
	}
	h := r.nextID
	r.nextID++

	cur := -1
	if len(spec.Candidates) > 0 {
		cur = 0
	}
	r.peers[h] = &Peer{
		Handle:      h,
		Hostname:    spec.Hostname,
		Port:        spec.Port,
		Position:    spec.Position,
		candidates:  append([]netip.Addr(nil), spec.Candidates...),
		current:     cur,
		PressedKeys: make(map[uint32]struct{}),
	}
	r.byEdge[spec.Position] = append(r.byEdge[spec.Position], h)
	return h, nil
}

// Remove deletes a peer and unlinks it from its edge. Per the
// invariant in §3, pressed-keys must already be empty by the time a
// peer is removed; callers (session) are responsible for draining
// before calling Remove.
func (r *Registry) Remove(h Handle) error {
	p, ok := r.peers[h]
	if !ok {
		return ErrNotFound
	}
	delete(r.peers, h)
	list := r.byEdge[p.Position]
	for i, hh := range list {
		if hh == h {
			r.byEdge[p.Position] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// List returns a snapshot of every configured peer, in handle order.
func (r *Registry) List() []Snapshot {
	out := make([]Snapshot, 0, len(r.peers))
	for h := Handle(0); h < r.nextID; h++ {
		if p, ok := r.peers[h]; ok {
			out = append(out, snapshot(p))
		}
	}
	return out
}

// Resolve returns a snapshot of a single peer.
func (r *Registry) Resolve(h Handle) (Snapshot, error) {
	p, ok := r.peers[h]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snapshot(p), nil
}

// Peer returns the mutable Peer for in-place updates by session-task.
// Callers outside session-task must not call this.
func (r *Registry) Peer(h Handle) (*Peer, error) {
	p, ok := r.peers[h]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func snapshot(p *Peer) Snapshot {
	var addr netip.Addr
	if p.current >= 0 && p.current < len(p.candidates) {
		addr = p.candidates[p.current]
	}
	return Snapshot{
		Handle:       p.Handle,
		Hostname:     p.Hostname,
		Port:         p.Port,
		Position:     p.Position,
		Address:      addr,
		Active:       p.Active,
		Alive:        p.Alive,
		RTTEWMANanos: p.RTTEWMANanos,
		KeymapKnown:  p.KeymapKnown,
		PressedCount: len(p.PressedKeys),
	}
}

// CurrentAddress returns the peer's cached working address, or the
// zero Addr and false if none has been selected yet (§3 invariant: a
// peer's current-address is always one of its configured candidates,
// or none).
func (r *Registry) CurrentAddress(h Handle) (netip.Addr, bool) {
	p, ok := r.peers[h]
	if !ok || p.current < 0 || p.current >= len(p.candidates) {
		return netip.Addr{}, false
	}
	return p.candidates[p.current], true
}

// AdvanceAddress moves the cached working address to the next
// candidate, wrapping around, per §4.2 "on every send after a
// transport error, iterate candidate addresses in insertion order".
// Returns false if the peer has no candidates at all.
func (r *Registry) AdvanceAddress(h Handle) bool {
	p, ok := r.peers[h]
	if !ok || len(p.candidates) == 0 {
		return false
	}
	p.current = (p.current + 1) % len(p.candidates)
	return true
}

// SetAddress pins the peer's current address to a specific candidate
// (used when a datagram's source address roams within the candidate
// set, or a resolver appends a new candidate that is immediately
// reachable).
func (r *Registry) SetAddress(h Handle, addr netip.Addr) {
	p, ok := r.peers[h]
	if !ok {
		return
	}
	for i, c := range p.candidates {
		if c == addr {
			p.current = i
			return
		}
	}
}

// AddCandidates appends resolver-discovered addresses to a peer's
// candidate list (§4.2 "Hostname resolution is delegated to an
// external resolver collaborator; results expand candidate list").
func (r *Registry) AddCandidates(h Handle, addrs ...netip.Addr) {
	p, ok := r.peers[h]
	if !ok {
		return
	}
	for _, a := range addrs {
		dup := false
		for _, c := range p.candidates {
			if c == a {
				dup = true
				break
			}
		}
		if !dup {
			p.candidates = append(p.candidates, a)
		}
	}
	if p.current < 0 && len(p.candidates) > 0 {
		p.current = 0
	}
}

// ByAddress looks a peer's handle up by any of its candidate
// addresses, used to dispatch inbound datagrams (§4.8
// "Inbound UDP events are dispatched by source address -> peer
// handle").
func (r *Registry) ByAddress(addr netip.Addr) (Handle, bool) {
	for h, p := range r.peers {
		for _, c := range p.candidates {
			if c == addr {
				return h, true
			}
		}
	}
	return 0, false
}
