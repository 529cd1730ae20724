// Package session implements C7, the session state machine at the
// heart of lan-mouse (§4.7). It is the only place that mutates peer
// state and session state (§5); every other task talks to it through
// the channels passed to Run.
//
// Grounded on the teacher's device.go changeState/upLocked/downLocked
// shape (a single mutex-guarded transition function, advisory atomic
// reads elsewhere) and peer.go's Start/Stop/ZeroAndFlushAll (stop,
// drain, then clear sensitive state).
//
// Per DESIGN.md, the liveness tracker (C4) and the per-peer ping
// schedule are folded into this single goroutine as plain method
// calls rather than a separate OS goroutine + channel pair: both own
// no resource that needs its own lock, and §5 describes the task list
// as a conceptual decomposition, not a hard goroutine-per-task
// requirement. capture-task and transport-task remain real goroutines
// because they perform genuine blocking I/O.
package session

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feschber/lan-mouse/internal/applog"
	"github.com/feschber/lan-mouse/internal/capture"
	"github.com/feschber/lan-mouse/internal/emulate"
	"github.com/feschber/lan-mouse/internal/events"
	"github.com/feschber/lan-mouse/internal/liveness"
	"github.com/feschber/lan-mouse/internal/lmerr"
	"github.com/feschber/lan-mouse/internal/proto"
	"github.com/feschber/lan-mouse/internal/ratelimit"
	"github.com/feschber/lan-mouse/internal/registry"
)

// State is the session's own state value (§3: "exactly one session
// state exists per process").
type State int

const (
	Idle State = iota
	ActiveTo
	Releasing
)

func (s State) String() string {
	switch s {
	case ActiveTo:
		return "active"
	case Releasing:
		return "releasing"
	default:
		return "idle"
	}
}

// Sender is the subset of transport.Transport the session needs to
// emit datagrams.
type Sender interface {
	SendTo(addr netip.AddrPort, data []byte) error
}

// KeymapRequester is the subset of transport.Transport needed to fetch
// a peer's keymap over the TCP side-channel.
type KeymapRequester interface {
	RequestKeymap(ctx context.Context, addr netip.AddrPort) ([]byte, error)
}

// CommandKind enumerates the IPC-driven operations from §6.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdRemove
	CmdActivate
	CmdDeactivate
	CmdList
)

// Command is one IPC request, with a reply channel for its result
// (the IPC server blocks its own goroutine on Reply, never session-task).
type Command struct {
	Kind   CommandKind
	Spec   registry.Spec
	Handle registry.Handle
	Reply  chan CommandResult
}

// CommandResult is what a Command produces.
type CommandResult struct {
	Handle registry.Handle
	Peers  []registry.Snapshot
	Err    error
}

// keymapResult is delivered back to Run from the goroutine a keymap
// request was issued on.
type keymapResult struct {
	reqID  uuid.UUID
	handle registry.Handle
	data   []byte
	err    error
}

// Machine owns the registry, liveness state, and the Idle/ActiveTo/
// Releasing state machine. The zero value is not usable; build with
// New.
type Machine struct {
	log    *applog.Logger
	reg    *registry.Registry
	sender Sender
	keymap KeymapRequester
	emu    emulate.Backend
	cap    capture.Backend
	bus    *events.Bus
	now    func() time.Time
	limit  *ratelimit.Limiter

	live map[registry.Handle]*liveness.Peer

	releaseBind map[uint32]struct{}
	held        map[uint32]struct{}

	state  State
	active registry.Handle

	pendingEnter   *capture.Event
	keymapInFlight map[registry.Handle]context.CancelFunc
	keymapResults  chan keymapResult
	schedules      map[registry.Handle]*pingSchedule

	mu sync.Mutex // guards state and active for State() called from other goroutines
}

// Config bundles Machine's constructor dependencies.
type Config struct {
	Log         *applog.Logger
	Registry    *registry.Registry
	Sender      Sender
	Keymap      KeymapRequester
	Emulation   emulate.Backend
	Capture     capture.Backend
	Bus         *events.Bus
	RateLimit   *ratelimit.Limiter
	ReleaseBind []uint32
	Now         func() time.Time
}

// New builds a Machine.
func New(cfg Config) *Machine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rb := make(map[uint32]struct{}, len(cfg.ReleaseBind))
	for _, c := range cfg.ReleaseBind {
		rb[c] = struct{}{}
	}
	return &Machine{
		log:            cfg.Log,
		reg:            cfg.Registry,
		sender:         cfg.Sender,
		keymap:         cfg.Keymap,
		emu:            cfg.Emulation,
		cap:            cfg.Capture,
		bus:            cfg.Bus,
		now:            now,
		limit:          cfg.RateLimit,
		live:           make(map[registry.Handle]*liveness.Peer),
		releaseBind:    rb,
		held:           make(map[uint32]struct{}),
		state:          Idle,
		keymapInFlight: make(map[registry.Handle]context.CancelFunc),
		keymapResults:  make(chan keymapResult, 16),
	}
}

// livenessFor lazily creates a liveness.Peer for h.
func (m *Machine) livenessFor(h registry.Handle) *liveness.Peer {
	p, ok := m.live[h]
	if !ok {
		p = liveness.NewPeer()
		m.live[h] = p
	}
	return p
}

// State returns the current session state, for tests and status
// reporting.
func (m *Machine) State() (State, registry.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.active
}

func (m *Machine) setState(s State, target registry.Handle) {
	m.mu.Lock()
	m.state = s
	m.active = target
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.KindSessionStateChanged, Peer: int(target), Message: s.String()})
	}
}

func (m *Machine) publishPeer(h registry.Handle, msg string) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.KindPeerStateChanged, Peer: int(h), Message: msg})
	}
}

// publishError surfaces a domain error to any subscribed frontend (§7
// "error-notice"). Peer is always -1: an error-notice is a process-wide
// notification, not per-peer state (that's KindPeerStateChanged).
func (m *Machine) publishError(err error) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.KindErrorNotice, Peer: -1, Message: err.Error()})
	}
}

// allowLog reports whether a log line about addr may be emitted right
// now, gated by the rate limiter so a scanner hammering the listen
// port can't flood the daemon's logs (§7, §8 P4). A Machine built
// without a limiter always allows.
func (m *Machine) allowLog(addr netip.Addr) bool {
	if m.limit == nil {
		return true
	}
	return m.limit.AllowLog(addr)
}

// send encodes and sends ev to the peer currently at h's cached
// address, non-blocking and best-effort (Open Question b: "try once,
// non-blocking, ignore error").
func (m *Machine) send(h registry.Handle, ev proto.Event) {
	addr, ok := m.reg.CurrentAddress(h)
	if !ok {
		return
	}
	p, err := m.reg.Peer(h)
	if err != nil {
		return
	}
	buf := proto.Encode(nil, ev)
	ap := netip.AddrPortFrom(addr, p.Port)
	if err := m.sender.SendTo(ap, buf); err != nil {
		wrapped := fmt.Errorf("%w: peer %d: %v", lmerr.ErrTransport, h, err)
		m.log.With(int(h)).Verbosef("send failed: %v", wrapped)
		m.publishError(wrapped)
		m.reg.AdvanceAddress(h)
	}
}

// HandleCapture processes one local capture event (§4.7).
func (m *Machine) HandleCapture(ev capture.Event) {
	switch ev.Kind {
	case capture.KindKey:
		m.trackHeld(ev.Code, ev.Pressed)
	case capture.KindDisconnect:
		m.onBackendTerminate()
		return
	case capture.KindRelease:
		if m.state == ActiveTo {
			m.beginReleasing(m.active)
		}
		return
	}

	switch m.state {
	case Idle:
		if ev.Kind == capture.KindEnterEdge {
			m.tryEnter(ev)
		}
		// all other capture events are irrelevant while idle: local
		// input already flows to the local OS without our help.
	case ActiveTo:
		m.forwardActive(ev)
		if ev.Kind == capture.KindKey && m.chordArmed() {
			m.beginReleasing(m.active)
		}
		if ev.Kind == capture.KindEnterEdge {
			// Direct hand-off (transition 4, §4.7): queue the new
			// target and let the Releasing->Idle drain apply it.
			e := ev
			m.pendingEnter = &e
			m.beginReleasing(m.active)
		}
	case Releasing:
		// Open Question (a): overwrite any queued enter; everything
		// else is dropped until the drain completes.
		if ev.Kind == capture.KindEnterEdge {
			e := ev
			m.pendingEnter = &e
		}
	}
}

func (m *Machine) trackHeld(code uint32, pressed bool) {
	if pressed {
		m.held[code] = struct{}{}
	} else {
		delete(m.held, code)
	}
}

// chordArmed reports whether the held-key set is exactly equal to the
// configured release_bind chord (§4.7 "the moment the set of
// currently-held-down scancodes becomes equal to S, not a superset").
func (m *Machine) chordArmed() bool {
	if len(m.releaseBind) == 0 || len(m.held) != len(m.releaseBind) {
		return false
	}
	for k := range m.releaseBind {
		if _, ok := m.held[k]; !ok {
			return false
		}
	}
	return true
}

func (m *Machine) tryEnter(ev capture.Event) {
	edge := registry.Edge(ev.Edge)
	h, ok := m.reg.PickAtEdge(edge)
	if !ok {
		// P5: no peer alive at this edge, cursor stays local.
		return
	}
	m.enterActive(h, ev)
}

func (m *Machine) enterActive(h registry.Handle, ev capture.Event) {
	m.setState(ActiveTo, h)
	if p, err := m.reg.Peer(h); err == nil {
		p.Active = true
	}
	m.publishPeer(h, "active")
	m.send(h, proto.Event{Tag: proto.TagEnter, Edge: proto.Edge(ev.Edge), Position: ev.Position})

	if p, err := m.reg.Peer(h); err == nil && !p.KeymapKnown {
		m.requestKeymap(h)
	}
}

func (m *Machine) forwardActive(ev capture.Event) {
	h := m.active
	var wire proto.Event
	ts := uint32(m.now().UnixMilli())
	switch ev.Kind {
	case capture.KindMotion:
		wire = proto.Event{Tag: proto.TagMouseMotion, Timestamp: ts, DX: ev.DX, DY: ev.DY}
	case capture.KindButton:
		wire = proto.Event{Tag: proto.TagButton, Timestamp: ts, Code: ev.Code, Pressed: ev.Pressed}
	case capture.KindAxis:
		wire = proto.Event{Tag: proto.TagAxis, Timestamp: ts, Axis: ev.Axis, Value: ev.Value}
	case capture.KindKey:
		wire = proto.Event{Tag: proto.TagKey, Timestamp: ts, Code: ev.Code, Pressed: ev.Pressed}
		m.trackForwardedKey(h, ev.Code, ev.Pressed)
	default:
		return
	}
	m.send(h, wire)
}

// trackForwardedKey maintains the per-peer pressed-keys invariant from
// §3: every forwarded down adds, every forwarded up removes.
func (m *Machine) trackForwardedKey(h registry.Handle, code uint32, pressed bool) {
	p, err := m.reg.Peer(h)
	if err != nil {
		return
	}
	if pressed {
		p.PressedKeys[code] = struct{}{}
		return
	}
	if _, ok := p.PressedKeys[code]; !ok {
		m.log.With(int(h)).Verbosef("key-up for %d not in pressed-keys", code)
	}
	delete(p.PressedKeys, code)
}

// beginReleasing drives transition 2/3 (§4.7): drain every forwarded
// pressed key with a matching key-up, clear the set, then go Idle and
// apply any queued hand-off.
func (m *Machine) beginReleasing(h registry.Handle) {
	m.setState(Releasing, h)
	p, err := m.reg.Peer(h)
	if err == nil {
		for code := range p.PressedKeys {
			m.send(h, proto.Event{Tag: proto.TagKey, Code: code, Pressed: false})
		}
		p.PressedKeys = make(map[uint32]struct{})
		p.Active = false
	}
	m.send(h, proto.Event{Tag: proto.TagDisconnect})
	m.cancelKeymapRequest(h)
	if m.cap.Release != nil {
		m.cap.Release()
	}
	m.publishPeer(h, "released")
	m.held = make(map[uint32]struct{})

	m.setState(Idle, 0)
	if pending := m.pendingEnter; pending != nil {
		m.pendingEnter = nil
		m.tryEnter(*pending)
	}
}

// onPeerUnreachable implements transition 2's second trigger.
func (m *Machine) onPeerUnreachable(h registry.Handle) {
	m.reg.SetAlive(h, false)
	err := fmt.Errorf("%w: peer %d", lmerr.ErrPeerUnreachable, h)
	m.log.With(int(h)).Verbosef("%v", err)
	m.publishPeer(h, "unreachable")
	m.publishError(err)
	if m.state == ActiveTo && m.active == h {
		m.beginReleasing(h)
	}
}

// onBackendTerminate implements transition 2's "backend terminate"
// trigger (a capture.KindDisconnect event from the local backend).
func (m *Machine) onBackendTerminate() {
	err := fmt.Errorf("%w: capture backend terminated", lmerr.ErrBackend)
	m.log.Verbosef("%v", err)
	m.publishError(err)
	if m.state == ActiveTo {
		m.beginReleasing(m.active)
	}
}

// HandleCommand executes one IPC command (§6 CLI surface). The
// command's own Reply channel carries the result back; Run does not
// block waiting for the caller to read it (the IPC server owns its
// own goroutine per connection).
func (m *Machine) HandleCommand(cmd Command) {
	var res CommandResult
	switch cmd.Kind {
	case CmdConnect:
		h, err := m.reg.Add(cmd.Spec)
		res = CommandResult{Handle: h, Err: err}
		if err == nil && cmd.Spec.ActivateOnStartup {
			// optimistic: the liveness tracker only marks a peer
			// unreachable after it has answered at least one ping, so a
			// peer that never answers stays marked alive.
			m.reg.SetAlive(h, true)
		}
	case CmdRemove:
		if m.state == ActiveTo && m.active == cmd.Handle {
			m.beginReleasing(cmd.Handle)
		}
		res.Err = m.reg.Remove(cmd.Handle)
		delete(m.live, cmd.Handle)
	case CmdActivate:
		if m.state == Idle {
			if snap, err := m.reg.Resolve(cmd.Handle); err == nil && snap.Alive {
				m.enterActive(cmd.Handle, capture.Event{Kind: capture.KindEnterEdge, Position: 0})
			} else if err != nil {
				res.Err = err
			}
		}
	case CmdDeactivate:
		if m.state == ActiveTo && m.active == cmd.Handle {
			m.beginReleasing(cmd.Handle)
		}
	case CmdList:
		res.Peers = m.reg.List()
	}
	if cmd.Reply != nil {
		cmd.Reply <- res
	}
}

// HandleInbound processes one received datagram (§4.7, §4.8).
func (m *Machine) HandleInbound(src netip.AddrPort, data []byte) {
	ev, err := proto.Decode(data)
	if err != nil {
		if m.allowLog(src.Addr()) {
			m.log.Verbosef("decode error from %s: %v", src, err)
		}
		return
	}

	h, known := m.reg.ByAddress(src.Addr())
	if !known {
		if m.allowLog(src.Addr()) {
			m.log.Verbosef("datagram from unknown source %s dropped", src)
		}
		return
	}

	switch ev.Tag {
	case proto.TagPing:
		m.sendRaw(src, proto.Event{Tag: proto.TagPong, Nonce: ev.Nonce})
		return
	case proto.TagPong:
		m.onPong(h, ev.Nonce)
		return
	case proto.TagEnter, proto.TagLeave, proto.TagDisconnect:
		m.log.Verbosef("control event %v from peer %d", ev.Tag, h)
		return
	}

	// Feedback-loop guard (§4.7): while ActiveTo(p), datagrams whose
	// source is p itself are dropped rather than replayed locally.
	if m.state == ActiveTo && m.active == h {
		return
	}
	if m.emu.Consume != nil {
		m.emu.Consume(int(h), ev)
	}
}

func (m *Machine) sendRaw(addr netip.AddrPort, ev proto.Event) {
	buf := proto.Encode(nil, ev)
	if err := m.sender.SendTo(addr, buf); err != nil {
		m.log.Verbosef("send to %s failed: %v", addr, err)
	}
}

func (m *Machine) onPong(h registry.Handle, nonce uint32) {
	lp := m.livenessFor(h)
	tr, changed := lp.OnPong(nonce, m.now())
	if p, err := m.reg.Peer(h); err == nil {
		p.RTTEWMANanos = lp.RTTNanos()
	}
	if changed && tr.To == liveness.Alive {
		m.reg.SetAlive(h, true)
		m.publishPeer(h, "alive")
	}
}

// Tick drives liveness timers (ping scheduling + dead-peer detection)
// and should be called periodically (e.g. every 250ms) by Run's
// select loop against a time.Ticker (§4.4).
func (m *Machine) Tick() {
	now := m.now()
	for _, snap := range m.reg.List() {
		h := snap.Handle
		lp := m.livenessFor(h)
		active := m.state == ActiveTo && m.active == h

		if _, changed := lp.CheckDead(now, active); changed {
			m.onPeerUnreachable(h)
		}
		m.maybePing(h, lp, now, active)
	}
}

// pingSchedule records, per peer, when the next ping send is due so Tick
// (called far more often than the ping interval) doesn't flood the
// wire.
type pingSchedule struct {
	next time.Time
}

func (m *Machine) maybePing(h registry.Handle, lp *liveness.Peer, now time.Time, active bool) {
	// A peer with no cached address yet has nothing to ping.
	if _, ok := m.reg.CurrentAddress(h); !ok {
		return
	}
	sched := m.pingSchedules()
	s, ok := sched[h]
	interval := liveness.PingInterval(active)
	if ok && now.Before(s.next) {
		return
	}
	sched[h] = &pingSchedule{next: now.Add(interval)}
	nonce := lp.NextPingNonce(now)
	m.send(h, proto.Event{Tag: proto.TagPing, Nonce: nonce})
}

func (m *Machine) pingSchedules() map[registry.Handle]*pingSchedule {
	if m.schedules == nil {
		m.schedules = make(map[registry.Handle]*pingSchedule)
	}
	return m.schedules
}

// requestKeymap issues an async TCP keymap fetch for h, cancellable
// via the stored context.CancelFunc (§4.8 cancellation-safety, Open
// Question c).
func (m *Machine) requestKeymap(h registry.Handle) {
	p, err := m.reg.Peer(h)
	if err != nil || p.KeymapRequestInFlight {
		return
	}
	addr, ok := m.reg.CurrentAddress(h)
	if !ok {
		return
	}
	p.KeymapRequestInFlight = true
	ctx, cancel := context.WithCancel(context.Background())
	m.keymapInFlight[h] = cancel
	id := uuid.New()
	ap := netip.AddrPortFrom(addr, p.Port)
	go func() {
		data, err := m.keymap.RequestKeymap(ctx, ap)
		m.keymapResults <- keymapResult{reqID: id, handle: h, data: data, err: err}
	}()
}

func (m *Machine) cancelKeymapRequest(h registry.Handle) {
	if cancel, ok := m.keymapInFlight[h]; ok {
		cancel()
		delete(m.keymapInFlight, h)
	}
	if p, err := m.reg.Peer(h); err == nil {
		p.KeymapRequestInFlight = false
	}
}

// onKeymapResult applies one completed async keymap fetch, delivered by
// Run's select loop from m.keymapResults.
func (m *Machine) onKeymapResult(res keymapResult) {
	if _, stillInFlight := m.keymapInFlight[res.handle]; !stillInFlight {
		// Cancelled or superseded: drop (cancellation-safe re-issue).
		m.log.With(int(res.handle)).Verbosef("keymap request %s cancelled, result dropped", res.reqID)
		return
	}
	delete(m.keymapInFlight, res.handle)
	p, err := m.reg.Peer(res.handle)
	if err != nil {
		return
	}
	p.KeymapRequestInFlight = false
	if res.err != nil {
		m.log.With(int(res.handle)).Verbosef("keymap request %s failed: %v", res.reqID, res.err)
		return
	}
	p.KeymapKnown = true
	m.log.With(int(res.handle)).Verbosef("keymap cached (%d bytes)", len(res.data))
}

// Shutdown releases every still-pressed forwarded key before the
// process exits (§5 cooperative drain, P1's "process shutdown begins"
// clause).
func (m *Machine) Shutdown() {
	if m.state == ActiveTo {
		m.beginReleasing(m.active)
	}
	if m.emu.Terminate != nil {
		m.emu.Terminate()
	}
	if m.cap.Terminate != nil {
		m.cap.Terminate()
	}
}

// Datagram mirrors transport.Datagram to avoid an import cycle (session
// must not import transport: transport is a lower-level collaborator
// injected via the Sender/KeymapRequester/Inbound interfaces).
type Datagram struct {
	Source netip.AddrPort
	Data   []byte
}

// Run is session-task's goroutine body (§5). It owns the Idle/ActiveTo/
// Releasing state machine for as long as ctx is alive, fed by the three
// real upstream tasks (capture-task via captureCh, transport-task via
// inboundCh, and the IPC server via cmdCh) plus its own periodic
// liveness tick. Call Shutdown after Run returns to drain forwarded
// keys and release backend resources.
func (m *Machine) Run(ctx context.Context, captureCh <-chan capture.Event, inboundCh <-chan Datagram, cmdCh <-chan Command) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-captureCh:
			if !ok {
				m.onBackendTerminate()
				captureCh = nil
				continue
			}
			m.HandleCapture(ev)
		case dg, ok := <-inboundCh:
			if !ok {
				inboundCh = nil
				continue
			}
			m.HandleInbound(dg.Source, dg.Data)
		case cmd := <-cmdCh:
			m.HandleCommand(cmd)
		case res := <-m.keymapResults:
			m.onKeymapResult(res)
		case <-ticker.C:
			m.Tick()
		}
	}
}
