package session

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feschber/lan-mouse/internal/applog"
	"github.com/feschber/lan-mouse/internal/capture"
	"github.com/feschber/lan-mouse/internal/emulate"
	"github.com/feschber/lan-mouse/internal/events"
	"github.com/feschber/lan-mouse/internal/proto"
	"github.com/feschber/lan-mouse/internal/registry"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []proto.Event
	fail bool
}

func (f *fakeSender) SendTo(addr netip.AddrPort, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	ev, err := proto.Decode(data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSender) events() []proto.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.Event, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeKeymap struct{}

func (fakeKeymap) RequestKeymap(ctx context.Context, addr netip.AddrPort) ([]byte, error) {
	return []byte("keymap"), nil
}

func testMachine(t *testing.T, sender Sender) (*Machine, *registry.Registry, *capture.Loopback, *emulate.Recorder) {
	t.Helper()
	reg := registry.New()
	lb := capture.NewLoopback()
	capBackend, err := lb.Factory()()
	require.NoError(t, err)
	rec := emulate.NewRecorder()
	emuBackend, err := rec.Factory()()
	require.NoError(t, err)

	m := New(Config{
		Log:         applog.Default(false),
		Registry:    reg,
		Sender:      sender,
		Keymap:      fakeKeymap{},
		Emulation:   emuBackend,
		Capture:     capBackend,
		Bus:         events.NewBus(),
		ReleaseBind: []uint32{1, 2},
	})
	return m, reg, lb, rec
}

func addAlivePeer(t *testing.T, reg *registry.Registry, addr string, pos registry.Edge) registry.Handle {
	t.Helper()
	a := netip.MustParseAddr(addr)
	h, err := reg.Add(registry.Spec{
		Hostname:   addr,
		Candidates: []netip.Addr{a},
		Port:       4242,
		Position:   pos,
	})
	require.NoError(t, err)
	reg.SetAlive(h, true)
	return h
}

func TestEnterActiveForwardsMotionAndKeys(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _, _ := testMachine(t, sender)
	h := addAlivePeer(t, reg, "10.0.0.2", registry.EdgeLeft)

	m.HandleCapture(capture.Event{Kind: capture.KindEnterEdge, Edge: proto.EdgeLeft, Position: 100})
	st, active := m.State()
	require.Equal(t, ActiveTo, st)
	require.Equal(t, h, active)

	m.HandleCapture(capture.Event{Kind: capture.KindMotion, DX: 1.5, DY: -2.25})
	m.HandleCapture(capture.Event{Kind: capture.KindKey, Code: 30, Pressed: true})

	sent := sender.events()
	require.Len(t, sent, 3) // enter, motion, key-down
	assert.Equal(t, proto.TagEnter, sent[0].Tag)
	assert.Equal(t, proto.TagMouseMotion, sent[1].Tag)
	assert.Equal(t, proto.TagKey, sent[2].Tag)
	assert.True(t, sent[2].Pressed)

	p, err := reg.Peer(h)
	require.NoError(t, err)
	_, held := p.PressedKeys[30]
	assert.True(t, held, "forwarded key-down must be tracked as pressed")
}

// TestReleaseBindChordEndsSession covers P6: the release-bind chord
// edge-triggers a return to Idle and sends a Disconnect to the peer.
func TestReleaseBindChordEndsSession(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _, _ := testMachine(t, sender)
	addAlivePeer(t, reg, "10.0.0.2", registry.EdgeLeft)

	m.HandleCapture(capture.Event{Kind: capture.KindEnterEdge, Edge: proto.EdgeLeft})
	m.HandleCapture(capture.Event{Kind: capture.KindKey, Code: 1, Pressed: true})
	st, _ := m.State()
	require.Equal(t, ActiveTo, st, "chord not yet complete")

	m.HandleCapture(capture.Event{Kind: capture.KindKey, Code: 2, Pressed: true})
	st, _ = m.State()
	assert.Equal(t, Idle, st, "completing the chord must release the session")

	sent := sender.events()
	var sawDisconnect bool
	for _, e := range sent {
		if e.Tag == proto.TagDisconnect {
			sawDisconnect = true
		}
	}
	assert.True(t, sawDisconnect)
}

// TestShutdownFlushesPressedKeys covers P1: every forwarded key-down has
// a matching forwarded key-up by the time the session goes away,
// including on process shutdown with keys still physically held.
func TestShutdownFlushesPressedKeys(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _, _ := testMachine(t, sender)
	h := addAlivePeer(t, reg, "10.0.0.2", registry.EdgeLeft)

	m.HandleCapture(capture.Event{Kind: capture.KindEnterEdge, Edge: proto.EdgeLeft})
	m.HandleCapture(capture.Event{Kind: capture.KindKey, Code: 99, Pressed: true})

	m.Shutdown()

	sent := sender.events()
	var ups, downs int
	for _, e := range sent {
		if e.Tag != proto.TagKey || e.Code != 99 {
			continue
		}
		if e.Pressed {
			downs++
		} else {
			ups++
		}
	}
	assert.Equal(t, 1, downs)
	assert.Equal(t, 1, ups, "shutdown must flush the still-held key")

	p, err := reg.Peer(h)
	require.NoError(t, err)
	assert.Empty(t, p.PressedKeys)
}

// TestPeerUnreachableEndsSession covers transition 2's second trigger
// (§4.7): a liveness timeout while active releases the session exactly
// as a backend-initiated release would.
func TestPeerUnreachableEndsSession(t *testing.T) {
	sender := &fakeSender{}
	now := time.Now()
	m, reg, _, _ := testMachine(t, sender)
	m.now = func() time.Time { return now }
	h := addAlivePeer(t, reg, "10.0.0.2", registry.EdgeLeft)

	m.HandleCapture(capture.Event{Kind: capture.KindEnterEdge, Edge: proto.EdgeLeft})
	m.HandleCapture(capture.Event{Kind: capture.KindKey, Code: 7, Pressed: true})

	// Bring the peer's liveness state to Alive via a pong, so CheckDead
	// has a baseline to time out from.
	lp := m.livenessFor(h)
	nonce := lp.NextPingNonce(now)
	lp.OnPong(nonce, now)

	now = now.Add(3 * time.Second) // past TDead
	m.now = func() time.Time { return now }
	m.Tick()

	st, _ := m.State()
	assert.Equal(t, Idle, st)

	snap, err := reg.Resolve(h)
	require.NoError(t, err)
	assert.False(t, snap.Alive)

	p, err := reg.Peer(h)
	require.NoError(t, err)
	assert.Empty(t, p.PressedKeys, "timing out must still flush forwarded keys")
}

// TestFeedbackLoopGuardDropsOwnEcho covers P2: while forwarding to p,
// inbound datagrams that originate from p are never replayed locally.
func TestFeedbackLoopGuardDropsOwnEcho(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _, rec := testMachine(t, sender)
	h := addAlivePeer(t, reg, "10.0.0.2", registry.EdgeLeft)

	m.HandleCapture(capture.Event{Kind: capture.KindEnterEdge, Edge: proto.EdgeLeft})

	addr, ok := reg.CurrentAddress(h)
	require.True(t, ok)
	src := netip.AddrPortFrom(addr, 4242)

	buf := proto.Encode(nil, proto.Event{Tag: proto.TagButton, Code: 1, Pressed: true})
	m.HandleInbound(src, buf)

	assert.Empty(t, rec.Events(), "echoed datagram from the active peer must not be consumed locally")
}

// TestInboundFromOtherPeerConsumedLocally exercises the normal inbound
// path: a peer's own datagrams are routed to the local emulation
// backend when that peer is not the current forwarding target.
func TestInboundFromOtherPeerConsumedLocally(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _, rec := testMachine(t, sender)
	h := addAlivePeer(t, reg, "10.0.0.3", registry.EdgeRight)

	addr, ok := reg.CurrentAddress(h)
	require.True(t, ok)
	src := netip.AddrPortFrom(addr, 4242)

	buf := proto.Encode(nil, proto.Event{Tag: proto.TagMouseMotion, DX: 1, DY: 1})
	m.HandleInbound(src, buf)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int(h), events[0].Handle)
}

// TestUnknownSourceDropped exercises §4.8's "unknown sources are
// logged and dropped" rule.
func TestUnknownSourceDropped(t *testing.T) {
	sender := &fakeSender{}
	m, _, _, rec := testMachine(t, sender)

	src := netip.MustParseAddrPort("192.0.2.1:4242")
	buf := proto.Encode(nil, proto.Event{Tag: proto.TagMouseMotion})
	m.HandleInbound(src, buf)

	assert.Empty(t, rec.Events())
}

// TestPingRepliedWithPong exercises the receiver side of C4: any Ping
// from a known peer gets an immediate Pong with the same nonce.
func TestPingRepliedWithPong(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _, _ := testMachine(t, sender)
	h := addAlivePeer(t, reg, "10.0.0.2", registry.EdgeLeft)
	addr, _ := reg.CurrentAddress(h)
	src := netip.AddrPortFrom(addr, 4242)

	buf := proto.Encode(nil, proto.Event{Tag: proto.TagPing, Nonce: 42})
	m.HandleInbound(src, buf)

	sent := sender.events()
	require.Len(t, sent, 1)
	assert.Equal(t, proto.TagPong, sent[0].Tag)
	assert.Equal(t, uint32(42), sent[0].Nonce)
}

// TestNoAlivePeerAtEdgeStaysLocal covers P5: entering an edge with no
// alive peer bound to it must leave the cursor local.
func TestNoAlivePeerAtEdgeStaysLocal(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _, _ := testMachine(t, sender)
	h, err := reg.Add(registry.Spec{Hostname: "h", Position: registry.EdgeLeft})
	require.NoError(t, err)
	reg.SetAlive(h, false)

	m.HandleCapture(capture.Event{Kind: capture.KindEnterEdge, Edge: proto.EdgeLeft})

	st, _ := m.State()
	assert.Equal(t, Idle, st)
	assert.Empty(t, sender.events())
}

// TestDirectHandoffBetweenPeers covers transition 4 (§4.7): entering a
// new edge while already active releases the first peer cleanly and
// applies the queued enter against the second.
func TestDirectHandoffBetweenPeers(t *testing.T) {
	sender := &fakeSender{}
	m, reg, _, _ := testMachine(t, sender)
	first := addAlivePeer(t, reg, "10.0.0.2", registry.EdgeLeft)
	second := addAlivePeer(t, reg, "10.0.0.3", registry.EdgeRight)

	m.HandleCapture(capture.Event{Kind: capture.KindEnterEdge, Edge: proto.EdgeLeft})
	st, active := m.State()
	require.Equal(t, ActiveTo, st)
	require.Equal(t, first, active)

	m.HandleCapture(capture.Event{Kind: capture.KindEnterEdge, Edge: proto.EdgeRight})
	st, active = m.State()
	assert.Equal(t, ActiveTo, st)
	assert.Equal(t, second, active)
}
