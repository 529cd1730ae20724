package registry

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addPeer(t *testing.T, r *Registry, host string, edge Edge) Handle {
	t.Helper()
	h, err := r.Add(Spec{Hostname: host, Position: edge, Candidates: []netip.Addr{netip.MustParseAddr("192.0.2.1")}})
	require.NoError(t, err)
	return h
}

// TestEdgeDeterminism covers P5.
func TestEdgeDeterminism(t *testing.T) {
	r := New()
	a := addPeer(t, r, "a", EdgeRight)
	b := addPeer(t, r, "b", EdgeRight)

	_, ok := r.PickAtEdge(EdgeRight)
	assert.False(t, ok, "no peers alive yet")

	r.SetAlive(a, true)
	r.SetAlive(b, true)
	got, ok := r.PickAtEdge(EdgeRight)
	require.True(t, ok)
	assert.Equal(t, a, got)

	r.SetAlive(a, false)
	got, ok = r.PickAtEdge(EdgeRight)
	require.True(t, ok)
	assert.Equal(t, b, got)

	r.SetAlive(b, false)
	_, ok = r.PickAtEdge(EdgeRight)
	assert.False(t, ok)
}

// TestThreePeersEdgeDeterminism covers scenario 4 from spec §8.
func TestThreePeersEdgeDeterminism(t *testing.T) {
	r := New()
	x := addPeer(t, r, "x", EdgeRight)
	y := addPeer(t, r, "y", EdgeRight)
	z := addPeer(t, r, "z", EdgeRight)
	r.SetAlive(x, true)
	r.SetAlive(y, false)
	r.SetAlive(z, true)

	got, ok := r.PickAtEdge(EdgeRight)
	require.True(t, ok)
	assert.Equal(t, x, got)

	r.SetAlive(x, false)
	got, ok = r.PickAtEdge(EdgeRight)
	require.True(t, ok)
	assert.Equal(t, z, got)
}

func TestAddDuplicateHostname(t *testing.T) {
	r := New()
	_, err := r.Add(Spec{Hostname: "dup", Position: EdgeLeft})
	require.NoError(t, err)
	_, err = r.Add(Spec{Hostname: "dup", Position: EdgeTop})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestAdvanceAddressWraps(t *testing.T) {
	r := New()
	h, err := r.Add(Spec{
		Hostname: "multi",
		Position: EdgeLeft,
		Candidates: []netip.Addr{
			netip.MustParseAddr("192.0.2.1"),
			netip.MustParseAddr("192.0.2.2"),
		},
	})
	require.NoError(t, err)

	addr, ok := r.CurrentAddress(h)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", addr.String())

	r.AdvanceAddress(h)
	addr, ok = r.CurrentAddress(h)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.2", addr.String())

	r.AdvanceAddress(h)
	addr, ok = r.CurrentAddress(h)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", addr.String())
}

func TestRemoveUnlinksFromEdge(t *testing.T) {
	r := New()
	a := addPeer(t, r, "a", EdgeBottom)
	require.NoError(t, r.Remove(a))
	_, err := r.Resolve(a)
	assert.ErrorIs(t, err, ErrNotFound)
}
