package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLivenessTimeoutAndRecovery covers P7.
func TestLivenessTimeoutAndRecovery(t *testing.T) {
	p := NewPeer()
	base := time.Unix(1000, 0)

	nonce := p.NextPingNonce(base)
	pongAt := base.Add(10 * time.Millisecond)
	tr, changed := p.OnPong(nonce, pongAt)
	require.True(t, changed)
	assert.Equal(t, Alive, tr.To)
	assert.Equal(t, Alive, p.State())

	// No more pongs; after TDead while active, must go Unreachable.
	_, changed = p.CheckDead(pongAt.Add(TDead-time.Millisecond), true)
	assert.False(t, changed, "must not fire before TDead elapses")

	tr, changed = p.CheckDead(pongAt.Add(TDead+time.Millisecond), true)
	require.True(t, changed)
	assert.Equal(t, Unreachable, tr.To)

	// A single pong returns it to Alive on the next tick.
	nonce = p.NextPingNonce(base.Add(TDead + 2*time.Millisecond))
	tr, changed = p.OnPong(nonce, base.Add(TDead+12*time.Millisecond))
	require.True(t, changed)
	assert.Equal(t, Alive, tr.To)
}

func TestCheckDeadIgnoresIdlePeers(t *testing.T) {
	p := NewPeer()
	base := time.Unix(1000, 0)
	nonce := p.NextPingNonce(base)
	p.OnPong(nonce, base.Add(time.Millisecond))

	// Not active: no dead timeout even if pongs stop for a long time.
	_, changed := p.CheckDead(base.Add(time.Hour), false)
	assert.False(t, changed)
	assert.Equal(t, Alive, p.State())
}

func TestRTTEWMAConverges(t *testing.T) {
	p := NewPeer()
	base := time.Unix(1000, 0)
	for i := 0; i < 50; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		nonce := p.NextPingNonce(now)
		p.OnPong(nonce, now.Add(20*time.Millisecond))
	}
	rtt := time.Duration(p.RTTNanos())
	assert.InDelta(t, 20*time.Millisecond, rtt, float64(2*time.Millisecond))
}
