package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feschber/lan-mouse/internal/lmerr"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, `
port = 5555
release_bind = ["KeyA", "KeyS", "KeyD", "KeyF"]

[[peers]]
position = "right"
hostname = "studio"
activate_on_startup = true

[[peers]]
position = "left"
ips = ["10.0.0.5"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.EqualValues(t, 5555, cfg.Port)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "studio", cfg.Peers[0].Hostname)
	assert.True(t, cfg.Peers[0].ActivateOnStartup)
	assert.Equal(t, []string{"10.0.0.5"}, cfg.Peers[1].IPs)

	codes, err := ResolveScancodes(cfg.ReleaseBind)
	require.NoError(t, err)
	assert.Equal(t, []uint32{30, 31, 32, 33}, codes)
}

func TestLoadMissingFileAtDefaultPathIsNotAnError(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultPort), cfg.Port)
	assert.Empty(t, cfg.Peers)
}

func TestLoadMissingExplicitPathIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, lmerr.ErrConfig)
}

func TestValidateRejectsPeerWithNoHostnameOrIPs(t *testing.T) {
	path := writeTemp(t, `
[[peers]]
position = "left"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, lmerr.ErrConfig)
	var invalid *InvalidPeerError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 0, invalid.Index)
}

func TestValidateRejectsUnknownPosition(t *testing.T) {
	path := writeTemp(t, `
[[peers]]
position = "up"
hostname = "x"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), lmerr.ErrConfig)
}

func TestValidateRejectsUnknownScancodeName(t *testing.T) {
	path := writeTemp(t, `
release_bind = ["KeyA", "NotAKey"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), lmerr.ErrConfig)
}

func TestValidateRejectsMalformedIP(t *testing.T) {
	path := writeTemp(t, `
[[peers]]
position = "top"
ips = ["not-an-ip"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.Validate(), lmerr.ErrConfig)
}

func TestPeerConfigAddresses(t *testing.T) {
	p := PeerConfig{IPs: []string{"192.168.1.1", "::1"}}
	addrs := p.Addresses()
	require.Len(t, addrs, 2)
	assert.True(t, addrs[0].Is4())
	assert.True(t, addrs[1].Is6())
}
