// Package config loads and validates the TOML configuration file (§6,
// scenario 5). It is grounded on the teacher's general "load then
// validate, fail fast with a typed, wrapped error" shape (seen in
// NewDevice and IpcSetOperation's field-by-field validation) applied to
// a config file instead of a wireguard-config IPC operation.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/feschber/lan-mouse/internal/lmerr"
)

// DefaultPort is used when the config omits "port".
const DefaultPort = 4242

// Config is the root of config.toml.
type Config struct {
	Port        uint16       `toml:"port,omitempty"`
	ReleaseBind []string     `toml:"release_bind,omitempty"`
	Peers       []PeerConfig `toml:"peers,omitempty"`
}

// PeerConfig is one [[peers]] table.
type PeerConfig struct {
	Position          string   `toml:"position"`
	Hostname          string   `toml:"hostname,omitempty"`
	IPs               []string `toml:"ips,omitempty"`
	Port              uint16   `toml:"port,omitempty"`
	ActivateOnStartup bool     `toml:"activate_on_startup,omitempty"`
}

// UnknownScancodeError names the release_bind entry that did not
// resolve to a known scancode.
type UnknownScancodeError struct{ Name string }

func (e *UnknownScancodeError) Error() string {
	return fmt.Sprintf("unknown scancode name %q", e.Name)
}

// InvalidPeerError names the peer (by index) and the reason it failed
// validation (§6 scenario 5: "no hostname and no ips[] is rejected").
type InvalidPeerError struct {
	Index  int
	Reason string
}

func (e *InvalidPeerError) Error() string {
	return fmt.Sprintf("peer[%d]: %s", e.Index, e.Reason)
}

// defaultConfigPath resolves $XDG_CONFIG_HOME/lan-mouse/config.toml,
// falling back to $HOME/.config per the XDG base-dir spec when
// XDG_CONFIG_HOME is unset, mirroring the teacher's own small
// defaultConfigPath-style helpers for locating its WireGuard config.
func defaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "lan-mouse", "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: resolving home directory: %v", lmerr.ErrConfig, err)
	}
	return filepath.Join(home, ".config", "lan-mouse", "config.toml"), nil
}

// Load reads and parses path, or the default config path if path is
// empty. A missing file at the default path is not an error: Load
// returns an empty Config with Port defaulted, so a host with no peers
// configured yet can still run as a pure receiver.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return &Config{Port: DefaultPort}, nil
		}
		return nil, fmt.Errorf("%w: reading %s: %v", lmerr.ErrConfig, path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", lmerr.ErrConfig, path, err)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &cfg, nil
}

// Validate checks the structural invariants from §6: every peer names
// a known edge and at least one of hostname/ips; every release_bind
// name resolves to a known scancode. It returns the first violation
// found, wrapped in lmerr.ErrConfig.
func (c *Config) Validate() error {
	for i, p := range c.Peers {
		switch p.Position {
		case "left", "right", "top", "bottom":
		default:
			return fmt.Errorf("%w: %w", lmerr.ErrConfig, &InvalidPeerError{Index: i, Reason: fmt.Sprintf("unknown position %q", p.Position)})
		}
		if p.Hostname == "" && len(p.IPs) == 0 {
			return fmt.Errorf("%w: %w", lmerr.ErrConfig, &InvalidPeerError{Index: i, Reason: "neither hostname nor ips[] given"})
		}
		for _, raw := range p.IPs {
			if _, err := netip.ParseAddr(raw); err != nil {
				return fmt.Errorf("%w: %w", lmerr.ErrConfig, &InvalidPeerError{Index: i, Reason: fmt.Sprintf("invalid ip %q: %v", raw, err)})
			}
		}
	}
	if _, err := ResolveScancodes(c.ReleaseBind); err != nil {
		return fmt.Errorf("%w: release_bind: %v", lmerr.ErrConfig, err)
	}
	return nil
}

// Addresses parses p.IPs, skipping entries Validate would already have
// rejected. Callers should call Validate first.
func (p PeerConfig) Addresses() []netip.Addr {
	out := make([]netip.Addr, 0, len(p.IPs))
	for _, raw := range p.IPs {
		if a, err := netip.ParseAddr(raw); err == nil {
			out = append(out, a)
		}
	}
	return out
}
