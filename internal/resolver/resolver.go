// Package resolver defines the hostname-resolution collaborator spec
// §4.2 delegates to: "Hostname resolution is delegated to an external
// resolver collaborator; results expand candidate list." The daemon
// passes resolved addresses to the registry as registry.Spec.Candidates;
// the registry never resolves a hostname itself.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/feschber/lan-mouse/internal/lmerr"
)

// Resolver turns a configured hostname into candidate addresses for a
// peer.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) ([]netip.Addr, error)
}

// DNS is the production Resolver, backed by the standard resolver.
type DNS struct {
	r *net.Resolver
}

// NewDNS builds a DNS resolver using net.DefaultResolver.
func NewDNS() *DNS {
	return &DNS{r: net.DefaultResolver}
}

// Resolve looks up every A/AAAA record for hostname.
func (d *DNS) Resolve(ctx context.Context, hostname string) ([]netip.Addr, error) {
	addrs, err := d.r.LookupNetIP(ctx, "ip", hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", lmerr.ErrTransport, hostname, err)
	}
	return addrs, nil
}
