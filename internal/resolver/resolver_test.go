package resolver

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

// static is a fake Resolver backed by a fixed hostname table, used to
// check that a plain implementation satisfies the interface.
type static map[string][]netip.Addr

func (s static) Resolve(ctx context.Context, hostname string) ([]netip.Addr, error) {
	addrs, ok := s[hostname]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return addrs, nil
}

func TestStaticResolverSatisfiesInterface(t *testing.T) {
	var r Resolver = static{
		"studio": {netip.MustParseAddr("10.0.0.5")},
	}
	addrs, err := r.Resolve(context.Background(), "studio")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.5")}, addrs)
}

func TestStaticResolverUnknownHostErrors(t *testing.T) {
	var r Resolver = static{}
	_, err := r.Resolve(context.Background(), "nobody")
	require.Error(t, err)
}
