package guard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// Resolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard checks outbound destinations against an endpoint's IP allowlist.
//
// An empty allowlist allows every destination. When the allowlist is set, the
// URL host must be an IPv4 literal inside it, or a hostname whose resolved
// IPv4 addresses all fall inside it.
type Guard struct {
	resolver Resolver
}

// New creates a guard. A nil resolver uses net.DefaultResolver.
func New(resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{resolver: resolver}
}

// Check returns nil when rawURL may be contacted. Rejections are
// *model.PermanentDeliveryError wrapping model.ErrAllowlistRejected.
func (g *Guard) Check(ctx context.Context, rawURL string, allowlist []string) error {
	if len(allowlist) == 0 {
		return nil
	}

	prefixes := make([]netip.Prefix, 0, len(allowlist))
	for _, entry := range allowlist {
		p, err := model.ParseAllowlistEntry(entry)
		if err != nil {
			return &model.ConfigError{Field: "ip_allowlist", Reason: err.Error()}
		}
		prefixes = append(prefixes, p)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return reject(fmt.Errorf("%w: cannot determine host of %q", model.ErrAllowlistRejected, rawURL))
	}
	host := u.Hostname()

	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return reject(fmt.Errorf("%w: resolve %s: %v", model.ErrAllowlistRejected, host, err))
	}
	if len(addrs) == 0 {
		return reject(fmt.Errorf("%w: %s has no IPv4 address", model.ErrAllowlistRejected, host))
	}

	for _, addr := range addrs {
		if !Contains(prefixes, addr) {
			return reject(fmt.Errorf("%w: %s (%s)", model.ErrAllowlistRejected, addr, host))
		}
	}
	return nil
}

func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	ipAddrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, ia := range ipAddrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() {
			out = append(out, addr)
		}
	}
	return out, nil
}

// Contains reports whether addr falls inside any of the prefixes.
func Contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func reject(err error) error {
	return &model.PermanentDeliveryError{Err: err}
}
