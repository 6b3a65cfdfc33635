package relayclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Resolver turns "host:port" into "ip:port", caching lookups so a client
// retrying its connection does not query DNS on every attempt. Concurrent
// lookups of the same host share one query.
type Resolver struct {
	cache  *cache.Cache
	group  singleflight.Group
	lookup LookupFunc
}

// NewResolver creates a Resolver.
//
// Parameters:
//   - ttl: How long a resolved address is reused
//   - lookup: The lookup to cache; nil means net.DefaultResolver.LookupHost
//
// Returns:
//   - A new Resolver
func NewResolver(ttl time.Duration, lookup LookupFunc) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}

	return &Resolver{
		cache:  cache.New(ttl, 2*ttl),
		lookup: lookup,
	}
}

// Resolve returns address with its host replaced by the first address it
// resolves to. IP literals and empty hosts are returned unchanged.
//
// Parameters:
//   - ctx: Bounds the lookup
//   - address: A "host:port" address
//
// Returns:
//   - The "ip:port" address to dial
//   - An error if address is malformed or the host cannot be resolved
func (r *Resolver) Resolve(ctx context.Context, address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}

	if host == "" || net.ParseIP(host) != nil {
		return address, nil
	}

	if ip, found := r.cache.Get(host); found {
		return net.JoinHostPort(ip.(string), port), nil
	}

	ip, err, _ := r.group.Do(host, func() (interface{}, error) {
		if cached, found := r.cache.Get(host); found {
			return cached, nil
		}

		addrs, err := r.lookup(ctx, host)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, err)
		}

		if len(addrs) == 0 {
			return "", fmt.Errorf("resolve %s: no addresses", host)
		}

		r.cache.SetDefault(host, addrs[0])
		return addrs[0], nil
	})

	if err != nil {
		return "", err
	}

	return net.JoinHostPort(ip.(string), port), nil
}

// Flush drops every cached address.
func (r *Resolver) Flush() {
	r.cache.Flush()
}
