// Package dns resolves relay hostnames, falling back to public resolvers
// when the system resolver fails. Captive or broken local DNS is common on
// the networks people run breathing sessions from.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// PublicServers are queried directly when the system lookup fails.
var PublicServers = []string{
	"1.1.1.1",         // Cloudflare
	"1.0.0.1",         // Cloudflare
	"8.8.8.8",         // Google
	"8.8.4.4",         // Google
	"9.9.9.9",         // Quad9
	"149.112.112.112", // Quad9
	"208.67.222.222",  // Cisco OpenDNS
	"208.67.220.220",  // Cisco OpenDNS
}

// Resolver looks a host up locally first, then races Servers.
type Resolver struct {
	Servers      []string
	LocalTimeout time.Duration
	RaceTimeout  time.Duration

	// lookup is replaced in tests.
	lookup func(ctx context.Context, host, server string) ([]string, error)
}

// NewResolver returns a resolver over PublicServers.
func NewResolver() *Resolver {
	return &Resolver{
		Servers:      PublicServers,
		LocalTimeout: time.Second,
		RaceTimeout:  2 * time.Second,
		lookup:       lookupHost,
	}
}

// Lookup returns one address for host, preferring IPv4. IP literals are
// returned unchanged.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	localCtx, cancel := context.WithTimeout(ctx, r.LocalTimeout)
	ips, err := r.lookup(localCtx, host, "")
	cancel()
	if err == nil && len(ips) > 0 {
		return preferIPv4(ips), nil
	}
	log.Debug().Err(err).Str("host", host).Msg("system dns failed, racing public resolvers")

	return r.race(ctx, host)
}

func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	if len(r.Servers) == 0 {
		return "", fmt.Errorf("resolve %s: no fallback servers", host)
	}

	type result struct {
		ip  string
		err error
	}
	ctx, cancel := context.WithTimeout(ctx, r.RaceTimeout)
	defer cancel()

	results := make(chan result, len(r.Servers))
	for _, server := range r.Servers {
		go func(server string) {
			ips, err := r.lookup(ctx, host, server)
			if err == nil && len(ips) == 0 {
				err = errors.New("no addresses")
			}
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{ip: preferIPv4(ips)}
		}(server)
	}

	failures := 0
	for range r.Servers {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("resolve %s: all %d fallback servers failed", host, failures)
}

// DialContext resolves the host part of addr through r and dials it. It has
// the signature of websocket.Dialer.NetDialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

// lookupHost queries server, or the system resolver when server is empty.
func lookupHost(ctx context.Context, host, server string) ([]string, error) {
	res := net.DefaultResolver
	if server != "" {
		res = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
			},
		}
	}
	return res.LookupHost(ctx, host)
}

func preferIPv4(ips []string) string {
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip
		}
	}
	return ips[0]
}
