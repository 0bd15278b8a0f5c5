package server

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// proxySet holds the reverse proxies whose forwarding headers are believed.
// Single addresses are stored as full-length prefixes.
type proxySet []netip.Prefix

func parseProxySet(entries []string) (proxySet, error) {
	var set proxySet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("server: trusted proxy %q: %w", entry, err)
			}
			set = append(set, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("server: trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return set, nil
}

func (ps proxySet) trusts(addr netip.Addr) bool {
	for _, p := range ps {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	addr := clientAddr(r, s.trustedProxies)
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

// clientAddr returns the peer address. When the peer is a trusted proxy it
// walks the forwarding chain from the right and returns the first hop that
// is not itself trusted.
func clientAddr(r *http.Request, trusted proxySet) netip.Addr {
	peer := parseHop(r.RemoteAddr)
	if !peer.IsValid() || !trusted.trusts(peer) {
		return peer
	}

	hops := forwardedHops(r.Header.Values("Forwarded"))
	if len(hops) == 0 {
		hops = xForwardedForHops(r.Header.Values("X-Forwarded-For"))
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !trusted.trusts(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return peer
}

// forwardedHops extracts the for= nodes of RFC 7239 Forwarded headers.
func forwardedHops(headers []string) []netip.Addr {
	var hops []netip.Addr
	for _, h := range headers {
		for _, element := range strings.Split(h, ",") {
			for _, pair := range strings.Split(element, ";") {
				key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
				if !ok || !strings.EqualFold(key, "for") {
					continue
				}
				if addr := parseHop(value); addr.IsValid() {
					hops = append(hops, addr)
				}
			}
		}
	}
	return hops
}

func xForwardedForHops(headers []string) []netip.Addr {
	var hops []netip.Addr
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			if addr := parseHop(part); addr.IsValid() {
				hops = append(hops, addr)
			}
		}
	}
	return hops
}

// parseHop parses one forwarding node: a bare or bracketed address with an
// optional port. Obfuscated and "unknown" nodes yield the zero Addr.
func parseHop(v string) netip.Addr {
	v = strings.Trim(strings.TrimSpace(v), `"`)
	if v == "" {
		return netip.Addr{}
	}
	if host, _, err := net.SplitHostPort(v); err == nil {
		v = host
	}
	v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Addr{}
	}
	return addr.WithZone("").Unmap()
}
