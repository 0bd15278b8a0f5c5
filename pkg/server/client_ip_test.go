package server

import (
	"net/http/httptest"
	"net/netip"
	"testing"
)

func mustProxies(t *testing.T, entries ...string) proxySet {
	t.Helper()
	ps, err := parseProxySet(entries)
	if err != nil {
		t.Fatalf("parseProxySet: %v", err)
	}
	return ps
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		header  string
		value   string
		trusted []string
		want    string
	}{
		{
			name:    "untrusted peer ignores headers",
			remote:  "198.51.100.10:1234",
			header:  "X-Forwarded-For",
			value:   "203.0.113.5",
			trusted: []string{"203.0.113.1"},
			want:    "198.51.100.10",
		},
		{
			name:    "right-most untrusted hop",
			remote:  "203.0.113.10:1234",
			header:  "X-Forwarded-For",
			value:   "198.51.100.1, 203.0.113.11, 192.0.2.20",
			trusted: []string{"203.0.113.10", "203.0.113.11"},
			want:    "192.0.2.20",
		},
		{
			name:    "all hops trusted uses left-most",
			remote:  "203.0.113.10:1234",
			header:  "Forwarded",
			value:   `for=192.0.2.1, for="[2001:db8::1]:4711"`,
			trusted: []string{"203.0.113.10", "192.0.2.0/24", "2001:db8::/32"},
			want:    "192.0.2.1",
		},
		{
			name:    "trusted peer without headers",
			remote:  "10.0.0.5:80",
			trusted: []string{"10.0.0.0/8"},
			want:    "10.0.0.5",
		},
		{
			name:   "no trusted proxies",
			remote: "198.51.100.10:1234",
			header: "X-Forwarded-For",
			value:  "203.0.113.5",
			want:   "198.51.100.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com", nil)
			req.RemoteAddr = tt.remote
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			got := clientAddr(req, mustProxies(t, tt.trusted...))
			if got.String() != tt.want {
				t.Errorf("clientAddr = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestParseProxySet(t *testing.T) {
	ps := mustProxies(t, "10.0.0.0/8", " ", "::ffff:192.0.2.1")
	if !ps.trusts(netip.MustParseAddr("10.1.2.3")) {
		t.Error("10.1.2.3 should be trusted")
	}
	if !ps.trusts(netip.MustParseAddr("192.0.2.1")) {
		t.Error("mapped address should match its IPv4 form")
	}
	if ps.trusts(netip.MustParseAddr("192.168.0.1")) {
		t.Error("192.168.0.1 should not be trusted")
	}

	for _, bad := range []string{"bogus", "300.1.1.1/99"} {
		if _, err := parseProxySet([]string{bad}); err == nil {
			t.Errorf("parseProxySet(%q) accepted", bad)
		}
	}
}

func TestParseHop(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"[2001:db8::1]:4711"`, "2001:db8::1"},
		{"[2001:db8::2]", "2001:db8::2"},
		{"192.0.2.60:8080", "192.0.2.60"},
		{" 192.0.2.61 ", "192.0.2.61"},
		{"fe80::1%eth0", "fe80::1"},
		{"unknown", "invalid IP"},
		{"_hidden", "invalid IP"},
		{"", "invalid IP"},
	}
	for _, tt := range tests {
		if got := parseHop(tt.in).String(); got != tt.want {
			t.Errorf("parseHop(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
