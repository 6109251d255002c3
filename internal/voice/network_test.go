package voice

import (
	"net"
	"testing"
)

func TestRestrictedInterface(t *testing.T) {
	cases := []struct {
		name  string
		addrs []net.Addr
		want  bool
	}{
		{"eth0", []net.Addr{&net.IPNet{IP: net.ParseIP("192.168.1.4"), Mask: net.CIDRMask(24, 32)}}, false},
		{"wg0", nil, true},
		{"utun3", nil, true},
		{"en0", []net.Addr{&net.IPNet{IP: net.ParseIP("100.101.2.3"), Mask: net.CIDRMask(32, 32)}}, true},
		{"en0", []net.Addr{&net.IPAddr{IP: net.ParseIP("100.128.0.1")}}, false},
	}
	for _, tc := range cases {
		if got := restrictedInterface(tc.name, tc.addrs); got != tc.want {
			t.Errorf("%s %v = %v, want %v", tc.name, tc.addrs, got, tc.want)
		}
	}
}
