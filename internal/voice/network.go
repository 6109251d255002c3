package voice

import (
	"net"
	"strings"

	"github.com/rs/zerolog/log"
)

var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// tunnelNames are interface name fragments of VPN and tunnel adapters.
var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp"}

// RestrictedNetwork reports whether an active interface looks like a VPN or
// sits in the carrier-grade NAT range, where direct links rarely connect.
func RestrictedNetwork() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			addrs = nil
		}
		if restrictedInterface(iface.Name, addrs) {
			log.Debug().Str("interface", iface.Name).Msg("restricted network detected, relaying voice")
			return true
		}
	}
	return false
}

func restrictedInterface(name string, addrs []net.Addr) bool {
	name = strings.ToLower(name)
	for _, frag := range tunnelNames {
		if strings.Contains(name, frag) {
			return true
		}
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && cgnat.Contains(ip) {
			return true
		}
	}
	return false
}
