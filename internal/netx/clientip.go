package netx

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Resolver finds the client address of a request. Forwarding headers are only
// believed when the peer is a trusted proxy.
type Resolver struct {
	Trusted *CIDRSet
}

// ClientIP walks X-Forwarded-For from the right, skipping trusted hops, and
// returns the first untrusted address. X-Real-Ip is used when there is no
// X-Forwarded-For.
func (r Resolver) ClientIP(req *http.Request) string {
	peer := parseHostPort(req.RemoteAddr)
	if !peer.IsValid() {
		return req.RemoteAddr
	}
	if !r.Trusted.Contains(peer) {
		return peer.String()
	}

	if xff := req.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		var leftmost netip.Addr
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			addr = addr.Unmap()
			leftmost = addr
			if !r.Trusted.Contains(addr) {
				return addr.String()
			}
		}
		if leftmost.IsValid() {
			return leftmost.String()
		}
	}
	if xrip, err := netip.ParseAddr(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); err == nil {
		return xrip.Unmap().String()
	}
	return peer.String()
}

func parseHostPort(remoteAddr string) netip.Addr {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
