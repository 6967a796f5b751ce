package common

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the first parseable address from X-Forwarded-For, then
// X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for hop := range strings.SplitSeq(r.Header.Get("X-Forwarded-For"), ",") {
		if addr, err := netip.ParseAddr(strings.TrimSpace(hop)); err == nil {
			return addr.String()
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.String()
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
