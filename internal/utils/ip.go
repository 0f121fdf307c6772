package utils

import (
	"net"
	"net/http"
	"strings"
)

// IsTrustedIP checking if the IP address enters one of the trusted CIDR subnetworks
func IsTrustedIP(ip string, trustedCIDRs []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	for _, cidr := range trustedCIDRs {
		_, netblock, err := net.ParseCIDR(cidr)
		if err != nil {
			// Skip invalid CIDR
			continue
		}
		if netblock.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller's network identity for rate-limit keys.
// X-Forwarded-For is only honored when the direct peer is a trusted proxy,
// otherwise the header would let clients pick their own bucket.
func ClientIP(r *http.Request, trustedProxies []string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if len(trustedProxies) > 0 && IsTrustedIP(host, trustedProxies) {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			candidate := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}
	return host
}
