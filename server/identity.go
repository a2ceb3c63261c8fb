package server

import (
	"crypto/md5"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// ClientIdentity derives the key used for rate limiting and blocking: the
// caller's IP plus a short digest of headers that vary between browsers, so
// that users behind one NAT are told apart.
//
// trustedProxyHops is the number of reverse proxies in front of the gateway.
// With zero, forwarding headers are ignored and the peer address is used.
func ClientIdentity(r *http.Request, trustedProxyHops int) string {
	fingerprint := md5.Sum([]byte(strings.Join([]string{
		r.Header.Get("User-Agent"),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
	}, "|")))
	return clientIp(r, trustedProxyHops) + ":" + hex.EncodeToString(fingerprint[:])[:8]
}

func clientIp(r *http.Request, trustedProxyHops int) string {
	if trustedProxyHops > 0 {
		// Each proxy appends the address it saw, so entries left of the
		// trusted ones may be forged by the client.
		if forwarded := forwardedFor(r); len(forwarded) > 0 {
			if len(forwarded) < trustedProxyHops {
				return forwarded[0]
			}
			return forwarded[len(forwarded)-trustedProxyHops]
		}
		if realIp := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIp != "" {
			return realIp
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedFor(r *http.Request) []string {
	ips := []string{}
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, entry := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(entry); ip != "" {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}
