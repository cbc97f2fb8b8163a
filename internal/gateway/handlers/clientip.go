package handlers

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientIPExtractor resolves the caller address. Forwarding headers are
// only honored when the direct peer is a trusted proxy.
type ClientIPExtractor struct {
	trusted []*net.IPNet
}

// NewClientIPExtractor parses trusted proxies given as CIDRs or plain IPs
func NewClientIPExtractor(trusted []string) (*ClientIPExtractor, error) {
	e := &ClientIPExtractor{}
	for _, t := range trusted {
		if !strings.Contains(t, "/") {
			if ip := net.ParseIP(t); ip != nil && ip.To4() != nil {
				t += "/32"
			} else {
				t += "/128"
			}
		}
		_, network, err := net.ParseCIDR(t)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", t, err)
		}
		e.trusted = append(e.trusted, network)
	}
	return e, nil
}

// ClientIP returns the first untrusted address walking X-Forwarded-For from
// the right, or the peer address when the peer is not trusted
func (e *ClientIPExtractor) ClientIP(r *http.Request) string {
	peer := stripPort(r.RemoteAddr)
	if !e.isTrusted(peer) {
		return peer
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			continue
		}
		if !e.isTrusted(hop) {
			return hop
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
		return realIP
	}
	return peer
}

func (e *ClientIPExtractor) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range e.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
