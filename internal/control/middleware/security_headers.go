// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// DefaultCSP locks responses down to same-origin only. Node and coordinator
// APIs are JSON control planes, not browser-facing pages, so there is no
// need to allowlist any third-party origins.
const DefaultCSP = "default-src 'none'; frame-ancestors 'none'"

// ParseCIDRs parses a list of CIDR strings (or bare IPs, treated as /32 or
// /128) into IPNets suitable for trusted-proxy membership checks.
func ParseCIDRs(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy address %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			entry = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", entry, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// IsIPAllowed reports whether ip falls within any of the given networks.
func IsIPAllowed(ip net.IP, allowed []*net.IPNet) bool {
	for _, n := range allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// SecurityHeaders returns a middleware that adds common security headers to all responses.
// It requires trustedProxies to safely evaluate X-Forwarded-Proto headers.
func SecurityHeaders(csp string, trustedProxies []*net.IPNet) func(http.Handler) http.Handler {
	if csp == "" {
		csp = DefaultCSP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Strict Transport Security (HSTS)
			// Only honor X-Forwarded-Proto if the remote IP is a trusted proxy.
			isHTTPS := r.TLS != nil
			if !isHTTPS {
				proto := r.Header.Get("X-Forwarded-Proto")
				if strings.EqualFold(proto, "https") {
					ipStr, _, _ := net.SplitHostPort(r.RemoteAddr)
					if ipStr == "" {
						ipStr = r.RemoteAddr
					}
					ip := net.ParseIP(ipStr)
					if ip != nil && IsIPAllowed(ip, trustedProxies) {
						isHTTPS = true
					}
				}
			}

			if isHTTPS {
				w.Header().Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
			}

			// Content Security Policy (CSP)
			w.Header().Set("Content-Security-Policy", csp)

			// X-Content-Type-Options
			w.Header().Set("X-Content-Type-Options", "nosniff")

			// X-Frame-Options
			w.Header().Set("X-Frame-Options", "DENY")

			// Referrer-Policy
			w.Header().Set("Referrer-Policy", "no-referrer")

			next.ServeHTTP(w, r)
		})
	}
}
