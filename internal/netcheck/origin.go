// Package netcheck decides whether a caller's network address is inside the
// administrator-configured campus network.
package netcheck

import "strings"

// Settings is the admin-managed origin policy. AllowedPrefix is compared with
// a plain string-prefix test, not CIDR matching: prefix "10.1" matches
// 10.10.x.x as well. That coarseness is the configured policy, so callers
// should include the trailing dot ("10.1.") when they mean the subnet.
type Settings struct {
	AllowedPrefix string
	Enabled       bool
}

// Normalize maps loopback and IPv4-mapped IPv6 forms to their IPv4 spelling
// so prefixes only ever need to be written against dotted quads.
func Normalize(addr string) string {
	if addr == "::1" {
		return "127.0.0.1"
	}
	if strings.HasPrefix(addr, "::ffff:") {
		return strings.TrimPrefix(addr, "::ffff:")
	}
	return addr
}

// Allowed reports whether the raw address passes the origin policy. A
// disabled check admits everything. With the check enabled an address that
// cannot be determined fails closed.
func Allowed(rawAddr string, s Settings) bool {
	if !s.Enabled {
		return true
	}
	addr := Normalize(strings.TrimSpace(rawAddr))
	if addr == "" {
		return false
	}
	return strings.HasPrefix(addr, s.AllowedPrefix)
}
