package relay

import (
	"net"
	"net/url"
	"strings"

	"nostr-publisher/internal/util"
)

// NormalizeURL returns the canonical form of a relay URL: lowercase scheme
// and host, no trailing slash, no query or fragment. It returns "" when the
// URL is not ws/wss or names a host that IsRelayURLSafe would refuse.
// Host names are not resolved here; Connect checks the resolved addresses.
func NormalizeURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	if !hostAllowed(host) {
		return ""
	}

	out := scheme + "://" + host
	if strings.Contains(host, ":") {
		out = scheme + "://[" + host + "]"
	}
	if port := parsed.Port(); port != "" {
		out += ":" + port
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		out += path
	}
	return out
}

// hostAllowed applies the checks that need no DNS lookup
func hostAllowed(host string) bool {
	if host == "" || strings.ContainsAny(host, " %") {
		return false
	}
	if util.IsLoopbackHost(host) {
		return true
	}
	if util.IsInternalHost(host) {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return isRelayIPSafe(ip)
	}
	return strings.Contains(host, ".")
}

// IsRelayURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func IsRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if !hostAllowed(strings.ToLower(host)) {
		return false
	}
	if util.IsLoopbackHost(host) || net.ParseIP(host) != nil {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still be a valid external host
		return host[len(host)-1] != '.'
	}

	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}

	return true
}

// isRelayIPSafe checks if an IP is safe for relay connections.
// Allows loopback but blocks private, link-local, unspecified and multicast ranges.
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() {
		return false
	}
	// Covers the cloud metadata address 169.254.169.254
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return true
}
