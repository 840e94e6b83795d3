// Package policy validates proxy target URLs against a service's registered
// base URL and blocks literal private, loopback, and link-local addresses.
//
// Hostnames that resolve to private ranges at DNS time are an accepted
// residual risk; only address literals are checked here.
package policy

import (
	"net"
	"net/url"
	"strings"

	"github.com/agentgate/agentgate/pkg/apihttp"
)

// Validate checks targetURL against baseURL. It returns nil when the target
// is an http(s) URL on the same host as the base, with the base path as a
// prefix, and not a blocked address literal.
//
// Failures map to TargetInvalid(400) for parse/scheme/host/path violations
// and TargetForbidden(403) for blocked addresses.
func Validate(targetURL, baseURL string) error {
	target, err := url.Parse(targetURL)
	if err != nil {
		return apihttp.BadRequest("invalid target URL")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return apihttp.BadRequest("invalid service base URL")
	}

	if target.Scheme != "http" && target.Scheme != "https" {
		return apihttp.BadRequest("target URL scheme must be http or https")
	}
	if target.Scheme != base.Scheme {
		return apihttp.BadRequest("target URL scheme does not match service")
	}
	if target.Hostname() == "" {
		return apihttp.BadRequest("target URL has no host")
	}

	if BlockedHost(target.Hostname()) {
		return apihttp.Forbidden("target address is not routable through the gateway")
	}

	if !strings.EqualFold(target.Hostname(), base.Hostname()) {
		return apihttp.Forbidden("target host does not match service")
	}
	if !strings.HasPrefix(target.Path, base.Path) {
		return apihttp.Forbidden("target path is outside the service base path")
	}

	return nil
}

// BlockedHost reports whether host is a literal address (or the localhost
// name) inside a private, loopback, or link-local range:
// localhost, 127.0.0.0/8, 10.0.0.0/8, 192.168.0.0/16, 169.254.0.0/16,
// 172.16.0.0/12, ::1, fc00::/7, fe80::/10.
func BlockedHost(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}

	ip := net.ParseIP(h)
	if ip == nil {
		// A hostname; DNS-time resolution is out of scope.
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
