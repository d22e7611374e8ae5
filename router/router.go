// Package router decides, for a given destination host, whether a SOCKS5
// connection should be forwarded to the upstream Trojan server or dialed
// directly from the local machine.
package router

import (
	"path"
	"strings"

	"pyproxy/logger"
)

// Rules is the routing policy: direct_domains always wins over
// proxy_domains when both match.
type Rules struct {
	DirectDomains []string
	ProxyDomains  []string
}

// Router evaluates Rules against a host.
type Router struct {
	rules  Rules
	logger *logger.Logger
}

// New builds a Router over the given rule set.
func New(rules Rules, log *logger.Logger) *Router {
	return &Router{rules: rules, logger: log}
}

// ShouldProxy reports whether host must be relayed through the upstream
// Trojan server rather than dialed directly. Direct rules are checked
// first, so a host matching both lists is treated as direct.
func (r *Router) ShouldProxy(host string) bool {
	if matchPatterns(host, r.rules.DirectDomains) {
		r.logger.DebugWithFields("direct match", logger.Fields{"host": host})
		return false
	}

	if matchPatterns(host, r.rules.ProxyDomains) {
		r.logger.DebugWithFields("proxy match", logger.Fields{"host": host})
		return true
	}

	r.logger.DebugWithFields("no rule matched, defaulting to direct", logger.Fields{"host": host})
	return false
}

func matchPatterns(host string, patterns []string) bool {
	for _, p := range patterns {
		if matchPattern(host, p) {
			return true
		}
	}
	return false
}

func matchPattern(host, pattern string) bool {
	if host == pattern {
		return true
	}

	if ok, err := path.Match(pattern, host); err == nil && ok {
		return true
	}

	// A "*." pattern matches a strict subdomain only: the bare suffix
	// itself must be listed as its own exact pattern to match.
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		if strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}

	return false
}
