// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/apex/log"
)

// OriginPolicy the Origin allow-list checked on every stream upgrade
type OriginPolicy struct {
	common.Component
	allowed  map[string]struct{}
	allowAll bool
}

// NewOriginPolicy define an OriginPolicy. "*" allows every origin; entries
// that are not absolute scheme://host URLs are ignored.
func NewOriginPolicy(origins []string) *OriginPolicy {
	policy := &OriginPolicy{
		Component: common.NewComponent("server", "origin-policy"),
		allowed:   make(map[string]struct{}),
	}
	normalized, allowAll := policy.normalizeOrigins(origins)
	for _, origin := range normalized {
		policy.allowed[origin] = struct{}{}
	}
	policy.allowAll = allowAll
	return policy
}

func (p *OriginPolicy) normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			log.WithFields(p.LogTags).Warnf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// Allowed whether the request's Origin header is on the allow-list. A request
// without an Origin is refused.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// CheckOrigin websocket.Upgrader hook; logs refused origins
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allowed(r) {
		return true
	}

	log.WithFields(p.LogTags).Warnf(
		"Blocked WebSocket connection from disallowed origin: %q", r.Header.Get("Origin"),
	)
	return false
}
