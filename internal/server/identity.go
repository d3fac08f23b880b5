package server

import (
	"net/http"
	"strings"

	"github.com/Tyrowin/collabchat/internal/config"
	"github.com/Tyrowin/collabchat/internal/registry"
)

// Identifier reads the identity an upstream auth layer attached to a request.
// The header wins over the query parameter; no value means unauthenticated.
type Identifier struct {
	Header     string
	QueryParam string
}

// NewIdentifier define an Identifier from config
func NewIdentifier(cfg config.IdentityConfig) Identifier {
	return Identifier{Header: cfg.Header, QueryParam: cfg.QueryParam}
}

// FromRequest the request's identity, or the empty Identity
func (i Identifier) FromRequest(r *http.Request) registry.Identity {
	if i.Header != "" {
		if value := strings.TrimSpace(r.Header.Get(i.Header)); value != "" {
			return registry.Identity(value)
		}
	}
	if i.QueryParam != "" {
		if value := strings.TrimSpace(r.URL.Query().Get(i.QueryParam)); value != "" {
			return registry.Identity(value)
		}
	}
	return ""
}
