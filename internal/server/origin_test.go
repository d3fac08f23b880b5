package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Tyrowin/collabchat/internal/config"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/stretchr/testify/assert"
)

func requestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginPolicy(t *testing.T) {
	assert := assert.New(t)

	// Case 0: explicit allow-list, normalized
	{
		uut := NewOriginPolicy([]string{" HTTP://Example.COM ", "not-a-url", ""})
		assert.True(uut.CheckOrigin(requestWithOrigin("http://example.com")))
		assert.True(uut.Allowed(requestWithOrigin("http://EXAMPLE.com")))
		assert.False(uut.CheckOrigin(requestWithOrigin("https://example.com")))
		assert.False(uut.CheckOrigin(requestWithOrigin("http://evil.com")))
		assert.False(uut.CheckOrigin(requestWithOrigin("")))
		assert.False(uut.CheckOrigin(requestWithOrigin("garbage")))
	}

	// Case 1: wildcard
	{
		uut := NewOriginPolicy([]string{"*"})
		assert.True(uut.CheckOrigin(requestWithOrigin("http://anything.example:9000")))
		assert.False(uut.CheckOrigin(requestWithOrigin("")))
	}

	// Case 2: empty list refuses all
	{
		uut := NewOriginPolicy(nil)
		assert.False(uut.CheckOrigin(requestWithOrigin("http://localhost:8080")))
	}
}

func TestIdentifier(t *testing.T) {
	assert := assert.New(t)

	uut := NewIdentifier(config.IdentityConfig{Header: "X-User", QueryParam: "user"})

	// Case 0: nothing supplied
	{
		r := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
		assert.Equal(registry.Identity(""), uut.FromRequest(r))
	}

	// Case 1: header
	{
		r := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
		r.Header.Set("X-User", " alice ")
		assert.Equal(registry.Identity("alice"), uut.FromRequest(r))
	}

	// Case 2: query parameter fallback
	{
		r := httptest.NewRequest(http.MethodGet, "/chat/ws?user=bob", nil)
		assert.Equal(registry.Identity("bob"), uut.FromRequest(r))
	}

	// Case 3: header wins
	{
		r := httptest.NewRequest(http.MethodGet, "/chat/ws?user=bob", nil)
		r.Header.Set("X-User", "alice")
		assert.Equal(registry.Identity("alice"), uut.FromRequest(r))
	}

	// Case 4: query parameter disabled
	{
		header := NewIdentifier(config.IdentityConfig{Header: "X-User"})
		r := httptest.NewRequest(http.MethodGet, "/chat/ws?user=bob", nil)
		assert.Equal(registry.Identity(""), header.FromRequest(r))
	}
}
