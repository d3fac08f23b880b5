// Package registry maps a stable user identity to the single live streaming
// connection currently serving it.
//
// The registry never owns a connection. Handles are created and closed by the
// transport layer; the registry only records which handle is "the" connection
// for an identity.
package registry

import (
	"sort"
	"sync"

	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/metrics"
	"github.com/apex/log"
)

// Identity stable token naming one logical user. The zero value means
// unauthenticated.
type Identity string

// Handle a live bidirectional stream as seen by the registry
type Handle interface {
	// ID unique identifier of this connection, stable for its lifetime
	ID() string
	// Identity the owning identity, fixed when the handle is created
	Identity() Identity
	// Peer opaque diagnostic descriptor, e.g. the remote address
	Peer() string
	// Send one-shot delivery attempt; never retries and never blocks beyond a
	// single enqueue / write
	Send(payload []byte) error
}

// ReplaceHook called after a registration superseded an older handle
type ReplaceHook func(old, replacement Handle)

// Registry identity to connection mapping
type Registry struct {
	common.Component
	name       string
	lock       sync.RWMutex
	entries    map[Identity]Handle
	onReplaced ReplaceHook
}

// Option configures a Registry
type Option func(*Registry)

// WithReplaceHook install a hook run whenever a registration replaces an older
// handle. The hook runs outside the registry lock.
func WithReplaceHook(hook ReplaceHook) Option {
	return func(r *Registry) {
		r.onReplaced = hook
	}
}

// New define a new, empty Registry
func New(name string, opts ...Option) *Registry {
	r := &Registry{
		Component: common.Component{LogTags: log.Fields{
			"module": "registry", "component": "connection-registry", "instance": name,
		}},
		name:    name,
		entries: make(map[Identity]Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register insert or replace the mapping for the handle's identity.
//
// Returns the handle that was replaced, if any. The replaced handle is not
// closed by the registry.
func (r *Registry) Register(h Handle) (Handle, error) {
	identity := h.Identity()
	if identity == "" {
		log.WithError(ErrNoIdentity).WithFields(r.WithTags(log.Fields{
			"peer": h.Peer(), "connection": h.ID(),
		})).Warn("Refusing to register connection without identity")
		return nil, ErrNoIdentity
	}

	r.lock.Lock()
	old, existed := r.entries[identity]
	r.entries[identity] = h
	size := len(r.entries)
	r.lock.Unlock()

	metrics.RegistryEntries.WithLabelValues(r.name).Set(float64(size))
	tags := r.WithTags(log.Fields{"identity": identity, "peer": h.Peer(), "connection": h.ID()})

	if !existed || old == h {
		log.WithFields(tags).Debugf("Registered connection. Total registered: %d", size)
		return nil, nil
	}

	metrics.RegistryReplacedTotal.WithLabelValues(r.name).Inc()
	log.WithError(ErrDuplicateRegistration).WithFields(tags).Warnf(
		"Replaced existing connection for identity %s (was %s from %s)",
		identity, old.ID(), old.Peer(),
	)
	if r.onReplaced != nil {
		r.onReplaced(old, h)
	}
	return old, nil
}

// Unregister remove the mapping for an identity. Removing an absent identity is
// a no-op reported only as a diagnostic.
func (r *Registry) Unregister(identity Identity) bool {
	r.lock.Lock()
	_, ok := r.entries[identity]
	delete(r.entries, identity)
	size := len(r.entries)
	r.lock.Unlock()

	return r.reportRemoval(identity, ok, size)
}

// UnregisterHandle remove the mapping for the handle's identity only if it
// still points at this exact handle. A superseded connection closing late
// therefore never evicts its replacement.
func (r *Registry) UnregisterHandle(h Handle) bool {
	identity := h.Identity()

	r.lock.Lock()
	current, ok := r.entries[identity]
	ok = ok && current == h
	if ok {
		delete(r.entries, identity)
	}
	size := len(r.entries)
	r.lock.Unlock()

	return r.reportRemoval(identity, ok, size)
}

func (r *Registry) reportRemoval(identity Identity, removed bool, size int) bool {
	tags := r.WithTags(log.Fields{"identity": identity})
	if !removed {
		metrics.RegistryUnregisterMissTotal.WithLabelValues(r.name).Inc()
		log.WithError(ErrUnregisterMiss).WithFields(tags).Warnf(
			"Connection for %s was not registered", identity,
		)
		return false
	}
	metrics.RegistryEntries.WithLabelValues(r.name).Set(float64(size))
	log.WithFields(tags).Debugf("Unregistered connection. Total registered: %d", size)
	return true
}

// Lookup fetch the live handle for an identity
func (r *Registry) Lookup(identity Identity) (Handle, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	h, ok := r.entries[identity]
	return h, ok
}

// Len number of registered identities
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.entries)
}

// Identities sorted snapshot of the registered identities
func (r *Registry) Identities() []Identity {
	r.lock.RLock()
	result := make([]Identity, 0, len(r.entries))
	for identity := range r.entries {
		result = append(result, identity)
	}
	r.lock.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
