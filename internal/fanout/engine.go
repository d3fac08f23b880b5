// Package fanout resolves an event's recipients through the connection
// registry and delivers it, folding unreachable recipients back into the
// membership service as removals.
package fanout

import (
	"errors"

	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/metrics"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/apex/log"
)

// Outcome result of one delivery attempt to one recipient
type Outcome int

const (
	// Delivered the payload was handed to the recipient's connection
	Delivered Outcome = iota
	// Unreachable the recipient has no usable connection
	Unreachable
)

// String toString function
func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "unreachable"
}

// Membership the authoritative subscriber list. RemoveUser must be idempotent
// and must not address the returned event to the removed identity.
type Membership interface {
	RemoveUser(identity registry.Identity) Event
}

// Resolver the registry operations the engine depends on
type Resolver interface {
	Lookup(identity registry.Identity) (registry.Handle, bool)
	UnregisterHandle(h registry.Handle) bool
}

// Engine best-effort event fanout with self-correcting removal
type Engine struct {
	common.Component
	resolver   Resolver
	membership Membership
}

// NewEngine define a new fanout Engine
func NewEngine(resolver Resolver, membership Membership) *Engine {
	return &Engine{
		Component:  common.NewComponent("fanout", "engine"),
		resolver:   resolver,
		membership: membership,
	}
}

// Deliver send the event to every recipient. Recipients without a usable
// connection are removed from the membership and the resulting departure
// notices are delivered in turn. Deliver never fails.
//
// Each identity is removed at most once per call, and removed identities are
// skipped in every follow-up event, so a chain of N stale users produces
// exactly N removals.
func (e *Engine) Deliver(event Event) {
	removed := make(map[registry.Identity]struct{})
	pending := []Event{event}

	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]

		payload, err := current.Wire()
		if err != nil {
			log.WithError(err).WithFields(e.LogTags).Errorf(
				"Unable to serialize event from %s", current.Author,
			)
			continue
		}

		for _, recipient := range current.Recipients {
			if _, gone := removed[recipient]; gone {
				continue
			}
			if e.Attempt(recipient, payload) == Delivered {
				continue
			}
			removed[recipient] = struct{}{}
			metrics.FanoutRemovalsTotal.Inc()
			pending = append(pending, e.membership.RemoveUser(recipient))
		}
	}
}

// Attempt resolve one recipient and try a single send.
//
// A handle whose send fails is a ghost entry: it is dropped from the registry
// (only if still current) but not closed, closing belongs to the transport.
func (e *Engine) Attempt(recipient registry.Identity, payload []byte) Outcome {
	tags := e.WithTags(log.Fields{"identity": recipient})

	h, ok := e.resolver.Lookup(recipient)
	if !ok {
		metrics.FanoutUnreachableTotal.WithLabelValues("stale_registration").Inc()
		log.WithError(registry.ErrStaleRegistration).WithFields(tags).Warnf(
			"%s has no connection in server", recipient,
		)
		return Unreachable
	}

	if err := h.Send(payload); err != nil {
		sendErr := &registry.SendError{Identity: recipient, Peer: h.Peer(), Err: err}
		metrics.FanoutUnreachableTotal.WithLabelValues("send_error").Inc()
		entry := log.WithError(sendErr).WithFields(tags)
		if errors.Is(err, registry.ErrConnectionClosed) {
			entry.Info("Connection closed before delivery")
		} else {
			entry.Error("Transfer failed")
		}
		e.resolver.UnregisterHandle(h)
		return Unreachable
	}

	metrics.FanoutDeliveredTotal.Inc()
	return Delivered
}
