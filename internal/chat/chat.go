// Package chat is the membership service for the chat feature: it owns the
// authoritative list of subscribed users and stamps every message with the
// server-side time.
package chat

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/fanout"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// Chat the chat membership list
type Chat struct {
	common.Component
	clock   clockwork.Clock
	lock    sync.Mutex
	members map[registry.Identity]struct{}
}

// New define a new, empty Chat
func New(clock clockwork.Clock) *Chat {
	return &Chat{
		Component: common.NewComponent("chat", "membership"),
		clock:     clock,
		members:   make(map[registry.Identity]struct{}),
	}
}

// AddUser subscribe an identity and announce it to every member, itself included
func (c *Chat) AddUser(identity registry.Identity) fanout.Event {
	c.lock.Lock()
	c.members[identity] = struct{}{}
	recipients := c.snapshot()
	c.lock.Unlock()

	log.WithFields(c.WithTags(log.Fields{"identity": identity})).Infof(
		"User joined. Total members: %d", len(recipients),
	)
	return fanout.NewEvent(
		identity, fmt.Sprintf("%s joined the chat", identity), recipients, c.now(),
	)
}

// RemoveUser unsubscribe an identity and announce the departure to the
// remaining members. Removing a non-member is a no-op whose event has no
// recipients.
func (c *Chat) RemoveUser(identity registry.Identity) fanout.Event {
	c.lock.Lock()
	_, wasMember := c.members[identity]
	delete(c.members, identity)
	var recipients []registry.Identity
	if wasMember {
		recipients = c.snapshot()
	}
	c.lock.Unlock()

	tags := c.WithTags(log.Fields{"identity": identity})
	if !wasMember {
		log.WithFields(tags).Debug("Remove requested for user not in chat")
	} else {
		log.WithFields(tags).Infof("User left. Total members: %d", len(recipients))
	}
	return fanout.NewEvent(
		identity, fmt.Sprintf("%s left the chat", identity), recipients, c.now(),
	)
}

// HandleMessage timestamp a message and address it to every member
func (c *Chat) HandleMessage(identity registry.Identity, text string) fanout.Event {
	c.lock.Lock()
	recipients := c.snapshot()
	c.lock.Unlock()

	log.WithFields(c.WithTags(log.Fields{"identity": identity})).Debugf(
		"Message from %s to %d members", identity, len(recipients),
	)
	return fanout.NewEvent(identity, text, recipients, c.now())
}

// Members sorted snapshot of the member list
func (c *Chat) Members() []registry.Identity {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.snapshot()
}

// IsMember whether the identity is subscribed
func (c *Chat) IsMember(identity registry.Identity) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.members[identity]
	return ok
}

// snapshot caller must hold the lock
func (c *Chat) snapshot() []registry.Identity {
	result := make([]registry.Identity, 0, len(c.members))
	for member := range c.members {
		result = append(result, member)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// now unix seconds with sub-second precision
func (c *Chat) now() float64 {
	return float64(c.clock.Now().UnixNano()) / 1e9
}
