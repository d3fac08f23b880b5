package chat

import (
	"testing"
	"time"

	"github.com/Tyrowin/collabchat/internal/fanout"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

// Chat must satisfy the fanout engine's membership boundary
var _ fanout.Membership = (*Chat)(nil)

func TestMembershipFlow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := clockwork.NewFakeClockAt(time.Unix(100, 0))
	uut := New(clock)

	// Case 1: first join announces to the joiner
	{
		event := uut.AddUser("alice")
		assert.Equal(registry.Identity("alice"), event.Author)
		assert.Equal("alice joined the chat", event.Message)
		assert.Equal([]registry.Identity{"alice"}, event.Recipients)
		assert.Equal(100.0, event.Timestamp)
	}

	// Case 2: second join announces to everyone
	{
		clock.Advance(1500 * time.Millisecond)
		event := uut.AddUser("bob")
		assert.Equal([]registry.Identity{"alice", "bob"}, event.Recipients)
		assert.Equal(101.5, event.Timestamp)
		assert.True(uut.IsMember("bob"))
	}

	// Case 3: message goes to all members, author included
	{
		event := uut.HandleMessage("bob", "hi")
		assert.Equal(registry.Identity("bob"), event.Author)
		assert.Equal("hi", event.Message)
		assert.Equal([]registry.Identity{"alice", "bob"}, event.Recipients)
	}

	// Case 4: removal excludes the removed identity
	{
		event := uut.RemoveUser("alice")
		assert.Equal(registry.Identity("alice"), event.Author)
		assert.Equal("alice left the chat", event.Message)
		assert.Equal([]registry.Identity{"bob"}, event.Recipients)
		assert.False(uut.IsMember("alice"))
	}

	// Case 5: removal is idempotent
	{
		event := uut.RemoveUser("alice")
		assert.Empty(event.Recipients)
		event = uut.RemoveUser("nobody")
		assert.Empty(event.Recipients)
		assert.Equal([]registry.Identity{"bob"}, uut.Members())
	}
}

func TestRepeatedJoinKeepsSingleMembership(t *testing.T) {
	uut := New(clockwork.NewFakeClock())
	uut.AddUser("carol")
	event := uut.AddUser("carol")
	assert.Equal(t, []registry.Identity{"carol"}, event.Recipients)
	assert.Equal(t, []registry.Identity{"carol"}, uut.Members())
}
