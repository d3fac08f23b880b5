package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Tyrowin/collabchat/internal/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id       string
	identity Identity
	sent     [][]byte
	lock     sync.Mutex
}

func newFakeHandle(identity Identity) *fakeHandle {
	return &fakeHandle{id: uuid.New().String(), identity: identity}
}

func (h *fakeHandle) ID() string         { return h.id }
func (h *fakeHandle) Identity() Identity { return h.identity }
func (h *fakeHandle) Peer() string       { return "127.0.0.1:0" }
func (h *fakeHandle) Send(payload []byte) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.sent = append(h.sent, payload)
	return nil
}

func TestRegisterLookup(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := New(uuid.New().String())

	// Case 0: empty registry
	{
		_, ok := uut.Lookup("alice")
		assert.False(ok)
		assert.Equal(0, uut.Len())
	}

	// Case 1: register then lookup
	h1 := newFakeHandle("alice")
	{
		old, err := uut.Register(h1)
		assert.Nil(err)
		assert.Nil(old)
		got, ok := uut.Lookup("alice")
		assert.True(ok)
		assert.Same(h1, got)
	}

	// Case 2: re-registering the same handle is not a replacement
	{
		old, err := uut.Register(h1)
		assert.Nil(err)
		assert.Nil(old)
		assert.Equal(1, uut.Len())
	}

	// Case 3: handle without identity is refused
	{
		_, err := uut.Register(newFakeHandle(""))
		assert.ErrorIs(err, ErrNoIdentity)
		assert.Equal(1, uut.Len())
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	assert := assert.New(t)

	name := uuid.New().String()
	var hookOld, hookNew Handle
	uut := New(name, WithReplaceHook(func(old, replacement Handle) {
		hookOld = old
		hookNew = replacement
	}))

	h1 := newFakeHandle("alice")
	h2 := newFakeHandle("alice")

	_, err := uut.Register(h1)
	assert.Nil(err)

	old, err := uut.Register(h2)
	assert.Nil(err)
	assert.Same(h1, old)

	got, ok := uut.Lookup("alice")
	assert.True(ok)
	assert.Same(h2, got)
	assert.Equal(1, uut.Len())

	assert.Same(h1, hookOld)
	assert.Same(h2, hookNew)
	assert.Equal(1.0, testutil.ToFloat64(metrics.RegistryReplacedTotal.WithLabelValues(name)))
}

func TestUnregisterIdempotent(t *testing.T) {
	assert := assert.New(t)

	name := uuid.New().String()
	uut := New(name)

	_, err := uut.Register(newFakeHandle("bob"))
	assert.Nil(err)

	assert.True(uut.Unregister("bob"))
	assert.False(uut.Unregister("bob"))
	assert.False(uut.Unregister("never-seen"))

	_, ok := uut.Lookup("bob")
	assert.False(ok)
	assert.Equal(0, uut.Len())
	assert.Equal(2.0, testutil.ToFloat64(metrics.RegistryUnregisterMissTotal.WithLabelValues(name)))
}

func TestUnregisterHandleKeepsReplacement(t *testing.T) {
	assert := assert.New(t)

	uut := New(uuid.New().String())
	h1 := newFakeHandle("carol")
	h2 := newFakeHandle("carol")

	_, _ = uut.Register(h1)
	_, _ = uut.Register(h2)

	// The superseded connection closing must not evict its replacement
	assert.False(uut.UnregisterHandle(h1))
	got, ok := uut.Lookup("carol")
	assert.True(ok)
	assert.Same(h2, got)

	assert.True(uut.UnregisterHandle(h2))
	_, ok = uut.Lookup("carol")
	assert.False(ok)
}

func TestIdentitiesSnapshot(t *testing.T) {
	uut := New(uuid.New().String())
	for _, name := range []Identity{"zed", "amy", "moe"} {
		_, err := uut.Register(newFakeHandle(name))
		require.NoError(t, err)
	}
	assert.Equal(t, []Identity{"amy", "moe", "zed"}, uut.Identities())
}

func TestConcurrentRegistryOperations(t *testing.T) {
	assert := assert.New(t)

	uut := New(uuid.New().String())

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			identity := Identity(fmt.Sprintf("user-%d", id%5))
			for j := 0; j < 50; j++ {
				h := newFakeHandle(identity)
				_, _ = uut.Register(h)
				if got, ok := uut.Lookup(identity); ok {
					assert.Equal(identity, got.Identity())
				}
				uut.UnregisterHandle(h)
			}
		}(i)
	}
	wg.Wait()

	// Every remaining key maps to a handle owned by that identity
	for _, identity := range uut.Identities() {
		h, ok := uut.Lookup(identity)
		assert.True(ok)
		assert.Equal(identity, h.Identity())
	}
}
