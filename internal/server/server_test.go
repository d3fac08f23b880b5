package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tyrowin/collabchat/internal/config"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/Tyrowin/collabchat/internal/server"
	"github.com/Tyrowin/collabchat/test/testhelpers"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func testConfig(t *testing.T) config.SystemConfig {
	viper.Reset()
	defer viper.Reset()
	config.InstallDefaultConfigValues()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Server.ShutdownTimeout = 2
	return cfg
}

// startTestServer run a Server behind an httptest server; both are stopped at test end
func startTestServer(t *testing.T, cfg config.SystemConfig) (*server.Server, *httptest.Server) {
	log.SetLevel(log.DebugLevel)
	svc := server.New(cfg, clockwork.NewFakeClockAt(time.Unix(1000, 0)), uuid.New().String())
	svc.Start()
	ts := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Stop()
	})
	return svc, ts
}

// connectChat open a chat stream and wait for it to be registered
func connectChat(t *testing.T, svc *server.Server, ts *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	before, _ := svc.Registry().Lookup(registry.Identity(identity))
	conn := testhelpers.MustConnect(t, testhelpers.WebSocketURL(ts.URL, "/chat/ws"), identity)
	require.True(t, testhelpers.WaitFor(waitTimeout, func() bool {
		h, ok := svc.Registry().Lookup(registry.Identity(identity))
		return ok && h != before
	}), "%s never registered", identity)
	return conn
}

func chatAction(t *testing.T, ts *httptest.Server, action, identity string, body []byte) (int, server.StandardResponse) {
	t.Helper()
	resp := testhelpers.MakeRequest(t, http.MethodPut, ts.URL+"/chat/"+action, identity, body)
	raw := testhelpers.ReadBody(t, resp)
	var parsed server.StandardResponse
	require.NoError(t, json.Unmarshal(raw, &parsed), "body: %s", raw)
	return resp.StatusCode, parsed
}

func TestChatFlow(t *testing.T) {
	assert := assert.New(t)

	svc, ts := startTestServer(t, testConfig(t))

	alice := connectChat(t, svc, ts, "alice")
	defer func() { _ = testhelpers.CloseWebSocket(alice) }()
	bob := connectChat(t, svc, ts, "bob")
	defer func() { _ = testhelpers.CloseWebSocket(bob) }()

	// Case 0: joining announces to every member, the joiner included
	{
		code, resp := chatAction(t, ts, "connect", "alice", nil)
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		msg := testhelpers.MustReceiveChat(t, alice)
		assert.Equal("alice", msg.Author)
		assert.Equal("alice joined the chat", msg.Message)
		assert.Equal(1000.0, msg.Timestamp)

		code, _ = chatAction(t, ts, "connect", "bob", nil)
		assert.Equal(http.StatusOK, code)
		for _, conn := range []*websocket.Conn{alice, bob} {
			msg := testhelpers.MustReceiveChat(t, conn)
			assert.Equal("bob joined the chat", msg.Message)
		}
	}

	// Case 1: message through the REST action
	{
		code, _ := chatAction(t, ts, "send", "alice", []byte(`{"message":"hi"}`))
		assert.Equal(http.StatusOK, code)
		for _, conn := range []*websocket.Conn{alice, bob} {
			msg := testhelpers.MustReceiveChat(t, conn)
			assert.Equal("alice", msg.Author)
			assert.Equal("hi", msg.Message)
		}
	}

	// Case 2: message through the stream
	{
		require.NoError(t, testhelpers.SendChat(bob, "yo"))
		for _, conn := range []*websocket.Conn{alice, bob} {
			msg := testhelpers.MustReceiveChat(t, conn)
			assert.Equal("bob", msg.Author)
			assert.Equal("yo", msg.Message)
		}
	}

	// Case 3: a member without a stream is removed on the first delivery
	{
		code, _ := chatAction(t, ts, "connect", "carol", nil)
		assert.Equal(http.StatusOK, code)
		for _, conn := range []*websocket.Conn{alice, bob} {
			msg := testhelpers.MustReceiveChat(t, conn)
			assert.Equal("carol joined the chat", msg.Message)
			msg = testhelpers.MustReceiveChat(t, conn)
			assert.Equal("carol", msg.Author)
			assert.Equal("carol left the chat", msg.Message)
		}
		assert.False(svc.Chat().IsMember("carol"))
	}

	// Case 4: leaving is announced to the remaining members only
	{
		code, _ := chatAction(t, ts, "disconnect", "bob", nil)
		assert.Equal(http.StatusOK, code)
		msg := testhelpers.MustReceiveChat(t, alice)
		assert.Equal("bob left the chat", msg.Message)
		assert.Equal([]registry.Identity{"alice"}, svc.Chat().Members())

		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/chat/members", "", nil)
		var members server.MembersResponse
		assert.Nil(json.Unmarshal(testhelpers.ReadBody(t, resp), &members))
		assert.Equal([]registry.Identity{"alice"}, members.Members)
	}

	// Case 5: bob is no longer a member and receives nothing
	{
		code, _ := chatAction(t, ts, "send", "alice", []byte(`{"message":"still here"}`))
		assert.Equal(http.StatusOK, code)
		msg := testhelpers.MustReceiveChat(t, alice)
		assert.Equal("still here", msg.Message)
		testhelpers.ExpectNoMessage(t, bob, 200*time.Millisecond)
	}
}

func TestChatActionErrors(t *testing.T) {
	assert := assert.New(t)

	_, ts := startTestServer(t, testConfig(t))

	// Case 0: no identity
	{
		code, resp := chatAction(t, ts, "connect", "", nil)
		assert.Equal(http.StatusUnauthorized, code)
		assert.False(resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(http.StatusUnauthorized, resp.Error.Code)
	}

	// Case 1: malformed body
	{
		code, resp := chatAction(t, ts, "send", "alice", []byte(`{"message":`))
		assert.Equal(http.StatusBadRequest, code)
		assert.False(resp.Success)
	}

	// Case 2: empty message
	{
		code, _ := chatAction(t, ts, "send", "alice", []byte(`{"message":""}`))
		assert.Equal(http.StatusBadRequest, code)
	}

	// Case 3: wrong method
	{
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/chat/connect", "alice", nil)
		_ = testhelpers.ReadBody(t, resp)
		assert.GreaterOrEqual(resp.StatusCode, http.StatusBadRequest)
	}
}

func TestChatReplacedStream(t *testing.T) {
	assert := assert.New(t)

	svc, ts := startTestServer(t, testConfig(t))

	first := connectChat(t, svc, ts, "alice")
	defer func() { _ = first.Close() }()
	second := connectChat(t, svc, ts, "alice")
	defer func() { _ = testhelpers.CloseWebSocket(second) }()

	// Case 0: the newest stream receives
	code, _ := chatAction(t, ts, "connect", "alice", nil)
	assert.Equal(http.StatusOK, code)
	msg := testhelpers.MustReceiveChat(t, second)
	assert.Equal("alice joined the chat", msg.Message)

	// Case 1: closing the superseded stream keeps the replacement registered
	current, ok := svc.Registry().Lookup("alice")
	require.True(t, ok)
	assert.Nil(testhelpers.CloseWebSocket(first))
	assert.True(testhelpers.WaitFor(waitTimeout, func() bool { return svc.Hub().Len() == 1 }))
	still, ok := svc.Registry().Lookup("alice")
	assert.True(ok)
	assert.Equal(current.ID(), still.ID())

	code, _ = chatAction(t, ts, "send", "alice", []byte(`{"message":"after"}`))
	assert.Equal(http.StatusOK, code)
	msg = testhelpers.MustReceiveChat(t, second)
	assert.Equal("after", msg.Message)
}

func TestChatCloseReplaced(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig(t)
	cfg.WebSocket.CloseReplaced = true
	svc, ts := startTestServer(t, cfg)

	first := connectChat(t, svc, ts, "alice")
	defer func() { _ = first.Close() }()
	second := connectChat(t, svc, ts, "alice")
	defer func() { _ = testhelpers.CloseWebSocket(second) }()

	_, err := testhelpers.ReceiveRaw(first, waitTimeout)
	assert.NotNil(err)
	assert.True(testhelpers.WaitFor(waitTimeout, func() bool { return svc.Hub().Len() == 1 }))
	_, ok := svc.Registry().Lookup("alice")
	assert.True(ok)
}

func TestChatUnauthenticatedStream(t *testing.T) {
	assert := assert.New(t)

	// Case 0: left open, never registered
	{
		svc, ts := startTestServer(t, testConfig(t))
		conn := testhelpers.MustConnect(t, testhelpers.WebSocketURL(ts.URL, "/chat/ws"), "")
		assert.True(testhelpers.WaitFor(waitTimeout, func() bool { return svc.Hub().Len() == 1 }))
		assert.Equal(0, svc.Registry().Len())
		testhelpers.ExpectNoMessage(t, conn, 200*time.Millisecond)
		_ = conn.Close()
	}

	// Case 1: dropped when configured
	{
		cfg := testConfig(t)
		cfg.WebSocket.DropUnauthenticated = true
		svc, ts := startTestServer(t, cfg)
		conn := testhelpers.MustConnect(t, testhelpers.WebSocketURL(ts.URL, "/chat/ws"), "")
		_, err := testhelpers.ReceiveRaw(conn, waitTimeout)
		assert.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		assert.Equal(0, svc.Registry().Len())
		assert.True(testhelpers.WaitFor(waitTimeout, func() bool { return svc.Hub().Len() == 0 }))
		_ = conn.Close()
	}
}

func TestOriginRefused(t *testing.T) {
	assert := assert.New(t)

	svc, ts := startTestServer(t, testConfig(t))

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	headers.Set(testhelpers.IdentityHeader, "mallory")
	conn, resp, err := websocket.DefaultDialer.Dial(testhelpers.WebSocketURL(ts.URL, "/chat/ws"), headers)
	if conn != nil {
		_ = conn.Close()
	}
	assert.NotNil(err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(http.StatusForbidden, resp.StatusCode)
	assert.Equal(0, svc.Registry().Len())
}

func TestEditBroadcast(t *testing.T) {
	assert := assert.New(t)

	cfg := testConfig(t)
	cfg.Editor.MaxBufferSize = 16
	svc, ts := startTestServer(t, cfg)

	url := testhelpers.WebSocketURL(ts.URL, "/edit/ws")
	viewers := []*websocket.Conn{
		testhelpers.MustConnect(t, url, ""),
		testhelpers.MustConnect(t, url, "bob"),
	}
	defer func() {
		for _, conn := range viewers {
			_ = testhelpers.CloseWebSocket(conn)
		}
	}()
	require.True(t, testhelpers.WaitFor(waitTimeout, func() bool { return svc.Editor().Len() == 2 }))

	editSend := func(content string) (int, server.EditSendResponse) {
		resp := testhelpers.MakeRequest(t, http.MethodPost, ts.URL+"/edit/send", "", []byte(content))
		var parsed server.EditSendResponse
		assert.Nil(json.Unmarshal(testhelpers.ReadBody(t, resp), &parsed))
		return resp.StatusCode, parsed
	}

	// Case 0: every viewer receives the whole buffer on each edit
	{
		code, resp := editSend("abc")
		assert.Equal(http.StatusOK, code)
		assert.Equal(2, resp.Viewers)
		assert.Equal(3, resp.Size)
		for _, conn := range viewers {
			raw, err := testhelpers.ReceiveRaw(conn, waitTimeout)
			assert.Nil(err)
			assert.Equal("abc", string(raw))
		}
		_, _ = editSend("def")
		for _, conn := range viewers {
			raw, err := testhelpers.ReceiveRaw(conn, waitTimeout)
			assert.Nil(err)
			assert.Equal("abcdef", string(raw))
		}
	}

	// Case 1: stream frames are appends too
	{
		require.NoError(t, viewers[0].WriteMessage(websocket.TextMessage, []byte("g")))
		for _, conn := range viewers {
			raw, err := testhelpers.ReceiveRaw(conn, waitTimeout)
			assert.Nil(err)
			assert.Equal("abcdefg", string(raw))
		}
	}

	// Case 2: refresh returns the buffer
	{
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/edit/refresh", "", nil)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal("abcdefg", string(testhelpers.ReadBody(t, resp)))
	}

	// Case 3: buffer limit
	{
		code, resp := editSend("0123456789")
		assert.Equal(http.StatusRequestEntityTooLarge, code)
		assert.False(resp.Success)
		assert.Equal("abcdefg", svc.Editor().Contents())
	}

	// Case 4: a closed viewer leaves the set
	{
		_ = testhelpers.CloseWebSocket(viewers[1])
		viewers = viewers[:1]
		assert.True(testhelpers.WaitFor(waitTimeout, func() bool { return svc.Editor().Len() == 1 }))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	assert := assert.New(t)

	_, ts := startTestServer(t, testConfig(t))

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/alive", "", nil)
	var parsed server.StandardResponse
	assert.Nil(json.Unmarshal(testhelpers.ReadBody(t, resp), &parsed))
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.True(parsed.Success)
	assert.NotEmpty(resp.Header.Get("Collabchat-Request-ID"))

	resp = testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	body := testhelpers.ReadBody(t, resp)
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Contains(string(body), "editor_viewers")
}

func TestGracefulShutdown(t *testing.T) {
	assert := assert.New(t)

	svc, ts := startTestServer(t, testConfig(t))

	conns := make([]*websocket.Conn, 0, 3)
	for _, identity := range []string{"a", "b", "c"} {
		conns = append(conns, connectChat(t, svc, ts, identity))
	}

	assert.Nil(svc.Stop())
	assert.Equal(0, svc.Hub().Len())
	assert.Equal(0, svc.Registry().Len())

	for _, conn := range conns {
		_, err := testhelpers.ReceiveRaw(conn, waitTimeout)
		assert.NotNil(err)
		_ = conn.Close()
	}

	// Case 0: streams are refused once stopped
	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(ts.URL, "/chat/ws"), "late")
	if err == nil {
		_, err = testhelpers.ReceiveRaw(conn, waitTimeout)
		assert.NotNil(err)
		_ = conn.Close()
	}
	assert.Equal(0, svc.Registry().Len())
}
