// Package testhelpers provides common utilities and helper functions for testing the collabchat server.
//
// It provides functions for dialing streams under an identity, making HTTP
// requests, and reading chat frames to reduce code duplication in test files.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/collabchat/internal/fanout"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin the Origin header sent by test dialers
const TestOrigin = "http://localhost:8080"

// IdentityHeader the identity header test requests carry
const IdentityHeader = "X-Authenticated-User"

// WebSocketURL converts an httptest server URL into a stream URL for the path
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket creates a WebSocket connection to the specified URL as the
// given identity. An empty identity dials unauthenticated.
func ConnectWebSocket(url, identity string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	if identity != "" {
		headers.Set(IdentityHeader, identity)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect ConnectWebSocket, failing the test on error
func MustConnect(t *testing.T, url, identity string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url, identity)
	require.NoError(t, err, "dial %s as %q", url, identity)
	return conn
}

// MakeRequest creates and executes an HTTP request as the given identity,
// returning the response. It includes a 5-second timeout.
func MakeRequest(t *testing.T, method, url, identity string, body []byte) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "Failed to create request")
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}

	resp, err := client.Do(req)
	require.NoError(t, err, "Failed to make request")
	return resp
}

// ReadBody drains and closes the response body
func ReadBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

// SendChat sends a chat frame over the stream
func SendChat(conn *websocket.Conn, message string) error {
	return conn.WriteJSON(map[string]string{"message": message})
}

// ReceiveChat reads one chat frame within the timeout
func ReceiveChat(conn *websocket.Conn, timeout time.Duration) (fanout.WireMessage, error) {
	var msg fanout.WireMessage
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return msg, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	err = json.Unmarshal(raw, &msg)
	return msg, err
}

// MustReceiveChat ReceiveChat, failing the test on error
func MustReceiveChat(t *testing.T, conn *websocket.Conn) fanout.WireMessage {
	t.Helper()
	msg, err := ReceiveChat(conn, 2*time.Second)
	require.NoError(t, err)
	return msg
}

// ReceiveRaw reads one raw frame within the timeout
func ReceiveRaw(conn *websocket.Conn, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, raw, err := conn.ReadMessage()
	return raw, err
}

// ExpectNoMessage fails the test if a frame arrives within the timeout
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if raw, err := ReceiveRaw(conn, timeout); err == nil {
		t.Errorf("Unexpected message: %s", raw)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		_ = conn.Close()
		return err
	}
	return conn.Close()
}

// WaitFor polls the condition until it holds or the timeout passes
func WaitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}
