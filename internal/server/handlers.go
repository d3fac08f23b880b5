// Package server exposes HTTP handlers, including the stream upgrades, the
// chat and edit REST actions, and health checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/editor"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// requestIDHeader carries a caller supplied request ID
const requestIDHeader = "Collabchat-Request-ID"

const (
	chatEndpoint = "chat"
	editEndpoint = "edit"
)

// reply helper function for writing responses
func (s *Server) reply(w http.ResponseWriter, respCode int, resp interface{}, restCall string) {
	if err := writeRESTResponse(w, respCode, resp); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to write REST response for %s", restCall,
		)
	}
}

// Write logging support
func (s *Server) Write(p []byte) (n int, err error) {
	log.WithFields(s.LogTags).Infof("%s", p)
	return len(p), nil
}

// attachRequestID middleware function to attach a request ID to a API request
func (s *Server) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		rw.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		next(rw, r.WithContext(ctx))
	}
}

// requestTags the server log tags extended with the request parameters
func (s *Server) requestTags(r *http.Request) log.Fields {
	tags := s.WithTags(log.Fields{"peer": r.RemoteAddr})
	if param, ok := r.Context().Value(common.RequestParam{}).(common.RequestParam); ok {
		param.UpdateLogTags(tags)
	}
	return tags
}

// requireIdentity resolve the caller's identity, replying 401 when there is none
func (s *Server) requireIdentity(
	w http.ResponseWriter, r *http.Request, restCall string,
) (registry.Identity, bool) {
	identity := s.identifier.FromRequest(r)
	if identity == "" {
		log.WithFields(s.requestTags(r)).Warnf("%s requested without identity", restCall)
		s.reply(
			w,
			http.StatusUnauthorized,
			getStdRESTErrorMsg(http.StatusUnauthorized, registry.ErrNoIdentity.Error()),
			restCall,
		)
		return "", false
	}
	return identity, true
}

// ======================================================================================
// Streams

// streamHandler upgrade the request and hand the connection to the hub
func (s *Server) streamHandler(endpoint string, hooks ClientHooks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := s.identifier.FromRequest(r)
		log.WithFields(s.requestTags(r)).Infof(
			"%s stream creation request from %q (%s)", endpoint, identity, r.RemoteAddr,
		)

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).WithFields(s.requestTags(r)).Warn("WebSocket upgrade failed")
			return
		}

		client := NewClient(conn, s.hub, r.RemoteAddr, identity, endpoint, s.settings, hooks)
		if err := s.hub.Attach(client); err != nil {
			log.WithError(err).WithFields(client.LogTags).Warn("Connection refused")
			_ = conn.Close()
		}
	}
}

// ChatStreamHandler GET /chat/ws
func (s *Server) ChatStreamHandler() http.HandlerFunc {
	return s.streamHandler(chatEndpoint, s.chatLifecycle.Hooks())
}

// EditStreamHandler GET /edit/ws
func (s *Server) EditStreamHandler() http.HandlerFunc {
	return s.streamHandler(editEndpoint, s.editLifecycle.Hooks())
}

// ======================================================================================
// Chat actions

// ChatConnect PUT /chat/connect
//
// Join the chat. The caller may start receiving messages before this request returns.
func (s *Server) ChatConnect(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r, "ChatConnect")
	if !ok {
		return
	}
	log.WithFields(s.requestTags(r)).Infof(
		"Connect to chat requested by %s (%s)", identity, r.RemoteAddr,
	)
	s.engine.Deliver(s.chat.AddUser(identity))
	s.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "ChatConnect")
}

// ChatConnectHandler Wrapper around ChatConnect
func (s *Server) ChatConnectHandler() http.HandlerFunc {
	return s.attachRequestID(s.ChatConnect)
}

// ChatDisconnect PUT /chat/disconnect
//
// Leave the chat and stop receiving messages.
func (s *Server) ChatDisconnect(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r, "ChatDisconnect")
	if !ok {
		return
	}
	log.WithFields(s.requestTags(r)).Infof(
		"Disconnect from chat requested by %s (%s)", identity, r.RemoteAddr,
	)
	s.engine.Deliver(s.chat.RemoveUser(identity))
	s.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "ChatDisconnect")
}

// ChatDisconnectHandler Wrapper around ChatDisconnect
func (s *Server) ChatDisconnectHandler() http.HandlerFunc {
	return s.attachRequestID(s.ChatDisconnect)
}

// ChatSend PUT /chat/send
//
// Post a message, body {"message": "..."}. Every member receives
// {"author", "message", "timestamp"} on their chat stream.
func (s *Server) ChatSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r, "ChatSend")
	if !ok {
		return
	}
	var frame ChatFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		msg := fmt.Sprintf("unable to parse body: %s", err.Error())
		log.WithError(err).WithFields(s.requestTags(r)).Error("ChatSend body parse failed")
		s.reply(w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, msg), "ChatSend")
		return
	}
	if err := s.validate.Struct(&frame); err != nil {
		log.WithError(err).WithFields(s.requestTags(r)).Error("ChatSend body invalid")
		s.reply(
			w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, err.Error()), "ChatSend",
		)
		return
	}
	log.WithFields(s.requestTags(r)).Infof(
		"Send message %q requested by %s (%s)", frame.Message, identity, r.RemoteAddr,
	)
	s.engine.Deliver(s.chat.HandleMessage(identity, frame.Message))
	s.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "ChatSend")
}

// ChatSendHandler Wrapper around ChatSend
func (s *Server) ChatSendHandler() http.HandlerFunc {
	return s.attachRequestID(s.ChatSend)
}

// ChatMembers GET /chat/members
func (s *Server) ChatMembers(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, MembersResponse{
		StandardResponse: getStdRESTSuccessMsg(), Members: s.chat.Members(),
	}, "ChatMembers")
}

// ChatMembersHandler Wrapper around ChatMembers
func (s *Server) ChatMembersHandler() http.HandlerFunc {
	return s.attachRequestID(s.ChatMembers)
}

// ======================================================================================
// Edit actions

// EditSend POST /edit/send
//
// Append the raw request body to the shared buffer and push the whole buffer to
// every edit stream.
func (s *Server) EditSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.Editor.MaxBufferSize)))
	if err != nil {
		log.WithError(err).WithFields(s.requestTags(r)).Error("EditSend body read failed")
		s.reply(
			w,
			http.StatusRequestEntityTooLarge,
			getStdRESTErrorMsg(http.StatusRequestEntityTooLarge, err.Error()),
			"EditSend",
		)
		return
	}
	reached, err := s.editor.Append(string(body))
	if err != nil {
		respCode := http.StatusInternalServerError
		if errors.Is(err, editor.ErrBufferFull) {
			respCode = http.StatusRequestEntityTooLarge
		}
		log.WithError(err).WithFields(s.requestTags(r)).Warn("EditSend refused")
		s.reply(w, respCode, getStdRESTErrorMsg(respCode, err.Error()), "EditSend")
		return
	}
	s.reply(w, http.StatusOK, EditSendResponse{
		StandardResponse: getStdRESTSuccessMsg(),
		Viewers:          reached,
		Size:             len(s.editor.Contents()),
	}, "EditSend")
}

// EditSendHandler Wrapper around EditSend
func (s *Server) EditSendHandler() http.HandlerFunc {
	return s.attachRequestID(s.EditSend)
}

// EditRefresh GET /edit/refresh
//
// Returns the current shared buffer as plain text.
func (s *Server) EditRefresh(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, s.editor.Contents()); err != nil {
		log.WithError(err).WithFields(s.requestTags(r)).Error("Failed to write edit buffer")
	}
}

// EditRefreshHandler Wrapper around EditRefresh
func (s *Server) EditRefreshHandler() http.HandlerFunc {
	return s.attachRequestID(s.EditRefresh)
}

// ======================================================================================
// Health

// Alive GET /alive
func (s *Server) Alive(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "Alive")
}

// AliveHandler Wrapper around Alive
func (s *Server) AliveHandler() http.HandlerFunc {
	return s.attachRequestID(s.Alive)
}
