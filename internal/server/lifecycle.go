package server

import (
	"encoding/json"

	"github.com/Tyrowin/collabchat/internal/chat"
	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/editor"
	"github.com/Tyrowin/collabchat/internal/fanout"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ChatLifecycle binds chat stream connections to the connection registry and
// posts inbound chat frames through the membership service and fanout.
type ChatLifecycle struct {
	common.Component
	registry            *registry.Registry
	chat                *chat.Chat
	engine              *fanout.Engine
	validate            *validator.Validate
	dropUnauthenticated bool
}

// NewChatLifecycle define a ChatLifecycle
func NewChatLifecycle(
	reg *registry.Registry,
	membership *chat.Chat,
	engine *fanout.Engine,
	dropUnauthenticated bool,
) *ChatLifecycle {
	return &ChatLifecycle{
		Component:           common.NewComponent("server", "chat-lifecycle"),
		registry:            reg,
		chat:                membership,
		engine:              engine,
		validate:            validator.New(),
		dropUnauthenticated: dropUnauthenticated,
	}
}

// Hooks the client callbacks for a chat stream
func (l *ChatLifecycle) Hooks() ClientHooks {
	return ClientHooks{OnOpen: l.OnOpened, OnMessage: l.OnMessage, OnClose: l.OnClosed}
}

// OnOpened register the connection under its identity. A connection without
// an identity is left open but never registered, unless configured to drop it.
func (l *ChatLifecycle) OnOpened(c *Client) bool {
	tags := l.WithTags(log.Fields{"peer": c.Peer(), "connection": c.ID()})
	if c.Identity() == "" {
		log.WithError(registry.ErrNoIdentity).WithFields(tags).Warn(
			"Chat stream requested without identity. Ignoring",
		)
		return !l.dropUnauthenticated
	}
	if _, err := l.registry.Register(c); err != nil {
		log.WithError(err).WithFields(tags).Error("Unable to register chat stream")
		return false
	}
	log.WithFields(tags).Infof("User %s (%s) chat stream connected", c.Identity(), c.Peer())
	return true
}

// OnClosed drop the connection's registration, if it still holds it
func (l *ChatLifecycle) OnClosed(c *Client, reason string) {
	if c.Identity() == "" {
		return
	}
	l.registry.UnregisterHandle(c)
	log.WithFields(l.WithTags(log.Fields{"peer": c.Peer(), "connection": c.ID()})).Infof(
		"User %s (%s) chat stream disconnected. Reason: %s", c.Identity(), c.Peer(), reason,
	)
}

// OnMessage post one inbound chat frame as a message from the connection's identity
func (l *ChatLifecycle) OnMessage(c *Client, raw []byte) {
	tags := l.WithTags(log.Fields{"peer": c.Peer(), "connection": c.ID()})
	if c.Identity() == "" {
		log.WithFields(tags).Warn("Dropping chat frame from unauthenticated stream")
		return
	}
	var frame ChatFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.WithError(err).WithFields(tags).Warn("Dropping malformed chat frame")
		return
	}
	if err := l.validate.Struct(&frame); err != nil {
		log.WithError(err).WithFields(tags).Warn("Dropping invalid chat frame")
		return
	}
	log.WithFields(tags).Debugf("Send message requested by %s over stream", c.Identity())
	l.engine.Deliver(l.chat.HandleMessage(c.Identity(), frame.Message))
}

// EditLifecycle binds edit stream connections to the shared edit session.
// Every inbound frame is appended to the buffer as-is.
type EditLifecycle struct {
	common.Component
	session *editor.Session
}

// NewEditLifecycle define an EditLifecycle
func NewEditLifecycle(session *editor.Session) *EditLifecycle {
	return &EditLifecycle{
		Component: common.NewComponent("server", "edit-lifecycle"),
		session:   session,
	}
}

// Hooks the client callbacks for an edit stream
func (l *EditLifecycle) Hooks() ClientHooks {
	return ClientHooks{OnOpen: l.OnOpened, OnMessage: l.OnMessage, OnClose: l.OnClosed}
}

// OnOpened add the connection to the viewer set
func (l *EditLifecycle) OnOpened(c *Client) bool {
	l.session.Add(c)
	return true
}

// OnClosed remove the connection from the viewer set
func (l *EditLifecycle) OnClosed(c *Client, _ string) {
	l.session.Remove(c)
}

// OnMessage append the frame to the shared buffer
func (l *EditLifecycle) OnMessage(c *Client, raw []byte) {
	if _, err := l.session.Append(string(raw)); err != nil {
		log.WithError(err).WithFields(l.WithTags(log.Fields{"peer": c.Peer()})).Warn(
			"Edit from stream refused",
		)
	}
}
