package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/Tyrowin/collabchat/internal/chat"
	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/config"
	"github.com/Tyrowin/collabchat/internal/editor"
	"github.com/Tyrowin/collabchat/internal/fanout"
	"github.com/Tyrowin/collabchat/internal/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// Server the collabchat application: the chat registry, membership and fanout,
// the shared edit session, and the transport that feeds them.
type Server struct {
	common.Component
	cfg           config.SystemConfig
	registry      *registry.Registry
	chat          *chat.Chat
	engine        *fanout.Engine
	editor        *editor.Session
	hub           *Hub
	identifier    Identifier
	origins       *OriginPolicy
	upgrader      websocket.Upgrader
	settings      ClientSettings
	chatLifecycle *ChatLifecycle
	editLifecycle *EditLifecycle
	validate      *validator.Validate
	router        *mux.Router
	startOnce     sync.Once
}

// New define the Server from a validated config
func New(cfg config.SystemConfig, clock clockwork.Clock, instance string) *Server {
	component := common.NewComponent("server", "server")
	component.LogTags["instance"] = instance

	s := &Server{
		Component:  component,
		cfg:        cfg,
		chat:       chat.New(clock),
		editor:     editor.NewSession(cfg.Editor.MaxBufferSize),
		hub:        NewHub(instance),
		identifier: NewIdentifier(cfg.Identity),
		origins:    NewOriginPolicy(cfg.WebSocket.AllowedOrigins),
		settings:   SettingsFromConfig(cfg),
		validate:   validator.New(),
	}

	var opts []registry.Option
	if cfg.WebSocket.CloseReplaced {
		opts = append(opts, registry.WithReplaceHook(s.closeReplaced))
	}
	s.registry = registry.New(chatEndpoint, opts...)
	s.engine = fanout.NewEngine(s.registry, s.chat)
	s.chatLifecycle = NewChatLifecycle(
		s.registry, s.chat, s.engine, cfg.WebSocket.DropUnauthenticated,
	)
	s.editLifecycle = NewEditLifecycle(s.editor)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.CheckOrigin,
	}
	s.router = s.buildRouter()
	return s
}

// closeReplaced close the connection superseded by a newer one for the same identity
func (s *Server) closeReplaced(old, replacement registry.Handle) {
	closer, ok := old.(interface{ Close() error })
	if !ok {
		return
	}
	log.WithFields(s.WithTags(log.Fields{"identity": old.Identity()})).Infof(
		"Closing connection %s replaced by %s", old.ID(), replacement.ID(),
	)
	if err := closer.Close(); err != nil && !isExpectedCloseError(err) {
		log.WithError(err).WithFields(s.LogTags).Warn("Error closing replaced connection")
	}
}

// Handler the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry the chat connection registry
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Chat the chat membership service
func (s *Server) Chat() *chat.Chat {
	return s.chat
}

// Editor the shared edit session
func (s *Server) Editor() *editor.Session {
	return s.editor
}

// Hub the connection table
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start the hub event loop. Safe to call more than once.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		go s.hub.Run()
		log.WithFields(s.LogTags).Info("Hub started and ready to manage stream connections")
	})
}

// Stop close every stream connection and wait for their pumps to finish
func (s *Server) Stop() error {
	s.Start()
	return s.hub.Shutdown(s.cfg.Server.ShutdownTimeoutDuration())
}

// Run serve HTTP until ctx is cancelled, then shut down the HTTP server and the hub
func (s *Server) Run(ctx context.Context) error {
	s.Start()
	httpSrv := CreateServer(s.cfg.Server, s.router)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- StartServer(httpSrv)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("HTTP Server Failure")
		}
	}

	if shutdownErr := ShutdownServer(httpSrv, s.cfg.Server.ShutdownTimeoutDuration()); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if stopErr := s.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}
