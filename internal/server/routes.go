package server

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// buildRouter define the collabchat routes
func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()

	chatRouter := router.PathPrefix("/chat").Subrouter()
	_ = RegisterPathPrefix(chatRouter, "/ws", MethodHandlers{
		"get": s.ChatStreamHandler(),
	})
	_ = RegisterPathPrefix(chatRouter, "/connect", MethodHandlers{
		"put": s.ChatConnectHandler(),
	})
	_ = RegisterPathPrefix(chatRouter, "/disconnect", MethodHandlers{
		"put": s.ChatDisconnectHandler(),
	})
	_ = RegisterPathPrefix(chatRouter, "/send", MethodHandlers{
		"put": s.ChatSendHandler(),
	})
	_ = RegisterPathPrefix(chatRouter, "/members", MethodHandlers{
		"get": s.ChatMembersHandler(),
	})

	editRouter := router.PathPrefix("/edit").Subrouter()
	_ = RegisterPathPrefix(editRouter, "/ws", MethodHandlers{
		"get": s.EditStreamHandler(),
	})
	_ = RegisterPathPrefix(editRouter, "/send", MethodHandlers{
		"post": s.EditSendHandler(),
	})
	_ = RegisterPathPrefix(editRouter, "/refresh", MethodHandlers{
		"get": s.EditRefreshHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(router, "/alive", MethodHandlers{
		"get": s.AliveHandler(),
	})
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(s, next)
	})

	return router
}
