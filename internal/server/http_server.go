// Package server constructs and starts the collabchat HTTP service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/collabchat/internal/config"
	"github.com/apex/log"
)

// CreateServer creates and configures an HTTP server from the server config
func CreateServer(cfg config.HTTPServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ListenOn, cfg.Port),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
	}
}

// StartServer starts the HTTP server and begins listening for connections.
// It blocks until the server stops; a graceful shutdown is not an error.
func StartServer(server *http.Server) error {
	log.Infof("Server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	log.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP server shutdown error")
		return err
	}

	log.Info("HTTP server shutdown completed")
	return nil
}
