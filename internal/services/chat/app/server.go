// Package server hosts the chat HTTP API, the WebSocket live surface, and
// the gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tsupport/supportchat/internal/platform/clock"
	platformgrpc "github.com/tsupport/supportchat/internal/platform/grpc"
	"github.com/tsupport/supportchat/internal/platform/timeouts"
	"github.com/tsupport/supportchat/internal/services/chat/agentauth"
	"github.com/tsupport/supportchat/internal/services/chat/feed"
	"github.com/tsupport/supportchat/internal/services/chat/lifecycle"
	"github.com/tsupport/supportchat/internal/services/chat/presence"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
)

const healthServiceName = "tsupport.chat"

// Config defines the listener settings for the chat transport boundary.
type Config struct {
	HTTPAddr          string
	GRPCAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// SecureCookies marks the customer session cookie Secure.
	SecureCookies bool
}

// Store is the Session Store surface read directly by HTTP handlers.
type Store interface {
	storage.ChatStore
	storage.MessageStore
	storage.AgentStore
	storage.PushSubscriptionStore
	storage.ChangeSource
}

// AgentVerifier authenticates agent bearer tokens.
type AgentVerifier interface {
	Verify(token string) (agentauth.Principal, error)
}

// Services are the collaborators the transport delegates to. Presence and
// VAPIDPublicKey are optional; without them typing and push opt-in are off.
type Services struct {
	Store          Store
	Lifecycle      *lifecycle.Manager
	Feed           *feed.Adapter
	Presence       presence.Channel
	Agents         AgentVerifier
	VAPIDPublicKey string
	Clock          clock.Clock
}

func (s Services) validate() error {
	switch {
	case s.Store == nil:
		return errors.New("store is required")
	case s.Lifecycle == nil:
		return errors.New("lifecycle manager is required")
	case s.Agents == nil:
		return errors.New("agent verifier is required")
	}
	return nil
}

// Server hosts the chat HTTP/WebSocket process and its health endpoint.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	inbox           *inboxHub
}

// NewServer builds a configured chat server.
func NewServer(ctx context.Context, config Config, services Services) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if err := services.validate(); err != nil {
		return nil, err
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	handler, inbox := newHandler(services, config.SecureCookies)
	return &Server{
		httpAddr:        httpAddr,
		grpcAddr:        strings.TrimSpace(config.GRPCAddr),
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		health: platformgrpc.NewHealthServer(),
		inbox:  inbox,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config, services Services) error {
	server, err := NewServer(ctx, config, services)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, and the health server when a gRPC
// address is configured, until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	listener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the HTTP server on listener until the context ends.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s == nil {
		return errors.New("chat server is nil")
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	healthErr := make(chan error, 1)
	if s.grpcAddr != "" {
		go func() {
			healthErr <- s.health.Serve(healthCtx, s.grpcAddr)
		}()
		log.Printf("chat health listening on %s", s.grpcAddr)
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", listener.Addr())
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()
	s.health.SetServing(healthServiceName, true)

	select {
	case <-ctx.Done():
		s.health.SetServing(healthServiceName, false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-healthErr:
		_ = s.httpServer.Close()
		return fmt.Errorf("serve health: %w", err)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.inbox != nil {
		s.inbox.Close()
	}
}
