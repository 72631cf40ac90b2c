// Package api exposes a local HTTP control surface for a running NovaLink
// client: session status, message submission, and connection management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NovaMesh/novalink-client/pkg/network"
)

// Server is the HTTP control API for one client instance.
type Server struct {
	client     *network.Client
	identity   network.IdentityStore
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	APIKeys      map[string]bool // When non-empty, requests must carry X-API-Key
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         7600,
		EnableCORS:   true,
		RateLimit:    300,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// NewServer creates a control API server for client.
func NewServer(client *network.Client, identity network.IdentityStore, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	server := &Server{
		client:   client,
		identity: identity,
		router:   router,
		port:     config.Port,
	}

	server.setupMiddleware(config)
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(config *Config) {
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	s.router.Use(RateLimitMiddleware(NewRateLimiter(config.RateLimit)))
	s.router.Use(LoggingMiddleware())
	s.router.Use(gin.Recovery())

	if len(config.APIKeys) > 0 {
		s.router.Use(AuthMiddleware(config.APIKeys))
	}
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		session := v1.Group("/session")
		{
			session.GET("/status", s.handleSessionStatus)
		}

		v1.POST("/messages", s.handleSendMessage)

		connection := v1.Group("/connection")
		{
			connection.POST("/connect", s.handleConnect)
			connection.POST("/disconnect", s.handleDisconnect)
			connection.POST("/reconnect", s.handleReconnect)
		}

		node := v1.Group("/node")
		{
			node.GET("/identity", s.handleIdentity)
		}
	}

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		fmt.Printf("🌐 Control API listening on port %d...\n", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("❌ Control API error: %v\n", err)
		}
	}()

	<-ctx.Done()

	fmt.Println("\n🛑 Shutting down control API...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
