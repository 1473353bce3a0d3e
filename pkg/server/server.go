// Package server is the development conversation server: a REST API for
// identities, conversations and messages plus a websocket fan-out hub.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/storage"
)

// Server represents the development conversation server
type Server struct {
	db         *storage.MessageDB
	router     *gin.Engine
	hub        *Hub
	tokens     *TokenIssuer
	limiter    *RateLimiter
	config     *Config
	clock      clock.Clock
	logger     *zap.Logger
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Port        int
	EnableCORS  bool
	RateLimit   int // Requests per minute, 0 disables
	ReadTimeout time.Duration

	// APIKeys accepted in X-API-Key / x_api_key. Empty accepts any caller.
	APIKeys []string

	// JWTSecret signs session tokens. Empty generates a random secret.
	JWTSecret string
	TokenTTL  time.Duration

	// MessageLimit caps messages returned per conversation fetch.
	MessageLimit int

	// PurgeInterval is how often expired messages are deleted.
	PurgeInterval time.Duration

	Clock clock.Clock
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:          8080,
		EnableCORS:    true,
		RateLimit:     600,
		ReadTimeout:   30 * time.Second,
		TokenTTL:      time.Hour,
		MessageLimit:  500,
		PurgeInterval: time.Minute,
	}
}

// NewServer creates a new server backed by db
func NewServer(db *storage.MessageDB, config *Config, logger *zap.Logger) (*Server, error) {
	if db == nil {
		return nil, errors.New("server: database is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	secret := []byte(config.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Hour
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		db:     db,
		router: gin.New(),
		tokens: NewTokenIssuer(secret, config.TokenTTL, clk),
		config: config,
		clock:  clk,
		logger: logger,
	}
	s.hub = NewHub(db, clk, logger.Named("hub"))

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	if s.config.RateLimit > 0 {
		s.limiter = NewRateLimiter(s.config.RateLimit, s.clock)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	keys := make(map[string]bool, len(s.config.APIKeys))
	for _, k := range s.config.APIKeys {
		keys[k] = true
	}

	v1 := s.router.Group("/api/v1")
	if len(keys) > 0 {
		v1.Use(AuthMiddleware(keys))
	}
	{
		v1.POST("/session", s.handleSession)

		authed := v1.Group("")
		authed.Use(SessionMiddleware(s.tokens))
		{
			authed.GET("/identities", s.handleListIdentities)
			authed.POST("/identities", s.handleRegisterIdentity)
			authed.DELETE("/identities/:id", s.handleDeleteIdentity)

			authed.GET("/profile", s.handleGetProfile)
			authed.PUT("/profile", s.handleUpdateProfile)

			authed.GET("/conversations", s.handleListConversations)
			authed.POST("/conversations", s.handleCreateConversation)
			authed.GET("/conversations/:id/messages", s.handleListMessages)
			authed.POST("/conversations/:id/messages", s.handleCreateMessage)
			authed.DELETE("/conversations/:id/messages/:mid", s.handleDeleteMessage)

			authed.GET("/stats", s.handleStats)
		}
	}

	s.router.GET("/ws/:conversationID", s.handleWebsocket(keys))

	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)
}

// Handler exposes the router, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Tokens returns the session token issuer.
func (s *Server) Tokens() *TokenIssuer {
	return s.tokens
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// Websocket connections outlive any write timeout, so none is set
		// on the server; REST handlers are short.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("conversation server starting", zap.Int("port", s.config.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go s.purgeLoop(ctx)

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server: %w", err)
		}
	}

	s.logger.Info("shutting down conversation server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.shutdown(shutdownCtx)
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.shutdown(ctx)
}

func (s *Server) shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = multierr.Append(err, s.httpServer.Shutdown(ctx))
	}
	err = multierr.Append(err, s.hub.Close())
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return err
}

// purgeLoop deletes expired messages every PurgeInterval.
func (s *Server) purgeLoop(ctx context.Context) {
	if s.config.PurgeInterval <= 0 {
		return
	}
	ticker := s.clock.Ticker(s.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.db.PurgeExpired(s.clock.Now().UnixMilli())
			if err != nil {
				s.logger.Warn("purge expired messages failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired messages", zap.Int64("count", n))
			}
		}
	}
}
