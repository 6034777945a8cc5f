package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/linuxdeveloper/ast-api/internal/ami"
	"github.com/linuxdeveloper/ast-api/internal/config"
	"github.com/linuxdeveloper/ast-api/internal/connector"
	"github.com/linuxdeveloper/ast-api/internal/events"
	"github.com/linuxdeveloper/ast-api/internal/journal"
	"github.com/linuxdeveloper/ast-api/internal/util"
)

// Manager is the manager link the API drives.
type Manager interface {
	Status() connector.Status
	Execute(ctx context.Context, action string, params ami.Params) (*ami.Packet, error)
	Command(ctx context.Context, command string) ([]string, error)
	Ping(ctx context.Context) (time.Duration, error)
	Reconnect(ctx context.Context) error
	SetDebug(debug bool)
}

// Journal is the read side of the event journal.
type Journal interface {
	Recent(limit int, name string) ([]journal.Entry, error)
	Connections(limit int) ([]journal.ConnectionRecord, error)
}

// Server is the REST API server.
type Server struct {
	cfg     *config.Config
	bus     *events.EventBus
	manager Manager
	journal Journal
	logger  zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates an API server. journal may be nil when journaling is
// disabled.
func NewServer(cfg *config.Config, bus *events.EventBus, manager Manager, journal Journal) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:     cfg,
		bus:     bus,
		manager: manager,
		journal: journal,
		logger:  util.ComponentLogger("api"),
	}
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ac := s.cfg.GetAPI()
	addr := net.JoinHostPort(ac.Listen, strconv.Itoa(ac.Port))

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /api/events/stream holds its connection open.
		IdleTimeout: 120 * time.Second,
	}

	lc := listenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	ac := s.cfg.GetAPI()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	origins := ac.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(NewRateLimiter(ac.RateLimitRPS).Middleware())

	router.GET("/api/ping", s.handlePing)

	protected := router.Group("/api")
	protected.Use(RequireToken(ac.Token))
	{
		protected.GET("/status", s.handleStatus)
		protected.GET("/config", s.handleGetConfig)

		protected.POST("/action", s.handleAction)
		protected.POST("/command", s.handleCommand)
		protected.POST("/manager/ping", s.handleManagerPing)
		protected.POST("/reconnect", s.handleReconnect)
		protected.PUT("/debug", s.handleSetDebug)

		protected.GET("/events", s.handleEvents)
		protected.GET("/events/stream", s.handleEventStream)
		protected.GET("/connections", s.handleConnections)
		protected.GET("/usage", s.handleUsage)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "astman API is running"})
	})

	return router
}
