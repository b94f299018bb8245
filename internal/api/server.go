package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hercules-project/hercules/internal/config"
	"github.com/hercules-project/hercules/internal/db"
	"github.com/hercules-project/hercules/internal/events"
	"github.com/hercules-project/hercules/internal/health"
	"github.com/hercules-project/hercules/internal/link"
	"github.com/hercules-project/hercules/internal/socket"
	"github.com/hercules-project/hercules/internal/util"
)

// Version is reported by /api/public/ping and the command line.
var Version = "1.0.0"

// commandTimeout bounds how long a request waits for the reactor to run a
// queued command.
const commandTimeout = 5 * time.Second

// Server is the admin HTTP API.
type Server struct {
	cfg  *config.Config
	bus  *events.EventBus
	core *socket.Core

	// Optional services, nil when disabled.
	health *health.Manager
	audit  *db.AuditLog
	link   *link.Keeper

	httpServer *http.Server
	router     *gin.Engine
	upgrader   websocket.Upgrader

	streamInterval time.Duration
}

// NewServer creates the API server. The reactor is only touched through
// its published snapshots and its command queue.
func NewServer(cfg *config.Config, bus *events.EventBus, core *socket.Core) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:            cfg,
		bus:            bus,
		core:           core,
		streamInterval: time.Second,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	return s
}

// SetDependencies injects the optional services once they are started.
func (s *Server) SetDependencies(h *health.Manager, audit *db.AuditLog, keeper *link.Keeper) {
	s.health = h
	s.audit = audit
	s.link = keeper
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.API
	if apiCfg.Token == "" {
		log.Warn().Msg("api.token is empty, admin API is unauthenticated")
	}

	addr := fmt.Sprintf(":%d", apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var certFile, keyFile string
	if apiCfg.TLSEnabled {
		certFile, keyFile = apiCfg.TLSCertFile, apiCfg.TLSKeyFile
		if certFile == "" || keyFile == "" {
			var err error
			certFile, keyFile, err = util.EnsureSelfSignedCert(filepath.Join(filepath.Dir(s.cfg.Path()), "tls"))
			if err != nil {
				return fmt.Errorf("API TLS setup failed: %w", err)
			}
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	lc := reuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("admin API starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.ServeTLS(ln, certFile, keyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.API.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleInfo)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(s.cfg.API.Token))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/stats", s.handleStats)
		monitor.GET("/stats/ws", s.handleStatsStream)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/ddos", s.handleDDoS)
		monitor.GET("/audit", s.handleAudit)
		monitor.GET("/health", s.handleHealth)
		monitor.GET("/link", s.handleLink)
		monitor.GET("/logs", s.handleLogEntries)
	}

	control := protected.Group("/control")
	{
		control.POST("/kick/:fd", s.handleKick)
		control.POST("/ddos/reset/:ip", s.handleDDoSReset)
	}

	configure := protected.Group("/configure")
	{
		configure.GET("/get_config", s.handleGetConfig)
		configure.POST("/reload_ip_rules", s.handleReloadIPRules)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.API.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.API.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
