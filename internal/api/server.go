package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/ipfilter"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/oauth"
)

// CampaignService is the part of the campaign store exposed over HTTP
type CampaignService interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	QueueNow(ctx context.Context, id string) error
}

// RecipientCounter summarizes recipient outcomes of a campaign
type RecipientCounter interface {
	Counts(ctx context.Context, campaignID string) (models.RecipientCounts, error)
}

// AccountStore persists connected sending accounts
type AccountStore interface {
	Save(ctx context.Context, acc *models.Account) error
	Delete(ctx context.Context, email string, typ models.AccountType) error
	List(ctx context.Context) ([]models.Account, error)
}

// Scheduler is woken up when a campaign is queued for immediate sending
type Scheduler interface {
	Trigger()
	Busy() bool
}

// SMTPVerifier checks SMTP credentials before they are stored
type SMTPVerifier interface {
	Verify(ctx context.Context, settings *models.SMTPSettings) error
}

// GoogleAuth runs the Google consent flow
type GoogleAuth interface {
	AuthURL(state, loginHint string) (string, error)
	Exchange(ctx context.Context, code, requestedSender string) (*oauth.Connection, error)
}

// MicrosoftAuth runs the Microsoft PKCE flow
type MicrosoftAuth interface {
	AuthURL(ctx context.Context, loginHint string) (string, string, error)
	Exchange(ctx context.Context, state, code string) (*oauth.Connection, error)
}

// ServerOptions contains options for creating the API server
type ServerOptions struct {
	Config     *config.APIConfig
	Version    string
	Campaigns  CampaignService
	Recipients RecipientCounter
	Accounts   AccountStore
	Scheduler  Scheduler
	SMTP       SMTPVerifier
	Tracker    http.Handler
	Google     GoogleAuth
	Microsoft  MicrosoftAuth
	States     oauth.StateStore // Google state to requested sender
	StateTTL   time.Duration
	TLSConfig  *tls.Config
	Logger     *slog.Logger
}

// Server is the HTTP server for the tracking pixel, OAuth callbacks and the management API
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	opts       ServerOptions
	config     *config.APIConfig
	ipFilter   *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	if opts.States == nil {
		opts.States = oauth.NewMemoryStateStore()
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = oauth.DefaultStateTTL
	}
	s := &Server{
		router:    chi.NewRouter(),
		opts:      opts,
		config:    opts.Config,
		ipFilter:  ipfilter.New(opts.Config.AllowedIPs, opts.Logger),
		logger:    opts.Logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Tracking pixel (public)
	if s.opts.Tracker != nil {
		for _, path := range []string{"/t/open.gif", "/track/open"} {
			s.router.Method(http.MethodGet, path, s.opts.Tracker)
			s.router.Method(http.MethodHead, path, s.opts.Tracker)
		}
	}

	// OAuth browser flows (public, they end in a redirect to the UI)
	s.router.Route("/oauth", func(r chi.Router) {
		r.Get("/google/start", s.handleGoogleStart)
		r.Get("/google/callback", s.handleGoogleCallback)
		r.Get("/microsoft/start", s.handleMicrosoftStart)
		r.Get("/microsoft/callback", s.handleMicrosoftCallback)
	})

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		if len(s.config.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.config.CORSOrigins,
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
				MaxAge:         300,
			}))
		}
		r.Use(s.ipFilter.Middleware)
		r.Use(s.authMiddleware)

		r.Get("/campaigns/{id}", s.handleCampaign)
		r.Post("/campaigns/{id}/send", s.handleSendNow)
		r.Post("/scheduler/poll", s.handlePoll)

		r.Get("/accounts", s.handleAccounts)
		r.Post("/accounts/smtp", s.handleAddSMTPAccount)
		r.Delete("/accounts/{type}/{email}", s.handleDeleteAccount)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on l, over TLS when a TLS config is set
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		TLSConfig:      s.opts.TLSConfig,
	}

	if s.opts.TLSConfig != nil {
		s.logger.Info("starting HTTPS server", "addr", l.Addr().String())
		return s.httpServer.ServeTLS(l, "", "")
	}
	s.logger.Info("starting HTTP server", "addr", l.Addr().String())
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
