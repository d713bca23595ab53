package sink

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"
)

// Server is a development SMTP server that captures messages instead of relaying them
type Server struct {
	server    *smtp.Server
	addr      string
	tlsConfig *tls.Config
	implicit  bool // true for SMTPS (implicit TLS)
	logger    *slog.Logger
}

// Options contains options for creating the sink
type Options struct {
	Addr      string
	Domain    string
	Username  string
	Password  string
	Mailbox   Mailbox
	Logger    *slog.Logger
	TLSConfig *tls.Config
	Implicit  bool
}

// NewServer creates a new sink server
func NewServer(opts Options) *Server {
	backend := NewBackend(opts.Mailbox, opts.Username, opts.Password, opts.Logger)

	srv := smtp.NewServer(backend)
	srv.Addr = opts.Addr
	srv.Domain = opts.Domain
	srv.MaxMessageBytes = 25 * 1024 * 1024
	srv.MaxRecipients = 100
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second

	if opts.TLSConfig != nil {
		srv.TLSConfig = opts.TLSConfig
		// With STARTTLS available, plaintext auth is still permitted before the upgrade
		srv.AllowInsecureAuth = !opts.Implicit
	} else {
		srv.AllowInsecureAuth = true
	}

	return &Server{
		server:    srv,
		addr:      opts.Addr,
		tlsConfig: opts.TLSConfig,
		implicit:  opts.Implicit,
		logger:    opts.Logger,
	}
}

// ListenAndServe starts the sink
func (s *Server) ListenAndServe() error {
	if s.implicit && s.tlsConfig != nil {
		s.logger.Info("starting SMTP sink (implicit TLS)", "addr", s.addr)
		return s.server.ListenAndServeTLS()
	}
	s.logger.Info("starting SMTP sink", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Serve accepts connections on l
func (s *Server) Serve(l net.Listener) error {
	if s.implicit && s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	s.logger.Info("starting SMTP sink", "addr", l.Addr().String())
	return s.server.Serve(l)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down SMTP sink")
	return s.server.Shutdown(ctx)
}

// Close immediately closes the server
func (s *Server) Close() error {
	return s.server.Close()
}
