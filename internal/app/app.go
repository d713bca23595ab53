package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/campaigner/internal/accounts"
	"github.com/foxzi/campaigner/internal/api"
	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/delivery"
	"github.com/foxzi/campaigner/internal/dkim"
	"github.com/foxzi/campaigner/internal/message"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/oauth"
	"github.com/foxzi/campaigner/internal/repository"
	"github.com/foxzi/campaigner/internal/scheduler"
	"github.com/foxzi/campaigner/internal/smtp"
	ctls "github.com/foxzi/campaigner/internal/tls"
	"github.com/foxzi/campaigner/internal/tracking"
)

// providerHTTPTimeout bounds calls to the OAuth and mail provider APIs
const providerHTTPTimeout = 30 * time.Second

// App is the main application
type App struct {
	config        *config.Config
	version       string
	db            *repository.DB
	accounts      *accounts.BoltStore
	redis         *redis.Client
	scheduler     *scheduler.Scheduler
	tracker       *tracking.Processor
	publisher     *tracking.Publisher
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	acmeManager   *ctls.CertManager
	acmeServer    *http.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	a := &App{
		config:  cfg,
		version: version,
		logger:  logger,
	}
	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg, logger := a.config, a.logger
	ctx := context.Background()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	// Campaign store
	db, err := repository.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	campaigns := repository.NewCampaignRepository(db)
	recipients := repository.NewRecipientRepository(db)

	// Account store
	var sealer *accounts.Sealer
	if cfg.Storage.EncryptionKey != "" {
		sealer, err = accounts.NewSealer(cfg.Storage.EncryptionKey)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("account secrets are stored unencrypted, set storage.encryption_key")
	}
	a.accounts, err = accounts.NewBoltStore(cfg.Storage.AccountsPath, sealer)
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}

	// OAuth
	states, err := a.stateStore(ctx)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: providerHTTPTimeout}
	locks := oauth.NewRefreshLocker()
	google := oauth.NewGoogleManager(&cfg.Google, httpClient, locks, logger)
	microsoft := oauth.NewMicrosoftManager(&cfg.Microsoft, states, cfg.OAuth.StateTTL, httpClient, locks, logger)
	if !cfg.GoogleEnabled() {
		logger.Info("google oauth is not configured")
	}
	if !cfg.MicrosoftEnabled() {
		logger.Info("microsoft oauth is not configured")
	}

	// Senders
	transport, err := smtp.NewTransport(cfg.SMTP.Transport, logger.With("component", "smtp_client"))
	if err != nil {
		return err
	}
	signers, err := dkim.NewRegistry(dkimDomains(cfg.DKIM))
	if err != nil {
		return fmt.Errorf("failed to load DKIM keys: %w", err)
	}
	if signers.Len() > 0 {
		logger.Info("DKIM signing enabled", "domains", signers.Len())
	}
	smtpSender := delivery.NewSMTPSender(transport, signers, SMTPOptions(cfg.SMTP), logger)

	dispatcher := delivery.NewDispatcher(delivery.Options{
		Accounts:   a.accounts,
		Recipients: recipients,
		Senders: map[models.AccountType]delivery.Sender{
			models.AccountGoogle:    delivery.NewGoogleSender(cfg.Google.APIBaseURL, httpClient, google, logger),
			models.AccountMicrosoft: delivery.NewMicrosoftSender(cfg.Microsoft.GraphBaseURL, httpClient, microsoft, logger),
			models.AccountSMTP:      smtpSender,
		},
		Renderer:    message.NewRenderer(logger),
		PublicURL:   cfg.Server.PublicURL,
		Concurrency: cfg.Scheduler.Concurrency,
		SendTimeout: cfg.Scheduler.SendTimeout,
		Logger:      logger,
	})
	a.scheduler = scheduler.New(campaigns, recipients, dispatcher, cfg.Scheduler.PollInterval, logger)

	// Tracking
	var sinks []tracking.Sink
	if wh := cfg.Tracking.Webhook; wh.URL != "" {
		sinks = append(sinks, tracking.NewWebhook(tracking.WebhookConfig{
			URL:     wh.URL,
			Method:  wh.Method,
			Timeout: wh.Timeout,
			Headers: wh.Headers,
		}, nil, logger))
		logger.Info("open events forwarded to webhook", "method", wh.Method)
	}
	if q := cfg.Tracking.AMQP; q.URL != "" {
		a.publisher = tracking.NewPublisher(tracking.AMQPConfig{
			URL:        q.URL,
			Exchange:   q.Exchange,
			RoutingKey: q.RoutingKey,
		}, logger)
		sinks = append(sinks, a.publisher)
		logger.Info("open events published to broker", "exchange", q.Exchange, "routing_key", q.RoutingKey)
	}
	a.tracker = tracking.NewProcessor(recipients, cfg.Tracking.MinOpenDelay, logger, sinks...)

	// TLS for the public listener
	tlsConfig, err := a.setupTLS()
	if err != nil {
		return err
	}

	a.apiServer = api.NewServer(api.ServerOptions{
		Config:     &cfg.API,
		Version:    a.version,
		Campaigns:  campaigns,
		Recipients: recipients,
		Accounts:   a.accounts,
		Scheduler:  a.scheduler,
		SMTP:       smtpSender,
		Tracker:    a.tracker,
		Google:     google,
		Microsoft:  microsoft,
		States:     states,
		StateTTL:   cfg.OAuth.StateTTL,
		TLSConfig:  tlsConfig,
		Logger:     logger.With("component", "api"),
	})

	if m != nil {
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs,
			logger.With("component", "metrics"))
		a.collector = metrics.NewCollector(m, campaigns, cfg.Storage.AccountsPath, 15*time.Second)
	}
	return nil
}

// stateStore returns the PKCE state store: Redis when configured, process memory otherwise
func (a *App) stateStore(ctx context.Context) (oauth.StateStore, error) {
	sc := a.config.OAuth.StateStore
	if sc.RedisAddr == "" {
		return oauth.NewMemoryStateStore(), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     sc.RedisAddr,
		Password: sc.RedisPassword,
		DB:       sc.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.logger.Info("oauth state stored in redis", "addr", sc.RedisAddr)
	return oauth.NewRedisStateStore(a.redis, sc.KeyPrefix), nil
}

func (a *App) setupTLS() (*tls.Config, error) {
	tc := a.config.API.TLS
	switch {
	case tc.ACME.Enabled:
		a.acmeManager = ctls.NewCertManager(tc.ACME.Email, tc.ACME.CacheDir, tc.ACME.Domains...)
		a.logger.Info("ACME (Let's Encrypt) enabled", "domains", tc.ACME.Domains)
		return a.acmeManager.TLSConfig(), nil
	case tc.CertFile != "" && tc.KeyFile != "":
		cfg, err := ctls.LoadCertificate(tc.CertFile, tc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		a.logger.Info("TLS enabled with manual certificates")
		return cfg, nil
	}
	return nil, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting campaigner",
		"version", a.version,
		"api_addr", a.config.API.ListenAddr,
		"public_url", a.config.Server.PublicURL,
		"storage", a.config.Storage.Driver,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 3)

	a.scheduler.Start()
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Start ACME HTTP challenge server if ACME is enabled
	if a.acmeManager != nil {
		addr := a.config.API.TLS.ACME.HTTPAddr
		a.acmeServer = &http.Server{
			Addr:    addr,
			Handler: a.acmeManager.ChallengeHandler(),
		}
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting pixel hits and API calls first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	a.scheduler.Stop()
	a.tracker.Wait()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// close releases storage and broker connections
func (a *App) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("broker close error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if a.accounts != nil {
		if err := a.accounts.Close(); err != nil {
			a.logger.Error("account store close error", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
	}
}

// SMTPOptions maps the smtp config section to sender options
func SMTPOptions(cfg config.SMTPConfig) delivery.SMTPOptions {
	return delivery.SMTPOptions{
		ClientName:      cfg.ClientName,
		ResponseTimeout: cfg.ResponseTimeout,
		SocketTimeout:   cfg.SocketTimeout,
		SkipTLSVerify:   cfg.SkipTLSVerify,
	}
}

func dkimDomains(cfg config.DKIMConfig) map[string]dkim.DomainKey {
	out := make(map[string]dkim.DomainKey, len(cfg.Domains))
	for domain, d := range cfg.Domains {
		out[domain] = dkim.DomainKey{Selector: d.Selector, KeyFile: d.KeyFile}
	}
	return out
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
