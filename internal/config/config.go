package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/campaigner/internal/ipfilter"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Google    GoogleConfig    `yaml:"google"`
	Microsoft MicrosoftConfig `yaml:"microsoft"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Sink      SinkConfig      `yaml:"sink"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname  string `yaml:"hostname"`   // used in EHLO and Message-ID
	PublicURL string `yaml:"public_url"` // base URL of tracking pixel and OAuth callbacks
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"`     // applies to /api/v1 only
	CORSOrigins    []string      `yaml:"cors_origins"`    // UI origins allowed to call /api/v1
	UIRedirectURL  string        `yaml:"ui_redirect_url"` // where OAuth callbacks land
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig enables HTTPS on the public listener, from files or via ACME
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
	HTTPAddr string   `yaml:"http_addr"` // HTTP-01 challenge listener
}

// Enabled reports whether the API listener serves HTTPS
func (t TLSConfig) Enabled() bool {
	return t.ACME.Enabled || (t.CertFile != "" && t.KeyFile != "")
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Driver        string `yaml:"driver"` // sqlite3 or postgres
	DSN           string `yaml:"dsn"`
	AccountsPath  string `yaml:"accounts_path"`
	EncryptionKey string `yaml:"encryption_key"` // hex, 32 bytes; empty disables encryption
}

// SchedulerConfig contains campaign scheduler settings
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"` // recipients in flight per campaign
	SendTimeout  time.Duration `yaml:"send_timeout"`
}

// SMTPConfig contains outbound SMTP client settings
type SMTPConfig struct {
	Transport       string        `yaml:"transport"` // raw or library
	ClientName      string        `yaml:"client_name"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	SocketTimeout   time.Duration `yaml:"socket_timeout"`
	SkipTLSVerify   bool          `yaml:"skip_tls_verify"`
}

// GoogleConfig contains Google OAuth and Gmail API settings
type GoogleConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	APIBaseURL   string   `yaml:"api_base_url"`
	UserInfoURL  string   `yaml:"userinfo_url"`
	Issuer       string   `yaml:"issuer"`
	JWKSURL      string   `yaml:"jwks_url"`
}

// MicrosoftConfig contains Microsoft identity platform and Graph settings
type MicrosoftConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Tenant       string   `yaml:"tenant"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	AuthorityURL string   `yaml:"authority_url"`
	GraphBaseURL string   `yaml:"graph_base_url"`
}

// OAuthConfig contains settings shared by the OAuth flows
type OAuthConfig struct {
	StateTTL   time.Duration    `yaml:"state_ttl"`
	StateStore StateStoreConfig `yaml:"state_store"`
}

// StateStoreConfig selects where PKCE verifiers live between redirect and callback
type StateStoreConfig struct {
	RedisAddr     string `yaml:"redis_addr"` // empty = in-process memory
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// TrackingConfig contains open tracking settings
type TrackingConfig struct {
	MinOpenDelay time.Duration `yaml:"min_open_delay"`
	Webhook      WebhookConfig `yaml:"webhook"`
	AMQP         AMQPConfig    `yaml:"amqp"`
}

// WebhookConfig configures forwarding of open events
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"` // POST or GET
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// AMQPConfig configures publishing of open events to a broker
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// DKIMConfig contains DKIM signing settings for SMTP sends
type DKIMConfig struct {
	Domains map[string]DomainDKIMConfig `yaml:"domains"`
}

// DomainDKIMConfig contains DKIM settings for a domain
type DomainDKIMConfig struct {
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// SinkConfig configures the development SMTP sink
type SinkConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Domain     string `yaml:"domain"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
}

// Environment variables that override secrets from the YAML file
const (
	EnvGoogleClientSecret    = "CAMPAIGNER_GOOGLE_CLIENT_SECRET"
	EnvMicrosoftClientSecret = "CAMPAIGNER_MICROSOFT_CLIENT_SECRET"
	EnvAccountsKey           = "CAMPAIGNER_ACCOUNTS_KEY"
	EnvDatabaseDSN           = "CAMPAIGNER_DATABASE_DSN"
	EnvAPIKey                = "CAMPAIGNER_API_KEY"
)

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads environment files into the process environment.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Default returns a configuration with defaults and environment overrides applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg
}

// applyEnv overrides secrets with environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvGoogleClientSecret); v != "" {
		c.Google.ClientSecret = v
	}
	if v := os.Getenv(EnvMicrosoftClientSecret); v != "" {
		c.Microsoft.ClientSecret = v
	}
	if v := os.Getenv(EnvAccountsKey); v != "" {
		c.Storage.EncryptionKey = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.API.APIKey = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://localhost:8080"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.UIRedirectURL == "" {
		c.API.UIRedirectURL = "/"
	}
	if c.API.TLS.ACME.Enabled {
		if c.API.TLS.ACME.CacheDir == "" {
			c.API.TLS.ACME.CacheDir = "/var/lib/campaigner/certs"
		}
		if c.API.TLS.ACME.HTTPAddr == "" {
			c.API.TLS.ACME.HTTPAddr = ":80"
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite3" {
		c.Storage.DSN = "/var/lib/campaigner/campaigns.db"
	}
	if c.Storage.AccountsPath == "" {
		c.Storage.AccountsPath = "/var/lib/campaigner/accounts.db"
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 15 * time.Second
	}
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = 1
	}
	if c.Scheduler.SendTimeout == 0 {
		c.Scheduler.SendTimeout = 2 * time.Minute
	}

	if c.SMTP.Transport == "" {
		c.SMTP.Transport = "raw"
	}
	if c.SMTP.ClientName == "" {
		c.SMTP.ClientName = c.Server.Hostname
	}
	if c.SMTP.ResponseTimeout == 0 {
		c.SMTP.ResponseTimeout = 10 * time.Second
	}
	if c.SMTP.SocketTimeout == 0 {
		c.SMTP.SocketTimeout = 15 * time.Second
	}

	if len(c.Google.Scopes) == 0 {
		c.Google.Scopes = []string{
			"openid",
			"email",
			"https://www.googleapis.com/auth/gmail.send",
			"https://www.googleapis.com/auth/gmail.settings.basic",
		}
	}
	if c.Google.APIBaseURL == "" {
		c.Google.APIBaseURL = "https://gmail.googleapis.com"
	}
	if c.Google.UserInfoURL == "" {
		c.Google.UserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	}
	if c.Google.Issuer == "" {
		c.Google.Issuer = "https://accounts.google.com"
	}
	if c.Google.JWKSURL == "" {
		c.Google.JWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = c.Server.PublicURL + "/oauth/google/callback"
	}
	if c.Microsoft.RedirectURL == "" {
		c.Microsoft.RedirectURL = c.Server.PublicURL + "/oauth/microsoft/callback"
	}
	if c.Microsoft.Tenant == "" {
		c.Microsoft.Tenant = "common"
	}
	if len(c.Microsoft.Scopes) == 0 {
		c.Microsoft.Scopes = []string{
			"offline_access",
			"openid",
			"email",
			"https://graph.microsoft.com/User.Read",
			"https://graph.microsoft.com/Mail.Send",
		}
	}
	if c.Microsoft.GraphBaseURL == "" {
		c.Microsoft.GraphBaseURL = "https://graph.microsoft.com/v1.0"
	}

	if c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = 10 * time.Minute
	}
	if c.OAuth.StateStore.KeyPrefix == "" {
		c.OAuth.StateStore.KeyPrefix = "campaigner:pkce:"
	}

	if c.Tracking.MinOpenDelay == 0 {
		c.Tracking.MinOpenDelay = 5 * time.Second
	}
	if c.Tracking.MinOpenDelay > 300*time.Second {
		c.Tracking.MinOpenDelay = 300 * time.Second
	}
	if c.Tracking.Webhook.Method == "" {
		c.Tracking.Webhook.Method = "POST"
	}
	if c.Tracking.Webhook.Timeout == 0 {
		c.Tracking.Webhook.Timeout = 5 * time.Second
	}
	if c.Tracking.AMQP.RoutingKey == "" {
		c.Tracking.AMQP.RoutingKey = "email.opened"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Sink.ListenAddr == "" {
		c.Sink.ListenAddr = "127.0.0.1:2525"
	}
	if c.Sink.Domain == "" {
		c.Sink.Domain = "localhost"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server.public_url: %q", c.Server.PublicURL)
	}

	switch c.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be sqlite3 or postgres)", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if c.Storage.EncryptionKey != "" && len(c.Storage.EncryptionKey) != 64 {
		return fmt.Errorf("storage.encryption_key must be 64 hex characters")
	}

	if err := ipfilter.Validate(c.API.AllowedIPs); err != nil {
		return fmt.Errorf("invalid api.allowed_ips: %w", err)
	}
	if err := ipfilter.Validate(c.Metrics.AllowedIPs); err != nil {
		return fmt.Errorf("invalid metrics.allowed_ips: %w", err)
	}
	if tls := c.API.TLS; !tls.ACME.Enabled && (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("api.tls: cert_file and key_file must be set together")
	}
	if c.API.TLS.ACME.Enabled && len(c.API.TLS.ACME.Domains) == 0 {
		return fmt.Errorf("api.tls.acme.domains is required when acme is enabled")
	}

	switch c.SMTP.Transport {
	case "raw", "library":
	default:
		return fmt.Errorf("invalid smtp.transport: %s (must be raw or library)", c.SMTP.Transport)
	}

	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1")
	}

	if c.Tracking.MinOpenDelay < 0 {
		return fmt.Errorf("tracking.min_open_delay must not be negative")
	}
	switch c.Tracking.Webhook.Method {
	case "POST", "GET":
	default:
		return fmt.Errorf("invalid tracking.webhook.method: %s (must be POST or GET)", c.Tracking.Webhook.Method)
	}

	for domain, d := range c.DKIM.Domains {
		if d.Selector == "" || d.KeyFile == "" {
			return fmt.Errorf("dkim.domains.%s: selector and key_file are required", domain)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// GoogleEnabled reports whether Google OAuth client credentials are configured
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

// MicrosoftEnabled reports whether Microsoft OAuth client credentials are configured
func (c *Config) MicrosoftEnabled() bool {
	return c.Microsoft.ClientID != "" && c.Microsoft.ClientSecret != ""
}
