package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Defaults used when Config leaves timeouts unset
const (
	DefaultResponseTimeout = 10 * time.Second
	DefaultSocketTimeout   = 15 * time.Second
)

// Config describes how to reach and authenticate against an SMTP server
type Config struct {
	Host            string
	Port            int
	Secure          bool // implicit TLS; otherwise STARTTLS is required
	Username        string
	Password        string
	ClientName      string // EHLO name
	ResponseTimeout time.Duration
	SocketTimeout   time.Duration
	TLSConfig       *tls.Config // optional, ServerName defaults to Host
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) clientName() string {
	if c.ClientName == "" {
		return "localhost"
	}
	return c.ClientName
}

func (c Config) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.Host
	}
	return cfg
}

// Envelope is a fully rendered message with its SMTP envelope addresses
type Envelope struct {
	From string
	To   []string
	Data []byte // RFC 5322 message, CRLF line endings
}

// Reply is a complete, possibly multi-line, server reply
type Reply struct {
	Code  int
	Lines []string // raw lines including the code prefix
}

// Text returns the literal reply text
func (r *Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Client is a single SMTP session over one connection
type Client struct {
	cfg    Config
	conn   net.Conn
	reader *lineReader
	logger *slog.Logger
}

// Dial opens a connection and reads the server greeting
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = DefaultSocketTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: cfg.SocketTimeout}
	var (
		conn net.Conn
		err  error
	)
	if cfg.Secure {
		td := &tls.Dialer{NetDialer: dialer, Config: cfg.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", cfg.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("smtp connect: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		reader: newLineReader(conn),
		logger: logger.With("host", cfg.Host, "port", cfg.Port),
	}
	c.refreshDeadline()

	if _, err := c.expect(ctx, "greeting", 220); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) refreshDeadline() {
	c.conn.SetDeadline(time.Now().Add(c.cfg.SocketTimeout))
}

// readReply reads lines until one carries "<code><space>"
func (c *Client) readReply(ctx context.Context, step string) (*Reply, error) {
	reply := &Reply{}
	for {
		line, err := c.reader.next(ctx, c.cfg.ResponseTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil, timeoutError(step)
			}
			return nil, fmt.Errorf("smtp %s: %w", step, err)
		}
		reply.Lines = append(reply.Lines, line)

		if len(line) < 3 {
			continue
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			continue
		}
		if len(line) == 3 || line[3] == ' ' {
			reply.Code = code
			return reply, nil
		}
	}
}

func (c *Client) expect(ctx context.Context, step string, codes ...int) (*Reply, error) {
	reply, err := c.readReply(ctx, step)
	if err != nil {
		return nil, err
	}
	for _, code := range codes {
		if reply.Code == code {
			return reply, nil
		}
	}
	return reply, &ProtocolError{Step: step, Expected: codes, Code: reply.Code, Text: reply.Text()}
}

// cmd writes one command line and waits for a reply with one of codes
func (c *Client) cmd(ctx context.Context, step string, line string, codes ...int) (*Reply, error) {
	c.refreshDeadline()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		return nil, fmt.Errorf("smtp %s: %w", step, err)
	}
	return c.expect(ctx, step, codes...)
}

// Hello sends EHLO
func (c *Client) Hello(ctx context.Context) error {
	_, err := c.cmd(ctx, "ehlo", "EHLO "+c.cfg.clientName(), 250)
	return err
}

// StartTLS upgrades the connection and repeats EHLO
func (c *Client) StartTLS(ctx context.Context) error {
	if _, err := c.cmd(ctx, "starttls", "STARTTLS", 220); err != nil {
		return err
	}

	c.reader.stop()
	tlsConn := tls.Client(c.conn, c.cfg.tlsConfig())
	hctx, cancel := context.WithTimeout(ctx, c.cfg.SocketTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return fmt.Errorf("smtp starttls: handshake: %w", err)
	}

	c.conn = tlsConn
	c.reader = newLineReader(tlsConn)
	c.logger.Debug("STARTTLS successful")

	_, err := c.cmd(ctx, "ehlo after starttls", "EHLO "+c.cfg.clientName(), 250)
	return err
}

// Auth runs AUTH LOGIN with the configured credentials
func (c *Client) Auth(ctx context.Context) error {
	if _, err := c.cmd(ctx, "auth", "AUTH LOGIN", 334); err != nil {
		return err
	}
	if _, err := c.cmd(ctx, "auth username", base64.StdEncoding.EncodeToString([]byte(c.cfg.Username)), 334); err != nil {
		return err
	}
	_, err := c.cmd(ctx, "auth password", base64.StdEncoding.EncodeToString([]byte(c.cfg.Password)), 235)
	return err
}

// Mail sends MAIL FROM
func (c *Client) Mail(ctx context.Context, from string) error {
	_, err := c.cmd(ctx, "mail from", "MAIL FROM:<"+from+">", 250, 251)
	return err
}

// Rcpt sends RCPT TO
func (c *Client) Rcpt(ctx context.Context, to string) error {
	_, err := c.cmd(ctx, "rcpt to", "RCPT TO:<"+to+">", 250, 251)
	return err
}

// Data transmits the message and returns the id echoed by the server, if any
func (c *Client) Data(ctx context.Context, msg []byte) (string, error) {
	if _, err := c.cmd(ctx, "data", "DATA", 354); err != nil {
		return "", err
	}

	c.refreshDeadline()
	if _, err := c.conn.Write(DotStuff(msg)); err != nil {
		return "", fmt.Errorf("smtp message body: %w", err)
	}

	reply, err := c.expect(ctx, "message body", 250)
	if err != nil {
		return "", err
	}
	return ParseQueuedID(reply.Text()), nil
}

// Quit sends QUIT, ignoring the reply
func (c *Client) Quit(ctx context.Context) {
	if _, err := c.cmd(ctx, "quit", "QUIT", 221); err != nil {
		c.logger.Debug("QUIT failed", "error", err)
	}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.reader.close()
}

// establish runs greeting, EHLO, STARTTLS and AUTH
func establish(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	c, err := Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := c.Hello(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if !cfg.Secure {
		if err := c.StartTLS(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	if err := c.Auth(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Verify checks that a session can be established and authenticated
func Verify(ctx context.Context, cfg Config, logger *slog.Logger) error {
	c, err := establish(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c.Quit(ctx)
	return c.Close()
}

// SendMail delivers one message over a fresh connection
func SendMail(ctx context.Context, cfg Config, env *Envelope, logger *slog.Logger) (string, error) {
	c, err := establish(ctx, cfg, logger)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := c.Mail(ctx, env.From); err != nil {
		return "", err
	}
	for _, rcpt := range env.To {
		if err := c.Rcpt(ctx, rcpt); err != nil {
			return "", err
		}
	}
	id, err := c.Data(ctx, env.Data)
	if err != nil {
		return "", err
	}
	c.Quit(ctx)

	c.logger.Info("message delivered", "from", env.From, "to", env.To, "queued_id", id)
	return id, nil
}

// DotStuff normalizes line endings to CRLF, doubles leading dots and
// appends the terminating "." line
func DotStuff(msg []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(msg) + len(msg)/64 + 5)

	lines := bytes.Split(msg, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) > 0 && line[0] == '.' {
			buf.WriteByte('.')
		}
		buf.Write(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString(".\r\n")
	return buf.Bytes()
}

var (
	queuedAsPattern  = regexp.MustCompile(`(?i)queued as ([A-Za-z0-9._-]+)`)
	angleIDPattern   = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+)>`)
	trailingIDFormat = regexp.MustCompile(`(?i)\bid=([A-Za-z0-9._@-]+)`)
)

// ParseQueuedID extracts a message id from the final DATA reply, if the server echoed one
func ParseQueuedID(text string) string {
	if m := angleIDPattern.FindStringSubmatch(text); m != nil {
		return "<" + m[1] + ">"
	}
	if m := queuedAsPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := trailingIDFormat.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}
