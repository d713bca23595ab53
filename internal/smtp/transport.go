package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// MessageTransport verifies SMTP credentials and delivers messages
type MessageTransport interface {
	Verify(ctx context.Context, cfg Config) error
	Send(ctx context.Context, cfg Config, env *Envelope) (string, error)
}

// Transport kinds accepted by NewTransport
const (
	TransportRaw     = "raw"
	TransportLibrary = "library"
)

// NewTransport returns the transport implementation for kind
func NewTransport(kind string, logger *slog.Logger) (MessageTransport, error) {
	switch kind {
	case TransportRaw, "":
		return &RawTransport{logger: logger.With("transport", TransportRaw)}, nil
	case TransportLibrary:
		return &LibraryTransport{logger: logger.With("transport", TransportLibrary)}, nil
	default:
		return nil, fmt.Errorf("unknown smtp transport: %s", kind)
	}
}

// RawTransport speaks SMTP through the built-in protocol client
type RawTransport struct {
	logger *slog.Logger
}

func (t *RawTransport) Verify(ctx context.Context, cfg Config) error {
	return Verify(ctx, cfg, t.logger)
}

func (t *RawTransport) Send(ctx context.Context, cfg Config, env *Envelope) (string, error) {
	return SendMail(ctx, cfg, env, t.logger)
}

// LibraryTransport delivers through github.com/emersion/go-smtp
type LibraryTransport struct {
	logger *slog.Logger
}

func (t *LibraryTransport) dial(ctx context.Context, cfg Config) (*gosmtp.Client, error) {
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = DefaultSocketTimeout
	}

	var (
		c   *gosmtp.Client
		err error
	)
	if cfg.Secure {
		c, err = gosmtp.DialTLS(cfg.addr(), cfg.tlsConfig())
		if err != nil {
			return nil, fmt.Errorf("smtp connect: %w", err)
		}
		c.CommandTimeout = cfg.ResponseTimeout
		if err := c.Hello(cfg.clientName()); err != nil {
			c.Close()
			return nil, libraryError("ehlo", err)
		}
	} else {
		// DialStartTLS greets the server itself, so the client name is not sent on this path
		c, err = gosmtp.DialStartTLS(cfg.addr(), cfg.tlsConfig())
		if err != nil {
			return nil, libraryError("starttls", err)
		}
	}
	c.CommandTimeout = cfg.ResponseTimeout
	c.SubmissionTimeout = cfg.SocketTimeout

	if err := c.Auth(sasl.NewLoginClient(cfg.Username, cfg.Password)); err != nil {
		c.Close()
		return nil, libraryError("auth", err)
	}
	return c, nil
}

func (t *LibraryTransport) Verify(ctx context.Context, cfg Config) error {
	c, err := t.dial(ctx, cfg)
	if err != nil {
		return err
	}
	c.Quit()
	return nil
}

func (t *LibraryTransport) Send(ctx context.Context, cfg Config, env *Envelope) (string, error) {
	c, err := t.dial(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Mail(env.From, nil); err != nil {
		return "", libraryError("mail from", err)
	}
	for _, rcpt := range env.To {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return "", libraryError("rcpt to", err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return "", libraryError("data", err)
	}
	if _, err := bytes.NewReader(env.Data).WriteTo(w); err != nil {
		w.Close()
		return "", fmt.Errorf("smtp message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", libraryError("message body", err)
	}
	c.Quit()

	t.logger.Info("message delivered", "host", cfg.Host, "from", env.From, "to", env.To)
	return "", nil
}

// libraryError maps go-smtp errors onto ProtocolError so both transports classify alike
func libraryError(step string, err error) error {
	var se *gosmtp.SMTPError
	if errors.As(err, &se) {
		text := fmt.Sprintf("%d %s", se.Code, se.Message)
		if se.EnhancedCode[0] > 0 {
			text = fmt.Sprintf("%d %d.%d.%d %s", se.Code,
				se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2], se.Message)
		}
		return &ProtocolError{Step: step, Expected: expectedCodes(step), Code: se.Code, Text: strings.TrimSpace(text)}
	}
	return fmt.Errorf("smtp %s: %w", step, err)
}

func expectedCodes(step string) []int {
	switch step {
	case "starttls":
		return []int{220}
	case "auth":
		return []int{235}
	case "mail from", "rcpt to":
		return []int{250, 251}
	case "data":
		return []int{354}
	default:
		return []int{250}
	}
}
