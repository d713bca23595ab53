package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/campaigner/internal/dkim"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/smtp"
)

// SMTPOptions holds the client settings shared by all SMTP accounts
type SMTPOptions struct {
	ClientName      string
	ResponseTimeout time.Duration
	SocketTimeout   time.Duration
	SkipTLSVerify   bool
}

// SMTPSender sends through the account's own SMTP server, one connection per message
type SMTPSender struct {
	transport smtp.MessageTransport
	signers   *dkim.Registry
	opts      SMTPOptions
	logger    *slog.Logger
}

func NewSMTPSender(transport smtp.MessageTransport, signers *dkim.Registry, opts SMTPOptions, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{
		transport: transport,
		signers:   signers,
		opts:      opts,
		logger:    logger.With("component", "delivery", "provider", "smtp"),
	}
}

// Config returns the client configuration for an SMTP account
func (s *SMTPSender) Config(settings *models.SMTPSettings) smtp.Config {
	cfg := smtp.Config{
		Host:            settings.Host,
		Port:            settings.Port,
		Secure:          settings.Secure,
		Username:        settings.Username,
		Password:        settings.Password,
		ClientName:      s.opts.ClientName,
		ResponseTimeout: s.opts.ResponseTimeout,
		SocketTimeout:   s.opts.SocketTimeout,
	}
	if s.opts.SkipTLSVerify {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return cfg
}

// Verify authenticates against the server without sending
func (s *SMTPSender) Verify(ctx context.Context, settings *models.SMTPSettings) error {
	return s.transport.Verify(ctx, s.Config(settings))
}

// Send renders, optionally DKIM-signs and transmits msg. The server's queue
// id is returned when echoed, otherwise the generated Message-ID.
func (s *SMTPSender) Send(ctx context.Context, acc *models.Account, msg *OutgoingMessage) (*SendResult, error) {
	if acc.SMTP == nil {
		return nil, &AccountNotConnectedError{Email: acc.Email, Type: acc.Type}
	}

	messageID, raw, err := buildMIME(msg)
	if err != nil {
		return nil, err
	}
	if signer := s.signers.ForAddress(msg.From); signer != nil {
		signed, err := signer.Sign(raw)
		if err != nil {
			return nil, fmt.Errorf("dkim sign: %w", err)
		}
		raw = signed
	}

	id, err := s.transport.Send(ctx, s.Config(acc.SMTP), &smtp.Envelope{
		From: msg.From,
		To:   []string{msg.To},
		Data: raw,
	})
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = messageID
	}
	return &SendResult{MessageID: id}, nil
}
