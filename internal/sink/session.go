package sink

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/campaigner/internal/metrics"
)

// Login is the SASL LOGIN mechanism name
const Login = "LOGIN"

var errAuthBlocked = &smtp.SMTPError{
	Code:         421,
	EnhancedCode: smtp.EnhancedCode{4, 7, 0},
	Message:      "Too many authentication failures, try again later",
}

// Session implements smtp.Session and smtp.AuthSession for go-smtp
type Session struct {
	backend  *Backend
	conn     *smtp.Conn
	clientIP string
	from     string
	to       []string
	authUser string
	logger   *slog.Logger
}

// NewSession creates a new SMTP session
func NewSession(b *Backend, c *smtp.Conn) *Session {
	remote := c.Conn().RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}
	return &Session{
		backend:  b,
		conn:     c,
		clientIP: ip,
		logger:   b.logger.With("remote_addr", remote),
	}
}

// AuthMechanisms returns supported authentication mechanisms
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain, Login}
}

// Auth handles authentication
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if s.backend.CheckAuthBlocked(s.clientIP) {
		return nil, errAuthBlocked
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("identity must be empty or match username")
			}
			return s.authenticate(username, password)
		}), nil
	case Login:
		return &loginServer{authenticate: s.authenticate}, nil
	default:
		return nil, errors.New("unsupported authentication mechanism")
	}
}

func (s *Session) authenticate(username, password string) error {
	if !s.backend.authRequired() {
		s.authUser = username
		return nil
	}
	if username != s.backend.username || password != s.backend.password {
		s.logger.Warn("authentication failed", "username", username)
		s.backend.RecordAuthFailure(s.clientIP)
		metrics.IncSMTPAuthFailed()
		return smtp.ErrAuthFailed
	}

	s.backend.ClearAuthFailure(s.clientIP)
	metrics.IncSMTPAuthSuccess()
	s.authUser = username
	s.logger.Info("authentication successful", "username", username)
	return nil
}

// Mail handles MAIL FROM command
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.authRequired() && s.authUser == "" {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	s.from = from
	s.logger.Debug("MAIL FROM", "from", from)
	return nil
}

// Rcpt handles RCPT TO command
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	s.logger.Debug("RCPT TO", "to", to)
	return nil
}

// Data handles DATA command
func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{
			Code:    442,
			Message: "Failed to read message data",
		}
	}

	msg := &Message{
		ID:         uuid.New().String(),
		From:       s.from,
		To:         s.to,
		Data:       data,
		AuthUser:   s.authUser,
		ClientIP:   s.clientIP,
		ReceivedAt: time.Now(),
	}

	if err := s.backend.mailbox.Store(msg); err != nil {
		s.logger.Error("failed to store message", "error", err)
		return &smtp.SMTPError{
			Code:    451,
			Message: "Failed to store message",
		}
	}

	s.logger.Info("message captured",
		"id", msg.ID,
		"from", s.from,
		"to", s.to,
		"size", len(data),
	)

	return nil
}

// Reset resets the session state
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout handles session logout
func (s *Session) Logout() error {
	s.logger.Debug("session logout")
	return nil
}

// loginServer implements the server side of AUTH LOGIN
type loginServer struct {
	authenticate func(username, password string) error
	state        int
	username     string
}

func (a *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch a.state {
	case 0:
		if len(response) > 0 {
			a.username = string(response)
			a.state = 2
			return []byte("Password:"), false, nil
		}
		a.state = 1
		return []byte("Username:"), false, nil
	case 1:
		a.username = string(response)
		a.state = 2
		return []byte("Password:"), false, nil
	case 2:
		a.state = 3
		return nil, true, a.authenticate(a.username, string(response))
	default:
		return nil, true, errors.New("unexpected client response")
	}
}
