package message

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/campaigner/internal/email"
)

// Message is a single outgoing HTML email
type Message struct {
	From      string
	FromName  string
	To        string
	Subject   string
	HTML      string
	MessageID string // with angle brackets
	Date      time.Time
}

// NewMessageID generates a Message-ID for the sender domain
func NewMessageID(from string) string {
	domain := email.ExtractDomainOrDefault(from, "localhost")
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// Bytes renders the RFC 5322 message with CRLF line endings and a
// quoted-printable HTML body
func (m *Message) Bytes() ([]byte, error) {
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	messageID := m.MessageID
	if messageID == "" {
		messageID = NewMessageID(m.From)
	}

	var buf bytes.Buffer
	buf.WriteString("From: " + email.FormatAddress(m.FromName, m.From) + "\r\n")
	buf.WriteString("To: " + email.FormatAddress("", m.To) + "\r\n")
	buf.WriteString("Subject: " + encodeHeader(m.Subject) + "\r\n")
	buf.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("Message-ID: " + messageID + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(m.HTML)); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\r\n")) {
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

// encodeHeader applies RFC 2047 encoding when the value is not plain ASCII
func encodeHeader(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	return mime.QEncoding.Encode("UTF-8", s)
}
