package smtp

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"io"
	"math/big"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// generateTestCertificate creates a self-signed certificate for 127.0.0.1
func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: privateKey}
}

// fakeServer is a scripted SMTP peer for exercising the protocol client
type fakeServer struct {
	t         *testing.T
	ln        net.Listener
	tlsConfig *tls.Config
	implicit  bool

	username string
	password string

	greeting  string
	dataReply string
	silentOn  string // command verb after which the server stops answering
	chunked   bool   // write replies a few bytes at a time

	mu       sync.Mutex
	commands []string
	messages []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{
		t:         t,
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{generateTestCertificate(t)}},
		username:  "user@example.com",
		password:  "secret",
		greeting:  "220 fake.example.com ESMTP ready",
		dataReply: "250 2.0.0 Ok: queued as ABC123",
	}
	return s
}

func (s *fakeServer) start() {
	var err error
	if s.implicit {
		s.ln, err = tls.Listen("tcp", "127.0.0.1:0", s.tlsConfig)
	} else {
		s.ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		s.t.Fatalf("failed to listen: %v", err)
	}
	s.t.Cleanup(func() { s.ln.Close() })

	go func() {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
}

func (s *fakeServer) config() Config {
	host, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Config{
		Host:            host,
		Port:            port,
		Secure:          s.implicit,
		Username:        s.username,
		Password:        s.password,
		ClientName:      "client.test",
		ResponseTimeout: 2 * time.Second,
		SocketTimeout:   5 * time.Second,
		TLSConfig:       &tls.Config{InsecureSkipVerify: true},
	}
}

func (s *fakeServer) recordCommand(line string) {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

func (s *fakeServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeServer) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *fakeServer) write(conn net.Conn, reply string) {
	data := []byte(reply + "\r\n")
	if !s.chunked {
		conn.Write(data)
		return
	}
	for len(data) > 0 {
		n := 3
		if n > len(data) {
			n = len(data)
		}
		conn.Write(data[:n])
		data = data[n:]
		time.Sleep(time.Millisecond)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	s.write(conn, s.greeting)
	if !strings.HasPrefix(s.greeting, "220") {
		return
	}

	tp := textproto.NewReader(bufio.NewReader(conn))
	tlsActive := s.implicit
	authStep := 0
	userOK := false

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		s.recordCommand(line)

		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		if authStep > 0 {
			verb = "AUTHDATA"
		}
		if s.silentOn != "" && verb == s.silentOn {
			io.Copy(io.Discard, conn)
			return
		}

		switch verb {
		case "EHLO":
			ext := "250-AUTH LOGIN PLAIN"
			if !tlsActive {
				ext = "250-STARTTLS\r\n" + ext
			}
			s.write(conn, "250-fake.example.com greets you\r\n"+ext+"\r\n250 8BITMIME")
		case "STARTTLS":
			s.write(conn, "220 2.0.0 Ready to start TLS")
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			tp = textproto.NewReader(bufio.NewReader(conn))
			tlsActive = true
		case "AUTH":
			parts := strings.Fields(line)
			if len(parts) == 3 {
				// LOGIN with the username as initial response
				decoded, _ := base64.StdEncoding.DecodeString(parts[2])
				userOK = string(decoded) == s.username
				authStep = 2
				s.write(conn, "334 UGFzc3dvcmQ6")
				continue
			}
			authStep = 1
			s.write(conn, "334 VXNlcm5hbWU6")
		case "AUTHDATA":
			decoded, _ := base64.StdEncoding.DecodeString(line)
			if authStep == 1 {
				userOK = string(decoded) == s.username
				authStep = 2
				s.write(conn, "334 UGFzc3dvcmQ6")
				continue
			}
			authStep = 0
			if userOK && string(decoded) == s.password {
				s.write(conn, "235 2.7.0 Authentication successful")
			} else {
				s.write(conn, "535 5.7.8 Username and Password not accepted")
			}
		case "MAIL", "RCPT":
			s.write(conn, "250 2.1.0 Ok")
		case "DATA":
			s.write(conn, "354 End data with <CR><LF>.<CR><LF>")
			body, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, string(body))
			s.mu.Unlock()
			s.write(conn, s.dataReply)
		case "QUIT":
			s.write(conn, "221 2.0.0 Bye")
			return
		default:
			s.write(conn, "502 5.5.2 Command not recognized")
		}
	}
}
