package smtp

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const lineQueueSize = 64

type lineResult struct {
	line string
	err  error
}

// lineReader turns a byte stream into CRLF-delimited lines.
// A goroutine reads the socket and pushes complete lines onto a bounded channel;
// consumers pull one line at a time with a timeout.
type lineReader struct {
	conn    net.Conn
	lines   chan lineResult
	done    chan struct{}
	stopped atomic.Bool
}

func newLineReader(conn net.Conn) *lineReader {
	r := &lineReader{
		conn:  conn,
		lines: make(chan lineResult, lineQueueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *lineReader) run() {
	defer close(r.done)
	defer close(r.lines)

	buf := make([]byte, 4096)
	var pending []byte

	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := indexLF(pending)
				if i < 0 {
					break
				}
				line := strings.TrimSuffix(string(pending[:i]), "\r")
				pending = pending[i+1:]
				r.lines <- lineResult{line: line}
			}
		}
		if err != nil {
			if !r.stopped.Load() {
				r.lines <- lineResult{err: err}
			}
			return
		}
	}
}

func indexLF(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// next returns the next line, waiting at most timeout
func (r *lineReader) next(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res, ok := <-r.lines:
		if !ok {
			return "", net.ErrClosed
		}
		if res.err != nil {
			if errors.Is(res.err, os.ErrDeadlineExceeded) {
				return "", ErrTimeout
			}
			return "", res.err
		}
		return res.line, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// stop halts the reader goroutine so the socket can be handed to a TLS handshake.
// Bytes received after the last consumed line are discarded.
func (r *lineReader) stop() {
	r.stopped.Store(true)
	r.conn.SetReadDeadline(time.Now())
	for range r.lines {
	}
	<-r.done
	r.conn.SetReadDeadline(time.Time{})
}

// close closes the socket and waits for the reader goroutine to exit
func (r *lineReader) close() error {
	r.stopped.Store(true)
	err := r.conn.Close()
	for range r.lines {
	}
	<-r.done
	return err
}
