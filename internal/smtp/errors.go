package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrTimeout is returned when the server does not answer within the response timeout
var ErrTimeout = errors.New("timeout waiting for server response")

// ProtocolError is an unexpected reply at a given step of the session
type ProtocolError struct {
	Step     string
	Expected []int
	Code     int
	Text     string // literal server text, all lines joined
}

func (e *ProtocolError) Error() string {
	codes := make([]string, len(e.Expected))
	for i, c := range e.Expected {
		codes[i] = strconv.Itoa(c)
	}
	return fmt.Sprintf("smtp %s: expected %s, got %q", e.Step, strings.Join(codes, "/"), e.Text)
}

// Temporary reports whether the reply was a 4xx transient failure
func (e *ProtocolError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// authCodes are replies meaning the credentials or the auth mechanism were refused
var authCodes = map[int]bool{
	530: true, // authentication required
	534: true, // mechanism too weak / web login required
	535: true, // credentials invalid
}

// IsAuthError reports whether err means the server rejected authentication
func IsAuthError(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return authCodes[pe.Code]
	}
	return false
}

// IsTemporaryError reports whether a retry later could succeed
func IsTemporaryError(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	return true // network errors and timeouts
}

func timeoutError(step string) error {
	return fmt.Errorf("smtp %s: %w", step, ErrTimeout)
}
