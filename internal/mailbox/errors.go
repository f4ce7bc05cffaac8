package mailbox

import (
	"errors"
	"fmt"
	"strings"
)

// AuthError means the server rejected the account's credentials. It is not
// retryable without operator intervention; the caller marks the account as
// errored and keeps trying only on the regular schedule.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is a transient transport failure (unreachable host, timeout,
// dropped connection). The current pass is aborted; the next scheduled tick
// retries.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected server response. The current
// folder is abandoned; the pass continues with the next folder.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsProtocol reports whether err is (or wraps) a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

var networkIndicators = []string{
	"connection closed",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"broken pipe",
	"network is unreachable",
	"no route to host",
	"no such host",
	"timeout",
	"eof",
}

var authIndicators = []string{
	"authenticationfailed",
	"authentication failed",
	"invalid credentials",
	"login failed",
	"username and password not accepted",
	"auth",
}

// classifyConn maps a dial/login failure into the adapter's error taxonomy.
// IMAP servers do not report failures uniformly, so this falls back to
// well-known substrings (the same set most sync implementations match on).
func classifyConn(err error) error {
	if err == nil {
		return nil
	}
	if IsAuth(err) || IsNetwork(err) || IsProtocol(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range networkIndicators {
		if strings.Contains(msg, ind) {
			return &NetworkError{Err: err}
		}
	}
	for _, ind := range authIndicators {
		if strings.Contains(msg, ind) {
			return &AuthError{Err: err}
		}
	}
	return &NetworkError{Err: err}
}

// classifyOp maps a mid-session failure. Transport-looking errors stay
// NetworkError; anything else is treated as a malformed server response.
func classifyOp(err error) error {
	if err == nil {
		return nil
	}
	if IsAuth(err) || IsNetwork(err) || IsProtocol(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range networkIndicators {
		if strings.Contains(msg, ind) {
			return &NetworkError{Err: err}
		}
	}
	return &ProtocolError{Err: err}
}
