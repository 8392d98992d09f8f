package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/emersion/go-imap/v2"
)

// Connect failures.
var (
	ErrNetwork      = errors.New("network error")
	ErrAuthRejected = errors.New("authentication rejected")
	ErrTimeout      = errors.New("timed out")
)

// Search failures.
var (
	ErrFolderUnavailable = errors.New("folder unavailable")
	ErrProtocol          = errors.New("protocol error")
)

// ErrSession covers misuse of a Session and unexpected faults from the IMAP
// library.
var ErrSession = errors.New("session error")

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetwork(err error) bool {
	var (
		netErr    net.Error
		recordErr tls.RecordHeaderError
		certErr   *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &netErr), errors.As(err, &recordErr), errors.As(err, &certErr):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return true
	}
	return false
}

// statusError returns the server's tagged NO/BAD response, if err is one.
func statusError(err error) (*imap.Error, bool) {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return imapErr, true
	}
	return nil, false
}

// classify maps err onto the sentinel set. kind is used when the server
// answered the command with a non-OK status.
func classify(kind error, op string, err error) error {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrSession) {
		return err
	}
	if _, ok := statusError(err); ok {
		return fmt.Errorf("%w: %s: %w", kind, op, err)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	if isNetwork(err) {
		return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrSession, op, err)
}
