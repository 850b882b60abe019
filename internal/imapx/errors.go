package imapx

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-imap/client"

	"mailscout/internal/store"
)

// Kind classifies a session failure. The boundary controller and the
// remote searcher branch on Kind instead of concrete error types.
type Kind int

const (
	// KindUnknown is an unclassified failure; treated like a
	// protocol error by the retry policy.
	KindUnknown Kind = iota

	// KindConnectivity covers DNS and connect failures and an
	// unusable network. One address-fallback retry, then surfaced.
	KindConnectivity

	// KindAuth covers rejected credentials or tokens. Token-based
	// auth gets one refresh-and-retry; otherwise surfaced.
	KindAuth

	// KindTrust covers certificate chain or hostname mismatches.
	// Surfaced with the offending certificate; never auto-retried.
	KindTrust

	// KindProtocol covers malformed or non-OK server responses and
	// missing capabilities. One whole-operation retry.
	KindProtocol

	// KindDataIntegrity covers duplicate-key inserts and
	// already-found messages. Swallowed, never surfaced or counted.
	KindDataIntegrity

	// KindMessageGone covers messages removed or expired mid-fetch.
	// Logged and skipped; the batch continues.
	KindMessageGone

	// KindChannelClosed covers a folder or connection closing
	// unexpectedly. Aborts the whole page so the controller's
	// reconnect-once policy can handle it.
	KindChannelClosed

	// KindCanceled is a destroy observed mid-operation. Silent.
	KindCanceled

	// KindConfiguration covers invalid arguments and explicit
	// offline mode. Fatal immediately, no retry.
	KindConfiguration
)

// String returns the kind name for log fields.
func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindAuth:
		return "auth"
	case KindTrust:
		return "trust"
	case KindProtocol:
		return "protocol"
	case KindDataIntegrity:
		return "data-integrity"
	case KindMessageGone:
		return "message-gone"
	case KindChannelClosed:
		return "channel-closed"
	case KindCanceled:
		return "canceled"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is a classified session failure. Trust failures carry the
// offending certificate for a later user decision.
type Error struct {
	Kind        Kind
	Message     string
	Certificate *x509.Certificate
	cause       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		if e.cause != nil {
			return e.Message + ": " + e.cause.Error()
		}
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error { return e.cause }

// Errorf builds a classified error wrapping a cause.
func Errorf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// ClassifyKind returns the Kind of err, classifying unwrapped library
// and I/O errors by shape when no *Error is present.
func ClassifyKind(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, store.ErrDuplicate) {
		return KindDataIntegrity
	}
	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		return KindChannelClosed
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectivity
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return KindConnectivity
		}
		// A read or write on a session that was open before points
		// at the channel having gone away under us.
		return KindChannelClosed
	}
	var certErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) {
		return KindTrust
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return KindTrust
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection closed"),
		strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "broken pipe"),
		errors.Is(err, net.ErrClosed):
		return KindChannelClosed
	case strings.Contains(msg, "no such message"),
		strings.Contains(msg, "message expunged"):
		return KindMessageGone
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "invalid credentials"),
		strings.Contains(msg, "login failed"):
		return KindAuth
	}

	return KindUnknown
}

// Retryable reports whether the controller's reconnect-once policy
// applies to err. Configuration errors and sticky conditions never
// retry; everything network- or protocol-shaped gets one more attempt.
func Retryable(err error) bool {
	switch ClassifyKind(err) {
	case KindConfiguration, KindCanceled, KindAuth, KindTrust:
		return false
	default:
		return true
	}
}
