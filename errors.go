package unbuffered

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrDecryptFailed is returned when a protected record fails
	// authentication. It is always fatal.
	ErrDecryptFailed = errors.New("unbuffered: record authentication failed")

	// ErrEarlyDataExceeded is returned when early data would overrun the
	// max_early_data_size budget.
	ErrEarlyDataExceeded = errors.New("unbuffered: early data exceeds max_early_data_size")

	// ErrStaleState is returned when a ConnectionState is used after a
	// later call to Process.
	ErrStaleState = errors.New("unbuffered: connection state is stale")

	// ErrStateConsumed is returned when a one-shot action is repeated on
	// the same ConnectionState.
	ErrStateConsumed = errors.New("unbuffered: connection state already used")

	// ErrCloseNotifySent is returned when writing after close_notify.
	ErrCloseNotifySent = errors.New("unbuffered: close_notify already sent")

	// ErrKeyUpdateUnsupported is returned for KeyUpdate on a TLS 1.2
	// connection.
	ErrKeyUpdateUnsupported = errors.New("unbuffered: key update requires TLS 1.3")

	// ErrHandshakeIncomplete is returned by accessors that need a
	// finished handshake.
	ErrHandshakeIncomplete = errors.New("unbuffered: handshake not complete")

	errSequenceExhausted = errors.New("unbuffered: record sequence number exhausted")
)

// InsufficientSizeError is returned by encode-class calls whose output
// buffer is too small. Nothing has been consumed; retry with a buffer of
// at least Required bytes.
type InsufficientSizeError struct {
	Required int
}

func (e *InsufficientSizeError) Error() string {
	return fmt.Sprintf("unbuffered: output buffer too small, %d bytes required", e.Required)
}

// InappropriateMessageError reports a record whose content type is not
// acceptable in the current state.
type InappropriateMessageError struct {
	Expect []RecordType
	Got    RecordType
}

func (e *InappropriateMessageError) Error() string {
	names := make([]string, len(e.Expect))
	for i, rt := range e.Expect {
		names[i] = rt.String()
	}
	return fmt.Sprintf("unbuffered: inappropriate message: expected [%s], got %s",
		strings.Join(names, ", "), e.Got)
}

// InappropriateHandshakeMessageError reports a handshake message that is
// not in the legal set for the current handshake state.
type InappropriateHandshakeMessageError struct {
	Expect []HandshakeType
	Got    HandshakeType
}

func (e *InappropriateHandshakeMessageError) Error() string {
	names := make([]string, len(e.Expect))
	for i, ht := range e.Expect {
		names[i] = ht.String()
	}
	return fmt.Sprintf("unbuffered: inappropriate handshake message: expected [%s], got %s",
		strings.Join(names, ", "), e.Got)
}

// RecordHeaderError reports a malformed record header.
type RecordHeaderError struct {
	Alert  Alert
	Reason string
}

func (e *RecordHeaderError) Error() string {
	return "unbuffered: bad record header: " + e.Reason
}

// AlertReceivedError reports a fatal alert sent by the peer.
type AlertReceivedError struct {
	Alert Alert
}

func (e *AlertReceivedError) Error() string {
	return "unbuffered: peer sent alert: " + e.Alert.String()
}

// PeerMisbehavedError reports a protocol violation by the peer, along with
// the alert that will be sent in response.
type PeerMisbehavedError struct {
	Alert  Alert
	Reason string
}

func (e *PeerMisbehavedError) Error() string {
	return fmt.Sprintf("unbuffered: peer misbehaved (%s): %s", e.Alert, e.Reason)
}

func misbehaved(alert Alert, format string, args ...interface{}) error {
	return &PeerMisbehavedError{Alert: alert, Reason: fmt.Sprintf(format, args...)}
}

// CertificateError wraps a rejection from the certificate verifier.
type CertificateError struct {
	Err error
}

func (e *CertificateError) Error() string {
	return "unbuffered: invalid peer certificate: " + e.Err.Error()
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

// alertForError picks the alert to send in response to a fatal error.
func alertForError(err error) Alert {
	var (
		alert     Alert
		inapp     *InappropriateMessageError
		inappHS   *InappropriateHandshakeMessageError
		header    *RecordHeaderError
		misbehave *PeerMisbehavedError
		certErr   *CertificateError
	)

	switch {
	case errors.As(err, &alert):
		return alert
	case errors.As(err, &inapp), errors.As(err, &inappHS):
		return AlertUnexpectedMessage
	case errors.As(err, &header):
		return header.Alert
	case errors.As(err, &misbehave):
		return misbehave.Alert
	case errors.As(err, &certErr):
		return AlertBadCertificate
	case errors.Is(err, ErrDecryptFailed):
		return AlertBadRecordMac
	case errors.Is(err, ErrEarlyDataExceeded):
		return AlertUnexpectedMessage
	}
	return AlertInternalError
}
