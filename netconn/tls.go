package netconn

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/bifurcation/unbuffered"
	"github.com/pkg/errors"
)

type listener struct {
	net.Listener
	config *unbuffered.Config
}

// Accept waits for and returns the next incoming TLS connection.  The
// returned connection is of type *Conn.
func (l *listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	server, err := Server(conn, l.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return server, nil
}

// NewListener creates a Listener which accepts connections from an inner
// Listener and wraps each connection with Server.  The configuration
// config must be non-nil and must include at least one certificate.
func NewListener(inner net.Listener, config *unbuffered.Config) (net.Listener, error) {
	if config == nil {
		return nil, errors.New("netconn: listener requires a config")
	}
	if err := config.Init(false); err != nil {
		return nil, err
	}
	if !config.ValidForServer() {
		return nil, errors.New("netconn: listener requires a certificate")
	}
	return &listener{Listener: inner, config: config}, nil
}

// Listen creates a TLS listener accepting connections on the given
// network address using net.Listen.
func Listen(network, laddr string, config *unbuffered.Config) (net.Listener, error) {
	if config == nil || !config.ValidForServer() {
		return nil, errors.New("netconn: Listen requires a server config with a certificate")
	}
	l, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return NewListener(l, config)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "netconn: DialWithDialer timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// DialWithDialer connects to the given network address using dialer.Dial
// and then initiates a TLS handshake, returning the resulting TLS
// connection.  Any timeout or deadline given in the dialer applies to the
// connection and the handshake as a whole.
//
// If config.ServerName is empty, the host part of addr is used.
func DialWithDialer(dialer *net.Dialer, network, addr string, config *unbuffered.Config) (*Conn, error) {
	ctx := context.Background()
	if dialer.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialer.Timeout)
		defer cancel()
	}
	if !dialer.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dialer.Deadline)
		defer cancel()
	}

	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timeoutError{}
		}
		return nil, err
	}

	if config == nil {
		config = &unbuffered.Config{}
	}
	if config.ServerName == "" {
		hostname := addr
		if colon := strings.LastIndex(addr, ":"); colon != -1 {
			hostname = addr[:colon]
		}
		c := config.Clone()
		c.ServerName = strings.Trim(hostname, "[]")
		config = c
	}

	conn, err := Client(rawConn, config)
	if err != nil {
		rawConn.Close()
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		rawConn.SetDeadline(deadline)
	}
	if err := conn.Handshake(); err != nil {
		rawConn.Close()
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, timeoutError{}
		}
		return nil, err
	}
	rawConn.SetDeadline(time.Time{})
	return conn, nil
}

// Dial connects to the given network address using net.Dial and then
// initiates a TLS handshake, returning the resulting TLS connection.
func Dial(network, addr string, config *unbuffered.Config) (*Conn, error) {
	return DialWithDialer(new(net.Dialer), network, addr, config)
}
