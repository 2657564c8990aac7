// Package netconn runs an unbuffered.Connection over a net.Conn, giving
// the blocking Read/Write interface of crypto/tls.
package netconn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/bifurcation/unbuffered"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const readChunk = 16 * 1024

var logger = zerolog.Nop()

// SetLogger sets the destination for connection events.
func SetLogger(l zerolog.Logger) {
	logger = l
}

// ErrClosed is returned by Write after either side has closed.
var ErrClosed = errors.New("netconn: connection closed")

// Conn implements the net.Conn interface, as with "crypto/tls"
// * Read, Write, and Close are provided locally
// * LocalAddr, RemoteAddr, and Set*Deadline are forwarded to the inner Conn
type Conn struct {
	conn     net.Conn
	tls      *unbuffered.Connection
	isClient bool

	handshakeMutex sync.Mutex
	inMutex        sync.Mutex
	outMutex       sync.Mutex

	// engineMutex guards the engine and the buffers below.  It is never
	// held across a socket read.
	engineMutex sync.Mutex
	incoming    []byte
	outgoing    []byte
	plaintext   []byte
	peerClosed  bool
	closed      bool
	err         error

	readBuf []byte
}

func newConn(conn net.Conn, tls *unbuffered.Connection, isClient bool) *Conn {
	return &Conn{
		conn:     conn,
		tls:      tls,
		isClient: isClient,
		readBuf:  make([]byte, readChunk),
	}
}

// Client returns a client connection over conn.  The handshake runs on
// the first Read or Write, or an explicit Handshake.
func Client(conn net.Conn, config *unbuffered.Config) (*Conn, error) {
	tls, err := unbuffered.NewClient(config)
	if err != nil {
		return nil, err
	}
	return newConn(conn, tls, true), nil
}

// Server returns a server connection over conn.
func Server(conn net.Conn, config *unbuffered.Config) (*Conn, error) {
	tls, err := unbuffered.NewServer(config)
	if err != nil {
		return nil, err
	}
	return newConn(conn, tls, false), nil
}

// Handshake runs the handshake if it has not yet completed.
func (c *Conn) Handshake() error {
	c.handshakeMutex.Lock()
	defer c.handshakeMutex.Unlock()

	for {
		c.engineMutex.Lock()
		if c.tls.HandshakeComplete() {
			c.engineMutex.Unlock()
			return nil
		}
		state, err := c.drive()
		complete := c.tls.HandshakeComplete()
		c.engineMutex.Unlock()
		if err != nil {
			return err
		}

		// A server may write before the client's Finished arrives, but
		// the handshake is not done until it does.
		if complete {
			return nil
		}
		if _, closed := state.(unbuffered.Closed); closed {
			return io.ErrUnexpectedEOF
		}
		if err := c.readMore(); err != nil {
			return err
		}
	}
}

// drive runs the engine until it needs input from the socket or an
// application write.  Records and alerts it is asked to encode are sent
// on the way.  c.engineMutex <= L.
func (c *Conn) drive() (unbuffered.ConnectionState, error) {
	if c.err != nil {
		return nil, c.err
	}

	for {
		discard, state, err := c.tls.Process(c.incoming)
		if err != nil {
			c.consume(discard)
			return nil, c.failed(err)
		}

		switch s := state.(type) {
		case *unbuffered.EncodeTLSData:
			if err := c.encode(s); err != nil {
				return nil, c.failed(err)
			}

		case *unbuffered.TransmitTLSData:
			if err := c.flush(); err != nil {
				return nil, c.failed(err)
			}
			s.Done()

		case *unbuffered.ReadTraffic:
			c.collect(s)
		case *unbuffered.ReadEarlyData:
			c.collect(s)

		case unbuffered.Closed:
			c.peerClosed = true
			c.consume(discard)
			return state, nil

		case unbuffered.BlockedHandshake, *unbuffered.WriteTraffic:
			c.consume(discard)
			return state, nil
		}
		c.consume(discard)
	}
}

// failed records a fatal engine error after sending the alert the engine
// queued for it.
func (c *Conn) failed(err error) error {
	if c.err != nil {
		return c.err
	}
	c.err = err
	logger.Debug().Bool("client", c.isClient).Err(err).Msg("connection failed")

	for {
		_, state, _ := c.tls.Process(nil)
		switch s := state.(type) {
		case *unbuffered.EncodeTLSData:
			if c.encode(s) != nil {
				return err
			}
			continue
		case *unbuffered.TransmitTLSData:
			c.flush()
			s.Done()
			continue
		}
		return err
	}
}

func (c *Conn) encode(s *unbuffered.EncodeTLSData) error {
	start := len(c.outgoing)
	c.outgoing = grow(c.outgoing, s.RequiredSize())
	n, err := s.Encode(c.outgoing[start:])
	if err != nil {
		c.outgoing = c.outgoing[:start]
		return err
	}
	c.outgoing = c.outgoing[:start+n]
	return nil
}

func (c *Conn) flush() error {
	if len(c.outgoing) == 0 {
		return nil
	}
	logger.Debug().Bool("client", c.isClient).Int("bytes", len(c.outgoing)).Msg("write")
	_, err := c.conn.Write(c.outgoing)
	c.outgoing = c.outgoing[:0]
	return err
}

type recordReader interface {
	NextRecord() (*unbuffered.AppDataRecord, error)
}

// collect copies decrypted records out of c.incoming before it is
// compacted.
func (c *Conn) collect(r recordReader) {
	for {
		rec, err := r.NextRecord()
		if err != nil || rec == nil {
			return
		}
		c.plaintext = append(c.plaintext, rec.Payload...)
	}
}

func (c *Conn) consume(n int) {
	if n == 0 {
		return
	}
	left := copy(c.incoming, c.incoming[n:])
	c.incoming = c.incoming[:left]
}

// readMore blocks for data from the socket.
func (c *Conn) readMore() error {
	c.inMutex.Lock()
	defer c.inMutex.Unlock()

	n, err := c.conn.Read(c.readBuf)
	if n > 0 {
		c.engineMutex.Lock()
		c.incoming = append(c.incoming, c.readBuf[:n]...)
		c.engineMutex.Unlock()
		logger.Debug().Bool("client", c.isClient).Int("bytes", n).Msg("read")
	}
	if err == io.EOF && n > 0 {
		return nil
	}
	return err
}

// grow extends buf by n bytes of capacity and length.
func grow(buf []byte, n int) []byte {
	if cap(buf)-len(buf) < n {
		bigger := make([]byte, len(buf), len(buf)+n)
		copy(bigger, buf)
		buf = bigger
	}
	return buf[:len(buf)+n]
}

// Read application data up to the size of buffer.  Handshake and alert
// records are consumed by the Conn object directly.
func (c *Conn) Read(buffer []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}

	for {
		c.engineMutex.Lock()
		if len(c.plaintext) > 0 {
			n := copy(buffer, c.plaintext)
			left := copy(c.plaintext, c.plaintext[n:])
			c.plaintext = c.plaintext[:left]
			c.engineMutex.Unlock()
			return n, nil
		}
		if c.peerClosed {
			c.engineMutex.Unlock()
			return 0, io.EOF
		}

		state, err := c.drive()
		ready := len(c.plaintext) > 0
		c.engineMutex.Unlock()
		if err != nil {
			return 0, err
		}
		if ready {
			continue
		}
		if _, closed := state.(unbuffered.Closed); closed {
			return 0, io.EOF
		}

		if err := c.readMore(); err != nil {
			return 0, err
		}
	}
}

// Write application data
func (c *Conn) Write(buffer []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}

	c.outMutex.Lock()
	defer c.outMutex.Unlock()

	err := c.withWriter(func(w *unbuffered.WriteTraffic) (int, error) {
		return w.Encrypt(buffer, c.outgoing)
	})
	if err != nil {
		return 0, err
	}
	return len(buffer), nil
}

// withWriter drives the engine to WriteTraffic, lets write fill
// c.outgoing, and sends the result.
func (c *Conn) withWriter(write func(w *unbuffered.WriteTraffic) (int, error)) error {
	c.engineMutex.Lock()
	defer c.engineMutex.Unlock()

	if c.closed {
		return ErrClosed
	}
	state, err := c.drive()
	if err != nil {
		return err
	}
	w, ok := state.(*unbuffered.WriteTraffic)
	if !ok {
		return ErrClosed
	}

	c.outgoing = c.outgoing[:cap(c.outgoing)]
	for {
		n, err := write(w)
		var short *unbuffered.InsufficientSizeError
		if errors.As(err, &short) {
			c.outgoing = make([]byte, short.Required)
			continue
		}
		if err != nil {
			c.outgoing = c.outgoing[:0]
			return err
		}
		c.outgoing = c.outgoing[:n]
		break
	}
	return c.flush()
}

// SendKeyUpdate moves to new write keys, asking the peer to do the same
// if requestUpdate is set.  TLS 1.3 only.
func (c *Conn) SendKeyUpdate(requestUpdate bool) error {
	if err := c.Handshake(); err != nil {
		return err
	}

	c.outMutex.Lock()
	defer c.outMutex.Unlock()

	return c.withWriter(func(w *unbuffered.WriteTraffic) (int, error) {
		return w.QueueKeyUpdate(requestUpdate, c.outgoing)
	})
}

// Close sends close_notify, if the handshake got far enough, and closes
// the underlying connection.
func (c *Conn) Close() error {
	c.outMutex.Lock()
	defer c.outMutex.Unlock()

	c.engineMutex.Lock()
	complete := c.tls.HandshakeComplete() && c.err == nil && !c.closed
	c.engineMutex.Unlock()

	if complete {
		err := c.withWriter(func(w *unbuffered.WriteTraffic) (int, error) {
			return w.QueueCloseNotify(c.outgoing)
		})
		if err != nil {
			logger.Debug().Bool("client", c.isClient).Err(err).Msg("close_notify not sent")
		}
	}

	c.engineMutex.Lock()
	c.closed = true
	c.engineMutex.Unlock()
	return c.conn.Close()
}

// ConnectionParameters describes the negotiated connection.
func (c *Conn) ConnectionParameters() unbuffered.ConnectionParameters {
	c.engineMutex.Lock()
	defer c.engineMutex.Unlock()
	return c.tls.ConnectionParameters()
}

// ExportKeyingMaterial derives keying material from the connection.
func (c *Conn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	c.engineMutex.Lock()
	defer c.engineMutex.Unlock()
	return c.tls.ExportKeyingMaterial(label, context, length)
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines associated with the connection.
// A zero value for t means Read and Write will not time out.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
// A zero value for t means Read will not time out.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
// A zero value for t means Write will not time out.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
