package unbuffered

import (
	"github.com/pkg/errors"
)

// ConnectionState is what Process asks of the caller.  It is one of
// *EncodeTLSData, *TransmitTLSData, BlockedHandshake, *WriteTraffic,
// *ReadTraffic, *ReadEarlyData and Closed.  Each is valid only until
// the next call to Process.
type ConnectionState interface {
	connectionState()
}

func (*EncodeTLSData) connectionState()   {}
func (*TransmitTLSData) connectionState() {}
func (BlockedHandshake) connectionState() {}
func (*WriteTraffic) connectionState()    {}
func (*ReadTraffic) connectionState()     {}
func (*ReadEarlyData) connectionState()   {}
func (Closed) connectionState()           {}

// EncodeTLSData holds one queued record.  Encode it, then call Process
// again.
type EncodeTLSData struct {
	conn *Connection
	gen  uint64
	used bool
}

// RequiredSize reports the buffer size Encode needs.
func (s *EncodeTLSData) RequiredSize() int {
	if s.conn.checkGeneration(s.gen) != nil || s.used {
		return 0
	}
	return s.conn.pending[0].requiredSize()
}

// Encode writes the record to out.  If out is too short it returns an
// *InsufficientSizeError and nothing changes, so the call may be retried
// with a larger buffer.
func (s *EncodeTLSData) Encode(out []byte) (int, error) {
	c := s.conn
	if err := c.checkGeneration(s.gen); err != nil {
		return 0, err
	}
	if s.used {
		return 0, ErrStateConsumed
	}

	n, err := c.pending[0].encode(out)
	if err != nil {
		var short *InsufficientSizeError
		switch {
		case errors.As(err, &short):
		case c.err == nil:
			c.fail(0, err)
		default:
			// The alert itself could not be encoded
			c.pending = nil
		}
		return 0, err
	}

	s.used = true
	c.pending = c.pending[1:]
	c.transmitPending = true
	return n, nil
}

// TransmitTLSData asks the caller to send what it has encoded.  Before
// calling Done, the caller may append application data (or 0-RTT data)
// to the same transmission.
type TransmitTLSData struct {
	conn *Connection
	gen  uint64

	SentAppData     bool
	SentEarlyData   bool
	SentCloseNotify bool
}

// Done records that the encoded data has been sent.  Until it is called,
// Process keeps returning TransmitTLSData.
func (s *TransmitTLSData) Done() {
	if s.conn.checkGeneration(s.gen) == nil {
		s.conn.transmitPending = false
	}
}

// MayEncryptAppData returns a writer when application data may be sent,
// which for a TLS 1.3 server includes the time before the client's
// Finished arrives.
func (s *TransmitTLSData) MayEncryptAppData() (*WriteTraffic, bool) {
	c := s.conn
	if c.checkGeneration(s.gen) != nil || !c.appWrite || c.err != nil {
		return nil, false
	}
	return &WriteTraffic{conn: c, gen: s.gen, transmit: s}, true
}

// MayEncryptEarlyData returns a writer while the client may send 0-RTT
// data.
func (s *TransmitTLSData) MayEncryptEarlyData() (*EarlyDataWriter, bool) {
	c := s.conn
	if c.checkGeneration(s.gen) != nil || !c.earlyOutOpen || c.err != nil {
		return nil, false
	}
	return &EarlyDataWriter{conn: c, gen: s.gen, transmit: s}, true
}

// BlockedHandshake means the handshake needs more data from the peer.
type BlockedHandshake struct{}

// Closed means the peer sent close_notify.
type Closed struct{}

// WriteTraffic means the handshake is done and nothing else is pending.
// The caller may encrypt application data, or wait for more input.
type WriteTraffic struct {
	conn     *Connection
	gen      uint64
	transmit *TransmitTLSData
}

func (w *WriteTraffic) check() error {
	c := w.conn
	if err := c.checkGeneration(w.gen); err != nil {
		return err
	}
	if c.err != nil {
		return c.err
	}
	if c.closeNotifySent {
		return ErrCloseNotifySent
	}
	return nil
}

// Encrypt protects plaintext into out as one or more records.
func (w *WriteTraffic) Encrypt(plaintext, out []byte) (int, error) {
	if err := w.check(); err != nil {
		return 0, err
	}

	n, err := writeProtected(w.conn.out, RecordTypeApplicationData, tls12Version, plaintext, out)
	if err != nil {
		return 0, err
	}
	if w.transmit != nil {
		w.transmit.SentAppData = true
	}
	return n, nil
}

// QueueCloseNotify writes a close_notify alert to out.  Nothing can be
// written afterwards.
func (w *WriteTraffic) QueueCloseNotify(out []byte) (int, error) {
	if err := w.check(); err != nil {
		return 0, err
	}

	c := w.conn
	n, err := writeProtected(c.out, RecordTypeAlert, tls12Version, AlertCloseNotify.payload(), out)
	if err != nil {
		return 0, err
	}
	c.closeNotifySent = true
	if w.transmit != nil {
		w.transmit.SentCloseNotify = true
	}
	logf(logTypeRecord, "Sent close_notify")
	return n, nil
}

// QueueKeyUpdate writes a KeyUpdate to out and moves to the next write
// keys.  With requestPeer set, the peer is asked to update too.
func (w *WriteTraffic) QueueKeyUpdate(requestPeer bool, out []byte) (int, error) {
	if err := w.check(); err != nil {
		return 0, err
	}

	c := w.conn
	if c.version != tls13Version {
		return 0, ErrKeyUpdateUnsupported
	}
	if c.connected == nil {
		return 0, ErrHandshakeIncomplete
	}

	request := KeyUpdateNotRequested
	if requestPeer {
		request = KeyUpdateRequested
	}
	hm, err := handshakeMessageFromBody(&KeyUpdateBody{KeyUpdateRequest: request})
	if err != nil {
		return 0, err
	}
	secret, next, err := c.connected.nextOwnKeys()
	if err != nil {
		return 0, err
	}

	n, err := writeProtected(c.out, RecordTypeHandshake, tls12Version, hm.Marshal(), out)
	if err != nil {
		return 0, err
	}
	c.connected.ownSecret = secret
	c.out = next
	logf(logTypeHandshake, "Sent KeyUpdate, request=%d", request)
	return n, nil
}

// EarlyDataWriter encrypts client 0-RTT data, within the budget the
// server's ticket allows.
type EarlyDataWriter struct {
	conn     *Connection
	gen      uint64
	transmit *TransmitTLSData
}

// Remaining is the number of bytes of early data that may still be sent.
func (w *EarlyDataWriter) Remaining() int {
	if w.conn.checkGeneration(w.gen) != nil {
		return 0
	}
	return w.conn.earlyOutBudget
}

// Encrypt protects plaintext as 0-RTT data.  Exceeding the budget returns
// ErrEarlyDataExceeded without writing; the connection is unaffected.
func (w *EarlyDataWriter) Encrypt(plaintext, out []byte) (int, error) {
	c := w.conn
	if err := c.checkGeneration(w.gen); err != nil {
		return 0, err
	}
	if len(plaintext) > c.earlyOutBudget {
		return 0, ErrEarlyDataExceeded
	}

	n, err := writeProtected(c.earlyOut, RecordTypeApplicationData, tls12Version, plaintext, out)
	if err != nil {
		return 0, err
	}
	c.earlyOutBudget -= len(plaintext)
	w.transmit.SentEarlyData = true
	return n, nil
}

// AppDataRecord is the plaintext of one application data record.  The
// payload aliases the buffer given to Process.
type AppDataRecord struct {
	Payload []byte
}

type readState struct {
	conn    *Connection
	gen     uint64
	records [][]byte
	next    int
}

// NextRecord returns the next decrypted record, or nil when all have
// been read.
func (r *readState) NextRecord() (*AppDataRecord, error) {
	if err := r.conn.checkGeneration(r.gen); err != nil {
		return nil, err
	}
	if r.next >= len(r.records) {
		return nil, nil
	}

	rec := &AppDataRecord{Payload: r.records[r.next]}
	r.next++
	return rec, nil
}

// ReadTraffic carries application data received after the handshake.
type ReadTraffic struct {
	readState
}

// ReadEarlyData carries 0-RTT data received by a server.
type ReadEarlyData struct {
	readState
}
