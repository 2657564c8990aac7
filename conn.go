package unbuffered

import (
	"github.com/pkg/errors"
)

// Connection is a TLS endpoint that performs no I/O.  The caller feeds it
// received bytes through Process and acts on the ConnectionState it
// returns: encoding queued records, transmitting, reading application
// data, or writing it.  A Connection is not safe for concurrent use.
type Connection struct {
	config   *Config
	isClient bool
	ctx      *handshakeContext

	hs        HandshakeState
	connected *connectedState
	common    handshakeTable
	selected  handshakeTable
	joiner    *handshakeJoiner
	version   uint16
	params    ConnectionParameters

	// Record protection.  nil means plaintext.
	in, out *cipherState

	// Set once any protected record has been opened.  After that a
	// TLS 1.3 peer may not send plaintext alerts.
	decrypted bool

	// Client 0-RTT
	earlyOut       *cipherState
	earlyOutBudget int
	earlyOutOpen   bool

	// Server 0-RTT
	earlyIn       bool
	earlyInBudget int
	skipEarly     int

	appWrite bool

	pending         []*outputIntent
	transmitPending bool

	closeNotifySent bool
	peerClosed      bool
	ccsIgnored      bool

	// Application data found by the current Process call.  The slices
	// alias the caller's buffer.
	received      [][]byte
	receivedEarly bool

	// An error found after application data that is returned first
	deferredErr     error
	deferredDiscard int

	err        error
	generation uint64
}

func newConnection(config *Config, isClient bool) *Connection {
	return &Connection{
		config:   config,
		isClient: isClient,
		ctx:      newHandshakeContext(config, isClient),
		common:   commonTable(isClient),
		joiner:   newHandshakeJoiner(),
	}
}

// NewClient starts a client handshake.  The ClientHello is ready to
// encode on the first call to Process.
func NewClient(config *Config) (*Connection, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Init(true); err != nil {
		return nil, err
	}
	if !config.ValidForClient() {
		return nil, errors.New("unbuffered: client config needs ServerName or InsecureSkipVerify")
	}

	c := newConnection(config, true)
	start := &clientStateStart{ctx: c.ctx}
	next, actions, err := start.Next(nil)
	if err != nil {
		return nil, err
	}
	if err := c.takeActions(actions); err != nil {
		return nil, err
	}
	c.hs = next
	return c, nil
}

// NewServer prepares a server to receive a ClientHello.
func NewServer(config *Config) (*Connection, error) {
	if config == nil {
		return nil, errors.New("unbuffered: server requires a config")
	}
	if err := config.Init(false); err != nil {
		return nil, err
	}
	if !config.ValidForServer() {
		return nil, errors.New("unbuffered: server config needs a certificate and key")
	}

	c := newConnection(config, false)
	c.hs = &serverStateStart{ctx: c.ctx}
	return c, nil
}

// State reports the current handshake state.
func (c *Connection) State() State {
	return c.hs.State()
}

// IsClient reports whether this is the client end.
func (c *Connection) IsClient() bool {
	return c.isClient
}

// ConnectionParameters describes the negotiated connection.  It is
// complete once the handshake is.
func (c *Connection) ConnectionParameters() ConnectionParameters {
	return c.params
}

// HandshakeComplete reports whether the handshake has finished.
func (c *Connection) HandshakeComplete() bool {
	return c.connected != nil
}

// ExportKeyingMaterial derives keying material bound to this connection
// (RFC 8446, section 7.5; RFC 5705 with extended master secret).
func (c *Connection) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	if c.connected == nil {
		return nil, ErrHandshakeIncomplete
	}
	return c.connected.exportKeyingMaterial(label, context, length)
}

// Process consumes records from the front of incoming and reports what
// the caller must do next.  The first return value is the number of
// bytes of incoming that the caller should drop once it has finished
// with the returned state; records read from incoming are decrypted in
// place.  States from earlier calls are invalidated.
func (c *Connection) Process(incoming []byte) (int, ConnectionState, error) {
	c.generation++
	c.received = nil
	c.receivedEarly = false

	if c.deferredErr != nil {
		err := c.deferredErr
		c.deferredErr = nil
		return c.fail(c.deferredDiscard, err)
	}
	if c.err != nil {
		return c.errorState()
	}

	discard := 0
	for {
		if len(c.received) > 0 {
			if len(c.pending) > 0 || c.peerClosed || (c.receivedEarly && !c.earlyIn) {
				return discard, c.readState(), nil
			}
		} else {
			switch {
			case len(c.pending) > 0:
				return discard, &EncodeTLSData{conn: c, gen: c.generation}, nil
			case c.transmitPending:
				return discard, c.transmitState(), nil
			case c.peerClosed:
				return discard, Closed{}, nil
			}
		}

		rec, n, err := decodeRecord(incoming[discard:], c.expectedRecordTypes())
		if err != nil {
			return c.failAfterReads(discard, n, err)
		}
		if rec == nil {
			switch {
			case len(c.received) > 0:
				return discard, c.readState(), nil
			case c.connected != nil:
				return discard, &WriteTraffic{conn: c, gen: c.generation}, nil
			}
			return discard, BlockedHandshake{}, nil
		}

		logf(logTypeRecord, "Received %s record, %d bytes", rec.contentType, len(rec.payload))
		if err := c.handleRecord(rec); err != nil {
			return c.failAfterReads(discard, n, err)
		}
		discard += n
	}
}

// failAfterReads hands over data already read before reporting err.
func (c *Connection) failAfterReads(discard, n int, err error) (int, ConnectionState, error) {
	if len(c.received) > 0 {
		c.deferredErr = err
		c.deferredDiscard = n
		return discard, c.readState(), nil
	}
	return c.fail(discard+n, err)
}

// fail makes err permanent and queues the alert that reports it.
func (c *Connection) fail(discard int, err error) (int, ConnectionState, error) {
	c.err = err
	c.pending = nil

	var received *AlertReceivedError
	if !errors.As(err, &received) {
		alert := alertForError(err)
		c.pending = []*outputIntent{{
			contentType:   RecordTypeAlert,
			payload:       alert.payload(),
			protection:    c.out,
			recordVersion: tls12Version,
		}}
		logf(logTypeHandshake, "Fatal error, sending %s: %v", alert, err)
	}
	return discard, nil, err
}

// errorState drains the alert, then repeats the error.
func (c *Connection) errorState() (int, ConnectionState, error) {
	switch {
	case len(c.pending) > 0:
		return 0, &EncodeTLSData{conn: c, gen: c.generation}, nil
	case c.transmitPending:
		return 0, c.transmitState(), nil
	}
	return 0, nil, c.err
}

func (c *Connection) readState() ConnectionState {
	reader := readState{conn: c, gen: c.generation, records: c.received}
	if c.receivedEarly {
		return &ReadEarlyData{reader}
	}
	return &ReadTraffic{reader}
}

func (c *Connection) transmitState() *TransmitTLSData {
	return &TransmitTLSData{conn: c, gen: c.generation}
}

func (c *Connection) checkGeneration(gen uint64) error {
	if gen != c.generation {
		return ErrStaleState
	}
	return nil
}

// expectedRecordTypes lists the content types acceptable on the wire
// right now.  Under TLS 1.3 protection everything but alerts and
// ChangeCipherSpec arrives as application data.
func (c *Connection) expectedRecordTypes() []RecordType {
	types := make([]RecordType, 0, 4)
	if c.connected == nil && c.version != 0 {
		types = append(types, RecordTypeChangeCipherSpec)
	}
	types = append(types, RecordTypeAlert)

	if c.in != nil && c.in.version == tls13Version {
		return append(types, RecordTypeApplicationData)
	}

	types = append(types, RecordTypeHandshake)
	if c.connected != nil || c.skipEarly > 0 {
		types = append(types, RecordTypeApplicationData)
	}
	return types
}

func (c *Connection) handleRecord(rec *tlsRecord) error {
	if rec.contentType == RecordTypeChangeCipherSpec {
		return c.handleChangeCipherSpec(rec.payload)
	}

	rt, payload := rec.contentType, rec.payload
	plainAlert := c.in != nil && c.in.version == tls13Version && rt == RecordTypeAlert
	if plainAlert && c.decrypted {
		return &InappropriateMessageError{
			Expect: []RecordType{RecordTypeApplicationData},
			Got:    RecordTypeAlert,
		}
	}

	protected := c.in != nil && !plainAlert
	switch {
	case protected:
		innerType, plaintext, err := c.in.open(rec.header, rec.payload)
		if err != nil {
			if errors.Is(err, ErrDecryptFailed) && c.skipEarly > 0 && rt == RecordTypeApplicationData {
				return c.skipEarlyRecord(len(rec.payload))
			}
			return err
		}
		c.decrypted = true
		c.skipEarly = 0
		rt, payload = innerType, plaintext

	case rt == RecordTypeApplicationData && c.skipEarly > 0:
		return c.skipEarlyRecord(len(rec.payload))

	case rt == RecordTypeHandshake:
		c.skipEarly = 0
	}

	switch rt {
	case RecordTypeAlert:
		return c.handleAlert(payload)
	case RecordTypeHandshake:
		return c.handleHandshakeRecord(payload)
	case RecordTypeApplicationData:
		return c.handleApplicationData(payload)
	}
	return misbehaved(AlertUnexpectedMessage, "protected record of type %s", rt)
}

// skipEarlyRecord drops 0-RTT data the server declined.
func (c *Connection) skipEarlyRecord(n int) error {
	c.skipEarly -= n
	if c.skipEarly < 0 {
		return ErrEarlyDataExceeded
	}
	logf(logTypeRecord, "Skipped %d bytes of rejected early data", n)
	return nil
}

func (c *Connection) handleChangeCipherSpec(payload []byte) error {
	if len(payload) != 1 || payload[0] != 1 {
		return misbehaved(AlertUnexpectedMessage, "malformed ChangeCipherSpec")
	}

	legal := legalInputFor(c.common, c.selected, c.hs.State())
	if legal.ccs {
		receiver, ok := c.hs.(ccsReceiver)
		if !ok {
			return errors.Errorf("unbuffered: %s cannot take ChangeCipherSpec", c.hs.State())
		}
		if !c.joiner.empty() {
			return misbehaved(AlertUnexpectedMessage, "ChangeCipherSpec inside a handshake message")
		}

		next, actions, err := receiver.ChangeCipherSpec()
		if err != nil {
			return err
		}
		if err := c.takeActions(actions); err != nil {
			return err
		}
		c.hs = next
		return nil
	}

	if c.connected == nil && c.version == tls13Version && !c.ccsIgnored {
		logf(logTypeRecord, "Ignoring compatibility ChangeCipherSpec")
		c.ccsIgnored = true
		return nil
	}
	return &InappropriateMessageError{
		Expect: c.expectedRecordTypes()[1:],
		Got:    RecordTypeChangeCipherSpec,
	}
}

func (c *Connection) handleAlert(payload []byte) error {
	if len(payload) != 2 {
		return misbehaved(AlertDecodeError, "alert of %d bytes", len(payload))
	}

	level, alert := payload[0], Alert(payload[1])
	logf(logTypeRecord, "Received alert %s (level %d)", alert, level)
	switch {
	case alert == AlertCloseNotify:
		c.peerClosed = true
		return nil
	case alert == AlertUserCanceled:
		return nil
	case level == AlertLevelWarning && c.version != tls13Version:
		return nil
	}
	return &AlertReceivedError{Alert: alert}
}

func (c *Connection) handleHandshakeRecord(payload []byte) error {
	if err := c.joiner.push(payload); err != nil {
		return err
	}

	for {
		hm, ok := c.joiner.next()
		if !ok {
			return nil
		}

		legal := legalInputFor(c.common, c.selected, c.hs.State())
		if !legal.allows(hm.msgType) {
			return &InappropriateHandshakeMessageError{
				Expect: append([]HandshakeType{}, legal.messages...),
				Got:    hm.msgType,
			}
		}

		logf(logTypeHandshake, "[%s] Received %s (%d bytes)", c.hs.State(), hm.msgType, len(hm.body))
		next, actions, err := c.hs.Next(hm)
		if err != nil {
			return err
		}
		if err := c.takeActions(actions); err != nil {
			return err
		}
		c.hs = next
		if connected, ok := next.(*connectedState); ok {
			if c.connected == nil {
				connected.ctx.transcript = transcript{}
			}
			c.connected = connected
		}
	}
}

func (c *Connection) handleApplicationData(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	switch {
	case c.earlyIn:
		if len(payload) > c.earlyInBudget {
			return ErrEarlyDataExceeded
		}
		c.earlyInBudget -= len(payload)
		c.received = append(c.received, payload)
		c.receivedEarly = true

	case c.connected != nil:
		c.received = append(c.received, payload)

	default:
		return misbehaved(AlertUnexpectedMessage, "application data during handshake")
	}
	return nil
}

func (c *Connection) queue(rt RecordType, payload []byte, protection *cipherState, recordVersion uint16) {
	c.pending = append(c.pending, &outputIntent{
		contentType:   rt,
		payload:       payload,
		protection:    protection,
		recordVersion: recordVersion,
	})
}

func (c *Connection) takeActions(actions []HandshakeAction) error {
	for _, action := range actions {
		if err := c.takeAction(action); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) takeAction(action HandshakeAction) error {
	logf(logTypeHandshake, "Action: %T", action)

	switch a := action.(type) {
	case QueueHandshakeMessage:
		if c.closeNotifySent {
			logf(logTypeHandshake, "Dropping %s after close_notify", a.Message.msgType)
			return nil
		}
		protection := c.out
		if a.EarlyKeys {
			protection = c.earlyOut
		}
		recordVersion := uint16(tls12Version)
		if a.Message.msgType == HandshakeTypeClientHello {
			recordVersion = tls10Version
		}
		c.queue(RecordTypeHandshake, a.Message.Marshal(), protection, recordVersion)

	case QueueChangeCipherSpec:
		c.queue(RecordTypeChangeCipherSpec, []byte{1}, nil, tls12Version)

	case RekeyIn:
		if !c.joiner.empty() {
			return misbehaved(AlertUnexpectedMessage, "handshake message spans a key change")
		}
		c.in = a.State

	case RekeyOut:
		c.out = a.State

	case SelectVersion:
		c.version = a.Version
		c.selected = versionTable(c.isClient, a.Version)

	case InstallEarlyWrite:
		c.earlyOut = a.State
		c.earlyOutBudget = int(a.Budget)
		c.earlyOutOpen = true

	case CloseEarlyWrite:
		c.earlyOutOpen = false

	case OpenEarlyRead:
		c.earlyIn = true
		c.earlyInBudget = int(a.Budget)

	case CloseEarlyRead:
		c.earlyIn = false

	case SkipEarlyData:
		c.skipEarly = a.Budget

	case AllowAppWrite:
		c.appWrite = true

	case HandshakeComplete:
		c.params = a.Params
		c.appWrite = true
		logf(logTypeHandshake, "Handshake complete: version=%04x suite=%s alpn=%q",
			a.Params.Version, a.Params.CipherSuite, a.Params.NextProto)

	case StoreSession:
		if c.config.SessionCache != nil {
			c.config.SessionCache.Put(a.Key, a.Session)
		}

	default:
		return errors.Errorf("unbuffered: unknown handshake action %T", action)
	}
	return nil
}
