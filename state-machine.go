package unbuffered

import (
	"crypto/x509"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// State names a step of the handshake.
type State uint8

const (
	StateClientStart State = iota
	StateClientWaitServerHello
	StateClientWaitEncryptedExtensions
	StateClientWaitCertificate
	StateClientWaitCertificateVerify
	StateClientWaitFinished
	StateClientWaitCertificate12
	StateClientWaitServerKeyExchange
	StateClientWaitServerHelloDone
	StateClientWaitChangeCipherSpec12
	StateClientWaitFinished12
	StateClientConnected
	StateClientConnected12

	StateServerStart
	StateServerWaitClientHelloRetry
	StateServerWaitEndOfEarlyData
	StateServerWaitFinished
	StateServerWaitClientKeyExchange
	StateServerWaitChangeCipherSpec12
	StateServerWaitFinished12
	StateServerConnected
	StateServerConnected12
)

var stateNames = map[State]string{
	StateClientStart:                   "Client START",
	StateClientWaitServerHello:         "Client WAIT_SH",
	StateClientWaitEncryptedExtensions: "Client WAIT_EE",
	StateClientWaitCertificate:         "Client WAIT_CERT",
	StateClientWaitCertificateVerify:   "Client WAIT_CV",
	StateClientWaitFinished:            "Client WAIT_FINISHED",
	StateClientWaitCertificate12:       "Client WAIT_CERT (1.2)",
	StateClientWaitServerKeyExchange:   "Client WAIT_SKE (1.2)",
	StateClientWaitServerHelloDone:     "Client WAIT_SHD (1.2)",
	StateClientWaitChangeCipherSpec12:  "Client WAIT_CCS (1.2)",
	StateClientWaitFinished12:          "Client WAIT_FINISHED (1.2)",
	StateClientConnected:               "Client CONNECTED",
	StateClientConnected12:             "Client CONNECTED (1.2)",
	StateServerStart:                   "Server START",
	StateServerWaitClientHelloRetry:    "Server WAIT_CH2",
	StateServerWaitEndOfEarlyData:      "Server WAIT_EOED",
	StateServerWaitFinished:            "Server WAIT_FINISHED",
	StateServerWaitClientKeyExchange:   "Server WAIT_CKE (1.2)",
	StateServerWaitChangeCipherSpec12:  "Server WAIT_CCS (1.2)",
	StateServerWaitFinished12:          "Server WAIT_FINISHED (1.2)",
	StateServerConnected:               "Server CONNECTED",
	StateServerConnected12:             "Server CONNECTED (1.2)",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// HandshakeState is one step of the handshake.  Next consumes a message
// that the transition table has already admitted, and returns the next
// state and the actions for the connection to carry out, in order.  On
// error the state does not advance.
type HandshakeState interface {
	State() State
	Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error)
}

// ccsReceiver is implemented by the TLS 1.2 states that wait for
// ChangeCipherSpec.
type ccsReceiver interface {
	ChangeCipherSpec() (HandshakeState, []HandshakeAction, error)
}

// HandshakeAction is an instruction from the handshake to the
// connection.
type HandshakeAction interface{}

// Send a handshake message, under the early data keys if EarlyKeys is set.
type QueueHandshakeMessage struct {
	Message   *HandshakeMessage
	EarlyKeys bool
}

// Send a ChangeCipherSpec record.
type QueueChangeCipherSpec struct{}

// Change the keys used to read records.
type RekeyIn struct {
	State *cipherState
}

// Change the keys used for records queued from now on.
type RekeyOut struct {
	State *cipherState
}

// The protocol version is settled.
type SelectVersion struct {
	Version uint16
}

// Client: 0-RTT data may be written under State, up to Budget bytes.
type InstallEarlyWrite struct {
	State  *cipherState
	Budget uint32
}

// Client: no more 0-RTT data may be written.
type CloseEarlyWrite struct{}

// Server: application data read from now on is 0-RTT data.
type OpenEarlyRead struct {
	Budget uint32
}

// Server: the 0-RTT window is closed.
type CloseEarlyRead struct{}

// Server: discard up to Budget bytes of 0-RTT data that cannot be read.
type SkipEarlyData struct {
	Budget int
}

// Server: application data may be written before the handshake completes.
type AllowAppWrite struct{}

// The handshake is finished.
type HandshakeComplete struct {
	Params ConnectionParameters
}

// Client: keep a session for later resumption.
type StoreSession struct {
	Key     string
	Session *ClientSession
}

// ConnectionParameters describes what the handshake negotiated.
type ConnectionParameters struct {
	Version              uint16
	CipherSuite          CipherSuite
	NamedGroup           NamedGroup
	ServerName           string
	NextProto            string
	UsingPSK             bool
	UsingEarlyData       bool
	RejectedEarlyData    bool
	ExtendedMasterSecret bool
	PeerCertificates     []*x509.Certificate
}

// handshakeContext is the working state shared by the steps of one
// handshake.
type handshakeContext struct {
	config     *Config
	isClient   bool
	transcript transcript

	params ConnectionParameters
	suite  CipherSuiteParams

	clientRandom []byte
	serverRandom []byte
	sessionID    []byte

	sentCCS bool
}

func newHandshakeContext(config *Config, isClient bool) *handshakeContext {
	return &handshakeContext{
		config:   config,
		isClient: isClient,
	}
}

// queue records hm in the transcript and returns the action that sends it.
func (ctx *handshakeContext) queue(body HandshakeMessageBody) (*HandshakeMessage, QueueHandshakeMessage, error) {
	hm, err := handshakeMessageFromBody(body)
	if err != nil {
		return nil, QueueHandshakeMessage{}, err
	}
	ctx.transcript.add(hm)
	return hm, QueueHandshakeMessage{Message: hm}, nil
}

// middleboxCCS emits the compatibility ChangeCipherSpec once per
// handshake, when the session ID shows the peer expects one.
func (ctx *handshakeContext) middleboxCCS() []HandshakeAction {
	if ctx.sentCCS || len(ctx.sessionID) == 0 {
		return nil
	}
	ctx.sentCCS = true
	return []HandshakeAction{QueueChangeCipherSpec{}}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(prng, b); err != nil {
		return nil, errors.Wrap(err, "unbuffered: reading random")
	}
	return b, nil
}

///// Connected

// connectedState handles post-handshake messages and holds the secrets
// that outlive the handshake.
type connectedState struct {
	ctx *handshakeContext

	// TLS 1.3
	ownSecret        []byte
	peerSecret       []byte
	exporterSecret   []byte
	resumptionSecret []byte

	// TLS 1.2
	masterSecret []byte
}

func (state *connectedState) State() State {
	switch {
	case state.ctx.isClient && state.ctx.params.Version == tls13Version:
		return StateClientConnected
	case state.ctx.isClient:
		return StateClientConnected12
	case state.ctx.params.Version == tls13Version:
		return StateServerConnected
	}
	return StateServerConnected12
}

func (state *connectedState) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	switch hm.msgType {
	case HandshakeTypeKeyUpdate:
		return state.handleKeyUpdate(hm)
	case HandshakeTypeNewSessionTicket:
		return state.handleNewSessionTicket(hm)
	}
	return nil, nil, misbehaved(AlertUnexpectedMessage, "%s after handshake", hm.msgType)
}

func (state *connectedState) handleKeyUpdate(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var ku KeyUpdateBody
	if err := hm.parseBody(&ku); err != nil {
		return nil, nil, err
	}

	suite := state.ctx.suite
	peerSecret := nextTrafficSecret(suite, state.peerSecret)
	in, err := newCipherState13(suite, peerSecret, "peer application (updated)")
	if err != nil {
		return nil, nil, err
	}
	actions := []HandshakeAction{RekeyIn{in}}

	var ownSecret []byte
	if ku.KeyUpdateRequest == KeyUpdateRequested {
		response, err := handshakeMessageFromBody(&KeyUpdateBody{KeyUpdateNotRequested})
		if err != nil {
			return nil, nil, err
		}

		var out *cipherState
		ownSecret, out, err = state.nextOwnKeys()
		if err != nil {
			return nil, nil, err
		}
		actions = append(actions, QueueHandshakeMessage{Message: response}, RekeyOut{out})
	}

	logf(logTypeHandshake, "[%s] KeyUpdate received, request=%d", state.State(), ku.KeyUpdateRequest)
	next := *state
	next.peerSecret = peerSecret
	if ownSecret != nil {
		next.ownSecret = ownSecret
	}
	return &next, actions, nil
}

// nextOwnKeys computes our next write secret and keys without installing
// them.
func (state *connectedState) nextOwnKeys() ([]byte, *cipherState, error) {
	secret := nextTrafficSecret(state.ctx.suite, state.ownSecret)
	out, err := newCipherState13(state.ctx.suite, secret, "own application (updated)")
	return secret, out, err
}

func (state *connectedState) handleNewSessionTicket(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var tkt NewSessionTicketBody
	if err := hm.parseBody(&tkt); err != nil {
		return nil, nil, err
	}

	if tkt.TicketLifetime > maxTicketLifetime {
		return nil, nil, misbehaved(AlertIllegalParameter, "ticket lifetime %d too long", tkt.TicketLifetime)
	}

	var edi TicketEarlyDataInfoExtension
	if _, err := tkt.Extensions.Find(&edi); err != nil {
		return nil, nil, err
	}

	if tkt.TicketLifetime == 0 {
		logf(logTypeHandshake, "[%s] Discarding ticket with zero lifetime", state.State())
		return state, nil, nil
	}

	ctx := state.ctx
	session := &ClientSession{
		ServerName:   ctx.config.ServerName,
		Version:      tls13Version,
		CipherSuite:  ctx.params.CipherSuite,
		Ticket:       tkt.Ticket,
		Secret:       resumptionPSK(ctx.suite, state.resumptionSecret, tkt.TicketNonce),
		TicketAgeAdd: tkt.TicketAgeAdd,
		Lifetime:     tkt.TicketLifetime,
		ReceivedAt:   ctx.config.now(),
		MaxEarlyData: edi.MaxEarlyDataSize,
		NextProto:    ctx.params.NextProto,
	}

	logf(logTypeHandshake, "[%s] Storing session ticket for %q", state.State(), session.ServerName)
	return state, []HandshakeAction{StoreSession{Key: ctx.config.ServerName, Session: session}}, nil
}

// exportKeyingMaterial implements RFC 8446, section 7.5 and RFC 5705.
func (state *connectedState) exportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	ctx := state.ctx
	if ctx.params.Version == tls13Version {
		return exportKeyingMaterial(ctx.suite, state.exporterSecret, label, context, length), nil
	}

	if !ctx.params.ExtendedMasterSecret {
		return nil, errors.New("unbuffered: TLS 1.2 exporters require extended master secret")
	}

	seed := append(append([]byte{}, ctx.clientRandom...), ctx.serverRandom...)
	if context != nil {
		if len(context) >= 1<<16 {
			return nil, errors.New("unbuffered: exporter context too long")
		}
		seed = append(seed, byte(len(context)>>8), byte(len(context)))
		seed = append(seed, context...)
	}
	return prf12(ctx.suite.Hash, state.masterSecret, label, seed, length), nil
}
