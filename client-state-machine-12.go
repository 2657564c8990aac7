package unbuffered

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
)

// TLS 1.2 client, ECDHE with server authentication only.  Reached from
// WAIT_SH when the ServerHello carries no supported_versions.

func (state *clientStateWaitSH) handleServerHello12(hm *HandshakeMessage, sh *ServerHelloBody) (HandshakeState, []HandshakeAction, error) {
	ctx := state.ctx

	params, err := state.offeredSuite(sh.CipherSuite, tls12Version)
	if err != nil {
		return nil, nil, err
	}

	for _, extType := range sh.Extensions.Types() {
		switch extType {
		case ExtensionTypeExtendedMasterSecret, ExtensionTypeALPN,
			ExtensionTypeECPointFormats, ExtensionTypeServerName:
		default:
			return nil, nil, misbehaved(AlertUnsupportedExtension, "unsolicited extension %d in ServerHello", extType)
		}
	}

	var ems ExtendedMasterSecretExtension
	extended, err := sh.Extensions.Find(&ems)
	if err != nil {
		return nil, nil, err
	}

	var alpn ALPNExtension
	foundALPN, err := sh.Extensions.Find(&alpn)
	if err != nil {
		return nil, nil, err
	}
	if foundALPN {
		if len(alpn.Protocols) != 1 || len(ctx.config.NextProtos) == 0 {
			return nil, nil, misbehaved(AlertIllegalParameter, "bad ALPN selection")
		}
		if _, err := alpnNegotiation(alpn.Protocols, ctx.config.NextProtos); err != nil {
			return nil, nil, misbehaved(AlertIllegalParameter, "server selected unoffered protocol %q", alpn.Protocols[0])
		}
		ctx.params.NextProto = alpn.Protocols[0]
	}

	ctx.suite = params
	ctx.serverRandom = append([]byte{}, sh.Random[:]...)
	ctx.params.Version = tls12Version
	ctx.params.CipherSuite = params.Suite
	ctx.params.ServerName = ctx.config.ServerName
	ctx.params.ExtendedMasterSecret = extended

	ctx.transcript.start(params.Hash)
	ctx.transcript.add(hm)

	actions := []HandshakeAction{SelectVersion{tls12Version}}
	if state.earlyOffered {
		actions = append(actions, CloseEarlyWrite{})
		ctx.params.RejectedEarlyData = true
	}

	next := &clientStateWaitCert12{ctx: ctx}
	logf(logTypeHandshake, "[%s] ServerHello (1.2): suite=%s ems=%v -> %s",
		state.State(), params.Suite, extended, next.State())
	return next, actions, nil
}

// keyMatchesSuite checks the server key against the suite's
// authentication algorithm.  ECDHE_ECDSA covers Ed25519 (RFC 8422).
func keyMatchesSuite(params CipherSuiteParams, pub interface{}) bool {
	switch pub.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return params.auth == authECDSA
	case *rsa.PublicKey:
		return params.auth == authRSA
	}
	return false
}

type clientStateWaitCert12 struct {
	ctx *handshakeContext
}

var _ HandshakeState = &clientStateWaitCert12{}

func (state *clientStateWaitCert12) State() State {
	return StateClientWaitCertificate12
}

func (state *clientStateWaitCert12) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var cert CertificateBody12
	if err := hm.parseBody(&cert); err != nil {
		return nil, nil, err
	}

	chain, err := cert.chain()
	if err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	if !keyMatchesSuite(ctx.suite, chain[0].PublicKey) {
		return nil, nil, misbehaved(AlertUnsupportedCertificate, "%T key for suite %s", chain[0].PublicKey, ctx.suite.Suite)
	}
	if err := verifyServerChain(ctx.config, chain); err != nil {
		return nil, nil, err
	}

	ctx.params.PeerCertificates = chain
	ctx.transcript.add(hm)
	next := &clientStateWaitSKE{ctx: ctx, leaf: chain[0]}
	logf(logTypeHandshake, "[%s] Certificate: %d certs -> %s", state.State(), len(chain), next.State())
	return next, nil, nil
}

type clientStateWaitSKE struct {
	ctx  *handshakeContext
	leaf *x509.Certificate
}

var _ HandshakeState = &clientStateWaitSKE{}

func (state *clientStateWaitSKE) State() State {
	return StateClientWaitServerKeyExchange
}

func (state *clientStateWaitSKE) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var ske ServerKeyExchangeBody
	if err := hm.parseBody(&ske); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	group := ske.Params.NamedGroup
	if !containsGroup(ctx.config.Groups, group) {
		return nil, nil, misbehaved(AlertIllegalParameter, "server chose group %d", group)
	}

	if err := checkPeerSignature(ctx.config, tls12Version, ske.Algorithm, state.leaf); err != nil {
		return nil, nil, err
	}
	signed, err := ske.signedParams(ctx.clientRandom, ctx.serverRandom)
	if err != nil {
		return nil, nil, err
	}
	if err := verify(ske.Algorithm, state.leaf.PublicKey, signed, ske.Signature); err != nil {
		return nil, nil, err
	}

	ctx.params.NamedGroup = group
	ctx.transcript.add(hm)
	next := &clientStateWaitSHD{ctx: ctx, group: group, serverShare: ske.Params.PublicKey}
	logf(logTypeHandshake, "[%s] ServerKeyExchange: group=%d -> %s", state.State(), group, next.State())
	return next, nil, nil
}

type clientStateWaitSHD struct {
	ctx         *handshakeContext
	group       NamedGroup
	serverShare []byte
}

var _ HandshakeState = &clientStateWaitSHD{}

func (state *clientStateWaitSHD) State() State {
	return StateClientWaitServerHelloDone
}

func (state *clientStateWaitSHD) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var shd ServerHelloDoneBody
	if err := hm.parseBody(&shd); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	ctx.transcript.add(hm)

	pub, priv, err := newKeyShare(state.group)
	if err != nil {
		return nil, nil, err
	}
	preMaster, err := keyAgreement(state.group, state.serverShare, priv)
	if err != nil {
		return nil, nil, err
	}

	_, queueCKE, err := ctx.queue(&ClientKeyExchangeBody{PublicKey: pub})
	if err != nil {
		return nil, nil, err
	}

	params := ctx.suite
	master := masterSecret12(params, preMaster, ctx.clientRandom, ctx.serverRandom,
		ctx.transcript.sum(), ctx.params.ExtendedMasterSecret)
	clientKeys, serverKeys, err := cipherStates12(ctx, master)
	if err != nil {
		return nil, nil, err
	}

	verifyData := finishedData12(params, master, labelClientFinished, ctx.transcript.sum())
	_, queueFin, err := ctx.queue(&FinishedBody{VerifyData: verifyData})
	if err != nil {
		return nil, nil, err
	}

	actions := []HandshakeAction{
		queueCKE,
		QueueChangeCipherSpec{},
		RekeyOut{clientKeys},
		queueFin,
	}

	next := &clientStateWaitCCS12{ctx: ctx, master: master, serverKeys: serverKeys}
	logf(logTypeHandshake, "[%s] Sent ClientKeyExchange and Finished -> %s", state.State(), next.State())
	return next, actions, nil
}

// cipherStates12 expands the key block into the client and server write
// states.
func cipherStates12(ctx *handshakeContext, master []byte) (client, server *cipherState, err error) {
	kb := deriveKeyBlock12(ctx.suite, master, ctx.clientRandom, ctx.serverRandom)
	client, err = newCipherState12(ctx.suite, kb.clientKey, kb.clientIV, "client 1.2")
	if err != nil {
		return nil, nil, err
	}
	server, err = newCipherState12(ctx.suite, kb.serverKey, kb.serverIV, "server 1.2")
	if err != nil {
		return nil, nil, err
	}
	return client, server, nil
}

type clientStateWaitCCS12 struct {
	ctx        *handshakeContext
	master     []byte
	serverKeys *cipherState
}

var _ HandshakeState = &clientStateWaitCCS12{}
var _ ccsReceiver = &clientStateWaitCCS12{}

func (state *clientStateWaitCCS12) State() State {
	return StateClientWaitChangeCipherSpec12
}

func (state *clientStateWaitCCS12) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	return nil, nil, misbehaved(AlertUnexpectedMessage, "%s before ChangeCipherSpec", hm.msgType)
}

func (state *clientStateWaitCCS12) ChangeCipherSpec() (HandshakeState, []HandshakeAction, error) {
	next := &clientStateWaitFinished12{ctx: state.ctx, master: state.master}
	logf(logTypeHandshake, "[%s] ChangeCipherSpec -> %s", state.State(), next.State())
	return next, []HandshakeAction{RekeyIn{state.serverKeys}}, nil
}

type clientStateWaitFinished12 struct {
	ctx    *handshakeContext
	master []byte
}

var _ HandshakeState = &clientStateWaitFinished12{}

func (state *clientStateWaitFinished12) State() State {
	return StateClientWaitFinished12
}

func (state *clientStateWaitFinished12) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var fin FinishedBody
	if err := hm.parseBody(&fin); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	expected := finishedData12(ctx.suite, state.master, labelServerFinished, ctx.transcript.sum())
	if err := verifyFinishedData(expected, fin.VerifyData); err != nil {
		return nil, nil, err
	}
	ctx.transcript.add(hm)

	next := &connectedState{ctx: ctx, masterSecret: state.master}
	logf(logTypeHandshake, "[%s] Finished ok -> %s", state.State(), next.State())
	return next, []HandshakeAction{HandshakeComplete{ctx.params}}, nil
}
