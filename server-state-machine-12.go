package unbuffered

import (
	"bytes"
)

// serverHandle12 answers a ClientHello that negotiated TLS 1.2 with the
// whole first server flight.
func serverHandle12(ctx *handshakeContext, hm *HandshakeMessage, ch *ClientHelloBody) (HandshakeState, []HandshakeAction, error) {
	config := ctx.config
	cert := config.certificateFor(ctx.params.ServerName)

	usable := func(params CipherSuiteParams) bool {
		return keyMatchesSuite(params, cert.PrivateKey.Public())
	}
	suite, err := cipherSuiteNegotiation(config.suitesFor(tls12Version), ch.CipherSuites, usable)
	if err != nil {
		return nil, nil, err
	}

	var groups SupportedGroupsExtension
	foundGroups, err := ch.Extensions.Find(&groups)
	if err != nil {
		return nil, nil, err
	}
	var clientGroups []NamedGroup
	if foundGroups {
		clientGroups = groups.Groups
	}
	group, err := ecdheGroupNegotiation(clientGroups, config.Groups)
	if err != nil {
		return nil, nil, err
	}

	var pointFormats ECPointFormatsExtension
	foundPF, err := ch.Extensions.Find(&pointFormats)
	if err != nil {
		return nil, nil, err
	}
	if foundPF && !bytes.Contains(pointFormats.Formats, []byte{pointFormatUncompressed}) {
		return nil, nil, misbehaved(AlertIllegalParameter, "client does not support uncompressed points")
	}

	var ems ExtendedMasterSecretExtension
	extended, err := ch.Extensions.Find(&ems)
	if err != nil {
		return nil, nil, err
	}

	var sigAlgs SignatureAlgorithmsExtension
	foundSigAlgs, err := ch.Extensions.Find(&sigAlgs)
	if err != nil {
		return nil, nil, err
	}
	peerSchemes := config.SignatureSchemes
	if foundSigAlgs {
		peerSchemes = sigAlgs.Algorithms
	}
	scheme, err := chooseSignatureScheme(tls12Version, cert.PrivateKey, config.SignatureSchemes, peerSchemes)
	if err != nil {
		return nil, nil, err
	}

	random, err := randomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	if config.supportsVersion(tls13Version) {
		copy(random[24:], downgradeTLS12)
	}

	sh := &ServerHelloBody{
		Version:         tls12Version,
		LegacySessionID: []byte{},
		CipherSuite:     suite.Suite,
	}
	copy(sh.Random[:], random)

	shExts := []ExtensionBody{}
	if extended {
		shExts = append(shExts, &ExtendedMasterSecretExtension{})
	}
	if ctx.params.NextProto != "" {
		shExts = append(shExts, &ALPNExtension{Protocols: []string{ctx.params.NextProto}})
	}
	if foundPF {
		shExts = append(shExts, &ECPointFormatsExtension{Formats: []uint8{pointFormatUncompressed}})
	}
	for _, ext := range shExts {
		if err := sh.Extensions.Add(ext); err != nil {
			return nil, nil, err
		}
	}

	ctx.suite = suite
	ctx.serverRandom = random
	ctx.params.Version = tls12Version
	ctx.params.CipherSuite = suite.Suite
	ctx.params.NamedGroup = group
	ctx.params.ExtendedMasterSecret = extended

	ctx.transcript.start(suite.Hash)
	ctx.transcript.add(hm)

	_, queueSH, err := ctx.queue(sh)
	if err != nil {
		return nil, nil, err
	}
	_, queueCert, err := ctx.queue(newCertificateBody12(cert.Chain))
	if err != nil {
		return nil, nil, err
	}

	pub, priv, err := newKeyShare(group)
	if err != nil {
		return nil, nil, err
	}
	ske := &ServerKeyExchangeBody{
		Params: ServerECDHParams{
			CurveType:  curveTypeNamedCurve,
			NamedGroup: group,
			PublicKey:  pub,
		},
		Algorithm: scheme,
	}
	signed, err := ske.signedParams(ctx.clientRandom, ctx.serverRandom)
	if err != nil {
		return nil, nil, err
	}
	if ske.Signature, err = sign(scheme, cert.PrivateKey, signed); err != nil {
		return nil, nil, err
	}
	_, queueSKE, err := ctx.queue(ske)
	if err != nil {
		return nil, nil, err
	}
	_, queueSHD, err := ctx.queue(&ServerHelloDoneBody{})
	if err != nil {
		return nil, nil, err
	}

	actions := []HandshakeAction{
		SelectVersion{tls12Version},
		queueSH, queueCert, queueSKE, queueSHD,
	}

	next := &serverStateWaitCKE{ctx: ctx, group: group, privateKey: priv}
	logf(logTypeHandshake, "[%s] Sent 1.2 server flight: suite=%s group=%d ems=%v -> %s",
		StateServerStart, suite.Suite, group, extended, next.State())
	return next, actions, nil
}

type serverStateWaitCKE struct {
	ctx        *handshakeContext
	group      NamedGroup
	privateKey []byte
}

var _ HandshakeState = &serverStateWaitCKE{}

func (state *serverStateWaitCKE) State() State {
	return StateServerWaitClientKeyExchange
}

func (state *serverStateWaitCKE) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var cke ClientKeyExchangeBody
	if err := hm.parseBody(&cke); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	preMaster, err := keyAgreement(state.group, cke.PublicKey, state.privateKey)
	if err != nil {
		return nil, nil, err
	}
	ctx.transcript.add(hm)

	master := masterSecret12(ctx.suite, preMaster, ctx.clientRandom, ctx.serverRandom,
		ctx.transcript.sum(), ctx.params.ExtendedMasterSecret)
	clientKeys, serverKeys, err := cipherStates12(ctx, master)
	if err != nil {
		return nil, nil, err
	}

	next := &serverStateWaitCCS12{ctx: ctx, master: master, clientKeys: clientKeys, serverKeys: serverKeys}
	logf(logTypeHandshake, "[%s] ClientKeyExchange -> %s", state.State(), next.State())
	return next, nil, nil
}

type serverStateWaitCCS12 struct {
	ctx        *handshakeContext
	master     []byte
	clientKeys *cipherState
	serverKeys *cipherState
}

var _ HandshakeState = &serverStateWaitCCS12{}
var _ ccsReceiver = &serverStateWaitCCS12{}

func (state *serverStateWaitCCS12) State() State {
	return StateServerWaitChangeCipherSpec12
}

func (state *serverStateWaitCCS12) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	return nil, nil, misbehaved(AlertUnexpectedMessage, "%s before ChangeCipherSpec", hm.msgType)
}

func (state *serverStateWaitCCS12) ChangeCipherSpec() (HandshakeState, []HandshakeAction, error) {
	next := &serverStateWaitFinished12{ctx: state.ctx, master: state.master, serverKeys: state.serverKeys}
	logf(logTypeHandshake, "[%s] ChangeCipherSpec -> %s", state.State(), next.State())
	return next, []HandshakeAction{RekeyIn{state.clientKeys}}, nil
}

type serverStateWaitFinished12 struct {
	ctx        *handshakeContext
	master     []byte
	serverKeys *cipherState
}

var _ HandshakeState = &serverStateWaitFinished12{}

func (state *serverStateWaitFinished12) State() State {
	return StateServerWaitFinished12
}

func (state *serverStateWaitFinished12) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var fin FinishedBody
	if err := hm.parseBody(&fin); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	expected := finishedData12(ctx.suite, state.master, labelClientFinished, ctx.transcript.sum())
	if err := verifyFinishedData(expected, fin.VerifyData); err != nil {
		return nil, nil, err
	}
	ctx.transcript.add(hm)

	verifyData := finishedData12(ctx.suite, state.master, labelServerFinished, ctx.transcript.sum())
	_, queueFin, err := ctx.queue(&FinishedBody{VerifyData: verifyData})
	if err != nil {
		return nil, nil, err
	}

	actions := []HandshakeAction{
		QueueChangeCipherSpec{},
		RekeyOut{state.serverKeys},
		queueFin,
		HandshakeComplete{ctx.params},
	}

	next := &connectedState{ctx: ctx, masterSecret: state.master}
	logf(logTypeHandshake, "[%s] Finished ok -> %s", state.State(), next.State())
	return next, actions, nil
}
