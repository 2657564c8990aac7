package unbuffered

import (
	"bytes"
	"crypto/x509"
)

// Client State Machine
//
//                            START <----+
//             Send ClientHello |        | Recv HelloRetryRequest
//          /                   v        |
//         |                  WAIT_SH ---+
//     Can |                    | Recv ServerHello
//    send |                    |
//   early |          +---------+---------+
//    data |     TLS  |                   | TLS 1.2
//         |     1.3  V                   v
//         |       WAIT_EE           WAIT_CERT (1.2)
//         |          | Recv                 | Recv Certificate
//         |          | EncryptedExtensions  v
//         | +--------+--------+       WAIT_SKE (1.2)
//         | Using    |        | Certificate   | Recv ServerKeyExchange
//         | PSK      |        v               v
//         |          |    WAIT_CERT     WAIT_SHD (1.2)
//         |          |        | Recv          | Recv ServerHelloDone
//         |          |        | Certificate   | Send ClientKeyExchange
//         |          |        v               | Send ChangeCipherSpec
//         |          |     WAIT_CV            | Send Finished
//         |          |        | Recv          v
//         |          |        | CertVerify  WAIT_CCS (1.2)
//         |          +> WAIT_FINISHED <+      | Recv ChangeCipherSpec
//         |                  | Recv Finished  v
//         \                  | [Send EOED]  WAIT_FINISHED (1.2)
//                            | Send Finished  | Recv Finished
//  Can send                  v                v
//  app data -->          CONNECTED        CONNECTED (1.2)
//  after
//  here

type clientStateStart struct {
	ctx *handshakeContext

	// Set on the second ClientHello
	retried     bool
	retrySuite  CipherSuiteParams
	retryGroup  NamedGroup
	retryCookie []byte
}

var _ HandshakeState = &clientStateStart{}

func (state *clientStateStart) State() State {
	return StateClientStart
}

func (state *clientStateStart) offers(version uint16) bool {
	return state.ctx.config.supportsVersion(version)
}

// resumableSession finds a cached session usable with this config.
func (state *clientStateStart) resumableSession() (*ClientSession, CipherSuiteParams, bool) {
	config := state.ctx.config
	if !state.offers(tls13Version) || config.SessionCache == nil {
		return nil, CipherSuiteParams{}, false
	}

	session, ok := config.SessionCache.Get(config.ServerName)
	if !ok || !session.valid(config.now()) {
		return nil, CipherSuiteParams{}, false
	}

	params, ok := cipherSuiteMap[session.CipherSuite]
	if !ok {
		return nil, CipherSuiteParams{}, false
	}
	if state.retried && params.Hash != state.retrySuite.Hash {
		return nil, CipherSuiteParams{}, false
	}
	for _, suite := range config.CipherSuites {
		if suite == session.CipherSuite {
			return session, params, true
		}
	}
	return nil, CipherSuiteParams{}, false
}

// Next builds and queues the ClientHello.  It takes no message.
func (state *clientStateStart) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	if hm != nil {
		return nil, nil, misbehaved(AlertUnexpectedMessage, "message in START")
	}

	ctx := state.ctx
	config := ctx.config
	offers13 := state.offers(tls13Version)
	offers12 := state.offers(tls12Version)

	if ctx.clientRandom == nil {
		var err error
		if ctx.clientRandom, err = randomBytes(32); err != nil {
			return nil, nil, err
		}
		if offers13 {
			// Middlebox compatibility mode
			if ctx.sessionID, err = randomBytes(32); err != nil {
				return nil, nil, err
			}
		}
	}

	ch := &ClientHelloBody{
		LegacyVersion:            tls12Version,
		LegacySessionID:          ctx.sessionID,
		CipherSuites:             config.CipherSuites,
		LegacyCompressionMethods: []byte{0},
	}
	copy(ch.Random[:], ctx.clientRandom)

	exts := []ExtensionBody{}
	if name, ok := normalizeServerName(config.ServerName); ok {
		sni := ServerNameExtension(name)
		exts = append(exts, &sni)
	}
	if offers13 {
		exts = append(exts, &SupportedVersionsExtension{
			HandshakeType: HandshakeTypeClientHello,
			Versions:      config.Versions,
		})
	}
	exts = append(exts,
		&SupportedGroupsExtension{Groups: config.Groups},
		&SignatureAlgorithmsExtension{Algorithms: config.SignatureSchemes},
	)
	if offers12 {
		exts = append(exts,
			&ECPointFormatsExtension{Formats: []uint8{pointFormatUncompressed}},
			&ExtendedMasterSecretExtension{},
		)
	}

	next := &clientStateWaitSH{
		ctx:        ctx,
		retried:    state.retried,
		retrySuite: state.retrySuite,
	}

	if offers13 {
		group := config.Groups[0]
		if state.retried {
			group = state.retryGroup
		}
		pub, priv, err := newKeyShare(group)
		if err != nil {
			return nil, nil, err
		}
		next.group, next.privateKey = group, priv

		exts = append(exts, &KeyShareExtension{
			HandshakeType: HandshakeTypeClientHello,
			Shares:        []KeyShareEntry{{Group: group, KeyExchange: pub}},
		})
		if state.retryCookie != nil {
			exts = append(exts, &CookieExtension{Cookie: state.retryCookie})
		}
	}

	if len(config.NextProtos) > 0 {
		exts = append(exts, &ALPNExtension{Protocols: config.NextProtos})
	}

	if offers13 {
		exts = append(exts, &PSKKeyExchangeModesExtension{
			KEModes: []PSKKeyExchangeMode{PSKModeDHEKE},
		})
	}

	session, sessionParams, resuming := state.resumableSession()
	if resuming && config.EnableEarlyData && session.MaxEarlyData > 0 && !state.retried {
		next.earlyOffered = true
		exts = append(exts, &EarlyDataExtension{})
	}

	for _, ext := range exts {
		if err := ch.Extensions.Add(ext); err != nil {
			return nil, nil, err
		}
	}

	actions := []HandshakeAction{}
	if resuming {
		// pre_shared_key goes last, with a binder over everything before it
		psk := &PreSharedKeyExtension{
			HandshakeType: HandshakeTypeClientHello,
			Identities: []PSKIdentity{{
				Identity:            session.Ticket,
				ObfuscatedTicketAge: session.obfuscatedAge(config.now()),
			}},
			Binders: []PSKBinderEntry{{Binder: make([]byte, sessionParams.Hash.Size())}},
		}
		if err := ch.Extensions.Add(psk); err != nil {
			return nil, nil, err
		}

		truncated, err := ch.Truncated()
		if err != nil {
			return nil, nil, err
		}
		ks := newKeySchedule13(sessionParams, session.Secret)
		binderHash := ctx.transcript.hashWith(sessionParams.Hash, truncated)
		psk.Binders[0].Binder = computeFinishedData(sessionParams, ks.binderKey(), binderHash)
		if err := ch.Extensions.Add(psk); err != nil {
			return nil, nil, err
		}

		next.session = session
		next.sessionParams = sessionParams
		logf(logTypeHandshake, "[%s] Offering PSK for %q", state.State(), config.ServerName)
	}

	chm, queueCH, err := ctx.queue(ch)
	if err != nil {
		return nil, nil, err
	}
	actions = append(actions, queueCH)

	if next.earlyOffered {
		ks := newKeySchedule13(sessionParams, session.Secret)
		earlySecret := ks.earlyTrafficSecret(ctx.transcript.hashWith(sessionParams.Hash, nil))
		early, err := newCipherState13(sessionParams, earlySecret, "client early")
		if err != nil {
			return nil, nil, err
		}
		actions = append(actions, ctx.middleboxCCS()...)
		actions = append(actions, InstallEarlyWrite{State: early, Budget: session.MaxEarlyData})
	}

	logf(logTypeHandshake, "[%s] Sent ClientHello (%d bytes) -> %s", state.State(), len(chm.body), next.State())
	return next, actions, nil
}

type clientStateWaitSH struct {
	ctx *handshakeContext

	group      NamedGroup
	privateKey []byte

	session       *ClientSession
	sessionParams CipherSuiteParams
	earlyOffered  bool

	retried    bool
	retrySuite CipherSuiteParams
}

var _ HandshakeState = &clientStateWaitSH{}

func (state *clientStateWaitSH) State() State {
	return StateClientWaitServerHello
}

func (state *clientStateWaitSH) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var sh ServerHelloBody
	if err := hm.parseBody(&sh); err != nil {
		return nil, nil, err
	}

	config := state.ctx.config
	if sh.LegacyCompressionMethod != 0 {
		return nil, nil, misbehaved(AlertIllegalParameter, "non-null compression method")
	}

	sv := SupportedVersionsExtension{HandshakeType: HandshakeTypeServerHello}
	found, err := sh.Extensions.Find(&sv)
	if err != nil {
		return nil, nil, err
	}

	if found {
		if sv.Versions[0] != tls13Version || !config.supportsVersion(tls13Version) {
			return nil, nil, misbehaved(AlertIllegalParameter, "server selected version %04x", sv.Versions[0])
		}
		if sh.Version != tls12Version {
			return nil, nil, misbehaved(AlertIllegalParameter, "bad legacy_version %04x", sh.Version)
		}
		if !bytes.Equal(sh.LegacySessionID, state.ctx.sessionID) {
			return nil, nil, misbehaved(AlertIllegalParameter, "session ID not echoed")
		}
		if sh.IsHelloRetryRequest() {
			return state.handleHelloRetryRequest(hm, &sh)
		}
		return state.handleServerHello13(hm, &sh)
	}

	if sh.IsHelloRetryRequest() {
		return nil, nil, misbehaved(AlertIllegalParameter, "HelloRetryRequest without supported_versions")
	}
	if state.retried {
		return nil, nil, misbehaved(AlertIllegalParameter, "TLS 1.2 selected after HelloRetryRequest")
	}
	if sh.Version != tls12Version || !config.supportsVersion(tls12Version) {
		return nil, nil, misbehaved(AlertProtocolVersion, "server selected version %04x", sh.Version)
	}
	if config.supportsVersion(tls13Version) && bytes.Equal(sh.Random[24:], downgradeTLS12) {
		return nil, nil, misbehaved(AlertIllegalParameter, "downgrade to TLS 1.2 detected")
	}
	return state.handleServerHello12(hm, &sh)
}

func (state *clientStateWaitSH) offeredSuite(suite CipherSuite, version uint16) (CipherSuiteParams, error) {
	params, ok := cipherSuiteMap[suite]
	if !ok || params.Version != version {
		return CipherSuiteParams{}, misbehaved(AlertIllegalParameter, "server selected suite %s", suite)
	}
	for _, offered := range state.ctx.config.CipherSuites {
		if offered == suite {
			return params, nil
		}
	}
	return CipherSuiteParams{}, misbehaved(AlertIllegalParameter, "server selected suite %s", suite)
}

func (state *clientStateWaitSH) handleHelloRetryRequest(hm *HandshakeMessage, hrr *ServerHelloBody) (HandshakeState, []HandshakeAction, error) {
	ctx := state.ctx
	if state.retried {
		return nil, nil, misbehaved(AlertUnexpectedMessage, "second HelloRetryRequest")
	}

	params, err := state.offeredSuite(hrr.CipherSuite, tls13Version)
	if err != nil {
		return nil, nil, err
	}

	ks := KeyShareExtension{HandshakeType: HandshakeTypeServerHello, HelloRetry: true}
	foundKS, err := hrr.Extensions.Find(&ks)
	if err != nil {
		return nil, nil, err
	}
	var cookie CookieExtension
	foundCookie, err := hrr.Extensions.Find(&cookie)
	if err != nil {
		return nil, nil, err
	}

	group := state.group
	if foundKS {
		if !containsGroup(ctx.config.Groups, ks.SelectedGroup) || ks.SelectedGroup == state.group {
			return nil, nil, misbehaved(AlertIllegalParameter, "HelloRetryRequest selected group %d", ks.SelectedGroup)
		}
		group = ks.SelectedGroup
	}
	if !foundKS && !foundCookie {
		return nil, nil, misbehaved(AlertIllegalParameter, "HelloRetryRequest changes nothing")
	}

	ctx.transcript.start(params.Hash)
	ctx.transcript.replaceWithMessageHash()
	ctx.transcript.add(hm)

	actions := []HandshakeAction{SelectVersion{tls13Version}}
	if state.earlyOffered {
		actions = append(actions, CloseEarlyWrite{})
		ctx.params.RejectedEarlyData = true
	}
	actions = append(actions, ctx.middleboxCCS()...)

	logf(logTypeHandshake, "[%s] HelloRetryRequest: suite=%s group=%d", state.State(), params.Suite, group)
	retry := &clientStateStart{
		ctx:        ctx,
		retried:    true,
		retrySuite: params,
		retryGroup: group,
	}
	if foundCookie {
		retry.retryCookie = cookie.Cookie
	}

	next, more, err := retry.Next(nil)
	if err != nil {
		return nil, nil, err
	}
	return next, append(actions, more...), nil
}

func (state *clientStateWaitSH) handleServerHello13(hm *HandshakeMessage, sh *ServerHelloBody) (HandshakeState, []HandshakeAction, error) {
	ctx := state.ctx

	params, err := state.offeredSuite(sh.CipherSuite, tls13Version)
	if err != nil {
		return nil, nil, err
	}
	if state.retried && params.Suite != state.retrySuite.Suite {
		return nil, nil, misbehaved(AlertIllegalParameter, "suite changed after HelloRetryRequest")
	}

	ks := KeyShareExtension{HandshakeType: HandshakeTypeServerHello}
	found, err := sh.Extensions.Find(&ks)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, misbehaved(AlertMissingExtension, "ServerHello without key_share")
	}
	share := ks.Shares[0]
	if share.Group != state.group {
		return nil, nil, misbehaved(AlertIllegalParameter, "key share for unoffered group %d", share.Group)
	}
	dhSecret, err := keyAgreement(share.Group, share.KeyExchange, state.privateKey)
	if err != nil {
		return nil, nil, err
	}

	psk := PreSharedKeyExtension{HandshakeType: HandshakeTypeServerHello}
	usingPSK, err := sh.Extensions.Find(&psk)
	if err != nil {
		return nil, nil, err
	}
	var pskSecret []byte
	if usingPSK {
		if state.session == nil || psk.SelectedIdentity != 0 {
			return nil, nil, misbehaved(AlertIllegalParameter, "server selected unoffered PSK %d", psk.SelectedIdentity)
		}
		if state.sessionParams.Hash != params.Hash {
			return nil, nil, misbehaved(AlertIllegalParameter, "PSK hash does not match suite")
		}
		pskSecret = state.session.Secret
	}

	ctx.suite = params
	ctx.serverRandom = append([]byte{}, sh.Random[:]...)
	ctx.params.Version = tls13Version
	ctx.params.CipherSuite = params.Suite
	ctx.params.NamedGroup = share.Group
	ctx.params.UsingPSK = usingPSK
	ctx.params.ServerName = ctx.config.ServerName

	if !ctx.transcript.started() {
		ctx.transcript.start(params.Hash)
	}
	ctx.transcript.add(hm)

	schedule := newKeySchedule13(params, pskSecret)
	schedule.enterHandshake(dhSecret)
	clientSecret, serverSecret := schedule.handshakeTrafficSecrets(ctx.transcript.sum())

	in, err := newCipherState13(params, serverSecret, "server handshake")
	if err != nil {
		return nil, nil, err
	}
	actions := []HandshakeAction{SelectVersion{tls13Version}, RekeyIn{in}}

	// With 0-RTT offered, our handshake keys wait until EndOfEarlyData
	if !state.earlyOffered {
		out, err := newCipherState13(params, clientSecret, "client handshake")
		if err != nil {
			return nil, nil, err
		}
		actions = append(actions, RekeyOut{out})
	}

	next := &clientStateWaitEE{
		ctx:           ctx,
		schedule:      schedule,
		clientSecret:  clientSecret,
		serverSecret:  serverSecret,
		earlyOffered:  state.earlyOffered,
		earlyEligible: usingPSK,
	}
	logf(logTypeHandshake, "[%s] ServerHello: suite=%s group=%d psk=%v -> %s",
		state.State(), params.Suite, share.Group, usingPSK, next.State())
	return next, actions, nil
}

type clientStateWaitEE struct {
	ctx          *handshakeContext
	schedule     *keySchedule13
	clientSecret []byte
	serverSecret []byte

	earlyOffered  bool
	earlyEligible bool
}

var _ HandshakeState = &clientStateWaitEE{}

func (state *clientStateWaitEE) State() State {
	return StateClientWaitEncryptedExtensions
}

// Extensions a server must not put in EncryptedExtensions
var forbiddenInEncryptedExtensions = []ExtensionType{
	ExtensionTypeSupportedVersions,
	ExtensionTypeKeyShare,
	ExtensionTypePreSharedKey,
	ExtensionTypeSignatureAlgorithms,
	ExtensionTypePSKKeyExchangeModes,
	ExtensionTypeCookie,
}

func (state *clientStateWaitEE) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var ee EncryptedExtensionsBody
	if err := hm.parseBody(&ee); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	for _, extType := range forbiddenInEncryptedExtensions {
		if ee.Extensions.Has(extType) {
			return nil, nil, misbehaved(AlertIllegalParameter, "extension %d in EncryptedExtensions", extType)
		}
	}

	var alpn ALPNExtension
	foundALPN, err := ee.Extensions.Find(&alpn)
	if err != nil {
		return nil, nil, err
	}
	if foundALPN {
		if len(alpn.Protocols) != 1 {
			return nil, nil, misbehaved(AlertIllegalParameter, "server selected %d protocols", len(alpn.Protocols))
		}
		if _, err := alpnNegotiation(alpn.Protocols, ctx.config.NextProtos); err != nil || len(ctx.config.NextProtos) == 0 {
			return nil, nil, misbehaved(AlertIllegalParameter, "server selected unoffered protocol %q", alpn.Protocols[0])
		}
		ctx.params.NextProto = alpn.Protocols[0]
	}

	var ed EarlyDataExtension
	earlyAccepted, err := ee.Extensions.Find(&ed)
	if err != nil {
		return nil, nil, err
	}
	if earlyAccepted && !(state.earlyOffered && state.earlyEligible) {
		return nil, nil, misbehaved(AlertUnsupportedExtension, "unsolicited early_data acceptance")
	}

	ctx.transcript.add(hm)

	actions := []HandshakeAction{}
	if state.earlyOffered && !earlyAccepted {
		actions = append(actions, CloseEarlyWrite{})
		ctx.params.RejectedEarlyData = true
	}
	ctx.params.UsingEarlyData = earlyAccepted

	finished := &clientStateWaitFinished{
		ctx:           ctx,
		schedule:      state.schedule,
		clientSecret:  state.clientSecret,
		serverSecret:  state.serverSecret,
		earlyOffered:  state.earlyOffered,
		earlyAccepted: earlyAccepted,
	}

	var next HandshakeState = finished
	if !ctx.params.UsingPSK {
		next = &clientStateWaitCert{finished}
	}

	logf(logTypeHandshake, "[%s] EncryptedExtensions: alpn=%q early=%v -> %s",
		state.State(), ctx.params.NextProto, earlyAccepted, next.State())
	return next, actions, nil
}

type clientStateWaitCert struct {
	finished *clientStateWaitFinished
}

var _ HandshakeState = &clientStateWaitCert{}

func (state *clientStateWaitCert) State() State {
	return StateClientWaitCertificate
}

func (state *clientStateWaitCert) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var cert CertificateBody
	if err := hm.parseBody(&cert); err != nil {
		return nil, nil, err
	}
	if len(cert.CertificateRequestContext) != 0 {
		return nil, nil, misbehaved(AlertIllegalParameter, "non-empty certificate_request_context")
	}

	chain, err := cert.chain()
	if err != nil {
		return nil, nil, err
	}

	state.finished.ctx.transcript.add(hm)
	next := &clientStateWaitCV{finished: state.finished, chain: chain}
	logf(logTypeHandshake, "[%s] Certificate: %d certs -> %s", state.State(), len(chain), next.State())
	return next, nil, nil
}

type clientStateWaitCV struct {
	finished *clientStateWaitFinished
	chain    []*x509.Certificate
}

var _ HandshakeState = &clientStateWaitCV{}

func (state *clientStateWaitCV) State() State {
	return StateClientWaitCertificateVerify
}

func (state *clientStateWaitCV) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var cv CertificateVerifyBody
	if err := hm.parseBody(&cv); err != nil {
		return nil, nil, err
	}

	ctx := state.finished.ctx
	if err := checkPeerSignature(ctx.config, tls13Version, cv.Algorithm, state.chain[0]); err != nil {
		return nil, nil, err
	}

	input := certificateVerifyInput(contextServerCertificateVerify, ctx.transcript.sum())
	if err := verify(cv.Algorithm, state.chain[0].PublicKey, input, cv.Signature); err != nil {
		return nil, nil, err
	}

	if err := verifyServerChain(ctx.config, state.chain); err != nil {
		return nil, nil, err
	}

	ctx.params.PeerCertificates = state.chain
	ctx.transcript.add(hm)
	logf(logTypeHandshake, "[%s] CertificateVerify ok (%04x) -> %s",
		state.State(), uint16(cv.Algorithm), state.finished.State())
	return state.finished, nil, nil
}

// checkPeerSignature checks that the peer used a scheme we offered and
// that fits its key.
func checkPeerSignature(config *Config, version uint16, scheme SignatureScheme, cert *x509.Certificate) error {
	offered := false
	for _, s := range config.SignatureSchemes {
		offered = offered || s == scheme
	}
	if !offered || !schemeValidForKey(version, scheme, cert.PublicKey) {
		return misbehaved(AlertIllegalParameter, "peer used signature scheme %04x", uint16(scheme))
	}
	return nil
}

func verifyServerChain(config *Config, chain []*x509.Certificate) error {
	if config.InsecureSkipVerify {
		logf(logTypeHandshake, "Skipping certificate verification")
		return nil
	}
	if err := config.Verifier.VerifyServerCertificate(chain, config.ServerName, config.now()); err != nil {
		return &CertificateError{Err: err}
	}
	return nil
}

type clientStateWaitFinished struct {
	ctx          *handshakeContext
	schedule     *keySchedule13
	clientSecret []byte
	serverSecret []byte

	earlyOffered  bool
	earlyAccepted bool
}

var _ HandshakeState = &clientStateWaitFinished{}

func (state *clientStateWaitFinished) State() State {
	return StateClientWaitFinished
}

func (state *clientStateWaitFinished) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var fin FinishedBody
	if err := hm.parseBody(&fin); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	params := ctx.suite
	expected := computeFinishedData(params, state.serverSecret, ctx.transcript.sum())
	if err := verifyFinishedData(expected, fin.VerifyData); err != nil {
		return nil, nil, err
	}
	ctx.transcript.add(hm)

	state.schedule.enterMaster()
	serverFinishedHash := ctx.transcript.sum()
	clientAppSecret, serverAppSecret := state.schedule.applicationTrafficSecrets(serverFinishedHash)
	exporterSecret := state.schedule.exporterSecret(serverFinishedHash)

	in, err := newCipherState13(params, serverAppSecret, "server application")
	if err != nil {
		return nil, nil, err
	}
	actions := []HandshakeAction{RekeyIn{in}}

	if state.earlyAccepted {
		eoed, err := handshakeMessageFromBody(&EndOfEarlyDataBody{})
		if err != nil {
			return nil, nil, err
		}
		ctx.transcript.add(eoed)
		actions = append(actions, QueueHandshakeMessage{Message: eoed, EarlyKeys: true}, CloseEarlyWrite{})
	}

	actions = append(actions, ctx.middleboxCCS()...)

	if state.earlyOffered {
		out, err := newCipherState13(params, state.clientSecret, "client handshake")
		if err != nil {
			return nil, nil, err
		}
		actions = append(actions, RekeyOut{out})
	}

	verifyData := computeFinishedData(params, state.clientSecret, ctx.transcript.sum())
	_, queueFin, err := ctx.queue(&FinishedBody{VerifyData: verifyData})
	if err != nil {
		return nil, nil, err
	}

	out, err := newCipherState13(params, clientAppSecret, "client application")
	if err != nil {
		return nil, nil, err
	}
	actions = append(actions, queueFin, RekeyOut{out}, HandshakeComplete{ctx.params})

	next := &connectedState{
		ctx:              ctx,
		ownSecret:        clientAppSecret,
		peerSecret:       serverAppSecret,
		exporterSecret:   exporterSecret,
		resumptionSecret: state.schedule.resumptionSecret(ctx.transcript.sum()),
	}
	logf(logTypeHandshake, "[%s] Finished ok -> %s", state.State(), next.State())
	return next, actions, nil
}
