package unbuffered

import (
	"bytes"
	"encoding/binary"
)

// Server State Machine
//
//                              START <-----+
//               Recv ClientHello |         | Send HelloRetryRequest
//                                v         |
//                   +---- NEGOTIATED ------+
//           TLS 1.2 |            | Send ServerHello
//                   |            | Send EncryptedExtensions
//                   |            | [Send Certificate + CertificateVerify]
//                   |            | Send Finished
//                   |            +-----------+
//                   |   No 0-RTT |           | 0-RTT
//                   |            |           v
//                   |            |       WAIT_EOED
//                   |            |           | Recv EndOfEarlyData
//                   |            v           |
//                   |      WAIT_FINISHED <---+
//                   |            | Recv Finished
//                   |            | [Send NewSessionTicket]
//                   |            v
//                   |        CONNECTED
//                   v
//   Send ServerHello .. ServerHelloDone
//              WAIT_CKE (1.2)
//                   | Recv ClientKeyExchange
//              WAIT_CCS (1.2)
//                   | Recv ChangeCipherSpec
//              WAIT_FINISHED (1.2)
//                   | Recv Finished
//                   | Send ChangeCipherSpec + Finished
//                   v
//              CONNECTED (1.2)

type serverStateStart struct {
	ctx *handshakeContext

	// Set after a HelloRetryRequest
	retried    bool
	retryGroup NamedGroup
	retrySuite CipherSuiteParams
}

var _ HandshakeState = &serverStateStart{}

func (state *serverStateStart) State() State {
	if state.retried {
		return StateServerWaitClientHelloRetry
	}
	return StateServerStart
}

func (state *serverStateStart) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var ch ClientHelloBody
	if err := hm.parseBody(&ch); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	config := ctx.config

	if !bytes.Contains(ch.LegacyCompressionMethods, []byte{0}) {
		return nil, nil, misbehaved(AlertIllegalParameter, "no null compression method")
	}

	sv := SupportedVersionsExtension{HandshakeType: HandshakeTypeClientHello}
	foundSV, err := ch.Extensions.Find(&sv)
	if err != nil {
		return nil, nil, err
	}

	var version uint16
	switch {
	case foundSV:
		var ok bool
		if ok, version = versionNegotiation(sv.Versions, config.Versions); !ok {
			return nil, nil, misbehaved(AlertProtocolVersion, "no version in common")
		}
	case ch.LegacyVersion >= tls12Version && config.supportsVersion(tls12Version):
		version = tls12Version
	default:
		return nil, nil, misbehaved(AlertProtocolVersion, "client version %04x", ch.LegacyVersion)
	}
	logf(logTypeNegotiation, "[%s] Negotiated version %04x", state.State(), version)

	if state.retried && version != tls13Version {
		return nil, nil, misbehaved(AlertIllegalParameter, "version changed after HelloRetryRequest")
	}

	ctx.clientRandom = append([]byte{}, ch.Random[:]...)
	ctx.sessionID = ch.LegacySessionID

	var sni ServerNameExtension
	foundSNI, err := ch.Extensions.Find(&sni)
	if err != nil {
		return nil, nil, err
	}
	if foundSNI && !validServerName(string(sni)) {
		return nil, nil, misbehaved(AlertIllegalParameter, "invalid server_name %q", string(sni))
	}
	ctx.params.ServerName = string(sni)

	var alpn ALPNExtension
	if _, err := ch.Extensions.Find(&alpn); err != nil {
		return nil, nil, err
	}
	proto, err := alpnNegotiation(alpn.Protocols, config.NextProtos)
	if err != nil {
		return nil, nil, err
	}
	ctx.params.NextProto = proto

	if version == tls12Version {
		return serverHandle12(ctx, hm, &ch)
	}
	return state.handle13(hm, &ch)
}

func (state *serverStateStart) handle13(hm *HandshakeMessage, ch *ClientHelloBody) (HandshakeState, []HandshakeAction, error) {
	ctx := state.ctx
	config := ctx.config

	suite, err := cipherSuiteNegotiation(config.suitesFor(tls13Version), ch.CipherSuites, nil)
	if err != nil {
		return nil, nil, err
	}
	if state.retried && suite.Suite != state.retrySuite.Suite {
		return nil, nil, misbehaved(AlertIllegalParameter, "suite changed after HelloRetryRequest")
	}

	var groups SupportedGroupsExtension
	foundGroups, err := ch.Extensions.Find(&groups)
	if err != nil {
		return nil, nil, err
	}
	ks := KeyShareExtension{HandshakeType: HandshakeTypeClientHello}
	foundKS, err := ch.Extensions.Find(&ks)
	if err != nil {
		return nil, nil, err
	}
	if !foundGroups || !foundKS {
		return nil, nil, misbehaved(AlertMissingExtension, "ClientHello without supported_groups or key_share")
	}

	group, share, retry, err := dhNegotiation(ks.Shares, groups.Groups, config.Groups)
	if err != nil {
		return nil, nil, err
	}
	if state.retried && (retry || group != state.retryGroup) {
		return nil, nil, misbehaved(AlertIllegalParameter, "second ClientHello lacks share for group %d", state.retryGroup)
	}

	var ed EarlyDataExtension
	earlyOffered, err := ch.Extensions.Find(&ed)
	if err != nil {
		return nil, nil, err
	}

	if retry {
		return state.helloRetry(hm, ch, suite, group, earlyOffered)
	}

	pskIndex, session, err := state.negotiatePSK(ch, suite)
	if err != nil {
		return nil, nil, err
	}
	usingPSK := pskIndex >= 0

	earlyAccepted := config.EnableEarlyData && earlyOffered && pskIndex == 0 && !state.retried &&
		session.maxEarlyData > 0 && session.suite == suite.Suite &&
		session.nextProto == ctx.params.NextProto && session.serverName == ctx.params.ServerName

	pub, priv, err := newKeyShare(group)
	if err != nil {
		return nil, nil, err
	}
	dhSecret, err := keyAgreement(group, share, priv)
	if err != nil {
		return nil, nil, err
	}

	random, err := randomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	sh := &ServerHelloBody{
		Version:         tls12Version,
		LegacySessionID: ch.LegacySessionID,
		CipherSuite:     suite.Suite,
	}
	copy(sh.Random[:], random)

	shExts := []ExtensionBody{
		&SupportedVersionsExtension{HandshakeType: HandshakeTypeServerHello, Versions: []uint16{tls13Version}},
		&KeyShareExtension{HandshakeType: HandshakeTypeServerHello, Shares: []KeyShareEntry{{Group: group, KeyExchange: pub}}},
	}
	if usingPSK {
		shExts = append(shExts, &PreSharedKeyExtension{
			HandshakeType:    HandshakeTypeServerHello,
			SelectedIdentity: uint16(pskIndex),
		})
	}
	for _, ext := range shExts {
		if err := sh.Extensions.Add(ext); err != nil {
			return nil, nil, err
		}
	}

	ctx.suite = suite
	ctx.serverRandom = random
	ctx.params.Version = tls13Version
	ctx.params.CipherSuite = suite.Suite
	ctx.params.NamedGroup = group
	ctx.params.UsingPSK = usingPSK
	ctx.params.UsingEarlyData = earlyAccepted
	ctx.params.RejectedEarlyData = earlyOffered && !earlyAccepted

	if !ctx.transcript.started() {
		ctx.transcript.start(suite.Hash)
	}
	ctx.transcript.add(hm)

	var pskSecret []byte
	if usingPSK {
		pskSecret = session.secret
	}
	schedule := newKeySchedule13(suite, pskSecret)

	var earlyIn *cipherState
	if earlyAccepted {
		earlySecret := schedule.earlyTrafficSecret(ctx.transcript.sum())
		if earlyIn, err = newCipherState13(suite, earlySecret, "client early"); err != nil {
			return nil, nil, err
		}
	}

	_, queueSH, err := ctx.queue(sh)
	if err != nil {
		return nil, nil, err
	}

	schedule.enterHandshake(dhSecret)
	clientSecret, serverSecret := schedule.handshakeTrafficSecrets(ctx.transcript.sum())
	hsOut, err := newCipherState13(suite, serverSecret, "server handshake")
	if err != nil {
		return nil, nil, err
	}

	actions := []HandshakeAction{SelectVersion{tls13Version}, queueSH}
	actions = append(actions, ctx.middleboxCCS()...)
	actions = append(actions, RekeyOut{hsOut})

	flight, err := state.serverFlight(ch, usingPSK, earlyAccepted, serverSecret)
	if err != nil {
		return nil, nil, err
	}
	actions = append(actions, flight...)

	schedule.enterMaster()
	serverFinishedHash := ctx.transcript.sum()
	clientAppSecret, serverAppSecret := schedule.applicationTrafficSecrets(serverFinishedHash)
	appOut, err := newCipherState13(suite, serverAppSecret, "server application")
	if err != nil {
		return nil, nil, err
	}
	actions = append(actions, RekeyOut{appOut}, AllowAppWrite{})

	finished := &serverStateWaitFinished{
		ctx:             ctx,
		schedule:        schedule,
		clientSecret:    clientSecret,
		clientAppSecret: clientAppSecret,
		serverAppSecret: serverAppSecret,
		exporterSecret:  schedule.exporterSecret(serverFinishedHash),
	}

	if earlyAccepted {
		actions = append(actions, RekeyIn{earlyIn}, OpenEarlyRead{Budget: session.maxEarlyData})
		next := &serverStateWaitEOED{finished}
		logf(logTypeHandshake, "[%s] Accepted early data -> %s", state.State(), next.State())
		return next, actions, nil
	}

	hsIn, err := newCipherState13(suite, clientSecret, "client handshake")
	if err != nil {
		return nil, nil, err
	}
	actions = append(actions, RekeyIn{hsIn})
	if earlyOffered {
		actions = append(actions, SkipEarlyData{Budget: maxEarlyDataSkip})
	}

	logf(logTypeHandshake, "[%s] Sent server flight: suite=%s group=%d psk=%v -> %s",
		state.State(), suite.Suite, group, usingPSK, finished.State())
	return finished, actions, nil
}

// negotiatePSK looks for a resumable ticket.  It returns -1 when none
// is used.
func (state *serverStateStart) negotiatePSK(ch *ClientHelloBody, suite CipherSuiteParams) (int, *sessionState, error) {
	ctx := state.ctx

	psk := PreSharedKeyExtension{HandshakeType: HandshakeTypeClientHello}
	found, err := ch.Extensions.Find(&psk)
	if err != nil || !found {
		return -1, nil, err
	}

	types := ch.Extensions.Types()
	if types[len(types)-1] != ExtensionTypePreSharedKey {
		return -1, nil, misbehaved(AlertIllegalParameter, "pre_shared_key is not the last extension")
	}
	if len(psk.Identities) != len(psk.Binders) {
		return -1, nil, misbehaved(AlertIllegalParameter, "%d identities, %d binders", len(psk.Identities), len(psk.Binders))
	}

	var modes PSKKeyExchangeModesExtension
	foundModes, err := ch.Extensions.Find(&modes)
	if err != nil {
		return -1, nil, err
	}
	if !foundModes {
		return -1, nil, misbehaved(AlertMissingExtension, "pre_shared_key without psk_key_exchange_modes")
	}
	if !containsPSKMode(modes.KEModes, PSKModeDHEKE) {
		logf(logTypeNegotiation, "[%s] Client does not allow psk_dhe_ke", state.State())
		return -1, nil, nil
	}

	truncated, err := ch.Truncated()
	if err != nil {
		return -1, nil, err
	}
	truncatedHash := func(params CipherSuiteParams) []byte {
		return ctx.transcript.hashWith(params.Hash, truncated)
	}
	return pskNegotiation(psk.Identities, psk.Binders, truncatedHash,
		ctx.config.TicketSealer, suite, ctx.config.now())
}

func (state *serverStateStart) helloRetry(hm *HandshakeMessage, ch *ClientHelloBody, suite CipherSuiteParams,
	group NamedGroup, earlyOffered bool) (HandshakeState, []HandshakeAction, error) {
	ctx := state.ctx

	hrr := &ServerHelloBody{
		Version:         tls12Version,
		Random:          helloRetryRequestRandom,
		LegacySessionID: ch.LegacySessionID,
		CipherSuite:     suite.Suite,
	}
	hrrExts := []ExtensionBody{
		&SupportedVersionsExtension{HandshakeType: HandshakeTypeServerHello, Versions: []uint16{tls13Version}},
		&KeyShareExtension{HandshakeType: HandshakeTypeServerHello, HelloRetry: true, SelectedGroup: group},
	}
	for _, ext := range hrrExts {
		if err := hrr.Extensions.Add(ext); err != nil {
			return nil, nil, err
		}
	}

	ctx.transcript.start(suite.Hash)
	ctx.transcript.add(hm)
	ctx.transcript.replaceWithMessageHash()
	_, queueHRR, err := ctx.queue(hrr)
	if err != nil {
		return nil, nil, err
	}

	actions := []HandshakeAction{SelectVersion{tls13Version}, queueHRR}
	actions = append(actions, ctx.middleboxCCS()...)
	if earlyOffered {
		actions = append(actions, SkipEarlyData{Budget: maxEarlyDataSkip})
	}

	next := &serverStateStart{
		ctx:        ctx,
		retried:    true,
		retryGroup: group,
		retrySuite: suite,
	}
	logf(logTypeHandshake, "[%s] Sent HelloRetryRequest for group %d -> %s", state.State(), group, next.State())
	return next, actions, nil
}

// serverFlight queues EncryptedExtensions through Finished.
func (state *serverStateStart) serverFlight(ch *ClientHelloBody, usingPSK, earlyAccepted bool, serverSecret []byte) ([]HandshakeAction, error) {
	ctx := state.ctx
	config := ctx.config
	actions := []HandshakeAction{}

	ee := &EncryptedExtensionsBody{}
	if ctx.params.NextProto != "" {
		if err := ee.Extensions.Add(&ALPNExtension{Protocols: []string{ctx.params.NextProto}}); err != nil {
			return nil, err
		}
	}
	if earlyAccepted {
		if err := ee.Extensions.Add(&EarlyDataExtension{}); err != nil {
			return nil, err
		}
	}
	_, queueEE, err := ctx.queue(ee)
	if err != nil {
		return nil, err
	}
	actions = append(actions, queueEE)

	if !usingPSK {
		var sigAlgs SignatureAlgorithmsExtension
		found, err := ch.Extensions.Find(&sigAlgs)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, misbehaved(AlertMissingExtension, "ClientHello without signature_algorithms")
		}

		cert := config.certificateFor(ctx.params.ServerName)
		scheme, err := chooseSignatureScheme(tls13Version, cert.PrivateKey, config.SignatureSchemes, sigAlgs.Algorithms)
		if err != nil {
			return nil, err
		}

		_, queueCert, err := ctx.queue(newCertificateBody(cert.Chain))
		if err != nil {
			return nil, err
		}

		input := certificateVerifyInput(contextServerCertificateVerify, ctx.transcript.sum())
		sig, err := sign(scheme, cert.PrivateKey, input)
		if err != nil {
			return nil, err
		}
		_, queueCV, err := ctx.queue(&CertificateVerifyBody{Algorithm: scheme, Signature: sig})
		if err != nil {
			return nil, err
		}
		actions = append(actions, queueCert, queueCV)
	}

	verifyData := computeFinishedData(ctx.suite, serverSecret, ctx.transcript.sum())
	_, queueFin, err := ctx.queue(&FinishedBody{VerifyData: verifyData})
	if err != nil {
		return nil, err
	}
	return append(actions, queueFin), nil
}

type serverStateWaitEOED struct {
	finished *serverStateWaitFinished
}

var _ HandshakeState = &serverStateWaitEOED{}

func (state *serverStateWaitEOED) State() State {
	return StateServerWaitEndOfEarlyData
}

func (state *serverStateWaitEOED) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var eoed EndOfEarlyDataBody
	if err := hm.parseBody(&eoed); err != nil {
		return nil, nil, err
	}

	ctx := state.finished.ctx
	ctx.transcript.add(hm)

	in, err := newCipherState13(ctx.suite, state.finished.clientSecret, "client handshake")
	if err != nil {
		return nil, nil, err
	}

	logf(logTypeHandshake, "[%s] EndOfEarlyData -> %s", state.State(), state.finished.State())
	return state.finished, []HandshakeAction{RekeyIn{in}, CloseEarlyRead{}}, nil
}

type serverStateWaitFinished struct {
	ctx      *handshakeContext
	schedule *keySchedule13

	clientSecret    []byte
	clientAppSecret []byte
	serverAppSecret []byte
	exporterSecret  []byte
}

var _ HandshakeState = &serverStateWaitFinished{}

func (state *serverStateWaitFinished) State() State {
	return StateServerWaitFinished
}

func (state *serverStateWaitFinished) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, error) {
	var fin FinishedBody
	if err := hm.parseBody(&fin); err != nil {
		return nil, nil, err
	}

	ctx := state.ctx
	expected := computeFinishedData(ctx.suite, state.clientSecret, ctx.transcript.sum())
	if err := verifyFinishedData(expected, fin.VerifyData); err != nil {
		return nil, nil, err
	}
	ctx.transcript.add(hm)

	in, err := newCipherState13(ctx.suite, state.clientAppSecret, "client application")
	if err != nil {
		return nil, nil, err
	}
	resumptionSecret := state.schedule.resumptionSecret(ctx.transcript.sum())

	actions := []HandshakeAction{RekeyIn{in}}
	tickets, err := state.newSessionTickets(resumptionSecret)
	if err != nil {
		return nil, nil, err
	}
	actions = append(actions, tickets...)
	actions = append(actions, HandshakeComplete{ctx.params})

	next := &connectedState{
		ctx:              ctx,
		ownSecret:        state.serverAppSecret,
		peerSecret:       state.clientAppSecret,
		exporterSecret:   state.exporterSecret,
		resumptionSecret: resumptionSecret,
	}
	logf(logTypeHandshake, "[%s] Finished ok, %d tickets -> %s", state.State(), len(tickets), next.State())
	return next, actions, nil
}

func (state *serverStateWaitFinished) newSessionTickets(resumptionSecret []byte) ([]HandshakeAction, error) {
	ctx := state.ctx
	config := ctx.config
	if !config.SendSessionTickets || config.TicketSealer == nil {
		return nil, nil
	}

	actions := []HandshakeAction{}
	for i := 0; i < config.TicketCount; i++ {
		nonce := []byte{byte(i)}
		ageAdd, err := randomBytes(4)
		if err != nil {
			return nil, err
		}

		session := &sessionState{
			version:    tls13Version,
			suite:      ctx.suite.Suite,
			secret:     resumptionPSK(ctx.suite, resumptionSecret, nonce),
			issuedAt:   uint64(config.now().UnixMilli()),
			ageAdd:     binary.BigEndian.Uint32(ageAdd),
			lifetime:   config.TicketLifetime,
			nextProto:  ctx.params.NextProto,
			serverName: ctx.params.ServerName,
		}
		if config.EnableEarlyData {
			session.maxEarlyData = config.MaxEarlyDataSize
		}

		plaintext, err := session.marshal()
		if err != nil {
			return nil, err
		}
		ticket, err := config.TicketSealer.Seal(plaintext)
		if err != nil {
			return nil, err
		}

		tkt := &NewSessionTicketBody{
			TicketLifetime: session.lifetime,
			TicketAgeAdd:   session.ageAdd,
			TicketNonce:    nonce,
			Ticket:         ticket,
		}
		if config.EnableEarlyData {
			edi := &TicketEarlyDataInfoExtension{MaxEarlyDataSize: config.MaxEarlyDataSize}
			if err := tkt.Extensions.Add(edi); err != nil {
				return nil, err
			}
		}

		hm, err := handshakeMessageFromBody(tkt)
		if err != nil {
			return nil, err
		}
		actions = append(actions, QueueHandshakeMessage{Message: hm})
	}
	return actions, nil
}
