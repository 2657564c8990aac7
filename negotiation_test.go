package unbuffered

import (
	"bytes"
	"testing"
	"time"
)

func TestVersionNegotiation(t *testing.T) {
	ok, version := versionNegotiation([]uint16{tls12Version, tls13Version}, []uint16{tls13Version, tls12Version})
	assert(t, ok, "Version negotiation failed")
	assertEquals(t, version, uint16(tls13Version))

	// Our preference wins
	ok, version = versionNegotiation([]uint16{tls13Version, tls12Version}, []uint16{tls12Version, tls13Version})
	assert(t, ok, "Version negotiation failed")
	assertEquals(t, version, uint16(tls12Version))

	ok, _ = versionNegotiation([]uint16{0x0302}, []uint16{tls13Version, tls12Version})
	assert(t, !ok, "Negotiated a version we do not support")
}

func TestCipherSuiteNegotiation(t *testing.T) {
	ours := []CipherSuite{TLS_AES_256_GCM_SHA384, TLS_AES_128_GCM_SHA256}
	offered := []CipherSuite{0x00ff, TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384}

	params, err := cipherSuiteNegotiation(ours, offered, nil)
	assertNotError(t, err, "Cipher suite negotiation failed")
	assertEquals(t, params.Suite, TLS_AES_256_GCM_SHA384)

	// The filter skips suites that cannot be used
	params, err = cipherSuiteNegotiation(ours, offered, func(p CipherSuiteParams) bool {
		return p.KeyLen == 16
	})
	assertNotError(t, err, "Cipher suite negotiation failed")
	assertEquals(t, params.Suite, TLS_AES_128_GCM_SHA256)

	// Unknown suites in our list are ignored
	params, err = cipherSuiteNegotiation([]CipherSuite{0x00ff, TLS_AES_128_GCM_SHA256}, offered, nil)
	assertNotError(t, err, "Cipher suite negotiation failed")
	assertEquals(t, params.Suite, TLS_AES_128_GCM_SHA256)

	_, err = cipherSuiteNegotiation(ours, []CipherSuite{TLS_CHACHA20_POLY1305_SHA256}, nil)
	assertEquals(t, alertForError(err), AlertHandshakeFailure)
}

func TestDHNegotiation(t *testing.T) {
	shares := []KeyShareEntry{
		{Group: X25519, KeyExchange: []byte{1}},
		{Group: P256, KeyExchange: []byte{2}},
	}

	// Our preference among the shares
	group, share, retry, err := dhNegotiation(shares, []NamedGroup{X25519, P256}, []NamedGroup{P256, X25519})
	assertNotError(t, err, "DH negotiation failed")
	assertEquals(t, group, P256)
	assertByteEquals(t, share, []byte{2})
	assert(t, !retry, "Retry requested with a usable share")

	// A supported group without a share calls for a retry
	group, share, retry, err = dhNegotiation(shares[:1], []NamedGroup{X25519, P256}, []NamedGroup{P256})
	assertNotError(t, err, "DH negotiation failed")
	assertEquals(t, group, P256)
	assert(t, share == nil, "Share returned for a retry")
	assert(t, retry, "Retry not requested")

	_, _, _, err = dhNegotiation(shares, []NamedGroup{X25519, P256}, []NamedGroup{P384})
	assertEquals(t, alertForError(err), AlertHandshakeFailure)
}

func TestECDHEGroupNegotiation(t *testing.T) {
	group, err := ecdheGroupNegotiation([]NamedGroup{P384, X25519}, []NamedGroup{X25519, P256, P384})
	assertNotError(t, err, "ECDHE negotiation failed")
	assertEquals(t, group, X25519)

	// No supported_groups at all means anything goes
	group, err = ecdheGroupNegotiation(nil, []NamedGroup{P256, P384})
	assertNotError(t, err, "ECDHE negotiation failed")
	assertEquals(t, group, P256)

	_, err = ecdheGroupNegotiation([]NamedGroup{}, []NamedGroup{P256})
	assertEquals(t, alertForError(err), AlertHandshakeFailure)
}

func TestALPNNegotiation(t *testing.T) {
	proto, err := alpnNegotiation([]string{"h2", "http/1.1"}, []string{"http/1.1", "h2"})
	assertNotError(t, err, "ALPN negotiation failed")
	assertEquals(t, proto, "http/1.1")

	// Nothing to negotiate unless both sides have protocols
	proto, err = alpnNegotiation(nil, []string{"h2"})
	assertNotError(t, err, "ALPN negotiation failed without an offer")
	assertEquals(t, proto, "")
	proto, err = alpnNegotiation([]string{"h2"}, nil)
	assertNotError(t, err, "ALPN negotiation failed without a configuration")
	assertEquals(t, proto, "")

	_, err = alpnNegotiation([]string{"spdy/3"}, []string{"h2"})
	assertEquals(t, alertForError(err), AlertNoApplicationProtocol)
}

func TestPSKModeNegotiation(t *testing.T) {
	assert(t, containsPSKMode([]PSKKeyExchangeMode{PSKModeKE, PSKModeDHEKE}, PSKModeDHEKE), "Missed psk_dhe_ke")
	assert(t, !containsPSKMode([]PSKKeyExchangeMode{PSKModeKE}, PSKModeDHEKE), "Found psk_dhe_ke in psk_ke")
	assert(t, !containsPSKMode(nil, PSKModeDHEKE), "Found a mode in nothing")
}

// testTicket seals a session for suite with the given secret.
func testTicket(t *testing.T, sealer TicketSealer, state *sessionState) []byte {
	plaintext, err := state.marshal()
	assertNotError(t, err, "Failed to marshal session state")
	ticket, err := sealer.Seal(plaintext)
	assertNotError(t, err, "Failed to seal session state")
	return ticket
}

func TestPSKNegotiation(t *testing.T) {
	sealer, err := NewTicketSealer()
	assertNotError(t, err, "Failed to create ticket sealer")

	suite := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	now := time.Now()
	secret := bytes.Repeat([]byte{0x5a}, 32)
	state := &sessionState{
		version:  tls13Version,
		suite:    TLS_AES_128_GCM_SHA256,
		secret:   secret,
		issuedAt: uint64(now.Add(-time.Minute).UnixMilli()),
		lifetime: 3600,
	}
	ticket := testTicket(t, sealer, state)

	truncated := []byte("truncated ClientHello")
	truncatedHash := func(p CipherSuiteParams) []byte {
		h := p.Hash.New()
		h.Write(truncated)
		return h.Sum(nil)
	}
	ks := newKeySchedule13(suite, secret)
	binder := PSKBinderEntry{Binder: computeFinishedData(suite, ks.binderKey(), truncatedHash(suite))}

	// An unknown identity is skipped in favor of a good one
	identities := []PSKIdentity{{Identity: []byte("not a ticket at all")}, {Identity: ticket}}
	binders := []PSKBinderEntry{{Binder: make([]byte, 32)}, binder}
	index, opened, err := pskNegotiation(identities, binders, truncatedHash, sealer, suite, now)
	assertNotError(t, err, "PSK negotiation failed")
	assertEquals(t, index, 1)
	assertByteEquals(t, opened.secret, secret)

	// A bad binder on a usable ticket is fatal
	badBinder := []PSKBinderEntry{{Binder: make([]byte, 32)}}
	_, _, err = pskNegotiation(identities[1:], badBinder, truncatedHash, sealer, suite, now)
	assertEquals(t, alertForError(err), AlertDecryptError)

	// Expired tickets and other hash functions are ignored
	index, _, err = pskNegotiation(identities[1:], binders[1:], truncatedHash, sealer, suite, now.Add(2*time.Hour))
	assertNotError(t, err, "Expired ticket caused an error")
	assertEquals(t, index, -1)

	index, _, err = pskNegotiation(identities[1:], binders[1:], truncatedHash, sealer,
		cipherSuiteMap[TLS_AES_256_GCM_SHA384], now)
	assertNotError(t, err, "Hash mismatch caused an error")
	assertEquals(t, index, -1)

	// TLS 1.2 sessions are not PSKs
	state12 := *state
	state12.version = tls12Version
	index, _, err = pskNegotiation([]PSKIdentity{{Identity: testTicket(t, sealer, &state12)}}, binders[1:],
		truncatedHash, sealer, suite, now)
	assertNotError(t, err, "TLS 1.2 session caused an error")
	assertEquals(t, index, -1)

	// Without a sealer there is nothing to resume
	index, _, err = pskNegotiation(identities, binders, truncatedHash, nil, suite, now)
	assertNotError(t, err, "Missing sealer caused an error")
	assertEquals(t, index, -1)

	// Another server's tickets do not open
	other, err := NewTicketSealer()
	assertNotError(t, err, "Failed to create ticket sealer")
	index, _, err = pskNegotiation(identities[1:], binders[1:], truncatedHash, other, suite, now)
	assertNotError(t, err, "Foreign ticket caused an error")
	assertEquals(t, index, -1)
}
