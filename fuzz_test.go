package unbuffered

import (
	"math/rand"
	"testing"
)

type unmarshaler interface {
	Unmarshal(data []byte) (int, error)
}

type marshaler interface {
	Marshal() ([]byte, error)
}

// Each entry pairs a valid value with an empty one of the same shape.
var fuzzTargets = []struct {
	valid marshaler
	empty unmarshaler
}{
	// Handshake messages
	{&ClientHelloBody{
		LegacyVersion:            tls12Version,
		LegacySessionID:          []byte{},
		CipherSuites:             []CipherSuite{TLS_AES_128_GCM_SHA256},
		LegacyCompressionMethods: []byte{0},
	}, &ClientHelloBody{}},
	{&ServerHelloBody{Version: tls12Version, LegacySessionID: []byte{}, CipherSuite: TLS_AES_128_GCM_SHA256},
		&ServerHelloBody{}},
	{&EncryptedExtensionsBody{}, &EncryptedExtensionsBody{}},
	{&CertificateVerifyBody{Algorithm: ECDSA_P256_SHA256, Signature: []byte{1, 2, 3}}, &CertificateVerifyBody{}},
	{&FinishedBody{VerifyData: make([]byte, 32)}, &FinishedBody{}},
	{&NewSessionTicketBody{TicketLifetime: 60, Ticket: []byte{1}, TicketNonce: []byte{}}, &NewSessionTicketBody{}},
	{&KeyUpdateBody{KeyUpdateRequest: KeyUpdateRequested}, &KeyUpdateBody{}},
	{&ClientKeyExchangeBody{PublicKey: []byte{4, 1, 2}}, &ClientKeyExchangeBody{}},

	// Extensions
	{&ExtensionList{{ExtensionType: ExtensionTypeCookie, ExtensionData: []byte{0, 1, 2}}}, &ExtensionList{}},
	{&testSNI, new(ServerNameExtension)},
	{&KeyShareExtension{
		HandshakeType: HandshakeTypeClientHello,
		Shares:        []KeyShareEntry{{Group: X25519, KeyExchange: make([]byte, 32)}},
	}, &KeyShareExtension{HandshakeType: HandshakeTypeClientHello}},
	{&KeyShareExtension{
		HandshakeType: HandshakeTypeServerHello,
		Shares:        []KeyShareEntry{{Group: X25519, KeyExchange: make([]byte, 32)}},
	}, &KeyShareExtension{HandshakeType: HandshakeTypeServerHello}},
	{&SupportedGroupsExtension{Groups: []NamedGroup{P256}}, &SupportedGroupsExtension{}},
	{&SignatureAlgorithmsExtension{Algorithms: []SignatureScheme{Ed25519}}, &SignatureAlgorithmsExtension{}},
	{&PreSharedKeyExtension{
		HandshakeType: HandshakeTypeClientHello,
		Identities:    []PSKIdentity{{Identity: []byte{1}}},
		Binders:       []PSKBinderEntry{{Binder: make([]byte, 32)}},
	}, &PreSharedKeyExtension{HandshakeType: HandshakeTypeClientHello}},
	{&SupportedVersionsExtension{HandshakeType: HandshakeTypeClientHello, Versions: []uint16{tls13Version}},
		&SupportedVersionsExtension{HandshakeType: HandshakeTypeClientHello}},
	{&ALPNExtension{Protocols: []string{"h2"}}, &ALPNExtension{}},
}

func fuzzBytes(n int, rand *rand.Rand) []byte {
	r := make([]byte, n)
	for i := 0; i < n; i++ {
		r[i] = byte(rand.Int31())
	}
	return r
}

// This just looks for crashes due to bounds errors etc.
func TestFuzz(t *testing.T) {
	rand := rand.New(rand.NewSource(0))
	for _, target := range fuzzTargets {
		m := target.empty

		// Provide random data
		for j := 0; j < 100; j++ {
			m.Unmarshal(fuzzBytes(rand.Intn(1024), rand))
		}

		// Provide partially valid data
		valid, err := target.valid.Marshal()
		assertNotError(t, err, "Failed to marshal a fuzz seed")
		random := fuzzBytes(10*len(valid), rand)
		for cut := 0; cut < len(valid)-1; cut++ {
			testCase := append(append([]byte{}, valid[:cut]...), random...)
			m.Unmarshal(testCase)
		}
	}
}

func FuzzDecodeRecord(f *testing.F) {
	f.Add(unhex("170303000401020304"))
	f.Add(unhex("1603010002"))
	f.Add(unhex("15030300020100"))
	f.Fuzz(func(t *testing.T, data []byte) {
		expectations := [][]RecordType{allRecordTypes}
		for _, rt := range allRecordTypes {
			expectations = append(expectations, []RecordType{rt})
		}
		for _, expect := range expectations {
			rec, n, err := decodeRecord(data, expect)
			if n > len(data) {
				t.Fatalf("consumed %d of %d bytes", n, len(data))
			}
			if err == nil && rec != nil && n != recordHeaderLen+len(rec.payload) {
				t.Fatalf("record of %d bytes reported as %d", recordHeaderLen+len(rec.payload), n)
			}
		}
	})
}

// FuzzServerProcess feeds arbitrary bytes to a fresh server and checks
// that the engine never panics or loops.
func FuzzServerProcess(f *testing.F) {
	cert, err := NewSelfSignedCertificate(testServerName, ECDSA_P256_SHA256)
	if err != nil {
		f.Fatal(err)
	}

	ch := unhex(chValidHex)
	record := []byte{byte(RecordTypeHandshake), 0x03, 0x01, byte((4 + len(ch)) >> 8), byte(4 + len(ch)),
		byte(HandshakeTypeClientHello), 0x00, byte(len(ch) >> 8), byte(len(ch))}
	record = append(record, ch...)
	f.Add(record)
	f.Add(unhex("16030100"))

	f.Fuzz(func(t *testing.T, data []byte) {
		conn, err := NewServer(&Config{Certificates: []*Certificate{cert}})
		if err != nil {
			t.Fatal(err)
		}

		out := make([]byte, 2*maxCiphertextLen)
		for i := 0; i < 64; i++ {
			discard, state, err := conn.Process(data)
			if discard > len(data) {
				t.Fatalf("discarded %d of %d bytes", discard, len(data))
			}
			data = data[discard:]
			if err != nil {
				return
			}

			switch s := state.(type) {
			case *EncodeTLSData:
				if s.RequiredSize() > len(out) {
					out = make([]byte, s.RequiredSize())
				}
				if _, err := s.Encode(out); err != nil {
					t.Fatalf("encode: %v", err)
				}
			case *TransmitTLSData:
				s.Done()
			case *ReadTraffic:
				for rec, err := s.NextRecord(); rec != nil && err == nil; rec, err = s.NextRecord() {
				}
			case *ReadEarlyData:
				for rec, err := s.NextRecord(); rec != nil && err == nil; rec, err = s.NextRecord() {
				}
			default:
				if discard == 0 {
					return
				}
			}
		}
	})
}
