package unbuffered

import (
	"crypto/x509"

	"github.com/pkg/errors"

	"github.com/bifurcation/unbuffered/syntax"
)

// HandshakeMessageBody is the typed body of a handshake message.
type HandshakeMessageBody interface {
	Type() HandshakeType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// struct {
//     ProtocolVersion legacy_version = 0x0303;    /* TLS v1.2 */
//     Random random;
//     opaque legacy_session_id<0..32>;
//     CipherSuite cipher_suites<2..2^16-2>;
//     opaque legacy_compression_methods<1..2^8-1>;
//     Extension extensions<8..2^16-1>;
// } ClientHello;
type ClientHelloBody struct {
	LegacyVersion            uint16
	Random                   [32]byte
	LegacySessionID          []byte
	CipherSuites             []CipherSuite
	LegacyCompressionMethods []byte
	Extensions               ExtensionList
}

type clientHelloBodyInnerTLS struct {
	LegacyVersion            uint16
	Random                   [32]byte
	LegacySessionID          []byte        `tls:"head=1,max=32"`
	CipherSuites             []CipherSuite `tls:"head=2,min=2"`
	LegacyCompressionMethods []byte        `tls:"head=1,min=1"`
}

func (ch ClientHelloBody) Type() HandshakeType {
	return HandshakeTypeClientHello
}

func (ch ClientHelloBody) Marshal() ([]byte, error) {
	prefix, err := syntax.Marshal(clientHelloBodyInnerTLS{
		LegacyVersion:            ch.LegacyVersion,
		Random:                   ch.Random,
		LegacySessionID:          ch.LegacySessionID,
		CipherSuites:             ch.CipherSuites,
		LegacyCompressionMethods: ch.LegacyCompressionMethods,
	})
	if err != nil {
		return nil, err
	}

	extensions, err := ch.Extensions.Marshal()
	if err != nil {
		return nil, err
	}
	return append(prefix, extensions...), nil
}

// Unmarshal accepts a ClientHello without an extensions block, as older
// clients send.
func (ch *ClientHelloBody) Unmarshal(data []byte) (int, error) {
	var inner clientHelloBodyInnerTLS
	read, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}

	ch.LegacyVersion = inner.LegacyVersion
	ch.Random = inner.Random
	ch.LegacySessionID = inner.LegacySessionID
	ch.CipherSuites = inner.CipherSuites
	ch.LegacyCompressionMethods = inner.LegacyCompressionMethods
	ch.Extensions = nil

	if read == len(data) {
		return read, nil
	}

	extRead, err := ch.Extensions.Unmarshal(data[read:])
	if err != nil {
		return 0, err
	}
	return read + extRead, nil
}

// Truncated returns the encoded ClientHello message, header included, up
// to but not including the PSK binders.  pre_shared_key must be the last
// extension.
func (ch ClientHelloBody) Truncated() ([]byte, error) {
	if len(ch.Extensions) == 0 {
		return nil, errors.New("unbuffered: ClientHello has no extensions")
	}

	last := ch.Extensions[len(ch.Extensions)-1]
	if last.ExtensionType != ExtensionTypePreSharedKey {
		return nil, errors.New("unbuffered: pre_shared_key is not the last extension")
	}

	psk := PreSharedKeyExtension{HandshakeType: HandshakeTypeClientHello}
	if _, err := psk.Unmarshal(last.ExtensionData); err != nil {
		return nil, err
	}

	hm, err := handshakeMessageFromBody(&ch)
	if err != nil {
		return nil, err
	}
	data := hm.Marshal()
	return data[:len(data)-psk.bindersLen()], nil
}

// struct {
//     ProtocolVersion legacy_version = 0x0303;    /* TLS v1.2 */
//     Random random;
//     opaque legacy_session_id_echo<0..32>;
//     CipherSuite cipher_suite;
//     uint8 legacy_compression_method = 0;
//     Extension extensions<6..2^16-1>;
// } ServerHello;
//
// A HelloRetryRequest is a ServerHello with a special random.
type ServerHelloBody struct {
	Version                 uint16
	Random                  [32]byte
	LegacySessionID         []byte
	CipherSuite             CipherSuite
	LegacyCompressionMethod uint8
	Extensions              ExtensionList
}

type serverHelloBodyInnerTLS struct {
	Version                 uint16
	Random                  [32]byte
	LegacySessionID         []byte `tls:"head=1,max=32"`
	CipherSuite             CipherSuite
	LegacyCompressionMethod uint8
}

func (sh ServerHelloBody) Type() HandshakeType {
	return HandshakeTypeServerHello
}

func (sh ServerHelloBody) IsHelloRetryRequest() bool {
	return sh.Random == helloRetryRequestRandom
}

func (sh ServerHelloBody) Marshal() ([]byte, error) {
	prefix, err := syntax.Marshal(serverHelloBodyInnerTLS{
		Version:                 sh.Version,
		Random:                  sh.Random,
		LegacySessionID:         sh.LegacySessionID,
		CipherSuite:             sh.CipherSuite,
		LegacyCompressionMethod: sh.LegacyCompressionMethod,
	})
	if err != nil {
		return nil, err
	}

	extensions, err := sh.Extensions.Marshal()
	if err != nil {
		return nil, err
	}
	return append(prefix, extensions...), nil
}

func (sh *ServerHelloBody) Unmarshal(data []byte) (int, error) {
	var inner serverHelloBodyInnerTLS
	read, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}

	sh.Version = inner.Version
	sh.Random = inner.Random
	sh.LegacySessionID = inner.LegacySessionID
	sh.CipherSuite = inner.CipherSuite
	sh.LegacyCompressionMethod = inner.LegacyCompressionMethod
	sh.Extensions = nil

	if read == len(data) {
		return read, nil
	}

	extRead, err := sh.Extensions.Unmarshal(data[read:])
	if err != nil {
		return 0, err
	}
	return read + extRead, nil
}

// struct {
//     Extension extensions<0..2^16-1>;
// } EncryptedExtensions;
type EncryptedExtensionsBody struct {
	Extensions ExtensionList `tls:"head=2"`
}

func (ee EncryptedExtensionsBody) Type() HandshakeType {
	return HandshakeTypeEncryptedExtensions
}

func (ee EncryptedExtensionsBody) Marshal() ([]byte, error) {
	return syntax.Marshal(ee)
}

func (ee *EncryptedExtensionsBody) Unmarshal(data []byte) (int, error) {
	read, err := syntax.Unmarshal(data, ee)
	if err != nil {
		return 0, err
	}
	return read, checkDuplicateExtensions(ee.Extensions)
}

// struct {
//     opaque cert_data<1..2^24-1>;
//     Extension extensions<0..2^16-1>;
// } CertificateEntry;
//
// struct {
//     opaque certificate_request_context<0..2^8-1>;
//     CertificateEntry certificate_list<0..2^24-1>;
// } Certificate;
type CertificateEntry struct {
	CertData   []byte        `tls:"head=3,min=1"`
	Extensions ExtensionList `tls:"head=2"`
}

type CertificateBody struct {
	CertificateRequestContext []byte             `tls:"head=1"`
	CertificateList           []CertificateEntry `tls:"head=3"`
}

func newCertificateBody(chain []*x509.Certificate) *CertificateBody {
	body := &CertificateBody{
		CertificateRequestContext: []byte{},
		CertificateList:           make([]CertificateEntry, len(chain)),
	}
	for i, cert := range chain {
		body.CertificateList[i] = CertificateEntry{CertData: cert.Raw}
	}
	return body
}

func (c CertificateBody) Type() HandshakeType {
	return HandshakeTypeCertificate
}

func (c CertificateBody) Marshal() ([]byte, error) {
	return syntax.Marshal(c)
}

func (c *CertificateBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, c)
}

func (c CertificateBody) chain() ([]*x509.Certificate, error) {
	raw := make([][]byte, len(c.CertificateList))
	for i, entry := range c.CertificateList {
		raw[i] = entry.CertData
	}
	return parseChain(raw)
}

// opaque ASN.1Cert<1..2^24-1>;
//
// struct {
//     ASN.1Cert certificate_list<0..2^24-1>;
// } Certificate;
type ASN1Cert struct {
	Data []byte `tls:"head=3,min=1"`
}

// CertificateBody12 is the TLS 1.2 form of Certificate.
type CertificateBody12 struct {
	CertificateList []ASN1Cert `tls:"head=3"`
}

func newCertificateBody12(chain []*x509.Certificate) *CertificateBody12 {
	body := &CertificateBody12{CertificateList: make([]ASN1Cert, len(chain))}
	for i, cert := range chain {
		body.CertificateList[i] = ASN1Cert{cert.Raw}
	}
	return body
}

func (c CertificateBody12) Type() HandshakeType {
	return HandshakeTypeCertificate
}

func (c CertificateBody12) Marshal() ([]byte, error) {
	return syntax.Marshal(c)
}

func (c *CertificateBody12) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, c)
}

func (c CertificateBody12) chain() ([]*x509.Certificate, error) {
	raw := make([][]byte, len(c.CertificateList))
	for i, entry := range c.CertificateList {
		raw[i] = entry.Data
	}
	return parseChain(raw)
}

func parseChain(raw [][]byte) ([]*x509.Certificate, error) {
	if len(raw) == 0 {
		return nil, misbehaved(AlertDecodeError, "empty certificate chain")
	}

	chain := make([]*x509.Certificate, len(raw))
	for i, der := range raw {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, misbehaved(AlertBadCertificate, "unparseable certificate: %v", err)
		}
		chain[i] = cert
	}
	return chain, nil
}

// struct {
//     SignatureScheme algorithm;
//     opaque signature<0..2^16-1>;
// } CertificateVerify;
type CertificateVerifyBody struct {
	Algorithm SignatureScheme
	Signature []byte `tls:"head=2"`
}

func (cv CertificateVerifyBody) Type() HandshakeType {
	return HandshakeTypeCertificateVerify
}

func (cv CertificateVerifyBody) Marshal() ([]byte, error) {
	return syntax.Marshal(cv)
}

func (cv *CertificateVerifyBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, cv)
}

// struct {
//     opaque verify_data[verify_data_length];
// } Finished;
type FinishedBody struct {
	VerifyData []byte `tls:"head=none"`
}

func (fin FinishedBody) Type() HandshakeType {
	return HandshakeTypeFinished
}

func (fin FinishedBody) Marshal() ([]byte, error) {
	return syntax.Marshal(fin)
}

func (fin *FinishedBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, fin)
}

// struct {
//     uint32 ticket_lifetime;
//     uint32 ticket_age_add;
//     opaque ticket_nonce<0..255>;
//     opaque ticket<1..2^16-1>;
//     Extension extensions<0..2^16-2>;
// } NewSessionTicket;
type NewSessionTicketBody struct {
	TicketLifetime uint32
	TicketAgeAdd   uint32
	TicketNonce    []byte        `tls:"head=1"`
	Ticket         []byte        `tls:"head=2,min=1"`
	Extensions     ExtensionList `tls:"head=2"`
}

func (tkt NewSessionTicketBody) Type() HandshakeType {
	return HandshakeTypeNewSessionTicket
}

func (tkt NewSessionTicketBody) Marshal() ([]byte, error) {
	return syntax.Marshal(tkt)
}

func (tkt *NewSessionTicketBody) Unmarshal(data []byte) (int, error) {
	read, err := syntax.Unmarshal(data, tkt)
	if err != nil {
		return 0, err
	}
	return read, checkDuplicateExtensions(tkt.Extensions)
}

// struct {} EndOfEarlyData;
type EndOfEarlyDataBody struct{}

func (eoed EndOfEarlyDataBody) Type() HandshakeType {
	return HandshakeTypeEndOfEarlyData
}

func (eoed EndOfEarlyDataBody) Marshal() ([]byte, error) {
	return []byte{}, nil
}

func (eoed *EndOfEarlyDataBody) Unmarshal(data []byte) (int, error) {
	return 0, nil
}

// struct {
//     KeyUpdateRequest request_update;
// } KeyUpdate;
type KeyUpdateBody struct {
	KeyUpdateRequest KeyUpdateRequest
}

func (ku KeyUpdateBody) Type() HandshakeType {
	return HandshakeTypeKeyUpdate
}

func (ku KeyUpdateBody) Marshal() ([]byte, error) {
	return syntax.Marshal(ku)
}

func (ku *KeyUpdateBody) Unmarshal(data []byte) (int, error) {
	read, err := syntax.Unmarshal(data, ku)
	if err != nil {
		return 0, err
	}
	if ku.KeyUpdateRequest != KeyUpdateNotRequested && ku.KeyUpdateRequest != KeyUpdateRequested {
		return 0, errors.Errorf("unbuffered: invalid KeyUpdateRequest %d", ku.KeyUpdateRequest)
	}
	return read, nil
}

///// TLS 1.2 key exchange

const curveTypeNamedCurve = 3

// struct {
//     ECCurveType curve_type;          /* named_curve */
//     NamedCurve namedcurve;
//     opaque point <1..2^8-1>;
// } ServerECDHParams;
type ServerECDHParams struct {
	CurveType  uint8
	NamedGroup NamedGroup
	PublicKey  []byte `tls:"head=1,min=1"`
}

// struct {
//     ServerECDHParams params;
//     DigitallySigned signed_params;
// } ServerKeyExchange;
type ServerKeyExchangeBody struct {
	Params    ServerECDHParams
	Algorithm SignatureScheme
	Signature []byte `tls:"head=2"`
}

func (ske ServerKeyExchangeBody) Type() HandshakeType {
	return HandshakeTypeServerKeyExchange
}

func (ske ServerKeyExchangeBody) Marshal() ([]byte, error) {
	return syntax.Marshal(ske)
}

func (ske *ServerKeyExchangeBody) Unmarshal(data []byte) (int, error) {
	read, err := syntax.Unmarshal(data, ske)
	if err != nil {
		return 0, err
	}
	if ske.Params.CurveType != curveTypeNamedCurve {
		return 0, errors.Errorf("unbuffered: unsupported curve type %d", ske.Params.CurveType)
	}
	return read, nil
}

// signedParams is the content covered by the ServerKeyExchange signature.
func (ske ServerKeyExchangeBody) signedParams(clientRandom, serverRandom []byte) ([]byte, error) {
	params, err := syntax.Marshal(ske.Params)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(clientRandom)+len(serverRandom)+len(params))
	data = append(data, clientRandom...)
	data = append(data, serverRandom...)
	return append(data, params...), nil
}

// struct {} ServerHelloDone;
type ServerHelloDoneBody struct{}

func (shd ServerHelloDoneBody) Type() HandshakeType {
	return HandshakeTypeServerHelloDone
}

func (shd ServerHelloDoneBody) Marshal() ([]byte, error) {
	return []byte{}, nil
}

func (shd *ServerHelloDoneBody) Unmarshal(data []byte) (int, error) {
	return 0, nil
}

// struct {
//     opaque point <1..2^8-1>;
// } ClientECDiffieHellmanPublic;
type ClientKeyExchangeBody struct {
	PublicKey []byte `tls:"head=1,min=1"`
}

func (cke ClientKeyExchangeBody) Type() HandshakeType {
	return HandshakeTypeClientKeyExchange
}

func (cke ClientKeyExchangeBody) Marshal() ([]byte, error) {
	return syntax.Marshal(cke)
}

func (cke *ClientKeyExchangeBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, cke)
}
