package unbuffered

import (
	"bytes"
	"strings"
	"testing"
)

var (
	helloRandom    = [32]byte{0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a}
	helloRandomHex = strings.Repeat("0a", 32)

	chCipherSuites = []CipherSuite{TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384}
	chValidIn      = ClientHelloBody{
		LegacyVersion:            tls12Version,
		Random:                   helloRandom,
		LegacySessionID:          []byte{},
		CipherSuites:             chCipherSuites,
		LegacyCompressionMethods: []byte{0},
		Extensions: ExtensionList{
			{ExtensionType: ExtensionTypeSupportedVersions, ExtensionData: unhex("020304")},
		},
	}
	chPrefixHex = "0303" + helloRandomHex + "00" + "000413011302" + "0100"
	chValidHex  = chPrefixHex + "0007002b0003020304"

	shValidIn = ServerHelloBody{
		Version:         tls12Version,
		Random:          helloRandom,
		LegacySessionID: []byte{},
		CipherSuite:     TLS_AES_128_GCM_SHA256,
		Extensions: ExtensionList{
			{ExtensionType: ExtensionTypeSupportedVersions, ExtensionData: unhex("0304")},
		},
	}
	shValidHex = "0303" + helloRandomHex + "00" + "1301" + "00" + "0006002b00020304"

	ticketValidIn = NewSessionTicketBody{
		TicketLifetime: 3600,
		TicketAgeAdd:   0x01020304,
		TicketNonce:    []byte{0x00},
		Ticket:         unhex("abcd"),
		Extensions: ExtensionList{
			{ExtensionType: ExtensionTypeEarlyData, ExtensionData: unhex("00004000")},
		},
	}
	ticketValidHex = "00000e10" + "01020304" + "0100" + "0002abcd" + "0008002a000400004000"

	skeValidIn = ServerKeyExchangeBody{
		Params: ServerECDHParams{
			CurveType:  curveTypeNamedCurve,
			NamedGroup: P256,
			PublicKey:  unhex("04ab"),
		},
		Algorithm: ECDSA_P256_SHA256,
		Signature: unhex("beef"),
	}
	skeValidHex = "03" + "0017" + "0204ab" + "0403" + "0002beef"
)

func TestHandshakeMessageTypes(t *testing.T) {
	assertEquals(t, HandshakeTypeClientHello.String(), "ClientHello")
	assertEquals(t, HandshakeTypeServerKeyExchange.String(), "ServerKeyExchange")
	assertEquals(t, HandshakeType(255).String(), "Unknown(255)")
}

func TestClientHelloMarshalUnmarshal(t *testing.T) {
	out, err := chValidIn.Marshal()
	assertNotError(t, err, "Failed to marshal a valid ClientHello")
	assertByteEquals(t, out, unhex(chValidHex))

	var ch ClientHelloBody
	read, err := ch.Unmarshal(unhex(chValidHex))
	assertNotError(t, err, "Failed to unmarshal a valid ClientHello")
	assertEquals(t, read, len(out))
	assertDeepEquals(t, ch, chValidIn)

	// No extensions at all
	read, err = ch.Unmarshal(unhex(chPrefixHex))
	assertNotError(t, err, "Failed to unmarshal a ClientHello without extensions")
	assertEquals(t, read, len(unhex(chPrefixHex)))
	assertEquals(t, len(ch.Extensions), 0)

	// Truncations
	_, err = ch.Unmarshal(unhex(chValidHex)[:40])
	assertError(t, err, "Unmarshaled a truncated ClientHello")
	read, err = ch.Unmarshal(unhex(chValidHex + "00"))
	assertNotError(t, err, "Failed to unmarshal a ClientHello with trailing data")
	assertEquals(t, read, len(out))

	// Marshal failures
	bad := chValidIn
	bad.CipherSuites = []CipherSuite{}
	_, err = bad.Marshal()
	assertError(t, err, "Marshaled a ClientHello without cipher suites")

	bad = chValidIn
	bad.LegacySessionID = make([]byte, 33)
	_, err = bad.Marshal()
	assertError(t, err, "Marshaled a ClientHello with a long session ID")
}

func TestClientHelloTruncated(t *testing.T) {
	ch := chValidIn
	ch.Extensions = append(ExtensionList{}, chValidIn.Extensions...)
	psk := &PreSharedKeyExtension{
		HandshakeType: HandshakeTypeClientHello,
		Identities:    []PSKIdentity{{Identity: []byte("ticket")}},
		Binders:       []PSKBinderEntry{{Binder: bytes.Repeat([]byte{0xaa}, 32)}},
	}
	assertNotError(t, ch.Extensions.Add(psk), "Failed to add pre_shared_key")

	hm, err := handshakeMessageFromBody(&ch)
	assertNotError(t, err, "Failed to marshal ClientHello")
	full := hm.Marshal()

	trunc, err := ch.Truncated()
	assertNotError(t, err, "Failed to truncate ClientHello")
	assertByteEquals(t, trunc, full[:len(full)-psk.bindersLen()])
	assertByteEquals(t, full[len(trunc):], append(unhex("002120"), psk.Binders[0].Binder...))

	// pre_shared_key must come last
	assertNotError(t, ch.Extensions.Add(&ALPNExtension{Protocols: []string{"h2"}}), "Failed to add ALPN")
	_, err = ch.Truncated()
	assertError(t, err, "Truncated a ClientHello with pre_shared_key in the middle")

	_, err = chValidIn.Truncated()
	assertError(t, err, "Truncated a ClientHello without pre_shared_key")
}

func TestServerHelloMarshalUnmarshal(t *testing.T) {
	out, err := shValidIn.Marshal()
	assertNotError(t, err, "Failed to marshal a valid ServerHello")
	assertByteEquals(t, out, unhex(shValidHex))

	var sh ServerHelloBody
	read, err := sh.Unmarshal(unhex(shValidHex))
	assertNotError(t, err, "Failed to unmarshal a valid ServerHello")
	assertEquals(t, read, len(out))
	assertDeepEquals(t, sh, shValidIn)
	assert(t, !sh.IsHelloRetryRequest(), "ServerHello taken for HelloRetryRequest")

	sh.Random = helloRetryRequestRandom
	assert(t, sh.IsHelloRetryRequest(), "HelloRetryRequest not recognized")

	_, err = sh.Unmarshal(unhex(shValidHex)[:37])
	assertError(t, err, "Unmarshaled a truncated ServerHello")
}

func TestEncryptedExtensionsMarshalUnmarshal(t *testing.T) {
	ee := EncryptedExtensionsBody{}
	out, err := ee.Marshal()
	assertNotError(t, err, "Failed to marshal empty EncryptedExtensions")
	assertByteEquals(t, out, unhex("0000"))

	ee.Extensions = ExtensionList{
		{ExtensionType: ExtensionTypeALPN, ExtensionData: unhex("0003026832")},
	}
	out, err = ee.Marshal()
	assertNotError(t, err, "Failed to marshal EncryptedExtensions")
	assertByteEquals(t, out, unhex("0009001000050003026832"))

	var ee2 EncryptedExtensionsBody
	_, err = ee2.Unmarshal(out)
	assertNotError(t, err, "Failed to unmarshal EncryptedExtensions")
	assertDeepEquals(t, ee2, ee)

	_, err = ee2.Unmarshal(unhex("000800100000" + "00100000"))
	assertError(t, err, "Accepted duplicate extensions")
}

func TestCertificateMarshalUnmarshal(t *testing.T) {
	cert := testCertificate(t, ECDSA_P256_SHA256)

	body := newCertificateBody(cert.Chain)
	out, err := body.Marshal()
	assertNotError(t, err, "Failed to marshal Certificate")
	assertEquals(t, out[0], byte(0))

	var parsed CertificateBody
	read, err := parsed.Unmarshal(out)
	assertNotError(t, err, "Failed to unmarshal Certificate")
	assertEquals(t, read, len(out))
	chain, err := parsed.chain()
	assertNotError(t, err, "Failed to parse certificate chain")
	assertEquals(t, len(chain), 1)
	assert(t, chain[0].Equal(cert.Chain[0]), "Certificate changed in transit")

	body12 := newCertificateBody12(cert.Chain)
	out, err = body12.Marshal()
	assertNotError(t, err, "Failed to marshal TLS 1.2 Certificate")
	var parsed12 CertificateBody12
	_, err = parsed12.Unmarshal(out)
	assertNotError(t, err, "Failed to unmarshal TLS 1.2 Certificate")
	chain, err = parsed12.chain()
	assertNotError(t, err, "Failed to parse TLS 1.2 certificate chain")
	assert(t, chain[0].Equal(cert.Chain[0]), "Certificate changed in transit")

	// Empty and unparseable chains
	_, err = (&CertificateBody{}).chain()
	assertEquals(t, alertForError(err), AlertDecodeError)
	_, err = CertificateBody12{CertificateList: []ASN1Cert{{Data: unhex("3000")}}}.chain()
	assertEquals(t, alertForError(err), AlertBadCertificate)

	// Entries may not be empty
	_, err = parsed.Unmarshal(unhex("00" + "000005" + "000000" + "0000"))
	assertError(t, err, "Unmarshaled an empty certificate entry")
}

func TestCertificateVerifyMarshalUnmarshal(t *testing.T) {
	cv := CertificateVerifyBody{Algorithm: ECDSA_P256_SHA256, Signature: unhex("0102")}
	out, err := cv.Marshal()
	assertNotError(t, err, "Failed to marshal CertificateVerify")
	assertByteEquals(t, out, unhex("040300020102"))

	var cv2 CertificateVerifyBody
	_, err = cv2.Unmarshal(out)
	assertNotError(t, err, "Failed to unmarshal CertificateVerify")
	assertDeepEquals(t, cv2, cv)

	_, err = cv2.Unmarshal(out[:4])
	assertError(t, err, "Unmarshaled a truncated CertificateVerify")
}

func TestFinishedMarshalUnmarshal(t *testing.T) {
	verifyData := bytes.Repeat([]byte{0xa5}, 32)
	fin := FinishedBody{VerifyData: verifyData}
	out, err := fin.Marshal()
	assertNotError(t, err, "Failed to marshal Finished")
	assertByteEquals(t, out, verifyData)

	// The whole body is verify_data
	var fin2 FinishedBody
	read, err := fin2.Unmarshal(verifyData[:12])
	assertNotError(t, err, "Failed to unmarshal Finished")
	assertEquals(t, read, 12)
	assertByteEquals(t, fin2.VerifyData, verifyData[:12])
}

func TestNewSessionTicketMarshalUnmarshal(t *testing.T) {
	out, err := ticketValidIn.Marshal()
	assertNotError(t, err, "Failed to marshal NewSessionTicket")
	assertByteEquals(t, out, unhex(ticketValidHex))

	var tkt NewSessionTicketBody
	read, err := tkt.Unmarshal(out)
	assertNotError(t, err, "Failed to unmarshal NewSessionTicket")
	assertEquals(t, read, len(out))
	assertDeepEquals(t, tkt, ticketValidIn)

	var edi TicketEarlyDataInfoExtension
	found, err := tkt.Extensions.Find(&edi)
	assert(t, found && err == nil, "Missing early_data in ticket")
	assertEquals(t, edi.MaxEarlyDataSize, uint32(1<<14))

	// Empty tickets are not allowed
	_, err = tkt.Unmarshal(unhex("00000e10" + "01020304" + "0100" + "0000" + "0000"))
	assertError(t, err, "Unmarshaled an empty ticket")

	// Nor are duplicate extensions
	_, err = tkt.Unmarshal(unhex("00000e10" + "01020304" + "0100" + "0002abcd" + "0010" +
		"002a000400004000" + "002a000400004000"))
	assertError(t, err, "Unmarshaled duplicate ticket extensions")
}

func TestKeyExchange12MarshalUnmarshal(t *testing.T) {
	out, err := skeValidIn.Marshal()
	assertNotError(t, err, "Failed to marshal ServerKeyExchange")
	assertByteEquals(t, out, unhex(skeValidHex))

	var ske ServerKeyExchangeBody
	_, err = ske.Unmarshal(out)
	assertNotError(t, err, "Failed to unmarshal ServerKeyExchange")
	assertDeepEquals(t, ske, skeValidIn)

	clientRandom := bytes.Repeat([]byte{0x01}, 32)
	serverRandom := bytes.Repeat([]byte{0x02}, 32)
	signed, err := ske.signedParams(clientRandom, serverRandom)
	assertNotError(t, err, "Failed to build signed params")
	assertByteEquals(t, signed, append(append(clientRandom, serverRandom...), unhex("0300170204ab")...))

	// Only named curves
	_, err = ske.Unmarshal(unhex("01" + skeValidHex[2:]))
	assertError(t, err, "Accepted an explicit curve")

	cke := ClientKeyExchangeBody{PublicKey: unhex("04ab")}
	out, err = cke.Marshal()
	assertNotError(t, err, "Failed to marshal ClientKeyExchange")
	assertByteEquals(t, out, unhex("0204ab"))
	_, err = (&ClientKeyExchangeBody{}).Unmarshal(unhex("00"))
	assertError(t, err, "Unmarshaled an empty ClientKeyExchange")

	out, err = ServerHelloDoneBody{}.Marshal()
	assertNotError(t, err, "Failed to marshal ServerHelloDone")
	assertEquals(t, len(out), 0)
}
