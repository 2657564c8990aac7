package unbuffered

import (
	"fmt"
)

const (
	tls10Version = 0x0301
	tls12Version = 0x0303
	tls13Version = 0x0304

	// Exported aliases for configuration
	VersionTLS12 uint16 = tls12Version
	VersionTLS13 uint16 = tls13Version
)

// RecordType is the content type of a TLS record.
type RecordType byte

const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeChangeCipherSpec:
		return "ChangeCipherSpec"
	case RecordTypeAlert:
		return "Alert"
	case RecordTypeHandshake:
		return "Handshake"
	case RecordTypeApplicationData:
		return "ApplicationData"
	}
	return fmt.Sprintf("Unknown(%d)", byte(rt))
}

// HandshakeType identifies a handshake message.
type HandshakeType byte

const (
	// Omitted: *_RESERVED
	HandshakeTypeHelloRequest        HandshakeType = 0
	HandshakeTypeClientHello         HandshakeType = 1
	HandshakeTypeServerHello         HandshakeType = 2
	HandshakeTypeNewSessionTicket    HandshakeType = 4
	HandshakeTypeEndOfEarlyData      HandshakeType = 5
	HandshakeTypeEncryptedExtensions HandshakeType = 8
	HandshakeTypeCertificate         HandshakeType = 11
	HandshakeTypeServerKeyExchange   HandshakeType = 12
	HandshakeTypeCertificateRequest  HandshakeType = 13
	HandshakeTypeServerHelloDone     HandshakeType = 14
	HandshakeTypeCertificateVerify   HandshakeType = 15
	HandshakeTypeClientKeyExchange   HandshakeType = 16
	HandshakeTypeFinished            HandshakeType = 20
	HandshakeTypeKeyUpdate           HandshakeType = 24
	HandshakeTypeMessageHash         HandshakeType = 254
)

var handshakeTypeNames = map[HandshakeType]string{
	HandshakeTypeHelloRequest:        "HelloRequest",
	HandshakeTypeClientHello:         "ClientHello",
	HandshakeTypeServerHello:         "ServerHello",
	HandshakeTypeNewSessionTicket:    "NewSessionTicket",
	HandshakeTypeEndOfEarlyData:      "EndOfEarlyData",
	HandshakeTypeEncryptedExtensions: "EncryptedExtensions",
	HandshakeTypeCertificate:         "Certificate",
	HandshakeTypeServerKeyExchange:   "ServerKeyExchange",
	HandshakeTypeCertificateRequest:  "CertificateRequest",
	HandshakeTypeServerHelloDone:     "ServerHelloDone",
	HandshakeTypeCertificateVerify:   "CertificateVerify",
	HandshakeTypeClientKeyExchange:   "ClientKeyExchange",
	HandshakeTypeFinished:            "Finished",
	HandshakeTypeKeyUpdate:           "KeyUpdate",
	HandshakeTypeMessageHash:         "MessageHash",
}

func (ht HandshakeType) String() string {
	if name, ok := handshakeTypeNames[ht]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", byte(ht))
}

// CipherSuite is the IANA code point of a cipher suite.
type CipherSuite uint16

const (
	// TLS 1.3
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
	TLS_AES_128_CCM_SHA256       CipherSuite = 0x1304
	TLS_AES_128_CCM_8_SHA256     CipherSuite = 0x1305

	// TLS 1.2
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       CipherSuite = 0xc02b
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384       CipherSuite = 0xc02c
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         CipherSuite = 0xc02f
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384         CipherSuite = 0xc030
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   CipherSuite = 0xcca8
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 CipherSuite = 0xcca9
)

func (cs CipherSuite) String() string {
	if params, ok := cipherSuiteMap[cs]; ok {
		return params.Name
	}
	return fmt.Sprintf("CipherSuite(0x%04x)", uint16(cs))
}

// NamedGroup is a key exchange group.
type NamedGroup uint16

const (
	P256   NamedGroup = 23
	P384   NamedGroup = 24
	X25519 NamedGroup = 29
)

// SignatureScheme is a TLS signature algorithm code point.
type SignatureScheme uint16

const (
	RSA_PKCS1_SHA256    SignatureScheme = 0x0401
	RSA_PKCS1_SHA384    SignatureScheme = 0x0501
	ECDSA_P256_SHA256   SignatureScheme = 0x0403
	ECDSA_P384_SHA384   SignatureScheme = 0x0503
	ECDSA_P521_SHA512   SignatureScheme = 0x0603
	RSA_PSS_RSAE_SHA256 SignatureScheme = 0x0804
	RSA_PSS_RSAE_SHA384 SignatureScheme = 0x0805
	RSA_PSS_RSAE_SHA512 SignatureScheme = 0x0806
	Ed25519             SignatureScheme = 0x0807
)

// ExtensionType identifies a hello extension.
type ExtensionType uint16

const (
	ExtensionTypeServerName           ExtensionType = 0
	ExtensionTypeSupportedGroups      ExtensionType = 10
	ExtensionTypeECPointFormats       ExtensionType = 11
	ExtensionTypeSignatureAlgorithms  ExtensionType = 13
	ExtensionTypeALPN                 ExtensionType = 16
	ExtensionTypeExtendedMasterSecret ExtensionType = 23
	ExtensionTypePreSharedKey         ExtensionType = 41
	ExtensionTypeEarlyData            ExtensionType = 42
	ExtensionTypeSupportedVersions    ExtensionType = 43
	ExtensionTypeCookie               ExtensionType = 44
	ExtensionTypePSKKeyExchangeModes  ExtensionType = 45
	ExtensionTypeKeyShare             ExtensionType = 51
)

// PSKKeyExchangeMode is a psk_key_exchange_modes entry.
type PSKKeyExchangeMode uint8

const (
	PSKModeKE    PSKKeyExchangeMode = 0
	PSKModeDHEKE PSKKeyExchangeMode = 1
)

// KeyUpdateRequest is the body of a KeyUpdate message.
type KeyUpdateRequest uint8

const (
	KeyUpdateNotRequested KeyUpdateRequest = 0
	KeyUpdateRequested    KeyUpdateRequest = 1
)

const (
	// Record payload limits
	maxFragmentLen   = 1 << 14              // max plaintext fragment
	maxCiphertextLen = maxFragmentLen + 256 // max protected payload
	recordHeaderLen  = 5                    // type(1) version(2) length(2)

	handshakeHeaderLen     = 4       // type(1) length(3)
	maxHandshakeMessageLen = 1 << 16 // bound on a single message body

	// Bound on the fragment joiner: one maximal message plus the start
	// of the next
	maxHandshakeBuffered = handshakeHeaderLen + maxHandshakeMessageLen + maxFragmentLen

	// Default early data budget when the server does not say otherwise
	defaultMaxEarlyDataSize = 1 << 14

	// Bound on the number of rejected early data bytes a server skips
	maxEarlyDataSkip = 1 << 20
)

// Sentinels carried in ServerHello.random
var (
	helloRetryRequestRandom = [32]byte{
		0xCF, 0x21, 0xAD, 0x74, 0xE5, 0x9A, 0x61, 0x11,
		0xBE, 0x1D, 0x8C, 0x02, 0x1E, 0x65, 0xB8, 0x91,
		0xC2, 0xA2, 0x11, 0x16, 0x7A, 0xBB, 0x8C, 0x5E,
		0x07, 0x9E, 0x09, 0xE2, 0xC8, 0xA8, 0x33, 0x9C,
	}

	downgradeTLS12 = []byte{0x44, 0x4F, 0x57, 0x4E, 0x47, 0x52, 0x44, 0x01}
)
