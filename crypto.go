package unbuffered

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"time"

	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bifurcation/unbuffered/ccm"
)

var prng = rand.Reader

type aeadFactory func(key []byte) (cipher.AEAD, error)

// authKind is the server credential a TLS 1.2 suite requires.
type authKind uint8

const (
	authNone authKind = iota // TLS 1.3 suites
	authECDSA
	authRSA
)

// CipherSuiteParams describes the record protection and hash of a suite.
type CipherSuiteParams struct {
	Suite            CipherSuite
	Name             string
	Version          uint16      // Protocol version the suite belongs to
	Hash             crypto.Hash // Hash function
	KeyLen           int         // Key length in octets
	IvLen            int         // Implicit IV length in octets
	ExplicitNonceLen int         // Per-record nonce carried on the wire (TLS 1.2)
	auth             authKind
	Cipher           aeadFactory
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "unbuffered: creating AES block")
	}
	return cipher.NewGCM(block)
}

func newAESCCM(key []byte) (cipher.AEAD, error) {
	return ccm.NewAESCCM(key, 16)
}

func newAESCCM8(key []byte) (cipher.AEAD, error) {
	return ccm.NewAESCCM(key, 8)
}

var cipherSuiteMap = map[CipherSuite]CipherSuiteParams{
	TLS_AES_128_GCM_SHA256: {
		Name: "TLS_AES_128_GCM_SHA256", Version: tls13Version,
		Hash: crypto.SHA256, KeyLen: 16, IvLen: 12, Cipher: newAESGCM,
	},
	TLS_AES_256_GCM_SHA384: {
		Name: "TLS_AES_256_GCM_SHA384", Version: tls13Version,
		Hash: crypto.SHA384, KeyLen: 32, IvLen: 12, Cipher: newAESGCM,
	},
	TLS_CHACHA20_POLY1305_SHA256: {
		Name: "TLS_CHACHA20_POLY1305_SHA256", Version: tls13Version,
		Hash: crypto.SHA256, KeyLen: 32, IvLen: 12, Cipher: chacha20poly1305.New,
	},
	TLS_AES_128_CCM_SHA256: {
		Name: "TLS_AES_128_CCM_SHA256", Version: tls13Version,
		Hash: crypto.SHA256, KeyLen: 16, IvLen: 12, Cipher: newAESCCM,
	},
	TLS_AES_128_CCM_8_SHA256: {
		Name: "TLS_AES_128_CCM_8_SHA256", Version: tls13Version,
		Hash: crypto.SHA256, KeyLen: 16, IvLen: 12, Cipher: newAESCCM8,
	},

	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256: {
		Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", Version: tls12Version,
		Hash: crypto.SHA256, KeyLen: 16, IvLen: 4, ExplicitNonceLen: 8,
		auth: authECDSA, Cipher: newAESGCM,
	},
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384: {
		Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", Version: tls12Version,
		Hash: crypto.SHA384, KeyLen: 32, IvLen: 4, ExplicitNonceLen: 8,
		auth: authECDSA, Cipher: newAESGCM,
	},
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256: {
		Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", Version: tls12Version,
		Hash: crypto.SHA256, KeyLen: 16, IvLen: 4, ExplicitNonceLen: 8,
		auth: authRSA, Cipher: newAESGCM,
	},
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384: {
		Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", Version: tls12Version,
		Hash: crypto.SHA384, KeyLen: 32, IvLen: 4, ExplicitNonceLen: 8,
		auth: authRSA, Cipher: newAESGCM,
	},
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256: {
		Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", Version: tls12Version,
		Hash: crypto.SHA256, KeyLen: 32, IvLen: 12,
		auth: authECDSA, Cipher: chacha20poly1305.New,
	},
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256: {
		Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", Version: tls12Version,
		Hash: crypto.SHA256, KeyLen: 32, IvLen: 12,
		auth: authRSA, Cipher: chacha20poly1305.New,
	},
}

func init() {
	for suite, params := range cipherSuiteMap {
		params.Suite = suite
		cipherSuiteMap[suite] = params
	}
}

///// Key exchange

func ecdhCurve(group NamedGroup) ecdh.Curve {
	switch group {
	case P256:
		return ecdh.P256()
	case P384:
		return ecdh.P384()
	}
	return nil
}

func newKeyShare(group NamedGroup) (pub []byte, priv []byte, err error) {
	switch group {
	case X25519:
		priv = make([]byte, curve25519.ScalarSize)
		if _, err = io.ReadFull(prng, priv); err != nil {
			return nil, nil, errors.Wrap(err, "unbuffered: generating X25519 key")
		}
		pub, err = curve25519.X25519(priv, curve25519.Basepoint)
		return pub, priv, err

	case P256, P384:
		key, err := ecdhCurve(group).GenerateKey(prng)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unbuffered: generating ECDH key")
		}
		return key.PublicKey().Bytes(), key.Bytes(), nil
	}

	return nil, nil, errors.Errorf("unbuffered: unsupported group %d", group)
}

func keyAgreement(group NamedGroup, pub []byte, priv []byte) ([]byte, error) {
	switch group {
	case X25519:
		if len(pub) != curve25519.PointSize {
			return nil, misbehaved(AlertIllegalParameter, "X25519 share of length %d", len(pub))
		}
		shared, err := curve25519.X25519(priv, pub)
		if err != nil {
			return nil, misbehaved(AlertIllegalParameter, "X25519: %v", err)
		}
		return shared, nil

	case P256, P384:
		curve := ecdhCurve(group)
		key, err := curve.NewPrivateKey(priv)
		if err != nil {
			return nil, errors.Wrap(err, "unbuffered: loading ECDH key")
		}
		peer, err := curve.NewPublicKey(pub)
		if err != nil {
			return nil, misbehaved(AlertIllegalParameter, "invalid ECDH share: %v", err)
		}
		return key.ECDH(peer)
	}

	return nil, errors.Errorf("unbuffered: unsupported group %d", group)
}

///// Signatures

type signatureAlgorithm uint8

const (
	signatureAlgorithmECDSA signatureAlgorithm = iota + 1
	signatureAlgorithmRSAPKCS1
	signatureAlgorithmRSAPSS
	signatureAlgorithmEd25519
)

type signatureParams struct {
	alg   signatureAlgorithm
	hash  crypto.Hash
	curve elliptic.Curve
}

var signatureSchemeMap = map[SignatureScheme]signatureParams{
	ECDSA_P256_SHA256:   {signatureAlgorithmECDSA, crypto.SHA256, elliptic.P256()},
	ECDSA_P384_SHA384:   {signatureAlgorithmECDSA, crypto.SHA384, elliptic.P384()},
	ECDSA_P521_SHA512:   {signatureAlgorithmECDSA, crypto.SHA512, elliptic.P521()},
	RSA_PKCS1_SHA256:    {signatureAlgorithmRSAPKCS1, crypto.SHA256, nil},
	RSA_PKCS1_SHA384:    {signatureAlgorithmRSAPKCS1, crypto.SHA384, nil},
	RSA_PSS_RSAE_SHA256: {signatureAlgorithmRSAPSS, crypto.SHA256, nil},
	RSA_PSS_RSAE_SHA384: {signatureAlgorithmRSAPSS, crypto.SHA384, nil},
	RSA_PSS_RSAE_SHA512: {signatureAlgorithmRSAPSS, crypto.SHA512, nil},
	Ed25519:             {signatureAlgorithmEd25519, 0, nil},
}

// schemeValidForKey reports whether scheme can be used with pub in the
// given protocol version.
func schemeValidForKey(version uint16, scheme SignatureScheme, pub crypto.PublicKey) bool {
	params, ok := signatureSchemeMap[scheme]
	if !ok {
		return false
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return params.alg == signatureAlgorithmECDSA && key.Curve == params.curve
	case *rsa.PublicKey:
		if params.alg == signatureAlgorithmRSAPKCS1 {
			return version == tls12Version
		}
		return params.alg == signatureAlgorithmRSAPSS
	case ed25519.PublicKey:
		return params.alg == signatureAlgorithmEd25519
	}
	return false
}

// chooseSignatureScheme picks the first of our schemes that the peer
// offered and that fits the key.
func chooseSignatureScheme(version uint16, signer crypto.Signer, ours, peer []SignatureScheme) (SignatureScheme, error) {
	for _, scheme := range ours {
		if !schemeValidForKey(version, scheme, signer.Public()) {
			continue
		}
		for _, offered := range peer {
			if offered == scheme {
				return scheme, nil
			}
		}
	}
	return 0, misbehaved(AlertHandshakeFailure, "no signature scheme in common")
}

func digestFor(hash crypto.Hash, data []byte) []byte {
	if hash == 0 {
		return data
	}
	h := hash.New()
	h.Write(data)
	return h.Sum(nil)
}

func sign(scheme SignatureScheme, signer crypto.Signer, data []byte) ([]byte, error) {
	params, ok := signatureSchemeMap[scheme]
	if !ok {
		return nil, errors.Errorf("unbuffered: unsupported signature scheme %04x", uint16(scheme))
	}

	var opts crypto.SignerOpts = params.hash
	if params.alg == signatureAlgorithmRSAPSS {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: params.hash}
	}

	sig, err := signer.Sign(prng, digestFor(params.hash, data), opts)
	return sig, errors.Wrap(err, "unbuffered: signing")
}

func verify(scheme SignatureScheme, pub crypto.PublicKey, data []byte, sig []byte) error {
	params, ok := signatureSchemeMap[scheme]
	if !ok {
		return misbehaved(AlertIllegalParameter, "unsupported signature scheme %04x", uint16(scheme))
	}

	digest := digestFor(params.hash, data)
	valid := false
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		valid = params.alg == signatureAlgorithmECDSA && ecdsa.VerifyASN1(key, digest, sig)
	case *rsa.PublicKey:
		switch params.alg {
		case signatureAlgorithmRSAPSS:
			opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: params.hash}
			valid = rsa.VerifyPSS(key, params.hash, digest, sig, opts) == nil
		case signatureAlgorithmRSAPKCS1:
			valid = rsa.VerifyPKCS1v15(key, params.hash, digest, sig) == nil
		}
	case ed25519.PublicKey:
		valid = params.alg == signatureAlgorithmEd25519 && ed25519.Verify(key, data, sig)
	default:
		return misbehaved(AlertUnsupportedCertificate, "unsupported public key type %T", pub)
	}

	if !valid {
		return misbehaved(AlertDecryptError, "signature verification failed")
	}
	return nil
}

const (
	contextServerCertificateVerify = "TLS 1.3, server CertificateVerify"
)

// certificateVerifyInput is the content covered by a TLS 1.3
// CertificateVerify signature.
func certificateVerifyInput(context string, transcriptHash []byte) []byte {
	input := make([]byte, 0, 64+len(context)+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		input = append(input, 0x20)
	}
	input = append(input, context...)
	input = append(input, 0x00)
	return append(input, transcriptHash...)
}

///// HKDF

func hkdfExtract(hash crypto.Hash, salt, input []byte) []byte {
	if input == nil {
		input = make([]byte, hash.Size())
	}
	return hkdf.Extract(hash.New, input, salt)
}

func hkdfExpand(hash crypto.Hash, prk, info []byte, outLen int) []byte {
	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.Expand(hash.New, prk, info), out); err != nil {
		panic(errors.Wrap(err, "unbuffered: HKDF output too long"))
	}
	return out
}

const labelPrefix = "tls13 "

func hkdfEncodeLabel(label string, context []byte, outLen int) []byte {
	fullLabel := labelPrefix + label
	info := make([]byte, 0, 4+len(fullLabel)+len(context))
	info = append(info, byte(outLen>>8), byte(outLen), byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, byte(len(context)))
	return append(info, context...)
}

func hkdfExpandLabel(hash crypto.Hash, secret []byte, label string, context []byte, outLen int) []byte {
	info := hkdfEncodeLabel(label, context, outLen)
	derived := hkdfExpand(hash, secret, info, outLen)

	logf(logTypeCrypto, "HKDF Expand: label=[%s] => [%x]", labelPrefix+label, derived)
	return derived
}

func deriveSecret(hash crypto.Hash, secret []byte, label string, transcriptHash []byte) []byte {
	return hkdfExpandLabel(hash, secret, label, transcriptHash, hash.Size())
}

func emptyHash(hash crypto.Hash) []byte {
	return hash.New().Sum(nil)
}

func hmacSum(hash crypto.Hash, key []byte, data ...[]byte) []byte {
	mac := hmac.New(hash.New, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

///// Credentials

const defaultRSAKeySize = 2048

func newSigningKey(scheme SignatureScheme) (crypto.Signer, error) {
	params, ok := signatureSchemeMap[scheme]
	if !ok {
		return nil, errors.Errorf("unbuffered: unsupported signature scheme %04x", uint16(scheme))
	}

	switch params.alg {
	case signatureAlgorithmECDSA:
		return ecdsa.GenerateKey(params.curve, prng)
	case signatureAlgorithmRSAPSS, signatureAlgorithmRSAPKCS1:
		return rsa.GenerateKey(prng, defaultRSAKeySize)
	case signatureAlgorithmEd25519:
		_, priv, err := ed25519.GenerateKey(prng)
		return priv, err
	}
	return nil, errors.New("unbuffered: unsupported signature algorithm")
}

func newSelfSigned(name string, priv crypto.Signer) (*x509.Certificate, error) {
	serial, err := rand.Int(prng, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if ip := net.ParseIP(name); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{name}
	}

	der, err := x509.CreateCertificate(prng, template, template, priv.Public(), priv)
	if err != nil {
		return nil, errors.Wrap(err, "unbuffered: creating certificate")
	}
	return x509.ParseCertificate(der)
}

// NewSelfSignedCertificate generates a key for scheme and a self-signed
// certificate for name.
func NewSelfSignedCertificate(name string, scheme SignatureScheme) (*Certificate, error) {
	priv, err := newSigningKey(scheme)
	if err != nil {
		return nil, err
	}

	cert, err := newSelfSigned(name, priv)
	if err != nil {
		return nil, err
	}

	return &Certificate{
		Chain:      []*x509.Certificate{cert},
		PrivateKey: priv,
	}, nil
}
