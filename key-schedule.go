package unbuffered

import (
	"crypto"
	"crypto/subtle"
)

// TLS 1.3 key schedule labels
const (
	labelResumptionBinderKey            = "res binder"
	labelEarlyTrafficSecret             = "c e traffic"
	labelClientHandshakeTrafficSecret   = "c hs traffic"
	labelServerHandshakeTrafficSecret   = "s hs traffic"
	labelClientApplicationTrafficSecret = "c ap traffic"
	labelServerApplicationTrafficSecret = "s ap traffic"
	labelExporterSecret                 = "exp master"
	labelResumptionSecret               = "res master"
	labelDerived                        = "derived"
	labelFinished                       = "finished"
	labelResumption                     = "resumption"
	labelKeyUpdate                      = "traffic upd"
	labelExporter                       = "exporter"
	labelKey                            = "key"
	labelIV                             = "iv"
)

// TLS 1.2 PRF labels
const (
	labelMasterSecret         = "master secret"
	labelExtendedMasterSecret = "extended master secret"
	labelKeyExpansion         = "key expansion"
	labelClientFinished       = "client finished"
	labelServerFinished       = "server finished"

	masterSecretLen12 = 48
	finishedLen12     = 12
)

// keySchedule13 walks the TLS 1.3 secret chain.  Each stage is entered
// exactly once.
type keySchedule13 struct {
	params          CipherSuiteParams
	earlySecret     []byte
	handshakeSecret []byte
	masterSecret    []byte
}

// newKeySchedule13 computes the early secret.  A nil psk means no PSK.
func newKeySchedule13(params CipherSuiteParams, psk []byte) *keySchedule13 {
	return &keySchedule13{
		params:      params,
		earlySecret: hkdfExtract(params.Hash, nil, psk),
	}
}

func (ks *keySchedule13) derive(secret []byte, label string, transcriptHash []byte) []byte {
	return deriveSecret(ks.params.Hash, secret, label, transcriptHash)
}

func (ks *keySchedule13) binderKey() []byte {
	return ks.derive(ks.earlySecret, labelResumptionBinderKey, emptyHash(ks.params.Hash))
}

func (ks *keySchedule13) earlyTrafficSecret(clientHelloHash []byte) []byte {
	return ks.derive(ks.earlySecret, labelEarlyTrafficSecret, clientHelloHash)
}

// enterHandshake mixes in the (EC)DHE shared secret.
func (ks *keySchedule13) enterHandshake(dhSecret []byte) {
	derived := ks.derive(ks.earlySecret, labelDerived, emptyHash(ks.params.Hash))
	ks.handshakeSecret = hkdfExtract(ks.params.Hash, derived, dhSecret)
}

func (ks *keySchedule13) handshakeTrafficSecrets(helloHash []byte) (client, server []byte) {
	client = ks.derive(ks.handshakeSecret, labelClientHandshakeTrafficSecret, helloHash)
	server = ks.derive(ks.handshakeSecret, labelServerHandshakeTrafficSecret, helloHash)
	return
}

func (ks *keySchedule13) enterMaster() {
	derived := ks.derive(ks.handshakeSecret, labelDerived, emptyHash(ks.params.Hash))
	ks.masterSecret = hkdfExtract(ks.params.Hash, derived, nil)
}

func (ks *keySchedule13) applicationTrafficSecrets(serverFinishedHash []byte) (client, server []byte) {
	client = ks.derive(ks.masterSecret, labelClientApplicationTrafficSecret, serverFinishedHash)
	server = ks.derive(ks.masterSecret, labelServerApplicationTrafficSecret, serverFinishedHash)
	return
}

func (ks *keySchedule13) exporterSecret(serverFinishedHash []byte) []byte {
	return ks.derive(ks.masterSecret, labelExporterSecret, serverFinishedHash)
}

func (ks *keySchedule13) resumptionSecret(clientFinishedHash []byte) []byte {
	return ks.derive(ks.masterSecret, labelResumptionSecret, clientFinishedHash)
}

func computeFinishedData(params CipherSuiteParams, baseKey []byte, transcriptHash []byte) []byte {
	finishedKey := hkdfExpandLabel(params.Hash, baseKey, labelFinished, []byte{}, params.Hash.Size())
	return hmacSum(params.Hash, finishedKey, transcriptHash)
}

func verifyFinishedData(expected, received []byte) error {
	if subtle.ConstantTimeCompare(expected, received) != 1 {
		return misbehaved(AlertDecryptError, "Finished verify_data mismatch")
	}
	return nil
}

func nextTrafficSecret(params CipherSuiteParams, secret []byte) []byte {
	return hkdfExpandLabel(params.Hash, secret, labelKeyUpdate, []byte{}, params.Hash.Size())
}

func resumptionPSK(params CipherSuiteParams, resumptionSecret, nonce []byte) []byte {
	return hkdfExpandLabel(params.Hash, resumptionSecret, labelResumption, nonce, params.Hash.Size())
}

func trafficKeys(params CipherSuiteParams, secret []byte) (key, iv []byte) {
	key = hkdfExpandLabel(params.Hash, secret, labelKey, []byte{}, params.KeyLen)
	iv = hkdfExpandLabel(params.Hash, secret, labelIV, []byte{}, params.IvLen)
	return
}

func exportKeyingMaterial(params CipherSuiteParams, exporterSecret []byte, label string, context []byte, length int) []byte {
	hash := params.Hash
	secret := deriveSecret(hash, exporterSecret, label, emptyHash(hash))
	return hkdfExpandLabel(hash, secret, labelExporter, digestFor(hash, context), length)
}

///// TLS 1.2

// prf12 is P_hash from RFC 5246, section 5.
func prf12(hash crypto.Hash, secret []byte, label string, seed []byte, outLen int) []byte {
	labelSeed := append([]byte(label), seed...)

	out := make([]byte, 0, outLen+hash.Size())
	a := labelSeed
	for len(out) < outLen {
		a = hmacSum(hash, secret, a)
		out = append(out, hmacSum(hash, secret, a, labelSeed)...)
	}
	return out[:outLen]
}

// masterSecret12 derives the TLS 1.2 master secret.  With extended master
// secret, sessionHash covers the transcript through ClientKeyExchange.
func masterSecret12(params CipherSuiteParams, preMaster, clientRandom, serverRandom, sessionHash []byte, extended bool) []byte {
	if extended {
		return prf12(params.Hash, preMaster, labelExtendedMasterSecret, sessionHash, masterSecretLen12)
	}

	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return prf12(params.Hash, preMaster, labelMasterSecret, seed, masterSecretLen12)
}

type keyBlock12 struct {
	clientKey, serverKey []byte
	clientIV, serverIV   []byte
}

func deriveKeyBlock12(params CipherSuiteParams, master, clientRandom, serverRandom []byte) keyBlock12 {
	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	n := 2*params.KeyLen + 2*params.IvLen
	block := prf12(params.Hash, master, labelKeyExpansion, seed, n)

	kb := keyBlock12{}
	kb.clientKey, block = block[:params.KeyLen], block[params.KeyLen:]
	kb.serverKey, block = block[:params.KeyLen], block[params.KeyLen:]
	kb.clientIV, block = block[:params.IvLen], block[params.IvLen:]
	kb.serverIV = block[:params.IvLen]
	return kb
}

func finishedData12(params CipherSuiteParams, master []byte, label string, transcriptHash []byte) []byte {
	return prf12(params.Hash, master, label, transcriptHash, finishedLen12)
}
