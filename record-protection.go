package unbuffered

import (
	"crypto/cipher"
	"encoding/binary"
	"math"
)

// cipherState protects one direction of one epoch.  A nil *cipherState
// is the null cipher used before keys are established.
type cipherState struct {
	version          uint16
	epoch            string
	aead             cipher.AEAD
	iv               []byte
	explicitNonceLen int
	seq              uint64
}

func newCipherState13(params CipherSuiteParams, secret []byte, epoch string) (*cipherState, error) {
	key, iv := trafficKeys(params, secret)
	aead, err := params.Cipher(key)
	if err != nil {
		return nil, err
	}

	logf(logTypeCrypto, "New %s keys: key=[%x] iv=[%x]", epoch, key, iv)
	return &cipherState{
		version: tls13Version,
		epoch:   epoch,
		aead:    aead,
		iv:      iv,
	}, nil
}

func newCipherState12(params CipherSuiteParams, key, iv []byte, epoch string) (*cipherState, error) {
	aead, err := params.Cipher(key)
	if err != nil {
		return nil, err
	}

	logf(logTypeCrypto, "New %s keys: key=[%x] iv=[%x]", epoch, key, iv)
	return &cipherState{
		version:          tls12Version,
		epoch:            epoch,
		aead:             aead,
		iv:               append([]byte{}, iv...),
		explicitNonceLen: params.ExplicitNonceLen,
	}, nil
}

// nonce builds the per-record nonce for the current sequence number.
func (cs *cipherState) nonce() []byte {
	if cs.explicitNonceLen > 0 {
		// fixed_iv || seq
		nonce := make([]byte, len(cs.iv)+cs.explicitNonceLen)
		copy(nonce, cs.iv)
		binary.BigEndian.PutUint64(nonce[len(cs.iv):], cs.seq)
		return nonce
	}

	nonce := append([]byte{}, cs.iv...)
	offset := len(nonce) - 8
	for i := 0; i < 8; i++ {
		nonce[offset+i] ^= byte(cs.seq >> uint(56-8*i))
	}
	return nonce
}

// payloadLen is the on-the-wire payload size of an n-octet fragment.
func (cs *cipherState) payloadLen(n int) int {
	switch {
	case cs == nil:
		return n
	case cs.version == tls13Version:
		return n + 1 + cs.aead.Overhead()
	default:
		return cs.explicitNonceLen + n + cs.aead.Overhead()
	}
}

func additionalData12(seq uint64, rt RecordType, version uint16, plaintextLen int) []byte {
	ad := make([]byte, 13)
	binary.BigEndian.PutUint64(ad, seq)
	ad[8] = byte(rt)
	binary.BigEndian.PutUint16(ad[9:], version)
	binary.BigEndian.PutUint16(ad[11:], uint16(plaintextLen))
	return ad
}

func putRecordHeader(hdr []byte, rt RecordType, version uint16, length int) {
	hdr[0] = byte(rt)
	binary.BigEndian.PutUint16(hdr[1:], version)
	binary.BigEndian.PutUint16(hdr[3:], uint16(length))
}

// seal writes a single record carrying plaintext to the front of out and
// returns its length.  The fragment is built and encrypted in place.
func (cs *cipherState) seal(out []byte, rt RecordType, recordVersion uint16, plaintext []byte) (int, error) {
	if len(plaintext) > maxFragmentLen {
		return 0, misbehaved(AlertInternalError, "fragment of %d bytes", len(plaintext))
	}

	payloadLen := cs.payloadLen(len(plaintext))
	total := recordHeaderLen + payloadLen
	if len(out) < total {
		return 0, &InsufficientSizeError{Required: total}
	}

	hdr := out[:recordHeaderLen]
	body := out[recordHeaderLen:total]

	if cs == nil {
		putRecordHeader(hdr, rt, recordVersion, payloadLen)
		copy(body, plaintext)
		return total, nil
	}

	if cs.seq == math.MaxUint64 {
		return 0, errSequenceExhausted
	}
	nonce := cs.nonce()

	switch cs.version {
	case tls13Version:
		putRecordHeader(hdr, RecordTypeApplicationData, tls12Version, payloadLen)
		inner := body[:len(plaintext)+1]
		copy(inner, plaintext)
		inner[len(plaintext)] = byte(rt)
		cs.aead.Seal(inner[:0], nonce, inner, hdr)

	default:
		putRecordHeader(hdr, rt, tls12Version, payloadLen)
		copy(body, nonce[len(nonce)-cs.explicitNonceLen:])
		data := body[cs.explicitNonceLen : cs.explicitNonceLen+len(plaintext)]
		copy(data, plaintext)
		ad := additionalData12(cs.seq, rt, tls12Version, len(plaintext))
		cs.aead.Seal(data[:0], nonce, data, ad)
	}

	logf(logTypeRecord, "Sealed %s record epoch=%s seq=%d len=%d", rt, cs.epoch, cs.seq, len(plaintext))
	cs.seq++
	return total, nil
}

// open decrypts payload in place and returns the real content type and
// plaintext, which aliases payload.
func (cs *cipherState) open(hdr, payload []byte) (RecordType, []byte, error) {
	rt := RecordType(hdr[0])
	if cs.seq == math.MaxUint64 {
		return 0, nil, errSequenceExhausted
	}

	var (
		plaintext []byte
		err       error
	)
	switch cs.version {
	case tls13Version:
		if len(payload) < cs.aead.Overhead()+1 {
			return 0, nil, ErrDecryptFailed
		}
		plaintext, err = cs.aead.Open(payload[:0], cs.nonce(), payload, hdr)
		if err != nil {
			return 0, nil, ErrDecryptFailed
		}

		// Strip padding, then the inner content type
		i := len(plaintext) - 1
		for i >= 0 && plaintext[i] == 0 {
			i--
		}
		if i < 0 {
			return 0, nil, misbehaved(AlertUnexpectedMessage, "protected record without content type")
		}
		rt = RecordType(plaintext[i])
		plaintext = plaintext[:i]

	default:
		overhead := cs.explicitNonceLen + cs.aead.Overhead()
		if len(payload) < overhead {
			return 0, nil, ErrDecryptFailed
		}

		nonce := cs.nonce()
		if cs.explicitNonceLen > 0 {
			copy(nonce[len(cs.iv):], payload[:cs.explicitNonceLen])
		}
		ad := additionalData12(cs.seq, rt, binary.BigEndian.Uint16(hdr[1:]), len(payload)-overhead)
		ciphertext := payload[cs.explicitNonceLen:]
		plaintext, err = cs.aead.Open(ciphertext[:0], nonce, ciphertext, ad)
		if err != nil {
			return 0, nil, ErrDecryptFailed
		}
	}

	if len(plaintext) > maxFragmentLen {
		return 0, nil, &RecordHeaderError{Alert: AlertRecordOverflow, Reason: "plaintext exceeds maximum fragment"}
	}

	logf(logTypeRecord, "Opened %s record epoch=%s seq=%d len=%d", rt, cs.epoch, cs.seq, len(plaintext))
	cs.seq++
	return rt, plaintext, nil
}
