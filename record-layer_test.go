package unbuffered

import (
	"bytes"
	"math"
	"testing"

	"github.com/pkg/errors"
)

const (
	plaintextHex = "1503010005F0F1F2F3F4"

	testSecretHex = "2faac08f851d35fea3604fcb4de82dc62c9b164a70974d0462e27f1ab278700f"
	testKeyHex    = "45c71e5819170d622a9f4e3a089a0beb"
	testIVHex     = "2b7fbbf689f240e3e7aa44a6"
)

var allRecordTypes = []RecordType{
	RecordTypeChangeCipherSpec,
	RecordTypeAlert,
	RecordTypeHandshake,
	RecordTypeApplicationData,
}

func TestDecodeRecord(t *testing.T) {
	plaintext := unhex(plaintextHex)

	// Test that a known-good frame decodes properly
	rec, n, err := decodeRecord(plaintext, allRecordTypes)
	assertNotError(t, err, "Failed to decode valid plaintext")
	assertEquals(t, n, len(plaintext))
	assertEquals(t, rec.contentType, RecordTypeAlert)
	assertEquals(t, rec.version, uint16(0x0301))
	assertByteEquals(t, rec.header, plaintext[:5])
	assertByteEquals(t, rec.payload, plaintext[5:])

	// The record aliases the input
	rec.payload[0] = 0
	assertEquals(t, plaintext[5], byte(0))
	plaintext = unhex(plaintextHex)

	// Every proper prefix is incomplete, not an error
	for i := 0; i < len(plaintext); i++ {
		rec, n, err = decodeRecord(plaintext[:i], allRecordTypes)
		assertNotError(t, err, "Error on a partial record")
		assert(t, rec == nil, "Decoded a partial record")
		assertEquals(t, n, 0)
	}

	// Only the first of two records is taken
	two := append(append([]byte{}, plaintext...), plaintext...)
	_, n, err = decodeRecord(two, allRecordTypes)
	assertNotError(t, err, "Failed to decode the first of two records")
	assertEquals(t, n, len(plaintext))

	// Trailing garbage is left alone
	_, n, err = decodeRecord(append(plaintext, 0xff), allRecordTypes)
	assertNotError(t, err, "Trailing byte affected the first record")
	assertEquals(t, n, len(plaintext))
}

func TestDecodeRecordErrors(t *testing.T) {
	plaintext := unhex(plaintextHex)

	// Unexpected content type, with and without the whole record
	_, n, err := decodeRecord(plaintext, []RecordType{RecordTypeHandshake})
	var inapp *InappropriateMessageError
	assert(t, errors.As(err, &inapp), "Accepted an unexpected content type")
	assertEquals(t, inapp.Got, RecordTypeAlert)
	assertDeepEquals(t, inapp.Expect, []RecordType{RecordTypeHandshake})
	assertEquals(t, n, len(plaintext))

	_, n, err = decodeRecord(plaintext[:1], []RecordType{RecordTypeHandshake})
	assertError(t, err, "Accepted an unexpected content type in a partial record")
	assertEquals(t, n, 1)

	// The type is checked as soon as the first byte arrives
	_, _, err = decodeRecord([]byte{0x42}, allRecordTypes)
	assert(t, errors.As(err, &inapp), "Accepted an unknown content type")
	assertEquals(t, alertForError(err), AlertUnexpectedMessage)

	// Bad version
	_, _, err = decodeRecord(unhex("1504010005F0F1F2F3F4"), allRecordTypes)
	var header *RecordHeaderError
	assert(t, errors.As(err, &header), "Accepted a bad record version")
	assertEquals(t, header.Alert, AlertDecodeError)

	// Oversize, noticed before the body arrives
	_, n, err = decodeRecord(unhex("1703034101"), allRecordTypes)
	assert(t, errors.As(err, &header), "Accepted an oversize record")
	assertEquals(t, header.Alert, AlertRecordOverflow)
	assertEquals(t, n, 5)

	// The largest legal ciphertext is fine
	_, _, err = decodeRecord(unhex("1703034100"), allRecordTypes)
	assertNotError(t, err, "Rejected a maximum-size record header")
}

func newTestCipherStates(t *testing.T, suite CipherSuite) (writer, reader *cipherState) {
	params := cipherSuiteMap[suite]
	var err error

	if params.Version == tls13Version {
		secret := bytes.Repeat(unhex(testSecretHex), 2)[:params.Hash.Size()]
		writer, err = newCipherState13(params, secret, "test")
		assertNotError(t, err, "Failed to create 1.3 writer")
		reader, err = newCipherState13(params, secret, "test")
		assertNotError(t, err, "Failed to create 1.3 reader")
		return writer, reader
	}

	key := bytes.Repeat(unhex(testKeyHex), 2)[:params.KeyLen]
	iv := bytes.Repeat(unhex(testIVHex), 2)[:params.IvLen]
	writer, err = newCipherState12(params, key, iv, "test")
	assertNotError(t, err, "Failed to create 1.2 writer")
	reader, err = newCipherState12(params, key, iv, "test")
	assertNotError(t, err, "Failed to create 1.2 reader")
	return writer, reader
}

func sealAndOpen(t *testing.T, writer, reader *cipherState, rt RecordType, data []byte) {
	t.Helper()

	buf := make([]byte, protectedSize(writer, len(data)))
	n, err := writer.seal(buf, rt, tls12Version, data)
	assertNotError(t, err, "Failed to seal")
	assertEquals(t, n, len(buf))

	rec, _, err := decodeRecord(buf, allRecordTypes)
	assertNotError(t, err, "Failed to decode a sealed record")
	if writer.version == tls13Version {
		assertEquals(t, rec.contentType, RecordTypeApplicationData)
	} else {
		assertEquals(t, rec.contentType, rt)
	}

	gotType, plaintext, err := reader.open(rec.header, rec.payload)
	assertNotError(t, err, "Failed to open")
	assertEquals(t, gotType, rt)
	assertByteEquals(t, plaintext, data)
}

func TestRecordProtection(t *testing.T) {
	suites := []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
		TLS_AES_128_CCM_SHA256,
		TLS_AES_128_CCM_8_SHA256,
		TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}

	for _, suite := range suites {
		writer, reader := newTestCipherStates(t, suite)

		sealAndOpen(t, writer, reader, RecordTypeApplicationData, []byte("application data"))
		sealAndOpen(t, writer, reader, RecordTypeHandshake, unhex("14000004deadbeef"))
		sealAndOpen(t, writer, reader, RecordTypeAlert, AlertCloseNotify.payload())
		sealAndOpen(t, writer, reader, RecordTypeApplicationData, bytes.Repeat([]byte{0xa5}, maxFragmentLen))
		assertEquals(t, writer.seq, uint64(4))
		assertEquals(t, reader.seq, uint64(4))

		// Out-of-order records fail
		first := make([]byte, protectedSize(writer, 4))
		second := make([]byte, protectedSize(writer, 4))
		_, err := writer.seal(first, RecordTypeApplicationData, tls12Version, []byte("one!"))
		assertNotError(t, err, "Failed to seal")
		_, err = writer.seal(second, RecordTypeApplicationData, tls12Version, []byte("two!"))
		assertNotError(t, err, "Failed to seal")
		_, _, err = reader.open(second[:recordHeaderLen], second[recordHeaderLen:])
		assertEquals(t, err, ErrDecryptFailed)
	}
}

func TestRecordProtectionTamper(t *testing.T) {
	for _, suite := range []CipherSuite{TLS_AES_128_GCM_SHA256, TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256} {
		writer, _ := newTestCipherStates(t, suite)
		data := []byte("do not touch")
		sealed := make([]byte, protectedSize(writer, len(data)))
		_, err := writer.seal(sealed, RecordTypeApplicationData, tls12Version, data)
		assertNotError(t, err, "Failed to seal")

		// Any flipped bit, header included, breaks authentication
		for _, pos := range []int{2, recordHeaderLen, len(sealed) - 1} {
			_, reader := newTestCipherStates(t, suite)
			tampered := append([]byte{}, sealed...)
			tampered[pos] ^= 0x80
			_, _, err := reader.open(tampered[:recordHeaderLen], tampered[recordHeaderLen:])
			assertEquals(t, err, ErrDecryptFailed)
			assertEquals(t, reader.seq, uint64(0))
		}

		// Too short to hold even the tag
		_, reader := newTestCipherStates(t, suite)
		_, _, err = reader.open(sealed[:recordHeaderLen], sealed[recordHeaderLen:recordHeaderLen+4])
		assertEquals(t, err, ErrDecryptFailed)
	}
}

func TestRecordPadding13(t *testing.T) {
	writer, reader := newTestCipherStates(t, TLS_AES_128_GCM_SHA256)

	// Inner plaintext: data, content type, then zero padding
	inner := append([]byte("padded"), byte(RecordTypeApplicationData), 0, 0, 0, 0)
	payloadLen := len(inner) + writer.aead.Overhead()
	record := make([]byte, recordHeaderLen, recordHeaderLen+payloadLen)
	putRecordHeader(record, RecordTypeApplicationData, tls12Version, payloadLen)
	record = writer.aead.Seal(record, writer.nonce(), inner, record[:recordHeaderLen])

	rt, plaintext, err := reader.open(record[:recordHeaderLen], record[recordHeaderLen:])
	assertNotError(t, err, "Failed to open a padded record")
	assertEquals(t, rt, RecordTypeApplicationData)
	assertByteEquals(t, plaintext, []byte("padded"))

	// All padding, no content type
	writer, reader = newTestCipherStates(t, TLS_AES_128_GCM_SHA256)
	inner = []byte{0, 0, 0}
	payloadLen = len(inner) + writer.aead.Overhead()
	record = make([]byte, recordHeaderLen, recordHeaderLen+payloadLen)
	putRecordHeader(record, RecordTypeApplicationData, tls12Version, payloadLen)
	record = writer.aead.Seal(record, writer.nonce(), inner, record[:recordHeaderLen])

	_, _, err = reader.open(record[:recordHeaderLen], record[recordHeaderLen:])
	assertEquals(t, alertForError(err), AlertUnexpectedMessage)
}

func TestSealInsufficientSize(t *testing.T) {
	writer, reader := newTestCipherStates(t, TLS_AES_128_GCM_SHA256)
	data := []byte("sized")
	required := protectedSize(writer, len(data))
	assertEquals(t, required, recordHeaderLen+len(data)+1+16)

	_, err := writer.seal(make([]byte, required-1), RecordTypeApplicationData, tls12Version, data)
	var short *InsufficientSizeError
	assert(t, errors.As(err, &short), "Sealed into a short buffer")
	assertEquals(t, short.Required, required)
	assertEquals(t, writer.seq, uint64(0))

	sealAndOpen(t, writer, reader, RecordTypeApplicationData, data)
}

func TestSequenceNumberExhausted(t *testing.T) {
	writer, reader := newTestCipherStates(t, TLS_CHACHA20_POLY1305_SHA256)
	writer.seq = math.MaxUint64
	reader.seq = math.MaxUint64

	_, err := writer.seal(make([]byte, 64), RecordTypeApplicationData, tls12Version, []byte("x"))
	assertEquals(t, err, errSequenceExhausted)
	_, _, err = reader.open(make([]byte, recordHeaderLen), make([]byte, 32))
	assertEquals(t, err, errSequenceExhausted)
}

func TestNonce(t *testing.T) {
	// TLS 1.3: the sequence number is XORed into the IV
	cs := &cipherState{version: tls13Version, iv: unhex(testIVHex), seq: 0x0102}
	assertByteEquals(t, cs.nonce(), unhex("2b7fbbf689f240e3e7aa45a4"))

	// TLS 1.2 GCM: fixed IV followed by the explicit sequence number
	cs = &cipherState{version: tls12Version, iv: unhex("01020304"), explicitNonceLen: 8, seq: 7}
	assertByteEquals(t, cs.nonce(), unhex("010203040000000000000007"))
}

func TestWriteProtected(t *testing.T) {
	// Plaintext records need no keys
	out := make([]byte, 64)
	n, err := writeProtected(nil, RecordTypeAlert, tls12Version, unhex("0228"), out)
	assertNotError(t, err, "Failed to write a plaintext record")
	assertByteEquals(t, out[:n], unhex("15030300020228"))

	// Large writes are fragmented
	writer, reader := newTestCipherStates(t, TLS_AES_128_GCM_SHA256)
	data := bytes.Repeat([]byte{0x3c}, 2*maxFragmentLen+1)
	required := protectedSize(writer, len(data))
	assertEquals(t, required, 3*(recordHeaderLen+1+16)+len(data))

	_, err = writeProtected(writer, RecordTypeApplicationData, tls12Version, data, make([]byte, required-1))
	var short *InsufficientSizeError
	assert(t, errors.As(err, &short), "Wrote into a short buffer")
	assertEquals(t, writer.seq, uint64(0))

	out = make([]byte, required)
	n, err = writeProtected(writer, RecordTypeApplicationData, tls12Version, data, out)
	assertNotError(t, err, "Failed to write fragmented data")
	assertEquals(t, n, required)
	assertEquals(t, writer.seq, uint64(3))

	received := []byte{}
	for len(out) > 0 {
		rec, n, err := decodeRecord(out, allRecordTypes)
		assertNotError(t, err, "Failed to decode a fragment")
		_, plaintext, err := reader.open(rec.header, rec.payload)
		assertNotError(t, err, "Failed to open a fragment")
		assert(t, len(plaintext) <= maxFragmentLen, "Fragment too large")
		received = append(received, plaintext...)
		out = out[n:]
	}
	assertByteEquals(t, received, data)
}
