// Package ccm implements the Counter with CBC-MAC AEAD mode (RFC 3610,
// NIST SP 800-38C) used by the TLS_AES_128_CCM suites.
package ccm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"github.com/pkg/errors"
)

// Cf. https://gist.github.com/hirochachacha/abb76ff71573dea2ef42

const blockSize = 16

var errOpen = errors.New("ccm: message authentication failed")

// cbcMAC is a running CBC-MAC over a block cipher.
type cbcMAC struct {
	ci []byte
	p  int
	c  cipher.Block
}

func newCBCMAC(c cipher.Block) *cbcMAC {
	return &cbcMAC{
		c:  c,
		ci: make([]byte, blockSize),
	}
}

func (m *cbcMAC) reset() {
	for i := range m.ci {
		m.ci[i] = 0
	}
	m.p = 0
}

func (m *cbcMAC) write(p []byte) {
	for _, c := range p {
		if m.p >= len(m.ci) {
			m.c.Encrypt(m.ci, m.ci)
			m.p = 0
		}
		m.ci[m.p] ^= c
		m.p++
	}
}

// padZero completes the current block as if it were zero-padded.
func (m *cbcMAC) padZero() {
	if m.p != 0 {
		m.c.Encrypt(m.ci, m.ci)
		m.p = 0
	}
}

func (m *cbcMAC) sum() []byte {
	m.padZero()
	out := make([]byte, len(m.ci))
	copy(out, m.ci)
	return out
}

type ccm struct {
	c                cipher.Block
	mac              *cbcMAC
	nonceSize        int
	tagSize          int
	maxPlaintextSize uint64
}

// NewCCM wraps a 128-bit block cipher in CCM mode with the given nonce and
// tag sizes.
func NewCCM(c cipher.Block, nonceSize, tagSize int) (cipher.AEAD, error) {
	if c.BlockSize() != blockSize {
		return nil, errors.New("ccm: requires a 128-bit block cipher")
	}

	if nonceSize < 7 || nonceSize > 13 {
		return nil, errors.Errorf("ccm: invalid nonce size %d", nonceSize)
	}

	if tagSize < 4 || tagSize > 16 || tagSize&1 != 0 {
		return nil, errors.Errorf("ccm: invalid tag size %d", tagSize)
	}

	return &ccm{
		c:                c,
		mac:              newCBCMAC(c),
		nonceSize:        nonceSize,
		tagSize:          tagSize,
		maxPlaintextSize: maxUvarint(15 - nonceSize),
	}, nil
}

// NewAESCCM returns the AES-CCM AEAD used by TLS: a 12-octet nonce and a
// 16- or 8-octet tag.
func NewAESCCM(key []byte, tagSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "ccm: creating AES block")
	}
	return NewCCM(block, 12, tagSize)
}

func (ccm *ccm) NonceSize() int {
	return ccm.nonceSize
}

func (ccm *ccm) Overhead() int {
	return ccm.tagSize
}

// counterZero formats Ctr0 per A.3.
func (ccm *ccm) counterZero(nonce []byte) []byte {
	ctr := make([]byte, blockSize)
	ctr[0] = byte(15 - ccm.nonceSize - 1) // [q-1]3
	copy(ctr[1:], nonce)
	return ctr
}

// keystream XORs src into dst starting at Ctr1 and returns S0.
func (ccm *ccm) keystream(ctr, dst, src []byte) []byte {
	s0 := make([]byte, blockSize)
	ccm.c.Encrypt(s0, ctr)

	ctr[15] = 1
	cipher.NewCTR(ccm.c, ctr).XORKeyStream(dst, src)
	ctr[15] = 0
	return s0
}

func (ccm *ccm) Seal(dst, nonce, plaintext, data []byte) []byte {
	if len(nonce) != ccm.nonceSize {
		panic("ccm: incorrect nonce length")
	}

	// The AEAD interface cannot return an error here.
	if ccm.maxPlaintextSize < uint64(len(plaintext)) {
		panic("ccm: plaintext too large")
	}

	ctr := ccm.counterZero(nonce)
	tag := ccm.tag(ctr, data, plaintext)

	ret, out := sliceForAppend(dst, len(plaintext)+ccm.tagSize)
	s0 := ccm.keystream(ctr, out[:len(plaintext)], plaintext)
	subtle.XORBytes(out[len(plaintext):], tag[:ccm.tagSize], s0[:ccm.tagSize])
	return ret
}

func (ccm *ccm) Open(dst, nonce, ciphertext, data []byte) ([]byte, error) {
	if len(nonce) != ccm.nonceSize {
		panic("ccm: incorrect nonce length")
	}

	if len(ciphertext) < ccm.tagSize {
		return nil, errOpen
	}

	ptLen := len(ciphertext) - ccm.tagSize
	if ccm.maxPlaintextSize < uint64(ptLen) {
		return nil, errors.New("ccm: ciphertext exceeds the maximum payload size")
	}

	received := make([]byte, ccm.tagSize)
	copy(received, ciphertext[ptLen:])

	ret, plaintext := sliceForAppend(dst, ptLen)
	ctr := ccm.counterZero(nonce)
	s0 := ccm.keystream(ctr, plaintext, ciphertext[:ptLen])

	tag := ccm.tag(ctr, data, plaintext)
	subtle.XORBytes(tag, tag, s0)

	if subtle.ConstantTimeCompare(tag[:ccm.tagSize], received) != 1 {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, errOpen
	}

	return ret, nil
}

// tag computes the CBC-MAC of B0, the associated data and the payload
// (A.2). It reuses ctr as scratch space for B0 since the two share the
// nonce layout.
func (ccm *ccm) tag(ctr, data, plaintext []byte) []byte {
	ccm.mac.reset()

	b := make([]byte, blockSize)
	copy(b, ctr)
	b[0] |= byte(((ccm.tagSize - 2) / 2) << 3) // [(t-2)/2]3
	putUvarint(b[1+ccm.nonceSize:], uint64(len(plaintext)))

	if len(data) > 0 {
		b[0] |= 1 << 6 // Adata
		ccm.mac.write(b)

		switch {
		case len(data) < (1<<16 - 1<<8):
			putUvarint(b[:2], uint64(len(data)))
			ccm.mac.write(b[:2])
		case uint64(len(data)) <= 1<<32-1:
			b[0], b[1] = 0xff, 0xfe
			putUvarint(b[2:6], uint64(len(data)))
			ccm.mac.write(b[:6])
		default:
			b[0], b[1] = 0xff, 0xff
			putUvarint(b[2:10], uint64(len(data)))
			ccm.mac.write(b[:10])
		}
		ccm.mac.write(data)
		ccm.mac.padZero()
	} else {
		ccm.mac.write(b)
	}

	ccm.mac.write(plaintext)
	return ccm.mac.sum()
}

func maxUvarint(n int) uint64 {
	if n >= 8 {
		return ^uint64(0)
	}
	return 1<<uint(n*8) - 1
}

// putUvarint writes u big-endian across all of bs.
func putUvarint(bs []byte, u uint64) {
	for i := 0; i < len(bs); i++ {
		bs[i] = byte(u >> uint(8*(len(bs)-1-i)))
	}
}

func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}
