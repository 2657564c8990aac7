package unbuffered

import (
	"container/list"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

///// Client side

// ClientSession is a TLS 1.3 ticket received from a server, with the
// secret needed to resume with it.
type ClientSession struct {
	ServerName   string
	Version      uint16
	CipherSuite  CipherSuite
	Ticket       []byte
	Secret       []byte
	TicketAgeAdd uint32
	Lifetime     uint32
	ReceivedAt   time.Time
	MaxEarlyData uint32
	NextProto    string
}

func (s *ClientSession) valid(now time.Time) bool {
	expiry := s.ReceivedAt.Add(time.Duration(s.Lifetime) * time.Second)
	return s.Version == tls13Version && now.Before(expiry)
}

func (s *ClientSession) obfuscatedAge(now time.Time) uint32 {
	age := now.Sub(s.ReceivedAt) / time.Millisecond
	return uint32(age) + s.TicketAgeAdd
}

// ClientSessionCache stores sessions by server name.  Implementations
// must be safe for concurrent use.
type ClientSessionCache interface {
	Get(key string) (*ClientSession, bool)
	Put(key string, session *ClientSession)
}

type lruSessionCache struct {
	mutex    sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type lruSessionEntry struct {
	key     string
	session *ClientSession
}

// NewLRUClientSessionCache returns a cache holding at most capacity
// sessions, evicting the least recently used.
func NewLRUClientSessionCache(capacity int) ClientSessionCache {
	if capacity < 1 {
		capacity = 1
	}
	return &lruSessionCache{
		capacity: capacity,
		entries:  map[string]*list.Element{},
		order:    list.New(),
	}
}

func (c *lruSessionCache) Get(key string) (*ClientSession, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruSessionEntry).session, true
}

func (c *lruSessionCache) Put(key string, session *ClientSession) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*lruSessionEntry).session = session
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&lruSessionEntry{key, session})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruSessionEntry).key)
	}
}

///// Server side

// sessionState is what a server seals into a ticket.
type sessionState struct {
	version      uint16
	suite        CipherSuite
	secret       []byte
	issuedAt     uint64 // Unix milliseconds
	ageAdd       uint32
	lifetime     uint32
	maxEarlyData uint32
	nextProto    string
	serverName   string
}

func (s *sessionState) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(s.version)
	b.AddUint16(uint16(s.suite))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(s.secret)
	})
	b.AddUint64(s.issuedAt)
	b.AddUint32(s.ageAdd)
	b.AddUint32(s.lifetime)
	b.AddUint32(s.maxEarlyData)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s.nextProto))
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s.serverName))
	})
	return b.Bytes()
}

func parseSessionState(data []byte) (*sessionState, error) {
	var (
		s                     sessionState
		suite                 uint16
		secret, proto, server cryptobyte.String
	)

	in := cryptobyte.String(data)
	if !in.ReadUint16(&s.version) ||
		!in.ReadUint16(&suite) ||
		!in.ReadUint8LengthPrefixed(&secret) ||
		!in.ReadUint64(&s.issuedAt) ||
		!in.ReadUint32(&s.ageAdd) ||
		!in.ReadUint32(&s.lifetime) ||
		!in.ReadUint32(&s.maxEarlyData) ||
		!in.ReadUint8LengthPrefixed(&proto) ||
		!in.ReadUint16LengthPrefixed(&server) ||
		!in.Empty() {
		return nil, errors.New("unbuffered: malformed session state")
	}

	s.suite = CipherSuite(suite)
	s.secret = append([]byte{}, secret...)
	s.nextProto = string(proto)
	s.serverName = string(server)
	return &s, nil
}

func (s *sessionState) expired(now time.Time) bool {
	issued := time.UnixMilli(int64(s.issuedAt))
	return now.After(issued.Add(time.Duration(s.lifetime) * time.Second))
}

// TicketSealer protects session state placed in tickets.  Tickets are
// opaque to clients.
type TicketSealer interface {
	Seal(state []byte) ([]byte, error)
	Open(ticket []byte) ([]byte, error)
}

type aeadTicketSealer struct {
	aead cipher.AEAD
}

const (
	ticketSecretSize = 32
	ticketKeySize    = 32
	ticketKeyInfo    = "unbuffered session ticket key"
)

// NewTicketSealer returns a sealer with a fresh random key.
func NewTicketSealer() (TicketSealer, error) {
	secret := make([]byte, ticketSecretSize)
	if _, err := io.ReadFull(prng, secret); err != nil {
		return nil, errors.Wrap(err, "unbuffered: generating ticket secret")
	}
	return NewTicketSealerFromSecret(secret)
}

// NewTicketSealerFromSecret derives the ticket key from secret, so that
// servers sharing the secret accept each other's tickets.
func NewTicketSealerFromSecret(secret []byte) (TicketSealer, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(ticketKeyInfo))
	key := make([]byte, ticketKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aeadTicketSealer{aead: aead}, nil
}

func (s *aeadTicketSealer) Seal(state []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(prng, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, state, nil), nil
}

func (s *aeadTicketSealer) Open(ticket []byte) ([]byte, error) {
	if len(ticket) < s.aead.NonceSize() {
		return nil, errors.Errorf("unbuffered: ticket too short: %d", len(ticket))
	}
	nonce := ticket[:s.aead.NonceSize()]
	return s.aead.Open(nil, nonce, ticket[s.aead.NonceSize():], nil)
}

// PassphraseKDF selects the memory-hard function that stretches a ticket
// passphrase.
type PassphraseKDF uint8

const (
	PassphraseKDFArgon2 PassphraseKDF = iota
	PassphraseKDFScrypt
)

const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1

	argon2Time    = 1
	argon2Memory  = 1 << 16
	argon2Threads = 4
)

func stretchPassphrase(kdf PassphraseKDF, passphrase, salt []byte, size int) ([]byte, error) {
	switch kdf {
	case PassphraseKDFArgon2:
		return argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, uint32(size)), nil

	case PassphraseKDFScrypt:
		return scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, size)
	}
	return nil, errors.Errorf("unbuffered: unknown passphrase KDF %d", kdf)
}

// NewPassphraseTicketSealer derives the ticket key from an operator
// passphrase, for server fleets configured without a shared key file.
func NewPassphraseTicketSealer(kdf PassphraseKDF, passphrase, salt []byte) (TicketSealer, error) {
	secret, err := stretchPassphrase(kdf, passphrase, salt, ticketSecretSize)
	if err != nil {
		return nil, err
	}
	return NewTicketSealerFromSecret(secret)
}
