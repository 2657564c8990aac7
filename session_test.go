package unbuffered

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLRUClientSessionCache(t *testing.T) {
	cache := NewLRUClientSessionCache(2)
	a := &ClientSession{ServerName: "a.example"}
	b := &ClientSession{ServerName: "b.example"}
	c := &ClientSession{ServerName: "c.example"}

	cache.Put("a", a)
	cache.Put("b", b)

	// Reading a makes b the oldest
	got, ok := cache.Get("a")
	assert(t, ok && got == a, "Missing session a")
	cache.Put("c", c)

	_, ok = cache.Get("b")
	assert(t, !ok, "Session b should have been evicted")
	got, ok = cache.Get("c")
	assert(t, ok && got == c, "Missing session c")

	// Replacing an entry does not grow the cache
	cache.Put("a", b)
	got, ok = cache.Get("a")
	assert(t, ok && got == b, "Session a not replaced")
	_, ok = cache.Get("c")
	assert(t, ok, "Replacement evicted another session")

	// Capacity is at least one
	tiny := NewLRUClientSessionCache(0)
	tiny.Put("a", a)
	_, ok = tiny.Get("a")
	assert(t, ok, "Zero-capacity cache dropped its only session")
}

func TestLRUClientSessionCacheConcurrent(t *testing.T) {
	cache := NewLRUClientSessionCache(8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("server-%d", i%4)
			for j := 0; j < 100; j++ {
				cache.Put(key, &ClientSession{ServerName: key})
				cache.Get(key)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		_, ok := cache.Get(fmt.Sprintf("server-%d", i))
		assert(t, ok, "Lost a session")
	}
}

func TestClientSessionValidity(t *testing.T) {
	now := time.Now()
	session := &ClientSession{
		Version:      tls13Version,
		Lifetime:     60,
		ReceivedAt:   now.Add(-30 * time.Second),
		TicketAgeAdd: 1000,
	}
	assert(t, session.valid(now), "Fresh session is invalid")
	assert(t, !session.valid(now.Add(time.Minute)), "Expired session is valid")

	session.Version = tls12Version
	assert(t, !session.valid(now), "TLS 1.2 session is valid")

	assertEquals(t, session.obfuscatedAge(now), uint32(30000+1000))
}

func TestSessionState(t *testing.T) {
	now := time.Now()
	state := &sessionState{
		version:      tls13Version,
		suite:        TLS_CHACHA20_POLY1305_SHA256,
		secret:       bytes.Repeat([]byte{0x11}, 32),
		issuedAt:     uint64(now.UnixMilli()),
		ageAdd:       0xdeadbeef,
		lifetime:     600,
		maxEarlyData: 1 << 14,
		nextProto:    "h2",
		serverName:   "example.com",
	}

	data, err := state.marshal()
	assertNotError(t, err, "Failed to marshal session state")
	parsed, err := parseSessionState(data)
	assertNotError(t, err, "Failed to parse session state")
	assertDeepEquals(t, parsed, state)

	assert(t, !parsed.expired(now.Add(time.Minute)), "Session expired early")
	assert(t, parsed.expired(now.Add(11*time.Minute)), "Session did not expire")

	_, err = parseSessionState(data[:len(data)-1])
	assertError(t, err, "Parsed truncated session state")
	_, err = parseSessionState(append(data, 0))
	assertError(t, err, "Parsed session state with trailing data")
}

func TestTicketSealer(t *testing.T) {
	sealer, err := NewTicketSealer()
	assertNotError(t, err, "Failed to create ticket sealer")

	state := []byte("session state")
	ticket, err := sealer.Seal(state)
	assertNotError(t, err, "Failed to seal")
	assertNotByteEquals(t, ticket, state)

	opened, err := sealer.Open(ticket)
	assertNotError(t, err, "Failed to open")
	assertByteEquals(t, opened, state)

	// Tickets are randomized
	again, err := sealer.Seal(state)
	assertNotError(t, err, "Failed to seal")
	assertNotByteEquals(t, again, ticket)

	// Tampering is detected
	ticket[len(ticket)-1] ^= 0x01
	_, err = sealer.Open(ticket)
	assertError(t, err, "Opened a tampered ticket")

	_, err = sealer.Open([]byte{0x01, 0x02})
	assertError(t, err, "Opened a truncated ticket")
}

func TestTicketSealerFromSecret(t *testing.T) {
	secret := bytes.Repeat([]byte{0x07}, 32)
	a, err := NewTicketSealerFromSecret(secret)
	assertNotError(t, err, "Failed to create ticket sealer")
	b, err := NewTicketSealerFromSecret(secret)
	assertNotError(t, err, "Failed to create ticket sealer")
	c, err := NewTicketSealerFromSecret(bytes.Repeat([]byte{0x08}, 32))
	assertNotError(t, err, "Failed to create ticket sealer")

	ticket, err := a.Seal([]byte("shared"))
	assertNotError(t, err, "Failed to seal")

	opened, err := b.Open(ticket)
	assertNotError(t, err, "Sealer with the same secret failed to open")
	assertByteEquals(t, opened, []byte("shared"))

	_, err = c.Open(ticket)
	assertError(t, err, "Sealer with another secret opened the ticket")
}

func TestPassphraseTicketSealer(t *testing.T) {
	salt := []byte("ticket salt")
	for _, kdf := range []PassphraseKDF{PassphraseKDFArgon2, PassphraseKDFScrypt} {
		a, err := NewPassphraseTicketSealer(kdf, []byte("correct horse"), salt)
		assertNotError(t, err, "Failed to create passphrase sealer")
		b, err := NewPassphraseTicketSealer(kdf, []byte("correct horse"), salt)
		assertNotError(t, err, "Failed to create passphrase sealer")
		c, err := NewPassphraseTicketSealer(kdf, []byte("battery staple"), salt)
		assertNotError(t, err, "Failed to create passphrase sealer")

		ticket, err := a.Seal([]byte("state"))
		assertNotError(t, err, "Failed to seal")
		_, err = b.Open(ticket)
		assertNotError(t, err, "Same passphrase failed to open")
		_, err = c.Open(ticket)
		assertError(t, err, "Other passphrase opened the ticket")
	}

	// The two functions give different keys
	argon, err := stretchPassphrase(PassphraseKDFArgon2, []byte("pass"), salt, ticketSecretSize)
	assertNotError(t, err, "argon2 failed")
	scrypted, err := stretchPassphrase(PassphraseKDFScrypt, []byte("pass"), salt, ticketSecretSize)
	assertNotError(t, err, "scrypt failed")
	assertEquals(t, len(argon), ticketSecretSize)
	assertEquals(t, len(scrypted), ticketSecretSize)
	assertNotByteEquals(t, argon, scrypted)

	_, err = NewPassphraseTicketSealer(PassphraseKDF(9), []byte("pass"), salt)
	assertError(t, err, "Accepted an unknown KDF")
}
