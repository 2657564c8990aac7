package unbuffered

import (
	"crypto"
	"crypto/x509"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Certificate is a server credential: a chain, leaf first, and the key
// for the leaf.
type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
}

// CertificateVerifier decides whether a server's chain is acceptable.
type CertificateVerifier interface {
	VerifyServerCertificate(chain []*x509.Certificate, serverName string, now time.Time) error
}

// x509Verifier checks the chain against a root pool and the expected
// name, using the platform roots when the pool is nil.
type x509Verifier struct {
	roots *x509.CertPool
}

func (v x509Verifier) VerifyServerCertificate(chain []*x509.Certificate, serverName string, now time.Time) error {
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		DNSName:       serverName,
		CurrentTime:   now,
	}
	_, err := chain[0].Verify(opts)
	return err
}

// Config is the configuration for a TLS client or server.  Zero values
// are filled with defaults by Init, which NewClient and NewServer call.
// A Config may be shared between connections once initialized.
type Config struct {
	// Client: the name to verify and to send as server_name
	ServerName string

	// Protocol versions, cipher suites, groups and signature schemes,
	// most preferred first
	Versions         []uint16
	CipherSuites     []CipherSuite
	Groups           []NamedGroup
	SignatureSchemes []SignatureScheme

	// ALPN protocols, most preferred first
	NextProtos []string

	// Server credentials
	Certificates []*Certificate

	// Client certificate verification
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
	Verifier           CertificateVerifier

	// 0-RTT.  Clients offer early data on resumption; servers accept up
	// to MaxEarlyDataSize bytes.
	EnableEarlyData  bool
	MaxEarlyDataSize uint32

	// Client session resumption
	SessionCache ClientSessionCache

	// Server session tickets
	SendSessionTickets bool
	TicketCount        int
	TicketLifetime     uint32
	TicketSealer       TicketSealer

	// Time source, for certificate validation and ticket ages
	Time func() time.Time

	mutex       sync.Mutex
	initialized bool
}

var (
	defaultVersions = []uint16{tls13Version, tls12Version}

	defaultCipherSuites = []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
		TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}

	defaultGroups = []NamedGroup{X25519, P256, P384}

	defaultSignatureSchemes = []SignatureScheme{
		ECDSA_P256_SHA256,
		ECDSA_P384_SHA384,
		Ed25519,
		RSA_PSS_RSAE_SHA256,
		RSA_PSS_RSAE_SHA384,
		RSA_PSS_RSAE_SHA512,
		RSA_PKCS1_SHA256,
		RSA_PKCS1_SHA384,
	}
)

const (
	defaultTicketCount     = 1
	defaultTicketLifetime  = 24 * 60 * 60     // seconds
	maxTicketLifetime      = 7 * 24 * 60 * 60 // seconds
	defaultSessionCacheLen = 32
)

// Init fills in defaults.  It is idempotent.
func (c *Config) Init(isClient bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.initialized {
		return nil
	}

	if len(c.Versions) == 0 {
		c.Versions = defaultVersions
	}
	for _, v := range c.Versions {
		if v != tls12Version && v != tls13Version {
			return errors.Errorf("unbuffered: unsupported version %04x", v)
		}
	}

	if len(c.CipherSuites) == 0 {
		c.CipherSuites = defaultCipherSuites
	}
	for _, suite := range c.CipherSuites {
		if _, ok := cipherSuiteMap[suite]; !ok {
			return errors.Errorf("unbuffered: unsupported cipher suite %s", suite)
		}
	}

	if len(c.Groups) == 0 {
		c.Groups = defaultGroups
	}
	for _, group := range c.Groups {
		if group != X25519 && group != P256 && group != P384 {
			return errors.Errorf("unbuffered: unsupported group %d", group)
		}
	}

	if len(c.SignatureSchemes) == 0 {
		c.SignatureSchemes = defaultSignatureSchemes
	}

	if c.Time == nil {
		c.Time = time.Now
	}

	if c.EnableEarlyData && c.MaxEarlyDataSize == 0 {
		c.MaxEarlyDataSize = defaultMaxEarlyDataSize
	}

	if isClient {
		if c.Verifier == nil && !c.InsecureSkipVerify {
			c.Verifier = x509Verifier{roots: c.RootCAs}
		}
		if c.SessionCache == nil {
			c.SessionCache = NewLRUClientSessionCache(defaultSessionCacheLen)
		}
	} else {
		if c.TicketCount == 0 {
			c.TicketCount = defaultTicketCount
		}
		if c.TicketLifetime == 0 || c.TicketLifetime > maxTicketLifetime {
			c.TicketLifetime = defaultTicketLifetime
		}
		if c.SendSessionTickets && c.TicketSealer == nil {
			sealer, err := NewTicketSealer()
			if err != nil {
				return err
			}
			c.TicketSealer = sealer
		}
	}

	c.initialized = true
	return nil
}

// Clone returns an uninitialized copy of the exported configuration.
// Caches and sealers are shared with the original.
func (c *Config) Clone() *Config {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return &Config{
		ServerName:         c.ServerName,
		Versions:           append([]uint16{}, c.Versions...),
		CipherSuites:       append([]CipherSuite{}, c.CipherSuites...),
		Groups:             append([]NamedGroup{}, c.Groups...),
		SignatureSchemes:   append([]SignatureScheme{}, c.SignatureSchemes...),
		NextProtos:         append([]string{}, c.NextProtos...),
		Certificates:       append([]*Certificate{}, c.Certificates...),
		RootCAs:            c.RootCAs,
		InsecureSkipVerify: c.InsecureSkipVerify,
		Verifier:           c.Verifier,
		EnableEarlyData:    c.EnableEarlyData,
		MaxEarlyDataSize:   c.MaxEarlyDataSize,
		SessionCache:       c.SessionCache,
		SendSessionTickets: c.SendSessionTickets,
		TicketCount:        c.TicketCount,
		TicketLifetime:     c.TicketLifetime,
		TicketSealer:       c.TicketSealer,
		Time:               c.Time,
	}
}

func (c *Config) ValidForServer() bool {
	if len(c.Certificates) == 0 {
		return false
	}
	for _, cert := range c.Certificates {
		if cert == nil || len(cert.Chain) == 0 || cert.PrivateKey == nil {
			return false
		}
	}
	return true
}

func (c *Config) ValidForClient() bool {
	return c.ServerName != "" || c.InsecureSkipVerify
}

func (c *Config) now() time.Time {
	if c.Time == nil {
		return time.Now()
	}
	return c.Time()
}

func (c *Config) supportsVersion(version uint16) bool {
	for _, v := range c.Versions {
		if v == version {
			return true
		}
	}
	return false
}

// suitesFor lists the configured suites belonging to version.
func (c *Config) suitesFor(version uint16) []CipherSuite {
	suites := []CipherSuite{}
	for _, suite := range c.CipherSuites {
		if cipherSuiteMap[suite].Version == version {
			suites = append(suites, suite)
		}
	}
	return suites
}

// certificateFor picks the credential whose leaf names serverName,
// falling back to the first.
func (c *Config) certificateFor(serverName string) *Certificate {
	if serverName != "" {
		for _, cert := range c.Certificates {
			if cert.Chain[0].VerifyHostname(serverName) == nil {
				return cert
			}
		}
	}
	return c.Certificates[0]
}
