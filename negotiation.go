package unbuffered

import (
	"crypto/subtle"
	"time"
)

// versionNegotiation picks the first of our versions that the peer
// offered.
func versionNegotiation(offered, supported []uint16) (bool, uint16) {
	for _, ours := range supported {
		for _, theirs := range offered {
			if ours == theirs {
				return true, ours
			}
		}
	}
	return false, 0
}

// cipherSuiteNegotiation picks the first of our suites that the client
// offered and that usable accepts.
func cipherSuiteNegotiation(ours, offered []CipherSuite, usable func(CipherSuiteParams) bool) (CipherSuiteParams, error) {
	for _, suite := range ours {
		params, ok := cipherSuiteMap[suite]
		if !ok || (usable != nil && !usable(params)) {
			continue
		}
		for _, theirs := range offered {
			if theirs == suite {
				logf(logTypeNegotiation, "Negotiated cipher suite %s", suite)
				return params, nil
			}
		}
	}
	return CipherSuiteParams{}, misbehaved(AlertHandshakeFailure, "no cipher suite in common")
}

func containsGroup(groups []NamedGroup, group NamedGroup) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

// dhNegotiation picks a key exchange group by our preference.  A group
// the client shared is used directly.  Otherwise a group the client
// supports without a share is returned with retry set, for a
// HelloRetryRequest.
func dhNegotiation(shares []KeyShareEntry, clientGroups, ours []NamedGroup) (group NamedGroup, share []byte, retry bool, err error) {
	for _, g := range ours {
		for _, entry := range shares {
			if entry.Group == g {
				return g, entry.KeyExchange, false, nil
			}
		}
	}

	for _, g := range ours {
		if containsGroup(clientGroups, g) {
			return g, nil, true, nil
		}
	}
	return 0, nil, false, misbehaved(AlertHandshakeFailure, "no key exchange group in common")
}

// ecdheGroupNegotiation picks the TLS 1.2 ECDHE group.  An absent
// supported_groups extension means the client takes any curve.
func ecdheGroupNegotiation(clientGroups, ours []NamedGroup) (NamedGroup, error) {
	for _, g := range ours {
		if clientGroups == nil || containsGroup(clientGroups, g) {
			return g, nil
		}
	}
	return 0, misbehaved(AlertHandshakeFailure, "no ECDHE group in common")
}

// alpnNegotiation picks the first of our protocols that the client
// offered.  Without a configured list, no protocol is selected.
func alpnNegotiation(offered, ours []string) (string, error) {
	if len(offered) == 0 || len(ours) == 0 {
		return "", nil
	}

	for _, proto := range ours {
		for _, theirs := range offered {
			if proto == theirs {
				logf(logTypeNegotiation, "Negotiated ALPN protocol %q", proto)
				return proto, nil
			}
		}
	}
	return "", misbehaved(AlertNoApplicationProtocol, "no application protocol in common")
}

func containsPSKMode(modes []PSKKeyExchangeMode, mode PSKKeyExchangeMode) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}

// pskNegotiation looks for a ticket that opens, is fresh, and fits the
// chosen suite, then checks its binder.  truncatedHash hashes the
// transcript through the ClientHello minus its binders, given the hash
// function.  A bad binder on the chosen ticket is fatal.
func pskNegotiation(identities []PSKIdentity, binders []PSKBinderEntry, truncatedHash func(CipherSuiteParams) []byte,
	sealer TicketSealer, suite CipherSuiteParams, now time.Time) (int, *sessionState, error) {
	if sealer == nil {
		return -1, nil, nil
	}

	for i, id := range identities {
		plaintext, err := sealer.Open(id.Identity)
		if err != nil {
			logf(logTypeNegotiation, "Ignoring PSK identity %d: %v", i, err)
			continue
		}

		state, err := parseSessionState(plaintext)
		if err != nil || state.version != tls13Version || state.expired(now) {
			logf(logTypeNegotiation, "Ignoring PSK identity %d: unusable session", i)
			continue
		}

		sessionSuite, ok := cipherSuiteMap[state.suite]
		if !ok || sessionSuite.Hash != suite.Hash {
			continue
		}

		ks := newKeySchedule13(suite, state.secret)
		expected := computeFinishedData(suite, ks.binderKey(), truncatedHash(suite))
		if subtle.ConstantTimeCompare(expected, binders[i].Binder) != 1 {
			return -1, nil, misbehaved(AlertDecryptError, "PSK binder mismatch")
		}

		logf(logTypeNegotiation, "Accepted PSK identity %d", i)
		return i, state, nil
	}
	return -1, nil, nil
}
