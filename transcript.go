package unbuffered

import (
	"crypto"
	"hash"
)

// transcript is the running record of handshake messages.  Until the
// hash function is known, messages are only buffered.
type transcript struct {
	hash     crypto.Hash
	h        hash.Hash
	raw      []byte
	messages int
}

func (t *transcript) started() bool {
	return t.h != nil
}

func (t *transcript) start(hash crypto.Hash) {
	t.hash = hash
	t.h = hash.New()
	t.h.Write(t.raw)
}

func (t *transcript) add(hm *HandshakeMessage) {
	data := hm.Marshal()
	t.raw = append(t.raw, data...)
	if t.h != nil {
		t.h.Write(data)
	}
	t.messages++
	logf(logTypeVerbose, "Transcript += %s [%d]", hm.msgType, len(data))
}

func (t *transcript) sum() []byte {
	return t.h.Sum(nil)
}

// hashWith hashes the transcript followed by extra, without recording
// extra.  It works before start, for PSK binders.
func (t *transcript) hashWith(hash crypto.Hash, extra []byte) []byte {
	h := hash.New()
	h.Write(t.raw)
	h.Write(extra)
	return h.Sum(nil)
}

// replaceWithMessageHash collapses the transcript so far into a synthetic
// message_hash message, as required after a HelloRetryRequest.
func (t *transcript) replaceWithMessageHash() {
	digest := t.hashWith(t.hash, nil)
	synthetic := &HandshakeMessage{msgType: HandshakeTypeMessageHash, body: digest}

	t.raw = t.raw[:0]
	t.h = nil
	t.messages = 0
	t.add(synthetic)
	t.start(t.hash)
}
