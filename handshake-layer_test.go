package unbuffered

import (
	"bytes"
	"testing"
)

var (
	messageType = HandshakeTypeClientHello

	tinyMessageIn = &HandshakeMessage{
		msgType: messageType,
		body:    []byte{0, 0, 0, 0},
	}
	tinyMessageHex = "0100000400000000"

	// short: 0x000040
	// long:  0x007fe0 = 0x4000 + 0x3fe0
	shortMessageLen = 64
	longMessageLen  = 2*maxFragmentLen - (shortMessageLen / 2)

	shortMessageHeader    = []byte{byte(messageType), 0x00, 0x00, byte(shortMessageLen)}
	shortMessageBody      = bytes.Repeat([]byte{0xab}, shortMessageLen)
	shortMessage          = append(shortMessageHeader, shortMessageBody...)
	longMessageHeader     = []byte{byte(messageType), 0x00, byte(longMessageLen >> 8), byte(longMessageLen)}
	longMessageBody       = bytes.Repeat([]byte{0xcd}, longMessageLen)
	longMessage           = append(longMessageHeader, longMessageBody...)
	shortLongMessage      = append(append([]byte{}, shortMessage...), longMessage...)
	shortLongShortMessage = append(append([]byte{}, shortLongMessage...), shortMessage...)

	shortMessageIn = &HandshakeMessage{
		msgType: messageType,
		body:    shortMessageBody,
	}
	longMessageIn = &HandshakeMessage{
		msgType: messageType,
		body:    longMessageBody,
	}
)

func TestMessageMarshal(t *testing.T) {
	assertByteEquals(t, tinyMessageIn.Marshal(), unhex(tinyMessageHex))
	assertByteEquals(t, shortMessageIn.Marshal(), shortMessage)
	assertByteEquals(t, longMessageIn.Marshal(), longMessage)
	assertEquals(t, tinyMessageIn.Type(), HandshakeTypeClientHello)
}

func TestMessageFromBody(t *testing.T) {
	hm, err := handshakeMessageFromBody(&KeyUpdateBody{KeyUpdateRequest: KeyUpdateRequested})
	assertNotError(t, err, "Failed to convert KeyUpdate body to message")
	assertEquals(t, hm.Type(), HandshakeTypeKeyUpdate)
	assertByteEquals(t, hm.Marshal(), unhex("1800000101"))

	hm, err = handshakeMessageFromBody(&EndOfEarlyDataBody{})
	assertNotError(t, err, "Failed to convert EndOfEarlyData body to message")
	assertByteEquals(t, hm.Marshal(), unhex("05000000"))

	// Too large to send
	_, err = handshakeMessageFromBody(&FinishedBody{VerifyData: make([]byte, maxHandshakeMessageLen+1)})
	assertError(t, err, "Converted an oversize message")
}

func TestParseBody(t *testing.T) {
	hm := &HandshakeMessage{msgType: HandshakeTypeKeyUpdate, body: []byte{0x00}}
	var ku KeyUpdateBody
	err := hm.parseBody(&ku)
	assertNotError(t, err, "Failed to parse KeyUpdate")
	assertEquals(t, ku.KeyUpdateRequest, KeyUpdateNotRequested)

	// Wrong type
	var fin FinishedBody
	err = hm.parseBody(&fin)
	assertEquals(t, alertForError(err), AlertUnexpectedMessage)

	// Trailing data
	hm.body = []byte{0x00, 0x00}
	err = hm.parseBody(&ku)
	assertEquals(t, alertForError(err), AlertDecodeError)

	// Undefined request value
	hm.body = []byte{0x02}
	err = hm.parseBody(&ku)
	assertEquals(t, alertForError(err), AlertDecodeError)

	// Truncated
	hm.body = []byte{}
	err = hm.parseBody(&ku)
	assertEquals(t, alertForError(err), AlertDecodeError)
}

func joinAll(t *testing.T, j *handshakeJoiner) []*HandshakeMessage {
	t.Helper()
	msgs := []*HandshakeMessage{}
	for {
		hm, ok := j.next()
		if !ok {
			return msgs
		}
		msgs = append(msgs, hm)
	}
}

func TestJoinHandshakeMessages(t *testing.T) {
	// A message in a single fragment
	j := newHandshakeJoiner()
	assertNotError(t, j.push(shortMessage), "Failed to push a short message")
	assertDeepEquals(t, joinAll(t, j), []*HandshakeMessage{shortMessageIn})
	assert(t, j.empty(), "Joiner should be empty")

	// A message split across fragments
	j = newHandshakeJoiner()
	assertNotError(t, j.push(longMessage[:maxFragmentLen]), "Failed to push first fragment")
	assertEquals(t, len(joinAll(t, j)), 0)
	assert(t, !j.empty(), "Joiner lost a partial message")
	assertNotError(t, j.push(longMessage[maxFragmentLen:]), "Failed to push second fragment")
	assertDeepEquals(t, joinAll(t, j), []*HandshakeMessage{longMessageIn})

	// Several messages, with fragment boundaries inside them
	j = newHandshakeJoiner()
	msgs := []*HandshakeMessage{}
	for start := 0; start < len(shortLongShortMessage); start += maxFragmentLen {
		end := start + maxFragmentLen
		if end > len(shortLongShortMessage) {
			end = len(shortLongShortMessage)
		}
		assertNotError(t, j.push(shortLongShortMessage[start:end]), "Failed to push fragment")
		msgs = append(msgs, joinAll(t, j)...)
	}
	assertDeepEquals(t, msgs, []*HandshakeMessage{shortMessageIn, longMessageIn, shortMessageIn})
	assert(t, j.empty(), "Joiner should be empty")

	// One byte at a time
	j = newHandshakeJoiner()
	msgs = []*HandshakeMessage{}
	for i := range shortMessage {
		assertNotError(t, j.push(shortMessage[i:i+1]), "Failed to push a single byte")
		msgs = append(msgs, joinAll(t, j)...)
		if i < len(shortMessage)-1 {
			assertEquals(t, len(msgs), 0)
		}
	}
	assertDeepEquals(t, msgs, []*HandshakeMessage{shortMessageIn})
}

func TestJoinerCopiesInput(t *testing.T) {
	j := newHandshakeJoiner()
	fragment := append([]byte{}, shortMessage...)
	assertNotError(t, j.push(fragment), "Failed to push a short message")
	for i := range fragment {
		fragment[i] = 0
	}
	assertDeepEquals(t, joinAll(t, j), []*HandshakeMessage{shortMessageIn})
}

func TestJoinerLimits(t *testing.T) {
	// Empty handshake records are not allowed
	j := newHandshakeJoiner()
	err := j.push([]byte{})
	assertEquals(t, alertForError(err), AlertUnexpectedMessage)

	// A header declaring an oversize message is refused at once
	j = newHandshakeJoiner()
	tooLong := maxHandshakeMessageLen + 1
	err = j.push([]byte{byte(messageType), byte(tooLong >> 16), byte(tooLong >> 8), byte(tooLong)})
	assertError(t, err, "Accepted an oversize handshake message header")

	// The largest message is accepted
	j = newHandshakeJoiner()
	largest := maxHandshakeMessageLen
	header := []byte{byte(messageType), byte(largest >> 16), byte(largest >> 8), byte(largest)}
	assertNotError(t, j.push(header), "Rejected the largest handshake message header")
	body := make([]byte, largest)
	for len(body) > 0 {
		n := maxFragmentLen
		if n > len(body) {
			n = len(body)
		}
		assertNotError(t, j.push(body[:n]), "Rejected a fragment of the largest message")
		body = body[n:]
	}
	msgs := joinAll(t, j)
	assertEquals(t, len(msgs), 1)
	assertEquals(t, len(msgs[0].body), largest)
}
