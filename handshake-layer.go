package unbuffered

import (
	"github.com/pkg/errors"
)

// struct {
//     HandshakeType msg_type;    /* handshake type */
//     uint24 length;             /* bytes in message */
//     select (HandshakeType) {
//       ...
//     } body;
// } Handshake;
type HandshakeMessage struct {
	// Omitted: length
	msgType HandshakeType
	body    []byte
}

// Type reports the message type.
func (hm *HandshakeMessage) Type() HandshakeType {
	return hm.msgType
}

// Marshal encodes the message with its four-octet header.
func (hm *HandshakeMessage) Marshal() []byte {
	msgLen := len(hm.body)
	data := make([]byte, handshakeHeaderLen+msgLen)
	data[0] = byte(hm.msgType)
	data[1] = byte(msgLen >> 16)
	data[2] = byte(msgLen >> 8)
	data[3] = byte(msgLen)
	copy(data[handshakeHeaderLen:], hm.body)
	return data
}

// parseBody decodes the message into body, which must match its type and
// consume it entirely.
func (hm *HandshakeMessage) parseBody(body HandshakeMessageBody) error {
	if body.Type() != hm.msgType {
		return misbehaved(AlertUnexpectedMessage, "expected %s, got %s", body.Type(), hm.msgType)
	}

	read, err := body.Unmarshal(hm.body)
	if err != nil {
		return misbehaved(AlertDecodeError, "malformed %s: %v", hm.msgType, err)
	}
	if read != len(hm.body) {
		return misbehaved(AlertDecodeError, "%d trailing bytes after %s", len(hm.body)-read, hm.msgType)
	}
	return nil
}

func handshakeMessageFromBody(body HandshakeMessageBody) (*HandshakeMessage, error) {
	data, err := body.Marshal()
	if err != nil {
		return nil, errors.Wrapf(err, "unbuffered: marshaling %s", body.Type())
	}
	if len(data) > maxHandshakeMessageLen {
		return nil, errors.Errorf("unbuffered: %s of %d bytes is too large", body.Type(), len(data))
	}

	return &HandshakeMessage{
		msgType: body.Type(),
		body:    data,
	}, nil
}

// handshakeJoiner reassembles handshake messages from record fragments.
// It buffers a bounded amount of data.
type handshakeJoiner struct {
	frames *frameReader
}

func newHandshakeJoiner() *handshakeJoiner {
	return &handshakeJoiner{
		frames: newFrameReader(handshakeFraming, maxHandshakeBuffered),
	}
}

func (j *handshakeJoiner) empty() bool {
	return j.frames.empty()
}

func (j *handshakeJoiner) push(fragment []byte) error {
	if len(fragment) == 0 {
		return misbehaved(AlertUnexpectedMessage, "empty handshake record")
	}

	if !j.frames.addChunk(fragment) {
		return misbehaved(AlertUnexpectedMessage, "too much buffered handshake data")
	}

	if j.frames.pendingLen() > handshakeHeaderLen+maxHandshakeMessageLen {
		return misbehaved(AlertUnexpectedMessage, "handshake message of %d bytes is too large",
			j.frames.pendingLen()-handshakeHeaderLen)
	}
	return nil
}

func (j *handshakeJoiner) next() (*HandshakeMessage, bool) {
	header, body, ok := j.frames.next()
	if !ok {
		return nil, false
	}

	return &HandshakeMessage{
		msgType: HandshakeType(header[0]),
		body:    body,
	}, true
}
