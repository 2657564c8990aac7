// Read a generic "framed" unit consisting of a header and a body whose
// length the header declares.  This is used for both TLS records and TLS
// handshake messages.
package unbuffered

type framing interface {
	parse(buffer []byte) (headerReady bool, headerLen, bodyLen int)
}

type lastNBytesFraming struct {
	headerSize int
	lengthSize int
}

var (
	recordFraming    = lastNBytesFraming{headerSize: recordHeaderLen, lengthSize: 2}
	handshakeFraming = lastNBytesFraming{headerSize: handshakeHeaderLen, lengthSize: 3}
)

func (lnb lastNBytesFraming) parse(buffer []byte) (headerReady bool, headerLen, bodyLen int) {
	headerReady = len(buffer) >= lnb.headerSize
	if !headerReady {
		return
	}

	headerLen = lnb.headerSize
	for _, b := range buffer[lnb.headerSize-lnb.lengthSize : lnb.headerSize] {
		bodyLen = (bodyLen << 8) | int(b)
	}
	return
}

// frameSpan reports the length of the complete frame at the front of
// buffer, without copying.  ok is false while the frame is incomplete.
func frameSpan(d framing, buffer []byte) (total int, ok bool) {
	headerReady, headerLen, bodyLen := d.parse(buffer)
	if !headerReady || len(buffer) < headerLen+bodyLen {
		return 0, false
	}
	return headerLen + bodyLen, true
}

// frameReader accumulates chunks and yields whole frames.  It holds at
// most limit bytes.
type frameReader struct {
	details   framing
	limit     int
	remainder []byte
}

func newFrameReader(d framing, limit int) *frameReader {
	return &frameReader{
		details:   d,
		limit:     limit,
		remainder: make([]byte, 0),
	}
}

func (f *frameReader) empty() bool {
	return len(f.remainder) == 0
}

func (f *frameReader) ready() bool {
	_, ok := frameSpan(f.details, f.remainder)
	return ok
}

func (f *frameReader) addChunk(in []byte) bool {
	if len(f.remainder)+len(in) > f.limit {
		return false
	}

	logf(logTypeVerbose, "Appending %v", len(in))
	f.remainder = append(f.remainder, in...)
	return true
}

// pendingLen is the declared size of the frame being assembled, or zero
// while its header is still incomplete.
func (f *frameReader) pendingLen() int {
	headerReady, headerLen, bodyLen := f.details.parse(f.remainder)
	if !headerReady {
		return 0
	}
	return headerLen + bodyLen
}

func (f *frameReader) next() (header, body []byte, ok bool) {
	// Check to see if we have enough data
	headerReady, headerLen, bodyLen := f.details.parse(f.remainder)
	if !headerReady || len(f.remainder) < headerLen+bodyLen {
		logf(logTypeVerbose, "Frame incomplete")
		return nil, nil, false
	}

	// Read a frame off the front of the buffer
	header, body = make([]byte, headerLen), make([]byte, bodyLen)
	copy(header, f.remainder[:headerLen])
	copy(body, f.remainder[headerLen:headerLen+bodyLen])
	f.remainder = f.remainder[headerLen+bodyLen:]
	return header, body, true
}
