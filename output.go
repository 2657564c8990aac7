package unbuffered

// outputIntent is a record the engine has decided to send.  The
// protection is captured when the intent is queued, so key changes
// queued after it do not affect it.
type outputIntent struct {
	contentType   RecordType
	payload       []byte
	protection    *cipherState
	recordVersion uint16
}

func (oi *outputIntent) requiredSize() int {
	return protectedSize(oi.protection, len(oi.payload))
}

// encode writes the intent to out.  A short buffer has no effect.
func (oi *outputIntent) encode(out []byte) (int, error) {
	n, err := writeProtected(oi.protection, oi.contentType, oi.recordVersion, oi.payload, out)
	if err == nil {
		logf(logTypeIO, "Encoded %s intent: %d bytes", oi.contentType, n)
	}
	return n, err
}

// protectedSize is the number of octets needed to carry n octets of
// plaintext, fragmented into records.
func protectedSize(cs *cipherState, n int) int {
	size := 0
	for n > maxFragmentLen {
		size += recordHeaderLen + cs.payloadLen(maxFragmentLen)
		n -= maxFragmentLen
	}
	if n > 0 {
		size += recordHeaderLen + cs.payloadLen(n)
	}
	return size
}

// writeProtected fragments plaintext into records of type rt, sealed
// under cs.  Either the whole plaintext is written or nothing is.
func writeProtected(cs *cipherState, rt RecordType, recordVersion uint16, plaintext, out []byte) (int, error) {
	need := protectedSize(cs, len(plaintext))
	if len(out) < need {
		return 0, &InsufficientSizeError{Required: need}
	}

	off := 0
	for len(plaintext) > 0 {
		chunk := plaintext[:min(len(plaintext), maxFragmentLen)]
		n, err := cs.seal(out[off:], rt, recordVersion, chunk)
		if err != nil {
			return 0, err
		}
		off += n
		plaintext = plaintext[len(chunk):]
	}
	return off, nil
}
