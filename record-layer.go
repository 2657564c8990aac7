package unbuffered

import (
	"encoding/binary"
)

// struct {
//     ContentType type;
//     ProtocolVersion legacy_record_version;
//     uint16 length;
//     opaque fragment[TLSPlaintext.length];
// } TLSPlaintext;
//
// A tlsRecord is a view into the caller's buffer; nothing is copied.
type tlsRecord struct {
	contentType RecordType
	version     uint16
	header      []byte
	payload     []byte
}

func containsRecordType(types []RecordType, rt RecordType) bool {
	for _, t := range types {
		if t == rt {
			return true
		}
	}
	return false
}

// decodeRecord reads the record at the front of buf.  While the record is
// incomplete it returns a nil record and no error.  On error, the count is
// the number of bytes the offending record spans, as far as it is present.
func decodeRecord(buf []byte, expect []RecordType) (*tlsRecord, int, error) {
	total, complete := frameSpan(recordFraming, buf)
	discard := len(buf)
	if complete {
		discard = total
	}

	if len(buf) >= 1 && !containsRecordType(expect, RecordType(buf[0])) {
		return nil, discard, &InappropriateMessageError{
			Expect: append([]RecordType{}, expect...),
			Got:    RecordType(buf[0]),
		}
	}

	if len(buf) >= 2 && buf[1] != 0x03 {
		return nil, discard, &RecordHeaderError{
			Alert:  AlertDecodeError,
			Reason: "unsupported record version",
		}
	}

	if len(buf) >= recordHeaderLen {
		length := int(binary.BigEndian.Uint16(buf[3:]))
		if length > maxCiphertextLen {
			return nil, discard, &RecordHeaderError{
				Alert:  AlertRecordOverflow,
				Reason: "record length exceeds maximum",
			}
		}
	}

	if !complete {
		return nil, 0, nil
	}

	return &tlsRecord{
		contentType: RecordType(buf[0]),
		version:     binary.BigEndian.Uint16(buf[1:]),
		header:      buf[:recordHeaderLen],
		payload:     buf[recordHeaderLen:total],
	}, total, nil
}
