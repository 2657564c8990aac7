package unbuffered

import "strconv"

// Alert is a TLS alert description. Fatal conditions are reported to the
// caller as errors, so Alert implements error.
type Alert uint8

const (
	// alert level
	AlertLevelWarning = 1
	AlertLevelError   = 2
)

const (
	AlertCloseNotify                 Alert = 0
	AlertUnexpectedMessage           Alert = 10
	AlertBadRecordMac                Alert = 20
	AlertRecordOverflow              Alert = 22
	AlertHandshakeFailure            Alert = 40
	AlertBadCertificate              Alert = 42
	AlertUnsupportedCertificate      Alert = 43
	AlertCertificateRevoked          Alert = 44
	AlertCertificateExpired          Alert = 45
	AlertCertificateUnknown          Alert = 46
	AlertIllegalParameter            Alert = 47
	AlertUnknownCA                   Alert = 48
	AlertAccessDenied                Alert = 49
	AlertDecodeError                 Alert = 50
	AlertDecryptError                Alert = 51
	AlertProtocolVersion             Alert = 70
	AlertInsufficientSecurity        Alert = 71
	AlertInternalError               Alert = 80
	AlertInappropriateFallback       Alert = 86
	AlertUserCanceled                Alert = 90
	AlertNoRenegotiation             Alert = 100
	AlertMissingExtension            Alert = 109
	AlertUnsupportedExtension        Alert = 110
	AlertUnrecognizedName            Alert = 112
	AlertBadCertificateStatsResponse Alert = 113
	AlertUnknownPSKIdentity          Alert = 115
	AlertCertificateRequired         Alert = 116
	AlertNoApplicationProtocol       Alert = 120
)

var alertText = map[Alert]string{
	AlertCloseNotify:                 "close notify",
	AlertUnexpectedMessage:           "unexpected message",
	AlertBadRecordMac:                "bad record MAC",
	AlertRecordOverflow:              "record overflow",
	AlertHandshakeFailure:            "handshake failure",
	AlertBadCertificate:              "bad certificate",
	AlertUnsupportedCertificate:      "unsupported certificate",
	AlertCertificateRevoked:          "revoked certificate",
	AlertCertificateExpired:          "expired certificate",
	AlertCertificateUnknown:          "unknown certificate",
	AlertIllegalParameter:            "illegal parameter",
	AlertUnknownCA:                   "unknown certificate authority",
	AlertAccessDenied:                "access denied",
	AlertDecodeError:                 "error decoding message",
	AlertDecryptError:                "error decrypting message",
	AlertProtocolVersion:             "protocol version not supported",
	AlertInsufficientSecurity:        "insufficient security level",
	AlertInternalError:               "internal error",
	AlertInappropriateFallback:       "inappropriate fallback",
	AlertUserCanceled:                "user canceled",
	AlertNoRenegotiation:             "no renegotiation",
	AlertMissingExtension:            "missing extension",
	AlertUnsupportedExtension:        "unsupported extension",
	AlertUnrecognizedName:            "unrecognized name",
	AlertBadCertificateStatsResponse: "bad certificate status response",
	AlertUnknownPSKIdentity:          "unknown PSK identity",
	AlertCertificateRequired:         "certificate required",
	AlertNoApplicationProtocol:       "no application protocol",
}

func (e Alert) String() string {
	s, ok := alertText[e]
	if ok {
		return s
	}
	return "alert(" + strconv.Itoa(int(e)) + ")"
}

func (e Alert) Error() string {
	return e.String()
}

// level is the level at which this engine sends the alert.
func (e Alert) level() byte {
	switch e {
	case AlertCloseNotify, AlertUserCanceled, AlertNoRenegotiation:
		return AlertLevelWarning
	}
	return AlertLevelError
}

func (e Alert) payload() []byte {
	return []byte{e.level(), byte(e)}
}
