package unbuffered

// legalInput is what a handshake state may receive.
type legalInput struct {
	messages []HandshakeType
	ccs      bool
}

func (li legalInput) allows(msgType HandshakeType) bool {
	for _, t := range li.messages {
		if t == msgType {
			return true
		}
	}
	return false
}

// handshakeTable maps each state to its legal input.  Any message not
// listed is answered with unexpected_message before the state sees it.
type handshakeTable map[State]legalInput

func only(types ...HandshakeType) legalInput {
	return legalInput{messages: types}
}

// Before the version is settled
var (
	clientCommonTable = handshakeTable{
		StateClientStart:           {},
		StateClientWaitServerHello: only(HandshakeTypeServerHello),
	}

	serverCommonTable = handshakeTable{
		StateServerStart:                only(HandshakeTypeClientHello),
		StateServerWaitClientHelloRetry: only(HandshakeTypeClientHello),
	}
)

var (
	clientTable13 = handshakeTable{
		StateClientWaitServerHello:         only(HandshakeTypeServerHello),
		StateClientWaitEncryptedExtensions: only(HandshakeTypeEncryptedExtensions),
		StateClientWaitCertificate:         only(HandshakeTypeCertificate),
		StateClientWaitCertificateVerify:   only(HandshakeTypeCertificateVerify),
		StateClientWaitFinished:            only(HandshakeTypeFinished),
		StateClientConnected:               only(HandshakeTypeNewSessionTicket, HandshakeTypeKeyUpdate),
	}

	clientTable12 = handshakeTable{
		StateClientWaitCertificate12:      only(HandshakeTypeCertificate),
		StateClientWaitServerKeyExchange:  only(HandshakeTypeServerKeyExchange),
		StateClientWaitServerHelloDone:    only(HandshakeTypeServerHelloDone),
		StateClientWaitChangeCipherSpec12: {ccs: true},
		StateClientWaitFinished12:         only(HandshakeTypeFinished),
		StateClientConnected12:            {},
	}

	serverTable13 = handshakeTable{
		StateServerWaitClientHelloRetry: only(HandshakeTypeClientHello),
		StateServerWaitEndOfEarlyData:   only(HandshakeTypeEndOfEarlyData),
		StateServerWaitFinished:         only(HandshakeTypeFinished),
		StateServerConnected:            only(HandshakeTypeKeyUpdate),
	}

	serverTable12 = handshakeTable{
		StateServerWaitClientKeyExchange:  only(HandshakeTypeClientKeyExchange),
		StateServerWaitChangeCipherSpec12: {ccs: true},
		StateServerWaitFinished12:         only(HandshakeTypeFinished),
		StateServerConnected12:            {},
	}
)

func commonTable(isClient bool) handshakeTable {
	if isClient {
		return clientCommonTable
	}
	return serverCommonTable
}

func versionTable(isClient bool, version uint16) handshakeTable {
	switch {
	case isClient && version == tls13Version:
		return clientTable13
	case isClient:
		return clientTable12
	case version == tls13Version:
		return serverTable13
	}
	return serverTable12
}

// legalInputFor looks in the version table, once chosen, then the common
// table.  Unknown states accept nothing.
func legalInputFor(common, selected handshakeTable, state State) legalInput {
	if selected != nil {
		if li, ok := selected[state]; ok {
			return li
		}
	}
	return common[state]
}
