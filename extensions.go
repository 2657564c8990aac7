package unbuffered

import (
	"net"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"

	"github.com/bifurcation/unbuffered/syntax"
)

// ExtensionBody is the typed content of one hello extension.
type ExtensionBody interface {
	Type() ExtensionType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// struct {
//     ExtensionType extension_type;
//     opaque extension_data<0..2^16-1>;
// } Extension;
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

// ExtensionList is an ordered set of extensions, at most one of each type.
type ExtensionList []Extension

type extensionListInner struct {
	List []Extension `tls:"head=2"`
}

func (el ExtensionList) Marshal() ([]byte, error) {
	return syntax.Marshal(extensionListInner{el})
}

func (el *ExtensionList) Unmarshal(data []byte) (int, error) {
	var list extensionListInner
	read, err := syntax.Unmarshal(data, &list)
	if err != nil {
		return 0, err
	}

	if err := checkDuplicateExtensions(list.List); err != nil {
		return 0, err
	}

	*el = list.List
	return read, nil
}

func checkDuplicateExtensions(list []Extension) error {
	seen := map[ExtensionType]bool{}
	for _, ext := range list {
		if seen[ext.ExtensionType] {
			return errors.Errorf("unbuffered: duplicate extension %d", ext.ExtensionType)
		}
		seen[ext.ExtensionType] = true
	}
	return nil
}

// Add appends src, replacing any extension of the same type in place.
func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := src.Marshal()
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}

	for i := range *el {
		if (*el)[i].ExtensionType == src.Type() {
			(*el)[i].ExtensionData = data
			return nil
		}
	}

	*el = append(*el, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

// Find decodes the extension of dst's type into dst.  A present but
// malformed extension is an error.
func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el {
		if ext.ExtensionType != dst.Type() {
			continue
		}

		read, err := dst.Unmarshal(ext.ExtensionData)
		if err != nil {
			return false, misbehaved(AlertDecodeError, "malformed extension %d: %v", ext.ExtensionType, err)
		}
		if read != len(ext.ExtensionData) {
			return false, misbehaved(AlertDecodeError, "trailing data in extension %d", ext.ExtensionType)
		}
		return true, nil
	}
	return false, nil
}

// Types lists the extension types in order.
func (el ExtensionList) Types() []ExtensionType {
	types := make([]ExtensionType, len(el))
	for i, ext := range el {
		types[i] = ext.ExtensionType
	}
	return types
}

// struct {
//     NameType name_type;
//     select (name_type) {
//         case host_name: HostName;
//     } name;
// } ServerName;
//
// struct {
//     ServerName server_name_list<1..2^16-1>
// } ServerNameList;
type ServerNameExtension string

const serverNameTypeHostName = 0

type serverNameInner struct {
	NameType uint8
	HostName []byte `tls:"head=2,min=1"`
}

type serverNameListInner struct {
	ServerNameList []serverNameInner `tls:"head=2,min=1"`
}

func (sni ServerNameExtension) Type() ExtensionType {
	return ExtensionTypeServerName
}

func (sni ServerNameExtension) Marshal() ([]byte, error) {
	list := serverNameListInner{
		ServerNameList: []serverNameInner{{
			NameType: serverNameTypeHostName,
			HostName: []byte(sni),
		}},
	}
	return syntax.Marshal(list)
}

func (sni *ServerNameExtension) Unmarshal(data []byte) (int, error) {
	var list serverNameListInner
	read, err := syntax.Unmarshal(data, &list)
	if err != nil {
		return 0, err
	}

	for _, name := range list.ServerNameList {
		if name.NameType != serverNameTypeHostName {
			continue
		}
		*sni = ServerNameExtension(name.HostName)
		return read, nil
	}
	return 0, errors.New("unbuffered: no host_name in server_name")
}

// normalizeServerName maps a configured host name to the form carried in
// server_name.  IP literals are not sent.
func normalizeServerName(name string) (string, bool) {
	host := strings.TrimSuffix(name, ".")
	if host == "" || net.ParseIP(strings.Trim(host, "[]")) != nil {
		return "", false
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		logf(logTypeNegotiation, "IDNA conversion of %q failed: %v", host, err)
		return host, true
	}
	return ascii, true
}

// validServerName checks a server_name received from a client.
func validServerName(name string) bool {
	if name == "" || strings.HasSuffix(name, ".") {
		return false
	}
	_, err := idna.Lookup.ToASCII(name)
	return err == nil
}

// struct {
//     NamedGroup group;
//     opaque key_exchange<1..2^16-1>;
// } KeyShareEntry;
type KeyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte `tls:"head=2,min=1"`
}

// KeyShareExtension takes one of three shapes depending on the message
// that carries it, selected by HandshakeType and HelloRetry.
type KeyShareExtension struct {
	HandshakeType HandshakeType
	HelloRetry    bool
	SelectedGroup NamedGroup
	Shares        []KeyShareEntry
}

type keyShareClientHelloInner struct {
	ClientShares []KeyShareEntry `tls:"head=2"`
}

type keyShareHelloRetryInner struct {
	SelectedGroup NamedGroup
}

type keyShareServerHelloInner struct {
	ServerShare KeyShareEntry
}

func (ks KeyShareExtension) Type() ExtensionType {
	return ExtensionTypeKeyShare
}

func (ks KeyShareExtension) Marshal() ([]byte, error) {
	switch {
	case ks.HandshakeType == HandshakeTypeClientHello:
		return syntax.Marshal(keyShareClientHelloInner{ks.Shares})
	case ks.HandshakeType == HandshakeTypeServerHello && ks.HelloRetry:
		return syntax.Marshal(keyShareHelloRetryInner{ks.SelectedGroup})
	case ks.HandshakeType == HandshakeTypeServerHello:
		if len(ks.Shares) != 1 {
			return nil, errors.New("unbuffered: ServerHello key_share needs exactly one share")
		}
		return syntax.Marshal(keyShareServerHelloInner{ks.Shares[0]})
	}
	return nil, errors.Errorf("unbuffered: key_share not valid in %s", ks.HandshakeType)
}

func (ks *KeyShareExtension) Unmarshal(data []byte) (int, error) {
	switch {
	case ks.HandshakeType == HandshakeTypeClientHello:
		var inner keyShareClientHelloInner
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		ks.Shares = inner.ClientShares
		return read, nil

	case ks.HandshakeType == HandshakeTypeServerHello && ks.HelloRetry:
		var inner keyShareHelloRetryInner
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		ks.SelectedGroup = inner.SelectedGroup
		return read, nil

	case ks.HandshakeType == HandshakeTypeServerHello:
		var inner keyShareServerHelloInner
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		ks.Shares = []KeyShareEntry{inner.ServerShare}
		return read, nil
	}
	return 0, errors.Errorf("unbuffered: key_share not valid in %s", ks.HandshakeType)
}

// struct {
//     NamedGroup named_group_list<2..2^16-1>;
// } NamedGroupList;
type SupportedGroupsExtension struct {
	Groups []NamedGroup `tls:"head=2,min=2"`
}

func (sg SupportedGroupsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedGroups
}

func (sg SupportedGroupsExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(sg)
}

func (sg *SupportedGroupsExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, sg)
}

// struct {
//   SignatureScheme supported_signature_algorithms<2..2^16-2>;
// } SignatureSchemeList
type SignatureAlgorithmsExtension struct {
	Algorithms []SignatureScheme `tls:"head=2,min=2"`
}

func (sa SignatureAlgorithmsExtension) Type() ExtensionType {
	return ExtensionTypeSignatureAlgorithms
}

func (sa SignatureAlgorithmsExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(sa)
}

func (sa *SignatureAlgorithmsExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, sa)
}

// struct {
//     select (Handshake.msg_type) {
//         case client_hello:
//              ProtocolVersion versions<2..254>;
//         case server_hello:
//              ProtocolVersion selected_version;
//     };
// } SupportedVersions;
type SupportedVersionsExtension struct {
	HandshakeType HandshakeType
	Versions      []uint16
}

type supportedVersionsClientHelloInner struct {
	Versions []uint16 `tls:"head=1,min=2,max=254"`
}

type supportedVersionsServerHelloInner struct {
	Version uint16
}

func (sv SupportedVersionsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedVersions
}

func (sv SupportedVersionsExtension) Marshal() ([]byte, error) {
	switch sv.HandshakeType {
	case HandshakeTypeClientHello:
		return syntax.Marshal(supportedVersionsClientHelloInner{sv.Versions})
	case HandshakeTypeServerHello:
		if len(sv.Versions) != 1 {
			return nil, errors.New("unbuffered: ServerHello selects exactly one version")
		}
		return syntax.Marshal(supportedVersionsServerHelloInner{sv.Versions[0]})
	}
	return nil, errors.Errorf("unbuffered: supported_versions not valid in %s", sv.HandshakeType)
}

func (sv *SupportedVersionsExtension) Unmarshal(data []byte) (int, error) {
	switch sv.HandshakeType {
	case HandshakeTypeClientHello:
		var inner supportedVersionsClientHelloInner
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		sv.Versions = inner.Versions
		return read, nil

	case HandshakeTypeServerHello:
		var inner supportedVersionsServerHelloInner
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		sv.Versions = []uint16{inner.Version}
		return read, nil
	}
	return 0, errors.Errorf("unbuffered: supported_versions not valid in %s", sv.HandshakeType)
}

// struct {
//     PskKeyExchangeMode ke_modes<1..255>;
// } PskKeyExchangeModes;
type PSKKeyExchangeModesExtension struct {
	KEModes []PSKKeyExchangeMode `tls:"head=1,min=1"`
}

func (pkem PSKKeyExchangeModesExtension) Type() ExtensionType {
	return ExtensionTypePSKKeyExchangeModes
}

func (pkem PSKKeyExchangeModesExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(pkem)
}

func (pkem *PSKKeyExchangeModesExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, pkem)
}

// struct {
//     select (Handshake.msg_type) {
//         case new_session_ticket:   uint32 max_early_data_size;
//         case client_hello:         Empty;
//         case encrypted_extensions: Empty;
//     };
// } EarlyDataIndication;
type EarlyDataExtension struct{}

func (ed EarlyDataExtension) Type() ExtensionType {
	return ExtensionTypeEarlyData
}

func (ed EarlyDataExtension) Marshal() ([]byte, error) {
	return []byte{}, nil
}

func (ed *EarlyDataExtension) Unmarshal(data []byte) (int, error) {
	return 0, nil
}

// TicketEarlyDataInfoExtension is early_data as carried in NewSessionTicket.
type TicketEarlyDataInfoExtension struct {
	MaxEarlyDataSize uint32
}

func (tedi TicketEarlyDataInfoExtension) Type() ExtensionType {
	return ExtensionTypeEarlyData
}

func (tedi TicketEarlyDataInfoExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(tedi)
}

func (tedi *TicketEarlyDataInfoExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, tedi)
}

// struct {
//     opaque identity<1..2^16-1>;
//     uint32 obfuscated_ticket_age;
// } PskIdentity;
type PSKIdentity struct {
	Identity            []byte `tls:"head=2,min=1"`
	ObfuscatedTicketAge uint32
}

// opaque PskBinderEntry<32..255>;
type PSKBinderEntry struct {
	Binder []byte `tls:"head=1,min=32"`
}

// struct {
//     select (Handshake.msg_type) {
//         case client_hello: OfferedPsks;
//         case server_hello: uint16 selected_identity;
//     };
// } PreSharedKeyExtension;
type PreSharedKeyExtension struct {
	HandshakeType    HandshakeType
	Identities       []PSKIdentity
	Binders          []PSKBinderEntry
	SelectedIdentity uint16
}

type preSharedKeyClientInner struct {
	Identities []PSKIdentity    `tls:"head=2,min=7"`
	Binders    []PSKBinderEntry `tls:"head=2,min=33"`
}

type preSharedKeyServerInner struct {
	SelectedIdentity uint16
}

func (psk PreSharedKeyExtension) Type() ExtensionType {
	return ExtensionTypePreSharedKey
}

func (psk PreSharedKeyExtension) Marshal() ([]byte, error) {
	switch psk.HandshakeType {
	case HandshakeTypeClientHello:
		if len(psk.Identities) != len(psk.Binders) {
			return nil, errors.New("unbuffered: PSK identity and binder counts differ")
		}
		return syntax.Marshal(preSharedKeyClientInner{
			Identities: psk.Identities,
			Binders:    psk.Binders,
		})
	case HandshakeTypeServerHello:
		return syntax.Marshal(preSharedKeyServerInner{psk.SelectedIdentity})
	}
	return nil, errors.Errorf("unbuffered: pre_shared_key not valid in %s", psk.HandshakeType)
}

func (psk *PreSharedKeyExtension) Unmarshal(data []byte) (int, error) {
	switch psk.HandshakeType {
	case HandshakeTypeClientHello:
		var inner preSharedKeyClientInner
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		if len(inner.Identities) != len(inner.Binders) {
			return 0, errors.New("unbuffered: PSK identity and binder counts differ")
		}
		psk.Identities = inner.Identities
		psk.Binders = inner.Binders
		return read, nil

	case HandshakeTypeServerHello:
		var inner preSharedKeyServerInner
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		psk.SelectedIdentity = inner.SelectedIdentity
		return read, nil
	}
	return 0, errors.Errorf("unbuffered: pre_shared_key not valid in %s", psk.HandshakeType)
}

// bindersLen is the encoded size of the binders list, which trails the
// ClientHello.
func (psk PreSharedKeyExtension) bindersLen() int {
	n := 2
	for _, b := range psk.Binders {
		n += 1 + len(b.Binder)
	}
	return n
}

// opaque ProtocolName<1..2^8-1>;
//
// struct {
//     ProtocolName protocol_name_list<2..2^16-1>
// } ProtocolNameList;
type ALPNExtension struct {
	Protocols []string
}

type protocolName struct {
	Name []byte `tls:"head=1,min=1"`
}

type alpnExtensionInner struct {
	Protocols []protocolName `tls:"head=2,min=2"`
}

func (alpn ALPNExtension) Type() ExtensionType {
	return ExtensionTypeALPN
}

func (alpn ALPNExtension) Marshal() ([]byte, error) {
	inner := alpnExtensionInner{make([]protocolName, len(alpn.Protocols))}
	for i, p := range alpn.Protocols {
		inner.Protocols[i] = protocolName{[]byte(p)}
	}
	return syntax.Marshal(inner)
}

func (alpn *ALPNExtension) Unmarshal(data []byte) (int, error) {
	var inner alpnExtensionInner
	read, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}

	alpn.Protocols = make([]string, len(inner.Protocols))
	for i, p := range inner.Protocols {
		alpn.Protocols[i] = string(p.Name)
	}
	return read, nil
}

// struct {
//     opaque cookie<1..2^16-1>;
// } Cookie;
type CookieExtension struct {
	Cookie []byte `tls:"head=2,min=1"`
}

func (c CookieExtension) Type() ExtensionType {
	return ExtensionTypeCookie
}

func (c CookieExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(c)
}

func (c *CookieExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, c)
}

// struct {
//     ECPointFormat ec_point_format_list<1..2^8-1>
// } ECPointFormatList;
type ECPointFormatsExtension struct {
	Formats []uint8 `tls:"head=1,min=1"`
}

const pointFormatUncompressed = 0

func (pf ECPointFormatsExtension) Type() ExtensionType {
	return ExtensionTypeECPointFormats
}

func (pf ECPointFormatsExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(pf)
}

func (pf *ECPointFormatsExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, pf)
}

// ExtendedMasterSecretExtension is the empty extended_master_secret
// extension of RFC 7627.
type ExtendedMasterSecretExtension struct{}

func (ems ExtendedMasterSecretExtension) Type() ExtensionType {
	return ExtensionTypeExtendedMasterSecret
}

func (ems ExtendedMasterSecretExtension) Marshal() ([]byte, error) {
	return []byte{}, nil
}

func (ems *ExtendedMasterSecretExtension) Unmarshal(data []byte) (int, error) {
	return 0, nil
}
