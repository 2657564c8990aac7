package syntax

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
)

// A hostName marshals as a two-octet length followed by the lower-cased
// name, the way an SNI entry would.
type hostName string

var (
	hostNameMarshalCalls   = 0
	hostNameUnmarshalCalls = 0
)

func (h hostName) MarshalTLS() ([]byte, error) {
	hostNameMarshalCalls++

	b := []byte(strings.ToLower(string(h)))
	if len(b) == 0 || len(b) > 0xffff {
		return nil, fmt.Errorf("invalid host name length %d", len(b))
	}
	return append([]byte{byte(len(b) >> 8), byte(len(b))}, b...), nil
}

func (h *hostName) UnmarshalTLS(data []byte) (int, error) {
	hostNameUnmarshalCalls++

	if len(data) < 2 {
		return 0, fmt.Errorf("host name truncated")
	}
	n := int(data[0])<<8 | int(data[1])
	if n == 0 || len(data) < 2+n {
		return 0, fmt.Errorf("host name length %d invalid", n)
	}
	*h = hostName(data[2 : 2+n])
	return 2 + n, nil
}

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

// Test cases to use for encode and decode
var (
	x8  uint8 = 0xA0
	z8        = unhex("A0")
	x16 uint16 = 0xB0A0
	z16        = unhex("B0A0")
	x32 uint32 = 0xD0C0B0A0
	z32        = unhex("D0C0B0A0")
	x64 uint64 = 0xD0C0B0A090807060
	z64        = unhex("D0C0B0A090807060")

	xa = [5]uint16{0x1111, 0x2222, 0x3333, 0x4444, 0x5555}
	za = unhex("11112222333344445555")

	xv20 = struct {
		V []byte `tls:"head=1"`
	}{V: bytes.Repeat([]byte{0xA0}, 0x20)}
	zv20 = unhex("20" + strings.Repeat("A0", 0x20))

	xv200 = struct {
		V []byte `tls:"head=2"`
	}{V: bytes.Repeat([]byte{0xA0}, 0x200)}
	zv200 = unhex("0200" + strings.Repeat("A0", 0x200))

	xv20000 = struct {
		V []byte `tls:"head=3"`
	}{V: bytes.Repeat([]byte{0xA0}, 0x20000)}
	zv20000 = unhex("020000" + strings.Repeat("A0", 0x20000))

	xvNone = struct {
		A uint8
		V []byte `tls:"head=none"`
	}{A: 0x01, V: []byte{0x02, 0x03, 0x04}}
	zvNone = unhex("01020304")

	xvVarint = struct {
		V []byte `tls:"head=varint"`
	}{V: bytes.Repeat([]byte{0xA0}, 0x41)}
	zvVarint = unhex("4041" + strings.Repeat("A0", 0x41))

	xvENohead = struct {
		V []byte
	}{V: xv20.V}

	xvEhead = struct {
		V []byte `tls:"head=1"`
	}{V: bytes.Repeat([]byte{0xA0}, 0x100)}

	xvEmax = struct {
		V []byte `tls:"head=1,max=31"`
	}{V: xv20.V}

	xvEmin = struct {
		V []byte `tls:"head=1,min=33"`
	}{V: xv20.V}

	// A supported_groups-like vector of named integers
	xGroups = struct {
		Groups []uint16 `tls:"head=2,min=2"`
	}{Groups: []uint16{0x001d, 0x0017, 0x0018}}
	zGroups = unhex("0006" + "001d00170018")

	// An extension-like list of structs
	xExts = struct {
		Exts []struct {
			Type uint16
			Data []byte `tls:"head=2"`
		} `tls:"head=2"`
	}{Exts: []struct {
		Type uint16
		Data []byte `tls:"head=2"`
	}{{Type: 0x002b, Data: []byte{0x03, 0x04}}, {Type: 0x0017}}}
	zExts = unhex("000a" + "002b00020304" + "00170000")

	xOmit = struct {
		A uint16
		B uint32 `tls:"omit"`
		C uint8
	}{A: x16, B: x32, C: x8}
	zOmit = unhex("B0A0A0")

	xVarints = struct {
		A uint8  `tls:"varint"`
		B uint16 `tls:"varint"`
		C uint32 `tls:"varint"`
		D uint64 `tls:"varint"`
	}{A: 0x25, B: 0x3bbd, C: 0x1d7f3e7d, D: 0x219e15c5ec0f7e14}
	zVarints = unhex("25" + "7bbd" + "9d7f3e7d" + "e19e15c5ec0f7e14")

	xm = hostName("Example.COM")
	zm = unhex("000b" + hex.EncodeToString([]byte("example.com")))

	xsm = struct {
		A hostName
		B uint16
		C hostName
	}{
		A: hostName("a.test"),
		B: x16,
		C: hostName("b.test"),
	}
	zsm = unhex("0006" + hex.EncodeToString([]byte("a.test")) + "B0A0" + "0006" + hex.EncodeToString([]byte("b.test")))

	xsp = struct {
		A uint16
		B *hostName
	}{
		A: x16,
		B: &xm,
	}
	zsp = unhex("B0A0" + hex.EncodeToString(zm))

	innerValue = struct{ A uint8 }{0xFF}
	xsInner    = struct {
		Inner *struct{ A uint8 }
	}{&innerValue}
	zsInner = unhex("FF")
)

func TestEncodeInvalidCases(t *testing.T) {
	x := struct {
		Strings []string
	}{Strings: []string{"asdf"}}
	_, err := Marshal(x)
	if err == nil {
		t.Fatalf("Agreed to marshal an unsupported type")
	}

	y := struct {
		Inner *struct{ A uint8 }
	}{}
	_, err = Marshal(y)
	if err == nil {
		t.Fatalf("Agreed to marshal a nil pointer")
	}

	z := struct {
		A uint8 `tls:"head=2"`
	}{}
	_, err = Marshal(z)
	if err == nil {
		t.Fatalf("Agreed to marshal a uint with vector tags")
	}
}

func TestEncodeBasicTypes(t *testing.T) {
	cases := []struct {
		in  interface{}
		out []byte
	}{
		{x8, z8}, {x16, z16}, {x32, z32}, {x64, z64}, {xa, za},
	}

	for _, c := range cases {
		y, err := Marshal(c.in)
		if err != nil || !bytes.Equal(y, c.out) {
			t.Fatalf("%T encode failed [%v] [%x]", c.in, err, y)
		}
	}
}

func TestEncodeSlice(t *testing.T) {
	good := []struct {
		in  interface{}
		out []byte
	}{
		{xv20, zv20}, {xv200, zv200}, {xv20000, zv20000},
		{xvNone, zvNone}, {xvVarint, zvVarint},
		{xGroups, zGroups}, {xExts, zExts},
	}
	for _, c := range good {
		y, err := Marshal(c.in)
		if err != nil || !bytes.Equal(y, c.out) {
			t.Fatalf("slice encode failed [%v] [%x] != [%x]", err, y, c.out)
		}
	}

	for _, bad := range []interface{}{xvENohead, xvEhead, xvEmax, xvEmin} {
		y, err := Marshal(bad)
		if err == nil {
			t.Fatalf("Allowed invalid slice marshal [%x]", y)
		}
	}
}

func TestEncodeStructOptions(t *testing.T) {
	y, err := Marshal(xOmit)
	if err != nil || !bytes.Equal(y, zOmit) {
		t.Fatalf("omit encode failed [%v] [%x]", err, y)
	}

	y, err = Marshal(xVarints)
	if err != nil || !bytes.Equal(y, zVarints) {
		t.Fatalf("varint encode failed [%v] [%x]", err, y)
	}

	y, err = Marshal(xsInner)
	if err != nil || !bytes.Equal(y, zsInner) {
		t.Fatalf("pointer encode failed [%v] [%x]", err, y)
	}
}

func TestEncodeMarshaler(t *testing.T) {
	hostNameMarshalCalls = 0
	ym, err := Marshal(xm)
	if err != nil || !bytes.Equal(ym, zm) {
		t.Fatalf("Marshaler encode failed [%v] [%x]", err, ym)
	}
	if hostNameMarshalCalls != 1 {
		t.Fatalf("MarshalTLS() was not called exactly once [%v]", hostNameMarshalCalls)
	}

	hostNameMarshalCalls = 0
	ysm, err := Marshal(xsm)
	if err != nil || !bytes.Equal(ysm, zsm) {
		t.Fatalf("Struct-embedded marshaler encode failed [%v] [%x]", err, ysm)
	}
	if hostNameMarshalCalls != 2 {
		t.Fatalf("MarshalTLS() was not called exactly twice [%v]", hostNameMarshalCalls)
	}

	ysp, err := Marshal(xsp)
	if err != nil || !bytes.Equal(ysp, zsp) {
		t.Fatalf("Pointer-to-marshaler encode failed [%v] [%x]", err, ysp)
	}

	_, err = Marshal(hostName(""))
	if err == nil {
		t.Fatalf("Marshaler error was not propagated")
	}
}
