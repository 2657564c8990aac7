package unbuffered

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"reflect"
	"testing"
)

func unhex(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	return b
}

func assert(t *testing.T, test bool, msg string) {
	t.Helper()
	if !test {
		t.Fatalf("%s", msg)
	}
}

func assertError(t *testing.T, err error, msg string) {
	t.Helper()
	assert(t, err != nil, msg)
}

func assertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		msg += ": " + err.Error()
	}
	assert(t, err == nil, msg)
}

func assertNotNil(t *testing.T, x interface{}, msg string) {
	t.Helper()
	assert(t, x != nil, msg)
}

func assertEquals(t *testing.T, a interface{}, b interface{}) {
	t.Helper()
	if a != b {
		assert(t, false, fmt.Sprintf("%+v != %+v", a, b))
	}
}

func assertByteEquals(t *testing.T, a []byte, b []byte) {
	t.Helper()
	if !bytes.Equal(a, b) {
		assert(t, false, fmt.Sprintf("%+v != %+v", hex.EncodeToString(a), hex.EncodeToString(b)))
	}
}

func assertNotByteEquals(t *testing.T, a []byte, b []byte) {
	t.Helper()
	if bytes.Equal(a, b) {
		assert(t, false, fmt.Sprintf("%+v == %+v", hex.EncodeToString(a), hex.EncodeToString(b)))
	}
}

func assertDeepEquals(t *testing.T, a interface{}, b interface{}) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		assert(t, false, fmt.Sprintf("%+v != %+v", a, b))
	}
}
