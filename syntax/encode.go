package syntax

import (
	"bytes"
	"reflect"
	"runtime"

	"github.com/pkg/errors"
)

// Marshal encodes v in the TLS presentation language.
func Marshal(v interface{}) ([]byte, error) {
	e := &encodeState{}
	err := e.marshal(v, fieldOptions{})
	if err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// Marshaler is the interface implemented by types that
// have a defined TLS encoding.
type Marshaler interface {
	MarshalTLS() ([]byte, error)
}

type encodeState struct {
	bytes.Buffer
}

func (e *encodeState) marshal(v interface{}, opts fieldOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime.Error); ok {
				panic(r)
			}
			if s, ok := r.(string); ok {
				panic(s)
			}
			err = r.(error)
		}
	}()
	e.reflectValue(reflect.ValueOf(v), opts)
	return nil
}

func (e *encodeState) reflectValue(v reflect.Value, opts fieldOptions) {
	valueEncoder(v)(e, v, opts)
}

type encoderFunc func(e *encodeState, v reflect.Value, opts fieldOptions)

func valueEncoder(v reflect.Value) encoderFunc {
	if !v.IsValid() {
		panic(errors.New("syntax: cannot encode an invalid value"))
	}
	return typeEncoder(v.Type())
}

var (
	marshalerType = reflect.TypeOf(new(Marshaler)).Elem()
	byteType      = reflect.TypeOf(byte(0))
)

func typeEncoder(t reflect.Type) encoderFunc {
	if t.Implements(marshalerType) {
		return marshalerEncoder
	}
	if t.Kind() != reflect.Ptr && reflect.PtrTo(t).Implements(marshalerType) {
		return addrMarshalerEncoder
	}

	switch t.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintEncoder
	case reflect.Array:
		return newArrayEncoder(t)
	case reflect.Slice:
		return newSliceEncoder(t)
	case reflect.Struct:
		return newStructEncoder(t)
	case reflect.Ptr:
		return newPointerEncoder(t)
	default:
		panic(errors.Errorf("syntax: unsupported type (%s)", t))
	}
}

///// Specific encoders below

func marshalerEncoder(e *encodeState, v reflect.Value, opts fieldOptions) {
	if v.Kind() == reflect.Ptr && v.IsNil() {
		panic(errors.Errorf("syntax: cannot encode nil pointer (%s)", v.Type()))
	}

	m := v.Interface().(Marshaler)
	b, err := m.MarshalTLS()
	if err != nil {
		panic(err)
	}
	e.Write(b)
}

func addrMarshalerEncoder(e *encodeState, v reflect.Value, opts fieldOptions) {
	if !v.CanAddr() {
		// Copy so that the pointer method set is available
		c := reflect.New(v.Type())
		c.Elem().Set(v)
		marshalerEncoder(e, c, opts)
		return
	}
	marshalerEncoder(e, v.Addr(), opts)
}

func uintEncoder(e *encodeState, v reflect.Value, opts fieldOptions) {
	if opts.varint {
		writeVarint(e, v.Uint())
		return
	}

	writeUint(e, v.Uint(), int(v.Type().Size()))
}

func writeUint(e *encodeState, u uint64, size int) {
	for i := size - 1; i >= 0; i-- {
		e.WriteByte(byte(u >> uint(8*i)))
	}
}

const (
	varintLen1 = 0x00
	varintLen2 = 0x40
	varintLen4 = 0x80
	varintLen8 = 0xc0

	maxVarint = uint64(1<<62) - 1
)

func writeVarint(e *encodeState, u uint64) {
	switch {
	case u < 1<<6:
		e.WriteByte(varintLen1 | byte(u))
	case u < 1<<14:
		e.WriteByte(varintLen2 | byte(u>>8))
		e.WriteByte(byte(u))
	case u < 1<<30:
		e.WriteByte(varintLen4 | byte(u>>24))
		writeUint(e, u, 3)
	case u <= maxVarint:
		e.WriteByte(varintLen8 | byte(u>>56))
		writeUint(e, u, 7)
	default:
		panic(errors.Errorf("syntax: integer too large for varint: %d", u))
	}
}

//////////

type arrayEncoder struct {
	elemEnc encoderFunc
}

func (ae *arrayEncoder) encode(e *encodeState, v reflect.Value, opts fieldOptions) {
	n := v.Len()
	for i := 0; i < n; i++ {
		ae.elemEnc(e, v.Index(i), fieldOptions{})
	}
}

func newArrayEncoder(t reflect.Type) encoderFunc {
	enc := &arrayEncoder{typeEncoder(t.Elem())}
	return enc.encode
}

//////////

type sliceEncoder struct {
	elemType reflect.Type
	elemEnc  encoderFunc
}

func (se *sliceEncoder) encode(e *encodeState, v reflect.Value, opts fieldOptions) {
	if !opts.hasHead() {
		panic(errors.New("syntax: cannot encode a slice without a header length"))
	}

	arrayState := &encodeState{}
	if se.elemType == byteType {
		arrayState.Write(v.Bytes())
	} else {
		for i := 0; i < v.Len(); i++ {
			se.elemEnc(arrayState, v.Index(i), fieldOptions{})
		}
	}

	arrayLen := arrayState.Len()
	if arrayLen < opts.min {
		panic(errors.Errorf("syntax: encoded length %d below minimum %d", arrayLen, opts.min))
	}
	if opts.hasMax && arrayLen > opts.max {
		panic(errors.Errorf("syntax: encoded length %d above maximum %d", arrayLen, opts.max))
	}

	switch {
	case opts.headVarint:
		writeVarint(e, uint64(arrayLen))
	case opts.headNone:
	default:
		if uint64(arrayLen) >= uint64(1)<<(8*opts.head) {
			panic(errors.Errorf("syntax: encoded length %d too long for %d-octet header", arrayLen, opts.head))
		}
		writeUint(e, uint64(arrayLen), int(opts.head))
	}

	e.Write(arrayState.Bytes())
}

func newSliceEncoder(t reflect.Type) encoderFunc {
	enc := &sliceEncoder{
		elemType: t.Elem(),
		elemEnc:  typeEncoder(t.Elem()),
	}
	return enc.encode
}

//////////

type structEncoder struct {
	fieldIndex []int
	fieldOpts  []fieldOptions
	fieldEncs  []encoderFunc
}

func (se *structEncoder) encode(e *encodeState, v reflect.Value, opts fieldOptions) {
	for i, idx := range se.fieldIndex {
		se.fieldEncs[i](e, v.Field(idx), se.fieldOpts[i])
	}
}

func newStructEncoder(t reflect.Type) encoderFunc {
	se := &structEncoder{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			// unexported
			continue
		}

		opts, err := parseTag(f.Tag.Get("tls"))
		if err != nil {
			panic(err)
		}
		if opts.omit {
			continue
		}
		if !opts.validForType(f.Type) {
			panic(errors.Errorf("syntax: tags invalid for field type %s", f.Type))
		}

		se.fieldIndex = append(se.fieldIndex, i)
		se.fieldOpts = append(se.fieldOpts, opts)
		se.fieldEncs = append(se.fieldEncs, typeEncoder(f.Type))
	}
	return se.encode
}

//////////

type pointerEncoder struct {
	base encoderFunc
}

func (pe pointerEncoder) encode(e *encodeState, v reflect.Value, opts fieldOptions) {
	if v.IsNil() {
		panic(errors.Errorf("syntax: cannot encode nil pointer (%s)", v.Type()))
	}
	pe.base(e, v.Elem(), opts)
}

func newPointerEncoder(t reflect.Type) encoderFunc {
	enc := pointerEncoder{typeEncoder(t.Elem())}
	return enc.encode
}
