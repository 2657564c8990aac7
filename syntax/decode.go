package syntax

import (
	"reflect"
	"runtime"

	"github.com/pkg/errors"
)

// Unmarshal decodes a value of v's pointed-to type from the front of data
// and reports how many octets it consumed.
func Unmarshal(data []byte, v interface{}) (int, error) {
	d := &decodeState{data: data}
	err := d.unmarshal(v)
	if err != nil {
		return 0, err
	}
	return d.off, nil
}

// Unmarshaler is the interface implemented by types that can decode
// themselves from the front of a buffer.
type Unmarshaler interface {
	UnmarshalTLS([]byte) (int, error)
}

type decodeState struct {
	data []byte
	off  int
}

func (d *decodeState) unmarshal(v interface{}) (err error) {
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

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("syntax: invalid unmarshal target (non-pointer or nil)")
	}

	typeDecoder(rv.Type().Elem())(d, rv.Elem(), fieldOptions{})
	return nil
}

func (d *decodeState) remaining() int {
	return len(d.data) - d.off
}

func (d *decodeState) take(n int) []byte {
	if n < 0 || d.remaining() < n {
		panic(errors.Errorf("syntax: insufficient data (need %d, have %d)", n, d.remaining()))
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decodeState) readUint(size int) uint64 {
	val := uint64(0)
	for _, b := range d.take(size) {
		val = (val << 8) + uint64(b)
	}
	return val
}

func (d *decodeState) readVarint() uint64 {
	first := d.take(1)[0]
	size := 1 << (first >> 6)
	val := uint64(first & 0x3f)
	for _, b := range d.take(size - 1) {
		val = (val << 8) + uint64(b)
	}
	return val
}

type decoderFunc func(d *decodeState, v reflect.Value, opts fieldOptions)

var unmarshalerType = reflect.TypeOf(new(Unmarshaler)).Elem()

func typeDecoder(t reflect.Type) decoderFunc {
	if reflect.PtrTo(t).Implements(unmarshalerType) {
		return unmarshalerDecoder
	}

	switch t.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintDecoder
	case reflect.Array:
		return newArrayDecoder(t)
	case reflect.Slice:
		return newSliceDecoder(t)
	case reflect.Struct:
		return newStructDecoder(t)
	case reflect.Ptr:
		return newPointerDecoder(t)
	default:
		panic(errors.Errorf("syntax: unsupported type (%s)", t))
	}
}

///// Specific decoders below

func unmarshalerDecoder(d *decodeState, v reflect.Value, opts fieldOptions) {
	um := v.Addr().Interface().(Unmarshaler)
	n, err := um.UnmarshalTLS(d.data[d.off:])
	if err != nil {
		panic(err)
	}
	d.take(n)
}

func uintDecoder(d *decodeState, v reflect.Value, opts fieldOptions) {
	var val uint64
	if opts.varint {
		val = d.readVarint()
	} else {
		val = d.readUint(int(v.Type().Size()))
	}

	if v.OverflowUint(val) {
		panic(errors.Errorf("syntax: value %d overflows %s", val, v.Type()))
	}
	v.SetUint(val)
}

//////////

type arrayDecoder struct {
	elemDec decoderFunc
}

func (ad *arrayDecoder) decode(d *decodeState, v reflect.Value, opts fieldOptions) {
	for i := 0; i < v.Len(); i++ {
		ad.elemDec(d, v.Index(i), fieldOptions{})
	}
}

func newArrayDecoder(t reflect.Type) decoderFunc {
	dec := &arrayDecoder{typeDecoder(t.Elem())}
	return dec.decode
}

//////////

type sliceDecoder struct {
	elemType reflect.Type
	elemDec  decoderFunc
}

func (sd *sliceDecoder) decode(d *decodeState, v reflect.Value, opts fieldOptions) {
	var length int
	switch {
	case opts.headVarint:
		length = int(d.readVarint())
	case opts.headNone:
		length = d.remaining()
	case opts.head > 0:
		length = int(d.readUint(int(opts.head)))
	default:
		panic(errors.New("syntax: cannot decode a slice without a header length"))
	}

	if length < opts.min {
		panic(errors.Errorf("syntax: vector length %d below minimum %d", length, opts.min))
	}
	if opts.hasMax && length > opts.max {
		panic(errors.Errorf("syntax: vector length %d above maximum %d", length, opts.max))
	}

	data := d.take(length)
	if sd.elemType == byteType {
		v.SetBytes(append([]byte{}, data...))
		return
	}

	sub := &decodeState{data: data}
	elems := reflect.MakeSlice(v.Type(), 0, 0)
	for sub.remaining() > 0 {
		elem := reflect.New(sd.elemType).Elem()
		sd.elemDec(sub, elem, fieldOptions{})
		elems = reflect.Append(elems, elem)
	}
	v.Set(elems)
}

func newSliceDecoder(t reflect.Type) decoderFunc {
	dec := &sliceDecoder{
		elemType: t.Elem(),
		elemDec:  typeDecoder(t.Elem()),
	}
	return dec.decode
}

//////////

type structDecoder struct {
	fieldIndex []int
	fieldOpts  []fieldOptions
	fieldDecs  []decoderFunc
}

func (sd *structDecoder) decode(d *decodeState, v reflect.Value, opts fieldOptions) {
	for i, idx := range sd.fieldIndex {
		sd.fieldDecs[i](d, v.Field(idx), sd.fieldOpts[i])
	}
}

func newStructDecoder(t reflect.Type) decoderFunc {
	sd := &structDecoder{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
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

		sd.fieldIndex = append(sd.fieldIndex, i)
		sd.fieldOpts = append(sd.fieldOpts, opts)
		sd.fieldDecs = append(sd.fieldDecs, typeDecoder(f.Type))
	}
	return sd.decode
}

//////////

type pointerDecoder struct {
	base decoderFunc
}

func (pd pointerDecoder) decode(d *decodeState, v reflect.Value, opts fieldOptions) {
	elem := reflect.New(v.Type().Elem())
	pd.base(d, elem.Elem(), opts)
	v.Set(elem)
}

func newPointerDecoder(t reflect.Type) decoderFunc {
	dec := pointerDecoder{typeDecoder(t.Elem())}
	return dec.decode
}
