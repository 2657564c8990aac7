package syntax

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Struct fields carry their encoding options in a "tls" tag, for example
// `tls:"head=2,min=2,max=255"`.
//
//	head=N     vector length prefix of N octets (1 to 4)
//	head=none  vector runs to the end of the enclosing data
//	head=varint vector length is a variable-length integer
//	min, max   bounds on the encoded vector length, in octets
//	varint     integer is encoded as a variable-length integer
//	omit       field is skipped entirely
type fieldOptions struct {
	head       uint
	headNone   bool
	headVarint bool
	min        int
	max        int
	hasMax     bool
	varint     bool
	omit       bool
}

const maxHeadSize = 4

func parseTag(tag string) (fieldOptions, error) {
	opts := fieldOptions{}
	if tag == "" {
		return opts, nil
	}

	for _, token := range strings.Split(tag, ",") {
		switch token {
		case "":
			continue
		case "varint":
			opts.varint = true
			continue
		case "omit":
			opts.omit = true
			continue
		}

		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return opts, errors.Errorf("syntax: malformed tag token %q", token)
		}

		key, value := parts[0], parts[1]
		if key == "head" && value == "none" {
			opts.headNone = true
			continue
		}
		if key == "head" && value == "varint" {
			opts.headVarint = true
			continue
		}

		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return opts, errors.Errorf("syntax: invalid value for %s: %q", key, value)
		}

		switch key {
		case "head":
			if n == 0 || n > maxHeadSize {
				return opts, errors.Errorf("syntax: unsupported header size %d", n)
			}
			opts.head = uint(n)
		case "min":
			opts.min = n
		case "max":
			opts.max = n
			opts.hasMax = true
		default:
			return opts, errors.Errorf("syntax: unknown tag option %q", key)
		}
	}

	return opts, nil
}

func (opts fieldOptions) hasHead() bool {
	return opts.head > 0 || opts.headNone || opts.headVarint
}

func (opts fieldOptions) validForType(t reflect.Type) bool {
	headOpts := opts.hasHead() || opts.min > 0 || opts.hasMax
	if headOpts && t.Kind() != reflect.Slice {
		return false
	}

	if opts.varint {
		switch t.Kind() {
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return false
		}
	}

	return true
}
