package syntax

import (
	"reflect"
	"testing"
)

func TestTagParsing(t *testing.T) {
	opts, err := parseTag("head=2,min=3,max=60000,varint")
	if err != nil {
		t.Fatalf("Failed to parse tag: %v", err)
	}
	if opts.head != 2 || opts.min != 3 || opts.max != 60000 || !opts.hasMax || !opts.varint {
		t.Fatalf("Parsed fields incorrectly: %+v", opts)
	}

	opts, err = parseTag("head=none,omit")
	if err != nil || !opts.headNone || !opts.omit {
		t.Fatalf("Parsed head=none incorrectly: %+v %v", opts, err)
	}

	opts, err = parseTag("head=varint")
	if err != nil || !opts.headVarint {
		t.Fatalf("Parsed head=varint incorrectly: %+v %v", opts, err)
	}

	for _, bad := range []string{"head=5", "head=0", "min=-1", "size=2", "=x", "head"} {
		if _, err := parseTag(bad); err == nil {
			t.Fatalf("Accepted malformed tag %q", bad)
		}
	}
}

func TestTagValidity(t *testing.T) {
	sliceTags, _ := parseTag("head=2")
	uintTags, _ := parseTag("varint")

	sliceType := reflect.TypeOf([]byte{})
	uintType := reflect.TypeOf(uint8(0))

	if !sliceTags.validForType(sliceType) {
		t.Fatalf("Rejected valid tags for slice")
	}

	if !uintTags.validForType(uintType) {
		t.Fatalf("Rejected valid tags for uint")
	}

	if uintTags.validForType(sliceType) {
		t.Fatalf("Accepted invalid tags for slice: %+v", uintTags)
	}

	if sliceTags.validForType(uintType) {
		t.Fatalf("Accepted invalid tags for uint: %+v", sliceTags)
	}
}
