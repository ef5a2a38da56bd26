package serializer

import (
	"bytes"
	"testing"
)

func TestSerialiseScalars(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want []byte
	}{
		{"int", int64(1), []byte{0x00, 0x01, 0x00, 0x00, 0x00}},
		{"float", 2.5, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x40}},
		{"string", "hello", []byte{0x02, 0x05, 0x00, 0x00, 0x00, 0x68, 0x65, 0x6c, 0x6c, 0x6f}},
		{"true", true, []byte{0x07}},
		{"false", false, []byte{0x08}},
		{"none", nil, []byte{0x09}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Serialise(c.in)
			if err != nil {
				t.Fatalf("Serialise(%v): %v", c.in, err)
			}
			if !bytes.Equal(got, c.want) {
				t.Fatalf("Serialise(%v) = % x, want % x", c.in, got, c.want)
			}
		})
	}
}

func TestSerialiseList(t *testing.T) {
	got, err := Serialise([]interface{}{int64(1), int64(2)})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x05, 0x02, 0x00, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x00, 0x00,
		0x00, 0x02, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	d := &Dict{}
	d.Set("a", int64(1))
	d.Set("b", 3.5)
	s := &Set{Items: []interface{}{int64(1), "two", false}}
	values := []interface{}{
		int64(-7),
		3.14159,
		"round trip",
		[]byte{1, 2, 3, 255},
		true,
		false,
		nil,
		[]interface{}{int64(1), "x", nil},
		s,
		d,
	}
	for _, v := range values {
		enc, err := Serialise(v)
		if err != nil {
			t.Fatalf("Serialise(%v): %v", v, err)
		}
		got, consumed, err := Deserialise(enc)
		if err != nil {
			t.Fatalf("Deserialise(%v): %v", v, err)
		}
		if consumed != len(enc) {
			t.Fatalf("consumed %d, want %d for %v", consumed, len(enc), v)
		}
		reenc, err := Serialise(got)
		if err != nil {
			t.Fatalf("re-Serialise(%v): %v", got, err)
		}
		if !bytes.Equal(reenc, enc) {
			t.Fatalf("round trip mismatch for %v: % x != % x", v, reenc, enc)
		}
	}
}

func TestDeserialiseTruncated(t *testing.T) {
	if _, _, err := Deserialise([]byte{0x00, 0x01}); err == nil {
		t.Fatal("expected error on truncated int")
	}
	if _, _, err := Deserialise(nil); err == nil {
		t.Fatal("expected error on empty input")
	}
}
