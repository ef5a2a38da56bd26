// internal/serializer/serializer.go
package serializer

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"nsy3c/internal/errors"
)

// Tag is the leading byte of every encoded value, identifying its shape.
type Tag byte

const (
	TagInt    Tag = 0
	TagFloat  Tag = 1
	TagString Tag = 2
	TagDict   Tag = 3
	TagSet    Tag = 4
	TagList   Tag = 5
	TagBytes  Tag = 6
	TagTrue   Tag = 7
	TagFalse  Tag = 8
	TagNone   Tag = 9
)

// None is a named placeholder type. Serialise and Deserialise represent the
// TagNone value as Go nil; Serialise does not accept a None value.
type None struct{}

// Dict preserves insertion order for keys so re-serialising a decoded value
// is deterministic; keys and values may be any serialisable type.
type Dict struct {
	Keys   []interface{}
	Values []interface{}
}

func (d *Dict) Set(key, value interface{}) {
	d.Keys = append(d.Keys, key)
	d.Values = append(d.Values, value)
}

// Set is an ordered collection of distinct serialisable items.
type Set struct {
	Items []interface{}
}

// Serialise encodes a value using the tagged little-endian wire format.
//
// Supported Go types: int/int64, float64, string, []byte, bool, nil,
// []interface{} (list), *Set, *Dict.
func Serialise(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte{byte(TagNone)}, nil
	case bool:
		if val {
			return []byte{byte(TagTrue)}, nil
		}
		return []byte{byte(TagFalse)}, nil
	case int:
		return serialiseInt(int64(val)), nil
	case int64:
		return serialiseInt(val), nil
	case float64:
		return serialiseFloat(val), nil
	case string:
		return serialiseString(val), nil
	case []byte:
		return serialiseBytes(val), nil
	case []interface{}:
		return serialiseList(val)
	case *Set:
		return serialiseSet(val)
	case *Dict:
		return serialiseDict(val)
	default:
		return nil, errors.Newf(errors.EncodeUnsupported, "cannot serialise value of type %T", v)
	}
}

func serialiseInt(v int64) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(TagInt)
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(v)))
	return buf
}

func serialiseFloat(v float64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(TagFloat)
	binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(v))
	return buf
}

func serialiseString(v string) []byte {
	b := []byte(v)
	buf := make([]byte, 0, 5+len(b))
	buf = append(buf, byte(TagString))
	buf = appendUint32(buf, uint32(len(b)))
	buf = append(buf, b...)
	return buf
}

func serialiseBytes(v []byte) []byte {
	buf := make([]byte, 0, 5+len(v))
	buf = append(buf, byte(TagBytes))
	buf = appendUint32(buf, uint32(len(v)))
	buf = append(buf, v...)
	return buf
}

func serialiseList(items []interface{}) ([]byte, error) {
	buf := []byte{byte(TagList)}
	buf = appendUint32(buf, uint32(len(items)))
	for _, item := range items {
		enc, err := Serialise(item)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

func serialiseSet(s *Set) ([]byte, error) {
	buf := []byte{byte(TagSet)}
	buf = appendUint32(buf, uint32(len(s.Items)))
	for _, item := range s.Items {
		enc, err := Serialise(item)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

func serialiseDict(d *Dict) ([]byte, error) {
	if len(d.Keys) != len(d.Values) {
		return nil, errors.New(errors.EncodeUnsupported, "dict keys/values length mismatch")
	}
	buf := []byte{byte(TagDict)}
	buf = appendUint32(buf, uint32(len(d.Keys)))
	for i, key := range d.Keys {
		kenc, err := Serialise(key)
		if err != nil {
			return nil, err
		}
		venc, err := Serialise(d.Values[i])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kenc...)
		buf = append(buf, venc...)
	}
	return buf, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// Deserialise decodes a value starting at the front of data, returning the
// decoded value and the number of bytes consumed.
func Deserialise(data []byte) (interface{}, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New(errors.EncodeUnsupported, "unexpected end of input")
	}
	tag := Tag(data[0])
	switch tag {
	case TagNone:
		return nil, 1, nil
	case TagTrue:
		return true, 1, nil
	case TagFalse:
		return false, 1, nil
	case TagInt:
		if len(data) < 5 {
			return nil, 0, errTruncated("int")
		}
		return int64(int32(binary.LittleEndian.Uint32(data[1:5]))), 5, nil
	case TagFloat:
		if len(data) < 9 {
			return nil, 0, errTruncated("float")
		}
		bits := binary.LittleEndian.Uint64(data[1:9])
		return math.Float64frombits(bits), 9, nil
	case TagString:
		n, body, consumed, err := readLengthPrefixed(data)
		if err != nil {
			return nil, 0, err
		}
		_ = n
		return string(body), consumed, nil
	case TagBytes:
		_, body, consumed, err := readLengthPrefixed(data)
		if err != nil {
			return nil, 0, err
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, consumed, nil
	case TagList:
		return deserialiseList(data)
	case TagSet:
		return deserialiseSet(data)
	case TagDict:
		return deserialiseDict(data)
	default:
		return nil, 0, errors.Newf(errors.EncodeUnsupported, "unknown tag byte %d", data[0])
	}
}

func errTruncated(what string) error {
	return errors.Newf(errors.EncodeUnsupported, "truncated %s value", what)
}

func readLengthPrefixed(data []byte) (uint32, []byte, int, error) {
	if len(data) < 5 {
		return 0, nil, 0, errTruncated("length-prefixed")
	}
	n := binary.LittleEndian.Uint32(data[1:5])
	end := 5 + int(n)
	if end > len(data) {
		return 0, nil, 0, errTruncated("length-prefixed")
	}
	return n, data[5:end], end, nil
}

func deserialiseList(data []byte) (interface{}, int, error) {
	if len(data) < 5 {
		return nil, 0, errTruncated("list")
	}
	n := binary.LittleEndian.Uint32(data[1:5])
	pos := 5
	items := make([]interface{}, 0, n)
	for i := uint32(0); i < n; i++ {
		v, consumed, err := Deserialise(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
		pos += consumed
	}
	return items, pos, nil
}

func deserialiseSet(data []byte) (interface{}, int, error) {
	if len(data) < 5 {
		return nil, 0, errTruncated("set")
	}
	n := binary.LittleEndian.Uint32(data[1:5])
	pos := 5
	s := &Set{}
	for i := uint32(0); i < n; i++ {
		v, consumed, err := Deserialise(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		s.Items = append(s.Items, v)
		pos += consumed
	}
	return s, pos, nil
}

func deserialiseDict(data []byte) (interface{}, int, error) {
	if len(data) < 5 {
		return nil, 0, errTruncated("dict")
	}
	n := binary.LittleEndian.Uint32(data[1:5])
	pos := 5
	d := &Dict{}
	for i := uint32(0); i < n; i++ {
		k, kc, err := Deserialise(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += kc
		v, vc, err := Deserialise(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += vc
		d.Set(k, v)
	}
	return d, pos, nil
}

// SortedDict builds a *Dict with keys sorted by their string rendering, for
// callers that need stable output independent of insertion order. The
// module/runspec headers do not use it; they build their Dicts in a fixed
// insertion order.
func SortedDict(m map[string]interface{}) *Dict {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := &Dict{}
	for _, k := range keys {
		d.Set(k, m[k])
	}
	return d
}

// String renders a decoded value for debugging/test assertions.
func String(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
