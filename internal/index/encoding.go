package index

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/cachedb/cachedb/pkg/types"
)

// Component type tags. Null has the lowest tag so it sorts before every
// value of the field.
const (
	tagNull     byte = 0x00
	tagBool     byte = 0x01
	tagLong     byte = 0x02
	tagDouble   byte = 0x03
	tagString   byte = 0x04
	tagDateTime byte = 0x05
)

// EncodeKey encodes key components so that bytewise order matches value
// order. Each component is self-delimiting, so the encoding of a shorter
// tuple is a prefix of every longer tuple that starts with it.
func EncodeKey(components []types.Value, caseInsensitive bool) []byte {
	var b []byte
	for _, v := range components {
		b = appendComponent(b, v, caseInsensitive)
	}
	return b
}

func appendComponent(b []byte, v types.Value, caseInsensitive bool) []byte {
	switch v.Kind() {
	case types.KindBool:
		x, _ := v.AsBool()
		if x {
			return append(b, tagBool, 1)
		}
		return append(b, tagBool, 0)
	case types.KindLong:
		x, _ := v.AsLong()
		return binary.BigEndian.AppendUint64(append(b, tagLong), uint64(x)^(1<<63))
	case types.KindDouble:
		x, _ := v.AsDouble()
		return binary.BigEndian.AppendUint64(append(b, tagDouble), sortableFloat(x))
	case types.KindDateTime:
		x, _ := v.Micros()
		return binary.BigEndian.AppendUint64(append(b, tagDateTime), uint64(x)^(1<<63))
	case types.KindString:
		s, _ := v.AsString()
		if caseInsensitive {
			s = strings.ToLower(s)
		}
		b = append(b, tagString)
		for i := 0; i < len(s); i++ {
			if s[i] == 0x00 {
				b = append(b, 0x00, 0xFF)
				continue
			}
			b = append(b, s[i])
		}
		return append(b, 0x00, 0x01)
	default:
		return append(b, tagNull)
	}
}

// sortableFloat flips the sign bit of positive floats and every bit of
// negative ones, making the IEEE-754 pattern compare like the number.
// Every NaN maps to one pattern above +Inf, matching types.Compare.
func sortableFloat(f float64) uint64 {
	switch {
	case f == 0:
		f = 0 // fold -0 into +0
	case math.IsNaN(f):
		return math.MaxUint64
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// hashKey buckets an encoded key for hash-kind indexes.
func hashKey(encoded []byte) uint64 {
	return murmur3.Sum64(encoded)
}
