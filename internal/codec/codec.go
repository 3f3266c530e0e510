// Package codec converts records to and from the flat byte layout kept in
// the primary store.
//
// The layout is:
//   - 1 byte: magic (0xCD)
//   - uvarint: schema version the record was written with
//   - uvarint: number of fields written
//   - ceil(n/8) bytes: null bitmap, bit i set when field i is null
//   - static section: one fixed-width slot per field in schema order
//     (bool 1 byte, long/double/datetime 8 bytes little-endian, string a
//     4 byte offset into the dynamic section)
//   - dynamic section: strings as [length:4][utf-8 bytes]
//
// Fields are only ever appended between schema versions, so a record
// written by an older version is a prefix of the current layout.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/pkg/types"
)

const magic byte = 0xCD

// Codec encodes records of one schema. It is immutable and safe for
// concurrent use.
type Codec struct {
	schema  *types.Schema
	offsets []int // offsets[i] is field i's slot offset in the static section; offsets[n] is its size
}

// New computes the static slot layout for schema.
func New(schema *types.Schema) *Codec {
	offsets := make([]int, len(schema.Fields)+1)
	for i, f := range schema.Fields {
		offsets[i+1] = offsets[i] + slotSize(f.Type)
	}
	return &Codec{schema: schema, offsets: offsets}
}

// Schema returns the schema the codec was built for.
func (c *Codec) Schema() *types.Schema { return c.schema }

func slotSize(k types.Kind) int {
	switch k {
	case types.KindBool:
		return 1
	case types.KindString:
		return 4
	default:
		return 8
	}
}

func bitmapLen(n int) int { return (n + 7) / 8 }

// EstimateSize returns an upper bound on the encoded size of rec.
func (c *Codec) EstimateSize(rec *types.Record) int {
	n := len(c.schema.Fields)
	size := 1 + 2*binary.MaxVarintLen64 + bitmapLen(n) + c.offsets[n]
	for i, f := range c.schema.Fields {
		if f.Type != types.KindString || i >= rec.Len() {
			continue
		}
		if s, ok := rec.Value(i).AsString(); ok {
			size += 4 + len(s)
		}
	}
	return size
}

// Validate checks that rec belongs to the codec's schema and that every
// field holds a value of the declared kind, with required fields present.
func (c *Codec) Validate(rec *types.Record) error {
	if rec == nil {
		return cerrors.NewValidationError(cerrors.CodeMissingRequiredField, "record is nil")
	}
	if rec.Schema() == nil || rec.Schema().Name != c.schema.Name || rec.Len() != len(c.schema.Fields) {
		return cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
			fmt.Sprintf("record does not belong to %s", c.schema.VersionTag()))
	}
	if rec.ID < 0 {
		return cerrors.NewValidationError(cerrors.CodeInvalidID,
			fmt.Sprintf("id must not be negative, got %d", rec.ID))
	}
	for i, f := range c.schema.Fields {
		if _, err := types.CheckValue(f, rec.Value(i)); err != nil {
			return err
		}
		if v := rec.Value(i); !v.IsNull() && v.Kind() != f.Type {
			return cerrors.NewValidationError(cerrors.CodeTypeMismatch,
				fmt.Sprintf("field %q expects %s, got %s", f.Name, f.Type, v.Kind()))
		}
	}
	return nil
}

// Serialize validates rec and appends its encoding to w.
func (c *Codec) Serialize(rec *types.Record, w *Writer) error {
	if err := c.Validate(rec); err != nil {
		return err
	}

	n := len(c.schema.Fields)
	w.grow(c.EstimateSize(rec))

	w.buf = append(w.buf, magic)
	w.buf = binary.AppendUvarint(w.buf, uint64(c.schema.Version))
	w.buf = binary.AppendUvarint(w.buf, uint64(n))

	bitmapAt := len(w.buf)
	w.buf = append(w.buf, make([]byte, bitmapLen(n))...)
	staticAt := len(w.buf)
	w.buf = append(w.buf, make([]byte, c.offsets[n])...)

	dynamic := 0
	for i, f := range c.schema.Fields {
		v := rec.Value(i)
		if v.IsNull() {
			w.buf[bitmapAt+i/8] |= 1 << (i % 8)
			continue
		}
		slot := w.buf[staticAt+c.offsets[i]:]
		switch f.Type {
		case types.KindBool:
			if b, _ := v.AsBool(); b {
				slot[0] = 1
			}
		case types.KindLong:
			l, _ := v.AsLong()
			binary.LittleEndian.PutUint64(slot, uint64(l))
		case types.KindDouble:
			d, _ := v.AsDouble()
			binary.LittleEndian.PutUint64(slot, math.Float64bits(d))
		case types.KindDateTime:
			us, _ := v.Micros()
			binary.LittleEndian.PutUint64(slot, uint64(us))
		case types.KindString:
			s, _ := v.AsString()
			binary.LittleEndian.PutUint32(slot, uint32(dynamic))
			w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(s)))
			w.buf = append(w.buf, s...)
			dynamic += 4 + len(s)
		}
	}
	return nil
}

// Encode returns the encoding of rec in a freshly allocated buffer.
func (c *Codec) Encode(rec *types.Record) ([]byte, error) {
	w := NewWriter(c.EstimateSize(rec))
	if err := c.Serialize(rec, w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// layout is the parsed header of one encoded record.
type layout struct {
	data     []byte
	version  int
	count    int
	bitmapAt int
	staticAt int
	dynAt    int
}

func corrupt(format string, args ...interface{}) error {
	return cerrors.NewSchemaMismatch(cerrors.CodeCorruptRecord, fmt.Sprintf(format, args...))
}

func (c *Codec) parse(data []byte) (*layout, error) {
	if len(data) == 0 || data[0] != magic {
		return nil, cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
			fmt.Sprintf("%s: not an encoded record", c.schema.Name))
	}
	pos := 1
	version, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return nil, corrupt("%s: truncated version", c.schema.Name)
	}
	pos += n
	count, n := binary.Uvarint(data[pos:])
	if n <= 0 {
		return nil, corrupt("%s: truncated field count", c.schema.Name)
	}
	pos += n

	if version > uint64(c.schema.Version) {
		return nil, cerrors.NewSchemaMismatch(cerrors.CodeVersionMismatch,
			fmt.Sprintf("record written by %s@v%d, reader is %s", c.schema.Name, version, c.schema.VersionTag())).
			WithDetails(map[string]interface{}{"record_version": version, "schema_version": c.schema.Version})
	}
	if count > uint64(len(c.schema.Fields)) {
		return nil, cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
			fmt.Sprintf("record has %d fields, %s knows %d", count, c.schema.VersionTag(), len(c.schema.Fields)))
	}

	l := &layout{data: data, version: int(version), count: int(count), bitmapAt: pos}
	l.staticAt = l.bitmapAt + bitmapLen(l.count)
	l.dynAt = l.staticAt + c.offsets[l.count]
	if l.dynAt > len(data) {
		return nil, corrupt("%s: record truncated (%d bytes, static section ends at %d)",
			c.schema.Name, len(data), l.dynAt)
	}
	return l, nil
}

func (l *layout) isNull(i int) bool {
	return l.data[l.bitmapAt+i/8]&(1<<(i%8)) != 0
}

func (c *Codec) readField(l *layout, i int) (types.Value, error) {
	f := c.schema.Fields[i]
	if i >= l.count {
		return defaultValue(f), nil
	}
	if l.isNull(i) {
		if f.Nullable {
			return types.Null(), nil
		}
		return defaultValue(f), nil
	}

	slot := l.data[l.staticAt+c.offsets[i]:]
	switch f.Type {
	case types.KindBool:
		return types.Bool(slot[0] != 0), nil
	case types.KindLong:
		return types.Long(int64(binary.LittleEndian.Uint64(slot))), nil
	case types.KindDouble:
		return types.Double(math.Float64frombits(binary.LittleEndian.Uint64(slot))), nil
	case types.KindDateTime:
		return types.DateTimeMicros(int64(binary.LittleEndian.Uint64(slot))), nil
	case types.KindString:
		off := l.dynAt + int(binary.LittleEndian.Uint32(slot))
		if off+4 > len(l.data) {
			return types.Value{}, corrupt("%s.%s: string offset out of bounds", c.schema.Name, f.Name)
		}
		size := int(binary.LittleEndian.Uint32(l.data[off:]))
		if off+4+size > len(l.data) {
			return types.Value{}, corrupt("%s.%s: string length out of bounds", c.schema.Name, f.Name)
		}
		return types.String(string(l.data[off+4 : off+4+size])), nil
	default:
		return types.Value{}, cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
			fmt.Sprintf("%s.%s: unsupported kind %s", c.schema.Name, f.Name, f.Type))
	}
}

// defaultValue is what a field reads as when the stored record has no
// value for it: null when nullable, else the zero of its kind.
func defaultValue(f types.FieldDef) types.Value {
	if f.Nullable {
		return types.Null()
	}
	switch f.Type {
	case types.KindBool:
		return types.Bool(false)
	case types.KindLong:
		return types.Long(0)
	case types.KindDouble:
		return types.Double(0)
	case types.KindString:
		return types.String("")
	case types.KindDateTime:
		return types.DateTimeMicros(0)
	default:
		return types.Null()
	}
}

// Deserialize decodes data into a record carrying id.
func (c *Codec) Deserialize(id int64, data []byte) (*types.Record, error) {
	l, err := c.parse(data)
	if err != nil {
		return nil, err
	}
	rec := c.schema.NewRecord()
	rec.ID = id
	for i := range c.schema.Fields {
		v, err := c.readField(l, i)
		if err != nil {
			return nil, err
		}
		if err := rec.SetValue(i, v); err != nil {
			return nil, corrupt("%s: %v", c.schema.Name, err)
		}
	}
	return rec, nil
}

// DeserializeProperty decodes the single field at position fieldID.
func (c *Codec) DeserializeProperty(data []byte, fieldID int) (types.Value, error) {
	if fieldID < 0 || fieldID >= len(c.schema.Fields) {
		return types.Value{}, cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
			fmt.Sprintf("%s has no field id %d", c.schema.VersionTag(), fieldID))
	}
	l, err := c.parse(data)
	if err != nil {
		return types.Value{}, err
	}
	return c.readField(l, fieldID)
}

// Version returns the schema version data was written with.
func Version(data []byte) (int, error) {
	if len(data) == 0 || data[0] != magic {
		return 0, cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch, "not an encoded record")
	}
	v, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return 0, corrupt("truncated version")
	}
	return int(v), nil
}
