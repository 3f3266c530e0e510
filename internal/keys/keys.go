// Package keys lays out the engine keyspace shared by schemas, records and
// index entries.
//
//	meta     0x00 | "schema/" | name                               -> schema JSON
//	history  0x00 | "schemav/" | name | "/" | version(8 BE)       -> schema JSON
//	primary  0x01 | uvarint len | collection | id(8 BE)             -> codec bytes
//	index    0x02 | uvarint len | collection | uvarint len | index | key | id(8 BE)
//
// Ids are written big-endian so primary and index entries iterate in id
// order within a key.
package keys

import (
	"encoding/binary"
	"fmt"
)

const (
	TagMeta    byte = 0x00
	TagPrimary byte = 0x01
	TagIndex   byte = 0x02
)

// IDSize is the width of an encoded record id.
const IDSize = 8

func appendName(b []byte, name string) []byte {
	b = binary.AppendUvarint(b, uint64(len(name)))
	return append(b, name...)
}

// Schema returns the meta key holding a collection's schema descriptor.
func Schema(name string) []byte {
	return append([]byte{TagMeta}, "schema/"+name...)
}

// SchemaPrefix is the prefix shared by all schema descriptors.
func SchemaPrefix() []byte {
	return append([]byte{TagMeta}, "schema/"...)
}

// SchemaVersion returns the meta key of one archived schema version.
func SchemaVersion(name string, version int) []byte {
	return binary.BigEndian.AppendUint64(SchemaVersionPrefix(name), uint64(version))
}

// SchemaVersionPrefix is the prefix of every archived version of a schema.
func SchemaVersionPrefix(name string) []byte {
	return append([]byte{TagMeta}, "schemav/"+name+"/"...)
}

// PrimaryPrefix returns the prefix of every record of a collection.
func PrimaryPrefix(collection string) []byte {
	return appendName([]byte{TagPrimary}, collection)
}

// Primary returns the key of one record.
func Primary(collection string, id int64) []byte {
	return AppendID(PrimaryPrefix(collection), id)
}

// CollectionIndexPrefix returns the prefix of every index entry of a
// collection.
func CollectionIndexPrefix(collection string) []byte {
	return appendName([]byte{TagIndex}, collection)
}

// IndexPrefix returns the prefix of every entry of one index.
func IndexPrefix(collection, index string) []byte {
	return appendName(CollectionIndexPrefix(collection), index)
}

// AppendID appends id as 8 big-endian bytes.
func AppendID(b []byte, id int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(id))
}

// TrailingID decodes the id stored in the last 8 bytes of key.
func TrailingID(key []byte) (int64, error) {
	if len(key) < IDSize {
		return 0, fmt.Errorf("keys: key too short for id (%d bytes)", len(key))
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-IDSize:])), nil
}
