// Package index maintains the secondary indexes of a collection as entries
// in the engine keyspace.
//
// An ordered index entry is keyed prefix | encoded key | id with an empty
// value, so an engine range scan walks the index in key order. A hash
// index entry is keyed prefix | murmur3(encoded key) | id and stores the
// encoded key as its value to tell colliding keys apart.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/keys"
	"github.com/cachedb/cachedb/internal/kv"
	"github.com/cachedb/cachedb/pkg/types"
)

// Range selects a span of an ordered index. A nil bound is open. Bounds
// may hold fewer components than the index has fields, in which case they
// bound the leading fields only.
type Range struct {
	Lower        []types.Value
	Upper        []types.Value
	IncludeLower bool
	IncludeUpper bool
	Desc         bool
}

// Index is one secondary index of a collection.
type Index struct {
	Def    types.IndexDef
	fields []types.FieldDef
	prefix []byte
}

// Fields returns the indexed field definitions in key order.
func (ix *Index) Fields() []types.FieldDef { return ix.fields }

// Manager owns the indexes declared by one collection's schema.
type Manager struct {
	collection string
	schema     *types.Schema
	indexes    map[string]*Index
	order      []*Index
}

// NewManager prepares the indexes of schema for the named collection.
// The schema must have been validated.
func NewManager(schema *types.Schema) *Manager {
	m := &Manager{
		collection: schema.Name,
		schema:     schema,
		indexes:    make(map[string]*Index, len(schema.Indexes)),
	}
	for _, def := range schema.Indexes {
		ix := &Index{Def: def, prefix: keys.IndexPrefix(schema.Name, def.Name)}
		for _, name := range def.Fields {
			f, _ := schema.FieldByName(name)
			ix.fields = append(ix.fields, f)
		}
		m.indexes[def.Name] = ix
		m.order = append(m.order, ix)
	}
	return m
}

// Indexes returns the indexes in declaration order.
func (m *Manager) Indexes() []*Index { return m.order }

// Get returns the named index or QUERY/UNKNOWN_INDEX.
func (m *Manager) Get(name string) (*Index, error) {
	ix, ok := m.indexes[name]
	if !ok {
		return nil, cerrors.NewQueryError(cerrors.CodeUnknownIndex,
			fmt.Sprintf("%s has no index %q", m.collection, name))
	}
	return ix, nil
}

// KeyOf extracts the index key of rec.
func (m *Manager) KeyOf(ix *Index, rec *types.Record) []types.Value {
	key := make([]types.Value, len(ix.fields))
	for i, f := range ix.fields {
		key[i] = rec.MustGet(f.Name)
	}
	return key
}

// normalize checks key components against the indexed fields and widens
// longs given for double fields.
func (m *Manager) normalize(ix *Index, key []types.Value) ([]types.Value, error) {
	if len(key) > len(ix.fields) {
		return nil, cerrors.NewQueryError(cerrors.CodeInvalidQuery,
			fmt.Sprintf("index %q has %d fields, got %d values", ix.Def.Name, len(ix.fields), len(key)))
	}
	out := make([]types.Value, len(key))
	for i, v := range key {
		f := ix.fields[i]
		switch {
		case v.IsNull() || v.Kind() == f.Type:
			out[i] = v
		case f.Type == types.KindDouble && v.Kind() == types.KindLong:
			d, _ := v.AsDouble()
			out[i] = types.Double(d)
		default:
			return nil, cerrors.NewQueryError(cerrors.CodeInvalidQuery,
				fmt.Sprintf("index %q field %q expects %s, got %s", ix.Def.Name, f.Name, f.Type, v.Kind()))
		}
	}
	return out, nil
}

func (m *Manager) encode(ix *Index, key []types.Value) ([]byte, error) {
	norm, err := m.normalize(ix, key)
	if err != nil {
		return nil, err
	}
	return EncodeKey(norm, ix.Def.CaseInsensitive), nil
}

func (ix *Index) isHash() bool { return ix.Def.EffectiveKind() == types.IndexHash }

// keyPrefix is the prefix shared by all entries for one encoded key.
func (ix *Index) keyPrefix(encoded []byte) []byte {
	p := bytes.Clone(ix.prefix)
	if ix.isHash() {
		return binary.BigEndian.AppendUint64(p, hashKey(encoded))
	}
	return append(p, encoded...)
}

// ids collects the ids of entries under p whose stored key equals encoded
// (hash indexes) or that merely start with p (ordered indexes).
func (ix *Index) ids(r kv.Reader, p, encoded []byte, desc bool) ([]int64, error) {
	var out []int64
	err := kv.ScanPrefix(r, p, desc, func(k, v []byte) error {
		if ix.isHash() && !bytes.Equal(v, encoded) {
			return nil
		}
		id, err := keys.TrailingID(k)
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

func (m *Manager) describe(key []types.Value) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

func hasNull(key []types.Value) bool {
	for _, v := range key {
		if v.IsNull() {
			return true
		}
	}
	return false
}

// Insert adds an entry mapping key to id. On a unique index it fails with
// CONSTRAINT/UNIQUE_VIOLATION when key already belongs to another id; the
// caller's transaction must then be discarded. Keys with a null component
// never collide.
func (m *Manager) Insert(txn kv.Txn, name string, key []types.Value, id int64) error {
	ix, err := m.Get(name)
	if err != nil {
		return err
	}
	return m.insert(txn, ix, key, id)
}

func (m *Manager) insert(txn kv.Txn, ix *Index, key []types.Value, id int64) error {
	encoded, err := m.encode(ix, key)
	if err != nil {
		return err
	}
	p := ix.keyPrefix(encoded)

	if ix.Def.Unique && !hasNull(key) {
		existing, err := ix.ids(txn, p, encoded, false)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other != id {
				return cerrors.NewUniqueViolation(ix.Def.Name, m.describe(key), other)
			}
		}
	}

	var value []byte
	if ix.isHash() {
		value = encoded
	}
	return txn.Set(keys.AppendID(p, id), value)
}

// Remove deletes the entry mapping key to id, if present.
func (m *Manager) Remove(txn kv.Txn, name string, key []types.Value, id int64) error {
	ix, err := m.Get(name)
	if err != nil {
		return err
	}
	return m.remove(txn, ix, key, id)
}

func (m *Manager) remove(txn kv.Txn, ix *Index, key []types.Value, id int64) error {
	encoded, err := m.encode(ix, key)
	if err != nil {
		return err
	}
	return txn.Delete(keys.AppendID(ix.keyPrefix(encoded), id))
}

// Lookup returns the ids stored under key in id order: at most one for a
// unique index. On an ordered index a key shorter than the index matches
// every entry that starts with it.
func (m *Manager) Lookup(r kv.Reader, name string, key []types.Value) ([]int64, error) {
	ix, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	if ix.isHash() && len(key) != len(ix.fields) {
		return nil, cerrors.NewQueryError(cerrors.CodeUnsupportedIndexOperation,
			fmt.Sprintf("hash index %q needs a value for every field", name))
	}
	encoded, err := m.encode(ix, key)
	if err != nil {
		return nil, err
	}
	return ix.ids(r, ix.keyPrefix(encoded), encoded, false)
}

// RangeScan returns the ids of entries inside rng in index order. Hash
// indexes reject ranges with UNSUPPORTED_INDEX_OPERATION.
func (m *Manager) RangeScan(r kv.Reader, name string, rng Range) ([]int64, error) {
	ix, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	if ix.isHash() {
		if rng.Lower == nil && rng.Upper == nil {
			return m.Any(r, name, rng.Desc)
		}
		return nil, cerrors.NewQueryError(cerrors.CodeUnsupportedIndexOperation,
			fmt.Sprintf("hash index %q supports only equality and any", name))
	}

	lower := ix.prefix
	if rng.Lower != nil {
		encoded, err := m.encode(ix, rng.Lower)
		if err != nil {
			return nil, err
		}
		lower = append(bytes.Clone(ix.prefix), encoded...)
		if !rng.IncludeLower {
			lower = kv.PrefixEnd(lower)
		}
	}

	upper := kv.PrefixEnd(ix.prefix)
	if rng.Upper != nil {
		encoded, err := m.encode(ix, rng.Upper)
		if err != nil {
			return nil, err
		}
		upper = append(bytes.Clone(ix.prefix), encoded...)
		if rng.IncludeUpper {
			upper = kv.PrefixEnd(upper)
		}
	}

	if lower == nil || (upper != nil && bytes.Compare(lower, upper) >= 0) {
		return nil, nil
	}

	var out []int64
	err = r.Scan(lower, upper, rng.Desc, func(k, _ []byte) error {
		id, err := keys.TrailingID(k)
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

// Any returns the id of every entry of the index in index order.
func (m *Manager) Any(r kv.Reader, name string, desc bool) ([]int64, error) {
	ix, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	var out []int64
	err = kv.ScanPrefix(r, ix.prefix, desc, func(k, _ []byte) error {
		id, err := keys.TrailingID(k)
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

// IsNull is the range of entries whose first field is null.
func IsNull() Range {
	return Range{Lower: []types.Value{types.Null()}, Upper: []types.Value{types.Null()}, IncludeLower: true, IncludeUpper: true}
}

// IsNotNull is the range strictly above the null boundary of the first
// field.
func IsNotNull() Range {
	return Range{Lower: []types.Value{types.Null()}}
}

// InsertRecord adds rec's entry to every index.
func (m *Manager) InsertRecord(txn kv.Txn, rec *types.Record) error {
	for _, ix := range m.order {
		if err := m.insert(txn, ix, m.KeyOf(ix, rec), rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRecord deletes rec's entry from every index.
func (m *Manager) RemoveRecord(txn kv.Txn, rec *types.Record) error {
	for _, ix := range m.order {
		if err := m.remove(txn, ix, m.KeyOf(ix, rec), rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// DropAll deletes every index entry of the collection, including entries
// of indexes the schema no longer declares.
func (m *Manager) DropAll(txn kv.Txn) (int, error) {
	var dropped int
	err := kv.ScanPrefix(txn, keys.CollectionIndexPrefix(m.collection), false, func(k, _ []byte) error {
		dropped++
		return txn.Delete(k)
	})
	return dropped, err
}

// Rebuild drops all entries and re-indexes records. A unique violation
// among records aborts the rebuild.
func (m *Manager) Rebuild(txn kv.Txn, records []*types.Record) error {
	if _, err := m.DropAll(txn); err != nil {
		return err
	}
	for _, rec := range records {
		if err := m.InsertRecord(txn, rec); err != nil {
			return err
		}
	}
	return nil
}
