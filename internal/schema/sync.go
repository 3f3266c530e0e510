package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/keys"
	"github.com/cachedb/cachedb/internal/kv"
	"github.com/cachedb/cachedb/pkg/types"
)

// ChangeKind describes what Sync did with one schema.
type ChangeKind string

const (
	Unchanged ChangeKind = "unchanged"
	Created   ChangeKind = "created"
	Upgraded  ChangeKind = "upgraded"
)

// Change reports the outcome of syncing one schema.
type Change struct {
	Schema      string
	Kind        ChangeKind
	FromVersion int
	ToVersion   int

	// IndexesChanged is set on upgrades whose index set differs from the
	// stored one; the collection's index entries must be rebuilt.
	IndexesChanged bool

	// AddedFields lists fields the new version appends.
	AddedFields []string
}

// VersionRecord is one archived schema version.
type VersionRecord struct {
	Version   int           `json:"version"`
	Schema    *types.Schema `json:"schema"`
	CreatedAt time.Time     `json:"created_at"`
}

// Sync persists each registered schema and checks it against what the
// engine already holds:
//   - nothing stored: the schema is stored (Created)
//   - stored version newer than ours: SCHEMA/VERSION_MISMATCH, this binary
//     is older than the data
//   - same version, different layout: SCHEMA/SCHEMA_MISMATCH, the schema
//     changed without a version bump
//   - stored version older: the new schema is stored (Upgraded) provided
//     it only appends fields
func Sync(ctx context.Context, engine kv.Engine, reg *Registry) ([]Change, error) {
	changes := make([]Change, 0, reg.Len())
	for _, s := range reg.All() {
		var change Change
		err := engine.Update(ctx, func(txn kv.Txn) error {
			var err error
			change, err = syncOne(txn, s)
			return err
		})
		if err != nil {
			return changes, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func syncOne(txn kv.Txn, s *types.Schema) (Change, error) {
	change := Change{Schema: s.Name, Kind: Unchanged, FromVersion: s.Version, ToVersion: s.Version}

	stored, err := loadStored(txn, s.Name)
	if err != nil {
		return change, err
	}
	if stored == nil {
		change.Kind = Created
		change.FromVersion = 0
		return change, store(txn, s)
	}
	change.FromVersion = stored.Version

	switch {
	case stored.Version > s.Version:
		return change, cerrors.NewSchemaMismatch(cerrors.CodeVersionMismatch,
			fmt.Sprintf("stored schema is %s, this build knows %s", stored.VersionTag(), s.VersionTag())).
			WithDetails(map[string]interface{}{"stored_version": stored.Version, "version": s.Version})

	case stored.Version == s.Version:
		if stored.Fingerprint() != s.Fingerprint() {
			return change, cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
				fmt.Sprintf("schema %s changed without a version bump", s.VersionTag()))
		}
		return change, nil

	default:
		added, err := appendedFields(stored, s)
		if err != nil {
			return change, err
		}
		change.Kind = Upgraded
		change.AddedFields = added
		change.IndexesChanged = stored.IndexFingerprint() != s.IndexFingerprint()
		return change, store(txn, s)
	}
}

// appendedFields checks that next keeps prev's fields in place, with the
// same types, and returns the names of the fields it adds.
func appendedFields(prev, next *types.Schema) ([]string, error) {
	if len(next.Fields) < len(prev.Fields) {
		return nil, cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
			fmt.Sprintf("%s drops fields of %s", next.VersionTag(), prev.VersionTag()))
	}
	for i, f := range prev.Fields {
		nf := next.Fields[i]
		if nf.Name != f.Name || nf.Type != f.Type {
			return nil, cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
				fmt.Sprintf("%s changes field %d (%s %s -> %s %s); fields may only be appended",
					next.VersionTag(), i, f.Name, f.Type, nf.Name, nf.Type))
		}
	}
	var added []string
	for _, f := range next.Fields[len(prev.Fields):] {
		added = append(added, f.Name)
	}
	return added, nil
}

func loadStored(r kv.Reader, name string) (*types.Schema, error) {
	data, ok, err := r.Get(keys.Schema(name))
	if err != nil {
		return nil, cerrors.EngineFailure("read stored schema", err)
	}
	if !ok {
		return nil, nil
	}
	var s types.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, cerrors.NewSchemaMismatch(cerrors.CodeCorruptRecord,
			fmt.Sprintf("stored schema %q is unreadable: %v", name, err))
	}
	return &s, nil
}

func store(txn kv.Txn, s *types.Schema) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schema %s: %w", s.VersionTag(), err)
	}
	if err := txn.Set(keys.Schema(s.Name), data); err != nil {
		return cerrors.EngineFailure("store schema", err)
	}

	rec, err := json.Marshal(VersionRecord{Version: s.Version, Schema: s, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal schema version %s: %w", s.VersionTag(), err)
	}
	return cerrors.EngineFailure("archive schema version", txn.Set(keys.SchemaVersion(s.Name, s.Version), rec))
}

// Stored returns the schema descriptor persisted for name, or nil.
func Stored(ctx context.Context, engine kv.Engine, name string) (*types.Schema, error) {
	var s *types.Schema
	err := engine.View(ctx, func(r kv.Reader) error {
		var err error
		s, err = loadStored(r, name)
		return err
	})
	return s, err
}

// ListVersions returns every archived version of a schema, oldest first.
func ListVersions(ctx context.Context, engine kv.Engine, name string) ([]VersionRecord, error) {
	var out []VersionRecord
	err := engine.View(ctx, func(r kv.Reader) error {
		return kv.ScanPrefix(r, keys.SchemaVersionPrefix(name), false, func(_, v []byte) error {
			var rec VersionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("schema_version: failed to unmarshal %s version: %w", name, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
