package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cachedb/cachedb/internal/collection"
	cerrors "github.com/cachedb/cachedb/internal/errors"
	"github.com/cachedb/cachedb/internal/storage"
	"github.com/cachedb/cachedb/pkg/types"
)

const (
	prefix    = "snapshots"
	extension = ".snap"

	// importBatch is how many records are restored per PutAll call.
	importBatch = 256
)

// Source resolves collections by name.
type Source interface {
	Names() []string
	Collection(name string) (*collection.Collection, error)
}

// Info describes one snapshot.
type Info struct {
	Collection    string    `json:"collection"`
	Path          string    `json:"path"`
	Records       int64     `json:"records"`
	Size          int64     `json:"size"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Manager exports and imports snapshots of the collections of a Source.
type Manager struct {
	src         Source
	store       storage.ObjectStorage
	workDir     string
	concurrency int
	logger      zerolog.Logger
}

// NewManager creates a manager that stages files in workDir and runs at
// most concurrency exports or downloads at once.
func NewManager(src Source, store storage.ObjectStorage, workDir string, concurrency int, logger zerolog.Logger) *Manager {
	if workDir == "" {
		workDir = os.TempDir()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Manager{
		src:         src,
		store:       store,
		workDir:     workDir,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "snapshot").Logger(),
	}
}

// ObjectPath returns where snapshot name of a collection is stored.
func ObjectPath(collectionName, name string) string {
	return path.Join(prefix, collectionName, name+extension)
}

func failed(msg string, err error) error {
	if cerrors.GetCategory(err) != "" {
		return err
	}
	return cerrors.NewStorageError(cerrors.CodeSnapshotFailed, msg, err)
}

// Export writes every record of a collection to a new snapshot. Writers
// to the collection wait until the records are read.
func (m *Manager) Export(ctx context.Context, name string) (Info, error) {
	c, err := m.src.Collection(name)
	if err != nil {
		return Info{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Info{}, failed("failed to name snapshot", err)
	}
	info := Info{
		Collection:    name,
		Path:          ObjectPath(name, id.String()),
		SchemaVersion: c.Schema().Version,
		CreatedAt:     time.Now().UTC(),
	}

	if err := os.MkdirAll(m.workDir, 0755); err != nil {
		return Info{}, failed("failed to create work directory", err)
	}
	f, err := os.CreateTemp(m.workDir, "export-*"+extension)
	if err != nil {
		return Info{}, failed("failed to create snapshot file", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	w, err := NewWriter(f, Header{Schema: c.Schema(), CreatedAt: info.CreatedAt})
	if err != nil {
		return Info{}, failed("failed to write snapshot", err)
	}
	err = c.ReadView(ctx, func(v *collection.View) error {
		return v.ScanRaw(func(id int64, data []byte) error {
			return w.Append(id, data)
		})
	})
	if err != nil {
		return Info{}, failed("failed to read "+name, err)
	}
	if err := w.Close(); err != nil {
		return Info{}, failed("failed to write snapshot", err)
	}
	if err := f.Sync(); err != nil {
		return Info{}, failed("failed to write snapshot", err)
	}
	st, err := f.Stat()
	if err != nil {
		return Info{}, failed("failed to write snapshot", err)
	}
	info.Records = w.Records()
	info.Size = st.Size()

	if err := m.store.Upload(ctx, f.Name(), info.Path); err != nil {
		return Info{}, failed("failed to upload snapshot", err)
	}

	m.logger.Info().
		Str("collection", name).
		Str("path", info.Path).
		Int64("records", info.Records).
		Int64("bytes", info.Size).
		Msg("snapshot exported")
	return info, nil
}

// ExportAll exports every collection concurrently.
func (m *Manager) ExportAll(ctx context.Context) ([]Info, error) {
	names := m.src.Names()
	infos := make([]Info, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, name := range names {
		g.Go(func() error {
			info, err := m.Export(gctx, name)
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

// List returns the snapshots of a collection, oldest first.
func (m *Manager) List(ctx context.Context, name string) ([]storage.ObjectInfo, error) {
	objects, err := m.store.List(ctx, path.Join(prefix, name)+"/")
	if err != nil {
		return nil, failed("failed to list snapshots", err)
	}
	out := objects[:0]
	for _, o := range objects {
		if strings.HasSuffix(o.Path, extension) {
			out = append(out, o)
		}
	}
	return out, nil
}

// resolve maps a snapshot name to its object path. An empty name selects
// the latest snapshot; a name containing a slash is taken as a path.
func (m *Manager) resolve(ctx context.Context, collectionName, name string) (string, error) {
	switch {
	case strings.Contains(name, "/"):
		return name, nil
	case name != "":
		return ObjectPath(collectionName, strings.TrimSuffix(name, extension)), nil
	}
	objects, err := m.List(ctx, collectionName)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		return "", cerrors.NewStorageError(cerrors.CodeObjectNotFound,
			fmt.Sprintf("no snapshots of %s", collectionName), nil)
	}
	// Version 7 UUIDs sort by creation time.
	return objects[len(objects)-1].Path, nil
}

// Import replaces the contents of a collection with a snapshot, keeping
// record ids. An empty name imports the latest snapshot. A snapshot that
// fails verification leaves the collection untouched.
func (m *Manager) Import(ctx context.Context, collectionName, name string) (Info, error) {
	c, err := m.src.Collection(collectionName)
	if err != nil {
		return Info{}, err
	}
	objectPath, err := m.resolve(ctx, collectionName, name)
	if err != nil {
		return Info{}, err
	}

	if err := os.MkdirAll(m.workDir, 0755); err != nil {
		return Info{}, failed("failed to create work directory", err)
	}
	local := filepath.Join(m.workDir, "import-"+uuid.NewString()+extension)
	defer os.Remove(local)
	if err := m.store.Download(ctx, objectPath, local); err != nil {
		return Info{}, failed("failed to download snapshot", err)
	}
	return m.importFile(ctx, c, objectPath, local)
}

// ImportAll imports the latest snapshot of every collection that has one.
// Downloads run concurrently and are cached under the work directory.
func (m *Manager) ImportAll(ctx context.Context) ([]Info, error) {
	latest := make(map[string]string)
	var paths []string
	for _, name := range m.src.Names() {
		objects, err := m.List(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(objects) == 0 {
			continue
		}
		p := objects[len(objects)-1].Path
		latest[name] = p
		paths = append(paths, p)
	}

	downloader := storage.NewBatchDownloader(m.store, m.concurrency, filepath.Join(m.workDir, "cache"))
	result, err := downloader.Download(ctx, paths)
	if err != nil {
		return nil, failed("failed to download snapshots", err)
	}

	var infos []Info
	for _, name := range m.src.Names() {
		p, ok := latest[name]
		if !ok {
			continue
		}
		if err := result.Errors[p]; err != nil {
			return infos, failed("failed to download "+p, err)
		}
		c, err := m.src.Collection(name)
		if err != nil {
			return infos, err
		}
		info, err := m.importFile(ctx, c, p, result.LocalPaths[p])
		if err != nil {
			return infos, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (m *Manager) importFile(ctx context.Context, c *collection.Collection, objectPath, local string) (Info, error) {
	f, err := os.Open(local)
	if err != nil {
		return Info{}, failed("failed to open snapshot", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Info{}, failed("failed to open snapshot", err)
	}

	r, err := NewReader(f)
	if err != nil {
		return Info{}, err
	}
	h := r.Header()
	if err := compatible(h.Schema, c.Schema()); err != nil {
		return Info{}, err
	}
	// The collection is only cleared once every frame, the trailer and
	// every record have been checked.
	if err := verify(ctx, c, r); err != nil {
		return Info{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Info{}, failed("failed to rewind snapshot", err)
	}
	if r, err = NewReader(f); err != nil {
		return Info{}, err
	}

	if _, err := c.Clear(ctx); err != nil {
		return Info{}, err
	}

	info := Info{
		Collection:    c.Name(),
		Path:          objectPath,
		Size:          st.Size(),
		SchemaVersion: h.Schema.Version,
		CreatedAt:     h.CreatedAt,
	}
	batch := make([]*types.Record, 0, importBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := collection.FirstError(c.PutAll(ctx, batch)); err != nil {
			return err
		}
		info.Records += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for {
		id, data, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return info, err
		}
		rec, err := c.Codec().Deserialize(id, data)
		if err != nil {
			return info, err
		}
		batch = append(batch, rec)
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return info, err
			}
		}
	}
	if err := flush(); err != nil {
		return info, err
	}

	m.logger.Info().
		Str("collection", c.Name()).
		Str("path", objectPath).
		Int64("records", info.Records).
		Msg("snapshot imported")
	return info, nil
}

// verify reads r to the end, decoding every record under c's codec.
func verify(ctx context.Context, c *collection.Collection, r *Reader) error {
	for n := 0; ; n++ {
		if n%importBatch == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		id, data, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if id <= 0 {
			return corrupt("invalid record id %d", id)
		}
		if _, err := c.Codec().Deserialize(id, data); err != nil {
			return err
		}
	}
}

// compatible checks that records written under stored can be read under
// current: same collection, no newer version and appended fields only.
func compatible(stored, current *types.Schema) error {
	if stored.Name != current.Name {
		return cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
			fmt.Sprintf("snapshot holds %s, not %s", stored.Name, current.Name))
	}
	if stored.Version > current.Version {
		return cerrors.NewSchemaMismatch(cerrors.CodeVersionMismatch,
			fmt.Sprintf("snapshot is %s, this build knows %s", stored.VersionTag(), current.VersionTag()))
	}
	if len(stored.Fields) > len(current.Fields) {
		return cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
			fmt.Sprintf("snapshot %s has more fields than %s", stored.VersionTag(), current.VersionTag()))
	}
	for i, f := range stored.Fields {
		if cf := current.Fields[i]; cf.Name != f.Name || cf.Type != f.Type {
			return cerrors.NewSchemaMismatch(cerrors.CodeSchemaMismatch,
				fmt.Sprintf("snapshot field %d is %s %s, %s has %s %s",
					i, f.Name, f.Type, current.VersionTag(), cf.Name, cf.Type))
		}
	}
	return nil
}

// Prune deletes all but the keep newest snapshots of a collection and
// returns how many were deleted. keep <= 0 deletes nothing.
func (m *Manager) Prune(ctx context.Context, name string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	objects, err := m.List(ctx, name)
	if err != nil {
		return 0, err
	}
	if len(objects) <= keep {
		return 0, nil
	}
	stale := objects[:len(objects)-keep]
	for _, o := range stale {
		if err := m.store.Delete(ctx, o.Path); err != nil {
			return 0, failed("failed to delete snapshot", err)
		}
	}
	m.logger.Debug().Str("collection", name).Int("deleted", len(stale)).Msg("snapshots pruned")
	return len(stale), nil
}
