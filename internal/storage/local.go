package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStorage keeps objects as files under a root directory. Object
// paths use forward slashes on every platform.
type LocalStorage struct {
	root string
}

// NewLocalStorage opens root, creating it when missing.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage needs a base path")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

func (l *LocalStorage) file(objectPath string) string {
	return filepath.Join(l.root, filepath.FromSlash(objectPath))
}

// Upload copies localPath to objectPath.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return ioFailure("upload", objectPath, err)
	}
	defer src.Close()

	if err := writeAtomic(l.file(objectPath), src); err != nil {
		return ioFailure("upload", objectPath, err)
	}
	return nil
}

// Download copies objectPath to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(l.file(objectPath))
	switch {
	case os.IsNotExist(err):
		return ErrObjectNotFound
	case err != nil:
		return ioFailure("download", objectPath, err)
	}
	defer src.Close()

	if err := writeAtomic(localPath, src); err != nil {
		return ioFailure("download", objectPath, err)
	}
	return nil
}

// Delete removes objectPath.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(l.file(objectPath))
	if err != nil && !os.IsNotExist(err) {
		return ioFailure("delete", objectPath, err)
	}
	return nil
}

// Exists reports whether objectPath is stored.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.file(objectPath))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// List walks the directory of prefix. Files still being written are
// skipped.
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []ObjectInfo
	err := filepath.WalkDir(l.file(prefix), func(p string, d fs.DirEntry, err error) error {
		switch {
		case os.IsNotExist(err):
			return nil
		case err != nil:
			return err
		case d.IsDir() || strings.HasPrefix(d.Name(), partialPrefix):
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}
