package storage

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestBatchDownloader_DownloadAndCache(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "src", []byte("snapshot"))

	paths := []string{"snapshots/a/1.snap", "snapshots/b/1.snap", "snapshots/c/1.snap"}
	for _, p := range paths {
		if err := storage.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload failed for %s: %v", p, err)
		}
	}

	downloader := NewBatchDownloader(storage, 2, t.TempDir())
	result, err := downloader.Download(ctx, paths)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
	if result.Downloads != len(paths) || result.CacheHits != 0 {
		t.Errorf("expected %d downloads and no cache hits, got %d/%d", len(paths), result.Downloads, result.CacheHits)
	}
	seen := make(map[string]bool)
	for _, p := range paths {
		local, ok := result.LocalPaths[p]
		if !ok {
			t.Fatalf("missing local path for %s", p)
		}
		if seen[local] {
			t.Fatalf("local path %s reused", local)
		}
		seen[local] = true
		data, err := os.ReadFile(local)
		if err != nil || string(data) != "snapshot" {
			t.Errorf("bad content for %s: %q, %v", p, data, err)
		}
	}

	result, err = downloader.Download(ctx, paths)
	if err != nil {
		t.Fatalf("second Download failed: %v", err)
	}
	if result.CacheHits != len(paths) || result.Downloads != 0 {
		t.Errorf("expected %d cache hits, got %d (downloads %d)", len(paths), result.CacheHits, result.Downloads)
	}
}

func TestBatchDownloader_PartialFailure(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "src", []byte("x"))
	if err := storage.Upload(ctx, src, "present.snap"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	downloader := NewBatchDownloader(storage, 4, t.TempDir())
	result, err := downloader.Download(ctx, []string{"present.snap", "missing.snap"})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if _, ok := result.LocalPaths["present.snap"]; !ok {
		t.Error("expected present.snap to download")
	}
	if !errors.Is(result.Errors["missing.snap"], ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound for missing.snap, got %v", result.Errors["missing.snap"])
	}

	// The failed object is not cached.
	result, err = downloader.Download(ctx, []string{"missing.snap"})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if result.CacheHits != 0 {
		t.Errorf("failed download must not be cached")
	}
}

func TestBatchDownloader_Empty(t *testing.T) {
	downloader := NewBatchDownloader(nil, 0, t.TempDir())
	result, err := downloader.Download(context.Background(), nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.LocalPaths) != 0 || len(result.Errors) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}
