package buildloop

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SnapshotStore archives and restores working trees keyed by an opaque
// snapshot id.
type SnapshotStore interface {
	Save(ctx context.Context, key, dir string) error
	Restore(ctx context.Context, key, dir string) error
	Delete(ctx context.Context, key string) error
}

// LocalSnapshotStore keeps snapshots as tar.gz archives on the local
// filesystem.
type LocalSnapshotStore struct {
	basePath string
}

// NewLocalSnapshotStore creates the base directory if missing.
func NewLocalSnapshotStore(basePath string) (*LocalSnapshotStore, error) {
	if basePath == "" {
		basePath = filepath.Join(os.TempDir(), "buildfix-snapshots")
	}
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &LocalSnapshotStore{basePath: basePath}, nil
}

func (s *LocalSnapshotStore) path(key string) string {
	return filepath.Join(s.basePath, key+".tar.gz")
}

func (s *LocalSnapshotStore) Save(_ context.Context, key, dir string) error {
	f, err := os.Create(s.path(key))
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	if err := archiveDir(dir, f); err != nil {
		os.Remove(s.path(key))
		return err
	}
	return nil
}

func (s *LocalSnapshotStore) Restore(_ context.Context, key, dir string) error {
	f, err := os.Open(s.path(key))
	if err != nil {
		return fmt.Errorf("failed to open snapshot %s: %w", key, err)
	}
	defer f.Close()

	return extractArchive(f, dir)
}

func (s *LocalSnapshotStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	return nil
}

// archiveDir writes dir as a gzipped tar stream to w. Paths inside the
// archive are relative to dir.
func archiveDir(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// extractArchive restores a gzipped tar stream into dir, replacing any
// files it contains. Entries escaping dir are rejected.
func extractArchive(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to read snapshot archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") {
			return fmt.Errorf("archive entry escapes target directory: %s", hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // snapshots are self-produced
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
