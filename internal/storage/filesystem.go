// Package storage keeps package content (archive, manifest and readme) on
// the local filesystem, one directory per package identity.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/model"
)

var (
	// ErrNotFound is returned when no content is stored for an identity.
	ErrNotFound = errors.New("package content not found")
	// ErrAlreadyExists is returned by Save when content is already stored for an identity.
	ErrAlreadyExists = errors.New("package content already exists")
	// ErrNoReadme is returned when the content of an identity has no readme.
	ErrNoReadme = errors.New("package has no readme")
)

// Prefixes of the hidden directories used while saving and deleting.
const (
	uploadPrefix = ".upload-"
	deletePrefix = ".delete-"
)

// WriteError is returned by Save when a blob could not be written. Nothing
// is committed when it is returned.
type WriteError struct {
	Blob string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Blob, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Entry is a committed package directory.
type Entry struct {
	Identity model.Identity
	ModTime  time.Time
}

// FileStorage stores package content below BasePath.
type FileStorage struct {
	// BasePath is the local directory holding one sub directory per package id.
	BasePath string

	logger *zap.Logger
}

// New creates the storage root if needed and returns a FileStorage for it.
func New(basePath string, logger *zap.Logger) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage path: %w", err)
	}
	return &FileStorage{BasePath: basePath, logger: logger}, nil
}

// Save writes the archive, the manifest and, if not nil, the readme of the
// identity. The blobs are staged in a hidden directory that is renamed into
// place once complete, so readers see all of them or none. Content is never
// overwritten: ErrAlreadyExists is returned if the identity is already stored.
func (s *FileStorage) Save(ctx context.Context, identity model.Identity, archive, manifest, readme io.Reader) (err error) {
	dir, err := s.LocalPath(PackageDir(identity))
	if err != nil {
		return fmt.Errorf("failed to resolve package path: %w", err)
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, identity)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat package path: %w", err)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create package path: %w", err)
	}
	staging, err := os.MkdirTemp(parent, uploadPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(staging)
		}
	}()
	if err := os.Chmod(staging, 0o755); err != nil {
		return fmt.Errorf("failed to chmod staging dir: %w", err)
	}

	blobs := []struct {
		name string
		r    io.Reader
	}{
		{ArchiveName(identity), archive},
		{ManifestName(identity), manifest},
	}
	if readme != nil {
		blobs = append(blobs, struct {
			name string
			r    io.Reader
		}{ReadmeName, readme})
	}

	for _, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeFile(filepath.Join(staging, blob.name), blob.r); err != nil {
			return &WriteError{Blob: blob.name, Err: err}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(staging, dir); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, identity)
		}
		return fmt.Errorf("failed to commit package content: %w", err)
	}
	return nil
}

func writeFile(name string, r io.Reader) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Exists reports whether content is stored for the identity.
func (s *FileStorage) Exists(ctx context.Context, identity model.Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.LocalPath(PackageDir(identity))
	if err != nil {
		return false, fmt.Errorf("failed to resolve package path: %w", err)
	}
	fi, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat package path: %w", err)
	}
	return fi.IsDir(), nil
}

// ReadArchive opens the archive of the identity.
func (s *FileStorage) ReadArchive(ctx context.Context, identity model.Identity) (io.ReadCloser, error) {
	return s.open(ctx, identity, ArchivePath(identity))
}

// ReadManifest opens the manifest of the identity.
func (s *FileStorage) ReadManifest(ctx context.Context, identity model.Identity) (io.ReadCloser, error) {
	return s.open(ctx, identity, ManifestPath(identity))
}

// ReadReadme opens the readme of the identity. It returns ErrNoReadme when
// the content exists without a readme.
func (s *FileStorage) ReadReadme(ctx context.Context, identity model.Identity) (io.ReadCloser, error) {
	rc, err := s.open(ctx, identity, ReadmePath(identity))
	if !errors.Is(err, ErrNotFound) {
		return rc, err
	}
	exists, existsErr := s.Exists(ctx, identity)
	if existsErr != nil {
		return nil, existsErr
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrNoReadme, identity)
	}
	return nil, err
}

func (s *FileStorage) open(ctx context.Context, identity model.Identity, rel string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.LocalPath(rel)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", rel, err)
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	return f, nil
}

// Delete removes the package directory of the identity. It reports false
// when nothing was stored. The directory is first renamed aside so readers
// never see a partially removed package.
func (s *FileStorage) Delete(ctx context.Context, identity model.Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.LocalPath(PackageDir(identity))
	if err != nil {
		return false, fmt.Errorf("failed to resolve package path: %w", err)
	}

	trash := filepath.Join(filepath.Dir(dir), fmt.Sprintf("%s%s-%d", deletePrefix, identity.LowerVersion(), time.Now().UnixNano()))
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove package content: %w", err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return false, fmt.Errorf("failed to remove package content: %w", err)
	}
	return true, nil
}

// Identities lists the committed package directories. Directories whose
// names are not a valid id and version are skipped.
func (s *FileStorage) Identities(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.walkIDs(func(idDir string, id string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		versions, err := os.ReadDir(idDir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		for _, v := range versions {
			if !v.IsDir() || strings.HasPrefix(v.Name(), ".") {
				continue
			}
			identity, err := model.NewIdentity(id, v.Name())
			if err != nil || identity.LowerVersion() != v.Name() {
				s.logger.Warn("skipping unrecognized package directory",
					zap.String("id", id),
					zap.String("dir", v.Name()),
				)
				continue
			}
			info, err := v.Info()
			if err != nil {
				return fmt.Errorf("failed to stat %s/%s: %w", id, v.Name(), err)
			}
			entries = append(entries, Entry{Identity: identity, ModTime: info.ModTime()})
		}
		return nil
	})
	return entries, err
}

// StaleStaging lists the staging and trash directories last modified before
// cutoff, relative to the storage root. They are left behind by interrupted
// saves and deletes.
func (s *FileStorage) StaleStaging(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string
	err := s.walkIDs(func(idDir string, id string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		children, err := os.ReadDir(idDir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		for _, c := range children {
			name := c.Name()
			if !strings.HasPrefix(name, uploadPrefix) && !strings.HasPrefix(name, deletePrefix) {
				continue
			}
			info, err := c.Info()
			if err != nil {
				return fmt.Errorf("failed to stat %s/%s: %w", id, name, err)
			}
			if info.ModTime().Before(cutoff) {
				stale = append(stale, id+"/"+name)
			}
		}
		return nil
	})
	return stale, err
}

// RemoveStaging removes a directory returned by StaleStaging.
func (s *FileStorage) RemoveStaging(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := filepath.Base(rel)
	if !strings.HasPrefix(name, uploadPrefix) && !strings.HasPrefix(name, deletePrefix) {
		return fmt.Errorf("not a staging directory: %s", rel)
	}
	p, err := s.LocalPath(rel)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", rel, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return nil
}

func (s *FileStorage) walkIDs(fn func(idDir, id string) error) error {
	ids, err := os.ReadDir(s.BasePath)
	if err != nil {
		return fmt.Errorf("failed to read storage path: %w", err)
	}
	for _, id := range ids {
		if !id.IsDir() || strings.HasPrefix(id.Name(), ".") {
			continue
		}
		if err := fn(filepath.Join(s.BasePath, id.Name()), id.Name()); err != nil {
			return err
		}
	}
	return nil
}
