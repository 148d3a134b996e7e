package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/model"
	"github.com/ippclub/nuget-registry/internal/storage"
	"github.com/ippclub/nuget-registry/internal/store"
	"github.com/ippclub/nuget-registry/internal/version"
)

// downloadTimeout bounds one asynchronous download count update.
const downloadTimeout = 10 * time.Second

// ContentCleanupError is returned by Delete when the package record was
// removed but its content could not be. The leftover content is picked up
// by the Reconciler.
type ContentCleanupError struct {
	Identity model.Identity
	Err      error
}

func (e *ContentCleanupError) Error() string {
	return fmt.Sprintf("package %s removed but its content was not: %v", e.Identity, e.Err)
}

func (e *ContentCleanupError) Unwrap() error {
	return e.Err
}

// PackageService serves registered packages and changes their state.
type PackageService struct {
	metadata MetadataStore
	content  ContentStore
	logger   *zap.Logger

	downloads sync.WaitGroup
}

// NewPackageService creates a PackageService.
func NewPackageService(metadata MetadataStore, content ContentStore, logger *zap.Logger) *PackageService {
	return &PackageService{
		metadata: metadata,
		content:  content,
		logger:   logger,
	}
}

// Close waits for pending download count updates.
func (s *PackageService) Close() {
	s.downloads.Wait()
}

// Versions returns every version of id in ascending order.
func (s *PackageService) Versions(ctx context.Context, id string) ([]*model.Package, error) {
	pkgs, err := s.metadata.Find(ctx, id, store.WithDependencies)
	if err != nil {
		return nil, fmt.Errorf("failed to find package %s: %w", id, err)
	}
	return pkgs, nil
}

// Package returns one registered version with its dependency groups.
func (s *PackageService) Package(ctx context.Context, id string, v version.Version) (*model.Package, error) {
	pkg, err := s.metadata.FindVersion(ctx, id, v, store.WithDependencies)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, id, v)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find package %s %s: %w", id, v, err)
	}
	return pkg, nil
}

// Unlist hides a version from listings. It reports false when the version
// is not registered.
func (s *PackageService) Unlist(ctx context.Context, id string, v version.Version) (bool, error) {
	return s.setListed(ctx, id, v, false)
}

// Relist makes an unlisted version visible again.
func (s *PackageService) Relist(ctx context.Context, id string, v version.Version) (bool, error) {
	return s.setListed(ctx, id, v, true)
}

func (s *PackageService) setListed(ctx context.Context, id string, v version.Version, listed bool) (bool, error) {
	ok, err := s.metadata.SetListed(ctx, id, v, listed)
	if err != nil {
		return false, fmt.Errorf("failed to update package %s %s: %w", id, v, err)
	}
	if ok {
		s.logger.Info("package listing changed",
			zap.String("id", id),
			zap.String("version", v.String()),
			zap.Bool("listed", listed),
		)
	}
	return ok, nil
}

// Delete removes the package record and then its content. ErrNotFound is
// returned when no record exists, in which case content is left alone. A
// failure to remove the content is returned as *ContentCleanupError.
func (s *PackageService) Delete(ctx context.Context, id string, v version.Version) error {
	removed, err := s.metadata.Remove(ctx, id, v)
	if err != nil {
		return fmt.Errorf("failed to remove package %s %s: %w", id, v, err)
	}
	if !removed {
		return fmt.Errorf("%w: %s %s", ErrNotFound, id, v)
	}

	identity := model.Identity{ID: id, Version: v}
	deleted, err := s.content.Delete(ctx, identity)
	if err != nil {
		s.logger.Error("failed to delete package content",
			zap.String("id", id),
			zap.String("version", v.String()),
			zap.Error(err),
		)
		return &ContentCleanupError{Identity: identity, Err: err}
	}

	s.logger.Info("package deleted",
		zap.String("id", id),
		zap.String("version", v.String()),
		zap.Bool("content_deleted", deleted),
	)
	return nil
}

// OpenArchive opens the archive of a registered version and counts the
// download. The count is updated in the background; its failure is logged
// and does not affect the returned archive.
func (s *PackageService) OpenArchive(ctx context.Context, id string, v version.Version) (io.ReadCloser, error) {
	rc, err := s.open(ctx, id, v, s.content.ReadArchive)
	if err != nil {
		return nil, err
	}

	s.downloads.Add(1)
	go func() {
		defer s.downloads.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), downloadTimeout)
		defer cancel()
		if _, err := s.metadata.AddDownload(ctx, id, v); err != nil {
			s.logger.Warn("failed to count download",
				zap.String("id", id),
				zap.String("version", v.String()),
				zap.Error(err),
			)
		}
	}()
	return rc, nil
}

// OpenManifest opens the manifest of a registered version.
func (s *PackageService) OpenManifest(ctx context.Context, id string, v version.Version) (io.ReadCloser, error) {
	return s.open(ctx, id, v, s.content.ReadManifest)
}

// OpenReadme opens the readme of a registered version. ErrNotFound is
// returned when the version has no readme.
func (s *PackageService) OpenReadme(ctx context.Context, id string, v version.Version) (io.ReadCloser, error) {
	rc, err := s.open(ctx, id, v, s.content.ReadReadme)
	if errors.Is(err, storage.ErrNoReadme) {
		return nil, fmt.Errorf("%w: %s %s has no readme", ErrNotFound, id, v)
	}
	return rc, err
}

func (s *PackageService) open(ctx context.Context, id string, v version.Version, read func(context.Context, model.Identity) (io.ReadCloser, error)) (io.ReadCloser, error) {
	ok, err := s.metadata.Exists(ctx, id, v)
	if err != nil {
		return nil, fmt.Errorf("failed to look up package %s %s: %w", id, v, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, id, v)
	}

	rc, err := read(ctx, model.Identity{ID: id, Version: v})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s has no content", ErrNotFound, id, v)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read package %s %s: %w", id, v, err)
	}
	return rc, nil
}
