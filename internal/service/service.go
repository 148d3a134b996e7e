// Package service coordinates the metadata store and the content store:
// ingestion of uploaded archives, package operations and the consistency
// sweep between the two stores.
package service

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ippclub/nuget-registry/internal/model"
	"github.com/ippclub/nuget-registry/internal/storage"
	"github.com/ippclub/nuget-registry/internal/store"
	"github.com/ippclub/nuget-registry/internal/version"
)

// ErrNotFound is returned when an identity is not registered.
var ErrNotFound = errors.New("package not found")

// MetadataStore holds package records. It is implemented by *store.SQLiteStore.
type MetadataStore interface {
	Add(ctx context.Context, pkg *model.Package) (store.AddResult, error)
	Exists(ctx context.Context, id string, v version.Version) (bool, error)
	Find(ctx context.Context, id string, profile store.FetchProfile) ([]*model.Package, error)
	FindVersion(ctx context.Context, id string, v version.Version, profile store.FetchProfile) (*model.Package, error)
	AddDownload(ctx context.Context, id string, v version.Version) (bool, error)
	SetListed(ctx context.Context, id string, v version.Version, listed bool) (bool, error)
	Remove(ctx context.Context, id string, v version.Version) (bool, error)
	Identities(ctx context.Context) ([]store.Record, error)
}

// ContentStore holds package blobs. It is implemented by *storage.FileStorage.
type ContentStore interface {
	Save(ctx context.Context, identity model.Identity, archive, manifest, readme io.Reader) error
	Exists(ctx context.Context, identity model.Identity) (bool, error)
	ReadArchive(ctx context.Context, identity model.Identity) (io.ReadCloser, error)
	ReadManifest(ctx context.Context, identity model.Identity) (io.ReadCloser, error)
	ReadReadme(ctx context.Context, identity model.Identity) (io.ReadCloser, error)
	Delete(ctx context.Context, identity model.Identity) (bool, error)
	Identities(ctx context.Context) ([]storage.Entry, error)
	StaleStaging(ctx context.Context, cutoff time.Time) ([]string, error)
	RemoveStaging(ctx context.Context, rel string) error
}

var (
	_ MetadataStore = (*store.SQLiteStore)(nil)
	_ ContentStore  = (*storage.FileStorage)(nil)
)
