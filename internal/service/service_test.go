package service

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/model"
	"github.com/ippclub/nuget-registry/internal/storage"
	"github.com/ippclub/nuget-registry/internal/store"
	"github.com/ippclub/nuget-registry/pkg/nupkg"
)

type testEnv struct {
	metadata *store.SQLiteStore
	content  *storage.FileStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	metadata, err := store.NewSQLiteStore(filepath.Join(dir, "registry.db"), zap.NewNop(), store.WithMaxOpenConns(4))
	require.NoError(t, err)
	t.Cleanup(func() { metadata.Close() })
	content, err := storage.New(filepath.Join(dir, "packages"), zap.NewNop())
	require.NoError(t, err)
	return &testEnv{metadata: metadata, content: content}
}

// failingContent fails the operations that have an error set.
type failingContent struct {
	ContentStore
	saveErr   error
	deleteErr error
}

func (f *failingContent) Save(ctx context.Context, identity model.Identity, archive, manifest, readme io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.ContentStore.Save(ctx, identity, archive, manifest, readme)
}

func (f *failingContent) Delete(ctx context.Context, identity model.Identity) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	return f.ContentStore.Delete(ctx, identity)
}

func testManifest(id, v string) *nupkg.Manifest {
	return &nupkg.Manifest{Metadata: nupkg.Metadata{
		ID:          id,
		Version:     v,
		Authors:     "alice, bob",
		Description: "a test package",
		Tags:        "json test",
	}}
}

func buildArchive(t *testing.T, m *nupkg.Manifest, extra ...nupkg.File) []byte {
	t.Helper()
	data, err := nupkg.Build(m, extra...)
	require.NoError(t, err)
	return data
}

func identity(t *testing.T, id, v string) model.Identity {
	t.Helper()
	i, err := model.NewIdentity(id, v)
	require.NoError(t, err)
	return i
}

func readAll(t *testing.T, rc io.ReadCloser, err error) []byte {
	t.Helper()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}
