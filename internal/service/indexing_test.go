package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/store"
	"github.com/ippclub/nuget-registry/internal/version"
	"github.com/ippclub/nuget-registry/pkg/nupkg"
)

func TestIndexingService_Index(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := NewIndexingService(env.metadata, env.content, 0, zap.NewNop())

	m := testManifest("Foo.Bar", "1.0-Beta+build.5")
	m.Metadata.Readme = `docs\README.md`
	m.Metadata.Repository = &nupkg.Repository{Type: "git", URL: "https://example.com/foo.git"}
	m.Metadata.Dependencies = &nupkg.Dependencies{
		Groups: []nupkg.DependencyGroup{{
			TargetFramework: "net8.0",
			Dependencies: []nupkg.Dependency{
				{ID: "Baz", Version: "1.0"},
				{ID: "Qux", Version: "[2.0,3.0)"},
				{ID: "Any"},
			},
		}},
	}
	archive := buildArchive(t, m, nupkg.File{Name: "docs/README.md", Body: []byte("# Foo")})

	res, err := s.Index(ctx, bytes.NewReader(archive))
	require.NoError(t, err)
	assert.Equal(t, IndexingSuccess, res)

	v := version.MustParse("1.0.0-beta")
	pkg, err := env.metadata.FindVersion(ctx, "foo.bar", v, store.WithDependencies)
	require.NoError(t, err)
	assert.Equal(t, "Foo.Bar", pkg.ID)
	assert.Equal(t, "1.0.0-Beta", pkg.NormalizedVersion())
	assert.Equal(t, []string{"alice", "bob"}, pkg.Authors)
	assert.Equal(t, []string{"json", "test"}, pkg.Tags)
	assert.Equal(t, "https://example.com/foo.git", pkg.RepositoryURL)
	assert.True(t, pkg.Listed)
	assert.True(t, pkg.Prerelease)
	assert.True(t, pkg.HasReadme)
	assert.Equal(t, int64(len(archive)), pkg.Size)
	assert.True(t, strings.HasPrefix(pkg.PackageHash, "sha512:"))
	require.Len(t, pkg.DependencyGroups, 1)
	assert.Equal(t, "net8.0", pkg.DependencyGroups[0].TargetFramework)
	var ranges []string
	for _, d := range pkg.DependencyGroups[0].Dependencies {
		ranges = append(ranges, d.ID+" "+d.VersionRange)
	}
	assert.Equal(t, []string{"Baz [1.0.0, )", "Qux [2.0.0, 3.0.0)", "Any (, )"}, ranges)

	id := identity(t, "Foo.Bar", "1.0.0-beta")
	stored, err := env.content.ReadArchive(ctx, id)
	assert.Equal(t, archive, readAll(t, stored, err))
	readme, err := env.content.ReadReadme(ctx, id)
	assert.Equal(t, "# Foo", string(readAll(t, readme, err)))
	manifest, err := env.content.ReadManifest(ctx, id)
	parsedManifest, err := nupkg.ParseManifest(readAll(t, manifest, err))
	require.NoError(t, err)
	assert.Equal(t, "Foo.Bar", parsedManifest.Metadata.ID)
}

func TestIndexingService_LegacyDependencies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := NewIndexingService(env.metadata, env.content, 0, zap.NewNop())

	m := testManifest("Legacy", "2.0.0")
	m.Metadata.Dependencies = &nupkg.Dependencies{
		Dependencies: []nupkg.Dependency{{ID: "Old", Version: "[1.2.3]"}},
	}
	res, err := s.Index(ctx, bytes.NewReader(buildArchive(t, m)))
	require.NoError(t, err)
	require.Equal(t, IndexingSuccess, res)

	pkg, err := env.metadata.FindVersion(ctx, "Legacy", version.MustParse("2.0.0"), store.WithDependencies)
	require.NoError(t, err)
	require.Len(t, pkg.DependencyGroups, 1)
	assert.Empty(t, pkg.DependencyGroups[0].TargetFramework)
	assert.Equal(t, "[1.2.3]", pkg.DependencyGroups[0].Dependencies[0].VersionRange)
	assert.False(t, pkg.HasReadme)
}

func TestIndexingService_AlreadyExists(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := NewIndexingService(env.metadata, env.content, 0, zap.NewNop())

	first := buildArchive(t, testManifest("Foo", "1.0.0"))
	res, err := s.Index(ctx, bytes.NewReader(first))
	require.NoError(t, err)
	require.Equal(t, IndexingSuccess, res)

	second := testManifest("Foo", "1.0.0")
	second.Metadata.Description = "a different build"
	res, err = s.Index(ctx, bytes.NewReader(buildArchive(t, second)))
	require.NoError(t, err)
	assert.Equal(t, IndexingPackageAlreadyExists, res)

	stored, err := env.content.ReadArchive(ctx, identity(t, "Foo", "1.0.0"))
	assert.Equal(t, first, readAll(t, stored, err), "stored content must not change")

	pkg, err := env.metadata.FindVersion(ctx, "Foo", version.MustParse("1.0.0"), store.PackageOnly)
	require.NoError(t, err)
	assert.Equal(t, "a test package", pkg.Description)
}

func TestIndexingService_EquivalentVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := NewIndexingService(env.metadata, env.content, 0, zap.NewNop())

	res, err := s.Index(ctx, bytes.NewReader(buildArchive(t, testManifest("Foo", "1.0"))))
	require.NoError(t, err)
	assert.Equal(t, IndexingSuccess, res)

	res, err = s.Index(ctx, bytes.NewReader(buildArchive(t, testManifest("foo", "1.0.0"))))
	require.NoError(t, err)
	assert.Equal(t, IndexingPackageAlreadyExists, res)
}

func TestIndexingService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := NewIndexingService(env.metadata, env.content, 0, zap.NewNop())
	archive := buildArchive(t, testManifest("Foo", "1.0.0"))
	v := version.MustParse("1.0.0")

	res, err := s.Index(ctx, bytes.NewReader(archive))
	require.NoError(t, err)
	assert.Equal(t, IndexingSuccess, res)

	res, err = s.Index(ctx, bytes.NewReader(archive))
	require.NoError(t, err)
	assert.Equal(t, IndexingPackageAlreadyExists, res)

	exists, err := env.metadata.Exists(ctx, "Foo", v)
	require.NoError(t, err)
	assert.True(t, exists)

	removed, err := env.metadata.Remove(ctx, "Foo", v)
	require.NoError(t, err)
	assert.True(t, removed)

	exists, err = env.metadata.Exists(ctx, "Foo", v)
	require.NoError(t, err)
	assert.False(t, exists)

	removed, err = env.metadata.Remove(ctx, "Foo", v)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestIndexingService_InvalidPackage(t *testing.T) {
	withManifest := func(edit func(m *nupkg.Manifest)) func(t *testing.T) []byte {
		return func(t *testing.T) []byte {
			m := testManifest("Foo", "1.0.0")
			edit(m)
			return buildArchive(t, m)
		}
	}
	raw := func(files ...nupkg.File) func(t *testing.T) []byte {
		return func(t *testing.T) []byte {
			var buf bytes.Buffer
			require.NoError(t, nupkg.Write(&buf, files))
			return buf.Bytes()
		}
	}

	tests := []struct {
		name    string
		archive func(t *testing.T) []byte
	}{
		{"not a zip", func(*testing.T) []byte { return []byte("definitely not a zip") }},
		{"empty", func(*testing.T) []byte { return nil }},
		{"no manifest", raw(nupkg.File{Name: "lib/foo.dll", Body: []byte{1}})},
		{"broken manifest", raw(nupkg.File{Name: "foo.nuspec", Body: []byte("<package><metadata>")})},
		{"bad version", withManifest(func(m *nupkg.Manifest) { m.Metadata.Version = "1.0.0.0.0" })},
		{"bad id", withManifest(func(m *nupkg.Manifest) { m.Metadata.ID = "../etc" })},
		{"reserved id", withManifest(func(m *nupkg.Manifest) { m.Metadata.ID = "CON" })},
		{"bad dependency range", withManifest(func(m *nupkg.Manifest) {
			m.Metadata.Dependencies = &nupkg.Dependencies{Dependencies: []nupkg.Dependency{{ID: "Bar", Version: "[2.0, 1.0]"}}}
		})},
		{"dependency without id", withManifest(func(m *nupkg.Manifest) {
			m.Metadata.Dependencies = &nupkg.Dependencies{Groups: []nupkg.DependencyGroup{{
				TargetFramework: "net8.0",
				Dependencies:    []nupkg.Dependency{{Version: "1.0.0"}},
			}}}
		})},
		{"missing declared readme", withManifest(func(m *nupkg.Manifest) { m.Metadata.Readme = "README.md" })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			s := NewIndexingService(env.metadata, env.content, 0, zap.NewNop())

			res, err := s.Index(ctx, bytes.NewReader(tt.archive(t)))
			require.NoError(t, err)
			assert.Equal(t, IndexingInvalidPackage, res)

			records, err := env.metadata.Identities(ctx)
			require.NoError(t, err)
			assert.Empty(t, records)
			entries, err := env.content.Identities(ctx)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestIndexingService_TooLarge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	archive := buildArchive(t, testManifest("Foo", "1.0.0"))

	small := NewIndexingService(env.metadata, env.content, int64(len(archive)-1), zap.NewNop())
	res, err := small.Index(ctx, bytes.NewReader(archive))
	require.NoError(t, err)
	assert.Equal(t, IndexingInvalidPackage, res)

	exact := NewIndexingService(env.metadata, env.content, int64(len(archive)), zap.NewNop())
	res, err = exact.Index(ctx, bytes.NewReader(archive))
	require.NoError(t, err)
	assert.Equal(t, IndexingSuccess, res)
}

func TestIndexingService_ContentFault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	fault := errors.New("disk full")
	s := NewIndexingService(env.metadata, &failingContent{ContentStore: env.content, saveErr: fault}, 0, zap.NewNop())

	_, err := s.Index(ctx, bytes.NewReader(buildArchive(t, testManifest("Foo", "1.0.0"))))
	require.ErrorIs(t, err, fault)

	// The record stays behind until the sweep rolls it back.
	exists, err := env.metadata.Exists(ctx, "Foo", version.MustParse("1.0.0"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIndexingService_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := newTestEnv(t)
	s := NewIndexingService(env.metadata, env.content, 0, zap.NewNop())

	_, err := s.Index(ctx, bytes.NewReader(buildArchive(t, testManifest("Foo", "1.0.0"))))
	require.ErrorIs(t, err, context.Canceled)

	records, err := env.metadata.Identities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestIndexingService_ConcurrentUploads(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := NewIndexingService(env.metadata, env.content, 0, zap.NewNop())
	archive := buildArchive(t, testManifest("Race", "1.0.0"))

	const workers = 6
	results := make(chan IndexingResult, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			res, err := s.Index(ctx, bytes.NewReader(archive))
			results <- res
			errs <- err
		}()
	}

	success := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
		if <-results == IndexingSuccess {
			success++
		}
	}
	assert.Equal(t, 1, success)
}

func TestIndexingResult_String(t *testing.T) {
	assert.Equal(t, "success", IndexingSuccess.String())
	assert.Equal(t, "package already exists", IndexingPackageAlreadyExists.String())
	assert.Equal(t, "invalid package", IndexingInvalidPackage.String())
}
