package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/model"
	"github.com/ippclub/nuget-registry/internal/version"
)

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"), zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPackage(t *testing.T, id, v string) *model.Package {
	t.Helper()
	identity, err := model.NewIdentity(id, v)
	require.NoError(t, err)
	return &model.Package{
		Identity:    identity,
		Title:       id + " title",
		Authors:     []string{"alice", "bob"},
		Description: "test package",
		Tags:        []string{"json", "test"},
		Listed:      true,
		Prerelease:  identity.Version.IsPrerelease(),
		PackageHash: "sha512:00",
		Size:        42,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		DependencyGroups: []model.PackageDependencyGroup{
			{
				TargetFramework: "net8.0",
				Dependencies: []model.PackageDependency{
					{ID: "Bar", VersionRange: "[1.0.0, )"},
					{ID: "Baz", VersionRange: "[2.0.0, 3.0.0)"},
				},
			},
			{TargetFramework: ""},
		},
	}
}

func TestSQLiteStore_AddAndFind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pkg := testPackage(t, "Foo", "1.0.0")

	res, err := s.Add(ctx, pkg)
	require.NoError(t, err)
	assert.Equal(t, AddInserted, res)

	ok, err := s.Exists(ctx, "foo", version.MustParse("1.0"))
	require.NoError(t, err)
	assert.True(t, ok, "lookups are case-insensitive and use the normalized version")

	got, err := s.FindVersion(ctx, "FOO", version.MustParse("1.0.0.0"), WithDependencies)
	require.NoError(t, err)
	assert.Equal(t, "Foo", got.ID)
	assert.Equal(t, "1.0.0", got.NormalizedVersion())
	assert.Equal(t, []string{"alice", "bob"}, got.Authors)
	assert.Equal(t, []string{"json", "test"}, got.Tags)
	assert.True(t, got.Listed)
	assert.Equal(t, int64(42), got.Size)
	assert.True(t, pkg.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.DependencyGroups, 2)
	assert.Equal(t, "net8.0", got.DependencyGroups[0].TargetFramework)
	assert.Equal(t, pkg.DependencyGroups[0].Dependencies, got.DependencyGroups[0].Dependencies)
	assert.Empty(t, got.DependencyGroups[1].Dependencies)

	bare, err := s.FindVersion(ctx, "Foo", version.MustParse("1.0.0"), PackageOnly)
	require.NoError(t, err)
	assert.Empty(t, bare.DependencyGroups)
}

func TestSQLiteStore_FindVersionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindVersion(context.Background(), "Foo", version.MustParse("1.0.0"), PackageOnly)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_FindOrdersVersions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, v := range []string{"1.10.0", "1.2.0", "1.2.0-beta", "0.9.0"} {
		_, err := s.Add(ctx, testPackage(t, "Foo", v))
		require.NoError(t, err)
	}
	_, err := s.Add(ctx, testPackage(t, "Other", "1.0.0"))
	require.NoError(t, err)

	pkgs, err := s.Find(ctx, "foo", WithDependencies)
	require.NoError(t, err)

	var got []string
	for _, p := range pkgs {
		got = append(got, p.NormalizedVersion())
		assert.Len(t, p.DependencyGroups, 2)
	}
	assert.Equal(t, []string{"0.9.0", "1.2.0-beta", "1.2.0", "1.10.0"}, got)

	none, err := s.Find(ctx, "missing", PackageOnly)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStore_AddDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.Add(ctx, testPackage(t, "Foo", "1.0"))
	require.NoError(t, err)
	require.Equal(t, AddInserted, res)

	res, err = s.Add(ctx, testPackage(t, "FOO", "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, AddDuplicateIdentity, res)

	pkgs, err := s.Find(ctx, "foo", WithDependencies)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Len(t, pkgs[0].DependencyGroups, 2, "the rejected insert must not leave dependency rows behind")
}

func TestSQLiteStore_ConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithMaxOpenConns(4))

	const workers = 8
	results := make([]AddResult, workers)
	errs := make([]error, workers)
	pkgs := make([]*model.Package, workers)
	for i := range pkgs {
		pkgs[i] = testPackage(t, "Race", "1.0.0")
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Add(ctx, pkgs[i])
		}(i)
	}
	wg.Wait()

	inserted := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] == AddInserted {
			inserted++
		} else {
			assert.Equal(t, AddDuplicateIdentity, results[i])
		}
	}
	assert.Equal(t, 1, inserted)
}

func TestSQLiteStore_AddDownload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithMaxOpenConns(4))
	_, err := s.Add(ctx, testPackage(t, "Foo", "1.0.0"))
	require.NoError(t, err)
	v := version.MustParse("1.0.0")

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AddDownload(ctx, "Foo", v); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	pkg, err := s.FindVersion(ctx, "Foo", v, PackageOnly)
	require.NoError(t, err)
	assert.Equal(t, int64(n), pkg.Downloads)

	ok, err := s.AddDownload(ctx, "Missing", v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_SetListed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Add(ctx, testPackage(t, "Foo", "1.0.0"))
	require.NoError(t, err)
	v := version.MustParse("1.0.0")

	ok, err := s.SetListed(ctx, "Foo", v, false)
	require.NoError(t, err)
	assert.True(t, ok)
	pkg, err := s.FindVersion(ctx, "Foo", v, PackageOnly)
	require.NoError(t, err)
	assert.False(t, pkg.Listed)

	for i := 0; i < 2; i++ {
		ok, err = s.SetListed(ctx, "foo", v, true)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	pkg, err = s.FindVersion(ctx, "Foo", v, PackageOnly)
	require.NoError(t, err)
	assert.True(t, pkg.Listed)

	ok, err = s.SetListed(ctx, "Foo", version.MustParse("9.9.9"), true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_Remove(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Add(ctx, testPackage(t, "Foo", "1.0.0"))
	require.NoError(t, err)
	v := version.MustParse("1.0.0")

	ok, err := s.Remove(ctx, "Foo", v)
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := s.Exists(ctx, "Foo", v)
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = s.Remove(ctx, "Foo", v)
	require.NoError(t, err)
	assert.False(t, ok)

	var groups, deps int
	require.NoError(t, s.db.Get(&groups, `SELECT COUNT(*) FROM package_dependency_groups`))
	require.NoError(t, s.db.Get(&deps, `SELECT COUNT(*) FROM package_dependencies`))
	assert.Zero(t, groups)
	assert.Zero(t, deps)
}

func TestSQLiteStore_Identities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, p := range []*model.Package{testPackage(t, "Foo", "1.0.0"), testPackage(t, "Bar", "2.0.0-beta")} {
		_, err := s.Add(ctx, p)
		require.NoError(t, err)
	}

	records, err := s.Identities(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "foo/1.0.0", records[0].Identity.Key())
	assert.Equal(t, "bar/2.0.0-beta", records[1].Identity.Key())
	assert.False(t, records[0].CreatedAt.IsZero())
}

func TestAddResult_String(t *testing.T) {
	assert.Equal(t, "inserted", AddInserted.String())
	assert.Equal(t, "duplicate identity", AddDuplicateIdentity.String())
}
