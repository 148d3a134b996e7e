package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/model"
	"github.com/ippclub/nuget-registry/internal/version"
)

// ErrNotFound is returned when no package matches the requested identity.
var ErrNotFound = errors.New("package not found")

// AddResult is the outcome of Add.
type AddResult int

const (
	// AddInserted means the package was stored.
	AddInserted AddResult = iota
	// AddDuplicateIdentity means a package with the same id and version already exists.
	AddDuplicateIdentity
)

func (r AddResult) String() string {
	switch r {
	case AddInserted:
		return "inserted"
	case AddDuplicateIdentity:
		return "duplicate identity"
	default:
		return fmt.Sprintf("AddResult(%d)", int(r))
	}
}

// FetchProfile selects which related data is loaded with a package.
type FetchProfile int

const (
	// PackageOnly loads the package row.
	PackageOnly FetchProfile = iota
	// WithDependencies also loads the dependency groups and their dependencies.
	WithDependencies
)

// Record is a stored identity and when it was created.
type Record struct {
	Identity  model.Identity
	CreatedAt time.Time
}

// Option configures a SQLiteStore.
type Option func(*options)

type options struct {
	maxOpenConns int
	busyTimeout  time.Duration
}

// WithMaxOpenConns bounds the connection pool. Zero means unlimited.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

// WithBusyTimeout sets how long a connection waits for a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = d
	}
}

// SQLiteStore keeps package metadata in SQLite
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger, opts ...Option) (*SQLiteStore, error) {
	o := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		dbPath, o.busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if o.maxOpenConns > 0 {
		db.SetMaxOpenConns(o.maxOpenConns)
	}

	// Initialize schema
	if _, err := db.Exec(model.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("metadata store opened", zap.String("path", dbPath))

	return &SQLiteStore{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const insertPackageQuery = `
	INSERT INTO packages (
		id, lower_id, version, lower_version, title, authors, description, summary, tags,
		language, icon_url, project_url, license_url, repository_url, repository_type,
		require_license_acceptance, min_client_version, listed, prerelease, has_readme,
		downloads, package_hash, size, created_at
	) VALUES (
		:id, :lower_id, :version, :lower_version, :title, :authors, :description, :summary, :tags,
		:language, :icon_url, :project_url, :license_url, :repository_url, :repository_type,
		:require_license_acceptance, :min_client_version, :listed, :prerelease, :has_readme,
		:downloads, :package_hash, :size, :created_at
	)
`

// Add inserts the package with its dependency groups in one transaction.
// A unique constraint violation on the identity is reported as
// AddDuplicateIdentity; any other failure is returned as an error.
func (s *SQLiteStore) Add(ctx context.Context, pkg *model.Package) (AddResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.NamedExecContext(ctx, insertPackageQuery, toDBPackage(pkg))
	if err != nil {
		if isUniqueViolation(err) {
			return AddDuplicateIdentity, nil
		}
		return 0, fmt.Errorf("failed to insert package: %w", err)
	}
	packagePK, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read package key: %w", err)
	}

	for _, group := range pkg.DependencyGroups {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO package_dependency_groups (package_pk, target_framework) VALUES (?, ?)`,
			packagePK, group.TargetFramework)
		if err != nil {
			return 0, fmt.Errorf("failed to insert dependency group: %w", err)
		}
		groupPK, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read dependency group key: %w", err)
		}

		for _, dep := range group.Dependencies {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO package_dependencies (group_pk, id, version_range) VALUES (?, ?, ?)`,
				groupPK, dep.ID, dep.VersionRange); err != nil {
				return 0, fmt.Errorf("failed to insert dependency: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return AddDuplicateIdentity, nil
		}
		return 0, fmt.Errorf("failed to commit package: %w", err)
	}
	return AddInserted, nil
}

// Exists reports whether a package with the identity is stored.
func (s *SQLiteStore) Exists(ctx context.Context, id string, v version.Version) (bool, error) {
	key := model.Identity{ID: id, Version: v}
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM packages WHERE lower_id = ? AND lower_version = ?)`,
		key.LowerID(), key.LowerVersion())
	if err != nil {
		return false, fmt.Errorf("failed to check package: %w", err)
	}
	return exists, nil
}

// Find returns every version of the package id, lowest version first.
func (s *SQLiteStore) Find(ctx context.Context, id string, profile FetchProfile) ([]*model.Package, error) {
	var rows []*model.DBPackage
	key := model.Identity{ID: id}
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM packages WHERE lower_id = ?`, key.LowerID()); err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}

	pkgs, err := s.load(ctx, rows, profile)
	if err != nil {
		return nil, err
	}
	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].Version.Compare(pkgs[j].Version) < 0
	})
	return pkgs, nil
}

// FindVersion returns the package with the identity, or ErrNotFound.
func (s *SQLiteStore) FindVersion(ctx context.Context, id string, v version.Version, profile FetchProfile) (*model.Package, error) {
	key := model.Identity{ID: id, Version: v}
	row := &model.DBPackage{}
	err := s.db.GetContext(ctx, row,
		`SELECT * FROM packages WHERE lower_id = ? AND lower_version = ?`,
		key.LowerID(), key.LowerVersion())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}

	pkgs, err := s.load(ctx, []*model.DBPackage{row}, profile)
	if err != nil {
		return nil, err
	}
	return pkgs[0], nil
}

// AddDownload increments the download counter of the package by one.
// It reports false when the package does not exist.
func (s *SQLiteStore) AddDownload(ctx context.Context, id string, v version.Version) (bool, error) {
	return s.update(ctx, `UPDATE packages SET downloads = downloads + 1 WHERE lower_id = ? AND lower_version = ?`,
		model.Identity{ID: id, Version: v})
}

// SetListed sets the listed flag of the package. It reports false when the
// package does not exist.
func (s *SQLiteStore) SetListed(ctx context.Context, id string, v version.Version, listed bool) (bool, error) {
	key := model.Identity{ID: id, Version: v}
	res, err := s.db.ExecContext(ctx,
		`UPDATE packages SET listed = ? WHERE lower_id = ? AND lower_version = ?`,
		listed, key.LowerID(), key.LowerVersion())
	if err != nil {
		return false, fmt.Errorf("failed to update package: %w", err)
	}
	return affected(res)
}

// Remove deletes the package and, by cascade, its dependency groups.
// It reports false when the package does not exist.
func (s *SQLiteStore) Remove(ctx context.Context, id string, v version.Version) (bool, error) {
	return s.update(ctx, `DELETE FROM packages WHERE lower_id = ? AND lower_version = ?`,
		model.Identity{ID: id, Version: v})
}

// Identities lists every stored identity.
func (s *SQLiteStore) Identities(ctx context.Context) ([]Record, error) {
	var rows []struct {
		ID        string    `db:"id"`
		Version   string    `db:"version"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, version, created_at FROM packages ORDER BY pk`); err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		identity, err := model.NewIdentity(row.ID, row.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored version of %s: %w", row.ID, err)
		}
		records = append(records, Record{Identity: identity, CreatedAt: row.CreatedAt})
	}
	return records, nil
}

func (s *SQLiteStore) update(ctx context.Context, query string, key model.Identity) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, key.LowerID(), key.LowerVersion())
	if err != nil {
		return false, fmt.Errorf("failed to update package: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// load converts rows and, for WithDependencies, attaches their dependency groups.
func (s *SQLiteStore) load(ctx context.Context, rows []*model.DBPackage, profile FetchProfile) ([]*model.Package, error) {
	pkgs := make([]*model.Package, 0, len(rows))
	byPK := make(map[int64]*model.Package, len(rows))
	pks := make([]int64, 0, len(rows))
	for _, row := range rows {
		pkg, err := toPackage(row)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
		byPK[row.PK] = pkg
		pks = append(pks, row.PK)
	}
	if profile != WithDependencies || len(rows) == 0 {
		return pkgs, nil
	}

	query, args, err := sqlx.In(`SELECT * FROM package_dependency_groups WHERE package_pk IN (?) ORDER BY pk`, pks)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency group query: %w", err)
	}
	var groups []model.DBDependencyGroup
	if err := s.db.SelectContext(ctx, &groups, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query dependency groups: %w", err)
	}

	query, args, err = sqlx.In(`
		SELECT d.* FROM package_dependencies d
		JOIN package_dependency_groups g ON g.pk = d.group_pk
		WHERE g.package_pk IN (?)
		ORDER BY d.pk`, pks)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency query: %w", err)
	}
	var deps []model.DBDependency
	if err := s.db.SelectContext(ctx, &deps, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}

	depsByGroup := make(map[int64][]model.PackageDependency)
	for _, d := range deps {
		depsByGroup[d.GroupPK] = append(depsByGroup[d.GroupPK], model.PackageDependency{
			ID:           d.ID,
			VersionRange: d.VersionRange,
		})
	}
	for _, g := range groups {
		pkg := byPK[g.PackagePK]
		pkg.DependencyGroups = append(pkg.DependencyGroups, model.PackageDependencyGroup{
			TargetFramework: g.TargetFramework,
			Dependencies:    depsByGroup[g.PK],
		})
	}
	return pkgs, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func toDBPackage(pkg *model.Package) *model.DBPackage {
	return &model.DBPackage{
		ID:                       pkg.ID,
		LowerID:                  pkg.LowerID(),
		Version:                  pkg.NormalizedVersion(),
		LowerVersion:             pkg.LowerVersion(),
		Title:                    pkg.Title,
		Authors:                  model.JoinList(pkg.Authors),
		Description:              pkg.Description,
		Summary:                  pkg.Summary,
		Tags:                     model.JoinList(pkg.Tags),
		Language:                 pkg.Language,
		IconURL:                  pkg.IconURL,
		ProjectURL:               pkg.ProjectURL,
		LicenseURL:               pkg.LicenseURL,
		RepositoryURL:            pkg.RepositoryURL,
		RepositoryType:           pkg.RepositoryType,
		RequireLicenseAcceptance: pkg.RequireLicenseAcceptance,
		MinClientVersion:         pkg.MinClientVersion,
		Listed:                   pkg.Listed,
		Prerelease:               pkg.Prerelease,
		HasReadme:                pkg.HasReadme,
		Downloads:                pkg.Downloads,
		PackageHash:              pkg.PackageHash,
		Size:                     pkg.Size,
		CreatedAt:                pkg.CreatedAt.UTC(),
	}
}

func toPackage(row *model.DBPackage) (*model.Package, error) {
	identity, err := model.NewIdentity(row.ID, row.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored version of %s: %w", row.ID, err)
	}
	return &model.Package{
		Identity:                 identity,
		Title:                    row.Title,
		Authors:                  model.SplitList(row.Authors),
		Description:              row.Description,
		Summary:                  row.Summary,
		Tags:                     model.SplitList(row.Tags),
		Language:                 row.Language,
		IconURL:                  row.IconURL,
		ProjectURL:               row.ProjectURL,
		LicenseURL:               row.LicenseURL,
		RepositoryURL:            row.RepositoryURL,
		RepositoryType:           row.RepositoryType,
		RequireLicenseAcceptance: row.RequireLicenseAcceptance,
		MinClientVersion:         row.MinClientVersion,
		Listed:                   row.Listed,
		Prerelease:               row.Prerelease,
		HasReadme:                row.HasReadme,
		Downloads:                row.Downloads,
		PackageHash:              row.PackageHash,
		Size:                     row.Size,
		CreatedAt:                row.CreatedAt,
	}, nil
}
