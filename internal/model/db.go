package model

import (
	"strings"
	"time"
)

// DBPackage represents a package record in the database
type DBPackage struct {
	PK                       int64     `db:"pk"`
	ID                       string    `db:"id"`
	LowerID                  string    `db:"lower_id"`
	Version                  string    `db:"version"`
	LowerVersion             string    `db:"lower_version"`
	Title                    string    `db:"title"`
	Authors                  string    `db:"authors"`
	Description              string    `db:"description"`
	Summary                  string    `db:"summary"`
	Tags                     string    `db:"tags"`
	Language                 string    `db:"language"`
	IconURL                  string    `db:"icon_url"`
	ProjectURL               string    `db:"project_url"`
	LicenseURL               string    `db:"license_url"`
	RepositoryURL            string    `db:"repository_url"`
	RepositoryType           string    `db:"repository_type"`
	RequireLicenseAcceptance bool      `db:"require_license_acceptance"`
	MinClientVersion         string    `db:"min_client_version"`
	Listed                   bool      `db:"listed"`
	Prerelease               bool      `db:"prerelease"`
	HasReadme                bool      `db:"has_readme"`
	Downloads                int64     `db:"downloads"`
	PackageHash              string    `db:"package_hash"`
	Size                     int64     `db:"size"`
	CreatedAt                time.Time `db:"created_at"`
}

// DBDependencyGroup represents a dependency group record in the database
type DBDependencyGroup struct {
	PK              int64  `db:"pk"`
	PackagePK       int64  `db:"package_pk"`
	TargetFramework string `db:"target_framework"`
}

// DBDependency represents a dependency record in the database
type DBDependency struct {
	PK           int64  `db:"pk"`
	GroupPK      int64  `db:"group_pk"`
	ID           string `db:"id"`
	VersionRange string `db:"version_range"`
}

// JoinList encodes a list column.
func JoinList(items []string) string {
	return strings.Join(items, ",")
}

// SplitList decodes a list column written by JoinList.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Schema contains the SQL schema for the database
const Schema = `
CREATE TABLE IF NOT EXISTS packages (
    pk INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    lower_id TEXT NOT NULL,
    version TEXT NOT NULL,
    lower_version TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    authors TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    icon_url TEXT NOT NULL DEFAULT '',
    project_url TEXT NOT NULL DEFAULT '',
    license_url TEXT NOT NULL DEFAULT '',
    repository_url TEXT NOT NULL DEFAULT '',
    repository_type TEXT NOT NULL DEFAULT '',
    require_license_acceptance BOOLEAN NOT NULL DEFAULT 0,
    min_client_version TEXT NOT NULL DEFAULT '',
    listed BOOLEAN NOT NULL DEFAULT 1,
    prerelease BOOLEAN NOT NULL DEFAULT 0,
    has_readme BOOLEAN NOT NULL DEFAULT 0,
    downloads INTEGER NOT NULL DEFAULT 0 CHECK (downloads >= 0),
    package_hash TEXT NOT NULL,
    size INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(lower_id, lower_version)
);

CREATE TABLE IF NOT EXISTS package_dependency_groups (
    pk INTEGER PRIMARY KEY AUTOINCREMENT,
    package_pk INTEGER NOT NULL,
    target_framework TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (package_pk) REFERENCES packages(pk) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS package_dependencies (
    pk INTEGER PRIMARY KEY AUTOINCREMENT,
    group_pk INTEGER NOT NULL,
    id TEXT NOT NULL,
    version_range TEXT NOT NULL,
    FOREIGN KEY (group_pk) REFERENCES package_dependency_groups(pk) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_packages_lower_id ON packages(lower_id);
CREATE INDEX IF NOT EXISTS idx_dependency_groups_package_pk ON package_dependency_groups(package_pk);
CREATE INDEX IF NOT EXISTS idx_dependencies_group_pk ON package_dependencies(group_pk);
`
