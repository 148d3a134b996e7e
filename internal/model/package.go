package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/package-url/packageurl-go"

	"github.com/ippclub/nuget-registry/internal/version"
)

// MaxIDLength is the longest package id accepted.
const MaxIDLength = 100

// ErrInvalidID is returned when a package id is not a safe, well-formed name.
var ErrInvalidID = errors.New("invalid package id")

var idPattern = regexp.MustCompile(`^\w+([_.-]\w+)*$`)

// reservedNames are device names that cannot be used as a path segment on Windows.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ValidateID checks that id is a well-formed package id.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidID, id, MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if reservedNames[strings.ToLower(id)] {
		return fmt.Errorf("%w: %q is a reserved name", ErrInvalidID, id)
	}
	return nil
}

// Identity names one package release.
type Identity struct {
	ID      string
	Version version.Version
}

// NewIdentity parses rawVersion and returns the identity of id at that version.
func NewIdentity(id, rawVersion string) (Identity, error) {
	v, err := version.Parse(rawVersion)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: id, Version: v}, nil
}

// LowerID is the case-insensitive form of the id.
func (i Identity) LowerID() string {
	return strings.ToLower(i.ID)
}

// NormalizedVersion is the canonical version string.
func (i Identity) NormalizedVersion() string {
	return i.Version.String()
}

// LowerVersion is the case-insensitive form of the normalized version.
func (i Identity) LowerVersion() string {
	return i.Version.Lower()
}

// Key is the uniqueness key shared by the metadata and content stores.
func (i Identity) Key() string {
	return i.LowerID() + "/" + i.LowerVersion()
}

// PURL returns the package URL of the identity.
func (i Identity) PURL() string {
	return packageurl.NewPackageURL(packageurl.TypeNuget, "", i.ID, i.NormalizedVersion(), nil, "").ToString()
}

func (i Identity) String() string {
	return i.ID + " " + i.NormalizedVersion()
}

// Package is one registered package release.
type Package struct {
	Identity

	Title                    string
	Authors                  []string
	Description              string
	Summary                  string
	Tags                     []string
	Language                 string
	IconURL                  string
	ProjectURL               string
	LicenseURL               string
	RepositoryURL            string
	RepositoryType           string
	RequireLicenseAcceptance bool
	MinClientVersion         string

	Listed     bool
	Prerelease bool
	HasReadme  bool
	Downloads  int64

	// PackageHash is the digest of the archive, e.g. "sha512:<hex>".
	PackageHash string
	Size        int64
	CreatedAt   time.Time

	DependencyGroups []PackageDependencyGroup
}

// PackageDependencyGroup is the dependency set for one target framework.
// An empty TargetFramework applies to any framework.
type PackageDependencyGroup struct {
	TargetFramework string
	Dependencies    []PackageDependency
}

// PackageDependency is one dependency edge.
type PackageDependency struct {
	ID           string
	VersionRange string
}
