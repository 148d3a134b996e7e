package storage

import (
	"path"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/ippclub/nuget-registry/internal/model"
)

// ReadmeName is the file name of the readme inside a package directory.
const ReadmeName = "readme"

// PackageDir returns the package directory in the form of
// '<lower id>/<lower normalized version>'.
func PackageDir(identity model.Identity) string {
	return path.Join(identity.LowerID(), identity.LowerVersion())
}

// ArchiveName returns the archive file name in the form of
// '<lower id>.<lower normalized version>.nupkg'.
func ArchiveName(identity model.Identity) string {
	return identity.LowerID() + "." + identity.LowerVersion() + ".nupkg"
}

// ManifestName returns the manifest file name in the form of '<lower id>.nuspec'.
func ManifestName(identity model.Identity) string {
	return identity.LowerID() + ".nuspec"
}

// ArchivePath returns the archive path relative to the storage root.
func ArchivePath(identity model.Identity) string {
	return path.Join(PackageDir(identity), ArchiveName(identity))
}

// ManifestPath returns the manifest path relative to the storage root.
func ManifestPath(identity model.Identity) string {
	return path.Join(PackageDir(identity), ManifestName(identity))
}

// ReadmePath returns the readme path relative to the storage root.
func ReadmePath(identity model.Identity) string {
	return path.Join(PackageDir(identity), ReadmeName)
}

// LocalPath returns the secure local path of rel below the storage root.
func (s *FileStorage) LocalPath(rel string) (string, error) {
	return securejoin.SecureJoin(s.BasePath, rel)
}
