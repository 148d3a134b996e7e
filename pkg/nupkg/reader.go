// Package nupkg reads and writes package archives: zip files carrying a
// .nuspec manifest at the root and an optional readme.
package nupkg

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Size limits for entries read into memory.
const (
	MaxManifestSize = 1 << 20
	MaxReadmeSize   = 10 << 20
)

// ErrInvalidPackage is matched by every error describing a malformed archive.
var ErrInvalidPackage = errors.New("invalid package")

// Error describes why an archive was rejected.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid package: %s: %v", e.Reason, e.Err)
	}
	return "invalid package: " + e.Reason
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidPackage, e.Err}
	}
	return []error{ErrInvalidPackage}
}

func invalid(reason string, err error) error {
	return &Error{Reason: reason, Err: err}
}

// Reader gives access to the entries of a package archive.
type Reader struct {
	zr       *zip.Reader
	manifest *zip.File
}

// NewReader opens the archive in data.
func NewReader(data []byte) (*Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, invalid("not a zip archive", err)
	}

	r := &Reader{zr: zr}
	for _, f := range zr.File {
		name := f.Name
		if strings.Contains(name, "/") || !strings.EqualFold(path.Ext(name), ".nuspec") {
			continue
		}
		if r.manifest != nil {
			return nil, invalid("archive has more than one manifest", nil)
		}
		r.manifest = f
	}
	if r.manifest == nil {
		return nil, invalid("archive has no manifest", nil)
	}
	return r, nil
}

// Files returns the entry names of the archive in archive order.
func (r *Reader) Files() []string {
	names := make([]string, 0, len(r.zr.File))
	for _, f := range r.zr.File {
		names = append(names, f.Name)
	}
	return names
}

// ManifestBytes returns the raw .nuspec entry.
func (r *Reader) ManifestBytes() ([]byte, error) {
	return readEntry(r.manifest, MaxManifestSize)
}

// Manifest decodes the .nuspec entry.
func (r *Reader) Manifest() (*Manifest, error) {
	data, err := r.ManifestBytes()
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// Readme returns the readme named by the manifest, falling back to a
// readme.md at the archive root. The bool is false when neither exists.
func (r *Reader) Readme(m *Manifest) ([]byte, bool, error) {
	want := strings.TrimLeft(strings.ReplaceAll(m.Metadata.Readme, `\`, "/"), "/")
	declared := want != ""
	if !declared {
		want = "readme.md"
	}

	for _, f := range r.zr.File {
		if !strings.EqualFold(f.Name, want) {
			continue
		}
		data, err := readEntry(f, MaxReadmeSize)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}

	if declared {
		return nil, false, invalid(fmt.Sprintf("readme %q not found in archive", m.Metadata.Readme), nil)
	}
	return nil, false, nil
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, invalid(fmt.Sprintf("failed to open %s", f.Name), err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, invalid(fmt.Sprintf("failed to read %s", f.Name), err)
	}
	if int64(len(data)) > limit {
		return nil, invalid(fmt.Sprintf("%s is larger than %d bytes", f.Name, limit), nil)
	}
	return data, nil
}
