package nupkg

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// File is one archive entry.
type File struct {
	Name string
	Body []byte
}

// Write writes files as a zip archive to w.
func Write(w io.Writer, files []File) error {
	writer := zip.NewWriter(w)

	for _, f := range files {
		// Create a new file in the zip
		entry, err := writer.Create(f.Name)
		if err != nil {
			return fmt.Errorf("failed to create file in zip: %w", err)
		}
		if _, err := entry.Write(f.Body); err != nil {
			return fmt.Errorf("failed to copy file contents: %w", err)
		}
	}

	return writer.Close()
}

// Build returns a package archive holding the encoded manifest as
// <id>.nuspec followed by the extra files.
func Build(m *Manifest, extra ...File) ([]byte, error) {
	nuspec, err := MarshalManifest(m)
	if err != nil {
		return nil, err
	}

	files := append([]File{{Name: strings.ToLower(m.Metadata.ID) + ".nuspec", Body: nuspec}}, extra...)
	var buf bytes.Buffer
	if err := Write(&buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
