package nupkg

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// Manifest is the decoded .nuspec document of a package.
type Manifest struct {
	XMLName  xml.Name `xml:"package"`
	Metadata Metadata `xml:"metadata"`
}

// Metadata holds the descriptive fields of a manifest.
type Metadata struct {
	MinClientVersion         string        `xml:"minClientVersion,attr,omitempty"`
	ID                       string        `xml:"id"`
	Version                  string        `xml:"version"`
	Title                    string        `xml:"title,omitempty"`
	Authors                  string        `xml:"authors,omitempty"`
	Description              string        `xml:"description,omitempty"`
	Summary                  string        `xml:"summary,omitempty"`
	Language                 string        `xml:"language,omitempty"`
	Tags                     string        `xml:"tags,omitempty"`
	IconURL                  string        `xml:"iconUrl,omitempty"`
	ProjectURL               string        `xml:"projectUrl,omitempty"`
	LicenseURL               string        `xml:"licenseUrl,omitempty"`
	RequireLicenseAcceptance bool          `xml:"requireLicenseAcceptance,omitempty"`
	Readme                   string        `xml:"readme,omitempty"`
	Repository               *Repository   `xml:"repository,omitempty"`
	Dependencies             *Dependencies `xml:"dependencies,omitempty"`
}

// Repository points at the source repository of a package.
type Repository struct {
	Type string `xml:"type,attr,omitempty"`
	URL  string `xml:"url,attr,omitempty"`
}

// Dependencies is either a list of framework groups or, in the legacy
// layout, a flat list of dependencies that applies to every framework.
type Dependencies struct {
	Groups       []DependencyGroup `xml:"group"`
	Dependencies []Dependency      `xml:"dependency"`
}

// DependencyGroup lists the dependencies of one target framework.
type DependencyGroup struct {
	TargetFramework string       `xml:"targetFramework,attr,omitempty"`
	Dependencies    []Dependency `xml:"dependency"`
}

// Dependency is one <dependency> element.
type Dependency struct {
	ID      string `xml:"id,attr"`
	Version string `xml:"version,attr,omitempty"`
}

// ParseManifest decodes a .nuspec document and checks its required fields.
func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := xml.Unmarshal(data, m); err != nil {
		return nil, invalid("malformed manifest", err)
	}

	md := &m.Metadata
	md.ID = strings.TrimSpace(md.ID)
	md.Version = strings.TrimSpace(md.Version)
	switch {
	case md.ID == "":
		return nil, invalid("manifest has no id", nil)
	case md.Version == "":
		return nil, invalid("manifest has no version", nil)
	case strings.TrimSpace(md.Authors) == "":
		return nil, invalid("manifest has no authors", nil)
	case strings.TrimSpace(md.Description) == "":
		return nil, invalid("manifest has no description", nil)
	}
	return m, nil
}

// MarshalManifest encodes m as a .nuspec document.
func MarshalManifest(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// AuthorList splits the comma separated authors field.
func (md Metadata) AuthorList() []string {
	var authors []string
	for _, a := range strings.Split(md.Authors, ",") {
		if a = strings.TrimSpace(a); a != "" {
			authors = append(authors, a)
		}
	}
	return authors
}

// TagList splits the space separated tags field.
func (md Metadata) TagList() []string {
	return strings.Fields(md.Tags)
}
