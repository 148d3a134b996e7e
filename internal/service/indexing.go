package service

import (
	"bytes"
	"context"
	_ "crypto/sha512" // digest.SHA512
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/model"
	"github.com/ippclub/nuget-registry/internal/store"
	"github.com/ippclub/nuget-registry/internal/version"
	"github.com/ippclub/nuget-registry/pkg/nupkg"
)

// DefaultMaxUploadSize is the upload limit used when none is configured.
const DefaultMaxUploadSize int64 = 250 << 20

// IndexingResult is the outcome of indexing one archive.
type IndexingResult int

const (
	// IndexingSuccess means the package record and its content were stored.
	IndexingSuccess IndexingResult = iota
	// IndexingPackageAlreadyExists means the identity was already registered.
	IndexingPackageAlreadyExists
	// IndexingInvalidPackage means the upload is not a well-formed package.
	IndexingInvalidPackage
)

func (r IndexingResult) String() string {
	switch r {
	case IndexingSuccess:
		return "success"
	case IndexingPackageAlreadyExists:
		return "package already exists"
	case IndexingInvalidPackage:
		return "invalid package"
	default:
		return fmt.Sprintf("IndexingResult(%d)", int(r))
	}
}

// IndexingService ingests uploaded package archives.
type IndexingService struct {
	metadata MetadataStore
	content  ContentStore
	maxSize  int64
	logger   *zap.Logger
	now      func() time.Time
}

// NewIndexingService creates an IndexingService. Uploads larger than
// maxSize bytes are rejected as invalid; a maxSize of zero selects
// DefaultMaxUploadSize.
func NewIndexingService(metadata MetadataStore, content ContentStore, maxSize int64, logger *zap.Logger) *IndexingService {
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &IndexingService{
		metadata: metadata,
		content:  content,
		maxSize:  maxSize,
		logger:   logger,
		now:      time.Now,
	}
}

// parsed is an archive that passed validation.
type parsed struct {
	pkg      *model.Package
	archive  []byte
	manifest []byte
	readme   []byte
}

// Index stores the package archive read from r. Malformed archives and
// duplicate identities are reported through the result; the error is
// reserved for storage faults and cancellation. The metadata record is
// written first, so a fault while saving content leaves a record without
// content for the Reconciler to roll back.
func (s *IndexingService) Index(ctx context.Context, r io.Reader) (IndexingResult, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return 0, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		s.logger.Warn("rejecting package upload",
			zap.String("reason", "upload too large"),
			zap.Int64("max_size", s.maxSize),
		)
		return IndexingInvalidPackage, nil
	}

	p, err := s.parse(data)
	if err != nil {
		s.logger.Warn("rejecting package upload", zap.Error(err))
		return IndexingInvalidPackage, nil
	}
	pkg := p.pkg

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	res, err := s.metadata.Add(ctx, pkg)
	if err != nil {
		return 0, fmt.Errorf("failed to add package %s: %w", pkg.Identity, err)
	}
	if res == store.AddDuplicateIdentity {
		s.logger.Info("package already exists",
			zap.String("id", pkg.ID),
			zap.String("version", pkg.NormalizedVersion()),
		)
		return IndexingPackageAlreadyExists, nil
	}

	var readme io.Reader
	if p.readme != nil {
		readme = bytes.NewReader(p.readme)
	}
	if err := s.content.Save(ctx, pkg.Identity, bytes.NewReader(p.archive), bytes.NewReader(p.manifest), readme); err != nil {
		s.logger.Error("failed to save package content",
			zap.String("id", pkg.ID),
			zap.String("version", pkg.NormalizedVersion()),
			zap.Error(err),
		)
		return 0, fmt.Errorf("failed to save package content %s: %w", pkg.Identity, err)
	}

	s.logger.Info("package indexed",
		zap.String("id", pkg.ID),
		zap.String("version", pkg.NormalizedVersion()),
		zap.String("purl", pkg.PURL()),
		zap.Int64("size", pkg.Size),
	)
	return IndexingSuccess, nil
}

func (s *IndexingService) parse(data []byte) (*parsed, error) {
	reader, err := nupkg.NewReader(data)
	if err != nil {
		return nil, err
	}
	manifest, err := reader.ManifestBytes()
	if err != nil {
		return nil, err
	}
	m, err := nupkg.ParseManifest(manifest)
	if err != nil {
		return nil, err
	}
	readme, hasReadme, err := reader.Readme(m)
	if err != nil {
		return nil, err
	}

	md := m.Metadata
	if err := model.ValidateID(md.ID); err != nil {
		return nil, err
	}
	identity, err := model.NewIdentity(md.ID, md.Version)
	if err != nil {
		return nil, err
	}
	groups, err := dependencyGroups(md.Dependencies)
	if err != nil {
		return nil, err
	}

	pkg := &model.Package{
		Identity:                 identity,
		Title:                    md.Title,
		Authors:                  md.AuthorList(),
		Description:              md.Description,
		Summary:                  md.Summary,
		Tags:                     md.TagList(),
		Language:                 md.Language,
		IconURL:                  md.IconURL,
		ProjectURL:               md.ProjectURL,
		LicenseURL:               md.LicenseURL,
		RequireLicenseAcceptance: md.RequireLicenseAcceptance,
		MinClientVersion:         md.MinClientVersion,
		Listed:                   true,
		Prerelease:               identity.Version.IsPrerelease(),
		HasReadme:                hasReadme,
		PackageHash:              digest.SHA512.FromBytes(data).String(),
		Size:                     int64(len(data)),
		CreatedAt:                s.now().UTC(),
		DependencyGroups:         groups,
	}
	if md.Repository != nil {
		pkg.RepositoryURL = md.Repository.URL
		pkg.RepositoryType = md.Repository.Type
	}

	p := &parsed{pkg: pkg, archive: data, manifest: manifest}
	if hasReadme {
		p.readme = readme
	}
	return p, nil
}

// errInvalidDependency is matched by dependency entries without an id.
var errInvalidDependency = errors.New("invalid dependency")

func dependencyGroups(deps *nupkg.Dependencies) ([]model.PackageDependencyGroup, error) {
	if deps == nil {
		return nil, nil
	}

	var groups []model.PackageDependencyGroup
	if len(deps.Dependencies) > 0 {
		g, err := dependencyGroup("", deps.Dependencies)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	for _, group := range deps.Groups {
		g, err := dependencyGroup(group.TargetFramework, group.Dependencies)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func dependencyGroup(framework string, deps []nupkg.Dependency) (model.PackageDependencyGroup, error) {
	g := model.PackageDependencyGroup{TargetFramework: framework}
	for _, d := range deps {
		if d.ID == "" {
			return g, fmt.Errorf("%w: missing id in group %q", errInvalidDependency, framework)
		}
		r, err := version.ParseRange(d.Version)
		if err != nil {
			return g, fmt.Errorf("dependency %s: %w", d.ID, err)
		}
		g.Dependencies = append(g.Dependencies, model.PackageDependency{ID: d.ID, VersionRange: r.String()})
	}
	return g, nil
}
