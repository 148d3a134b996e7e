package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/config"
	"github.com/ippclub/nuget-registry/internal/model"
	"github.com/ippclub/nuget-registry/internal/service"
	"github.com/ippclub/nuget-registry/internal/storage"
	"github.com/ippclub/nuget-registry/internal/version"
)

// API handles HTTP requests
type API struct {
	logger      *zap.Logger
	indexer     *service.IndexingService
	packages    *service.PackageService
	reconciler  *service.Reconciler
	rateLimiter *RateLimiter
}

// NewAPI creates a new API instance
func NewAPI(cfg *config.Config, logger *zap.Logger, indexer *service.IndexingService, packages *service.PackageService, reconciler *service.Reconciler) *API {
	return &API{
		logger:      logger,
		indexer:     indexer,
		packages:    packages,
		reconciler:  reconciler,
		rateLimiter: NewRateLimiter(float64(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
	}
}

// Close closes the API and its resources
func (a *API) Close() {
	a.rateLimiter.Close()
}

// RegisterRoutes registers the API routes
func (a *API) RegisterRoutes(r chi.Router) {
	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(a.logger))
	r.Use(middleware.Recoverer)

	// Public routes with rate limiting
	r.Group(func(r chi.Router) {
		r.Use(middleware.RealIP)
		r.Use(a.rateLimiter.RateLimit)

		r.Put("/api/v2/package", a.uploadPackage)
		r.Delete("/api/v2/package/{id}/{version}", a.unlistPackage)
		r.Post("/api/v2/package/{id}/{version}", a.relistPackage)

		r.Get("/v3/package/{id}/index.json", a.listVersions)
		r.With(SecureContent).Get("/v3/package/{id}/{version}/{file}", a.downloadContent)
		r.Get("/v3/registration/{id}/{file}", a.getRegistration)
	})

	// Admin routes (localhost only)
	r.Route("/admin", func(r chi.Router) {
		r.Use(LocalOnly)
		r.Delete("/package/{id}/{version}", a.deletePackage)
		r.Post("/reconcile", a.triggerReconcile)
	})
}

// uploadPackage indexes an archive sent as the raw body or as the first
// file of a multipart form.
func (a *API) uploadPackage(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		part, err := firstFilePart(r)
		if err != nil {
			http.Error(w, "package file is required", http.StatusBadRequest)
			return
		}
		defer part.Close()
		body = part
	}

	res, err := a.indexer.Index(r.Context(), body)
	if err != nil {
		a.logger.Error("failed to index package", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	switch res {
	case service.IndexingSuccess:
		w.WriteHeader(http.StatusCreated)
	case service.IndexingPackageAlreadyExists:
		http.Error(w, "package already exists", http.StatusConflict)
	default:
		http.Error(w, "invalid package", http.StatusBadRequest)
	}
}

type namedPart interface {
	io.ReadCloser
	FileName() string
}

func firstFilePart(r *http.Request) (namedPart, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// unlistPackage hides a version from listings
func (a *API) unlistPackage(w http.ResponseWriter, r *http.Request) {
	a.setListed(w, r, a.packages.Unlist)
}

// relistPackage makes an unlisted version visible again
func (a *API) relistPackage(w http.ResponseWriter, r *http.Request) {
	a.setListed(w, r, a.packages.Relist)
}

func (a *API) setListed(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string, v version.Version) (bool, error)) {
	id, v, ok := packageParams(r)
	if !ok {
		http.Error(w, "package not found", http.StatusNotFound)
		return
	}

	found, err := op(r.Context(), id, v)
	if err != nil {
		a.logger.Error("failed to update package",
			zap.String("id", id),
			zap.String("version", v.String()),
			zap.Error(err),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "package not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// listVersions returns the lowercased normalized versions of a package
func (a *API) listVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pkgs, err := a.packages.Versions(r.Context(), id)
	if err != nil {
		a.logger.Error("failed to list versions", zap.String("id", id), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if len(pkgs) == 0 {
		http.Error(w, "package not found", http.StatusNotFound)
		return
	}

	versions := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		versions = append(versions, p.LowerVersion())
	}
	writeJSON(w, http.StatusOK, struct {
		Versions []string `json:"versions"`
	}{versions})
}

// downloadContent serves the archive, manifest or readme of a version
func (a *API) downloadContent(w http.ResponseWriter, r *http.Request) {
	id, v, ok := packageParams(r)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	identity := model.Identity{ID: id, Version: v}

	var (
		rc          io.ReadCloser
		err         error
		contentType string
	)
	switch strings.ToLower(chi.URLParam(r, "file")) {
	case storage.ArchiveName(identity):
		rc, err = a.packages.OpenArchive(r.Context(), id, v)
		contentType = "application/octet-stream"
	case storage.ManifestName(identity):
		rc, err = a.packages.OpenManifest(r.Context(), id, v)
		contentType = "text/xml"
	case storage.ReadmeName:
		rc, err = a.packages.OpenReadme(r.Context(), id, v)
		contentType = "text/markdown; charset=utf-8"
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if errors.Is(err, service.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to open package content",
			zap.String("id", id),
			zap.String("version", v.String()),
			zap.Error(err),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("failed to send package content", zap.String("id", id), zap.Error(err))
	}
}

type registration struct {
	ID                       string            `json:"id"`
	Version                  string            `json:"version"`
	PURL                     string            `json:"purl"`
	Title                    string            `json:"title,omitempty"`
	Authors                  []string          `json:"authors"`
	Description              string            `json:"description"`
	Summary                  string            `json:"summary,omitempty"`
	Tags                     []string          `json:"tags"`
	Language                 string            `json:"language,omitempty"`
	IconURL                  string            `json:"iconUrl,omitempty"`
	ProjectURL               string            `json:"projectUrl,omitempty"`
	LicenseURL               string            `json:"licenseUrl,omitempty"`
	RepositoryURL            string            `json:"repositoryUrl,omitempty"`
	RepositoryType           string            `json:"repositoryType,omitempty"`
	RequireLicenseAcceptance bool              `json:"requireLicenseAcceptance"`
	MinClientVersion         string            `json:"minClientVersion,omitempty"`
	Listed                   bool              `json:"listed"`
	Prerelease               bool              `json:"prerelease"`
	HasReadme                bool              `json:"hasReadme"`
	Downloads                int64             `json:"downloads"`
	PackageHash              string            `json:"packageHash"`
	Size                     int64             `json:"size"`
	Published                time.Time         `json:"published"`
	DependencyGroups         []dependencyGroup `json:"dependencyGroups"`
}

type dependencyGroup struct {
	TargetFramework string       `json:"targetFramework,omitempty"`
	Dependencies    []dependency `json:"dependencies"`
}

type dependency struct {
	ID    string `json:"id"`
	Range string `json:"range"`
}

func newRegistration(p *model.Package) registration {
	reg := registration{
		ID:                       p.ID,
		Version:                  p.NormalizedVersion(),
		PURL:                     p.PURL(),
		Title:                    p.Title,
		Authors:                  nonNil(p.Authors),
		Description:              p.Description,
		Summary:                  p.Summary,
		Tags:                     nonNil(p.Tags),
		Language:                 p.Language,
		IconURL:                  p.IconURL,
		ProjectURL:               p.ProjectURL,
		LicenseURL:               p.LicenseURL,
		RepositoryURL:            p.RepositoryURL,
		RepositoryType:           p.RepositoryType,
		RequireLicenseAcceptance: p.RequireLicenseAcceptance,
		MinClientVersion:         p.MinClientVersion,
		Listed:                   p.Listed,
		Prerelease:               p.Prerelease,
		HasReadme:                p.HasReadme,
		Downloads:                p.Downloads,
		PackageHash:              p.PackageHash,
		Size:                     p.Size,
		Published:                p.CreatedAt,
		DependencyGroups:         make([]dependencyGroup, 0, len(p.DependencyGroups)),
	}
	for _, g := range p.DependencyGroups {
		group := dependencyGroup{TargetFramework: g.TargetFramework, Dependencies: make([]dependency, 0, len(g.Dependencies))}
		for _, d := range g.Dependencies {
			group.Dependencies = append(group.Dependencies, dependency{ID: d.ID, Range: d.VersionRange})
		}
		reg.DependencyGroups = append(reg.DependencyGroups, group)
	}
	return reg
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// getRegistration returns the metadata of one version
func (a *API) getRegistration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw, ok := strings.CutSuffix(chi.URLParam(r, "file"), ".json")
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	v, err := version.Parse(raw)
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	pkg, err := a.packages.Package(r.Context(), id, v)
	if errors.Is(err, service.ErrNotFound) {
		http.Error(w, "package not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to get package", zap.String("id", id), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newRegistration(pkg))
}

// deletePackage removes a version and its content
func (a *API) deletePackage(w http.ResponseWriter, r *http.Request) {
	id, v, ok := packageParams(r)
	if !ok {
		http.Error(w, "package not found", http.StatusNotFound)
		return
	}

	err := a.packages.Delete(r.Context(), id, v)
	var cleanupErr *service.ContentCleanupError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, "package not found", http.StatusNotFound)
	case errors.As(err, &cleanupErr):
		http.Error(w, "package removed but its content could not be deleted", http.StatusInternalServerError)
	default:
		a.logger.Error("failed to delete package",
			zap.String("id", id),
			zap.String("version", v.String()),
			zap.Error(err),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// triggerReconcile runs one consistency sweep and returns its report
func (a *API) triggerReconcile(w http.ResponseWriter, r *http.Request) {
	a.logger.Info("manual reconcile triggered")

	report, err := a.reconciler.Run(r.Context())
	if err != nil {
		a.logger.Error("manual reconcile failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// packageParams reads the id and version route parameters. The version is
// not valid when it does not parse.
func packageParams(r *http.Request) (string, version.Version, bool) {
	v, err := version.Parse(chi.URLParam(r, "version"))
	if err != nil {
		return "", version.Version{}, false
	}
	return chi.URLParam(r, "id"), v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
