package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ippclub/nuget-registry/internal/model"
)

// DefaultGracePeriod is how long an inconsistency may exist before the
// Reconciler treats it as abandoned.
const DefaultGracePeriod = 15 * time.Minute

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	// OrphanedRecords are registered identities without content.
	OrphanedRecords []string `json:"orphaned_records"`
	// OrphanedContent are stored identities without a record.
	OrphanedContent []string `json:"orphaned_content"`
	// StaleStaging are staging directories left by interrupted uploads or deletes.
	StaleStaging []string `json:"stale_staging"`
	Repaired     int      `json:"repaired"`
	Failed       int      `json:"failed"`
}

// Reconciler finds and, when repair is enabled, removes mismatches between
// the metadata store and the content store. Only entries older than the
// grace period are considered so uploads in flight are left alone.
type Reconciler struct {
	metadata MetadataStore
	content  ContentStore
	grace    time.Duration
	repair   bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler creates a Reconciler. A zero grace selects DefaultGracePeriod.
func NewReconciler(metadata MetadataStore, content ContentStore, grace time.Duration, repair bool, logger *zap.Logger) *Reconciler {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Reconciler{
		metadata: metadata,
		content:  content,
		grace:    grace,
		repair:   repair,
		logger:   logger,
		now:      time.Now,
	}
}

// Run performs one sweep. Records without content are rolled back since
// their ingestion never completed; content without a record is deleted.
// Running it again after a successful repair finds nothing.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	cutoff := r.now().Add(-r.grace)
	report := &ReconcileReport{}

	records, err := r.metadata.Identities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list package records: %w", err)
	}
	entries, err := r.content.Identities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list package content: %w", err)
	}

	stored := make(map[string]bool, len(entries))
	for _, e := range entries {
		stored[e.Identity.Key()] = true
	}
	registered := make(map[string]bool, len(records))
	for _, rec := range records {
		registered[rec.Identity.Key()] = true
	}

	for _, rec := range records {
		if stored[rec.Identity.Key()] || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		report.OrphanedRecords = append(report.OrphanedRecords, rec.Identity.Key())
		r.fix(report, "package record without content", rec.Identity, func() error {
			// Content may have landed since the listing.
			exists, err := r.content.Exists(ctx, rec.Identity)
			if err != nil || exists {
				return err
			}
			_, err = r.metadata.Remove(ctx, rec.Identity.ID, rec.Identity.Version)
			return err
		})
	}

	for _, e := range entries {
		if registered[e.Identity.Key()] || !e.ModTime.Before(cutoff) {
			continue
		}
		report.OrphanedContent = append(report.OrphanedContent, e.Identity.Key())
		r.fix(report, "package content without record", e.Identity, func() error {
			exists, err := r.metadata.Exists(ctx, e.Identity.ID, e.Identity.Version)
			if err != nil || exists {
				return err
			}
			_, err = r.content.Delete(ctx, e.Identity)
			return err
		})
	}

	stale, err := r.content.StaleStaging(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging directories: %w", err)
	}
	for _, rel := range stale {
		report.StaleStaging = append(report.StaleStaging, rel)
		if !r.repair {
			r.logger.Warn("stale staging directory", zap.String("path", rel))
			continue
		}
		if err := r.content.RemoveStaging(ctx, rel); err != nil {
			report.Failed++
			r.logger.Error("failed to remove staging directory", zap.String("path", rel), zap.Error(err))
			continue
		}
		report.Repaired++
		r.logger.Info("removed staging directory", zap.String("path", rel))
	}

	r.logger.Info("reconciliation finished",
		zap.Int("orphaned_records", len(report.OrphanedRecords)),
		zap.Int("orphaned_content", len(report.OrphanedContent)),
		zap.Int("stale_staging", len(report.StaleStaging)),
		zap.Int("repaired", report.Repaired),
		zap.Int("failed", report.Failed),
		zap.Bool("repair", r.repair),
	)
	return report, ctx.Err()
}

func (r *Reconciler) fix(report *ReconcileReport, problem string, identity model.Identity, repair func() error) {
	fields := []zap.Field{
		zap.String("id", identity.ID),
		zap.String("version", identity.NormalizedVersion()),
	}
	if !r.repair {
		r.logger.Warn(problem, fields...)
		return
	}
	if err := repair(); err != nil {
		report.Failed++
		r.logger.Error("failed to repair "+problem, append(fields, zap.Error(err))...)
		return
	}
	report.Repaired++
	r.logger.Info("repaired "+problem, fields...)
}
