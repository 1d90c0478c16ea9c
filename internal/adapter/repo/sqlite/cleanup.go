package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CleanupService removes terminal jobs and orphaned artifacts past the
// retention window. Campaign and expert rows are never cleaned; the cost
// ledger is append-only and kept forever.
type CleanupService struct {
	DB            *sql.DB
	ArtifactRoot  string
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(db *sql.DB, artifactRoot string, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{DB: db, ArtifactRoot: artifactRoot, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal jobs older than the retention period and any
// artifacts no remaining job references.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE completed_at IS NOT NULL AND completed_at < ? AND parent_phase_ref = ''`,
		cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}
	deletedJobs, _ := res.RowsAffected()

	// Orphaned artifact references, then their blobs.
	rows, err := s.DB.QueryContext(ctx,
		`SELECT ref FROM artifacts WHERE ref NOT IN (SELECT result_ref FROM jobs WHERE result_ref != '')`)
	if err != nil {
		return fmt.Errorf("op=cleanup.artifacts: %w", err)
	}
	var orphans []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			_ = rows.Close()
			return fmt.Errorf("op=cleanup.artifacts: %w", err)
		}
		orphans = append(orphans, ref)
	}
	_ = rows.Close()
	for _, ref := range orphans {
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM artifacts WHERE ref=?`, ref); err != nil {
			return fmt.Errorf("op=cleanup.artifacts: %w", err)
		}
		if err := os.Remove(filepath.Join(s.ArtifactRoot, ref)); err != nil && !os.IsNotExist(err) {
			slog.Warn("artifact blob removal failed", slog.String("ref", ref), slog.Any("error", err))
		}
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int("deleted_artifacts", len(orphans)),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
