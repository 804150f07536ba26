package handler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// CleanupSummary is the result data of a data cleanup job
type CleanupSummary struct {
	CleanupType domain.CleanupType `json:"cleanup_type"`
	OlderThan   time.Time          `json:"older_than"`
	DryRun      bool               `json:"dry_run"`
	Removed     int64              `json:"removed"`
	BytesFreed  int64              `json:"bytes_freed"`
}

// CleanupDirs are the directories file cleanups operate on
type CleanupDirs struct {
	TempDir string
	LogDir  string
}

// DataCleanupHandler removes expired job rows and files
type DataCleanupHandler struct {
	store  JobPurger
	dirs   CleanupDirs
	logger *slog.Logger
}

func NewDataCleanupHandler(store JobPurger, dirs CleanupDirs, logger *slog.Logger) *DataCleanupHandler {
	return &DataCleanupHandler{store: store, dirs: dirs, logger: logger.With(slog.String("handler", "data_cleanup"))}
}

func (h *DataCleanupHandler) Name() string     { return "data_cleanup" }
func (h *DataCleanupHandler) Kind() domain.Kind { return domain.KindDataCleanup }

func (h *DataCleanupHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	job, err := payloadAs[*domain.DataCleanupJob](payload, h.Name())
	if err != nil {
		return nil, err
	}

	h.logger.Info("Starting data cleanup job",
		slog.String("job_id", jctx.JobID.String()),
		slog.String("cleanup_type", string(job.CleanupType)),
		slog.Time("older_than", job.OlderThan),
		slog.Bool("dry_run", job.DryRun),
	)

	summary := CleanupSummary{
		CleanupType: job.CleanupType,
		OlderThan:   job.OlderThan,
		DryRun:      job.DryRun,
	}

	switch job.CleanupType {
	case domain.CleanupOldRecords:
		var preserve []string
		if job.PreserveAudit {
			preserve = []string{domain.KindAuditReport.String()}
		}
		n, err := h.store.PurgeTerminalJobs(ctx, job.OlderThan, preserve, job.DryRun)
		if err != nil {
			return nil, storeError(ctx, "purge jobs", err)
		}
		summary.Removed = n
	case domain.CleanupTempFiles:
		summary.Removed, summary.BytesFreed, err = h.removeOldFiles(ctx, h.dirs.TempDir, job)
	case domain.CleanupLogs:
		summary.Removed, summary.BytesFreed, err = h.removeOldFiles(ctx, h.dirs.LogDir, job)
	default:
		return nil, domain.NewValidationError(fmt.Sprintf("cleanup type %s is not supported", job.CleanupType))
	}
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Removed %d items", summary.Removed)
	if job.DryRun {
		message = fmt.Sprintf("Dry run: %d items would be removed", summary.Removed)
	}

	return domain.SucceededWithData(message, summary).
		WithMetric("removed", float64(summary.Removed)).
		WithMetric("bytes_freed", float64(summary.BytesFreed)), nil
}

// removeOldFiles deletes regular files under dir last modified before the cutoff.
// With preserve_audit, files whose name mentions "audit" are kept.
func (h *DataCleanupHandler) removeOldFiles(ctx context.Context, dir string, job *domain.DataCleanupJob) (int64, int64, error) {
	if dir == "" {
		return 0, 0, domain.NewConfigurationError(fmt.Sprintf("no directory configured for %s cleanup", job.CleanupType))
	}

	var removed, freed int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if job.PreserveAudit && strings.Contains(strings.ToLower(d.Name()), "audit") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(job.OlderThan) {
			return nil
		}

		if !job.DryRun {
			if err := os.Remove(path); err != nil {
				return err
			}
			h.logger.Debug("Removed file", slog.String("path", path))
		}
		removed++
		freed += info.Size()
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return removed, freed, interrupted(ctx, "file cleanup")
		}
		return removed, freed, domain.NewProcessingError(fmt.Sprintf("cleanup of %s failed: %v", dir, err))
	}
	return removed, freed, nil
}
