package handler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

func touch(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestDataCleanupHandler_OldRecords(t *testing.T) {
	purger := &fakePurger{n: 42}
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	job := &domain.DataCleanupJob{
		CleanupType:   domain.CleanupOldRecords,
		OlderThan:     cutoff,
		DryRun:        true,
		PreserveAudit: true,
	}

	result, err := NewDataCleanupHandler(purger, CleanupDirs{}, discardLogger()).Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, "Dry run: 42 items would be removed", result.Message)
	assert.Equal(t, int64(42), result.Data.(CleanupSummary).Removed)

	assert.True(t, purger.dryRun)
	assert.Equal(t, []string{"AuditReport"}, purger.preserve)
	assert.True(t, cutoff.Equal(purger.olderThan))
}

func TestDataCleanupHandler_OldRecordsStoreError(t *testing.T) {
	purger := &fakePurger{err: errors.New("connection refused")}
	job := &domain.DataCleanupJob{CleanupType: domain.CleanupOldRecords, OlderThan: time.Now()}

	_, err := NewDataCleanupHandler(purger, CleanupDirs{}, discardLogger()).Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.Error(t, err)

	jobErr := domain.AsJobError(err)
	assert.Equal(t, domain.ErrorKindDatabase, jobErr.Kind)
	assert.Equal(t, uint(30), jobErr.RetryDelaySeconds())
}

func TestDataCleanupHandler_TempFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	touch(t, filepath.Join(dir, "upload-1.tmp"), 10, old)
	touch(t, filepath.Join(dir, "nested", "upload-2.tmp"), 5, old)
	touch(t, filepath.Join(dir, "fresh.tmp"), 7, now)
	touch(t, filepath.Join(dir, "audit-export.tmp"), 3, old)

	h := NewDataCleanupHandler(&fakePurger{}, CleanupDirs{TempDir: dir}, discardLogger())
	job := &domain.DataCleanupJob{
		CleanupType:   domain.CleanupTempFiles,
		OlderThan:     now.Add(-24 * time.Hour),
		PreserveAudit: true,
	}

	result, err := h.Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.NoError(t, err)

	summary := result.Data.(CleanupSummary)
	assert.Equal(t, int64(2), summary.Removed)
	assert.Equal(t, int64(15), summary.BytesFreed)

	assert.NoFileExists(t, filepath.Join(dir, "upload-1.tmp"))
	assert.NoFileExists(t, filepath.Join(dir, "nested", "upload-2.tmp"))
	assert.FileExists(t, filepath.Join(dir, "fresh.tmp"))
	assert.FileExists(t, filepath.Join(dir, "audit-export.tmp"))
}

func TestDataCleanupHandler_LogsDryRun(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-72 * time.Hour)
	touch(t, filepath.Join(dir, "worker.log.1"), 100, old)

	h := NewDataCleanupHandler(&fakePurger{}, CleanupDirs{LogDir: dir}, discardLogger())
	job := &domain.DataCleanupJob{CleanupType: domain.CleanupLogs, OlderThan: time.Now(), DryRun: true}

	result, err := h.Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Data.(CleanupSummary).Removed)
	assert.FileExists(t, filepath.Join(dir, "worker.log.1"))
}

func TestDataCleanupHandler_MissingDirIsEmpty(t *testing.T) {
	h := NewDataCleanupHandler(&fakePurger{}, CleanupDirs{TempDir: filepath.Join(t.TempDir(), "absent")}, discardLogger())
	job := &domain.DataCleanupJob{CleanupType: domain.CleanupTempFiles, OlderThan: time.Now()}

	result, err := h.Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.NoError(t, err)
	assert.Zero(t, result.Data.(CleanupSummary).Removed)
}

func TestDataCleanupHandler_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		cleanupType domain.CleanupType
		kind        domain.ErrorKind
	}{
		{"duplicates", domain.CleanupDuplicates, domain.ErrorKindValidation},
		{"orphaned", domain.CleanupOrphaned, domain.ErrorKindValidation},
		{"logs without dir", domain.CleanupLogs, domain.ErrorKindConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewDataCleanupHandler(&fakePurger{}, CleanupDirs{}, discardLogger())
			_, err := h.Execute(context.Background(), &domain.DataCleanupJob{CleanupType: tt.cleanupType, OlderThan: time.Now()}, domain.NewJobContext(uuid.New()))
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.AsJobError(err).Kind)
		})
	}
}
