package handler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

var sampleCounts = []domain.JobCount{
	{JobType: "Notification", Status: domain.JobStatusCompleted, Count: 8, AvgDurationMs: 100},
	{JobType: "Notification", Status: domain.JobStatusFailed, Count: 2, AvgDurationMs: 400},
	{JobType: "DataExport", Status: domain.JobStatusCompleted, Count: 1, AvgDurationMs: 5000},
	{JobType: "DataExport", Status: domain.JobStatusPending, Count: 3},
}

func lastWeek() domain.DateRange {
	end := time.Now().UTC()
	return domain.DateRange{Start: end.Add(-7 * 24 * time.Hour), End: end}
}

func TestAuditReportHandler_JSON(t *testing.T) {
	store := &fakeStatsStore{rows: sampleCounts}
	job := &domain.AuditReportJob{
		ReportType:   domain.AuditReportUserActivity,
		DateRange:    lastWeek(),
		PatientIDs:   []uuid.UUID{uuid.New()},
		OutputFormat: domain.OutputFormatJSON,
	}

	result, err := NewAuditReportHandler(store, discardLogger()).Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.NoError(t, err)

	report := result.Data.(AuditReport)
	assert.Equal(t, int64(14), report.TotalJobs)
	assert.Len(t, report.Rows, 4)
	assert.Empty(t, report.Content)
	assert.Equal(t, job.PatientIDs, report.PatientIDs)
	assert.True(t, job.DateRange.Start.Equal(store.from))
	assert.Equal(t, 14.0, result.Metrics["total_jobs"])
}

func TestAuditReportHandler_CSV(t *testing.T) {
	job := &domain.AuditReportJob{ReportType: domain.AuditReportAccessLog, DateRange: lastWeek(), OutputFormat: domain.OutputFormatCSV}

	result, err := NewAuditReportHandler(&fakeStatsStore{rows: sampleCounts[:1]}, discardLogger()).Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.NoError(t, err)

	report := result.Data.(AuditReport)
	assert.Equal(t, "job_type,status,count,avg_duration_ms\nNotification,COMPLETED,8,100.00\n", report.Content)
}

func TestAuditReportHandler_Rejects(t *testing.T) {
	h := NewAuditReportHandler(&fakeStatsStore{err: errors.New("pq: connection reset")}, discardLogger())

	_, err := h.Execute(context.Background(), &domain.AuditReportJob{ReportType: domain.AuditReportAccessLog, DateRange: lastWeek(), OutputFormat: domain.OutputFormatPDF}, domain.NewJobContext(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindValidation, domain.AsJobError(err).Kind)

	_, err = h.Execute(context.Background(), &domain.AuditReportJob{ReportType: domain.AuditReportAccessLog, DateRange: lastWeek(), OutputFormat: domain.OutputFormatJSON}, domain.NewJobContext(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindDatabase, domain.AsJobError(err).Kind)
}

func TestAnalyticsHandler_Usage(t *testing.T) {
	out := filepath.Join(t.TempDir(), "analytics", "usage.json")
	job := &domain.AnalyticsJob{
		AnalyticsType:  domain.AnalyticsUsage,
		DateRange:      lastWeek(),
		OutputLocation: out,
	}

	result, err := NewAnalyticsHandler(&fakeStatsStore{rows: sampleCounts}, discardLogger()).Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Data.(AnalyticsSummary).Groups)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	var report AnalyticsReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, []string{"job_type"}, report.Dimensions)
	require.Len(t, report.Groups, 2)

	notifications := report.Groups[0]
	assert.Equal(t, map[string]string{"job_type": "Notification"}, notifications.Key)
	assert.Equal(t, map[string]float64{"count": 10, "completed": 8, "failed": 2}, notifications.Values)
}

func TestAnalyticsHandler_Performance(t *testing.T) {
	out := filepath.Join(t.TempDir(), "perf.json")
	job := &domain.AnalyticsJob{
		AnalyticsType:  domain.AnalyticsPerformance,
		DateRange:      lastWeek(),
		Dimensions:     []string{"job_type"},
		OutputLocation: out,
	}

	_, err := NewAnalyticsHandler(&fakeStatsStore{rows: sampleCounts}, discardLogger()).Execute(context.Background(), job, domain.NewJobContext(uuid.New()))
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	var report AnalyticsReport
	require.NoError(t, json.Unmarshal(raw, &report))

	notifications := report.Groups[0].Values
	assert.InDelta(t, 160.0, notifications["avg_duration_ms"], 0.001)
	assert.InDelta(t, 80.0, notifications["success_rate"], 0.001)

	exports := report.Groups[1].Values
	assert.InDelta(t, 5000.0, exports["avg_duration_ms"], 0.001)
	assert.InDelta(t, 100.0, exports["success_rate"], 0.001)
}

func TestAnalyticsHandler_Rejects(t *testing.T) {
	tests := []struct {
		name string
		job  *domain.AnalyticsJob
		msg  string
	}{
		{"unsupported type", &domain.AnalyticsJob{AnalyticsType: domain.AnalyticsPredictions, OutputLocation: "x"}, "not supported"},
		{"unknown dimension", &domain.AnalyticsJob{AnalyticsType: domain.AnalyticsUsage, Dimensions: []string{"region"}, OutputLocation: "x"}, `unknown dimension "region"`},
		{"unknown metric", &domain.AnalyticsJob{AnalyticsType: domain.AnalyticsUsage, Metrics: []string{"p99"}, OutputLocation: "x"}, `unknown metric "p99"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAnalyticsHandler(&fakeStatsStore{}, discardLogger()).Execute(context.Background(), tt.job, domain.NewJobContext(uuid.New()))
			require.Error(t, err)

			jobErr := domain.AsJobError(err)
			assert.Equal(t, domain.ErrorKindValidation, jobErr.Kind)
			assert.True(t, strings.Contains(jobErr.Message, tt.msg), jobErr.Message)
		})
	}
}
