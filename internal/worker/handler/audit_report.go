package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// AuditReport is the result data of an audit report job
type AuditReport struct {
	ReportType      domain.AuditReportType `json:"report_type"`
	OutputFormat    domain.OutputFormat    `json:"output_format"`
	DateRange       domain.DateRange       `json:"date_range"`
	PatientIDs      []uuid.UUID            `json:"patient_ids,omitempty"`
	PractitionerIDs []uuid.UUID            `json:"practitioner_ids,omitempty"`
	TotalJobs       int64                  `json:"total_jobs"`
	Rows            []domain.JobCount      `json:"rows"`
	Content         string                 `json:"content,omitempty"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// AuditReportHandler reports job activity recorded in the job store
type AuditReportHandler struct {
	store  JobStatsStore
	logger *slog.Logger
}

func NewAuditReportHandler(store JobStatsStore, logger *slog.Logger) *AuditReportHandler {
	return &AuditReportHandler{store: store, logger: logger.With(slog.String("handler", "audit_report"))}
}

func (h *AuditReportHandler) Name() string     { return "audit_report" }
func (h *AuditReportHandler) Kind() domain.Kind { return domain.KindAuditReport }

func (h *AuditReportHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	job, err := payloadAs[*domain.AuditReportJob](payload, h.Name())
	if err != nil {
		return nil, err
	}

	h.logger.Info("Starting audit report job",
		slog.String("job_id", jctx.JobID.String()),
		slog.String("report_type", string(job.ReportType)),
		slog.String("output_format", string(job.OutputFormat)),
	)

	if job.OutputFormat != domain.OutputFormatJSON && job.OutputFormat != domain.OutputFormatCSV {
		return nil, domain.NewValidationError(fmt.Sprintf("output format %s is not supported for audit reports", job.OutputFormat))
	}

	rows, err := h.store.CountByTypeAndStatus(ctx, job.DateRange.Start, job.DateRange.End)
	if err != nil {
		return nil, storeError(ctx, "count jobs", err)
	}

	report := AuditReport{
		ReportType:      job.ReportType,
		OutputFormat:    job.OutputFormat,
		DateRange:       job.DateRange,
		PatientIDs:      job.PatientIDs,
		PractitionerIDs: job.PractitionerIDs,
		Rows:            rows,
		GeneratedAt:     time.Now().UTC(),
	}
	for _, r := range rows {
		report.TotalJobs += r.Count
	}

	if job.OutputFormat == domain.OutputFormatCSV {
		content, err := renderJobCountsCSV(rows)
		if err != nil {
			return nil, domain.NewSerializationError(fmt.Sprintf("failed to render CSV report: %v", err))
		}
		report.Content = content
	}

	return domain.SucceededWithData(
		fmt.Sprintf("%s report generated: %d jobs in %d groups", job.ReportType, report.TotalJobs, len(rows)),
		report,
	).
		WithMetric("total_jobs", float64(report.TotalJobs)).
		WithMetric("rows", float64(len(rows))), nil
}

func renderJobCountsCSV(rows []domain.JobCount) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"job_type", "status", "count", "avg_duration_ms"}); err != nil {
		return "", err
	}
	for _, r := range rows {
		record := []string{
			r.JobType,
			string(r.Status),
			strconv.FormatInt(r.Count, 10),
			strconv.FormatFloat(r.AvgDurationMs, 'f', 2, 64),
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}

	w.Flush()
	return buf.String(), w.Error()
}
