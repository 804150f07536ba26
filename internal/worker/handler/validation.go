package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// ValidationReport is the result data of a data validation job
type ValidationReport struct {
	ValidationResults []string `json:"validation_results"`
	ErrorsCount       int      `json:"errors_count"`
	WarningsCount     int      `json:"warnings_count"`
	RulesProcessed    int      `json:"rules_processed"`
}

// evaluateRules walks rules in order and grades each finding by severity.
// progress, when set, receives the number of rules evaluated so far.
func evaluateRules(ctx context.Context, rules []domain.ValidationRule, progress func(done, total int)) (ValidationReport, error) {
	report := ValidationReport{ValidationResults: make([]string, 0, len(rules))}

	for i, rule := range rules {
		if ctx.Err() != nil {
			return report, interrupted(ctx, fmt.Sprintf("validation after %d of %d rules", i, len(rules)))
		}
		if progress != nil {
			progress(i, len(rules))
		}

		description := rule.Description
		if description == "" {
			description = rule.Name
		}

		switch {
		case rule.Severity.IsError():
			report.ErrorsCount++
			report.ValidationResults = append(report.ValidationResults, "ERROR: "+description)
		case rule.Severity == domain.SeverityWarning:
			report.WarningsCount++
			report.ValidationResults = append(report.ValidationResults, "WARNING: "+description)
		default:
			report.ValidationResults = append(report.ValidationResults, "INFO: "+description)
		}
		report.RulesProcessed++
	}

	return report, nil
}

// DataValidationHandler evaluates validation rules against patient data
type DataValidationHandler struct {
	logger *slog.Logger
}

func NewDataValidationHandler(logger *slog.Logger) *DataValidationHandler {
	return &DataValidationHandler{logger: logger.With(slog.String("handler", "data_validation"))}
}

func (h *DataValidationHandler) Name() string     { return "data_validation" }
func (h *DataValidationHandler) Kind() domain.Kind { return domain.KindDataValidation }

func (h *DataValidationHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	job, err := payloadAs[*domain.DataValidationJob](payload, h.Name())
	if err != nil {
		return nil, err
	}

	patientID := "all"
	if job.PatientID != nil {
		patientID = job.PatientID.String()
	}
	h.logger.Info("Starting data validation job",
		slog.String("job_id", jctx.JobID.String()),
		slog.String("patient_id", patientID),
		slog.String("validation_type", string(job.ValidationType)),
		slog.Int("rules", len(job.Rules)),
	)

	report, err := evaluateRules(ctx, job.Rules, func(done, total int) {
		jctx.ReportProgress(float64(done) / float64(total) * 100)
	})
	if err != nil {
		return nil, err
	}

	return domain.SucceededWithData(
		fmt.Sprintf("Validation completed: %d errors, %d warnings", report.ErrorsCount, report.WarningsCount),
		report,
	).
		WithMetric("errors_count", float64(report.ErrorsCount)).
		WithMetric("warnings_count", float64(report.WarningsCount)).
		WithMetric("rules_processed", float64(report.RulesProcessed)), nil
}
