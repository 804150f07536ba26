package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/cuongbtq/emr-jobs/internal/fhir"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// ImportSummary is the result data of a data import job
type ImportSummary struct {
	SourceLocation    string            `json:"source_location"`
	Format            domain.DataFormat `json:"import_format"`
	RecordsRead       int               `json:"records_read"`
	RecordsImported   int               `json:"records_imported"`
	RecordsSkipped    int               `json:"records_skipped"`
	Merged            bool              `json:"merged"`
	ErrorsCount       int               `json:"errors_count"`
	WarningsCount     int               `json:"warnings_count"`
	ValidationResults []string          `json:"validation_results"`
}

// DataImportHandler loads resources from a file into the FHIR server
type DataImportHandler struct {
	client FHIRClient
	logger *slog.Logger
}

func NewDataImportHandler(client FHIRClient, logger *slog.Logger) *DataImportHandler {
	return &DataImportHandler{client: client, logger: logger.With(slog.String("handler", "data_import"))}
}

func (h *DataImportHandler) Name() string     { return "data_import" }
func (h *DataImportHandler) Kind() domain.Kind { return domain.KindDataImport }

func (h *DataImportHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	job, err := payloadAs[*domain.DataImportJob](payload, h.Name())
	if err != nil {
		return nil, err
	}

	h.logger.Info("Starting data import job",
		slog.String("job_id", jctx.JobID.String()),
		slog.String("source_location", job.SourceLocation),
		slog.String("format", string(job.ImportFormat)),
		slog.Bool("auto_merge", job.AutoMerge),
	)

	if job.MappingConfig != nil {
		return nil, domain.NewConfigurationError("mapping configs are not supported by this worker")
	}
	if job.ImportFormat != domain.DataFormatJSON && job.ImportFormat != domain.DataFormatFHIR {
		return nil, domain.NewValidationError(fmt.Sprintf("import format %s is not supported", job.ImportFormat))
	}

	raw, err := os.ReadFile(job.SourceLocation)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.NewValidationError(fmt.Sprintf("source %s does not exist", job.SourceLocation))
	}
	if err != nil {
		return nil, domain.NewProcessingError(fmt.Sprintf("failed to read %s: %v", job.SourceLocation, err))
	}

	resources, err := parseImport(raw)
	if err != nil {
		return nil, domain.NewSerializationError(fmt.Sprintf("failed to parse %s: %v", job.SourceLocation, err))
	}

	report, err := evaluateRules(ctx, job.ValidationRules, nil)
	if err != nil {
		return nil, err
	}

	summary := ImportSummary{
		SourceLocation:    job.SourceLocation,
		Format:            job.ImportFormat,
		RecordsRead:       len(resources),
		ErrorsCount:       report.ErrorsCount,
		WarningsCount:     report.WarningsCount,
		ValidationResults: report.ValidationResults,
	}

	if job.AutoMerge && report.ErrorsCount > 0 {
		return nil, domain.NewValidationError(fmt.Sprintf("import blocked by %d validation errors", report.ErrorsCount))
	}

	if job.AutoMerge {
		for i, res := range resources {
			if ctx.Err() != nil {
				return nil, interrupted(ctx, fmt.Sprintf("import after %d of %d records", i, len(resources)))
			}
			jctx.ReportProgress(float64(i) / float64(len(resources)) * 100)

			resourceType := res.ResourceType()
			if resourceType == "" {
				summary.RecordsSkipped++
				continue
			}
			if _, err := h.client.Create(ctx, resourceType, res); err != nil {
				return nil, fhirError(ctx, "create "+resourceType, err)
			}
			summary.RecordsImported++
		}
		summary.Merged = true
	}

	message := fmt.Sprintf("Validated %d records, auto merge disabled", summary.RecordsRead)
	if summary.Merged {
		message = fmt.Sprintf("Imported %d of %d records", summary.RecordsImported, summary.RecordsRead)
	}

	return domain.SucceededWithData(message, summary).
		WithMetric("records_read", float64(summary.RecordsRead)).
		WithMetric("records_imported", float64(summary.RecordsImported)).
		WithMetric("errors_count", float64(summary.ErrorsCount)), nil
}

// parseImport accepts a JSON array of resources, a Bundle or a single resource
func parseImport(raw []byte) ([]fhir.Resource, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}

	if trimmed[0] == '[' {
		var resources []fhir.Resource
		if err := json.Unmarshal(trimmed, &resources); err != nil {
			return nil, err
		}
		return resources, nil
	}

	var doc fhir.Resource
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	if doc.ResourceType() == "Bundle" {
		return fhir.BundleResources(doc), nil
	}
	return []fhir.Resource{doc}, nil
}
