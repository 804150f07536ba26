package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/emr-jobs/internal/fhir"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

// ExportSummary is the result data of a data export job
type ExportSummary struct {
	OutputLocation string            `json:"output_location"`
	Format         domain.DataFormat `json:"export_format"`
	Patients       int               `json:"patients"`
	Resources      int               `json:"resources"`
	Bytes          int               `json:"bytes"`
}

type exportedResource struct {
	patientID uuid.UUID
	resource  fhir.Resource
}

// DataExportHandler exports patient records from the FHIR server to a file
type DataExportHandler struct {
	client FHIRClient
	logger *slog.Logger
}

func NewDataExportHandler(client FHIRClient, logger *slog.Logger) *DataExportHandler {
	return &DataExportHandler{client: client, logger: logger.With(slog.String("handler", "data_export"))}
}

func (h *DataExportHandler) Name() string     { return "data_export" }
func (h *DataExportHandler) Kind() domain.Kind { return domain.KindDataExport }

func (h *DataExportHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	job, err := payloadAs[*domain.DataExportJob](payload, h.Name())
	if err != nil {
		return nil, err
	}

	h.logger.Info("Starting data export job",
		slog.String("job_id", jctx.JobID.String()),
		slog.Int("patients", len(job.PatientIDs)),
		slog.String("format", string(job.ExportFormat)),
		slog.String("output_location", job.OutputLocation),
	)

	if job.EncryptionKey != nil {
		return nil, domain.NewConfigurationError("encrypted exports are not supported by this worker")
	}
	switch job.ExportFormat {
	case domain.DataFormatJSON, domain.DataFormatFHIR, domain.DataFormatCSV:
	default:
		return nil, domain.NewValidationError(fmt.Sprintf("export format %s is not supported", job.ExportFormat))
	}

	var exported []exportedResource
	for i, patientID := range job.PatientIDs {
		if ctx.Err() != nil {
			return nil, interrupted(ctx, fmt.Sprintf("export after %d of %d patients", i, len(job.PatientIDs)))
		}
		jctx.ReportProgress(float64(i) / float64(len(job.PatientIDs)) * 100)

		patient, err := h.client.Read(ctx, patientResource, patientID.String())
		if err != nil {
			return nil, fhirError(ctx, "read patient "+patientID.String(), err)
		}
		exported = append(exported, exportedResource{patientID: patientID, resource: patient})

		for _, resourceType := range job.IncludeResources {
			found, err := h.client.Search(ctx, resourceType, url.Values{"patient": {patientID.String()}})
			if err != nil {
				return nil, fhirError(ctx, "search "+resourceType, err)
			}
			for _, res := range found {
				exported = append(exported, exportedResource{patientID: patientID, resource: res})
			}
		}
	}

	doc, err := renderExport(job.ExportFormat, exported)
	if err != nil {
		return nil, domain.NewSerializationError(fmt.Sprintf("failed to render %s export: %v", job.ExportFormat, err))
	}
	if err := writeFileAtomic(job.OutputLocation, doc); err != nil {
		return nil, err
	}

	summary := ExportSummary{
		OutputLocation: job.OutputLocation,
		Format:         job.ExportFormat,
		Patients:       len(job.PatientIDs),
		Resources:      len(exported),
		Bytes:          len(doc),
	}
	return domain.SucceededWithData(
		fmt.Sprintf("Exported %d resources for %d patients", summary.Resources, summary.Patients),
		summary,
	).
		WithMetric("resources_exported", float64(summary.Resources)).
		WithMetric("bytes_written", float64(summary.Bytes)), nil
}

func renderExport(format domain.DataFormat, exported []exportedResource) ([]byte, error) {
	resources := make([]fhir.Resource, 0, len(exported))
	for _, e := range exported {
		resources = append(resources, e.resource)
	}

	switch format {
	case domain.DataFormatFHIR:
		return json.MarshalIndent(fhir.NewBundle(resources), "", "  ")
	case domain.DataFormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"resource_type", "id", "patient_id", "last_updated"}); err != nil {
			return nil, err
		}
		for _, e := range exported {
			lastUpdated := ""
			if t, ok := e.resource.LastUpdated(); ok {
				lastUpdated = t.UTC().Format(time.RFC3339)
			}
			if err := w.Write([]string{e.resource.ResourceType(), e.resource.ID(), e.patientID.String(), lastUpdated}); err != nil {
				return nil, err
			}
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	default:
		return json.MarshalIndent(resources, "", "  ")
	}
}
