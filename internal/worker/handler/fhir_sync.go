package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/emr-jobs/internal/fhir"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

const patientResource = "Patient"

// SyncSummary is the result data of a FHIR sync job
type SyncSummary struct {
	PatientID    uuid.UUID            `json:"patient_id"`
	ResourceType string               `json:"resource_type"`
	Direction    domain.SyncDirection `json:"sync_direction"`
	Fetched      int                  `json:"resources_fetched"`
	Pulled       int                  `json:"resources_pulled"`
	Pushed       int                  `json:"resources_pushed"`
	Skipped      int                  `json:"resources_skipped"`
	SyncedAt     time.Time            `json:"synced_at"`
}

// FhirSyncHandler copies a patient's resources between two FHIR servers
type FhirSyncHandler struct {
	clients FHIRClientFactory
	logger  *slog.Logger
}

func NewFhirSyncHandler(clients FHIRClientFactory, logger *slog.Logger) *FhirSyncHandler {
	return &FhirSyncHandler{clients: clients, logger: logger.With(slog.String("handler", "fhir_sync"))}
}

func (h *FhirSyncHandler) Name() string     { return "fhir_sync" }
func (h *FhirSyncHandler) Kind() domain.Kind { return domain.KindFhirSync }

func (h *FhirSyncHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	job, err := payloadAs[*domain.FhirSyncJob](payload, h.Name())
	if err != nil {
		return nil, err
	}

	h.logger.Info("Starting FHIR sync job",
		slog.String("job_id", jctx.JobID.String()),
		slog.String("patient_id", job.PatientID.String()),
		slog.String("resource_type", job.ResourceType),
		slog.String("direction", string(job.SyncDirection)),
	)

	source, err := h.clients(job.SourceURL)
	if err != nil {
		return nil, domain.NewConfigurationError(fmt.Sprintf("source server: %v", err))
	}
	target, err := h.clients(job.TargetURL)
	if err != nil {
		return nil, domain.NewConfigurationError(fmt.Sprintf("target server: %v", err))
	}

	summary := SyncSummary{
		PatientID:    job.PatientID,
		ResourceType: job.ResourceType,
		Direction:    job.SyncDirection,
	}

	switch job.SyncDirection {
	case domain.SyncDirectionPull:
		err = h.copy(ctx, job, source, target, &summary.Fetched, &summary.Pulled, &summary.Skipped)
	case domain.SyncDirectionPush:
		err = h.copy(ctx, job, target, source, &summary.Fetched, &summary.Pushed, &summary.Skipped)
	case domain.SyncDirectionBidirectional:
		err = h.reconcile(ctx, job, source, target, &summary)
	default:
		err = domain.NewValidationError(fmt.Sprintf("unsupported sync direction %q", job.SyncDirection))
	}
	if err != nil {
		return nil, err
	}
	summary.SyncedAt = time.Now().UTC()

	return domain.SucceededWithData(
		fmt.Sprintf("Synchronized %d %s resources (%d pulled, %d pushed, %d unchanged)",
			summary.Pulled+summary.Pushed, job.ResourceType, summary.Pulled, summary.Pushed, summary.Skipped),
		summary,
	).
		WithMetric("resources_fetched", float64(summary.Fetched)).
		WithMetric("resources_written", float64(summary.Pulled+summary.Pushed)), nil
}

// fetch returns the patient's resources on a server changed since the last sync
func (h *FhirSyncHandler) fetch(ctx context.Context, job *domain.FhirSyncJob, from FHIRClient) ([]fhir.Resource, error) {
	patientID := job.PatientID.String()

	if job.ResourceType == patientResource {
		res, err := from.Read(ctx, patientResource, patientID)
		if fhir.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fhirError(ctx, "read patient", err)
		}
		return []fhir.Resource{res}, nil
	}

	params := url.Values{"patient": {patientID}}
	if job.LastSync != nil {
		params.Set("_lastUpdated", "gt"+job.LastSync.UTC().Format(time.RFC3339))
	}
	res, err := from.Search(ctx, job.ResourceType, params)
	if err != nil {
		return nil, fhirError(ctx, "search "+job.ResourceType, err)
	}
	return res, nil
}

func (h *FhirSyncHandler) changedSinceLastSync(job *domain.FhirSyncJob, res fhir.Resource) bool {
	if job.LastSync == nil {
		return true
	}
	updated, ok := res.LastUpdated()
	return !ok || updated.After(*job.LastSync)
}

func (h *FhirSyncHandler) copy(ctx context.Context, job *domain.FhirSyncJob, from, to FHIRClient, fetched, written, skipped *int) error {
	resources, err := h.fetch(ctx, job, from)
	if err != nil {
		return err
	}
	*fetched += len(resources)

	for _, res := range resources {
		if res.ID() == "" || !h.changedSinceLastSync(job, res) {
			*skipped++
			continue
		}
		if _, err := to.Update(ctx, job.ResourceType, res.ID(), res); err != nil {
			return fhirError(ctx, "write "+job.ResourceType+"/"+res.ID(), err)
		}
		*written++
	}
	return nil
}

// reconcile writes each resource to whichever side holds the older or no copy
func (h *FhirSyncHandler) reconcile(ctx context.Context, job *domain.FhirSyncJob, source, target FHIRClient, summary *SyncSummary) error {
	sourceRes, err := h.fetch(ctx, job, source)
	if err != nil {
		return err
	}
	targetRes, err := h.fetch(ctx, job, target)
	if err != nil {
		return err
	}
	summary.Fetched = len(sourceRes) + len(targetRes)

	targetByID := make(map[string]fhir.Resource, len(targetRes))
	for _, res := range targetRes {
		targetByID[res.ID()] = res
	}
	sourceByID := make(map[string]fhir.Resource, len(sourceRes))
	for _, res := range sourceRes {
		sourceByID[res.ID()] = res
	}

	for _, res := range sourceRes {
		if res.ID() == "" {
			summary.Skipped++
			continue
		}
		other, ok := targetByID[res.ID()]
		if ok && !newer(res, other) {
			continue
		}
		if _, err := target.Update(ctx, job.ResourceType, res.ID(), res); err != nil {
			return fhirError(ctx, "write target "+job.ResourceType+"/"+res.ID(), err)
		}
		summary.Pulled++
	}

	for _, res := range targetRes {
		if res.ID() == "" {
			summary.Skipped++
			continue
		}
		other, ok := sourceByID[res.ID()]
		if ok && !newer(res, other) {
			if !newer(other, res) {
				summary.Skipped++
			}
			continue
		}
		if _, err := source.Update(ctx, job.ResourceType, res.ID(), res); err != nil {
			return fhirError(ctx, "write source "+job.ResourceType+"/"+res.ID(), err)
		}
		summary.Pushed++
	}
	return nil
}

// newer reports whether a was updated after b; undated resources never win
func newer(a, b fhir.Resource) bool {
	at, aok := a.LastUpdated()
	if !aok {
		return false
	}
	bt, bok := b.LastUpdated()
	return !bok || at.After(bt)
}
