package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

const (
	dimensionJobType = "job_type"
	dimensionStatus  = "status"

	metricCount         = "count"
	metricCompleted     = "completed"
	metricFailed        = "failed"
	metricSuccessRate   = "success_rate"
	metricAvgDurationMs = "avg_duration_ms"
)

var (
	analyticsDimensions = []string{dimensionJobType, dimensionStatus}
	analyticsMetrics    = []string{metricCount, metricCompleted, metricFailed, metricSuccessRate, metricAvgDurationMs}

	defaultAnalyticsMetrics = map[domain.AnalyticsType][]string{
		domain.AnalyticsUsage:       {metricCount, metricCompleted, metricFailed},
		domain.AnalyticsPerformance: {metricAvgDurationMs, metricSuccessRate},
	}
)

// AnalyticsGroup is one row of an analytics report
type AnalyticsGroup struct {
	Key    map[string]string  `json:"key"`
	Values map[string]float64 `json:"values"`
}

// AnalyticsReport is the document written to the output location
type AnalyticsReport struct {
	AnalyticsType domain.AnalyticsType `json:"analytics_type"`
	DateRange     domain.DateRange     `json:"date_range"`
	Dimensions    []string             `json:"dimensions"`
	Metrics       []string             `json:"metrics"`
	Groups        []AnalyticsGroup     `json:"groups"`
	GeneratedAt   time.Time            `json:"generated_at"`
}

// AnalyticsSummary is the result data of an analytics job
type AnalyticsSummary struct {
	OutputLocation string `json:"output_location"`
	Groups         int    `json:"groups"`
	Bytes          int    `json:"bytes"`
}

// AnalyticsHandler aggregates job statistics into a report file
type AnalyticsHandler struct {
	store  JobStatsStore
	logger *slog.Logger
}

func NewAnalyticsHandler(store JobStatsStore, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{store: store, logger: logger.With(slog.String("handler", "analytics"))}
}

func (h *AnalyticsHandler) Name() string     { return "analytics" }
func (h *AnalyticsHandler) Kind() domain.Kind { return domain.KindAnalytics }

func (h *AnalyticsHandler) Execute(ctx context.Context, payload domain.Payload, jctx domain.JobContext) (*domain.ExecutionResult, error) {
	job, err := payloadAs[*domain.AnalyticsJob](payload, h.Name())
	if err != nil {
		return nil, err
	}

	h.logger.Info("Starting analytics job",
		slog.String("job_id", jctx.JobID.String()),
		slog.String("analytics_type", string(job.AnalyticsType)),
		slog.String("output_location", job.OutputLocation),
	)

	metrics, ok := defaultAnalyticsMetrics[job.AnalyticsType]
	if !ok {
		return nil, domain.NewValidationError(fmt.Sprintf("analytics type %s is not supported", job.AnalyticsType))
	}
	if len(job.Metrics) > 0 {
		metrics = job.Metrics
	}
	dimensions := job.Dimensions
	if len(dimensions) == 0 {
		dimensions = []string{dimensionJobType}
	}

	for _, d := range dimensions {
		if !slices.Contains(analyticsDimensions, d) {
			return nil, domain.NewValidationError(fmt.Sprintf("unknown dimension %q, expected one of %s", d, strings.Join(analyticsDimensions, ", ")))
		}
	}
	for _, m := range metrics {
		if !slices.Contains(analyticsMetrics, m) {
			return nil, domain.NewValidationError(fmt.Sprintf("unknown metric %q, expected one of %s", m, strings.Join(analyticsMetrics, ", ")))
		}
	}

	rows, err := h.store.CountByTypeAndStatus(ctx, job.DateRange.Start, job.DateRange.End)
	if err != nil {
		return nil, storeError(ctx, "count jobs", err)
	}

	report := AnalyticsReport{
		AnalyticsType: job.AnalyticsType,
		DateRange:     job.DateRange,
		Dimensions:    dimensions,
		Metrics:       metrics,
		Groups:        aggregate(rows, dimensions, metrics),
		GeneratedAt:   time.Now().UTC(),
	}

	doc, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, domain.NewSerializationError(fmt.Sprintf("failed to encode analytics report: %v", err))
	}
	if err := writeFileAtomic(job.OutputLocation, doc); err != nil {
		return nil, err
	}

	summary := AnalyticsSummary{
		OutputLocation: job.OutputLocation,
		Groups:         len(report.Groups),
		Bytes:          len(doc),
	}
	return domain.SucceededWithData(
		fmt.Sprintf("%s analytics written to %s", job.AnalyticsType, job.OutputLocation),
		summary,
	).WithMetric("groups", float64(summary.Groups)), nil
}

type groupTotals struct {
	key         map[string]string
	count       int64
	completed   int64
	failed      int64
	durationSum float64
	durationN   int64
}

// aggregate folds job counts into groups keyed by dimensions, in first-seen order
func aggregate(rows []domain.JobCount, dimensions, metrics []string) []AnalyticsGroup {
	var order []string
	totals := make(map[string]*groupTotals)

	for _, r := range rows {
		key := make(map[string]string, len(dimensions))
		parts := make([]string, 0, len(dimensions))
		for _, d := range dimensions {
			v := r.JobType
			if d == dimensionStatus {
				v = string(r.Status)
			}
			key[d] = v
			parts = append(parts, v)
		}
		id := strings.Join(parts, "\x00")

		t, ok := totals[id]
		if !ok {
			t = &groupTotals{key: key}
			totals[id] = t
			order = append(order, id)
		}

		t.count += r.Count
		switch r.Status {
		case domain.JobStatusCompleted:
			t.completed += r.Count
		case domain.JobStatusFailed:
			t.failed += r.Count
		}
		if r.AvgDurationMs > 0 {
			t.durationSum += r.AvgDurationMs * float64(r.Count)
			t.durationN += r.Count
		}
	}

	groups := make([]AnalyticsGroup, 0, len(order))
	for _, id := range order {
		t := totals[id]
		values := make(map[string]float64, len(metrics))
		for _, m := range metrics {
			switch m {
			case metricCount:
				values[m] = float64(t.count)
			case metricCompleted:
				values[m] = float64(t.completed)
			case metricFailed:
				values[m] = float64(t.failed)
			case metricSuccessRate:
				if finished := t.completed + t.failed; finished > 0 {
					values[m] = float64(t.completed) / float64(finished) * 100
				} else {
					values[m] = 0
				}
			case metricAvgDurationMs:
				if t.durationN > 0 {
					values[m] = t.durationSum / float64(t.durationN)
				} else {
					values[m] = 0
				}
			}
		}
		groups = append(groups, AnalyticsGroup{Key: t.key, Values: values})
	}
	return groups
}
