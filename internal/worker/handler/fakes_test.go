package handler

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cuongbtq/emr-jobs/internal/fhir"
	"github.com/cuongbtq/emr-jobs/internal/worker/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFHIR is an in-memory FHIR server keyed by "<type>/<id>"
type fakeFHIR struct {
	mu        sync.Mutex
	resources map[string]fhir.Resource
	writes    []string
	err       error
}

func newFakeFHIR(resources ...fhir.Resource) *fakeFHIR {
	f := &fakeFHIR{resources: make(map[string]fhir.Resource)}
	for _, r := range resources {
		f.resources[r.ResourceType()+"/"+r.ID()] = r
	}
	return f
}

func (f *fakeFHIR) Read(_ context.Context, resourceType, id string) (fhir.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.resources[resourceType+"/"+id]
	if !ok {
		return nil, &fhir.StatusError{Method: "GET", URL: resourceType + "/" + id, StatusCode: 404}
	}
	return r, nil
}

func (f *fakeFHIR) Search(_ context.Context, resourceType string, params url.Values) ([]fhir.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	var out []fhir.Resource
	for _, r := range f.resources {
		if r.ResourceType() != resourceType {
			continue
		}
		if p := params.Get("patient"); p != "" && r["patient"] != p {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeFHIR) Create(_ context.Context, resourceType string, resource fhir.Resource) (fhir.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := resource.ID()
	if id == "" {
		id = "generated"
	}
	f.resources[resourceType+"/"+id] = resource
	f.writes = append(f.writes, "create "+resourceType+"/"+id)
	return resource, nil
}

func (f *fakeFHIR) Update(_ context.Context, resourceType, id string, resource fhir.Resource) (fhir.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.resources[resourceType+"/"+id] = resource
	f.writes = append(f.writes, "update "+resourceType+"/"+id)
	return resource, nil
}

func resource(resourceType, id string, updated time.Time, extra map[string]any) fhir.Resource {
	r := fhir.Resource{
		"resourceType": resourceType,
		"id":           id,
		"meta":         map[string]any{"lastUpdated": updated.UTC().Format(time.RFC3339)},
	}
	for k, v := range extra {
		r[k] = v
	}
	return r
}

type fakeStatsStore struct {
	rows []domain.JobCount
	err  error

	from, to time.Time
}

func (s *fakeStatsStore) CountByTypeAndStatus(_ context.Context, from, to time.Time) ([]domain.JobCount, error) {
	s.from, s.to = from, to
	return s.rows, s.err
}

type fakePurger struct {
	n   int64
	err error

	olderThan time.Time
	preserve  []string
	dryRun    bool
}

func (p *fakePurger) PurgeTerminalJobs(_ context.Context, olderThan time.Time, preserve []string, dryRun bool) (int64, error) {
	p.olderThan, p.preserve, p.dryRun = olderThan, preserve, dryRun
	return p.n, p.err
}
