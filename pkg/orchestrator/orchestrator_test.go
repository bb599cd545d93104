package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/permitpipeline/permitengine/internal/embedindex"
	"github.com/permitpipeline/permitengine/internal/pipelineerr"
	"github.com/permitpipeline/permitengine/pkg/clientprofile"
	"github.com/permitpipeline/permitengine/pkg/deliverer"
	"github.com/permitpipeline/permitengine/pkg/ledger"
	"github.com/permitpipeline/permitengine/pkg/matcher"
	"github.com/permitpipeline/permitengine/pkg/permit"
	"github.com/permitpipeline/permitengine/pkg/permitstore"
	"github.com/permitpipeline/permitengine/pkg/report"
)

type fakeSource struct {
	name string
	rows []permit.RawPermit
	err  error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Scrape(ctx context.Context, startDate, endDate string) ([]permit.RawPermit, error) {
	return f.rows, f.err
}

func (f *fakeSource) Normalize(rows []permit.RawPermit) []permit.RawPermit { return rows }

type fakeStore struct {
	inserted  []permit.RawPermit
	count     int64
	fetched   []permit.Permit
	insertErr error
}

func (f *fakeStore) Insert(ctx context.Context, city string, rows []permit.RawPermit) (permitstore.InsertResult, error) {
	if f.insertErr != nil {
		return permitstore.InsertResult{}, f.insertErr
	}
	f.inserted = append(f.inserted, rows...)
	return permitstore.InsertResult{Inserted: len(rows)}, nil
}

func (f *fakeStore) Count(ctx context.Context) (int64, error) { return f.count, nil }

func (f *fakeStore) FetchAfter(ctx context.Context, afterID int64, limit int) ([]permit.Permit, error) {
	return f.fetched, nil
}

type fakeIndexManager struct {
	present          bool
	vectors          int
	fullBuilds       int
	incrementalRuns  int
	incrementalError error
}

func (f *fakeIndexManager) Load() (bool, error) { return f.present, nil }

func (f *fakeIndexManager) Status() embedindex.StatusResult {
	return embedindex.StatusResult{Loaded: f.present, Vectors: f.vectors}
}

func (f *fakeIndexManager) Snapshot() *embedindex.Snapshot { return nil }

func (f *fakeIndexManager) Build(ctx context.Context, source embedindex.PermitSource) (embedindex.BuildResult, error) {
	f.fullBuilds++
	return embedindex.BuildResult{Count: f.vectors}, nil
}

func (f *fakeIndexManager) BuildIncremental(ctx context.Context, permits []permit.Permit) (embedindex.IncrementalResult, error) {
	f.incrementalRuns++
	if f.incrementalError != nil {
		return embedindex.IncrementalResult{}, f.incrementalError
	}
	return embedindex.IncrementalResult{Added: len(permits)}, nil
}

type fakeMatcher struct {
	fn func(clients []*clientprofile.ClientProfile, overrides matcher.Overrides) ([]matcher.Result, []error)
}

func (f *fakeMatcher) MatchAll(ctx context.Context, clients []*clientprofile.ClientProfile, overrides matcher.Overrides) ([]matcher.Result, []error) {
	return f.fn(clients, overrides)
}

type fakeLedger struct {
	sent     map[int64]map[int64]bool // client -> permit -> already sent
	recorded []ledger.Assignment
}

func (f *fakeLedger) FilterUnsent(ctx context.Context, assignments []ledger.Assignment) ([]ledger.Assignment, error) {
	out := make([]ledger.Assignment, 0, len(assignments))
	for _, a := range assignments {
		remaining := make([]int64, 0, len(a.PermitIDs))
		for _, id := range a.PermitIDs {
			if !f.sent[a.ClientID][id] {
				remaining = append(remaining, id)
			}
		}
		out = append(out, ledger.Assignment{ClientID: a.ClientID, PermitIDs: remaining})
	}
	return out, nil
}

func (f *fakeLedger) Record(ctx context.Context, assignments []ledger.Assignment) error {
	f.recorded = append(f.recorded, assignments...)
	return nil
}

type fakeDeliverer struct {
	delivered []report.ClientReport
	failFor   map[int64]error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, client *clientprofile.ClientProfile, rep report.ClientReport) (deliverer.Outcome, error) {
	if err := f.failFor[client.ID]; err != nil {
		return deliverer.Outcome{}, err
	}
	f.delivered = append(f.delivered, rep)
	return deliverer.Outcome{ClientID: client.ID, RowsDelivered: len(rep.Semantic)}, nil
}

func activeClient(id int64) *clientprofile.ClientProfile {
	return &clientprofile.ClientProfile{
		ID:               id,
		Name:             "Test Client",
		Email:            "t@example.com",
		SliderPercentage: 100,
		Priority:         1,
		Status:           clientprofile.StatusActive,
	}
}

func phonedPermit(id int64) permit.Permit {
	return permit.Permit{ID: id, Description: "re-roof residential", ContractorPhone: "512-555-0100"}
}

func staticMatcher(results ...matcher.Result) *fakeMatcher {
	return &fakeMatcher{fn: func(clients []*clientprofile.ClientProfile, overrides matcher.Overrides) ([]matcher.Result, []error) {
		return results, make([]error, len(clients))
	}}
}

func newTestOrchestrator(deps Deps) *Orchestrator {
	if deps.Store == nil {
		deps.Store = &fakeStore{}
	}
	if deps.Index == nil {
		deps.Index = &fakeIndexManager{present: true}
	}
	if deps.Clients == nil {
		deps.Clients = clientprofile.NewMemoryStore()
	}
	if deps.Matcher == nil {
		deps.Matcher = staticMatcher()
	}
	if deps.Ledger == nil {
		deps.Ledger = &fakeLedger{}
	}
	if deps.Deliverer == nil {
		deps.Deliverer = &fakeDeliverer{}
	}
	return New(deps, Settings{PerClientTopK: 20, Oversample: 5})
}

// Empty pool, empty client list: a clean no-op cycle.
func TestEmptyCycle(t *testing.T) {
	del := &fakeDeliverer{}
	led := &fakeLedger{}
	o := newTestOrchestrator(Deps{Deliverer: del, Ledger: led})

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Err() != nil {
		t.Fatalf("expected a clean summary, got %v", summary.Err())
	}
	if len(del.delivered) != 0 || len(led.recorded) != 0 {
		t.Fatal("empty cycle must not deliver or record anything")
	}
	if o.Stage() != StageIdle {
		t.Fatalf("expected StageIdle after the cycle, got %s", o.Stage())
	}
}

func TestHappyPathDeliversAndRecords(t *testing.T) {
	client := activeClient(1)
	m := staticMatcher(matcher.Result{
		ClientID: 1,
		Semantic: []matcher.ScoredPermit{{Permit: phonedPermit(10), Score: 0.9}},
	})
	del := &fakeDeliverer{}
	led := &fakeLedger{}

	o := newTestOrchestrator(Deps{
		Sources:   []SourceEntry{{Source: &fakeSource{name: "austin", rows: []permit.RawPermit{{"permit_number": "P-1"}}}}},
		Clients:   clientprofile.NewMemoryStore(client),
		Matcher:   m,
		Ledger:    led,
		Deliverer: del,
	})

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(summary.Sources) != 1 || summary.Sources[0].Inserted != 1 {
		t.Fatalf("unexpected source outcomes: %+v", summary.Sources)
	}
	if len(del.delivered) != 1 || len(del.delivered[0].Semantic) != 1 {
		t.Fatalf("expected one delivered semantic row, got %+v", del.delivered)
	}
	if len(led.recorded) != 1 || led.recorded[0].ClientID != 1 || led.recorded[0].PermitIDs[0] != 10 {
		t.Fatalf("expected (1, 10) recorded, got %+v", led.recorded)
	}
	if !summary.Clients[0].Delivered {
		t.Fatal("expected client outcome marked delivered")
	}
}

func TestTriggerRejectedWhileCycleActive(t *testing.T) {
	lock := NewLocalCycleLock()
	if ok, _ := lock.Acquire(context.Background()); !ok {
		t.Fatal("setup: lock acquire failed")
	}

	o := newTestOrchestrator(Deps{Lock: lock})
	_, err := o.RunCycle(context.Background())
	if !errors.Is(err, ErrCycleActive) {
		t.Fatalf("expected ErrCycleActive, got %v", err)
	}
}

// A (client, permit) pair delivered in a prior cycle is suppressed.
func TestRedeliverySuppression(t *testing.T) {
	client := activeClient(1)
	m := staticMatcher(matcher.Result{
		ClientID: 1,
		Semantic: []matcher.ScoredPermit{
			{Permit: phonedPermit(10), Score: 0.9},
			{Permit: phonedPermit(11), Score: 0.8},
		},
	})
	led := &fakeLedger{sent: map[int64]map[int64]bool{1: {10: true}}}
	del := &fakeDeliverer{}

	o := newTestOrchestrator(Deps{
		Clients:   clientprofile.NewMemoryStore(client),
		Matcher:   m,
		Ledger:    led,
		Deliverer: del,
	})

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(del.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(del.delivered))
	}
	for _, row := range del.delivered[0].Semantic {
		if row.Permit.ID == 10 {
			t.Fatal("permit 10 was already delivered and must be suppressed")
		}
	}
	if len(led.recorded) != 1 || len(led.recorded[0].PermitIDs) != 1 || led.recorded[0].PermitIDs[0] != 11 {
		t.Fatalf("expected only permit 11 recorded, got %+v", led.recorded)
	}
}

func TestDeliveryFailureLeavesRowsUnrecorded(t *testing.T) {
	client := activeClient(1)
	m := staticMatcher(matcher.Result{
		ClientID: 1,
		Semantic: []matcher.ScoredPermit{{Permit: phonedPermit(10), Score: 0.9}},
	})
	led := &fakeLedger{}
	del := &fakeDeliverer{failFor: map[int64]error{1: errors.New("smtp refused")}}

	o := newTestOrchestrator(Deps{
		Clients:   clientprofile.NewMemoryStore(client),
		Matcher:   m,
		Ledger:    led,
		Deliverer: del,
	})

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("a per-client delivery failure must not fail the cycle: %v", err)
	}
	if len(led.recorded) != 0 {
		t.Fatalf("failed delivery must not be recorded, got %+v", led.recorded)
	}
	if !pipelineerr.IsType(summary.Clients[0].Err, pipelineerr.ErrorTypeDeliveryFailure) {
		t.Fatalf("expected DeliveryFailure outcome, got %v", summary.Clients[0].Err)
	}
	if summary.Clients[0].Delivered {
		t.Fatal("client outcome must not be marked delivered")
	}
}

// Rows without any recognized contact phone never reach the deliverer.
func TestPhoneGateBlocksPhonelessRows(t *testing.T) {
	client := activeClient(1)
	m := staticMatcher(matcher.Result{
		ClientID: 1,
		Semantic: []matcher.ScoredPermit{{Permit: permit.Permit{ID: 10, Description: "no phone"}, Score: 0.9}},
	})
	del := &fakeDeliverer{}

	o := newTestOrchestrator(Deps{
		Clients:   clientprofile.NewMemoryStore(client),
		Matcher:   m,
		Deliverer: del,
	})

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(del.delivered) != 0 {
		t.Fatalf("phone-less rows must never be delivered, got %+v", del.delivered)
	}
	// The zero-row first pass triggers the relaxed pass, which is still
	// subject to the gate.
	if !summary.Relaxed {
		t.Fatal("expected the relaxed second pass to have run")
	}
}

func TestRelaxedSecondPassRunsOnZeroRows(t *testing.T) {
	client := activeClient(1)
	m := &fakeMatcher{fn: func(clients []*clientprofile.ClientProfile, overrides matcher.Overrides) ([]matcher.Result, []error) {
		if !overrides.ForceEmptyQuery {
			return []matcher.Result{{ClientID: 1}}, make([]error, 1)
		}
		return []matcher.Result{{
			ClientID: 1,
			Semantic: []matcher.ScoredPermit{{Permit: phonedPermit(10)}},
		}}, make([]error, 1)
	}}
	del := &fakeDeliverer{}

	o := newTestOrchestrator(Deps{
		Clients:   clientprofile.NewMemoryStore(client),
		Matcher:   m,
		Deliverer: del,
	})

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !summary.Relaxed {
		t.Fatal("expected summary marked relaxed")
	}
	if len(del.delivered) != 1 || len(del.delivered[0].Semantic) != 1 {
		t.Fatalf("expected the relaxed pass's row delivered, got %+v", del.delivered)
	}
}

func TestSourceFailureIsContained(t *testing.T) {
	client := activeClient(1)
	m := staticMatcher(matcher.Result{
		ClientID: 1,
		Semantic: []matcher.ScoredPermit{{Permit: phonedPermit(10), Score: 0.9}},
	})
	del := &fakeDeliverer{}

	o := newTestOrchestrator(Deps{
		Sources: []SourceEntry{
			{Source: &fakeSource{name: "down", err: errors.New("connection refused")}},
			{Source: &fakeSource{name: "up", rows: []permit.RawPermit{{"permit_number": "P-1"}}}},
		},
		Clients:   clientprofile.NewMemoryStore(client),
		Matcher:   m,
		Deliverer: del,
	})

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("a source failure must not fail the cycle: %v", err)
	}

	var downErr error
	inserted := 0
	for _, s := range summary.Sources {
		if s.Source == "down" {
			downErr = s.Err
		}
		inserted += s.Inserted
	}
	if !pipelineerr.IsType(downErr, pipelineerr.ErrorTypeSourceUnavailable) {
		t.Fatalf("expected SourceUnavailable for the down source, got %v", downErr)
	}
	if inserted != 1 {
		t.Fatalf("the healthy source must still contribute rows, got %d inserted", inserted)
	}
	if len(del.delivered) != 1 {
		t.Fatal("delivery must proceed despite the failed source")
	}
}

func TestReindexFullBuildWhenArtifactsAbsent(t *testing.T) {
	idx := &fakeIndexManager{present: false}
	o := newTestOrchestrator(Deps{Index: idx})

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if idx.fullBuilds != 1 {
		t.Fatalf("expected one full build, got %d", idx.fullBuilds)
	}
	if idx.incrementalRuns != 0 {
		t.Fatalf("expected no incremental runs, got %d", idx.incrementalRuns)
	}
}

func TestReindexIncrementalWhenIndexTrailsStore(t *testing.T) {
	idx := &fakeIndexManager{present: true, vectors: 5}
	store := &fakeStore{count: 8, fetched: []permit.Permit{phonedPermit(6), phonedPermit(7), phonedPermit(8)}}
	o := newTestOrchestrator(Deps{Index: idx, Store: store})

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if idx.incrementalRuns != 1 || idx.fullBuilds != 0 {
		t.Fatalf("expected one incremental run and no full build, got %d/%d",
			idx.incrementalRuns, idx.fullBuilds)
	}
}

func TestReindexEscalatesIndexMissingToFullBuild(t *testing.T) {
	idx := &fakeIndexManager{present: true, vectors: 5, incrementalError: embedindex.ErrIndexMissing}
	store := &fakeStore{count: 8}
	o := newTestOrchestrator(Deps{Index: idx, Store: store})

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if idx.fullBuilds != 1 {
		t.Fatalf("expected IndexMissing to escalate to a full build, got %d", idx.fullBuilds)
	}
}

func TestMatcherFailureSkipsClientOnly(t *testing.T) {
	good := activeClient(1)
	bad := activeClient(2)
	m := &fakeMatcher{fn: func(clients []*clientprofile.ClientProfile, overrides matcher.Overrides) ([]matcher.Result, []error) {
		errs := make([]error, 2)
		errs[1] = pipelineerr.New(pipelineerr.ErrorTypeMatcherError, "client 2 exploded")
		return []matcher.Result{
			{ClientID: 1, Semantic: []matcher.ScoredPermit{{Permit: phonedPermit(10), Score: 0.9}}},
			{ClientID: 2},
		}, errs
	}}
	del := &fakeDeliverer{}

	o := newTestOrchestrator(Deps{
		Clients:   clientprofile.NewMemoryStore(good, bad),
		Matcher:   m,
		Deliverer: del,
	})

	summary, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("a per-client matcher failure must not fail the cycle: %v", err)
	}
	if len(del.delivered) != 1 {
		t.Fatalf("the healthy client must still be delivered, got %d", len(del.delivered))
	}
	if summary.Clients[1].Err == nil {
		t.Fatal("expected the failed client's error in the summary")
	}
}

type countingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans []string
}

func (t *countingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.mu.Lock()
	t.spans = append(t.spans, name)
	t.mu.Unlock()
	return t.Tracer.Start(ctx, name, opts...)
}

func TestCycleEmitsPerStageSpans(t *testing.T) {
	tracer := &countingTracer{}
	client := activeClient(1)
	m := staticMatcher(matcher.Result{
		ClientID: 1,
		Semantic: []matcher.ScoredPermit{{Permit: phonedPermit(10), Score: 0.9}},
	})

	o := newTestOrchestrator(Deps{
		Clients:   clientprofile.NewMemoryStore(client),
		Matcher:   m,
		Deliverer: &fakeDeliverer{},
		Tracer:    tracer,
	})

	if _, err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	want := []string{
		"cycle", "cycle.scraping", "cycle.reindexing",
		"cycle.matching", "cycle.resolving", "cycle.delivering", "cycle.recording",
	}
	if len(tracer.spans) != len(want) {
		t.Fatalf("span names = %v, want %v", tracer.spans, want)
	}
	for i, name := range want {
		if tracer.spans[i] != name {
			t.Fatalf("span %d = %q, want %q (all: %v)", i, tracer.spans[i], name, tracer.spans)
		}
	}
}
