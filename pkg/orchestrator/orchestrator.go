// Package orchestrator runs the periodic end-to-end workflow: scrape,
// reindex, match, resolve, gate, deliver, record, under a single cycle
// lock so at most one cycle is ever in flight.
package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/permitpipeline/permitengine/internal/embedindex"
	"github.com/permitpipeline/permitengine/internal/metrics"
	"github.com/permitpipeline/permitengine/internal/pipelineerr"
	"github.com/permitpipeline/permitengine/pkg/clientprofile"
	"github.com/permitpipeline/permitengine/pkg/deliverer"
	"github.com/permitpipeline/permitengine/pkg/ledger"
	"github.com/permitpipeline/permitengine/pkg/matcher"
	"github.com/permitpipeline/permitengine/pkg/permit"
	"github.com/permitpipeline/permitengine/pkg/permitstore"
	"github.com/permitpipeline/permitengine/pkg/report"
	"github.com/permitpipeline/permitengine/pkg/resolver"
	"github.com/permitpipeline/permitengine/pkg/scraper"
	"github.com/permitpipeline/permitengine/pkg/shared/logging"
)

// Stage is the cycle state machine's current position: Idle between
// cycles, then Scraping -> Reindexing -> Matching -> Resolving ->
// Delivering -> Recording -> Idle, strictly in that order.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageScraping   Stage = "scraping"
	StageReindexing Stage = "reindexing"
	StageMatching   Stage = "matching"
	StageResolving  Stage = "resolving"
	StageDelivering Stage = "delivering"
	StageRecording  Stage = "recording"
)

// ErrCycleActive is returned by RunCycle when another cycle holds the
// lock. A trigger arriving mid-cycle is rejected, not queued.
var ErrCycleActive = errors.New("orchestrator: a cycle is already active")

// PermitStore is the subset of the Permit Store the orchestrator drives.
type PermitStore interface {
	Insert(ctx context.Context, city string, rows []permit.RawPermit) (permitstore.InsertResult, error)
	Count(ctx context.Context) (int64, error)
	FetchAfter(ctx context.Context, afterID int64, limit int) ([]permit.Permit, error)
}

// IndexManager is the subset of the Index Manager the orchestrator drives.
type IndexManager interface {
	Load() (bool, error)
	Status() embedindex.StatusResult
	Snapshot() *embedindex.Snapshot
	Build(ctx context.Context, source embedindex.PermitSource) (embedindex.BuildResult, error)
	BuildIncremental(ctx context.Context, permits []permit.Permit) (embedindex.IncrementalResult, error)
}

// ClientMatcher runs the per-client pipeline for a snapshot of clients.
// *matcher.Matcher satisfies it.
type ClientMatcher interface {
	MatchAll(ctx context.Context, clients []*clientprofile.ClientProfile, overrides matcher.Overrides) ([]matcher.Result, []error)
}

// DeliveryLedger is the subset of the ledger the orchestrator drives.
type DeliveryLedger interface {
	FilterUnsent(ctx context.Context, assignments []ledger.Assignment) ([]ledger.Assignment, error)
	Record(ctx context.Context, assignments []ledger.Assignment) error
}

// SourceEntry pairs a scrape source with its configured lookback window.
// WindowDays <= 1 means a daily window; sources known to return few
// recent rows configure a longer rolling window.
type SourceEntry struct {
	Source     scraper.Source
	WindowDays int
}

// StoreSource adapts *permitstore.Store to embedindex.PermitSource for
// full index builds.
type StoreSource struct {
	Store *permitstore.Store
}

// StreamAll implements embedindex.PermitSource.
func (s StoreSource) StreamAll(chunkSize int) embedindex.PermitCursor {
	return s.Store.StreamAll(chunkSize)
}

// Deps are the collaborators a cycle chains together. All are required
// except Metrics, Logger, Lock and Tracer, which fall back to a fresh
// registry, a no-op logger, an in-process LocalCycleLock and the global
// otel tracer.
type Deps struct {
	Sources     []SourceEntry
	Store       PermitStore
	IndexSource embedindex.PermitSource
	Index       IndexManager
	Clients     clientprofile.Store
	Matcher     ClientMatcher
	Ledger      DeliveryLedger
	Deliverer   deliverer.Deliverer
	Lock        CycleLock
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

// Settings are the per-process cycle parameters.
type Settings struct {
	CycleInterval time.Duration
	PerClientTopK int
	Oversample    int
}

// SourceOutcome is one source's contribution to a cycle summary.
type SourceOutcome struct {
	Source   string
	Inserted int
	Skipped  int
	Err      error
}

// ClientOutcome is one client's contribution to a cycle summary.
type ClientOutcome struct {
	ClientID  int64
	Inclusion int
	Exclusion int
	Semantic  int
	Delivered bool
	Err       error
}

// CycleSummary enumerates per-source and per-client outcomes and any
// fatal condition, returned synchronously to on-demand triggers.
type CycleSummary struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Relaxed    bool
	Sources    []SourceOutcome
	Clients    []ClientOutcome
	Fatal      error
}

// Err aggregates every contained and fatal error in the summary into one
// error, or nil for a fully clean cycle.
func (s *CycleSummary) Err() error {
	var combined error
	for _, src := range s.Sources {
		combined = multierr.Append(combined, src.Err)
	}
	for _, c := range s.Clients {
		combined = multierr.Append(combined, c.Err)
	}
	return multierr.Append(combined, s.Fatal)
}

// Orchestrator owns the cycle state machine and the schedule.
type Orchestrator struct {
	deps     Deps
	settings Settings
	logger   *zap.Logger
	tracer   trace.Tracer

	stage atomic.Value // Stage
	now   func() time.Time
}

// New returns an Orchestrator in StageIdle.
func New(deps Deps, settings Settings) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetricsWithRegistry("permitengine", metrics.ServiceOrchestrator, newPrivateRegistry())
	}
	if deps.Lock == nil {
		deps.Lock = NewLocalCycleLock()
	}
	if deps.Tracer == nil {
		// The global provider is a no-op until a deployment installs a
		// real one, so tracing is free when unconfigured.
		deps.Tracer = otel.Tracer("permitengine/orchestrator")
	}
	if settings.CycleInterval <= 0 {
		settings.CycleInterval = 4 * time.Hour
	}
	o := &Orchestrator{deps: deps, settings: settings, logger: deps.Logger, tracer: deps.Tracer, now: time.Now}
	o.stage.Store(StageIdle)
	return o
}

func newPrivateRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func clientLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Stage returns the cycle state machine's current position.
func (o *Orchestrator) Stage() Stage {
	return o.stage.Load().(Stage)
}

func (o *Orchestrator) setStage(cycleID string, s Stage) {
	o.stage.Store(s)
	o.logger.Info("cycle stage", logging.CycleFields(string(s), cycleID).ToZap()...)
}

// Run hosts the periodic schedule: one cycle every CycleInterval until
// ctx is cancelled. A cycle that overruns its interval defers the next
// tick rather than stacking cycles (the lock rejects the overlap).
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.settings.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			summary, err := o.RunCycle(ctx)
			if errors.Is(err, ErrCycleActive) {
				o.logger.Warn("skipping scheduled cycle, previous cycle still active")
				continue
			}
			if err != nil {
				o.logger.Error("cycle failed",
					logging.NewFields().Component("orchestrator").Operation("run_cycle").Error(err).ToZap()...)
				continue
			}
			if summary.Err() != nil {
				o.logger.Warn("cycle completed with contained errors",
					logging.CycleFields("completed", summary.CycleID).Error(summary.Err()).ToZap()...)
			}
		}
	}
}

// TriggerNow runs one cycle on demand and returns its summary
// synchronously. Returns ErrCycleActive if a cycle is already in flight.
func (o *Orchestrator) TriggerNow(ctx context.Context) (*CycleSummary, error) {
	return o.RunCycle(ctx)
}

// RunCycle executes one full cycle under the cycle lock.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleSummary, error) {
	acquired, err := o.deps.Lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrCycleActive
	}
	// Release must succeed even when the cycle was cancelled mid-flight.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.deps.Lock.Release(releaseCtx); err != nil {
			o.logger.Warn("failed to release cycle lock", zap.Error(err))
		}
		o.stage.Store(StageIdle)
	}()

	summary := &CycleSummary{CycleID: uuid.NewString(), StartedAt: o.now()}

	ctx, cycleSpan := o.tracer.Start(ctx, "cycle",
		trace.WithAttributes(attribute.String("cycle.id", summary.CycleID)))
	defer cycleSpan.End()

	o.setStage(summary.CycleID, StageScraping)
	scrapeCtx, scrapeSpan := o.stageSpan(ctx, StageScraping)
	o.scrapeAll(scrapeCtx, summary)
	scrapeSpan.End()

	o.setStage(summary.CycleID, StageReindexing)
	reindexCtx, reindexSpan := o.stageSpan(ctx, StageReindexing)
	if err := o.reindex(reindexCtx); err != nil {
		// Reindex failure degrades semantic ranking but the cycle still
		// runs: retrieval falls back to text scoring and the matcher's
		// stage 4 scores missing rows at zero.
		reindexSpan.RecordError(err)
		o.logger.Warn("index refresh failed, continuing with stale index",
			logging.NewFields().Component("orchestrator").Operation("reindex").Error(err).ToZap()...)
	}
	reindexSpan.End()

	if err := o.matchAndDeliver(ctx, summary); err != nil {
		summary.Fatal = err
		summary.FinishedAt = o.now()
		cycleSpan.RecordError(err)
		cycleSpan.SetStatus(codes.Error, "cycle fatal")
		o.observeCycle(summary, metrics.CycleStatusFatal)
		return summary, err
	}

	summary.FinishedAt = o.now()
	o.observeCycle(summary, metrics.CycleStatusCompleted)
	return summary, nil
}

// stageSpan opens a child span named after the stage, so a trace of one
// cycle breaks down into per-stage timings.
func (o *Orchestrator) stageSpan(ctx context.Context, s Stage) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "cycle."+string(s))
}

func (o *Orchestrator) observeCycle(summary *CycleSummary, status string) {
	o.deps.Metrics.CyclesTotal.WithLabelValues(status).Inc()
	o.deps.Metrics.CycleDurationSeconds.WithLabelValues(status).
		Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
}

// scrapeAll runs every configured source concurrently. A source failure
// is contained: it contributes zero rows and an entry in the summary.
func (o *Orchestrator) scrapeAll(ctx context.Context, summary *CycleSummary) {
	outcomes := make([]SourceOutcome, len(o.deps.Sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, entry := range o.deps.Sources {
		i, entry := i, entry
		g.Go(func() error {
			outcomes[i] = o.scrapeOne(gctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	summary.Sources = outcomes
}

func (o *Orchestrator) scrapeOne(ctx context.Context, entry SourceEntry) SourceOutcome {
	name := entry.Source.Name()
	outcome := SourceOutcome{Source: name}

	windowDays := entry.WindowDays
	if windowDays < 1 {
		windowDays = 1
	}
	end := o.now()
	start := end.AddDate(0, 0, -windowDays)

	rows, err := entry.Source.Scrape(ctx, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		outcome.Err = pipelineerr.Wrapf(err, pipelineerr.ErrorTypeSourceUnavailable,
			"source %q scrape failed", name)
		o.deps.Metrics.SourceFailuresTotal.WithLabelValues(
			metrics.SanitizeSourceName(name), metrics.SanitizeFailureReason(metrics.ReasonSourceUnavailable)).Inc()
		o.logger.Warn("scrape failed",
			logging.ScrapeFields("scrape", name).Error(err).ToZap()...)
		return outcome
	}

	normalized := entry.Source.Normalize(rows)
	result, err := o.deps.Store.Insert(ctx, name, normalized)
	if err != nil {
		outcome.Err = pipelineerr.Wrapf(err, pipelineerr.ErrorTypeSourceUnavailable,
			"source %q insert failed", name)
		return outcome
	}

	outcome.Inserted = result.Inserted
	outcome.Skipped = result.Skipped
	o.deps.Metrics.SourceRowsTotal.WithLabelValues(metrics.SanitizeSourceName(name)).
		Add(float64(result.Inserted))
	return outcome
}

// reindex keeps the embedding index current: full build when no consistent artifacts
// exist, incremental refresh when the index trails the store, nothing
// when they agree.
func (o *Orchestrator) reindex(ctx context.Context) error {
	present, err := o.deps.Index.Load()
	if err != nil {
		// An inconsistent artifact triple on load forces a full rebuild.
		o.logger.Warn("index artifacts inconsistent, forcing full rebuild", zap.Error(err))
		present = false
	}

	if !present {
		_, err := o.deps.Index.Build(ctx, o.deps.IndexSource)
		return err
	}

	count, err := o.deps.Store.Count(ctx)
	if err != nil {
		return err
	}
	status := o.deps.Index.Status()
	if int64(status.Vectors) >= count {
		return nil
	}

	snap := o.deps.Index.Snapshot()
	var maxID int64
	if snap != nil {
		for _, id := range snap.IDs {
			if id > maxID {
				maxID = id
			}
		}
	}

	missing := int(count - int64(status.Vectors))
	permits, err := o.deps.Store.FetchAfter(ctx, maxID, missing)
	if err != nil {
		return err
	}

	if _, err := o.deps.Index.BuildIncremental(ctx, permits); err != nil {
		if errors.Is(err, embedindex.ErrIndexMissing) {
			// A missing index escalates to a full build automatically.
			_, err = o.deps.Index.Build(ctx, o.deps.IndexSource)
			return err
		}
		return err
	}
	return nil
}

// matchAndDeliver chains the match, resolve, ledger-filter, gate,
// deliver and record stages, with a relaxed second pass when the first
// pass gates down to zero rows.
func (o *Orchestrator) matchAndDeliver(ctx context.Context, summary *CycleSummary) error {
	o.setStage(summary.CycleID, StageMatching)

	// Client profile snapshot, captured once per cycle.
	clients, err := o.deps.Clients.ListActive(ctx)
	if err != nil {
		return pipelineerr.Wrap(err, pipelineerr.ErrorTypeMatcherError, "load active client profiles")
	}

	reports, outcomes, err := o.matchPass(ctx, summary.CycleID, clients, matcher.Overrides{}, resolver.Options{})
	if err != nil {
		return err
	}

	// Relaxed second pass: empty query, lifted single-client
	// slider cap, doubled perClientTopK. Still subject to the phone gate
	// and the ledger.
	if report.TotalRows(reports) == 0 && len(clients) > 0 {
		summary.Relaxed = true
		relaxed := matcher.Overrides{ForceEmptyQuery: true, PerClientTopK: 2 * o.settings.PerClientTopK}
		reports, outcomes, err = o.matchPass(ctx, summary.CycleID, clients, relaxed,
			resolver.Options{SkipSingleClientSliderCap: true})
		if err != nil {
			return err
		}
	}

	o.setStage(summary.CycleID, StageDelivering)
	o.deliverAll(ctx, summary.CycleID, clients, reports, outcomes)

	summary.Clients = outcomes
	return nil
}

// matchPass runs steps 4 through 7 once: match, resolve, ledger-filter,
// phone-gate. Returns one gated report and one outcome slot per client,
// index-aligned with clients.
func (o *Orchestrator) matchPass(
	ctx context.Context,
	cycleID string,
	clients []*clientprofile.ClientProfile,
	overrides matcher.Overrides,
	opts resolver.Options,
) ([]report.ClientReport, []ClientOutcome, error) {
	matchCtx, matchSpan := o.stageSpan(ctx, StageMatching)
	results, errs := o.deps.Matcher.MatchAll(matchCtx, clients, overrides)
	matchSpan.End()

	outcomes := make([]ClientOutcome, len(clients))
	var assignments []resolver.ClientAssignment
	for i, client := range clients {
		outcomes[i] = ClientOutcome{ClientID: client.ID}
		if errs[i] != nil {
			// A matcher error is contained: the client is skipped, the
			// cycle continues.
			outcomes[i].Err = errs[i]
			o.deps.Metrics.MatcherFailuresTotal.WithLabelValues(
				metrics.SanitizeFailureReason(metrics.ReasonMatcherError)).Inc()
			o.logger.Warn("matcher failed for client",
				logging.CycleFields("matching", cycleID).Custom("client_id", client.ID).Error(errs[i]).ToZap()...)
			continue
		}
		assignments = append(assignments, resolver.ClientAssignment{Client: client, Matched: results[i]})
	}

	o.setStage(cycleID, StageResolving)
	_, resolveSpan := o.stageSpan(ctx, StageResolving)
	resolved, err := resolver.ResolveWithOptions(assignments, opts)
	resolveSpan.End()
	if err != nil {
		// A resolver invariant violation is fatal to the cycle: nothing
		// is delivered, no ledger writes.
		return nil, nil, err
	}

	// Ledger filter (step 6) applies to the final semantic assignments only.
	ledgerAssignments := make([]ledger.Assignment, len(resolved))
	for i, r := range resolved {
		ids := make([]int64, len(r.Semantic))
		for j, sp := range r.Semantic {
			ids[j] = sp.Permit.ID
		}
		ledgerAssignments[i] = ledger.Assignment{ClientID: r.ClientID, PermitIDs: ids}
	}
	unsent, err := o.deps.Ledger.FilterUnsent(ctx, ledgerAssignments)
	if err != nil {
		return nil, nil, pipelineerr.Wrap(err, pipelineerr.ErrorTypeLedgerError, "filter unsent assignments")
	}
	unsentByClient := make(map[int64]map[int64]struct{}, len(unsent))
	for _, a := range unsent {
		set := make(map[int64]struct{}, len(a.PermitIDs))
		for _, id := range a.PermitIDs {
			set[id] = struct{}{}
		}
		unsentByClient[a.ClientID] = set
	}

	// Gate (step 7) and assemble, preserving clients' index alignment.
	reports := make([]report.ClientReport, len(clients))
	resolvedByClient := make(map[int64]matcher.Result, len(resolved))
	for _, r := range resolved {
		resolvedByClient[r.ClientID] = r
	}
	for i, client := range clients {
		r, ok := resolvedByClient[client.ID]
		if !ok {
			reports[i] = report.ClientReport{ClientID: client.ID}
			continue
		}
		allowed := unsentByClient[client.ID]
		kept := r.Semantic[:0:0]
		for _, sp := range r.Semantic {
			if _, send := allowed[sp.Permit.ID]; send {
				kept = append(kept, sp)
			}
		}
		r.Semantic = kept
		reports[i] = report.Build(r)

		outcomes[i].Inclusion = len(reports[i].Inclusion)
		outcomes[i].Exclusion = len(reports[i].Exclusion)
		outcomes[i].Semantic = len(reports[i].Semantic)
		o.deps.Metrics.PermitsMatchedTotal.WithLabelValues(clientLabel(client.ID)).
			Add(float64(len(reports[i].Semantic)))
	}

	return reports, outcomes, nil
}

// deliverAll hands each non-empty report to the deliverer (step 9) and
// records confirmed deliveries in the ledger (step 10). Recording runs
// best-effort even under cancellation: the ledger write is what prevents
// a re-delivery next cycle.
func (o *Orchestrator) deliverAll(
	ctx context.Context,
	cycleID string,
	clients []*clientprofile.ClientProfile,
	reports []report.ClientReport,
	outcomes []ClientOutcome,
) {
	deliverCtx, deliverSpan := o.stageSpan(ctx, StageDelivering)
	defer deliverSpan.End()

	var confirmed []ledger.Assignment

	for i, client := range clients {
		if outcomes[i].Err != nil {
			continue
		}
		rep := reports[i]
		if len(rep.Inclusion)+len(rep.Exclusion)+len(rep.Semantic) == 0 {
			continue
		}

		if _, err := o.deps.Deliverer.Deliver(deliverCtx, client, rep); err != nil {
			// A delivery failure is contained; the client's rows stay
			// unledgered and are retried next cycle.
			outcomes[i].Err = pipelineerr.Wrapf(err, pipelineerr.ErrorTypeDeliveryFailure,
				"deliver to client %d", client.ID)
			o.deps.Metrics.DeliveryFailuresTotal.WithLabelValues(
				metrics.SanitizeFailureReason(metrics.ReasonDeliveryFailure)).Inc()
			continue
		}
		outcomes[i].Delivered = true

		ids := make([]int64, len(rep.Semantic))
		for j, row := range rep.Semantic {
			ids[j] = row.Permit.ID
		}
		confirmed = append(confirmed, ledger.Assignment{ClientID: client.ID, PermitIDs: ids})
	}

	if len(confirmed) == 0 {
		return
	}

	o.setStage(cycleID, StageRecording)
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(deliverCtx), 30*time.Second)
	defer cancel()
	recordCtx, recordSpan := o.stageSpan(recordCtx, StageRecording)
	defer recordSpan.End()
	if err := o.deps.Ledger.Record(recordCtx, confirmed); err != nil {
		// A ledger write failure is logged at warning; the next cycle
		// redelivers until the write succeeds.
		recordSpan.RecordError(err)
		o.deps.Metrics.LedgerWritesTotal.WithLabelValues("failed").Inc()
		o.logger.Warn("failed to record delivered assignments",
			logging.CycleFields("recording", cycleID).Error(err).ToZap()...)
		return
	}
	o.deps.Metrics.LedgerWritesTotal.WithLabelValues("recorded").Inc()
}
