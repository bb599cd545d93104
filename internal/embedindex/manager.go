package embedindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permitpipeline/permitengine/pkg/permit"
	"github.com/permitpipeline/permitengine/pkg/shared/logging"
)

// ErrIndexMissing is returned by BuildIncremental when no prior Build
// has ever produced on-disk artifacts.
var ErrIndexMissing = fmt.Errorf("embedindex: index artifacts missing, run a full build first")

// ErrIndexInconsistent is returned by Load when the on-disk artifact
// triple is mutually inconsistent (mismatched vector/mapping/hash counts).
type ErrIndexInconsistent struct{ cause error }

func (e *ErrIndexInconsistent) Error() string {
	return fmt.Sprintf("embedindex: index artifacts inconsistent: %s", e.cause)
}
func (e *ErrIndexInconsistent) Unwrap() error { return e.cause }

// PermitSource is the subset of the Permit Store the Index Manager needs:
// a single-pass chunked scan over every stored permit.
// Defined here, rather than imported from pkg/permitstore, to keep
// embedindex's only dependency on the store an interface it can be tested
// against without a database.
type PermitSource interface {
	StreamAll(chunkSize int) PermitCursor
}

// PermitCursor is the iterator handed back by PermitSource.StreamAll.
type PermitCursor interface {
	Next(ctx context.Context) ([]permit.Permit, error)
}

// BuildResult reports the outcome of a full Build.
type BuildResult struct {
	Count    int
	Dim      int
	Duration time.Duration
}

// IncrementalResult reports the outcome of a BuildIncremental call.
type IncrementalResult struct {
	Added    int
	Duration time.Duration
}

// StatusResult reports the Manager's current in-memory state.
type StatusResult struct {
	Loaded  bool
	Vectors int
	Dim     int
}

// Manager is the index manager: it owns the on-disk artifact triple
// under dir, an Embedder, and the in-memory snapshot retrieval reads. Build
// and BuildIncremental are mutually exclusive (mu); readers that have
// already captured a Snapshot are unaffected by an in-progress rebuild,
// since writers never modify the loaded arrays in place: they build a new
// set and swap it in.
type Manager struct {
	dir      string
	embedder Embedder
	logger   *logrus.Logger

	mu      sync.Mutex // serializes Build/BuildIncremental/Load
	loadMu  sync.RWMutex
	loaded  *artifactSet
}

// NewManager returns a Manager rooted at dir, using embedder to turn
// permit description text into vectors. A nil logger falls back to a
// discard logger.
func NewManager(dir string, embedder Embedder, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = discardLogger()
	}
	return &Manager{dir: dir, embedder: embedder, logger: logger}
}

// Snapshot is a read-only view of the loaded index, safe for a concurrent
// reader to hold across an in-progress rebuild: it shares the loaded
// arrays, which writers replace wholesale rather than modify in place.
type Snapshot struct {
	Dim     int
	Vectors [][]float64
	IDs     []int64
}

// VectorFor returns the vector at row i and true, or (nil, false) if i is
// out of range.
func (s *Snapshot) VectorFor(i int) ([]float64, bool) {
	if i < 0 || i >= len(s.Vectors) {
		return nil, false
	}
	return s.Vectors[i], true
}

// Len returns the number of rows in the snapshot.
func (s *Snapshot) Len() int { return len(s.IDs) }

// Snapshot returns a read-only view of the currently loaded index, or nil
// if nothing is loaded.
func (m *Manager) Snapshot() *Snapshot {
	m.loadMu.RLock()
	defer m.loadMu.RUnlock()
	if m.loaded == nil {
		return nil
	}
	return &Snapshot{Dim: m.loaded.dim, Vectors: m.loaded.vectors, IDs: m.loaded.ids}
}

// Status reports whether an index is loaded and
// its size, without touching disk.
func (m *Manager) Status() StatusResult {
	m.loadMu.RLock()
	defer m.loadMu.RUnlock()
	if m.loaded == nil {
		return StatusResult{}
	}
	return StatusResult{Loaded: true, Vectors: len(m.loaded.ids), Dim: m.loaded.dim}
}

// Load reads the on-disk artifact triple into memory, idempotently. It
// returns (present=false, err=nil) if no artifacts exist yet, and a
// *ErrIndexInconsistent if the triple is present but mutually
// inconsistent. Readers loading the index observe either the pre- or
// post-write state, never a mixed one.
func (m *Manager) Load() (present bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (bool, error) {
	a, present, err := loadArtifacts(m.dir)
	if err != nil {
		return false, &ErrIndexInconsistent{cause: err}
	}
	if !present {
		return false, nil
	}
	m.loadMu.Lock()
	m.loaded = a
	m.loadMu.Unlock()
	return true, nil
}

// Build is the full rebuild: it streams the entire Permit
// Store, embeds the description-derived text recipe for every row, writes
// a fresh artifact triple via writeAtomic, and reloads it into memory. A
// failure while writing the temporary files leaves the pre-existing
// on-disk artifacts untouched; see writeAtomic for a failure between its
// renames.
func (m *Manager) Build(ctx context.Context, store PermitSource) (BuildResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	dim := m.embedder.Dimension()
	fresh := newArtifactSet(dim)

	cursor := store.StreamAll(streamChunkLimit)
	for {
		chunk, err := cursor.Next(ctx)
		if err != nil {
			return BuildResult{}, fmt.Errorf("stream permits: %w", err)
		}
		if len(chunk) == 0 {
			break
		}
		if err := m.embedChunk(ctx, fresh, chunk); err != nil {
			return BuildResult{}, err
		}
	}

	if err := writeAtomic(m.dir, fresh); err != nil {
		m.logger.WithError(err).Error("full index build failed, pre-existing artifacts untouched")
		return BuildResult{}, fmt.Errorf("write index artifacts: %w", err)
	}

	m.loadMu.Lock()
	m.loaded = fresh
	m.loadMu.Unlock()

	duration := time.Since(start)
	m.logger.WithFields(toLogrusFields(
		logging.NewFields().Component("embedindex").Operation("build").
			Count(len(fresh.ids)).Duration(duration))).Info("full index build complete")

	return BuildResult{Count: len(fresh.ids), Dim: dim, Duration: duration}, nil
}

// streamChunkLimit matches the Permit Store's chunked-scan ceiling;
// embedindex asks for it explicitly rather than relying on the store's
// own default so the two packages stay decoupled.
const streamChunkLimit = 2000

// BuildIncremental is the incremental refresh: it loads the
// existing artifacts, appends a vector for every supplied id not yet in
// the mapping, replaces the vector in place for an id whose content hash
// has changed, and rewrites the triple via writeAtomic. Existing rows are
// never reordered. Returns ErrIndexMissing if no prior Build has run.
func (m *Manager) BuildIncremental(ctx context.Context, permits []permit.Permit) (IncrementalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()

	if m.loaded == nil {
		present, err := m.loadLocked()
		if err != nil {
			return IncrementalResult{}, err
		}
		if !present {
			return IncrementalResult{}, ErrIndexMissing
		}
	}

	working := cloneArtifactSet(m.loaded)
	added := 0

	for _, p := range permits {
		text := permit.DescriptionText(&p)
		hash := contentHash(text)
		if existing, ok := working.hashes[p.ID]; ok && existing == hash {
			continue
		}

		vec, err := m.embedder.Embed(ctx, text)
		if err != nil {
			return IncrementalResult{}, fmt.Errorf("embed permit %d: %w", p.ID, err)
		}

		if idx, ok := indexOf(working.ids, p.ID); ok {
			working.vectors[idx] = vec
		} else {
			working.ids = append(working.ids, p.ID)
			working.vectors = append(working.vectors, vec)
		}
		working.hashes[p.ID] = hash
		added++
	}

	if added == 0 {
		return IncrementalResult{Added: 0, Duration: time.Since(start)}, nil
	}

	if err := writeAtomic(m.dir, working); err != nil {
		m.logger.WithError(err).Error("incremental index build failed, pre-existing artifacts untouched")
		return IncrementalResult{}, fmt.Errorf("write index artifacts: %w", err)
	}

	m.loadMu.Lock()
	m.loaded = working
	m.loadMu.Unlock()

	duration := time.Since(start)
	m.logger.WithFields(toLogrusFields(
		logging.NewFields().Component("embedindex").Operation("build_incremental").
			Count(added).Duration(duration))).Info("incremental index build complete")

	return IncrementalResult{Added: added, Duration: duration}, nil
}

func (m *Manager) embedChunk(ctx context.Context, fresh *artifactSet, chunk []permit.Permit) error {
	texts := make([]string, len(chunk))
	for i, p := range chunk {
		texts[i] = permit.DescriptionText(&p)
	}

	vectors, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}

	for i, p := range chunk {
		fresh.ids = append(fresh.ids, p.ID)
		fresh.vectors = append(fresh.vectors, vectors[i])
		fresh.hashes[p.ID] = contentHash(texts[i])
	}
	return nil
}

func indexOf(ids []int64, target int64) (int, bool) {
	for i, id := range ids {
		if id == target {
			return i, true
		}
	}
	return 0, false
}

func cloneArtifactSet(a *artifactSet) *artifactSet {
	out := &artifactSet{
		dim:     a.dim,
		vectors: make([][]float64, len(a.vectors)),
		ids:     make([]int64, len(a.ids)),
		hashes:  make(map[int64]string, len(a.hashes)),
	}
	copy(out.vectors, a.vectors)
	copy(out.ids, a.ids)
	for k, v := range a.hashes {
		out.hashes[k] = v
	}
	return out
}

func toLogrusFields(f logging.Fields) logrus.Fields {
	return logrus.Fields(f.ToLogrus())
}
