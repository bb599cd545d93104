// Package embedindex is the Index Manager: a persistent semantic index over
// a canonical text derived from each permit's description. It
// owns a deterministic local embedding function, the on-disk artifact
// triple (vectors/mapping/hash files), and the in-memory snapshot
// retrieval reads from.
package embedindex

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultDimension is used when a caller requests a non-positive dimension.
const DefaultDimension = 384

// MaxBatchSize bounds a single embedding batch call.
const MaxBatchSize = 256

// Embedder generates a fixed-dimension, L2-normalized vector for text:
// any deterministic text-to-unit-vector function of fixed output
// dimension fits. LocalService below is a concrete, dependency-free
// instance of that contract.
type Embedder interface {
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// LocalService is a deterministic, hash-based embedding function: no
// external model call, no network dependency, suitable as the engine's
// default Embedder and as a stand-in in tests. The same text always
// yields the same vector.
type LocalService struct {
	dim    int
	logger *logrus.Logger
}

// NewLocalService returns a LocalService of the given dimension. A
// non-positive dimension falls back to DefaultDimension; a nil logger
// falls back to a discard logger.
func NewLocalService(dim int, logger *logrus.Logger) *LocalService {
	if dim <= 0 {
		dim = DefaultDimension
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &LocalService{dim: dim, logger: logger}
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Dimension returns the service's fixed output dimension.
func (s *LocalService) Dimension() int { return s.dim }

// Embed deterministically hashes text's whitespace-normalized tokens into a
// dim-length vector and L2-normalizes it, so cosine similarity is
// equivalent to inner product.
func (s *LocalService) Embed(ctx context.Context, text string) ([]float64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	vec := make([]float64, s.dim)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}

	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i < s.dim; i++ {
			byteIdx := i % len(sum)
			// Walk the digest in overlapping 4-byte windows so each
			// dimension draws on four bytes of the hash, not just one.
			window := binary.BigEndian.Uint32(rotate(sum[:], byteIdx))
			vec[i] += (float64(window%2000) / 1000.0) - 1.0
		}
	}

	normalize(vec)
	return vec, nil
}

// rotate returns a 4-byte window of buf starting at offset, wrapping
// around the end so every starting offset yields a valid window.
func rotate(buf []byte, offset int) []byte {
	out := make([]byte, 4)
	for i := 0; i < 4; i++ {
		out[i] = buf[(offset+i)%len(buf)]
	}
	return out
}

func normalize(vec []float64) {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += v * v
	}
	if sumSquares == 0 {
		return
	}
	norm := math.Sqrt(sumSquares)
	for i := range vec {
		vec[i] /= norm
	}
}

// EmbedBatch embeds texts in chunks of at most MaxBatchSize. There is no
// explicit per-call timeout; callers supply ctx cancellation if one is
// needed.
func (s *LocalService) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		for j, t := range texts[start:end] {
			v, err := s.Embed(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("embed batch item %d: %w", start+j, err)
			}
			out = append(out, v)
		}
	}
	return out, nil
}
