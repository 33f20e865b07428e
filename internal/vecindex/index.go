package vecindex

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/communiq/communiq/internal/storage"
)

// Store is the persistence the index writes through to. Every mutation lands
// in SQLite before the in-memory copy changes, so a restart loses nothing.
type Store interface {
	InsertVectorEntries(entries []storage.VectorEntry) error
	DeleteVectorEntries(chunkIDs []string) error
	ClearVectorEntries() error
	LoadVectorEntries() ([]storage.VectorEntry, error)
	EmbeddedChunkRefs() ([]storage.VectorEntry, []string, error)
	GetEmbedding(fingerprint string) ([]float32, error)
	SetChunkEmbedStatus(chunkID, status string) error
}

// Filter narrows a search to a platform, an author, or a time window. Zero
// fields match everything.
type Filter struct {
	Platform string
	AuthorID string
	Since    time.Time
	Until    time.Time
}

// Match is one search hit. Score is cosine similarity rescaled to [0, 1].
type Match struct {
	ChunkID   string
	RecordID  string
	Score     float64
	Platform  string
	AuthorID  string
	Timestamp time.Time
}

// Index holds every embedded chunk vector in memory for brute-force cosine
// search, with all mutations written through to the Store. The generation
// counter advances on every mutation so cached answers derived from an older
// index state can be recognized as stale.
type Index struct {
	mu         sync.RWMutex
	entries    map[string]storage.VectorEntry
	dim        int
	generation uint64
	store      Store
	logger     *slog.Logger
}

// New creates an empty index backed by the given store.
func New(store Store, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Index{
		entries: make(map[string]storage.VectorEntry),
		store:   store,
		logger:  logger,
	}
}

// Load replaces the in-memory state with the persisted vector entries.
// Called once at startup.
func (ix *Index) Load() error {
	persisted, err := ix.store.LoadVectorEntries()
	if err != nil {
		return fmt.Errorf("loading vector entries: %w", err)
	}

	entries := make(map[string]storage.VectorEntry, len(persisted))
	dim := 0
	for _, e := range persisted {
		if dim == 0 {
			dim = len(e.Embedding)
		}
		entries[e.ChunkID] = e
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = entries
	ix.dim = dim
	ix.generation++
	ix.logger.Info("vector index loaded", "entries", len(entries), "dim", dim)
	return nil
}

// Add inserts entries, persisting them first. The first entry ever added
// fixes the index dimension; entries with a different dimension are rejected
// as a whole batch. Re-adding an existing chunk id replaces its vector.
func (ix *Index) Add(entries []storage.VectorEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	dim := ix.dim
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			return 0, fmt.Errorf("chunk %s: empty embedding", e.ChunkID)
		}
		if dim == 0 {
			dim = len(e.Embedding)
		}
		if len(e.Embedding) != dim {
			return 0, fmt.Errorf("chunk %s: dimension %d, index has %d", e.ChunkID, len(e.Embedding), dim)
		}
	}

	if err := ix.store.InsertVectorEntries(entries); err != nil {
		return 0, fmt.Errorf("persisting vector entries: %w", err)
	}

	for _, e := range entries {
		ix.entries[e.ChunkID] = e
	}
	ix.dim = dim
	ix.generation++
	return len(entries), nil
}

// Remove deletes the given chunk ids from the store and the in-memory index.
// Unknown ids are ignored.
func (ix *Index) Remove(chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.store.DeleteVectorEntries(chunkIDs); err != nil {
		return fmt.Errorf("deleting vector entries: %w", err)
	}
	for _, id := range chunkIDs {
		delete(ix.entries, id)
	}
	ix.generation++
	return nil
}

// Search returns the top-k entries by cosine similarity to the query vector,
// most similar first. Entries failing the filter are skipped before scoring.
// Equal scores break ties toward the lexicographically smaller chunk id so
// results are stable across runs.
func (ix *Index) Search(vector []float32, k int, filter *Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) > 0 && ix.dim != 0 && len(vector) != ix.dim {
		return nil, fmt.Errorf("query dimension %d, index has %d", len(vector), ix.dim)
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &matchHeap{}
	heap.Init(h)

	for _, e := range ix.entries {
		if !matches(filter, e) {
			continue
		}

		cos := cosine(vector, e.Embedding, queryNorm)
		score := (cos + 1) / 2
		m := Match{
			ChunkID:   e.ChunkID,
			RecordID:  e.RecordID,
			Score:     score,
			Platform:  e.Platform,
			AuthorID:  e.AuthorID,
			Timestamp: e.Timestamp,
		}

		if h.Len() < k {
			heap.Push(h, m)
		} else if better(m, (*h)[0]) {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}

	results := make([]Match, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Match)
	}
	return results, nil
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Generation returns the mutation counter. Any Add, Remove, Load, or Rebuild
// changes it.
func (ix *Index) Generation() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.generation
}

// Rebuild reconstructs the persisted vector entries from the chunk table and
// the embedding cache, then reloads the in-memory index. Chunks whose cached
// vector is gone are flipped back to pending so the next ingestion pass
// re-embeds them. Returns the number of restored and re-queued chunks.
func (ix *Index) Rebuild() (restored, requeued int, err error) {
	refs, fingerprints, err := ix.store.EmbeddedChunkRefs()
	if err != nil {
		return 0, 0, fmt.Errorf("listing embedded chunks: %w", err)
	}

	entries := make([]storage.VectorEntry, 0, len(refs))
	for i, ref := range refs {
		vec, err := ix.store.GetEmbedding(fingerprints[i])
		if errors.Is(err, storage.ErrNotFound) {
			if err := ix.store.SetChunkEmbedStatus(ref.ChunkID, storage.EmbedPending); err != nil {
				return 0, 0, fmt.Errorf("re-queuing chunk %s: %w", ref.ChunkID, err)
			}
			requeued++
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("reading cached embedding: %w", err)
		}
		ref.Embedding = vec
		entries = append(entries, ref)
	}

	if err := ix.store.ClearVectorEntries(); err != nil {
		return 0, 0, fmt.Errorf("clearing vector entries: %w", err)
	}
	if err := ix.store.InsertVectorEntries(entries); err != nil {
		return 0, 0, fmt.Errorf("persisting rebuilt entries: %w", err)
	}

	if err := ix.Load(); err != nil {
		return 0, 0, err
	}
	ix.logger.Info("vector index rebuilt", "restored", len(entries), "requeued", requeued)
	return len(entries), requeued, nil
}

func matches(f *Filter, e storage.VectorEntry) bool {
	if f == nil {
		return true
	}
	if f.Platform != "" && e.Platform != f.Platform {
		return false
	}
	if f.AuthorID != "" && e.AuthorID != f.AuthorID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// better reports whether a should outrank b: higher score wins, equal scores
// go to the smaller chunk id.
func better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ChunkID < b.ChunkID
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm). aNorm is
// the precomputed L2 norm of the query.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// matchHeap is a min-heap of Match keeping the worst candidate at the root
// during the top-k scan.
type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
