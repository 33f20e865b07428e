package vecindex

import (
	"testing"
	"time"

	"github.com/communiq/communiq/internal/storage"
)

func openTestIndex(t *testing.T) (*Index, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil), store
}

func entry(chunkID, recordID, platform string, vec []float32) storage.VectorEntry {
	return storage.VectorEntry{
		ChunkID:   chunkID,
		RecordID:  recordID,
		Embedding: vec,
		Platform:  platform,
		AuthorID:  "user_abc",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAddAndSearchOrdersByScore(t *testing.T) {
	ix, _ := openTestIndex(t)

	_, err := ix.Add([]storage.VectorEntry{
		entry("rec_a:000", "rec_a", "slack", []float32{1, 0, 0}),
		entry("rec_b:000", "rec_b", "slack", []float32{0.9, 0.1, 0}),
		entry("rec_c:000", "rec_c", "slack", []float32{0, 1, 0}),
	})
	if err != nil {
		t.Fatalf("adding: %v", err)
	}

	matches, err := ix.Search([]float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ChunkID != "rec_a:000" || matches[1].ChunkID != "rec_b:000" {
		t.Errorf("wrong order: %s, %s", matches[0].ChunkID, matches[1].ChunkID)
	}
	if matches[0].Score < matches[1].Score {
		t.Error("results not sorted by score descending")
	}
	if matches[0].Score < 0.999 || matches[0].Score > 1.0001 {
		t.Errorf("identical vector should score ~1, got %f", matches[0].Score)
	}
	for _, m := range matches {
		if m.Score < 0 || m.Score > 1.0001 {
			t.Errorf("score %f outside [0, 1]", m.Score)
		}
	}
}

func TestSearchTieBreaksOnChunkID(t *testing.T) {
	ix, _ := openTestIndex(t)

	vec := []float32{1, 1, 0}
	_, err := ix.Add([]storage.VectorEntry{
		entry("rec_b:000", "rec_b", "slack", vec),
		entry("rec_a:000", "rec_a", "slack", vec),
		entry("rec_c:000", "rec_c", "slack", vec),
	})
	if err != nil {
		t.Fatalf("adding: %v", err)
	}

	matches, err := ix.Search(vec, 2, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if matches[0].ChunkID != "rec_a:000" || matches[1].ChunkID != "rec_b:000" {
		t.Errorf("ties should prefer smaller chunk ids, got %s, %s", matches[0].ChunkID, matches[1].ChunkID)
	}
}

func TestSearchFilters(t *testing.T) {
	ix, _ := openTestIndex(t)

	older := entry("rec_a:000", "rec_a", "slack", []float32{1, 0, 0})
	older.Timestamp = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := entry("rec_b:000", "rec_b", "github", []float32{1, 0, 0})
	newer.Timestamp = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := ix.Add([]storage.VectorEntry{older, newer}); err != nil {
		t.Fatalf("adding: %v", err)
	}

	query := []float32{1, 0, 0}

	matches, err := ix.Search(query, 10, &Filter{Platform: "github"})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(matches) != 1 || matches[0].ChunkID != "rec_b:000" {
		t.Errorf("platform filter failed: %+v", matches)
	}

	matches, err = ix.Search(query, 10, &Filter{Until: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(matches) != 1 || matches[0].ChunkID != "rec_a:000" {
		t.Errorf("time window filter failed: %+v", matches)
	}

	matches, err = ix.Search(query, 10, &Filter{AuthorID: "user_nobody"})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("author filter should exclude everything, got %+v", matches)
	}
}

func TestAddRejectsDimensionMismatch(t *testing.T) {
	ix, _ := openTestIndex(t)

	if _, err := ix.Add([]storage.VectorEntry{entry("rec_a:000", "rec_a", "slack", []float32{1, 0, 0})}); err != nil {
		t.Fatalf("adding: %v", err)
	}
	if _, err := ix.Add([]storage.VectorEntry{entry("rec_b:000", "rec_b", "slack", []float32{1, 0})}); err == nil {
		t.Error("expected an error for a mismatched dimension")
	}
	if ix.Len() != 1 {
		t.Errorf("rejected batch must not change the index, len = %d", ix.Len())
	}

	if _, err := ix.Search([]float32{1, 0}, 5, nil); err == nil {
		t.Error("expected an error for a mismatched query dimension")
	}
}

func TestWriteThroughSurvivesReload(t *testing.T) {
	ix, store := openTestIndex(t)

	if _, err := ix.Add([]storage.VectorEntry{
		entry("rec_a:000", "rec_a", "slack", []float32{0, 1, 0}),
		entry("rec_b:000", "rec_b", "slack", []float32{1, 0, 0}),
	}); err != nil {
		t.Fatalf("adding: %v", err)
	}

	// A fresh index over the same store sees everything after Load.
	fresh := New(store, nil)
	if err := fresh.Load(); err != nil {
		t.Fatalf("loading: %v", err)
	}
	if fresh.Len() != 2 {
		t.Fatalf("reloaded index has %d entries, want 2", fresh.Len())
	}

	matches, err := fresh.Search([]float32{1, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(matches) != 1 || matches[0].ChunkID != "rec_b:000" {
		t.Errorf("unexpected match after reload: %+v", matches)
	}
}

func TestRemove(t *testing.T) {
	ix, store := openTestIndex(t)

	if _, err := ix.Add([]storage.VectorEntry{
		entry("rec_a:000", "rec_a", "slack", []float32{1, 0}),
		entry("rec_a:001", "rec_a", "slack", []float32{0, 1}),
	}); err != nil {
		t.Fatalf("adding: %v", err)
	}

	if err := ix.Remove([]string{"rec_a:000", "rec_missing:000"}); err != nil {
		t.Fatalf("removing: %v", err)
	}
	if ix.Len() != 1 {
		t.Errorf("len = %d, want 1", ix.Len())
	}

	n, err := store.CountVectorEntries()
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != 1 {
		t.Errorf("persisted count = %d, want 1", n)
	}
}

func TestGenerationAdvancesOnMutation(t *testing.T) {
	ix, _ := openTestIndex(t)

	g0 := ix.Generation()
	if _, err := ix.Add([]storage.VectorEntry{entry("rec_a:000", "rec_a", "slack", []float32{1})}); err != nil {
		t.Fatalf("adding: %v", err)
	}
	g1 := ix.Generation()
	if g1 == g0 {
		t.Error("generation unchanged after Add")
	}

	if err := ix.Remove([]string{"rec_a:000"}); err != nil {
		t.Fatalf("removing: %v", err)
	}
	if ix.Generation() == g1 {
		t.Error("generation unchanged after Remove")
	}
}

func TestRebuildFromCache(t *testing.T) {
	ix, store := openTestIndex(t)

	records := []storage.Record{
		{ID: "rec_a", Platform: "slack", Content: "text a", AuthorID: "user_abc",
			Timestamp: time.Now().UTC().Truncate(time.Second), Fingerprint: "fp_rec_a", Metadata: "{}"},
		{ID: "rec_b", Platform: "slack", Content: "text b", AuthorID: "user_abc",
			Timestamp: time.Now().UTC().Truncate(time.Second), Fingerprint: "fp_rec_b", Metadata: "{}"},
	}
	chunks := map[string][]storage.Chunk{
		"rec_a": {{ID: "rec_a:000", RecordID: "rec_a", Content: "text a", Fingerprint: "fp_chunk_a", EmbedStatus: storage.EmbedDone}},
		"rec_b": {{ID: "rec_b:000", RecordID: "rec_b", Content: "text b", Fingerprint: "fp_chunk_b", EmbedStatus: storage.EmbedDone}},
	}
	if err := store.InsertRecordsWithChunks(records, chunks); err != nil {
		t.Fatalf("inserting: %v", err)
	}

	// Only chunk a has a cached vector; chunk b must be re-queued.
	if err := store.PutEmbedding("fp_chunk_a", []float32{1, 0}); err != nil {
		t.Fatalf("caching: %v", err)
	}

	restored, requeued, err := ix.Rebuild()
	if err != nil {
		t.Fatalf("rebuilding: %v", err)
	}
	if restored != 1 || requeued != 1 {
		t.Errorf("restored = %d, requeued = %d, want 1 and 1", restored, requeued)
	}
	if ix.Len() != 1 {
		t.Errorf("index has %d entries after rebuild, want 1", ix.Len())
	}

	pending, err := store.ChunksNeedingEmbedding(10)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "rec_b:000" {
		t.Errorf("chunk b should be pending again, got %+v", pending)
	}
}

func TestRebuildSkipsUnembeddedChunks(t *testing.T) {
	ix, store := openTestIndex(t)

	ts := time.Now().UTC().Truncate(time.Second)
	records := []storage.Record{
		{ID: "rec_a", Platform: "slack", Content: "text a", AuthorID: "user_abc",
			Timestamp: ts, Fingerprint: "fp_rec_a", Metadata: "{}"},
		{ID: "rec_b", Platform: "slack", Content: "text b", AuthorID: "user_abc",
			Timestamp: ts, Fingerprint: "fp_rec_b", Metadata: "{}"},
	}
	chunks := map[string][]storage.Chunk{
		"rec_a": {{ID: "rec_a:000", RecordID: "rec_a", Content: "text a", Fingerprint: "fp_chunk_a", EmbedStatus: storage.EmbedDone}},
		"rec_b": {{ID: "rec_b:000", RecordID: "rec_b", Content: "text b", Fingerprint: "fp_chunk_b", EmbedStatus: storage.EmbedFailed}},
	}
	if err := store.InsertRecordsWithChunks(records, chunks); err != nil {
		t.Fatalf("inserting: %v", err)
	}

	// Both fingerprints have cached vectors; only the embedded chunk may
	// come back, a failed one stays out until its retry succeeds.
	if err := store.PutEmbedding("fp_chunk_a", []float32{1, 0}); err != nil {
		t.Fatalf("caching: %v", err)
	}
	if err := store.PutEmbedding("fp_chunk_b", []float32{0, 1}); err != nil {
		t.Fatalf("caching: %v", err)
	}

	restored, requeued, err := ix.Rebuild()
	if err != nil {
		t.Fatalf("rebuilding: %v", err)
	}
	if restored != 1 || requeued != 0 {
		t.Errorf("restored = %d, requeued = %d, want 1 and 0", restored, requeued)
	}

	matches, err := ix.Search([]float32{0, 1}, 5, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	for _, m := range matches {
		if m.ChunkID == "rec_b:000" {
			t.Error("failed chunk surfaced in the rebuilt index")
		}
	}
}
