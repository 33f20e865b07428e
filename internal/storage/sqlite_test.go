package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id, platform, author, fingerprint string) Record {
	return Record{
		ID:          id,
		Platform:    platform,
		Content:     "some anonymized text",
		AuthorID:    author,
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		SourceURL:   "https://example.com/msg/1",
		Fingerprint: fingerprint,
	}
}

func TestInsertAndGetRecord(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("rec_1", "slack", "user_abc", "fp1")
	chunks := map[string][]Chunk{
		"rec_1": {
			{ID: "rec_1:000", RecordID: "rec_1", Ordinal: 0, Content: "some anonymized text", Fingerprint: "cfp1"},
		},
	}
	if err := s.InsertRecordsWithChunks([]Record{rec}, chunks); err != nil {
		t.Fatalf("inserting: %v", err)
	}

	got, err := s.GetRecord("rec_1")
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if got.Platform != "slack" || got.AuthorID != "user_abc" {
		t.Errorf("got record %+v", got)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, rec.Timestamp)
	}

	exists, err := s.FingerprintExists("fp1")
	if err != nil {
		t.Fatalf("checking fingerprint: %v", err)
	}
	if !exists {
		t.Error("fingerprint fp1 should exist")
	}

	exists, err = s.FingerprintExists("fp2")
	if err != nil {
		t.Fatalf("checking fingerprint: %v", err)
	}
	if exists {
		t.Error("fingerprint fp2 should not exist")
	}
}

func TestInsertDuplicateFingerprintFails(t *testing.T) {
	s := openTestStore(t)

	if err := s.InsertRecordsWithChunks([]Record{testRecord("rec_1", "slack", "u1", "fp1")}, nil); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertRecordsWithChunks([]Record{testRecord("rec_2", "slack", "u1", "fp1")}, nil)
	if err == nil {
		t.Fatal("expected unique constraint violation on duplicate fingerprint")
	}

	// The failed transaction must not have landed anything.
	n, err := s.CountRecords()
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != 1 {
		t.Errorf("record count = %d, want 1", n)
	}
}

func TestChunkEmbedStatus(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("rec_1", "github", "u1", "fp1")
	chunks := map[string][]Chunk{
		"rec_1": {
			{ID: "rec_1:000", RecordID: "rec_1", Ordinal: 0, Content: "a", Fingerprint: "c1"},
			{ID: "rec_1:001", RecordID: "rec_1", Ordinal: 1, Content: "b", Fingerprint: "c2"},
		},
	}
	if err := s.InsertRecordsWithChunks([]Record{rec}, chunks); err != nil {
		t.Fatalf("inserting: %v", err)
	}

	pending, err := s.ChunksNeedingEmbedding(10)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending chunks, want 2", len(pending))
	}

	if err := s.SetChunkEmbedStatus("rec_1:000", EmbedDone); err != nil {
		t.Fatalf("marking embedded: %v", err)
	}
	if err := s.SetChunkEmbedStatus("rec_1:001", EmbedFailed); err != nil {
		t.Fatalf("marking failed: %v", err)
	}

	// Failed chunks remain eligible for a later retry; embedded ones do not.
	pending, err = s.ChunksNeedingEmbedding(10)
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "rec_1:001" {
		t.Fatalf("pending = %+v, want only rec_1:001", pending)
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}

	if err := s.SetChunkEmbedStatus("missing", EmbedDone); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPurgeAuthor(t *testing.T) {
	s := openTestStore(t)

	recs := []Record{
		testRecord("rec_1", "slack", "user_a", "fp1"),
		testRecord("rec_2", "slack", "user_b", "fp2"),
	}
	chunks := map[string][]Chunk{
		"rec_1": {{ID: "rec_1:000", RecordID: "rec_1", Ordinal: 0, Content: "a", Fingerprint: "c1"}},
		"rec_2": {{ID: "rec_2:000", RecordID: "rec_2", Ordinal: 0, Content: "b", Fingerprint: "c2"}},
	}
	if err := s.InsertRecordsWithChunks(recs, chunks); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	entries := []VectorEntry{
		{ChunkID: "rec_1:000", RecordID: "rec_1", Embedding: []float32{1, 0}, Platform: "slack", AuthorID: "user_a", Timestamp: time.Now().UTC()},
		{ChunkID: "rec_2:000", RecordID: "rec_2", Embedding: []float32{0, 1}, Platform: "slack", AuthorID: "user_b", Timestamp: time.Now().UTC()},
	}
	if err := s.InsertVectorEntries(entries); err != nil {
		t.Fatalf("inserting vectors: %v", err)
	}

	purged, err := s.PurgeAuthor("slack", "user_a")
	if err != nil {
		t.Fatalf("purging: %v", err)
	}
	if len(purged) != 1 || purged[0] != "rec_1:000" {
		t.Fatalf("purged = %v, want [rec_1:000]", purged)
	}

	if _, err := s.GetRecord("rec_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rec_1 should be gone, err = %v", err)
	}
	if _, err := s.GetRecord("rec_2"); err != nil {
		t.Errorf("rec_2 should survive, err = %v", err)
	}

	n, err := s.CountVectorEntries()
	if err != nil {
		t.Fatalf("counting vectors: %v", err)
	}
	if n != 1 {
		t.Errorf("vector entries = %d, want 1", n)
	}
	nc, err := s.CountChunks()
	if err != nil {
		t.Fatalf("counting chunks: %v", err)
	}
	if nc != 1 {
		t.Errorf("chunks = %d, want 1 (cascade delete)", nc)
	}
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetEmbedding("fp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on miss, got %v", err)
	}

	vec := []float32{0.5, -1.25, 3}
	if err := s.PutEmbedding("fp", vec); err != nil {
		t.Fatalf("putting: %v", err)
	}
	got, err := s.GetEmbedding("fp")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if len(got) != 3 || got[0] != 0.5 || got[1] != -1.25 || got[2] != 3 {
		t.Errorf("got %v, want %v", got, vec)
	}
}

func TestOptOuts(t *testing.T) {
	s := openTestStore(t)

	out, err := s.IsOptedOut("slack", "U123")
	if err != nil {
		t.Fatalf("checking: %v", err)
	}
	if out {
		t.Error("U123 should not be opted out yet")
	}

	if err := s.AddOptOut("slack", "U123"); err != nil {
		t.Fatalf("adding: %v", err)
	}
	// Re-registering is idempotent.
	if err := s.AddOptOut("slack", "U123"); err != nil {
		t.Fatalf("re-adding: %v", err)
	}

	out, err = s.IsOptedOut("slack", "U123")
	if err != nil {
		t.Fatalf("checking: %v", err)
	}
	if !out {
		t.Error("U123 should be opted out")
	}

	// Opt-out is scoped per platform.
	out, err = s.IsOptedOut("github", "U123")
	if err != nil {
		t.Fatalf("checking: %v", err)
	}
	if out {
		t.Error("U123 on github should not be opted out")
	}
}

func TestUserMappings(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.DisplayName("user_abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.UpsertUserMapping("user_abc", "slack", "Alice"); err != nil {
		t.Fatalf("upserting: %v", err)
	}
	if err := s.UpsertUserMapping("user_abc", "slack", "Alice L."); err != nil {
		t.Fatalf("updating: %v", err)
	}

	name, err := s.DisplayName("user_abc")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if name != "Alice L." {
		t.Errorf("display name = %q, want %q", name, "Alice L.")
	}
}

func TestWatermarkOnlyMovesForward(t *testing.T) {
	s := openTestStore(t)

	hw, err := s.Watermark("slack")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if !hw.IsZero() {
		t.Errorf("fresh watermark = %v, want zero", hw)
	}

	t1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	if err := s.SetWatermark("slack", t1); err != nil {
		t.Fatalf("setting: %v", err)
	}
	if err := s.SetWatermark("slack", t0); err != nil {
		t.Fatalf("setting backwards: %v", err)
	}

	hw, err = s.Watermark("slack")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if !hw.Equal(t1) {
		t.Errorf("watermark = %v, want %v (never moves backwards)", hw, t1)
	}
}

func TestLoadVectorEntriesOrdered(t *testing.T) {
	s := openTestStore(t)

	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	entries := []VectorEntry{
		{ChunkID: "b:000", RecordID: "b", Embedding: []float32{0, 1}, Platform: "github", AuthorID: "u2", Timestamp: ts},
		{ChunkID: "a:000", RecordID: "a", Embedding: []float32{1, 0}, Platform: "slack", AuthorID: "u1", Timestamp: ts},
	}
	if err := s.InsertVectorEntries(entries); err != nil {
		t.Fatalf("inserting: %v", err)
	}

	loaded, err := s.LoadVectorEntries()
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d entries, want 2", len(loaded))
	}
	if loaded[0].ChunkID != "a:000" || loaded[1].ChunkID != "b:000" {
		t.Errorf("entries not ordered by chunk id: %s, %s", loaded[0].ChunkID, loaded[1].ChunkID)
	}
	if loaded[0].Embedding[0] != 1 {
		t.Errorf("embedding round trip failed: %v", loaded[0].Embedding)
	}
}
