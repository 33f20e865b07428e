package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/communiq/communiq/internal/anonymize"
	"github.com/communiq/communiq/internal/chunk"
	"github.com/communiq/communiq/internal/embedding"
	"github.com/communiq/communiq/internal/storage"
	"github.com/communiq/communiq/internal/vecindex"
)

// Config controls ingestion behavior.
type Config struct {
	Workers      int           // concurrent per-record embedding tasks
	Chunk        chunk.Config  // chunk sizing
	WatermarkLag time.Duration // records younger than this don't advance the watermark
}

// DefaultConfig returns the settings used in production.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		Chunk:        chunk.DefaultConfig(),
		WatermarkLag: 5 * time.Minute,
	}
}

// Summary reports what happened to one ingestion batch.
type Summary struct {
	Accepted      int `json:"accepted"`       // records stored
	Duplicates    int `json:"duplicates"`     // dropped by fingerprint
	Malformed     int `json:"malformed"`      // dropped for missing fields
	OptedOut      int `json:"opted_out"`      // dropped by the opt-out set
	ChunksIndexed int `json:"chunks_indexed"` // chunks embedded and searchable
	ChunksFailed  int `json:"chunks_failed"`  // chunks awaiting retry
}

// Ingestor runs the ingestion pipeline: sanitize, dedup, chunk, persist,
// embed, index. Batches for the same platform are serialized; different
// platforms may ingest concurrently.
type Ingestor struct {
	store     *storage.Store
	anonymizer *anonymize.Anonymizer
	generator *embedding.Generator
	index     *vecindex.Index
	pool      *ants.Pool
	logger    *slog.Logger
	cfg       Config

	mu        sync.Mutex
	platforms map[string]*sync.Mutex
}

// New creates an Ingestor with its own worker pool. Call Close to release it.
func New(store *storage.Store, anonymizer *anonymize.Anonymizer, generator *embedding.Generator, index *vecindex.Index, logger *slog.Logger, cfg Config) (*Ingestor, error) {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	return &Ingestor{
		store:      store,
		anonymizer: anonymizer,
		generator:  generator,
		index:      index,
		pool:       pool,
		logger:     logger,
		cfg:        cfg,
		platforms:  make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the worker pool.
func (in *Ingestor) Close() {
	in.pool.Release()
}

func (in *Ingestor) platformLock(platform string) *sync.Mutex {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.platforms[platform]
	if !ok {
		l = &sync.Mutex{}
		in.platforms[platform] = l
	}
	return l
}

// Ingest runs one batch for a platform. Malformed records are skipped with a
// log line, opted-out and duplicate records are counted and dropped, and the
// surviving records land in a single transaction before embedding starts. A
// chunk whose embedding fails stays queued for retry; it never blocks the
// rest of the batch.
func (in *Ingestor) Ingest(ctx context.Context, platform string, raws []anonymize.RawRecord) (Summary, error) {
	lock := in.platformLock(platform)
	lock.Lock()
	defer lock.Unlock()

	var summary Summary
	var records []storage.Record
	chunksByRecord := make(map[string][]storage.Chunk)
	seen := make(map[string]bool)
	var maxTS time.Time

	for _, raw := range raws {
		if raw.Platform == "" {
			raw.Platform = platform
		}

		rec, err := in.anonymizer.Sanitize(raw)
		switch {
		case errors.Is(err, anonymize.ErrMalformed):
			summary.Malformed++
			in.logger.Warn("skipping malformed record", "platform", platform, "error", err)
			continue
		case errors.Is(err, anonymize.ErrOptedOut):
			summary.OptedOut++
			continue
		case err != nil:
			return summary, fmt.Errorf("sanitizing record: %w", err)
		}

		if seen[rec.Fingerprint] {
			summary.Duplicates++
			continue
		}
		seen[rec.Fingerprint] = true

		exists, err := in.store.FingerprintExists(rec.Fingerprint)
		if err != nil {
			return summary, fmt.Errorf("checking fingerprint: %w", err)
		}
		if exists {
			summary.Duplicates++
			continue
		}

		records = append(records, rec)
		chunksByRecord[rec.ID] = chunk.Split(rec.ID, rec.Content, in.cfg.Chunk)
		if rec.Timestamp.After(maxTS) {
			maxTS = rec.Timestamp
		}
	}

	if len(records) == 0 {
		in.logger.Info("ingestion batch empty after filtering", "platform", platform,
			"duplicates", summary.Duplicates, "malformed", summary.Malformed, "opted_out", summary.OptedOut)
		return summary, nil
	}

	if err := in.store.InsertRecordsWithChunks(records, chunksByRecord); err != nil {
		return summary, fmt.Errorf("persisting batch: %w", err)
	}
	summary.Accepted = len(records)

	indexed, failed := in.embedRecords(ctx, records, chunksByRecord)
	summary.ChunksIndexed = indexed
	summary.ChunksFailed = failed

	if !maxTS.IsZero() {
		// Records newer than the lag window may still have late-arriving
		// siblings, so the watermark stops short of them.
		wm := maxTS
		if cutoff := time.Now().Add(-in.cfg.WatermarkLag); wm.After(cutoff) {
			wm = cutoff
		}
		if err := in.store.SetWatermark(platform, wm); err != nil {
			in.logger.Warn("advancing watermark failed", "platform", platform, "error", err)
		}
	}

	in.logger.Info("ingestion batch done", "platform", platform,
		"accepted", summary.Accepted, "duplicates", summary.Duplicates,
		"indexed", summary.ChunksIndexed, "failed", summary.ChunksFailed)
	return summary, nil
}

// embedRecords embeds each record's chunks on the worker pool and indexes the
// results. Returns indexed and failed chunk counts.
func (in *Ingestor) embedRecords(ctx context.Context, records []storage.Record, chunksByRecord map[string][]storage.Chunk) (int, int) {
	var (
		resMu   sync.Mutex
		entries []storage.VectorEntry
		failed  []string
	)

	var wg sync.WaitGroup
	for _, rec := range records {
		chunks := chunksByRecord[rec.ID]

		wg.Add(1)
		task := func() {
			defer wg.Done()

			texts := make([]string, len(chunks))
			for i, c := range chunks {
				texts[i] = c.Content
			}

			vectors, err := in.generator.EmbedBatch(ctx, texts)
			if err != nil {
				in.logger.Warn("embedding record failed", "record", rec.ID, "error", err)
				vectors = make([][]float32, len(chunks))
			}

			resMu.Lock()
			defer resMu.Unlock()
			for i, c := range chunks {
				if vectors[i] == nil {
					failed = append(failed, c.ID)
					continue
				}
				entries = append(entries, storage.VectorEntry{
					ChunkID:   c.ID,
					RecordID:  rec.ID,
					Embedding: vectors[i],
					Platform:  rec.Platform,
					AuthorID:  rec.AuthorID,
					Timestamp: rec.Timestamp,
				})
			}
		}

		if err := in.pool.Submit(task); err != nil {
			// Pool released mid-shutdown; run inline so the batch still finishes.
			task()
		}
	}
	wg.Wait()

	return in.finishEmbedding(entries, failed)
}

// finishEmbedding indexes the successful entries and records per-chunk embed
// status. Entries that cannot be indexed are downgraded to failed.
func (in *Ingestor) finishEmbedding(entries []storage.VectorEntry, failed []string) (int, int) {
	indexed := 0
	if len(entries) > 0 {
		n, err := in.index.Add(entries)
		if err != nil {
			in.logger.Error("indexing embedded chunks failed", "error", err)
			for _, e := range entries {
				failed = append(failed, e.ChunkID)
			}
			entries = nil
		} else {
			indexed = n
		}
	}

	for _, e := range entries {
		if err := in.store.SetChunkEmbedStatus(e.ChunkID, storage.EmbedDone); err != nil {
			in.logger.Warn("marking chunk embedded failed", "chunk", e.ChunkID, "error", err)
		}
	}
	for _, id := range failed {
		if err := in.store.SetChunkEmbedStatus(id, storage.EmbedFailed); err != nil {
			in.logger.Warn("marking chunk failed failed", "chunk", id, "error", err)
		}
	}
	return indexed, len(failed)
}

// RetryPending re-embeds up to limit chunks that are still pending or failed,
// typically after a model outage. Returns indexed and still-failed counts.
func (in *Ingestor) RetryPending(ctx context.Context, limit int) (int, int, error) {
	chunks, err := in.store.ChunksNeedingEmbedding(limit)
	if err != nil {
		return 0, 0, fmt.Errorf("listing pending chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	recordsByID := make(map[string]storage.Record)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
		if _, ok := recordsByID[c.RecordID]; !ok {
			rec, err := in.store.GetRecord(c.RecordID)
			if err != nil {
				return 0, 0, fmt.Errorf("loading record %s: %w", c.RecordID, err)
			}
			recordsByID[c.RecordID] = rec
		}
	}

	vectors, err := in.generator.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, 0, err
	}

	var entries []storage.VectorEntry
	var failed []string
	for i, c := range chunks {
		if vectors[i] == nil {
			failed = append(failed, c.ID)
			continue
		}
		rec := recordsByID[c.RecordID]
		entries = append(entries, storage.VectorEntry{
			ChunkID:   c.ID,
			RecordID:  c.RecordID,
			Embedding: vectors[i],
			Platform:  rec.Platform,
			AuthorID:  rec.AuthorID,
			Timestamp: rec.Timestamp,
		})
	}

	indexed, stillFailed := in.finishEmbedding(entries, failed)
	return indexed, stillFailed, nil
}

// OptOut registers an author as excluded and purges everything already stored
// for them: records, chunks, cached display mapping, and index entries.
// Returns the number of index entries removed.
func (in *Ingestor) OptOut(platform, authorIdentifier string) (int, error) {
	if platform == "" || authorIdentifier == "" {
		return 0, fmt.Errorf("platform and author identifier are required")
	}

	if err := in.store.AddOptOut(platform, authorIdentifier); err != nil {
		return 0, fmt.Errorf("registering opt-out: %w", err)
	}

	authorID := anonymize.PseudonymID(platform, authorIdentifier)
	chunkIDs, err := in.store.PurgeAuthor(platform, authorID)
	if err != nil {
		return 0, fmt.Errorf("purging author: %w", err)
	}
	if err := in.index.Remove(chunkIDs); err != nil {
		return 0, fmt.Errorf("removing index entries: %w", err)
	}

	in.logger.Info("author opted out", "platform", platform, "chunks_removed", len(chunkIDs))
	return len(chunkIDs), nil
}

// Watermark returns the platform's ingestion high-water mark, zero when no
// batch has completed yet.
func (in *Ingestor) Watermark(platform string) (time.Time, error) {
	return in.store.Watermark(platform)
}
