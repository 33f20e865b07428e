package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/communiq/communiq/internal/embedding"
	"github.com/communiq/communiq/internal/storage"
	"github.com/communiq/communiq/internal/vecindex"
)

// oversample is the search-width multiplier over k. Threshold and
// per-record dedup both discard candidates, so the index is asked for more
// than the caller wants.
const oversample = 4

// Defaults for ask/search requests that leave the knobs unset.
const (
	DefaultK              = 5
	DefaultScoreThreshold = 0.5
)

// Options narrows and sizes a retrieval. A nil ScoreThreshold means the
// default; an explicit zero admits every match.
type Options struct {
	K              int
	ScoreThreshold *float64
	Platform       string
	AuthorID       string
	Since          time.Time
	Until          time.Time
}

// Threshold wraps a literal threshold for Options.
func Threshold(v float64) *float64 {
	return &v
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = DefaultK
	}
	if o.ScoreThreshold == nil {
		o.ScoreThreshold = Threshold(DefaultScoreThreshold)
	}
	return o
}

// FilterKey returns a canonical string for the filter portion of the
// options, used in answer cache keys.
func (o Options) FilterKey() string {
	o = o.withDefaults()
	return fmt.Sprintf("k=%d|t=%.3f|p=%s|a=%s|s=%d|u=%d",
		o.K, *o.ScoreThreshold, o.Platform, o.AuthorID, o.Since.Unix(), o.Until.Unix())
}

// Source is one cited chunk: the text, where it came from, and who said it.
type Source struct {
	ChunkID   string    `json:"chunk_id"`
	RecordID  string    `json:"record_id"`
	Text      string    `json:"text"`
	Platform  string    `json:"platform"`
	Author    string    `json:"author"` // display name, pseudonymous id when unmapped
	SourceURL string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}

// Retriever turns a question into a ranked, deduplicated, threshold-filtered
// list of sources.
type Retriever struct {
	generator *embedding.Generator
	index     *vecindex.Index
	store     *storage.Store
	logger    *slog.Logger
}

// New creates a Retriever.
func New(generator *embedding.Generator, index *vecindex.Index, store *storage.Store, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Retriever{generator: generator, index: index, store: store, logger: logger}
}

// Retrieve embeds the query and returns up to K sources in descending score
// order, at most one chunk per record. Nothing clearing the threshold is an
// empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]Source, error) {
	opts = opts.withDefaults()

	vector, err := r.generator.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	filter := &vecindex.Filter{
		Platform: opts.Platform,
		AuthorID: opts.AuthorID,
		Since:    opts.Since,
		Until:    opts.Until,
	}
	matches, err := r.index.Search(vector, opts.K*oversample, filter)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	// Matches arrive sorted, so the first hit per record is its best chunk.
	bestByRecord := make(map[string]bool)
	var picked []vecindex.Match
	for _, m := range matches {
		if m.Score < *opts.ScoreThreshold {
			break
		}
		if bestByRecord[m.RecordID] {
			continue
		}
		bestByRecord[m.RecordID] = true
		picked = append(picked, m)
		if len(picked) == opts.K {
			break
		}
	}

	sources := make([]Source, 0, len(picked))
	for _, m := range picked {
		src, err := r.annotate(m)
		if err != nil {
			// The chunk was purged between search and annotation; drop it.
			r.logger.Warn("annotating source failed", "chunk", m.ChunkID, "error", err)
			continue
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (r *Retriever) annotate(m vecindex.Match) (Source, error) {
	sc, err := r.store.GetSourceChunk(m.ChunkID)
	if err != nil {
		return Source{}, err
	}

	author := sc.AuthorID
	if name, err := r.store.DisplayName(sc.AuthorID); err == nil {
		author = name
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Source{}, err
	}

	return Source{
		ChunkID:   sc.ChunkID,
		RecordID:  sc.RecordID,
		Text:      sc.Text,
		Platform:  sc.Platform,
		Author:    author,
		SourceURL: sc.SourceURL,
		Timestamp: sc.Timestamp,
		Score:     m.Score,
	}, nil
}
