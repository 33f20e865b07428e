package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Embed status values for a Chunk.
const (
	EmbedPending = "pending"
	EmbedDone    = "embedded"
	EmbedFailed  = "failed"
)

// Record is one anonymized communication item (a chat message, an issue
// comment, a PR description). Records are immutable once stored; corrections
// arrive as new Records with new fingerprints.
type Record struct {
	ID          string
	Platform    string
	Content     string // anonymized text, never raw
	AuthorID    string // pseudonymous id
	Timestamp   time.Time
	SourceURL   string
	Metadata    string // JSON object stored as text
	Fingerprint string
	CreatedAt   time.Time
}

// Chunk is a bounded span of a Record's text sized for embedding.
// Chunk IDs are deterministic ("<record_id>:<ordinal>") so re-chunking an
// unchanged Record is idempotent.
type Chunk struct {
	ID          string
	RecordID    string
	Ordinal     int
	Content     string
	Fingerprint string
	EmbedStatus string
	Attempts    int
}

// VectorEntry is the persisted form of one vector index entry. It carries the
// denormalized metadata needed for filtered search so the index can be loaded
// without joining back to records.
type VectorEntry struct {
	ChunkID   string
	RecordID  string
	Embedding []float32
	Platform  string
	AuthorID  string
	Timestamp time.Time
}

// SourceChunk is a chunk joined with the parent record fields needed to
// present it as a cited source.
type SourceChunk struct {
	ChunkID   string
	RecordID  string
	Text      string
	Platform  string
	AuthorID  string
	SourceURL string
	Timestamp time.Time
}
