package chunk

import (
	"fmt"
	"strings"

	"github.com/communiq/communiq/internal/anonymize"
	"github.com/communiq/communiq/internal/storage"
)

// Config controls chunk sizing. Lengths are in runes so multi-byte text
// never gets cut mid-character.
type Config struct {
	MaxLen  int // maximum chunk length
	Overlap int // shared suffix/prefix between consecutive chunks
}

// DefaultConfig matches the sizing the embedding model was tuned against.
func DefaultConfig() Config {
	return Config{MaxLen: 1000, Overlap: 200}
}

// Split breaks a record's text into overlapping chunks. Cut points prefer
// paragraph breaks, then sentence ends, then a hard cut at MaxLen. A record
// shorter than MaxLen yields exactly one chunk. Chunk ids are deterministic
// ("<recordID>:<ordinal>", zero-padded) so re-chunking an unchanged record
// with an unchanged config is idempotent.
func Split(recordID, text string, cfg Config) []storage.Chunk {
	if cfg.MaxLen <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.MaxLen {
		cfg.Overlap = cfg.MaxLen / 2
	}

	runes := []rune(text)
	var chunks []storage.Chunk

	start := 0
	for start < len(runes) {
		end := start + cfg.MaxLen
		if end >= len(runes) {
			chunks = append(chunks, makeChunk(recordID, len(chunks), string(runes[start:])))
			break
		}

		cut := findCut(runes[start:end])
		chunks = append(chunks, makeChunk(recordID, len(chunks), string(runes[start:start+cut])))

		next := start + cut - cfg.Overlap
		// The cut must advance past the previous start even when the overlap
		// swallows most of a short chunk.
		if next <= start {
			next = start + cut
		}
		start = next
	}

	if len(chunks) == 0 {
		chunks = append(chunks, makeChunk(recordID, 0, text))
	}
	return chunks
}

func makeChunk(recordID string, ordinal int, text string) storage.Chunk {
	return storage.Chunk{
		ID:          fmt.Sprintf("%s:%03d", recordID, ordinal),
		RecordID:    recordID,
		Ordinal:     ordinal,
		Content:     text,
		Fingerprint: anonymize.ChunkFingerprint(text),
		EmbedStatus: storage.EmbedPending,
	}
}

// findCut picks the cut position within a full-size window: the last
// paragraph break in the back half, else the last sentence end in the back
// half, else the window length. Restricting boundaries to the back half
// keeps chunks from degenerating when a break sits near the start.
func findCut(window []rune) int {
	s := string(window)
	half := len(window) / 2

	if idx := lastBoundary(s, window, "\n\n", half); idx > 0 {
		return idx
	}
	for _, end := range []string{". ", "! ", "? ", ".\n", "\n"} {
		if idx := lastBoundary(s, window, end, half); idx > 0 {
			return idx
		}
	}
	return len(window)
}

// lastBoundary returns the rune index just past the last occurrence of sep,
// or 0 if none occurs at or after minRunes.
func lastBoundary(s string, window []rune, sep string, minRunes int) int {
	byteIdx := strings.LastIndex(s, sep)
	if byteIdx < 0 {
		return 0
	}
	runeIdx := len([]rune(s[:byteIdx])) + len([]rune(sep))
	if runeIdx < minRunes {
		return 0
	}
	return runeIdx
}
