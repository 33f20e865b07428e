package storage

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the authoritative record store plus
// all derived/auxiliary state: chunks, the persisted vector index, the
// embedding cache, the opt-out set, user display mappings, and per-platform
// high-water marks.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "communiq.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Records & Chunks ---

// FingerprintExists reports whether a Record with the given content
// fingerprint is already stored.
func (s *Store) FingerprintExists(fingerprint string) (bool, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE fingerprint = ?", fingerprint).Scan(&n); err != nil {
		return false, fmt.Errorf("checking fingerprint: %w", err)
	}
	return n > 0, nil
}

// InsertRecordsWithChunks persists a batch of records and their chunks in a
// single transaction. Either the whole batch lands or none of it does, which
// keeps a failed ingestion run retryable without partial state.
func (s *Store) InsertRecordsWithChunks(records []Record, chunks map[string][]Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	recStmt, err := tx.Prepare(`
		INSERT INTO records (id, platform, content, author_id, ts, source_url, metadata, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing record insert: %w", err)
	}
	defer recStmt.Close()

	chunkStmt, err := tx.Prepare(`
		INSERT INTO chunks (id, record_id, ordinal, content, fingerprint, embed_status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer chunkStmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		metadata := r.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := recStmt.Exec(
			r.ID, r.Platform, r.Content, r.AuthorID,
			r.Timestamp.UTC().Format(time.RFC3339), r.SourceURL, metadata,
			r.Fingerprint, createdAt.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}

		for _, c := range chunks[r.ID] {
			status := c.EmbedStatus
			if status == "" {
				status = EmbedPending
			}
			if _, err := chunkStmt.Exec(c.ID, c.RecordID, c.Ordinal, c.Content, c.Fingerprint, status); err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
			}
		}
	}

	return tx.Commit()
}

// GetRecord returns a single record by id.
func (s *Store) GetRecord(id string) (Record, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, content, author_id, ts, source_url, metadata, fingerprint, created_at
		FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var ts, createdAt string
	err := row.Scan(&r.ID, &r.Platform, &r.Content, &r.AuthorID, &ts, &r.SourceURL, &r.Metadata, &r.Fingerprint, &createdAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if r.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
		return Record{}, fmt.Errorf("parsing ts: %w", err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

// CountChunks returns the number of stored chunks.
func (s *Store) CountChunks() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}

// ChunksNeedingEmbedding returns chunks whose embedding has not been computed
// yet: freshly ingested ones plus earlier failures awaiting a retry.
func (s *Store) ChunksNeedingEmbedding(limit int) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, record_id, ordinal, content, fingerprint, embed_status, attempts
		FROM chunks WHERE embed_status IN (?, ?) ORDER BY id ASC LIMIT ?`,
		EmbedPending, EmbedFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Ordinal, &c.Content, &c.Fingerprint, &c.EmbedStatus, &c.Attempts); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SetChunkEmbedStatus updates a chunk's embed status and bumps its attempt count.
func (s *Store) SetChunkEmbedStatus(chunkID, status string) error {
	res, err := s.db.Exec(`UPDATE chunks SET embed_status = ?, attempts = attempts + 1 WHERE id = ?`, status, chunkID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSourceChunk returns a chunk joined with its parent record's citation fields.
func (s *Store) GetSourceChunk(chunkID string) (SourceChunk, error) {
	var sc SourceChunk
	var ts string
	err := s.db.QueryRow(`
		SELECT c.id, c.record_id, c.content, r.platform, r.author_id, r.source_url, r.ts
		FROM chunks c JOIN records r ON r.id = c.record_id
		WHERE c.id = ?`, chunkID,
	).Scan(&sc.ChunkID, &sc.RecordID, &sc.Text, &sc.Platform, &sc.AuthorID, &sc.SourceURL, &ts)
	if err == sql.ErrNoRows {
		return SourceChunk{}, ErrNotFound
	}
	if err != nil {
		return SourceChunk{}, err
	}
	if sc.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
		return SourceChunk{}, fmt.Errorf("parsing ts for chunk %s: %w", chunkID, err)
	}
	return sc, nil
}

// PurgeAuthor removes all records, chunks, and persisted vector entries for
// one pseudonymous author on one platform. Returns the ids of the removed
// chunks so the in-memory index can drop them too.
func (s *Store) PurgeAuthor(platform, authorID string) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT c.id FROM chunks c
		JOIN records r ON r.id = c.record_id
		WHERE r.platform = ? AND r.author_id = ?`, platform, authorID)
	if err != nil {
		return nil, fmt.Errorf("selecting chunks to purge: %w", err)
	}
	var chunkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		chunkIDs = append(chunkIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		DELETE FROM vector_entries WHERE record_id IN
		(SELECT id FROM records WHERE platform = ? AND author_id = ?)`, platform, authorID); err != nil {
		return nil, fmt.Errorf("purging vector entries: %w", err)
	}
	// Chunks cascade from records.
	if _, err := tx.Exec(`DELETE FROM records WHERE platform = ? AND author_id = ?`, platform, authorID); err != nil {
		return nil, fmt.Errorf("purging records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing purge: %w", err)
	}
	return chunkIDs, nil
}

// --- Vector entries (persisted index state) ---

// InsertVectorEntries writes index entries, replacing any previous row for
// the same chunk. Safe to call incrementally during ingestion.
func (s *Store) InsertVectorEntries(entries []VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning vector insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO vector_entries (chunk_id, record_id, embedding, platform, author_id, ts)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing vector insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		blob := EncodeFloat32s(e.Embedding)
		if _, err := stmt.Exec(e.ChunkID, e.RecordID, blob, e.Platform, e.AuthorID, e.Timestamp.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting vector entry %s: %w", e.ChunkID, err)
		}
	}
	return tx.Commit()
}

// DeleteVectorEntries removes the persisted entries for the given chunk ids.
func (s *Store) DeleteVectorEntries(chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	query := `DELETE FROM vector_entries WHERE chunk_id IN (?` + strings.Repeat(",?", len(chunkIDs)-1) + `)`
	_, err := s.db.Exec(query, args...)
	return err
}

// ClearVectorEntries drops all persisted index state. Used before a rebuild.
func (s *Store) ClearVectorEntries() error {
	_, err := s.db.Exec("DELETE FROM vector_entries")
	return err
}

// LoadVectorEntries returns all persisted index entries in ascending chunk id order.
func (s *Store) LoadVectorEntries() ([]VectorEntry, error) {
	rows, err := s.db.Query(`
		SELECT chunk_id, record_id, embedding, platform, author_id, ts
		FROM vector_entries ORDER BY chunk_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying vector entries: %w", err)
	}
	defer rows.Close()

	var entries []VectorEntry
	for rows.Next() {
		var e VectorEntry
		var blob []byte
		var ts string
		if err := rows.Scan(&e.ChunkID, &e.RecordID, &blob, &e.Platform, &e.AuthorID, &ts); err != nil {
			return nil, err
		}
		if e.Embedding, err = DecodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", e.ChunkID, err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parsing ts for %s: %w", e.ChunkID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountVectorEntries returns the number of persisted index entries.
func (s *Store) CountVectorEntries() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM vector_entries").Scan(&n)
	return n, err
}

// EmbeddedChunkRefs returns, for every chunk marked embedded, the
// identifiers needed to rebuild the vector index from the authoritative
// store: the chunk id and fingerprint plus the parent record's filter
// metadata. Pending and failed chunks are excluded; they have no business
// in the index until an embedding pass succeeds.
func (s *Store) EmbeddedChunkRefs() ([]VectorEntry, []string, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.record_id, c.fingerprint, r.platform, r.author_id, r.ts
		FROM chunks c JOIN records r ON r.id = c.record_id
		WHERE c.embed_status = ?
		ORDER BY c.id ASC`, EmbedDone)
	if err != nil {
		return nil, nil, fmt.Errorf("querying chunk refs: %w", err)
	}
	defer rows.Close()

	var entries []VectorEntry
	var fingerprints []string
	for rows.Next() {
		var e VectorEntry
		var fp, ts string
		if err := rows.Scan(&e.ChunkID, &e.RecordID, &fp, &e.Platform, &e.AuthorID, &ts); err != nil {
			return nil, nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, nil, fmt.Errorf("parsing ts for %s: %w", e.ChunkID, err)
		}
		entries = append(entries, e)
		fingerprints = append(fingerprints, fp)
	}
	return entries, fingerprints, rows.Err()
}

// --- Embedding cache ---

// GetEmbedding returns the cached vector for a content fingerprint, or
// ErrNotFound on a miss.
func (s *Store) GetEmbedding(fingerprint string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT embedding FROM embedding_cache WHERE fingerprint = ?", fingerprint).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeFloat32s(blob)
}

// PutEmbedding stores a vector under its content fingerprint. Overwrites are
// harmless since the mapping is content-addressed.
func (s *Store) PutEmbedding(fingerprint string, vector []float32) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO embedding_cache (fingerprint, embedding, created_at)
		VALUES (?, ?, ?)`,
		fingerprint, EncodeFloat32s(vector), time.Now().UTC().Format(time.RFC3339))
	return err
}

// --- Opt-outs ---

// AddOptOut registers a (platform, original author identifier) pair as
// permanently excluded.
func (s *Store) AddOptOut(platform, authorIdentifier string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO opt_outs (platform, author_identifier, created_at)
		VALUES (?, ?, ?)`,
		platform, authorIdentifier, time.Now().UTC().Format(time.RFC3339))
	return err
}

// IsOptedOut reports whether the author has opted out on the given platform.
func (s *Store) IsOptedOut(platform, authorIdentifier string) (bool, error) {
	var n int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM opt_outs WHERE platform = ? AND author_identifier = ?",
		platform, authorIdentifier).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- User display mappings ---

// UpsertUserMapping records the display name for a pseudonymous author id.
// Used only at presentation time, never for retrieval.
func (s *Store) UpsertUserMapping(authorID, platform, displayName string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_mappings (author_id, platform, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(author_id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
		authorID, platform, displayName, time.Now().UTC().Format(time.RFC3339))
	return err
}

// DisplayName returns the display name mapped to a pseudonymous author id,
// or ErrNotFound if unmapped.
func (s *Store) DisplayName(authorID string) (string, error) {
	var name string
	err := s.db.QueryRow("SELECT display_name FROM user_mappings WHERE author_id = ?", authorID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return name, err
}

// --- High-water marks ---

// Watermark returns the high-water mark for a platform. A platform never
// ingested before returns the zero time with no error.
func (s *Store) Watermark(platform string) (time.Time, error) {
	var hw string
	err := s.db.QueryRow("SELECT high_water FROM watermarks WHERE platform = ?", platform).Scan(&hw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, hw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing watermark for %s: %w", platform, err)
	}
	return t, nil
}

// SetWatermark advances the high-water mark for a platform. The mark only
// moves forward; a value at or before the current mark is a no-op.
func (s *Store) SetWatermark(platform string, t time.Time) error {
	current, err := s.Watermark(platform)
	if err != nil {
		return err
	}
	if !t.After(current) {
		return nil
	}
	_, err = s.db.Exec(`
		INSERT INTO watermarks (platform, high_water, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET high_water = excluded.high_water, updated_at = excluded.updated_at`,
		platform, t.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	return err
}

// --- Float32 blob codec ---

// EncodeFloat32s serializes a float32 slice to little-endian bytes.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func DecodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
