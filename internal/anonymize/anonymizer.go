package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/communiq/communiq/internal/storage"
)

// ErrOptedOut is returned for records whose author has opted out. Such
// records must never reach the record store.
var ErrOptedOut = errors.New("author opted out")

// ErrMalformed is returned for raw records missing required fields. The
// caller skips the single record and continues the batch.
var ErrMalformed = errors.New("malformed record")

// RawRecord is the loosely-shaped input emitted by platform collectors.
// Everything downstream of the Anonymizer works on storage.Record only.
type RawRecord struct {
	Platform   string            `json:"platform"`
	Text       string            `json:"text"`
	Author     string            `json:"author"`
	AuthorName string            `json:"author_name,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	SourceURL  string            `json:"url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Redaction patterns and their replacement tokens. URL paths are handled
// separately because the host is kept.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern = regexp.MustCompile(`(\+?1[-.\s])?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	ipPattern    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

const (
	emailToken = "[EMAIL_REDACTED]"
	cardToken  = "[CARD_REDACTED]"
	ssnToken   = "[SSN_REDACTED]"
	phoneToken = "[PHONE_REDACTED]"
	urlToken   = "[URL_REDACTED]"
	ipToken    = "[IP_REDACTED]"
)

// MappingStore is the slice of storage the Anonymizer needs: the opt-out set
// and the privileged pseudonym-to-display-name mapping table.
type MappingStore interface {
	IsOptedOut(platform, authorIdentifier string) (bool, error)
	UpsertUserMapping(authorID, platform, displayName string) error
}

// Anonymizer scrubs PII from raw records and maps authors to stable
// pseudonymous ids before anything is persisted.
type Anonymizer struct {
	store MappingStore
}

// New creates an Anonymizer backed by the given mapping store.
func New(store MappingStore) *Anonymizer {
	return &Anonymizer{store: store}
}

// Sanitize validates a raw record, rejects opted-out authors, scrubs PII
// from the text, and produces a storage.Record with a pseudonymous author id
// and a content fingerprint. The record id is derived from the fingerprint,
// so identical content maps to the same id on every run.
func (a *Anonymizer) Sanitize(raw RawRecord) (storage.Record, error) {
	if raw.Platform == "" || raw.Author == "" || strings.TrimSpace(raw.Text) == "" {
		return storage.Record{}, fmt.Errorf("%w: platform, author, and text are required", ErrMalformed)
	}
	if raw.Timestamp.IsZero() {
		return storage.Record{}, fmt.Errorf("%w: timestamp is required", ErrMalformed)
	}

	optedOut, err := a.store.IsOptedOut(raw.Platform, raw.Author)
	if err != nil {
		return storage.Record{}, fmt.Errorf("checking opt-out: %w", err)
	}
	if optedOut {
		return storage.Record{}, ErrOptedOut
	}

	authorID := PseudonymID(raw.Platform, raw.Author)
	if raw.AuthorName != "" {
		if err := a.store.UpsertUserMapping(authorID, raw.Platform, raw.AuthorName); err != nil {
			return storage.Record{}, fmt.Errorf("updating user mapping: %w", err)
		}
	}

	text := ScrubText(raw.Text)
	fingerprint := Fingerprint(text, authorID, raw.Timestamp)

	metadata := "{}"
	if len(raw.Metadata) > 0 {
		scrubbed := make(map[string]string, len(raw.Metadata))
		for k, v := range raw.Metadata {
			scrubbed[k] = ScrubText(v)
		}
		b, err := json.Marshal(scrubbed)
		if err != nil {
			return storage.Record{}, fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(b)
	}

	return storage.Record{
		ID:          "rec_" + fingerprint[:16],
		Platform:    raw.Platform,
		Content:     text,
		AuthorID:    authorID,
		Timestamp:   raw.Timestamp.UTC(),
		SourceURL:   raw.SourceURL,
		Metadata:    metadata,
		Fingerprint: fingerprint,
	}, nil
}

// ScrubText replaces email-like, phone-like, and other sensitive substrings
// with fixed placeholder tokens. URLs keep scheme and host; the path is
// dropped since issue/PR paths frequently embed usernames.
func ScrubText(text string) string {
	if text == "" {
		return text
	}
	out := urlPattern.ReplaceAllStringFunc(text, scrubURL)
	out = emailPattern.ReplaceAllString(out, emailToken)
	out = cardPattern.ReplaceAllString(out, cardToken)
	out = ssnPattern.ReplaceAllString(out, ssnToken)
	out = phonePattern.ReplaceAllString(out, phoneToken)
	out = ipPattern.ReplaceAllString(out, ipToken)
	return out
}

func scrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return urlToken
	}
	if u.Path == "" || u.Path == "/" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/[PATH_REDACTED]"
}

// PseudonymID derives a stable pseudonymous author id from the platform and
// the original author identifier. One-way: recovering the original requires
// the privileged mapping table, not this function.
func PseudonymID(platform, authorIdentifier string) string {
	sum := sha256.Sum256([]byte(platform + "|" + authorIdentifier))
	return "user_" + hex.EncodeToString(sum[:])[:12]
}

// Fingerprint computes the content fingerprint of a record: a hash of the
// scrubbed text, the pseudonymous author, and the hour-bucketed timestamp.
// The bucket absorbs sub-second timestamp jitter between collector runs
// without letting distinct messages collide.
func Fingerprint(text, authorID string, ts time.Time) string {
	bucket := ts.UTC().Truncate(time.Hour).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(normalizeForFingerprint(text) + "|" + authorID + "|" + bucket))
	return hex.EncodeToString(sum[:])
}

// ChunkFingerprint computes the content fingerprint of a chunk span or a
// query string, used as the embedding cache key.
func ChunkFingerprint(text string) string {
	sum := sha256.Sum256([]byte(normalizeForFingerprint(text)))
	return hex.EncodeToString(sum[:])
}

func normalizeForFingerprint(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
