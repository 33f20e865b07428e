package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/communiq/communiq/internal/anonymize"
	"github.com/communiq/communiq/internal/answer"
	"github.com/communiq/communiq/internal/ingest"
	"github.com/communiq/communiq/internal/retrieve"
	"github.com/communiq/communiq/internal/storage"
	"github.com/communiq/communiq/internal/vecindex"
)

const maxRequestBodySize = 10 << 20 // 10MB; ingestion batches are large

// Deps holds everything the HTTP layer needs.
type Deps struct {
	Ingestor     *ingest.Ingestor
	Orchestrator *answer.Orchestrator
	Retriever    *retrieve.Retriever
	Store        *storage.Store
	Index        *vecindex.Index
	Token        string
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/ingest", handleIngest(deps))
		r.Post("/opt-out", handleOptOut(deps))
		r.Post("/ask", handleAsk(deps))
		r.Delete("/sessions/{id}", handleClearSession(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// IngestRequest is one collector batch.
type IngestRequest struct {
	Platform string                `json:"platform"`
	Records  []anonymize.RawRecord `json:"records"`
}

// IngestResponse reports the batch outcome plus the index generation after
// it, so collectors can tell whether anything became searchable.
type IngestResponse struct {
	ingest.Summary
	Generation uint64 `json:"generation"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Platform == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "platform is required")
			return
		}
		if len(req.Records) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "records must not be empty")
			return
		}

		summary, err := deps.Ingestor.Ingest(r.Context(), req.Platform, req.Records)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingestion failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(IngestResponse{Summary: summary, Generation: deps.Index.Generation()})
	}
}

// OptOutRequest registers a platform author as excluded.
type OptOutRequest struct {
	Platform string `json:"platform"`
	Author   string `json:"author"`
}

func handleOptOut(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req OptOutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Platform == "" || req.Author == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "platform and author are required")
			return
		}

		removed, err := deps.Ingestor.OptOut(req.Platform, req.Author)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "opt-out failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "opted_out",
			"removed_chunks": removed,
		})
	}
}

// AskRequest is one question, optionally continuing a session. An absent
// score_threshold picks the default; an explicit 0 disables the filter.
type AskRequest struct {
	SessionID      string      `json:"session_id,omitempty"`
	Question       string      `json:"question"`
	K              int         `json:"k,omitempty"`
	ScoreThreshold *float64    `json:"score_threshold,omitempty"`
	Filters        *AskFilters `json:"filters,omitempty"`
}

// AskFilters narrows retrieval for a question.
type AskFilters struct {
	Platform string    `json:"platform,omitempty"`
	Author   string    `json:"author,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Until    time.Time `json:"until,omitempty"`
}

func (f *AskFilters) options(k int, threshold *float64) retrieve.Options {
	opts := retrieve.Options{K: k, ScoreThreshold: threshold}
	if f != nil {
		opts.Platform = f.Platform
		opts.AuthorID = f.Author
		opts.Since = f.Since
		opts.Until = f.Until
	}
	return opts
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if req.ScoreThreshold != nil && (*req.ScoreThreshold < 0 || *req.ScoreThreshold > 1) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "score_threshold must be in [0, 1]")
			return
		}

		result, err := deps.Orchestrator.Ask(r.Context(), req.SessionID, req.Question,
			req.Filters.options(req.K, req.ScoreThreshold))
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "answering failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func handleClearSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !deps.Orchestrator.Clear(id) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}

		opts := retrieve.Options{
			K:        parseIntParam(r, "k", retrieve.DefaultK, 50),
			Platform: r.URL.Query().Get("platform"),
		}
		if s := r.URL.Query().Get("score_threshold"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v < 0 || v > 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "score_threshold must be in [0, 1]")
				return
			}
			opts.ScoreThreshold = retrieve.Threshold(v)
		}

		sources, err := deps.Retriever.Retrieve(r.Context(), query, opts)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		if sources == nil {
			sources = []retrieve.Source{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sources)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.Store.CountRecords()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting records: %v", err)
			return
		}
		chunks, err := deps.Store.CountChunks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting chunks: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"records":       records,
			"chunks":        chunks,
			"index_entries": deps.Index.Len(),
			"generation":    deps.Index.Generation(),
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
