package model

import "errors"

// ErrRateLimited is returned on HTTP 429 from a model endpoint. Callers back
// off the whole batch instead of retrying the single request.
var ErrRateLimited = errors.New("model rate limited")

// ErrUnavailable is returned on timeouts, transport failures, and 5xx-class
// responses. Transient: safe to retry with backoff on the ingestion path.
var ErrUnavailable = errors.New("model unavailable")
