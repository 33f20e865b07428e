package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COMMUNIQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "COMMUNIQ_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "model.base_url", typ: kString, env: "COMMUNIQ_MODEL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Model.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.BaseURL },
	},
	{
		key: "model.api_key", typ: kString, env: "COMMUNIQ_MODEL_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Model.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.APIKey },
	},
	{
		key: "model.embed_model", typ: kString, env: "COMMUNIQ_MODEL_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Model.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.EmbedModel },
	},
	{
		key: "model.chat_model", typ: kString, env: "COMMUNIQ_MODEL_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Model.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.ChatModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COMMUNIQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ingest.workers", typ: kInt, env: "COMMUNIQ_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.chunk_max_len", typ: kInt, env: "COMMUNIQ_INGEST_CHUNK_MAX_LEN",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkMaxLen = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkMaxLen },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "COMMUNIQ_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "query.top_k", typ: kInt, env: "COMMUNIQ_QUERY_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Query.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.TopK },
	},
	{
		key: "query.score_threshold", typ: kFloat, env: "COMMUNIQ_QUERY_SCORE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Query.ScoreThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Query.ScoreThreshold },
	},
	{
		key: "query.max_context_tokens", typ: kInt, env: "COMMUNIQ_QUERY_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Query.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.MaxContextTokens },
	},
	{
		key: "query.session_ttl_minutes", typ: kInt, env: "COMMUNIQ_QUERY_SESSION_TTL_MINUTES",
		apply:   func(cfg *Config, v any) { cfg.Query.SessionTTLMinutes = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.SessionTTLMinutes },
	},
	{
		key: "query.max_turns", typ: kInt, env: "COMMUNIQ_QUERY_MAX_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Query.MaxTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.MaxTurns },
	},
	{
		key: "query.cache_size", typ: kInt, env: "COMMUNIQ_QUERY_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Query.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.CacheSize },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
