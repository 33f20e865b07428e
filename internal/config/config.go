package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig
	Model   ModelConfig
	Storage StorageConfig
	Ingest  IngestConfig
	Query   QueryConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type ModelConfig struct {
	BaseURL    string
	APIKey     string
	EmbedModel string
	ChatModel  string
}

type StorageConfig struct {
	DataDir string
}

type IngestConfig struct {
	Workers      int
	ChunkMaxLen  int
	ChunkOverlap int
}

type QueryConfig struct {
	TopK              int
	ScoreThreshold    float64
	MaxContextTokens  int
	SessionTTLMinutes int
	MaxTurns          int
	CacheSize         int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Model: ModelConfig{
			BaseURL:    "https://api.openai.com/v1",
			EmbedModel: "text-embedding-3-small",
			ChatModel:  "gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			Workers:      4,
			ChunkMaxLen:  1000,
			ChunkOverlap: 200,
		},
		Query: QueryConfig{
			TopK:              5,
			ScoreThreshold:    0.5,
			MaxContextTokens:  4000,
			SessionTTLMinutes: 30,
			MaxTurns:          10,
			CacheSize:         512,
		},
	}
}

const (
	keychainService    = "communiq"
	apiKeyAccount      = "model_api_key"
	serverTokenAccount = "server_token"
)

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.communiq.app) and secrets
// fall back to macOS Keychain. On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/communiq/config.json and secrets fall back to a
// mode-0600 secrets file under $XDG_DATA_HOME/communiq.
//
// Environment variables (COMMUNIQ_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets fall back to the platform secret store when neither the
	// environment nor the backend provided them.
	if cfg.Model.APIKey == "" {
		if key, err := kc.Get(keychainService, apiKeyAccount); err == nil && key != "" {
			cfg.Model.APIKey = key
		}
	}
	if cfg.Server.Token == "" {
		if tok, err := kc.Get(keychainService, serverTokenAccount); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}

	if cfg.Model.APIKey == "" {
		msg := "missing required config: model API key. " +
			"Set it via environment variable COMMUNIQ_MODEL_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", cfg.Server.Port)
	}
	if cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkMaxLen {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than ingest.chunk_max_len (%d)",
			cfg.Ingest.ChunkOverlap, cfg.Ingest.ChunkMaxLen)
	}
	if cfg.Query.ScoreThreshold < 0 || cfg.Query.ScoreThreshold > 1 {
		return fmt.Errorf("query.score_threshold %g must be in [0, 1]", cfg.Query.ScoreThreshold)
	}
	return nil
}

// EnsureServerToken returns the configured bearer token, generating and
// persisting a random one in the platform secret store on first run.
func EnsureServerToken(cfg Config) (string, error) {
	if cfg.Server.Token != "" {
		return cfg.Server.Token, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating server token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := keychainSet(keychainService, serverTokenAccount, token); err != nil {
		return "", fmt.Errorf("storing server token: %w", err)
	}
	return token, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
