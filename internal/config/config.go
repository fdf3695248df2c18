package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Worker   WorkerConfig
	Search   SearchConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port      int
	Token     string
	WarmModel bool
}

// ProviderConfig selects and tunes the embedding backend. Kind is
// "ollama" or "openai"; the vision model handles image captioning and
// is only consulted for image attachments.
type ProviderConfig struct {
	Kind         string
	OllamaURL    string
	EmbedModel   string
	VisionModel  string
	Dimensions   int
	OpenAIModel  string
	OpenAIAPIKey string
}

type WorkerConfig struct {
	// Durations as strings ("2s", "5m"); "0" disables the reconcile
	// ticker.
	PollInterval      string
	ReconcileInterval string
}

type SearchConfig struct {
	Limit     int
	Threshold float64
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:      4400,
			WarmModel: true,
		},
		Provider: ProviderConfig{
			Kind:        "ollama",
			OllamaURL:   "http://localhost:11434",
			EmbedModel:  "nomic-embed-text",
			VisionModel: "llava",
			Dimensions:  768,
			OpenAIModel: "text-embedding-3-small",
		},
		Worker: WorkerConfig{
			PollInterval:      "2s",
			ReconcileInterval: "0",
		},
		Search: SearchConfig{
			Limit:     5,
			Threshold: 0.25,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env
// file if present, environment variables, and the platform secret
// store.
//
// On macOS the backend is UserDefaults (domain: com.notevec.app) and
// secrets fall back to macOS Keychain. On Linux the backend is a JSON
// file at $XDG_CONFIG_HOME/notevec/config.json and secrets live in a
// mode-0600 secrets file or environment variables.
//
// Environment variables (NOTEVEC_*) override backend values on all
// platforms.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const (
	keychainService  = "notevec"
	accountAPIToken  = "api_token"
	accountOpenAIKey = "openai_api_key"
)

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Token == "" {
		if tok, err := kc.Get(keychainService, accountAPIToken); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}
	if cfg.Server.Token == "" {
		return Config{}, fmt.Errorf("missing required config: API token. "+
			"Set it via environment variable NOTEVEC_API_TOKEN%s", apiKeyHint(accountAPIToken))
	}

	switch cfg.Provider.Kind {
	case "ollama":
	case "openai":
		if cfg.Provider.OpenAIAPIKey == "" {
			// The conventional variable works too.
			cfg.Provider.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
		}
		if cfg.Provider.OpenAIAPIKey == "" {
			if key, err := kc.Get(keychainService, accountOpenAIKey); err == nil && key != "" {
				cfg.Provider.OpenAIAPIKey = key
			}
		}
		if cfg.Provider.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("missing required config: OpenAI API key for provider %q. "+
				"Set it via environment variable NOTEVEC_OPENAI_API_KEY%s",
				cfg.Provider.Kind, apiKeyHint(accountOpenAIKey))
		}
	default:
		return Config{}, fmt.Errorf("unknown provider kind %q (want %q or %q)", cfg.Provider.Kind, "ollama", "openai")
	}

	if _, err := time.ParseDuration(cfg.Worker.PollInterval); err != nil {
		return Config{}, fmt.Errorf("invalid worker.poll_interval %q: %w", cfg.Worker.PollInterval, err)
	}
	if _, err := time.ParseDuration(cfg.Worker.ReconcileInterval); err != nil {
		return Config{}, fmt.Errorf("invalid worker.reconcile_interval %q: %w", cfg.Worker.ReconcileInterval, err)
	}

	return cfg, nil
}

// Poll returns the parsed worker poll interval. Load validated the
// string form.
func (c WorkerConfig) Poll() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

// Reconcile returns the parsed reconcile interval; zero disables it.
func (c WorkerConfig) Reconcile() time.Duration {
	d, _ := time.ParseDuration(c.ReconcileInterval)
	return d
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
