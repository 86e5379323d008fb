package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Gemini    GeminiConfig
	Sarvam    SarvamConfig
	Corpus    CorpusConfig
	Retrieval RetrievalConfig
	Session   SessionConfig
	Audio     AudioConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AdminToken     string
	MaxConnections int
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type SarvamConfig struct {
	APIKey   string
	BaseURL  string
	TTSModel string
	STTModel string
	Timeout  time.Duration
}

type CorpusConfig struct {
	CSVPath      string
	ArtifactPath string
}

type RetrievalConfig struct {
	TopK int
}

type SessionConfig struct {
	TTL           time.Duration
	MaxSessions   int
	SweepInterval time.Duration
}

type AudioConfig struct {
	Dir string
}

type LogConfig struct {
	Level string
}

// Addr is the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			MaxConnections: 256,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "all-minilm",
		},
		Gemini: GeminiConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:   "gemini-2.0-flash",
			Timeout: 60 * time.Second,
		},
		Sarvam: SarvamConfig{
			BaseURL:  "https://api.sarvam.ai",
			TTSModel: "bulbul:v2",
			STTModel: "saarika:v2.5",
			Timeout:  30 * time.Second,
		},
		Corpus: CorpusConfig{
			CSVPath:      "Kisan_call_center_dataset.csv",
			ArtifactPath: "rag_embeddings.db",
		},
		Retrieval: RetrievalConfig{TopK: 5},
		Session: SessionConfig{
			TTL:           24 * time.Hour,
			MaxSessions:   10000,
			SweepInterval: 5 * time.Minute,
		},
		Audio: AudioConfig{Dir: "audio_files"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads configuration in increasing precedence: built-in defaults, the
// YAML config file at ConfigFilePath, then environment variables. A .env
// file in the working directory is loaded into the environment first;
// variables already set in the process win over it.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), ".env")
}

func loadWith(b ConfigBackend, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Validate checks what the server needs before it can start.
func (c Config) Validate() error {
	var missing []string
	if c.Gemini.APIKey == "" {
		missing = append(missing, "Gemini API key (KHETSENSE_GEMINI_API_KEY or GEMINI_API_KEY)")
	}
	if c.Sarvam.APIKey == "" {
		missing = append(missing, "Sarvam API key (KHETSENSE_SARVAM_API_KEY or SARVAM_API_KEY)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive, got %d", c.Server.MaxConnections)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.ttl and session.sweep_interval must be positive")
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session.max_sessions must be positive, got %d", c.Session.MaxSessions)
	}
	return nil
}
