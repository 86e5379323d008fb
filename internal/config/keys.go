package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	alias   string // legacy env name consulted when env is unset
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "KHETSENSE_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "KHETSENSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.admin_token", typ: kString, env: "KHETSENSE_ADMIN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AdminToken },
	},
	{
		key: "server.max_connections", typ: kInt, env: "KHETSENSE_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "ollama.base_url", typ: kString, env: "KHETSENSE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "KHETSENSE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "gemini.api_key", typ: kString, env: "KHETSENSE_GEMINI_API_KEY", alias: "GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.base_url", typ: kString, env: "KHETSENSE_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "gemini.model", typ: kString, env: "KHETSENSE_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "gemini.timeout", typ: kDuration, env: "KHETSENSE_GEMINI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gemini.Timeout },
	},
	{
		key: "sarvam.api_key", typ: kString, env: "KHETSENSE_SARVAM_API_KEY", alias: "SARVAM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sarvam.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Sarvam.APIKey },
	},
	{
		key: "sarvam.base_url", typ: kString, env: "KHETSENSE_SARVAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sarvam.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sarvam.BaseURL },
	},
	{
		key: "sarvam.tts_model", typ: kString, env: "KHETSENSE_SARVAM_TTS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Sarvam.TTSModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Sarvam.TTSModel },
	},
	{
		key: "sarvam.stt_model", typ: kString, env: "KHETSENSE_SARVAM_STT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Sarvam.STTModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Sarvam.STTModel },
	},
	{
		key: "sarvam.timeout", typ: kDuration, env: "KHETSENSE_SARVAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sarvam.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sarvam.Timeout },
	},
	{
		key: "corpus.csv_path", typ: kString, env: "KHETSENSE_CORPUS_CSV_PATH",
		apply:   func(cfg *Config, v any) { cfg.Corpus.CSVPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.CSVPath },
	},
	{
		key: "corpus.artifact_path", typ: kString, env: "KHETSENSE_CORPUS_ARTIFACT_PATH",
		apply:   func(cfg *Config, v any) { cfg.Corpus.ArtifactPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.ArtifactPath },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "KHETSENSE_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "session.ttl", typ: kDuration, env: "KHETSENSE_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.TTL },
	},
	{
		key: "session.max_sessions", typ: kInt, env: "KHETSENSE_SESSION_MAX_SESSIONS",
		apply:   func(cfg *Config, v any) { cfg.Session.MaxSessions = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.MaxSessions },
	},
	{
		key: "session.sweep_interval", typ: kDuration, env: "KHETSENSE_SESSION_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Session.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.SweepInterval },
	},
	{
		key: "audio.dir", typ: kString, env: "KHETSENSE_AUDIO_DIR",
		apply:   func(cfg *Config, v any) { cfg.Audio.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Audio.Dir },
	},
	{
		key: "log.level", typ: kString, env: "KHETSENSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
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
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("invalid duration for %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := s.env, os.Getenv(s.env)
		if raw == "" && s.alias != "" {
			name, raw = s.alias, os.Getenv(s.alias)
		}
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
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}
