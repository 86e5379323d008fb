package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/khetsense/khetsense/internal/chat"
	"github.com/khetsense/khetsense/internal/metrics"
	"github.com/khetsense/khetsense/internal/retrieval"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadSize      = 10 << 20 // 10MB, images are further capped by the dialogue manager
	maxSearchK         = 50
)

// ChatService is the conversational surface the handlers drive.
type ChatService interface {
	Text(ctx context.Context, sessionID, message, location string) (chat.Reply, error)
	Image(ctx context.Context, sessionID string, image []byte, mimeType, message, location string) (chat.Reply, error)
	Voice(ctx context.Context, sessionID string, audio []byte, filename, language, location string) (chat.VoiceReply, error)
	Reset(sessionID string) bool
	Speak(ctx context.Context, text, language, voice string) (string, error)
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// Searcher runs a similarity search over the corpus.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.Result, error)
}

// AudioFiles is the on-disk audio folder.
type AudioFiles interface {
	Reset() error
	SaveRecording(data []byte) (string, error)
	Handler() http.Handler
}

// Deps holds the dependencies of the HTTP API.
type Deps struct {
	Chat     ChatService
	Searcher Searcher
	Audio    AudioFiles
	Metrics  *metrics.Metrics // optional
	Logger   *slog.Logger     // optional

	// AdminToken protects POST /reset-audio when non-empty.
	AdminToken string
	// TopK is the default k for GET /api/search.
	TopK int
}

// NewHandler returns the KhetSense HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.TopK <= 0 {
		deps.TopK = retrieval.DefaultTopK
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(CORS)
	r.Use(deps.Metrics.Middleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth)
		r.Post("/chat", handleChat(deps))
		r.Post("/chat/image", handleChatImage(deps))
		r.Post("/chat/reset", handleChatReset(deps))
		r.Post("/speak", handleSpeak(deps))
		r.Post("/transcribe", handleTranscribe(deps))
		r.Post("/audio-chat", handleAudioChat(deps))
		r.Post("/save-audio", handleSaveAudio(deps))
		r.Get("/search", handleSearch(deps))
	})

	r.Group(func(r chi.Router) {
		if deps.AdminToken != "" {
			r.Use(BearerAuth(deps.AdminToken))
		}
		r.Post("/reset-audio", handleResetAudio(deps))
	})

	r.Handle("/audio/*", http.StripPrefix("/audio", deps.Audio.Handler()))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	return r
}
