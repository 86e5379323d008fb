// Package chat runs one conversational turn end to end: it resolves the
// session, asks the dialogue manager for a reply and commits the exchange to
// the session history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/khetsense/khetsense/internal/composer"
	"github.com/khetsense/khetsense/internal/metrics"
	"github.com/khetsense/khetsense/internal/session"
	"github.com/khetsense/khetsense/internal/speech"
)

// ErrEmptyMessage is returned when a turn carries no question text.
var ErrEmptyMessage = errors.New("message is required")

// Responder produces assistant replies.
type Responder interface {
	Respond(ctx context.Context, history []session.Entry, useRAG bool) (string, error)
	RespondWithImage(ctx context.Context, image []byte, message, mimeType string, useRAG bool) (string, error)
}

// Speech converts between text and audio.
type Speech interface {
	Synthesize(ctx context.Context, text, language, voice string) ([]byte, error)
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

// AudioStore persists synthesized speech and returns its file name.
type AudioStore interface {
	SaveSpeech(data []byte) (string, error)
}

// Reply is the result of a text or image turn.
type Reply struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

// VoiceReply is the result of a voice turn.
type VoiceReply struct {
	Transcript string `json:"transcript"`
	Response   string `json:"response"`
	SessionID  string `json:"session_id"`
}

// Service wires sessions, dialogue and speech together.
type Service struct {
	sessions *session.Store
	dialogue Responder
	speech   Speech
	audio    AudioStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewService creates a Service. logger and m may be nil.
func NewService(sessions *session.Store, dialogue Responder, sp Speech, audio AudioStore, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions: sessions,
		dialogue: dialogue,
		speech:   sp,
		audio:    audio,
		logger:   logger,
		metrics:  m,
	}
}

// Text answers a typed question. The location, when given, is folded into
// the stored user message so later turns keep it in view.
func (s *Service) Text(ctx context.Context, sessionID, message, location string) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{SessionID: sessionID}, ErrEmptyMessage
	}

	var reply string
	id, err := s.sessions.Turn(sessionID, func(id string, history []session.Entry) ([]session.Entry, error) {
		s.logger.Info("processing message", "session_id", id, "history_len", len(history))
		user := session.Entry{Role: session.RoleUser, Content: withLocation(message, location)}

		var err error
		reply, err = s.dialogue.Respond(ctx, append(history, user), true)
		if err != nil {
			return nil, err
		}
		return []session.Entry{user, {Role: session.RoleAgent, Content: reply}}, nil
	})
	s.metrics.Turn("text", err)
	if err != nil {
		s.logger.Error("chat turn failed", "session_id", id, "error", err)
		return Reply{SessionID: id}, err
	}
	s.logger.Info("response generated", "session_id", id)
	return Reply{Response: reply, SessionID: id}, nil
}

// Image answers a question about an uploaded image. History is recorded but
// not replayed to the model.
func (s *Service) Image(ctx context.Context, sessionID string, image []byte, mimeType, message, location string) (Reply, error) {
	if strings.TrimSpace(message) == "" {
		return Reply{SessionID: sessionID}, ErrEmptyMessage
	}

	prompt := "User's Question: " + message
	if location != "" {
		prompt = "User's Location: " + location + "\n" + prompt
	}

	var reply string
	id, err := s.sessions.Turn(sessionID, func(id string, _ []session.Entry) ([]session.Entry, error) {
		s.logger.Info("processing image message", "session_id", id, "image_bytes", len(image))

		var err error
		reply, err = s.dialogue.RespondWithImage(ctx, image, prompt, mimeType, true)
		if err != nil {
			return nil, err
		}
		return []session.Entry{
			{Role: session.RoleUser, Content: "[Image uploaded] " + message},
			{Role: session.RoleAgent, Content: reply},
		}, nil
	})
	s.metrics.Turn("image", err)
	if err != nil {
		s.logger.Error("image turn failed", "session_id", id, "error", err)
		return Reply{SessionID: id}, err
	}
	return Reply{Response: reply, SessionID: id}, nil
}

// Voice transcribes a recording and answers it as a text turn. A session
// without a system entry gets the persona recorded first; the prompt
// assembler never sends system entries, so it only marks the session as
// voice-initiated.
func (s *Service) Voice(ctx context.Context, sessionID string, audio []byte, filename, language, location string) (VoiceReply, error) {
	transcript, err := s.Transcribe(ctx, audio, filename, language)
	if err != nil {
		return VoiceReply{SessionID: sessionID}, err
	}

	var reply string
	id, err := s.sessions.Turn(sessionID, func(id string, history []session.Entry) ([]session.Entry, error) {
		var added []session.Entry
		if !hasSystemEntry(history) {
			added = append(added, session.Entry{Role: session.RoleSystem, Content: composer.Persona})
		}
		added = append(added, session.Entry{Role: session.RoleUser, Content: withLocation(transcript, location)})

		var err error
		reply, err = s.dialogue.Respond(ctx, append(history, added...), true)
		if err != nil {
			return nil, err
		}
		return append(added, session.Entry{Role: session.RoleAgent, Content: reply}), nil
	})
	s.metrics.Turn("voice", err)
	if err != nil {
		s.logger.Error("voice turn failed", "session_id", id, "error", err)
		return VoiceReply{Transcript: transcript, SessionID: id}, err
	}
	return VoiceReply{Transcript: transcript, Response: reply, SessionID: id}, nil
}

// Reset drops a session. It reports whether the session existed.
func (s *Service) Reset(sessionID string) bool {
	ok := s.sessions.Reset(sessionID)
	s.logger.Info("session reset", "session_id", sessionID, "found", ok)
	return ok
}

// Speak synthesizes text and stores the audio, returning its file name.
func (s *Service) Speak(ctx context.Context, text, language, voice string) (string, error) {
	if !speech.Supported(language) {
		return "", fmt.Errorf("%w: %q", speech.ErrUnsupportedLanguage, language)
	}
	s.logger.Info("generating speech", "language", language, "voice", voice)

	start := time.Now()
	audio, err := s.speech.Synthesize(ctx, text, language, voice)
	s.metrics.ObserveBackend("sarvam", "tts", start, err)
	if err != nil {
		s.logger.Error("speech synthesis failed", "error", err)
		return "", err
	}
	name, err := s.audio.SaveSpeech(audio)
	if err != nil {
		return "", fmt.Errorf("saving speech: %w", err)
	}
	return name, nil
}

// Transcribe converts a recording to text in the given language.
func (s *Service) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if !speech.Supported(language) {
		return "", fmt.Errorf("%w: %q", speech.ErrUnsupportedLanguage, language)
	}
	start := time.Now()
	transcript, err := s.speech.Transcribe(ctx, audio, filename, language)
	s.metrics.ObserveBackend("sarvam", "stt", start, err)
	if err != nil {
		s.logger.Error("transcription failed", "language", language, "bytes", len(audio), "error", err)
		return "", err
	}
	s.logger.Info("transcribed audio", "language", language, "transcript", transcript)
	return transcript, nil
}

func withLocation(message, location string) string {
	if location == "" {
		return message
	}
	return "Context: The user is in " + location + ". Question: " + message
}

func hasSystemEntry(history []session.Entry) bool {
	for _, e := range history {
		if e.Role == session.RoleSystem {
			return true
		}
	}
	return false
}
