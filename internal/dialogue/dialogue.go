// Package dialogue turns chat history or an image plus a question into a
// single assistant reply, optionally grounded with retrieved corpus texts.
package dialogue

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
)

// MaxImageBytes is the largest accepted image upload.
const MaxImageBytes = 4 * 1024 * 1024

// DefaultTimeout bounds each generation call when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// contextSize is how many corpus texts are attached to a prompt.
const contextSize = 5

// Generator sends role-tagged blocks to a generation backend and returns
// the reply text. Implementations report failures with the error types of
// this package.
type Generator interface {
	Generate(ctx context.Context, blocks []composer.Block) (string, error)
}

// Retriever returns the k corpus texts most similar to query.
type Retriever interface {
	TopK(ctx context.Context, query string, k int) ([]string, error)
}

// Options configures a Manager.
type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager produces assistant replies. It holds no per-session state and is
// safe for concurrent use.
type Manager struct {
	gen       Generator
	retriever Retriever
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a Manager. gen may be nil, in which case every call fails
// with ErrBackendUnavailable.
func New(gen Generator, retriever Retriever, opts Options) *Manager {
	m := &Manager{
		gen:       gen,
		retriever: retriever,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Available reports whether a generation backend is configured.
func (m *Manager) Available() bool {
	return m.gen != nil
}

// Respond answers the latest question in history. With useRAG and a
// non-empty history, the corpus texts closest to the latest user message
// are attached to the persona block. System entries are never sent.
func (m *Manager) Respond(ctx context.Context, history []session.Entry, useRAG bool) (string, error) {
	if !m.Available() {
		return "", ErrBackendUnavailable
	}

	withContext := useRAG && len(history) > 0
	var texts []string
	if withContext {
		var err error
		texts, err = m.retrieve(ctx, composer.LatestUserMessage(history))
		if err != nil {
			return "", err
		}
	}

	blocks := composer.Conversation(history, texts, withContext)
	m.logger.Debug("generating reply", "blocks", len(blocks), "approx_tokens", composer.EstimateTokens(blocks))
	return m.generate(ctx, "respond", blocks)
}

// RespondWithImage answers message about an image in two independent
// calls: the first describes the image, the second answers using that
// description and, with useRAG, corpus texts matched against message.
// History is never replayed on this path.
func (m *Manager) RespondWithImage(ctx context.Context, image []byte, message, mimeType string, useRAG bool) (string, error) {
	if len(image) > MaxImageBytes {
		return "", ErrImageTooLarge
	}
	if !m.Available() {
		return "", ErrBackendUnavailable
	}

	description, err := m.generate(ctx, "describe_image", composer.ImageDescriptionRequest(image, mimeType, message))
	if err != nil {
		return "", err
	}
	combined := composer.CombineImageAnswer(description, message)
	m.logger.Info("image described", "combined_prompt", combined)

	var texts []string
	if useRAG {
		texts, err = m.retrieve(ctx, message)
		if err != nil {
			return "", err
		}
	}

	return m.generate(ctx, "answer_image", composer.ImageAnswerRequest(combined, texts, useRAG))
}

func (m *Manager) retrieve(ctx context.Context, query string) ([]string, error) {
	start := time.Now()
	texts, err := m.retriever.TopK(ctx, query, contextSize)
	m.metrics.ObserveBackend("retrieval", "top_k", start, err)
	if err != nil {
		return nil, fmt.Errorf("retrieving context: %w", err)
	}

	m.logger.Info("retrieved context", "chunks", len(texts))
	for i, t := range texts {
		m.logger.Debug("context chunk", "rank", i+1, "preview", preview(t, 80))
	}
	return texts, nil
}

// generate runs one backend call under the per-call timeout and returns the
// trimmed reply.
func (m *Manager) generate(ctx context.Context, op string, blocks []composer.Block) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	reply, err := m.gen.Generate(callCtx, blocks)
	if err != nil && !errors.Is(err, ErrBackendTimeout) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s after %s", ErrBackendTimeout, op, m.timeout)
	}
	m.metrics.ObserveBackend("gemini", op, start, err)
	if err != nil {
		m.logger.Error("generation failed", "op", op, "error", err)
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
