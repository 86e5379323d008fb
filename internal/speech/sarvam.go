// Package speech converts between text and audio using the Sarvam AI REST API.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL  = "https://api.sarvam.ai"
	DefaultTTSModel = "bulbul:v2"
	DefaultSTTModel = "saarika:v2.5"
	DefaultTimeout  = 30 * time.Second
	DefaultLanguage = "en-IN"
	DefaultVoice    = "female"
)

// SupportedLanguages lists the language codes accepted for speech in both
// directions.
var SupportedLanguages = []string{"en-IN", "hi-IN", "bn-IN", "te-IN", "mr-IN", "ta-IN", "gu-IN"}

// speakers maps a requested voice to a Sarvam speaker.
var speakers = map[string]string{
	"female": "anushka",
	"male":   "abhilash",
}

var (
	ErrUnsupportedLanguage = errors.New("unsupported language selected")
	ErrEmptyTranscript     = errors.New("no transcript returned")
	ErrNotConfigured       = errors.New("speech service is not configured")
)

// APIError is a non-2xx response from Sarvam.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sarvam: HTTP %d: %s", e.StatusCode, e.Message)
}

// Supported reports whether lang is one of SupportedLanguages.
func Supported(lang string) bool {
	for _, l := range SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Speaker returns the Sarvam speaker for voice, falling back to the female
// speaker for unknown values.
func Speaker(voice string) string {
	if s, ok := speakers[strings.ToLower(voice)]; ok {
		return s
	}
	return speakers[DefaultVoice]
}

// Config holds Sarvam client settings. Empty fields use the defaults.
type Config struct {
	APIKey   string
	BaseURL  string
	TTSModel string
	STTModel string
	Timeout  time.Duration
}

// Client talks to the Sarvam text-to-speech and speech-to-text endpoints.
type Client struct {
	apiKey     string
	baseURL    string
	ttsModel   string
	sttModel   string
	httpClient *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	c := &Client{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		ttsModel: cfg.TTSModel,
		sttModel: cfg.STTModel,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.ttsModel == "" {
		c.ttsModel = DefaultTTSModel
	}
	if c.sttModel == "" {
		c.sttModel = DefaultSTTModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.httpClient = &http.Client{Timeout: timeout}
	return c
}

type ttsRequest struct {
	Text                string `json:"text"`
	TargetLanguageCode  string `json:"target_language_code"`
	Model               string `json:"model"`
	Speaker             string `json:"speaker"`
	EnablePreprocessing bool   `json:"enable_preprocessing"`
}

type ttsResponse struct {
	Audios []string `json:"audios"`
}

// Synthesize converts text to WAV audio in the given language and voice.
func (c *Client) Synthesize(ctx context.Context, text, language, voice string) ([]byte, error) {
	if !Supported(language) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(ttsRequest{
		Text:                text,
		TargetLanguageCode:  language,
		Model:               c.ttsModel,
		Speaker:             Speaker(voice),
		EnablePreprocessing: true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/text-to-speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out ttsResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("text to speech: %w", err)
	}
	if len(out.Audios) == 0 {
		return nil, fmt.Errorf("text to speech: response has no audio")
	}

	var audio []byte
	for i, a := range out.Audios {
		chunk, err := base64.StdEncoding.DecodeString(a)
		if err != nil {
			return nil, fmt.Errorf("decoding audio chunk %d: %w", i, err)
		}
		audio = append(audio, chunk...)
	}
	return audio, nil
}

type sttResponse struct {
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
}

// Transcribe converts recorded audio to text. An empty transcript is
// reported as ErrEmptyTranscript.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if !Supported(language) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}
	if filename == "" {
		filename = "audio.wav"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return "", err
	}
	mw.WriteField("model", c.sttModel)
	mw.WriteField("language_code", language)
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/speech-to-text", &buf)
	if err != nil {
		return "", fmt.Errorf("creating stt request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out sttResponse
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("speech to text: %w", err)
	}
	transcript := strings.TrimSpace(out.Transcript)
	if transcript == "" {
		return "", ErrEmptyTranscript
	}
	return transcript, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("api-subscription-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
