package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/khetsense/khetsense/internal/audio"
	"github.com/khetsense/khetsense/internal/chat"
	"github.com/khetsense/khetsense/internal/dialogue"
	"github.com/khetsense/khetsense/internal/metrics"
	"github.com/khetsense/khetsense/internal/speech"
)

type call struct {
	sessionID, message, location, language, voice, filename, mimeType string
	payload                                                           []byte
}

type mockChat struct {
	mu    sync.Mutex
	calls []call
	reply string
	err   error

	transcript string
	speechFile string
	known      map[string]bool
}

func (m *mockChat) record(c call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *mockChat) last(t *testing.T) call {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("chat service was not called")
	}
	return m.calls[len(m.calls)-1]
}

func (m *mockChat) id(sessionID string) string {
	if sessionID == "" {
		return "generated-id"
	}
	return sessionID
}

func (m *mockChat) Text(_ context.Context, sessionID, message, location string) (chat.Reply, error) {
	m.record(call{sessionID: sessionID, message: message, location: location})
	if m.err != nil {
		return chat.Reply{SessionID: m.id(sessionID)}, m.err
	}
	return chat.Reply{Response: m.reply, SessionID: m.id(sessionID)}, nil
}

func (m *mockChat) Image(_ context.Context, sessionID string, image []byte, mimeType, message, location string) (chat.Reply, error) {
	m.record(call{sessionID: sessionID, message: message, location: location, mimeType: mimeType, payload: image})
	if m.err != nil {
		return chat.Reply{SessionID: m.id(sessionID)}, m.err
	}
	return chat.Reply{Response: m.reply, SessionID: m.id(sessionID)}, nil
}

func (m *mockChat) Voice(_ context.Context, sessionID string, data []byte, filename, language, location string) (chat.VoiceReply, error) {
	m.record(call{sessionID: sessionID, language: language, location: location, filename: filename, payload: data})
	if m.err != nil {
		return chat.VoiceReply{SessionID: m.id(sessionID)}, m.err
	}
	return chat.VoiceReply{Transcript: m.transcript, Response: m.reply, SessionID: m.id(sessionID)}, nil
}

func (m *mockChat) Reset(sessionID string) bool {
	m.record(call{sessionID: sessionID})
	return m.known[sessionID]
}

func (m *mockChat) Speak(_ context.Context, text, language, voice string) (string, error) {
	m.record(call{message: text, language: language, voice: voice})
	if m.err != nil {
		return "", m.err
	}
	return m.speechFile, nil
}

func (m *mockChat) Transcribe(_ context.Context, data []byte, filename, language string) (string, error) {
	m.record(call{language: language, filename: filename, payload: data})
	if m.err != nil {
		return "", m.err
	}
	return m.transcript, nil
}

func setupHandler(t *testing.T, c *mockChat, s *mockSearcher, adminToken string) (http.Handler, *audio.Dir) {
	t.Helper()
	if s == nil {
		s = &mockSearcher{}
	}
	dir := audio.New(t.TempDir())
	h := NewHandler(Deps{
		Chat:       c,
		Searcher:   s,
		Audio:      dir,
		Metrics:    metrics.New(),
		AdminToken: adminToken,
		TopK:       5,
	})
	return h, dir
}

func formReq(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func multipartReq(t *testing.T, path, fileField, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return body
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("body = %v, want error object", body)
	}
	return e["type"].(string)
}

func TestHealth(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{}, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := decodeBody(t, rr); body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestChat_OK(t *testing.T) {
	c := &mockChat{reply: "Apply 50 kg urea per acre."}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, formReq("/api/chat", url.Values{
		"message":    {"How much urea for wheat?"},
		"session_id": {"s1"},
		"location":   {"Punjab"},
	}))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["response"] != "Apply 50 kg urea per acre." || body["session_id"] != "s1" {
		t.Errorf("body = %v", body)
	}
	got := c.last(t)
	if got.message != "How much urea for wheat?" || got.location != "Punjab" || got.sessionID != "s1" {
		t.Errorf("call = %+v", got)
	}
}

func TestChat_NewSession(t *testing.T) {
	c := &mockChat{reply: "ok"}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, formReq("/api/chat", url.Values{"message": {"hello"}}))

	if body := decodeBody(t, rr); body["session_id"] != "generated-id" {
		t.Errorf("session_id = %v, want generated id", body["session_id"])
	}
}

func TestChat_MissingMessage(t *testing.T) {
	c := &mockChat{}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, formReq("/api/chat", url.Values{"message": {"   "}}))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if len(c.calls) != 0 {
		t.Error("chat service should not be called")
	}
}

func TestChat_ErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		code int
	}{
		"unavailable": {dialogue.ErrBackendUnavailable, http.StatusServiceUnavailable},
		"timeout":     {fmt.Errorf("generate: %w", dialogue.ErrBackendTimeout), http.StatusGatewayTimeout},
		"backend":     {&dialogue.BackendError{StatusCode: 400, Message: "bad"}, http.StatusInternalServerError},
		"other":       {fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h, _ := setupHandler(t, &mockChat{err: tc.err}, nil, "")

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, formReq("/api/chat", url.Values{"message": {"hi"}}))

			if rr.Code != tc.code {
				t.Errorf("status = %d, want %d", rr.Code, tc.code)
			}
		})
	}
}

func TestChatImage_OK(t *testing.T) {
	c := &mockChat{reply: "Leaf rust. Spray propiconazole."}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartReq(t, "/api/chat/image", "image", "leaf.png", []byte("png-bytes"), map[string]string{
		"message":  "What is this disease?",
		"location": "Nashik",
	}))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	got := c.last(t)
	if string(got.payload) != "png-bytes" || got.message != "What is this disease?" || got.location != "Nashik" {
		t.Errorf("call = %+v", got)
	}
	if got.mimeType != "application/octet-stream" {
		t.Errorf("mimeType = %q, want multipart part content type", got.mimeType)
	}
}

func TestChatImage_TooLarge(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{err: dialogue.ErrImageTooLarge}, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartReq(t, "/api/chat/image", "image", "big.png", []byte("x"), map[string]string{"message": "?"}))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
}

func TestChatImage_MissingImage(t *testing.T) {
	c := &mockChat{}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartReq(t, "/api/chat/image", "", "", nil, map[string]string{"message": "?"}))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if len(c.calls) != 0 {
		t.Error("chat service should not be called")
	}
}

func TestChatReset(t *testing.T) {
	c := &mockChat{known: map[string]bool{"s1": true}}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, formReq("/api/chat/reset", url.Values{"session_id": {"s1"}}))
	if body := decodeBody(t, rr); body["message"] != "Session reset" || body["session_id"] != "s1" {
		t.Errorf("body = %v", body)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, formReq("/api/chat/reset", url.Values{"session_id": {"unknown"}}))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body := decodeBody(t, rr); body["message"] != "Session not found" {
		t.Errorf("body = %v", body)
	}
}

func TestSpeak_DefaultsAndURL(t *testing.T) {
	c := &mockChat{speechFile: "abc.wav"}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/speak", strings.NewReader(`{"text":"namaste"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["audio_url"] != "http://example.com/audio/abc.wav" {
		t.Errorf("audio_url = %v", body["audio_url"])
	}
	got := c.last(t)
	if got.language != "en-IN" || got.voice != "female" {
		t.Errorf("defaults = %q/%q, want en-IN/female", got.language, got.voice)
	}
}

func TestSpeak_ForwardedProto(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{speechFile: "abc.wav"}, nil, "")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/speak", strings.NewReader(`{"text":"hi","language":"hi-IN","voice":"male"}`))
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rr, req)

	if body := decodeBody(t, rr); body["audio_url"] != "https://example.com/audio/abc.wav" {
		t.Errorf("audio_url = %v", body["audio_url"])
	}
}

func TestSpeak_UnsupportedLanguage(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{err: fmt.Errorf("%w: %q", speech.ErrUnsupportedLanguage, "fr-FR")}, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/speak", strings.NewReader(`{"text":"hi","language":"fr-FR"}`)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestSpeak_InvalidBody(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{}, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/speak", strings.NewReader("not json")))

	if got := errorType(t, rr); got != "invalid_request_error" {
		t.Errorf("type = %q", got)
	}
}

func TestTranscribe_OK(t *testing.T) {
	c := &mockChat{transcript: "gehun mein khad"}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartReq(t, "/api/transcribe", "audio", "clip.wav", []byte("wav"), map[string]string{"language": "hi-IN"}))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["transcript"] != "gehun mein khad" {
		t.Errorf("body = %v", body)
	}
	if got := c.last(t); got.language != "hi-IN" || got.filename != "clip.wav" {
		t.Errorf("call = %+v", got)
	}
}

func TestTranscribe_EmptyTranscript(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{err: speech.ErrEmptyTranscript}, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartReq(t, "/api/transcribe", "audio", "clip.wav", []byte("wav"), nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestAudioChat_OK(t *testing.T) {
	c := &mockChat{transcript: "when to sow", reply: "In November."}
	h, _ := setupHandler(t, c, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartReq(t, "/api/audio-chat", "audio", "q.wav", []byte("wav"), map[string]string{
		"session_id": "s9",
		"location":   "Bihar",
	}))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["transcript"] != "when to sow" || body["response"] != "In November." || body["session_id"] != "s9" {
		t.Errorf("body = %v", body)
	}
	if got := c.last(t); got.language != "en-IN" || got.location != "Bihar" {
		t.Errorf("call = %+v", got)
	}
}

func TestSaveAudio(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{}, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, multipartReq(t, "/api/save-audio", "audio", "rec.wav", []byte("recording"), nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["message"] != "Audio saved" {
		t.Errorf("message = %v", body["message"])
	}
	data, err := os.ReadFile(body["file_path"].(string))
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	if string(data) != "recording" {
		t.Errorf("saved = %q", data)
	}
}

func TestSearch_OK(t *testing.T) {
	s := &mockSearcher{results: testResults}
	h, _ := setupHandler(t, &mockChat{}, s, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/search?q=urea&k=1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var results []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !strings.Contains(results[0]["text"].(string), "urea") {
		t.Errorf("results = %v", results)
	}
	if s.lastQ != "urea" || s.lastK != 1 {
		t.Errorf("search(%q, %d)", s.lastQ, s.lastK)
	}
}

func TestSearch_DefaultK(t *testing.T) {
	s := &mockSearcher{}
	h, _ := setupHandler(t, &mockChat{}, s, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/search?q=urea", nil))

	if s.lastK != 5 {
		t.Errorf("k = %d, want 5", s.lastK)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestSearch_MissingQuery(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{}, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/search", nil))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestResetAudio_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{}, nil, "secret")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/reset-audio", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestResetAudio_ValidAuth(t *testing.T) {
	h, dir := setupHandler(t, &mockChat{}, nil, "secret")
	name, err := dir.SaveSpeech([]byte("old"))
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reset-audio", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["status"] != "success" || body["message"] != "Audio folder reset" {
		t.Errorf("body = %v", body)
	}
	if _, err := os.Stat(filepath.Join(dir.Root(), name)); !os.IsNotExist(err) {
		t.Errorf("old audio still present: %v", err)
	}
}

func TestResetAudio_OpenWithoutToken(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{}, nil, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/reset-audio", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAudioFiles_Served(t *testing.T) {
	h, dir := setupHandler(t, &mockChat{}, nil, "")
	name, err := dir.SaveSpeech([]byte("RIFF"))
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audio/"+name, nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if b, _ := io.ReadAll(rr.Body); string(b) != "RIFF" {
		t.Errorf("body = %q", b)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audio/missing.wav", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d, want 404", rr.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{}, nil, "")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	h, _ := setupHandler(t, &mockChat{}, nil, "")

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `route="/api/health"`) {
		t.Errorf("metrics missing health route:\n%s", rr.Body.String())
	}
}
