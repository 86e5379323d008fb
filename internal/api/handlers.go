package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/khetsense/khetsense/internal/retrieval"
)

const (
	defaultLanguage = "en-IN"
	defaultVoice    = "female"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		if err := parseForm(r); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid form: %v", err)
			return
		}
		message := r.FormValue("message")
		if strings.TrimSpace(message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		reply, err := deps.Chat.Text(r.Context(), r.FormValue("session_id"), message, r.FormValue("location"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func handleChatImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := parseForm(r); err != nil {
			uploadError(w, err)
			return
		}
		image, header, err := formFile(r, "image")
		if err != nil {
			uploadError(w, err)
			return
		}
		message := r.FormValue("message")
		if strings.TrimSpace(message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		reply, err := deps.Chat.Image(r.Context(), r.FormValue("session_id"), image, header.Header.Get("Content-Type"), message, r.FormValue("location"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func handleChatReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()
		parseForm(r)

		id := r.FormValue("session_id")
		msg := "Session not found"
		if id != "" && deps.Chat.Reset(id) {
			msg = "Session reset"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message":    msg,
			"session_id": id,
		})
	}
}

type speakRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice"`
}

func handleSpeak(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		req := speakRequest{Language: defaultLanguage, Voice: defaultVoice}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		name, err := deps.Chat.Speak(r.Context(), req.Text, req.Language, req.Voice)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"audio_url": baseURL(r) + "/audio/" + name,
		})
	}
}

func handleTranscribe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := parseForm(r); err != nil {
			uploadError(w, err)
			return
		}
		audio, header, err := formFile(r, "audio")
		if err != nil {
			uploadError(w, err)
			return
		}

		transcript, err := deps.Chat.Transcribe(r.Context(), audio, header.Filename, formDefault(r, "language", defaultLanguage))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"transcript": transcript})
	}
}

func handleAudioChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := parseForm(r); err != nil {
			uploadError(w, err)
			return
		}
		audio, header, err := formFile(r, "audio")
		if err != nil {
			uploadError(w, err)
			return
		}

		reply, err := deps.Chat.Voice(r.Context(), r.FormValue("session_id"), audio, header.Filename,
			formDefault(r, "language", defaultLanguage), r.FormValue("location"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func handleSaveAudio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		if err := parseForm(r); err != nil {
			uploadError(w, err)
			return
		}
		audio, _, err := formFile(r, "audio")
		if err != nil {
			uploadError(w, err)
			return
		}

		path, err := deps.Audio.SaveRecording(audio)
		if err != nil {
			deps.Logger.Error("saving recording failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "saving audio: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message":   "Audio saved",
			"file_path": path,
		})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k := parseIntParam(r, "k", deps.TopK, maxSearchK)
		if k == 0 {
			k = deps.TopK
		}

		results, err := deps.Searcher.Search(r.Context(), query, k)
		if err != nil {
			deps.Logger.Error("search failed", "query", query, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []retrieval.Result{}
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleResetAudio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Audio.Reset(); err != nil {
			deps.Logger.Error("resetting audio folder failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "resetting audio folder: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Audio folder reset",
		})
	}
}

// parseForm accepts both urlencoded and multipart bodies.
func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(maxUploadSize)
	}
	return r.ParseForm()
}

var errMissingFile = errors.New("file is required")

// formFile reads an uploaded file.
func formFile(r *http.Request, field string) ([]byte, *multipart.FileHeader, error) {
	f, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil, fmt.Errorf("%s %w", field, errMissingFile)
		}
		return nil, nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", field, err)
	}
	return data, header, nil
}

func uploadError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", maxBytes.Limit)
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	}
}

func formDefault(r *http.Request, key, def string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return def
}

// baseURL is the scheme and host the client used to reach us.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
