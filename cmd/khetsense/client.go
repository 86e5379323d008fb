package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/khetsense/khetsense/internal/chat"
	"github.com/khetsense/khetsense/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	base := serverURL
	if base == "" {
		base = localURL(cfg)
	}
	return &apiClient{
		baseURL:    strings.TrimRight(base, "/"),
		token:      cfg.Server.AdminToken,
		httpClient: &http.Client{Timeout: cfg.Gemini.Timeout + 30*time.Second},
	}, nil
}

// localURL is the address a client on the same machine uses to reach the
// configured server.
func localURL(cfg config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is khetsense serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, "", nil)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(data))
}

func (c *apiClient) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *apiClient) ask(ctx context.Context, sessionID, message, location string) (chat.Reply, error) {
	form := url.Values{"message": {message}}
	if sessionID != "" {
		form.Set("session_id", sessionID)
	}
	if location != "" {
		form.Set("location", location)
	}
	resp, err := c.postForm(ctx, "/api/chat", form)
	if err != nil {
		return chat.Reply{}, err
	}
	var reply chat.Reply
	if err := decodeJSON(resp, &reply); err != nil {
		return chat.Reply{}, err
	}
	return reply, nil
}

func (c *apiClient) resetSession(ctx context.Context, sessionID string) (string, error) {
	resp, err := c.postForm(ctx, "/api/chat/reset", url.Values{"session_id": {sessionID}})
	if err != nil {
		return "", err
	}
	var out struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// chatPort adapts apiClient to the TUI.
type chatPort struct{ c *apiClient }

func (p chatPort) Ask(ctx context.Context, sessionID, message, location string) (string, string, error) {
	reply, err := p.c.ask(ctx, sessionID, message, location)
	if err != nil {
		return "", "", err
	}
	return reply.Response, reply.SessionID, nil
}

func (p chatPort) Reset(ctx context.Context, sessionID string) error {
	_, err := p.c.resetSession(ctx, sessionID)
	return err
}
