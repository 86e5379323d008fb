package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/khetsense/khetsense/internal/config"
	"github.com/khetsense/khetsense/internal/engine"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client(token string) *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      token,
		httpClient: ts.server.Client(),
	}
}

// useClient points the CLI commands at ts for the duration of the test.
func useClient(t *testing.T, c *apiClient) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return c, nil }
	t.Cleanup(func() { newAPIClient = orig })
}

var ctx = context.Background()

func TestAskClient_Form(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/chat": `{"response":"Apply 120 kg/ha urea in splits.","session_id":"s-1"}`,
	})

	reply, err := ts.client("").ask(ctx, "s-1", "urea dose for wheat?", "Ludhiana")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.SessionID != "s-1" || !strings.Contains(reply.Response, "urea") {
		t.Errorf("reply = %+v", reply)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.ContentType != "application/x-www-form-urlencoded" {
		t.Errorf("content type = %q", r.ContentType)
	}
	form, err := url.ParseQuery(r.Body)
	if err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if form.Get("message") != "urea dose for wheat?" || form.Get("session_id") != "s-1" || form.Get("location") != "Ludhiana" {
		t.Errorf("form = %v", form)
	}
}

func TestAskClient_OmitsEmptyFields(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/chat": `{"response":"ok","session_id":"new"}`,
	})

	if _, err := ts.client("").ask(ctx, "", "hello", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	form, _ := url.ParseQuery(ts.requests[0].Body)
	if _, ok := form["session_id"]; ok {
		t.Error("session_id should be omitted when empty")
	}
	if _, ok := form["location"]; ok {
		t.Error("location should be omitted when empty")
	}
}

func TestAskCommand_MissingArgs(t *testing.T) {
	rootCmd.SetArgs([]string{"ask"})
	err := rootCmd.ExecuteContext(ctx)
	if err == nil || !strings.Contains(err.Error(), "requires") {
		t.Fatalf("err = %v, want argument error", err)
	}
}

func TestAskCommand_UsesServer(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/chat": `{"response":"Spray neem oil.","session_id":"s-9"}`,
	})
	useClient(t, ts.client(""))

	rootCmd.SetArgs([]string{"ask", "aphids", "on", "mustard"})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	form, _ := url.ParseQuery(ts.requests[0].Body)
	if form.Get("message") != "aphids on mustard" {
		t.Errorf("message = %q, want joined args", form.Get("message"))
	}
}

func TestResetSession(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/chat/reset": `{"message":"Session not found","session_id":"gone"}`,
	})

	msg, err := ts.client("").resetSession(ctx, "gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != "Session not found" {
		t.Errorf("message = %q", msg)
	}
	form, _ := url.ParseQuery(ts.requests[0].Body)
	if form.Get("session_id") != "gone" {
		t.Errorf("session_id = %q", form.Get("session_id"))
	}
}

func TestSearchCommand_EncodesQuery(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/search": `[{"position":0,"text":"Question: a Answer: b","score":0.9}]`,
	})
	useClient(t, ts.client(""))

	rootCmd.SetArgs([]string{"search", "--k", "3", "leaf curl & yellowing"})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, err := url.Parse(ts.requests[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Query().Get("q"); got != "leaf curl & yellowing" {
		t.Errorf("q = %q", got)
	}
	if got := u.Query().Get("k"); got != "3" {
		t.Errorf("k = %q, want 3", got)
	}
}

func TestClient_Auth(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"with token", "secret", "Bearer secret"},
		{"without token", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, map[string]string{
				"POST /reset-audio": `{"status":"success","message":"Audio folder reset"}`,
			})
			resp, err := ts.client(tt.token).do(ctx, http.MethodPost, "/reset-audio", "", nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var out map[string]string
			if err := decodeJSON(resp, &out); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if ts.requests[0].Auth != tt.want {
				t.Errorf("auth = %q, want %q", ts.requests[0].Auth, tt.want)
			}
		})
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client("").get(ctx, "/api/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want status and message", err)
	}
}

func TestChatPort(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/chat":       `{"response":"hello","session_id":"s-2"}`,
		"POST /api/chat/reset": `{"message":"Session reset","session_id":"s-2"}`,
	})
	port := chatPort{c: ts.client("")}

	answer, id, err := port.Ask(ctx, "", "hi", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer != "hello" || id != "s-2" {
		t.Errorf("Ask = %q, %q", answer, id)
	}
	if err := port.Reset(ctx, id); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(ts.requests) != 2 || ts.requests[1].Path != "/api/chat/reset" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestLocalURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"0.0.0.0", "http://127.0.0.1:8000"},
		{"", "http://127.0.0.1:8000"},
		{"192.168.1.5", "http://192.168.1.5:8000"},
	}
	for _, tt := range tests {
		cfg := config.Config{Server: config.ServerConfig{Host: tt.host, Port: 8000}}
		if got := localURL(cfg); got != tt.want {
			t.Errorf("localURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestColorize_NoColor(t *testing.T) {
	orig := noColor
	t.Cleanup(func() { noColor = orig })

	noColor = true
	if got := colorize(colorBold, "x"); got != "x" {
		t.Errorf("colorize with noColor = %q, want plain text", got)
	}
}

// fakeEngine implements engine.Engine with a fixed model list.
type fakeEngine struct {
	models  []string
	listErr error
}

func (f *fakeEngine) Embed(context.Context, string, ...string) ([][]float32, error) { return nil, nil }
func (f *fakeEngine) IsRunning(context.Context) bool                                { return true }
func (f *fakeEngine) ListModels(context.Context) ([]string, error)                  { return f.models, f.listErr }
func (f *fakeEngine) HasModel(_ context.Context, name string) bool {
	for _, m := range f.models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}
func (f *fakeEngine) PullModel(context.Context, string, func(engine.PullProgress)) error { return nil }

func TestDescribeModels(t *testing.T) {
	tests := []struct {
		name string
		eng  *fakeEngine
		want string
	}{
		{"available", &fakeEngine{models: []string{"all-minilm:latest", "llama3:8b"}}, "all-minilm available; installed: all-minilm:latest, llama3:8b"},
		{"missing", &fakeEngine{models: []string{"llama3:8b"}}, "all-minilm missing; installed: llama3:8b"},
		{"list error", &fakeEngine{listErr: errors.New("boom")}, "all-minilm missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeModels(ctx, tt.eng, "all-minilm"); got != tt.want {
				t.Errorf("describeModels = %q, want %q", got, tt.want)
			}
		})
	}
}
