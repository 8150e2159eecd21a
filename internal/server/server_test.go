package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"otelexplain/internal/backend"
	"otelexplain/internal/render"
)

type stubBackend struct{}

func (stubBackend) Name() string         { return "stub" }
func (stubBackend) DefaultModel() string { return "stub-model" }

func (stubBackend) Check(ctx context.Context) error { return nil }

func (stubBackend) Models(ctx context.Context) ([]string, error) {
	return []string{"stub-model"}, nil
}

func (stubBackend) Generate(ctx context.Context, req backend.Request) (string, error) {
	return "### Explained\n\n- Receives data.\n- Forwards it on.\n\n#### Why it matters\nWithout it nothing flows.", nil
}

func init() {
	if err := backend.Register("stub", func(settings backend.Settings) (backend.Backend, error) {
		return stubBackend{}, nil
	}); err != nil {
		panic(err)
	}
}

func newTestServer(t *testing.T, opts handlerOptions) *httptest.Server {
	t.Helper()
	if opts.host == "" {
		opts.host = defaultHost
	}
	if opts.maxBody == 0 {
		opts.maxBody = defaultMaxBodyBytes
	}
	srv := httptest.NewServer(newHandler(opts))
	t.Cleanup(srv.Close)
	return srv
}

const receiverOnlyConfig = "receivers:\n  otlp:\n    protocols:\n      grpc:\n"

func postExplain(t *testing.T, srv *httptest.Server, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/explain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func explainBody(config, backendName, format string) string {
	payload := map[string]string{"config": config}
	if backendName != "" {
		payload["backend"] = backendName
	}
	if format != "" {
		payload["format"] = format
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, handlerOptions{token: "sekrit"})

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" || payload["service"] != "otelexplain" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestIndexPage(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})

	resp, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/html") {
		t.Fatalf("expected text/html, got %q", got)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "<textarea") {
		t.Fatalf("expected page to contain a config textarea")
	}
}

func TestUnknownPath(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})

	resp, err := srv.Client().Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestExplainDefaultsToJSONReport(t *testing.T) {
	srv := newTestServer(t, handlerOptions{backendName: "stub"})

	resp := postExplain(t, srv, explainBody(receiverOnlyConfig, "", ""), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json, got %q", got)
	}

	var report render.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Backend != "stub" {
		t.Fatalf("expected backend stub, got %q", report.Backend)
	}
	if report.Explained != 1 || report.Failed != 0 {
		t.Fatalf("expected 1 explained and 0 failed, got %d and %d", report.Explained, report.Failed)
	}
	if len(report.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(report.Entries))
	}
	entry := report.Entries[0]
	if entry.Kind != "receiver" || entry.Name != "otlp" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Explanation == nil || len(entry.Explanation.Bullets) != 2 {
		t.Fatalf("expected explanation with 2 bullets, got %+v", entry.Explanation)
	}
}

func TestExplainRequestBackendOverridesServerDefault(t *testing.T) {
	srv := newTestServer(t, handlerOptions{backendName: "does-not-exist"})

	resp := postExplain(t, srv, explainBody(receiverOnlyConfig, "stub", ""), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
}

func TestExplainMarkdownFormat(t *testing.T) {
	srv := newTestServer(t, handlerOptions{backendName: "stub"})

	resp := postExplain(t, srv, explainBody(receiverOnlyConfig, "", "markdown"), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/markdown") {
		t.Fatalf("expected text/markdown, got %q", got)
	}
	body := readBody(t, resp)
	if !strings.HasPrefix(body, "# Configuration Explanation") {
		t.Fatalf("expected markdown document, got %q", firstLine(body))
	}
}

func TestExplainRejectsTextFormat(t *testing.T) {
	srv := newTestServer(t, handlerOptions{backendName: "stub"})

	resp := postExplain(t, srv, explainBody(receiverOnlyConfig, "", "text"), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExplainRawYAMLBody(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/explain?backend=stub", strings.NewReader(receiverOnlyConfig))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/yaml")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
}

func TestExplainRejectsNonMappingConfig(t *testing.T) {
	srv := newTestServer(t, handlerOptions{backendName: "stub"})

	resp := postExplain(t, srv, explainBody("- a\n- b\n", "", ""), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExplainNoComponents(t *testing.T) {
	srv := newTestServer(t, handlerOptions{backendName: "stub"})

	config := "service:\n  pipelines:\n    traces:\n      receivers: [otlp]\n"
	resp := postExplain(t, srv, explainBody(config, "", ""), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	message, ok := payload["error"].(string)
	if !ok || message == "" {
		t.Fatalf("expected error message in payload, got %v", payload)
	}
}

func TestExplainUnknownBackend(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})

	resp := postExplain(t, srv, explainBody(receiverOnlyConfig, "no-such-backend", ""), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExplainRequiresConfig(t *testing.T) {
	srv := newTestServer(t, handlerOptions{backendName: "stub"})

	resp := postExplain(t, srv, `{"backend": "stub"}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestExplainMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})

	resp, err := srv.Client().Get(srv.URL + "/api/explain")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestBearerTokenGuardsAPI(t *testing.T) {
	srv := newTestServer(t, handlerOptions{token: "sekrit", backendName: "stub"})

	resp := postExplain(t, srv, explainBody(receiverOnlyConfig, "", ""), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	resp = postExplain(t, srv, explainBody(receiverOnlyConfig, "", ""), header)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	header.Set("Authorization", "Bearer sekrit")
	resp = postExplain(t, srv, explainBody(receiverOnlyConfig, "", ""), header)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func TestListBackends(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})

	resp, err := srv.Client().Get(srv.URL + "/api/backends")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload backendsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	found := false
	for _, info := range payload.Backends {
		if info.Name == "stub" {
			found = true
			if info.Model != "stub-model" {
				t.Fatalf("expected stub default model, got %q", info.Model)
			}
		}
	}
	if !found {
		t.Fatalf("expected stub backend in %v", payload.Backends)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, handlerOptions{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/explain", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost" {
		t.Fatalf("expected allowed origin, got %q", got)
	}
}

func TestResolveCORSOrigin(t *testing.T) {
	cases := []struct {
		name   string
		origin string
		host   string
		open   bool
		want   string
	}{
		{name: "empty origin", origin: "", host: "127.0.0.1", want: ""},
		{name: "open mode", origin: "https://example.com", host: "127.0.0.1", open: true, want: "*"},
		{name: "localhost", origin: "http://localhost", host: "127.0.0.1", want: "http://localhost"},
		{name: "loopback", origin: "http://127.0.0.1", host: "127.0.0.1", want: "http://127.0.0.1"},
		{name: "host match", origin: "http://192.168.1.5", host: "192.168.1.5", want: "http://192.168.1.5"},
		{name: "wildcard host never matches", origin: "http://0.0.0.0", host: "0.0.0.0", want: ""},
		{name: "foreign origin", origin: "https://example.com", host: "127.0.0.1", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveCORSOrigin(tc.origin, tc.host, tc.open); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}