package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"otelexplain/internal/backend"
	"otelexplain/internal/core"
	"otelexplain/internal/detect"
	"otelexplain/internal/render"
)

const (
	defaultHost         = "127.0.0.1"
	defaultPort         = 8080
	defaultMaxBodyBytes = 1 << 20
)

// Options configures the HTTP explanation server.
type Options struct {
	Host         string
	Port         int
	Token        string
	Open         bool
	MaxBodyBytes int64
	BackendName  string
	Model        string
	CallTimeout  time.Duration
	// DocsLookup supplies cached reference documentation per component.
	DocsLookup func(component detect.Component) string
}

// StartServer runs the HTTP explanation server until ctx is canceled.
func StartServer(ctx context.Context, opts Options) error {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = defaultHost
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		Handler: newHandler(handlerOptions{
			host:        host,
			token:       opts.Token,
			open:        opts.Open,
			maxBody:     maxBody,
			backendName: opts.BackendName,
			model:       opts.Model,
			callTimeout: opts.CallTimeout,
			docs:        opts.DocsLookup,
		}),
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(ctxTimeout)
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		select {
		case shutdownErr := <-shutdownErr:
			return shutdownErr
		default:
			return nil
		}
	}
	return err
}

type handlerOptions struct {
	host        string
	token       string
	open        bool
	maxBody     int64
	backendName string
	model       string
	callTimeout time.Duration
	docs        func(component detect.Component) string
}

func newHandler(opts handlerOptions) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSONError(w, http.StatusNotFound, "Unknown endpoint")
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, indexPage)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "otelexplain"})
	})

	mux.HandleFunc("/api/backends", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, listBackendsResponse())
	})

	mux.HandleFunc("/api/explain", func(w http.ResponseWriter, r *http.Request) {
		if !authorizeRequest(w, r, opts) {
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		handleExplain(w, r, opts)
	})

	return withCORS(mux, opts)
}

type explainRequest struct {
	Config  string `json:"config"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Format  string `json:"format"`
}

func decodeExplainRequest(r *http.Request) (explainRequest, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var request explainRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			return explainRequest{}, fmt.Errorf("decode request body: %w", err)
		}
		if strings.TrimSpace(request.Config) == "" {
			return explainRequest{}, errors.New("config is required")
		}
		return request, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return explainRequest{}, err
	}
	query := r.URL.Query()
	return explainRequest{
		Config:  string(data),
		Backend: query.Get("backend"),
		Model:   query.Get("model"),
		Format:  query.Get("format"),
	}, nil
}

func handleExplain(w http.ResponseWriter, r *http.Request, opts handlerOptions) {
	request, err := decodeExplainRequest(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The API defaults to the JSON report; text is the CLI default and its
	// terminal colors have no place in an HTTP response.
	format := render.FormatJSON
	if trimmed := strings.TrimSpace(request.Format); trimmed != "" {
		format, err = render.ParseFormat(trimmed)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if format == render.FormatText {
			writeJSONError(w, http.StatusBadRequest, "unsupported output format for the API: text (use json or markdown)")
			return
		}
	}

	backendName := strings.TrimSpace(request.Backend)
	if backendName == "" {
		backendName = opts.backendName
	}
	model := strings.TrimSpace(request.Model)
	if model == "" {
		model = opts.model
	}

	result, err := core.Run(r.Context(), []byte(request.Config), core.Options{
		BackendName: backendName,
		Model:       model,
		CallTimeout: opts.callTimeout,
		DocsLookup:  opts.docs,
	})
	if err != nil {
		writeRunError(w, result, err)
		return
	}

	meta := render.Meta{Source: "api"}
	if format == render.FormatMarkdown {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, render.Markdown(result, meta))
		return
	}
	writeJSON(w, http.StatusOK, render.NewReport(result, meta))
}

// writeRunError maps run failures onto HTTP statuses. Anything the caller
// can fix in the request is a 400-class response.
func writeRunError(w http.ResponseWriter, result core.Result, err error) {
	switch {
	case errors.Is(err, core.ErrNoComponents):
		payload := map[string]interface{}{"error": err.Error()}
		if len(result.Problems) > 0 {
			problems := make([]map[string]string, 0, len(result.Problems))
			for _, problem := range result.Problems {
				problems = append(problems, map[string]string{"section": problem.Section, "detail": problem.Detail})
			}
			payload["problems"] = problems
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client is gone; there is nobody left to answer.
	default:
		writeJSONError(w, http.StatusBadRequest, err.Error())
	}
}

type backendInfo struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
	Model   string `json:"model,omitempty"`
}

type backendsResponse struct {
	Backends []backendInfo `json:"backends"`
}

func listBackendsResponse() backendsResponse {
	names := backend.Names()
	response := backendsResponse{Backends: make([]backendInfo, 0, len(names))}
	for _, name := range names {
		info := backendInfo{Name: name, Default: name == backend.DefaultName()}
		if instance, err := backend.New(name, core.BackendSettings(name, "")); err == nil {
			info.Model = instance.DefaultModel()
		}
		response.Backends = append(response.Backends, info)
	}
	return response
}

func withCORS(next http.Handler, opts handlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corsOrigin := resolveCORSOrigin(r.Header.Get("Origin"), opts.host, opts.open)
		if corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
			if corsOrigin != "*" {
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if opts.maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, opts.maxBody)
		}

		next.ServeHTTP(w, r)
	})
}

func authorizeRequest(w http.ResponseWriter, r *http.Request, opts handlerOptions) bool {
	if opts.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") || fields[1] != opts.token {
		writeJSONError(w, http.StatusUnauthorized, "Invalid or missing Bearer token")
		return false
	}
	return true
}

func resolveCORSOrigin(origin, host string, open bool) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if open {
		return "*"
	}

	switch origin {
	case "http://localhost", "http://127.0.0.1", "http://[::1]":
		return origin
	}

	host = strings.TrimSpace(host)
	if host != "" && host != "0.0.0.0" && host != "::" {
		if origin == "http://"+host {
			return origin
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	payload := map[string]string{"error": message}
	writeJSON(w, status, payload)
}

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>otelexplain</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
textarea { width: 100%; height: 16rem; font-family: monospace; font-size: 0.9rem; }
input, select, button { font-size: 0.95rem; padding: 0.3rem 0.5rem; margin-right: 0.5rem; }
pre { background: #f6f6f6; padding: 1rem; overflow-x: auto; white-space: pre-wrap; }
.error { color: #b00020; }
</style>
</head>
<body>
<h1>otelexplain</h1>
<p>Paste an OpenTelemetry Collector configuration and get a plain-language explanation of each component.</p>
<textarea id="config" placeholder="receivers:&#10;  otlp:&#10;    protocols:&#10;      grpc:"></textarea>
<p>
<select id="backend"><option value="">default backend</option></select>
<input id="model" placeholder="model (optional)">
<input id="token" placeholder="API token (if required)" type="password">
<button id="explain">Explain</button>
</p>
<pre id="output">Waiting for input.</pre>
<script>
(function () {
  var output = document.getElementById('output');

  function headers() {
    var h = {'Content-Type': 'application/json'};
    var token = document.getElementById('token').value;
    if (token) { h['Authorization'] = 'Bearer ' + token; }
    return h;
  }

  fetch('/api/backends', {headers: headers()}).then(function (resp) {
    return resp.json();
  }).then(function (data) {
    var select = document.getElementById('backend');
    (data.backends || []).forEach(function (b) {
      var option = document.createElement('option');
      option.value = b.name;
      option.textContent = b.name + (b.default ? ' (default)' : '');
      select.appendChild(option);
    });
  }).catch(function () {});

  document.getElementById('explain').addEventListener('click', function () {
    output.textContent = 'Explaining...';
    output.className = '';
    fetch('/api/explain', {
      method: 'POST',
      headers: headers(),
      body: JSON.stringify({
        config: document.getElementById('config').value,
        backend: document.getElementById('backend').value,
        model: document.getElementById('model').value,
        format: 'markdown'
      })
    }).then(function (resp) {
      return resp.text().then(function (text) { return {ok: resp.ok, text: text}; });
    }).then(function (result) {
      output.textContent = result.text;
      output.className = result.ok ? '' : 'error';
    }).catch(function (err) {
      output.textContent = 'Request failed: ' + err;
      output.className = 'error';
    });
  });
})();
</script>
</body>
</html>
`
