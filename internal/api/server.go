// Package api implements the HTTP surface of the document library.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/bookshelf/internal/events"
	"github.com/fruitsalade/bookshelf/internal/logging"
	"github.com/fruitsalade/bookshelf/internal/metrics"
	"github.com/fruitsalade/bookshelf/internal/storage"
	"github.com/fruitsalade/bookshelf/internal/sysinfo"
	"github.com/fruitsalade/bookshelf/webapp"
)

// Library is the document list the handlers read and update.
type Library interface {
	List(ctx context.Context) []string
	Recent() []string
	Touch(name string)
}

// Stats produces host metric snapshots.
type Stats interface {
	Collect(ctx context.Context) sysinfo.Snapshot
}

// Options holds optional server behaviour.
type Options struct {
	StaticDir      string // serve /static/ from disk instead of the embedded assets
	DebugEndpoints bool
}

// Server handles HTTP requests for the library.
type Server struct {
	root        *storage.Root
	library     Library
	stats       Stats
	broadcaster *events.Broadcaster
	opts        Options
	templates   *template.Template
}

// ErrorResponse is the JSON body of API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// NewServer creates a server and parses the embedded templates.
func NewServer(root *storage.Root, library Library, stats Stats, broadcaster *events.Broadcaster, opts Options) (*Server, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"pathEscape": escapeSegments,
		"fileClass":  fileClass,
	}).ParseFS(webapp.Assets, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Server{
		root:        root,
		library:     library,
		stats:       stats,
		broadcaster: broadcaster,
		opts:        opts,
		templates:   tmpl,
	}, nil
}

// Handler returns the routed handler wrapped in logging, metrics and panic
// recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /view/{filename...}", s.handleView)
	mux.HandleFunc("GET /file/{filename...}", s.handleFile)
	mux.HandleFunc("OPTIONS /file/{filename...}", s.handleFile)
	mux.HandleFunc("GET /monitor", s.handleMonitor)
	mux.HandleFunc("GET /monitor/system-info", s.handleSystemInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.broadcaster != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
	}
	if s.opts.DebugEndpoints {
		mux.HandleFunc("GET /debug/url/{filename...}", s.handleDebugURL)
	}

	// STATIC_DIR overrides embedded assets for live-reload during development
	var static http.Handler
	if s.opts.StaticDir != "" {
		logging.Info("serving static assets from disk", zap.String("dir", s.opts.StaticDir))
		static = http.FileServer(http.Dir(s.opts.StaticDir))
	} else {
		sub, _ := fs.Sub(webapp.Assets, "static")
		static = http.FileServer(http.FS(sub))
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", static))

	mux.HandleFunc("/", s.handleNotFound)

	return logging.Middleware(metrics.Middleware(recoverer(s.dotSegments(mux))))
}

// dotSegments hands document paths whose ".." segments climb above the
// storage root to their handler, which rejects them. The mux would otherwise
// redirect to the cleaned path. Paths that stay inside the root still get
// the redirect to their canonical form.
func (s *Server) dotSegments(mux *http.ServeMux) http.Handler {
	routes := []struct {
		prefix  string
		methods []string
		handler http.HandlerFunc
	}{
		{"/view/", []string{http.MethodGet, http.MethodHead}, s.handleView},
		{"/file/", []string{http.MethodGet, http.MethodHead, http.MethodOptions}, s.handleFile},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasDotSegment(r.URL.EscapedPath()) {
			for _, rt := range routes {
				name, ok := strings.CutPrefix(r.URL.Path, rt.prefix)
				if !ok || !slices.Contains(rt.methods, r.Method) || !escapesRoot(name) {
					continue
				}
				r.Pattern = r.Method + " " + rt.prefix + "{filename...}"
				r.SetPathValue("filename", name)
				rt.handler(w, r)
				return
			}
		}
		mux.ServeHTTP(w, r)
	})
}

func escapesRoot(name string) bool {
	cleaned := path.Clean(name)
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}

func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ─── Pages ──────────────────────────────────────────────────────────────────

type indexData struct {
	Files       []string
	RecentCount int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	recent := s.library.Recent()
	files := s.library.List(r.Context())
	s.render(w, r, http.StatusOK, "index.html", indexData{
		Files:       files,
		RecentCount: min(len(recent), len(files)),
	})
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "monitor.html", nil)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusNotFound, "404.html", struct{ Path string }{r.URL.Path})
}

// render executes a template into a buffer first so that a template error
// still produces a clean 500.
func (s *Server) render(w http.ResponseWriter, r *http.Request, code int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		logging.WithContext(r.Context()).Error("render template",
			zap.String("template", name), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "template error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w)
}

// ─── Monitor & health ───────────────────────────────────────────────────────

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.stats.Collect(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Debug ──────────────────────────────────────────────────────────────────

type urlDebug struct {
	Original     string `json:"original"`
	OnceEncoded  string `json:"once_encoded"`
	TwiceEncoded string `json:"twice_encoded"`
	OnceDecoded  string `json:"once_decoded"`
	TwiceDecoded string `json:"twice_decoded"`
}

func (s *Server) handleDebugURL(w http.ResponseWriter, r *http.Request) {
	original := r.PathValue("filename")
	once := url.PathEscape(original)
	decoded := unescapeLenient(original)
	s.sendJSON(w, http.StatusOK, urlDebug{
		Original:     original,
		OnceEncoded:  once,
		TwiceEncoded: url.PathEscape(once),
		OnceDecoded:  decoded,
		TwiceDecoded: unescapeLenient(decoded),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func sendText(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Del("Content-Length")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(text))
}

// recoverer turns handler panics into a 500 response.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logging.WithContext(r.Context()).Error("panic in handler",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.Stack("stack"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(ErrorResponse{
				Error: "internal server error",
				Code:  http.StatusInternalServerError,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// escapeSegments escapes each path segment of name, keeping the slashes.
func escapeSegments(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// unescapeLenient percent-decodes s, returning it unchanged if it is not
// valid escaping.
func unescapeLenient(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func fileClass(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ext == "htm" {
		return "html"
	}
	return ext
}
