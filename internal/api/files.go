package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fruitsalade/bookshelf/internal/byterange"
	"github.com/fruitsalade/bookshelf/internal/logging"
	"github.com/fruitsalade/bookshelf/internal/metrics"
	"github.com/fruitsalade/bookshelf/internal/storage"
)

func init() {
	// Missing from Go's builtin table.
	_ = mime.AddExtensionType(".epub", "application/epub+zip")
}

var (
	longCacheExts = map[string]bool{
		".pdf": true, ".epub": true, ".jpg": true, ".jpeg": true,
		".png": true, ".gif": true, ".css": true, ".js": true,
	}
	inlineExts = map[string]bool{
		".pdf": true, ".epub": true, ".jpg": true, ".jpeg": true,
		".png": true, ".gif": true,
	}
)

type viewerData struct {
	URL   string
	Title string
}

// ─── Viewer ─────────────────────────────────────────────────────────────────

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	obj, ok := s.stat(w, r, name)
	if !ok {
		return
	}

	s.library.Touch(name)

	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".pdf":
		s.render(w, r, http.StatusOK, "pdfviewer.html", viewerData{URL: fileURL(r, name), Title: path.Base(name)})
	case ".epub":
		s.render(w, r, http.StatusOK, "epubviewer.html", viewerData{URL: fileURL(r, name), Title: path.Base(name)})
	case ".html", ".htm":
		data, err := s.root.ReadFile(obj)
		if err != nil {
			logging.WithContext(r.Context()).Error("read html document", zap.String("file", name), zap.Error(err))
			sendText(w, http.StatusInternalServerError, "Error reading file: "+err.Error())
			return
		}
		if !utf8.Valid(data) {
			sendText(w, http.StatusUnsupportedMediaType, "Unsupported encoding")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	default:
		sendText(w, http.StatusUnsupportedMediaType, "Unsupported file type")
	}
}

// fileURL is the absolute /file/ URL for name, escaped as a single segment.
func fileURL(r *http.Request, name string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host + "/file/" + url.PathEscape(name)
}

// ─── Raw file ───────────────────────────────────────────────────────────────

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	// Clients that escape the already-escaped viewer URL send it twice
	// encoded; the router has removed one layer.
	name := unescapeLenient(r.PathValue("filename"))

	obj, ok := s.stat(w, r, name)
	if !ok {
		return
	}

	ext := strings.ToLower(path.Ext(name))
	h := w.Header()
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, Accept, Origin, Content-Type")
	h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges")
	if longCacheExts[ext] {
		h.Set("Cache-Control", "public, max-age=86400")
	} else {
		h.Set("Cache-Control", "public, max-age=3600")
	}
	if inlineExts[ext] {
		h.Set("Content-Disposition", "inline")
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		metrics.RecordFileResponse("options", 0)
		return
	}

	kind := "full"
	if header := r.Header.Get("Range"); header != "" {
		logger := logging.WithContext(r.Context())
		logger.Debug("range request", zap.String("file", name), zap.String("range", header))

		rng, err := byterange.Parse(header, obj.Size)
		switch {
		case errors.Is(err, byterange.ErrUnsatisfiable):
			h.Set("Content-Range", byterange.Unsatisfied(obj.Size))
			sendText(w, http.StatusRequestedRangeNotSatisfiable, "Requested Range Not Satisfiable")
			metrics.RecordFileResponse("unsatisfiable", 0)
			return
		case err != nil:
			logger.Warn("ignoring malformed range", zap.String("range", header), zap.Error(err))
			kind = "fallback"
		default:
			if s.serveRange(w, r, obj, rng) {
				return
			}
			kind = "fallback"
		}
	}

	s.serveFull(w, r, obj, kind)
}

// serveRange writes a 206 response for rng. It reports false without writing
// anything if the range could not be opened.
func (s *Server) serveRange(w http.ResponseWriter, r *http.Request, obj *storage.Object, rng byterange.Range) bool {
	logger := logging.WithContext(r.Context())
	rc, err := s.root.OpenRange(obj, rng.Start, rng.Length())
	if err != nil {
		logger.Warn("range read failed, serving full file", zap.String("file", obj.Name), zap.Error(err))
		return false
	}
	defer rc.Close()

	w.Header().Set("Content-Range", rng.ContentRange(obj.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return true
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		logger.Warn("range transfer error", zap.String("file", obj.Name), zap.Error(err))
	}
	metrics.RecordFileResponse("partial", n)
	return true
}

func (s *Server) serveFull(w http.ResponseWriter, r *http.Request, obj *storage.Object, kind string) {
	f, err := s.root.Open(obj)
	if err != nil {
		logging.WithContext(r.Context()).Error("open file", zap.String("file", obj.Name), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	n, err := io.Copy(w, f)
	if err != nil {
		logging.Warn("content transfer error", zap.String("file", obj.Name), zap.Error(err))
	}
	metrics.RecordFileResponse(kind, n)
}

// stat resolves name under the storage root and writes the plain-text error
// response when it cannot be served.
func (s *Server) stat(w http.ResponseWriter, r *http.Request, name string) (*storage.Object, bool) {
	obj, err := s.root.Stat(name)
	switch {
	case err == nil:
		return obj, true
	case errors.Is(err, storage.ErrForbidden):
		logging.WithContext(r.Context()).Warn("path outside storage root", zap.String("file", name))
		sendText(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, storage.ErrNotFound):
		sendText(w, http.StatusNotFound, "Not Found")
	default:
		logging.WithContext(r.Context()).Error("stat file", zap.String("file", name), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
	return nil, false
}
