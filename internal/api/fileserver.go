package api

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/angelstreet/virtualpytest/internal/log"
)

// captureFileServer serves capture artifacts (keyframes, sidecars,
// segments, transcripts) from the capture root. Paths are confined to
// the root: traversal sequences, encoded escapes and symlinks pointing
// outside are rejected, directory listings are never produced.
func (s *Server) captureFileServer() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithComponentFromContext(r.Context(), "api")

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		rel := strings.TrimPrefix(r.URL.Path, "/captures/")
		if rel == "" || strings.HasSuffix(rel, "/") || isPathTraversal(rel) {
			logger.Warn().Str(log.FieldPath, r.URL.Path).Msg("capture file request denied")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		root, err := filepath.Abs(s.cfg.Capture.Root)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		full := filepath.Join(root, filepath.FromSlash(rel))

		real, err := filepath.EvalSymlinks(full)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		realRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if real != realRoot && !strings.HasPrefix(real, realRoot+string(os.PathSeparator)) {
			logger.Warn().Str(log.FieldPath, r.URL.Path).Msg("symlink escape denied")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		info, err := os.Stat(real)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, real)
	})
}

// isPathTraversal rejects dot-dot sequences in raw and URL-decoded
// forms, plus NUL bytes.
func isPathTraversal(path string) bool {
	candidates := []string{path}
	if dec, err := url.PathUnescape(path); err == nil && dec != path {
		candidates = append(candidates, dec)
		if dec2, err := url.PathUnescape(dec); err == nil && dec2 != dec {
			candidates = append(candidates, dec2)
		}
	}
	for _, c := range candidates {
		if strings.Contains(c, "\x00") {
			return true
		}
		for _, part := range strings.Split(filepath.ToSlash(c), "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}
