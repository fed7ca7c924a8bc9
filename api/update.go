package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/packpulse/packpulse/registry"
	"github.com/packpulse/packpulse/store"
	pkgsync "github.com/packpulse/packpulse/sync"
)

// handleUpdateAPI serves the public endpoint update clients poll:
// metadata lookups and token-gated artifact downloads.
func (s *Server) handleUpdateAPI(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "get_metadata":
		s.handleGetMetadata(w, r)
	case "download":
		s.handleDownload(w, r)
	default:
		s.fail(w, r, http.StatusBadRequest, "unknown action")
	}
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("package_id")
	if !validSlug(slug) {
		s.fail(w, r, http.StatusBadRequest, "invalid package_id")
		return
	}

	manifest, info, err := s.pipe.Metadata(r.Context(), slug)
	if err != nil {
		s.log.Error("reading package metadata failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "reading package metadata failed")
		return
	}
	if manifest == nil {
		s.fail(w, r, http.StatusNotFound, "package not found")
		return
	}

	kind := registry.KindGeneric
	if p, err := s.reg.GetPackage(r.Context(), slug); err == nil {
		kind = p.Kind
		// A registered package is only served once its publication to the
		// active backend is on record.
		if !p.IsWhitelisted(s.st.Backend()) {
			s.fail(w, r, http.StatusNotFound, "package not found")
			return
		}
	}
	if want := r.URL.Query().Get("type"); want != "" && want != kind {
		s.fail(w, r, http.StatusNotFound, "package not found")
		return
	}

	downloadURL, err := s.st.SignedURL(r.Context(), pkgsync.ArtifactKey(slug), s.signedTTL)
	if err != nil {
		s.log.Error("signing download url failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "signing download url failed")
		return
	}

	s.respond(w, r, http.StatusOK, map[string]any{
		"name":         manifest.Name,
		"slug":         slug,
		"type":         kind,
		"version":      manifest.Version,
		"author":       manifest.Author,
		"description":  manifest.Description,
		"homepage":     manifest.Homepage,
		"download_url": downloadURL,
		"file_size":    info.Size,
		"last_updated": info.ModTime.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		slug := q.Get("package_id")
		if !validSlug(slug) {
			s.fail(w, r, http.StatusBadRequest, "invalid package_id")
			return
		}
		key = pkgsync.ArtifactKey(slug)
	}

	// The S3 backend never serves bytes itself.
	if s.local == nil {
		signed, err := s.st.SignedURL(r.Context(), key, s.signedTTL)
		if err != nil {
			s.fail(w, r, http.StatusNotFound, "package not found")
			return
		}
		http.Redirect(w, r, signed, http.StatusFound)
		return
	}

	token := q.Get("token")
	if token == "" || !s.local.VerifyToken(key, token) {
		s.fail(w, r, http.StatusForbidden, "invalid or expired token")
		return
	}

	rc, err := s.local.Get(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "package not found")
		return
	}
	if err != nil {
		s.log.Error("opening artifact failed", zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "opening artifact failed")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", keyFilename(key)))
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("streaming artifact interrupted", zap.Error(err))
	}
}

func keyFilename(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
