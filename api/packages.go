package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/packpulse/packpulse/registry"
	pkgsync "github.com/packpulse/packpulse/sync"
)

// TokenHeader authenticates package API calls.
const TokenHeader = "X-PackPulse-Token"

// handlePackageAPI serves the private management endpoint.
func (s *Server) handlePackageAPI(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(TokenHeader)
	if token == "" {
		s.fail(w, r, http.StatusUnauthorized, "missing "+TokenHeader)
		return
	}
	if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
		s.fail(w, r, http.StatusForbidden, "invalid credentials")
		return
	}

	action := r.URL.Query().Get("action")
	switch {
	case action == "browse" && r.Method == http.MethodGet:
		s.handleBrowse(w, r)
	case action == "read" && r.Method == http.MethodGet:
		s.handleRead(w, r)
	case action == "signed_url" && r.Method == http.MethodGet:
		s.handleSignedURL(w, r)
	case action == "add" && r.Method == http.MethodPost:
		s.handleAddEdit(w, r, false)
	case action == "edit" && r.Method == http.MethodPost:
		s.handleAddEdit(w, r, true)
	case action == "delete" && r.Method == http.MethodPost:
		s.handleDelete(w, r)
	case action == "remove_source" && r.Method == http.MethodPost:
		s.handleRemoveSource(w, r)
	default:
		s.fail(w, r, http.StatusBadRequest, "unknown action")
	}
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	packages, err := s.reg.ListPackages(r.Context())
	if err != nil {
		s.log.Error("listing packages failed", zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "listing packages failed")
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{
		"packages": packages,
		"count":    len(packages),
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("package_id")
	if !validSlug(slug) {
		s.fail(w, r, http.StatusBadRequest, "invalid package_id")
		return
	}
	p, err := s.reg.GetPackage(r.Context(), slug)
	if errors.Is(err, registry.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "package not found")
		return
	}
	if err != nil {
		s.log.Error("reading package failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "reading package failed")
		return
	}
	payload := map[string]any{"package": p}
	if manifest, info, err := s.pipe.Metadata(r.Context(), slug); err == nil && manifest != nil {
		payload["manifest"] = manifest
		payload["file_size"] = info.Size
	}
	if next, ok, err := s.scheduler.NextScheduled(r.Context(), pkgsync.HookFor(slug)); err == nil && ok {
		payload["next_check"] = next.UTC().Format(time.RFC3339)
	}
	s.respond(w, r, http.StatusOK, payload)
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("package_id")
	if !validSlug(slug) {
		s.fail(w, r, http.StatusBadRequest, "invalid package_id")
		return
	}
	if _, err := s.reg.GetPackage(r.Context(), slug); errors.Is(err, registry.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "package not found")
		return
	}
	signed, err := s.st.SignedURL(r.Context(), pkgsync.ArtifactKey(slug), s.signedTTL)
	if err != nil {
		s.log.Error("signing url failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "signing url failed")
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{
		"url":        signed,
		"expires_in": int(s.signedTTL.Seconds()),
	})
}

// handleAddEdit runs the pipeline synchronously. add refuses to touch an
// existing package; edit requires one and forces a republish.
func (s *Server) handleAddEdit(w http.ResponseWriter, r *http.Request, edit bool) {
	ctx := r.Context()
	q := r.URL.Query()
	slug := q.Get("package_id")
	if !validSlug(slug) {
		s.fail(w, r, http.StatusBadRequest, "invalid package_id")
		return
	}
	kind := q.Get("type")
	if kind == "" {
		kind = registry.KindGeneric
	}
	if !validKind(kind) {
		s.fail(w, r, http.StatusBadRequest, "unknown package type")
		return
	}

	existing, err := s.reg.GetPackage(ctx, slug)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.log.Error("reading package failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "reading package failed")
		return
	}
	if !edit && existing != nil {
		s.fail(w, r, http.StatusConflict, "package already exists")
		return
	}
	if edit && existing == nil {
		s.fail(w, r, http.StatusNotFound, "package not found")
		return
	}
	if edit {
		kind = existing.Kind
	}

	src, err := s.findSource(ctx, slug, q.Get("source_key"), q.Get("vcs_url"), q.Get("branch"))
	if err != nil {
		var ambiguous *sourceAmbiguityError
		switch {
		case errors.As(err, &ambiguous):
			s.respond(w, r, http.StatusConflict, map[string]any{
				"message":    "multiple sources could provide this package",
				"candidates": ambiguous.urls,
			})
		case errors.Is(err, registry.ErrNotFound):
			s.fail(w, r, http.StatusNotFound, "no source provides this package")
		default:
			s.log.Error("finding source failed", zap.String("slug", slug), zap.Error(err))
			s.fail(w, r, http.StatusInternalServerError, "finding source failed")
		}
		return
	}

	res, err := s.pipe.Sync(ctx, slug, src, kind, edit)
	if err != nil {
		s.log.Error("sync failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("sync failed: %v", err))
		return
	}
	switch res.Status {
	case pkgsync.StatusNotFound:
		s.fail(w, r, http.StatusNotFound, "no matching reference upstream")
		return
	case pkgsync.StatusFiltered:
		s.fail(w, r, http.StatusForbidden, "package does not claim this server")
		return
	case pkgsync.StatusLocked:
		s.fail(w, r, http.StatusConflict, "package is being synchronized")
		return
	}

	if err := s.armSchedule(ctx, slug, src, kind); err != nil {
		s.log.Error("arming schedule failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusBadRequest, "package published but scheduling failed")
		return
	}

	p, err := s.reg.GetPackage(ctx, slug)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "reading package failed")
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{
		"package": p,
		"status":  res.Status,
	})
}

// armSchedule keeps polling sources on a recurring check and leaves
// webhook sources to their deliveries.
func (s *Server) armSchedule(ctx context.Context, slug string, src *registry.Source, kind string) error {
	hook := pkgsync.HookFor(slug)
	args := pkgsync.HookArgs{SourceKey: src.Key, RepoURL: src.URL, Kind: kind}.Encode()
	if src.UseWebhooks {
		return s.scheduler.UnscheduleAll(ctx, hook)
	}
	return s.scheduler.ScheduleRecurring(ctx, hook, args, src.Frequency())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := r.URL.Query().Get("package_id")
	if !validSlug(slug) {
		s.fail(w, r, http.StatusBadRequest, "invalid package_id")
		return
	}
	if _, err := s.reg.GetPackage(ctx, slug); errors.Is(err, registry.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "package not found")
		return
	}
	if err := s.pipe.Remove(ctx, slug); err != nil {
		s.log.Error("removing package failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "removing package failed")
		return
	}
	if err := s.scheduler.UnscheduleAll(ctx, pkgsync.HookFor(slug)); err != nil {
		s.log.Error("unscheduling failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "unscheduling failed")
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"deleted": slug})
}

// handleRemoveSource drops a source and cancels every pending check of
// the packages it provided, so no orphaned occurrence keeps firing.
func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.Query().Get("source_key")
	if key == "" {
		s.fail(w, r, http.StatusBadRequest, "missing source_key")
		return
	}
	if _, err := s.reg.GetSource(ctx, key); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.fail(w, r, http.StatusNotFound, "source not found")
			return
		}
		s.log.Error("reading source failed", zap.String("source_key", key), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "reading source failed")
		return
	}

	packages, err := s.reg.ListPackages(ctx)
	if err != nil {
		s.log.Error("listing packages failed", zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "listing packages failed")
		return
	}
	var unscheduled []string
	for _, p := range packages {
		if p.SourceKey != key {
			continue
		}
		if err := s.scheduler.UnscheduleAll(ctx, pkgsync.HookFor(p.Slug)); err != nil {
			s.log.Error("unscheduling failed", zap.String("slug", p.Slug), zap.Error(err))
			s.fail(w, r, http.StatusInternalServerError, "unscheduling failed")
			return
		}
		unscheduled = append(unscheduled, p.Slug)
	}

	if err := s.reg.DeleteSource(ctx, key); err != nil {
		s.log.Error("deleting source failed", zap.String("source_key", key), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "deleting source failed")
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{
		"deleted":     key,
		"unscheduled": unscheduled,
	})
}

type sourceAmbiguityError struct {
	urls []string
}

func (e *sourceAmbiguityError) Error() string {
	return fmt.Sprintf("%d sources could provide this package", len(e.urls))
}

// findSource picks the source a slug should be fetched from. An explicit
// source_key or vcs_url wins; otherwise repository-level sources whose
// last path segment matches the slug are preferred over owner-level
// namespaces. The returned source carries a repository-level URL.
func (s *Server) findSource(ctx context.Context, slug, sourceKey, vcsURL, branch string) (*registry.Source, error) {
	if sourceKey != "" {
		src, err := s.reg.GetSource(ctx, sourceKey)
		if err != nil {
			return nil, err
		}
		return repoLevel(src, slug), nil
	}
	if vcsURL != "" {
		if branch == "" {
			branch = "main"
		}
		src, err := s.reg.GetSource(ctx, registry.SourceKey(vcsURL, branch))
		if err != nil {
			return nil, err
		}
		return repoLevel(src, slug), nil
	}

	sources, err := s.reg.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	var repoMatches, ownerMatches []registry.Source
	for _, src := range sources {
		if ownerLevel(src.URL) {
			ownerMatches = append(ownerMatches, src)
		} else if lastSegment(src.URL) == slug {
			repoMatches = append(repoMatches, src)
		}
	}
	candidates := repoMatches
	if len(candidates) == 0 {
		candidates = ownerMatches
	}
	switch len(candidates) {
	case 0:
		return nil, registry.ErrNotFound
	case 1:
		return repoLevel(&candidates[0], slug), nil
	default:
		urls := make([]string, len(candidates))
		for i, c := range candidates {
			urls[i] = c.URL
		}
		return nil, &sourceAmbiguityError{urls: urls}
	}
}

// repoLevel derives a repository URL from an owner-level source without
// touching the stored record.
func repoLevel(src *registry.Source, slug string) *registry.Source {
	out := *src
	if ownerLevel(out.URL) {
		out.URL = out.URL + slug + "/"
	}
	return &out
}

func ownerLevel(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.Trim(u.Path, "/")
	return path != "" && !strings.Contains(path, "/")
}

func lastSegment(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}
