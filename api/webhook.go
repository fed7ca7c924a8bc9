package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/packpulse/packpulse/registry"
	pkgsync "github.com/packpulse/packpulse/sync"
	"github.com/packpulse/packpulse/webhook"
)

const maxWebhookBody = 10 << 20

// handleWebhook receives VCS push notifications. A known package gets a
// delayed scheduled check so bursts collapse into one fetch; a package
// the store has never seen is fetched immediately.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "reading body failed")
		return
	}

	ev, err := webhook.Parse(body, r.Header)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "unparseable payload")
		return
	}

	src, err := s.disamb.Match(ctx, ev)
	if err != nil {
		var ambiguous *webhook.AmbiguityError
		switch {
		case errors.As(err, &ambiguous):
			urls := make([]string, len(ambiguous.Candidates))
			for i, c := range ambiguous.Candidates {
				urls[i] = c.URL
			}
			s.respond(w, r, http.StatusConflict, map[string]any{
				"message":    "event matches multiple sources",
				"candidates": urls,
			})
		case errors.Is(err, registry.ErrNotFound):
			s.fail(w, r, http.StatusForbidden, "no matching source")
		default:
			s.log.Error("matching webhook failed", zap.Error(err))
			s.fail(w, r, http.StatusInternalServerError, "matching webhook failed")
		}
		return
	}

	if !webhook.ValidateSignature(src.WebhookSecret, body, r.Header) {
		s.fail(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	if ev.Branch != "" && !ev.BranchAdvisory && ev.Branch != src.Branch {
		s.respond(w, r, http.StatusOK, map[string]any{
			"message": "branch not tracked, ignored",
			"branch":  ev.Branch,
		})
		return
	}
	if ev.BranchAdvisory {
		s.log.Warn("branch determined by payload scan, proceeding",
			zap.String("slug", ev.Slug), zap.String("branch", ev.Branch))
	}

	slug := ev.Slug
	kind := registry.KindGeneric
	if p, err := s.reg.GetPackage(ctx, slug); err == nil {
		kind = p.Kind
	}
	args := pkgsync.HookArgs{SourceKey: src.Key, RepoURL: ev.RepoURL, Kind: kind}

	_, info, err := s.pipe.Metadata(ctx, slug)
	if err != nil {
		s.log.Error("checking artifact failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "checking artifact failed")
		return
	}
	if info == nil {
		// First delivery for this repository: fetch right away so the
		// package becomes available without waiting for the delay.
		repoSrc := *src
		repoSrc.URL = ev.RepoURL
		res, err := s.pipe.Sync(ctx, slug, &repoSrc, kind, false)
		if err != nil {
			s.log.Error("direct fetch failed", zap.String("slug", slug), zap.Error(err))
			s.fail(w, r, http.StatusBadRequest, "fetching package failed")
			return
		}
		s.respond(w, r, http.StatusOK, map[string]any{
			"slug":   slug,
			"status": res.Status,
		})
		return
	}

	delay := time.Duration(src.CheckDelayS) * time.Second
	armed, err := s.scheduler.ScheduleSingle(ctx, pkgsync.HookFor(slug), args.Encode(), delay)
	if err != nil {
		s.log.Error("scheduling check failed", zap.String("slug", slug), zap.Error(err))
		s.fail(w, r, http.StatusBadRequest, "scheduling check failed")
		return
	}
	payload := map[string]any{
		"slug":      slug,
		"scheduled": armed,
	}
	if !armed {
		if pending, err := s.scheduler.HasScheduled(ctx, pkgsync.HookFor(slug), args.Encode()); err == nil && pending {
			payload["message"] = "check already pending"
		}
	}
	s.respond(w, r, http.StatusOK, payload)
}
