package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/packpulse/packpulse/registry"
	"github.com/packpulse/packpulse/sched"
)

// HookPrefix is the scheduled-action hook family for package checks.
// The full hook is HookPrefix plus the slug, so scheduling is naturally
// deduplicated per package.
const HookPrefix = "check_remote_"

// HookFor returns the scheduled-action hook for a slug.
func HookFor(slug string) string { return HookPrefix + slug }

// HookArgs is the serialized payload of a scheduled check.
type HookArgs struct {
	SourceKey string `json:"source_key"`
	// RepoURL overrides the source URL for owner-level sources, where
	// the source itself only names the namespace.
	RepoURL string `json:"repo_url,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

func (a HookArgs) Encode() string {
	data, _ := json.Marshal(a)
	return string(data)
}

// RegisterHandlers wires the check hook family into a scheduler runner.
// The scheduler is kept so checks whose source has been deleted can
// remove themselves.
func (s *Synchronizer) RegisterHandlers(scheduler *sched.Scheduler, runner *sched.Runner) {
	s.scheduler = scheduler
	runner.HandlePrefix(HookPrefix, s.runScheduledCheck)
}

func (s *Synchronizer) runScheduledCheck(ctx context.Context, hook, rawArgs string) {
	slug := strings.TrimPrefix(hook, HookPrefix)
	var args HookArgs
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			s.log.Error("unparseable scheduled check args",
				zap.String("hook", hook), zap.Error(err))
			return
		}
	}

	src, err := s.reg.GetSource(ctx, args.SourceKey)
	if errors.Is(err, registry.ErrNotFound) {
		// The source is gone. A recurring occurrence was re-armed when it
		// was claimed, so the whole hook has to go.
		s.log.Warn("scheduled check for deleted source, unscheduling",
			zap.String("slug", slug), zap.String("source_key", args.SourceKey))
		if err := s.scheduler.UnscheduleAll(ctx, hook); err != nil {
			s.log.Error("unscheduling orphaned check failed",
				zap.String("hook", hook), zap.Error(err))
		}
		return
	}
	if err != nil {
		s.log.Error("loading source for scheduled check failed",
			zap.String("slug", slug), zap.Error(err))
		return
	}
	if args.RepoURL != "" {
		src.URL = registry.TrailingSlash(args.RepoURL)
	} else if ownerLevel(src.URL) {
		// Namespace sources name only the owner; the repository is the slug.
		src.URL = src.URL + slug + "/"
	}
	kind := args.Kind
	if kind == "" {
		kind = registry.KindGeneric
	}

	if _, err := s.Sync(ctx, slug, src, kind, false); err != nil {
		s.log.Error("scheduled check failed", zap.String("slug", slug), zap.Error(err))
	}
}

func ownerLevel(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.Trim(u.Path, "/")
	return path != "" && !strings.Contains(path, "/")
}
