package sched

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Handler processes one claimed action. The hook keeps its per-instance
// suffix, so a handler registered under "check_remote_" receives hooks
// like "check_remote_widget".
type Handler func(ctx context.Context, hook, args string)

// Runner polls the scheduler for due actions on a fixed tick and
// dispatches them to the handler with the longest matching hook prefix.
type Runner struct {
	sched    *Scheduler
	log      *zap.Logger
	interval time.Duration
	handlers map[string]Handler
}

func NewRunner(sched *Scheduler, log *zap.Logger, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		sched:    sched,
		log:      log,
		interval: interval,
		handlers: map[string]Handler{},
	}
}

// HandlePrefix registers a handler for every hook starting with prefix.
// Registration must finish before Run starts.
func (r *Runner) HandlePrefix(prefix string, h Handler) {
	r.handlers[prefix] = h
}

// Run claims and dispatches due actions until ctx ends. An immediate
// pass runs before the first tick so restarts drain overdue work.
func (r *Runner) Run(ctx context.Context) {
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	due, err := r.sched.claimDue(ctx, time.Now())
	if err != nil {
		r.log.Error("claiming due actions failed", zap.Error(err))
		return
	}
	for _, a := range due {
		h := r.match(a.Hook)
		if h == nil {
			r.log.Warn("no handler for scheduled action", zap.String("hook", a.Hook))
			continue
		}
		r.log.Debug("dispatching scheduled action",
			zap.String("hook", a.Hook), zap.Bool("recurring", a.Recurring()))
		h(ctx, a.Hook, a.Args)
	}
}

func (r *Runner) match(hook string) Handler {
	prefixes := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		prefixes = append(prefixes, p)
	}
	// Longest prefix wins when registrations overlap.
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(hook, p) {
			return r.handlers[p]
		}
	}
	return nil
}
