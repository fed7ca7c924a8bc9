package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/packpulse/packpulse/registry"
)

// ErrAmbiguous is returned when more than one source claims an event.
var ErrAmbiguous = errors.New("webhook: event matches multiple sources")

// AmbiguityError carries the competing sources so the response can list
// them for the operator.
type AmbiguityError struct {
	Candidates []registry.Source
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("webhook: event matches %d sources", len(e.Candidates))
}

func (e *AmbiguityError) Unwrap() error { return ErrAmbiguous }

// Disambiguator resolves an event to the single source responsible for it.
type Disambiguator struct {
	reg *registry.Registry
}

func NewDisambiguator(reg *registry.Registry) *Disambiguator {
	return &Disambiguator{reg: reg}
}

// Match finds the source owning the event. Exact repository-plus-branch
// identity wins, then the owner namespace, then a URL prefix scan. Zero
// matches yield registry.ErrNotFound; several yield an AmbiguityError.
func (d *Disambiguator) Match(ctx context.Context, ev *Event) (*registry.Source, error) {
	if ev.Branch != "" {
		for _, candidate := range []string{ev.RepoURL, OwnerURL(ev.RepoURL)} {
			src, err := d.reg.GetSource(ctx, registry.SourceKey(candidate, ev.Branch))
			if err == nil {
				return src, nil
			}
			if !errors.Is(err, registry.ErrNotFound) {
				return nil, err
			}
		}
	}

	matches, err := d.reg.MatchURLPrefix(ctx, ev.RepoURL)
	if err != nil {
		return nil, err
	}
	if ev.Branch != "" {
		filtered := matches[:0]
		for _, m := range matches {
			if m.Branch == ev.Branch {
				filtered = append(filtered, m)
			}
		}
		// Fall back to the unfiltered prefix matches when no source
		// tracks the pushed branch, so the caller can report the skip.
		if len(filtered) > 0 {
			matches = filtered
		}
	}
	switch len(matches) {
	case 0:
		return nil, registry.ErrNotFound
	case 1:
		return &matches[0], nil
	default:
		return nil, &AmbiguityError{Candidates: matches}
	}
}
