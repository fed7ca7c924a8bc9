// Package webhook parses inbound VCS events and maps them onto
// registered sources.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// ErrNoRepository means the payload carries no recognizable repository URL.
var ErrNoRepository = errors.New("webhook: no repository url in payload")

// Event is a normalized inbound VCS notification.
type Event struct {
	// RepoURL is the repository's web URL, with a trailing slash.
	RepoURL string
	// Slug is the repository name, the last URL path segment.
	Slug string
	// Branch is the pushed branch, empty when undeterminable.
	Branch string
	// BranchAdvisory is set when Branch came from a recursive payload
	// scan rather than a well-known field.
	BranchAdvisory bool
}

// Parse normalizes a webhook request body. Form-encoded bodies wrapping
// the JSON in a payload field are unwrapped first, matching what older
// GitHub webhook configurations send.
func Parse(body []byte, header http.Header) (*Event, error) {
	if ct := header.Get("Content-Type"); ct != "" {
		if media, _, err := mime.ParseMediaType(ct); err == nil && media == "application/x-www-form-urlencoded" {
			values, err := url.ParseQuery(string(body))
			if err != nil {
				return nil, fmt.Errorf("webhook: parsing form body: %w", err)
			}
			if p := values.Get("payload"); p != "" {
				body = []byte(p)
			}
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("webhook: decoding payload: %w", err)
	}

	repoURL := repositoryURL(payload)
	if repoURL == "" {
		return nil, ErrNoRepository
	}
	repoURL = strings.TrimRight(repoURL, "/") + "/"

	ev := &Event{
		RepoURL: repoURL,
		Slug:    slugOf(repoURL),
	}
	ev.Branch, ev.BranchAdvisory = branchOf(payload, header)
	return ev, nil
}

// repositoryURL extracts the repository web URL from the provider
// specific payload shapes.
func repositoryURL(payload map[string]any) string {
	repo, _ := payload["repository"].(map[string]any)
	if repo == nil {
		return ""
	}
	if s, _ := repo["html_url"].(string); s != "" {
		return s
	}
	if s, _ := repo["homepage"].(string); s != "" {
		return s
	}
	if links, _ := repo["links"].(map[string]any); links != nil {
		if html, _ := links["html"].(map[string]any); html != nil {
			if s, _ := html["href"].(string); s != "" {
				return s
			}
		}
	}
	return ""
}

func slugOf(repoURL string) string {
	trimmed := strings.TrimRight(repoURL, "/")
	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}

// OwnerURL strips the repository segment, yielding the namespace URL an
// owner-level source would be registered under.
func OwnerURL(repoURL string) string {
	trimmed := strings.TrimRight(repoURL, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return repoURL
	}
	return trimmed[:idx+1]
}

// branchOf determines the pushed branch. Push events carry it in ref;
// Bitbucket nests it under push.changes. As a last resort the whole
// payload is scanned for a refs/heads string, which is only advisory.
func branchOf(payload map[string]any, header http.Header) (string, bool) {
	objectKind, _ := payload["object_kind"].(string)
	isPush := objectKind == "push" || header.Get("X-GitHub-Event") == "push"
	if ref, _ := payload["ref"].(string); ref != "" && isPush {
		return strings.TrimPrefix(ref, "refs/heads/"), false
	}

	if push, _ := payload["push"].(map[string]any); push != nil {
		if changes, _ := push["changes"].([]any); len(changes) > 0 {
			if change, _ := changes[0].(map[string]any); change != nil {
				if next, _ := change["new"].(map[string]any); next != nil {
					if name, _ := next["name"].(string); name != "" {
						return name, false
					}
				}
			}
		}
	}

	if ref := scanRefsHeads(payload); ref != "" {
		return ref, true
	}
	return "", false
}

func scanRefsHeads(v any) string {
	switch val := v.(type) {
	case string:
		if idx := strings.Index(val, "refs/heads/"); idx >= 0 {
			return val[idx+len("refs/heads/"):]
		}
	case map[string]any:
		for _, child := range val {
			if ref := scanRefsHeads(child); ref != "" {
				return ref
			}
		}
	case []any:
		for _, child := range val {
			if ref := scanRefsHeads(child); ref != "" {
				return ref
			}
		}
	}
	return ""
}
