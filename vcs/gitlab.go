package vcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type gitLab struct {
	host      string // scheme://host[:port]
	projectID string // path-escaped "owner/repo", sub-groups included
	owner     string
	token     string
	opts      Options
	client    *apiClient
}

func newGitLab(repoURL, token string, selfHosted bool, opts Options) (*gitLab, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return nil, fmt.Errorf("vcs: parsing repository URL %q: %w", repoURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("vcs: invalid GitLab repository URL %q", repoURL)
	}
	if !selfHosted && u.Hostname() != "gitlab.com" {
		return nil, fmt.Errorf("vcs: host %q requires the self-hosted flag", u.Hostname())
	}

	// GitLab paths may contain sub-groups: /group/sub/repo. The project
	// identifier is the whole path, escaped as a single segment.
	path := strings.Trim(u.Path, "/")
	segments := strings.Split(path, "/")
	if path == "" || len(segments) < 2 {
		return nil, fmt.Errorf("vcs: invalid GitLab repository URL %q", repoURL)
	}

	g := &gitLab{
		host:      u.Scheme + "://" + u.Host,
		projectID: url.PathEscape(path),
		owner:     segments[0],
		token:     token,
		opts:      opts,
	}
	if opts.APIBase != "" {
		g.host = strings.TrimSuffix(opts.APIBase, "/")
	}
	g.client = newAPIClient(opts.Timeout, func(req *http.Request) {
		if g.token != "" {
			req.Header.Set("PRIVATE-TOKEN", g.token)
		}
	})
	return g, nil
}

func (g *gitLab) apiURL(format string, args ...any) string {
	return g.host + "/api/v4" + fmt.Sprintf(format, args...)
}

func (g *gitLab) archiveURL(ref string) string {
	return g.apiURL("/projects/%s/repository/archive.zip?sha=%s", g.projectID, url.QueryEscape(ref))
}

func (g *gitLab) Resolve(ctx context.Context, branch string) (*Reference, error) {
	var strategies []strategy
	if IsDefaultBranch(branch) && !g.opts.ForceBranch {
		strategies = append(strategies, g.latestRelease, g.latestTag)
	}
	strategies = append(strategies, func(ctx context.Context) (*Reference, error) {
		return g.branch(ctx, branch)
	})
	return resolveWith(ctx, strategies)
}

type gitlabRelease struct {
	TagName         string    `json:"tag_name"`
	UpcomingRelease bool      `json:"upcoming_release"`
	ReleasedAt      time.Time `json:"released_at"`
	Assets          struct {
		Links []struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"links"`
	} `json:"assets"`
}

func (g *gitLab) latestRelease(ctx context.Context) (*Reference, error) {
	var releases []gitlabRelease
	if err := g.client.getJSON(ctx, g.apiURL("/projects/%s/releases?per_page=10", g.projectID), &releases); err != nil {
		return nil, err
	}

	for _, rel := range releases {
		if rel.TagName == "" {
			continue
		}
		if rel.UpcomingRelease && !g.opts.IncludePrereleases {
			continue
		}

		ref := &Reference{
			Name:        rel.TagName,
			Version:     stripVPrefix(rel.TagName),
			DownloadURL: g.archiveURL(rel.TagName),
			Updated:     rel.ReleasedAt,
		}
		if g.opts.AssetFilter != "" {
			found := false
			for _, link := range rel.Assets.Links {
				if matched, _ := matchName(g.opts.AssetFilter, link.Name); matched {
					ref.DownloadURL = link.URL
					found = true
					break
				}
			}
			if !found && g.opts.RequireAsset {
				return nil, ErrNotFound
			}
		}
		return ref, nil
	}
	return nil, ErrNotFound
}

func (g *gitLab) latestTag(ctx context.Context) (*Reference, error) {
	var tags []struct {
		Name   string `json:"name"`
		Commit struct {
			CreatedAt time.Time `json:"created_at"`
		} `json:"commit"`
	}
	if err := g.client.getJSON(ctx, g.apiURL("/projects/%s/repository/tags", g.projectID), &tags); err != nil {
		return nil, err
	}

	names := make([]string, len(tags))
	updated := make(map[string]time.Time, len(tags))
	for i, t := range tags {
		names[i] = t.Name
		updated[t.Name] = t.Commit.CreatedAt
	}
	versions := sortVersionTags(names)
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	best := versions[0]
	return &Reference{
		Name:        best,
		Version:     stripVPrefix(best),
		DownloadURL: g.archiveURL(best),
		Updated:     updated[best],
	}, nil
}

func (g *gitLab) branch(ctx context.Context, name string) (*Reference, error) {
	var branch struct {
		Name   string `json:"name"`
		Commit struct {
			ID        string    `json:"id"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"commit"`
	}
	if err := g.client.getJSON(ctx, g.apiURL("/projects/%s/repository/branches/%s", g.projectID, url.PathEscape(name)), &branch); err != nil {
		return nil, err
	}

	ref := branch.Name
	if !urlSafe(ref) && branch.Commit.ID != "" {
		ref = branch.Commit.ID
	}
	return &Reference{
		Name:        branch.Name,
		DownloadURL: g.archiveURL(ref),
		Updated:     branch.Commit.CreatedAt,
	}, nil
}

func (g *gitLab) Download(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	return g.client.download(ctx, downloadURL, nil)
}

func (g *gitLab) Test(ctx context.Context) error {
	if g.token != "" {
		return g.client.check(ctx, g.apiURL("/user"))
	}
	return g.client.check(ctx, g.apiURL("/projects/%s", g.projectID))
}
