package vcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const githubAPIBase = "https://api.github.com"

type gitHub struct {
	owner       string
	repo        string
	token       string
	apiBase     string
	opts        Options
	client      *apiClient
	assetFilter *regexp.Regexp
}

func newGitHub(repoURL, token string, opts Options) (*gitHub, error) {
	owner, repo, err := splitRepoPath(repoURL)
	if err != nil {
		return nil, err
	}
	g := &gitHub{
		owner:   owner,
		repo:    repo,
		token:   token,
		apiBase: githubAPIBase,
		opts:    opts,
	}
	if opts.APIBase != "" {
		g.apiBase = strings.TrimSuffix(opts.APIBase, "/")
	}
	if opts.AssetFilter != "" {
		g.assetFilter, err = regexp.Compile(opts.AssetFilter)
		if err != nil {
			return nil, fmt.Errorf("vcs: invalid asset filter: %w", err)
		}
	}
	g.client = newAPIClient(opts.Timeout, func(req *http.Request) {
		if g.token != "" {
			req.SetBasicAuth(g.owner, g.token)
		}
	})
	return g, nil
}

func (g *gitHub) apiURL(format string, args ...any) string {
	return g.apiBase + fmt.Sprintf(format, args...)
}

func (g *gitHub) Resolve(ctx context.Context, branch string) (*Reference, error) {
	var strategies []strategy
	if IsDefaultBranch(branch) && !g.opts.ForceBranch {
		strategies = append(strategies, g.latestRelease, g.latestTag)
	}
	strategies = append(strategies, func(ctx context.Context) (*Reference, error) {
		return g.branch(ctx, branch)
	})
	return resolveWith(ctx, strategies)
}

type githubRelease struct {
	TagName    string        `json:"tag_name"`
	Draft      bool          `json:"draft"`
	Prerelease bool          `json:"prerelease"`
	CreatedAt  time.Time     `json:"created_at"`
	ZipballURL string        `json:"zipball_url"`
	Assets     []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	URL                string `json:"url"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

func (g *gitHub) latestRelease(ctx context.Context) (*Reference, error) {
	// The "latest" endpoint already skips drafts and prereleases; listing
	// is only needed when prereleases are explicitly included.
	var releases []githubRelease
	if g.opts.IncludePrereleases {
		if err := g.client.getJSON(ctx, g.apiURL("/repos/%s/%s/releases?per_page=10", g.owner, g.repo), &releases); err != nil {
			return nil, err
		}
	} else {
		var latest githubRelease
		if err := g.client.getJSON(ctx, g.apiURL("/repos/%s/%s/releases/latest", g.owner, g.repo), &latest); err != nil {
			return nil, err
		}
		releases = []githubRelease{latest}
	}

	for _, rel := range releases {
		if rel.Draft || rel.TagName == "" {
			continue
		}
		if rel.Prerelease && !g.opts.IncludePrereleases {
			continue
		}

		ref := &Reference{
			Name:        rel.TagName,
			Version:     stripVPrefix(rel.TagName),
			DownloadURL: rel.ZipballURL,
			Updated:     rel.CreatedAt,
		}
		if g.assetFilter != nil {
			asset := g.matchAsset(rel.Assets)
			switch {
			case asset != nil && g.token != "":
				// The asset API URL works for private repositories when
				// requested with an octet-stream Accept header.
				ref.DownloadURL = asset.URL
			case asset != nil:
				ref.DownloadURL = asset.BrowserDownloadURL
			case g.opts.RequireAsset:
				return nil, ErrNotFound
			}
		}
		return ref, nil
	}
	return nil, ErrNotFound
}

func (g *gitHub) matchAsset(assets []githubAsset) *githubAsset {
	for i := range assets {
		if g.assetFilter.MatchString(assets[i].Name) {
			return &assets[i]
		}
	}
	return nil
}

func (g *gitHub) latestTag(ctx context.Context) (*Reference, error) {
	var tags []struct {
		Name       string `json:"name"`
		ZipballURL string `json:"zipball_url"`
	}
	if err := g.client.getJSON(ctx, g.apiURL("/repos/%s/%s/tags", g.owner, g.repo), &tags); err != nil {
		return nil, err
	}

	names := make([]string, len(tags))
	byName := make(map[string]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
		byName[t.Name] = t.ZipballURL
	}
	versions := sortVersionTags(names)
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	best := versions[0]
	return &Reference{
		Name:        best,
		Version:     stripVPrefix(best),
		DownloadURL: byName[best],
	}, nil
}

func (g *gitHub) branch(ctx context.Context, name string) (*Reference, error) {
	var branch struct {
		Name   string `json:"name"`
		Commit struct {
			SHA    string `json:"sha"`
			Commit struct {
				Author struct {
					Date time.Time `json:"date"`
				} `json:"author"`
			} `json:"commit"`
		} `json:"commit"`
	}
	if err := g.client.getJSON(ctx, g.apiURL("/repos/%s/%s/branches/%s", g.owner, g.repo, url.PathEscape(name)), &branch); err != nil {
		return nil, err
	}

	ref := branch.Name
	if !urlSafe(ref) && branch.Commit.SHA != "" {
		ref = branch.Commit.SHA
	}
	return &Reference{
		Name:        branch.Name,
		DownloadURL: g.apiURL("/repos/%s/%s/zipball/%s", g.owner, g.repo, url.PathEscape(ref)),
		Updated:     branch.Commit.Commit.Author.Date,
	}, nil
}

func (g *gitHub) Download(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	extra := http.Header{}
	if strings.Contains(downloadURL, "/releases/assets/") {
		extra.Set("Accept", "application/octet-stream")
	}
	return g.client.download(ctx, downloadURL, extra)
}

func (g *gitHub) Test(ctx context.Context) error {
	if g.token != "" {
		return g.client.check(ctx, g.apiBase+"/user")
	}
	return g.client.check(ctx, g.apiURL("/repos/%s/%s", g.owner, g.repo))
}
