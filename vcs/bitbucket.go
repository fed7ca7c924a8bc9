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

const bitbucketAPIBase = "https://api.bitbucket.org/2.0"

type bitbucket struct {
	owner    string
	repo     string
	user     string // credentials are "user|app-password"
	password string
	apiBase  string
	siteBase string
	opts     Options
	client   *apiClient
}

func newBitbucket(repoURL, credentials string, opts Options) (*bitbucket, error) {
	owner, repo, err := splitRepoPath(repoURL)
	if err != nil {
		return nil, err
	}
	b := &bitbucket{
		owner:    owner,
		repo:     repo,
		apiBase:  bitbucketAPIBase,
		siteBase: "https://bitbucket.org",
		opts:     opts,
	}
	if credentials != "" {
		user, pass, ok := strings.Cut(credentials, "|")
		if !ok {
			// A bare app password authenticates as the repository owner.
			user, pass = owner, credentials
		}
		b.user, b.password = user, pass
	}
	if opts.APIBase != "" {
		b.apiBase = strings.TrimSuffix(opts.APIBase, "/")
		b.siteBase = b.apiBase
	}
	b.client = newAPIClient(opts.Timeout, func(req *http.Request) {
		if b.password != "" {
			req.SetBasicAuth(b.user, b.password)
		}
	})
	return b, nil
}

func (b *bitbucket) repoURL(format string, args ...any) string {
	return b.apiBase + fmt.Sprintf("/repositories/%s/%s", b.owner, b.repo) + fmt.Sprintf(format, args...)
}

// archiveURL builds the source archive URL for a ref.
func (b *bitbucket) archiveURL(ref string) string {
	return fmt.Sprintf("%s/%s/%s/get/%s.zip", b.siteBase, b.owner, b.repo, url.PathEscape(ref))
}

// Resolve tries the branch head first, then the latest version tag for
// default branches. Bitbucket has no release concept.
func (b *bitbucket) Resolve(ctx context.Context, branch string) (*Reference, error) {
	strategies := []strategy{
		func(ctx context.Context) (*Reference, error) {
			return b.branch(ctx, branch)
		},
	}
	if IsDefaultBranch(branch) && !b.opts.ForceBranch {
		strategies = append(strategies, b.latestTag)
	}
	return resolveWith(ctx, strategies)
}

type bitbucketRef struct {
	Name   string `json:"name"`
	Target struct {
		Hash string    `json:"hash"`
		Date time.Time `json:"date"`
	} `json:"target"`
}

func (b *bitbucket) branch(ctx context.Context, name string) (*Reference, error) {
	var branch bitbucketRef
	if err := b.client.getJSON(ctx, b.repoURL("/refs/branches/%s", url.PathEscape(name)), &branch); err != nil {
		return nil, err
	}

	// The archive endpoint rejects branch names containing slashes whether
	// encoded or not, so fall back to the head commit hash.
	ref := branch.Name
	if !urlSafe(ref) && branch.Target.Hash != "" {
		ref = branch.Target.Hash
	}
	return &Reference{
		Name:        branch.Name,
		DownloadURL: b.archiveURL(ref),
		Updated:     branch.Target.Date,
	}, nil
}

func (b *bitbucket) latestTag(ctx context.Context) (*Reference, error) {
	var tags struct {
		Values []bitbucketRef `json:"values"`
	}
	if err := b.client.getJSON(ctx, b.repoURL("/refs/tags?sort=-target.date"), &tags); err != nil {
		return nil, err
	}

	names := make([]string, len(tags.Values))
	updated := make(map[string]time.Time, len(tags.Values))
	for i, t := range tags.Values {
		names[i] = t.Name
		updated[t.Name] = t.Target.Date
	}
	versions := sortVersionTags(names)
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	best := versions[0]
	return &Reference{
		Name:        best,
		Version:     stripVPrefix(best),
		DownloadURL: b.archiveURL(best),
		Updated:     updated[best],
	}, nil
}

func (b *bitbucket) Download(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	return b.client.download(ctx, downloadURL, nil)
}

func (b *bitbucket) Test(ctx context.Context) error {
	if b.password != "" {
		return b.client.check(ctx, b.apiBase+"/user")
	}
	return b.client.check(ctx, b.repoURL(""))
}
