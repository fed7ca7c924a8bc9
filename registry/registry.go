// Package registry persists the configured upstream sources and the
// per-package sidecar records.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound = errors.New("registry: not found")
)

// Package kinds accepted by the server.
const (
	KindPlugin  = "plugin"
	KindTheme   = "theme"
	KindGeneric = "generic"
)

// Package origins.
const (
	OriginManual = "manual"
	OriginVCS    = "vcs"
)

const schema = `
CREATE TABLE IF NOT EXISTS sources (
	key             TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	branch          TEXT NOT NULL,
	provider        TEXT NOT NULL,
	credentials     TEXT NOT NULL DEFAULT '',
	self_hosted     INTEGER NOT NULL DEFAULT 0,
	use_webhooks    INTEGER NOT NULL DEFAULT 0,
	webhook_secret  TEXT NOT NULL DEFAULT '',
	check_frequency TEXT NOT NULL DEFAULT 'daily',
	check_delay_s   INTEGER NOT NULL DEFAULT 0,
	filter_packages INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS packages (
	slug        TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	origin      TEXT NOT NULL,
	source_key  TEXT NOT NULL DEFAULT '',
	branch      TEXT NOT NULL DEFAULT '',
	version     TEXT NOT NULL DEFAULT '',
	whitelisted TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL,
	previous    TEXT NOT NULL DEFAULT ''
);
`

// Source is a registered upstream repository or repository namespace.
type Source struct {
	Key            string `db:"key" json:"key"`
	URL            string `db:"url" json:"url"`
	Branch         string `db:"branch" json:"branch"`
	Provider       string `db:"provider" json:"provider"`
	Credentials    string `db:"credentials" json:"-"`
	SelfHosted     bool   `db:"self_hosted" json:"self_hosted"`
	UseWebhooks    bool   `db:"use_webhooks" json:"use_webhooks"`
	WebhookSecret  string `db:"webhook_secret" json:"-"`
	CheckFrequency string `db:"check_frequency" json:"check_frequency"`
	CheckDelayS    int    `db:"check_delay_s" json:"check_delay_s"`
	FilterPackages bool   `db:"filter_packages" json:"filter_packages"`
}

// Package is the metadata sidecar for one published artifact.
type Package struct {
	Slug      string `db:"slug" json:"slug"`
	Kind      string `db:"kind" json:"kind"`
	Origin    string `db:"origin" json:"origin"`
	SourceKey string `db:"source_key" json:"source_key,omitempty"`
	Branch    string `db:"branch" json:"branch,omitempty"`
	Version   string `db:"version" json:"version,omitempty"`
	// Whitelisted holds "backend@unixtime" entries, comma separated.
	Whitelisted string `db:"whitelisted" json:"-"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
	Previous    string `db:"previous" json:"-"`
}

type Registry struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) (*Registry, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("registry: creating schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// SourceKey derives the stable identity of a source from its URL and
// branch. The URL is normalized to carry a trailing slash first, so
// equivalent spellings collapse to one key.
func SourceKey(rawURL, branch string) string {
	sum := sha256.Sum256([]byte(TrailingSlash(rawURL) + "|" + branch))
	return fmt.Sprintf("%x", sum)
}

// TrailingSlash normalizes a URL to end with exactly one slash.
func TrailingSlash(s string) string {
	return strings.TrimRight(s, "/") + "/"
}

var sourcePathPattern = regexp.MustCompile(`^/[^/]+/(?:[^/]+/)?$`)

var knownProviders = map[string]bool{
	"github":    true,
	"gitlab":    true,
	"bitbucket": true,
}

var knownFrequencies = map[string]time.Duration{
	"hourly":      time.Hour,
	"twicedaily":  12 * time.Hour,
	"daily":       24 * time.Hour,
	"weekly":      7 * 24 * time.Hour,
	"fifteen_min": 15 * time.Minute,
	"thirty_min":  30 * time.Minute,
}

// Frequency returns the polling interval for the source's configured
// check frequency. Unknown values fall back to daily.
func (s *Source) Frequency() time.Duration {
	if d, ok := knownFrequencies[s.CheckFrequency]; ok {
		return d
	}
	if d, err := time.ParseDuration(s.CheckFrequency); err == nil && d > 0 {
		return d
	}
	return 24 * time.Hour
}

// Validate checks a source before it is saved. The URL must point at an
// owner or owner/repo path on a known provider.
func (s *Source) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("registry: invalid source url %q", s.URL)
	}
	if !sourcePathPattern.MatchString(TrailingSlash(u.Path)) {
		return fmt.Errorf("registry: source url path %q must be /owner/ or /owner/repo/", u.Path)
	}
	if !knownProviders[s.Provider] {
		return fmt.Errorf("registry: unknown provider %q", s.Provider)
	}
	if s.Branch == "" {
		return fmt.Errorf("registry: source %q has no branch", s.URL)
	}
	if s.CheckFrequency != "" {
		if _, ok := knownFrequencies[s.CheckFrequency]; !ok {
			if _, err := time.ParseDuration(s.CheckFrequency); err != nil {
				return fmt.Errorf("registry: unparseable check frequency %q", s.CheckFrequency)
			}
		}
	}
	return nil
}

// SaveSource validates and upserts a source. The key is always derived
// from URL and branch, never trusted from the caller.
func (r *Registry) SaveSource(ctx context.Context, s *Source) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.URL = TrailingSlash(s.URL)
	s.Key = SourceKey(s.URL, s.Branch)
	if s.CheckFrequency == "" {
		s.CheckFrequency = "daily"
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO sources (key, url, branch, provider, credentials, self_hosted,
			use_webhooks, webhook_secret, check_frequency, check_delay_s, filter_packages)
		VALUES (:key, :url, :branch, :provider, :credentials, :self_hosted,
			:use_webhooks, :webhook_secret, :check_frequency, :check_delay_s, :filter_packages)
		ON CONFLICT(key) DO UPDATE SET
			url = excluded.url, branch = excluded.branch, provider = excluded.provider,
			credentials = excluded.credentials, self_hosted = excluded.self_hosted,
			use_webhooks = excluded.use_webhooks, webhook_secret = excluded.webhook_secret,
			check_frequency = excluded.check_frequency, check_delay_s = excluded.check_delay_s,
			filter_packages = excluded.filter_packages`, s)
	if err != nil {
		return fmt.Errorf("registry: saving source %s: %w", s.URL, err)
	}
	return nil
}

func (r *Registry) GetSource(ctx context.Context, key string) (*Source, error) {
	var s Source
	err := r.db.GetContext(ctx, &s, `SELECT * FROM sources WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: reading source %s: %w", key, err)
	}
	return &s, nil
}

func (r *Registry) ListSources(ctx context.Context) ([]Source, error) {
	var out []Source
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM sources ORDER BY url, branch`); err != nil {
		return nil, fmt.Errorf("registry: listing sources: %w", err)
	}
	return out, nil
}

// MatchURLPrefix returns every source whose normalized URL is a prefix
// of the given repository URL. Owner-level sources match all of the
// owner's repositories.
func (r *Registry) MatchURLPrefix(ctx context.Context, repoURL string) ([]Source, error) {
	all, err := r.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	repoURL = TrailingSlash(repoURL)
	var out []Source
	for _, s := range all {
		if strings.HasPrefix(repoURL, s.URL) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Registry) DeleteSource(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sources WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("registry: deleting source %s: %w", key, err)
	}
	return nil
}

// SavePackage replaces the whole record for a slug, keeping the previous
// record serialized for audit.
func (r *Registry) SavePackage(ctx context.Context, p *Package) error {
	if p.Slug == "" {
		return fmt.Errorf("registry: package has no slug")
	}
	switch p.Kind {
	case KindPlugin, KindTheme, KindGeneric:
	default:
		return fmt.Errorf("registry: unknown package kind %q", p.Kind)
	}
	prev, err := r.GetPackage(ctx, p.Slug)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev != nil {
		p.Previous = fmt.Sprintf(`{"version":%q,"updated_at":%d}`, prev.Version, prev.UpdatedAt)
		// A republish does not revoke earlier backend publications.
		if p.Whitelisted == "" {
			p.Whitelisted = prev.Whitelisted
		}
	}
	p.UpdatedAt = time.Now().Unix()
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO packages (slug, kind, origin, source_key, branch, version, whitelisted, updated_at, previous)
		VALUES (:slug, :kind, :origin, :source_key, :branch, :version, :whitelisted, :updated_at, :previous)
		ON CONFLICT(slug) DO UPDATE SET
			kind = excluded.kind, origin = excluded.origin, source_key = excluded.source_key,
			branch = excluded.branch, version = excluded.version, whitelisted = excluded.whitelisted,
			updated_at = excluded.updated_at, previous = excluded.previous`, p)
	if err != nil {
		return fmt.Errorf("registry: saving package %s: %w", p.Slug, err)
	}
	return nil
}

func (r *Registry) GetPackage(ctx context.Context, slug string) (*Package, error) {
	var p Package
	err := r.db.GetContext(ctx, &p, `SELECT * FROM packages WHERE slug = ?`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: reading package %s: %w", slug, err)
	}
	return &p, nil
}

func (r *Registry) ListPackages(ctx context.Context) ([]Package, error) {
	var out []Package
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM packages ORDER BY slug`); err != nil {
		return nil, fmt.Errorf("registry: listing packages: %w", err)
	}
	return out, nil
}

func (r *Registry) DeletePackage(ctx context.Context, slug string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM packages WHERE slug = ?`, slug)
	if err != nil {
		return fmt.Errorf("registry: deleting package %s: %w", slug, err)
	}
	return nil
}

// Whitelist marks the package as published on a storage backend,
// stamping the time of publication.
func (r *Registry) Whitelist(ctx context.Context, slug, backend string) error {
	p, err := r.GetPackage(ctx, slug)
	if err != nil {
		return err
	}
	entries := parseWhitelist(p.Whitelisted)
	entries[backend] = time.Now().Unix()
	_, err = r.db.ExecContext(ctx,
		`UPDATE packages SET whitelisted = ? WHERE slug = ?`,
		formatWhitelist(entries), slug)
	if err != nil {
		return fmt.Errorf("registry: whitelisting %s on %s: %w", slug, backend, err)
	}
	return nil
}

// IsWhitelisted reports whether the package has been published on the
// given backend.
func (p *Package) IsWhitelisted(backend string) bool {
	_, ok := parseWhitelist(p.Whitelisted)[backend]
	return ok
}

func parseWhitelist(s string) map[string]int64 {
	out := map[string]int64{}
	for _, entry := range strings.Split(s, ",") {
		backend, ts, ok := strings.Cut(entry, "@")
		if !ok || backend == "" {
			continue
		}
		var unix int64
		fmt.Sscanf(ts, "%d", &unix)
		out[backend] = unix
	}
	return out
}

func formatWhitelist(m map[string]int64) string {
	entries := make([]string, 0, len(m))
	for backend, unix := range m {
		entries = append(entries, fmt.Sprintf("%s@%d", backend, unix))
	}
	return strings.Join(entries, ",")
}
