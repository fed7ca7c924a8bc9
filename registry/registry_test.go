package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r, err := New(db)
	require.NoError(t, err)
	return r
}

func TestSourceKeyNormalizesTrailingSlash(t *testing.T) {
	withSlash := SourceKey("https://github.com/acme/widget/", "main")
	withoutSlash := SourceKey("https://github.com/acme/widget", "main")

	assert.Equal(t, withSlash, withoutSlash)
	assert.NotEqual(t, withSlash, SourceKey("https://github.com/acme/widget/", "develop"))
	assert.Len(t, withSlash, 64)
}

func TestSaveSourceDerivesKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	s := &Source{
		URL:      "https://github.com/acme/widget",
		Branch:   "main",
		Provider: "github",
	}

	require.NoError(t, r.SaveSource(ctx, s))

	assert.Equal(t, SourceKey("https://github.com/acme/widget/", "main"), s.Key)
	got, err := r.GetSource(ctx, s.Key)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widget/", got.URL)
	assert.Equal(t, "daily", got.CheckFrequency)
}

func TestSaveSourceValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	cases := map[string]*Source{
		"bad url":       {URL: "://nope", Branch: "main", Provider: "github"},
		"deep path":     {URL: "https://github.com/a/b/c/", Branch: "main", Provider: "github"},
		"no branch":     {URL: "https://github.com/acme/widget/", Provider: "github"},
		"bad provider":  {URL: "https://github.com/acme/widget/", Branch: "main", Provider: "cvs"},
		"bad frequency": {URL: "https://github.com/acme/widget/", Branch: "main", Provider: "github", CheckFrequency: "whenever"},
	}
	for name, s := range cases {
		assert.Error(t, r.SaveSource(ctx, s), name)
	}

	// Owner-level namespaces are valid sources.
	assert.NoError(t, r.SaveSource(ctx, &Source{URL: "https://github.com/acme/", Branch: "main", Provider: "github"}))
}

func TestMatchURLPrefix(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SaveSource(ctx, &Source{URL: "https://github.com/acme/", Branch: "main", Provider: "github"}))
	require.NoError(t, r.SaveSource(ctx, &Source{URL: "https://github.com/acme/widget/", Branch: "main", Provider: "github"}))
	require.NoError(t, r.SaveSource(ctx, &Source{URL: "https://gitlab.com/other/", Branch: "main", Provider: "gitlab"}))

	matches, err := r.MatchURLPrefix(ctx, "https://github.com/acme/widget")

	require.NoError(t, err)
	require.Len(t, matches, 2)

	matches, err = r.MatchURLPrefix(ctx, "https://github.com/acme/gadget")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "https://github.com/acme/", matches[0].URL)
}

func TestSourceFrequency(t *testing.T) {
	assert.Equal(t, 24*time.Hour, (&Source{CheckFrequency: "daily"}).Frequency())
	assert.Equal(t, time.Hour, (&Source{CheckFrequency: "hourly"}).Frequency())
	assert.Equal(t, 90*time.Minute, (&Source{CheckFrequency: "90m"}).Frequency())
	assert.Equal(t, 24*time.Hour, (&Source{CheckFrequency: "bogus"}).Frequency())
}

func TestSavePackageKeepsPrevious(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SavePackage(ctx, &Package{Slug: "widget", Kind: KindPlugin, Origin: OriginVCS, Version: "1.0.0"}))

	require.NoError(t, r.SavePackage(ctx, &Package{Slug: "widget", Kind: KindPlugin, Origin: OriginVCS, Version: "1.1.0"}))

	p, err := r.GetPackage(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", p.Version)
	assert.Contains(t, p.Previous, `"version":"1.0.0"`)
}

func TestSavePackageCarriesWhitelistForward(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SavePackage(ctx, &Package{Slug: "widget", Kind: KindPlugin, Origin: OriginVCS, Version: "1.0.0"}))
	require.NoError(t, r.Whitelist(ctx, "widget", "s3"))

	require.NoError(t, r.SavePackage(ctx, &Package{Slug: "widget", Kind: KindPlugin, Origin: OriginVCS, Version: "1.1.0"}))
	require.NoError(t, r.Whitelist(ctx, "widget", "local"))

	p, err := r.GetPackage(ctx, "widget")
	require.NoError(t, err)
	assert.True(t, p.IsWhitelisted("s3"))
	assert.True(t, p.IsWhitelisted("local"))
}

func TestSavePackageRejectsUnknownKind(t *testing.T) {
	r := newTestRegistry(t)

	err := r.SavePackage(context.Background(), &Package{Slug: "widget", Kind: "ebook", Origin: OriginManual})

	assert.Error(t, err)
}

func TestWhitelist(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SavePackage(ctx, &Package{Slug: "widget", Kind: KindTheme, Origin: OriginManual}))

	require.NoError(t, r.Whitelist(ctx, "widget", "local"))

	p, err := r.GetPackage(ctx, "widget")
	require.NoError(t, err)
	assert.True(t, p.IsWhitelisted("local"))
	assert.False(t, p.IsWhitelisted("s3"))
}

func TestGetMissing(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.GetSource(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.GetPackage(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSeed(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "sources.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[source]]
url = "https://github.com/acme/widget/"
branch = "main"
provider = "github"
use_webhooks = true
webhook_secret = "shh"

[[source]]
url = "https://gitlab.com/acme/"
branch = "main"
provider = "gitlab"
check_frequency = "hourly"
`), 0o644))

	n, err := r.Seed(context.Background(), path)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sources, err := r.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.True(t, sources[0].UseWebhooks)

	// Missing file is not an error.
	n, err = r.Seed(context.Background(), filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
