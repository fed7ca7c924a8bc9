package sync

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/packpulse/packpulse/cache"
	"github.com/packpulse/packpulse/registry"
	"github.com/packpulse/packpulse/store"
	"github.com/packpulse/packpulse/vcs"
)

// fakeResolver serves a fixed reference and a zip built in the test.
type fakeResolver struct {
	ref     *vcs.Reference
	zipPath string
	err     error
	testErr error
}

func (f *fakeResolver) Resolve(context.Context, string) (*vcs.Reference, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ref, nil
}

func (f *fakeResolver) Download(context.Context, string) (io.ReadCloser, error) {
	return os.Open(f.zipPath)
}

func (f *fakeResolver) Test(context.Context) error { return f.testErr }

type fixture struct {
	sync *Synchronizer
	reg  *registry.Registry
	st   *store.Local
	src  *registry.Source
}

func newFixture(t *testing.T, resolver vcs.Resolver, filterPackages bool) *fixture {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg, err := registry.New(db)
	require.NoError(t, err)
	c, err := cache.New(db, zap.NewNop(), 0)
	require.NoError(t, err)
	st, err := store.NewLocal(t.TempDir(), []byte("secret"), "https://updates.example.test/download")
	require.NoError(t, err)

	src := &registry.Source{
		URL: "https://github.com/acme/widget/", Branch: "main", Provider: "github",
		FilterPackages: filterPackages,
	}
	require.NoError(t, reg.SaveSource(context.Background(), src))

	factory := func(*registry.Source) (vcs.Resolver, error) { return resolver, nil }
	s := New(factory, reg, c, st, nil, zap.NewNop(), t.TempDir(), "https://updates.example.test/")
	return &fixture{sync: s, reg: reg, st: st, src: src}
}

func buildZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestSyncPublishesNewVersion(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		// Providers name the root after the ref; the pipeline renames it.
		"acme-widget-v1.2.0/updatepulse.json": `{"name":"Widget","version":"1.2.0"}`,
		"acme-widget-v1.2.0/widget.php":       "<?php",
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v1.2.0", Version: "1.2.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, false)
	ctx := context.Background()

	res, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindPlugin, false)

	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, res.Status)
	assert.Equal(t, "1.2.0", res.Version)

	ok, err := fx.st.Exists(ctx, "packages/widget.zip")
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := fx.reg.GetPackage(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", p.Version)
	assert.True(t, p.IsWhitelisted("local"))

	m, info, err := fx.sync.Metadata(ctx, "widget")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "Widget", m.Name)
	assert.Equal(t, "widget", m.Slug)
}

func TestSyncUpToDate(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"widget/updatepulse.json": `{"version":"1.2.0"}`,
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v1.2.0", Version: "1.2.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, false)
	ctx := context.Background()
	_, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindGeneric, false)
	require.NoError(t, err)

	res, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindGeneric, false)

	require.NoError(t, err)
	assert.Equal(t, StatusUpToDate, res.Status)
	assert.Equal(t, "1.2.0", res.Version)
}

func TestSyncForceRepublishes(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"widget/updatepulse.json": `{"version":"1.2.0"}`,
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v1.2.0", Version: "1.2.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, false)
	ctx := context.Background()
	_, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindGeneric, false)
	require.NoError(t, err)

	res, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindGeneric, true)

	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, res.Status)
}

func TestSyncInvalidLayoutLeavesNothing(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"widget/a.txt": "a",
		"other/b.txt":  "b",
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v1.0.0", Version: "1.0.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, false)
	ctx := context.Background()

	_, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindGeneric, false)

	require.Error(t, err)
	ok, statErr := fx.st.Exists(ctx, "packages/widget.zip")
	require.NoError(t, statErr)
	assert.False(t, ok)
	_, regErr := fx.reg.GetPackage(ctx, "widget")
	assert.ErrorIs(t, regErr, registry.ErrNotFound)
}

func TestSyncNotFoundUpstream(t *testing.T) {
	resolver := &fakeResolver{err: vcs.ErrNotFound}
	fx := newFixture(t, resolver, false)

	res, err := fx.sync.Sync(context.Background(), "widget", fx.src, registry.KindGeneric, false)

	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)
}

func TestSyncLockedSlug(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"widget/updatepulse.json": `{"version":"1.0.0"}`,
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v1.0.0", Version: "1.0.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, false)
	require.True(t, fx.sync.locks.TryLock("widget"))
	defer fx.sync.locks.Unlock("widget")

	res, err := fx.sync.Sync(context.Background(), "widget", fx.src, registry.KindGeneric, false)

	require.NoError(t, err)
	assert.Equal(t, StatusLocked, res.Status)
}

func TestSyncFiltersForeignPackage(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"widget/updatepulse.json": `{"version":"1.0.0","server":"https://other-server.example.test/"}`,
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v1.0.0", Version: "1.0.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, true)
	ctx := context.Background()

	res, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindGeneric, false)

	require.NoError(t, err)
	assert.Equal(t, StatusFiltered, res.Status)
	ok, err := fx.st.Exists(ctx, "packages/widget.zip")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncAcceptsClaimedPackage(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"widget/updatepulse.json": `{"version":"1.0.0","server":"https://updates.example.test"}`,
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v1.0.0", Version: "1.0.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, true)

	res, err := fx.sync.Sync(context.Background(), "widget", fx.src, registry.KindGeneric, false)

	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, res.Status)
}

func TestSyncSynthesizesManifestFromRefVersion(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"widget/widget.txt": "no manifest here",
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v2.0.0", Version: "2.0.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, false)
	ctx := context.Background()

	res, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindGeneric, false)

	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, res.Status)
	m, _, err := fx.sync.Metadata(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", m.Version)
}

func TestRemove(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"widget/updatepulse.json": `{"version":"1.0.0"}`,
	})
	resolver := &fakeResolver{
		ref:     &vcs.Reference{Name: "v1.0.0", Version: "1.0.0", DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
	fx := newFixture(t, resolver, false)
	ctx := context.Background()
	_, err := fx.sync.Sync(ctx, "widget", fx.src, registry.KindGeneric, false)
	require.NoError(t, err)

	require.NoError(t, fx.sync.Remove(ctx, "widget"))

	ok, err := fx.st.Exists(ctx, "packages/widget.zip")
	require.NoError(t, err)
	assert.False(t, ok)
	m, info, err := fx.sync.Metadata(ctx, "widget")
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Nil(t, info)
}
