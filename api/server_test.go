package api

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/packpulse/packpulse/cache"
	"github.com/packpulse/packpulse/registry"
	"github.com/packpulse/packpulse/sched"
	"github.com/packpulse/packpulse/store"
	pkgsync "github.com/packpulse/packpulse/sync"
	"github.com/packpulse/packpulse/vcs"
)

const testAPIKey = "test-api-key"

type fakeResolver struct {
	ref     *vcs.Reference
	zipPath string
	err     error
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

func (f *fakeResolver) Test(context.Context) error { return nil }

type fixture struct {
	srv       *httptest.Server
	reg       *registry.Registry
	scheduler *sched.Scheduler
	pipe      *pkgsync.Synchronizer
	st        *store.Local
}

func newFixture(t *testing.T, resolver vcs.Resolver) *fixture {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	reg, err := registry.New(db)
	require.NoError(t, err)
	c, err := cache.New(db, zap.NewNop(), 0)
	require.NoError(t, err)
	scheduler, err := sched.New(db)
	require.NoError(t, err)
	st, err := store.NewLocal(t.TempDir(), []byte("secret"), "http://updates.test/updatepulse/update-api")
	require.NoError(t, err)

	factory := func(*registry.Source) (vcs.Resolver, error) { return resolver, nil }
	pipe := pkgsync.New(factory, reg, c, st, nil, zap.NewNop(), t.TempDir(), "http://updates.test/")

	server := NewServer(reg, scheduler, pipe, st, nil, zap.NewNop(), testAPIKey, time.Hour)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reg: reg, scheduler: scheduler, pipe: pipe, st: st}
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

func widgetResolver(t *testing.T, version string) *fakeResolver {
	t.Helper()
	zipPath := buildZip(t, map[string]string{
		"widget/updatepulse.json": `{"name":"Widget","version":"` + version + `"}`,
	})
	return &fakeResolver{
		ref:     &vcs.Reference{Name: "v" + version, Version: version, DownloadURL: "https://example.test/zip"},
		zipPath: zipPath,
	}
}

func saveWidgetSource(t *testing.T, fx *fixture, useWebhooks bool) *registry.Source {
	t.Helper()
	src := &registry.Source{
		URL: "https://github.com/acme/widget/", Branch: "main", Provider: "github",
		UseWebhooks: useWebhooks, WebhookSecret: "shh",
	}
	require.NoError(t, fx.reg.SaveSource(context.Background(), src))
	return src
}

func doJSON(t *testing.T, method, rawURL string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func authHeader() http.Header {
	return http.Header{TokenHeader: []string{testAPIKey}}
}

func TestPackageAPIAuth(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.0.0"))

	status, _ := doJSON(t, http.MethodGet, fx.srv.URL+"/updatepulse/package-api?action=browse", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, http.MethodGet, fx.srv.URL+"/updatepulse/package-api?action=browse",
		http.Header{TokenHeader: []string{"wrong"}})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAddThenBrowseAndRead(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	saveWidgetSource(t, fx, false)

	status, payload := doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=add&package_id=widget&type=plugin", authHeader())

	require.Equal(t, http.StatusOK, status, "payload: %v", payload)
	assert.Equal(t, "updated", payload["status"])
	assert.NotEmpty(t, payload["time_elapsed"])

	// A polling source gets a recurring check armed.
	_, ok, err := fx.scheduler.NextScheduled(context.Background(), pkgsync.HookFor("widget"))
	require.NoError(t, err)
	assert.True(t, ok)

	status, payload = doJSON(t, http.MethodGet,
		fx.srv.URL+"/updatepulse/package-api?action=browse", authHeader())
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, payload["count"])

	status, payload = doJSON(t, http.MethodGet,
		fx.srv.URL+"/updatepulse/package-api?action=read&package_id=widget", authHeader())
	require.Equal(t, http.StatusOK, status)
	manifest, _ := payload["manifest"].(map[string]any)
	require.NotNil(t, manifest)
	assert.Equal(t, "1.2.0", manifest["version"])
	assert.NotEmpty(t, payload["next_check"])
}

func TestAddExistingConflicts(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	saveWidgetSource(t, fx, false)
	status, _ := doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=add&package_id=widget", authHeader())
	require.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=add&package_id=widget", authHeader())

	assert.Equal(t, http.StatusConflict, status)
}

func TestAddWithoutSource(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.0.0"))

	status, _ := doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=add&package_id=widget", authHeader())

	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeleteRemovesAndUnschedules(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.0.0"))
	saveWidgetSource(t, fx, false)
	status, _ := doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=add&package_id=widget", authHeader())
	require.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=delete&package_id=widget", authHeader())

	require.Equal(t, http.StatusOK, status)
	ok, err := fx.st.Exists(context.Background(), "packages/widget.zip")
	require.NoError(t, err)
	assert.False(t, ok)
	_, pending, err := fx.scheduler.NextScheduled(context.Background(), pkgsync.HookFor("widget"))
	require.NoError(t, err)
	assert.False(t, pending)

	status, _ = doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=delete&package_id=widget", authHeader())
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRemoveSourceCancelsChecks(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	src := saveWidgetSource(t, fx, false)
	status, _ := doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=add&package_id=widget", authHeader())
	require.Equal(t, http.StatusOK, status)
	_, armed, err := fx.scheduler.NextScheduled(context.Background(), pkgsync.HookFor("widget"))
	require.NoError(t, err)
	require.True(t, armed)

	status, payload := doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=remove_source&source_key="+src.Key, authHeader())

	require.Equal(t, http.StatusOK, status, "payload: %v", payload)
	_, armed, err = fx.scheduler.NextScheduled(context.Background(), pkgsync.HookFor("widget"))
	require.NoError(t, err)
	assert.False(t, armed)
	_, err = fx.reg.GetSource(context.Background(), src.Key)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	status, _ = doJSON(t, http.MethodPost,
		fx.srv.URL+"/updatepulse/package-api?action=remove_source&source_key="+src.Key, authHeader())
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetMetadata(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	src := saveWidgetSource(t, fx, false)
	_, err := fx.pipe.Sync(context.Background(), "widget", src, registry.KindPlugin, false)
	require.NoError(t, err)

	status, payload := doJSON(t, http.MethodGet,
		fx.srv.URL+"/updatepulse/update-api?action=get_metadata&package_id=widget", nil)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Widget", payload["name"])
	assert.Equal(t, "1.2.0", payload["version"])
	assert.Equal(t, "plugin", payload["type"])
	assert.Contains(t, payload["download_url"], "action=download")
	assert.NotEmpty(t, payload["time_elapsed"])
}

func TestGetMetadataMissing(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.0.0"))

	status, _ := doJSON(t, http.MethodGet,
		fx.srv.URL+"/updatepulse/update-api?action=get_metadata&package_id=widget", nil)

	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetMetadataNotWhitelisted(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	ctx := context.Background()
	zipPath := buildZip(t, map[string]string{
		"widget/updatepulse.json": `{"name":"Widget","version":"1.2.0"}`,
	})
	data, err := os.ReadFile(zipPath)
	require.NoError(t, err)
	require.NoError(t, fx.st.PutBytes(ctx, "packages/widget.zip", data, "application/zip"))
	// The record never got a publication entry for the active backend.
	require.NoError(t, fx.reg.SavePackage(ctx, &registry.Package{
		Slug: "widget", Kind: registry.KindPlugin, Origin: registry.OriginManual,
	}))

	status, _ := doJSON(t, http.MethodGet,
		fx.srv.URL+"/updatepulse/update-api?action=get_metadata&package_id=widget", nil)

	assert.Equal(t, http.StatusNotFound, status)
}

func TestDownloadWithSignedToken(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	src := saveWidgetSource(t, fx, false)
	_, err := fx.pipe.Sync(context.Background(), "widget", src, registry.KindGeneric, false)
	require.NoError(t, err)

	signed, err := fx.st.SignedURL(context.Background(), "packages/widget.zip", time.Hour)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	resp, err := http.Get(fx.srv.URL + "/updatepulse/update-api?" + u.RawQuery)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestDownloadRejectsBadToken(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	src := saveWidgetSource(t, fx, false)
	_, err := fx.pipe.Sync(context.Background(), "widget", src, registry.KindGeneric, false)
	require.NoError(t, err)

	status, _ := doJSON(t, http.MethodGet,
		fx.srv.URL+"/updatepulse/update-api?action=download&package_id=widget&token=bogus", nil)

	assert.Equal(t, http.StatusForbidden, status)
}

func TestSignedURLAction(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	src := saveWidgetSource(t, fx, false)
	_, err := fx.pipe.Sync(context.Background(), "widget", src, registry.KindGeneric, false)
	require.NoError(t, err)

	status, payload := doJSON(t, http.MethodGet,
		fx.srv.URL+"/updatepulse/package-api?action=signed_url&package_id=widget", authHeader())

	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, payload["url"], "token=")
	assert.EqualValues(t, 3600, payload["expires_in"])
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.0.0"))

	status, payload := doJSON(t, http.MethodGet, fx.srv.URL+"/healthz", nil)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", payload["status"])
}
