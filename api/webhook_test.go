package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packpulse/packpulse/registry"
	pkgsync "github.com/packpulse/packpulse/sync"
)

func pushPayload(repoURL, branch string) []byte {
	return []byte(`{"ref":"refs/heads/` + branch + `","repository":{"html_url":"` + repoURL + `"}}`)
}

func signedPush(t *testing.T, fx *fixture, body []byte, secret string) (int, map[string]any) {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	req, err := http.NewRequest(http.MethodPost, fx.srv.URL+"/updatepulse/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp.StatusCode, payload
}

func TestWebhookSchedulesDelayedCheck(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	src := saveWidgetSource(t, fx, true)
	// The artifact already exists, so the delivery only schedules.
	_, err := fx.pipe.Sync(context.Background(), "widget", src, registry.KindGeneric, false)
	require.NoError(t, err)

	status, payload := signedPush(t, fx, pushPayload("https://github.com/acme/widget", "main"), "shh")

	require.Equal(t, http.StatusOK, status, "payload: %v", payload)
	assert.Equal(t, true, payload["scheduled"])
	has, err := fx.scheduler.HasScheduled(context.Background(), pkgsync.HookFor("widget"),
		pkgsync.HookArgs{SourceKey: src.Key, RepoURL: "https://github.com/acme/widget/", Kind: registry.KindGeneric}.Encode())
	require.NoError(t, err)
	assert.True(t, has)

	// A second delivery collapses into the pending occurrence.
	status, payload = signedPush(t, fx, pushPayload("https://github.com/acme/widget", "main"), "shh")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, payload["scheduled"])
	assert.Equal(t, "check already pending", payload["message"])
}

func TestWebhookFetchesMissingPackageDirectly(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	saveWidgetSource(t, fx, true)

	status, payload := signedPush(t, fx, pushPayload("https://github.com/acme/widget", "main"), "shh")

	require.Equal(t, http.StatusOK, status, "payload: %v", payload)
	assert.Equal(t, "updated", payload["status"])
	ok, err := fx.st.Exists(context.Background(), "packages/widget.zip")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	saveWidgetSource(t, fx, true)

	status, _ := signedPush(t, fx, pushPayload("https://github.com/acme/widget", "main"), "wrong-secret")

	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestWebhookIgnoresUntrackedBranch(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	saveWidgetSource(t, fx, true)

	status, payload := signedPush(t, fx, pushPayload("https://github.com/acme/widget", "feature"), "shh")

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "branch not tracked, ignored", payload["message"])
}

func TestWebhookRejectsUnknownRepository(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))

	status, payload := signedPush(t, fx, pushPayload("https://github.com/acme/widget", "main"), "shh")

	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "no matching source", payload["message"])
}

func TestWebhookConflictOnAmbiguousSources(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))
	ctx := context.Background()
	require.NoError(t, fx.reg.SaveSource(ctx, &registry.Source{
		URL: "https://github.com/acme/", Branch: "main", Provider: "github", WebhookSecret: "shh",
	}))
	require.NoError(t, fx.reg.SaveSource(ctx, &registry.Source{
		URL: "https://github.com/acme/", Branch: "develop", Provider: "github", WebhookSecret: "shh",
	}))
	// No branch in the payload, so both namespace sources stay in play.
	body := []byte(`{"repository":{"html_url":"https://github.com/acme/widget"}}`)

	status, payload := signedPush(t, fx, body, "shh")

	require.Equal(t, http.StatusConflict, status)
	candidates, _ := payload["candidates"].([]any)
	assert.Len(t, candidates, 2)
}

func TestWebhookRejectsGarbageBody(t *testing.T) {
	fx := newFixture(t, widgetResolver(t, "1.2.0"))

	resp, err := http.Post(fx.srv.URL+"/updatepulse/webhook", "application/json",
		bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
