package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/trackrelay/internal/trackrelay"
)

const testSyncConfig = `
loopTag: "[sync]"
routes:
  - projects:
      tracker: enterprise
      board: eng-board
statuses:
  - canonical: shipped
    terminal: true
    labels:
      tracker: ""
      board: "Shipped"
users:
  - identities:
      tracker: alice
      board: alice@example.com
`

type stubAdapter struct {
	platform string
	nextID   int
}

func (a *stubAdapter) Platform() string { return a.platform }

func (a *stubAdapter) Create(context.Context, trackrelay.CreateRequest) (trackrelay.RecordRef, error) {
	a.nextID++
	return trackrelay.RecordRef{Platform: a.platform, Project: "eng-board", ID: fmt.Sprintf("%d", a.nextID)}, nil
}

func (a *stubAdapter) SetState(context.Context, trackrelay.RecordRef, trackrelay.RecordState) error {
	return nil
}

func (a *stubAdapter) UpdateLabelOrStatus(context.Context, trackrelay.RecordRef, string, bool) error {
	return nil
}

func (a *stubAdapter) UpdateAssignee(context.Context, trackrelay.RecordRef, string, bool) error {
	return nil
}

func (a *stubAdapter) PostComment(context.Context, trackrelay.RecordRef, string) error {
	return nil
}

func (a *stubAdapter) ListAll(context.Context, string) ([]trackrelay.RemoteRecord, error) {
	return nil, nil
}

func testEngine(t *testing.T) *trackrelay.Engine {
	t.Helper()
	cfg, err := trackrelay.ParseSyncConfig([]byte(testSyncConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	engine, err := trackrelay.NewEngine(trackrelay.EngineOptions{
		Config: cfg,
		Store:  trackrelay.NewMappingStore(trackrelay.NewInMemoryMappingBackend(), 0),
		Queue:  trackrelay.NewInMemoryEventQueue(16),
		Adapters: map[string]trackrelay.PlatformAdapter{
			"tracker": &stubAdapter{platform: "tracker"},
			"board":   &stubAdapter{platform: "board"},
		},
		DisableBackground: true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func openedPayload(number int, body string) []byte {
	data, _ := json.Marshal(map[string]any{
		"action":     "opened",
		"repository": map[string]any{"name": "enterprise"},
		"issue": map[string]any{
			"number": number,
			"title":  "deploy is flaky",
			"body":   body,
		},
	})
	return data
}

func TestWebhookTerminalOutcomesAnswer200(t *testing.T) {
	server := NewServer(testEngine(t))

	cases := []struct {
		name    string
		payload []byte
		outcome string
	}{
		{"fresh event queues", openedPayload(1, "plain body"), "queued"},
		{"loop echo filters", openedPayload(2, "[sync]\n\nmirrored"), "filtered"},
		{"untracked project skips", []byte(`{"action":"opened","repository":{"name":"side"},"issue":{"number":3,"title":"t"}}`), "skipped"},
		{"unknown action skips", []byte(`{"action":"starred","repository":{"name":"enterprise"},"issue":{"number":4,"title":"t"}}`), "skipped"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRawRequest(t, server, rawRequest{
				method:  http.MethodPost,
				path:    "/v1/hooks/tracker",
				headers: map[string]string{"X-Delivery-Id": "d1"},
				body:    tc.payload,
			})
			if resp.Code != http.StatusOK {
				t.Fatalf("status = %d (%s), want 200", resp.Code, resp.Body.String())
			}
			var out map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out["outcome"] != tc.outcome {
				t.Fatalf("outcome = %q, want %q", out["outcome"], tc.outcome)
			}
		})
	}
}

func TestWebhookDuringShutdown(t *testing.T) {
	engine := testEngine(t)
	server := NewServer(engine)
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	resp := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/hooks/tracker",
		body:   openedPayload(1, "plain"),
	})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.Code)
	}
}

func TestWebhookSignatureVerification(t *testing.T) {
	server := NewServerWithConfig(testEngine(t), ServerConfig{
		WebhookSecrets: map[string]string{"tracker": "hook-secret"},
	})
	payload := openedPayload(1, "plain")

	unsigned := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/hooks/tracker",
		body:   payload,
	})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d, want 401", unsigned.Code)
	}

	tampered := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/hooks/tracker",
		headers: map[string]string{"X-Relay-Signature-256": "sha256=" + strings.Repeat("0", 64)},
		body:    payload,
	})
	if tampered.Code != http.StatusUnauthorized {
		t.Fatalf("tampered status = %d, want 401", tampered.Code)
	}

	signed := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/hooks/tracker",
		headers: map[string]string{"X-Relay-Signature-256": "sha256=" + signBody("hook-secret", payload)},
		body:    payload,
	})
	if signed.Code != http.StatusOK {
		t.Fatalf("signed status = %d (%s), want 200", signed.Code, signed.Body.String())
	}
}

func TestWebhookRateLimit(t *testing.T) {
	server := NewServerWithConfig(testEngine(t), ServerConfig{
		RateLimitMax:    1,
		RateLimitWindow: time.Minute,
	})

	first := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/hooks/tracker",
		body:   openedPayload(1, "plain"),
	})
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	second := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/hooks/tracker",
		body:   openedPayload(2, "plain"),
	})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("429 should carry Retry-After")
	}
}

func TestAdminAuthRequired(t *testing.T) {
	server := NewServer(testEngine(t))

	resp := doRawRequest(t, server, rawRequest{method: http.MethodGet, path: "/v1/admin/status"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}

	readOnly := mustTestJWT(t, "dev-secret", "ops-cli", []string{"sync:read"}, time.Now().Add(time.Hour))
	resp = doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/reconcile",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("trigger with read scope = %d, want 403", resp.Code)
	}

	expired := mustTestJWT(t, "dev-secret", "ops-cli", []string{"sync:read"}, time.Now().Add(-time.Hour))
	resp = doRawRequest(t, server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/admin/status",
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expired token = %d, want 401", resp.Code)
	}

	wrongAudience := mustTestJWTWithAudience(t, "dev-secret", "ops-cli", []string{"sync:read"}, "otherservice", time.Now().Add(time.Hour))
	resp = doRawRequest(t, server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/admin/status",
		headers: map[string]string{"Authorization": "Bearer " + wrongAudience},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("wrong audience = %d, want 401", resp.Code)
	}
}

func TestAdminStatusAndActivity(t *testing.T) {
	engine := testEngine(t)
	server := NewServer(engine)
	token := mustTestJWT(t, "dev-secret", "ops-cli", []string{"sync:read", "sync:trigger"}, time.Now().Add(time.Hour))

	// Ingest and process one event so the surfaces have content.
	if _, err := engine.Ingest("tracker", openedPayload(1, "plain"), "d1"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !engine.ProcessNext(context.Background()) {
		t.Fatal("process")
	}

	statusResp := doRawRequest(t, server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/admin/status",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if statusResp.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", statusResp.Code, statusResp.Body.String())
	}
	var status trackrelay.EngineStatus
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Processed != 1 {
		t.Fatalf("processed = %d, want 1", status.Processed)
	}

	activityResp := doRawRequest(t, server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/admin/activity?limit=10",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if activityResp.Code != http.StatusOK {
		t.Fatalf("activity = %d", activityResp.Code)
	}
	var page struct {
		Activities []trackrelay.Activity `json:"activities"`
	}
	if err := json.NewDecoder(activityResp.Body).Decode(&page); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if len(page.Activities) != 1 || page.Activities[0].Status != trackrelay.ActivityCreated {
		t.Fatalf("activities = %+v", page.Activities)
	}

	badLimit := doRawRequest(t, server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/admin/activity?limit=nope",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if badLimit.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", badLimit.Code)
	}
}

func TestAdminReconcileAndDrift(t *testing.T) {
	server := NewServer(testEngine(t))
	token := mustTestJWT(t, "dev-secret", "ops-cli", []string{"sync:read", "sync:trigger"}, time.Now().Add(time.Hour))

	noReport := doRawRequest(t, server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/admin/drift",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if noReport.Code != http.StatusNotFound {
		t.Fatalf("drift before reconcile = %d, want 404", noReport.Code)
	}

	run := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/reconcile",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if run.Code != http.StatusOK {
		t.Fatalf("reconcile = %d (%s)", run.Code, run.Body.String())
	}

	after := doRawRequest(t, server, rawRequest{
		method:  http.MethodGet,
		path:    "/v1/admin/drift",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if after.Code != http.StatusOK {
		t.Fatalf("drift after reconcile = %d", after.Code)
	}
}

func TestAdminRebuildUnknownPlatform(t *testing.T) {
	server := NewServer(testEngine(t))
	token := mustTestJWT(t, "dev-secret", "ops-cli", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	resp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/rebuild/nowhere",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
}

func TestAdminBackfill(t *testing.T) {
	server := NewServer(testEngine(t))
	token := mustTestJWT(t, "dev-secret", "ops-cli", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	body, _ := json.Marshal(map[string]any{
		"records": []map[string]any{
			{"platform": "tracker", "payload": json.RawMessage(openedPayload(1, "plain"))},
			{"platform": "tracker", "payload": json.RawMessage(openedPayload(2, "[sync]\n\necho"))},
		},
	})
	resp := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/backfill",
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    body,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.Code, resp.Body.String())
	}
	var result trackrelay.BackfillResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Enqueued != 1 || result.Filtered != 1 {
		t.Fatalf("result = %+v", result)
	}

	empty := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/backfill",
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    []byte(`{"records":[]}`),
	})
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("empty backfill = %d, want 400", empty.Code)
	}
}

func TestActivityStreamWebSocket(t *testing.T) {
	engine := testEngine(t)
	server := httptest.NewServer(NewServer(engine))
	defer server.Close()
	token := mustTestJWT(t, "dev-secret", "ops-cli", []string{"sync:read"}, time.Now().Add(time.Hour))

	// A filtered ingest is recorded as an activity; a client connecting
	// afterward receives it through the backlog replay.
	if _, err := engine.Ingest("tracker", openedPayload(1, "[sync]\n\necho"), "d1"); err == nil {
		t.Fatal("tagged payload should be filtered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/admin/activity/stream?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var activity trackrelay.Activity
	if err := wsjson.Read(ctx, conn, &activity); err != nil {
		t.Fatalf("read: %v", err)
	}
	if activity.Status != trackrelay.ActivitySkipped {
		t.Fatalf("activity = %+v, want a skip", activity)
	}
}

func TestDashboardServed(t *testing.T) {
	server := NewServer(testEngine(t))
	resp := doRawRequest(t, server, rawRequest{method: http.MethodGet, path: "/"})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(resp.Body.String(), "TrackRelay Control Surface") {
		t.Fatal("dashboard body missing title")
	}
}

func TestStreamRejectsMissingToken(t *testing.T) {
	server := NewServer(testEngine(t))
	resp := doRawRequest(t, server, rawRequest{method: http.MethodGet, path: "/v1/admin/activity/stream"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, "trackrelay", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + sig
}
