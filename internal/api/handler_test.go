package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luisfsill/abusegate/internal/alert"
	"github.com/luisfsill/abusegate/internal/api"
	"github.com/luisfsill/abusegate/internal/auth"
	"github.com/luisfsill/abusegate/internal/behavior"
	"github.com/luisfsill/abusegate/internal/classify"
	"github.com/luisfsill/abusegate/internal/domain"
	"github.com/luisfsill/abusegate/internal/guard"
	"github.com/luisfsill/abusegate/internal/ledger"
	"github.com/luisfsill/abusegate/internal/storage"
)

// testPolicies keeps limits small so tests exhaust them quickly.
var testPolicies = map[string]domain.Policy{
	domain.ActionLogin:  {MaxAttempts: 2, Window: time.Minute, BlockDuration: 2 * time.Minute},
	domain.ActionSignup: {MaxAttempts: 3, Window: time.Minute, BlockDuration: 2 * time.Minute},
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	led := ledger.New(
		storage.NewMirror(storage.NewMemoryKV(), storage.NewMemoryKV()),
		storage.NewCodec("test-secret"),
	)
	provider := auth.NewStaticProvider("test-secret")
	provider.AddUser("user@example.com", "hunter2", "user")

	h := api.NewHandler(
		led,
		classify.New(classify.Config{}),
		behavior.NewRegistry(time.Hour),
		alert.New(),
		provider,
		nil, // no GeoIP database in tests
		testPolicies,
	)
	// Throttle set high enough to never interfere.
	g := guard.New(led, testPolicies, 1000, 1000)

	srv := httptest.NewServer(api.NewRouter(h, g))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return env
}

func dataField(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	data, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("response missing data object: %v", env)
	}
	return data
}

func sampleEnv() domain.Environment {
	return domain.Environment{
		ScreenWidth:         1920,
		ScreenHeight:        1080,
		ColorDepth:          24,
		Timezone:            "Europe/Lisbon",
		Languages:           []string{"pt-PT", "en"},
		Platform:            "Linux x86_64",
		UserAgent:           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/126.0.0.0 Safari/537.36",
		HardwareConcurrency: 8,
		DeviceMemoryGB:      8,
		CookiesEnabled:      true,
		PluginCount:         3,
		CanvasHash:          "abc",
		WebGLHash:           "def",
		AudioHash:           "ghi",
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := dataField(t, decodeEnvelope(t, resp))
	if data["status"] != "ok" {
		t.Errorf("status field = %v", data["status"])
	}
}

// ─── Fingerprint ──────────────────────────────────────────────────────────────

func TestComputeFingerprint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/fingerprint", sampleEnv(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	first := dataField(t, decodeEnvelope(t, resp))["fingerprint"].(string)
	if len(first) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(first))
	}

	resp = postJSON(t, srv.URL+"/api/v1/fingerprint", sampleEnv(), nil)
	second := dataField(t, decodeEnvelope(t, resp))["fingerprint"].(string)
	if first != second {
		t.Error("identical environments produced different fingerprints")
	}
}

// ─── Telemetry and classification ─────────────────────────────────────────────

func TestIngestTelemetryCountsAcceptedEvents(t *testing.T) {
	srv := newTestServer(t)

	body := map[string]any{
		"fingerprint": "fp-telemetry",
		"events": []map[string]any{
			{"type": "mousemove"},
			{"type": "keydown"},
			{"type": "click", "at": time.Now().UnixMilli()},
			{"type": "teleport"}, // unknown types are skipped
		},
	}
	resp := postJSON(t, srv.URL+"/api/v1/telemetry", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := dataField(t, decodeEnvelope(t, resp))
	if got := data["accepted"].(float64); got != 3 {
		t.Errorf("accepted = %v, want 3", got)
	}
}

func TestClassifyFlagsAutomatedEnvironment(t *testing.T) {
	srv := newTestServer(t)

	env := sampleEnv()
	env.Webdriver = true
	env.AutomationGlobals = []string{"_phantom"}

	resp := postJSON(t, srv.URL+"/api/v1/classify", env, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := dataField(t, decodeEnvelope(t, resp))
	if data["isBot"] != true {
		t.Errorf("expected bot verdict, got %v", data)
	}
	if data["fingerprint"].(string) == "" {
		t.Error("verdict missing fingerprint")
	}
}

func TestClassifyCleanEnvironmentIsHuman(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/classify", sampleEnv(), nil)
	data := dataField(t, decodeEnvelope(t, resp))
	if data["isBot"] != false {
		t.Errorf("clean environment flagged as bot: %v", data)
	}
}

// ─── Gate endpoints ───────────────────────────────────────────────────────────

func TestGateCheckRecordStatusFlow(t *testing.T) {
	srv := newTestServer(t)
	const fp = "fp-gate-flow"

	gateBody := map[string]string{"action": domain.ActionSignup, "fingerprint": fp}

	resp := postJSON(t, srv.URL+"/api/v1/gate/check", gateBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check status = %d", resp.StatusCode)
	}
	data := dataField(t, decodeEnvelope(t, resp))
	if data["allowed"] != true || data["remainingAttempts"].(float64) != 3 {
		t.Fatalf("fresh check: %v", data)
	}

	for i := 0; i < 3; i++ {
		resp = postJSON(t, srv.URL+"/api/v1/gate/attempts", gateBody, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("record %d status = %d", i, resp.StatusCode)
		}
		resp.Body.Close()
		time.Sleep(150 * time.Millisecond) // human pacing, below the burst heuristic
	}

	resp = postJSON(t, srv.URL+"/api/v1/gate/check", gateBody, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("exhausted check status = %d, want 429", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	errObj := env["error"].(map[string]any)
	if errObj["code"] != "RATE_LIMITED" {
		t.Errorf("error code = %v", errObj["code"])
	}

	statusURL := fmt.Sprintf("%s/api/v1/gate/status/%s?fingerprint=%s", srv.URL, domain.ActionSignup, fp)
	getResp, err := http.Get(statusURL)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	data = dataField(t, decodeEnvelope(t, getResp))
	if data["isBlocked"] != true {
		t.Errorf("status should report the block: %v", data)
	}
}

func TestGateResetClearsState(t *testing.T) {
	srv := newTestServer(t)
	const fp = "fp-gate-reset"

	gateBody := map[string]string{"action": domain.ActionSignup, "fingerprint": fp}
	resp := postJSON(t, srv.URL+"/api/v1/gate/attempts", gateBody, nil)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/v1/gate/%s?fingerprint=%s", srv.URL, domain.ActionSignup, fp), nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d, want 204", delResp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/v1/gate/check", gateBody, nil)
	data := dataField(t, decodeEnvelope(t, resp))
	if data["remainingAttempts"].(float64) != 3 {
		t.Errorf("expected full quota after reset: %v", data)
	}
}

func TestGateValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/gate/check",
		map[string]string{"action": domain.ActionLogin}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fingerprint: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/gate/check",
		map[string]string{"action": "teleport", "fingerprint": "fp"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown action: status = %d, want 400", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env["error"].(map[string]any)["code"] != "UNKNOWN_ACTION" {
		t.Errorf("unexpected error payload: %v", env)
	}
}

// ─── Guarded login route ──────────────────────────────────────────────────────

func TestLogin_RequiresFingerprintHeader(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/auth/login",
		map[string]string{"email": "user@example.com", "password": "hunter2"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without %s", resp.StatusCode, guard.FingerprintHeader)
	}
	resp.Body.Close()
}

func TestLogin_SuccessReturnsToken(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/auth/login",
		map[string]string{"email": "user@example.com", "password": "hunter2"},
		map[string]string{guard.FingerprintHeader: "fp-login-ok"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := dataField(t, decodeEnvelope(t, resp))
	if data["token"].(string) == "" {
		t.Error("expected a session token")
	}
}

func TestLogin_FailedAttemptsExhaustQuota(t *testing.T) {
	srv := newTestServer(t)
	headers := map[string]string{guard.FingerprintHeader: "fp-login-fail"}
	body := map[string]string{"email": "user@example.com", "password": "wrong"}

	// The login policy allows two attempts; both fail authentication
	// but are still consumed.
	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/api/v1/auth/login", body, headers)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, resp.StatusCode)
		}
		resp.Body.Close()
		time.Sleep(150 * time.Millisecond)
	}

	resp := postJSON(t, srv.URL+"/api/v1/auth/login", body, headers)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after quota exhausted", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
	resp.Body.Close()

	// Correct credentials do not bypass the block.
	resp = postJSON(t, srv.URL+"/api/v1/auth/login",
		map[string]string{"email": "user@example.com", "password": "hunter2"}, headers)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, correct credentials must not bypass the block", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLogin_BotEnvironmentRefused(t *testing.T) {
	srv := newTestServer(t)

	env := sampleEnv()
	env.Webdriver = true
	env.AutomationGlobals = []string{"__nightmare"}

	resp := postJSON(t, srv.URL+"/api/v1/auth/login", map[string]any{
		"email":       "user@example.com",
		"password":    "hunter2",
		"environment": env,
	}, map[string]string{guard.FingerprintHeader: "fp-login-bot"})

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for automated environment", resp.StatusCode)
	}
	env2 := decodeEnvelope(t, resp)
	if env2["error"].(map[string]any)["code"] != "FORBIDDEN" {
		t.Errorf("unexpected error payload: %v", env2)
	}
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

func TestWebhookRegisterAndDelete(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/webhooks",
		map[string]string{"url": "https://alerts.example.com/hook"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	data := dataField(t, decodeEnvelope(t, resp))
	id := data["id"].(string)
	if id == "" {
		t.Fatal("webhook id missing")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/webhooks/"+id, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", delResp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/webhooks/"+id, nil)
	delResp, _ = http.DefaultClient.Do(req)
	if delResp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", delResp.StatusCode)
	}
}
