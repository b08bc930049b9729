package authgate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

type fakeConfig struct {
	webhookSecret    string
	webhookPrefix    string
	adminHeaderName  string
	adminHeaderValue string
	devBypassAdmin   bool
	debugPayloadPath string
}

func (f *fakeConfig) WebhookSecretValue() string    { return f.webhookSecret }
func (f *fakeConfig) WebhookPrefixValue() string    { return f.webhookPrefix }
func (f *fakeConfig) AdminHeaderNameValue() string  { return f.adminHeaderName }
func (f *fakeConfig) DevBypassAdminValue() bool     { return f.devBypassAdmin }
func (f *fakeConfig) DebugPayloadPathValue() string { return f.debugPayloadPath }
func (f *fakeConfig) AdminHeaderMatches(got string) bool {
	return f.adminHeaderValue != "" && got == f.adminHeaderValue
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	cfg := &fakeConfig{webhookSecret: "s3cr3t", webhookPrefix: "gh"}
	g := New(cfg)
	body := []byte(`{"image":"nginx"}`)

	if !g.VerifyWebhookSignature(body, sign("s3cr3t", body)) {
		t.Fatal("expected valid signature to pass")
	}
	if g.VerifyWebhookSignature(body, sign("wrong", body)) {
		t.Fatal("expected signature with wrong secret to fail")
	}
	if g.VerifyWebhookSignature(body, "not-hex") {
		t.Fatal("expected malformed signature to fail")
	}
}

func TestVerifyWebhookSignatureNoSecretConfigured(t *testing.T) {
	cfg := &fakeConfig{webhookPrefix: "gh"}
	g := New(cfg)
	if g.VerifyWebhookSignature([]byte("x"), sign("anything", []byte("x"))) {
		t.Fatal("expected rejection when no secret is configured")
	}
}

func TestIsWebhookPath(t *testing.T) {
	g := New(&fakeConfig{webhookPrefix: "gh"})
	if !g.IsWebhookPath("/gh/my-app") {
		t.Error("expected /gh/my-app to be a webhook path")
	}
	if !g.IsWebhookPath("/gh/my-app/redeploy") {
		t.Error("expected /gh/my-app/redeploy to be a webhook path")
	}
	if g.IsWebhookPath("/api/tasks") {
		t.Error("expected /api/tasks to not be a webhook path")
	}
}

func TestIsAdminPath(t *testing.T) {
	g := New(&fakeConfig{})
	if g.IsAdminPath("/api/health") {
		t.Error("expected /api/health to be exempt")
	}
	if !g.IsAdminPath("/api/tasks") {
		t.Error("expected /api/tasks to require admin gating")
	}
	if g.IsAdminPath("/gh/my-app") {
		t.Error("expected webhook path to not be admin-gated")
	}
}

func TestCheckAdminDevBypass(t *testing.T) {
	g := New(&fakeConfig{devBypassAdmin: true})
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	if !g.CheckAdmin(req) {
		t.Fatal("expected dev bypass to admit request")
	}
}

func TestCheckAdminHeaderMatch(t *testing.T) {
	cfg := &fakeConfig{adminHeaderName: "X-Forwarded-User", adminHeaderValue: "alice"}
	g := New(cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("X-Forwarded-User", "alice")
	if !g.CheckAdmin(req) {
		t.Fatal("expected matching header to admit request")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req2.Header.Set("X-Forwarded-User", "mallory")
	if g.CheckAdmin(req2) {
		t.Fatal("expected mismatched header to reject request")
	}
}

func TestCheckCSRF(t *testing.T) {
	g := New(&fakeConfig{})

	get := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	if !g.CheckCSRF(get) {
		t.Error("expected GET to bypass CSRF check")
	}

	post := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/retry", nil)
	if g.CheckCSRF(post) {
		t.Error("expected POST without CSRF header to fail")
	}

	post.Header.Set(CSRFHeaderName, CSRFHeaderValue)
	if !g.CheckCSRF(post) {
		t.Error("expected POST with CSRF header and no body to pass")
	}
}

func TestCheckCSRFRequiresJSONContentTypeWithBody(t *testing.T) {
	g := New(&fakeConfig{})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/retry", strings.NewReader("{}"))
	req.Header.Set(CSRFHeaderName, CSRFHeaderValue)
	req.ContentLength = 2
	req.Header.Set("Content-Type", "text/plain")
	if g.CheckCSRF(req) {
		t.Error("expected non-JSON content type with body to fail")
	}
	req.Header.Set("Content-Type", "application/json")
	if !g.CheckCSRF(req) {
		t.Error("expected JSON content type with body to pass")
	}
}

func TestWriteDebugPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "debug.json")
	g := New(&fakeConfig{debugPayloadPath: path})

	if err := g.WriteDebugPayload([]byte(`{"bad":"sig"}`)); err != nil {
		t.Fatalf("WriteDebugPayload: %v", err)
	}
	if err := g.WriteDebugPayload([]byte(`{"overwritten":true}`)); err != nil {
		t.Fatalf("WriteDebugPayload overwrite: %v", err)
	}
}
