package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auxproto/aux-go/internal/browser"
	"github.com/auxproto/aux-go/internal/config"
	"github.com/auxproto/aux-go/internal/ratelimit"
	"github.com/auxproto/aux-go/internal/security"
	"github.com/auxproto/aux-go/internal/sessionlog"
)

// Stub driver implementing just enough of the browser capability for the
// connection pipeline: navigation and load-state waits succeed, element
// lookups find nothing.

type stubDriver struct{ browser *stubBrowser }

func newStubDriver() *stubDriver { return &stubDriver{browser: &stubBrowser{}} }

func (d *stubDriver) Launch(browser.LaunchConfig) (browser.Browser, error) { return d.browser, nil }
func (d *stubDriver) Close() error                                         { return nil }

type stubBrowser struct {
	page stubPage
}

func (b *stubBrowser) NewContext(browser.ContextOptions) (browser.Context, error) {
	return &stubContext{page: &b.page}, nil
}
func (b *stubBrowser) Close() error { return nil }

type stubContext struct{ page *stubPage }

func (c *stubContext) NewPage() (browser.Page, error)            { return c.page, nil }
func (c *stubContext) SetDefaultTimeout(time.Duration)           {}
func (c *stubContext) SetDefaultNavigationTimeout(time.Duration) {}
func (c *stubContext) Close() error                              { return nil }

type stubPage struct {
	gotoCalls atomic.Int64
	url       atomic.Value
}

func (p *stubPage) Goto(ctx context.Context, url, waitUntil string) (int, error) {
	p.gotoCalls.Add(1)
	p.url.Store(url)
	return 200, nil
}

func (p *stubPage) URL() string {
	if v, ok := p.url.Load().(string); ok {
		return v
	}
	return ""
}

func (p *stubPage) Title() (string, error)                     { return "Stub Page", nil }
func (p *stubPage) SetExtraHeaders(map[string]string) error    { return nil }
func (p *stubPage) WaitForLoadState(context.Context, string) error { return nil }
func (p *stubPage) WaitForFunction(context.Context, string, time.Duration) error { return nil }
func (p *stubPage) Locator(selector string) browser.Locator    { return stubLocator{} }

type stubLocator struct{}

func (stubLocator) Count() (int, error) { return 0, nil }
func (stubLocator) Nth(i int) (browser.Element, error) {
	return nil, fmt.Errorf("element index %d out of range (0 matches)", i)
}
func (stubLocator) WaitFor(context.Context, string, time.Duration) error { return nil }

type testEnv struct {
	srv  *Server
	http *httptest.Server
	page *stubPage
}

type envOption func(*config.Config, *components)

type components struct {
	limiter *ratelimit.Limiter
	authn   *security.Authenticator
	blocked []string
	logPath string
}

func withAuth(key string) envOption {
	return func(cfg *config.Config, c *components) {
		c.authn = security.NewAuthenticator(true, key)
	}
}

func withRateLimit(limit int) envOption {
	return func(cfg *config.Config, c *components) {
		c.limiter = ratelimit.New(limit, time.Minute, time.Minute)
	}
}

func withBlockedDomains(domains ...string) envOption {
	return func(cfg *config.Config, c *components) { c.blocked = domains }
}

func withMaxConnections(n int) envOption {
	return func(cfg *config.Config, c *components) { cfg.Server.MaxConcurrentConnections = n }
}

func withSessionLog(path string) envOption {
	return func(cfg *config.Config, c *components) { c.logPath = path }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxConcurrentConnections: 8,
			PingInterval:             20 * time.Second,
			PingTimeout:              10 * time.Second,
			MaxMessageSize:           1 << 20,
		},
		Browser: config.BrowserConfig{
			Headless:        true,
			ViewportWidth:   1280,
			ViewportHeight:  720,
			Timeout:         30 * time.Second,
			MaxSessions:     10,
			SessionTimeout:  time.Hour,
			CleanupInterval: time.Minute,
		},
		Security: config.SecurityConfig{
			EnableInputSanitization: true,
			MaxSelectorLength:       1000,
			MaxTextInputLength:      10000,
			MaxURLLength:            2048,
		},
	}

	comps := &components{
		limiter: ratelimit.New(1000, time.Minute, time.Minute),
		authn:   security.NewAuthenticator(false, ""),
	}
	for _, opt := range opts {
		opt(cfg, comps)
	}

	sanitizer := security.NewSanitizer(security.SanitizerConfig{
		Enabled:            cfg.Security.EnableInputSanitization,
		MaxSelectorLength:  cfg.Security.MaxSelectorLength,
		MaxTextInputLength: cfg.Security.MaxTextInputLength,
		MaxURLLength:       cfg.Security.MaxURLLength,
	})
	policy, err := security.NewDomainPolicy(nil, comps.blocked, "", false)
	if err != nil {
		t.Fatalf("NewDomainPolicy() error = %v", err)
	}
	t.Cleanup(func() { policy.Close() })

	var slog *sessionlog.Logger
	if comps.logPath != "" {
		slog, err = sessionlog.New(comps.logPath, 10)
		if err != nil {
			t.Fatalf("sessionlog.New() error = %v", err)
		}
		t.Cleanup(func() { slog.Close() })
	}

	driver := newStubDriver()
	manager := browser.NewManager(cfg, driver, slog)
	if err := manager.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(manager.Close)

	srv := New(cfg, manager, comps.limiter, comps.authn,
		security.NewValidator(sanitizer, policy), slog)

	httpSrv := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(httpSrv.Close)

	return &testEnv{srv: srv, http: httpSrv, page: &driver.browser.page}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame string) map[string]any {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, raw)
	}
	return resp
}

func assertError(t *testing.T, resp map[string]any, code, errType string) {
	t.Helper()
	if resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
	if resp["error_code"] != code {
		t.Errorf("error_code = %v, want %s", resp["error_code"], code)
	}
	if resp["error_type"] != errType {
		t.Errorf("error_type = %v, want %s", resp["error_type"], errType)
	}
}

func TestNavigateRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"n1","method":"navigate","session_id":"s1","url":"http://example.com/page"}`)

	if resp["success"] != true {
		t.Fatalf("success = %v, response = %v", resp["success"], resp)
	}
	if resp["id"] != "n1" {
		t.Errorf("id = %v, want n1", resp["id"])
	}
	if resp["url"] != "http://example.com/page" {
		t.Errorf("url = %v", resp["url"])
	}
	if resp["status_code"] != float64(200) {
		t.Errorf("status_code = %v, want 200", resp["status_code"])
	}
	if env.page.gotoCalls.Load() != 1 {
		t.Errorf("goto calls = %d, want 1", env.page.gotoCalls.Load())
	}
}

func TestMalformedJSONKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	resp := send(t, ws, `{"id":`)
	assertError(t, resp, "INVALID_COMMAND", "parsing")

	// The connection survives a parse failure.
	resp = send(t, ws, `{"id":"n1","method":"navigate","session_id":"s1","url":"http://example.com/"}`)
	if resp["success"] != true {
		t.Errorf("command after parse failure = %v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"x1","method":"hover","session_id":"s1"}`)
	assertError(t, resp, "INVALID_COMMAND", "parsing")
	if resp["id"] != "x1" {
		t.Errorf("id = %v, want x1 echoed", resp["id"])
	}
}

func TestValidationFailure(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"v1","method":"navigate","session_id":"s1","url":"http://example.com/","timeout":999}`)
	assertError(t, resp, "INVALID_PARAMS", "validation")
}

func TestDangerousSelectorRejected(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"c1","method":"click","session_id":"s1","selector":"<script>alert(1)</script>"}`)
	assertError(t, resp, "INVALID_PARAMS", "security")
}

func TestBlockedDomainNeverNavigates(t *testing.T) {
	env := newTestEnv(t, withBlockedDomains("blocked.example"))
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"b1","method":"navigate","session_id":"s1","url":"http://blocked.example/login"}`)
	assertError(t, resp, "INVALID_PARAMS", "security")
	if env.page.gotoCalls.Load() != 0 {
		t.Errorf("goto calls = %d, want 0 for a blocked domain", env.page.gotoCalls.Load())
	}
}

func TestMalformedURLRejected(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"u1","method":"navigate","session_id":"s1","url":"ftp://example.com/file"}`)
	assertError(t, resp, "INVALID_URL", "security")
	if env.page.gotoCalls.Load() != 0 {
		t.Errorf("goto calls = %d, want 0 for a rejected URL", env.page.gotoCalls.Load())
	}
}

func TestAuthRequired(t *testing.T) {
	const key = "correct-horse-battery-key"
	env := newTestEnv(t, withAuth(key))
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"a1","method":"navigate","session_id":"s1","url":"http://example.com/","api_key":"wrong"}`)
	assertError(t, resp, "INVALID_PARAMS", "authentication")

	// A failed authentication closes the connection.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection still open after failed authentication")
	}
}

func TestAuthSucceedsOnce(t *testing.T) {
	const key = "correct-horse-battery-key"
	env := newTestEnv(t, withAuth(key))
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"a1","method":"navigate","session_id":"s1","url":"http://example.com/","api_key":"`+key+`"}`)
	if resp["success"] != true {
		t.Fatalf("authenticated command failed: %v", resp)
	}

	// Subsequent commands on the connection need no key.
	resp = send(t, ws, `{"id":"a2","method":"wait","session_id":"s1","condition":"load"}`)
	if resp["success"] != true {
		t.Errorf("second command failed: %v", resp)
	}
}

func TestRateLimitDenied(t *testing.T) {
	env := newTestEnv(t, withRateLimit(2))
	ws := env.dial(t)

	for i := 0; i < 2; i++ {
		resp := send(t, ws, fmt.Sprintf(`{"id":"r%d","method":"wait","session_id":"s1","condition":"load"}`, i))
		if resp["success"] != true {
			t.Fatalf("command %d unexpectedly failed: %v", i, resp)
		}
	}

	resp := send(t, ws, `{"id":"r2","method":"wait","session_id":"s1","condition":"load"}`)
	assertError(t, resp, "INVALID_PARAMS", "rate_limit")
}

func TestConnectionCap(t *testing.T) {
	env := newTestEnv(t, withMaxConnections(1))
	env.dial(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http")
	ws2, httpResp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		ws2.Close()
		t.Fatal("second connection accepted over the cap")
	}
	if httpResp == nil || httpResp.StatusCode != 503 {
		t.Errorf("refusal status = %v, want 503", httpResp)
	}
}

func TestSessionReleasedOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"n1","method":"navigate","session_id":"s1","url":"http://example.com/"}`)
	if resp["success"] != true {
		t.Fatalf("navigate failed: %v", resp)
	}
	if env.srv.manager.Stats().ActiveSessions != 1 {
		t.Fatalf("active sessions = %d, want 1", env.srv.manager.Stats().ActiveSessions)
	}

	ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if env.srv.manager.Stats().ActiveSessions == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("session not released after disconnect")
}

func TestCrossConnectionSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	wsA := env.dial(t)
	wsB := env.dial(t)

	resp := send(t, wsA, `{"id":"a1","method":"navigate","session_id":"alpha","url":"http://example.com/"}`)
	if resp["success"] != true {
		t.Fatalf("first connection's navigate failed: %v", resp)
	}

	// Another connection referencing the same session token is told the
	// session does not exist.
	resp = send(t, wsB, `{"id":"b1","method":"navigate","session_id":"alpha","url":"http://example.com/"}`)
	assertError(t, resp, "SESSION_NOT_FOUND", "session")

	// The second connection's own token works normally.
	resp = send(t, wsB, `{"id":"b2","method":"navigate","session_id":"beta","url":"http://example.com/"}`)
	if resp["success"] != true {
		t.Errorf("second connection's own session failed: %v", resp)
	}

	// The original owner is unaffected.
	resp = send(t, wsA, `{"id":"a2","method":"wait","session_id":"alpha","condition":"load"}`)
	if resp["success"] != true {
		t.Errorf("owner's follow-up command failed: %v", resp)
	}
}

func TestSessionCreatedBeforeValidation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "session.log")
	env := newTestEnv(t, withSessionLog(logPath))
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"c1","method":"click","session_id":"s1","selector":"<script>alert(1)</script>"}`)
	assertError(t, resp, "INVALID_PARAMS", "security")

	if got := env.srv.manager.Stats().ActiveSessions; got != 1 {
		t.Errorf("active sessions = %d, want 1 created before validation", got)
	}

	// The security_violation event for the first message carries the
	// session identity.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("log line is not JSON: %v\n%s", err, line)
		}
		if event["event_type"] != "security_violation" {
			continue
		}
		found = true
		if sid, _ := event["session_id"].(string); sid == "" {
			t.Error("security_violation event has empty session_id")
		}
	}
	if !found {
		t.Error("no security_violation event logged")
	}
}

func TestExecutionTimeStamped(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t)

	resp := send(t, ws, `{"id":"n1","method":"navigate","session_id":"s1","url":"http://example.com/"}`)
	if resp["success"] != true {
		t.Fatalf("navigate failed: %v", resp)
	}
	if _, ok := resp["timestamp"].(float64); !ok {
		t.Error("timestamp missing from response")
	}
}
