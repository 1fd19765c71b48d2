package browser

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auxproto/aux-go/internal/config"
	"github.com/auxproto/aux-go/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Browser: config.BrowserConfig{
			Headless:        true,
			ViewportWidth:   1280,
			ViewportHeight:  720,
			Timeout:         30 * time.Second,
			MaxSessions:     3,
			SessionTimeout:  time.Hour,
			CleanupInterval: time.Minute,
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeDriver) {
	t.Helper()
	driver := newFakeDriver()
	m := NewManager(testConfig(), driver, nil)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m, driver
}

func TestInitializeIdempotent(t *testing.T) {
	m, driver := newTestManager(t)

	if err := m.Initialize(); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if driver.launches != 1 {
		t.Errorf("launches = %d, want 1", driver.launches)
	}
	if !m.Stats().Initialized {
		t.Error("Stats().Initialized = false")
	}
}

func TestInitializeFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.launchErr = errors.New("no browser binary")
	m := NewManager(testConfig(), driver, nil)

	if err := m.Initialize(); err == nil {
		t.Fatal("Initialize() succeeded with failing driver")
	}
	// The failure is latched.
	if err := m.Initialize(); err == nil {
		t.Error("second Initialize() did not report the launch failure")
	}
}

func TestCreateAndGetSession(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.CreateSession(nil)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if id == "" {
		t.Fatal("CreateSession() returned empty id")
	}

	s, err := m.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s.ID != id {
		t.Errorf("session id = %q, want %q", s.ID, id)
	}
	if s.CommandCount() != 1 {
		t.Errorf("command count after lookup = %d, want 1", s.CommandCount())
	}
	if s.LastUsed().Before(s.CreatedAt) {
		t.Error("last used precedes creation time")
	}
}

func TestGetSessionUnknown(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.GetSession("nope")
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("GetSession(unknown) = %v, want ErrSessionNotFound", err)
	}
}

func TestCloseSessionDouble(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.CreateSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !m.CloseSession(id) {
		t.Error("first CloseSession() = false")
	}
	if m.CloseSession(id) {
		t.Error("second CloseSession() = true")
	}
	if _, err := m.GetSession(id); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("GetSession after close = %v, want ErrSessionNotFound", err)
	}
}

func TestCreateSessionCap(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		if _, err := m.CreateSession(nil); err != nil {
			t.Fatalf("CreateSession %d error = %v", i, err)
		}
	}
	_, err := m.CreateSession(nil)
	if !errors.Is(err, types.ErrTooManySessions) {
		t.Errorf("CreateSession over cap = %v, want ErrTooManySessions", err)
	}
}

func TestSessionOverrides(t *testing.T) {
	m, driver := newTestManager(t)

	_, err := m.CreateSession(&SessionOverrides{ViewportWidth: 800, ViewportHeight: 600, UserAgent: "custom"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := driver.browser.contexts[0]
	if ctx.opts.ViewportWidth != 800 || ctx.opts.ViewportHeight != 600 {
		t.Errorf("viewport = %dx%d, want 800x600", ctx.opts.ViewportWidth, ctx.opts.ViewportHeight)
	}
	if ctx.opts.UserAgent != "custom" {
		t.Errorf("user agent = %q", ctx.opts.UserAgent)
	}
	if ctx.opts.ExtraHeaders["Accept-Language"] == "" {
		t.Error("Accept-Language header not installed")
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	m, driver := newTestManager(t)

	idle, err := m.CreateSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := m.CreateSession(nil)
	if err != nil {
		t.Fatal(err)
	}

	m.mu.RLock()
	m.sessions[idle].lastUsed.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	m.mu.RUnlock()

	m.sweepExpired()

	if _, err := m.GetSession(idle); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("idle session survived sweep: %v", err)
	}
	if _, err := m.GetSession(fresh); err != nil {
		t.Errorf("fresh session expired: %v", err)
	}
	if !driver.browser.contexts[0].isClosed() {
		t.Error("idle session's context not closed")
	}
	if driver.browser.contexts[1].isClosed() {
		t.Error("fresh session's context closed")
	}
}

type countingSweeper struct{ calls atomic.Int64 }

func (s *countingSweeper) Sweep() int { s.calls.Add(1); return 0 }

func TestSweeperInvoked(t *testing.T) {
	driver := newFakeDriver()
	cfg := testConfig()
	cfg.Browser.CleanupInterval = 10 * time.Millisecond
	m := NewManager(cfg, driver, nil)
	sweeper := &countingSweeper{}
	m.AddSweeper(sweeper)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sweeper.calls.Load() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("registered sweeper never invoked")
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.CreateSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	m.GetSession(id)
	m.GetSession(id)

	stats := m.Stats()
	if stats.ActiveSessions != 1 {
		t.Errorf("active sessions = %d, want 1", stats.ActiveSessions)
	}
	if stats.TotalCommands != 2 {
		t.Errorf("total commands = %d, want 2", stats.TotalCommands)
	}
	if _, ok := stats.Sessions[id]; !ok {
		t.Error("per-session detail missing")
	}
}

func TestStatsTotalCommandsSurvivesSessionClose(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.CreateSession(nil)
	if err != nil {
		t.Fatal(err)
	}
	m.GetSession(id)
	m.GetSession(id)
	m.CloseSession(id)

	stats := m.Stats()
	if stats.ActiveSessions != 0 {
		t.Errorf("active sessions = %d, want 0", stats.ActiveSessions)
	}
	if stats.TotalCommands != 2 {
		t.Errorf("total commands after session close = %d, want 2", stats.TotalCommands)
	}
}

func TestManagerClose(t *testing.T) {
	driver := newFakeDriver()
	m := NewManager(testConfig(), driver, nil)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateSession(nil); err != nil {
		t.Fatal(err)
	}

	m.Close()

	if !driver.browser.closed {
		t.Error("browser not closed on shutdown")
	}
	for i, ctx := range driver.browser.contexts {
		if !ctx.isClosed() {
			t.Errorf("context %d not closed on shutdown", i)
		}
	}
	if stats := m.Stats(); stats.ActiveSessions != 0 {
		t.Errorf("active sessions after close = %d", stats.ActiveSessions)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	ctx := &fakeContext{page: newFakePage()}
	s := newSession("s1", ctx, ctx.page)

	s.Close()
	s.Close()
	if !ctx.isClosed() {
		t.Error("context not closed")
	}
	if !s.Closed() {
		t.Error("session not marked closed")
	}
}
