package browser

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/auxproto/aux-go/internal/config"
	"github.com/auxproto/aux-go/internal/sessionlog"
	"github.com/auxproto/aux-go/internal/types"
)

// Bound on parallel context teardown during sweep and shutdown.
const closeParallelism = 4

// SessionOverrides optionally override context defaults for one session.
type SessionOverrides struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// Stats is a snapshot of manager state for diagnostics.
type Stats struct {
	Initialized    bool                 `json:"initialized"`
	StartupSeconds float64              `json:"startup_seconds"`
	ActiveSessions int                  `json:"active_sessions"`
	TotalCommands  int64                `json:"total_commands"`
	Sessions       map[string]SessStats `json:"sessions"`
}

// SessStats is per-session detail inside Stats.
type SessStats struct {
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	CommandCount int64     `json:"command_count"`
}

// Sweeper is invoked from the expiry sweep so sibling state (the rate
// limiter) is purged on the same cadence.
type Sweeper interface {
	Sweep() int
}

// Manager owns the driver bootstrap, the session map, and the expiry sweep.
type Manager struct {
	cfg    *config.Config
	driver Driver
	slog   *sessionlog.Logger

	mu       sync.RWMutex
	browser  Browser
	sessions map[string]*Session

	// totalCommands counts every executed command over the process
	// lifetime; it never decreases when sessions close.
	totalCommands atomic.Int64

	initOnce    sync.Once
	initErr     error
	startupTime time.Duration

	sweepers []Sweeper
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager using the given driver. The session logger
// may be nil.
func NewManager(cfg *config.Config, driver Driver, slog *sessionlog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		driver:   driver,
		slog:     slog,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// AddSweeper registers extra state to purge on the expiry cadence.
func (m *Manager) AddSweeper(s Sweeper) {
	m.sweepers = append(m.sweepers, s)
}

// Initialize launches the browser and starts the expiry sweep. Safe to call
// repeatedly; only the first call does work.
func (m *Manager) Initialize() error {
	m.initOnce.Do(func() {
		start := time.Now()
		browser, err := m.driver.Launch(LaunchConfig{
			Headless:           m.cfg.Browser.Headless,
			BrowserPath:        m.cfg.Browser.BrowserPath,
			NoSandbox:          m.cfg.Browser.NoSandbox,
			DisableDevShm:      m.cfg.Browser.DisableDevShm,
			DisableWebSecurity: m.cfg.Browser.DisableWebSecurity,
			IgnoreHTTPSErrors:  m.cfg.Browser.IgnoreHTTPSErrors,
			SlowMo:             m.cfg.Browser.SlowMo,
		})
		if err != nil {
			m.initErr = fmt.Errorf("browser launch failed: %w", err)
			return
		}

		m.mu.Lock()
		m.browser = browser
		m.mu.Unlock()
		m.startupTime = time.Since(start)

		m.wg.Add(1)
		go m.sweepLoop()

		log.Info().
			Dur("startup", m.startupTime).
			Bool("headless", m.cfg.Browser.Headless).
			Msg("Browser manager initialized")
	})
	return m.initErr
}

// CreateSession allocates a fresh isolated context and page and returns the
// new session id.
func (m *Manager) CreateSession(overrides *SessionOverrides) (string, error) {
	m.mu.RLock()
	browser := m.browser
	active := len(m.sessions)
	m.mu.RUnlock()

	if browser == nil {
		return "", types.ErrDriverNotInitialized
	}
	if active >= m.cfg.Browser.MaxSessions {
		return "", fmt.Errorf("%w: %d active", types.ErrTooManySessions, active)
	}

	opts := ContextOptions{
		ViewportWidth:     m.cfg.Browser.ViewportWidth,
		ViewportHeight:    m.cfg.Browser.ViewportHeight,
		UserAgent:         m.cfg.Browser.UserAgent,
		IgnoreHTTPSErrors: m.cfg.Browser.IgnoreHTTPSErrors,
		ExtraHeaders:      map[string]string{"Accept-Language": "en-US,en;q=0.9"},
		Stealth:           m.cfg.Browser.Stealth,
	}
	if overrides != nil {
		if overrides.ViewportWidth > 0 {
			opts.ViewportWidth = overrides.ViewportWidth
		}
		if overrides.ViewportHeight > 0 {
			opts.ViewportHeight = overrides.ViewportHeight
		}
		if overrides.UserAgent != "" {
			opts.UserAgent = overrides.UserAgent
		}
	}

	ctx, err := browser.NewContext(opts)
	if err != nil {
		return "", fmt.Errorf("failed to create context: %w", err)
	}
	ctx.SetDefaultTimeout(m.cfg.Browser.Timeout)
	ctx.SetDefaultNavigationTimeout(m.cfg.Browser.Timeout)

	page, err := ctx.NewPage()
	if err != nil {
		if cerr := ctx.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close context after page creation failure")
		}
		return "", fmt.Errorf("failed to create page: %w", err)
	}

	id := uuid.NewString()
	session := newSession(id, ctx, page)

	m.mu.Lock()
	// Re-check the cap; another creator may have raced past the first check.
	if len(m.sessions) >= m.cfg.Browser.MaxSessions {
		m.mu.Unlock()
		session.Close()
		return "", fmt.Errorf("%w: %d active", types.ErrTooManySessions, len(m.sessions))
	}
	m.sessions[id] = session
	m.mu.Unlock()

	log.Info().Str("session_id", id).Msg("Browser session created")
	return id, nil
}

// GetSession looks up a session and stamps it as active.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	if session.Closed() {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionClosed, id)
	}
	session.Touch()
	m.totalCommands.Add(1)
	return session, nil
}

// CloseSession destroys a session. Returns false when the id is unknown.
func (m *Manager) CloseSession(id string) bool {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	session.Close()
	return true
}

// sweepLoop expires idle sessions on the configured cadence.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Browser.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
			for _, s := range m.sweepers {
				s.Sweep()
			}
		}
	}
}

// sweepExpired collects expired sessions under the lock, then closes them
// outside it with bounded parallelism.
func (m *Manager) sweepExpired() {
	timeout := m.cfg.Browser.SessionTimeout
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, session := range m.sessions {
		if now.Sub(session.LastUsed()) > timeout {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(closeParallelism)
	for _, session := range expired {
		session := session
		g.Go(func() error {
			m.slog.LogSessionEnd(session.ID, session.CommandCount())
			session.Close()
			return nil
		})
	}
	g.Wait()

	log.Info().Int("expired", len(expired)).Msg("Expired idle sessions")
}

// Stats returns a snapshot of manager state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Initialized:    m.browser != nil,
		StartupSeconds: m.startupTime.Seconds(),
		ActiveSessions: len(m.sessions),
		TotalCommands:  m.totalCommands.Load(),
		Sessions:       make(map[string]SessStats, len(m.sessions)),
	}
	for id, s := range m.sessions {
		count := s.CommandCount()
		stats.Sessions[id] = SessStats{
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastUsed(),
			CommandCount: count,
		}
	}
	return stats
}

// Close stops the sweep, closes every session, and tears down the browser
// and driver. Errors are logged, never propagated.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	browser := m.browser
	m.browser = nil
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(closeParallelism)
	for _, session := range sessions {
		session := session
		g.Go(func() error {
			m.slog.LogSessionEnd(session.ID, session.CommandCount())
			session.Close()
			return nil
		})
	}
	g.Wait()

	if browser != nil {
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Browser close failed")
		}
	}
	if err := m.driver.Close(); err != nil {
		log.Warn().Err(err).Msg("Driver close failed")
	}

	log.Info().Int("sessions_closed", len(sessions)).Msg("Browser manager shut down")
}
