package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Session owns one isolated browsing context and its primary page. All
// driver calls for a session go through its Page; lifecycle is coordinated
// by the Manager.
type Session struct {
	ID        string
	CreatedAt time.Time

	context Context
	page    Page

	lastUsed     atomic.Int64 // UnixNano
	commandCount atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

func newSession(id string, ctx Context, page Page) *Session {
	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		context:   ctx,
		page:      page,
	}
	s.lastUsed.Store(s.CreatedAt.UnixNano())
	return s
}

// Page returns the session's primary page.
func (s *Session) Page() Page { return s.page }

// Touch stamps the session as active and increments its command counter.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
	s.commandCount.Add(1)
}

// LastUsed returns the time of the session's most recent activity.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// CommandCount returns the number of commands executed on this session.
func (s *Session) CommandCount() int64 {
	return s.commandCount.Load()
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close releases the session's context. Idempotent and never returns an
// error; context teardown failures are logged.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.context != nil {
			if err := s.context.Close(); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to close browser context")
			}
		}
		log.Debug().
			Str("session_id", s.ID).
			Int64("commands", s.commandCount.Load()).
			Msg("Session closed")
	})
}
