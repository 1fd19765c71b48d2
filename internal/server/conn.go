package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/auxproto/aux-go/internal/schema"
	"github.com/auxproto/aux-go/internal/security"
	"github.com/auxproto/aux-go/internal/types"
)

// Error categories produced at the connection layer. Command execution
// categories come from the browser package.
const (
	typeParsing    = "parsing"
	typeValidation = "validation"
	typeSecurity   = "security"
	typeAuth       = "authentication"
	typeRateLimit  = "rate_limit"
	typeSession    = "session"
	typeInternal   = "internal"
)

// conn is one client connection. Every command on the connection runs
// against the same browser session, created lazily on the first command.
type conn struct {
	srv        *Server
	ws         *websocket.Conn
	remoteAddr string
	clientKey  string

	// writeMu serializes all writes; the ping loop and the read loop both
	// write to the socket.
	writeMu sync.Mutex

	authenticated bool
	sessionID     string
	browserSID    string
	commandCount  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(s *Server, ws *websocket.Conn, remoteAddr string) *conn {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	return &conn{
		srv:        s,
		ws:         ws,
		remoteAddr: remoteAddr,
		clientKey:  host,
		done:       make(chan struct{}),
	}
}

// run reads messages until the connection drops, then tears down the
// bound browser session.
func (c *conn) run() {
	defer c.teardown()

	cfg := &c.srv.cfg.Server
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PingTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PingTimeout))
	})

	go c.pingLoop(cfg.PingInterval, cfg.PingTimeout)

	log.Debug().Str("client_addr", c.remoteAddr).Msg("Connection established")

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("client_addr", c.remoteAddr).Msg("Connection read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.writeError(schema.NewErrorResponse("", schema.ErrCodeInvalidCommand, typeParsing,
				"only text frames are accepted"))
			continue
		}
		if !c.handleMessage(raw) {
			return
		}
	}
}

// pingLoop keeps the connection alive. A peer that stops answering pings
// trips the read deadline and ends the read loop.
func (c *conn) pingLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// shutdown asks the peer to close and unblocks the read loop.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

// teardown releases the browser session bound to this connection.
func (c *conn) teardown() {
	if r := recover(); r != nil {
		log.Error().Interface("panic", r).Str("client_addr", c.remoteAddr).Msg("Connection handler panicked")
	}
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
	c.srv.releaseSessions(c)
	if c.browserSID != "" {
		c.srv.manager.CloseSession(c.browserSID)
		c.srv.slog.LogSessionEnd(c.sessionID, c.commandCount.Load())
	}
	log.Debug().
		Str("client_addr", c.remoteAddr).
		Int64("commands", c.commandCount.Load()).
		Msg("Connection closed")
}

// handleMessage runs one command through the admission pipeline and writes
// exactly one response frame. The return value reports whether the
// connection should stay open.
func (c *conn) handleMessage(raw []byte) bool {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		c.writeError(schema.NewErrorResponse("", schema.ErrCodeInvalidCommand, typeParsing,
			fmt.Sprintf("malformed JSON: %v", err)))
		return true
	}
	cmdID, _ := obj["id"].(string)

	if !c.srv.limiter.Allow(c.clientKey) {
		c.srv.slog.LogRateLimitExceeded(c.sessionID, c.remoteAddr)
		c.writeError(schema.NewErrorResponse(cmdID, schema.ErrCodeInvalidParams, typeRateLimit,
			types.ErrRateLimited.Error()))
		return true
	}

	if !c.authenticated {
		apiKey, _ := obj["api_key"].(string)
		if err := c.srv.authn.Authenticate(apiKey); err != nil {
			c.srv.slog.LogSecurityViolation(c.sessionID, c.remoteAddr,
				"authentication failed for key "+security.TruncateKey(apiKey))
			log.Warn().Str("client_addr", c.remoteAddr).Msg("Authentication failed, closing connection")
			c.writeError(schema.NewErrorResponse(cmdID, schema.ErrCodeInvalidParams, typeAuth, err.Error()))
			return false
		}
		c.authenticated = true
	}

	if err := c.bindSession(); err != nil {
		c.writeError(schema.NewErrorResponse(cmdID, schema.ErrCodeInvalidParams, typeSession, err.Error()))
		return true
	}

	// A session token belongs to the connection that first used it; tokens
	// owned by other connections do not exist from this connection's view.
	if token, _ := obj["session_id"].(string); token != "" {
		if !c.srv.claimSession(token, c) {
			c.writeError(schema.NewErrorResponse(cmdID, schema.ErrCodeSessionNotFound, typeSession,
				fmt.Sprintf("%v: %s", types.ErrSessionNotFound, token)))
			return true
		}
	}

	if err := c.srv.validator.CheckRaw(obj); err != nil {
		c.srv.slog.LogSecurityViolation(c.sessionID, c.remoteAddr, err.Error())
		// Malformed URLs get their own code; a policy-denied domain is a
		// parameter rejection like any other screened input.
		code := schema.ErrCodeInvalidParams
		var viol *security.Violation
		if errors.As(err, &viol) && viol.Field == "url" && !security.IsDomainBlocked(err) {
			code = schema.ErrCodeInvalidURL
		}
		c.writeError(schema.NewErrorResponse(cmdID, code, typeSecurity, err.Error()))
		return true
	}

	cmd, head, err := schema.ParseCommand(raw)
	if err != nil {
		if head != nil {
			cmdID = head.ID
		}
		code, errType := schema.ErrCodeInvalidCommand, typeParsing
		if errors.Is(err, types.ErrInvalidParams) {
			code, errType = schema.ErrCodeInvalidParams, typeValidation
		}
		c.writeError(schema.NewErrorResponse(cmdID, code, errType, err.Error()))
		return true
	}

	// The client-facing session identity stays stable; execution targets
	// the browser session bound to this connection.
	cmd.Head().SessionID = c.browserSID
	c.commandCount.Add(1)
	c.srv.slog.LogCommandReceived(c.sessionID, head.ID, head.Method)

	start := time.Now()
	resp, errResp := c.dispatch(cmd)
	elapsed := time.Since(start).Milliseconds()

	if errResp != nil {
		c.srv.slog.LogCommandFailed(c.sessionID, head.ID, head.Method,
			string(errResp.ErrorCode), errResp.Error, elapsed)
		c.writeError(errResp)
		return true
	}

	setExecutionTime(resp, elapsed)
	c.srv.slog.LogCommandExecuted(c.sessionID, head.ID, head.Method, elapsed)
	c.writeJSON(resp)
	return true
}

// bindSession lazily creates the browser session for this connection.
func (c *conn) bindSession() error {
	if c.browserSID != "" {
		return nil
	}
	sid, err := c.srv.manager.CreateSession(nil)
	if err != nil {
		return err
	}
	c.browserSID = sid
	c.sessionID = uuid.NewString()
	c.srv.slog.LogSessionStart(c.sessionID, c.remoteAddr)
	log.Info().
		Str("session_id", c.sessionID).
		Str("client_addr", c.remoteAddr).
		Msg("Session started")
	return nil
}

// dispatch routes the parsed command to its executor.
func (c *conn) dispatch(cmd schema.Command) (any, *schema.ErrorResponse) {
	m := c.srv.manager
	switch v := cmd.(type) {
	case *schema.NavigateCommand:
		resp, errResp := m.ExecuteNavigate(v, c.sessionID)
		return asResp(resp, errResp)
	case *schema.ClickCommand:
		resp, errResp := m.ExecuteClick(v, c.sessionID)
		return asResp(resp, errResp)
	case *schema.FillCommand:
		resp, errResp := m.ExecuteFill(v, c.sessionID)
		return asResp(resp, errResp)
	case *schema.ExtractCommand:
		resp, errResp := m.ExecuteExtract(v, c.sessionID)
		return asResp(resp, errResp)
	case *schema.WaitCommand:
		resp, errResp := m.ExecuteWait(v, c.sessionID)
		return asResp(resp, errResp)
	default:
		return nil, schema.NewErrorResponse(cmd.Head().ID, schema.ErrCodeUnknown, typeInternal,
			fmt.Sprintf("no executor for %T", cmd))
	}
}

// asResp collapses a typed (response, error) pair into an untyped one
// without producing a non-nil interface around a nil pointer.
func asResp[T any](resp *T, errResp *schema.ErrorResponse) (any, *schema.ErrorResponse) {
	if errResp != nil {
		return nil, errResp
	}
	return resp, nil
}

// setExecutionTime stamps the wall time on the success response.
func setExecutionTime(resp any, elapsed int64) {
	switch v := resp.(type) {
	case *schema.NavigateResponse:
		v.ExecutionTimeMs = elapsed
	case *schema.ClickResponse:
		v.ExecutionTimeMs = elapsed
	case *schema.FillResponse:
		v.ExecutionTimeMs = elapsed
	case *schema.ExtractResponse:
		v.ExecutionTimeMs = elapsed
	case *schema.WaitResponse:
		v.ExecutionTimeMs = elapsed
	}
}

func (c *conn) writeError(resp *schema.ErrorResponse) {
	c.writeJSON(resp)
}

func (c *conn) writeJSON(v any) {
	data, err := schema.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Str("client_addr", c.remoteAddr).Msg("Response write failed")
	}
}
