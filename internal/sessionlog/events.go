package sessionlog

// Helper constructors for the common event shapes. All of them are safe on
// a nil Logger.

// LogSessionStart records a new session binding.
func (l *Logger) LogSessionStart(sessionID, clientAddr string) {
	l.Emit(Event{
		EventType:  EventSessionStart,
		SessionID:  sessionID,
		ClientAddr: clientAddr,
		Message:    "session started",
		Success:    true,
	})
}

// LogSessionEnd records a session teardown.
func (l *Logger) LogSessionEnd(sessionID string, commandCount int64) {
	l.Emit(Event{
		EventType: EventSessionEnd,
		SessionID: sessionID,
		Message:   "session ended",
		Data:      map[string]any{"command_count": commandCount},
		Success:   true,
	})
}

// LogCommandReceived records an inbound validated command.
func (l *Logger) LogCommandReceived(sessionID, commandID, method string) {
	l.Emit(Event{
		EventType: EventCommandReceived,
		SessionID: sessionID,
		CommandID: commandID,
		Message:   "command received: " + method,
		Data:      map[string]any{"method": method},
		Success:   true,
	})
}

// LogCommandExecuted records a successful command with its wall time.
func (l *Logger) LogCommandExecuted(sessionID, commandID, method string, executionMs int64) {
	l.Emit(Event{
		EventType:       EventCommandExecuted,
		SessionID:       sessionID,
		CommandID:       commandID,
		Message:         "command executed: " + method,
		Data:            map[string]any{"method": method},
		ExecutionTimeMs: executionMs,
		Success:         true,
	})
}

// LogCommandFailed records a failed command with its error code.
func (l *Logger) LogCommandFailed(sessionID, commandID, method, errorCode, errMsg string, executionMs int64) {
	l.Emit(Event{
		EventType:       EventCommandFailed,
		SessionID:       sessionID,
		CommandID:       commandID,
		Message:         "command failed: " + method,
		Data:            map[string]any{"method": method, "error": errMsg},
		ExecutionTimeMs: executionMs,
		Success:         false,
		ErrorCode:       errorCode,
	})
}

// LogNavigation records a completed page navigation.
func (l *Logger) LogNavigation(sessionID, commandID, url string, statusCode int, loadTimeMs int64) {
	l.Emit(Event{
		EventType: EventNavigation,
		SessionID: sessionID,
		CommandID: commandID,
		Message:   "navigated to " + url,
		Data: map[string]any{
			"url":          url,
			"status_code":  statusCode,
			"load_time_ms": loadTimeMs,
		},
		Success: true,
	})
}

// LogInteraction records a click or fill against an element.
func (l *Logger) LogInteraction(sessionID, commandID, action, selector string) {
	l.Emit(Event{
		EventType: EventInteraction,
		SessionID: sessionID,
		CommandID: commandID,
		Message:   action + " on " + selector,
		Data:      map[string]any{"action": action, "selector": selector},
		Success:   true,
	})
}

// LogExtraction records a data extraction.
func (l *Logger) LogExtraction(sessionID, commandID, selector, extractType string, elementsFound int) {
	l.Emit(Event{
		EventType: EventExtraction,
		SessionID: sessionID,
		CommandID: commandID,
		Message:   "extracted " + extractType + " from " + selector,
		Data: map[string]any{
			"selector":       selector,
			"extract_type":   extractType,
			"elements_found": elementsFound,
		},
		Success: true,
	})
}

// LogWaitCondition records a satisfied wait condition.
func (l *Logger) LogWaitCondition(sessionID, commandID, condition, finalState string, waitTimeMs int64) {
	l.Emit(Event{
		EventType: EventWaitCondition,
		SessionID: sessionID,
		CommandID: commandID,
		Message:   "wait condition met: " + condition,
		Data: map[string]any{
			"condition":    condition,
			"final_state":  finalState,
			"wait_time_ms": waitTimeMs,
		},
		Success: true,
	})
}

// LogSecurityViolation records a rejected input or failed authentication.
func (l *Logger) LogSecurityViolation(sessionID, clientAddr, detail string) {
	l.Emit(Event{
		EventType:  EventSecurityViolation,
		SessionID:  sessionID,
		ClientAddr: clientAddr,
		Message:    "security violation: " + detail,
		Success:    false,
		ErrorCode:  "INVALID_PARAMS",
	})
}

// LogRateLimitExceeded records a denied request from a rate-limited client.
func (l *Logger) LogRateLimitExceeded(sessionID, clientAddr string) {
	l.Emit(Event{
		EventType:  EventRateLimitExceeded,
		SessionID:  sessionID,
		ClientAddr: clientAddr,
		Message:    "rate limit exceeded",
		Success:    false,
	})
}

// LogError records an internal error tied to a session.
func (l *Logger) LogError(sessionID, commandID, errMsg string) {
	l.Emit(Event{
		EventType: EventError,
		SessionID: sessionID,
		CommandID: commandID,
		Message:   errMsg,
		Success:   false,
	})
}
