// Package types provides shared types and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session has been closed")
	ErrTooManySessions = errors.New("maximum number of sessions reached")

	// Driver errors
	ErrDriverTimeout        = errors.New("driver operation timed out")
	ErrDriverNotInitialized = errors.New("browser driver is not initialized")

	// Request errors
	ErrInvalidCommand = errors.New("invalid command")
	ErrInvalidParams  = errors.New("invalid command parameters")
	ErrInvalidURL     = errors.New("invalid URL")

	// Security errors
	ErrAuthFailed       = errors.New("authentication failed")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrDomainBlocked    = errors.New("navigation to this domain is not allowed")
	ErrDangerousInput   = errors.New("potentially dangerous input detected")
	ErrCustomJSDisabled = errors.New("custom JavaScript execution is disabled")
)
