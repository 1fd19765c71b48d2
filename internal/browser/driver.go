// Package browser owns the headless browser lifecycle: driver bootstrap,
// session creation and expiry, and the five command executors.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/auxproto/aux-go/internal/types"
)

// LaunchConfig configures the browser process.
type LaunchConfig struct {
	Headless           bool
	BrowserPath        string
	NoSandbox          bool
	DisableDevShm      bool
	DisableWebSecurity bool
	IgnoreHTTPSErrors  bool
	SlowMo             time.Duration
}

// ContextOptions configures one isolated browsing context.
type ContextOptions struct {
	ViewportWidth     int
	ViewportHeight    int
	UserAgent         string
	IgnoreHTTPSErrors bool
	ExtraHeaders      map[string]string
	Stealth           bool
}

// ClickOptions configures one click driver call.
type ClickOptions struct {
	Button     string
	ClickCount int
	Force      bool
	// Position is the absolute page coordinate; nil clicks the element's
	// center.
	Position *Point
}

// Point is an absolute page coordinate.
type Point struct {
	X float64
	Y float64
}

// Box is an element's bounding box in page coordinates.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Driver launches browser processes. Exactly one Driver is active per
// server process.
type Driver interface {
	Launch(cfg LaunchConfig) (Browser, error)
	Close() error
}

// Browser is one running browser process.
type Browser interface {
	NewContext(opts ContextOptions) (Context, error)
	Close() error
}

// Context is one isolated browsing context with its own cookies, storage,
// and cache.
type Context interface {
	NewPage() (Page, error)
	SetDefaultTimeout(d time.Duration)
	SetDefaultNavigationTimeout(d time.Duration)
	Close() error
}

// Page is the automation surface for one tab. Blocking operations honor
// the deadline on ctx and return an error satisfying
// errors.Is(err, types.ErrDriverTimeout) when it expires.
type Page interface {
	Goto(ctx context.Context, url, waitUntil string) (statusCode int, err error)
	URL() string
	Title() (string, error)
	SetExtraHeaders(headers map[string]string) error
	WaitForLoadState(ctx context.Context, state string) error
	WaitForFunction(ctx context.Context, js string, pollInterval time.Duration) error
	Locator(selector string) Locator
}

// Locator resolves a selector against the current DOM lazily.
type Locator interface {
	Count() (int, error)
	Nth(i int) (Element, error)
	// WaitFor blocks until the locator reaches the state, one of visible,
	// hidden, attached, detached.
	WaitFor(ctx context.Context, state string, pollInterval time.Duration) error
}

// Element is one resolved DOM element.
type Element interface {
	IsVisible() (bool, error)
	TextContent() (string, error)
	InnerHTML() (string, error)
	// GetAttribute returns the attribute value and whether it is present.
	GetAttribute(name string) (string, bool, error)
	// Property evaluates el[name] and returns its string form.
	Property(name string) (string, error)
	InputValue() (string, error)
	Clear() error
	Fill(text string) error
	Type(text string, delay time.Duration) error
	Press(key string) error
	Click(ctx context.Context, opts ClickOptions) error
	BoundingBox() (*Box, error)
	TagName() (string, error)
	ClassName() (string, error)
}

// IsTimeout reports whether a driver error was caused by a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, types.ErrDriverTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
