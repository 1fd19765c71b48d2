// Package schema defines the wire protocol: the five command variants,
// their response shapes, and the closed error-code set.
package schema

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/auxproto/aux-go/internal/types"
)

// Command timeout bounds in milliseconds.
const (
	MinTimeoutMs     = 1000
	MaxTimeoutMs     = 300000
	DefaultTimeoutMs = 30000
)

// Method names.
const (
	MethodNavigate = "navigate"
	MethodClick    = "click"
	MethodFill     = "fill"
	MethodExtract  = "extract"
	MethodWait     = "wait"
)

// Header carries the fields common to every command.
type Header struct {
	ID        string `json:"id"`
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
	TimeoutMs int    `json:"timeout"`
	APIKey    string `json:"api_key,omitempty"`
}

func (h *Header) validate() error {
	if h.ID == "" {
		return fmt.Errorf("id must not be empty")
	}
	if h.SessionID == "" {
		return fmt.Errorf("session_id must not be empty")
	}
	if h.TimeoutMs < MinTimeoutMs || h.TimeoutMs > MaxTimeoutMs {
		return fmt.Errorf("timeout %d out of range [%d, %d]", h.TimeoutMs, MinTimeoutMs, MaxTimeoutMs)
	}
	return nil
}

// Position is a relative click position within an element's bounding box.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NavigateCommand loads a URL in the session's page.
type NavigateCommand struct {
	Header
	URL          string            `json:"url"`
	WaitUntil    string            `json:"wait_until"`
	Referer      string            `json:"referer,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
}

// Validate checks the command fields after defaults are applied.
func (c *NavigateCommand) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.URL == "" {
		return fmt.Errorf("url must not be empty")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url %q does not parse: %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme %q not allowed, must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", c.URL)
	}
	switch c.WaitUntil {
	case "load", "domcontentloaded", "networkidle":
	default:
		return fmt.Errorf("wait_until %q not one of load, domcontentloaded, networkidle", c.WaitUntil)
	}
	return nil
}

// ClickCommand clicks the first element matching a selector.
type ClickCommand struct {
	Header
	Selector   string    `json:"selector"`
	Button     string    `json:"button"`
	ClickCount int       `json:"click_count"`
	Position   *Position `json:"position,omitempty"`
	Force      bool      `json:"force"`
}

func (c *ClickCommand) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.Selector == "" {
		return fmt.Errorf("selector must not be empty")
	}
	switch c.Button {
	case "left", "right", "middle":
	default:
		return fmt.Errorf("button %q not one of left, right, middle", c.Button)
	}
	if c.ClickCount < 1 || c.ClickCount > 10 {
		return fmt.Errorf("click_count %d out of range [1, 10]", c.ClickCount)
	}
	if c.Position != nil {
		if c.Position.X < 0.0 || c.Position.X > 1.0 {
			return fmt.Errorf("position.x %v out of range [0.0, 1.0]", c.Position.X)
		}
		if c.Position.Y < 0.0 || c.Position.Y > 1.0 {
			return fmt.Errorf("position.y %v out of range [0.0, 1.0]", c.Position.Y)
		}
	}
	return nil
}

// FillCommand fills text into the first element matching a selector.
type FillCommand struct {
	Header
	Selector      string `json:"selector"`
	Text          string `json:"text"`
	ClearFirst    bool   `json:"clear_first"`
	PressEnter    bool   `json:"press_enter"`
	TypingDelayMs int    `json:"typing_delay_ms"`
	ValidateInput bool   `json:"validate_input"`
}

func (c *FillCommand) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.Selector == "" {
		return fmt.Errorf("selector must not be empty")
	}
	if c.TypingDelayMs < 0 || c.TypingDelayMs > 1000 {
		return fmt.Errorf("typing_delay_ms %d out of range [0, 1000]", c.TypingDelayMs)
	}
	return nil
}

// Extraction types.
const (
	ExtractText      = "text"
	ExtractHTML      = "html"
	ExtractAttribute = "attribute"
	ExtractProperty  = "property"
)

// ExtractCommand reads data from elements matching a selector.
type ExtractCommand struct {
	Header
	Selector       string `json:"selector"`
	ExtractType    string `json:"extract_type"`
	AttributeName  string `json:"attribute_name,omitempty"`
	PropertyName   string `json:"property_name,omitempty"`
	Multiple       bool   `json:"multiple"`
	TrimWhitespace bool   `json:"trim_whitespace"`
}

func (c *ExtractCommand) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.Selector == "" {
		return fmt.Errorf("selector must not be empty")
	}
	switch c.ExtractType {
	case ExtractText, ExtractHTML:
	case ExtractAttribute:
		if c.AttributeName == "" {
			return fmt.Errorf("attribute_name required when extract_type is %q", ExtractAttribute)
		}
	case ExtractProperty:
		if c.PropertyName == "" {
			return fmt.Errorf("property_name required when extract_type is %q", ExtractProperty)
		}
	default:
		return fmt.Errorf("extract_type %q not one of text, html, attribute, property", c.ExtractType)
	}
	return nil
}

// Wait conditions.
const (
	WaitLoad             = "load"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle"
	WaitVisible          = "visible"
	WaitHidden           = "hidden"
	WaitAttached         = "attached"
	WaitDetached         = "detached"
)

// WaitCommand waits for a page or element condition.
type WaitCommand struct {
	Header
	Condition      string `json:"condition"`
	Selector       string `json:"selector,omitempty"`
	TextContent    string `json:"text_content,omitempty"`
	CustomJS       string `json:"custom_js,omitempty"`
	AttributeValue string `json:"attribute_value,omitempty"`
	PollIntervalMs int    `json:"poll_interval_ms"`
}

func (c *WaitCommand) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	switch c.Condition {
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
	case WaitVisible, WaitHidden, WaitAttached, WaitDetached:
		if c.Selector == "" {
			return fmt.Errorf("selector required when condition is %q", c.Condition)
		}
	default:
		return fmt.Errorf("condition %q not a recognized wait condition", c.Condition)
	}
	if c.PollIntervalMs < 50 || c.PollIntervalMs > 5000 {
		return fmt.Errorf("poll_interval_ms %d out of range [50, 5000]", c.PollIntervalMs)
	}
	return nil
}

// Command is implemented by all five command variants.
type Command interface {
	Validate() error
	Head() *Header
}

// Head returns the command header for correlation and dispatch.
func (h *Header) Head() *Header { return h }

// ParseCommand decodes one wire frame into a typed command and validates it.
// The returned Header is non-nil whenever the envelope decoded, even if
// validation failed, so callers can echo the command id in error responses.
func ParseCommand(raw []byte) (Command, *Header, error) {
	var head Header
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed JSON: %v", types.ErrInvalidCommand, err)
	}
	if head.TimeoutMs == 0 {
		head.TimeoutMs = DefaultTimeoutMs
	}

	var cmd Command
	switch head.Method {
	case MethodNavigate:
		c := &NavigateCommand{WaitUntil: "load"}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, &head, fmt.Errorf("malformed navigate command: %w", err)
		}
		cmd = c
	case MethodClick:
		c := &ClickCommand{Button: "left", ClickCount: 1}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, &head, fmt.Errorf("malformed click command: %w", err)
		}
		cmd = c
	case MethodFill:
		c := &FillCommand{ClearFirst: true, ValidateInput: true}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, &head, fmt.Errorf("malformed fill command: %w", err)
		}
		cmd = c
	case MethodExtract:
		c := &ExtractCommand{ExtractType: ExtractText, TrimWhitespace: true}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, &head, fmt.Errorf("malformed extract command: %w", err)
		}
		cmd = c
	case MethodWait:
		c := &WaitCommand{Condition: WaitVisible, PollIntervalMs: 100}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, &head, fmt.Errorf("malformed wait command: %w", err)
		}
		cmd = c
	case "":
		return nil, &head, fmt.Errorf("%w: method must not be empty", types.ErrInvalidCommand)
	default:
		return nil, &head, fmt.Errorf("%w: unknown method %q", types.ErrInvalidCommand, head.Method)
	}

	h := cmd.Head()
	if h.TimeoutMs == 0 {
		h.TimeoutMs = DefaultTimeoutMs
	}
	if err := cmd.Validate(); err != nil {
		return nil, &head, fmt.Errorf("%w: %v", types.ErrInvalidParams, err)
	}
	return cmd, &head, nil
}
