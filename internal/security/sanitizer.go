// Package security provides input sanitization, domain policy enforcement,
// and API key authentication for the command server.
package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/auxproto/aux-go/internal/types"
)

// MaxCustomJSLength caps custom JavaScript snippets regardless of config.
const MaxCustomJSLength = 5000

// Patterns that indicate injection attempts inside selectors and URLs.
var cssInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:`),
	regexp.MustCompile(`(?i)expression\s*\(`),
	regexp.MustCompile(`(?i)@import`),
	regexp.MustCompile(`(?i)url\s*\(`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)</script>`),
}

// Patterns that indicate script injection inside free text inputs.
var jsInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:text/html`),
	regexp.MustCompile(`(?i)vbscript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

// JavaScript functions that custom_js may not call.
var dangerousJSFunctions = []string{
	"eval", "Function", "setTimeout", "setInterval",
	"XMLHttpRequest", "fetch", "import", "require",
}

var dangerousJSCallPatterns = compileCallPatterns(dangerousJSFunctions)

func compileCallPatterns(names []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(names))
	for _, name := range names {
		patterns = append(patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(name)+`\s*\(`))
	}
	return patterns
}

// SanitizerConfig holds the length caps for sanitized inputs.
type SanitizerConfig struct {
	Enabled            bool
	MaxSelectorLength  int
	MaxTextInputLength int
	MaxURLLength       int
	AllowCustomJS      bool
}

// Sanitizer validates selectors, text, URLs, and scripts before any command
// reaches the browser. When disabled it accepts everything; the custom JS
// gate and the domain policy are enforced elsewhere regardless.
type Sanitizer struct {
	cfg SanitizerConfig
}

// NewSanitizer creates a sanitizer with the given limits.
func NewSanitizer(cfg SanitizerConfig) *Sanitizer {
	return &Sanitizer{cfg: cfg}
}

// CheckSelector validates a CSS selector for length, injection patterns,
// and bracket/quote balance.
func (s *Sanitizer) CheckSelector(selector string) error {
	if !s.cfg.Enabled {
		return nil
	}
	if selector == "" {
		return fmt.Errorf("%w: selector is empty", types.ErrDangerousInput)
	}
	if len(selector) > s.cfg.MaxSelectorLength {
		return fmt.Errorf("%w: selector length %d exceeds limit %d",
			types.ErrDangerousInput, len(selector), s.cfg.MaxSelectorLength)
	}
	for _, pattern := range cssInjectionPatterns {
		if pattern.MatchString(selector) {
			return fmt.Errorf("%w: selector matches blocked pattern %q",
				types.ErrDangerousInput, pattern.String())
		}
	}
	if err := checkBalance(selector); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDangerousInput, err)
	}
	return nil
}

// CheckText validates free text input for length and script injection.
func (s *Sanitizer) CheckText(text string) error {
	if !s.cfg.Enabled {
		return nil
	}
	if len(text) > s.cfg.MaxTextInputLength {
		return fmt.Errorf("%w: text length %d exceeds limit %d",
			types.ErrDangerousInput, len(text), s.cfg.MaxTextInputLength)
	}
	for _, pattern := range jsInjectionPatterns {
		if pattern.MatchString(text) {
			return fmt.Errorf("%w: text matches blocked pattern %q",
				types.ErrDangerousInput, pattern.String())
		}
	}
	return nil
}

// CheckURL validates a navigation URL for length, scheme, and injection.
func (s *Sanitizer) CheckURL(rawURL string) error {
	if !s.cfg.Enabled {
		return nil
	}
	if len(rawURL) > s.cfg.MaxURLLength {
		return fmt.Errorf("%w: URL length %d exceeds limit %d",
			types.ErrInvalidURL, len(rawURL), s.cfg.MaxURLLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", types.ErrInvalidURL, u.Scheme)
	}
	for _, pattern := range cssInjectionPatterns {
		// The scheme check already passed, so a "data:" or "javascript:"
		// match here means a payload smuggled into path or query.
		if pattern.MatchString(u.Path) || pattern.MatchString(u.RawQuery) || pattern.MatchString(u.Fragment) {
			return fmt.Errorf("%w: URL matches blocked pattern %q",
				types.ErrInvalidURL, pattern.String())
		}
	}
	return nil
}

// CheckCustomJS validates a custom JavaScript wait expression. The length
// cap and dangerous-call check apply even when general sanitization is
// disabled; AllowCustomJS gates execution entirely.
func (s *Sanitizer) CheckCustomJS(js string) error {
	if js == "" {
		return nil
	}
	if !s.cfg.AllowCustomJS {
		return types.ErrCustomJSDisabled
	}
	if len(js) > MaxCustomJSLength {
		return fmt.Errorf("%w: custom_js length %d exceeds limit %d",
			types.ErrDangerousInput, len(js), MaxCustomJSLength)
	}
	for _, pattern := range dangerousJSCallPatterns {
		if pattern.MatchString(js) {
			return fmt.Errorf("%w: custom_js calls a blocked function (%s)",
				types.ErrDangerousInput, pattern.String())
		}
	}
	if err := checkBalance(js); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDangerousInput, err)
	}
	return nil
}

// checkBalance verifies brackets and quotes pair up. Quoted regions are
// skipped for bracket counting so selectors like [data-x="(a)"] pass.
func checkBalance(input string) error {
	var stack []rune
	var quote rune
	escaped := false

	for _, r := range input {
		if escaped {
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '\'', '"', '`':
			quote = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 {
				return fmt.Errorf("unbalanced %q", r)
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (r == ')' && open != '(') || (r == ']' && open != '[') || (r == '}' && open != '{') {
				return fmt.Errorf("mismatched %q", r)
			}
		}
	}
	if quote != 0 {
		return fmt.Errorf("unterminated quote %q", quote)
	}
	if len(stack) > 0 {
		return fmt.Errorf("unbalanced %q", stack[len(stack)-1])
	}
	return nil
}

// TruncateKey returns a short prefix of a credential for safe logging.
func TruncateKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..."
}
