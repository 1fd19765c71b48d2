package security

import (
	"errors"

	"github.com/auxproto/aux-go/internal/types"
)

// Validator bundles the sanitizer and domain policy and applies them to a
// raw decoded command before schema validation runs. Working on the raw
// object means dangerous input is rejected with a security category even
// when the command would also fail schema validation.
type Validator struct {
	sanitizer *Sanitizer
	policy    *DomainPolicy
}

// NewValidator creates a validator from the sanitizer and policy.
func NewValidator(s *Sanitizer, p *DomainPolicy) *Validator {
	return &Validator{sanitizer: s, policy: p}
}

// Violation describes a rejected input field.
type Violation struct {
	Field string
	Err   error
}

func (v *Violation) Error() string { return v.Field + ": " + v.Err.Error() }

func (v *Violation) Unwrap() error { return v.Err }

// CheckRaw inspects the security-relevant string fields of a decoded
// command object. Returns a *Violation on the first rejected field.
func (v *Validator) CheckRaw(raw map[string]any) error {
	if sel, ok := raw["selector"].(string); ok && sel != "" {
		if err := v.sanitizer.CheckSelector(sel); err != nil {
			return &Violation{Field: "selector", Err: err}
		}
	}
	if text, ok := raw["text"].(string); ok && text != "" {
		if err := v.sanitizer.CheckText(text); err != nil {
			return &Violation{Field: "text", Err: err}
		}
	}
	if rawURL, ok := raw["url"].(string); ok && rawURL != "" {
		if err := v.sanitizer.CheckURL(rawURL); err != nil {
			return &Violation{Field: "url", Err: err}
		}
		if err := v.policy.CheckURL(rawURL); err != nil {
			return &Violation{Field: "url", Err: err}
		}
	}
	if js, ok := raw["custom_js"].(string); ok && js != "" {
		if err := v.sanitizer.CheckCustomJS(js); err != nil {
			return &Violation{Field: "custom_js", Err: err}
		}
	}
	if tc, ok := raw["text_content"].(string); ok && tc != "" {
		if err := v.sanitizer.CheckText(tc); err != nil {
			return &Violation{Field: "text_content", Err: err}
		}
	}
	return nil
}

// IsDomainBlocked reports whether the violation is a domain policy denial
// rather than a sanitizer rejection.
func IsDomainBlocked(err error) bool {
	return errors.Is(err, types.ErrDomainBlocked)
}
