package security

import (
	"errors"
	"testing"

	"github.com/auxproto/aux-go/internal/types"
)

func TestAuthenticate(t *testing.T) {
	a := NewAuthenticator(true, "correct-horse-battery-staple")

	if err := a.Authenticate("correct-horse-battery-staple"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := a.Authenticate("wrong"); !errors.Is(err, types.ErrAuthFailed) {
		t.Errorf("invalid key = %v, want ErrAuthFailed", err)
	}
	if err := a.Authenticate(""); !errors.Is(err, types.ErrAuthFailed) {
		t.Errorf("empty key = %v, want ErrAuthFailed", err)
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	a := NewAuthenticator(false, "secret")
	if err := a.Authenticate("anything"); err != nil {
		t.Errorf("disabled auth rejected key: %v", err)
	}
	if err := a.Authenticate(""); err != nil {
		t.Errorf("disabled auth rejected empty key: %v", err)
	}
}
