package browser

import (
	"testing"

	"github.com/ysmood/gson"
)

func TestPropertyString(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"empty string", "", ""},
		{"number", 3.0, "3"},
		{"fraction", 1.5, "1.5"},
		{"bool", true, "true"},
		{"object", map[string]any{"a": 1}, `{"a":1}`},
		{"list", []any{"x", 2}, `["x",2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := propertyString(gson.New(tt.val)); got != tt.want {
				t.Errorf("propertyString(%#v) = %q, want %q", tt.val, got, tt.want)
			}
		})
	}
}
