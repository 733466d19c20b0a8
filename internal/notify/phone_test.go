package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{name: "leading eight", input: "89991234567", want: "+79991234567", ok: true},
		{name: "no country code", input: "9991234567", want: "+79991234567", ok: true},
		{name: "international", input: "+19991234567", want: "+19991234567", ok: true},
		{name: "country code without plus", input: "79991234567", want: "+79991234567", ok: true},
		{name: "formatted", input: "+7 (999) 123-45-67", want: "+79991234567", ok: true},
		{name: "too short", input: "12345", ok: false},
		{name: "too long", input: "+1234567890123456", ok: false},
		{name: "empty", input: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizePhone(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
