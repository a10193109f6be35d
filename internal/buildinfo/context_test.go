package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ctx       *Context
		version   string
		buildDate string
	}{
		{"nil context", nil, UnknownValue, UnknownValue},
		{"empty values", NewContext("", ""), UnknownValue, UnknownValue},
		{"valid", NewContext("1.0.0", "2026-01-01T12:00:00Z"), "1.0.0", "2026-01-01T12:00:00Z"},
		{"pre-release tag", NewContext("1.0.0-beta.1", "2026-01-01"), "1.0.0-beta.1", "2026-01-01"},
		{"build metadata", NewContext("1.0.0+build.123", ""), "1.0.0+build.123", UnknownValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.version, tt.ctx.Version())
			assert.Equal(t, tt.buildDate, tt.ctx.BuildDate())
		})
	}
}

func TestDerivedStrings(t *testing.T) {
	t.Parallel()

	c := NewContext("2.1.0", "2026-03-04")
	assert.Equal(t, "airlift-node/2.1.0", c.UserAgent())
	assert.Equal(t, "airlift-node@2.1.0", c.Release())
	assert.Contains(t, c.String(), "airlift-node 2.1.0 (built 2026-03-04")

	var unset *Context
	assert.Equal(t, "airlift-node/unknown", unset.UserAgent())
}
