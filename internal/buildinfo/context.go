// Package buildinfo contains build-time metadata kept separate from user
// configuration.
package buildinfo

import "runtime"

// UnknownValue is reported for metadata that was not injected at build time.
const UnknownValue = "unknown"

// Product names the binary in user agents and telemetry releases.
const Product = "airlift-node"

// Context contains build-time metadata that is not user-configurable.
// It is filled from -ldflags at startup.
type Context struct {
	version   string
	buildDate string
}

// NewContext creates a build context.
func NewContext(version, buildDate string) *Context {
	return &Context{version: version, buildDate: buildDate}
}

// Version returns the build version string.
func (c *Context) Version() string {
	if c == nil || c.version == "" {
		return UnknownValue
	}
	return c.version
}

// BuildDate returns the build date string.
func (c *Context) BuildDate() string {
	if c == nil || c.buildDate == "" {
		return UnknownValue
	}
	return c.buildDate
}

// UserAgent is sent to the streaming server.
func (c *Context) UserAgent() string {
	return Product + "/" + c.Version()
}

// Release is the telemetry release identifier.
func (c *Context) Release() string {
	return Product + "@" + c.Version()
}

// String is the one-line version banner.
func (c *Context) String() string {
	return Product + " " + c.Version() + " (built " + c.BuildDate() + ", " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
