// conf/context.go: runtime context shared by the commands
package conf

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/davdef/airlift-node-sub001/internal/buildinfo"
	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

// sentryFlushTimeout bounds how long Close waits for queued error reports.
const sentryFlushTimeout = 2 * time.Second

// Context carries what every command needs once configuration is loaded.
// The viper instance and build info exist from the start; Settings and Log
// are filled in by Init.
type Context struct {
	Viper      *viper.Viper
	Build      *buildinfo.Context
	ConfigPath string
	LogLevel   string

	Settings *Settings
	Log      logger.Logger

	central *logger.CentralLogger
	sentry  *errors.SentryReporter
}

// NewContext returns a context around v. Flags are bound to v by the
// commands before Init runs.
func NewContext(v *viper.Viper, build *buildinfo.Context) *Context {
	return &Context{Viper: v, Build: build, Log: logger.Discard()}
}

// Init loads the settings and starts logging and error telemetry.
func (c *Context) Init() error {
	settings, err := Load(c.Viper, c.ConfigPath)
	if err != nil {
		return err
	}
	c.Settings = settings

	applyLogLevel(&settings.Logging, settings.Debug, c.LogLevel)
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}
	c.central = central
	c.Log = central.Module("airlift")

	if settings.Sentry.Enabled {
		reporter, err := errors.InitSentry(settings.Sentry.DSN, settings.Sentry.Environment, c.Build.Release())
		if err != nil {
			c.Log.Warn("sentry disabled", logger.Error(err))
		} else {
			c.sentry = reporter
			errors.SetTelemetryReporter(reporter)
		}
	}

	if used := ConfigFileUsed(c.Viper); used != "" {
		c.Log.Debug("configuration loaded", logger.String("path", used))
	} else {
		c.Log.Debug("no config file found, using defaults")
	}
	return nil
}

// Logger returns a module logger, or a discarding one before Init.
func (c *Context) Logger(module string) logger.Logger {
	if c.central == nil {
		return logger.Discard()
	}
	return c.central.Module(module)
}

// Close flushes telemetry and log files.
func (c *Context) Close() error {
	if c.sentry != nil {
		c.sentry.Flush(sentryFlushTimeout)
	}
	if c.central == nil {
		return nil
	}
	return c.central.Close()
}

// applyLogLevel lets --debug and --log-level override the configured levels.
// An explicit level wins over debug.
func applyLogLevel(cfg *logger.LoggingConfig, debug bool, level string) {
	switch {
	case level != "":
	case debug:
		level = "debug"
	default:
		return
	}
	cfg.DefaultLevel = level
	if cfg.Console != nil {
		cfg.Console.Level = level
	}
	if cfg.FileOutput != nil {
		cfg.FileOutput.Level = level
	}
}
