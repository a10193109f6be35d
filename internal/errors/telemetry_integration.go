// Package errors - telemetry integration (optional)
package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	telemetryReporter  atomic.Pointer[reporterHolder]
	hasActiveReporting atomic.Bool
)

type reporterHolder struct{ r TelemetryReporter }

// SetTelemetryReporter installs the process telemetry reporter. Passing nil
// disables reporting.
func SetTelemetryReporter(reporter TelemetryReporter) {
	if reporter == nil {
		telemetryReporter.Store(nil)
		hasActiveReporting.Store(false)
		return
	}
	telemetryReporter.Store(&reporterHolder{r: reporter})
	hasActiveReporting.Store(reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	if h := telemetryReporter.Load(); h != nil {
		return h.r
	}
	return nil
}

// reportToTelemetry forwards high and critical errors to the reporter.
// Lower priorities are transient by nature and stay in logs and counters.
func reportToTelemetry(ee *EnhancedError) {
	if ee.Priority != PriorityHigh && ee.Priority != PriorityCritical {
		return
	}
	r := GetTelemetryReporter()
	if r != nil && r.IsEnabled() {
		r.ReportError(ee)
	}
}

// SentryReporter implements TelemetryReporter for Sentry
type SentryReporter struct {
	enabled bool
}

// InitSentry initializes the Sentry SDK and returns a reporter for it.
func InitSentry(dsn, environment, release string) (*SentryReporter, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return NewSentryReporter(true), nil
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// Flush waits for buffered events to be delivered.
func (sr *SentryReporter) Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

// ReportError reports an enhanced error to Sentry with credentials scrubbed
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := scrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Error()))
	title := errorTitle(ee)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("priority", ee.Priority)
		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		scope.SetFingerprint([]string{title, ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = levelFor(ee)
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

func errorTitle(ee *EnhancedError) string {
	parts := make([]string, 0, 2)
	if ee.Component != "" && ee.Component != ComponentUnknown {
		parts = append(parts, ee.Component)
	}
	parts = append(parts, string(ee.Category))
	return strings.Join(parts, " ")
}

func levelFor(ee *EnhancedError) sentry.Level {
	if ee.Priority == PriorityCritical {
		return sentry.LevelFatal
	}
	switch ee.Category {
	case CategoryConnectTimeout, CategoryTransport, CategoryDeviceUnavailable:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

var (
	userinfoRegex = regexp.MustCompile(`(\w+://)[^/@\s]+@`)
	secretRegex   = regexp.MustCompile(`(?i)(password|passwd|token|dsn)[=:]\S+`)
)

// scrubMessage removes credentials embedded in URLs or key=value pairs.
func scrubMessage(message string) string {
	scrubbed := userinfoRegex.ReplaceAllString(message, "$1[REDACTED]@")
	return secretRegex.ReplaceAllString(scrubbed, "$1=[REDACTED]")
}
