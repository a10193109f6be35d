// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/codec"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/container"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct. It also normalizes
// a few values, such as a mount point without its leading slash.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	add := func(errs []string) {
		ve.Errors = append(ve.Errors, errs...)
	}

	add(validateLoggingSettings(settings))
	add(validateAudioSettings(&settings.Audio))
	add(validateBufferSettings(settings))
	add(validateCodecSettings(&settings.Codec))
	add(validateContainerSettings(&settings.Container))
	add(validateIcecastSettings(&settings.Icecast))
	add(validateSupervisorSettings(&settings.Supervisor))
	add(validateMonitoringSettings(&settings.Monitoring))
	add(validateMQTTSettings(&settings.MQTT))
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

var logLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

func validateLoggingSettings(settings *Settings) []string {
	var errs []string
	level := strings.ToLower(settings.Logging.DefaultLevel)
	if level != "" && !logLevels[level] {
		errs = append(errs, fmt.Sprintf("logging.default_level %q is not one of trace, debug, info, warn, error", settings.Logging.DefaultLevel))
	}
	for module, l := range settings.Logging.ModuleLevels {
		if !logLevels[strings.ToLower(l)] {
			errs = append(errs, fmt.Sprintf("logging.module_levels.%s %q is not a log level", module, l))
		}
	}
	return errs
}

func validateAudioSettings(settings *AudioSettings) []string {
	var errs []string
	switch settings.Source {
	case "malgo", "sine":
	case "file":
		if settings.File == "" {
			errs = append(errs, "audio.file is required when audio.source is file")
		}
	default:
		errs = append(errs, fmt.Sprintf("audio.source %q must be malgo, file or sine", settings.Source))
	}
	if settings.SampleRate < 8000 || settings.SampleRate > 192000 {
		errs = append(errs, fmt.Sprintf("audio.sample_rate %d must be between 8000 and 192000", settings.SampleRate))
	}
	if settings.Channels < 1 || settings.Channels > 8 {
		errs = append(errs, fmt.Sprintf("audio.channels %d must be between 1 and 8", settings.Channels))
	}
	if settings.FrameMs < 2 || settings.FrameMs > 120 {
		errs = append(errs, fmt.Sprintf("audio.frame_ms %d must be between 2 and 120", settings.FrameMs))
	}
	return errs
}

func validateBufferSettings(settings *Settings) []string {
	var errs []string
	if settings.Buffer.CapacityMs < settings.Audio.FrameMs || settings.Buffer.CapacityMs <= 0 {
		errs = append(errs, fmt.Sprintf("buffer.capacity_ms %d must hold at least one frame of %d ms",
			settings.Buffer.CapacityMs, settings.Audio.FrameMs))
	}
	if _, err := audiocore.ParseOverflowPolicy(settings.Buffer.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Sprintf("buffer.overflow_policy %q must be drop-oldest or block-producer", settings.Buffer.OverflowPolicy))
	}
	if settings.Buffer.BlockTimeout < 0 {
		errs = append(errs, "buffer.block_timeout must not be negative")
	}
	return errs
}

func validateCodecSettings(settings *CodecSettings) []string {
	var errs []string
	if _, err := codec.ParseKind(settings.Kind); err != nil {
		errs = append(errs, fmt.Sprintf("codec.kind %q is not supported, use one of %v", settings.Kind, codec.BuiltinKinds()))
	}
	for _, k := range settings.Registered {
		if _, err := codec.ParseKind(k); err != nil {
			errs = append(errs, fmt.Sprintf("codec.registered entry %q is not supported", k))
		}
	}
	return errs
}

func validateContainerSettings(settings *ContainerSettings) []string {
	var errs []string
	minPage := container.HeaderLen + container.FrameOverhead + 1
	if settings.MaxPageBytes < minPage || settings.MaxPageBytes > 1<<20 {
		errs = append(errs, fmt.Sprintf("container.max_page_bytes %d must be between %d and %d", settings.MaxPageBytes, minPage, 1<<20))
	}
	if settings.MaxLatency <= 0 {
		errs = append(errs, "container.max_latency must be positive")
	}
	return errs
}

func validateIcecastSettings(settings *IcecastSettings) []string {
	var errs []string
	if settings.Host == "" {
		errs = append(errs, "icecast.host is required")
	}
	if settings.Port < 1 || settings.Port > 65535 {
		errs = append(errs, fmt.Sprintf("icecast.port %d is out of range", settings.Port))
	}
	settings.Mount = strings.TrimSpace(settings.Mount)
	switch {
	case settings.Mount == "" || settings.Mount == "/":
		errs = append(errs, "icecast.mount is required")
	case !strings.HasPrefix(settings.Mount, "/"):
		settings.Mount = "/" + settings.Mount
	}
	if strings.ContainsAny(settings.Mount, " \r\n") {
		errs = append(errs, fmt.Sprintf("icecast.mount %q must not contain whitespace", settings.Mount))
	}
	if settings.QueuePages <= 0 {
		errs = append(errs, "icecast.queue_pages must be positive")
	}
	if settings.ConnectTimeout <= 0 || settings.WriteTimeout <= 0 {
		errs = append(errs, "icecast.connect_timeout and icecast.write_timeout must be positive")
	}
	if settings.BackoffInitial <= 0 || settings.BackoffMax < settings.BackoffInitial {
		errs = append(errs, "icecast.backoff_initial must be positive and not above icecast.backoff_max")
	}
	return errs
}

func validateSupervisorSettings(settings *SupervisorSettings) []string {
	var errs []string
	if settings.StopTimeout <= 0 {
		errs = append(errs, "supervisor.stop_timeout must be positive")
	}
	if settings.MaxReconnectFailures < 0 {
		errs = append(errs, "supervisor.max_reconnect_failures must not be negative")
	}
	if settings.DeviceRetryAttempts <= 0 {
		errs = append(errs, "supervisor.device_retry_attempts must be positive")
	}
	if settings.DeviceRetryInitial <= 0 || settings.DeviceRetryMax < settings.DeviceRetryInitial {
		errs = append(errs, "supervisor.device_retry_initial must be positive and not above supervisor.device_retry_max")
	}
	return errs
}

func validateMonitoringSettings(settings *MonitoringSettings) []string {
	if !settings.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(settings.Listen); err != nil {
		return []string{fmt.Sprintf("monitoring.listen %q is not host:port: %v", settings.Listen, err)}
	}
	return nil
}

func validateMQTTSettings(settings *MQTTSettings) []string {
	if !settings.Enabled {
		return nil
	}
	var errs []string
	if u, err := url.Parse(settings.Broker); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mqtt.broker %q must be a URL such as tcp://host:1883", settings.Broker))
	}
	if settings.Topic == "" {
		errs = append(errs, "mqtt.topic is required when mqtt is enabled")
	}
	if settings.Interval <= 0 {
		errs = append(errs, "mqtt.interval must be positive")
	}
	return errs
}
