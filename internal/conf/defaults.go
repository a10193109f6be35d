// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/airlift.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("audio.source", "malgo")
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.backend", "")
	v.SetDefault("audio.file", "")
	v.SetDefault("audio.loop", false)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.frame_ms", 20)

	v.SetDefault("buffer.capacity_ms", 2000)
	v.SetDefault("buffer.overflow_policy", "drop-oldest")
	v.SetDefault("buffer.block_timeout", 50*time.Millisecond)

	v.SetDefault("codec.kind", "pcm")
	v.SetDefault("codec.registered", []string{})

	v.SetDefault("container.max_page_bytes", 8192)
	v.SetDefault("container.max_latency", 100*time.Millisecond)

	v.SetDefault("icecast.host", "localhost")
	v.SetDefault("icecast.port", 8000)
	v.SetDefault("icecast.mount", "/airlift")
	v.SetDefault("icecast.username", "source")
	v.SetDefault("icecast.password", "")
	v.SetDefault("icecast.name", "Airlift Node")
	v.SetDefault("icecast.description", "")
	v.SetDefault("icecast.genre", "")
	v.SetDefault("icecast.public", false)
	v.SetDefault("icecast.connect_timeout", 5*time.Second)
	v.SetDefault("icecast.write_timeout", 10*time.Second)
	v.SetDefault("icecast.queue_pages", 64)
	v.SetDefault("icecast.backoff_initial", time.Second)
	v.SetDefault("icecast.backoff_max", 30*time.Second)

	v.SetDefault("supervisor.stop_timeout", 5*time.Second)
	v.SetDefault("supervisor.max_reconnect_failures", 0)
	v.SetDefault("supervisor.device_retry_initial", time.Second)
	v.SetDefault("supervisor.device_retry_max", 30*time.Second)
	v.SetDefault("supervisor.device_retry_attempts", 10)

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.listen", "127.0.0.1:9108")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "airlift")
	v.SetDefault("mqtt.client_id", "airlift-node")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.interval", 10*time.Second)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
}
