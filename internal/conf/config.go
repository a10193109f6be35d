// config.go: settings for the airlift node and the functions that load and dump them.
package conf

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// EnvPrefix prefixes every environment override, AIRLIFT_ICECAST_PASSWORD
// sets icecast.password.
const EnvPrefix = "AIRLIFT"

// AudioSettings selects the input device and the PCM layout.
type AudioSettings struct {
	Source     string `yaml:"source" mapstructure:"source"`   // malgo, file or sine
	Device     string `yaml:"device" mapstructure:"device"`   // sound card name, empty for default
	Backend    string `yaml:"backend" mapstructure:"backend"` // malgo backend, empty for the OS default
	File       string `yaml:"file" mapstructure:"file"`
	Loop       bool   `yaml:"loop" mapstructure:"loop"`
	SampleRate int    `yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels   int    `yaml:"channels" mapstructure:"channels"`
	FrameMs    int    `yaml:"frame_ms" mapstructure:"frame_ms"`
}

// BufferSettings sizes the ring buffer between capture and encoding.
type BufferSettings struct {
	CapacityMs     int           `yaml:"capacity_ms" mapstructure:"capacity_ms"`
	OverflowPolicy string        `yaml:"overflow_policy" mapstructure:"overflow_policy"` // drop-oldest or block-producer
	BlockTimeout   time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`
}

// CodecSettings picks the codec that is streamed.
type CodecSettings struct {
	Kind string `yaml:"kind" mapstructure:"kind"`
	// Registered lists extra codec instances to register for inspection.
	Registered []string `yaml:"registered" mapstructure:"registered"`
}

// ContainerSettings bounds page size and buffering latency.
type ContainerSettings struct {
	MaxPageBytes int           `yaml:"max_page_bytes" mapstructure:"max_page_bytes"`
	MaxLatency   time.Duration `yaml:"max_latency" mapstructure:"max_latency"`
}

// IcecastSettings describes the streaming server.
type IcecastSettings struct {
	Host           string        `yaml:"host" mapstructure:"host"`
	Port           int           `yaml:"port" mapstructure:"port"`
	Mount          string        `yaml:"mount" mapstructure:"mount"`
	Username       string        `yaml:"username" mapstructure:"username"`
	Password       string        `yaml:"password" mapstructure:"password"`
	Name           string        `yaml:"name" mapstructure:"name"`
	Description    string        `yaml:"description" mapstructure:"description"`
	Genre          string        `yaml:"genre" mapstructure:"genre"`
	Public         bool          `yaml:"public" mapstructure:"public"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	QueuePages     int           `yaml:"queue_pages" mapstructure:"queue_pages"`
	BackoffInitial time.Duration `yaml:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
}

// SupervisorSettings controls failure handling.
type SupervisorSettings struct {
	StopTimeout          time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	MaxReconnectFailures int           `yaml:"max_reconnect_failures" mapstructure:"max_reconnect_failures"` // 0 retries forever
	DeviceRetryInitial   time.Duration `yaml:"device_retry_initial" mapstructure:"device_retry_initial"`
	DeviceRetryMax       time.Duration `yaml:"device_retry_max" mapstructure:"device_retry_max"`
	DeviceRetryAttempts  int           `yaml:"device_retry_attempts" mapstructure:"device_retry_attempts"`
}

// MonitoringSettings enables the HTTP metrics endpoint.
type MonitoringSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// MQTTSettings enables periodic status publishing.
type MQTTSettings struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Broker   string        `yaml:"broker" mapstructure:"broker"`
	Topic    string        `yaml:"topic" mapstructure:"topic"`
	ClientID string        `yaml:"client_id" mapstructure:"client_id"`
	Username string        `yaml:"username" mapstructure:"username"`
	Password string        `yaml:"password" mapstructure:"password"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// SentrySettings enables error telemetry.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// Settings is the complete node configuration.
type Settings struct {
	Debug      bool                 `yaml:"debug" mapstructure:"debug"`
	Logging    logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Audio      AudioSettings        `yaml:"audio" mapstructure:"audio"`
	Buffer     BufferSettings       `yaml:"buffer" mapstructure:"buffer"`
	Codec      CodecSettings        `yaml:"codec" mapstructure:"codec"`
	Container  ContainerSettings    `yaml:"container" mapstructure:"container"`
	Icecast    IcecastSettings      `yaml:"icecast" mapstructure:"icecast"`
	Supervisor SupervisorSettings   `yaml:"supervisor" mapstructure:"supervisor"`
	Monitoring MonitoringSettings   `yaml:"monitoring" mapstructure:"monitoring"`
	MQTT       MQTTSettings         `yaml:"mqtt" mapstructure:"mqtt"`
	Sentry     SentrySettings       `yaml:"sentry" mapstructure:"sentry"`
}

// FrameDuration returns the configured frame length.
func (s *Settings) FrameDuration() time.Duration {
	return time.Duration(s.Audio.FrameMs) * time.Millisecond
}

// BufferDuration returns the configured ring buffer length.
func (s *Settings) BufferDuration() time.Duration {
	return time.Duration(s.Buffer.CapacityMs) * time.Millisecond
}

// NewViper returns a viper instance with every default registered and
// environment overrides enabled. Command line flags are bound to it by
// the caller before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)
	configureEnvironmentVariables(v)
	return v
}

// Load reads the config file into v and returns validated settings. An
// empty path searches the default locations; a missing file there is not
// an error and leaves the defaults in place.
func Load(v *viper.Viper, path string) (*Settings, error) {
	if err := readConfig(v, path); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// ConfigFileUsed returns the file Load read, or an empty string.
func ConfigFileUsed(v *viper.Viper) string {
	return v.ConfigFileUsed()
}

func readConfig(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component(componentConf).
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
		return nil
	}

	v.SetConfigName("config")
	for _, dir := range GetDefaultConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// Dump writes the settings as YAML. Secrets are masked unless reveal is set.
func (s *Settings) Dump(w io.Writer, reveal bool) error {
	out := *s
	if !reveal {
		out.Icecast.Password = mask(out.Icecast.Password)
		out.MQTT.Password = mask(out.MQTT.Password)
		out.Sentry.DSN = mask(out.Sentry.DSN)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return enc.Close()
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// DefaultConfig returns the embedded config.yaml template.
func DefaultConfig() (string, error) {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return "", fmt.Errorf("error reading embedded config: %w", err)
	}
	return string(data), nil
}
