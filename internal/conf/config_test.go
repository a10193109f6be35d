package conf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/davdef/airlift-node-sub001/internal/buildinfo"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "icecast:\n  password: hackme\n")
	s, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "malgo", s.Audio.Source)
	assert.Equal(t, 48000, s.Audio.SampleRate)
	assert.Equal(t, 2, s.Audio.Channels)
	assert.Equal(t, 20*time.Millisecond, s.FrameDuration())
	assert.Equal(t, 2*time.Second, s.BufferDuration())
	assert.Equal(t, "drop-oldest", s.Buffer.OverflowPolicy)
	assert.Equal(t, 50*time.Millisecond, s.Buffer.BlockTimeout)
	assert.Equal(t, "pcm", s.Codec.Kind)
	assert.Equal(t, 8192, s.Container.MaxPageBytes)
	assert.Equal(t, "hackme", s.Icecast.Password)
	assert.Equal(t, "source", s.Icecast.Username)
	assert.Equal(t, time.Second, s.Icecast.BackoffInitial)
	assert.Equal(t, 30*time.Second, s.Icecast.BackoffMax)
	assert.Equal(t, 10, s.Supervisor.DeviceRetryAttempts)
	assert.Equal(t, "info", s.Logging.DefaultLevel)
	require.NotNil(t, s.Logging.Console)
	assert.True(t, s.Logging.Console.Enabled)
}

func TestLoadReadsFileValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
audio:
  source: sine
  sample_rate: 44100
  channels: 1
buffer:
  overflow_policy: block-producer
  block_timeout: 20ms
codec:
  kind: adpcm
  registered: [mulaw, wav]
icecast:
  host: stream.example.org
  mount: radio
supervisor:
  max_reconnect_failures: 5
`)
	s, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "sine", s.Audio.Source)
	assert.Equal(t, 44100, s.Audio.SampleRate)
	assert.Equal(t, 1, s.Audio.Channels)
	assert.Equal(t, "block-producer", s.Buffer.OverflowPolicy)
	assert.Equal(t, 20*time.Millisecond, s.Buffer.BlockTimeout)
	assert.Equal(t, "adpcm", s.Codec.Kind)
	assert.Equal(t, []string{"mulaw", "wav"}, s.Codec.Registered)
	assert.Equal(t, "stream.example.org", s.Icecast.Host)
	assert.Equal(t, "/radio", s.Icecast.Mount, "mount gets its leading slash")
	assert.Equal(t, 5, s.Supervisor.MaxReconnectFailures)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AIRLIFT_ICECAST_PASSWORD", "from-env")
	t.Setenv("AIRLIFT_AUDIO_CHANNELS", "1")

	s, err := Load(NewViper(), writeConfig(t, "icecast:\n  password: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.Icecast.Password)
	assert.Equal(t, 1, s.Audio.Channels)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidationCollectsAllErrors(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
audio:
  source: file
  sample_rate: 1000
buffer:
  overflow_policy: drop-newest
codec:
  kind: opus
icecast:
  port: 70000
  mount: ""
mqtt:
  enabled: true
  broker: not a url
`)
	_, err := Load(NewViper(), path)
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	joined := ve.Error()
	for _, want := range []string{
		"audio.file is required",
		"audio.sample_rate 1000",
		"buffer.overflow_policy",
		"codec.kind \"opus\"",
		"icecast.port 70000",
		"icecast.mount is required",
		"mqtt.broker",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestValidateSettingsTable(t *testing.T) {
	t.Parallel()

	base := func() *Settings {
		s, err := Load(NewViper(), writeConfig(t, "debug: false\n"))
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(*Settings) {}, false},
		{"buffer smaller than a frame", func(s *Settings) { s.Buffer.CapacityMs = 10 }, true},
		{"backoff max below initial", func(s *Settings) { s.Icecast.BackoffMax = time.Millisecond }, true},
		{"negative reconnect limit", func(s *Settings) { s.Supervisor.MaxReconnectFailures = -1 }, true},
		{"monitoring listen invalid", func(s *Settings) { s.Monitoring.Enabled = true; s.Monitoring.Listen = "9108" }, true},
		{"monitoring disabled ignores listen", func(s *Settings) { s.Monitoring.Listen = "9108" }, false},
		{"sentry without dsn", func(s *Settings) { s.Sentry.Enabled = true }, true},
		{"bad module level", func(s *Settings) { s.Logging.ModuleLevels = map[string]string{"sink": "loud"} }, true},
		{"tiny page", func(s *Settings) { s.Container.MaxPageBytes = 40 }, true},
		{"mount with space", func(s *Settings) { s.Icecast.Mount = "/a b" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := base()
			tt.mutate(s)
			err := ValidateSettings(s)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDumpMasksSecrets(t *testing.T) {
	t.Parallel()

	s, err := Load(NewViper(), writeConfig(t, "icecast:\n  password: hackme\nmqtt:\n  password: broker-secret\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Dump(&buf, false))
	out := buf.String()
	assert.NotContains(t, out, "hackme")
	assert.NotContains(t, out, "broker-secret")
	assert.Contains(t, out, "********")
	assert.Contains(t, out, "sample_rate: 48000")

	buf.Reset()
	require.NoError(t, s.Dump(&buf, true))
	assert.Contains(t, buf.String(), "hackme")

	// the dump is itself a loadable config
	var back Settings
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, s.Icecast, back.Icecast)
}

func TestEmbeddedDefaultConfigMatchesDefaults(t *testing.T) {
	t.Parallel()

	body, err := DefaultConfig()
	require.NoError(t, err)

	fromTemplate, err := Load(NewViper(), writeConfig(t, body))
	require.NoError(t, err)
	fromDefaults, err := Load(NewViper(), writeConfig(t, "debug: false\n"))
	require.NoError(t, err)
	assert.Equal(t, fromDefaults, fromTemplate)
}

func TestDefaultConfigPaths(t *testing.T) {
	t.Parallel()

	paths := GetDefaultConfigPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, ".", paths[0])
}

func TestBindFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	v := NewViper()
	fs := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	fs.String("mount", "", "")
	fs.Int("port", 0, "")
	require.NoError(t, BindFlags(v, fs,
		FlagBinding{Flag: "mount", Key: "icecast.mount"},
		FlagBinding{Flag: "port", Key: "icecast.port"}))
	require.NoError(t, fs.Parse([]string{"--mount", "/live"}))

	s, err := Load(v, writeConfig(t, "icecast:\n  mount: /file\n  port: 8010\n"))
	require.NoError(t, err)
	assert.Equal(t, "/live", s.Icecast.Mount, "a set flag wins over the file")
	assert.Equal(t, 8010, s.Icecast.Port, "an unset flag leaves the file value")

	require.Error(t, BindFlags(v, fs, FlagBinding{Flag: "missing", Key: "audio.device"}))
}

func TestApplyLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		debug bool
		level string
		want  string
	}{
		{"untouched", false, "", "info"},
		{"debug flag", true, "", "debug"},
		{"explicit level wins", true, "warn", "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := logger.LoggingConfig{
				DefaultLevel: "info",
				Console:      &logger.ConsoleOutput{Enabled: true, Level: "info"},
			}
			applyLogLevel(&cfg, tt.debug, tt.level)
			assert.Equal(t, tt.want, cfg.DefaultLevel)
			assert.Equal(t, tt.want, cfg.Console.Level)
		})
	}
}

func TestContextInit(t *testing.T) {
	t.Parallel()

	c := NewContext(NewViper(), buildinfo.NewContext("1.0.0", ""))
	assert.NotNil(t, c.Logger("early"), "a logger is available before Init")

	c.ConfigPath = writeConfig(t, "debug: true\nicecast:\n  mount: /ctx\n")
	require.NoError(t, c.Init())
	t.Cleanup(func() { assert.NoError(t, c.Close()) })

	assert.Equal(t, "/ctx", c.Settings.Icecast.Mount)
	assert.Equal(t, "debug", c.Settings.Logging.Console.Level)
	assert.NotNil(t, c.Log)
}
