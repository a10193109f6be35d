package node

import (
	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/codec"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/sink"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/sources"
	"github.com/davdef/airlift-node-sub001/internal/buildinfo"
	"github.com/davdef/airlift-node-sub001/internal/conf"
	"github.com/davdef/airlift-node-sub001/internal/mqtt"
	"github.com/davdef/airlift-node-sub001/internal/pipeline"
)

// Format returns the capture format from the audio settings.
func Format(s *conf.Settings) audiocore.AudioFormat {
	return audiocore.AudioFormat{
		SampleRate: s.Audio.SampleRate,
		Channels:   s.Audio.Channels,
		BitDepth:   16,
	}
}

// PipelineConfig maps validated settings onto a supervisor config.
func PipelineConfig(s *conf.Settings, build *buildinfo.Context) (pipeline.Config, error) {
	policy, err := audiocore.ParseOverflowPolicy(s.Buffer.OverflowPolicy)
	if err != nil {
		return pipeline.Config{}, err
	}
	kind, err := codec.ParseKind(s.Codec.Kind)
	if err != nil {
		return pipeline.Config{}, err
	}

	format := Format(s)
	frameSamples := audiocore.FrameSamplesFor(format.SampleRate, s.FrameDuration())
	bufferSamples := audiocore.FrameSamplesFor(format.SampleRate, s.BufferDuration()) * format.Channels

	return pipeline.Config{
		Format:         format,
		FrameSamples:   frameSamples,
		BufferSamples:  bufferSamples,
		OverflowPolicy: policy,
		BlockTimeout:   s.Buffer.BlockTimeout,
		Codec:          kind,
		MaxPageBytes:   s.Container.MaxPageBytes,
		MaxLatency:     s.Container.MaxLatency,
		Sink: sink.Config{
			Host:           s.Icecast.Host,
			Port:           s.Icecast.Port,
			Mount:          s.Icecast.Mount,
			Username:       s.Icecast.Username,
			Password:       s.Icecast.Password,
			Name:           s.Icecast.Name,
			Description:    s.Icecast.Description,
			Genre:          s.Icecast.Genre,
			Public:         s.Icecast.Public,
			UserAgent:      build.UserAgent(),
			ConnectTimeout: s.Icecast.ConnectTimeout,
			WriteTimeout:   s.Icecast.WriteTimeout,
			QueuePages:     s.Icecast.QueuePages,
			BackoffInitial: s.Icecast.BackoffInitial,
			BackoffMax:     s.Icecast.BackoffMax,
		},
		StopTimeout:          s.Supervisor.StopTimeout,
		MaxReconnectFailures: s.Supervisor.MaxReconnectFailures,
		DeviceRetryInitial:   s.Supervisor.DeviceRetryInitial,
		DeviceRetryMax:       s.Supervisor.DeviceRetryMax,
		DeviceRetryAttempts:  s.Supervisor.DeviceRetryAttempts,
	}, nil
}

// SourceConfig maps the audio settings onto a device config.
func SourceConfig(s *conf.Settings) sources.Config {
	return sources.Config{
		Source:  s.Audio.Source,
		Device:  s.Audio.Device,
		Backend: s.Audio.Backend,
		File:    s.Audio.File,
		Loop:    s.Audio.Loop,
	}
}

// MQTTConfig maps the mqtt settings onto a client config.
func MQTTConfig(s *conf.Settings) mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.MQTT.Broker
	cfg.ClientID = s.MQTT.ClientID
	cfg.Username = s.MQTT.Username
	cfg.Password = s.MQTT.Password
	cfg.Topic = s.MQTT.Topic
	return cfg
}

// NewRegistry returns a codec registry with an idle instance for every
// kind listed in codec.registered, so they show up in snapshots next to
// the streaming instance.
func NewRegistry(s *conf.Settings) (*codec.Registry, error) {
	registry := codec.NewRegistry()
	format := Format(s)
	params := codec.Params{
		Format:       format,
		FrameSamples: audiocore.FrameSamplesFor(format.SampleRate, s.FrameDuration()),
	}
	for _, k := range s.Codec.Registered {
		kind, err := codec.ParseKind(k)
		if err != nil {
			return nil, err
		}
		if _, err := registry.Register(kind, params); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
