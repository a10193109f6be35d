// Package node assembles a running airlift node from settings: the capture
// device, the streaming pipeline, and the optional monitoring endpoint and
// MQTT status publisher.
package node

import (
	"context"
	stderrors "errors"

	"golang.org/x/sync/errgroup"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/codec"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/sources"
	"github.com/davdef/airlift-node-sub001/internal/buildinfo"
	"github.com/davdef/airlift-node-sub001/internal/conf"
	"github.com/davdef/airlift-node-sub001/internal/diagnostics"
	"github.com/davdef/airlift-node-sub001/internal/logger"
	"github.com/davdef/airlift-node-sub001/internal/mqtt"
	"github.com/davdef/airlift-node-sub001/internal/observability"
	"github.com/davdef/airlift-node-sub001/internal/pipeline"
)

// errStreamEnded cancels the helpers when the pipeline finishes by itself.
var errStreamEnded = stderrors.New("stream ended")

// Node owns one pipeline and its helpers.
type Node struct {
	settings *conf.Settings
	build    *buildinfo.Context
	log      logger.Logger

	device     audiocore.Device
	registry   *codec.Registry
	supervisor *pipeline.Supervisor
	metrics    *observability.Metrics
	endpoint   *observability.Endpoint
	publisher  *mqtt.Publisher

	mqttClient   mqtt.Client
	pipelineOpts []pipeline.Option
}

// Option configures a Node.
type Option func(*Node)

// WithDevice replaces the configured capture device.
func WithDevice(d audiocore.Device) Option {
	return func(n *Node) { n.device = d }
}

// WithMQTTClient replaces the paho client used by the status publisher.
func WithMQTTClient(c mqtt.Client) Option {
	return func(n *Node) { n.mqttClient = c }
}

// WithPipelineOptions passes options through to the supervisor.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(n *Node) { n.pipelineOpts = append(n.pipelineOpts, opts...) }
}

// New builds every component. Nothing runs until Run.
func New(settings *conf.Settings, build *buildinfo.Context, log logger.Logger, opts ...Option) (*Node, error) {
	n := &Node{settings: settings, build: build, log: log}
	for _, opt := range opts {
		opt(n)
	}

	if n.device == nil {
		device, err := sources.New(SourceConfig(settings), log.Module("sources"))
		if err != nil {
			return nil, err
		}
		n.device = device
	}

	registry, err := NewRegistry(settings)
	if err != nil {
		return nil, err
	}
	n.registry = registry

	cfg, err := PipelineConfig(settings, build)
	if err != nil {
		return nil, err
	}

	system := diagnostics.NewCollector(0)
	hook := diagnostics.OverflowReporter(system, log.Module("diagnostics"), 0)
	popts := append([]pipeline.Option{pipeline.WithOverflowHook(hook)}, n.pipelineOpts...)
	n.supervisor, err = pipeline.New(cfg, n.device, registry, log.Module("pipeline"), popts...)
	if err != nil {
		return nil, err
	}

	n.metrics, err = observability.NewMetrics(n.supervisor)
	if err != nil {
		return nil, err
	}

	if settings.Monitoring.Enabled {
		n.endpoint = observability.NewEndpoint(settings.Monitoring.Listen, n.metrics, n.supervisor,
			log.Module("monitoring"), observability.WithSystemCollector(system))
	}

	if settings.MQTT.Enabled {
		mqttCfg := MQTTConfig(settings)
		client := n.mqttClient
		if client == nil {
			client, err = mqtt.NewClient(mqttCfg, n.metrics.MQTT, log.Module("mqtt"))
			if err != nil {
				return nil, err
			}
		}
		n.publisher = mqtt.NewPublisher(client, mqttCfg, n.supervisor, settings.MQTT.Interval, log.Module("mqtt"))
	}
	return n, nil
}

// Supervisor returns the pipeline supervisor.
func (n *Node) Supervisor() *pipeline.Supervisor {
	return n.supervisor
}

// Run starts the pipeline and blocks until ctx is done or the pipeline
// ends. A stream that ends on its own (file input without loop) returns
// nil; a terminal pipeline failure is returned.
func (n *Node) Run(ctx context.Context) error {
	n.logStartup()

	if err := n.supervisor.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if n.endpoint != nil {
		g.Go(func() error { return n.endpoint.Run(gctx) })
	}
	if n.publisher != nil {
		g.Go(func() error { return n.publisher.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return n.supervisor.Stop()
		case <-n.supervisor.Done():
			if err := n.supervisor.Err(); err != nil {
				return err
			}
			return errStreamEnded
		}
	})

	err := g.Wait()
	if stderrors.Is(err, errStreamEnded) {
		n.log.Info("input ended, node stopped")
		return nil
	}
	return err
}

func (n *Node) logStartup() {
	s := n.settings
	n.log.Info("starting airlift node",
		logger.String("version", n.build.Version()),
		logger.String("device", n.device.Name()),
		logger.Int("sample_rate", s.Audio.SampleRate),
		logger.Int("channels", s.Audio.Channels),
		logger.String("codec", s.Codec.Kind),
		logger.String("server", s.Icecast.Host),
		logger.String("mount", s.Icecast.Mount))

	if info, err := diagnostics.Host(); err == nil {
		n.log.Info("host details",
			logger.String("hostname", info.Hostname),
			logger.String("platform", info.Platform+" "+info.PlatformVersion),
			logger.String("arch", info.KernelArch),
			logger.Int("cpus", info.CPUs))
	}
}
