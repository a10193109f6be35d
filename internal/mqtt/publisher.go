package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/logger"
	"github.com/davdef/airlift-node-sub001/internal/pipeline"
)

// StatusSource provides the status document to publish.
type StatusSource interface {
	Status() pipeline.Status
}

// StatusMessage is the retained payload on the status topic.
type StatusMessage struct {
	Node      string          `json:"node"`
	Timestamp time.Time       `json:"timestamp"`
	Status    pipeline.Status `json:"status"`
}

// Publisher sends the node status to the broker on a fixed interval.
type Publisher struct {
	client   Client
	config   Config
	source   StatusSource
	interval time.Duration
	log      logger.Logger
	sleep    audiocore.SleepFunc
	now      func() time.Time
}

// NewPublisher creates a publisher. The client is connected by Run.
func NewPublisher(c Client, cfg Config, source StatusSource, interval time.Duration, log logger.Logger) *Publisher {
	cfg.applyDefaults()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Publisher{
		client:   c,
		config:   cfg,
		source:   source,
		interval: interval,
		log:      log,
		sleep:    audiocore.SleepContext,
		now:      time.Now,
	}
}

// Run connects, then publishes the status every interval until ctx is
// done. A broker that is down at startup is retried with backoff; the
// stream never waits on MQTT. On return the availability topic is set to
// offline and the client disconnected.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.connect(ctx) {
		return nil
	}
	defer p.shutdown()

	if err := p.client.Publish(ctx, p.config.AvailabilityTopic(), []byte(PayloadOnline), true); err != nil {
		p.log.Warn("failed to publish availability", logger.Error(err))
	}
	p.PublishOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PublishOnce(ctx)
		}
	}
}

// PublishOnce publishes the current status. Failures are logged only.
func (p *Publisher) PublishOnce(ctx context.Context) {
	payload, err := json.Marshal(StatusMessage{
		Node:      p.config.ClientID,
		Timestamp: p.now().UTC(),
		Status:    p.source.Status(),
	})
	if err != nil {
		p.log.Error("failed to encode status", logger.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.config.StatusTopic(), payload, true); err != nil {
		p.log.Debug("status publish failed", logger.Error(err))
	}
}

func (p *Publisher) connect(ctx context.Context) bool {
	backoff := audiocore.NewBackoff(0, time.Second, p.config.MaxReconnectDelay)
	for {
		err := p.client.Connect(ctx)
		if err == nil {
			return true
		}
		delay, _ := backoff.Next()
		p.log.Warn("MQTT connect failed, retrying",
			logger.Error(err),
			logger.Duration("retry_in", delay),
			logger.Int("attempt", backoff.Attempts()))
		if err := p.sleep(ctx, delay); err != nil {
			return false
		}
	}
}

func (p *Publisher) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()
	if p.client.IsConnected() {
		if err := p.client.Publish(ctx, p.config.AvailabilityTopic(), []byte(PayloadOffline), true); err != nil {
			p.log.Debug("failed to publish offline marker", logger.Error(err))
		}
	}
	p.client.Disconnect()
}
