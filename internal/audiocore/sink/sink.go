// Package sink delivers container pages to an Icecast-compatible server
// over a long-lived SOURCE connection.
package sink

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/container"
	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

const (
	componentSink = "sink"

	DefaultPort           = 8000
	DefaultUsername       = "source"
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultQueuePages     = 64
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultUserAgent      = "airlift-node"

	failureQueueSize = 8
	statsLogInterval = 5 * time.Second
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes the server endpoint and stream metadata.
type Config struct {
	Host     string
	Port     int
	Mount    string
	Username string
	Password string

	ContentType string
	Name        string
	Description string
	Genre       string
	Public      bool
	AudioInfo   string
	UserAgent   string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	QueuePages   int
	Policy       audiocore.OverflowPolicy
	BlockTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	if c.ContentType == "" {
		c.ContentType = container.ContentType
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.QueuePages <= 0 {
		c.QueuePages = DefaultQueuePages
	}
	if c.Policy == "" {
		c.Policy = audiocore.OverflowDropOldest
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = audiocore.DefaultBlockTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Dialer opens the transport connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option customizes a Sink.
type Option func(*Sink)

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(s *Sink) {
		s.dialer = d
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep audiocore.SleepFunc) Option {
	return func(s *Sink) {
		s.sleep = sleep
	}
}

// Status is a snapshot of the sink.
type Status struct {
	State               string `json:"state"`
	Connected           bool   `json:"connected"`
	Errors              uint64 `json:"errors"`
	ConsecutiveFailures uint64 `json:"consecutive_failures"`
	PagesSent           uint64 `json:"pages_sent"`
	PagesDropped        uint64 `json:"pages_dropped"`
	BytesSent           uint64 `json:"bytes_sent"`
	Reconnects          uint64 `json:"reconnects"`
	LastError           string `json:"last_error,omitempty"`
}

// Sink streams pages to one mount point. Enqueue never waits on the
// network; Run owns the connection and reconnects with exponential backoff.
type Sink struct {
	cfg    Config
	log    logger.Logger
	dialer Dialer
	sleep  audiocore.SleepFunc

	queue    chan container.Page
	header   atomic.Pointer[container.Page]
	failures chan error

	state   atomic.Int32
	connMu  sync.Mutex
	conn    net.Conn
	running atomic.Bool
	unsent  *container.Page // owned by the Run goroutine

	errors       atomic.Uint64
	consecutive  atomic.Uint64
	pagesSent    atomic.Uint64
	pagesDropped atomic.Uint64
	bytesSent    atomic.Uint64
	connects     atomic.Uint64
	lastError    atomic.Pointer[string]

	dropThrottle *logger.Throttle
	statsLog     rate.Sometimes
}

// New creates a disconnected sink.
func New(cfg Config, log logger.Logger, opts ...Option) (*Sink, error) {
	cfg.applyDefaults()
	if cfg.Host == "" || cfg.Mount == "" {
		return nil, errors.Newf("sink requires host and mount").
			Component(componentSink).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Mount[0] != '/' {
		cfg.Mount = "/" + cfg.Mount
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &Sink{
		cfg:          cfg,
		log:          log.Module(componentSink).With(logger.String("server", cfg.Addr()), logger.String("mount", cfg.Mount)),
		dialer:       &net.Dialer{},
		sleep:        audiocore.SleepContext,
		queue:        make(chan container.Page, cfg.QueuePages),
		failures:     make(chan error, failureQueueSize),
		dropThrottle: logger.NewThrottle(time.Second),
		statsLog:     rate.Sometimes{Interval: statsLogInterval},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetHeader caches the stream header page. It is written first on every
// connection, before any queued audio page.
func (s *Sink) SetHeader(page container.Page) {
	s.header.Store(&page)
}

// Failures delivers every failed connect or write. AuthRejected is final;
// Run returns after reporting it.
func (s *Sink) Failures() <-chan error {
	return s.failures
}

// Enqueue hands a page to the sender. When the queue is full the
// configured overflow policy applies: drop-oldest evicts the oldest queued
// page at once, block-producer waits up to BlockTimeout first. It returns
// false if the page itself could not be queued.
func (s *Sink) Enqueue(page container.Page) bool {
	select {
	case s.queue <- page:
		return true
	default:
	}

	if s.cfg.Policy == audiocore.OverflowBlockProducer {
		timer := time.NewTimer(s.cfg.BlockTimeout)
		defer timer.Stop()
		select {
		case s.queue <- page:
			return true
		case <-timer.C:
		}
	}

	select {
	case <-s.queue:
		s.dropped(1)
	default:
	}
	select {
	case s.queue <- page:
		return true
	default:
		s.dropped(1)
		return false
	}
}

// Pending returns the number of queued pages not yet taken by the sender.
func (s *Sink) Pending() int {
	return len(s.queue)
}

func (s *Sink) dropped(n uint64) {
	total := s.pagesDropped.Add(n)
	if allowed, suppressed := s.dropThrottle.AllowWithCount("queue-full"); allowed {
		s.log.Warn("page queue full, dropping oldest page",
			logger.Uint64("dropped_total", total),
			logger.Int("suppressed", suppressed),
			logger.String("policy", string(s.cfg.Policy)))
	}
}

// Run connects and streams until ctx is done. Failures are counted and
// retried after a backoff of 1s, 2s, 4s and so on up to BackoffMax. Run
// only gives up on ErrAuthRejected, which it returns.
func (s *Sink) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.Newf("sink is already running").
			Component(componentSink).
			Category(errors.CategoryState).
			Build()
	}
	defer s.running.Store(false)
	defer s.Disconnect()
	defer s.discardUnsent()

	backoff := audiocore.NewBackoff(0, s.cfg.BackoffInitial, s.cfg.BackoffMax)
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := s.connect(ctx)
		if err == nil {
			backoff.Reset()
			s.consecutive.Store(0)
			err = s.stream(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}

		s.recordFailure(err)
		if errors.Is(err, audiocore.ErrAuthRejected) {
			s.log.Error("server rejected credentials, not retrying", logger.Error(err))
			return err
		}

		delay, _ := backoff.Next()
		s.log.Warn("stream interrupted, reconnecting",
			logger.Error(err),
			logger.Duration("backoff", delay),
			logger.Uint64("consecutive_failures", s.consecutive.Load()))
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *Sink) stream(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() { s.Disconnect() })
	defer stop()

	if hp := s.header.Load(); hp != nil {
		if err := s.writePage(conn, *hp); err != nil {
			return err
		}
	}
	if s.unsent != nil {
		if err := s.writePage(conn, *s.unsent); err != nil {
			return err
		}
		s.unsent = nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case page := <-s.queue:
			if err := s.writePage(conn, page); err != nil {
				// resent after the header on the next connection
				s.unsent = &page
				return err
			}
			s.statsLog.Do(func() {
				s.log.Info("sink stats",
					logger.Uint64("pages_sent", s.pagesSent.Load()),
					logger.Uint64("bytes_sent", s.bytesSent.Load()),
					logger.Uint64("pages_dropped", s.pagesDropped.Load()),
					logger.Int("queued", len(s.queue)))
			})
		}
	}
}

func (s *Sink) writePage(conn net.Conn, page container.Page) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.Disconnect()
		return transportError(err, "set write deadline")
	}
	n, err := conn.Write(page.Bytes())
	s.bytesSent.Add(uint64(n))
	if err != nil {
		s.Disconnect()
		return transportError(err, "write page")
	}
	if !page.IsHeader() {
		s.pagesSent.Add(1)
	}
	return nil
}

// discardUnsent counts a page whose write failed and that no later
// connection delivered.
func (s *Sink) discardUnsent() {
	if s.unsent == nil {
		return
	}
	total := s.pagesDropped.Add(1)
	s.log.Warn("dropping page that failed to send",
		logger.Uint64("sequence", s.unsent.Sequence),
		logger.Uint64("dropped_total", total))
	s.unsent = nil
}

// Disconnect closes the transport if one is open. It is safe to call any
// number of times.
func (s *Sink) Disconnect() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug("closing connection", logger.Error(err))
		}
	}
	s.state.Store(int32(StateDisconnected))
}

// Status returns a snapshot of the counters.
func (s *Sink) Status() Status {
	st := State(s.state.Load())
	status := Status{
		State:               st.String(),
		Connected:           st == StateStreaming,
		Errors:              s.errors.Load(),
		ConsecutiveFailures: s.consecutive.Load(),
		PagesSent:           s.pagesSent.Load(),
		PagesDropped:        s.pagesDropped.Load(),
		BytesSent:           s.bytesSent.Load(),
	}
	if c := s.connects.Load(); c > 1 {
		status.Reconnects = c - 1
	}
	if msg := s.lastError.Load(); msg != nil {
		status.LastError = *msg
	}
	return status
}

func (s *Sink) recordFailure(err error) {
	s.errors.Add(1)
	s.consecutive.Add(1)
	msg := err.Error()
	s.lastError.Store(&msg)

	select {
	case s.failures <- err:
	default:
	}
}

func transportError(err error, op string) error {
	return errors.New(fmt.Errorf("%w: %s: %w", audiocore.ErrTransport, op, err)).
		Component(componentSink).
		Category(errors.CategoryTransport).
		Context("operation", op).
		Build()
}
