package observability

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/davdef/airlift-node-sub001/internal/diagnostics"
	"github.com/davdef/airlift-node-sub001/internal/logger"
	"github.com/davdef/airlift-node-sub001/internal/observability/metrics"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string `json:"status"`
	Running   bool   `json:"running"`
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Endpoint is the monitoring HTTP server.
type Endpoint struct {
	echo    *echo.Echo
	listen  string
	source  metrics.StatusSource
	metrics *Metrics
	system  *diagnostics.Collector
	log     logger.Logger
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithSystemCollector adds /system with host resource usage.
func WithSystemCollector(c *diagnostics.Collector) EndpointOption {
	return func(e *Endpoint) { e.system = c }
}

// NewEndpoint builds the server and its routes. Nothing listens until Run.
func NewEndpoint(listen string, m *Metrics, source metrics.StatusSource, log logger.Logger, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		echo:    echo.New(),
		listen:  listen,
		source:  source,
		metrics: m,
		log:     log,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.echo.HideBanner = true
	e.echo.HidePort = true
	e.echo.Logger = logger.NewEchoAdapter(log.Module("echo"))
	e.echo.Use(middleware.Recover())
	e.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("monitoring request",
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.initRoutes()
	return e
}

func (e *Endpoint) initRoutes() {
	e.echo.GET("/metrics", echo.WrapHandler(e.metrics.Handler()))
	e.echo.GET("/healthz", e.handleHealth)
	e.echo.GET("/status", e.handleStatus)
	e.echo.GET("/codecs", e.handleCodecs)
	if e.system != nil {
		e.echo.GET("/system", e.handleSystem)
	}
}

// Handler returns the router, for tests and embedding.
func (e *Endpoint) Handler() http.Handler {
	return e.echo
}

// Run listens and serves until ctx is done, then shuts down gracefully.
func (e *Endpoint) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.listen)
	if err != nil {
		return err
	}
	e.echo.Listener = ln

	serveErr := make(chan error, 1)
	go func() {
		e.log.Info("monitoring endpoint starting", logger.String("address", ln.Addr().String()))
		serveErr <- e.echo.Start(e.listen)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	e.log.Info("stopping monitoring endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metrics.ShutdownTimeout)
	defer cancel()
	if err := e.echo.Shutdown(shutdownCtx); err != nil {
		e.log.Error("monitoring endpoint shutdown error", logger.Error(err))
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Endpoint) handleHealth(c echo.Context) error {
	st := e.source.Status()
	resp := HealthResponse{
		Status:    "ok",
		Running:   st.Running,
		Connected: st.Connected,
		SessionID: st.SessionID,
		LastError: st.LastError,
	}
	code := http.StatusOK
	if !st.Running {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (e *Endpoint) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, e.source.Status())
}

func (e *Endpoint) handleCodecs(c echo.Context) error {
	return c.JSON(http.StatusOK, e.source.ListSnapshots())
}

func (e *Endpoint) handleSystem(c echo.Context) error {
	return c.JSON(http.StatusOK, e.system.Snapshot())
}
