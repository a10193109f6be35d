package sink

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/errors"
	"github.com/davdef/airlift-node-sub001/internal/logger"
)

var headerSanitizer = strings.NewReplacer("\r", " ", "\n", " ")

// connect dials the server and performs the SOURCE handshake. Dial and
// handshake share one ConnectTimeout budget.
func (s *Sink) connect(ctx context.Context) (net.Conn, error) {
	s.state.Store(int32(StateConnecting))
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.DialContext(dialCtx, "tcp", s.cfg.Addr())
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return nil, s.classify(err, "dial", time.Since(start))
	}

	s.state.Store(int32(StateAuthenticating))
	deadline, _ := dialCtx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		s.state.Store(int32(StateDisconnected))
		return nil, transportError(err, "set handshake deadline")
	}

	if err := s.handshake(conn); err != nil {
		_ = conn.Close()
		s.state.Store(int32(StateDisconnected))
		if errors.Is(err, audiocore.ErrAuthRejected) || errors.Is(err, audiocore.ErrTransport) {
			return nil, err
		}
		return nil, s.classify(err, "handshake", time.Since(start))
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		s.state.Store(int32(StateDisconnected))
		return nil, transportError(err, "clear handshake deadline")
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.state.Store(int32(StateStreaming))

	if n := s.connects.Add(1); n > 1 {
		s.log.Info("reconnected", logger.Uint64("reconnects", n-1), logger.Duration("handshake", time.Since(start)))
	} else {
		s.log.Info("connected", logger.Duration("handshake", time.Since(start)))
	}
	return conn, nil
}

func (s *Sink) handshake(conn net.Conn) error {
	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "SOURCE %s HTTP/1.0\r\n", sanitize(s.cfg.Mount))
	for _, h := range s.requestHeaders() {
		fmt.Fprintf(w, "%s: %s\r\n", h[0], sanitize(h[1]))
	}
	w.WriteString("\r\n")
	if err := w.Flush(); err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New(fmt.Errorf("%w: server replied %s", audiocore.ErrAuthRejected, resp.Status)).
			Component(componentSink).
			Category(errors.CategoryAuthRejected).
			Priority(errors.PriorityHigh).
			Context("mount", s.cfg.Mount).
			Context("status", resp.StatusCode).
			Build()
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return errors.New(fmt.Errorf("%w: server replied %s", audiocore.ErrTransport, resp.Status)).
			Component(componentSink).
			Category(errors.CategoryTransport).
			Context("mount", s.cfg.Mount).
			Context("status", resp.StatusCode).
			Build()
	}
	return nil
}

// requestHeaders returns the handshake headers in a stable order.
func (s *Sink) requestHeaders() [][2]string {
	credentials := base64.StdEncoding.EncodeToString([]byte(s.cfg.Username + ":" + s.cfg.Password))
	public := "0"
	if s.cfg.Public {
		public = "1"
	}
	headers := [][2]string{
		{"Host", s.cfg.Addr()},
		{"Authorization", "Basic " + credentials},
		{"User-Agent", s.cfg.UserAgent},
		{"Content-Type", s.cfg.ContentType},
		{"Ice-Public", public},
	}
	optional := [][2]string{
		{"Ice-Name", s.cfg.Name},
		{"Ice-Description", s.cfg.Description},
		{"Ice-Genre", s.cfg.Genre},
		{"Ice-Audio-Info", s.cfg.AudioInfo},
	}
	for _, h := range optional {
		if h[1] != "" {
			headers = append(headers, h)
		}
	}
	return headers
}

// classify maps dial and handshake failures onto the sink taxonomy.
func (s *Sink) classify(err error, op string, elapsed time.Duration) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.New(fmt.Errorf("%w: %s: %w", audiocore.ErrConnectTimeout, op, err)).
			Component(componentSink).
			Category(errors.CategoryConnectTimeout).
			Context("server", s.cfg.Addr()).
			Timing(op, elapsed).
			Build()
	}
	return transportError(err, op)
}

func sanitize(v string) string {
	return headerSanitizer.Replace(v)
}
