package sink

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/davdef/airlift-node-sub001/internal/audiocore"
	"github.com/davdef/airlift-node-sub001/internal/audiocore/container"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// icecastServer is an in-process SOURCE endpoint. Each accepted
// connection is handed to handle together with the parsed request.
type icecastServer struct {
	ln     net.Listener
	wg     sync.WaitGroup
	status int
	handle func(req *http.Request, br *bufio.Reader, conn net.Conn)
}

func newIcecastServer(t *testing.T, status int, handle func(*http.Request, *bufio.Reader, net.Conn)) *icecastServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &icecastServer{ln: ln, status: status, handle: handle}
	srv.wg.Add(1)
	go srv.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		srv.wg.Wait()
	})
	return srv
}

func (srv *icecastServer) serve() {
	defer srv.wg.Done()
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer conn.Close()
			br := bufio.NewReader(conn)
			req, err := http.ReadRequest(br)
			if err != nil {
				return
			}
			resp := &http.Response{
				StatusCode: srv.status,
				ProtoMajor: 1,
				ProtoMinor: 0,
				Header:     http.Header{},
			}
			if err := resp.Write(conn); err != nil {
				return
			}
			if srv.handle != nil {
				srv.handle(req, br, conn)
			}
		}()
	}
}

func (srv *icecastServer) config() Config {
	addr := srv.ln.Addr().(*net.TCPAddr)
	return Config{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		Mount:          "/live",
		Password:       "hackme",
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
		QueuePages:     16,
	}
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type muxFixture struct {
	muxer  *container.Muxer
	header container.Page
	seq    uint64
}

func newMuxFixture(t *testing.T) *muxFixture {
	t.Helper()
	m := container.NewMuxer(container.Options{
		MaxPageBytes: 64,
		MaxLatency:   time.Hour,
		Descriptor:   container.Descriptor{Kind: "pcm", SampleRate: 48000, Channels: 2, FrameSamples: 960},
	})
	pages, err := m.Mux(audiocore.EncodedFrame{Header: true, Payload: []byte("hdr")}, time.Now())
	require.NoError(t, err)
	return &muxFixture{muxer: m, header: pages[0]}
}

// next returns one audio page holding a single frame.
func (f *muxFixture) next(t *testing.T) container.Page {
	t.Helper()
	f.seq++
	pages, err := f.muxer.Mux(audiocore.EncodedFrame{Payload: make([]byte, 40), Sequence: f.seq, Timestamp: f.seq}, time.Now())
	require.NoError(t, err)
	require.Len(t, pages, 1)
	return pages[0]
}

func TestHandshakeHeaders(t *testing.T) {
	requests := make(chan *http.Request, 1)
	srv := newIcecastServer(t, http.StatusOK, func(req *http.Request, _ *bufio.Reader, _ net.Conn) {
		requests <- req
	})

	cfg := srv.config()
	cfg.Name = "Studio\r\nX-Injected: 1"
	cfg.Genre = "news"
	cfg.AudioInfo = "samplerate=48000;channels=2"
	cfg.Public = true
	s, err := New(cfg, nil, WithSleep(noSleep))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var req *http.Request
	select {
	case req = <-requests:
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake received")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "SOURCE", req.Method)
	assert.Equal(t, "/live", req.URL.Path)
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "source", user)
	assert.Equal(t, "hackme", pass)
	assert.Equal(t, container.ContentType, req.Header.Get("Content-Type"))
	assert.Equal(t, "Studio  X-Injected: 1", req.Header.Get("Ice-Name"))
	assert.Empty(t, req.Header.Get("X-Injected"))
	assert.Equal(t, "news", req.Header.Get("Ice-Genre"))
	assert.Equal(t, "1", req.Header.Get("Ice-Public"))
	assert.Equal(t, "samplerate=48000;channels=2", req.Header.Get("Ice-Audio-Info"))
	assert.Empty(t, req.Header.Get("Ice-Description"))
}

func TestConnectTimeoutBackoff(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		return nil, context.DeadlineExceeded
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	s, err := New(Config{Host: "icecast.invalid", Mount: "live"}, nil, WithDialer(dialer), WithSleep(sleep))
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	st := s.Status()
	assert.Equal(t, uint64(3), st.Errors)
	assert.Equal(t, uint64(3), st.ConsecutiveFailures)
	assert.False(t, st.Connected)
	assert.Equal(t, "disconnected", st.State)
	assert.Contains(t, st.LastError, "connect timeout")

	for range 3 {
		err := <-s.Failures()
		assert.ErrorIs(t, err, audiocore.ErrConnectTimeout)
	}
}

func TestBackoffCapped(t *testing.T) {
	dialer := dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: errRefused{}}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 8 {
			cancel()
		}
		return ctx.Err()
	}
	s, err := New(Config{Host: "icecast.invalid", Mount: "/live"}, nil, WithDialer(dialer), WithSleep(sleep))
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i := range want {
		want[i] *= time.Second
	}
	assert.Equal(t, want, delays)
	assert.ErrorIs(t, <-s.Failures(), audiocore.ErrTransport)
}

func TestAuthRejectedStopsRetrying(t *testing.T) {
	srv := newIcecastServer(t, http.StatusUnauthorized, nil)

	var sleeps atomic.Int32
	s, err := New(srv.config(), nil, WithSleep(func(ctx context.Context, _ time.Duration) error {
		sleeps.Add(1)
		return nil
	}))
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, audiocore.ErrAuthRejected)
	assert.False(t, audiocore.IsTransient(err))
	assert.Zero(t, sleeps.Load())

	st := s.Status()
	assert.Equal(t, uint64(1), st.Errors)
	assert.False(t, st.Connected)
}

func TestServerErrorIsTransport(t *testing.T) {
	srv := newIcecastServer(t, http.StatusForbidden+1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := New(srv.config(), nil, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))
	assert.ErrorIs(t, <-s.Failures(), audiocore.ErrTransport)
}

func TestStreamsHeaderThenPagesInOrder(t *testing.T) {
	fx := newMuxFixture(t)
	received := make(chan container.Page, 32)
	srv := newIcecastServer(t, http.StatusOK, func(_ *http.Request, br *bufio.Reader, _ net.Conn) {
		r := container.NewReader(br)
		for {
			p, err := r.Next()
			if err != nil {
				return
			}
			received <- p
		}
	})

	s, err := New(srv.config(), nil, WithSleep(noSleep))
	require.NoError(t, err)
	s.SetHeader(fx.header)
	for range 5 {
		require.True(t, s.Enqueue(fx.next(t)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var got []container.Page
	for len(got) < 6 {
		select {
		case p := <-received:
			got = append(got, p)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of 6 pages", len(got))
		}
	}
	assert.True(t, s.Status().Connected)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, got[0].IsHeader())
	for i := 1; i < len(got); i++ {
		assert.Equal(t, uint64(i), got[i].Sequence)
	}
	st := s.Status()
	assert.Equal(t, uint64(5), st.PagesSent)
	assert.False(t, st.Connected)
	assert.Zero(t, st.Errors)
}

func TestReconnectReplaysHeader(t *testing.T) {
	fx := newMuxFixture(t)
	type conn struct {
		pages []container.Page
	}
	conns := make(chan conn, 4)
	var accepted atomic.Int32
	srv := newIcecastServer(t, http.StatusOK, func(_ *http.Request, br *bufio.Reader, _ net.Conn) {
		n := accepted.Add(1)
		r := container.NewReader(br)
		var c conn
		// the first connection drops after two pages
		limit := 2
		if n > 1 {
			limit = 3
		}
		for len(c.pages) < limit {
			p, err := r.Next()
			if err != nil {
				break
			}
			c.pages = append(c.pages, p)
		}
		conns <- c
	})

	s, err := New(srv.config(), nil, WithSleep(noSleep))
	require.NoError(t, err)
	s.SetHeader(fx.header)
	require.True(t, s.Enqueue(fx.next(t)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	first := <-conns
	require.Len(t, first.pages, 2)
	assert.True(t, first.pages[0].IsHeader())

	// keep feeding until the sink notices the drop and reconnects
	var second conn
	feed := time.NewTicker(10 * time.Millisecond)
	defer feed.Stop()
	timeout := time.After(10 * time.Second)
loop:
	for {
		select {
		case second = <-conns:
			break loop
		case <-feed.C:
			s.Enqueue(fx.next(t))
		case <-timeout:
			t.Fatal("sink did not reconnect")
		}
	}
	cancel()
	require.NoError(t, <-done)

	require.NotEmpty(t, second.pages)
	assert.True(t, second.pages[0].IsHeader(), "first page after reconnect must be the header page")
	assert.Equal(t, fx.header.Bytes(), second.pages[0].Bytes())
	for i := 2; i < len(second.pages); i++ {
		assert.Greater(t, second.pages[i].Sequence, second.pages[i-1].Sequence)
	}

	st := s.Status()
	assert.GreaterOrEqual(t, st.Errors, uint64(1))
	assert.GreaterOrEqual(t, st.Reconnects, uint64(1))
}

func TestFailedPageResentAfterReconnect(t *testing.T) {
	tests := []struct {
		name        string
		failures    int32
		wantSeqs    []uint64
		wantSent    uint64
		wantDropped uint64
	}{
		{name: "write fails once", failures: 1, wantSeqs: []uint64{1, 2, 3}, wantSent: 3},
		{name: "write keeps failing", failures: -1, wantSeqs: []uint64{1}, wantSent: 1, wantDropped: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newMuxFixture(t)
			received := make(chan uint64, 32)
			srv := newIcecastServer(t, http.StatusOK, func(_ *http.Request, br *bufio.Reader, _ net.Conn) {
				r := container.NewReader(br)
				for {
					p, err := r.Next()
					if err != nil {
						return
					}
					if !p.IsHeader() {
						received <- p.Sequence
					}
				}
			})

			p1, p2, p3 := fx.next(t), fx.next(t), fx.next(t)
			failing := &failingWrite{target: p2.Bytes(), remaining: tt.failures}
			base := &net.Dialer{}
			dialer := dialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
				c, err := base.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &failingConn{Conn: c, fail: failing}, nil
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			// a persistent failure gives up after the first retry
			sleep := func(ctx context.Context, _ time.Duration) error {
				if tt.failures < 0 {
					cancel()
				}
				return ctx.Err()
			}

			s, err := New(srv.config(), nil, WithDialer(dialer), WithSleep(sleep))
			require.NoError(t, err)
			s.SetHeader(fx.header)
			for _, p := range []container.Page{p1, p2, p3} {
				require.True(t, s.Enqueue(p))
			}

			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()

			var got []uint64
			for len(got) < len(tt.wantSeqs) {
				select {
				case seq := <-received:
					got = append(got, seq)
				case <-time.After(5 * time.Second):
					t.Fatalf("received %v, want %v", got, tt.wantSeqs)
				}
			}
			if tt.wantDropped == 0 {
				require.Eventually(t, func() bool {
					return s.Status().PagesSent == tt.wantSent
				}, 5*time.Second, 5*time.Millisecond)
				cancel()
			}
			require.NoError(t, <-done)

			assert.Equal(t, tt.wantSeqs, got)
			st := s.Status()
			assert.Equal(t, tt.wantSent, st.PagesSent)
			assert.Equal(t, tt.wantDropped, st.PagesDropped)
			assert.Equal(t, uint64(1), st.Errors)
			if tt.wantDropped == 0 {
				assert.Equal(t, uint64(1), st.Reconnects)
			}
		})
	}
}

func TestEnqueueDropOldest(t *testing.T) {
	t.Parallel()

	fx := newMuxFixture(t)
	s, err := New(Config{Host: "localhost", Mount: "/live", QueuePages: 2}, nil)
	require.NoError(t, err)

	p1, p2, p3 := fx.next(t), fx.next(t), fx.next(t)
	assert.True(t, s.Enqueue(p1))
	assert.True(t, s.Enqueue(p2))
	assert.True(t, s.Enqueue(p3))

	assert.Equal(t, uint64(1), s.Status().PagesDropped)
	assert.Equal(t, p2.Sequence, (<-s.queue).Sequence)
	assert.Equal(t, p3.Sequence, (<-s.queue).Sequence)
}

func TestEnqueueBlockProducer(t *testing.T) {
	t.Parallel()

	fx := newMuxFixture(t)
	s, err := New(Config{
		Host:         "localhost",
		Mount:        "/live",
		QueuePages:   1,
		Policy:       audiocore.OverflowBlockProducer,
		BlockTimeout: 200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	require.True(t, s.Enqueue(fx.next(t)))

	// a reader freeing space in time lets the page through without drops
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-s.queue
	}()
	require.True(t, s.Enqueue(fx.next(t)))
	assert.Zero(t, s.Status().PagesDropped)

	// nobody reads: the timeout expires and the oldest page goes
	start := time.Now()
	require.True(t, s.Enqueue(fx.next(t)))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, uint64(1), s.Status().PagesDropped)
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := newIcecastServer(t, http.StatusOK, func(_ *http.Request, br *bufio.Reader, _ net.Conn) {
		_, _ = br.ReadByte()
	})

	var closes atomic.Int32
	dialer := dialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &countingConn{Conn: c, closes: &closes}, nil
	})

	s, err := New(srv.config(), nil, WithDialer(dialer), WithSleep(noSleep))
	require.NoError(t, err)

	conn, err := s.connect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.True(t, s.Status().Connected)

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, int32(1), closes.Load())
	assert.False(t, s.Status().Connected)
}

func TestRunTwiceRejected(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, err := New(Config{Host: "localhost", Mount: "/live", ConnectTimeout: time.Minute}, nil,
		WithDialer(dialer), WithSleep(noSleep))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.running.Load() }, time.Second, 5*time.Millisecond)
	require.Error(t, s.Run(ctx))
	cancel()
	require.NoError(t, <-done)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Mount: "/live"}, nil)
	require.Error(t, err)

	s, err := New(Config{Host: "h", Mount: "stream"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/stream", s.cfg.Mount)
	assert.Equal(t, DefaultPort, s.cfg.Port)
	assert.Equal(t, "h:8000", s.cfg.Addr())
}

type dialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

type errRefused struct{}

func (errRefused) Error() string { return "connection refused" }

type countingConn struct {
	net.Conn
	closes *atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// failingWrite fails writes of one exact page. remaining < 0 fails every
// attempt.
type failingWrite struct {
	mu        sync.Mutex
	target    []byte
	remaining int32
}

func (f *failingWrite) shouldFail(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == 0 || !bytes.Equal(b, f.target) {
		return false
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return true
}

type failingConn struct {
	net.Conn
	fail *failingWrite
}

func (c *failingConn) Write(b []byte) (int, error) {
	if c.fail.shouldFail(b) {
		return 0, errRefused{}
	}
	return c.Conn.Write(b)
}
