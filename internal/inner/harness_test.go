package inner

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/RecadoCampbell/fastotv/internal/events"
	"github.com/RecadoCampbell/fastotv/internal/protocol/frame"
	"github.com/RecadoCampbell/fastotv/internal/protocol/schema"
	"github.com/RecadoCampbell/fastotv/internal/protocol/session"
	"github.com/RecadoCampbell/fastotv/internal/reactor"
	"github.com/RecadoCampbell/fastotv/internal/sysinfo"
)

const waitTimeout = 3 * time.Second

var testAuth = schema.AuthInfo{Login: "alice", Password: "secret", DeviceID: "device-1"}

var testSysinfo = sysinfo.Static{
	CPUBrand:  "Test CPU",
	RAMTotal:  8 << 30,
	RAMFree:   2 << 30,
	OSName:    "Linux",
	OSVersion: "6.1",
	OSArch:    "x86_64",
}

// peer is the directing server side of the primary connection.
type peer struct {
	conn net.Conn
	r    *bufio.Reader
}

func (p *peer) send(t *testing.T, line string) {
	t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(waitTimeout))
	if _, err := io.WriteString(p.conn, line+frame.Terminator); err != nil {
		t.Fatalf("peer send %q: %v", line, err)
	}
}

// expectLine returns the next raw wire line without its terminator.
func (p *peer) expectLine(t *testing.T) string {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	line, err := frame.ReadLine(p.r, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	return line
}

func (p *peer) expect(t *testing.T) frame.Frame {
	t.Helper()
	line := p.expectLine(t)
	f, err := frame.Parse(line)
	if err != nil {
		t.Fatalf("peer parse %q: %v", line, err)
	}
	return f
}

func (p *peer) expectClosed(t *testing.T) {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := p.r.ReadByte(); err == nil {
		t.Fatalf("expected connection to be closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("connection still open: %v", err)
	}
}

type harness struct {
	t        *testing.T
	listener net.Listener
	loop     *reactor.Loop
	handler  *Handler
	rec      *events.Recorder
	server   *peer

	stopOnce sync.Once
	errCh    chan error
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func testConfig(address string) Config {
	cfg := session.DefaultConfig()
	cfg.Address = address
	cfg.KeepaliveInterval = time.Hour
	cfg.Bandwidth.Duration = time.Hour
	return Config{Session: cfg, Auth: testAuth}
}

// startHarness runs a handler against a loopback server and returns once the
// primary connection is accepted.
func startHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	ln := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	cfg := testConfig(ln.Addr().String())
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{t: t, listener: ln, rec: events.NewRecorder(), errCh: make(chan error, 1)}
	opts = append([]Option{WithSystemInfo(testSysinfo)}, opts...)
	h.handler = NewHandler(cfg, h.rec, opts...)
	h.loop = reactor.New(h.handler)
	go func() { h.errCh <- h.loop.Run(context.Background()) }()
	t.Cleanup(h.stop)

	select {
	case c := <-accepted:
		h.server = &peer{conn: c, r: bufio.NewReader(c)}
		t.Cleanup(func() { _ = c.Close() })
	case <-time.After(waitTimeout):
		t.Fatalf("primary connection not accepted")
	}
	h.eventually("primary connected", func() bool { return h.handler.Connected() })
	return h
}

func (h *harness) exec(fn func()) {
	h.t.Helper()
	if !h.loop.Exec(fn) {
		h.t.Fatalf("loop not running")
	}
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.loop.Stop()
		select {
		case err := <-h.errCh:
			if err != nil {
				h.t.Errorf("loop run: %v", err)
			}
		case <-time.After(waitTimeout):
			h.t.Errorf("loop did not stop")
		}
	})
}

// eventually polls cond on the loop goroutine.
func (h *harness) eventually(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		var ok bool
		if !h.loop.Exec(func() { ok = cond() }) {
			break
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

// sync proves every earlier server line was consumed by bouncing a PING.
func (h *harness) sync() {
	h.t.Helper()
	h.server.send(h.t, "REQUEST ffff PING")
	f := h.server.expect(h.t)
	if f.Stage != frame.StageResponse || f.ID != "ffff" || f.Arg(0) != "PING" {
		h.t.Fatalf("unexpected sync answer: %+v", f)
	}
}

// probeServer accepts bandwidth probes and streams payload once released.
type probeServer struct {
	listener net.Listener
	accepted chan net.Conn
}

func startProbeServer(t *testing.T, release <-chan struct{}, payload []byte) *probeServer {
	t.Helper()
	ps := &probeServer{listener: listen(t), accepted: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ps.listener.Accept()
			if err != nil {
				return
			}
			ps.accepted <- c
			go func(c net.Conn) {
				defer c.Close()
				if release == nil {
					buf := make([]byte, 1)
					_, _ = c.Read(buf)
					return
				}
				<-release
				_, _ = c.Write(payload)
			}(c)
		}
	}()
	return ps
}

func (ps *probeServer) addr() string { return ps.listener.Addr().String() }

// startResetProbeServer accepts probes and aborts each one with a TCP reset
// once reset is closed.
func startResetProbeServer(t *testing.T, reset <-chan struct{}) *probeServer {
	t.Helper()
	ps := &probeServer{listener: listen(t), accepted: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ps.listener.Accept()
			if err != nil {
				return
			}
			ps.accepted <- c
			go func(c net.Conn) {
				<-reset
				if tc, ok := c.(*net.TCPConn); ok {
					_ = tc.SetLinger(0)
				}
				_ = c.Close()
			}(c)
		}
	}()
	return ps
}

// blockingDialer parks every dial until its context ends.
type blockingDialer struct {
	started   chan string
	cancelled chan error
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{started: make(chan string, 4), cancelled: make(chan error, 4)}
}

func (d *blockingDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	d.started <- address
	<-ctx.Done()
	d.cancelled <- ctx.Err()
	return nil, ctx.Err()
}

func waitFor[T any](t *testing.T, what string, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}
