// Package bandwidth measures download throughput from a bandwidth host.
//
// A probe is a plain TCP stream: the host pushes bytes until the session
// budget (duration or byte count) runs out, and the probe reports the
// resulting rate. Probes are registered with the reactor like any other
// client and never block the primary connection.
package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/RecadoCampbell/fastotv/internal/events"
	"github.com/RecadoCampbell/fastotv/internal/protocol/session"
	"github.com/RecadoCampbell/fastotv/internal/reactor"
)

var (
	ErrDial            = errors.New("bandwidth: dial failed")
	ErrSession         = errors.New("bandwidth: session start failed")
	ErrSessionNotReady = errors.New("bandwidth: session not started")
)

// Probe is one in-flight throughput measurement.
type Probe struct {
	conn  net.Conn
	host  string
	role  events.BandwidthHostRole
	chunk int
	now   func() time.Time

	mu        sync.Mutex
	byteLimit uint64
	started   time.Time
	finished  time.Time
	received  uint64
}

// Dial connects to address within cfg.ConnectTimeout.
func Dial(ctx context.Context, dialer reactor.Dialer, address string, role events.BandwidthHostRole, cfg session.BandwidthConfig) (*Probe, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: host=%s: %v", ErrDial, address, err)
	}
	return newProbe(conn, address, role, cfg.ChunkSize), nil
}

func newProbe(conn net.Conn, host string, role events.BandwidthHostRole, chunk int) *Probe {
	if chunk <= 0 {
		chunk = 8 * 1024
	}
	return &Probe{conn: conn, host: host, role: role, chunk: chunk, now: time.Now}
}

// StartSession arms the measurement budget. A zero byteLimit leaves only the
// duration bound.
func (p *Probe) StartSession(byteLimit uint64, duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("%w: host=%s: non-positive duration %s", ErrSession, p.host, duration)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	start := p.now()
	if err := p.conn.SetReadDeadline(start.Add(duration)); err != nil {
		return fmt.Errorf("%w: host=%s: %v", ErrSession, p.host, err)
	}
	p.byteLimit = byteLimit
	p.started = start
	p.finished = time.Time{}
	p.received = 0
	return nil
}

func (p *Probe) Kind() reactor.ClientKind { return reactor.KindBandwidth }

func (p *Probe) Name() string { return "bandwidth:" + p.host }

func (p *Probe) RemoteAddr() string {
	if addr := p.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return p.host
}

func (p *Probe) Host() string { return p.host }

func (p *Probe) Role() events.BandwidthHostRole { return p.role }

// ReadMessage returns the next received chunk. Reaching the deadline, the
// byte limit, or the host's end of stream completes the session with io.EOF.
func (p *Probe) ReadMessage() ([]byte, error) {
	p.mu.Lock()
	if p.started.IsZero() {
		p.mu.Unlock()
		return nil, ErrSessionNotReady
	}
	if p.byteLimit > 0 && p.received >= p.byteLimit {
		p.finishLocked()
		p.mu.Unlock()
		return nil, io.EOF
	}
	p.mu.Unlock()

	buf := make([]byte, p.chunk)
	n, err := p.conn.Read(buf)
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.received += uint64(n)
		return buf[:n], nil
	}
	if err == nil {
		return buf[:0], nil
	}
	p.finishLocked()
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	return nil, err
}

func (p *Probe) Close() error {
	p.mu.Lock()
	if !p.started.IsZero() {
		p.finishLocked()
	}
	p.mu.Unlock()
	return p.conn.Close()
}

func (p *Probe) finishLocked() {
	if p.finished.IsZero() {
		p.finished = p.now()
	}
}

// Received reports the bytes accumulated so far.
func (p *Probe) Received() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

// Elapsed reports the session length, up to now while still running.
func (p *Probe) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsedLocked()
}

func (p *Probe) elapsedLocked() time.Duration {
	if p.started.IsZero() {
		return 0
	}
	end := p.finished
	if end.IsZero() {
		end = p.now()
	}
	return end.Sub(p.started)
}

// DownloadBytesPerSecond converts the accumulated bytes into a rate.
func (p *Probe) DownloadBytesPerSecond() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := p.elapsedLocked()
	if elapsed <= 0 {
		return 0
	}
	rate := uint64(float64(p.received) / elapsed.Seconds())
	log.Debug().Msgf("bandwidth.Probe rate host=%s role=%s bytes=%d elapsed=%s rate=%d", p.host, p.role, p.received, elapsed, rate)
	return rate
}
