package inner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/RecadoCampbell/fastotv/internal/bandwidth"
	"github.com/RecadoCampbell/fastotv/internal/events"
	"github.com/RecadoCampbell/fastotv/internal/observability"
	"github.com/RecadoCampbell/fastotv/internal/protocol/commands"
	"github.com/RecadoCampbell/fastotv/internal/protocol/frame"
	"github.com/RecadoCampbell/fastotv/internal/protocol/schema"
	"github.com/RecadoCampbell/fastotv/internal/protocol/session"
	"github.com/RecadoCampbell/fastotv/internal/reactor"
	"github.com/RecadoCampbell/fastotv/internal/sysinfo"
)

var (
	ErrNotConnected = errors.New("inner: not connected")
	ErrConnect      = errors.New("inner: connect failed")
	ErrProtocol     = errors.New("inner: protocol error")
	ErrUnauthorized = errors.New("inner: unauthorized")
)

// AuthorizationError carries the reason the server refused WHO_ARE_YOU.
type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string { return e.Reason }

func (e AuthorizationError) Unwrap() error { return ErrUnauthorized }

// State is the primary connection lifecycle position.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config binds the session defaults to the local credentials.
type Config struct {
	Session session.Config
	Auth    schema.AuthInfo
}

type Option func(*Handler)

// WithDialer replaces the primary connection dialer, e.g. with a
// *tls.Dialer.
func WithDialer(d reactor.Dialer) Option {
	return func(h *Handler) {
		if d != nil {
			h.dialer = d
		}
	}
}

// WithProbeDialer replaces the dialer used for bandwidth probes, which stay
// plain TCP regardless of the primary transport.
func WithProbeDialer(d reactor.Dialer) Option {
	return func(h *Handler) {
		if d != nil {
			h.probeDialer = d
		}
	}
}

func WithSystemInfo(p sysinfo.Provider) Option {
	return func(h *Handler) {
		if p != nil {
			h.sysinfo = p
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithTracerProvider sends request spans to tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) {
		if tp != nil {
			h.tracer = observability.Tracer(tp)
		}
	}
}

// WithMetrics toggles Prometheus recording; enabled by default.
func WithMetrics(enabled bool) Option {
	return func(h *Handler) {
		h.metrics = enabled
	}
}

// Handler drives the inner protocol for one client process. It implements
// reactor.Observer and every method is loop-only unless noted.
type Handler struct {
	cfg         session.Config
	auth        schema.AuthInfo
	sink        events.Sink
	dialer      reactor.Dialer
	probeDialer reactor.Dialer
	sysinfo     sysinfo.Provider
	log         zerolog.Logger
	now         func() time.Time
	metrics     bool
	tracer      trace.Tracer

	loop       *reactor.Loop
	state      State
	cancelDial func()
	conn       *Conn
	requests  *session.Correlator
	probes    map[*bandwidth.Probe]struct{}
	pingTimer reactor.TimerID
	bandwidth uint64
}

func NewHandler(cfg Config, sink events.Sink, opts ...Option) *Handler {
	if sink == nil {
		sink = events.SinkFunc(func(events.Event) {})
	}
	h := &Handler{
		cfg:         cfg.Session.WithDefaults(),
		auth:        cfg.Auth,
		sink:        sink,
		dialer:      &net.Dialer{},
		probeDialer: &net.Dialer{},
		sysinfo:     sysinfo.Host{},
		log:         log.Logger,
		now:         time.Now,
		metrics:     true,
		probes:      make(map[*bandwidth.Probe]struct{}),
		requests:    session.NewCorrelator(session.FirstRequestID),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.requests.WithClock(h.now)
	return h
}

func (h *Handler) PreLooped(l *reactor.Loop) {
	h.loop = l
	if h.cfg.KeepaliveInterval > 0 {
		h.pingTimer = l.CreateTimer(h.cfg.KeepaliveInterval)
	}
	_ = h.Connect(l)
}

// Connect replaces any current primary connection or pending dial with a
// fresh dial. The dial runs off the loop, bounded by ConnectTimeout, and its
// outcome arrives as a connected event; the handler stays Connecting until
// then. The returned error only reports a missing loop.
func (h *Handler) Connect(l *reactor.Loop) error {
	if l == nil {
		return fmt.Errorf("%w: nil loop", ErrConnect)
	}
	h.loop = l
	h.Disconnect(nil)

	address := h.cfg.Address
	dialer, timeout := h.dialer, h.cfg.ConnectTimeout
	h.state = StateConnecting
	h.cancelDial = l.Go("inner:"+address, func(ctx context.Context) (io.Closer, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		nc, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return nc, nil
	}, func(res io.Closer, err error) {
		h.cancelDial = nil
		h.dialed(l, address, res, err)
	})
	return nil
}

func (h *Handler) dialed(l *reactor.Loop, address string, res io.Closer, err error) {
	info := events.ConnectInfo{Address: address}
	nc, ok := res.(net.Conn)
	if err == nil && !ok {
		_ = res.Close()
		err = fmt.Errorf("unexpected dial result %T", res)
	}
	if err != nil {
		h.state = StateDisconnected
		err = fmt.Errorf("%w: address=%s: %v", ErrConnect, address, err)
		h.log.Error().Msgf("inner.Handler connect failed address=%s err=%v", address, err)
		h.recordError(observability.ErrorKindTransport)
		h.publish(events.NewClientConnected(info, err))
		return
	}

	h.conn = newConn(nc, address, h.cfg.Limits, h.cfg.WriteTimeout)
	h.requests = session.NewCorrelator(session.FirstRequestID).WithClock(h.now)
	h.state = StateConnected
	l.RegisterClient(h.conn)
	h.log.Info().Msgf("inner.Handler connected address=%s remote=%s", address, h.conn.RemoteAddr())
	if h.metrics {
		observability.SetConnected(true)
		observability.SetPendingRequests(0)
	}
	h.publish(events.NewClientConnected(info, nil))
}

// Disconnect closes the primary connection when one exists; reason is
// carried by the disconnected event. A pending dial is abandoned without an
// event.
func (h *Handler) Disconnect(reason error) {
	if h.cancelDial != nil {
		h.cancelDial()
		h.cancelDial = nil
		h.state = StateDisconnected
		h.log.Debug().Msgf("inner.Handler pending dial abandoned address=%s", h.cfg.Address)
	}
	conn := h.conn
	if conn == nil {
		return
	}
	if h.loop != nil && h.loop.Registered(conn) {
		h.loop.CloseClient(conn, reason)
		return
	}
	_ = conn.Close()
	h.primaryClosed(conn, reason)
}

func (h *Handler) DataReceived(c reactor.Client, data []byte) {
	switch c.Kind() {
	case reactor.KindInner:
		conn, ok := c.(*Conn)
		if !ok || conn != h.conn {
			h.log.Warn().Msgf("inner.Handler data from stale connection name=%q", c.Name())
			return
		}
		h.handleLine(conn, string(data))
	case reactor.KindBandwidth:
		// probes meter their own bytes
	default:
		h.log.Warn().Msgf("inner.Handler data from unknown client kind=%s", c.Kind())
	}
}

func (h *Handler) Closed(c reactor.Client, err error) {
	switch c.Kind() {
	case reactor.KindInner:
		conn, ok := c.(*Conn)
		if !ok || conn != h.conn {
			return
		}
		h.primaryClosed(conn, err)
	case reactor.KindBandwidth:
		probe, ok := c.(*bandwidth.Probe)
		if !ok {
			return
		}
		h.probeClosed(probe, err)
	}
}

func (h *Handler) TimerEmitted(_ *reactor.Loop, id reactor.TimerID) {
	if id != h.pingTimer || h.conn == nil {
		return
	}
	if err := h.ping(); err != nil {
		h.log.Warn().Msgf("inner.Handler keepalive failed err=%v", err)
	}
	if h.conn != nil {
		h.expireRequests()
	}
}

// PostLooped tears down probes first, then the primary connection.
func (h *Handler) PostLooped(l *reactor.Loop) {
	if h.pingTimer != reactor.InvalidTimerID {
		l.RemoveTimer(h.pingTimer)
		h.pingTimer = reactor.InvalidTimerID
	}
	for _, probe := range h.trackedProbes() {
		l.CloseClient(probe, nil)
	}
	if n := len(h.probes); n != 0 {
		h.log.Error().Msgf("inner.Handler probes leaked on shutdown count=%d", n)
	}
	h.Disconnect(nil)
	if h.conn != nil {
		h.log.Error().Msgf("inner.Handler primary connection leaked on shutdown name=%q", h.conn.Name())
	}
}

func (h *Handler) primaryClosed(conn *Conn, err error) {
	abandoned := h.requests.Drain()
	if len(abandoned) > 0 {
		h.log.Debug().Msgf("inner.Handler abandoned requests count=%d", len(abandoned))
	}
	h.conn = nil
	h.state = StateDisconnected
	if err != nil {
		h.log.Warn().Msgf("inner.Handler disconnected address=%s err=%v", conn.Address(), err)
	} else {
		h.log.Info().Msgf("inner.Handler disconnected address=%s", conn.Address())
	}
	if h.metrics {
		observability.SetConnected(false)
		observability.SetPendingRequests(0)
	}
	h.publish(events.NewClientDisconnected(events.ConnectInfo{Address: conn.Address()}, err))
}

func (h *Handler) expireRequests() {
	if h.cfg.RequestTimeout <= 0 {
		return
	}
	for _, p := range h.requests.Expire(h.now(), h.cfg.RequestTimeout) {
		h.log.Warn().Msgf("inner.Handler request expired id=%s cmd=%s queued_at=%s", p.ID, p.Command, p.QueuedAt.Format(time.RFC3339Nano))
		if h.metrics {
			observability.RecordRequestExpired(p.Command)
		}
	}
	h.syncPending()
}

func (h *Handler) publish(ev events.Event) {
	if h.metrics {
		observability.RecordEvent(ev.Kind().String(), ev.Err() == nil)
	}
	h.sink.PostEvent(ev)
}

func (h *Handler) recordError(kind string) {
	if h.metrics {
		observability.RecordError(kind)
	}
}

func (h *Handler) recordFrame(direction string, stage frame.Stage, command string) {
	if h.metrics {
		observability.RecordFrame(direction, stage.String(), command)
	}
}

func (h *Handler) syncPending() {
	if h.metrics {
		observability.SetPendingRequests(h.requests.Len())
	}
}

func (h *Handler) State() State { return h.state }

func (h *Handler) Connected() bool { return h.conn != nil }

// Authorized reports whether the server approved WHO_ARE_YOU on the live
// connection.
func (h *Handler) Authorized() bool { return h.conn != nil && h.conn.authorized }

// ConnectionName is the display name of the live connection.
func (h *Handler) ConnectionName() string {
	if h.conn == nil {
		return ""
	}
	return h.conn.Name()
}

func (h *Handler) CurrentBandwidth() uint64 { return h.bandwidth }

func (h *Handler) ProbeCount() int { return len(h.probes) }

func (h *Handler) PendingRequests() []session.Pending { return h.requests.Pending() }

// commandName labels metrics without unbounded cardinality.
func commandName(raw string) string {
	if cmd := commands.Parse(raw); cmd != commands.Unknown {
		return cmd.String()
	}
	if status := commands.ParseStatus(raw); status != commands.StatusUnknown {
		return status.String()
	}
	return commands.Unknown.String()
}

// Status is a point-in-time view of the handler for hosts.
type Status struct {
	State           string `json:"state"`
	Address         string `json:"address"`
	Name            string `json:"name,omitempty"`
	Authorized      bool   `json:"authorized"`
	PendingRequests int    `json:"pending_requests"`
	Probes          int    `json:"probes"`
	Bandwidth       uint64 `json:"bandwidth_bytes_per_second"`
}

func (h *Handler) Status() Status {
	return Status{
		State:           h.state.String(),
		Address:         h.cfg.Address,
		Name:            h.ConnectionName(),
		Authorized:      h.Authorized(),
		PendingRequests: h.requests.Len(),
		Probes:          len(h.probes),
		Bandwidth:       h.bandwidth,
	}
}
