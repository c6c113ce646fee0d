// Package reactor owns the single-goroutine event loop driving inner sockets.
//
// Ownership boundary:
// - client registration and per-client reader goroutines
// - repeating timers
// - cross-goroutine task posting
//
// Every Observer callback runs on the loop goroutine, one at a time. Methods
// documented as loop-only must not be called from any other goroutine; use
// Post or Exec to get there.
package reactor

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ClientKind discriminates the sockets a loop multiplexes.
type ClientKind uint8

const (
	KindInner ClientKind = iota + 1
	KindBandwidth
)

func (k ClientKind) String() string {
	switch k {
	case KindInner:
		return "inner"
	case KindBandwidth:
		return "bandwidth"
	default:
		return "unknown"
	}
}

// Client is one socket registered with the loop.
type Client interface {
	Kind() ClientKind
	Name() string
	RemoteAddr() string
	// ReadMessage blocks for the next unit of input. The returned slice is
	// owned by the caller. io.EOF ends the client cleanly.
	ReadMessage() ([]byte, error)
	Close() error
}

// TimerID names one repeating timer.
type TimerID uint64

const InvalidTimerID TimerID = 0

// Observer receives loop lifecycle callbacks.
type Observer interface {
	PreLooped(l *Loop)
	DataReceived(c Client, data []byte)
	// Closed runs exactly once per registered client. err is nil for a
	// clean close.
	Closed(c Client, err error)
	TimerEmitted(l *Loop, id TimerID)
	PostLooped(l *Loop)
}

var (
	ErrLoopRunning = errors.New("reactor: loop already running")
	ErrLoopStopped = errors.New("reactor: loop stopped")
)

const taskBuffer = 64

type Loop struct {
	observer Observer
	tasks    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool

	clients   map[Client]struct{}
	timers    map[TimerID]chan struct{}
	nextTimer TimerID

	// base is cancelled when shutdown starts; every job context derives
	// from it.
	base       context.Context
	cancelBase context.CancelFunc
	jobs       map[*job]struct{}
}

func New(observer Observer) *Loop {
	base, cancel := context.WithCancel(context.Background())
	return &Loop{
		observer:   observer,
		tasks:      make(chan func(), taskBuffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[Client]struct{}),
		timers:     make(map[TimerID]chan struct{}),
		base:       base,
		cancelBase: cancel,
		jobs:       make(map[*job]struct{}),
	}
}

// Run drives the loop until ctx is done or Stop is called. It returns after
// PostLooped ran, every client was closed, and every reader, timer and job
// goroutine exited.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	log.Debug().Msg("reactor.Loop start")
	l.observer.PreLooped(l)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-l.stop:
			l.shutdown()
			return nil
		}
	}
}

// Stop requests shutdown; safe from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Done is closed once the loop stops accepting tasks.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues fn for the loop goroutine. It reports false once the loop
// has stopped; fn then never runs.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Exec runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Exec(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// RegisterClient starts delivering c's input to the observer. Loop-only.
func (l *Loop) RegisterClient(c Client) {
	if _, exists := l.clients[c]; exists {
		return
	}
	l.clients[c] = struct{}{}
	l.wg.Add(1)
	go l.serve(c)
	log.Debug().Msgf("reactor.Loop register kind=%s name=%q remote=%s", c.Kind(), c.Name(), c.RemoteAddr())
}

// CloseClient closes c, unregisters it and notifies the observer once.
// Unknown clients are ignored. Loop-only.
func (l *Loop) CloseClient(c Client, reason error) {
	if _, ok := l.clients[c]; !ok {
		return
	}
	delete(l.clients, c)
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Msgf("reactor.Loop close kind=%s name=%q err=%v", c.Kind(), c.Name(), err)
	}
	l.observer.Closed(c, reason)
}

// Registered reports whether c is live on this loop. Loop-only.
func (l *Loop) Registered(c Client) bool {
	_, ok := l.clients[c]
	return ok
}

// Clients returns the number of registered clients. Loop-only.
func (l *Loop) Clients() int {
	return len(l.clients)
}

// CreateTimer starts a repeating timer. Loop-only.
func (l *Loop) CreateTimer(interval time.Duration) TimerID {
	l.nextTimer++
	id := l.nextTimer
	stop := make(chan struct{})
	l.timers[id] = stop
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !l.Post(func() { l.fireTimer(id) }) {
					return
				}
			}
		}
	}()
	return id
}

// RemoveTimer cancels id. Loop-only.
func (l *Loop) RemoveTimer(id TimerID) {
	stop, ok := l.timers[id]
	if !ok {
		return
	}
	delete(l.timers, id)
	close(stop)
}

func (l *Loop) fireTimer(id TimerID) {
	if _, ok := l.timers[id]; !ok {
		return
	}
	l.observer.TimerEmitted(l, id)
}

func (l *Loop) serve(c Client) {
	defer l.wg.Done()
	for {
		data, err := c.ReadMessage()
		if err != nil {
			l.Post(func() { l.readFailed(c, err) })
			return
		}
		if !l.Post(func() { l.dispatch(c, data) }) {
			return
		}
	}
}

func (l *Loop) dispatch(c Client, data []byte) {
	if _, ok := l.clients[c]; !ok {
		return
	}
	l.observer.DataReceived(c, data)
}

func (l *Loop) readFailed(c Client, err error) {
	if _, ok := l.clients[c]; !ok {
		return
	}
	if errors.Is(err, io.EOF) {
		err = nil
	} else {
		log.Warn().Msgf("reactor.Loop read failed kind=%s name=%q err=%v", c.Kind(), c.Name(), err)
	}
	l.CloseClient(c, err)
}

func (l *Loop) shutdown() {
	l.cancelBase()
	l.observer.PostLooped(l)
	for c := range l.clients {
		l.CloseClient(c, ErrLoopStopped)
	}
	for id := range l.timers {
		l.RemoveTimer(id)
	}
	close(l.done)
	l.wg.Wait()
	l.abandonJobs()
	log.Debug().Msg("reactor.Loop stopped")
}
