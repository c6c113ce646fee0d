package reactor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/RecadoCampbell/fastotv/internal/testutil/testlog"
)

type fakeClient struct {
	name   string
	input  chan []byte
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{
		name:   name,
		input:  make(chan []byte, 8),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeClient) Kind() ClientKind   { return KindInner }
func (c *fakeClient) Name() string       { return c.name }
func (c *fakeClient) RemoteAddr() string { return "pipe" }

func (c *fakeClient) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.input:
		return data, nil
	case err := <-c.fail:
		return nil, err
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *fakeClient) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	pre      int
	post     int
	data     []string
	closed   map[string][]error
	timers   []TimerID
	onPre    func(l *Loop)
	notified chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{closed: make(map[string][]error), notified: make(chan struct{}, 64)}
}

func (o *recordingObserver) PreLooped(l *Loop) {
	o.mu.Lock()
	o.pre++
	o.mu.Unlock()
	if o.onPre != nil {
		o.onPre(l)
	}
}

func (o *recordingObserver) DataReceived(c Client, data []byte) {
	o.mu.Lock()
	o.data = append(o.data, c.Name()+":"+string(data))
	o.mu.Unlock()
	o.notified <- struct{}{}
}

func (o *recordingObserver) Closed(c Client, err error) {
	o.mu.Lock()
	o.closed[c.Name()] = append(o.closed[c.Name()], err)
	o.mu.Unlock()
	o.notified <- struct{}{}
}

func (o *recordingObserver) TimerEmitted(l *Loop, id TimerID) {
	o.mu.Lock()
	o.timers = append(o.timers, id)
	o.mu.Unlock()
	l.RemoveTimer(id)
	o.notified <- struct{}{}
}

func (o *recordingObserver) PostLooped(*Loop) {
	o.mu.Lock()
	o.post++
	o.mu.Unlock()
}

func (o *recordingObserver) wait(t *testing.T) {
	t.Helper()
	select {
	case <-o.notified:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for observer callback")
	}
}

func startLoop(t *testing.T, obs Observer) (*Loop, chan error) {
	t.Helper()
	l := New(obs)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	return l, errCh
}

func stopLoop(t *testing.T, l *Loop, errCh chan error) {
	t.Helper()
	l.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}
}

func TestLoopDeliversDataInOrderAndClosesOnEOF(t *testing.T) {
	testlog.Start(t)
	obs := newRecordingObserver()
	c := newFakeClient("primary")
	obs.onPre = func(l *Loop) { l.RegisterClient(c) }
	l, errCh := startLoop(t, obs)

	c.input <- []byte("one")
	c.input <- []byte("two")
	obs.wait(t)
	obs.wait(t)
	c.fail <- io.EOF
	obs.wait(t)

	obs.mu.Lock()
	if len(obs.data) != 2 || obs.data[0] != "primary:one" || obs.data[1] != "primary:two" {
		t.Fatalf("unexpected data order: %v", obs.data)
	}
	if errs := obs.closed["primary"]; len(errs) != 1 || errs[0] != nil {
		t.Fatalf("expected one clean close, got %v", errs)
	}
	obs.mu.Unlock()

	var registered bool
	l.Exec(func() { registered = l.Registered(c) })
	if registered {
		t.Fatalf("client still registered after EOF")
	}
	stopLoop(t, l, errCh)
}

func TestLoopCloseClientNotifiesOnce(t *testing.T) {
	testlog.Start(t)
	obs := newRecordingObserver()
	c := newFakeClient("probe")
	l, errCh := startLoop(t, obs)

	reason := errors.New("done")
	l.Exec(func() {
		l.RegisterClient(c)
		l.CloseClient(c, reason)
		l.CloseClient(c, reason)
	})
	obs.wait(t)
	stopLoop(t, l, errCh)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if errs := obs.closed["probe"]; len(errs) != 1 || !errors.Is(errs[0], reason) {
		t.Fatalf("expected one close with reason, got %v", errs)
	}
}

func TestLoopReadErrorClosesWithError(t *testing.T) {
	testlog.Start(t)
	obs := newRecordingObserver()
	c := newFakeClient("primary")
	l, errCh := startLoop(t, obs)
	l.Exec(func() { l.RegisterClient(c) })

	reset := errors.New("connection reset")
	c.fail <- reset
	obs.wait(t)
	stopLoop(t, l, errCh)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if errs := obs.closed["primary"]; len(errs) != 1 || !errors.Is(errs[0], reset) {
		t.Fatalf("expected read error on close, got %v", errs)
	}
}

func TestLoopTimerFires(t *testing.T) {
	testlog.Start(t)
	obs := newRecordingObserver()
	l, errCh := startLoop(t, obs)

	var id TimerID
	l.Exec(func() { id = l.CreateTimer(5 * time.Millisecond) })
	obs.wait(t)
	stopLoop(t, l, errCh)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if id == InvalidTimerID || len(obs.timers) != 1 || obs.timers[0] != id {
		t.Fatalf("unexpected timer fires: id=%d fires=%v", id, obs.timers)
	}
}

func TestLoopShutdownClosesRemainingClients(t *testing.T) {
	testlog.Start(t)
	obs := newRecordingObserver()
	a := newFakeClient("a")
	b := newFakeClient("b")
	obs.onPre = func(l *Loop) {
		l.RegisterClient(a)
		l.RegisterClient(b)
		l.CreateTimer(time.Hour)
	}
	l, errCh := startLoop(t, obs)
	stopLoop(t, l, errCh)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.pre != 1 || obs.post != 1 {
		t.Fatalf("pre=%d post=%d", obs.pre, obs.post)
	}
	for _, name := range []string{"a", "b"} {
		if errs := obs.closed[name]; len(errs) != 1 || !errors.Is(errs[0], ErrLoopStopped) {
			t.Fatalf("client %s close errors: %v", name, errs)
		}
	}
	if l.Post(func() {}) {
		t.Fatalf("post accepted after shutdown")
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("expected second run to fail, got %v", err)
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	l := New(newRecordingObserver())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop ignored cancellation")
	}
}
