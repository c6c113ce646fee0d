package inner

import (
	"context"
	"errors"
	"testing"

	"github.com/RecadoCampbell/fastotv/internal/events"
	"github.com/RecadoCampbell/fastotv/internal/reactor"
	"github.com/RecadoCampbell/fastotv/internal/testutil/testlog"
)

// measure runs one probe against a host that streams payload and closes,
// and returns its estimation.
func measure(t *testing.T, h *harness, role events.BandwidthHostRole) events.BandwidthEstimation {
	t.Helper()
	release := make(chan struct{})
	close(release)
	ps := startProbeServer(t, release, make([]byte, 64*1024))
	before := len(h.rec.OfKind(events.KindBandwidthEstimation))

	var err error
	h.exec(func() { err = h.handler.StartProbe(ps.addr(), role) })
	if err != nil {
		t.Fatalf("start probe: %v", err)
	}
	h.eventually("estimation", func() bool {
		return len(h.rec.OfKind(events.KindBandwidthEstimation)) == before+1
	})
	est := h.rec.OfKind(events.KindBandwidthEstimation)[before].(events.BandwidthEstimation)
	if est.Err() != nil || est.Info.Role != role || est.Info.BytesPerSecond == 0 {
		t.Fatalf("unexpected estimation: %+v err=%v", est.Info, est.Err())
	}
	return est
}

func TestMainServerProbeResetClearsBandwidth(t *testing.T) {
	testlog.Start(t)
	h := startHarness(t, nil)
	seeded := measure(t, h, events.RoleMainServer)
	var current uint64
	h.exec(func() { current = h.handler.CurrentBandwidth() })
	if current != seeded.Info.BytesPerSecond {
		t.Fatalf("current bandwidth=%d want %d", current, seeded.Info.BytesPerSecond)
	}

	reset := make(chan struct{})
	ps := startResetProbeServer(t, reset)
	var err error
	h.exec(func() { err = h.handler.StartProbe(ps.addr(), events.RoleMainServer) })
	if err != nil {
		t.Fatalf("start probe: %v", err)
	}
	h.eventually("tracked probe", func() bool { return h.handler.ProbeCount() == 1 })
	waitFor(t, "probe accept", ps.accepted)
	close(reset)

	h.eventually("probe removal", func() bool { return h.handler.ProbeCount() == 0 })
	h.sync()

	estimations := h.rec.OfKind(events.KindBandwidthEstimation)
	if len(estimations) != 2 {
		t.Fatalf("expected one estimation for the reset probe, got %d total", len(estimations))
	}
	est := estimations[1].(events.BandwidthEstimation)
	if est.Err() == nil || est.Info.BytesPerSecond != 0 || est.Info.Role != events.RoleMainServer || est.Info.Host != ps.addr() {
		t.Fatalf("unexpected reset estimation: %+v err=%v", est.Info, est.Err())
	}
	var connected bool
	h.exec(func() {
		current = h.handler.CurrentBandwidth()
		connected = h.handler.Connected()
	})
	if current != 0 {
		t.Fatalf("current bandwidth=%d after reset, want 0", current)
	}
	if !connected {
		t.Fatalf("probe reset tore down the primary connection")
	}
}

func TestOtherRoleProbeLeavesCurrentBandwidth(t *testing.T) {
	testlog.Start(t)
	h := startHarness(t, nil)
	seeded := measure(t, h, events.RoleMainServer)

	other := measure(t, h, events.RoleOther)
	if other.Info.Host == seeded.Info.Host {
		t.Fatalf("expected a second bandwidth host")
	}
	var current uint64
	var probes int
	h.exec(func() {
		current = h.handler.CurrentBandwidth()
		probes = h.handler.ProbeCount()
	})
	if current != seeded.Info.BytesPerSecond {
		t.Fatalf("other-role probe changed current bandwidth to %d, want %d", current, seeded.Info.BytesPerSecond)
	}
	if probes != 0 {
		t.Fatalf("probes=%d", probes)
	}
}

func TestProbeDialRunsOffLoopAndDrainsOnShutdown(t *testing.T) {
	testlog.Start(t)
	dialer := newBlockingDialer()
	h := startHarness(t, nil, WithProbeDialer(dialer))

	var err error
	h.exec(func() { err = h.handler.StartProbe("127.0.0.1:9", events.RoleMainServer) })
	if err != nil {
		t.Fatalf("start probe: %v", err)
	}
	waitFor(t, "probe dial", dialer.started)

	// the loop keeps serving the primary connection while the dial is parked
	h.sync()
	var probes, jobs int
	h.exec(func() {
		probes = h.handler.ProbeCount()
		jobs = h.loop.Jobs()
	})
	if probes != 0 || jobs != 1 {
		t.Fatalf("pending dial tracked as probe: probes=%d jobs=%d", probes, jobs)
	}

	h.stop()
	if cause := waitFor(t, "dial cancel", dialer.cancelled); !errors.Is(cause, context.Canceled) {
		t.Fatalf("dial ended with %v", cause)
	}
	if n := len(h.rec.OfKind(events.KindBandwidthEstimation)); n != 0 {
		t.Fatalf("estimation published for a probe that never started: %d", n)
	}
}

func TestConnectDialRunsOffLoop(t *testing.T) {
	testlog.Start(t)
	dialer := newBlockingDialer()
	rec := events.NewRecorder()
	handler := NewHandler(testConfig("127.0.0.1:9"), rec, WithMetrics(false), WithDialer(dialer))
	h := &harness{t: t, rec: rec, handler: handler, errCh: make(chan error, 1)}
	h.loop = reactor.New(handler)
	go func() { h.errCh <- h.loop.Run(context.Background()) }()
	t.Cleanup(h.stop)

	waitFor(t, "primary dial", dialer.started)
	var state State
	h.exec(func() { state = handler.State() })
	if state != StateConnecting {
		t.Fatalf("state=%s while dialing", state)
	}

	h.exec(func() {
		handler.Disconnect(nil)
		state = handler.State()
	})
	if state != StateDisconnected {
		t.Fatalf("state=%s after abandoning the dial", state)
	}
	if cause := waitFor(t, "dial cancel", dialer.cancelled); !errors.Is(cause, context.Canceled) {
		t.Fatalf("dial ended with %v", cause)
	}
	h.eventually("dial job finished", func() bool { return h.loop.Jobs() == 0 })
	if evs := rec.Events(); len(evs) != 0 {
		t.Fatalf("abandoned dial published events: %+v", evs)
	}
}
