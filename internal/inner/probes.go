package inner

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/RecadoCampbell/fastotv/internal/bandwidth"
	"github.com/RecadoCampbell/fastotv/internal/events"
	"github.com/RecadoCampbell/fastotv/internal/observability"
)

// StartProbe dials a bandwidth probe to host off the loop and tracks it
// from session start until it closes. A probe that cannot start publishes a
// failed estimation with a zero reading and leaves no tracked state behind.
// The returned error only reports a handler with no loop.
func (h *Handler) StartProbe(host string, role events.BandwidthHostRole) error {
	if h.loop == nil {
		return ErrNotConnected
	}
	cfg := h.cfg.Bandwidth
	dialer := h.probeDialer
	h.loop.Go("bandwidth:"+host, func(ctx context.Context) (io.Closer, error) {
		probe, err := bandwidth.Dial(ctx, dialer, host, role, cfg)
		if err != nil {
			return nil, err
		}
		if err := probe.StartSession(cfg.ByteLimit, cfg.Duration); err != nil {
			_ = probe.Close()
			return nil, err
		}
		return probe, nil
	}, func(res io.Closer, err error) {
		h.probeStarted(host, role, res, err)
	})
	return nil
}

func (h *Handler) probeStarted(host string, role events.BandwidthHostRole, res io.Closer, err error) {
	cfg := h.cfg.Bandwidth
	probe, ok := res.(*bandwidth.Probe)
	if err == nil && !ok {
		_ = res.Close()
		err = fmt.Errorf("unexpected probe result %T", res)
	}
	if err != nil {
		h.log.Error().Msgf("inner.Handler probe start failed host=%s role=%s err=%v", host, role, err)
		h.recordError(observability.ErrorKindTransport)
		if role == events.RoleMainServer {
			h.setBandwidth(role, 0)
		}
		h.publish(events.NewBandwidthEstimation(events.BandwidthInfo{Host: host, Role: role}, err))
		return
	}

	h.probes[probe] = struct{}{}
	h.loop.RegisterClient(probe)
	h.log.Debug().Msgf("inner.Handler probe started host=%s role=%s budget=%s", host, role, cfg.Duration)
	if h.metrics {
		observability.SetActiveProbes(len(h.probes))
	}
}

// probeClosed publishes the one estimation each tracked probe owes.
func (h *Handler) probeClosed(probe *bandwidth.Probe, err error) {
	if _, ok := h.probes[probe]; !ok {
		return
	}
	delete(h.probes, probe)
	if h.metrics {
		observability.SetActiveProbes(len(h.probes))
	}

	var rate uint64
	if err == nil {
		rate = probe.DownloadBytesPerSecond()
	}
	if probe.Role() == events.RoleMainServer {
		h.setBandwidth(probe.Role(), rate)
	}
	if err != nil {
		h.log.Warn().Msgf("inner.Handler probe failed host=%s role=%s err=%v", probe.Host(), probe.Role(), err)
	} else {
		h.log.Info().Msgf("inner.Handler bandwidth host=%s role=%s bytes_per_sec=%d", probe.Host(), probe.Role(), rate)
	}
	info := events.BandwidthInfo{Host: probe.Host(), BytesPerSecond: rate, Role: probe.Role()}
	h.publish(events.NewBandwidthEstimation(info, err))
}

func (h *Handler) setBandwidth(role events.BandwidthHostRole, rate uint64) {
	h.bandwidth = rate
	if h.metrics {
		observability.SetBandwidth(string(role), rate)
	}
}

func (h *Handler) trackedProbes() []*bandwidth.Probe {
	out := make([]*bandwidth.Probe, 0, len(h.probes))
	for probe := range h.probes {
		out = append(out, probe)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Host() < out[j].Host()
	})
	return out
}
