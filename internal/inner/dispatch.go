package inner

import (
	"context"
	"fmt"
	"time"

	"github.com/RecadoCampbell/fastotv/internal/events"
	"github.com/RecadoCampbell/fastotv/internal/observability"
	"github.com/RecadoCampbell/fastotv/internal/protocol/commands"
	"github.com/RecadoCampbell/fastotv/internal/protocol/frame"
	"github.com/RecadoCampbell/fastotv/internal/protocol/schema"
	"github.com/RecadoCampbell/fastotv/internal/protocol/session"
)

const sysinfoTimeout = 2 * time.Second

// handleLine consumes exactly one frame. A line that does not parse ends the
// connection; there is no resynchronization.
func (h *Handler) handleLine(conn *Conn, line string) {
	f, err := frame.Parse(line)
	if err != nil {
		h.log.Error().Msgf("inner.Handler parse failed name=%q err=%v", conn.Name(), err)
		h.recordError(observability.ErrorKindParse)
		h.loop.CloseClient(conn, err)
		return
	}

	switch f.Stage {
	case frame.StageRequest:
		h.recordFrame(observability.DirectionInbound, f.Stage, commandName(f.Command))
		h.handleRequest(conn, f)
	case frame.StageResponse:
		h.recordFrame(observability.DirectionInbound, f.Stage, commandName(f.Arg(0)))
		h.handleResponse(f)
	case frame.StageApprove:
		h.recordFrame(observability.DirectionInbound, f.Stage, commandName(f.Arg(0)))
		h.handleApprove(conn, f)
	}
}

// handleRequest answers server-initiated calls.
func (h *Handler) handleRequest(conn *Conn, f frame.Frame) {
	cmd := commands.Parse(f.Command)
	switch cmd {
	case commands.Ping:
		pong := schema.ServerPingInfo{Timestamp: h.now().UnixMilli()}
		if raw := f.Arg(0); raw != "" {
			var in schema.ServerPingInfo
			if err := schema.Decode(raw, &in); err == nil {
				pong.ID = in.ID
			}
		}
		h.respond(conn, f.ID, cmd, pong)
	case commands.WhoAreYou:
		h.respond(conn, f.ID, cmd, h.auth)
	case commands.GetClientInfo:
		h.respond(conn, f.ID, cmd, h.clientInfo())
	case commands.SendChatMessage:
		raw := f.Arg(0)
		var msg schema.ChatMessage
		if err := schema.Decode(raw, &msg); err != nil {
			h.log.Error().Msgf("inner.Handler chat request dropped id=%s err=%v", f.ID, err)
			h.recordError(observability.ErrorKindSerialization)
			return
		}
		h.publish(events.NewReceiveChatMessage(msg))
		_ = h.write(conn, frame.StageResponse, cmd, commands.ResponseSuccess(f.ID, cmd, raw))
	default:
		h.log.Warn().Msgf("inner.Handler unknown request command id=%s cmd=%q", f.ID, f.Command)
		h.recordError(observability.ErrorKindProtocol)
	}
}

func (h *Handler) respond(conn *Conn, id string, cmd commands.Command, doc schema.Document) {
	payload, err := schema.Encode(doc)
	if err != nil {
		h.log.Error().Msgf("inner.Handler encode failed id=%s cmd=%s err=%v", id, cmd, err)
		h.recordError(observability.ErrorKindSerialization)
		return
	}
	_ = h.write(conn, frame.StageResponse, cmd, commands.ResponseSuccess(id, cmd, payload))
}

func (h *Handler) clientInfo() schema.ClientInfo {
	ctx, cancel := context.WithTimeout(context.Background(), sysinfoTimeout)
	defer cancel()
	snap, err := h.sysinfo.Snapshot(ctx)
	if err != nil {
		h.log.Warn().Msgf("inner.Handler partial system info err=%v", err)
	}
	return schema.ClientInfo{
		Login:     h.auth.Login,
		OS:        snap.OSString(),
		CPUBrand:  snap.CPUBrand,
		RAMTotal:  snap.RAMTotal,
		RAMFree:   snap.RAMFree,
		Bandwidth: h.bandwidth,
	}
}

// handleResponse routes an answer to the request it was subscribed under.
func (h *Handler) handleResponse(f frame.Frame) {
	if !h.requests.Resolve(f.ID, f) {
		h.log.Warn().Msgf("inner.Handler response for untracked id=%s status=%s cmd=%s", f.ID, f.Command, f.Arg(0))
		h.recordError(observability.ErrorKindProtocol)
		return
	}
	h.syncPending()
}

func (h *Handler) onResponse(conn *Conn, requested commands.Command, f frame.Frame) {
	if h.conn != conn {
		return
	}
	cmd := commands.Parse(f.Arg(0))
	if cmd != requested {
		h.log.Warn().Msgf("inner.Handler response command mismatch id=%s requested=%s got=%q", f.ID, requested, f.Arg(0))
	}
	switch commands.ParseStatus(f.Command) {
	case commands.StatusSuccess:
		if err := h.handleSuccessResponse(conn, f.ID, cmd, f.Arg(0), f.Arg(1)); err != nil {
			h.log.Error().Msgf("inner.Handler response failed id=%s cmd=%s err=%v", f.ID, f.Arg(0), err)
		}
	case commands.StatusFail:
		h.log.Warn().Msgf("inner.Handler cannot handle failed response id=%s cmd=%s reason=%q", f.ID, f.Arg(0), f.Arg(1))
		h.recordError(observability.ErrorKindProtocol)
	default:
		h.log.Warn().Msgf("inner.Handler unknown response status id=%s status=%q", f.ID, f.Command)
		h.recordError(observability.ErrorKindProtocol)
	}
}

func (h *Handler) handleSuccessResponse(conn *Conn, id string, cmd commands.Command, rawCmd, payload string) error {
	switch cmd {
	case commands.Ping:
		var ping schema.ClientPingInfo
		if err := h.decodeOrReject(conn, id, cmd, payload, &ping); err != nil {
			return err
		}
	case commands.GetServerInfo:
		var info schema.ServerInfo
		if err := h.decodeOrReject(conn, id, cmd, payload, &info); err != nil {
			return err
		}
		host, err := info.BandwidthAddress()
		if err != nil {
			h.reject(conn, id, cmd, err)
			return err
		}
		if err := h.StartProbe(host, events.RoleMainServer); err != nil {
			h.log.Warn().Msgf("inner.Handler bandwidth probe not started host=%s err=%v", host, err)
		}
	case commands.GetChannels:
		var channels schema.ChannelsInfo
		if err := h.decodeOrReject(conn, id, cmd, payload, &channels); err != nil {
			return err
		}
		h.publish(events.NewReceiveChannels(channels))
	case commands.GetRuntimeChannelInfo:
		var info schema.RuntimeChannelInfo
		if err := h.decodeOrReject(conn, id, cmd, payload, &info); err != nil {
			return err
		}
		h.publish(events.NewReceiveRuntimeChannel(info))
	case commands.SendChatMessage:
		var msg schema.ChatMessage
		if err := h.decodeOrReject(conn, id, cmd, payload, &msg); err != nil {
			return err
		}
		h.publish(events.NewSendChatMessage(msg))
	default:
		h.recordError(observability.ErrorKindProtocol)
		return fmt.Errorf("%w: unknown response command %q", ErrProtocol, rawCmd)
	}
	if h.conn != conn {
		return ErrNotConnected
	}
	return h.write(conn, frame.StageApprove, cmd, commands.ApproveSuccess(id, cmd))
}

func (h *Handler) decodeOrReject(conn *Conn, id string, cmd commands.Command, payload string, doc schema.Document) error {
	if err := schema.Decode(payload, doc); err != nil {
		h.reject(conn, id, cmd, err)
		return err
	}
	return nil
}

func (h *Handler) reject(conn *Conn, id string, cmd commands.Command, cause error) {
	h.recordError(observability.ErrorKindSerialization)
	_ = h.write(conn, frame.StageApprove, cmd, commands.ApproveFail(id, cmd, cause.Error()))
}

// handleApprove consumes the final acknowledgement of one of our answers.
func (h *Handler) handleApprove(conn *Conn, f frame.Frame) {
	status := commands.ParseStatus(f.Command)
	if status == commands.StatusUnknown {
		h.log.Warn().Msgf("inner.Handler unknown approve status id=%s status=%q", f.ID, f.Command)
		h.recordError(observability.ErrorKindProtocol)
		return
	}
	cmd := commands.Parse(f.Arg(0))
	switch cmd {
	case commands.WhoAreYou:
		if status == commands.StatusSuccess {
			conn.authorized = true
			if h.auth.Login != "" {
				conn.name = h.auth.Login
			}
			h.log.Info().Msgf("inner.Handler authorized login=%s", h.auth.Login)
			h.publish(events.NewClientAuthorized(h.auth, nil))
			return
		}
		reason := f.Arg(1)
		if reason == "" {
			reason = "Unknown"
		}
		conn.authorized = false
		h.log.Warn().Msgf("inner.Handler authorization refused login=%s reason=%q", h.auth.Login, reason)
		h.publish(events.NewClientAuthorized(h.auth, AuthorizationError{Reason: reason}))
	case commands.Ping, commands.GetClientInfo, commands.SendChatMessage:
		h.log.Debug().Msgf("inner.Handler approve id=%s status=%s cmd=%s", f.ID, status, cmd)
	default:
		h.log.Warn().Msgf("inner.Handler approve for unknown command id=%s cmd=%q", f.ID, f.Arg(0))
		h.recordError(observability.ErrorKindProtocol)
	}
}

// write sends one line; a failed write ends the connection.
func (h *Handler) write(conn *Conn, stage frame.Stage, cmd commands.Command, line string) error {
	if err := conn.WriteLine(line); err != nil {
		h.log.Error().Msgf("inner.Handler write failed name=%q stage=%s cmd=%s err=%v", conn.Name(), stage, cmd, err)
		h.recordError(observability.ErrorKindTransport)
		h.loop.CloseClient(conn, err)
		return err
	}
	h.recordFrame(observability.DirectionOutbound, stage, cmd.String())
	return nil
}

// send issues one REQUEST under a fresh id and tracks it until answered.
func (h *Handler) send(cmd commands.Command, args ...string) error {
	conn := h.conn
	if conn == nil {
		return ErrNotConnected
	}
	id := h.requests.NextID()
	span := observability.StartRequestSpan(context.Background(), h.tracer, cmd.String(), id)
	req := session.Request{
		ID:      id,
		Command: cmd.String(),
		OnResult: func(f frame.Frame) {
			observability.EndRequestSpan(span, f.Command, nil)
			h.onResponse(conn, cmd, f)
		},
		OnAbandon: func(err error) {
			observability.EndRequestSpan(span, "ABANDONED", err)
		},
	}
	if err := h.requests.Subscribe(req); err != nil {
		observability.EndRequestSpan(span, "REJECTED", err)
		return err
	}
	if err := h.write(conn, frame.StageRequest, cmd, commands.Request(id, cmd, args...)); err != nil {
		return err
	}
	h.syncPending()
	return nil
}

func (h *Handler) ping() error {
	payload, err := schema.Encode(schema.ClientPingInfo{Timestamp: h.now().UnixMilli()})
	if err != nil {
		return err
	}
	return h.send(commands.Ping, payload)
}

func (h *Handler) RequestServerInfo() error {
	return h.send(commands.GetServerInfo)
}

func (h *Handler) RequestChannels() error {
	return h.send(commands.GetChannels)
}

func (h *Handler) RequestRuntimeChannelInfo(streamID string) error {
	return h.send(commands.GetRuntimeChannelInfo, streamID)
}

// PostMessageToChat sends msg; the chat-sent event follows the server's
// positive RESPONSE.
func (h *Handler) PostMessageToChat(msg schema.ChatMessage) error {
	if h.conn == nil {
		return ErrNotConnected
	}
	payload, err := schema.Encode(msg)
	if err != nil {
		h.log.Error().Msgf("inner.Handler chat message not sent err=%v", err)
		h.recordError(observability.ErrorKindSerialization)
		return err
	}
	return h.send(commands.SendChatMessage, payload)
}
