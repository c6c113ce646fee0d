// Package events owns the typed notifications published by the inner handler.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RecadoCampbell/fastotv/internal/protocol/schema"
)

// Kind identifies one event type.
type Kind uint8

const (
	KindClientConnected Kind = iota + 1
	KindClientDisconnected
	KindClientAuthorized
	KindBandwidthEstimation
	KindReceiveChannels
	KindReceiveRuntimeChannel
	KindReceiveChatMessage
	KindSendChatMessage
)

func (k Kind) String() string {
	switch k {
	case KindClientConnected:
		return "client.connected"
	case KindClientDisconnected:
		return "client.disconnected"
	case KindClientAuthorized:
		return "client.authorized"
	case KindBandwidthEstimation:
		return "bandwidth.estimation"
	case KindReceiveChannels:
		return "channels.received"
	case KindReceiveRuntimeChannel:
		return "runtime_channel.received"
	case KindReceiveChatMessage:
		return "chat.received"
	case KindSendChatMessage:
		return "chat.sent"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one application notification. Err is non-nil for failure variants.
type Event interface {
	Kind() Kind
	Err() error
}

// Sink receives events from the reactor goroutine.
type Sink interface {
	PostEvent(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) PostEvent(ev Event) { f(ev) }

type failure struct {
	err error
}

func (f failure) Err() error { return f.err }

// ConnectInfo names the peer of the primary connection.
type ConnectInfo struct {
	Address string
}

type BandwidthHostRole string

const (
	RoleMainServer BandwidthHostRole = "main_server"
	RoleOther      BandwidthHostRole = "other"
)

// BandwidthInfo is one throughput sample.
type BandwidthInfo struct {
	Host           string
	BytesPerSecond uint64
	Role           BandwidthHostRole
}

type ClientConnected struct {
	failure
	Info ConnectInfo
}

func NewClientConnected(info ConnectInfo, err error) ClientConnected {
	return ClientConnected{failure: failure{err: err}, Info: info}
}

func (ClientConnected) Kind() Kind { return KindClientConnected }

type ClientDisconnected struct {
	failure
	Info ConnectInfo
}

func NewClientDisconnected(info ConnectInfo, err error) ClientDisconnected {
	return ClientDisconnected{failure: failure{err: err}, Info: info}
}

func (ClientDisconnected) Kind() Kind { return KindClientDisconnected }

type ClientAuthorized struct {
	failure
	Auth schema.AuthInfo
}

func NewClientAuthorized(auth schema.AuthInfo, err error) ClientAuthorized {
	return ClientAuthorized{failure: failure{err: err}, Auth: auth}
}

func (ClientAuthorized) Kind() Kind { return KindClientAuthorized }

type BandwidthEstimation struct {
	failure
	Info BandwidthInfo
}

func NewBandwidthEstimation(info BandwidthInfo, err error) BandwidthEstimation {
	return BandwidthEstimation{failure: failure{err: err}, Info: info}
}

func (BandwidthEstimation) Kind() Kind { return KindBandwidthEstimation }

type ReceiveChannels struct {
	failure
	Channels schema.ChannelsInfo
}

func NewReceiveChannels(ch schema.ChannelsInfo) ReceiveChannels {
	return ReceiveChannels{Channels: ch}
}

func (ReceiveChannels) Kind() Kind { return KindReceiveChannels }

type ReceiveRuntimeChannel struct {
	failure
	Info schema.RuntimeChannelInfo
}

func NewReceiveRuntimeChannel(info schema.RuntimeChannelInfo) ReceiveRuntimeChannel {
	return ReceiveRuntimeChannel{Info: info}
}

func (ReceiveRuntimeChannel) Kind() Kind { return KindReceiveRuntimeChannel }

type ReceiveChatMessage struct {
	failure
	Message schema.ChatMessage
}

func NewReceiveChatMessage(msg schema.ChatMessage) ReceiveChatMessage {
	return ReceiveChatMessage{Message: msg}
}

func (ReceiveChatMessage) Kind() Kind { return KindReceiveChatMessage }

type SendChatMessage struct {
	failure
	Message schema.ChatMessage
}

func NewSendChatMessage(msg schema.ChatMessage) SendChatMessage {
	return SendChatMessage{Message: msg}
}

func (SendChatMessage) Kind() Kind { return KindSendChatMessage }

// ChanSink forwards events to a buffered channel and never blocks the
// reactor; events that do not fit are counted and dropped.
type ChanSink struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) PostEvent(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

func (s *ChanSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Recorder keeps every event in arrival order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) PostEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a snapshot copy.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns recorded events with kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
