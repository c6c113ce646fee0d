package events

import (
	"errors"
	"testing"

	"github.com/RecadoCampbell/fastotv/internal/protocol/schema"
	"github.com/RecadoCampbell/fastotv/internal/testutil/testlog"
)

func TestEventKindsAndErrors(t *testing.T) {
	testlog.Start(t)
	failed := errors.New("bad login")
	authorized := NewClientAuthorized(schema.AuthInfo{Login: "alice"}, failed)
	if authorized.Kind() != KindClientAuthorized || !errors.Is(authorized.Err(), failed) {
		t.Fatalf("unexpected authorized event: %+v", authorized)
	}
	band := NewBandwidthEstimation(BandwidthInfo{Host: "h:1", BytesPerSecond: 10, Role: RoleMainServer}, nil)
	if band.Kind() != KindBandwidthEstimation || band.Err() != nil || band.Info.BytesPerSecond != 10 {
		t.Fatalf("unexpected bandwidth event: %+v", band)
	}
	if KindReceiveChannels.String() != "channels.received" {
		t.Fatalf("unexpected kind name: %s", KindReceiveChannels)
	}
}

func TestChanSinkDropsWhenFull(t *testing.T) {
	testlog.Start(t)
	s := NewChanSink(1)
	s.PostEvent(NewReceiveChannels(schema.ChannelsInfo{}))
	s.PostEvent(NewReceiveChannels(schema.ChannelsInfo{}))
	if s.Dropped() != 1 {
		t.Fatalf("dropped=%d", s.Dropped())
	}
	ev := <-s.Events()
	if ev.Kind() != KindReceiveChannels {
		t.Fatalf("unexpected event: %v", ev.Kind())
	}
}

func TestRecorderFiltersByKind(t *testing.T) {
	testlog.Start(t)
	r := NewRecorder()
	var sink Sink = r
	sink.PostEvent(NewClientConnected(ConnectInfo{Address: "a"}, nil))
	sink.PostEvent(NewSendChatMessage(schema.ChatMessage{ChannelID: "c"}))
	sink.PostEvent(NewClientDisconnected(ConnectInfo{Address: "a"}, nil))
	if len(r.Events()) != 3 || len(r.OfKind(KindSendChatMessage)) != 1 {
		t.Fatalf("unexpected recorder state: %+v", r.Events())
	}
	r.Reset()
	if len(r.Events()) != 0 {
		t.Fatalf("reset failed")
	}

	calls := 0
	SinkFunc(func(Event) { calls++ }).PostEvent(NewReceiveChatMessage(schema.ChatMessage{}))
	if calls != 1 {
		t.Fatalf("sink func calls=%d", calls)
	}
}
