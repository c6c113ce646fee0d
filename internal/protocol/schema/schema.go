// Package schema owns the JSON documents carried as single frame arguments.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
)

var ErrInvalidPayload = errors.New("schema: invalid payload")

// Document is a payload that serializes to and from a JSON document.
type Document interface {
	Name() string
	Validate() error
}

// ValidationError reports a payload that decoded but violates its contract.
type ValidationError struct {
	Payload string
	Field   string
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: payload=%s: %s", e.Payload, e.Reason)
	}
	return fmt.Sprintf("schema: payload=%s field=%s: %s", e.Payload, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// Encode validates doc and returns its JSON text.
func Encode(doc Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: payload=%s: %v", ErrInvalidPayload, doc.Name(), err)
	}
	return string(raw), nil
}

// Decode parses raw JSON into doc and validates it.
func Decode(raw string, doc Document) error {
	if strings.TrimSpace(raw) == "" {
		log.Debug().Msgf("schema.Decode empty payload=%s", doc.Name())
		return ValidationError{Payload: doc.Name(), Reason: "empty document"}
	}
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		log.Debug().Msgf("schema.Decode malformed payload=%s err=%v", doc.Name(), err)
		return fmt.Errorf("%w: payload=%s: %v", ErrInvalidPayload, doc.Name(), err)
	}
	if err := doc.Validate(); err != nil {
		log.Debug().Msgf("schema.Decode invalid payload=%s err=%v", doc.Name(), err)
		return err
	}
	return nil
}

// AuthInfo is the credential set answered to WHO_ARE_YOU.
type AuthInfo struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

func (AuthInfo) Name() string { return "auth_info" }

func (a AuthInfo) Validate() error {
	if strings.TrimSpace(a.Login) == "" {
		return ValidationError{Payload: a.Name(), Field: "login", Reason: "missing"}
	}
	return nil
}

// ServerInfo is the GET_SERVER_INFO answer.
type ServerInfo struct {
	BandwidthHost string `json:"bandwidth_host"`
}

func (ServerInfo) Name() string { return "server_info" }

func (s ServerInfo) Validate() error {
	if strings.TrimSpace(s.BandwidthHost) == "" {
		return ValidationError{Payload: s.Name(), Field: "bandwidth_host", Reason: "missing"}
	}
	return nil
}

// BandwidthAddress returns the probe target as host:port.
func (s ServerInfo) BandwidthAddress() (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s.BandwidthHost))
	if err != nil {
		return "", ValidationError{Payload: s.Name(), Field: "bandwidth_host", Reason: err.Error()}
	}
	if host == "" || port == "" {
		return "", ValidationError{Payload: s.Name(), Field: "bandwidth_host", Reason: "host and port required"}
	}
	return net.JoinHostPort(host, port), nil
}

// ChannelInfo describes one playable channel.
type ChannelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Icon        string `json:"icon,omitempty"`
	EnableAudio bool   `json:"enable_audio"`
	EnableVideo bool   `json:"enable_video"`
}

// ChannelsInfo is the GET_CHANNELS answer.
type ChannelsInfo struct {
	Channels []ChannelInfo `json:"channels"`
}

func (ChannelsInfo) Name() string { return "channels_info" }

func (c ChannelsInfo) Validate() error {
	if c.Channels == nil {
		return ValidationError{Payload: c.Name(), Field: "channels", Reason: "missing"}
	}
	for i, ch := range c.Channels {
		if strings.TrimSpace(ch.ID) == "" {
			return ValidationError{Payload: c.Name(), Field: fmt.Sprintf("channels[%d].id", i), Reason: "missing"}
		}
	}
	return nil
}

const (
	ChatMessageText    = "message"
	ChatMessageControl = "control"
)

// ChatMessage is one chat line bound to a channel.
type ChatMessage struct {
	ChannelID string `json:"channel_id"`
	Login     string `json:"login"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

func (ChatMessage) Name() string { return "chat_message" }

func (m ChatMessage) Validate() error {
	if strings.TrimSpace(m.ChannelID) == "" {
		return ValidationError{Payload: m.Name(), Field: "channel_id", Reason: "missing"}
	}
	switch m.Type {
	case ChatMessageText, ChatMessageControl:
	default:
		return ValidationError{Payload: m.Name(), Field: "type", Reason: fmt.Sprintf("unknown type %q", m.Type)}
	}
	return nil
}

// RuntimeChannelInfo is the GET_RUNTIME_CHANNEL_INFO answer.
type RuntimeChannelInfo struct {
	ChannelID     string        `json:"channel_id"`
	WatchersCount uint64        `json:"watchers"`
	Messages      []ChatMessage `json:"messages,omitempty"`
}

func (RuntimeChannelInfo) Name() string { return "runtime_channel_info" }

func (r RuntimeChannelInfo) Validate() error {
	if strings.TrimSpace(r.ChannelID) == "" {
		return ValidationError{Payload: r.Name(), Field: "channel_id", Reason: "missing"}
	}
	for i, msg := range r.Messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return nil
}

// ClientPingInfo is the body of a client-initiated PING and its answer.
type ClientPingInfo struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (ClientPingInfo) Name() string { return "client_ping_info" }

func (ClientPingInfo) Validate() error { return nil }

// ServerPingInfo answers a server-initiated PING.
type ServerPingInfo struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (ServerPingInfo) Name() string { return "server_ping_info" }

func (ServerPingInfo) Validate() error { return nil }

// ClientInfo is the GET_CLIENT_INFO telemetry answer.
type ClientInfo struct {
	Login     string `json:"login"`
	OS        string `json:"os"`
	CPUBrand  string `json:"cpu"`
	RAMTotal  uint64 `json:"ram_total"`
	RAMFree   uint64 `json:"ram_free"`
	Bandwidth uint64 `json:"bandwidth"`
}

func (ClientInfo) Name() string { return "client_info" }

func (c ClientInfo) Validate() error {
	if strings.TrimSpace(c.Login) == "" {
		return ValidationError{Payload: c.Name(), Field: "login", Reason: "missing"}
	}
	return nil
}
