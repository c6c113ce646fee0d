// Package commands owns the inner command vocabulary.
//
// Command names are parsed once per frame into a closed enumeration so
// dispatch never compares strings twice.
package commands

import (
	"strings"

	"github.com/RecadoCampbell/fastotv/internal/protocol/frame"
)

// Command is one verb of the inner protocol.
type Command uint8

const (
	Unknown Command = iota
	Ping
	WhoAreYou
	GetClientInfo
	SendChatMessage
	GetServerInfo
	GetChannels
	GetRuntimeChannelInfo
)

var names = map[Command]string{
	Ping:                  "PING",
	WhoAreYou:             "WHO_ARE_YOU",
	GetClientInfo:         "GET_CLIENT_INFO",
	SendChatMessage:       "SEND_CHAT_MESSAGE",
	GetServerInfo:         "GET_SERVER_INFO",
	GetChannels:           "GET_CHANNELS",
	GetRuntimeChannelInfo: "GET_RUNTIME_CHANNEL_INFO",
}

var byName = func() map[string]Command {
	out := make(map[string]Command, len(names))
	for cmd, name := range names {
		out[name] = cmd
	}
	return out
}()

// Parse maps a wire name to its command; unrecognized names yield Unknown.
func Parse(name string) Command {
	if cmd, ok := byName[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return cmd
	}
	return Unknown
}

func (c Command) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// All returns every known command in declaration order.
func All() []Command {
	return []Command{Ping, WhoAreYou, GetClientInfo, SendChatMessage, GetServerInfo, GetChannels, GetRuntimeChannelInfo}
}

// Status is the SUCCESS/FAIL tag carried by responses and approvals.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusSuccess
	StatusFail
)

func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS":
		return StatusSuccess
	case "FAIL":
		return StatusFail
	default:
		return StatusUnknown
	}
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Request builds `REQUEST id CMD args...`.
func Request(id string, cmd Command, args ...string) string {
	return frame.Build(frame.StageRequest, id, cmd.String(), args...)
}

// ResponseSuccess builds `RESPONSE id SUCCESS CMD payload`.
func ResponseSuccess(id string, cmd Command, payload string) string {
	return frame.Build(frame.StageResponse, id, StatusSuccess.String(), cmd.String(), payload)
}

// ResponseFail builds `RESPONSE id FAIL CMD reason`.
func ResponseFail(id string, cmd Command, reason string) string {
	return frame.Build(frame.StageResponse, id, StatusFail.String(), cmd.String(), reason)
}

// ApproveSuccess builds `APPROVE id SUCCESS CMD`.
func ApproveSuccess(id string, cmd Command) string {
	return frame.Build(frame.StageApprove, id, StatusSuccess.String(), cmd.String())
}

// ApproveFail builds `APPROVE id FAIL CMD reason`.
func ApproveFail(id string, cmd Command, reason string) string {
	return frame.Build(frame.StageApprove, id, StatusFail.String(), cmd.String(), reason)
}
