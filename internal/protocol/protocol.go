// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Wire defaults for the EA socket bridge
const (
	MT5_HOST        = "127.0.0.1"
	MT5_REST_PORT   = 15556
	MT5_STREAM_PORT = 15557
	MT5_ENCODING    = "utf-8"
	MT5_SUFFIX      = "\r\n"

	Delimiter = "^"
	// Subfield separates the columns of one record inside a field, e.g. a position.
	Subfield = "$"
)

// EA command codes
const (
	CMD_CHECK_CONNECTION     = "F000"
	CMD_STATIC_ACCOUNT_INFO  = "F001"
	CMD_DYNAMIC_ACCOUNT_INFO = "F002"
	CMD_INSTRUMENT_INFO      = "F003"
	CMD_SERVER_TIME          = "F005"
	CMD_LICENSE              = "F006"
	CMD_INSTRUMENTS          = "F007"
	CMD_TRADING_ALLOWED      = "F008"
	CMD_TERMINAL_CONNECTED   = "F011"
	CMD_TERMINAL_TYPE        = "F012"
	CMD_LAST_TICK            = "F020"
	CMD_LAST_TICKS           = "F021"
	CMD_ACTUAL_BAR           = "F041"
	CMD_LAST_BARS            = "F042"
	CMD_SPECIFIC_BAR         = "F045"
	CMD_PENDING_ORDERS       = "F060"
	CMD_OPEN_POSITIONS       = "F061"
	CMD_CLOSED_POSITIONS     = "F063"
	CMD_DELETED_ORDERS       = "F065"
	CMD_OPEN_ORDER           = "F070"
	CMD_CLOSE_POSITION       = "F071"
	CMD_SET_GLOBAL           = "F080"
	CMD_GET_GLOBAL           = "F081"
	CMD_AUTOTRADING          = "F084"
)

// ErrMalformedMessage is returned for frames that do not follow COMMAND^SUB^FIELDS
var ErrMalformedMessage = errors.New("malformed message")

// Origin is the channel a frame arrived on
type Origin int

const (
	// OriginAny is used by transports with a single channel for replies and pushes
	OriginAny Origin = iota
	// OriginReply marks frames answering a command sent on the request channel
	OriginReply
	// OriginStream marks frames pushed by the terminal on its stream channel
	OriginStream
)

func (o Origin) String() string {
	switch o {
	case OriginReply:
		return "reply"
	case OriginStream:
		return "stream"
	default:
		return "any"
	}
}

// Inbound is one raw frame tagged with its origin
type Inbound struct {
	Data   []byte
	Origin Origin
}

// Message is one decoded wire frame
type Message struct {
	Command    string   `json:"command"`
	SubCommand string   `json:"sub_command"`
	Fields     []string `json:"fields"`
	Origin     Origin   `json:"-"`
}

// IsReply reports whether the frame may answer a pending request
func (m Message) IsReply() bool {
	return m.Origin != OriginStream
}

// IsPush reports whether the frame may feed a subscription
func (m Message) IsPush() bool {
	return m.Origin != OriginReply
}

// Field returns the i-th field or an empty string when it is absent
func (m Message) Field(i int) string {
	if i < 0 || i >= len(m.Fields) {
		return ""
	}
	return m.Fields[i]
}

// Records splits every field on the subfield separator
func (m Message) Records() [][]string {
	records := make([][]string, 0, len(m.Fields))
	for _, field := range m.Fields {
		records = append(records, strings.Split(field, Subfield))
	}
	return records
}

// Validate checks that the frame echoes the expected command code
func (m Message) Validate(expected string) error {
	if m.Command != expected {
		return &EAError{
			Code:    EA_WRONG_AUTHORIZATION,
			Command: expected,
			Detail:  fmt.Sprintf("unexpected reply %s", m.Command),
		}
	}
	return nil
}

// String renders the message back into its wire form without suffix
func (m Message) String() string {
	return string(Encode(m.Command, m.SubCommand, m.Fields...))
}

// Encode renders COMMAND^SUBCOMMAND^P1^...^Pn
func Encode(command, subCommand string, params ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString(command)
	buf.WriteString(Delimiter)
	buf.WriteString(subCommand)
	buf.WriteString(Delimiter)
	buf.WriteString(strings.Join(params, Delimiter))
	return buf.Bytes()
}

// Frame appends the transport suffix to an encoded command
func Frame(command, subCommand string, params ...string) []byte {
	return append(Encode(command, subCommand, params...), MT5_SUFFIX...)
}

// Decode parses one inbound frame.
// Trailing empty fields are trimmed; an empty field before the last
// non-empty one is a hidden delimiter and rejects the frame.
func Decode(frame []byte) (Message, error) {
	text := strings.TrimRight(string(frame), "\r\n")

	parts := strings.Split(text, Delimiter)
	if len(parts) < 3 {
		return Message{}, fmt.Errorf("%w: expected at least 3 parts separated by '^', got %d", ErrMalformedMessage, len(parts))
	}

	data := parts[2:]
	last := len(data) - 1
	for last >= 0 && data[last] == "" {
		last--
	}
	data = data[:last+1]

	for i, field := range data {
		if field == "" {
			return Message{}, fmt.Errorf("%w: hidden '^' delimiter at field %d", ErrMalformedMessage, i)
		}
	}

	return Message{
		Command:    parts[0],
		SubCommand: parts[1],
		Fields:     data,
	}, nil
}
