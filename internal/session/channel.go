package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// Channel is the one-digit tag that prefixes every frame. The values are
// part of the wire contract with the shell endpoint.
type Channel byte

const (
	ChannelStdin  Channel = 0
	ChannelStdout Channel = 1
	ChannelStderr Channel = 2
	ChannelResize Channel = 4
	ChannelToken  Channel = 9
)

// EndOfTransmission is written to stdin when a session is torn down.
const EndOfTransmission = "\x04"

var (
	ErrEmptyFrame = errors.New("session: empty frame")
	ErrBadFrame   = errors.New("session: malformed frame")
)

// Frame is one decoded inbound or outbound message.
type Frame struct {
	Channel Channel
	Data    []byte
}

// TerminalSize is the payload of a resize frame.
type TerminalSize struct {
	Width  int `json:"Width"`
	Height int `json:"Height"`
}

// Encode renders a frame as its channel digit followed by base64(data).
func Encode(ch Channel, data []byte) string {
	return strconv.Itoa(int(ch)) + base64.StdEncoding.EncodeToString(data)
}

// Decode strips the leading channel digit and base64-decodes the rest.
func Decode(frame string) (Frame, error) {
	if frame == "" {
		return Frame{}, ErrEmptyFrame
	}
	tag := frame[0]
	if tag < '0' || tag > '9' {
		return Frame{}, fmt.Errorf("%w: channel tag %q", ErrBadFrame, tag)
	}
	data, err := base64.StdEncoding.DecodeString(frame[1:])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return Frame{Channel: Channel(tag - '0'), Data: data}, nil
}

// EncodeResize renders a resize frame.
func EncodeResize(size TerminalSize) string {
	data, _ := json.Marshal(size)
	return Encode(ChannelResize, data)
}

// DecodeResize parses the payload of a resize frame.
func DecodeResize(data []byte) (TerminalSize, error) {
	var size TerminalSize
	if err := json.Unmarshal(data, &size); err != nil {
		return TerminalSize{}, fmt.Errorf("%w: resize payload: %v", ErrBadFrame, err)
	}
	return size, nil
}

// Target selects the shell on the remote side.
type Target struct {
	// ID identifies the terminal or exec target.
	ID string
	// Node requests a node-level shell instead of a pod shell.
	Node string
}

// BuildURL adds the credential and target parameters to base.
func BuildURL(base, token string, target Target) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse shell url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("id", target.ID)
	if target.Node != "" {
		q.Set("node", target.Node)
		q.Set("type", "node")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
