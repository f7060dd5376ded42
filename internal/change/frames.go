// frames.go
package change

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// FrameType is the type tag of a websocket frame.
type FrameType string

// Client -> Server.
const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
)

// Server -> Client.
const (
	// FrameSubscribed acknowledges a join, including joins restored on reconnect.
	FrameSubscribed FrameType = "subscribed"
	// FrameUnsubscribed acknowledges a leave.
	FrameUnsubscribed FrameType = "unsubscribed"
	// FrameSubscriptionError reports a rejected subscribe. The connection stays usable.
	FrameSubscriptionError FrameType = "subscription_error"
	// FrameSessionReady follows the restored-channel acks after a connect.
	FrameSessionReady FrameType = "session_ready"
	// FrameChange carries one Change Event for one channel.
	FrameChange FrameType = "change"
)

// RecordSeparator splits frames that were coalesced into one websocket message.
const RecordSeparator = 0x1e

// ClientFrame is a request from a client.
type ClientFrame struct {
	Type    FrameType `json:"type"`
	Channel string    `json:"channel"`
}

// ServerFrame is a message to a client. Event holds a pre-marshaled
// Change Event so one encoding is shared by every recipient.
type ServerFrame struct {
	Type     FrameType       `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Channels []string        `json:"channels,omitempty"`
	Error    string          `json:"error,omitempty"`
	Event    json.RawMessage `json:"event,omitempty"`
}

// SplitFrames splits a websocket message into the frames it carries.
func SplitFrames(message []byte) [][]byte {
	parts := bytes.Split(message, []byte{RecordSeparator})
	frames := parts[:0]
	for _, p := range parts {
		if len(p) > 0 {
			frames = append(frames, p)
		}
	}
	return frames
}
