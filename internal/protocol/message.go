// Package protocol defines the frames exchanged with the task notification
// endpoint and turns raw frames into validated, typed messages.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind is the value of a frame's "type" field.
type Kind string

// Client -> server kinds.
const (
	KindSubscribe Kind = "subscribe"
	KindPing      Kind = "ping"
	KindGetStatus Kind = "get_status"
)

// Server -> client kinds.
const (
	KindStatusUpdate Kind = "status_update"
	KindError        Kind = "error"
	KindPong         Kind = "pong"
	KindHeartbeat    Kind = "heartbeat"
	// KindConnection is the greeting the server sends right after accept.
	KindConnection Kind = "connection"
	// KindSubscribed acknowledges a subscribe frame.
	KindSubscribed Kind = "subscribed"
	// KindStatus answers get_status.
	KindStatus Kind = "status"
)

// KindWildcard registers a router handler for every forwarded kind.
// It is never a valid frame type.
const KindWildcard Kind = "*"

var knownKinds = map[Kind]struct{}{
	KindSubscribe:    {},
	KindPing:         {},
	KindGetStatus:    {},
	KindStatusUpdate: {},
	KindError:        {},
	KindPong:         {},
	KindHeartbeat:    {},
	KindConnection:   {},
	KindSubscribed:   {},
	KindStatus:       {},
}

// Valid reports whether k is a known frame kind.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// IsKeepalive reports whether k only serves the heartbeat exchange.
func (k Kind) IsKeepalive() bool {
	return k == KindPong || k == KindHeartbeat
}

func (k Kind) String() string {
	return string(k)
}

// Message is a parsed frame. Which optional fields are set depends on Kind;
// Parse guarantees the fields required by that kind are present.
type Message struct {
	Kind      Kind
	TaskID    string
	Status    string
	Text      string
	Progress  *float64
	Timestamp time.Time
	Data      json.RawMessage
}

// Subscribe builds a subscribe frame for taskID.
func Subscribe(taskID string, now time.Time) Message {
	return Message{Kind: KindSubscribe, TaskID: taskID, Timestamp: now}
}

// Ping builds a keepalive ping.
func Ping(now time.Time) Message {
	return Message{Kind: KindPing, Timestamp: now}
}

// GetStatus builds a connection status request.
func GetStatus(now time.Time) Message {
	return Message{Kind: KindGetStatus, Timestamp: now}
}
