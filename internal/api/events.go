package api

import (
	"time"

	"alpha-volume-bot/pkg/types"
)

// Feed message types pushed over the /ws endpoint.
const (
	MessageSnapshot = "snapshot"
	MessageStatus   = "status"
)

// FeedMessage is the wrapper for everything sent to a dashboard client.
type FeedMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewSnapshotMessage wraps a full status snapshot.
func NewSnapshotMessage(snap StatusSnapshot) FeedMessage {
	return FeedMessage{
		Type:      MessageSnapshot,
		Timestamp: time.Now(),
		Data:      snap,
	}
}

// NewStatusMessage wraps a single user status transition.
func NewStatusMessage(ev types.StatusEvent) FeedMessage {
	return FeedMessage{
		Type:      MessageStatus,
		Timestamp: ev.At,
		Data:      ev,
	}
}
