// Package events publishes hotword detections to external systems.
//
// The [Dispatcher] decouples the poll loop from slow sinks: [Dispatcher.Publish]
// never blocks, and each [Sink] is called from a background goroutine behind
// its own circuit breaker.
package events

import (
	"context"
	"time"

	"github.com/MrWong99/micarray/pkg/pipeline"
)

// Event is one hotword detection as published to sinks.
type Event struct {
	DeviceID   string    `json:"device_id"`
	KeywordSet string    `json:"keyword_set"`
	Keyword    int       `json:"keyword"`
	Direction  int       `json:"direction"`
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
}

// FromDetection builds the event for a detected hotword.
func FromDetection(deviceID, keywordSet string, d pipeline.Detection, at time.Time) Event {
	return Event{
		DeviceID:   deviceID,
		KeywordSet: keywordSet,
		Keyword:    d.Hotword,
		Direction:  d.Direction,
		Seq:        d.Seq,
		Time:       at.UTC(),
	}
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
	Close() error
}
