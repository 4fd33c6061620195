// Package item defines the values that flow through a chain and the lazy
// stream type stages use to pass them along.
package item

import (
	"time"
)

// Kind tags the item types a stage accepts or emits.
type Kind string

const (
	KindSeed   Kind = "seed"
	KindRaw    Kind = "raw"
	KindParsed Kind = "parsed"
	KindAny    Kind = "any"
)

// Seed is the sentinel fed to the first stage of every chain. Origin stages
// ignore it and synthesize their own items.
type Seed struct{}

// RawItem is an unparsed payload fetched by an origin stage.
type RawItem struct {
	Source    string    `json:"source"`
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ParsedItem is a structured record classified by topic.
type ParsedItem struct {
	Topic        string    `json:"topic"`
	Content      *Content  `json:"content"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// NewParsed returns a ParsedItem stamped with the current UTC time.
func NewParsed(topic string, content *Content) ParsedItem {
	if content == nil {
		content = NewContent()
	}
	return ParsedItem{Topic: topic, Content: content, DiscoveredAt: time.Now().UTC()}
}

// Level is an Event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is an observability record. Events are reported to observers and
// never persisted.
type Event struct {
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an Event stamped with the current UTC time.
func NewEvent(level Level, source, message string, metadata map[string]any) Event {
	return Event{
		Level:     level,
		Message:   message,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// KindOf reports the Kind of a stream value. Unknown values are KindAny.
func KindOf(v any) Kind {
	switch v.(type) {
	case Seed, *Seed:
		return KindSeed
	case RawItem, *RawItem:
		return KindRaw
	case ParsedItem, *ParsedItem:
		return KindParsed
	default:
		return KindAny
	}
}

// Compatible reports whether any kind an upstream emits is accepted downstream.
// Empty lists are unknown and always compatible.
func Compatible(emits, accepts []Kind) bool {
	if len(emits) == 0 || len(accepts) == 0 {
		return true
	}
	for _, e := range emits {
		for _, a := range accepts {
			if e == KindAny || a == KindAny || e == a {
				return true
			}
		}
	}
	return false
}
