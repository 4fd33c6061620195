// Package store persists tracked entity state and the history of detected
// changes.
package store

import (
	"context"
	"time"

	"github.com/flarebyte/conduit/internal/entity"
	"github.com/flarebyte/conduit/internal/item"
)

// Change classifies a diff event.
type Change string

const (
	ChangeNew     Change = "new"
	ChangeChanged Change = "changed"
	ChangeRemoved Change = "removed"
)

// Record is the last persisted state of one entity.
type Record struct {
	Kind      string
	Key       entity.Key
	Value     float64
	Date      string
	Content   *item.Content
	UpdatedAt time.Time
}

// HistoryEntry records one diff event.
type HistoryEntry struct {
	RunID        string
	Kind         string
	Key          entity.Key
	Change       Change
	OldValue     float64
	NewValue     float64
	Delta        float64
	Date         string
	PreviousDate string
	RecordedAt   time.Time
}

// Store is the persistence contract of the diff and sink stages. Lookup
// reports found=false only when no row exists; every other failure is an
// error.
type Store interface {
	Lookup(ctx context.Context, kind string, key entity.Key) (Record, bool, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, kind string, key entity.Key) error
	List(ctx context.Context, kind string) ([]Record, error)
	AppendHistory(ctx context.Context, h HistoryEntry) error
	History(ctx context.Context, kind string, key entity.Key) ([]HistoryEntry, error)
	Close() error
}
