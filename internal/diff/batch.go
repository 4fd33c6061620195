package diff

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/flarebyte/conduit/internal/entity"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
	"github.com/flarebyte/conduit/internal/store"
)

// batch is the state of one run: the keys observed per kind and counters.
// Memory grows with the number of distinct entities, never with items.
type batch struct {
	d        *Differ
	runID    string
	started  time.Time
	observed map[string]map[string]struct{}

	created, changed, unchanged, removed int
}

func (d *Differ) newBatch(ctx context.Context) *batch {
	return &batch{
		d:        d,
		runID:    stage.RunID(ctx),
		started:  time.Now().UTC(),
		observed: map[string]map[string]struct{}{},
	}
}

// observe classifies one upstream value and returns what to yield.
func (b *batch) observe(ctx context.Context, v any) ([]any, error) {
	p, ok := asParsed(v)
	if !ok {
		return []any{v}, nil
	}
	spec, tracked := b.d.specs[p.Topic]
	if !tracked {
		return []any{v}, nil
	}

	keep := func(extra ...any) []any {
		if b.d.cfg.Passthrough {
			return append([]any{v}, extra...)
		}
		return extra
	}

	key, ok := spec.KeyOf(p.Content)
	if !ok {
		b.d.log.Debugw("Skipping item without entity key", "topic", p.Topic, "key_fields", spec.Key)
		return keep(), nil
	}
	seen := b.observed[spec.Kind]
	if seen == nil {
		seen = map[string]struct{}{}
		b.observed[spec.Kind] = seen
	}
	if _, dup := seen[key.String()]; dup {
		return keep(), nil
	}
	seen[key.String()] = struct{}{}

	value, err := spec.ValueOf(p.Content)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s: field %s", p.Topic, key, spec.Value)
	}
	date := spec.DateOf(p.Content)

	prev, found, err := b.d.st.Lookup(ctx, spec.Kind, key)
	if err != nil {
		return nil, err
	}

	change := store.ChangeNew
	old := b.d.cfg.AbsentValue
	if found {
		old = prev.Value
		if math.Abs(value-prev.Value) <= b.d.cfg.Tolerance && date == prev.Date {
			b.unchanged++
			return keep(), nil
		}
		change = store.ChangeChanged
	}

	ev := p.Content.Clone()
	ev.Set(FieldEventTimestamp, timestamp(p.DiscoveredAt))
	ev.Set(FieldChange, string(change))
	ev.Set(FieldOldValue, old)
	ev.Set(FieldNewValue, value)
	ev.Set(FieldDelta, value-old)
	if found {
		ev.Set(FieldPreviousDate, prev.Date)
	}

	if change == store.ChangeNew {
		b.created++
		b.d.log.Infow("New entity detected", "kind", spec.Kind, "key", key.String(), "value", value)
	} else {
		b.changed++
		b.d.log.Infow("Entity changed", "kind", spec.Kind, "key", key.String(), "old_value", old, "new_value", value)
	}

	if b.d.cfg.UpdateState {
		if err := b.d.st.Upsert(ctx, store.Record{
			Kind:    spec.Kind,
			Key:     key,
			Value:   value,
			Date:    date,
			Content: p.Content,
		}); err != nil {
			return nil, err
		}
	}
	if err := b.history(ctx, spec.Kind, key, change, old, value, date, prev.Date); err != nil {
		return nil, err
	}

	return keep(item.ParsedItem{Topic: spec.DiffTopic, Content: ev, DiscoveredAt: p.DiscoveredAt}), nil
}

// removals lists persisted entities of every observed kind that the batch
// did not contain. Kinds absent from the batch are left alone.
func (b *batch) removals(ctx context.Context) ([]any, error) {
	kinds := make([]string, 0, len(b.observed))
	for k := range b.observed {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	absent := b.d.cfg.AbsentValue
	var out []any
	for _, kind := range kinds {
		spec := b.d.byKind[kind]
		recs, err := b.d.st.List(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if _, ok := b.observed[kind][rec.Key.String()]; ok {
				continue
			}
			ev := item.NewContent()
			if rec.Content != nil {
				ev = rec.Content.Clone()
			}
			for i, f := range spec.Key {
				if i < len(rec.Key) {
					ev.Set(f, rec.Key[i])
				}
			}
			ev.Set(spec.Value, absent)
			ev.Set(FieldEventTimestamp, timestamp(b.started))
			ev.Set(FieldChange, string(store.ChangeRemoved))
			ev.Set(FieldOldValue, rec.Value)
			ev.Set(FieldNewValue, absent)
			ev.Set(FieldDelta, absent-rec.Value)
			ev.Set(FieldPreviousDate, rec.Date)
			ev.Set(FieldRemovalDetected, true)

			b.removed++
			b.d.log.Infow("Entity removed", "kind", kind, "key", rec.Key.String(), "old_value", rec.Value)

			if b.d.cfg.UpdateState {
				if err := b.d.st.Delete(ctx, kind, rec.Key); err != nil {
					return nil, err
				}
			}
			if err := b.history(ctx, kind, rec.Key, store.ChangeRemoved, rec.Value, absent, rec.Date, rec.Date); err != nil {
				return nil, err
			}
			out = append(out, item.ParsedItem{Topic: spec.DiffTopic, Content: ev, DiscoveredAt: b.started})
		}
	}
	return out, nil
}

func (b *batch) history(ctx context.Context, kind string, key entity.Key, change store.Change, old, value float64, date, prevDate string) error {
	if !b.d.cfg.RecordHistory {
		return nil
	}
	return b.d.st.AppendHistory(ctx, store.HistoryEntry{
		RunID:        b.runID,
		Kind:         kind,
		Key:          key,
		Change:       change,
		OldValue:     old,
		NewValue:     value,
		Delta:        value - old,
		Date:         date,
		PreviousDate: prevDate,
	})
}

func (b *batch) report() {
	b.d.log.Infow("Diff batch complete",
		"new", b.created,
		"changed", b.changed,
		"unchanged", b.unchanged,
		"removed", b.removed,
	)
}
