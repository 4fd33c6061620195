package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/internal/diff"
	"github.com/flarebyte/conduit/internal/entity"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
	"github.com/flarebyte/conduit/internal/store"
)

func shortsSpec() entity.Spec {
	return entity.Spec{Topic: "shorts", Key: []string{"holder", "isin"}, Value: "pct", Date: "date"}
}

func newMemorySink(t *testing.T, history bool) (*DatabaseSink, store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	s, err := NewWithStore(Config{Topics: []entity.Spec{shortsSpec()}, RecordHistory: history}, st, nil)
	require.NoError(t, err)
	return s, st
}

func drain(t *testing.T, ctx context.Context, s *DatabaseSink, vals ...any) {
	t.Helper()
	in := func(yield func(any, error) bool) {
		for _, v := range vals {
			if !yield(v, nil) {
				return
			}
		}
	}
	for v, err := range s.Transform(ctx, in) {
		require.NoError(t, err)
		t.Fatalf("sink yielded %v", v)
	}
}

func parsed(topic string, kv ...any) item.ParsedItem {
	return item.ParsedItem{Topic: topic, Content: item.ContentOf(kv...)}
}

func TestSinkUpsertsTrackedTopic(t *testing.T) {
	s, st := newMemorySink(t, false)
	ctx := context.Background()

	drain(t, ctx, s,
		parsed("shorts", "holder", "Fund A", "isin", "SE01", "pct", "0.75", "date", "2024-01-02"),
		parsed("shorts", "holder", "Fund B", "isin", "SE01", "pct", 1.5),
		parsed("other", "holder", "x"),
		item.RawItem{Source: "a.json"},
	)

	recs, err := st.List(ctx, "shorts")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	rec, ok, err := st.Lookup(ctx, "shorts", entity.Key{"Fund A", "SE01"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.75, rec.Value)
	assert.Equal(t, "2024-01-02", rec.Date)
	assert.Equal(t, 2, s.written)
	assert.Equal(t, 2, s.ignored)
}

func TestSinkAppliesDiffEvents(t *testing.T) {
	s, st := newMemorySink(t, true)
	ctx := stage.WithRunID(context.Background(), "run-1")
	require.NoError(t, st.Upsert(ctx, store.Record{Kind: "shorts", Key: entity.Key{"Fund A", "SE01"}, Value: 0.5}))
	require.NoError(t, st.Upsert(ctx, store.Record{Kind: "shorts", Key: entity.Key{"Fund C", "SE02"}, Value: 0.9}))

	drain(t, ctx, s,
		parsed("shorts.diff",
			"holder", "Fund A", "isin", "SE01", "pct", 0.8,
			diff.FieldChange, "changed", diff.FieldOldValue, 0.5, diff.FieldNewValue, 0.8, diff.FieldDelta, 0.3,
		),
		parsed("shorts.diff",
			"holder", "Fund C", "isin", "SE02", "pct", 0.0,
			diff.FieldChange, "removed", diff.FieldOldValue, 0.9, diff.FieldNewValue, 0.0,
			diff.FieldRemovalDetected, true,
		),
	)

	rec, ok, err := st.Lookup(ctx, "shorts", entity.Key{"Fund A", "SE01"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.8, rec.Value)
	_, has := rec.Content.Get(diff.FieldChange)
	assert.False(t, has, "diff fields are not persisted")

	_, ok, err = st.Lookup(ctx, "shorts", entity.Key{"Fund C", "SE02"})
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := st.History(ctx, "shorts", entity.Key{"Fund C", "SE02"})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.ChangeRemoved, hist[0].Change)
	assert.Equal(t, "run-1", hist[0].RunID)
	assert.InDelta(t, -0.9, hist[0].Delta, 1e-9)
}

func TestSinkRejectsBadValue(t *testing.T) {
	s, _ := newMemorySink(t, false)
	in := func(yield func(any, error) bool) {
		yield(parsed("shorts", "holder", "A", "isin", "B", "pct", "n/a"), nil)
	}
	var got error
	for _, err := range s.Transform(context.Background(), in) {
		got = err
	}
	require.Error(t, got)
	assert.Contains(t, got.Error(), "field pct")
}

func TestSinkOpensStoreFromKwargs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(stage.Options{
		"db_path": "state.db",
		"topics":  []any{map[string]any{"topic": "shorts", "key": []any{"isin"}, "value": "pct"}},
	}, stage.Deps{BaseDir: dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state.db"), s.path)

	ctx := context.Background()
	require.NoError(t, s.Close(ctx), "close before open is a no-op")
	require.NoError(t, s.Open(ctx))
	drain(t, ctx, s, parsed("shorts", "isin", "SE01", "pct", 1))
	require.NoError(t, s.Close(ctx))
	assert.FileExists(t, filepath.Join(dir, "state.db"))
}

func TestSinkConfigErrors(t *testing.T) {
	_, err := New(stage.Options{"db_path": "x.db"}, stage.Deps{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, stage.ErrMissingOption))

	_, err = NewWithStore(Config{Topics: []entity.Spec{{Topic: "t"}}}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}
