package diff

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/internal/entity"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
	"github.com/flarebyte/conduit/internal/store"
)

const positionsTopic = "short.position"

func positionSpec() entity.Spec {
	return entity.Spec{Topic: positionsTopic, Key: []string{"isin"}, Value: "pct", Date: "date"}
}

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seed(t *testing.T, st store.Store, isin string, value float64, date string) {
	t.Helper()
	require.NoError(t, st.Upsert(context.Background(), store.Record{
		Kind:    positionsTopic,
		Key:     entity.Key{isin},
		Value:   value,
		Date:    date,
		Content: item.ContentOf("isin", isin, "pct", value, "date", date, "issuer", "Issuer "+isin),
	}))
}

func position(isin string, pct any, date string) item.ParsedItem {
	return item.ParsedItem{
		Topic:        positionsTopic,
		Content:      item.ContentOf("isin", isin, "pct", pct, "date", date),
		DiscoveredAt: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
	}
}

func testDiffer(t *testing.T, st store.Store, mutate func(*Config)) *Differ {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Topics = []entity.Spec{positionSpec()}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewWithStore(cfg, st, nil)
	require.NoError(t, err)
	return d
}

func events(t *testing.T, s stage.Stage, items ...any) []item.ParsedItem {
	t.Helper()
	got, err := item.Collect(s.Transform(context.Background(), item.Of(items...)))
	require.NoError(t, err)
	out := make([]item.ParsedItem, 0, len(got))
	for _, v := range got {
		p, ok := v.(item.ParsedItem)
		require.True(t, ok, "unexpected %T", v)
		out = append(out, p)
	}
	return out
}

func field(t *testing.T, p item.ParsedItem, name string) any {
	t.Helper()
	v, ok := p.Content.Get(name)
	require.True(t, ok, "missing field %s", name)
	return v
}

func TestNewEntityEmitsAbsentOldValue(t *testing.T) {
	st := openStore(t)
	got := events(t, testDiffer(t, st, nil), position("NO1", 5.0, "2024-05-02"))

	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, "short.position.diff", ev.Topic)
	assert.Equal(t, "new", field(t, ev, FieldChange))
	assert.Equal(t, 0.0, field(t, ev, FieldOldValue))
	assert.Equal(t, 5.0, field(t, ev, FieldNewValue))
	assert.Equal(t, 5.0, field(t, ev, FieldDelta))
	assert.Equal(t, "2024-05-02T08:00:00Z", field(t, ev, FieldEventTimestamp))
	_, hasPrev := ev.Content.Get(FieldPreviousDate)
	assert.False(t, hasPrev)
	assert.Equal(t, []string{"isin", "pct", "date"}, ev.Content.Keys()[:3])
}

func TestWithinToleranceEmitsNothing(t *testing.T) {
	st := openStore(t)
	seed(t, st, "NO1", 5.0000, "2024-05-02")

	got := events(t, testDiffer(t, st, nil), position("NO1", 5.0005, "2024-05-02"))
	assert.Empty(t, got)
}

func TestChangeBeyondToleranceEmitsOneEvent(t *testing.T) {
	st := openStore(t)
	seed(t, st, "NO1", 5.0, "2024-05-02")

	got := events(t, testDiffer(t, st, nil), position("NO1", 5.002, "2024-05-02"))
	require.Len(t, got, 1)
	assert.Equal(t, "changed", field(t, got[0], FieldChange))
	assert.Equal(t, 5.0, field(t, got[0], FieldOldValue))
	assert.Equal(t, 5.002, field(t, got[0], FieldNewValue))
	assert.InDelta(t, 0.002, field(t, got[0], FieldDelta), 1e-9)
	assert.Equal(t, "2024-05-02", field(t, got[0], FieldPreviousDate))
}

func TestDateChangeAloneIsAChange(t *testing.T) {
	st := openStore(t)
	seed(t, st, "NO1", 5.0, "2024-05-01")

	got := events(t, testDiffer(t, st, nil), position("NO1", 5.0, "2024-05-02"))
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, field(t, got[0], FieldDelta))
	assert.Equal(t, "2024-05-01", field(t, got[0], FieldPreviousDate))
}

func TestValueAndDateChangeYieldSingleEvent(t *testing.T) {
	st := openStore(t)
	seed(t, st, "NO1", 5.0, "2024-05-01")

	got := events(t, testDiffer(t, st, nil),
		position("NO1", 6.0, "2024-05-02"),
		position("NO1", 7.0, "2024-05-03"),
	)
	require.Len(t, got, 1)
	assert.Equal(t, 6.0, field(t, got[0], FieldNewValue))
}

func TestConfigurableTolerance(t *testing.T) {
	st := openStore(t)
	seed(t, st, "NO1", 5.0, "2024-05-02")

	d := testDiffer(t, st, func(c *Config) { c.Tolerance = 0.01 })
	assert.Empty(t, events(t, d, position("NO1", 5.002, "2024-05-02")))
}

func TestSecondRunIsIdempotent(t *testing.T) {
	st := openStore(t)
	batch := []any{position("NO1", 5.0, "2024-05-02"), position("NO2", 1.5, "2024-05-02")}

	first := events(t, testDiffer(t, st, nil), batch...)
	assert.Len(t, first, 2)

	second := events(t, testDiffer(t, st, nil), batch...)
	assert.Empty(t, second)

	hist, err := st.History(context.Background(), positionsTopic, entity.Key{"NO1"})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.ChangeNew, hist[0].Change)
}

func TestPassthroughAndUntrackedItems(t *testing.T) {
	st := openStore(t)
	seed(t, st, "NO1", 5.0, "2024-05-02")
	other := item.ParsedItem{Topic: "news", Content: item.ContentOf("title", "x")}
	raw := item.RawItem{Source: "feed"}

	d := testDiffer(t, st, func(c *Config) { c.Passthrough = true })
	got, err := item.Collect(d.Transform(context.Background(), item.Of(
		other, raw, position("NO1", 5.0, "2024-05-02"), position("NO3", 2.0, "2024-05-02"),
	)))
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, other, got[0])
	assert.Equal(t, raw, got[1])
	assert.Equal(t, positionsTopic, got[2].(item.ParsedItem).Topic)
	assert.Equal(t, positionsTopic, got[3].(item.ParsedItem).Topic)
	assert.Equal(t, "short.position.diff", got[4].(item.ParsedItem).Topic)

	baseline := testDiffer(t, openStore(t), nil)
	got, err = item.Collect(baseline.Transform(context.Background(), item.Of(other)))
	require.NoError(t, err)
	assert.Equal(t, []any{other}, got)
}

func TestBaselineNeverReportsRemovals(t *testing.T) {
	st := openStore(t)
	seed(t, st, "NO1", 5.0, "2024-05-02")
	seed(t, st, "NO2", 3.0, "2024-05-02")

	got := events(t, testDiffer(t, st, nil), position("NO1", 5.0, "2024-05-02"))
	assert.Empty(t, got)
}

func TestReconcilingDifferReportsRemovalAfterDrain(t *testing.T) {
	st := openStore(t)
	for _, k := range []string{"A", "B", "C"} {
		seed(t, st, k, 4.0, "2024-05-01")
	}
	r := &ReconcilingDiffer{Differ: *testDiffer(t, st, nil)}

	got := events(t, r,
		position("A", 4.0, "2024-05-01"),
		position("C", 4.5, "2024-05-01"),
	)
	require.Len(t, got, 2)
	assert.Equal(t, "changed", field(t, got[0], FieldChange))
	assert.Equal(t, "C", field(t, got[0], "isin"))

	removal := got[1]
	assert.Equal(t, "B", field(t, removal, "isin"))
	assert.Equal(t, "removed", field(t, removal, FieldChange))
	assert.Equal(t, true, field(t, removal, FieldRemovalDetected))
	assert.Equal(t, 4.0, field(t, removal, FieldOldValue))
	assert.Equal(t, 0.0, field(t, removal, FieldNewValue))
	assert.Equal(t, 0.0, field(t, removal, "pct"))
	assert.Equal(t, -4.0, field(t, removal, FieldDelta))
	assert.Equal(t, "Issuer B", field(t, removal, "issuer"))

	_, found, err := st.Lookup(context.Background(), positionsTopic, entity.Key{"B"})
	require.NoError(t, err)
	assert.False(t, found)

	again := events(t, &ReconcilingDiffer{Differ: *testDiffer(t, st, nil)},
		position("A", 4.0, "2024-05-01"),
		position("C", 4.5, "2024-05-01"),
	)
	assert.Empty(t, again)
}

func TestRemovalIsNeverInterleaved(t *testing.T) {
	st := openStore(t)
	seed(t, st, "A", 1.0, "d")
	seed(t, st, "B", 1.0, "d")
	r := &ReconcilingDiffer{Differ: *testDiffer(t, st, nil)}

	var order []string
	upstream := func(yield func(any, error) bool) {
		order = append(order, "upstream:A")
		if !yield(position("A", 2.0, "d"), nil) {
			return
		}
		order = append(order, "upstream:done")
	}
	for v, err := range r.Transform(context.Background(), upstream) {
		require.NoError(t, err)
		order = append(order, "out:"+field(t, v.(item.ParsedItem), FieldChange).(string))
	}
	assert.Equal(t, []string{"upstream:A", "out:changed", "upstream:done", "out:removed"}, order)
}

func TestRemovalOnlyForObservedKinds(t *testing.T) {
	st := openStore(t)
	seed(t, st, "A", 1.0, "d")
	r := &ReconcilingDiffer{Differ: *testDiffer(t, st, nil)}

	got := events(t, r, item.ParsedItem{Topic: "unrelated", Content: item.NewContent()})
	require.Len(t, got, 1)
	assert.Equal(t, "unrelated", got[0].Topic)
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) Lookup(context.Context, string, entity.Key) (store.Record, bool, error) {
	return store.Record{}, false, f.err
}

func TestLookupFailureIsNotTreatedAsNew(t *testing.T) {
	boom := errors.New("database is locked")
	d := testDiffer(t, failingStore{err: boom}, nil)

	got, err := item.Collect(d.Transform(context.Background(), item.Of(position("NO1", 1.0, "d"))))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Empty(t, got)
}

func TestMalformedValueAbortsRun(t *testing.T) {
	d := testDiffer(t, openStore(t), nil)
	_, err := item.Collect(d.Transform(context.Background(), item.Of(position("NO1", "n/a", "d"))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field pct")
}

func TestNewFromKwargs(t *testing.T) {
	dir := t.TempDir()
	opts := stage.Options{
		"db_path":   "state.db",
		"tolerance": "0.5",
		"topics": []any{
			map[string]any{"topic": positionsTopic, "key": []any{"isin"}, "value": "pct"},
		},
	}
	d, err := New(opts, stage.Deps{BaseDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 0.5, d.cfg.Tolerance)
	assert.Equal(t, filepath.Join(dir, "state.db"), d.path)
	assert.True(t, d.cfg.UpdateState)
	assert.Equal(t, "short.position.diff", d.specs[positionsTopic].DiffTopic)

	ctx := context.Background()
	require.NoError(t, d.Open(ctx))
	got := events(t, d, position("NO1", 1.0, "d"))
	assert.Len(t, got, 1)
	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Close(ctx))
}

func TestNewRejectsBadKwargs(t *testing.T) {
	_, err := New(stage.Options{"topics": []any{}}, stage.Deps{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, stage.ErrMissingOption))

	_, err = New(stage.Options{
		"db_path":   "x.db",
		"tolerance": -1,
		"topics":    []any{map[string]any{"topic": "t", "key": []any{"k"}, "value": "v"}},
	}, stage.Deps{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))

	_, err = NewReconciling(stage.Options{
		"db_path": "x.db",
		"topics":  []any{map[string]any{"topic": "t"}},
	}, stage.Deps{})
	require.Error(t, err)
}

func TestTransformWithoutOpenFails(t *testing.T) {
	d, err := New(stage.Options{
		"db_path": "x.db",
		"topics":  []any{map[string]any{"topic": "t", "key": []any{"k"}, "value": "v"}},
	}, stage.Deps{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = item.Collect(d.Transform(context.Background(), item.Of(position("NO1", 1.0, "d"))))
	require.Error(t, err)
}
