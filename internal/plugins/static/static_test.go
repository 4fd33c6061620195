package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

func TestItemsEmitsDeclaredEntries(t *testing.T) {
	s, err := New(stage.Options{"items": []any{
		map[string]any{"topic": "positions", "content": map[string]any{"lei": "A", "pct": 1.5}},
		map[string]any{"topic": "positions", "content": map[string]any{"lei": "B", "pct": "2"}},
	}}, stage.Deps{})
	require.NoError(t, err)

	got, err := item.Collect(s.Transform(context.Background(), item.SeedStream()))
	require.NoError(t, err)
	require.Len(t, got, 2)
	p := got[1].(item.ParsedItem)
	assert.Equal(t, "positions", p.Topic)
	lei, _ := p.Content.Get("lei")
	assert.Equal(t, "B", lei)
	assert.Equal(t, []string{"lei", "pct"}, p.Content.Keys())
}

func TestItemsRequiresItems(t *testing.T) {
	_, err := New(stage.Options{}, stage.Deps{})
	assert.True(t, errors.Is(err, stage.ErrMissingOption))
}

func TestItemsRejectsUnknownKwargs(t *testing.T) {
	_, err := New(stage.Options{"items": []any{}, "itemz": 1}, stage.Deps{})
	assert.Error(t, err)
}
