package console

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

func stream(vals ...any) item.Stream {
	return func(yield func(any, error) bool) {
		for _, v := range vals {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func TestPrinterWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewWriter(&buf)
	for _, err := range p.Transform(context.Background(), stream(
		item.ParsedItem{Topic: "shorts", Content: item.ContentOf("isin", "SE01", "pct", 0.5)},
		item.RawItem{Source: "a.csv", Payload: []byte("x")},
	)) {
		require.NoError(t, err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"kind":"parsed"`)
	assert.Contains(t, lines[0], `"content":{"isin":"SE01","pct":0.5}`)
	assert.Contains(t, lines[1], `"kind":"raw"`)
}

func TestPrinterFileOutput(t *testing.T) {
	dir := t.TempDir()
	p, err := New(stage.Options{"path": "out.jsonl"}, stage.Deps{BaseDir: dir})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Open(ctx))
	for _, err := range p.Transform(ctx, stream(map[string]any{"a": 1})) {
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "out.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"any","item":{"a":1}}`+"\n", string(data))
}

func TestPrinterPropagatesUpstreamError(t *testing.T) {
	var buf bytes.Buffer
	p := NewWriter(&buf)
	in := func(yield func(any, error) bool) {
		if yield(1, nil) {
			yield(nil, assert.AnError)
		}
	}
	var got error
	for _, err := range p.Transform(context.Background(), in) {
		got = err
	}
	assert.ErrorIs(t, got, assert.AnError)
	assert.Equal(t, "{\"kind\":\"any\",\"item\":1}\n", buf.String())
}

func TestPrinterRejectsUnknownKwargs(t *testing.T) {
	_, err := New(stage.Options{"colour": true}, stage.Deps{})
	require.Error(t, err)
}
