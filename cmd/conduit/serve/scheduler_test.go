package serve

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/cmd/conduit/app"
	"github.com/flarebyte/conduit/internal/config"
	"github.com/flarebyte/conduit/internal/engine"
	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/luaplugin"
	"github.com/flarebyte/conduit/internal/plugins/builtin"
)

func testEnv(t *testing.T) *app.Env {
	t.Helper()
	reg, err := builtin.NewRegistry(nil, "", "1.0.0", luaplugin.Sandbox{})
	require.NoError(t, err)
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)
	return &app.Env{Registry: reg}
}

func printerPipeline(name, out string, every time.Duration) config.Pipeline {
	return config.Pipeline{
		Name:    name,
		Enabled: true,
		Every:   every,
		Chain: []config.StageSpec{
			{Class: "static.Items", Kwargs: map[string]any{
				"items": []any{map[string]any{"topic": "t", "content": map[string]any{"v": 1}}},
			}},
			{Class: "console.Printer", Kwargs: map[string]any{"path": out}},
		},
	}
}

func TestNewSchedulerSkipsUnscheduled(t *testing.T) {
	env := testEnv(t)
	_, err := newScheduler(env, []config.Pipeline{printerPipeline("a", "x", 0)}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))

	s, err := newScheduler(env, []config.Pipeline{printerPipeline("a", "x", 0), printerPipeline("b", "y", time.Minute)}, time.Hour)
	require.NoError(t, err)
	require.Len(t, s.jobs, 2)
	assert.Equal(t, time.Hour, s.jobs[0].every)
	assert.Equal(t, time.Minute, s.jobs[1].every)
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	env := testEnv(t)
	out := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := newScheduler(env, []config.Pipeline{printerPipeline("tick", out, 10*time.Millisecond)}, 0)
	require.NoError(t, err)
	s.engine = engine.New(nil)

	var refreshed atomic.Int32
	s.refresh = func(context.Context) error {
		refreshed.Add(1)
		return nil
	}
	s.markStale()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, time.Second) }()

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.Contains(string(data), `"topic":"t"`)
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Equal(t, int32(1), refreshed.Load())
}
