package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/internal/engine"
	"github.com/flarebyte/conduit/internal/item"
)

func TestCollectorCountsRun(t *testing.T) {
	c := New()
	run := engine.RunInfo{RunID: "r1", Pipeline: "shorts", Keys: []string{"static.Items", "console.Printer"}}

	c.OnRunStart(run)
	c.OnItem(run, 0, item.Seed{})
	c.OnItem(run, 0, item.Seed{})
	c.OnEvent(run, item.NewEvent(item.LevelWarn, "diff", "late data", nil))
	c.OnRunEnd(run, engine.Result{Duration: 150 * time.Millisecond}, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ItemsTotal.WithLabelValues("shorts", "0:static.Items")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsTotal.WithLabelValues("shorts", "warn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RunsTotal.WithLabelValues("shorts", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.RunDuration))
	assert.Positive(t, testutil.ToFloat64(c.LastSuccess.WithLabelValues("shorts")))
}

func TestCollectorCountsFailure(t *testing.T) {
	c := New()
	run := engine.RunInfo{Pipeline: "shorts"}
	c.OnRunEnd(run, engine.Result{}, assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.RunsTotal.WithLabelValues("shorts", "failed")))
	assert.Equal(t, 0, testutil.CollectAndCount(c.LastSuccess))
}

func TestStageLabelOutOfRange(t *testing.T) {
	assert.Equal(t, "3:?", stageLabel(engine.RunInfo{Keys: []string{"a"}}, 3))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.OnRunEnd(engine.RunInfo{Pipeline: "p"}, engine.Result{}, nil)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `conduit_pipeline_runs_total{pipeline="p",status="success"} 1`)
}
