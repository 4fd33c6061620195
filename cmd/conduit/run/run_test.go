package run

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/cmd/conduit/app"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const document = `configVersion: "1"
pipelines:
  snapshot:
    chain:
      - class: static.Items
        kwargs:
          items:
            - {topic: shorts, content: {isin: SE01, pct: 0.5}}
            - {topic: shorts, content: {isin: SE02, pct: 1.25}}
      - class: diff.Differ
        kwargs:
          db_path: state.db
          topics: [{topic: shorts, key: [isin], value: pct}]
      - class: console.Printer
        kwargs: {path: out.jsonl}
  broken:
    enabled: false
    chain:
      - class: nope.Missing
`

func writeDocument(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yml")
	require.NoError(t, os.WriteFile(path, []byte(document), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "conduit", SilenceErrors: true, SilenceUsage: true}
	opts := &app.Options{SettingsDir: t.TempDir()}
	opts.Bind(root.PersistentFlags())
	root.AddCommand(NewCmd(opts))

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--plugins", filepath.Join(t.TempDir(), "none")))
	err := root.Execute()
	return out.String(), err
}

func exitCode(err error) int {
	if ec, ok := err.(interface{ ExitCode() int }); ok {
		return ec.ExitCode()
	}
	return -1
}

func TestRunCommandDetectsDriftOnce(t *testing.T) {
	path := writeDocument(t)

	out, err := runCLI(t, "run", "-c", path, "--fail-on-change")
	require.Error(t, err)
	assert.Equal(t, app.ExitDrift, exitCode(err))

	var s summary
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &s))
	assert.Equal(t, "snapshot", s.Pipeline)
	assert.True(t, s.OK)
	assert.Equal(t, 2, s.Changes)
	require.Len(t, s.Stages, 3)
	assert.Equal(t, 2, s.Stages[2].In)

	printed, err := os.ReadFile(filepath.Join(filepath.Dir(path), "out.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(printed), `"topic":"shorts.diff"`))

	out, err = runCLI(t, "run", "-c", path, "--fail-on-change")
	require.NoError(t, err, "second run sees persisted state")
	assert.Contains(t, out, `"changes":0`)
}

func TestRunCommandConfigErrors(t *testing.T) {
	path := writeDocument(t)

	_, err := runCLI(t, "run", "-c", path, "broken")
	require.Error(t, err)
	assert.Equal(t, app.ExitConfigError, exitCode(err))

	_, err = runCLI(t, "run", "-c", path, "missing")
	require.Error(t, err)
	assert.Equal(t, app.ExitConfigError, exitCode(err))
	assert.Contains(t, err.Error(), "missing")

	_, err = runCLI(t, "run")
	require.Error(t, err)
	assert.Equal(t, app.ExitConfigError, exitCode(err))
}
