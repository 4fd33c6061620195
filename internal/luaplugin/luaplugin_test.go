package luaplugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

const thresholdLua = `
Threshold = Transform:extend("Threshold")
Threshold.accepts = { "parsed" }
Threshold.emits = { "parsed" }
Threshold.description = "keeps positions above a minimum"

function Threshold:init(opts)
  if opts.min == nil then error("missing required option min") end
  self.min = opts.min
  self.count = 0
end

function Threshold:process(item)
  if item.kind ~= "parsed" then return { item } end
  if item.content.pct >= self.min then
    self.count = self.count + 1
    return { item }
  end
  return {}
end

function Threshold:finish()
  return { { topic = "threshold.summary", content = { kept = self.count } } }
end

-- abstract: no process method
Helper = Transform:extend("Helper")
`

func writePlugin(t *testing.T, dir, name, src string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	return p
}

func load(t *testing.T, path, ns string) map[string]stage.Definition {
	t.Helper()
	l := &Loader{Sandbox: Sandbox{Timeout: 2 * time.Second}}
	defs, err := l.Load(path, ns)
	require.NoError(t, err)
	out := map[string]stage.Definition{}
	for _, d := range defs {
		out[d.Key] = d
	}
	return out
}

func TestLoadRegistersConcreteClassesOnly(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "threshold.lua", thresholdLua)
	defs := load(t, p, "shortinterest")

	require.Len(t, defs, 1)
	def, ok := defs["shortinterest.Threshold"]
	require.True(t, ok)
	assert.Equal(t, stage.RoleTransform, def.Role)
	assert.Equal(t, p, def.Source)
	assert.Equal(t, "keeps positions above a minimum", def.Description)
}

func TestLoadSkipsImportedClasses(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "_shared.lua", `
Shared = Transform:extend("Shared")
function Shared:process(item) return { item } end
return Shared
`)
	p := writePlugin(t, dir, "local.lua", `
local Base = import("_shared.lua")
Local = Base:extend("Local")
`)
	defs := load(t, p, "ns")

	require.Len(t, defs, 1)
	_, ok := defs["ns.Local"]
	assert.True(t, ok)
}

func TestInstanceProcessesAndFinishes(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "threshold.lua", thresholdLua)
	def := load(t, p, "si")["si.Threshold"]

	s, err := def.New(stage.Options{"min": 2}, stage.Deps{})
	require.NoError(t, err)
	defer s.(stage.Resource).Close(context.Background())

	assert.Equal(t, []item.Kind{item.KindParsed}, stage.Accepts(s))
	assert.Equal(t, stage.RoleTransform, stage.RoleOf(s))

	in := item.Of(
		item.ParsedItem{Topic: "p", Content: item.ContentOf("pct", 1.0)},
		item.ParsedItem{Topic: "p", Content: item.ContentOf("z", "last", "pct", 3.0, "a", "x")},
		item.RawItem{Source: "feed", Payload: []byte("x")},
	)
	got, err := item.Collect(s.Transform(context.Background(), in))
	require.NoError(t, err)
	require.Len(t, got, 3)

	kept := got[0].(item.ParsedItem)
	assert.Equal(t, []string{"z", "pct", "a"}, kept.Content.Keys())

	raw := got[1].(item.RawItem)
	assert.Equal(t, "feed", raw.Source)
	assert.Equal(t, []byte("x"), raw.Payload)

	summary := got[2].(item.ParsedItem)
	assert.Equal(t, "threshold.summary", summary.Topic)
	v, _ := summary.Content.Get("kept")
	assert.Equal(t, 1.0, v)
}

func TestInstanceAcceptsPointerItems(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "threshold.lua", thresholdLua)
	def := load(t, p, "si")["si.Threshold"]

	s, err := def.New(stage.Options{"min": 2}, stage.Deps{})
	require.NoError(t, err)
	defer s.(stage.Resource).Close(context.Background())

	in := item.Of(
		&item.ParsedItem{Topic: "p", Content: item.ContentOf("lei", "A", "pct", 3.0)},
		&item.RawItem{Source: "feed", Payload: []byte("x")},
	)
	got, err := item.Collect(s.Transform(context.Background(), in))
	require.NoError(t, err)
	require.Len(t, got, 3)

	kept := got[0].(item.ParsedItem)
	lei, _ := kept.Content.Get("lei")
	assert.Equal(t, "A", lei)
	assert.Equal(t, "feed", got[1].(item.RawItem).Source)
}

func TestCloseWithoutOpenReleasesState(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "threshold.lua", thresholdLua)
	def := load(t, p, "si")["si.Threshold"]

	s, err := def.New(stage.Options{"min": 2}, stage.Deps{})
	require.NoError(t, err)
	inst := s.(*Stage)
	require.NotNil(t, inst.L)
	require.NoError(t, inst.Close(context.Background()))
	assert.Nil(t, inst.L)
	require.NoError(t, inst.Close(context.Background()))
}

func TestInitErrorFailsConstruction(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "threshold.lua", thresholdLua)
	def := load(t, p, "si")["si.Threshold"]

	_, err := def.New(nil, stage.Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required option min")
}

func TestInstancesDoNotShareState(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "threshold.lua", thresholdLua)
	def := load(t, p, "si")["si.Threshold"]

	a, err := def.New(stage.Options{"min": 0}, stage.Deps{})
	require.NoError(t, err)
	b, err := def.New(stage.Options{"min": 0}, stage.Deps{})
	require.NoError(t, err)

	_, err = item.Collect(a.Transform(context.Background(), item.Of(
		item.ParsedItem{Topic: "p", Content: item.ContentOf("pct", 1.0)},
	)))
	require.NoError(t, err)
	got, err := item.Collect(b.Transform(context.Background(), item.Empty()))
	require.NoError(t, err)
	require.Len(t, got, 1)
	v, _ := got[0].(item.ParsedItem).Content.Get("kept")
	assert.Equal(t, 0.0, v)
}

func TestOriginAndSinkClasses(t *testing.T) {
	dir := t.TempDir()
	p := writePlugin(t, dir, "io.lua", `
Numbers = Origin:extend("Numbers")
function Numbers:produce()
  local out = {}
  for i = 1, 3 do
    out[#out + 1] = { topic = "n", content = { value = i } }
  end
  return out
end

Collector = Sink:extend("Collector")
function Collector:init() self.total = 0 end
function Collector:handle(item) self.total = self.total + item.content.value end
function Collector:finish()
  if self.total ~= 6 then error("unexpected total " .. self.total) end
end
`)
	defs := load(t, p, "io")
	require.Len(t, defs, 2)
	assert.Equal(t, stage.RoleOrigin, defs["io.Numbers"].Role)
	assert.Equal(t, stage.RoleTerminal, defs["io.Collector"].Role)

	origin, err := defs["io.Numbers"].New(nil, stage.Deps{})
	require.NoError(t, err)
	sink, err := defs["io.Collector"].New(nil, stage.Deps{})
	require.NoError(t, err)

	out, err := item.Collect(sink.Transform(context.Background(), origin.Transform(context.Background(), item.SeedStream())))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSyntaxErrorFailsLoad(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "broken.lua", "Broken = Transform:extend(")
	_, err := (&Loader{}).Load(p, "x")
	require.Error(t, err)
}

func TestProcessTimeout(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "spin.lua", `
Spin = Transform:extend("Spin")
function Spin:process(item) while true do end end
`)
	l := &Loader{Sandbox: Sandbox{Timeout: 20 * time.Millisecond}}
	defs, err := l.Load(p, "x")
	require.NoError(t, err)
	s, err := defs[0].New(nil, stage.Deps{})
	require.NoError(t, err)

	_, err = item.Collect(s.Transform(context.Background(), item.Of(item.Seed{})))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errSandboxTimeout))
}

func TestFilesystemLoadersRemoved(t *testing.T) {
	p := writePlugin(t, t.TempDir(), "fs.lua", `
if dofile ~= nil or loadfile ~= nil then error("filesystem access available") end
`)
	_, err := (&Loader{}).Load(p, "x")
	require.NoError(t, err)
}

func TestDeterministicRandom(t *testing.T) {
	src := `
R = Origin:extend("R")
function R:produce() return { { topic = "r", content = { v = math.random(1, 1000000) } } } end
`
	p := writePlugin(t, t.TempDir(), "r.lua", src)
	def := load(t, p, "x")["x.R"]

	draw := func() any {
		s, err := def.New(nil, stage.Deps{})
		require.NoError(t, err)
		got, err := item.Collect(s.Transform(context.Background(), item.SeedStream()))
		require.NoError(t, err)
		v, _ := got[0].(item.ParsedItem).Content.Get("v")
		return v
	}
	assert.Equal(t, draw(), draw())
}
