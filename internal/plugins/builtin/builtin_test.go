package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarebyte/conduit/internal/luaplugin"
	"github.com/flarebyte/conduit/internal/stage"
)

func TestDefinitionKeys(t *testing.T) {
	var keys []string
	for _, d := range Definitions() {
		keys = append(keys, d.Key)
		assert.NotEmpty(t, d.Description, d.Key)
		assert.Equal(t, stage.SourceBuiltin, d.Source)
	}
	assert.Equal(t, []string{
		"static.Items",
		"files.Reader",
		"httpfetch.Fetcher",
		"parse.JSONParser",
		"parse.CSVParser",
		"parse.YAMLParser",
		"filter.TopicFilter",
		"diff.Differ",
		"diff.ReconcilingDiffer",
		"sqlite.DatabaseSink",
		"console.Printer",
	}, keys)
}

func TestDefinitionRoles(t *testing.T) {
	roles := map[string]stage.Role{}
	for _, d := range Definitions() {
		roles[d.Key] = d.Role
	}
	assert.Equal(t, stage.RoleOrigin, roles["static.Items"])
	assert.Equal(t, stage.RoleOrigin, roles["httpfetch.Fetcher"])
	assert.Equal(t, stage.RoleTransform, roles["diff.ReconcilingDiffer"])
	assert.Equal(t, stage.RoleTerminal, roles["sqlite.DatabaseSink"])
	assert.Equal(t, stage.RoleTerminal, roles["console.Printer"])
}

func TestNewRegistryDiscoversLuaPlugins(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "upper"), 0o755))
	src := `Shout = Transform:extend("Shout")
function Shout:process(item)
  return { item }
end
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "upper", "shout.lua"), []byte(src), 0o644))

	reg, err := NewRegistry(nil, root, "1.0.0", luaplugin.Sandbox{})
	require.NoError(t, err)
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)

	d, err := reg.Get("upper.Shout")
	require.NoError(t, err)
	assert.Equal(t, stage.RoleTransform, d.Role)
	_, err = reg.Get("diff.Differ")
	require.NoError(t, err)
	assert.Len(t, reg.List(), len(Definitions())+1)

	assert.Error(t, Register(reg), "builtins register once")
}
