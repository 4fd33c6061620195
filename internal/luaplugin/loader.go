// Package luaplugin loads pipeline stages written in Lua.
//
// A plugin file declares classes by extending one of the predeclared bases:
//
//	Threshold = Transform:extend("Threshold")
//
//	function Threshold:init(opts)
//	  if opts.min == nil then error("missing required option min") end
//	  self.min = opts.min
//	end
//
//	function Threshold:process(item)
//	  if item.content.pct >= self.min then return { item } end
//	  return {}
//	end
//
// Transform classes implement process(item) and optionally finish(); Origin
// classes implement produce(); Sink classes implement handle(item). Only
// classes defined by the scanned file itself are registered; classes pulled
// in through import("other.lua") belong to the other file.
package luaplugin

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

const moduleGlobal = "__conduit_module"

const prelude = `
local function extend(base, name)
  if type(name) ~= "string" or name == "" then
    error("extend: class name required", 2)
  end
  local cls = setmetatable({}, { __index = base })
  rawset(cls, "__class", true)
  rawset(cls, "__name", name)
  rawset(cls, "__module", __conduit_module)
  rawset(cls, "__role", base.__role)
  return cls
end

local function base(role)
  return { __class = true, __base = true, __role = role, extend = extend }
end

Transform = base("transform")
Origin = base("origin")
Sink = base("terminal")
`

// requiredMethod is the method a class must implement for its role.
var requiredMethod = map[stage.Role]string{
	stage.RoleTransform: "process",
	stage.RoleOrigin:    "produce",
	stage.RoleTerminal:  "handle",
}

// Loader turns .lua files into stage definitions.
type Loader struct {
	Sandbox Sandbox
}

// Extensions lists the file extensions the loader handles.
func (l *Loader) Extensions() []string { return []string{".lua"} }

// Load executes path once and returns a definition per qualifying class.
func (l *Loader) Load(path, namespace string) ([]stage.Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	cfg := l.Sandbox.withDefaults()
	L, err := execute(path, src, cfg)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	var defs []stage.Definition
	for _, c := range classesOf(L, path) {
		role := stage.Role(lua.LVAsString(c.RawGetString("__role")))
		name := lua.LVAsString(c.RawGetString("__name"))
		method, ok := requiredMethod[role]
		if !ok || L.GetField(c, method).Type() != lua.LTFunction {
			continue
		}
		cl := class{
			path:    path,
			src:     src,
			name:    name,
			key:     stage.Key(namespace, name),
			role:    role,
			accepts: kindsField(L, c, "accepts"),
			emits:   kindsField(L, c, "emits"),
			sandbox: cfg,
		}
		defs = append(defs, stage.Definition{
			Key:         cl.key,
			Namespace:   namespace,
			Name:        name,
			Role:        role,
			Source:      path,
			Description: lua.LVAsString(L.GetField(c, "description")),
			New:         cl.instantiate,
		})
	}
	return defs, nil
}

// execute runs the prelude and the module source in a fresh sandboxed state.
func execute(path string, src []byte, cfg Sandbox) (*lua.LState, error) {
	L := newState(path, cfg)
	if err := L.DoString(prelude); err != nil {
		L.Close()
		return nil, errors.Wrap(err, "lua prelude")
	}
	L.SetGlobal("import", L.NewFunction(importer(map[string][]lua.LValue{}, map[string]bool{})))
	L.SetGlobal(moduleGlobal, lua.LString(path))

	fn, err := L.LoadString(string(src))
	if err != nil {
		L.Close()
		return nil, errors.Wrapf(err, "load %s", path)
	}
	L.Push(fn)
	err = callWithTimeout(context.Background(), L, cfg.Timeout, func() error {
		return L.PCall(0, 0, nil)
	})
	if err != nil {
		L.Close()
		return nil, errors.Wrapf(err, "run %s", path)
	}
	return L, nil
}

// importer runs a sibling file in the same state and returns its results.
// Each file runs at most once per state.
func importer(done map[string][]lua.LValue, active map[string]bool) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		cur := lua.LVAsString(L.GetGlobal(moduleGlobal))
		p := filepath.Clean(filepath.Join(filepath.Dir(cur), name))

		if rets, ok := done[p]; ok {
			for _, r := range rets {
				L.Push(r)
			}
			return len(rets)
		}
		if active[p] {
			L.RaiseError("import cycle through %s", name)
			return 0
		}
		src, err := os.ReadFile(p)
		if err != nil {
			L.RaiseError("import %s: %v", name, err)
			return 0
		}
		fn, err := L.LoadString(string(src))
		if err != nil {
			L.RaiseError("import %s: %v", name, err)
			return 0
		}

		active[p] = true
		L.SetGlobal(moduleGlobal, lua.LString(p))
		top := L.GetTop()
		L.Push(fn)
		L.Call(0, lua.MultRet)
		n := L.GetTop() - top
		L.SetGlobal(moduleGlobal, lua.LString(cur))
		delete(active, p)

		rets := make([]lua.LValue, n)
		for i := 0; i < n; i++ {
			rets[i] = L.Get(top + 1 + i)
		}
		done[p] = rets
		return n
	}
}

// classesOf returns the class tables defined by module path among the
// globals, sorted by class name. Bases and re-exported classes are skipped.
func classesOf(L *lua.LState, path string) []*lua.LTable {
	seen := map[*lua.LTable]bool{}
	var out []*lua.LTable
	L.G.Global.ForEach(func(_, v lua.LValue) {
		tbl, ok := v.(*lua.LTable)
		if !ok || seen[tbl] {
			return
		}
		if tbl.RawGetString("__class") != lua.LTrue || tbl.RawGetString("__base") == lua.LTrue {
			return
		}
		if lua.LVAsString(tbl.RawGetString("__module")) != path {
			return
		}
		seen[tbl] = true
		out = append(out, tbl)
	})
	sort.Slice(out, func(i, j int) bool {
		return lua.LVAsString(out[i].RawGetString("__name")) < lua.LVAsString(out[j].RawGetString("__name"))
	})
	return out
}

// findClass returns the class named name defined by path.
func findClass(L *lua.LState, path, name string) *lua.LTable {
	for _, c := range classesOf(L, path) {
		if lua.LVAsString(c.RawGetString("__name")) == name {
			return c
		}
	}
	return nil
}

func kindsField(L *lua.LState, cls *lua.LTable, field string) []item.Kind {
	list, ok := fromLValue(L.GetField(cls, field)).([]any)
	if !ok {
		return nil
	}
	out := make([]item.Kind, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, item.Kind(s))
		}
	}
	return out
}
