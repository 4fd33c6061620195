package luaplugin

import (
	"encoding/json"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
)

// toLValue converts a Go value to a Lua value.
func toLValue(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(string(x))
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(float64(x))
	case int32:
		return lua.LNumber(float64(x))
	case int64:
		return lua.LNumber(float64(x))
	case float32:
		return lua.LNumber(float64(x))
	case float64:
		return lua.LNumber(x)
	case json.Number:
		f, _ := x.Float64()
		return lua.LNumber(f)
	case time.Time:
		return lua.LString(x.UTC().Format(time.RFC3339Nano))
	case *item.Content:
		tbl := L.NewTable()
		for k, v2 := range x.All() {
			tbl.RawSetString(k, toLValue(L, v2))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, v2 := range x {
			tbl.RawSetString(k, toLValue(L, v2))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, v2 := range x {
			tbl.RawSetInt(i+1, lua.LString(v2))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, v2 := range x {
			tbl.RawSetInt(i+1, toLValue(L, v2))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// fromLValue converts a Lua value to plain Go values. Tables with keys
// 1..n become slices, other tables maps.
func fromLValue(v lua.LValue) any {
	switch v.Type() {
	case lua.LTNil:
		return nil
	case lua.LTBool:
		return lua.LVAsBool(v)
	case lua.LTNumber:
		return float64(v.(lua.LNumber))
	case lua.LTString:
		return v.String()
	case lua.LTTable:
		t := v.(*lua.LTable)
		arr := []any{}
		isArray := true
		t.ForEach(func(k, val lua.LValue) {
			if !isArray {
				return
			}
			if lk, ok := k.(lua.LNumber); ok && int(lk) == len(arr)+1 {
				arr = append(arr, fromLValue(val))
			} else {
				isArray = false
			}
		})
		if isArray {
			return arr
		}
		obj := map[string]any{}
		t.ForEach(func(k, val lua.LValue) {
			obj[k.String()] = fromLValue(val)
		})
		return obj
	default:
		return nil
	}
}

// itemToTable exposes a stream value to plugin code. Pointer items are
// exposed as their values.
func itemToTable(L *lua.LState, v any) lua.LValue {
	switch p := v.(type) {
	case *item.ParsedItem:
		if p != nil {
			v = *p
		}
	case *item.RawItem:
		if p != nil {
			v = *p
		}
	}
	tbl := L.NewTable()
	switch x := v.(type) {
	case item.ParsedItem:
		tbl.RawSetString("kind", lua.LString(item.KindParsed))
		tbl.RawSetString("topic", lua.LString(x.Topic))
		tbl.RawSetString("content", toLValue(L, x.Content))
		tbl.RawSetString("fields", toLValue(L, x.Content.Keys()))
		tbl.RawSetString("discovered_at", toLValue(L, x.DiscoveredAt))
	case item.RawItem:
		tbl.RawSetString("kind", lua.LString(item.KindRaw))
		tbl.RawSetString("source", lua.LString(x.Source))
		tbl.RawSetString("payload", lua.LString(string(x.Payload)))
		tbl.RawSetString("fetched_at", toLValue(L, x.FetchedAt))
	case item.Seed:
		tbl.RawSetString("kind", lua.LString(item.KindSeed))
	default:
		tbl.RawSetString("kind", lua.LString(item.KindAny))
		tbl.RawSetString("value", toLValue(L, v))
	}
	return tbl
}

// tableToItem converts a table returned by plugin code back to an item.
// Parsed items keep the field order listed in "fields" when present.
func tableToItem(v lua.LValue) (any, error) {
	m, ok := fromLValue(v).(map[string]any)
	if !ok {
		return nil, errors.Newf("plugin returned %s, want an item table", v.Type())
	}
	kind, _ := m["kind"].(string)
	if kind == "" {
		switch {
		case m["topic"] != nil:
			kind = string(item.KindParsed)
		case m["source"] != nil:
			kind = string(item.KindRaw)
		}
	}
	switch item.Kind(kind) {
	case item.KindParsed:
		topic, _ := m["topic"].(string)
		if topic == "" {
			return nil, errors.New("parsed item without topic")
		}
		return item.ParsedItem{
			Topic:        topic,
			Content:      orderedContent(m["content"], m["fields"]),
			DiscoveredAt: parseTime(m["discovered_at"]),
		}, nil
	case item.KindRaw:
		source, _ := m["source"].(string)
		payload, _ := m["payload"].(string)
		return item.RawItem{
			Source:    source,
			Payload:   []byte(payload),
			FetchedAt: parseTime(m["fetched_at"]),
		}, nil
	case item.KindSeed:
		return item.Seed{}, nil
	case item.KindAny:
		return m["value"], nil
	default:
		return nil, errors.Newf("unknown item kind %q", kind)
	}
}

func orderedContent(raw any, fields any) *item.Content {
	m, _ := raw.(map[string]any)
	c := item.NewContent()
	used := map[string]bool{}
	if list, ok := fields.([]any); ok {
		for _, f := range list {
			name, _ := f.(string)
			if v, ok := m[name]; ok && !used[name] {
				c.Set(name, v)
				used[name] = true
			}
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !used[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		c.Set(k, m[k])
	}
	return c
}

func parseTime(v any) time.Time {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// tableToItems accepts nil, a single item table or a list of item tables.
func tableToItems(v lua.LValue) ([]any, error) {
	if v == lua.LNil {
		return nil, nil
	}
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return nil, errors.Newf("plugin returned %s, want a list of items", v.Type())
	}
	if tbl.RawGetString("kind") != lua.LNil || tbl.RawGetString("topic") != lua.LNil || tbl.RawGetString("source") != lua.LNil {
		it, err := tableToItem(tbl)
		if err != nil {
			return nil, err
		}
		return []any{it}, nil
	}
	out := make([]any, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		it, err := tableToItem(tbl.RawGetInt(i))
		if err != nil {
			return nil, errors.Wrapf(err, "item %d", i)
		}
		out = append(out, it)
	}
	return out, nil
}
