package luaplugin

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/flarebyte/conduit/internal/errors"
)

const (
	defaultTimeout          = 5 * time.Second
	defaultMemoryLimitBytes = 8 << 20
)

// Sandbox bounds what plugin code may do. Zero values select the defaults.
type Sandbox struct {
	// Timeout bounds a single call into plugin code (init, process, ...).
	Timeout time.Duration
	// MemoryLimitBytes caps the Lua registry, best effort.
	MemoryLimitBytes int
}

func (s Sandbox) withDefaults() Sandbox {
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.MemoryLimitBytes <= 0 {
		s.MemoryLimitBytes = defaultMemoryLimitBytes
	}
	return s
}

var (
	errSandboxTimeout = errors.New("sandbox timeout")
	errSandboxMemory  = errors.New("sandbox memory limit")
)

// newState opens a state with the base, table, string and math libraries
// only. Filesystem loaders are removed; plugins share code through import.
func newState(seedKey string, cfg Sandbox) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		RegistrySize:     256,
		RegistryMaxSize:  registryMaxFromMemory(cfg.MemoryLimitBytes),
		RegistryGrowStep: 32,
	})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	installDeterministicRandom(L, deterministicSeed(seedKey))
	return L
}

func registryMaxFromMemory(memoryLimitBytes int) int {
	n := memoryLimitBytes / 64
	if n < 4096 {
		n = 4096
	}
	if n > 1<<20 {
		n = 1 << 20
	}
	return n
}

func deterministicSeed(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func installDeterministicRandom(L *lua.LState, seed int64) {
	mathTbl, ok := L.GetGlobal("math").(*lua.LTable)
	if !ok {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	mathTbl.RawSetString("random", L.NewFunction(func(L *lua.LState) int {
		switch L.GetTop() {
		case 0:
			L.Push(lua.LNumber(rng.Float64()))
			return 1
		case 1:
			upper := L.CheckInt(1)
			if upper < 1 {
				L.ArgError(1, "interval is empty")
				return 0
			}
			L.Push(lua.LNumber(rng.Intn(upper) + 1))
			return 1
		default:
			lower := L.CheckInt(1)
			upper := L.CheckInt(2)
			if upper < lower {
				L.ArgError(2, "interval is empty")
				return 0
			}
			L.Push(lua.LNumber(rng.Intn(upper-lower+1) + lower))
			return 1
		}
	}))
	mathTbl.RawSetString("randomseed", L.NewFunction(func(L *lua.LState) int {
		return 0
	}))
}

// callWithTimeout runs f with ctx bounded by timeout installed on L.
func callWithTimeout(ctx context.Context, L *lua.LState, timeout time.Duration, f func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	L.SetContext(ctx)
	defer L.RemoveContext()

	err := f()
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.Wrapf(errSandboxTimeout, "%v", err)
	case ctx.Err() != nil:
		return errors.Wrap(ctx.Err(), "plugin call interrupted")
	case strings.Contains(strings.ToLower(err.Error()), "registry overflow"):
		return errors.Wrapf(errSandboxMemory, "%v", err)
	}
	return err
}
