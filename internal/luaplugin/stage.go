package luaplugin

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/flarebyte/conduit/internal/errors"
	"github.com/flarebyte/conduit/internal/item"
	"github.com/flarebyte/conduit/internal/stage"
)

// class is a discovered plugin class, ready to be instantiated.
type class struct {
	path    string
	src     []byte
	name    string
	key     string
	role    stage.Role
	accepts []item.Kind
	emits   []item.Kind
	sandbox Sandbox
}

// instantiate re-executes the module in a state owned by the new instance
// and calls init(opts) when the class defines it.
func (c class) instantiate(opts stage.Options, deps stage.Deps) (stage.Stage, error) {
	L, err := execute(c.path, c.src, c.sandbox)
	if err != nil {
		return nil, err
	}
	cls := findClass(L, c.path, c.name)
	if cls == nil {
		L.Close()
		return nil, errors.Newf("class %s no longer defined by %s", c.name, c.path)
	}
	obj := L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", cls)
	L.SetMetatable(obj, meta)

	s := &Stage{
		class:   c,
		L:       L,
		obj:     obj,
		timeout: c.sandbox.Timeout,
		log:     deps.Log().With("stage", c.key),
	}
	if _, err := s.call(context.Background(), "init", toLValue(L, map[string]any(opts))); err != nil {
		L.Close()
		return nil, errors.Wrapf(err, "%s init", c.key)
	}
	return s, nil
}

// Stage runs one instance of a plugin class. It is not safe for concurrent
// use; each chain owns its own instance.
type Stage struct {
	class   class
	L       *lua.LState
	obj     *lua.LTable
	timeout time.Duration
	log     *zap.SugaredLogger
}

var (
	_ stage.Stage    = (*Stage)(nil)
	_ stage.Roled    = (*Stage)(nil)
	_ stage.Typed    = (*Stage)(nil)
	_ stage.Resource = (*Stage)(nil)
)

func (s *Stage) Role() stage.Role           { return s.class.role }
func (s *Stage) Accepts() []item.Kind       { return s.class.accepts }
func (s *Stage) Emits() []item.Kind         { return s.class.emits }
func (s *Stage) Open(context.Context) error { return nil }

// Close releases the Lua state.
func (s *Stage) Close(context.Context) error {
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
	return nil
}

func (s *Stage) Transform(ctx context.Context, in item.Stream) item.Stream {
	switch s.class.role {
	case stage.RoleOrigin:
		return stage.Originate(ctx, func(ctx context.Context, emit func(any) bool) error {
			items, err := s.callItems(ctx, "produce")
			if err != nil {
				return err
			}
			for _, it := range items {
				if !emit(it) {
					return nil
				}
			}
			return nil
		})
	case stage.RoleTerminal:
		drained := stage.Drain(ctx, in, func(ctx context.Context, v any) error {
			_, err := s.call(ctx, "handle", itemToTable(s.L, v))
			return err
		})
		return s.finishing(ctx, drained, false)
	default:
		mapped := stage.Map(ctx, in, func(ctx context.Context, v any) ([]any, error) {
			return s.callItems(ctx, "process", itemToTable(s.L, v))
		})
		return s.finishing(ctx, mapped, true)
	}
}

// finishing calls finish() once the upstream is drained without error and,
// for transforms, yields what it returns.
func (s *Stage) finishing(ctx context.Context, in item.Stream, emit bool) item.Stream {
	return func(yield func(any, error) bool) {
		for v, err := range in {
			if !yield(v, err) || err != nil {
				return
			}
		}
		items, err := s.callItems(ctx, "finish")
		if err != nil {
			yield(nil, err)
			return
		}
		if !emit {
			return
		}
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
	}
}

func (s *Stage) callItems(ctx context.Context, method string, args ...lua.LValue) ([]any, error) {
	ret, err := s.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	items, err := tableToItems(ret)
	if err != nil {
		return nil, errors.Wrapf(err, "%s:%s", s.class.key, method)
	}
	return items, nil
}

// call invokes obj:method(args...) and returns its first result. A method
// the class does not define returns nil.
func (s *Stage) call(ctx context.Context, method string, args ...lua.LValue) (lua.LValue, error) {
	if s.L == nil {
		return lua.LNil, errors.Newf("%s is closed", s.class.key)
	}
	fn := s.L.GetField(s.obj, method)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, nil
	}
	err := callWithTimeout(ctx, s.L, s.timeout, func() error {
		return s.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, append([]lua.LValue{s.obj}, args...)...)
	})
	if err != nil {
		return lua.LNil, errors.Wrapf(err, "%s:%s", s.class.key, method)
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)
	return ret, nil
}
