// Package facet implements the Hook/Facet build engine (spec §4.5): a
// subsystem is configured by declaring hooks, each producing a Facet of a
// named kind. Build resolves the declared dependency graph into levels and
// constructs each level's hooks concurrently via errgroup, the same
// fan-out-with-shared-context idiom used for concurrent fetches elsewhere
// in the retrieved corpus.
package facet

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"golang.org/x/sync/errgroup"

	"relaykernel/internal/errs"
)

// Facet is the product of a Hook's construction function.
type Facet struct {
	Kind       string
	OrderIndex int
	Object     any
	disposer   func() error
}

// Dispose runs the facet's disposer, if any.
func (f *Facet) Dispose() error {
	if f.disposer == nil {
		return nil
	}
	return f.disposer()
}

// Initer is implemented by facet objects with a post-construction init
// step; Build calls Init in registration order after all levels complete.
type Initer interface {
	Init(ctx context.Context) error
}

// BuildFn constructs a Facet for a subsystem under construction. api is the
// subsystem's attach surface (see Attach); ctx carries the build-scoped
// context.
type BuildFn func(ctx context.Context, api *API) (*Facet, error)

// Hook is one declared facet descriptor (spec §4.5).
type Hook struct {
	Kind      string
	Requires  []string
	Overwrite bool
	Attach    bool
	Contract  reflect.Type // optional interface type the produced Object must satisfy
	Fn        BuildFn

	declOrder int
}

// API is the attach surface exposed to hook functions and to the built
// subsystem; attach(name, obj) mirrors the teacher's subsystem.<kind>
// convenience accessors.
type API struct {
	attached map[string]any
}

// NewAPI returns an empty attach surface.
func NewAPI() *API { return &API{attached: make(map[string]any)} }

// Attach exposes obj under name iff no property with that name already
// exists (spec §4.5 step 5).
func (a *API) Attach(name string, obj any) {
	if _, exists := a.attached[name]; exists {
		return
	}
	a.attached[name] = obj
}

// Get retrieves a previously-attached object by name.
func (a *API) Get(name string) (any, bool) {
	v, ok := a.attached[name]
	return v, ok
}

// Engine resolves declared hooks into built Facets.
type Engine struct {
	hooks   []*Hook
	byKind  map[string][]*Hook // all hooks declared for a kind, in declaration order
}

// NewEngine returns an empty build engine.
func NewEngine() *Engine {
	return &Engine{byKind: make(map[string][]*Hook)}
}

// Declare registers a hook. Declaration order is preserved and used both
// for within-level build order and for OrderIndex assignment.
func (e *Engine) Declare(h Hook) error {
	existing := e.byKind[h.Kind]
	if len(existing) > 0 && !h.Overwrite {
		return errs.Newf(errs.Validation, "facet kind %q already declared; set Overwrite to replace it", h.Kind)
	}
	h.declOrder = len(e.hooks)
	hp := &h
	e.hooks = append(e.hooks, hp)
	e.byKind[h.Kind] = append(e.byKind[h.Kind], hp)
	return nil
}

// levels computes the dependency graph over kind names and topologically
// sorts declared hooks into levels with no intra-level dependency edges.
func (e *Engine) levels() ([][]*Hook, error) {
	depth := make(map[string]int, len(e.hooks))

	var resolve func(kind string, chain []string) (int, error)
	resolve = func(kind string, chain []string) (int, error) {
		if d, ok := depth[kind]; ok {
			return d, nil
		}
		for _, c := range chain {
			if c == kind {
				return 0, errs.Newf(errs.BuildError, "dependency cycle detected at facet kind %q", kind)
			}
		}
		hooks, ok := e.byKind[kind]
		if !ok || len(hooks) == 0 {
			return 0, errs.Newf(errs.BuildError, "no hook produces required facet kind %q", kind)
		}
		// Use the latest (overwrite-wins) declaration's requirements.
		h := hooks[len(hooks)-1]
		maxDep := -1
		for _, req := range h.Requires {
			d, err := resolve(req, append(chain, kind))
			if err != nil {
				return 0, err
			}
			if d > maxDep {
				maxDep = d
			}
		}
		depth[kind] = maxDep + 1
		return depth[kind], nil
	}

	for kind := range e.byKind {
		if _, err := resolve(kind, nil); err != nil {
			return nil, err
		}
	}

	maxLevel := -1
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}
	levels := make([][]*Hook, maxLevel+1)
	for _, h := range e.hooks {
		d := depth[h.Kind]
		levels[d] = append(levels[d], h)
	}
	for _, lvl := range levels {
		sort.SliceStable(lvl, func(i, j int) bool { return lvl[i].declOrder < lvl[j].declOrder })
	}
	return levels, nil
}

// BuildResult is the product of a successful (or rolled-back) Build call.
type BuildResult struct {
	Facets []*Facet
	API    *API
}

// Build runs the full build phase described in spec §4.5: level resolution,
// concurrent per-level construction, contract checking, attach, and
// ordered init with rollback-on-failure.
func (e *Engine) Build(ctx context.Context, api *API) (*BuildResult, error) {
	levels, err := e.levels()
	if err != nil {
		return nil, err
	}

	var built []*Facet
	rollback := func() {
		for i := len(built) - 1; i >= 0; i-- {
			_ = built[i].Dispose()
		}
	}

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		results := make([]*Facet, len(level))
		for i, h := range level {
			i, h := i, h
			g.Go(func() error {
				f, err := h.Fn(gctx, api)
				if err != nil {
					return errs.Wrap(errs.BuildError, err, fmt.Sprintf("building facet %q", h.Kind))
				}
				if h.Contract != nil && f.Object != nil {
					if !reflect.TypeOf(f.Object).Implements(h.Contract) {
						return errs.Newf(errs.BuildError, "facet %q does not satisfy contract %s", h.Kind, h.Contract)
					}
				}
				f.Kind = h.Kind
				f.OrderIndex = h.declOrder
				results[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			rollback()
			return nil, err
		}
		for i, h := range level {
			f := results[i]
			if h.Attach {
				api.Attach(attachName(h.Kind), f.Object)
			}
			built = append(built, f)
		}
	}

	sort.SliceStable(built, func(i, j int) bool { return built[i].OrderIndex < built[j].OrderIndex })

	for _, f := range built {
		if initer, ok := f.Object.(Initer); ok {
			if err := initer.Init(ctx); err != nil {
				rollback()
				return nil, errs.Wrap(errs.BuildError, err, fmt.Sprintf("init failed for facet %q", f.Kind))
			}
		}
	}

	return &BuildResult{Facets: built, API: api}, nil
}

// attachName lowercases the first rune of kind, mirroring the
// subsystem.<camelCaseKind> naming the spec describes for attach targets.
func attachName(kind string) string {
	if kind == "" {
		return kind
	}
	r := []rune(kind)
	if r[0] >= 'A' && r[0] <= 'Z' {
		r[0] = r[0] + ('a' - 'A')
	}
	return string(r)
}
