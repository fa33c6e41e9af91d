// Package subsystem implements the Subsystem lifecycle (spec §4.6):
// constructed -> building -> built -> paused|resumed -> disposed, with
// parent/child hierarchy and monotonic build (build may be re-entered,
// dispose is terminal). Mirrors the teacher kernel's own
// RegisterActor/SpawnChild/cleanupActor hierarchy, generalised from an
// actor tree to a facet-built subsystem tree.
package subsystem

import (
	"context"
	"sync"

	"relaykernel/internal/errs"
	"relaykernel/internal/facet"
	"relaykernel/internal/future"
	"relaykernel/internal/logger"
	"relaykernel/internal/processor"
	"relaykernel/internal/queue"
	"relaykernel/internal/router"
)

// State is one of the lifecycle states a Subsystem may occupy.
type State string

const (
	StateConstructed State = "constructed"
	StateBuilding     State = "building"
	StateBuilt        State = "built"
	StatePaused       State = "paused"
	StateDisposed     State = "disposed"
)

// Context is the context a child inherits from its parent (see SpawnChild).
// It carries only a config map; no message-system handle or build-graph
// cache is held in it.
type Context struct {
	Config map[string]any
}

// Subsystem is one node in the runtime's subsystem tree.
type Subsystem struct {
	Name   string
	Ctx    Context
	Router *router.Router
	Queue  *queue.Queue
	API    *facet.API

	Processor *processor.Processor

	mu        sync.Mutex
	state     State
	parent    *Subsystem
	children  []*Subsystem
	engine    *facet.Engine
	facets    []*facet.Facet
	buildOnce *future.Future[struct{}]
	log       *logger.Logger
	errStore  *errs.Store // optional; set via SetErrorStore, nil means don't record
}

// New constructs an unbuilt Subsystem named name with the given queue
// capacity and synchronous capability.
func New(name string, queueCapacity int, synchronous bool, log *logger.Logger) *Subsystem {
	r := router.New()
	q := queue.New(queueCapacity)
	s := &Subsystem{
		Name:   name,
		Router: r,
		Queue:  q,
		API:    facet.NewAPI(),
		state:  StateConstructed,
		engine: facet.NewEngine(),
		log:    log.Named(name),
	}
	s.Processor = processor.New(name, r, q, synchronous, log)
	return s
}

// Declare adds a hook to this subsystem's facet engine; see facet.Hook.
func (s *Subsystem) Declare(h facet.Hook) error {
	return s.engine.Declare(h)
}

// SetErrorStore wires a bounded error store that Build records build_error
// failures to, and propagates it to this subsystem's own Processor so
// handler_error failures land in the same store (spec §7).
func (s *Subsystem) SetErrorStore(store *errs.Store) {
	s.mu.Lock()
	s.errStore = store
	s.mu.Unlock()
	s.Processor.SetStore(store)
}

// SpawnChild creates a child Subsystem; the child's context is a copy of
// the parent's at the time of the call (spec §4.6: "Children inherit the
// parent's context... at build time").
func (s *Subsystem) SpawnChild(name string, queueCapacity int, synchronous bool) *Subsystem {
	child := New(name, queueCapacity, synchronous, s.log)
	child.parent = s
	child.Ctx.Config = make(map[string]any, len(s.Ctx.Config))
	for k, v := range s.Ctx.Config {
		child.Ctx.Config[k] = v
	}

	s.mu.Lock()
	s.children = append(s.children, child)
	s.mu.Unlock()
	return child
}

// Parent returns this subsystem's parent, or nil at the root.
func (s *Subsystem) Parent() *Subsystem { return s.parent }

// IsRoot reports whether this subsystem has no parent.
func (s *Subsystem) IsRoot() bool { return s.parent == nil }

// Root walks up the parent chain to the tree root.
func (s *Subsystem) Root() *Subsystem {
	cur := s
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// Children returns a snapshot of this subsystem's children.
func (s *Subsystem) Children() []*Subsystem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subsystem, len(s.children))
	copy(out, s.children)
	return out
}

// State returns the subsystem's current lifecycle state.
func (s *Subsystem) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Find returns the built facet of the given kind, or nil if none was built.
// When Overwrite declarations produced more than one facet of the same
// kind, the one with the highest OrderIndex — the last one built — wins
// (spec §3's find(kind); spec §8's build-atomicity property).
func (s *Subsystem) Find(kind string) *facet.Facet {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *facet.Facet
	for _, f := range s.facets {
		if f.Kind != kind {
			continue
		}
		if found == nil || f.OrderIndex > found.OrderIndex {
			found = f
		}
	}
	return found
}

// Build runs the facet build engine. Concurrent calls share the same
// pending future; a subsequent call after a successful build is a no-op
// that returns immediately (build is monotonic, never re-entrant once
// built).
func (s *Subsystem) Build(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateBuilt, StatePaused:
		s.mu.Unlock()
		return nil
	case StateDisposed:
		s.mu.Unlock()
		return errs.New(errs.Internal, "cannot build a disposed subsystem")
	case StateBuilding:
		pending := s.buildOnce
		s.mu.Unlock()
		_, err := pending.Await()
		return err
	}
	s.state = StateBuilding
	s.buildOnce = future.New(func() (struct{}, error) {
		res, err := s.engine.Build(ctx, s.API)
		if err != nil {
			return struct{}{}, err
		}
		s.facets = res.Facets
		return struct{}{}, nil
	})
	pending := s.buildOnce
	s.mu.Unlock()

	_, err := pending.Await()

	s.mu.Lock()
	if err != nil {
		s.state = StateConstructed
		if s.errStore != nil {
			s.errStore.Record(errs.KindOf(err), errs.SeverityError, s.Name, err.Error(), err)
		}
	} else {
		s.state = StateBuilt
	}
	s.mu.Unlock()
	return err
}

// Pause moves a built subsystem to the paused state. Only the state
// changes: neither the Processor nor the scheduler consults it, so accepted
// messages are still dispatched while paused.
func (s *Subsystem) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBuilt {
		return errs.Newf(errs.Validation, "cannot pause subsystem in state %q", s.state)
	}
	s.state = StatePaused
	return nil
}

// Resume reverses Pause.
func (s *Subsystem) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return errs.Newf(errs.Validation, "cannot resume subsystem in state %q", s.state)
	}
	s.state = StateBuilt
	return nil
}

// Dispose tears down children (reverse registration order), then facets
// (reverse orderIndex), then clears local state. Idempotent and terminal.
func (s *Subsystem) Dispose() error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil
	}
	children := make([]*Subsystem, len(s.children))
	copy(children, s.children)
	facets := make([]*facet.Facet, len(s.facets))
	copy(facets, s.facets)
	s.state = StateDisposed
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		if err := children[i].Dispose(); err != nil {
			s.log.Error("child dispose failed", "child", children[i].Name, "error", err)
		}
	}

	for i := len(facets) - 1; i >= 0; i-- {
		if err := facets[i].Dispose(); err != nil {
			s.log.Error("facet dispose failed", "kind", facets[i].Kind, "error", err)
		}
	}

	s.mu.Lock()
	s.children = nil
	s.facets = nil
	s.mu.Unlock()
	return nil
}
