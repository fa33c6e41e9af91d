// Package scheduler implements the Global Scheduler (spec §4.7): a
// cooperative loop that picks one registered subsystem per turn via a
// pluggable Strategy and lets it make forward progress for a bounded time
// slice. The pluggable Strategy/Stop split mirrors the dispatcher
// pattern retrieved from the wider corpus (a Strategy interface handed to
// a single driving loop, rather than baking the policy into the loop
// itself).
package scheduler

import (
	"sync"
	"time"

	"relaykernel/internal/logger"
)

// Schedulable is the subsystem-side contract the scheduler drives: make
// forward progress for up to slice, or until the queue empties.
type Schedulable interface {
	Name() string
	Process(slice time.Duration) error
	QueueSize() int
	Priority() int
}

// Strategy selects the next subsystem to run from the registered set.
type Strategy interface {
	Select(subsystems []Schedulable) Schedulable
}

// RoundRobin cycles through the registered list, keeping its own cursor.
type RoundRobin struct {
	cursor int
}

func (s *RoundRobin) Select(subsystems []Schedulable) Schedulable {
	if len(subsystems) == 0 {
		return nil
	}
	s.cursor = s.cursor % len(subsystems)
	pick := subsystems[s.cursor]
	s.cursor++
	return pick
}

// Priority picks the subsystem with the highest declared Priority().
type Priority struct{}

func (Priority) Select(subsystems []Schedulable) Schedulable {
	return pickBy(subsystems, func(s Schedulable) int { return s.Priority() })
}

// LoadBased picks the subsystem with the largest queue.
type LoadBased struct{}

func (LoadBased) Select(subsystems []Schedulable) Schedulable {
	return pickBy(subsystems, func(s Schedulable) int { return s.QueueSize() })
}

func pickBy(subsystems []Schedulable, score func(Schedulable) int) Schedulable {
	if len(subsystems) == 0 {
		return nil
	}
	best := subsystems[0]
	bestScore := score(best)
	for _, s := range subsystems[1:] {
		if sc := score(s); sc > bestScore {
			best, bestScore = s, sc
		}
	}
	return best
}

// Adaptive switches strategy based on the utilisation its function reports:
// >0.8 -> load-based, <0.3 -> round-robin, else priority (spec §4.7).
type Adaptive struct {
	roundRobin RoundRobin
	loadBased  LoadBased
	priority   Priority

	utilisation func() float64
}

// NewAdaptive returns an Adaptive strategy that reads current utilisation
// via utilisationFn (e.g. the scheduler's own Utilisation).
func NewAdaptive(utilisationFn func() float64) *Adaptive {
	return &Adaptive{utilisation: utilisationFn}
}

func (a *Adaptive) Select(subsystems []Schedulable) Schedulable {
	u := a.utilisation()
	switch {
	case u > 0.8:
		return a.loadBased.Select(subsystems)
	case u < 0.3:
		return a.roundRobin.Select(subsystems)
	default:
		return a.priority.Select(subsystems)
	}
}

// Options configures a Scheduler.
type Options struct {
	Strategy      Strategy
	Slice         time.Duration // time budget handed to a subsystem's Process call
	Tick          time.Duration // idle sleep when no subsystems are registered
}

// Scheduler runs the cooperative dispatch loop over registered subsystems.
type Scheduler struct {
	mu          sync.Mutex
	subsystems  []Schedulable
	strategy    Strategy
	slice       time.Duration
	tick        time.Duration
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	log         *logger.Logger

	turnsMu sync.Mutex
	turns   uint64
	busy    uint64 // turns where the subsystem reported a non-empty queue at pick time
}

// New returns a Scheduler configured with opts; a nil Strategy defaults to
// RoundRobin, a zero Slice defaults to 10ms, a zero Tick defaults to 5ms.
func New(opts Options, log *logger.Logger) *Scheduler {
	if opts.Strategy == nil {
		opts.Strategy = &RoundRobin{}
	}
	if opts.Slice <= 0 {
		opts.Slice = 10 * time.Millisecond
	}
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Millisecond
	}
	return &Scheduler{
		strategy: opts.Strategy,
		slice:    opts.Slice,
		tick:     opts.Tick,
		log:      log.Named("scheduler"),
	}
}

// Register adds a subsystem to the scheduled set.
func (s *Scheduler) Register(sub Schedulable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subsystems = append(s.subsystems, sub)
}

// Unregister removes a subsystem by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subsystems {
		if sub.Name() == name {
			s.subsystems = append(s.subsystems[:i], s.subsystems[i+1:]...)
			return
		}
	}
}

// Utilisation returns the fraction of all turns since the scheduler was
// created where the picked subsystem had queued work, used by Adaptive.
func (s *Scheduler) Utilisation() float64 {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()
	if s.turns == 0 {
		return 0
	}
	return float64(s.busy) / float64(s.turns)
}

// Start launches the cooperative loop on its own goroutine and returns; the
// loop runs until Stop is called. Loop body per spec
// §4.7: pick a subsystem, run it for up to slice, update stats, yield.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop()
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		subs := make([]Schedulable, len(s.subsystems))
		copy(subs, s.subsystems)
		s.mu.Unlock()

		if len(subs) == 0 {
			time.Sleep(s.tick)
			continue
		}

		pick := s.strategy.Select(subs)
		if pick == nil {
			time.Sleep(s.tick)
			continue
		}

		s.turnsMu.Lock()
		s.turns++
		if pick.QueueSize() > 0 {
			s.busy++
		}
		s.turnsMu.Unlock()

		if err := pick.Process(s.slice); err != nil {
			s.log.Error("subsystem process error", "subsystem", pick.Name(), "error", err)
		}
	}
}

// Stop causes the loop to exit after the current slice; in-flight handler
// invocations are never interrupted (spec §4.7).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}
