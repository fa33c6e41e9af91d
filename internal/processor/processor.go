// Package processor implements the Processor/Dispatcher contract (spec
// §4.4): accept, processMessage, processImmediately, processTick, plus the
// statistics and listener notifications the scheduler and kernel facade
// both observe.
package processor

import (
	"time"

	"relaykernel/internal/errs"
	"relaykernel/internal/logger"
	"relaykernel/internal/message"
	"relaykernel/internal/queue"
	"relaykernel/internal/router"
)

// Listener receives synchronous notifications around message handling, in
// the order accepted -> handler -> (processed | error).
type Listener interface {
	OnMessageAccepted(msg *message.Message)
	OnMessageProcessed(msg *message.Message, result any, elapsed time.Duration)
	OnError(msg *message.Message, err error)
}

// Stats holds the running counters spec §4.4 requires.
type Stats struct {
	Accepted       uint64
	Processed      uint64
	Errors         uint64
	QueueFullCount uint64
	AvgProcessMs   float64 // EWMA
}

const ewmaAlpha = 0.2

// Acknowledgement is returned by Accept, including the queue's post-state
// when the message was enqueued rather than processed immediately.
type Acknowledgement struct {
	ProcessedImmediately bool
	Result               any
	QueueSize            int
	QueueCapacity        int
}

// Processor drives one subsystem's router against its queue.
type Processor struct {
	name          string
	router        *router.Router
	queue         *queue.Queue
	synchronous   bool // subsystem has the synchronous capability
	listeners     []Listener
	log           *logger.Logger
	store         *errs.Store // optional; set via SetStore, nil means don't record

	stats Stats
}

// New returns a Processor bound to r and q for a subsystem named name.
// synchronous mirrors the subsystem's own "synchronous capability" flag
// from spec §4.4: when true, Accept always calls ProcessImmediately.
func New(name string, r *router.Router, q *queue.Queue, synchronous bool, log *logger.Logger) *Processor {
	return &Processor{name: name, router: r, queue: q, synchronous: synchronous, log: log.Named("processor")}
}

// AddListener registers a Listener for accepted/processed/error notifications.
func (p *Processor) AddListener(l Listener) {
	p.listeners = append(p.listeners, l)
}

// SetStore wires a bounded error store that recordError appends handler and
// routing failures to (spec §7: "caught by the processor, recorded in
// statistics and the bounded error store"). Nil disables recording.
func (p *Processor) SetStore(store *errs.Store) {
	p.store = store
}

func (p *Processor) notifyAccepted(msg *message.Message) {
	for _, l := range p.listeners {
		l.OnMessageAccepted(msg)
	}
}

func (p *Processor) notifyProcessed(msg *message.Message, result any, elapsed time.Duration) {
	for _, l := range p.listeners {
		l.OnMessageProcessed(msg, result, elapsed)
	}
}

func (p *Processor) notifyError(msg *message.Message, err error) {
	for _, l := range p.listeners {
		l.OnError(msg, err)
	}
}

// Accept routes msg either into ProcessImmediately (synchronous capability
// or meta.processImmediately) or onto the queue.
func (p *Processor) Accept(msg *message.Message, opts queue.Options) (Acknowledgement, error) {
	p.stats.Accepted++
	p.notifyAccepted(msg)

	wantsImmediate := opts.ProcessImmediately
	if v, ok := msg.Meta.Mutable.Get("processImmediately"); ok {
		if b, ok := v.(bool); ok {
			wantsImmediate = wantsImmediate || b
		}
	}

	if p.synchronous || wantsImmediate {
		result, err := p.ProcessImmediately(msg, opts)
		return Acknowledgement{ProcessedImmediately: true, Result: result}, err
	}

	if err := p.queue.Enqueue(queue.Pair{Message: msg, Options: opts}); err != nil {
		p.stats.QueueFullCount++
		return Acknowledgement{}, err
	}
	return Acknowledgement{
		ProcessedImmediately: false,
		QueueSize:            p.queue.Size(),
		QueueCapacity:        p.queue.Capacity(),
	}, nil
}

// dispatch looks up msg's route and runs its handler, updating stats and
// firing the processed/error notification.
func (p *Processor) dispatch(msg *message.Message) (any, error) {
	start := time.Now()

	match, err := p.router.Match(msg.Path)
	if err != nil {
		p.recordError(msg, err, start)
		return nil, err
	}

	result, handlerErr := p.runHandler(match, msg)
	elapsed := time.Since(start)
	if handlerErr != nil {
		wrapped := errs.Wrap(errs.HandlerError, handlerErr, "handler returned an error")
		p.recordError(msg, wrapped, start)
		return nil, wrapped
	}

	p.stats.Processed++
	p.updateAvg(elapsed)
	p.notifyProcessed(msg, result, elapsed)
	return result, nil
}

// runHandler invokes the matched route's handler, recovering a panic into a
// HandlerError the same way the processor treats a returned error (spec
// §4.2: "thrown errors propagate with the original stack").
func (p *Processor) runHandler(match *router.Match, msg *message.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.HandlerError, "handler panicked: %v", r)
		}
	}()
	return match.Route.Handler(match.Params, msg.Body)
}

func (p *Processor) recordError(msg *message.Message, err error, start time.Time) {
	p.stats.Errors++
	p.updateAvg(time.Since(start))
	p.log.Error("message processing failed", "path", msg.Path, "error", err)
	if p.store != nil {
		p.store.Record(errs.KindOf(err), errs.SeverityError, p.name, err.Error(), err)
	}
	p.notifyError(msg, err)
}

func (p *Processor) updateAvg(elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000.0
	if p.stats.Processed+p.stats.Errors <= 1 {
		p.stats.AvgProcessMs = ms
		return
	}
	p.stats.AvgProcessMs = ewmaAlpha*ms + (1-ewmaAlpha)*p.stats.AvgProcessMs
}

// ProcessImmediately runs the routing-to-handler pipeline synchronously,
// bypassing the queue and scheduler entirely.
func (p *Processor) ProcessImmediately(msg *message.Message, opts queue.Options) (any, error) {
	return p.dispatch(msg)
}

// ProcessMessage runs a single already-dequeued pair through the pipeline.
func (p *Processor) ProcessMessage(pair queue.Pair) (any, error) {
	return p.dispatch(pair.Message)
}

// ProcessTick dequeues and runs one message; returns (nil, nil, false) if
// the queue is empty.
func (p *Processor) ProcessTick() (any, error, bool) {
	pair, ok := p.queue.SelectNextMessage()
	if !ok {
		return nil, nil, false
	}
	result, err := p.ProcessMessage(pair)
	return result, err, true
}

// Snapshot returns a copy of the current statistics.
func (p *Processor) Snapshot() Stats {
	return p.stats
}
