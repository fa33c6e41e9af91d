// Package kernelfacade implements the Kernel Facade (spec §4.10): the
// top-level subsystem that owns the Access-Control kernel (C8) and the
// Request/Response Correlator (C9), exposes sendProtected, and wires a
// set of kernel://-scheme introspection routes. Mirrors the teacher
// kernel.Kernel's role as the object every actor ultimately sends
// through, generalised from a flat actor registry to a named-subsystem
// registry with path-based addressing.
package kernelfacade

import (
	"sync"
	"time"

	"relaykernel/internal/access"
	"relaykernel/internal/correlate"
	"relaykernel/internal/errs"
	"relaykernel/internal/logger"
	"relaykernel/internal/message"
	"relaykernel/internal/queue"
	"relaykernel/internal/subsystem"
)

// Registration binds a subsystem to the scheme name used in message paths,
// along with the PKR of its identity principal.
type Registration struct {
	Scheme    string
	Subsystem *subsystem.Subsystem
	PKR       access.PKR
}

// SendOptions configures SendProtected (spec §4.10).
type SendOptions struct {
	IsResponse       bool
	ResponseRequired *ResponseRequirement
	QueueOptions     queue.Options
}

// ResponseRequirement asks the kernel to register a pending response
// before delivering the message.
type ResponseRequirement struct {
	ReplyTo string
	Timeout time.Duration
}

// SendResult is what SendProtected returns.
type SendResult struct {
	Result  any
	Pending *correlate.PendingResponse
}

// Kernel is the top-level facade: it owns Access Control and the
// Correlator and routes every protected send through both.
type Kernel struct {
	mu         sync.RWMutex
	subsystems map[string]*Registration // keyed by scheme
	access     *access.Kernel
	correlator *correlate.Correlator
	factory    *message.Factory
	log        *logger.Logger
	introspect *subsystem.Subsystem // synthetic subsystem hosting kernel:// routes
	errStore   *errs.Store          // bounded error store shared by every registered subsystem (spec §7)
}

// New returns an empty Kernel Facade. factory is used by the correlator to
// build synthetic timeout messages.
func New(factory *message.Factory, log *logger.Logger) *Kernel {
	k := &Kernel{
		subsystems: make(map[string]*Registration),
		access:     access.NewKernel(),
		factory:    factory,
		log:        log.Named("kernel"),
		errStore:   errs.NewStore(0),
	}
	k.correlator = correlate.New(factory, k.deliverSynthetic)
	k.registerIntrospectionRoutes()
	return k
}

// Access exposes the underlying access-control kernel, e.g. for bootstrap
// code creating friends/resources before the runtime starts.
func (k *Kernel) Access() *access.Kernel { return k.access }

// Correlator exposes the underlying correlator.
func (k *Kernel) Correlator() *correlate.Correlator { return k.correlator }

// ErrorStore exposes the shared bounded error store every registered
// subsystem's Build and Processor record into.
func (k *Kernel) ErrorStore() *errs.Store { return k.errStore }

// RegisterSubsystem wires a subsystem's identity into access control and
// makes it addressable under scheme.
func (k *Kernel) RegisterSubsystem(scheme string, sub *subsystem.Subsystem) (access.PKR, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.subsystems[scheme]; exists {
		return "", errs.Newf(errs.Validation, "scheme %q already registered", scheme)
	}

	sub.SetErrorStore(k.errStore)
	principal, _ := k.access.WireSubsystem(scheme, sub, nil)
	k.subsystems[scheme] = &Registration{Scheme: scheme, Subsystem: sub, PKR: principal.UUID}
	return principal.UUID, nil
}

func (k *Kernel) lookupScheme(scheme string) (*Registration, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	r, ok := k.subsystems[scheme]
	return r, ok
}

// deliverSynthetic re-submits a correlator-generated timeout message back
// through the kernel, bypassing auth since the kernel itself is the sender
// (spec §4.9 step 3).
func (k *Kernel) deliverSynthetic(msg *message.Message) {
	reg, ok := k.lookupScheme(msg.Scheme())
	if !ok {
		k.log.Error("cannot deliver synthetic timeout: unknown scheme", "path", msg.Path)
		return
	}
	if _, err := reg.Subsystem.Processor.Accept(msg, queue.Options{}); err != nil {
		k.log.Error("synthetic timeout delivery failed", "path", msg.Path, "error", err)
	}
}

// SendProtected is the kernel's primary operation (spec §4.10).
func (k *Kernel) SendProtected(caller access.PKR, msg *message.Message, opts SendOptions) (*SendResult, error) {
	if opts.IsResponse {
		res := k.correlator.HandleResponse(msg, "")
		if !res.OK {
			return nil, errs.Newf(errs.NotFound, "no pending response matches: %s", res.Reason)
		}
		reg, ok := k.lookupScheme(msgSchemeOf(res.Pending.ReplyTo))
		if !ok {
			return nil, errs.New(errs.NotFound, "unknown_subsystem")
		}
		result, err := reg.Subsystem.Processor.Accept(msg, opts.QueueOptions)
		if err != nil {
			return nil, err
		}
		return &SendResult{Result: result.Result}, nil
	}

	scheme := msg.Scheme()
	reg, ok := k.lookupScheme(scheme)
	if !ok {
		return nil, errs.Newf(errs.NotFound, "unknown_subsystem: %q", scheme)
	}

	if ch, isChannel := k.access.LookupChannel(reg.PKR, msg.Path); isChannel {
		if !ch.CanUse(caller) {
			return nil, errs.New(errs.Forbidden, "caller may not use this channel")
		}
	}

	var pending *correlate.PendingResponse
	if opts.ResponseRequired != nil {
		p, err := k.correlator.Register(caller, msg, correlate.RegisterOptions{
			ReplyTo: opts.ResponseRequired.ReplyTo,
			Timeout: opts.ResponseRequired.Timeout,
		})
		if err != nil {
			return nil, err
		}
		pending = p
	}

	ack, err := reg.Subsystem.Processor.Accept(msg, opts.QueueOptions)
	if err != nil {
		if pending != nil {
			k.correlator.Cancel(msg.ID)
		}
		return nil, err
	}

	return &SendResult{Result: ack.Result, Pending: pending}, nil
}

func msgSchemeOf(path string) string {
	m := &message.Message{Path: path}
	return m.Scheme()
}
