// Package correlate implements the Request/Response Correlator (spec §4.9):
// pending responses indexed by correlationId, resolved by a matching
// response or a timeout that synthesizes an error message. The single-shot
// resolve-once guarantee reuses the teacher's future.Future, whose
// sync.Once already gives "first writer wins" semantics for free.
package correlate

import (
	"sync"
	"time"

	"relaykernel/internal/errs"
	"relaykernel/internal/future"
	"relaykernel/internal/message"
)

// Outcome is what a PendingResponse settles to: either a real response
// message or a synthetic timeout.
type Outcome struct {
	Response *message.Message
	TimedOut bool
}

// PendingResponse is one registered, not-yet-resolved await.
type PendingResponse struct {
	CorrelationID string
	OwnerPKR      string
	ReplyTo       string
	CreatedAt     time.Time
	Timeout       time.Duration // registered timeout, 0 if none; echoed in milliseconds in the synthetic timeout body

	mu       sync.Mutex
	resolved bool
	timedOut bool
	timer    *time.Timer
	future   *future.Future[Outcome]
	complete func(Outcome)
}

// Resolved reports whether this entry has already settled.
func (p *PendingResponse) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// Await blocks until the pending response resolves, via a real response or
// the registered timeout.
func (p *PendingResponse) Await() (Outcome, error) {
	return p.future.Await()
}

// RegisterOptions configures Correlator.Register.
type RegisterOptions struct {
	ReplyTo string
	Timeout time.Duration // 0 disables the timeout timer
}

// TimeoutEmitter builds and re-submits the synthetic timeout message back
// through the kernel, bypassing further auth since the kernel is the
// sender (spec §4.9).
type TimeoutEmitter func(msg *message.Message)

// Correlator tracks pending responses by correlationId (the originating
// message's id).
type Correlator struct {
	mu      sync.Mutex
	entries map[string]*PendingResponse
	factory *message.Factory
	emit    TimeoutEmitter
}

// New returns a Correlator that uses factory to build synthetic timeout
// messages and emit to deliver them back through the kernel.
func New(factory *message.Factory, emit TimeoutEmitter) *Correlator {
	return &Correlator{entries: make(map[string]*PendingResponse), factory: factory, emit: emit}
}

// Register stores a PendingResponse indexed by msg.ID, starting a timeout
// timer when opts.Timeout > 0.
func (c *Correlator) Register(ownerPKR string, msg *message.Message, opts RegisterOptions) (*PendingResponse, error) {
	c.mu.Lock()
	if _, exists := c.entries[msg.ID]; exists {
		c.mu.Unlock()
		return nil, errs.Newf(errs.Validation, "correlationId %q already registered", msg.ID)
	}

	p := &PendingResponse{
		CorrelationID: msg.ID,
		OwnerPKR:      ownerPKR,
		ReplyTo:       opts.ReplyTo,
		CreatedAt:     time.Now(),
		Timeout:       opts.Timeout,
	}
	p.future, p.complete = newSettlableFuture[Outcome]()
	c.entries[msg.ID] = p
	c.mu.Unlock()

	if opts.Timeout > 0 {
		p.timer = time.AfterFunc(opts.Timeout, func() { c.resolveTimeout(p) })
	}
	return p, nil
}

func (c *Correlator) resolveTimeout(p *PendingResponse) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.timedOut = true
	p.mu.Unlock()

	c.mu.Lock()
	delete(c.entries, p.CorrelationID)
	c.mu.Unlock()

	body := map[string]any{
		"timeout":       p.Timeout.Milliseconds(),
		"correlationId": p.CorrelationID,
		"reason":        "Command timed out",
		"inReplyTo":     p.CorrelationID,
	}
	synthetic := c.factory.CreateError(p.ReplyTo, body, message.CreateOptions{
		Custom: map[string]any{"inReplyTo": p.CorrelationID},
	})

	p.complete(Outcome{Response: synthetic, TimedOut: true})

	if c.emit != nil {
		c.emit(synthetic)
	}
}

// HandleResult is the outcome of Correlator.HandleResponse.
type HandleResult struct {
	OK      bool
	Reason  string
	Pending *PendingResponse
}

// HandleResponse resolves the PendingResponse matching msg. correlationId is
// derived from the explicit arg first, then meta.inReplyTo (a creation-time
// custom key), then body.inReplyTo.
func (c *Correlator) HandleResponse(msg *message.Message, correlationID string) HandleResult {
	id := correlationID
	if id == "" {
		if v, ok := msg.Meta.Fixed.Custom("inReplyTo"); ok {
			if s, ok := v.(string); ok {
				id = s
			}
		}
	}
	if id == "" {
		if body, ok := msg.Body.(map[string]any); ok {
			if v, ok := body["inReplyTo"].(string); ok {
				id = v
			}
		}
	}
	if id == "" {
		return HandleResult{OK: false, Reason: "no correlationId derivable from message"}
	}

	c.mu.Lock()
	p, exists := c.entries[id]
	if exists {
		delete(c.entries, id)
	}
	c.mu.Unlock()

	if !exists {
		return HandleResult{OK: false, Reason: "unknown or already-resolved correlationId"}
	}

	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return HandleResult{OK: false, Reason: "already resolved"}
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.complete(Outcome{Response: msg})
	return HandleResult{OK: true, Pending: p}
}

// Cancel clears a pending entry idempotently.
func (c *Correlator) Cancel(correlationID string) {
	c.mu.Lock()
	p, exists := c.entries[correlationID]
	if exists {
		delete(c.entries, correlationID)
	}
	c.mu.Unlock()

	if !exists {
		return
	}
	p.mu.Lock()
	if !p.resolved {
		p.resolved = true
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	p.mu.Unlock()
}

// GetReplyTo returns the registered replyTo for a pending correlationId, or
// "" if absent.
func (c *Correlator) GetReplyTo(correlationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[correlationID]; ok {
		return p.ReplyTo
	}
	return ""
}

// newSettlableFuture returns a Future paired with a function that settles
// it exactly once. future.New drives a func() (T, error) on its own
// goroutine, so the Future here is backed by a goroutine that waits on a
// one-slot channel; complete sends the value into that channel at most once.
func newSettlableFuture[T any]() (*future.Future[T], func(T)) {
	ch := make(chan T, 1)
	f := future.New(func() (T, error) {
		return <-ch, nil
	})
	var once sync.Once
	complete := func(v T) {
		once.Do(func() { ch <- v })
	}
	return f, complete
}
