// Package access implements the Access-Control kernel: Principals,
// Rights-With-Scope grant sets, and Channels (spec §4.8). It generalises the
// teacher kernel's Capability{ID,Target,Rights,Scope} model — there, a
// capability was a single bitmask handed to one actor; here, an RWS is a
// triad of reverse-indexed grant sets (readers/writers/granters) shared by a
// whole principal, so revocation and "am I a granter" queries are O(1)
// lookups instead of a capability-table scan.
package access

import (
	"sync"

	"github.com/google/uuid"

	"relaykernel/internal/errs"
)

// Kind classifies a Principal per spec §3.
type Kind string

const (
	KindSelf      Kind = "self"
	KindResource  Kind = "resource"
	KindFriend    Kind = "friend"
	KindSubsystem Kind = "subsystem"
)

// PKR is a principal key reference: the opaque UUID identifying a Principal.
type PKR = string

// Principal is an addressable identity in the access-control kernel.
type Principal struct {
	UUID     PKR
	Kind     Kind
	Name     string
	Metadata map[string]any
	Owner    PKR // set for resource principals; back-reference to owner
	Instance any // resource/subsystem payload, opaque to access control
}

// RWS is a Rights-With-Scope set: three separate grant lists keyed by
// principal UUID, attached to exactly one principal's identity handle. A
// principal may appear in more than one list; the owner is in all three.
type RWS struct {
	mu       sync.RWMutex
	owner    PKR
	readers  map[PKR]struct{}
	writers  map[PKR]struct{}
	granters map[PKR]struct{}
}

func newRWS(owner PKR) *RWS {
	return &RWS{
		owner:    owner,
		readers:  map[PKR]struct{}{owner: {}},
		writers:  map[PKR]struct{}{owner: {}},
		granters: map[PKR]struct{}{owner: {}},
	}
}

func (r *RWS) CanRead(caller PKR) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.readers[caller]
	return ok
}

func (r *RWS) CanWrite(caller PKR) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.writers[caller]
	return ok
}

func (r *RWS) CanGrant(caller PKR) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caller == r.owner {
		return true
	}
	_, ok := r.granters[caller]
	return ok
}

func (r *RWS) grant(caller PKR, list *map[PKR]struct{}, target PKR) error {
	if !r.CanGrant(caller) {
		return errs.New(errs.Forbidden, "caller is not a granter of this RWS")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	(*list)[target] = struct{}{}
	return nil
}

func (r *RWS) revoke(caller PKR, list *map[PKR]struct{}, target PKR) error {
	if !r.CanGrant(caller) {
		return errs.New(errs.Forbidden, "caller is not a granter of this RWS")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(*list, target)
	return nil
}

func (r *RWS) GrantReader(caller, target PKR) error  { return r.grant(caller, &r.readers, target) }
func (r *RWS) GrantWriter(caller, target PKR) error  { return r.grant(caller, &r.writers, target) }
func (r *RWS) GrantGranter(caller, target PKR) error { return r.grant(caller, &r.granters, target) }
func (r *RWS) RevokeReader(caller, target PKR) error { return r.revoke(caller, &r.readers, target) }
func (r *RWS) RevokeWriter(caller, target PKR) error { return r.revoke(caller, &r.writers, target) }
func (r *RWS) RevokeGranter(caller, target PKR) error {
	return r.revoke(caller, &r.granters, target)
}

// Kernel is the Access-Control kernel: a registry of Principals and their
// RWS handles, plus the Channel registry (channel.go).
type Kernel struct {
	mu         sync.RWMutex
	principals map[PKR]*Principal
	rws        map[PKR]*RWS // keyed by the owning principal's PKR
	channels   map[string]*Channel
}

// NewKernel returns an empty access-control kernel.
func NewKernel() *Kernel {
	return &Kernel{
		principals: make(map[PKR]*Principal),
		rws:        make(map[PKR]*RWS),
		channels:   make(map[string]*Channel),
	}
}

func (k *Kernel) register(p *Principal) *RWS {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.principals[p.UUID] = p
	rws := newRWS(p.UUID)
	k.rws[p.UUID] = rws
	return rws
}

// CreateFriend registers an external-facing principal.
func (k *Kernel) CreateFriend(name string, metadata map[string]any) (*Principal, *RWS) {
	p := &Principal{UUID: uuid.NewString(), Kind: KindFriend, Name: name, Metadata: metadata}
	return p, k.register(p)
}

// CreateResource registers a resource principal whose RWS seeds owner as
// reader/writer/granter.
func (k *Kernel) CreateResource(owner PKR, name string, instance any, metadata map[string]any) (*Principal, *RWS) {
	p := &Principal{
		UUID:     uuid.NewString(),
		Kind:     KindResource,
		Name:     name,
		Metadata: metadata,
		Owner:    owner,
		Instance: instance,
	}
	rws := k.register(p)
	rws.readers[owner] = struct{}{}
	rws.writers[owner] = struct{}{}
	rws.granters[owner] = struct{}{}
	return p, rws
}

// WireSubsystem creates and attaches a subsystem principal, making the
// subsystem owner ∈ readers∩writers∩granters of its own RWS.
func (k *Kernel) WireSubsystem(name string, instance any, metadata map[string]any) (*Principal, *RWS) {
	p := &Principal{UUID: uuid.NewString(), Kind: KindSubsystem, Name: name, Metadata: metadata, Instance: instance}
	return p, k.register(p)
}

// Principal looks up a principal by PKR.
func (k *Kernel) Principal(pkr PKR) (*Principal, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.principals[pkr]
	return p, ok
}

// ResourcesByOwner returns every resource principal owned by owner.
func (k *Kernel) ResourcesByOwner(owner PKR) []*Principal {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*Principal
	for _, p := range k.principals {
		if p.Kind == KindResource && p.Owner == owner {
			out = append(out, p)
		}
	}
	return out
}

// ResourcesByType returns every resource principal whose metadata["type"]
// matches t.
func (k *Kernel) ResourcesByType(t string) []*Principal {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*Principal
	for _, p := range k.principals {
		if p.Kind != KindResource {
			continue
		}
		if rt, ok := p.Metadata["type"].(string); ok && rt == t {
			out = append(out, p)
		}
	}
	return out
}

// RWSOf returns the RWS belonging to the given principal's identity.
func (k *Kernel) RWSOf(pkr PKR) (*RWS, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	r, ok := k.rws[pkr]
	return r, ok
}

// DisposeOwnerOf removes a principal and its RWS; resources owned by it are
// disposed too, per spec §3 ("orphaned resources are disposed with their
// owner").
func (k *Kernel) DisposeOwnerOf(pkr PKR) {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.principals, pkr)
	delete(k.rws, pkr)
	for id, p := range k.principals {
		if p.Kind == KindResource && p.Owner == pkr {
			delete(k.principals, id)
			delete(k.rws, id)
		}
	}
	for route, ch := range k.channels {
		if ch.OwnerPKR == pkr {
			delete(k.channels, route)
		}
	}
}
