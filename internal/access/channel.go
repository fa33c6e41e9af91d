package access

import (
	"strings"
	"sync"

	"relaykernel/internal/errs"
)

// Channel is a named communication route owned by a principal, usable by
// its owner and any listed participant (spec §3).
type Channel struct {
	mu           sync.RWMutex
	Route        string
	OwnerPKR     PKR
	Metadata     map[string]any
	participants map[PKR]struct{}
}

// CanUse reports whether caller may route through this channel.
func (c *Channel) CanUse(caller PKR) bool {
	if caller == c.OwnerPKR {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.participants[caller]
	return ok
}

// AddParticipant adds caller's target to the channel's participant set.
func (c *Channel) AddParticipant(pkr PKR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[pkr] = struct{}{}
}

// RemoveParticipant removes pkr from the participant set.
func (c *Channel) RemoveParticipant(pkr PKR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.participants, pkr)
}

// CreateChannel registers a Channel owned by owner. Conflict on an exact
// route already in use raises an error.
func (k *Kernel) CreateChannel(owner PKR, route string, participants []PKR, metadata map[string]any) (*Channel, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.channels[route]; exists {
		return nil, errs.Newf(errs.Validation, "channel route %q already registered", route)
	}

	ps := make(map[PKR]struct{}, len(participants))
	for _, p := range participants {
		ps[p] = struct{}{}
	}
	ch := &Channel{Route: route, OwnerPKR: owner, Metadata: metadata, participants: ps}
	k.channels[route] = ch
	return ch, nil
}

// CloseChannel removes a channel by its exact route.
func (k *Kernel) CloseChannel(route string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.channels[route]; !ok {
		return false
	}
	delete(k.channels, route)
	return true
}

// LookupChannel resolves a channel per the precedence order in spec §4.8:
// exact route, then metadata.name among owner-owned channels, then
// "/channel/<short>" route suffix against the owner's set.
func (k *Kernel) LookupChannel(owner PKR, ref string) (*Channel, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if ch, ok := k.channels[ref]; ok {
		return ch, true
	}

	for _, ch := range k.channels {
		if ch.OwnerPKR != owner {
			continue
		}
		if name, ok := ch.Metadata["name"].(string); ok && name == ref {
			return ch, true
		}
	}

	short := strings.TrimPrefix(ref, "/channel/")
	if short != ref {
		for _, ch := range k.channels {
			if ch.OwnerPKR == owner && strings.HasSuffix(ch.Route, "/"+short) {
				return ch, true
			}
		}
	}

	return nil, false
}
