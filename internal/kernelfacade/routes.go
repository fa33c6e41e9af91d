package kernelfacade

import (
	"context"

	"relaykernel/internal/access"
	"relaykernel/internal/errs"
	"relaykernel/internal/router"
	"relaykernel/internal/subsystem"
)

// Result is the uniform {success, data} | {success:false, error} shape
// every kernel:// route returns (spec §4.10).
type Result struct {
	Success bool
	Data    any
	Error   string
}

func ok(data any) (any, error)      { return Result{Success: true, Data: data}, nil }
func fail(msg string) (any, error) { return Result{Success: false, Error: msg}, nil }

// registerIntrospectionRoutes builds the synthetic "kernel" subsystem and
// attaches the system/principals/resources/permissions/profiles routes
// listed in spec §4.10.
func (k *Kernel) registerIntrospectionRoutes() {
	k.introspect = subsystem.New("kernel", 0, true, k.log)
	k.introspect.SetErrorStore(k.errStore)
	k.subsystems["kernel"] = &Registration{Scheme: "kernel", Subsystem: k.introspect}

	r := k.introspect.Router

	r.Register("system/subsystems", func(params map[string]string, body any) (any, error) {
		k.mu.RLock()
		defer k.mu.RUnlock()
		names := make([]string, 0, len(k.subsystems))
		for scheme := range k.subsystems {
			names = append(names, scheme)
		}
		return ok(names)
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("system/subsystem/{name}", func(params map[string]string, body any) (any, error) {
		reg, found := k.lookupScheme(params["name"])
		if !found {
			return fail("unknown_subsystem")
		}
		return ok(map[string]any{
			"name":  reg.Scheme,
			"state": reg.Subsystem.State(),
		})
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("system/status", func(params map[string]string, body any) (any, error) {
		k.mu.RLock()
		defer k.mu.RUnlock()
		statuses := make(map[string]string, len(k.subsystems))
		for scheme, reg := range k.subsystems {
			statuses[scheme] = string(reg.Subsystem.State())
		}
		return ok(statuses)
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("system/statistics", func(params map[string]string, body any) (any, error) {
		k.mu.RLock()
		defer k.mu.RUnlock()
		stats := make(map[string]any, len(k.subsystems))
		for scheme, reg := range k.subsystems {
			stats[scheme] = reg.Subsystem.Processor.Snapshot()
		}
		return ok(stats)
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("system/routes/{name}", func(params map[string]string, body any) (any, error) {
		reg, found := k.lookupScheme(params["name"])
		if !found {
			return fail("unknown_subsystem")
		}
		return ok(reg.Subsystem.Router.Patterns())
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("system/errors", func(params map[string]string, body any) (any, error) {
		filter := errs.Filter{}
		if req, ok := body.(map[string]any); ok {
			if subsystemName, ok := req["subsystem"].(string); ok {
				filter.Subsystem = subsystemName
			}
			if kind, ok := req["kind"].(string); ok {
				filter.Kind = errs.Kind(kind)
			}
		}
		return ok(k.errStore.Query(filter))
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("principals/friends", func(params map[string]string, body any) (any, error) {
		return ok(nil) // access.Kernel has no way to enumerate friend principals, so this returns no data
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("principals/friend/pkr/{uuid}", func(params map[string]string, body any) (any, error) {
		p, found := k.access.Principal(params["uuid"])
		if !found || p.Kind != access.KindFriend {
			return fail("unknown_friend")
		}
		return ok(map[string]any{"uuid": p.UUID, "name": p.Name, "metadata": p.Metadata})
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("resources/{uuid}", func(params map[string]string, body any) (any, error) {
		p, found := k.access.Principal(params["uuid"])
		if !found || p.Kind != access.KindResource {
			return fail("unknown_resource")
		}
		return ok(map[string]any{"uuid": p.UUID, "name": p.Name, "owner": p.Owner})
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("resources/by-owner/{uuid}", func(params map[string]string, body any) (any, error) {
		resources := k.access.ResourcesByOwner(params["uuid"])
		names := make([]string, 0, len(resources))
		for _, res := range resources {
			names = append(names, res.UUID)
		}
		return ok(names)
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("permissions/{uuid}", func(params map[string]string, body any) (any, error) {
		rws, found := k.access.RWSOf(params["uuid"])
		if !found {
			return fail("unknown_principal")
		}

		req, isStructured := body.(map[string]any)
		verb, _ := req["verb"].(string)
		if isStructured && (verb == "grant" || verb == "revoke") {
			caller, _ := req["caller"].(string)
			target, _ := req["target"].(string)
			right, _ := req["right"].(string)

			var mutate func(caller, target string) error
			switch right {
			case "reader":
				if verb == "grant" {
					mutate = rws.GrantReader
				} else {
					mutate = rws.RevokeReader
				}
			case "writer":
				if verb == "grant" {
					mutate = rws.GrantWriter
				} else {
					mutate = rws.RevokeWriter
				}
			case "granter":
				if verb == "grant" {
					mutate = rws.GrantGranter
				} else {
					mutate = rws.RevokeGranter
				}
			default:
				return fail("unknown_right")
			}
			if err := mutate(caller, target); err != nil {
				return fail(err.Error())
			}
			return ok(nil)
		}

		caller, _ := body.(string)
		if caller == "" {
			caller, _ = req["caller"].(string)
		}
		return ok(map[string]bool{
			"canRead":  rws.CanRead(caller),
			"canWrite": rws.CanWrite(caller),
			"canGrant": rws.CanGrant(caller),
		})
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("resources/by-type/{type}", func(params map[string]string, body any) (any, error) {
		resources := k.access.ResourcesByType(params["type"])
		names := make([]string, 0, len(resources))
		for _, res := range resources {
			names = append(names, res.UUID)
		}
		return ok(names)
	}, router.Metadata{Kind: router.KindQuery})

	r.Register("profiles/{uuid}", func(params map[string]string, body any) (any, error) {
		p, found := k.access.Principal(params["uuid"])
		if !found {
			return fail("unknown_principal")
		}
		return ok(map[string]any{"uuid": p.UUID, "kind": p.Kind, "name": p.Name})
	}, router.Metadata{Kind: router.KindQuery})

	if err := k.introspect.Build(context.Background()); err != nil {
		k.log.Error("introspection subsystem failed to build", "error", err)
	}
}
