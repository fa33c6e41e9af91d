package kernelfacade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaykernel/internal/errs"
	"relaykernel/internal/logger"
	"relaykernel/internal/message"
	"relaykernel/internal/router"
	"relaykernel/internal/subsystem"
)

func testLogger() *logger.Logger { return logger.New("test", logger.ERROR) }

func newRegisteredKernel(t *testing.T, scheme string, synchronous bool) (*Kernel, *subsystem.Subsystem, string) {
	f := message.NewFactory("test")
	k := New(f, testLogger())

	sub := subsystem.New(scheme, 8, synchronous, testLogger())
	sub.Router.Register("do", func(params map[string]string, body any) (any, error) {
		return body, nil
	}, router.Metadata{})
	require.NoError(t, sub.Build(context.Background()))

	pkr, err := k.RegisterSubsystem(scheme, sub)
	require.NoError(t, err)
	return k, sub, pkr
}

func TestSendProtectedDeliversToSubsystem(t *testing.T) {
	k, _, pkr := newRegisteredKernel(t, "svc", true)
	f := message.NewFactory("test")

	res, err := k.SendProtected(pkr, f.CreateSimple("svc://do", "payload"), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "payload", res.Result)
}

func TestSendProtectedUnknownSubsystem(t *testing.T) {
	f := message.NewFactory("test")
	k := New(f, testLogger())

	_, err := k.SendProtected("caller", f.CreateSimple("ghost://do", nil), SendOptions{})
	assert.Error(t, err)
}

func TestSendProtectedRegistersPendingResponse(t *testing.T) {
	k, _, pkr := newRegisteredKernel(t, "svc", true)
	f := message.NewFactory("test")

	res, err := k.SendProtected(pkr, f.CreateCommand("svc://do", "payload", message.CreateOptions{}), SendOptions{
		ResponseRequired: &ResponseRequirement{ReplyTo: "caller://inbox", Timeout: time.Second},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Pending)
}

func TestSendProtectedChannelForbidsNonParticipant(t *testing.T) {
	k, _, pkr := newRegisteredKernel(t, "svc", true)
	_, err := k.Access().CreateChannel(pkr, "svc://do", nil, nil)
	require.NoError(t, err)

	f := message.NewFactory("test")
	_, err = k.SendProtected("a-stranger", f.CreateSimple("svc://do", nil), SendOptions{})
	assert.Error(t, err)
}

func TestSendProtectedChannelAllowsOwner(t *testing.T) {
	k, _, pkr := newRegisteredKernel(t, "svc", true)
	_, err := k.Access().CreateChannel(pkr, "svc://do", nil, nil)
	require.NoError(t, err)

	f := message.NewFactory("test")
	_, err = k.SendProtected(pkr, f.CreateSimple("svc://do", "hi"), SendOptions{})
	assert.NoError(t, err)
}

func TestIntrospectionSystemSubsystems(t *testing.T) {
	k, _, _ := newRegisteredKernel(t, "svc", true)

	reg, ok := k.lookupScheme("kernel")
	require.True(t, ok)

	match, err := reg.Subsystem.Router.Match("kernel://system/subsystems")
	require.NoError(t, err)

	result, err := match.Route.Handler(match.Params, nil)
	require.NoError(t, err)

	r := result.(Result)
	assert.True(t, r.Success)
	names := r.Data.([]string)
	assert.Contains(t, names, "svc")
	assert.Contains(t, names, "kernel")
}

func TestIntrospectionSystemRoutesListsPatterns(t *testing.T) {
	k, _, _ := newRegisteredKernel(t, "svc", true)

	reg, ok := k.lookupScheme("kernel")
	require.True(t, ok)

	match, err := reg.Subsystem.Router.Match("kernel://system/routes/svc")
	require.NoError(t, err)

	result, err := match.Route.Handler(match.Params, nil)
	require.NoError(t, err)

	r := result.(Result)
	assert.True(t, r.Success)
	assert.Contains(t, r.Data.([]string), "do")
}

func TestIntrospectionPermissionsGrantAndRevoke(t *testing.T) {
	k, _, pkr := newRegisteredKernel(t, "svc", true)
	resourcePrincipal, _ := k.Access().CreateResource(pkr, "widget", nil, map[string]any{"type": "widget"})

	reg, ok := k.lookupScheme("kernel")
	require.True(t, ok)

	match, err := reg.Subsystem.Router.Match("kernel://permissions/" + resourcePrincipal.UUID)
	require.NoError(t, err)

	grantBody := map[string]any{"verb": "grant", "right": "reader", "caller": pkr, "target": "friend-1"}
	result, err := match.Route.Handler(match.Params, grantBody)
	require.NoError(t, err)
	require.True(t, result.(Result).Success)

	queryResult, err := match.Route.Handler(match.Params, "friend-1")
	require.NoError(t, err)
	perms := queryResult.(Result).Data.(map[string]bool)
	assert.True(t, perms["canRead"])
	assert.False(t, perms["canWrite"])

	revokeBody := map[string]any{"verb": "revoke", "right": "reader", "caller": pkr, "target": "friend-1"}
	result, err = match.Route.Handler(match.Params, revokeBody)
	require.NoError(t, err)
	require.True(t, result.(Result).Success)

	queryResult, err = match.Route.Handler(match.Params, "friend-1")
	require.NoError(t, err)
	assert.False(t, queryResult.(Result).Data.(map[string]bool)["canRead"])
}

func TestIntrospectionResourcesByType(t *testing.T) {
	k, _, pkr := newRegisteredKernel(t, "svc", true)
	k.Access().CreateResource(pkr, "widget-1", nil, map[string]any{"type": "widget"})
	k.Access().CreateResource(pkr, "gadget-1", nil, map[string]any{"type": "gadget"})

	reg, ok := k.lookupScheme("kernel")
	require.True(t, ok)

	match, err := reg.Subsystem.Router.Match("kernel://resources/by-type/widget")
	require.NoError(t, err)

	result, err := match.Route.Handler(match.Params, nil)
	require.NoError(t, err)
	names := result.(Result).Data.([]string)
	require.Len(t, names, 1)
}

func TestHandlerErrorRecordedInSharedErrorStore(t *testing.T) {
	k, sub, pkr := newRegisteredKernel(t, "svc", true)
	sub.Router.Register("boom", func(params map[string]string, body any) (any, error) {
		return nil, assert.AnError
	}, router.Metadata{})

	f := message.NewFactory("test")
	_, err := k.SendProtected(pkr, f.CreateSimple("svc://boom", nil), SendOptions{})
	assert.Error(t, err)

	entries := k.ErrorStore().Query(errs.Filter{Subsystem: "svc"})
	require.Len(t, entries, 1)
	assert.Equal(t, errs.HandlerError, entries[0].Kind)
}

func TestSystemErrorsRouteQueriesSharedStore(t *testing.T) {
	k, sub, pkr := newRegisteredKernel(t, "svc", true)
	sub.Router.Register("boom", func(params map[string]string, body any) (any, error) {
		return nil, assert.AnError
	}, router.Metadata{})

	f := message.NewFactory("test")
	_, err := k.SendProtected(pkr, f.CreateSimple("svc://boom", nil), SendOptions{})
	assert.Error(t, err)

	reg, ok := k.lookupScheme("kernel")
	require.True(t, ok)
	match, err := reg.Subsystem.Router.Match("kernel://system/errors")
	require.NoError(t, err)

	result, err := match.Route.Handler(match.Params, map[string]any{"subsystem": "svc"})
	require.NoError(t, err)
	entries := result.(Result).Data.([]errs.Entry)
	require.Len(t, entries, 1)
}

func TestDuplicateSchemeRegistrationFails(t *testing.T) {
	k, sub, _ := newRegisteredKernel(t, "svc", true)
	_, err := k.RegisterSubsystem("svc", sub)
	assert.Error(t, err)
}
