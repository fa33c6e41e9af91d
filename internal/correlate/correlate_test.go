package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaykernel/internal/message"
)

func TestHandleResponseResolvesByExplicitID(t *testing.T) {
	f := message.NewFactory("kernel")
	c := New(f, nil)
	req := f.CreateCommand("svc://do", nil, message.CreateOptions{})

	p, err := c.Register("caller-1", req, RegisterOptions{ReplyTo: "caller://inbox"})
	require.NoError(t, err)

	resp := f.CreateSimple("caller://inbox", "done")
	res := c.HandleResponse(resp, req.ID)
	assert.True(t, res.OK)

	out, err := p.Await()
	require.NoError(t, err)
	assert.False(t, out.TimedOut)
	assert.Equal(t, resp, out.Response)
}

func TestHandleResponseDerivesFromBodyInReplyTo(t *testing.T) {
	f := message.NewFactory("kernel")
	c := New(f, nil)
	req := f.CreateCommand("svc://do", nil, message.CreateOptions{})

	_, err := c.Register("caller-1", req, RegisterOptions{ReplyTo: "caller://inbox"})
	require.NoError(t, err)

	resp := f.CreateSimple("caller://inbox", map[string]any{"inReplyTo": req.ID})
	res := c.HandleResponse(resp, "")
	assert.True(t, res.OK)
}

func TestAtMostOneResolution(t *testing.T) {
	f := message.NewFactory("kernel")
	c := New(f, nil)
	req := f.CreateCommand("svc://do", nil, message.CreateOptions{})

	_, err := c.Register("caller-1", req, RegisterOptions{ReplyTo: "caller://inbox"})
	require.NoError(t, err)

	resp := f.CreateSimple("caller://inbox", "done")
	first := c.HandleResponse(resp, req.ID)
	second := c.HandleResponse(resp, req.ID)

	assert.True(t, first.OK)
	assert.False(t, second.OK)
}

func TestTimeoutEmitsSyntheticMessage(t *testing.T) {
	f := message.NewFactory("kernel")
	emitted := make(chan *message.Message, 1)
	c := New(f, func(msg *message.Message) { emitted <- msg })

	req := f.CreateCommand("svc://do", nil, message.CreateOptions{})
	p, err := c.Register("caller-1", req, RegisterOptions{ReplyTo: "caller://inbox", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	out, err := p.Await()
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Equal(t, "caller://inbox", out.Response.Path)
	assert.Equal(t, int64(100), out.Response.Body.(map[string]any)["timeout"])

	select {
	case m := <-emitted:
		assert.Equal(t, req.ID, m.Body.(map[string]any)["correlationId"])
		assert.Equal(t, int64(100), m.Body.(map[string]any)["timeout"])
	case <-time.After(time.Second):
		t.Fatal("expected synthetic timeout message to be emitted")
	}

	late := c.HandleResponse(f.CreateSimple("caller://inbox", "too-late"), req.ID)
	assert.False(t, late.OK)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := message.NewFactory("kernel")
	c := New(f, nil)
	req := f.CreateCommand("svc://do", nil, message.CreateOptions{})

	_, err := c.Register("caller-1", req, RegisterOptions{ReplyTo: "caller://inbox"})
	require.NoError(t, err)

	c.Cancel(req.ID)
	c.Cancel(req.ID)

	res := c.HandleResponse(f.CreateSimple("caller://inbox", "x"), req.ID)
	assert.False(t, res.OK)
}

func TestGetReplyTo(t *testing.T) {
	f := message.NewFactory("kernel")
	c := New(f, nil)
	req := f.CreateCommand("svc://do", nil, message.CreateOptions{})

	_, err := c.Register("caller-1", req, RegisterOptions{ReplyTo: "caller://inbox"})
	require.NoError(t, err)

	assert.Equal(t, "caller://inbox", c.GetReplyTo(req.ID))
	assert.Equal(t, "", c.GetReplyTo("unknown"))
}
