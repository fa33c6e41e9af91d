package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSimple(t *testing.T) {
	f := NewFactory("system")
	m := f.CreateSimple("canvas://layers/42", "hello")

	require.NotEmpty(t, m.ID)
	assert.Equal(t, "canvas://layers/42", m.Path)
	assert.Equal(t, TypeSimple, m.Meta.Fixed.Type())
	assert.Equal(t, "system", m.Meta.Fixed.Caller())
	assert.False(t, m.Meta.Fixed.Flags().IsCommand)
	assert.NotEmpty(t, m.Meta.Fixed.TraceID())
}

func TestCreateCommandAlwaysMintsFreshSenderID(t *testing.T) {
	f := NewFactory("system")
	m := f.CreateCommand("svc://do-thing", nil, CreateOptions{SenderID: "should-be-ignored"})

	assert.True(t, m.Meta.Fixed.Flags().IsCommand)
	assert.NotEqual(t, "should-be-ignored", m.Meta.Fixed.SenderID())
	assert.NotEmpty(t, m.Meta.Fixed.SenderID())
}

func TestTraceIDInheritance(t *testing.T) {
	f := NewFactory("system")
	parent := f.CreateSimple("svc://a", nil)
	child := f.Create("svc://b", nil, CreateOptions{Parent: parent})

	assert.Equal(t, parent.Meta.Fixed.TraceID(), child.Meta.Fixed.TraceID())
}

func TestQueryPathAutoDetection(t *testing.T) {
	f := NewFactory("system")
	m := f.CreateSimple("svc://query/users/1", nil)
	assert.True(t, m.Meta.Fixed.Flags().IsQuery)

	m2 := f.CreateSimple("svc://users/1", nil)
	assert.False(t, m2.Meta.Fixed.Flags().IsQuery)
}

func TestBatchClearsAtomic(t *testing.T) {
	f := NewFactory("system")
	m := f.CreateBatch("svc://things", nil, CreateOptions{})
	assert.True(t, m.Meta.Fixed.Flags().IsBatch)
	assert.False(t, m.Meta.Fixed.Flags().IsAtomic)
}

func TestUnknownKeysLandInMutableMeta(t *testing.T) {
	f := NewFactory("system")
	m := f.Create("svc://x", nil, CreateOptions{
		Custom:  map[string]any{"replyTo": "caller-1"},
		Runtime: map[string]any{"processImmediately": true},
	})

	v, ok := m.Meta.Fixed.Custom("replyTo")
	assert.True(t, ok)
	assert.Equal(t, "caller-1", v)

	rv, ok := m.Meta.Mutable.Get("processImmediately")
	assert.True(t, ok)
	assert.Equal(t, true, rv)

	_, ok = m.Meta.Fixed.Custom("processImmediately")
	assert.False(t, ok)
}

func TestCreateTransactionBatchSharesIDMonotonicSeq(t *testing.T) {
	f := NewFactory("system")
	msgs := f.CreateTransactionBatch([]TransactionSpec{
		{Path: "svc://a", Body: 1},
		{Path: "svc://b", Body: 2},
		{Path: "svc://c", Body: 3},
	})

	require.Len(t, msgs, 3)
	txnID := msgs[0].Meta.Fixed.TransactionID()
	require.NotEmpty(t, txnID)
	for i, m := range msgs {
		assert.Equal(t, txnID, m.Meta.Fixed.TransactionID())
		assert.Equal(t, i+1, m.Meta.Fixed.Seq())
	}
}

func TestMutableMetaRetries(t *testing.T) {
	f := NewFactory("system")
	m := f.CreateRetry("svc://x", nil, 3, CreateOptions{})
	assert.Equal(t, 3, m.Meta.Fixed.MaxRetries())
	assert.Equal(t, 0, m.Meta.Mutable.Retries())
	assert.Equal(t, 1, m.Meta.Mutable.IncrementRetries())
	assert.Equal(t, 1, m.Meta.Mutable.Retries())
}
