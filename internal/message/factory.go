package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateOptions configures Factory.Create. Unknown meta keys land in the
// message's mutable meta, never the fixed half (spec §4.1).
type CreateOptions struct {
	Type          Type
	Parent        *Message // for traceId inheritance
	Caller        string
	SenderID      string // ignored for TypeCommand, which always mints fresh
	TransactionID string
	Seq           int
	MaxRetries    int
	Custom        map[string]any // creation-time keys, land in FixedMeta
	Runtime       map[string]any // per-hop keys, land in MutableMeta
}

// Factory mints Messages with fixed metadata frozen at construction.
type Factory struct {
	caller string // default caller identity stamped on every message
}

// NewFactory returns a Factory that stamps msgs with the given default
// caller unless an option overrides it.
func NewFactory(caller string) *Factory {
	return &Factory{caller: caller}
}

// Create is the general entry point; the specialised constructors below are
// thin wrappers that set Type and any type-specific fixed fields.
func (f *Factory) Create(path string, body any, opts CreateOptions) *Message {
	flags := Flags{}
	switch opts.Type {
	case TypeAtomic:
		flags.IsAtomic = true
	case TypeBatch:
		flags.IsBatch = true
		flags.IsAtomic = false
	case TypeQuery:
		flags.IsQuery = true
	case TypeCommand:
		flags.IsCommand = true
	case TypeError:
		flags.IsError = true
	case TypeRetry, TypeTransaction, TypeSimple, "":
		// no extra flag
	}
	if opts.Type == "" {
		opts.Type = TypeSimple
	}
	if isQueryPath(path) {
		flags.IsQuery = true
	}

	senderID := opts.SenderID
	if opts.Type == TypeCommand {
		flags.IsCommand = true
		senderID = uuid.NewString()
	}

	caller := opts.Caller
	if caller == "" {
		caller = f.caller
	}

	var traceID string
	if opts.Parent != nil && opts.Parent.Meta.Fixed.traceID != "" {
		traceID = opts.Parent.Meta.Fixed.traceID
	} else {
		traceID = uuid.NewString()
	}

	custom := make(map[string]any, len(opts.Custom))
	for k, v := range opts.Custom {
		custom[k] = v
	}

	fixed := FixedMeta{
		timestamp:     time.Now(),
		msgType:       opts.Type,
		traceID:       traceID,
		maxRetries:    opts.MaxRetries,
		caller:        caller,
		senderID:      senderID,
		transactionID: opts.TransactionID,
		seq:           opts.Seq,
		flags:         flags,
		custom:        custom,
	}

	mutable := newMutableMeta()
	for k, v := range opts.Runtime {
		mutable.Set(k, v)
	}

	return &Message{
		ID:   uuid.NewString(),
		Path: path,
		Body: body,
		Meta: Meta{Fixed: fixed, Mutable: mutable},
	}
}

// isQueryPath reports whether a path is query-shaped per spec §3:
// "*://query/*" auto-marks isQuery.
func isQueryPath(path string) bool {
	_, rest, ok := cutScheme(path)
	if !ok {
		return false
	}
	first, _, _ := strings.Cut(rest, "/")
	return first == "query"
}

func cutScheme(path string) (scheme, rest string, ok bool) {
	for i := 0; i+2 < len(path); i++ {
		if path[i] == ':' && path[i+1] == '/' && path[i+2] == '/' {
			return path[:i], path[i+3:], true
		}
	}
	return "", "", false
}

// CreateSimple builds a TypeSimple message.
func (f *Factory) CreateSimple(path string, body any) *Message {
	return f.Create(path, body, CreateOptions{Type: TypeSimple})
}

// CreateAtomic builds a TypeAtomic message.
func (f *Factory) CreateAtomic(path string, body any, opts CreateOptions) *Message {
	opts.Type = TypeAtomic
	return f.Create(path, body, opts)
}

// CreateBatch builds a TypeBatch message.
func (f *Factory) CreateBatch(path string, body any, opts CreateOptions) *Message {
	opts.Type = TypeBatch
	return f.Create(path, body, opts)
}

// CreateQuery builds a TypeQuery message.
func (f *Factory) CreateQuery(path string, body any, opts CreateOptions) *Message {
	opts.Type = TypeQuery
	return f.Create(path, body, opts)
}

// CreateCommand builds a TypeCommand message; any supplied SenderID is
// ignored in favor of a freshly minted one (spec §4.1).
func (f *Factory) CreateCommand(path string, body any, opts CreateOptions) *Message {
	opts.Type = TypeCommand
	opts.SenderID = ""
	return f.Create(path, body, opts)
}

// CreateTransaction builds a TypeTransaction message.
func (f *Factory) CreateTransaction(path string, body any, opts CreateOptions) *Message {
	opts.Type = TypeTransaction
	return f.Create(path, body, opts)
}

// CreateRetry builds a TypeRetry message recording maxRetries.
func (f *Factory) CreateRetry(path string, body any, maxRetries int, opts CreateOptions) *Message {
	opts.Type = TypeRetry
	opts.MaxRetries = maxRetries
	return f.Create(path, body, opts)
}

// CreateError builds a TypeError message.
func (f *Factory) CreateError(path string, body any, opts CreateOptions) *Message {
	opts.Type = TypeError
	return f.Create(path, body, opts)
}

// TransactionSpec describes one member of a CreateTransactionBatch call.
type TransactionSpec struct {
	Path string
	Body any
	Opts CreateOptions
}

// CreateTransactionBatch yields len(specs) messages sharing a freshly
// generated transactionId with monotonically increasing seq starting at 1.
func (f *Factory) CreateTransactionBatch(specs []TransactionSpec) []*Message {
	txnID := uuid.NewString()
	out := make([]*Message, 0, len(specs))
	for i, spec := range specs {
		opts := spec.Opts
		opts.TransactionID = txnID
		opts.Seq = i + 1
		if opts.Type == "" {
			opts.Type = TypeTransaction
		}
		out = append(out, f.Create(spec.Path, spec.Body, opts))
	}
	return out
}
