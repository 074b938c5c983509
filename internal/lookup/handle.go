package lookup

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shizukutanaka/kadnode/internal/kademlia"
)

// Result is the outcome of a lookup.
type Result struct {
	Target kademlia.KeyID `json:"target"`
	// Contacts are the closest responders, nearest first. The local node is
	// included when it is among them.
	Contacts []kademlia.Contact `json:"contacts"`
	// Value and Source are set by a successful value lookup.
	Value   []byte           `json:"value,omitempty"`
	Source  kademlia.Contact `json:"source,omitempty"`
	Hops    int              `json:"hops"`
	Queried int              `json:"queried"`
	Elapsed time.Duration    `json:"elapsed"`
}

// Handle tracks one lookup. It is safe for concurrent use.
type Handle struct {
	id     string
	kind   string
	target kademlia.KeyID
	done   chan struct{}
	cancel func()

	result Result
	err    error
}

func newHandle(kind string, target kademlia.KeyID) *Handle {
	return &Handle{
		id:     uuid.NewString(),
		kind:   kind,
		target: target,
		done:   make(chan struct{}),
	}
}

// ID returns the lookup's unique id.
func (h *Handle) ID() string { return h.id }

// Kind returns "node" or "value".
func (h *Handle) Kind() string { return h.kind }

// Target returns the looked-up key.
func (h *Handle) Target() kademlia.KeyID { return h.target }

// Done is closed when the lookup finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the lookup finishes or ctx ends. An ended ctx does not
// cancel the lookup.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome, or ErrInProgress if the lookup is running.
func (h *Handle) Result() (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return Result{}, ErrInProgress
	}
}

// Cancel stops the lookup. Late responses are ignored. Cancel is idempotent
// and a no-op after completion.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// complete publishes the outcome. It must be called exactly once.
func (h *Handle) complete(result Result, err error) {
	h.result = result
	h.err = err
	close(h.done)
}
