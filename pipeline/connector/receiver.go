package connector

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/anacostia-dev/anacostia-go/pipeline"
)

// Receiver is the successor side of a remote edge: it accepts handshakes
// and inbound signals for one pipeline's Engine, deduplicating delivery
// by (from, to, run_id, kind) per §4.2's idempotency requirement. Kind
// must be part of the key: a predecessor with a remote successor sends
// a run_start broadcast and, later, a separate outcome signal (success/
// failure/skip) for the same (from, run_id) — collapsing those would
// silently drop the outcome the successor is blocked on.
type Receiver struct {
	engine *pipeline.Engine

	mu   sync.Mutex
	seen map[string]bool
}

// NewReceiver binds a Receiver to the Engine whose nodes it delivers
// inbound signals to.
func NewReceiver(engine *pipeline.Engine) *Receiver {
	return &Receiver{engine: engine, seen: make(map[string]bool)}
}

// HandleConnect answers a handshake request, accepting every peer (§4.2
// specifies no authentication contract; a deployment wanting one adds it
// at the HTTP layer).
func (r *Receiver) HandleConnect(connectRequest) connectResponse {
	return connectResponse{ReceiverID: uuid.NewString(), Accepted: true}
}

// Deliver applies the idempotency-by-(from, to, run_id, kind) rule
// before routing sig into the engine's inbox delivery. Repeated
// delivery of the exact same signal is a no-op (§8 invariant 4); a
// different-kind signal from the same predecessor/run is a distinct
// delivery and always reaches the engine.
func (r *Receiver) Deliver(sig pipeline.Signal) bool {
	key := fmt.Sprintf("%s|%s|%d|%s", sig.From, sig.To, sig.RunID, sig.Kind)

	r.mu.Lock()
	if r.seen[key] {
		r.mu.Unlock()
		return true
	}
	r.seen[key] = true
	r.mu.Unlock()

	return r.engine.DeliverSignal(sig)
}
