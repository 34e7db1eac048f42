package status

import "context"

// Emitter receives node-status transitions and fans them out to an
// observability backend: logs, OpenTelemetry spans, an in-memory buffer,
// or the SSE Hub consumed by the dashboard (§4.6, out of scope beyond its contract).
//
// Implementations must be:
//   - Non-blocking: never stall a node's lifecycle loop.
//   - Thread-safe: Emit is called concurrently from every node goroutine.
//   - Resilient: the status channel "may be dropped without affecting
//     correctness" (§4.6) — Emit must not propagate backend failures back
//     into node execution.
type Emitter interface {
	// Emit publishes a single status transition.
	Emit(event Event)

	// EmitBatch publishes multiple transitions, preserving order.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered transitions are delivered or ctx
	// expires. Safe to call multiple times.
	Flush(ctx context.Context) error
}

// MultiEmitter fans a single Emit/EmitBatch/Flush out to several backends,
// e.g. a LogEmitter for operators plus a Hub for the dashboard SSE endpoint.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters into one.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

func (m *MultiEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiEmitter) Flush(ctx context.Context) error {
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}
