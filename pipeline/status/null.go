package status

import "context"

// NullEmitter discards every event. Useful when the dashboard and log
// emitters are both disabled but an Emitter is still required to satisfy
// the pipeline's constructor.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

func (n *NullEmitter) Emit(Event) {}

func (n *NullEmitter) EmitBatch(context.Context, []Event) error {
	return nil
}

func (n *NullEmitter) Flush(context.Context) error {
	return nil
}
