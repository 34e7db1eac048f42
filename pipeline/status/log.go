package status

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogEmitter implements Emitter by writing structured log lines through a
// logrus.FieldLogger, one entry per transition. It is the default Emitter
// wired into a pipeline's MultiEmitter alongside the SSE Hub, so operators
// reading stdout see the same transitions the dashboard does.
type LogEmitter struct {
	logger logrus.FieldLogger
}

// NewLogEmitter creates a LogEmitter writing through logger. If logger is
// nil, logrus.StandardLogger() is used.
func NewLogEmitter(logger logrus.FieldLogger) *LogEmitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(event Event) {
	l.entry(event).Info("node status transition")
}

func (l *LogEmitter) entry(event Event) *logrus.Entry {
	fields := logrus.Fields{
		"pipeline_id": event.PipelineID,
		"node_id":     event.NodeID,
		"run_id":      event.RunID,
		"status":      string(event.Status),
	}
	for k, v := range event.Meta {
		fields["meta_"+k] = v
	}
	return l.logger.WithFields(fields).WithTime(event.Timestamp)
}

func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: logrus writes synchronously and maintains no internal
// buffer an emitter needs to drain.
func (l *LogEmitter) Flush(context.Context) error {
	return nil
}
