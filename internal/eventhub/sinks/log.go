package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/taskhub/internal/progress"
	"github.com/JakeFAU/taskhub/internal/task"
)

// LogSink emits structured logs for every task record. Progress updates are
// logged at debug level since they dominate the stream.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []task.Record) error {
	for _, rec := range batch {
		level := zapcore.InfoLevel
		if rec.Event.Type == progress.EventUpdate {
			level = zapcore.DebugLevel
		}
		ce := s.logger.Check(level, "task event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("task_id", rec.Task.ID),
			zap.String("task_type", rec.Task.Type),
			zap.String("status", string(rec.Task.Status)),
			zap.String("event", rec.Event.Type),
			zap.Time("ts", rec.Event.TS),
		}
		if len(rec.Event.Payload) > 0 {
			fields = append(fields, zap.Any("payload", rec.Event.Payload))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it flushes the logger.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
