package emit

import (
	"context"
	"log/slog"
)

// LogEmitter implements Emitter by writing each event as a structured slog record.
//
// Failure events ("step_failed", and "run_state" carrying an error) are
// logged at error level; everything else at the configured level.
//
// Example text output:
//
//	level=INFO msg=step_finished module=events run_id=3 step_id=2 command=touch duration_ms=4
type LogEmitter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogEmitter creates a new LogEmitter. A nil logger uses slog.Default().
func NewLogEmitter(logger *slog.Logger, level slog.Level) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{
		logger: logger.With("module", "events"),
		level:  level,
	}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	level := l.level
	if _, failed := event.Meta["error"]; failed || event.Msg == "step_failed" {
		level = slog.LevelError
	}

	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 3+len(event.Meta))
	attrs = append(attrs, slog.Int64("run_id", event.RunID))
	if event.StepID != 0 {
		attrs = append(attrs, slog.Int64("step_id", event.StepID))
	}
	if event.Command != "" {
		attrs = append(attrs, slog.String("command", event.Command))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(ctx, level, event.Msg, attrs...)
}
