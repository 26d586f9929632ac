package deadletter

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes each record as a structured warning.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "deadletter").Logger()}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, rec Record) error {
	s.logger.Warn().
		Str("run_id", rec.RunID).
		Str("pipeline", rec.Pipeline).
		Str("stage", rec.StageID).
		RawJSON("item", encodeItem(rec.Item)).
		Int("attempts", rec.Attempts).
		Time("failed_at", rec.Timestamp).
		AnErr("cause", rec.Err).
		Msg("item dead-lettered")
	return nil
}
