package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds the trace identifiers from ctx to a zerolog logger.
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	t := FromContext(ctx)

	if t.TxnID != "" {
		logger = logger.With().Str("txn_id", t.TxnID).Logger()
	}
	if t.OriginTxnID != "" && t.OriginTxnID != t.TxnID {
		logger = logger.With().Str("origin_txn_id", t.OriginTxnID).Logger()
	}
	if t.CallPath != "" {
		logger = logger.With().Str("call_path", t.CallPath).Logger()
	}
	if sk := GetSessionKey(ctx); sk != "" {
		logger = logger.With().Str("session_key", sk).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with trace identifiers from the given context.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// TraceLogger adds trace identifiers directly (no context) to a logger.
func TraceLogger(t Trace, logger zerolog.Logger) zerolog.Logger {
	l := logger.With().Str("txn_id", t.TxnID).Str("call_path", t.CallPath)
	if t.OriginTxnID != "" && t.OriginTxnID != t.TxnID {
		l = l.Str("origin_txn_id", t.OriginTxnID)
	}
	return l.Logger()
}
