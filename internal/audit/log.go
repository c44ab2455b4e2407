package audit

import (
	"context"
	"log/slog"

	"github.com/petnest/paycore/internal/reconciliation"
)

// LogSink writes outcomes as structured audit records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log backend.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, o *reconciliation.Outcome) error {
	s.logger.InfoContext(ctx, "reconciliation outcome",
		"reference", o.Reference,
		"provider", o.Provider,
		"externalId", o.ExternalID,
		"source", o.Source,
		"result", o.Result,
		"status", o.Status,
		"previousStatus", o.PreviousStatus,
		"reason", o.Reason,
		"amount", o.Amount.String(),
		"currency", o.Currency,
		"payloadHash", o.PayloadHash,
		"at", o.At,
	)
	return nil
}
