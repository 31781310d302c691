package storage

import (
	"context"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// LogTranscriptArchiver writes a one-line transcript summary to the log. It
// stands in for object storage when archiving to a bucket is disabled.
type LogTranscriptArchiver struct {
	logger *zap.Logger
}

// NewLogTranscriptArchiver creates a LogTranscriptArchiver
func NewLogTranscriptArchiver(log *zap.Logger) *LogTranscriptArchiver {
	return &LogTranscriptArchiver{logger: log.Named("archive")}
}

// ArchiveTranscript implements sales.TranscriptArchiver
func (a *LogTranscriptArchiver) ArchiveTranscript(ctx context.Context, session *sales.Session, order *sales.OrderRecord) error {
	t := BuildTranscript(session, order)
	fields := []zap.Field{
		zap.String("session_id", t.SessionID.String()),
		zap.String("customer_id", t.CustomerID),
		zap.Int("messages", len(t.Messages)),
		zap.Bool("escalated", t.Escalated),
	}
	if t.Order != nil {
		fields = append(fields,
			zap.String("order_id", t.Order.ID.String()),
			zap.String("order_state", t.Order.State),
			zap.String("total", t.Order.Total.StringFixed(2)),
		)
	}
	logger.WithTraceContext(ctx, a.logger).Info("Transcript archived to log", fields...)
	return nil
}

var _ sales.TranscriptArchiver = (*LogTranscriptArchiver)(nil)
