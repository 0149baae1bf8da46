package services

import (
	"context"
	"time"

	"bulk-order-service/logger"
	"bulk-order-service/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditSink receives a copy of every audit event.
type AuditSink interface {
	Name() string
	Write(ctx context.Context, event models.AuditEvent) error
}

// AuditRecorder is what pipeline components depend on.
type AuditRecorder interface {
	Record(ctx context.Context, event models.AuditEvent)
}

// AuditLogger writes the audit trail to a dedicated zap logger and fans out to sinks.
// Sink failures are logged and never reach the caller.
type AuditLogger struct {
	log         *zap.Logger
	sinks       []AuditSink
	sinkTimeout time.Duration
}

func NewAuditLogger(base *zap.Logger, sinks ...AuditSink) *AuditLogger {
	return &AuditLogger{
		log:         base.Named("audit"),
		sinks:       sinks,
		sinkTimeout: 5 * time.Second,
	}
}

func (a *AuditLogger) Record(ctx context.Context, event models.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityLow
	}
	if event.RequestID == "" {
		event.RequestID = logger.RequestIDFrom(ctx)
	}

	a.log.Info("audit_event",
		zap.String("audit_id", event.ID),
		zap.Time("timestamp", event.Timestamp),
		zap.String("action", event.Action),
		zap.String("actor", event.Actor),
		zap.String("account_id", event.AccountID),
		zap.String("resource", event.Resource),
		zap.String("outcome", event.Outcome),
		zap.String("severity", string(event.Severity)),
		zap.String("client_ip", event.ClientIP),
		zap.String("request_id", event.RequestID),
		zap.Any("details", event.Details),
	)

	if len(a.sinks) == 0 {
		return
	}
	// The audit trail must survive a cancelled request.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.sinkTimeout)
	defer cancel()
	for _, sink := range a.sinks {
		if err := sink.Write(sinkCtx, event); err != nil {
			a.log.Warn("audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("audit_id", event.ID),
				zap.Error(err),
			)
		}
	}
}
