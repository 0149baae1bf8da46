package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bulk-order-service/models"
	aws_pkg "bulk-order-service/pkg/aws"

	"go.uber.org/zap"
)

// AlertRaiser routes high-signal events to on-call. Raise never fails the caller.
type AlertRaiser interface {
	Raise(ctx context.Context, alert models.Alert)
}

// AlertService publishes alerts to SNS, suppressing repeats of the same alert key inside
// the dedupe window.
type AlertService struct {
	sns         aws_pkg.SNSPublisher
	topicArn    string
	metrics     *aws_pkg.MetricsClient
	logger      *zap.Logger
	dedupe      time.Duration
	publishWait time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewAlertService(sns aws_pkg.SNSPublisher, topicArn string, metrics *aws_pkg.MetricsClient, dedupe time.Duration, logger *zap.Logger) *AlertService {
	if dedupe <= 0 {
		dedupe = time.Minute
	}
	return &AlertService{
		sns:         sns,
		topicArn:    topicArn,
		metrics:     metrics,
		logger:      logger,
		dedupe:      dedupe,
		publishWait: 5 * time.Second,
		seen:        make(map[string]time.Time),
		now:         time.Now,
	}
}

func alertKey(a models.Alert) string {
	return a.Category + "|" + a.AccountID + "|" + a.Actor
}

// shouldSend records the alert key and reports whether it is outside the dedupe window.
func (s *AlertService) shouldSend(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, t := range s.seen {
		if now.Sub(t) >= s.dedupe {
			delete(s.seen, k)
		}
	}
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = now
	return true
}

func (s *AlertService) Raise(ctx context.Context, alert models.Alert) {
	now := s.now()
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = now.UTC()
	}

	if !s.shouldSend(alertKey(alert), now) {
		s.logger.Debug("alert suppressed as duplicate",
			zap.String("category", alert.Category),
			zap.String("actor", alert.Actor),
		)
		return
	}

	s.logger.Warn("security alert",
		zap.String("category", alert.Category),
		zap.String("severity", string(alert.Severity)),
		zap.String("actor", alert.Actor),
		zap.String("account_id", alert.AccountID),
		zap.String("summary", alert.Summary),
	)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishWait)
	defer cancel()

	if s.metrics.IsEnabled() {
		_ = s.metrics.RecordCount(pubCtx, aws_pkg.MetricSecurityAlerts, map[string]string{
			"Category": alert.Category,
			"Severity": string(alert.Severity),
		})
	}

	if s.sns == nil || s.topicArn == "" {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		s.logger.Error("failed to marshal alert", zap.Error(err))
		return
	}
	attrs := map[string]string{
		"category": alert.Category,
		"severity": string(alert.Severity),
	}
	if err := s.sns.Publish(pubCtx, s.topicArn, "[bulk-orders] "+alert.Category, payload, attrs); err != nil {
		s.logger.Error("failed to publish alert", zap.String("category", alert.Category), zap.Error(err))
	}
}
